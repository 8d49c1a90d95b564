// Copyright (C) 2020 Storj Labs, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package plan decides which artifacts need downloading, given the packages
// selected for the mirror and what earlier runs already fetched.
package plan

import (
	"context"
	"path"
	"path/filepath"
	"strings"

	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"storj.io/apt-mirror/checksum"
	"storj.io/apt-mirror/common"
	"storj.io/apt-mirror/download"
	"storj.io/apt-mirror/index"
	"storj.io/apt-mirror/limiter"
	"storj.io/apt-mirror/state"
)

var (
	// UnsafePathError is the error class for artifact filenames that would
	// resolve outside the download root.
	UnsafePathError = errs.Class("unsafe path")
	// ConflictError is the error class for packages listing an artifact that an
	// earlier package lists with a different size or checksum.
	ConflictError = errs.Class("conflicting artifact")
)

// Mode selects how already mirrored packages are recognized.
type Mode int

const (
	// Full checks the download root: every artifact without a valid file at its
	// destination gets a task.
	Full Mode = iota
	// Incremental trusts the prior state: a package recorded there with the same
	// version and checksum gets no task.
	Incremental
)

// String returns a human readable name for the mode.
func (m Mode) String() string {
	if m == Incremental {
		return "incremental"
	}
	return "full"
}

// Options configures planning.
type Options struct {
	Root string
	Mode Mode
	// AllVersions keys packages by name, architecture and version.
	AllVersions bool
	// Concurrency bounds parallel verification of existing files in Full mode.
	Concurrency int
}

// Plan is the result of planning.
type Plan struct {
	// Tasks lists artifacts to download, in package order. Destinations are
	// unique.
	Tasks []*download.Task
	// Manifest lists the URL of every task, in the same order.
	Manifest []string
	// Packages lists every planned package, including those that need no task.
	Packages []*index.Package
	// Unchanged counts packages skipped because the prior state already had them.
	Unchanged int
	// Present counts artifacts already valid at their destination.
	Present int
	// Rejected holds an error for every package that was left out, either for an
	// unsafe path or for an artifact conflicting with an earlier package.
	Rejected []error
	// Bytes is the total expected size of all tasks.
	Bytes int64

	allVersions bool
}

// Key returns the prior-state key of pkg.
func Key(pkg *index.Package, allVersions bool) string {
	if allVersions {
		return pkg.VersionedKey().String()
	}
	return pkg.Key().String()
}

// Entry returns what the prior state records for pkg.
func Entry(pkg *index.Package) state.Entry {
	return state.Entry{Version: pkg.Version.String(), Checksum: pkg.Sums.Digest()}
}

// Destination resolves an artifact filename under root, refusing names that
// would escape it.
func Destination(root, filename string) (string, error) {
	clean := path.Clean("/" + filename)
	if clean == "/" || clean != "/"+strings.TrimPrefix(filename, "/") || strings.Contains(filename, "\\") {
		return "", UnsafePathError.New("%q", filename)
	}
	return filepath.Join(root, filepath.FromSlash(clean[1:])), nil
}

// Build plans the download of pkgs into opts.Root.
func Build(ctx context.Context, log *zap.Logger, pkgs []*index.Package, prior state.Map, opts Options) (*Plan, error) {
	p := &Plan{allVersions: opts.AllVersions}

	type candidate struct {
		pkg     *index.Package
		task    *download.Task
		present bool
	}
	var candidates []*candidate
	// one task per destination; later packages listing the same file depend on it
	byDest := make(map[string]*candidate)
	for _, pkg := range pkgs {
		key := Key(pkg, opts.AllVersions)
		if opts.Mode == Incremental {
			if prev, ok := prior[key]; ok && prev == Entry(pkg) {
				p.Unchanged++
				p.Packages = append(p.Packages, pkg)
				continue
			}
		}

		var tasks []*candidate
		var rejected error
		for _, artifact := range pkg.Artifacts {
			dest, err := Destination(opts.Root, artifact.Filename)
			if err != nil {
				rejected = errs.New("%s: %v", key, err)
				break
			}
			if prev, ok := byDest[dest]; ok && !sameArtifact(prev.task, artifact) {
				rejected = ConflictError.New("%s: %s differs from the copy listed by %s", key, artifact.Filename, prev.task.Package)
				break
			}
			tasks = append(tasks, &candidate{pkg: pkg, task: &download.Task{
				URL:     common.JoinURL(pkg.MirrorURL, artifact.Filename),
				Dest:    dest,
				Size:    artifact.Size,
				Sums:    artifact.Sums,
				Package: key,
			}})
		}
		if rejected != nil {
			log.Warn("package rejected", zap.Error(rejected))
			p.Rejected = append(p.Rejected, rejected)
			continue
		}
		p.Packages = append(p.Packages, pkg)
		for _, c := range tasks {
			prev, ok := byDest[c.task.Dest]
			if !ok {
				byDest[c.task.Dest] = c
				candidates = append(candidates, c)
				continue
			}
			if !contains(prev.task.Owners(), key) {
				prev.task.Dependents = append(prev.task.Dependents, key)
			}
		}
	}

	if opts.Mode == Full {
		concurrency := int64(opts.Concurrency)
		err := limiter.ForEach(ctx, concurrency, len(candidates), func(ctx context.Context, i int) error {
			t := candidates[i].task
			candidates[i].present = checksum.VerifyFile(t.Dest, t.Size, t.Sums) == nil
			return nil
		})
		if err != nil {
			return nil, err
		}
	}

	for _, c := range candidates {
		if c.present {
			p.Present++
			continue
		}
		p.Tasks = append(p.Tasks, c.task)
		p.Manifest = append(p.Manifest, c.task.URL)
		p.Bytes += c.task.Size
	}
	log.Debug("plan built",
		zap.Stringer("mode", opts.Mode),
		zap.Int("num-packages", len(p.Packages)),
		zap.Int("num-tasks", len(p.Tasks)),
		zap.Int("num-unchanged", p.Unchanged),
		zap.Int("num-present", p.Present),
		zap.Int64("bytes", p.Bytes))
	return p, nil
}

// NextState returns prior updated with every planned package except those in
// failed. A failed package keeps whatever entry prior had for it.
func (p *Plan) NextState(prior state.Map, failed map[string]bool) state.Map {
	next := prior.Clone()
	for _, pkg := range p.Packages {
		key := Key(pkg, p.allVersions)
		if failed[key] {
			continue
		}
		next[key] = Entry(pkg)
	}
	return next
}

// sameArtifact reports whether t and a agree on size and on every digest both
// of them list, with at least one digest in common.
func sameArtifact(t *download.Task, a index.Artifact) bool {
	if t.Size != a.Size {
		return false
	}
	shared := 0
	for alg, digest := range t.Sums {
		if other, ok := a.Sums[alg]; ok {
			if other != digest {
				return false
			}
			shared++
		}
	}
	return shared > 0
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
