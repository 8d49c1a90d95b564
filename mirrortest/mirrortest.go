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

// Package mirrortest builds fake apt archives served from memory.
package mirrortest

import (
	"bytes"
	"crypto/md5"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"path"
	"sort"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/ulikunitz/xz"
	"github.com/zeebo/errs"

	"storj.io/apt-mirror/common"
	"storj.io/apt-mirror/fetch"
)

// URL is the base URL of the fake archive.
const URL = "http://mirror.test/debian"

// Package is a binary package published by a Mirror.
type Package struct {
	Name         string
	Version      string
	Architecture string
	// Component defaults to main.
	Component string
	// Content defaults to a string derived from name, version and architecture.
	Content []byte
}

func (p Package) component() string {
	if p.Component == "" {
		return "main"
	}
	return p.Component
}

// Data returns the artifact content.
func (p Package) Data() []byte {
	if p.Content != nil {
		return p.Content
	}
	return []byte(fmt.Sprintf("%s_%s_%s\n", p.Name, p.Version, p.Architecture))
}

// Filename returns the pool path of the artifact.
func (p Package) Filename() string {
	version := p.Version
	if i := strings.IndexByte(version, ':'); i >= 0 {
		version = version[i+1:]
	}
	return path.Join("pool", p.component(), p.Name[:1], p.Name,
		fmt.Sprintf("%s_%s_%s.deb", p.Name, version, p.Architecture))
}

// Stanza returns the Packages index entry for the package.
func (p Package) Stanza() string {
	data := p.Data()
	md5sum := md5.Sum(data)
	sha256sum := sha256.Sum256(data)
	return fmt.Sprintf("Package: %s\nVersion: %s\nArchitecture: %s\nFilename: %s\nSize: %d\nMD5sum: %s\nSHA256: %s\nDescription: test package %s\n",
		p.Name, p.Version, p.Architecture, p.Filename(), len(data),
		hex.EncodeToString(md5sum[:]), hex.EncodeToString(sha256sum[:]), p.Name)
}

// Options controls how a distribution is published.
type Options struct {
	// Architectures lists the binary-<arch> indexes to publish.
	Architectures []string
	// Compressions lists index file extensions to publish, "" for uncompressed.
	// Defaults to ".xz" and ".gz".
	Compressions []string
	// ByHash publishes indexes under by-hash/SHA256 and sets Acquire-By-Hash.
	ByHash bool
}

// Mirror is a fake archive.
type Mirror struct {
	URL      string
	Fetcher  *fetch.MemoryFetcher
	packages []Package
}

// New returns an empty Mirror served at URL.
func New() *Mirror {
	return &Mirror{URL: URL, Fetcher: fetch.NewMemoryFetcher()}
}

// Add publishes artifacts for the packages. They are listed in indexes by the
// next Publish.
func (m *Mirror) Add(pkgs ...Package) *Mirror {
	for _, p := range pkgs {
		m.packages = append(m.packages, p)
		m.Fetcher.Add(m.ArtifactURL(p), p.Data())
	}
	return m
}

// ArtifactURL returns the URL the package artifact is served at.
func (m *Mirror) ArtifactURL(p Package) string {
	return common.JoinURL(m.URL, p.Filename())
}

// DistURL returns the URL of a file relative to the distribution directory.
func (m *Mirror) DistURL(dist, rel string) string {
	return common.JoinURL(m.URL, path.Join("dists", dist, rel))
}

// Publish writes Packages indexes for every component and requested
// architecture, plus a Release document listing them. Packages of architecture
// all are listed in every architecture's index.
func (m *Mirror) Publish(dist string, opts Options) error {
	compressions := opts.Compressions
	if len(compressions) == 0 {
		compressions = []string{".xz", ".gz"}
	}

	components := map[string]bool{}
	for _, p := range m.packages {
		components[p.component()] = true
	}
	var componentNames []string
	for c := range components {
		componentNames = append(componentNames, c)
	}
	sort.Strings(componentNames)

	files := map[string][]byte{}
	for _, component := range componentNames {
		for _, arch := range opts.Architectures {
			var index bytes.Buffer
			for _, p := range m.packages {
				if p.component() != component || (p.Architecture != arch && p.Architecture != "all") {
					continue
				}
				if index.Len() > 0 {
					index.WriteString("\n")
				}
				index.WriteString(p.Stanza())
			}
			dir := path.Join(component, "binary-"+arch)
			for _, ext := range compressions {
				data, err := Compress(ext, index.Bytes())
				if err != nil {
					return err
				}
				files[path.Join(dir, "Packages"+ext)] = data
				if opts.ByHash {
					m.Fetcher.Add(m.DistURL(dist, path.Join(dir, "by-hash", "SHA256", sha256Hex(data))), data)
				}
			}
		}
	}

	for name, data := range files {
		m.Fetcher.Add(m.DistURL(dist, name), data)
	}
	m.Fetcher.Add(m.DistURL(dist, "Release"), Release(dist, componentNames, opts.Architectures, opts.ByHash, files))
	return nil
}

// Release renders a Release document listing files with their MD5 and SHA256
// sums.
func Release(dist string, components, architectures []string, byHash bool, files map[string][]byte) []byte {
	var names []string
	for name := range files {
		names = append(names, name)
	}
	sort.Strings(names)

	var b strings.Builder
	fmt.Fprintf(&b, "Origin: Test\nSuite: %s\nCodename: %s\nDate: Sat, 10 Jun 2023 09:00:00 UTC\n", dist, dist)
	fmt.Fprintf(&b, "Architectures: %s\nComponents: %s\n", strings.Join(architectures, " "), strings.Join(components, " "))
	if byHash {
		b.WriteString("Acquire-By-Hash: yes\n")
	}
	b.WriteString("MD5Sum:\n")
	for _, name := range names {
		sum := md5.Sum(files[name])
		fmt.Fprintf(&b, " %s %d %s\n", hex.EncodeToString(sum[:]), len(files[name]), name)
	}
	b.WriteString("SHA256:\n")
	for _, name := range names {
		fmt.Fprintf(&b, " %s %d %s\n", sha256Hex(files[name]), len(files[name]), name)
	}
	return []byte(b.String())
}

// Compress compresses data for the given index file extension.
func Compress(ext string, data []byte) ([]byte, error) {
	var buf bytes.Buffer
	switch ext {
	case "":
		return data, nil
	case ".gz":
		w := gzip.NewWriter(&buf)
		if _, err := w.Write(data); err != nil {
			return nil, err
		}
		if err := w.Close(); err != nil {
			return nil, err
		}
	case ".xz":
		w, err := xz.NewWriter(&buf)
		if err != nil {
			return nil, err
		}
		if _, err := w.Write(data); err != nil {
			return nil, err
		}
		if err := w.Close(); err != nil {
			return nil, err
		}
	case ".zst":
		w, err := zstd.NewWriter(&buf)
		if err != nil {
			return nil, err
		}
		if _, err := w.Write(data); err != nil {
			return nil, err
		}
		if err := w.Close(); err != nil {
			return nil, err
		}
	default:
		return nil, errs.New("mirrortest: cannot compress %q", ext)
	}
	return buf.Bytes(), nil
}

func sha256Hex(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
