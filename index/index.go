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

// Package index downloads Packages and Sources indexes, verifies them against
// the Release document, and turns their stanzas into Package records.
package index

import (
	"context"
	"io"
	"os"
	"path"
	"strconv"
	"strings"

	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"storj.io/apt-mirror/checksum"
	"storj.io/apt-mirror/common"
	"storj.io/apt-mirror/control"
	"storj.io/apt-mirror/debversion"
	"storj.io/apt-mirror/fetch"
	"storj.io/apt-mirror/limiter"
	"storj.io/apt-mirror/release"
)

// Artifact is one downloadable file belonging to a package.
type Artifact struct {
	// Filename is relative to the mirror root, e.g. pool/main/f/foo/foo_1.0_amd64.deb.
	Filename string
	Size     int64
	Sums     checksum.Sums
}

// Key identifies a package for deduplication and for prior-state bookkeeping.
// Version is only set when every version of a package is kept.
type Key struct {
	Name         string
	Architecture string
	Version      string
}

// String renders the key as name:arch or name:arch=version.
func (k Key) String() string {
	s := k.Name + ":" + k.Architecture
	if k.Version != "" {
		s += "=" + k.Version
	}
	return s
}

// Package is a binary or source package listed in an index.
type Package struct {
	Name         string
	Version      debversion.Version
	Architecture string
	// Filename, Size and Sums describe the main artifact: the .deb for binary
	// packages, the .dsc for source packages.
	Filename string
	Size     int64
	Sums     checksum.Sums
	// Artifacts lists every file to download for the package, main artifact first.
	Artifacts []Artifact
	// MirrorURL is the base URL Filename is relative to.
	MirrorURL string
	// Stanza keeps all fields of the index entry.
	Stanza *control.Stanza
}

// Key returns the (name, architecture) identity of the package.
func (p *Package) Key() Key {
	return Key{Name: p.Name, Architecture: p.Architecture}
}

// VersionedKey returns the (name, architecture, version) identity of the package.
func (p *Package) VersionedKey() Key {
	return Key{Name: p.Name, Architecture: p.Architecture, Version: p.Version.String()}
}

// URL returns the absolute URL of the main artifact.
func (p *Package) URL() string {
	return common.JoinURL(p.MirrorURL, p.Filename)
}

// TotalSize returns the combined size of all artifacts.
func (p *Package) TotalSize() int64 {
	var total int64
	for _, a := range p.Artifacts {
		total += a.Size
	}
	return total
}

var binaryChecksumFields = map[checksum.Algorithm]string{
	checksum.MD5:    "MD5sum",
	checksum.SHA1:   "SHA1",
	checksum.SHA256: "SHA256",
	checksum.SHA512: "SHA512",
}

var sourceChecksumFields = map[checksum.Algorithm]string{
	checksum.MD5:    "Files",
	checksum.SHA1:   "Checksums-Sha1",
	checksum.SHA256: "Checksums-Sha256",
	checksum.SHA512: "Checksums-Sha512",
}

func missingField(n int, field string) error {
	return control.ParseError.New("stanza %d: missing required field %s", n, field)
}

func required(st *control.Stanza, n int, fields ...string) error {
	for _, field := range fields {
		if v, ok := st.Get(field); !ok || strings.TrimSpace(v) == "" {
			return missingField(n, field)
		}
	}
	return nil
}

// BinaryPackage builds a Package from the n-th stanza of a Packages index.
func BinaryPackage(st *control.Stanza, n int, mirrorURL string) (*Package, error) {
	if err := required(st, n, "Package", "Version", "Architecture", "Filename", "Size"); err != nil {
		return nil, err
	}
	version, err := debversion.Parse(st.Value("Version"))
	if err != nil {
		return nil, control.ParseError.New("stanza %d: %v", n, err)
	}
	size, err := strconv.ParseInt(strings.TrimSpace(st.Value("Size")), 10, 64)
	if err != nil || size < 0 {
		return nil, control.ParseError.New("stanza %d: invalid Size %q", n, st.Value("Size"))
	}
	sums := checksum.Sums{}
	for alg, field := range binaryChecksumFields {
		if digest, ok := st.Get(field); ok && digest != "" {
			sums.Add(alg, digest)
		}
	}
	filename := strings.TrimSpace(st.Value("Filename"))
	return &Package{
		Name:         strings.TrimSpace(st.Value("Package")),
		Version:      version,
		Architecture: strings.TrimSpace(st.Value("Architecture")),
		Filename:     filename,
		Size:         size,
		Sums:         sums,
		Artifacts:    []Artifact{{Filename: filename, Size: size, Sums: sums}},
		MirrorURL:    mirrorURL,
		Stanza:       st,
	}, nil
}

// SourcePackage builds a Package from the n-th stanza of a Sources index. Its
// architecture is "source" and its main artifact is the .dsc file.
func SourcePackage(st *control.Stanza, n int, mirrorURL string) (*Package, error) {
	if err := required(st, n, "Package", "Version", "Directory"); err != nil {
		return nil, err
	}
	version, err := debversion.Parse(st.Value("Version"))
	if err != nil {
		return nil, control.ParseError.New("stanza %d: %v", n, err)
	}
	dir := strings.TrimSpace(st.Value("Directory"))

	var artifacts []Artifact
	byName := make(map[string]int)
	for _, alg := range checksum.Algorithms {
		list, ok := st.Get(sourceChecksumFields[alg])
		if !ok {
			continue
		}
		for _, line := range strings.Split(list, "\n") {
			parts := strings.Fields(line)
			if len(parts) == 0 {
				continue
			}
			if len(parts) != 3 {
				return nil, control.ParseError.New("stanza %d: malformed %s entry %q", n, sourceChecksumFields[alg], line)
			}
			size, err := strconv.ParseInt(parts[1], 10, 64)
			if err != nil || size < 0 {
				return nil, control.ParseError.New("stanza %d: invalid size in %q", n, line)
			}
			i, seen := byName[parts[2]]
			if !seen {
				i = len(artifacts)
				byName[parts[2]] = i
				artifacts = append(artifacts, Artifact{Filename: path.Join(dir, parts[2]), Size: size, Sums: checksum.Sums{}})
			}
			artifacts[i].Sums.Add(alg, parts[0])
		}
	}
	if len(artifacts) == 0 {
		return nil, missingField(n, "Files")
	}
	for i, a := range artifacts {
		if strings.HasSuffix(a.Filename, ".dsc") {
			artifacts[0], artifacts[i] = artifacts[i], artifacts[0]
			break
		}
	}
	main := artifacts[0]
	return &Package{
		Name:         strings.TrimSpace(st.Value("Package")),
		Version:      version,
		Architecture: "source",
		Filename:     main.Filename,
		Size:         main.Size,
		Sums:         main.Sums,
		Artifacts:    artifacts,
		MirrorURL:    mirrorURL,
		Stanza:       st,
	}, nil
}

// ReadPackages parses an uncompressed index. Any malformed stanza fails the
// whole index.
func ReadPackages(r io.Reader, kind common.Kind, mirrorURL string) ([]*Package, error) {
	build := BinaryPackage
	if kind == common.KindSource {
		build = SourcePackage
	}
	reader := control.NewReader(r)
	var packages []*Package
	for n := 1; ; n++ {
		st, err := reader.Next()
		if err == io.EOF {
			return packages, nil
		}
		if err != nil {
			return nil, err
		}
		pkg, err := build(st, n, mirrorURL)
		if err != nil {
			return nil, err
		}
		packages = append(packages, pkg)
	}
}

// Fetcher downloads and parses index files.
type Fetcher struct {
	fetcher fetch.Fetcher
	workDir string
	log     *zap.Logger
}

// NewFetcher returns a Fetcher. Downloaded indexes are staged in workDir (the
// system temporary directory if empty) until they are verified and parsed.
func NewFetcher(fetcher fetch.Fetcher, workDir string, log *zap.Logger) *Fetcher {
	return &Fetcher{fetcher: fetcher, workDir: workDir, log: log}
}

// Fetch downloads the index, verifies its size and strongest checksum, then
// decompresses and parses it. Nothing is parsed before verification succeeds.
func (f *Fetcher) Fetch(ctx context.Context, ix release.Index) (_ []*Package, err error) {
	log := f.log.With(zap.String("index", ix.URL))
	decompress, err := Decompressor(ix.Compression())
	if err != nil {
		return nil, err
	}

	staged, err := f.download(ctx, log, ix)
	if err != nil {
		return nil, err
	}
	defer func() {
		err = errs.Combine(err, staged.Close(), os.Remove(staged.Name()))
	}()

	if _, err := staged.Seek(0, io.SeekStart); err != nil {
		return nil, err
	}
	plain, err := decompress(staged)
	if err != nil {
		return nil, control.ParseError.New("%s: %v", ix.Path, err)
	}
	defer common.DeferClose(plain, &err)

	packages, err := ReadPackages(plain, ix.Kind, ix.MirrorURL)
	if err != nil {
		return nil, err
	}
	log.Debug("index parsed", zap.Int("num-entries", len(packages)))
	return packages, nil
}

// download stores the verified index in a temporary file. The by-hash location
// is tried first when there is one.
func (f *Fetcher) download(ctx context.Context, log *zap.Logger, ix release.Index) (*os.File, error) {
	var errGroup errs.Group
	for _, url := range []string{ix.ByHashURL, ix.URL} {
		if url == "" {
			continue
		}
		staged, err := f.downloadFrom(ctx, url, ix)
		if err == nil {
			return staged, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		log.Debug("index download failed", zap.String("url", url), zap.Error(err))
		errGroup.Add(err)
	}
	return nil, errGroup.Err()
}

func (f *Fetcher) downloadFrom(ctx context.Context, url string, ix release.Index) (_ *os.File, err error) {
	verifier, err := checksum.NewVerifier(ix.Size, ix.Sums)
	if err != nil {
		return nil, err
	}
	resp, err := f.fetcher.Fetch(ctx, url, 0)
	if err != nil {
		return nil, err
	}
	body := limiter.NewReaderWithContext(ctx, resp.Body)
	defer common.DeferClose(body, &err)

	staged, err := os.CreateTemp(f.workDir, "index-*"+ix.Compression())
	if err != nil {
		return nil, err
	}
	defer func() {
		if err != nil {
			_ = staged.Close()
			_ = os.Remove(staged.Name())
		}
	}()

	// read one byte past the declared size so oversized content is detected
	if _, err := io.Copy(io.MultiWriter(staged, verifier), io.LimitReader(body, ix.Size+1)); err != nil {
		return nil, err
	}
	if err := verifier.Verify(); err != nil {
		return nil, err
	}
	return staged, nil
}
