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

// Package release fetches and interprets the Release document of an apt
// distribution and picks the index files to download from it.
package release

import (
	"bytes"
	"context"
	"path"
	"sort"
	"strconv"
	"strings"

	"github.com/ProtonMail/go-crypto/openpgp/clearsign"
	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"storj.io/apt-mirror/checksum"
	"storj.io/apt-mirror/common"
	"storj.io/apt-mirror/control"
	"storj.io/apt-mirror/fetch"
)

// MissingIndexError is the error class used when a Release document lists no
// index for a requested component and architecture.
var MissingIndexError = errs.Class("missing index")

// compressionPreference ranks index compression extensions, best first. An
// extension not listed here ranks after all of them.
var compressionPreference = []string{".xz", ".zst", ".bz2", ".gz", "", ".lzma"}

func compressionRank(ext string) int {
	for i, e := range compressionPreference {
		if e == ext {
			return i
		}
	}
	return len(compressionPreference)
}

// IndexFile describes one file listed in a Release document.
type IndexFile struct {
	// Path is relative to the distribution directory, e.g. main/binary-amd64/Packages.xz.
	Path string
	Size int64
	Sums checksum.Sums
}

// Document is a parsed Release document.
type Document struct {
	Suite         string
	Codename      string
	Date          string
	Components    []string
	Architectures []string
	AcquireByHash bool
	// Files lists every file with a checksum, in order of first appearance.
	Files []IndexFile

	// Stanza keeps the raw fields.
	Stanza *control.Stanza
}

// Parse interprets text as a Release document. Checksum lists from every
// supported algorithm are merged per path.
func Parse(text []byte) (*Document, error) {
	st, err := control.NewReader(bytes.NewReader(text)).Next()
	if err != nil {
		if control.ParseError.Has(err) {
			return nil, err
		}
		return nil, control.ParseError.New("empty release document")
	}

	doc := &Document{
		Suite:         st.Value("Suite"),
		Codename:      st.Value("Codename"),
		Date:          st.Value("Date"),
		Components:    strings.Fields(st.Value("Components")),
		Architectures: strings.Fields(st.Value("Architectures")),
		AcquireByHash: strings.EqualFold(st.Value("Acquire-By-Hash"), "yes"),
		Stanza:        st,
	}

	byPath := make(map[string]int)
	for _, alg := range checksum.Algorithms {
		list, ok := st.Get(string(alg))
		if !ok {
			continue
		}
		for _, line := range strings.Split(list, "\n") {
			parts := strings.Fields(line)
			if len(parts) == 0 {
				continue
			}
			if len(parts) != 3 {
				return nil, control.ParseError.New("malformed %s entry %q", alg, line)
			}
			size, err := strconv.ParseInt(parts[1], 10, 64)
			if err != nil || size < 0 {
				return nil, control.ParseError.New("invalid size in %s entry %q", alg, line)
			}
			i, seen := byPath[parts[2]]
			if !seen {
				i = len(doc.Files)
				byPath[parts[2]] = i
				doc.Files = append(doc.Files, IndexFile{Path: parts[2], Size: size, Sums: checksum.Sums{}})
			} else if doc.Files[i].Size != size {
				return nil, control.ParseError.New("conflicting sizes for %q: %d and %d", parts[2], doc.Files[i].Size, size)
			}
			doc.Files[i].Sums.Add(alg, parts[0])
		}
	}
	return doc, nil
}

// Index is an index file selected for download, together with the context needed
// to fetch it and interpret its contents.
type Index struct {
	IndexFile
	Component    string
	Architecture string
	Kind         common.Kind
	// MirrorURL is the base URL artifacts listed in the index are relative to.
	MirrorURL string
	// URL is the canonical location of the index.
	URL string
	// ByHashURL is the content-addressed location, when the archive offers one.
	ByHashURL string
}

// Compression returns the file extension naming the compression of the index,
// or "" if it is uncompressed.
func (ix Index) Compression() string {
	return compressionOf(ix.Path)
}

func compressionOf(p string) string {
	base := path.Base(p)
	if i := strings.IndexByte(base, '.'); i >= 0 {
		return base[i:]
	}
	return ""
}

// Key identifies the logical target of the index, independent of compression.
func (ix Index) Key() string {
	if ix.Kind == common.KindSource {
		return ix.Component + "/source"
	}
	return ix.Component + "/" + ix.Architecture
}

// Select picks exactly one index file per requested component and architecture
// (or one per component for source entries), preferring better compression. It
// returns a MissingIndexError for every combination the document does not cover.
// A missing binary-all index is not an error, since packages for architecture
// "all" also appear in the per-architecture indexes.
func Select(doc *Document, entry common.SourceEntry) (selected []Index, missing []error) {
	distBase := common.JoinURL(entry.URL, "dists/"+entry.Distribution)

	pick := func(component, arch, dir, stem string) {
		var best *IndexFile
		for i := range doc.Files {
			f := &doc.Files[i]
			rest := strings.TrimPrefix(f.Path, dir+"/")
			if rest == f.Path || strings.Contains(rest, "/") {
				continue
			}
			if rest != stem && !strings.HasPrefix(rest, stem+".") {
				continue
			}
			if best == nil || compressionRank(compressionOf(f.Path)) < compressionRank(compressionOf(best.Path)) {
				best = f
			}
		}
		if best == nil {
			if arch != "all" {
				missing = append(missing, MissingIndexError.New("%s %s: no %s index for %s", entry.URL, entry.Distribution, stem, dir))
			}
			return
		}
		ix := Index{
			IndexFile:    *best,
			Component:    component,
			Architecture: arch,
			Kind:         entry.Kind,
			MirrorURL:    entry.URL,
			URL:          common.JoinURL(distBase, best.Path),
		}
		if doc.AcquireByHash {
			if alg, digest, ok := best.Sums.Strongest(); ok {
				ix.ByHashURL = common.JoinURL(distBase, path.Join(dir, "by-hash", string(alg), digest))
			}
		}
		selected = append(selected, ix)
	}

	for _, component := range entry.Components {
		if entry.Kind == common.KindSource {
			pick(component, "source", component+"/source", "Sources")
			continue
		}
		for _, arch := range entry.Architectures {
			pick(component, arch, component+"/binary-"+arch, "Packages")
		}
	}
	return selected, missing
}

// Resolution is the outcome of resolving one source entry.
type Resolution struct {
	Entry    common.SourceEntry
	Document *Document
	Indexes  []Index
	// Missing holds one MissingIndexError per uncovered component/architecture.
	Missing []error
}

// Resolver fetches Release documents.
type Resolver struct {
	fetcher fetch.Fetcher
	log     *zap.Logger
}

// NewResolver returns a Resolver using the given fetcher.
func NewResolver(fetcher fetch.Fetcher, log *zap.Logger) *Resolver {
	return &Resolver{fetcher: fetcher, log: log}
}

// Resolve fetches and parses the Release document for the entry's distribution
// and selects its index files. InRelease is tried first; the plain Release file
// is the fallback. Signatures are not checked.
func (r *Resolver) Resolve(ctx context.Context, entry common.SourceEntry) (*Resolution, error) {
	log := r.log.With(zap.String("mirror", entry.URL), zap.String("dist", entry.Distribution))
	if err := common.ValidateURL(entry.URL); err != nil {
		return nil, err
	}
	text, err := r.fetchDocument(ctx, log, entry)
	if err != nil {
		return nil, err
	}
	doc, err := Parse(text)
	if err != nil {
		return nil, err
	}
	selected, missing := Select(doc, entry)
	sort.SliceStable(selected, func(i, j int) bool { return selected[i].Key() < selected[j].Key() })
	log.Debug("release resolved",
		zap.String("suite", doc.Suite),
		zap.String("codename", doc.Codename),
		zap.Int("num-files", len(doc.Files)),
		zap.Int("num-selected", len(selected)),
		zap.Int("num-missing", len(missing)))
	return &Resolution{Entry: entry, Document: doc, Indexes: selected, Missing: missing}, nil
}

func (r *Resolver) fetchDocument(ctx context.Context, log *zap.Logger, entry common.SourceEntry) ([]byte, error) {
	distBase := common.JoinURL(entry.URL, "dists/"+entry.Distribution)
	inRelease, err := fetch.Get(ctx, r.fetcher, distBase+"/InRelease")
	if err == nil {
		if block, _ := clearsign.Decode(inRelease); block != nil {
			return block.Plaintext, nil
		}
		return inRelease, nil
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	log.Debug("InRelease unavailable, falling back to Release", zap.Error(err))
	text, releaseErr := fetch.Get(ctx, r.fetcher, distBase+"/Release")
	if releaseErr != nil {
		return nil, errs.Combine(err, releaseErr)
	}
	return text, nil
}
