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

// Package debversion parses and orders Debian package version strings.
package debversion

import (
	"strconv"
	"strings"

	"github.com/zeebo/errs"
)

// Error is the error class for malformed version strings.
var Error = errs.Class("debian version")

// Version is a structured Debian version: [epoch:]upstream[-revision].
type Version struct {
	Epoch    uint64
	Upstream string
	Revision string
}

// Parse splits s into epoch, upstream version and revision. The epoch is everything
// before the first colon and must be numeric; the revision is everything after the
// last hyphen.
func Parse(s string) (Version, error) {
	var v Version
	s = strings.TrimSpace(s)
	if s == "" {
		return v, Error.New("empty version")
	}
	if i := strings.IndexByte(s, ':'); i >= 0 {
		epoch, err := strconv.ParseUint(s[:i], 10, 64)
		if err != nil {
			return v, Error.New("invalid epoch in %q", s)
		}
		v.Epoch = epoch
		s = s[i+1:]
	}
	if i := strings.LastIndexByte(s, '-'); i >= 0 {
		v.Revision = s[i+1:]
		s = s[:i]
	}
	if s == "" {
		return v, Error.New("empty upstream version")
	}
	// dpkg only warns when the upstream version does not start with a digit, so it
	// is accepted here too.
	v.Upstream = s
	return v, nil
}

// MustParse is like Parse but panics on error. It is meant for constants in tests.
func MustParse(s string) Version {
	v, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return v
}

// String formats the version back to its canonical text.
func (v Version) String() string {
	var b strings.Builder
	if v.Epoch > 0 {
		b.WriteString(strconv.FormatUint(v.Epoch, 10))
		b.WriteByte(':')
	}
	b.WriteString(v.Upstream)
	if v.Revision != "" {
		b.WriteByte('-')
		b.WriteString(v.Revision)
	}
	return b.String()
}

// Compare returns -1, 0 or 1 as a is older than, equal to, or newer than b.
func Compare(a, b Version) int {
	switch {
	case a.Epoch < b.Epoch:
		return -1
	case a.Epoch > b.Epoch:
		return 1
	}
	if c := compareFragment(a.Upstream, b.Upstream); c != 0 {
		return c
	}
	return compareFragment(a.Revision, b.Revision)
}

// CompareStrings parses and compares two version strings.
func CompareStrings(a, b string) (int, error) {
	va, err := Parse(a)
	if err != nil {
		return 0, err
	}
	vb, err := Parse(b)
	if err != nil {
		return 0, err
	}
	return Compare(va, vb), nil
}

// Less reports whether a is older than b.
func (v Version) Less(other Version) bool {
	return Compare(v, other) < 0
}

func isDigit(c byte) bool { return c >= '0' && c <= '9' }

func isLetter(c byte) bool { return (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') }

// order ranks a byte inside a non-numeric run: '~' before the end of the run,
// the end of the run before letters, letters before everything else.
func order(s string, i int) int {
	if i >= len(s) {
		return 0
	}
	c := s[i]
	switch {
	case isDigit(c):
		return 0
	case isLetter(c):
		return int(c)
	case c == '~':
		return -1
	default:
		return int(c) + 256
	}
}

// compareFragment compares upstream or revision strings as alternating
// non-numeric and numeric runs.
func compareFragment(a, b string) int {
	i, j := 0, 0
	for i < len(a) || j < len(b) {
		for (i < len(a) && !isDigit(a[i])) || (j < len(b) && !isDigit(b[j])) {
			ac, bc := order(a, i), order(b, j)
			if ac != bc {
				return sign(ac - bc)
			}
			i++
			j++
		}
		for i < len(a) && a[i] == '0' {
			i++
		}
		for j < len(b) && b[j] == '0' {
			j++
		}
		si, sj := i, j
		for i < len(a) && isDigit(a[i]) {
			i++
		}
		for j < len(b) && isDigit(b[j]) {
			j++
		}
		if c := compareDigits(a[si:i], b[sj:j]); c != 0 {
			return c
		}
	}
	return 0
}

// compareDigits compares two digit runs without leading zeros as integers of
// arbitrary length.
func compareDigits(a, b string) int {
	if len(a) != len(b) {
		return sign(len(a) - len(b))
	}
	return strings.Compare(a, b)
}

func sign(n int) int {
	switch {
	case n < 0:
		return -1
	case n > 0:
		return 1
	}
	return 0
}
