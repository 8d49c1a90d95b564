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

// Package checksum selects and verifies the digests listed in Release documents
// and package indexes.
package checksum

import (
	"crypto/md5"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/hex"
	"hash"
	"io"
	"os"
	"strings"

	"github.com/zeebo/errs"

	"storj.io/apt-mirror/common"
)

// MismatchError is the error class for content that does not match its declared
// size or digest.
var MismatchError = errs.Class("checksum mismatch")

// UnverifiableError is the error class for content listed without any digest
// this package knows. Fetching it again cannot help.
var UnverifiableError = errs.Class("unverifiable")

// Algorithm names a digest algorithm using the field name Release documents use
// for its checksum list.
type Algorithm string

const (
	// MD5 is listed in the "MD5Sum" field ("MD5sum" in Packages indexes).
	MD5 Algorithm = "MD5Sum"
	// SHA1 is listed in the "SHA1" field.
	SHA1 Algorithm = "SHA1"
	// SHA256 is listed in the "SHA256" field.
	SHA256 Algorithm = "SHA256"
	// SHA512 is listed in the "SHA512" field.
	SHA512 Algorithm = "SHA512"
)

// Algorithms lists supported algorithms from weakest to strongest.
var Algorithms = []Algorithm{MD5, SHA1, SHA256, SHA512}

// ParseAlgorithm maps a field name to an Algorithm, case-insensitively.
func ParseAlgorithm(name string) (Algorithm, bool) {
	for _, alg := range Algorithms {
		if strings.EqualFold(string(alg), name) {
			return alg, true
		}
	}
	return "", false
}

func (a Algorithm) strength() int {
	for i, alg := range Algorithms {
		if alg == a {
			return i
		}
	}
	return -1
}

// New returns a fresh hash for the algorithm.
func (a Algorithm) New() hash.Hash {
	switch a {
	case MD5:
		return md5.New()
	case SHA1:
		return sha1.New()
	case SHA256:
		return sha256.New()
	case SHA512:
		return sha512.New()
	}
	return nil
}

// Sums maps algorithms to lower-case hex digests.
type Sums map[Algorithm]string

// Add records a digest, normalizing it to lower case.
func (s Sums) Add(alg Algorithm, digest string) {
	s[alg] = strings.ToLower(strings.TrimSpace(digest))
}

// Strongest returns the strongest algorithm present and its digest.
func (s Sums) Strongest() (Algorithm, string, bool) {
	best := Algorithm("")
	for alg, digest := range s {
		if digest == "" || alg.strength() < 0 {
			continue
		}
		if best == "" || alg.strength() > best.strength() {
			best = alg
		}
	}
	if best == "" {
		return "", "", false
	}
	return best, s[best], true
}

// Digest returns the strongest digest, or "" if there is none.
func (s Sums) Digest() string {
	_, digest, _ := s.Strongest()
	return digest
}

// Equal reports whether both sets carry the same strongest digest.
func (s Sums) Equal(other Sums) bool {
	alg, digest, ok := s.Strongest()
	if !ok {
		return false
	}
	return other[alg] == digest
}

// Verifier hashes everything written to it and checks the result against an
// expected size and digest.
type Verifier struct {
	alg      Algorithm
	expected string
	size     int64
	written  int64
	h        hash.Hash
}

// NewVerifier returns a Verifier for the strongest digest in sums. A negative
// size disables the size check.
func NewVerifier(size int64, sums Sums) (*Verifier, error) {
	alg, digest, ok := sums.Strongest()
	if !ok {
		return nil, UnverifiableError.New("no supported checksum to verify against")
	}
	return &Verifier{alg: alg, expected: digest, size: size, h: alg.New()}, nil
}

// Write implements io.Writer.
func (v *Verifier) Write(p []byte) (int, error) {
	n, err := v.h.Write(p)
	v.written += int64(n)
	return n, err
}

// Written returns the number of bytes hashed so far.
func (v *Verifier) Written() int64 { return v.written }

// Algorithm returns the algorithm used for verification.
func (v *Verifier) Algorithm() Algorithm { return v.alg }

// Sum returns the hex digest of the bytes written so far.
func (v *Verifier) Sum() string {
	return hex.EncodeToString(v.h.Sum(nil))
}

// Verify checks size and digest of everything written.
func (v *Verifier) Verify() error {
	if v.size >= 0 && v.written != v.size {
		return MismatchError.New("size %d, expected %d", v.written, v.size)
	}
	if actual := v.Sum(); actual != v.expected {
		return MismatchError.New("%s %s, expected %s", v.alg, actual, v.expected)
	}
	return nil
}

// VerifyFile checks a file on disk against the expected size and digests.
func VerifyFile(path string, size int64, sums Sums) (err error) {
	v, err := NewVerifier(size, sums)
	if err != nil {
		return err
	}
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer common.DeferClose(f, &err)

	if size >= 0 {
		info, err := f.Stat()
		if err != nil {
			return err
		}
		if info.Size() != size {
			return MismatchError.New("%s: size %d, expected %d", path, info.Size(), size)
		}
	}
	if _, err := io.Copy(v, f); err != nil {
		return err
	}
	return v.Verify()
}
