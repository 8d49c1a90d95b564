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

package index

import (
	"io"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/ulikunitz/xz"
	"github.com/ulikunitz/xz/lzma"
	"github.com/zeebo/errs"
	"pault.ag/go/debian/deb"
)

// UnsupportedCompressionError is the error class for index files compressed with
// a scheme this package cannot read.
var UnsupportedCompressionError = errs.Class("unsupported compression")

// DecompressFunc wraps a compressed stream in a reader of its plain content.
type DecompressFunc func(io.Reader) (io.ReadCloser, error)

var decompressors = map[string]DecompressFunc{
	"": func(r io.Reader) (io.ReadCloser, error) {
		return io.NopCloser(r), nil
	},
	".gz": func(r io.Reader) (io.ReadCloser, error) {
		return gzip.NewReader(r)
	},
	".xz": func(r io.Reader) (io.ReadCloser, error) {
		xr, err := xz.NewReader(r)
		if err != nil {
			return nil, err
		}
		return io.NopCloser(xr), nil
	},
	".lzma": func(r io.Reader) (io.ReadCloser, error) {
		lr, err := lzma.NewReader(r)
		if err != nil {
			return nil, err
		}
		return io.NopCloser(lr), nil
	},
	".zst": func(r io.Reader) (io.ReadCloser, error) {
		zr, err := zstd.NewReader(r)
		if err != nil {
			return nil, err
		}
		return zr.IOReadCloser(), nil
	},
	".bz2": func(r io.Reader) (io.ReadCloser, error) {
		br, err := deb.DecompressorFor(".bz2")(r)
		if err != nil {
			return nil, err
		}
		return io.NopCloser(br), nil
	},
}

// Decompressor returns the decompression function for a file extension such as
// ".xz". The empty extension means the content is not compressed.
func Decompressor(ext string) (DecompressFunc, error) {
	fn, ok := decompressors[ext]
	if !ok {
		return nil, UnsupportedCompressionError.New("%q", ext)
	}
	return fn, nil
}

// Supported reports whether index files with the extension can be read.
func Supported(ext string) bool {
	_, ok := decompressors[ext]
	return ok
}
