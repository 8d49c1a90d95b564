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

// Package sources reads one-line-style apt source lists.
package sources

import (
	"bufio"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"storj.io/apt-mirror/common"
)

// SyntaxError is the error class for lines that cannot be understood.
var SyntaxError = errs.Class("sources syntax")

// ListSuffix is the extension of files read from source directories.
const ListSuffix = ".list"

// ParseLine interprets one line of a source list. Blank lines and comments
// yield ok == false and no error.
//
//	deb [arch=amd64,arm64 signed-by=/usr/share/keyrings/x.gpg] http://deb.debian.org/debian bookworm main contrib
func ParseLine(line string) (entry common.SourceEntry, ok bool, err error) {
	if i := strings.IndexByte(line, '#'); i >= 0 {
		line = line[:i]
	}
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return entry, false, nil
	}

	switch fields[0] {
	case "deb":
		entry.Kind = common.KindBinary
	case "deb-src":
		entry.Kind = common.KindSource
	default:
		return entry, false, SyntaxError.New("unknown source type %q", fields[0])
	}
	fields = fields[1:]

	if len(fields) > 0 && strings.HasPrefix(fields[0], "[") {
		var options []string
		for len(fields) > 0 {
			opt := fields[0]
			fields = fields[1:]
			closed := strings.HasSuffix(opt, "]")
			opt = strings.TrimSuffix(strings.TrimPrefix(opt, "["), "]")
			if opt != "" {
				options = append(options, opt)
			}
			if closed {
				break
			}
			if len(fields) == 0 {
				return entry, false, SyntaxError.New("unterminated option list")
			}
		}
		for _, opt := range options {
			name, value, found := strings.Cut(opt, "=")
			if !found {
				return entry, false, SyntaxError.New("malformed option %q", opt)
			}
			if name == "arch" {
				entry.Architectures = strings.Split(value, ",")
			}
		}
	}

	if len(fields) < 3 {
		return entry, false, SyntaxError.New("expected URL, distribution and at least one component")
	}
	entry.URL = strings.TrimRight(fields[0], "/")
	if err := common.ValidateURL(entry.URL); err != nil {
		return entry, false, SyntaxError.Wrap(err)
	}
	entry.Distribution = fields[1]
	if strings.HasSuffix(entry.Distribution, "/") {
		return entry, false, SyntaxError.New("flat repositories are not supported: %q", entry.Distribution)
	}
	entry.Components = fields[2:]
	return entry, true, nil
}

// Parse reads every entry from r. name is used in error messages.
func Parse(r io.Reader, name string) ([]common.SourceEntry, error) {
	var entries []common.SourceEntry
	scanner := bufio.NewScanner(r)
	lineNum := 0
	for scanner.Scan() {
		lineNum++
		entry, ok, err := ParseLine(scanner.Text())
		if err != nil {
			return nil, SyntaxError.New("%s:%d: %v", name, lineNum, err)
		}
		if ok {
			entries = append(entries, entry)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return entries, nil
}

// Load reads source lists from the given files and directories. Directories
// contribute their *.list files in lexical order. It is an error if no entry is
// found at all.
func Load(log *zap.Logger, paths ...string) ([]common.SourceEntry, error) {
	var files []string
	for _, p := range paths {
		info, err := os.Stat(p)
		if err != nil {
			return nil, err
		}
		if !info.IsDir() {
			log.Debug("adding source list", zap.String("file", p))
			files = append(files, p)
			continue
		}
		matches, err := filepath.Glob(filepath.Join(p, "*"+ListSuffix))
		if err != nil {
			return nil, err
		}
		sort.Strings(matches)
		log.Debug("adding source directory", zap.String("dir", p), zap.Int("num-files", len(matches)))
		files = append(files, matches...)
	}

	var entries []common.SourceEntry
	for _, file := range files {
		fileEntries, err := loadFile(file)
		if err != nil {
			return nil, err
		}
		entries = append(entries, fileEntries...)
	}
	if len(entries) == 0 {
		return nil, SyntaxError.New("no sources found in %s", strings.Join(paths, ", "))
	}
	return entries, nil
}

func loadFile(name string) (_ []common.SourceEntry, err error) {
	f, err := os.Open(name)
	if err != nil {
		return nil, err
	}
	defer common.DeferClose(f, &err)
	return Parse(f, name)
}
