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

// Package state persists what was mirrored by a previous run: for every package
// key, the version and artifact checksum that were downloaded.
//
// A state file holds a gob-encoded snapshot followed by a journal of updates.
// Updates are appended as packages finish downloading, so an interrupted run
// still leaves a state file that reflects everything it completed.
package state

import (
	"encoding/gob"
	"errors"
	"io"
	"io/fs"
	"os"
	"sync"

	"github.com/zeebo/errs"
	"golang.org/x/sys/unix"
)

// DefaultFilename is the name of the state file kept at the top level of the
// download directory when no explicit path is configured.
const DefaultFilename = ".apt-mirror.state"

// EncodingError is an error class wrapping errors encountered during encoding of state.
var EncodingError = errs.Class("state encoding")

// DecodingError is an error class wrapping errors encountered during decoding of state.
var DecodingError = errs.Class("state decoding")

// Entry is what is remembered about one package.
type Entry struct {
	Version  string
	Checksum string
}

// Map maps package keys to entries.
type Map map[string]Entry

// Clone returns a copy of m.
func (m Map) Clone() Map {
	out := make(Map, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// Action represents the type of a journaled update.
type Action int16

const (
	// ActionRecord sets the entry for a key.
	ActionRecord Action = iota
	// ActionForget removes a key.
	ActionForget
)

type step struct {
	Action Action
	Key    string
	Entry  Entry
}

type snapshot struct {
	Packages Map
}

func readFrom(r io.Reader) (Map, error) {
	dec := gob.NewDecoder(r)
	var snap snapshot
	if err := dec.Decode(&snap); err != nil {
		return nil, DecodingError.Wrap(err)
	}
	m := snap.Packages
	if m == nil {
		m = Map{}
	}
	for {
		var st step
		if err := dec.Decode(&st); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				// a journal record cut short by an interrupted run is ignored
				break
			}
			return nil, DecodingError.Wrap(err)
		}
		switch st.Action {
		case ActionRecord:
			m[st.Key] = st.Entry
		case ActionForget:
			delete(m, st.Key)
		default:
			return nil, DecodingError.New("unrecognized Action %v", st.Action)
		}
	}
	return m, nil
}

// Load reads a state file, applying its journal. A missing file yields an empty
// map and no error.
func Load(filename string) (_ Map, err error) {
	f, err := os.Open(filename)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return Map{}, nil
		}
		return nil, DecodingError.Wrap(err)
	}
	defer func() { err = errs.Combine(err, f.Close()) }()

	if err := unix.Flock(int(f.Fd()), unix.LOCK_SH|unix.LOCK_NB); err != nil {
		return nil, DecodingError.New("could not lock state file %s: %v", filename, err)
	}
	return readFrom(f)
}

// Save writes a fresh state file holding exactly m.
func Save(filename string, m Map) error {
	st, err := Create(filename, m)
	if err != nil {
		return err
	}
	return st.Close()
}

// Store is an open state file accepting journaled updates.
type Store struct {
	mu       sync.Mutex
	filename string
	stream   *os.File
	enc      *gob.Encoder
}

// Create starts a new state file holding base, replacing any existing file
// atomically. The returned Store keeps the file locked until Close.
func Create(filename string, base Map) (_ *Store, err error) {
	tmpName := filename + ".tmp"
	f, err := os.OpenFile(tmpName, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return nil, EncodingError.Wrap(err)
	}
	defer func() {
		if f != nil {
			err = errs.Combine(err, f.Close(), os.Remove(tmpName))
		}
	}()
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		return nil, EncodingError.New("could not lock state file %s: %v", tmpName, err)
	}

	if base == nil {
		base = Map{}
	}
	enc := gob.NewEncoder(f)
	if err := enc.Encode(&snapshot{Packages: base}); err != nil {
		return nil, EncodingError.Wrap(err)
	}
	if err := f.Sync(); err != nil {
		return nil, EncodingError.Wrap(err)
	}
	if err := os.Rename(tmpName, filename); err != nil {
		return nil, EncodingError.Wrap(err)
	}

	st := &Store{filename: filename, stream: f, enc: enc}
	f = nil
	return st, nil
}

// Filename returns the path of the state file.
func (s *Store) Filename() string { return s.filename }

// Record journals the entry for key.
func (s *Store) Record(key string, entry Entry) error {
	return s.write(step{Action: ActionRecord, Key: key, Entry: entry})
}

// Forget journals the removal of key.
func (s *Store) Forget(key string) error {
	return s.write(step{Action: ActionForget, Key: key})
}

func (s *Store) write(st step) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stream == nil {
		return EncodingError.New("state file %s is closed", s.filename)
	}
	if err := s.enc.Encode(&st); err != nil {
		return EncodingError.Wrap(err)
	}
	return EncodingError.Wrap(s.stream.Sync())
}

// Close closes the state file, releasing its lock.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stream == nil {
		return nil
	}
	err := s.stream.Close()
	s.stream = nil
	return EncodingError.Wrap(err)
}
