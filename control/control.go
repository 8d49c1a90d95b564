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

// Package control reads and writes the stanza-based text format used by Debian
// control files, Release documents, and Packages/Sources indexes.
//
// A document is a sequence of stanzas separated by blank lines. Each stanza is an
// ordered list of "Name: value" fields. A line starting with a space or tab
// continues the previous field; one leading whitespace character is removed and
// the rest is appended to the value after a newline. A continuation line holding
// only "." stands for an empty line inside the value.
package control

import (
	"bufio"
	"fmt"
	"io"
	"strings"

	"github.com/zeebo/errs"
)

// ParseError is the error class for malformed control text.
var ParseError = errs.Class("control parse")

// LineError identifies the line of input that could not be parsed. It is always
// wrapped in ParseError; use errors.As to retrieve it.
type LineError struct {
	Line int
	Msg  string
}

func (e *LineError) Error() string {
	return fmt.Sprintf("line %d: %s", e.Line, e.Msg)
}

func lineError(line int, format string, args ...interface{}) error {
	return ParseError.Wrap(&LineError{Line: line, Msg: fmt.Sprintf(format, args...)})
}

// Field is a single name/value pair in a Stanza.
type Field struct {
	Name  string
	Value string
}

// Stanza is an ordered set of fields. Lookups are case-insensitive; iteration
// keeps insertion order and the original casing of field names. Setting a field
// that already exists replaces its value in place.
type Stanza struct {
	fields []Field
}

// NewStanza returns a stanza holding the given fields, in order.
func NewStanza(fields ...Field) *Stanza {
	s := &Stanza{}
	for _, f := range fields {
		s.Set(f.Name, f.Value)
	}
	return s
}

func (s *Stanza) find(name string) int {
	for i := range s.fields {
		if strings.EqualFold(s.fields[i].Name, name) {
			return i
		}
	}
	return -1
}

// Get returns the value of the named field and whether it is present.
func (s *Stanza) Get(name string) (string, bool) {
	if i := s.find(name); i >= 0 {
		return s.fields[i].Value, true
	}
	return "", false
}

// Value returns the value of the named field, or "" if it is absent.
func (s *Stanza) Value(name string) string {
	v, _ := s.Get(name)
	return v
}

// Has reports whether the named field is present.
func (s *Stanza) Has(name string) bool {
	return s.find(name) >= 0
}

// Set stores a field value. An existing field with the same name (compared
// case-insensitively) keeps its position and casing and gets the new value.
func (s *Stanza) Set(name, value string) {
	if i := s.find(name); i >= 0 {
		s.fields[i].Value = value
		return
	}
	s.fields = append(s.fields, Field{Name: name, Value: value})
}

// Delete removes the named field, if present.
func (s *Stanza) Delete(name string) {
	if i := s.find(name); i >= 0 {
		s.fields = append(s.fields[:i], s.fields[i+1:]...)
	}
}

// Fields returns a copy of the fields in order.
func (s *Stanza) Fields() []Field {
	out := make([]Field, len(s.fields))
	copy(out, s.fields)
	return out
}

// Len returns the number of fields.
func (s *Stanza) Len() int { return len(s.fields) }

// Reader parses stanzas lazily from an underlying reader.
type Reader struct {
	scanner *bufio.Scanner
	lineNum int
	err     error
}

// maxLineLength bounds a single line. Description fields in real indexes stay far
// below this, but Release files for large archives carry long lines too.
const maxLineLength = 4 << 20

// NewReader returns a Reader consuming r.
func NewReader(r io.Reader) *Reader {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineLength)
	return &Reader{scanner: scanner}
}

// Parse returns a Reader over text. Every call starts a fresh pass, so the same
// text can be parsed any number of times.
func Parse(text string) *Reader {
	return NewReader(strings.NewReader(text))
}

// Next returns the next stanza, or io.EOF once the input is exhausted. After a
// parse error every further call returns the same error.
func (r *Reader) Next() (*Stanza, error) {
	if r.err != nil {
		return nil, r.err
	}
	st, err := r.next()
	if err != nil {
		r.err = err
	}
	return st, err
}

func (r *Reader) next() (*Stanza, error) {
	var st *Stanza
	current := -1
	for r.scanner.Scan() {
		r.lineNum++
		line := strings.TrimSuffix(r.scanner.Text(), "\r")

		if strings.TrimSpace(line) == "" {
			if st != nil {
				return st, nil
			}
			continue
		}

		if line[0] == ' ' || line[0] == '\t' {
			if st == nil || current < 0 {
				return nil, lineError(r.lineNum, "continuation line before any field")
			}
			content := line[1:]
			if content == "." {
				content = ""
			}
			st.fields[current].Value += "\n" + content
			continue
		}

		colon := strings.IndexByte(line, ':')
		if colon < 0 {
			return nil, lineError(r.lineNum, "field line without a colon: %q", line)
		}
		name := line[:colon]
		if name == "" || strings.ContainsAny(name, " \t") {
			return nil, lineError(r.lineNum, "invalid field name %q", name)
		}
		value := strings.TrimSpace(line[colon+1:])
		if st == nil {
			st = &Stanza{}
		}
		if i := st.find(name); i >= 0 {
			// last occurrence wins
			st.fields[i].Value = value
			current = i
		} else {
			st.fields = append(st.fields, Field{Name: name, Value: value})
			current = len(st.fields) - 1
		}
	}
	if err := r.scanner.Err(); err != nil {
		return nil, ParseError.New("line %d: %v", r.lineNum+1, err)
	}
	if st != nil {
		return st, nil
	}
	return nil, io.EOF
}

// ParseAll reads every stanza from r.
func ParseAll(r io.Reader) ([]*Stanza, error) {
	reader := NewReader(r)
	var stanzas []*Stanza
	for {
		st, err := reader.Next()
		if err == io.EOF {
			return stanzas, nil
		}
		if err != nil {
			return nil, err
		}
		stanzas = append(stanzas, st)
	}
}

// Serialize renders a stanza in control-file form, ending with a newline. Empty
// lines inside multi-line values are written as " .".
func Serialize(s *Stanza) string {
	var b strings.Builder
	for _, f := range s.fields {
		writeField(&b, f)
	}
	return b.String()
}

func writeField(b *strings.Builder, f Field) {
	lines := strings.Split(f.Value, "\n")
	b.WriteString(f.Name)
	b.WriteString(":")
	if lines[0] != "" {
		b.WriteString(" ")
		b.WriteString(lines[0])
	}
	b.WriteString("\n")
	for _, line := range lines[1:] {
		if line == "" {
			b.WriteString(" .\n")
			continue
		}
		b.WriteString(" ")
		b.WriteString(line)
		b.WriteString("\n")
	}
}

// WriteTo writes the stanzas to w separated by blank lines.
func WriteTo(w io.Writer, stanzas []*Stanza) (n int64, err error) {
	for i, st := range stanzas {
		text := Serialize(st)
		if i > 0 {
			text = "\n" + text
		}
		written, err := io.WriteString(w, text)
		n += int64(written)
		if err != nil {
			return n, err
		}
	}
	return n, nil
}
