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

package control

import (
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const twoPackages = `Package: foo
Version: 1.2
Architecture: amd64
Description: short summary
 First paragraph line.
 .
 Second paragraph.

Package: bar
version: 2.0-1
Architecture: all
`

func TestParseStanzas(t *testing.T) {
	stanzas, err := ParseAll(strings.NewReader(twoPackages))
	require.NoError(t, err)
	require.Len(t, stanzas, 2)

	foo := stanzas[0]
	assert.Equal(t, "foo", foo.Value("Package"))
	assert.Equal(t, "1.2", foo.Value("VERSION"))
	assert.Equal(t, "short summary\nFirst paragraph line.\n\nSecond paragraph.", foo.Value("description"))

	bar := stanzas[1]
	v, ok := bar.Get("Version")
	require.True(t, ok)
	assert.Equal(t, "2.0-1", v)
	assert.Equal(t, "version", bar.Fields()[1].Name)
	assert.False(t, bar.Has("Description"))
}

func TestParseIsRestartable(t *testing.T) {
	for i := 0; i < 2; i++ {
		r := Parse(twoPackages)
		first, err := r.Next()
		require.NoError(t, err)
		assert.Equal(t, "foo", first.Value("Package"))
		second, err := r.Next()
		require.NoError(t, err)
		assert.Equal(t, "bar", second.Value("Package"))
		_, err = r.Next()
		assert.Equal(t, io.EOF, err)
	}
}

func TestParseSeparators(t *testing.T) {
	text := "\n\nA: 1\r\n\r\n   \n\t\nB: 2\n\n\n"
	stanzas, err := ParseAll(strings.NewReader(text))
	require.NoError(t, err)
	require.Len(t, stanzas, 2)
	assert.Equal(t, "1", stanzas[0].Value("A"))
	assert.Equal(t, "2", stanzas[1].Value("B"))
}

func TestDuplicateFieldLastWins(t *testing.T) {
	st, err := Parse("Package: foo\nSize: 1\npackage: bar\n").Next()
	require.NoError(t, err)
	require.Equal(t, 2, st.Len())
	fields := st.Fields()
	assert.Equal(t, Field{Name: "Package", Value: "bar"}, fields[0])
	assert.Equal(t, Field{Name: "Size", Value: "1"}, fields[1])
}

func TestParseErrors(t *testing.T) {
	tests := []struct {
		name string
		text string
		line int
	}{
		{"continuation-first", " leading\nA: b\n", 1},
		{"no-colon", "A: b\nnot a field\n", 2},
		{"empty-name", "A: b\n\n: value\n", 3},
		{"continuation-after-blank", "A: b\n\n continued\n", 3},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseAll(strings.NewReader(tt.text))
			require.Error(t, err)
			assert.True(t, ParseError.Has(err))
			var lineErr *LineError
			require.True(t, errors.As(err, &lineErr))
			assert.Equal(t, tt.line, lineErr.Line)
		})
	}
}

func TestErrorIsSticky(t *testing.T) {
	r := Parse("A: 1\n\nbroken\n\nB: 2\n")
	_, err := r.Next()
	require.NoError(t, err)
	_, err = r.Next()
	require.Error(t, err)
	_, err2 := r.Next()
	assert.Equal(t, err, err2)
}

func TestSerializeRoundTrip(t *testing.T) {
	texts := []string{
		"Package: foo\nDescription: summary\n line one\n .\n line three\n",
		"SHA256:\n abc 10 main/binary-amd64/Packages\n def 20 main/binary-amd64/Packages.xz\n",
		"A: 1\nB:  spaced\n   indented continuation\n",
	}
	for _, text := range texts {
		st, err := Parse(text).Next()
		require.NoError(t, err)
		serialized := Serialize(st)

		again, err := Parse(serialized).Next()
		require.NoError(t, err)
		assert.Equal(t, st.Fields(), again.Fields())
	}

	st, err := Parse(texts[0]).Next()
	require.NoError(t, err)
	assert.Equal(t, texts[0], Serialize(st))
}

func TestWriteTo(t *testing.T) {
	stanzas, err := ParseAll(strings.NewReader(twoPackages))
	require.NoError(t, err)

	var b strings.Builder
	n, err := WriteTo(&b, stanzas)
	require.NoError(t, err)
	assert.Equal(t, int64(b.Len()), n)

	reparsed, err := ParseAll(strings.NewReader(b.String()))
	require.NoError(t, err)
	require.Len(t, reparsed, 2)
	for i := range stanzas {
		assert.Equal(t, stanzas[i].Fields(), reparsed[i].Fields())
	}
}

func TestStanzaEditing(t *testing.T) {
	st := NewStanza(Field{"Package", "foo"}, Field{"Version", "1"})
	st.Set("VERSION", "2")
	st.Set("Size", "10")
	st.Delete("package")
	assert.Equal(t, []Field{{"Version", "2"}, {"Size", "10"}}, st.Fields())
	assert.Equal(t, "Version: 2\nSize: 10\n", Serialize(st))
}
