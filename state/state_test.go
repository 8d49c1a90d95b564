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

package state

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func dummyMap() Map {
	return Map{
		"hello:amd64":    {Version: "2.10-3", Checksum: "aaaa"},
		"base-files:all": {Version: "1:12.4", Checksum: "bbbb"},
	}
}

func TestLoadMissing(t *testing.T) {
	m, err := Load(filepath.Join(t.TempDir(), "absent"))
	require.NoError(t, err)
	assert.Empty(t, m)
}

func TestSaveAndLoad(t *testing.T) {
	filename := filepath.Join(t.TempDir(), DefaultFilename)
	require.NoError(t, Save(filename, dummyMap()))

	m, err := Load(filename)
	require.NoError(t, err)
	assert.Equal(t, dummyMap(), m)

	require.NoError(t, Save(filename, nil))
	m, err = Load(filename)
	require.NoError(t, err)
	assert.Empty(t, m)
	assert.NotNil(t, m)

	_, err = os.Stat(filename + ".tmp")
	assert.True(t, os.IsNotExist(err))
}

func TestJournal(t *testing.T) {
	filename := filepath.Join(t.TempDir(), DefaultFilename)
	st, err := Create(filename, dummyMap())
	require.NoError(t, err)
	assert.Equal(t, filename, st.Filename())

	stat, err := os.Stat(filename)
	require.NoError(t, err)
	require.Greater(t, stat.Size(), int64(0))

	require.NoError(t, st.Record("hello:amd64", Entry{Version: "2.12-1", Checksum: "cccc"}))
	require.NoError(t, st.Record("curl:arm64", Entry{Version: "8.0", Checksum: "dddd"}))
	require.NoError(t, st.Forget("base-files:all"))

	stat2, err := os.Stat(filename)
	require.NoError(t, err)
	require.Greater(t, stat2.Size(), stat.Size())

	// journaled updates are visible before Close
	require.NoError(t, st.Close())
	require.NoError(t, st.Close())
	assert.Error(t, st.Record("late:amd64", Entry{}))

	m, err := Load(filename)
	require.NoError(t, err)
	assert.Equal(t, Map{
		"hello:amd64": {Version: "2.12-1", Checksum: "cccc"},
		"curl:arm64":  {Version: "8.0", Checksum: "dddd"},
	}, m)
}

func TestLoadTruncatedJournal(t *testing.T) {
	filename := filepath.Join(t.TempDir(), DefaultFilename)
	st, err := Create(filename, dummyMap())
	require.NoError(t, err)
	require.NoError(t, st.Record("curl:arm64", Entry{Version: "8.0", Checksum: "dddd"}))
	complete, err := os.Stat(filename)
	require.NoError(t, err)
	require.NoError(t, st.Record("wget:arm64", Entry{Version: "1.21", Checksum: "eeee"}))
	require.NoError(t, st.Close())

	full, err := os.Stat(filename)
	require.NoError(t, err)
	require.NoError(t, os.Truncate(filename, complete.Size()+(full.Size()-complete.Size())/2))

	m, err := Load(filename)
	require.NoError(t, err)
	assert.Contains(t, m, "curl:arm64")
	assert.NotContains(t, m, "wget:arm64")
}

func TestLoadJournalCutAnywhere(t *testing.T) {
	dir := t.TempDir()
	filename := filepath.Join(dir, DefaultFilename)
	st, err := Create(filename, dummyMap())
	require.NoError(t, err)
	snapshot, err := os.Stat(filename)
	require.NoError(t, err)
	require.NoError(t, st.Record("curl:arm64", Entry{Version: "8.0", Checksum: "dddd"}))
	require.NoError(t, st.Forget("curl:arm64"))
	require.NoError(t, st.Record("wget:arm64", Entry{Version: "1.21", Checksum: "eeee"}))
	require.NoError(t, st.Close())

	data, err := os.ReadFile(filename)
	require.NoError(t, err)
	cut := filepath.Join(dir, "cut.state")
	for n := snapshot.Size(); n <= int64(len(data)); n++ {
		require.NoError(t, os.WriteFile(cut, data[:n], 0644))
		m, err := Load(cut)
		require.NoError(t, err, "cut at %d of %d", n, len(data))
		for k, v := range dummyMap() {
			assert.Equal(t, v, m[k])
		}
	}
}

func TestLoadCorrupt(t *testing.T) {
	filename := filepath.Join(t.TempDir(), DefaultFilename)
	require.NoError(t, os.WriteFile(filename, []byte("not a state file"), 0644))
	_, err := Load(filename)
	require.Error(t, err)
	assert.True(t, DecodingError.Has(err))
}

func TestClone(t *testing.T) {
	m := dummyMap()
	c := m.Clone()
	c["new:amd64"] = Entry{Version: "1"}
	assert.Len(t, m, 2)
	assert.Len(t, c, 3)
}
