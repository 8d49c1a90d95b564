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

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"storj.io/apt-mirror/filter"
	"storj.io/apt-mirror/plan"
)

func writeConfig(t *testing.T, text string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "apt-mirror.yaml")
	require.NoError(t, os.WriteFile(path, []byte(text), 0644))
	return path
}

func TestDefault(t *testing.T) {
	c := Default()
	require.NoError(t, c.Validate())
	assert.Equal(t, 8, c.Concurrency)
	assert.Equal(t, 1, c.Retries)
	assert.Equal(t, DefaultSources, c.Sources)
	assert.Equal(t, plan.Full, c.PlanOptions().Mode)
	assert.Equal(t, filter.Latest, c.FilterMode())
}

func TestLoad(t *testing.T) {
	path := writeConfig(t, `
download-dir: /tmp/mirror
sources:
  - /etc/apt/mirror.list
architectures: [amd64, arm64]
all-versions: true
incremental: true
concurrency: 4
backoff: 250ms
requests-per-second: 2.5
`)
	c, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "/tmp/mirror", c.DownloadDir)
	assert.Equal(t, []string{"/etc/apt/mirror.list"}, c.Sources)
	assert.Equal(t, []string{"amd64", "arm64"}, c.Architectures)
	assert.Equal(t, 250*time.Millisecond, c.Backoff)
	assert.Equal(t, 2.5, c.RequestsPerSecond)
	// untouched keys keep their defaults
	assert.Equal(t, 1, c.Retries)
	assert.Equal(t, Default().ReadTimeout, c.ReadTimeout)

	po := c.PlanOptions()
	assert.Equal(t, plan.Incremental, po.Mode)
	assert.True(t, po.AllVersions)
	assert.Equal(t, 4, po.Concurrency)
	assert.Equal(t, filter.AllVersions, c.FilterMode())
	assert.Equal(t, 4, c.DownloadOptions().Concurrency)
	assert.Equal(t, 2.5, c.FetchOptions().RequestsPerSecond)
}

func TestLoadEmpty(t *testing.T) {
	c, err := Load(writeConfig(t, ""))
	require.NoError(t, err)
	assert.Equal(t, Default(), c)

	c, err = Load("")
	require.NoError(t, err)
	assert.Equal(t, Default(), c)
}

func TestLoadErrors(t *testing.T) {
	for name, text := range map[string]string{
		"unknown key":  "download-directory: /tmp\n",
		"bad type":     "concurrency: many\n",
		"invalid":      "concurrency: 0\n",
		"negative":     "retries: -1\n",
		"bad duration": "backoff: soon\n",
	} {
		t.Run(name, func(t *testing.T) {
			_, err := Load(writeConfig(t, text))
			require.Error(t, err)
			assert.True(t, Error.Has(err))
		})
	}

	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.True(t, Error.Has(err))
}

func TestFlagsOverrideFile(t *testing.T) {
	path := writeConfig(t, "download-dir: /from/file\nconcurrency: 3\nretries: 2\n")
	args := []string{"--concurrency", "16", "--config=" + path, "--arch", "amd64,i386", "extra.list"}

	got, err := PathFromArgs(args)
	require.NoError(t, err)
	require.Equal(t, path, got)

	c, err := Load(got)
	require.NoError(t, err)
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	fs.String("config", "", "")
	c.BindFlags(fs)
	require.NoError(t, fs.Parse(args))

	assert.Equal(t, "/from/file", c.DownloadDir)
	assert.Equal(t, 16, c.Concurrency)
	assert.Equal(t, 2, c.Retries)
	assert.Equal(t, []string{"amd64", "i386"}, c.Architectures)
	assert.Equal(t, []string{"extra.list"}, fs.Args())
}

func TestPathFromArgsAbsent(t *testing.T) {
	got, err := PathFromArgs([]string{"--dry-run", "--concurrency=2"})
	require.NoError(t, err)
	assert.Equal(t, "", got)
}
