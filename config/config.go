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

// Package config holds the settings of a mirror run. Values come from
// Default, then an optional YAML file, then command line flags.
package config

import (
	"bytes"
	"errors"
	"io"
	"os"
	"time"

	"github.com/spf13/pflag"
	"github.com/zeebo/errs"
	"gopkg.in/yaml.v3"

	"storj.io/apt-mirror/download"
	"storj.io/apt-mirror/fetch"
	"storj.io/apt-mirror/filter"
	"storj.io/apt-mirror/plan"
)

// Error is the error class for unreadable or invalid configuration.
var Error = errs.Class("config")

// DefaultSources are read when no source list is configured.
var DefaultSources = []string{"/etc/apt/sources.list", "/etc/apt/sources.list.d"}

// Config is the complete set of options for a run.
type Config struct {
	DownloadDir string   `yaml:"download-dir"`
	URLFile     string   `yaml:"url-file"`
	StateIn     string   `yaml:"state-in"`
	StateOut    string   `yaml:"state-out"`
	Sources     []string `yaml:"sources"`

	Architectures []string `yaml:"architectures"`
	AllVersions   bool     `yaml:"all-versions"`
	Incremental   bool     `yaml:"incremental"`

	Concurrency int           `yaml:"concurrency"`
	Retries     int           `yaml:"retries"`
	Backoff     time.Duration `yaml:"backoff"`
	MaxBackoff  time.Duration `yaml:"max-backoff"`

	ConnectTimeout    time.Duration `yaml:"connect-timeout"`
	ReadTimeout       time.Duration `yaml:"read-timeout"`
	RequestsPerSecond float64       `yaml:"requests-per-second"`
	UserAgent         string        `yaml:"user-agent"`

	DryRun       bool `yaml:"dry-run"`
	ShowProgress bool `yaml:"show-progress"`
	PrintTable   bool `yaml:"print-table"`
}

// Default returns the configuration used when nothing else is given.
func Default() *Config {
	dl := download.DefaultOptions()
	fo := fetch.DefaultOptions()
	return &Config{
		DownloadDir:    "/srv/mirrors/apt",
		Sources:        append([]string(nil), DefaultSources...),
		Concurrency:    dl.Concurrency,
		Retries:        dl.Retries,
		Backoff:        dl.Backoff,
		MaxBackoff:     dl.MaxBackoff,
		ConnectTimeout: fo.ConnectTimeout,
		ReadTimeout:    fo.ReadTimeout,
		UserAgent:      fo.UserAgent,
	}
}

// Load returns Default overlaid with the YAML file at path. An empty path
// yields the defaults. Unknown keys are an error.
func Load(path string) (*Config, error) {
	c := Default()
	if path == "" {
		return c, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil && !errors.Is(err, io.EOF) {
		return nil, Error.New("%s: %v", path, err)
	}
	return c, c.Validate()
}

// PathFromArgs finds the value of --config in args without interpreting any
// other flag, so the file can be loaded before the remaining flags are bound.
func PathFromArgs(args []string) (string, error) {
	fs := pflag.NewFlagSet("config", pflag.ContinueOnError)
	fs.ParseErrorsWhitelist.UnknownFlags = true
	fs.Usage = func() {}
	path := fs.String("config", "", "")
	fs.BoolP("help", "h", false, "")
	if err := fs.Parse(args); err != nil {
		return "", Error.Wrap(err)
	}
	return *path, nil
}

// BindFlags registers a flag for every option on fs. Each flag starts out with
// the current value in c and writes into c when set.
func (c *Config) BindFlags(fs *pflag.FlagSet) {
	fs.StringVar(&c.DownloadDir, "download-dir", c.DownloadDir,
		"Directory the mirror is downloaded into")
	fs.StringVar(&c.URLFile, "url-file", c.URLFile,
		"Write the URL of every planned download to this file, one per line")
	fs.StringVar(&c.StateIn, "state-in", c.StateIn,
		"Read the state of a previous run from this file")
	fs.StringVar(&c.StateOut, "state-out", c.StateOut,
		"Write the state of this run to this file")
	fs.StringSliceVar(&c.Architectures, "arch", c.Architectures,
		"Architectures to mirror for sources that do not name any; name all to keep architecture-independent packages (default: host architecture and all)")
	fs.BoolVar(&c.AllVersions, "all-versions", c.AllVersions,
		"Mirror every version of every package instead of only the latest")
	fs.BoolVar(&c.Incremental, "incremental", c.Incremental,
		"Skip packages recorded unchanged in the previous state instead of checking the download directory")
	fs.IntVar(&c.Concurrency, "concurrency", c.Concurrency,
		"Number of concurrent downloads")
	fs.IntVar(&c.Retries, "retries", c.Retries,
		"Number of retries for a download that failed with a transient error")
	fs.DurationVar(&c.Backoff, "backoff", c.Backoff,
		"Delay before the first retry of a download; doubles with every further retry")
	fs.DurationVar(&c.MaxBackoff, "max-backoff", c.MaxBackoff,
		"Upper bound for the retry delay")
	fs.DurationVar(&c.ConnectTimeout, "connect-timeout", c.ConnectTimeout,
		"Timeout for establishing a connection to a mirror")
	fs.DurationVar(&c.ReadTimeout, "read-timeout", c.ReadTimeout,
		"Timeout for every read from a mirror connection")
	fs.Float64Var(&c.RequestsPerSecond, "requests-per-second", c.RequestsPerSecond,
		"Limit on requests issued to mirrors per second (0 means no limit)")
	fs.StringVar(&c.UserAgent, "user-agent", c.UserAgent,
		"User-Agent header sent to mirrors")
	fs.BoolVar(&c.DryRun, "dry-run", c.DryRun,
		"Output what would be downloaded, but don't download anything (release and index files are still fetched)")
	fs.BoolVar(&c.ShowProgress, "show-progress", c.ShowProgress,
		"Enable progress bar visualization. Setting --log-file too is highly recommended")
	fs.BoolVar(&c.PrintTable, "print-table", c.PrintTable,
		"Print name, version and size of every selected package")
}

// Validate reports the first option that cannot work.
func (c *Config) Validate() error {
	switch {
	case c.DownloadDir == "":
		return Error.New("download-dir must be set")
	case len(c.Sources) == 0:
		return Error.New("at least one source list is required")
	case c.Concurrency < 1:
		return Error.New("concurrency must be at least 1, got %d", c.Concurrency)
	case c.Retries < 0:
		return Error.New("retries must not be negative, got %d", c.Retries)
	case c.Backoff < 0 || c.MaxBackoff < 0:
		return Error.New("backoff durations must not be negative")
	case c.RequestsPerSecond < 0:
		return Error.New("requests-per-second must not be negative")
	}
	return nil
}

// FetchOptions returns the transport settings.
func (c *Config) FetchOptions() fetch.Options {
	return fetch.Options{
		ConnectTimeout:    c.ConnectTimeout,
		ReadTimeout:       c.ReadTimeout,
		UserAgent:         c.UserAgent,
		RequestsPerSecond: c.RequestsPerSecond,
		MaxConnsPerHost:   c.Concurrency,
	}
}

// DownloadOptions returns the executor settings.
func (c *Config) DownloadOptions() download.Options {
	return download.Options{
		Concurrency: c.Concurrency,
		Retries:     c.Retries,
		Backoff:     c.Backoff,
		MaxBackoff:  c.MaxBackoff,
	}
}

// PlanOptions returns the planner settings.
func (c *Config) PlanOptions() plan.Options {
	mode := plan.Full
	if c.Incremental {
		mode = plan.Incremental
	}
	return plan.Options{
		Root:        c.DownloadDir,
		Mode:        mode,
		AllVersions: c.AllVersions,
		Concurrency: c.Concurrency,
	}
}

// FilterMode returns the version selection mode.
func (c *Config) FilterMode() filter.Mode {
	if c.AllVersions {
		return filter.AllVersions
	}
	return filter.Latest
}
