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

// Package mirroring runs the complete mirror pipeline: resolve every source,
// fetch and filter its indexes, plan the downloads, and execute them.
package mirroring

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/schollz/progressbar/v3"
	"github.com/zeebo/errs"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"storj.io/apt-mirror/common"
	"storj.io/apt-mirror/config"
	"storj.io/apt-mirror/download"
	"storj.io/apt-mirror/fetch"
	"storj.io/apt-mirror/filter"
	"storj.io/apt-mirror/index"
	"storj.io/apt-mirror/limiter"
	"storj.io/apt-mirror/plan"
	"storj.io/apt-mirror/release"
	"storj.io/apt-mirror/sources"
	"storj.io/apt-mirror/state"
)

// LockFilename is the name of the lock file kept at the top level of the
// download directory while a run is downloading into it.
const LockFilename = ".apt-mirror.lock"

// Report describes what a run did.
type Report struct {
	Entries int
	Indexes int
	// Selected lists the packages left after filtering.
	Selected []*index.Package
	Plan     *plan.Plan
	// Outcome is nil for a dry run.
	Outcome *download.Outcome
	// SourceErrors holds one error per source entry that could not be resolved.
	SourceErrors []error
	// IndexErrors holds one error per index that was missing or unusable.
	IndexErrors []error
}

// Failed reports whether any download ended Failed.
func (r *Report) Failed() bool {
	return r.Outcome != nil && r.Outcome.Failed > 0
}

// Log writes the summary of the run to logger.
func (r *Report) Log(logger *zap.Logger) {
	for _, err := range r.SourceErrors {
		logger.Error("source not mirrored", zap.Error(err))
	}
	for _, err := range r.IndexErrors {
		logger.Error("index not mirrored", zap.Error(err))
	}
	fields := []zap.Field{
		zap.Int("num-sources", r.Entries),
		zap.Int("num-indexes", r.Indexes),
		zap.Int("num-packages", len(r.Selected)),
	}
	if r.Plan != nil {
		fields = append(fields,
			zap.Int("num-planned", len(r.Plan.Tasks)),
			zap.Int64("planned-bytes", r.Plan.Bytes),
			zap.String("planned-size", formatSize(r.Plan.Bytes)))
	}
	if o := r.Outcome; o != nil {
		fields = append(fields,
			zap.Int("num-verified", o.Verified),
			zap.Int("num-skipped", o.Skipped),
			zap.Int("num-failed", o.Failed),
			zap.Int64("received-bytes", o.Received))
		for _, t := range o.FailedTasks {
			logger.Error("download failed", zap.String("url", t.URL), zap.Int("attempts", t.Attempts), zap.Error(t.Err))
		}
	}
	logger.Info("run report", fields...)
}

// SyncMirror is the toplevel function used to bring the download directory up to
// date with the configured sources. Problems with individual sources, indexes,
// or downloads are collected in the report rather than returned; an error is
// returned only when the run could not proceed at all.
func SyncMirror(ctx context.Context, logger *zap.Logger, cfg *config.Config, fetcher fetch.Fetcher, out io.Writer) (report *Report, err error) {
	ctx = contextWithLogger(ctx, logger)
	report = &Report{}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	raiseFileLimit(logger, uint64(cfg.Concurrency)*4+256)

	status(logger, "Loading source lists")
	entries, err := sources.Load(logger, cfg.Sources...)
	if err != nil {
		return nil, err
	}
	entries, archs := applyArchitectures(entries, cfg.Architectures)
	report.Entries = len(entries)

	if !cfg.DryRun {
		if err := os.MkdirAll(cfg.DownloadDir, 0755); err != nil {
			return nil, err
		}
		unlock, lockErr := lockRoot(cfg.DownloadDir)
		if lockErr != nil {
			return nil, lockErr
		}
		defer func() { err = errs.Combine(err, unlock()) }()
	}

	stateIn, stateOut := statePaths(cfg)
	prior, err := state.Load(stateIn)
	if err != nil {
		return nil, err
	}
	logger.Debug("prior state loaded", zap.String("file", stateIn), zap.Int("num-entries", len(prior)))

	status(logger, "Resolving releases")
	resolutions, err := resolveAll(ctx, release.NewResolver(fetcher, logger), entries, cfg.Concurrency, report)
	if err != nil {
		return nil, err
	}
	if len(resolutions) == 0 {
		return report, errs.New("none of the %d sources could be resolved", len(entries))
	}

	status(logger, "Fetching indexes")
	pkgs, err := fetchIndexes(ctx, index.NewFetcher(fetcher, "", logger), resolutions, cfg.Concurrency, report)
	if err != nil {
		return nil, err
	}

	status(logger, "Selecting packages")
	report.Selected = filter.Filter(pkgs, archs, cfg.FilterMode())
	logger.Info("packages selected",
		zap.Int("num-indexed", len(pkgs)),
		zap.Int("num-selected", len(report.Selected)),
		zap.Stringer("mode", cfg.FilterMode()),
		zap.Strings("architectures", archs))
	if cfg.PrintTable {
		if err := printTable(out, report.Selected); err != nil {
			return nil, err
		}
	}

	status(logger, "Planning downloads")
	report.Plan, err = plan.Build(ctx, logger, report.Selected, prior, cfg.PlanOptions())
	if err != nil {
		return nil, err
	}
	if cfg.URLFile != "" {
		if err := plan.WriteManifestFile(cfg.URLFile, report.Plan.Manifest); err != nil {
			return nil, err
		}
		logger.Debug("manifest written", zap.String("file", cfg.URLFile), zap.Int("num-urls", len(report.Plan.Manifest)))
	}
	logger.Info("total size", zap.String("size", formatSize(report.Plan.Bytes)), zap.Int("num-files", len(report.Plan.Tasks)))

	if cfg.DryRun {
		return report, report.Plan.Print(out)
	}

	status(logger, "Downloading artifacts")
	report.Outcome, err = execute(ctx, fetcher, cfg, report.Plan, prior, stateOut)
	if err != nil {
		return report, err
	}

	status(logger, "Saving state")
	next := report.Plan.NextState(prior, report.Outcome.FailedPackages())
	if err := state.Save(stateOut, next); err != nil {
		return report, err
	}
	logger.Debug("state saved", zap.String("file", stateOut), zap.Int("num-entries", len(next)))
	return report, nil
}

// applyArchitectures gives every binary entry without explicit architectures
// the configured ones (the host architecture and all by default). It returns
// the updated entries and every architecture a package may have to be kept.
// An explicit list is taken as is: arch all packages are only kept when all
// is named.
func applyArchitectures(entries []common.SourceEntry, configured []string) ([]common.SourceEntry, []string) {
	defaults := configured
	if len(defaults) == 0 {
		defaults = filter.DefaultArchitectures()
	}
	wanted := make(map[string]bool)
	out := make([]common.SourceEntry, len(entries))
	for i, entry := range entries {
		if entry.Kind == common.KindSource {
			wanted["source"] = true
		} else {
			if len(entry.Architectures) == 0 {
				entry.Architectures = append([]string(nil), defaults...)
			}
			for _, arch := range entry.Architectures {
				wanted[arch] = true
			}
		}
		out[i] = entry
	}
	archs := make([]string, 0, len(wanted))
	for arch := range wanted {
		archs = append(archs, arch)
	}
	sort.Strings(archs)
	return out, archs
}

func statePaths(cfg *config.Config) (in, out string) {
	in, out = cfg.StateIn, cfg.StateOut
	if in == "" {
		in = filepath.Join(cfg.DownloadDir, state.DefaultFilename)
	}
	if out == "" {
		out = filepath.Join(cfg.DownloadDir, state.DefaultFilename)
	}
	return in, out
}

// resolveAll resolves every entry concurrently. Entries that fail are recorded
// in the report and left out of the result, which keeps entry order.
func resolveAll(ctx context.Context, resolver *release.Resolver, entries []common.SourceEntry, concurrency int, report *Report) ([]*release.Resolution, error) {
	logger := loggerFor(ctx)
	results := make([]*release.Resolution, len(entries))
	failures := make([]error, len(entries))
	err := limiter.ForEach(ctx, int64(concurrency), len(entries), func(ctx context.Context, i int) error {
		res, err := resolver.Resolve(ctx, entries[i])
		if err != nil {
			failures[i] = errs.New("%s: %v", entries[i], err)
			return nil
		}
		results[i] = res
		return nil
	})
	if err != nil {
		return nil, err
	}

	var resolved []*release.Resolution
	for i, res := range results {
		if failures[i] != nil {
			logger.Warn("could not resolve source", zap.Stringer("source", entries[i]), zap.Error(failures[i]))
			report.SourceErrors = append(report.SourceErrors, failures[i])
			continue
		}
		for _, missing := range res.Missing {
			logger.Warn("index missing", zap.Error(missing))
			report.IndexErrors = append(report.IndexErrors, missing)
		}
		resolved = append(resolved, res)
	}
	return resolved, nil
}

// fetchIndexes downloads every selected index concurrently and returns all of
// their packages once every fetch has finished, in index order.
func fetchIndexes(ctx context.Context, fetcher *index.Fetcher, resolutions []*release.Resolution, concurrency int, report *Report) ([]*index.Package, error) {
	logger := loggerFor(ctx)
	var indexes []release.Index
	for _, res := range resolutions {
		indexes = append(indexes, res.Indexes...)
	}
	report.Indexes = len(indexes)

	results := make([][]*index.Package, len(indexes))
	failures := make([]error, len(indexes))
	err := limiter.ForEach(ctx, int64(concurrency), len(indexes), func(ctx context.Context, i int) error {
		startTime := time.Now()
		pkgs, err := fetcher.Fetch(ctx, indexes[i])
		if err != nil {
			failures[i] = errs.New("%s: %v", indexes[i].URL, err)
			return nil
		}
		results[i] = pkgs
		logger.Info("index fetched",
			zap.String("index", indexes[i].URL),
			zap.Int("num-entries", len(pkgs)),
			zap.Duration("duration", time.Since(startTime)))
		return nil
	})
	if err != nil {
		return nil, err
	}

	var pkgs []*index.Package
	for i := range indexes {
		if failures[i] != nil {
			logger.Warn("could not fetch index", zap.Error(failures[i]))
			report.IndexErrors = append(report.IndexErrors, failures[i])
			continue
		}
		pkgs = append(pkgs, results[i]...)
	}
	return pkgs, nil
}

// execute runs the planned tasks. Every package whose artifacts all finish
// without failure is journaled to the state file right away, so an interrupted
// run does not lose what it completed.
func execute(ctx context.Context, fetcher fetch.Fetcher, cfg *config.Config, p *plan.Plan, prior state.Map, stateOut string) (_ *download.Outcome, err error) {
	logger := loggerFor(ctx).With(zap.String("action", "download"))

	journal, err := state.Create(stateOut, prior)
	if err != nil {
		return nil, err
	}
	defer func() { err = errs.Combine(err, journal.Close()) }()

	byKey := make(map[string]*index.Package, len(p.Packages))
	for _, pkg := range p.Packages {
		byKey[plan.Key(pkg, cfg.AllVersions)] = pkg
	}
	remaining := make(map[string]int)
	for _, t := range p.Tasks {
		for _, key := range t.Owners() {
			remaining[key]++
		}
	}
	failed := make(map[string]bool)

	var bar *progressbar.ProgressBar
	if cfg.ShowProgress {
		bar = newProgressBar(len(p.Tasks))
	}

	var journalErr errs.Group
	opts := cfg.DownloadOptions()
	opts.OnFinish = func(t *download.Task) {
		if bar != nil {
			bar.Describe(filepath.Base(t.Dest))
			if err := bar.Add(1); err != nil {
				logger.Debug("failed to update progress bar", zap.Error(err))
			}
		}
		for _, key := range t.Owners() {
			if t.Status == download.Failed {
				failed[key] = true
			}
			remaining[key]--
			if remaining[key] > 0 || failed[key] {
				continue
			}
			if pkg := byKey[key]; pkg != nil {
				journalErr.Add(journal.Record(key, plan.Entry(pkg)))
			}
		}
	}

	startTime := time.Now()
	outcome := download.NewExecutor(fetcher, opts, logger).Run(ctx, p.Tasks)
	if bar != nil {
		_ = bar.Finish()
	}
	logger.Info("downloads finished",
		zap.Duration("duration", time.Since(startTime)),
		zap.Int64("received-bytes", outcome.Received),
		zap.Int("num-failed", outcome.Failed))
	return outcome, journalErr.Err()
}

func newProgressBar(total int) *progressbar.ProgressBar {
	return progressbar.NewOptions(total,
		progressbar.OptionSetWriter(os.Stderr),
		progressbar.OptionEnableColorCodes(true),
		progressbar.OptionShowDescriptionAtLineEnd(),
		progressbar.OptionSetWidth(30),
		progressbar.OptionShowCount(),
		progressbar.OptionThrottle(200*time.Millisecond),
		progressbar.OptionClearOnFinish(),
		progressbar.OptionSetTheme(progressbar.Theme{
			Saucer:        "[green]=[reset]",
			SaucerHead:    "[green]>[reset]",
			SaucerPadding: " ",
			BarStart:      "[",
			BarEnd:        "]",
		}),
	)
}

// lockRoot takes an exclusive lock on the download directory. The returned
// function releases it.
func lockRoot(dir string) (unlock func() error, err error) {
	f, err := os.OpenFile(filepath.Join(dir, LockFilename), os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, err
	}
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		return nil, errs.Combine(errs.New("download directory %s is in use by another run: %v", dir, err), f.Close())
	}
	return f.Close, nil
}

// raiseFileLimit tries to get RLIMIT_NOFILE at least up to want. Every worker
// holds a connection, a partial file, and sometimes a destination being checked.
func raiseFileLimit(logger *zap.Logger, want uint64) {
	var rLimit unix.Rlimit
	if err := unix.Getrlimit(unix.RLIMIT_NOFILE, &rLimit); err != nil {
		logger.Warn("could not inspect limit on file descriptors", zap.Error(err))
		return
	}
	if rLimit.Cur >= want {
		return
	}
	existingLimit := rLimit.Cur
	rLimit.Cur = want
	if rLimit.Cur > rLimit.Max {
		rLimit.Cur = rLimit.Max
	}
	if err := unix.Setrlimit(unix.RLIMIT_NOFILE, &rLimit); err != nil {
		logger.Warn("could not raise limit on file descriptors", zap.Uint64("current-value", existingLimit), zap.Uint64("desired-value", rLimit.Cur), zap.Error(err))
	}
}

func printTable(w io.Writer, pkgs []*index.Package) error {
	tw := tabwriter.NewWriter(w, 0, 8, 2, ' ', 0)
	if _, err := fmt.Fprintln(tw, "PACKAGE\tARCH\tVERSION\tSIZE"); err != nil {
		return err
	}
	var total int64
	for _, pkg := range pkgs {
		total += pkg.TotalSize()
		if _, err := fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", pkg.Name, pkg.Architecture, pkg.Version, formatSize(pkg.TotalSize())); err != nil {
			return err
		}
	}
	if _, err := fmt.Fprintf(tw, "* %d packages\t\t\t%s\n", len(pkgs), formatSize(total)); err != nil {
		return err
	}
	return tw.Flush()
}

// formatSize renders n bytes with a decimal unit, e.g. 1.5 MB.
func formatSize(n int64) string {
	const unit = 1000
	if n < unit {
		return fmt.Sprintf("%d bytes", n)
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(n)/float64(div), "kMGTPE"[exp])
}

func status(logger *zap.Logger, s string) {
	logger.WithOptions(zap.AddCallerSkip(1)).
		Info("********************* STATUS UPDATE", zap.String("status", s))
}

type loggerContextKey int

func contextWithLogger(ctx context.Context, logger *zap.Logger) context.Context {
	return context.WithValue(ctx, loggerContextKey(0), logger)
}

func loggerFor(ctx context.Context) *zap.Logger {
	logger := ctx.Value(loggerContextKey(0))
	if logger != nil {
		return logger.(*zap.Logger)
	}
	return zap.L()
}
