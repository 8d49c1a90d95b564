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

// Package download fetches artifacts into the download root with a fixed pool
// of workers, verifying each one before it is moved into place.
package download

import (
	"context"
	"errors"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"storj.io/apt-mirror/checksum"
	"storj.io/apt-mirror/common"
	"storj.io/apt-mirror/fetch"
	"storj.io/apt-mirror/limiter"
)

// Options configures an Executor.
type Options struct {
	// Concurrency is the number of workers.
	Concurrency int
	// Retries is the number of extra attempts a task gets after a transient failure.
	Retries int
	// Backoff is the delay before the first retry. It doubles with every further
	// retry, up to MaxBackoff.
	Backoff    time.Duration
	MaxBackoff time.Duration
	// OnFinish is called from the scheduler for every task reaching a terminal status.
	OnFinish func(*Task)
}

// DefaultOptions returns the options used when nothing is configured.
func DefaultOptions() Options {
	return Options{
		Concurrency: 8,
		Retries:     1,
		Backoff:     time.Second,
		MaxBackoff:  30 * time.Second,
	}
}

// Outcome summarizes a run.
type Outcome struct {
	Verified int
	Skipped  int
	Failed   int
	// Received counts bytes transferred over the network.
	Received int64
	// FailedTasks lists every task that ended Failed, in task order.
	FailedTasks []*Task
}

// Err returns nil if no task failed, and an error naming every failure otherwise.
func (o *Outcome) Err() error {
	if len(o.FailedTasks) == 0 {
		return nil
	}
	var group errs.Group
	for _, t := range o.FailedTasks {
		group.Add(errs.New("%s: %v", t.URL, t.Err))
	}
	return group.Err()
}

// FailedPackages returns the keys of packages with at least one failed artifact.
func (o *Outcome) FailedPackages() map[string]bool {
	failed := make(map[string]bool, len(o.FailedTasks))
	for _, t := range o.FailedTasks {
		for _, key := range t.Owners() {
			failed[key] = true
		}
	}
	return failed
}

// Executor runs download tasks.
type Executor struct {
	fetcher fetch.Fetcher
	opts    Options
	log     *zap.Logger
}

// NewExecutor returns an Executor fetching through fetcher.
func NewExecutor(fetcher fetch.Fetcher, opts Options, log *zap.Logger) *Executor {
	if opts.Concurrency < 1 {
		opts.Concurrency = 1
	}
	if opts.Retries < 0 {
		opts.Retries = 0
	}
	return &Executor{fetcher: fetcher, opts: opts, log: log}
}

type job struct {
	index int
	task  Task
}

// Run drives every task to a terminal status and reports the outcome. Failures
// of one task never stop the others. When ctx is canceled no new attempts are
// started, attempts in flight are aborted, and every unfinished task ends Failed
// with the context error; their partial files are kept for the next run.
//
// Only the scheduler loop in Run modifies tasks. Workers get a copy of the task
// and report back an attempt.
func (e *Executor) Run(ctx context.Context, tasks []*Task) *Outcome {
	jobs := make(chan job)
	results := make(chan attempt)
	// every task has at most one pending wakeup, so sends never block
	wake := make(chan int, len(tasks))

	workerCtx, cancelWorkers := context.WithCancel(ctx)
	defer cancelWorkers()

	var wg sync.WaitGroup
	for i := 0; i < e.opts.Concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := range jobs {
				results <- e.attempt(workerCtx, j)
			}
		}()
	}

	var timers []*time.Timer
	defer func() {
		for _, t := range timers {
			t.Stop()
		}
	}()

	queue := make([]int, 0, len(tasks))
	for i, t := range tasks {
		t.Status, t.Attempts, t.Err = Pending, 0, nil
		queue = append(queue, i)
	}

	outcome := &Outcome{}
	finished, inFlight := 0, 0
	finish := func(t *Task) {
		finished++
		switch t.Status {
		case Verified:
			outcome.Verified++
		case Skipped:
			outcome.Skipped++
		case Failed:
			outcome.Failed++
		}
		if e.opts.OnFinish != nil {
			e.opts.OnFinish(t)
		}
	}
	apply := func(a attempt) {
		inFlight--
		t := tasks[a.index]
		outcome.Received += a.received
		log := e.log.With(zap.String("url", t.URL), zap.Int("attempt", t.Attempts))
		switch transition(t, a, e.opts.Retries) {
		case Verified:
			log.Debug("verified", zap.Int64("size", t.Size))
			finish(t)
		case Skipped:
			log.Debug("already present", zap.String("dest", t.Dest))
			finish(t)
		case Retryable:
			delay := backoff(e.opts.Backoff, e.opts.MaxBackoff, t.Attempts)
			log.Warn("attempt failed, will retry", zap.Duration("backoff", delay), zap.Error(t.Err))
			if delay == 0 {
				t.Status = Pending
				queue = append(queue, a.index)
				return
			}
			index := a.index
			timers = append(timers, time.AfterFunc(delay, func() { wake <- index }))
		case Failed:
			log.Error("download failed", zap.Error(t.Err))
			finish(t)
		}
	}

	for finished < len(tasks) && ctx.Err() == nil {
		var send chan job
		var next job
		if len(queue) > 0 {
			send = jobs
			next = job{index: queue[0], task: *tasks[queue[0]]}
			next.task.Attempts++
		}
		select {
		case send <- next:
			t := tasks[next.index]
			t.Status = InFlight
			t.Attempts++
			queue = queue[1:]
			inFlight++
		case a := <-results:
			apply(a)
		case i := <-wake:
			tasks[i].Status = Pending
			queue = append(queue, i)
		case <-ctx.Done():
		}
	}

	close(jobs)
	if ctx.Err() != nil {
		cancelWorkers()
		for inFlight > 0 {
			apply(<-results)
		}
		// retries are not started after cancellation
		for _, t := range tasks {
			if !t.Status.Terminal() {
				t.Status, t.Err = Failed, ctx.Err()
				finish(t)
			}
		}
	}
	wg.Wait()

	for _, t := range tasks {
		if t.Status == Failed {
			outcome.FailedTasks = append(outcome.FailedTasks, t)
		}
	}
	return outcome
}

// attempt processes one task once. On the first attempt an existing valid
// destination makes the task Skipped without any request.
func (e *Executor) attempt(ctx context.Context, j job) attempt {
	t := &j.task
	if t.Attempts == 1 {
		if err := checksum.VerifyFile(t.Dest, t.Size, t.Sums); err == nil {
			return attempt{index: j.index, skipped: true}
		}
	}
	if err := ctx.Err(); err != nil {
		return attempt{index: j.index, err: err}
	}
	received, err := e.download(ctx, t)
	return attempt{index: j.index, received: received, err: err}
}

// download fetches t into its partial file, resuming from any bytes already
// there, and moves it to the destination once it verifies. A partial file that
// fails verification is removed so the next attempt starts over.
func (e *Executor) download(ctx context.Context, t *Task) (received int64, err error) {
	verifier, err := checksum.NewVerifier(t.Size, t.Sums)
	if err != nil {
		return 0, err
	}
	if err := os.MkdirAll(filepath.Dir(t.Dest), 0755); err != nil {
		return 0, err
	}

	partial := t.PartialPath()
	var offset int64
	if info, err := os.Stat(partial); err == nil && info.Mode().IsRegular() && info.Size() < t.Size {
		offset = info.Size()
	}

	resp, err := e.fetcher.Fetch(ctx, t.URL, offset)
	if err != nil {
		return 0, err
	}
	body := limiter.NewReaderWithContext(ctx, resp.Body)
	defer common.DeferClose(body, &err)

	flags := os.O_WRONLY | os.O_CREATE
	if resp.Offset == 0 {
		flags |= os.O_TRUNC
	}
	f, err := os.OpenFile(partial, flags, 0644)
	if err != nil {
		return 0, err
	}
	defer func() {
		if f != nil {
			err = errs.Combine(err, f.Close())
		}
	}()

	if resp.Offset > 0 {
		if err := hashPrefix(partial, resp.Offset, verifier); err != nil {
			return 0, err
		}
		if _, err := f.Seek(resp.Offset, io.SeekStart); err != nil {
			return 0, err
		}
		if err := f.Truncate(resp.Offset); err != nil {
			return 0, err
		}
		e.log.Debug("resuming", zap.String("url", t.URL), zap.Int64("offset", resp.Offset))
	}

	// one byte past the expected size is enough to detect oversized content
	received, err = io.Copy(io.MultiWriter(f, verifier), io.LimitReader(body, t.Size-resp.Offset+1))
	if err != nil {
		return received, err
	}
	if err := f.Sync(); err != nil {
		return received, err
	}
	closeErr := f.Close()
	f = nil
	if closeErr != nil {
		return received, closeErr
	}

	if err := verifier.Verify(); err != nil {
		return received, errs.Combine(err, removeIfExists(partial))
	}
	return received, os.Rename(partial, t.Dest)
}

func hashPrefix(path string, n int64, w io.Writer) (err error) {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer common.DeferClose(f, &err)
	copied, err := io.Copy(w, io.LimitReader(f, n))
	if err != nil {
		return err
	}
	if copied != n {
		return errs.New("partial file %s shrank to %d bytes", path, copied)
	}
	return nil
}

func removeIfExists(path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}
