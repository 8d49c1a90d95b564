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

package limiter

import (
	"context"
	"io"
	"sync"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

// JobLimiter runs jobs in parallel, up to a limit.
type JobLimiter struct {
	sem   *semaphore.Weighted
	ctx   context.Context
	group *errgroup.Group
}

// NewJobLimiter creates a new JobLimiter instance limited to the given maximum
// number of concurrent jobs.
func NewJobLimiter(ctx context.Context, n int64) (*JobLimiter, context.Context) {
	if n < 1 {
		n = 1
	}
	group, ctx := errgroup.WithContext(ctx)
	return &JobLimiter{
		sem:   semaphore.NewWeighted(n),
		ctx:   ctx,
		group: group,
	}, ctx
}

// AddJob waits until the number of running jobs is less than the specified limit,
// then starts the given job in a goroutine. The call to AddJob will block until
// the goroutine can be started, providing backpressure if desired.
//
// If the job returns non-nil, the context will be canceled. If the context is
// canceled (because of a failed job or otherwise) the job might not run.
func (jl *JobLimiter) AddJob(job func() error) {
	if err := jl.sem.Acquire(jl.ctx, 1); err != nil {
		return
	}
	jl.group.Go(func() error {
		defer jl.sem.Release(1)
		return job()
	})
}

// Wait waits until all submitted jobs are complete and returns the first error
// returned by a job (if any). AddJob should not be called again after Wait.
func (jl *JobLimiter) Wait() error {
	return jl.group.Wait()
}

// ForEach runs fn for every index in [0, count) with at most n calls in flight.
// It returns the first error; the context passed to fn is canceled once any call
// fails. Callers that want every call to run should record per-item errors
// themselves and return nil.
func ForEach(ctx context.Context, n int64, count int, fn func(ctx context.Context, i int) error) error {
	jl, jobCtx := NewJobLimiter(ctx, n)
	for i := 0; i < count; i++ {
		i := i
		jl.AddJob(func() error { return fn(jobCtx, i) })
	}
	if err := jl.Wait(); err != nil {
		return err
	}
	return ctx.Err()
}

// NewReaderWithContext returns a reader which, if the given context is canceled,
// will return early from read calls. Once the context is done the underlying
// reader is closed, which unblocks any read in progress on a network body, and
// every later read returns the context error.
func NewReaderWithContext(ctx context.Context, rc io.ReadCloser) *ReaderWithContext {
	rwc := &ReaderWithContext{ctx: ctx, rc: rc, done: make(chan struct{})}
	go func() {
		select {
		case <-ctx.Done():
			rwc.closeOnce()
		case <-rwc.done:
		}
	}()
	return rwc
}

// ReaderWithContext is a reader that will return early from Read calls if
// the corresponding context is closed.
type ReaderWithContext struct {
	ctx  context.Context
	rc   io.ReadCloser
	done chan struct{}

	once     sync.Once
	stop     sync.Once
	closeErr error
}

// Read reads from the reader. It will return early if the associated context
// is closed.
func (rwc *ReaderWithContext) Read(b []byte) (n int, err error) {
	// shortcut, in case context is already closed (it can't become unclosed
	// again, so no race here)
	if err := rwc.ctx.Err(); err != nil {
		return 0, err
	}
	n, err = rwc.rc.Read(b)
	if err != nil && err != io.EOF {
		if ctxErr := rwc.ctx.Err(); ctxErr != nil {
			return n, ctxErr
		}
	}
	return n, err
}

// Close closes the underlying reader and stops watching the context.
func (rwc *ReaderWithContext) Close() error {
	err := rwc.closeOnce()
	rwc.stop.Do(func() { close(rwc.done) })
	return err
}

func (rwc *ReaderWithContext) closeOnce() error {
	rwc.once.Do(func() {
		rwc.closeErr = rwc.rc.Close()
	})
	return rwc.closeErr
}
