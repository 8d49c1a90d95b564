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

package download

import (
	"context"
	"errors"
	"time"

	"storj.io/apt-mirror/checksum"
	"storj.io/apt-mirror/fetch"
)

// PartialSuffix is appended to the destination path to name the file a download
// is written to before it is verified.
const PartialSuffix = ".partial"

// Status is the state of a Task.
//
//	Pending -> InFlight -> Verified
//	                    -> Skipped
//	                    -> Retryable -> Pending
//	                    -> Failed
type Status int

const (
	// Pending tasks wait for a worker.
	Pending Status = iota
	// InFlight tasks are being downloaded.
	InFlight
	// Retryable tasks failed with a transient error and wait out their backoff.
	Retryable
	// Verified tasks were downloaded, verified, and moved into place.
	Verified
	// Skipped tasks already had a valid file at the destination.
	Skipped
	// Failed tasks ran out of attempts or hit a permanent error.
	Failed
)

var statusNames = [...]string{"pending", "in-flight", "retryable", "verified", "skipped", "failed"}

// String returns a lower-case name for the status.
func (s Status) String() string {
	if s < 0 || int(s) >= len(statusNames) {
		return "unknown"
	}
	return statusNames[s]
}

// Terminal reports whether no further transitions can happen from s.
func (s Status) Terminal() bool {
	return s == Verified || s == Skipped || s == Failed
}

// Task is one artifact to download.
type Task struct {
	URL  string
	Dest string
	Size int64
	Sums checksum.Sums
	// Package is the key of the package the artifact belongs to.
	Package string
	// Dependents lists the keys of further packages sharing the artifact, such
	// as source packages of different revisions with the same orig tarball.
	Dependents []string

	Status   Status
	Attempts int
	// Err holds the error of the last failed attempt.
	Err error
	// Received counts bytes transferred over the network for this task.
	Received int64
}

// PartialPath returns where the task's download is staged.
func (t *Task) PartialPath() string {
	return t.Dest + PartialSuffix
}

// Owners returns Package followed by Dependents.
func (t *Task) Owners() []string {
	return append([]string{t.Package}, t.Dependents...)
}

// IsRetryable reports whether an attempt that failed with err may be repeated.
// Transport errors and checksum mismatches are transient; anything else,
// including cancellation, is not.
func IsRetryable(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	return fetch.NetworkError.Has(err) || checksum.MismatchError.Has(err)
}

// attempt is what a worker reports after processing a task once.
type attempt struct {
	index    int
	skipped  bool
	received int64
	err      error
}

// transition applies the result of an attempt to t and returns the new status.
// retries is the number of additional attempts allowed after the first.
func transition(t *Task, a attempt, retries int) Status {
	t.Received += a.received
	switch {
	case a.skipped:
		t.Status, t.Err = Skipped, nil
	case a.err == nil:
		t.Status, t.Err = Verified, nil
	case IsRetryable(a.err) && t.Attempts <= retries:
		t.Status, t.Err = Retryable, a.err
	default:
		t.Status, t.Err = Failed, a.err
	}
	return t.Status
}

// backoff returns how long to wait before the next attempt of a task that has
// already been attempted n times.
func backoff(base, max time.Duration, n int) time.Duration {
	if base <= 0 || n < 1 {
		return 0
	}
	d := base
	for i := 1; i < n; i++ {
		d *= 2
		if max > 0 && d >= max {
			return max
		}
	}
	if max > 0 && d > max {
		return max
	}
	return d
}
