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
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"storj.io/apt-mirror/checksum"
	"storj.io/apt-mirror/fetch"
)

const mirrorURL = "http://mirror.test/debian"

func sums(data []byte) checksum.Sums {
	sum := sha256.Sum256(data)
	return checksum.Sums{checksum.SHA256: hex.EncodeToString(sum[:])}
}

func newTask(root, name string, content []byte) *Task {
	return &Task{
		URL:     mirrorURL + "/pool/main/" + name,
		Dest:    filepath.Join(root, "pool", "main", name),
		Size:    int64(len(content)),
		Sums:    sums(content),
		Package: name + ":amd64",
	}
}

func testOptions() Options {
	return Options{Concurrency: 4, Retries: 1}
}

func readFile(t *testing.T, path string) string {
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	return string(data)
}

func TestTransition(t *testing.T) {
	mismatch := checksum.MismatchError.New("sha256 differs")
	network := fetch.NetworkError.New("connection reset")
	notFound := fetch.StatusError.New("404 Not Found")

	for _, tt := range []struct {
		name     string
		attempts int
		result   attempt
		expected Status
	}{
		{"verified", 1, attempt{}, Verified},
		{"skipped", 1, attempt{skipped: true}, Skipped},
		{"mismatch first attempt", 1, attempt{err: mismatch}, Retryable},
		{"mismatch out of retries", 2, attempt{err: mismatch}, Failed},
		{"network first attempt", 1, attempt{err: network}, Retryable},
		{"network out of retries", 2, attempt{err: network}, Failed},
		{"not found", 1, attempt{err: notFound}, Failed},
		{"no usable checksum", 1, attempt{err: checksum.UnverifiableError.New("no digest")}, Failed},
		{"canceled", 1, attempt{err: context.Canceled}, Failed},
		{"verified after retry", 2, attempt{}, Verified},
	} {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			task := &Task{Status: InFlight, Attempts: tt.attempts}
			assert.Equal(t, tt.expected, transition(task, tt.result, 1))
			assert.Equal(t, tt.expected, task.Status)
			if tt.result.err != nil {
				assert.Equal(t, tt.result.err, task.Err)
			} else {
				assert.NoError(t, task.Err)
			}
		})
	}
}

func TestStatus(t *testing.T) {
	assert.Equal(t, "pending", Pending.String())
	assert.Equal(t, "failed", Failed.String())
	assert.Equal(t, "unknown", Status(42).String())
	for _, s := range []Status{Verified, Skipped, Failed} {
		assert.True(t, s.Terminal(), s.String())
	}
	for _, s := range []Status{Pending, InFlight, Retryable} {
		assert.False(t, s.Terminal(), s.String())
	}
}

func TestBackoff(t *testing.T) {
	assert.Equal(t, time.Duration(0), backoff(0, time.Second, 3))
	assert.Equal(t, 100*time.Millisecond, backoff(100*time.Millisecond, time.Second, 1))
	assert.Equal(t, 200*time.Millisecond, backoff(100*time.Millisecond, time.Second, 2))
	assert.Equal(t, 400*time.Millisecond, backoff(100*time.Millisecond, time.Second, 3))
	assert.Equal(t, time.Second, backoff(100*time.Millisecond, time.Second, 10))
	assert.Equal(t, 1600*time.Millisecond, backoff(100*time.Millisecond, 0, 5))
}

func TestRunVerified(t *testing.T) {
	root := t.TempDir()
	m := fetch.NewMemoryFetcher()
	var tasks []*Task
	expected := map[*Task]string{}
	for _, name := range []string{"a.deb", "b.deb", "c/d.deb"} {
		content := []byte("content of " + name)
		task := newTask(root, name, content)
		m.Add(task.URL, content)
		tasks = append(tasks, task)
		expected[task] = string(content)
	}

	var finished []string
	opts := testOptions()
	opts.OnFinish = func(task *Task) { finished = append(finished, task.URL) }
	outcome := NewExecutor(m, opts, zaptest.NewLogger(t)).Run(context.Background(), tasks)

	assert.Equal(t, 3, outcome.Verified)
	assert.Zero(t, outcome.Skipped)
	assert.Zero(t, outcome.Failed)
	assert.Empty(t, outcome.FailedTasks)
	assert.NoError(t, outcome.Err())
	assert.Len(t, finished, 3)
	for _, task := range tasks {
		assert.Equal(t, Verified, task.Status)
		assert.Equal(t, 1, task.Attempts)
		assert.Equal(t, task.Size, task.Received)
		assert.Equal(t, expected[task], readFile(t, task.Dest))
		_, err := os.Stat(task.PartialPath())
		assert.True(t, os.IsNotExist(err))
	}
}

func TestRunChecksumMismatch(t *testing.T) {
	root := t.TempDir()
	task := newTask(root, "bad.deb", []byte("expected"))
	m := fetch.NewMemoryFetcher().Add(task.URL, []byte("tampered"))

	outcome := NewExecutor(m, testOptions(), zaptest.NewLogger(t)).Run(context.Background(), []*Task{task})

	assert.Equal(t, 2, m.Requests(task.URL))
	assert.Equal(t, 1, outcome.Failed)
	require.Len(t, outcome.FailedTasks, 1)
	assert.Same(t, task, outcome.FailedTasks[0])
	assert.Equal(t, Failed, task.Status)
	assert.Equal(t, 2, task.Attempts)
	assert.True(t, checksum.MismatchError.Has(task.Err))
	assert.Error(t, outcome.Err())
	assert.Equal(t, map[string]bool{"bad.deb:amd64": true}, outcome.FailedPackages())

	_, err := os.Stat(task.Dest)
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(task.PartialPath())
	assert.True(t, os.IsNotExist(err))
}

func TestRunMismatchKeepsExistingArtifact(t *testing.T) {
	root := t.TempDir()
	task := newTask(root, "keep.deb", []byte("new version"))
	require.NoError(t, os.MkdirAll(filepath.Dir(task.Dest), 0755))
	require.NoError(t, os.WriteFile(task.Dest, []byte("old version"), 0644))
	m := fetch.NewMemoryFetcher().Add(task.URL, []byte("broken data"))

	outcome := NewExecutor(m, testOptions(), zaptest.NewLogger(t)).Run(context.Background(), []*Task{task})
	assert.Equal(t, 1, outcome.Failed)
	assert.Equal(t, "old version", readFile(t, task.Dest))
}

func TestRunRetriesNetworkErrors(t *testing.T) {
	root := t.TempDir()
	content := []byte("flaky content")
	task := newTask(root, "flaky.deb", content)
	m := fetch.NewMemoryFetcher().Add(task.URL, content)
	m.Fail(task.URL, fetch.NetworkError.New("connection reset"))

	opts := testOptions()
	opts.Backoff = time.Millisecond
	outcome := NewExecutor(m, opts, zaptest.NewLogger(t)).Run(context.Background(), []*Task{task})

	assert.Equal(t, 1, outcome.Verified)
	assert.Equal(t, Verified, task.Status)
	assert.Equal(t, 2, task.Attempts)
	assert.Equal(t, string(content), readFile(t, task.Dest))

	// a second transient failure exhausts the budget
	task2 := newTask(root, "flakier.deb", content)
	m.Add(task2.URL, content)
	m.Fail(task2.URL, fetch.NetworkError.New("reset"), fetch.NetworkError.New("reset again"))
	outcome = NewExecutor(m, opts, zaptest.NewLogger(t)).Run(context.Background(), []*Task{task2})
	assert.Equal(t, 1, outcome.Failed)
	assert.True(t, fetch.NetworkError.Has(task2.Err))
}

func TestRunPermanentErrorNotRetried(t *testing.T) {
	root := t.TempDir()
	missing := newTask(root, "missing.deb", []byte("x"))
	present := newTask(root, "present.deb", []byte("y"))
	m := fetch.NewMemoryFetcher().Add(present.URL, []byte("y"))

	outcome := NewExecutor(m, testOptions(), zaptest.NewLogger(t)).Run(context.Background(), []*Task{missing, present})
	assert.Equal(t, 1, m.Requests(missing.URL))
	assert.Equal(t, 1, outcome.Failed)
	assert.Equal(t, 1, outcome.Verified)
	assert.True(t, fetch.StatusError.Has(missing.Err))
	assert.Equal(t, Verified, present.Status)
}

func TestRunUnverifiableNotFetched(t *testing.T) {
	root := t.TempDir()
	task := newTask(root, "nosum.deb", []byte("z"))
	task.Sums = checksum.Sums{}
	m := fetch.NewMemoryFetcher().Add(task.URL, []byte("z"))

	opts := testOptions()
	opts.Backoff = time.Hour
	outcome := NewExecutor(m, opts, zaptest.NewLogger(t)).Run(context.Background(), []*Task{task})
	assert.Equal(t, 1, outcome.Failed)
	assert.Equal(t, 1, task.Attempts)
	assert.Zero(t, m.TotalRequests())
	assert.True(t, checksum.UnverifiableError.Has(task.Err))
	assert.False(t, checksum.MismatchError.Has(task.Err))
}

func TestFailedPackagesIncludesDependents(t *testing.T) {
	root := t.TempDir()
	shared := newTask(root, "hello_2.10.orig.tar.gz", []byte("orig"))
	shared.Package = "hello:source=2.10-2"
	shared.Dependents = []string{"hello:source=2.10-3"}
	m := fetch.NewMemoryFetcher()

	outcome := NewExecutor(m, testOptions(), zaptest.NewLogger(t)).Run(context.Background(), []*Task{shared})
	assert.Equal(t, map[string]bool{"hello:source=2.10-2": true, "hello:source=2.10-3": true}, outcome.FailedPackages())
}

func TestRunSkipsValidDestination(t *testing.T) {
	root := t.TempDir()
	content := []byte("already here")
	task := newTask(root, "here.deb", content)
	require.NoError(t, os.MkdirAll(filepath.Dir(task.Dest), 0755))
	require.NoError(t, os.WriteFile(task.Dest, content, 0644))
	m := fetch.NewMemoryFetcher()

	outcome := NewExecutor(m, testOptions(), zaptest.NewLogger(t)).Run(context.Background(), []*Task{task})
	assert.Equal(t, 1, outcome.Skipped)
	assert.Equal(t, Skipped, task.Status)
	assert.Zero(t, m.TotalRequests())
}

func TestRunReplacesInvalidDestination(t *testing.T) {
	root := t.TempDir()
	content := []byte("fresh content")
	task := newTask(root, "stale.deb", content)
	require.NoError(t, os.MkdirAll(filepath.Dir(task.Dest), 0755))
	require.NoError(t, os.WriteFile(task.Dest, []byte("stale content"), 0644))
	m := fetch.NewMemoryFetcher().Add(task.URL, content)

	outcome := NewExecutor(m, testOptions(), zaptest.NewLogger(t)).Run(context.Background(), []*Task{task})
	assert.Equal(t, 1, outcome.Verified)
	assert.Equal(t, string(content), readFile(t, task.Dest))
}

type offsetRecorder struct {
	fetch.Fetcher
	mu      sync.Mutex
	offsets []int64
}

func (r *offsetRecorder) Fetch(ctx context.Context, url string, offset int64) (*fetch.Response, error) {
	r.mu.Lock()
	r.offsets = append(r.offsets, offset)
	r.mu.Unlock()
	return r.Fetcher.Fetch(ctx, url, offset)
}

func TestRunResumesPartial(t *testing.T) {
	root := t.TempDir()
	content := []byte("0123456789abcdefghij")
	task := newTask(root, "resume.deb", content)
	require.NoError(t, os.MkdirAll(filepath.Dir(task.Dest), 0755))
	require.NoError(t, os.WriteFile(task.PartialPath(), content[:8], 0644))
	rec := &offsetRecorder{Fetcher: fetch.NewMemoryFetcher().Add(task.URL, content)}

	outcome := NewExecutor(rec, testOptions(), zaptest.NewLogger(t)).Run(context.Background(), []*Task{task})
	assert.Equal(t, 1, outcome.Verified)
	assert.Equal(t, []int64{8}, rec.offsets)
	assert.Equal(t, int64(len(content)-8), outcome.Received)
	assert.Equal(t, string(content), readFile(t, task.Dest))
}

func TestRunRestartsCorruptPartial(t *testing.T) {
	root := t.TempDir()
	content := []byte("0123456789abcdefghij")
	task := newTask(root, "corrupt.deb", content)
	require.NoError(t, os.MkdirAll(filepath.Dir(task.Dest), 0755))
	require.NoError(t, os.WriteFile(task.PartialPath(), []byte("XXXXXXXX"), 0644))
	rec := &offsetRecorder{Fetcher: fetch.NewMemoryFetcher().Add(task.URL, content)}

	outcome := NewExecutor(rec, testOptions(), zaptest.NewLogger(t)).Run(context.Background(), []*Task{task})
	assert.Equal(t, 1, outcome.Verified)
	assert.Equal(t, []int64{8, 0}, rec.offsets)
	assert.Equal(t, string(content), readFile(t, task.Dest))
}

type blockingFetcher struct {
	started chan struct{}
	once    sync.Once
}

func (b *blockingFetcher) Fetch(ctx context.Context, url string, offset int64) (*fetch.Response, error) {
	b.once.Do(func() { close(b.started) })
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestRunCanceled(t *testing.T) {
	root := t.TempDir()
	var tasks []*Task
	for _, name := range []string{"a.deb", "b.deb", "c.deb", "d.deb"} {
		tasks = append(tasks, newTask(root, name, []byte(name)))
	}
	f := &blockingFetcher{started: make(chan struct{})}
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-f.started
		cancel()
	}()

	opts := testOptions()
	opts.Concurrency = 2
	outcome := NewExecutor(f, opts, zaptest.NewLogger(t)).Run(ctx, tasks)
	assert.Equal(t, 4, outcome.Failed)
	for _, task := range tasks {
		assert.Equal(t, Failed, task.Status)
		assert.ErrorIs(t, task.Err, context.Canceled)
		_, err := os.Stat(task.Dest)
		assert.True(t, os.IsNotExist(err))
	}
}

func TestRunCanceledBeforeStart(t *testing.T) {
	root := t.TempDir()
	task := newTask(root, "a.deb", []byte("a"))
	m := fetch.NewMemoryFetcher().Add(task.URL, []byte("a"))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	outcome := NewExecutor(m, testOptions(), zaptest.NewLogger(t)).Run(ctx, []*Task{task})
	assert.Equal(t, 1, outcome.Failed)
	assert.Zero(t, m.TotalRequests())
}

type concurrencyCounter struct {
	fetch.Fetcher
	running, peak int32
}

func (c *concurrencyCounter) Fetch(ctx context.Context, url string, offset int64) (*fetch.Response, error) {
	n := atomic.AddInt32(&c.running, 1)
	defer atomic.AddInt32(&c.running, -1)
	for {
		p := atomic.LoadInt32(&c.peak)
		if n <= p || atomic.CompareAndSwapInt32(&c.peak, p, n) {
			break
		}
	}
	time.Sleep(2 * time.Millisecond)
	return c.Fetcher.Fetch(ctx, url, offset)
}

func TestRunBoundedConcurrency(t *testing.T) {
	root := t.TempDir()
	m := fetch.NewMemoryFetcher()
	var tasks []*Task
	for i := 0; i < 30; i++ {
		content := []byte{byte(i), byte(i + 1)}
		task := newTask(root, string(rune('a'+i%26))+string(rune('0'+i/26))+".deb", content)
		m.Add(task.URL, content)
		tasks = append(tasks, task)
	}
	counter := &concurrencyCounter{Fetcher: m}
	opts := testOptions()
	opts.Concurrency = 3

	outcome := NewExecutor(counter, opts, zaptest.NewLogger(t)).Run(context.Background(), tasks)
	assert.Equal(t, 30, outcome.Verified)
	assert.LessOrEqual(t, atomic.LoadInt32(&counter.peak), int32(3))
}

func TestRunEmpty(t *testing.T) {
	outcome := NewExecutor(fetch.NewMemoryFetcher(), testOptions(), zaptest.NewLogger(t)).Run(context.Background(), nil)
	assert.Equal(t, &Outcome{}, outcome)
}
