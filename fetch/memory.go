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

package fetch

import (
	"bytes"
	"context"
	"io"
	"sync"
)

// MemoryFetcher serves files from memory. It records every request and can be
// told to fail requests, which makes it useful for exercising retry paths.
type MemoryFetcher struct {
	mu       sync.Mutex
	files    map[string][]byte
	failures map[string][]error
	requests map[string]int
}

// NewMemoryFetcher returns an empty MemoryFetcher.
func NewMemoryFetcher() *MemoryFetcher {
	return &MemoryFetcher{
		files:    make(map[string][]byte),
		failures: make(map[string][]error),
		requests: make(map[string]int),
	}
}

// Add serves content at url, replacing anything served there before.
func (m *MemoryFetcher) Add(url string, content []byte) *MemoryFetcher {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.files[url] = content
	return m
}

// Fail makes the next requests for url fail with the given errors, one per
// request, before normal service resumes.
func (m *MemoryFetcher) Fail(url string, errors ...error) *MemoryFetcher {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures[url] = append(m.failures[url], errors...)
	return m
}

// Requests returns how many times url was requested.
func (m *MemoryFetcher) Requests(url string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.requests[url]
}

// TotalRequests returns the number of requests made for any url.
func (m *MemoryFetcher) TotalRequests() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	total := 0
	for _, n := range m.requests {
		total += n
	}
	return total
}

// Fetch implements Fetcher.
func (m *MemoryFetcher) Fetch(ctx context.Context, url string, offset int64) (*Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requests[url]++
	if pending := m.failures[url]; len(pending) > 0 {
		m.failures[url] = pending[1:]
		return nil, pending[0]
	}
	content, ok := m.files[url]
	if !ok {
		return nil, StatusError.New("GET %s: 404 Not Found", url)
	}
	if offset < 0 || offset > int64(len(content)) {
		offset = 0
	}
	body := content[offset:]
	return &Response{
		Body:   io.NopCloser(bytes.NewReader(body)),
		Offset: offset,
		Length: int64(len(body)),
	}, nil
}
