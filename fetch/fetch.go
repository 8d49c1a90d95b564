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

// Package fetch retrieves files from upstream mirrors over HTTP.
package fetch

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/zeebo/errs"
	"golang.org/x/time/rate"

	"storj.io/apt-mirror/common"
)

var (
	// NetworkError is the error class for transport failures and server-side
	// errors that are worth retrying.
	NetworkError = errs.Class("network")
	// StatusError is the error class for HTTP responses that will not get better
	// with a retry, such as 404.
	StatusError = errs.Class("http status")
)

// Response is an open response body.
type Response struct {
	Body io.ReadCloser
	// Offset is the position in the remote file where Body starts. It is 0 unless
	// a range request was honored.
	Offset int64
	// Length is the number of bytes Body will deliver, or -1 if unknown.
	Length int64
}

// Fetcher opens remote files. Implementations must be safe for concurrent use.
type Fetcher interface {
	// Fetch opens url starting at byte offset. Servers may ignore the offset, in
	// which case the returned Response has Offset 0.
	Fetch(ctx context.Context, url string, offset int64) (*Response, error)
}

// Options configures an HTTPFetcher.
type Options struct {
	// ConnectTimeout bounds establishing a connection (including TLS handshake).
	ConnectTimeout time.Duration
	// ReadTimeout bounds waiting for response headers and every individual read
	// from the connection afterward.
	ReadTimeout time.Duration
	// UserAgent is sent with every request. Defaults to common.UserAgent.
	UserAgent string
	// RequestsPerSecond limits how fast requests are issued. Zero means no limit.
	RequestsPerSecond float64
	// MaxConnsPerHost limits parallel connections per mirror. Zero means no limit.
	MaxConnsPerHost int
}

// DefaultOptions returns the options used when nothing is configured.
func DefaultOptions() Options {
	return Options{
		ConnectTimeout: 30 * time.Second,
		ReadTimeout:    60 * time.Second,
		UserAgent:      common.UserAgent,
	}
}

// HTTPFetcher is a Fetcher backed by net/http.
type HTTPFetcher struct {
	client    *http.Client
	userAgent string
	limiter   *rate.Limiter
}

// NewHTTPFetcher builds an HTTPFetcher. Timeouts apply per network operation;
// there is no limit on the total duration of a transfer.
func NewHTTPFetcher(opts Options) *HTTPFetcher {
	dialer := &net.Dialer{Timeout: opts.ConnectTimeout, KeepAlive: 30 * time.Second}
	readTimeout := opts.ReadTimeout
	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
			conn, err := dialer.DialContext(ctx, network, addr)
			if err != nil {
				return nil, err
			}
			return &timeoutConn{Conn: conn, timeout: readTimeout}, nil
		},
		TLSHandshakeTimeout:   opts.ConnectTimeout,
		ResponseHeaderTimeout: opts.ReadTimeout,
		MaxConnsPerHost:       opts.MaxConnsPerHost,
		MaxIdleConnsPerHost:   16,
		IdleConnTimeout:       90 * time.Second,
		ForceAttemptHTTP2:     true,
	}
	f := &HTTPFetcher{
		client:    &http.Client{Transport: transport},
		userAgent: opts.UserAgent,
	}
	if f.userAgent == "" {
		f.userAgent = common.UserAgent
	}
	if opts.RequestsPerSecond > 0 {
		f.limiter = rate.NewLimiter(rate.Limit(opts.RequestsPerSecond), 1)
	}
	return f
}

// Fetch implements Fetcher.
func (f *HTTPFetcher) Fetch(ctx context.Context, url string, offset int64) (*Response, error) {
	resp, err := f.do(ctx, url, offset)
	if err != nil {
		return nil, err
	}
	// a range the server cannot serve, or serves from elsewhere, is fetched whole
	restart := resp.StatusCode == http.StatusRequestedRangeNotSatisfiable ||
		(resp.StatusCode == http.StatusPartialContent && !rangeStartsAt(resp.Header.Get("Content-Range"), offset))
	if restart && offset > 0 {
		_ = resp.Body.Close()
		offset = 0
		resp, err = f.do(ctx, url, 0)
		if err != nil {
			return nil, err
		}
	}

	switch {
	case resp.StatusCode == http.StatusPartialContent && offset > 0:
		return &Response{Body: &networkBody{resp.Body}, Offset: offset, Length: resp.ContentLength}, nil
	case resp.StatusCode == http.StatusOK:
		return &Response{Body: &networkBody{resp.Body}, Offset: 0, Length: resp.ContentLength}, nil
	}

	_ = resp.Body.Close()
	if retryableStatus(resp.StatusCode) {
		return nil, NetworkError.New("GET %s: %s", url, resp.Status)
	}
	return nil, StatusError.New("GET %s: %s", url, resp.Status)
}

// rangeStartsAt reports whether a Content-Range header such as
// "bytes 100-199/200" starts at offset.
func rangeStartsAt(header string, offset int64) bool {
	spec, ok := strings.CutPrefix(header, "bytes ")
	if !ok {
		return false
	}
	first, _, ok := strings.Cut(spec, "-")
	if !ok {
		return false
	}
	start, err := strconv.ParseInt(strings.TrimSpace(first), 10, 64)
	return err == nil && start == offset
}

func (f *HTTPFetcher) do(ctx context.Context, url string, offset int64) (*http.Response, error) {
	if f.limiter != nil {
		if err := f.limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, StatusError.New("invalid request for %q: %v", url, err)
	}
	req.Header.Set("User-Agent", f.userAgent)
	if offset > 0 {
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-", offset))
	}
	resp, err := f.client.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, NetworkError.Wrap(err)
	}
	return resp, nil
}

func retryableStatus(code int) bool {
	return code >= 500 || code == http.StatusTooManyRequests || code == http.StatusRequestTimeout
}

// Get fetches a whole remote file into memory. It is meant for small files such
// as Release documents.
func Get(ctx context.Context, f Fetcher, url string) (_ []byte, err error) {
	resp, err := f.Fetch(ctx, url, 0)
	if err != nil {
		return nil, err
	}
	defer common.DeferClose(resp.Body, &err)
	return io.ReadAll(resp.Body)
}

// networkBody marks read failures on a response body as network errors, so
// callers can tell them apart from local I/O failures.
type networkBody struct {
	rc io.ReadCloser
}

func (b *networkBody) Read(p []byte) (int, error) {
	n, err := b.rc.Read(p)
	if err != nil && err != io.EOF {
		err = NetworkError.Wrap(err)
	}
	return n, err
}

func (b *networkBody) Close() error { return b.rc.Close() }

// timeoutConn resets the read deadline before every read, so a stalled transfer
// fails after the read timeout while a slow but steady one continues.
type timeoutConn struct {
	net.Conn
	timeout time.Duration
}

func (c *timeoutConn) Read(b []byte) (int, error) {
	if c.timeout > 0 {
		if err := c.Conn.SetReadDeadline(time.Now().Add(c.timeout)); err != nil {
			return 0, err
		}
	}
	return c.Conn.Read(b)
}
