// Copyright 2025 Google LLC
// SPDX-License-Identifier: Apache-2.0

// Package upstream provides a pooled HTTP client per upstream registry
// (spec.md §4.6), with the retry/backoff policy from §4.3 step 6: only
// idempotent GETs are retried, exponential backoff with decorrelated
// jitter, capped at 3 attempts, connect errors and 5xx only.
package upstream

import (
	"context"
	"math/rand/v2"
	"net"
	"net/http"
	"time"

	"github.com/pkg/errors"

	"github.com/veinproxy/vein/internal/httpx"
)

// Config configures a pooled client for one upstream.
type Config struct {
	BaseURL            string
	TimeoutSecs        int
	ConnectionPoolSize int
	UserAgent          string
}

const (
	defaultTimeout    = 30 * time.Second
	defaultConnect    = 10 * time.Second
	defaultPoolSize   = 100
	maxAttempts       = 3
	baseBackoff       = 100 * time.Millisecond
	maxBackoff        = 2 * time.Second
)

// Client wraps an *http.Client configured per spec.md §4.6 with the retry
// policy layered on top as a BasicClient decorator.
type Client struct {
	httpx.BasicClient
	BaseURL string
}

// New builds a pooled, retrying upstream client for one registry.
func New(cfg Config) *Client {
	timeout := time.Duration(cfg.TimeoutSecs) * time.Second
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	poolSize := cfg.ConnectionPoolSize
	if poolSize <= 0 {
		poolSize = defaultPoolSize
	}
	transport := &http.Transport{
		MaxIdleConns:        poolSize,
		MaxIdleConnsPerHost: poolSize,
		MaxConnsPerHost:     poolSize,
		DialContext: (&net.Dialer{
			Timeout: defaultConnect,
		}).DialContext,
		ForceAttemptHTTP2: true,
	}
	base := &http.Client{Transport: transport, Timeout: timeout}
	var bc httpx.BasicClient = base
	if cfg.UserAgent != "" {
		bc = &httpx.WithUserAgent{BasicClient: base, UserAgent: cfg.UserAgent}
	}
	return &Client{BasicClient: &retryingClient{inner: bc}, BaseURL: cfg.BaseURL}
}

// retryingClient implements the §4.3 step 6 retry policy. It only retries
// requests whose method is idempotent (GET/HEAD); 4xx responses are
// terminal, 5xx and connect errors are retried with decorrelated-jitter
// backoff up to maxAttempts.
type retryingClient struct {
	inner httpx.BasicClient
}

func (c *retryingClient) Do(req *http.Request) (*http.Response, error) {
	if req.Method != http.MethodGet && req.Method != http.MethodHead {
		return c.inner.Do(req)
	}
	var lastErr error
	sleep := baseBackoff
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		resp, err := c.inner.Do(req)
		if err == nil && resp.StatusCode < 500 {
			return resp, nil
		}
		if err != nil {
			lastErr = errors.Wrapf(err, "upstream request attempt %d", attempt)
			var opErr *net.OpError
			if !errors.As(err, &opErr) || opErr.Op != "dial" {
				return nil, lastErr
			}
		} else {
			lastErr = errors.Errorf("upstream request attempt %d: status %s", attempt, resp.Status)
			resp.Body.Close()
		}
		if attempt == maxAttempts {
			break
		}
		select {
		case <-req.Context().Done():
			return nil, req.Context().Err()
		case <-time.After(jitter(sleep)):
		}
		sleep = min(sleep*2, maxBackoff)
	}
	return nil, lastErr
}

// jitter applies decorrelated jitter: a random duration in [d/2, d*3/2).
func jitter(d time.Duration) time.Duration {
	half := d / 2
	return half + time.Duration(rand.Int64N(int64(d)))
}

// ConditionalGet issues a GET with If-None-Match (or If-Modified-Since,
// when no ETag is available) set, for index revalidation (spec.md §4.2).
func (c *Client) ConditionalGet(ctx context.Context, url, etag, lastModified string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, errors.Wrap(err, "building conditional request")
	}
	if etag != "" {
		req.Header.Set("If-None-Match", etag)
	} else if lastModified != "" {
		req.Header.Set("If-Modified-Since", lastModified)
	}
	req.Header.Set("Accept-Encoding", "gzip")
	resp, err := c.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, "conditional GET")
	}
	return resp, nil
}

// Get issues an unconditional GET against the upstream.
func (c *Client) Get(ctx context.Context, url string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, errors.Wrap(err, "building request")
	}
	req.Header.Set("Accept-Encoding", "gzip")
	resp, err := c.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, "GET")
	}
	return resp, nil
}
