// Copyright 2025 Google LLC
// SPDX-License-Identifier: Apache-2.0

package fetch

import (
	"context"
	"crypto"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/veinproxy/vein/internal/httpx"
	"github.com/veinproxy/vein/internal/httpx/httpxtest"
	"github.com/veinproxy/vein/internal/inventory"
	"github.com/veinproxy/vein/internal/storage"
	"github.com/veinproxy/vein/internal/upstream"
)

// blockingBody lets a test hold the leader's read open until release() is
// called, simulating slow upstream bodies for concurrency tests.
type blockingBody struct {
	data     []byte
	pos      int
	release  <-chan struct{}
	released bool
	mu       sync.Mutex
}

func (b *blockingBody) Read(p []byte) (int, error) {
	b.mu.Lock()
	if !b.released {
		b.mu.Unlock()
		<-b.release
		b.mu.Lock()
		b.released = true
	}
	if b.pos >= len(b.data) {
		b.mu.Unlock()
		return 0, io.EOF
	}
	n := copy(p, b.data[b.pos:])
	b.pos += n
	b.mu.Unlock()
	return n, nil
}
func (b *blockingBody) Close() error { return nil }

func newFetcher(t *testing.T) *Fetcher {
	t.Helper()
	store, err := storage.New(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	inv, err := inventory.OpenSQLite(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { inv.Close() })
	return New(store, inv)
}

func testClient(t *testing.T, mock httpx.BasicClient) *upstream.Client {
	t.Helper()
	return &upstream.Client{BasicClient: mock, BaseURL: "https://upstream.example"}
}

func TestFetchSingleLeaderNoCache(t *testing.T) {
	f := newFetcher(t)
	body := []byte("the gem bytes")
	mock := &httpxtest.MockClient{
		SkipURLValidation: true,
		Calls: []httpxtest.Call{{
			Response: &http.Response{StatusCode: 200, Body: httpxtest.Body(string(body)), Header: http.Header{}},
		}},
	}
	client := testClient(t, mock)
	req := Request{
		Key:       inventory.AssetKey{Kind: inventory.KindGem, Name: "rails", Version: "8.0.1"},
		URL:       "https://upstream.example/gems/rails-8.0.1.gem",
		FinalPath: "rubygems/gems/rails-8.0.1.gem",
	}
	r, err := f.Fetch(context.Background(), client, req)
	if err != nil {
		t.Fatal(err)
	}
	got, err := io.ReadAll(r)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != string(body) {
		t.Fatalf("body = %q, want %q", got, body)
	}
	if mock.CallCount() != 1 {
		t.Fatalf("CallCount = %d, want 1", mock.CallCount())
	}

	deadline := time.After(2 * time.Second)
	for {
		asset, err := f.Inventory.GetAsset(context.Background(), req.Key)
		if err == nil {
			if asset.SizeBytes != int64(len(body)) {
				t.Fatalf("SizeBytes = %d, want %d", asset.SizeBytes, len(body))
			}
			break
		}
		select {
		case <-deadline:
			t.Fatal("timed out waiting for asset row to appear")
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestFetchConcurrentSingleFlight(t *testing.T) {
	f := newFetcher(t)
	body := []byte("concurrent body bytes, identical for all readers")
	release := make(chan struct{})
	mock := &httpxtest.MockClient{
		SkipURLValidation: true,
		Calls: []httpxtest.Call{{
			Response: &http.Response{StatusCode: 200, Body: &blockingBody{data: body, release: release}, Header: http.Header{}},
		}},
	}
	client := testClient(t, mock)
	req := Request{
		Key:       inventory.AssetKey{Kind: inventory.KindGem, Name: "rails", Version: "8.0.1"},
		URL:       "https://upstream.example/gems/rails-8.0.1.gem",
		FinalPath: "rubygems/gems/rails-8.0.1.gem",
	}

	const n = 5
	readers := make([]io.ReadCloser, n)
	for i := 0; i < n; i++ {
		r, err := f.Fetch(context.Background(), client, req)
		if err != nil {
			t.Fatal(err)
		}
		readers[i] = r
	}
	close(release)

	results := make([][]byte, n)
	var wg sync.WaitGroup
	for i := range readers {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			b, err := io.ReadAll(readers[i])
			if err != nil {
				t.Errorf("reader %d: %v", i, err)
				return
			}
			results[i] = b
		}(i)
	}
	wg.Wait()

	for i, got := range results {
		if string(got) != string(body) {
			t.Errorf("reader %d got %q, want %q", i, got, body)
		}
	}
	if mock.CallCount() != 1 {
		t.Fatalf("CallCount = %d, want 1 (single-flight)", mock.CallCount())
	}
}

// twoPartBody serves its first part immediately, then holds the rest until
// release is closed, so a test can observe mid-transfer delivery.
type twoPartBody struct {
	first, rest []byte
	release     <-chan struct{}
	state       int
}

func (b *twoPartBody) Read(p []byte) (int, error) {
	switch b.state {
	case 0:
		b.state = 1
		return copy(p, b.first), nil
	case 1:
		<-b.release
		b.state = 2
		return copy(p, b.rest), nil
	default:
		return 0, io.EOF
	}
}
func (b *twoPartBody) Close() error { return nil }

func TestFetchDigestVerifiedStreamsBeforeCompletion(t *testing.T) {
	f := newFetcher(t)
	first := []byte("first half of the crate, ")
	rest := []byte("second half of the crate")
	full := append(append([]byte(nil), first...), rest...)
	digest := sha256.Sum256(full)
	release := make(chan struct{})
	mock := &httpxtest.MockClient{
		SkipURLValidation: true,
		Calls: []httpxtest.Call{{
			Response: &http.Response{StatusCode: 200, Body: &twoPartBody{first: first, rest: rest, release: release}, Header: http.Header{}},
		}},
	}
	client := testClient(t, mock)
	req := Request{
		Key:            inventory.AssetKey{Kind: inventory.KindCrate, Name: "serde", Version: "1.0.200"},
		URL:            "https://upstream.example/api/v1/crates/serde/1.0.200/download",
		FinalPath:      "crates/serde/serde-1.0.200.crate",
		ExpectedDigest: &Digest{Algo: crypto.SHA256, Hex: hex.EncodeToString(digest[:])},
	}
	r, err := f.Fetch(context.Background(), client, req)
	if err != nil {
		t.Fatal(err)
	}

	// The first chunk must reach the reader while upstream is still held
	// open; digest verification only gates the commit, not the stream.
	early := make(chan []byte, 1)
	go func() {
		buf := make([]byte, 1024)
		n, rerr := r.Read(buf)
		if rerr != nil {
			early <- nil
			return
		}
		early <- buf[:n]
	}()
	select {
	case got := <-early:
		if string(got) != string(first) {
			t.Fatalf("early chunk = %q, want %q", got, first)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no bytes delivered before upstream completed")
	}

	close(release)
	tail, err := io.ReadAll(r)
	if err != nil {
		t.Fatal(err)
	}
	if string(tail) != string(rest) {
		t.Fatalf("tail = %q, want %q", tail, rest)
	}

	deadline := time.After(2 * time.Second)
	for {
		asset, aerr := f.Inventory.GetAsset(context.Background(), req.Key)
		if aerr == nil {
			if asset.SHA256 != hex.EncodeToString(digest[:]) {
				t.Fatalf("stored sha256 = %s, want %s", asset.SHA256, hex.EncodeToString(digest[:]))
			}
			break
		}
		select {
		case <-deadline:
			t.Fatal("timed out waiting for verified asset row")
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestFetchIntegrityFailure(t *testing.T) {
	f := newFetcher(t)
	body := []byte("tampered bytes")
	mock := &httpxtest.MockClient{
		SkipURLValidation: true,
		Calls: []httpxtest.Call{{
			Response: &http.Response{StatusCode: 200, Body: httpxtest.Body(string(body)), Header: http.Header{}},
		}},
	}
	client := testClient(t, mock)
	wrongDigest := sha256.Sum256([]byte("completely different"))
	req := Request{
		Key:            inventory.AssetKey{Kind: inventory.KindCrate, Name: "serde", Version: "1.0.200"},
		URL:            "https://upstream.example/api/v1/crates/serde/1.0.200/download",
		FinalPath:      "crates/serde/serde-1.0.200.crate",
		ExpectedDigest: &Digest{Algo: crypto.SHA256, Hex: hex.EncodeToString(wrongDigest[:])},
	}
	r, err := f.Fetch(context.Background(), client, req)
	if err != nil {
		t.Fatal(err)
	}
	_, readErr := io.ReadAll(r)
	if readErr != ErrIntegrityFailure {
		t.Fatalf("readErr = %v, want ErrIntegrityFailure", readErr)
	}

	if _, err := f.Inventory.GetAsset(context.Background(), req.Key); err != inventory.ErrNotFound {
		t.Fatalf("expected no asset row after integrity failure, got err=%v", err)
	}
}

func TestFetchUpstreamFailure(t *testing.T) {
	f := newFetcher(t)
	mock := &httpxtest.MockClient{
		SkipURLValidation: true,
		Calls: []httpxtest.Call{
			{Response: &http.Response{StatusCode: 503, Body: httpxtest.Body(""), Header: http.Header{}}},
			{Response: &http.Response{StatusCode: 503, Body: httpxtest.Body(""), Header: http.Header{}}},
			{Response: &http.Response{StatusCode: 503, Body: httpxtest.Body(""), Header: http.Header{}}},
		},
	}
	client := testClient(t, mock)
	req := Request{
		Key:       inventory.AssetKey{Kind: inventory.KindGem, Name: "rails", Version: "404.0.0"},
		URL:       "https://upstream.example/gems/rails-404.0.0.gem",
		FinalPath: "rubygems/gems/rails-404.0.0.gem",
	}
	r, err := f.Fetch(context.Background(), client, req)
	if err != nil {
		t.Fatal(err)
	}
	_, readErr := io.ReadAll(r)
	if readErr == nil {
		t.Fatal("expected error reading from failed upstream fetch")
	}
}
