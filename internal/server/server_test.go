// Copyright 2025 Google LLC
// SPDX-License-Identifier: Apache-2.0

package server_test

import (
	"context"
	"crypto/md5"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/veinproxy/vein/internal/config"
	"github.com/veinproxy/vein/internal/inventory"
	"github.com/veinproxy/vein/internal/server"
	"github.com/veinproxy/vein/internal/storage"
)

type testEnv struct {
	srv     *httptest.Server
	inv     inventory.Inventory
	store   *storage.Store
	dataDir string
}

func newTestEnv(t *testing.T, upstreamURL string, mutate func(*config.Config), opts func(*server.Options)) *testEnv {
	t.Helper()
	dir := t.TempDir()
	inv, err := inventory.OpenSQLite(filepath.Join(dir, "vein.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { inv.Close() })
	store, err := storage.New(filepath.Join(dir, "storage"))
	if err != nil {
		t.Fatal(err)
	}
	cfg := config.Default()
	cfg.Upstream.URL = upstreamURL
	cfg.DelayPolicy.Enabled = false
	if mutate != nil {
		mutate(&cfg)
	}
	o := server.Options{Config: cfg, Inventory: inv, Store: store}
	if opts != nil {
		opts(&o)
	}
	s, err := server.New(o)
	if err != nil {
		t.Fatal(err)
	}
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(ts.Close)
	return &testEnv{srv: ts, inv: inv, store: store, dataDir: dir}
}

func get(t *testing.T, url string) (*http.Response, []byte) {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatal(err)
	}
	return resp, body
}

func TestGemMissThenHit(t *testing.T) {
	gemBody := []byte("gem-bytes-for-rails")
	var upstreamCalls atomic.Int64
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/gems/rails-8.0.1.gem" {
			http.NotFound(w, r)
			return
		}
		upstreamCalls.Add(1)
		w.Write(gemBody)
	}))
	defer upstream.Close()

	env := newTestEnv(t, upstream.URL, nil, nil)

	resp, body := get(t, env.srv.URL+"/gems/rails-8.0.1.gem")
	if resp.StatusCode != 200 {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if diff := cmp.Diff(gemBody, body); diff != "" {
		t.Fatalf("body mismatch (-want +got):\n%s", diff)
	}

	key := inventory.AssetKey{Kind: inventory.KindGem, Name: "rails", Version: "8.0.1"}
	asset, err := env.inv.GetAsset(context.Background(), key)
	if err != nil {
		t.Fatalf("GetAsset: %v", err)
	}
	wantSum := sha256.Sum256(gemBody)
	if asset.SHA256 != hex.EncodeToString(wantSum[:]) {
		t.Fatalf("sha256 = %s, want %s", asset.SHA256, hex.EncodeToString(wantSum[:]))
	}
	if asset.SizeBytes != int64(len(gemBody)) {
		t.Fatalf("size = %d, want %d", asset.SizeBytes, len(gemBody))
	}
	onDisk, err := os.ReadFile(filepath.Join(env.store.Root(), asset.Path))
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(gemBody, onDisk); diff != "" {
		t.Fatalf("stored bytes mismatch (-want +got):\n%s", diff)
	}

	// Second request is a hit and must not touch upstream again.
	resp, body = get(t, env.srv.URL+"/gems/rails-8.0.1.gem")
	if resp.StatusCode != 200 {
		t.Fatalf("hit status = %d, want 200", resp.StatusCode)
	}
	if diff := cmp.Diff(gemBody, body); diff != "" {
		t.Fatalf("hit body mismatch (-want +got):\n%s", diff)
	}
	if n := upstreamCalls.Load(); n != 1 {
		t.Fatalf("upstream calls = %d, want 1", n)
	}
}

func TestSingleFlightConcurrentMisses(t *testing.T) {
	gemBody := []byte("held-back-gem-body")
	var upstreamCalls atomic.Int64
	release := make(chan struct{})
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		upstreamCalls.Add(1)
		<-release
		w.Write(gemBody)
	}))
	defer upstream.Close()

	env := newTestEnv(t, upstream.URL, nil, nil)

	const n = 4
	bodies := make([][]byte, n)
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func(i int) {
			defer wg.Done()
			resp, err := http.Get(env.srv.URL + "/gems/rack-3.1.0.gem")
			if err != nil {
				t.Error(err)
				return
			}
			defer resp.Body.Close()
			bodies[i], _ = io.ReadAll(resp.Body)
		}(i)
	}
	time.Sleep(200 * time.Millisecond)
	close(release)
	wg.Wait()

	if calls := upstreamCalls.Load(); calls != 1 {
		t.Fatalf("upstream calls = %d, want 1", calls)
	}
	for i, b := range bodies {
		if diff := cmp.Diff(gemBody, b); diff != "" {
			t.Fatalf("client %d body mismatch (-want +got):\n%s", i, diff)
		}
	}
	if _, err := env.inv.GetAsset(context.Background(), inventory.AssetKey{Kind: inventory.KindGem, Name: "rack", Version: "3.1.0"}); err != nil {
		t.Fatalf("expected one cached row after coalesced fetch: %v", err)
	}
}

func TestLegacyEndpointsGone(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Errorf("legacy request must not reach upstream: %s", r.URL.Path)
	}))
	defer upstream.Close()
	env := newTestEnv(t, upstream.URL, nil, nil)

	for _, path := range []string{"/specs.4.8.gz", "/latest_specs.4.8.gz", "/api/v1/dependencies?gems=rails"} {
		resp, _ := get(t, env.srv.URL+path)
		if resp.StatusCode != http.StatusGone {
			t.Errorf("%s status = %d, want 410", path, resp.StatusCode)
		}
	}
}

func TestUpLiveness(t *testing.T) {
	env := newTestEnv(t, "http://unused.invalid", nil, nil)
	resp, body := get(t, env.srv.URL+"/up")
	if resp.StatusCode != 200 || string(body) != "ok" {
		t.Fatalf("GET /up = %d %q, want 200 ok", resp.StatusCode, body)
	}
}

func TestNotRouted(t *testing.T) {
	env := newTestEnv(t, "http://unused.invalid", nil, nil)
	resp, _ := get(t, env.srv.URL+"/definitely/not/a/route")
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
}

func TestVersionsQuarantineFilter(t *testing.T) {
	infoBody := "8.0.0 |checksum:aaa\n8.0.1 |checksum:bbb\n"
	versionsBody := "created_at: 2026-01-21T00:00:00Z\n---\nrails 8.0.0,8.0.1 0000\n"
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/versions":
			io.WriteString(w, versionsBody)
		case "/info/rails":
			io.WriteString(w, infoBody)
		default:
			http.NotFound(w, r)
		}
	}))
	defer upstream.Close()

	env := newTestEnv(t, upstream.URL, func(cfg *config.Config) {
		cfg.DelayPolicy.Enabled = true
		cfg.DelayPolicy.DefaultDelayDays = 3
	}, nil)

	// 8.0.0 shipped long ago and has already been promoted.
	old := inventory.GemVersion{
		Name:           "rails",
		Version:        "8.0.0",
		PublishedAt:    time.Now().UTC().Add(-10 * 24 * time.Hour),
		AvailableAfter: time.Now().UTC().Add(-7 * 24 * time.Hour),
		Status:         inventory.StatusAvailable,
	}
	if err := env.inv.UpsertGemVersion(context.Background(), old); err != nil {
		t.Fatal(err)
	}

	resp, body := get(t, env.srv.URL+"/versions")
	if resp.StatusCode != 200 {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}

	// The rewritten info body keeps only the released version; the emitted
	// md5 column must be the md5 of that rewritten body.
	sum := md5.Sum([]byte("8.0.0 |checksum:aaa\n"))
	want := "created_at: 2026-01-21T00:00:00Z\n---\nrails 8.0.0 " + hex.EncodeToString(sum[:]) + "\n"
	if diff := cmp.Diff(want, string(body)); diff != "" {
		t.Fatalf("rewritten /versions mismatch (-want +got):\n%s", diff)
	}

	gv, err := env.inv.GetGemVersion(context.Background(), inventory.GemVersionKey{Name: "rails", Version: "8.0.1"})
	if err != nil {
		t.Fatalf("new version not tracked: %v", err)
	}
	if gv.Status != inventory.StatusQuarantine {
		t.Fatalf("status = %s, want quarantine", gv.Status)
	}
	if gv.AvailableAfter.Before(gv.PublishedAt) {
		t.Fatalf("available_after %v precedes published_at %v", gv.AvailableAfter, gv.PublishedAt)
	}

	// /info/<gem> is filtered the same way.
	resp, body = get(t, env.srv.URL+"/info/rails")
	if resp.StatusCode != 200 {
		t.Fatalf("info status = %d, want 200", resp.StatusCode)
	}
	if diff := cmp.Diff("8.0.0 |checksum:aaa\n", string(body)); diff != "" {
		t.Fatalf("rewritten /info mismatch (-want +got):\n%s", diff)
	}
}

func TestSbomServedFromMetadata(t *testing.T) {
	env := newTestEnv(t, "http://unused.invalid", nil, nil)
	doc := `{"bomFormat":"CycloneDX","specVersion":"1.6"}`
	meta := inventory.GemMetadata{
		Name: "rails", Version: "8.0.1", Platform: "ruby",
		SBOMJSON:  doc,
		CreatedAt: time.Now().UTC(),
	}
	if err := env.inv.PutMetadata(context.Background(), meta); err != nil {
		t.Fatal(err)
	}
	resp, body := get(t, env.srv.URL+"/.well-known/vein/sbom?name=rails&version=8.0.1")
	if resp.StatusCode != 200 {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "application/json" {
		t.Fatalf("content-type = %q", ct)
	}
	if diff := cmp.Diff(doc, string(body)); diff != "" {
		t.Fatalf("sbom body mismatch (-want +got):\n%s", diff)
	}
}

func TestSbomUncachedGemRejected(t *testing.T) {
	env := newTestEnv(t, "http://unused.invalid", nil, nil)
	resp, _ := get(t, env.srv.URL+"/.well-known/vein/sbom?name=missing&version=1.0.0")
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
}

type stubDigests struct {
	crateSum string
	npmSum   string
}

func (s stubDigests) CrateChecksum(ctx context.Context, name, version string) (string, error) {
	return s.crateSum, nil
}
func (s stubDigests) NPMShasum(ctx context.Context, name, version string) (string, error) {
	return s.npmSum, nil
}

func TestCrateDownloadVerifiesChecksum(t *testing.T) {
	crateBody := []byte("serde-crate-bytes")
	goodSum := sha256.Sum256(crateBody)
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/crates/serde/serde-1.0.200.crate" {
			http.NotFound(w, r)
			return
		}
		w.Write(crateBody)
	}))
	defer upstream.Close()

	env := newTestEnv(t, "http://unused.invalid", nil, func(o *server.Options) {
		o.CratesStaticURL = upstream.URL
		o.Digests = stubDigests{crateSum: hex.EncodeToString(goodSum[:])}
	})

	resp, body := get(t, env.srv.URL+"/api/v1/crates/serde/1.0.200/download")
	if resp.StatusCode != 200 {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if diff := cmp.Diff(crateBody, body); diff != "" {
		t.Fatalf("body mismatch (-want +got):\n%s", diff)
	}
	asset, err := env.inv.GetAsset(context.Background(), inventory.AssetKey{Kind: inventory.KindCrate, Name: "serde", Version: "1.0.200"})
	if err != nil {
		t.Fatal(err)
	}
	if asset.SHA256 != hex.EncodeToString(goodSum[:]) {
		t.Fatalf("stored sha256 = %s, want published cksum", asset.SHA256)
	}
}

func TestCrateDownloadChecksumMismatch(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("corrupted-bytes"))
	}))
	defer upstream.Close()

	env := newTestEnv(t, "http://unused.invalid", nil, func(o *server.Options) {
		o.CratesStaticURL = upstream.URL
		o.Digests = stubDigests{crateSum: "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855"}
	})

	// Bytes stream through before the digest can be checked, so the failure
	// surfaces as a truncated transfer rather than an error status.
	resp, err := http.Get(env.srv.URL + "/api/v1/crates/serde/1.0.200/download")
	if err == nil {
		_, rerr := io.ReadAll(resp.Body)
		resp.Body.Close()
		if rerr == nil {
			t.Fatal("expected truncated response after digest mismatch")
		}
	}
	// No row may exist for bytes that failed verification.
	if _, err := env.inv.GetAsset(context.Background(), inventory.AssetKey{Kind: inventory.KindCrate, Name: "serde", Version: "1.0.200"}); err == nil {
		t.Fatal("CachedAsset row exists despite digest mismatch")
	}
}

func TestIndexRevalidation(t *testing.T) {
	var upstreamCalls atomic.Int64
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		upstreamCalls.Add(1)
		if r.Header.Get("If-None-Match") == `"v1"` {
			w.WriteHeader(http.StatusNotModified)
			return
		}
		w.Header().Set("ETag", `"v1"`)
		io.WriteString(w, `{"name":"left-pad"}`)
	}))
	defer upstream.Close()

	env := newTestEnv(t, "http://unused.invalid", nil, func(o *server.Options) {
		o.NPMRegistryURL = upstream.URL
	})

	// First fetch populates the cache.
	resp, body := get(t, env.srv.URL+"/npm/left-pad")
	if resp.StatusCode != 200 || string(body) != `{"name":"left-pad"}` {
		t.Fatalf("first fetch = %d %q", resp.StatusCode, body)
	}
	// Within the TTL the cached copy is served without an upstream call.
	resp, _ = get(t, env.srv.URL+"/npm/left-pad")
	if resp.StatusCode != 200 {
		t.Fatalf("cached fetch status = %d", resp.StatusCode)
	}
	if n := upstreamCalls.Load(); n != 1 {
		t.Fatalf("upstream calls within TTL = %d, want 1", n)
	}
}

func TestCorruptCacheRecovery(t *testing.T) {
	gemBody := []byte("authentic-gem-bytes")
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(gemBody)
	}))
	defer upstream.Close()
	env := newTestEnv(t, upstream.URL, nil, nil)

	// Populate, then corrupt the on-disk file by truncating it.
	if resp, _ := get(t, env.srv.URL+"/gems/rails-8.0.1.gem"); resp.StatusCode != 200 {
		t.Fatal("populate failed")
	}
	asset, err := env.inv.GetAsset(context.Background(), inventory.AssetKey{Kind: inventory.KindGem, Name: "rails", Version: "8.0.1"})
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(env.store.Root(), asset.Path), []byte("short"), 0o644); err != nil {
		t.Fatal(err)
	}

	// The next hit detects the size mismatch and retries as a miss.
	resp, body := get(t, env.srv.URL+"/gems/rails-8.0.1.gem")
	if resp.StatusCode != 200 {
		t.Fatalf("recovery status = %d, want 200", resp.StatusCode)
	}
	if diff := cmp.Diff(gemBody, body); diff != "" {
		t.Fatalf("recovered body mismatch (-want +got):\n%s", diff)
	}
}
