// Copyright 2025 Google LLC
// SPDX-License-Identifier: Apache-2.0

package inventory

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/pkg/errors"
)

func newTestInventory(t *testing.T) *SQLInventory {
	t.Helper()
	inv, err := OpenSQLite(filepath.Join(t.TempDir(), "inventory.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { inv.Close() })
	return inv
}

func TestAssetRoundTrip(t *testing.T) {
	inv := newTestInventory(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Second)

	key := AssetKey{Kind: KindGem, Name: "rails", Version: "8.0.1"}
	if _, err := inv.GetAsset(ctx, key); !errors.Is(err, ErrNotFound) {
		t.Fatalf("GetAsset before insert: %v, want ErrNotFound", err)
	}

	row := CachedAsset{
		Kind: KindGem, Name: "rails", Version: "8.0.1",
		Path: "rubygems/gems/rails-8.0.1.gem", SHA256: "abc", SizeBytes: 42,
		LastAccessed: now, FetchedAt: now,
	}
	if err := inv.PutAsset(ctx, row); err != nil {
		t.Fatal(err)
	}
	got, err := inv.GetAsset(ctx, key)
	if err != nil {
		t.Fatal(err)
	}
	if got.Path != row.Path || got.SHA256 != row.SHA256 || got.SizeBytes != row.SizeBytes {
		t.Fatalf("round trip = %+v, want %+v", got, row)
	}

	// Re-putting the same key replaces, not duplicates.
	row.SHA256 = "def"
	if err := inv.PutAsset(ctx, row); err != nil {
		t.Fatal(err)
	}
	got, err = inv.GetAsset(ctx, key)
	if err != nil {
		t.Fatal(err)
	}
	if got.SHA256 != "def" {
		t.Fatalf("sha256 after upsert = %s, want def", got.SHA256)
	}
	st, err := inv.Stats(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if st.TotalAssets != 1 {
		t.Fatalf("TotalAssets = %d, want 1", st.TotalAssets)
	}
}

func TestTouchAssetMonotonic(t *testing.T) {
	inv := newTestInventory(t)
	ctx := context.Background()
	t0 := time.Now().UTC().Truncate(time.Second)
	key := AssetKey{Kind: KindCrate, Name: "serde", Version: "1.0.200"}
	row := CachedAsset{Kind: KindCrate, Name: "serde", Version: "1.0.200", Path: "p", SHA256: "s", LastAccessed: t0, FetchedAt: t0}
	if err := inv.PutAsset(ctx, row); err != nil {
		t.Fatal(err)
	}

	later := t0.Add(time.Minute)
	if err := inv.TouchAsset(ctx, key, later); err != nil {
		t.Fatal(err)
	}
	got, _ := inv.GetAsset(ctx, key)
	if !got.LastAccessed.Equal(later) {
		t.Fatalf("LastAccessed = %v, want %v", got.LastAccessed, later)
	}

	// A touch with an earlier timestamp never moves last_accessed backwards.
	if err := inv.TouchAsset(ctx, key, t0); err != nil {
		t.Fatal(err)
	}
	got, _ = inv.GetAsset(ctx, key)
	if !got.LastAccessed.Equal(later) {
		t.Fatalf("LastAccessed moved backwards to %v", got.LastAccessed)
	}
}

func TestGemVersionLifecycle(t *testing.T) {
	inv := newTestInventory(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Second)

	due := GemVersion{Name: "rails", Version: "8.0.0", PublishedAt: now.Add(-72 * time.Hour), AvailableAfter: now.Add(-time.Hour), Status: StatusQuarantine}
	pending := GemVersion{Name: "rails", Version: "8.0.1", PublishedAt: now, AvailableAfter: now.Add(72 * time.Hour), Status: StatusQuarantine}
	blocked := GemVersion{Name: "nokogiri", Version: "1.16.0", PublishedAt: now, AvailableAfter: now, Status: StatusBlocked, StatusReason: "CVE pending"}
	for _, gv := range []GemVersion{due, pending, blocked} {
		if err := inv.UpsertGemVersion(ctx, gv); err != nil {
			t.Fatal(err)
		}
	}

	n, err := inv.PromoteDue(ctx, now)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("PromoteDue = %d, want 1", n)
	}
	got, err := inv.GetGemVersion(ctx, GemVersionKey{Name: "rails", Version: "8.0.0"})
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != StatusAvailable {
		t.Fatalf("due version status = %s, want available", got.Status)
	}
	got, _ = inv.GetGemVersion(ctx, GemVersionKey{Name: "rails", Version: "8.0.1"})
	if got.Status != StatusQuarantine {
		t.Fatalf("pending version status = %s, want quarantine", got.Status)
	}
	got, _ = inv.GetGemVersion(ctx, GemVersionKey{Name: "nokogiri", Version: "1.16.0"})
	if got.Status != StatusBlocked {
		t.Fatalf("blocked version status = %s, want blocked", got.Status)
	}

	inQuarantine, err := inv.ListGemVersionsByStatus(ctx, StatusQuarantine, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(inQuarantine) != 1 || inQuarantine[0].Version != "8.0.1" {
		t.Fatalf("ListGemVersionsByStatus = %+v", inQuarantine)
	}

	st, err := inv.Stats(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if st.QuarantinedGems != 1 || st.AvailableGems != 1 || st.BlockedGems != 1 {
		t.Fatalf("Stats = %+v", st)
	}
}

func TestPinnedRoundTrip(t *testing.T) {
	inv := newTestInventory(t)
	ctx := context.Background()
	if _, err := inv.GetPinned(ctx, "rails", "8.0.1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("GetPinned before insert: %v", err)
	}
	if err := inv.PutPinned(ctx, Pinned{Name: "rails", Version: "8.0.1", Reason: "hotfix"}); err != nil {
		t.Fatal(err)
	}
	p, err := inv.GetPinned(ctx, "rails", "8.0.1")
	if err != nil {
		t.Fatal(err)
	}
	if p.Reason != "hotfix" {
		t.Fatalf("Reason = %q", p.Reason)
	}
}

func TestCatalogPaging(t *testing.T) {
	inv := newTestInventory(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Second)
	for _, name := range []string{"rack", "rails", "rake", "sidekiq"} {
		if err := inv.UpsertCatalogGem(ctx, CatalogGem{Name: name, LatestVersion: "1.0.0", SyncedAt: now}); err != nil {
			t.Fatal(err)
		}
	}
	page, err := inv.ListCatalog(ctx, "ra", 0, 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(page) != 2 || page[0].Name != "rack" || page[1].Name != "rails" {
		t.Fatalf("page 0 = %+v", page)
	}
	page, err = inv.ListCatalog(ctx, "ra", 1, 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(page) != 1 || page[0].Name != "rake" {
		t.Fatalf("page 1 = %+v", page)
	}
}

func TestMetadataRoundTrip(t *testing.T) {
	inv := newTestInventory(t)
	ctx := context.Background()
	row := GemMetadata{
		Name: "rails", Version: "8.0.1", Platform: "ruby",
		SBOMJSON: `{"bomFormat":"CycloneDX"}`, LicensesJSON: `["MIT"]`,
		CreatedAt: time.Now().UTC().Truncate(time.Second),
	}
	if err := inv.PutMetadata(ctx, row); err != nil {
		t.Fatal(err)
	}
	got, err := inv.GetMetadata(ctx, "rails", "8.0.1", "ruby")
	if err != nil {
		t.Fatal(err)
	}
	if got.SBOMJSON != row.SBOMJSON {
		t.Fatalf("SBOMJSON = %q", got.SBOMJSON)
	}
	if _, err := inv.GetMetadata(ctx, "rails", "8.0.1", "java"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("metadata for wrong platform: %v", err)
	}
}
