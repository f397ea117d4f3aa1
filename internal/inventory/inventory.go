// Copyright 2025 Google LLC
// SPDX-License-Identifier: Apache-2.0

package inventory

import (
	"context"
	"time"

	"github.com/pkg/errors"
)

// ErrNotFound is returned when a lookup finds no matching row.
var ErrNotFound = errors.New("inventory: not found")

// Inventory is the narrow contract SQLite and PostgreSQL backends satisfy
// (spec.md §4.7). No dialect-specific type crosses this boundary.
type Inventory interface {
	GetAsset(ctx context.Context, key AssetKey) (*CachedAsset, error)
	PutAsset(ctx context.Context, row CachedAsset) error
	TouchAsset(ctx context.Context, key AssetKey, at time.Time) error

	GetGemVersion(ctx context.Context, key GemVersionKey) (*GemVersion, error)
	UpsertGemVersion(ctx context.Context, row GemVersion) error
	ListGemVersions(ctx context.Context, name string) ([]GemVersion, error)
	ListGemVersionsByStatus(ctx context.Context, status GemVersionStatus, limit int) ([]GemVersion, error)
	PromoteDue(ctx context.Context, now time.Time) (int, error)
	ListRecentlyPromoted(ctx context.Context, limit int) ([]GemVersion, error)

	GetPinned(ctx context.Context, name, version string) (*Pinned, error)
	PutPinned(ctx context.Context, row Pinned) error

	ListCatalog(ctx context.Context, prefix string, page int, pageSize int) ([]CatalogGem, error)
	UpsertCatalogGem(ctx context.Context, row CatalogGem) error

	PutMetadata(ctx context.Context, row GemMetadata) error
	GetMetadata(ctx context.Context, name, version, platform string) (*GemMetadata, error)

	// Stats summarizes inventory contents for `vein stats` and the admin
	// dashboard. Request counters (legacy rejections, hits/misses) live in
	// the Prometheus registry, not here.
	Stats(ctx context.Context) (*Stats, error)

	// Ping verifies the backend is reachable, used by the /up liveness check.
	Ping(ctx context.Context) error
	Close() error
}

// Stats summarizes inventory contents for the `vein stats` CLI command and
// admin dashboard.
type Stats struct {
	TotalAssets     int
	TotalBytes      int64
	QuarantinedGems int
	AvailableGems   int
	BlockedGems     int
}
