// Copyright 2025 Google LLC
// SPDX-License-Identifier: Apache-2.0

// Package inventory defines the relational metadata store behind Vein's
// cache: CachedAsset rows, GemVersion quarantine state, GemMetadata, the
// admin catalog browse table, and pinned-version overrides.
package inventory

import "time"

// AssetKind identifies which ecosystem/shape a CachedAsset or index entry
// belongs to.
type AssetKind string

const (
	KindGem            AssetKind = "gem"
	KindGemspec        AssetKind = "gemspec"
	KindCrate          AssetKind = "crate"
	KindNPMTarball     AssetKind = "npm-tarball"
	KindRubyGemsIndex  AssetKind = "rubygems-index"
	KindCratesIndex    AssetKind = "crates-index"
	KindNPMMeta        AssetKind = "npm-meta"
)

// AssetKey identifies a single cached artifact or index document.
type AssetKey struct {
	Kind     AssetKind
	Name     string
	Version  string
	Platform string
}

// CachedAsset is the unit of stored artifact content (spec.md §3).
type CachedAsset struct {
	Kind          AssetKind `db:"kind"`
	Name          string    `db:"name"`
	Version       string    `db:"version"`
	Platform      string    `db:"platform"`
	Path          string    `db:"path"`
	SHA256        string    `db:"sha256"`
	SizeBytes     int64     `db:"size_bytes"`
	LastAccessed  time.Time `db:"last_accessed"`
	ETag          string    `db:"etag"`
	FetchedAt     time.Time `db:"fetched_at"`
}

func (a CachedAsset) Key() AssetKey {
	return AssetKey{Kind: a.Kind, Name: a.Name, Version: a.Version, Platform: a.Platform}
}

// GemVersionStatus is the quarantine lifecycle state of a GemVersion.
type GemVersionStatus string

const (
	StatusQuarantine GemVersionStatus = "quarantine"
	StatusAvailable  GemVersionStatus = "available"
	StatusBlocked    GemVersionStatus = "blocked"
	StatusApproved   GemVersionStatus = "approved"
	StatusYanked     GemVersionStatus = "yanked"
)

// Releasable reports whether a version in this status is returned in
// rewritten RubyGems indexes (absent a Pinned override).
func (s GemVersionStatus) Releasable() bool {
	return s == StatusAvailable || s == StatusApproved
}

// GemVersion is a quarantine-tracked RubyGems release (spec.md §3).
type GemVersion struct {
	Name          string           `db:"name"`
	Version       string           `db:"version"`
	Platform      string           `db:"platform"`
	PublishedAt   time.Time        `db:"published_at"`
	AvailableAfter time.Time       `db:"available_after"`
	Status        GemVersionStatus `db:"status"`
	StatusReason  string           `db:"status_reason"`
	UpstreamYanked bool            `db:"upstream_yanked"`
}

// GemVersionKey identifies a GemVersion row.
type GemVersionKey struct {
	Name     string
	Version  string
	Platform string
}

func (v GemVersion) Key() GemVersionKey {
	return GemVersionKey{Name: v.Name, Version: v.Version, Platform: v.Platform}
}

// GemMetadata is parsed from a .gemspec on first cache (spec.md §3).
type GemMetadata struct {
	Name             string    `db:"name"`
	Version          string    `db:"version"`
	Platform         string    `db:"platform"`
	SBOMJSON         string    `db:"sbom_json"`
	DependenciesJSON string    `db:"dependencies_json"`
	NativeExtension  bool      `db:"native_extension"`
	LicensesJSON     string    `db:"licenses_json"`
	CreatedAt        time.Time `db:"created_at"`
}

// CatalogGem drives the admin catalog browse (spec.md §3).
type CatalogGem struct {
	Name          string    `db:"name"`
	LatestVersion string    `db:"latest_version"`
	SyncedAt      time.Time `db:"synced_at"`
}

// Pinned overrides quarantine for a specific (name, version): always
// treated as available regardless of available_after (spec.md §3).
type Pinned struct {
	Name    string `db:"name"`
	Version string `db:"version"`
	Reason  string `db:"reason"`
}
