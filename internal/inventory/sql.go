// Copyright 2025 Google LLC
// SPDX-License-Identifier: Apache-2.0

package inventory

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

// SQLInventory implements Inventory over SQLite or PostgreSQL via sqlx.
// Dialect differences (placeholder style, upsert syntax) are isolated here;
// nothing outside this file sees *sql.DB, sql.ErrNoRows, or a driver name.
type SQLInventory struct {
	db      *sqlx.DB
	dialect string // "sqlite" or "postgres"
}

// OpenSQLite opens (creating if necessary) a SQLite-backed inventory at path.
func OpenSQLite(path string) (*SQLInventory, error) {
	db, err := sqlx.Open("sqlite", path)
	if err != nil {
		return nil, errors.Wrap(err, "opening sqlite inventory")
	}
	db.SetMaxOpenConns(1) // modernc.org/sqlite serializes writers; avoid lock contention
	inv := &SQLInventory{db: db, dialect: "sqlite"}
	if err := inv.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return inv, nil
}

// OpenPostgres opens a PostgreSQL-backed inventory at the given URL.
func OpenPostgres(url string) (*SQLInventory, error) {
	db, err := sqlx.Open("postgres", url)
	if err != nil {
		return nil, errors.Wrap(err, "opening postgres inventory")
	}
	inv := &SQLInventory{db: db, dialect: "postgres"}
	if err := inv.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return inv, nil
}

// rebind converts a query written with "?" placeholders into the dialect's
// native placeholder style (sqlx.Rebind handles "?" -> "$1" for postgres).
func (inv *SQLInventory) rebind(query string) string {
	switch inv.dialect {
	case "postgres":
		return sqlx.Rebind(sqlx.DOLLAR, query)
	default:
		return sqlx.Rebind(sqlx.QUESTION, query)
	}
}

func (inv *SQLInventory) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS cached_assets (
			kind TEXT NOT NULL,
			name TEXT NOT NULL,
			version TEXT NOT NULL,
			platform TEXT NOT NULL DEFAULT '',
			path TEXT NOT NULL,
			sha256 TEXT NOT NULL,
			size_bytes BIGINT NOT NULL,
			last_accessed TIMESTAMP NOT NULL,
			etag TEXT NOT NULL DEFAULT '',
			fetched_at TIMESTAMP NOT NULL,
			PRIMARY KEY (kind, name, version, platform)
		)`,
		`CREATE TABLE IF NOT EXISTS gem_versions (
			name TEXT NOT NULL,
			version TEXT NOT NULL,
			platform TEXT NOT NULL DEFAULT '',
			published_at TIMESTAMP NOT NULL,
			available_after TIMESTAMP NOT NULL,
			status TEXT NOT NULL,
			status_reason TEXT NOT NULL DEFAULT '',
			upstream_yanked BOOLEAN NOT NULL DEFAULT FALSE,
			PRIMARY KEY (name, version, platform)
		)`,
		`CREATE TABLE IF NOT EXISTS gem_metadata (
			name TEXT NOT NULL,
			version TEXT NOT NULL,
			platform TEXT NOT NULL DEFAULT '',
			sbom_json TEXT NOT NULL DEFAULT '',
			dependencies_json TEXT NOT NULL DEFAULT '',
			native_extension BOOLEAN NOT NULL DEFAULT FALSE,
			licenses_json TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMP NOT NULL,
			PRIMARY KEY (name, version, platform)
		)`,
		`CREATE TABLE IF NOT EXISTS catalog_gems (
			name TEXT PRIMARY KEY,
			latest_version TEXT NOT NULL,
			synced_at TIMESTAMP NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS pinned_versions (
			name TEXT NOT NULL,
			version TEXT NOT NULL,
			reason TEXT NOT NULL DEFAULT '',
			PRIMARY KEY (name, version)
		)`,
	}
	for _, s := range stmts {
		if _, err := inv.db.Exec(s); err != nil {
			return errors.Wrapf(err, "running migration: %s", s)
		}
	}
	return nil
}

func (inv *SQLInventory) GetAsset(ctx context.Context, key AssetKey) (*CachedAsset, error) {
	var row CachedAsset
	q := inv.rebind(`SELECT kind, name, version, platform, path, sha256, size_bytes, last_accessed, etag, fetched_at
		FROM cached_assets WHERE kind = ? AND name = ? AND version = ? AND platform = ?`)
	err := inv.db.GetContext(ctx, &row, q, key.Kind, key.Name, key.Version, key.Platform)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "get asset")
	}
	return &row, nil
}

func (inv *SQLInventory) PutAsset(ctx context.Context, row CachedAsset) error {
	var q string
	switch inv.dialect {
	case "postgres":
		q = `INSERT INTO cached_assets (kind, name, version, platform, path, sha256, size_bytes, last_accessed, etag, fetched_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (kind, name, version, platform) DO UPDATE SET
				path = EXCLUDED.path, sha256 = EXCLUDED.sha256, size_bytes = EXCLUDED.size_bytes,
				last_accessed = EXCLUDED.last_accessed, etag = EXCLUDED.etag, fetched_at = EXCLUDED.fetched_at`
	default:
		q = `INSERT INTO cached_assets (kind, name, version, platform, path, sha256, size_bytes, last_accessed, etag, fetched_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (kind, name, version, platform) DO UPDATE SET
				path = excluded.path, sha256 = excluded.sha256, size_bytes = excluded.size_bytes,
				last_accessed = excluded.last_accessed, etag = excluded.etag, fetched_at = excluded.fetched_at`
	}
	_, err := inv.db.ExecContext(ctx, inv.rebind(q), row.Kind, row.Name, row.Version, row.Platform,
		row.Path, row.SHA256, row.SizeBytes, row.LastAccessed, row.ETag, row.FetchedAt)
	return errors.Wrap(err, "put asset")
}

func (inv *SQLInventory) TouchAsset(ctx context.Context, key AssetKey, at time.Time) error {
	q := inv.rebind(`UPDATE cached_assets SET last_accessed = ? WHERE kind = ? AND name = ? AND version = ? AND platform = ? AND last_accessed < ?`)
	_, err := inv.db.ExecContext(ctx, q, at, key.Kind, key.Name, key.Version, key.Platform, at)
	return errors.Wrap(err, "touch asset")
}

func (inv *SQLInventory) GetGemVersion(ctx context.Context, key GemVersionKey) (*GemVersion, error) {
	var row GemVersion
	q := inv.rebind(`SELECT name, version, platform, published_at, available_after, status, status_reason, upstream_yanked
		FROM gem_versions WHERE name = ? AND version = ? AND platform = ?`)
	err := inv.db.GetContext(ctx, &row, q, key.Name, key.Version, key.Platform)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "get gem version")
	}
	return &row, nil
}

func (inv *SQLInventory) UpsertGemVersion(ctx context.Context, row GemVersion) error {
	var q string
	switch inv.dialect {
	case "postgres":
		q = `INSERT INTO gem_versions (name, version, platform, published_at, available_after, status, status_reason, upstream_yanked)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (name, version, platform) DO UPDATE SET
				available_after = EXCLUDED.available_after, status = EXCLUDED.status,
				status_reason = EXCLUDED.status_reason, upstream_yanked = EXCLUDED.upstream_yanked`
	default:
		q = `INSERT INTO gem_versions (name, version, platform, published_at, available_after, status, status_reason, upstream_yanked)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (name, version, platform) DO UPDATE SET
				available_after = excluded.available_after, status = excluded.status,
				status_reason = excluded.status_reason, upstream_yanked = excluded.upstream_yanked`
	}
	_, err := inv.db.ExecContext(ctx, inv.rebind(q), row.Name, row.Version, row.Platform,
		row.PublishedAt, row.AvailableAfter, row.Status, row.StatusReason, row.UpstreamYanked)
	return errors.Wrap(err, "upsert gem version")
}

func (inv *SQLInventory) ListGemVersions(ctx context.Context, name string) ([]GemVersion, error) {
	var rows []GemVersion
	q := inv.rebind(`SELECT name, version, platform, published_at, available_after, status, status_reason, upstream_yanked
		FROM gem_versions WHERE name = ? ORDER BY published_at`)
	if err := inv.db.SelectContext(ctx, &rows, q, name); err != nil {
		return nil, errors.Wrap(err, "list gem versions")
	}
	return rows, nil
}

// PromoteDue moves all quarantine rows whose available_after has elapsed to
// available, within a single transaction (spec.md §4.5).
func (inv *SQLInventory) PromoteDue(ctx context.Context, now time.Time) (int, error) {
	tx, err := inv.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, errors.Wrap(err, "begin promote tx")
	}
	defer tx.Rollback()
	q := inv.rebind(`UPDATE gem_versions SET status = ? WHERE status = ? AND available_after <= ?`)
	res, err := tx.ExecContext(ctx, q, StatusAvailable, StatusQuarantine, now)
	if err != nil {
		return 0, errors.Wrap(err, "promote due versions")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, errors.Wrap(err, "counting promoted rows")
	}
	if err := tx.Commit(); err != nil {
		return 0, errors.Wrap(err, "commit promote tx")
	}
	return int(n), nil
}

func (inv *SQLInventory) ListRecentlyPromoted(ctx context.Context, limit int) ([]GemVersion, error) {
	var rows []GemVersion
	q := inv.rebind(`SELECT name, version, platform, published_at, available_after, status, status_reason, upstream_yanked
		FROM gem_versions WHERE status = ? ORDER BY available_after DESC LIMIT ?`)
	if err := inv.db.SelectContext(ctx, &rows, q, StatusAvailable, limit); err != nil {
		return nil, errors.Wrap(err, "list recently promoted")
	}
	return rows, nil
}

func (inv *SQLInventory) GetPinned(ctx context.Context, name, version string) (*Pinned, error) {
	var row Pinned
	q := inv.rebind(`SELECT name, version, reason FROM pinned_versions WHERE name = ? AND version = ?`)
	err := inv.db.GetContext(ctx, &row, q, name, version)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "get pinned")
	}
	return &row, nil
}

func (inv *SQLInventory) PutPinned(ctx context.Context, row Pinned) error {
	var q string
	switch inv.dialect {
	case "postgres":
		q = `INSERT INTO pinned_versions (name, version, reason) VALUES (?, ?, ?)
			ON CONFLICT (name, version) DO UPDATE SET reason = EXCLUDED.reason`
	default:
		q = `INSERT INTO pinned_versions (name, version, reason) VALUES (?, ?, ?)
			ON CONFLICT (name, version) DO UPDATE SET reason = excluded.reason`
	}
	_, err := inv.db.ExecContext(ctx, inv.rebind(q), row.Name, row.Version, row.Reason)
	return errors.Wrap(err, "put pinned")
}

func (inv *SQLInventory) ListCatalog(ctx context.Context, prefix string, page, pageSize int) ([]CatalogGem, error) {
	var rows []CatalogGem
	q := inv.rebind(`SELECT name, latest_version, synced_at FROM catalog_gems WHERE name LIKE ? ORDER BY name LIMIT ? OFFSET ?`)
	if err := inv.db.SelectContext(ctx, &rows, q, strings.TrimSuffix(prefix, "%")+"%", pageSize, page*pageSize); err != nil {
		return nil, errors.Wrap(err, "list catalog")
	}
	return rows, nil
}

func (inv *SQLInventory) UpsertCatalogGem(ctx context.Context, row CatalogGem) error {
	var q string
	switch inv.dialect {
	case "postgres":
		q = `INSERT INTO catalog_gems (name, latest_version, synced_at) VALUES (?, ?, ?)
			ON CONFLICT (name) DO UPDATE SET latest_version = EXCLUDED.latest_version, synced_at = EXCLUDED.synced_at`
	default:
		q = `INSERT INTO catalog_gems (name, latest_version, synced_at) VALUES (?, ?, ?)
			ON CONFLICT (name) DO UPDATE SET latest_version = excluded.latest_version, synced_at = excluded.synced_at`
	}
	_, err := inv.db.ExecContext(ctx, inv.rebind(q), row.Name, row.LatestVersion, row.SyncedAt)
	return errors.Wrap(err, "upsert catalog gem")
}

func (inv *SQLInventory) PutMetadata(ctx context.Context, row GemMetadata) error {
	var q string
	switch inv.dialect {
	case "postgres":
		q = `INSERT INTO gem_metadata (name, version, platform, sbom_json, dependencies_json, native_extension, licenses_json, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (name, version, platform) DO UPDATE SET sbom_json = EXCLUDED.sbom_json, dependencies_json = EXCLUDED.dependencies_json`
	default:
		q = `INSERT INTO gem_metadata (name, version, platform, sbom_json, dependencies_json, native_extension, licenses_json, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (name, version, platform) DO UPDATE SET sbom_json = excluded.sbom_json, dependencies_json = excluded.dependencies_json`
	}
	_, err := inv.db.ExecContext(ctx, inv.rebind(q), row.Name, row.Version, row.Platform,
		row.SBOMJSON, row.DependenciesJSON, row.NativeExtension, row.LicensesJSON, row.CreatedAt)
	return errors.Wrap(err, "put metadata")
}

func (inv *SQLInventory) GetMetadata(ctx context.Context, name, version, platform string) (*GemMetadata, error) {
	var row GemMetadata
	q := inv.rebind(`SELECT name, version, platform, sbom_json, dependencies_json, native_extension, licenses_json, created_at
		FROM gem_metadata WHERE name = ? AND version = ? AND platform = ?`)
	err := inv.db.GetContext(ctx, &row, q, name, version, platform)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "get metadata")
	}
	return &row, nil
}

func (inv *SQLInventory) ListGemVersionsByStatus(ctx context.Context, status GemVersionStatus, limit int) ([]GemVersion, error) {
	var rows []GemVersion
	q := inv.rebind(`SELECT name, version, platform, published_at, available_after, status, status_reason, upstream_yanked
		FROM gem_versions WHERE status = ? ORDER BY available_after, name, version LIMIT ?`)
	if err := inv.db.SelectContext(ctx, &rows, q, status, limit); err != nil {
		return nil, errors.Wrap(err, "list gem versions by status")
	}
	return rows, nil
}

func (inv *SQLInventory) Stats(ctx context.Context) (*Stats, error) {
	var s Stats
	row := struct {
		Count int           `db:"count"`
		Bytes sql.NullInt64 `db:"bytes"`
	}{}
	if err := inv.db.GetContext(ctx, &row, `SELECT COUNT(*) AS count, SUM(size_bytes) AS bytes FROM cached_assets`); err != nil {
		return nil, errors.Wrap(err, "counting cached assets")
	}
	s.TotalAssets = row.Count
	s.TotalBytes = row.Bytes.Int64
	counts := []struct {
		Status GemVersionStatus `db:"status"`
		Count  int              `db:"count"`
	}{}
	if err := inv.db.SelectContext(ctx, &counts, `SELECT status, COUNT(*) AS count FROM gem_versions GROUP BY status`); err != nil {
		return nil, errors.Wrap(err, "counting gem versions")
	}
	for _, c := range counts {
		switch c.Status {
		case StatusQuarantine:
			s.QuarantinedGems = c.Count
		case StatusAvailable, StatusApproved:
			s.AvailableGems += c.Count
		case StatusBlocked:
			s.BlockedGems = c.Count
		}
	}
	return &s, nil
}

func (inv *SQLInventory) Ping(ctx context.Context) error {
	return errors.Wrap(inv.db.PingContext(ctx), "inventory ping")
}

func (inv *SQLInventory) Close() error {
	return inv.db.Close()
}

var _ Inventory = (*SQLInventory)(nil)
