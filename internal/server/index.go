// Copyright 2025 Google LLC
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"compress/gzip"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/veinproxy/vein/internal/inventory"
	"github.com/veinproxy/vein/internal/metrics"
	"github.com/veinproxy/vein/internal/resolver"
	"github.com/veinproxy/vein/internal/route"
	"github.com/veinproxy/vein/internal/storage"
)

// serveIndex executes an index-kind decision: first fetch, conditional
// revalidation, or rewritten RubyGems compact index (spec.md §4.2 rule 2).
func (s *Server) serveIndex(w http.ResponseWriter, r *http.Request, m route.Match, d resolver.Decision, log *slog.Logger) {
	if d.Asset == nil {
		metrics.RecordCacheMiss(m.Kind.Ecosystem().String())
	}
	body, err := s.fetchIndexBody(r.Context(), m, d)
	if err != nil {
		s.upstreamError(w, m, log, err)
		return
	}
	if d.Rewrite {
		s.serveIndexBody(w, r, m, body, log)
		return
	}
	writeBody(w, r, contentTypeFor(m.Kind), body)
}

// fetchIndexBody returns the current upstream index body, revalidating a
// cached copy with If-None-Match when one exists and replacing the stored
// copy on a 200. Index bodies are decoded before storing so the rewriter
// operates on plain text (spec.md §4.6).
func (s *Server) fetchIndexBody(ctx context.Context, m route.Match, d resolver.Decision) ([]byte, error) {
	client := s.clients[m.Kind.Ecosystem()]

	var resp *http.Response
	var err error
	if d.Asset != nil {
		resp, err = client.ConditionalGet(ctx, d.UpstreamURL, d.ETag, "")
	} else {
		resp, err = client.Get(ctx, d.UpstreamURL)
	}
	if err != nil {
		return nil, errors.Wrap(err, "fetching index")
	}
	defer resp.Body.Close()

	if d.Asset != nil && resp.StatusCode == http.StatusNotModified {
		refreshed := *d.Asset
		refreshed.FetchedAt = s.now()
		refreshed.LastAccessed = s.now()
		if perr := s.inv.PutAsset(ctx, refreshed); perr != nil {
			return nil, errors.Wrap(perr, "bumping index TTL")
		}
		f, oerr := s.store.Open(d.Asset.Path)
		if oerr != nil {
			return nil, oerr
		}
		defer f.Close()
		body, rerr := io.ReadAll(f)
		return body, errors.Wrap(rerr, "reading cached index")
	}
	if resp.StatusCode != http.StatusOK {
		return nil, errors.Errorf("upstream responded %s", resp.Status)
	}

	var reader io.Reader = resp.Body
	if strings.Contains(resp.Header.Get("Content-Encoding"), "gzip") {
		gz, gerr := gzip.NewReader(resp.Body)
		if gerr != nil {
			return nil, errors.Wrap(gerr, "decoding gzip index body")
		}
		defer gz.Close()
		reader = gz
	}
	body, err := io.ReadAll(reader)
	if err != nil {
		return nil, errors.Wrap(err, "reading index body")
	}

	key := d.Key
	if d.Asset != nil {
		key = d.Asset.Key()
	}
	if err := s.storeIndexBody(ctx, key, m, body, resp.Header.Get("ETag")); err != nil {
		return nil, err
	}
	if m.Kind == route.RubyGemsVersions {
		s.infoCache.Clear()
	}
	return body, nil
}

// storeIndexBody commits the raw upstream body file-first, row-second
// (spec.md §4.7 Concurrency). The stored form is always the unrewritten
// upstream body: rewriting happens on every serve so policy changes apply
// immediately.
func (s *Server) storeIndexBody(ctx context.Context, key inventory.AssetKey, m route.Match, body []byte, etag string) error {
	tmp, err := s.store.CreateTemp()
	if err != nil {
		return err
	}
	if _, err := tmp.Write(body); err != nil {
		tmp.Abort()
		return errors.Wrap(err, "writing index temp file")
	}
	rel := storage.FinalPath(key, indexFilename(m))
	if err := tmp.Commit(rel); err != nil {
		return err
	}
	sum := sha256.Sum256(body)
	row := inventory.CachedAsset{
		Kind:         key.Kind,
		Name:         key.Name,
		Version:      key.Version,
		Platform:     key.Platform,
		Path:         rel,
		SHA256:       hex.EncodeToString(sum[:]),
		SizeBytes:    int64(len(body)),
		LastAccessed: s.now(),
		ETag:         etag,
		FetchedAt:    s.now(),
	}
	return errors.Wrap(s.inv.PutAsset(ctx, row), "recording index asset")
}

// Refresh re-fetches the /versions changelog, tracks any newly revealed
// versions under the quarantine policy, and refreshes the admin catalog.
// Driven by `vein cache refresh` and the hotcache schedule.
func (s *Server) Refresh(ctx context.Context) error {
	m := route.Match{Kind: route.RubyGemsVersions}
	d, err := s.resolver.Resolve(ctx, m)
	if err != nil {
		return err
	}
	var body []byte
	if d.Kind == resolver.ServeCached {
		f, oerr := s.store.Open(d.Asset.Path)
		if oerr != nil {
			return oerr
		}
		body, err = io.ReadAll(f)
		f.Close()
		if err != nil {
			return errors.Wrap(err, "reading cached versions body")
		}
	} else {
		body, err = s.fetchIndexBody(ctx, m, d)
		if err != nil {
			return err
		}
	}

	now := s.now()
	for _, line := range strings.Split(string(body), "\n") {
		fields := strings.SplitN(line, " ", 3)
		if len(fields) != 3 {
			continue
		}
		name, tokens := fields[0], strings.Split(fields[1], ",")
		latest := ""
		for _, tok := range tokens {
			version, platform := splitVersionToken(tok)
			if s.cfg.DelayPolicy.Enabled {
				if _, terr := s.scheduler.EnsureTracked(ctx, name, version, platform, now); terr != nil {
					return errors.Wrapf(terr, "tracking %s %s", name, version)
				}
			}
			if platform == "" {
				latest = version
			}
		}
		if latest == "" {
			continue
		}
		row := inventory.CatalogGem{Name: name, LatestVersion: latest, SyncedAt: now}
		if cerr := s.inv.UpsertCatalogGem(ctx, row); cerr != nil {
			return errors.Wrapf(cerr, "refreshing catalog entry for %s", name)
		}
	}
	return nil
}

// splitVersionToken mirrors the rewriter's version/platform split for one
// comma-separated /versions token.
func splitVersionToken(tok string) (version, platform string) {
	if idx := strings.LastIndexByte(tok, '-'); idx >= 0 {
		tail := tok[idx+1:]
		numeric := tail != ""
		for _, r := range tail {
			if (r < '0' || r > '9') && r != '.' {
				numeric = false
				break
			}
		}
		if !numeric {
			return tok[:idx], tail
		}
	}
	return tok, ""
}

// RunHotCache drives the periodic refresh on the configured schedule,
// alongside the quarantine tick, until ctx is canceled.
func (s *Server) RunHotCache(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.Refresh(ctx); err != nil {
				s.log.Warn("hotcache refresh failed", "error", err)
			}
		}
	}
}
