// Copyright 2025 Google LLC
// SPDX-License-Identifier: Apache-2.0

// Package server is Vein's HTTP surface (spec.md §4.8): it binds the router,
// dispatches classified requests through the resolver, and executes the
// resulting decision against the fetcher, storage, rewriter, and SBOM
// generator.
package server

import (
	"context"
	"crypto"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/veinproxy/vein/internal/cache"
	"github.com/veinproxy/vein/internal/config"
	"github.com/veinproxy/vein/internal/fetch"
	"github.com/veinproxy/vein/internal/httpx"
	"github.com/veinproxy/vein/internal/inventory"
	"github.com/veinproxy/vein/internal/metrics"
	"github.com/veinproxy/vein/internal/quarantine"
	"github.com/veinproxy/vein/internal/ratex"
	"github.com/veinproxy/vein/internal/resolver"
	"github.com/veinproxy/vein/internal/rewriter"
	"github.com/veinproxy/vein/internal/route"
	"github.com/veinproxy/vein/internal/sbom"
	"github.com/veinproxy/vein/internal/storage"
	"github.com/veinproxy/vein/internal/upstream"
	"github.com/veinproxy/vein/pkg/registry/cratesio"
	"github.com/veinproxy/vein/pkg/registry/npm"
	"github.com/veinproxy/vein/pkg/registry/rubygems"
)

// DigestSource looks up the upstream-published digest for an artifact so the
// fetcher can verify bytes before committing them (spec.md §4.3 step 4).
type DigestSource interface {
	// CrateChecksum returns the crates.io cksum (sha256 hex) for a version.
	CrateChecksum(ctx context.Context, name, version string) (string, error)
	// NPMShasum returns the npm dist.shasum (sha1 hex) for a version.
	NPMShasum(ctx context.Context, name, version string) (string, error)
}

// Options configures a Server. Upstream URL overrides exist so tests can
// point the fixed ecosystems at an httptest.Server; production leaves them
// empty.
type Options struct {
	Config    config.Config
	Logger    *slog.Logger
	Inventory inventory.Inventory
	Store     *storage.Store

	CratesStaticURL string
	CratesIndexURL  string
	NPMRegistryURL  string

	// Digests overrides the published-digest lookup; nil uses the live
	// crates.io and npm APIs.
	Digests DigestSource
}

// Server wires the caching-proxy engine together behind one http.Handler.
type Server struct {
	cfg       config.Config
	log       *slog.Logger
	inv       inventory.Inventory
	store     *storage.Store
	fetcher   *fetch.Fetcher
	resolver  *resolver.Resolver
	rewriter  *rewriter.Rewriter
	scheduler *quarantine.Scheduler
	sbom      *sbom.Generator
	urls      urlBuilder
	clients   map[route.Ecosystem]*upstream.Client
	digests   DigestSource
	infoCache *cache.CoalescingMemoryCache
	now       func() time.Time
}

// New assembles a Server from its collaborators and seeds configured pinned
// versions into the inventory so the rewriter sees them.
func New(opts Options) (*Server, error) {
	cfg := opts.Config
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}

	rubygemsBase := strings.TrimSuffix(cfg.Upstream.URL, "/")
	if rubygemsBase == "" {
		rubygemsBase = "https://rubygems.org"
	}
	cratesStatic := opts.CratesStaticURL
	if cratesStatic == "" {
		cratesStatic = DefaultCratesStaticURL
	}
	cratesIndex := opts.CratesIndexURL
	if cratesIndex == "" {
		cratesIndex = DefaultCratesIndexURL
	}
	npmBase := opts.NPMRegistryURL
	if npmBase == "" {
		npmBase = DefaultNPMRegistryURL
	}

	rubygemsClient := upstream.New(upstream.Config{
		BaseURL:            rubygemsBase,
		TimeoutSecs:        cfg.Upstream.TimeoutSecs,
		ConnectionPoolSize: cfg.Upstream.ConnectionPoolSize,
		UserAgent:          "vein",
	})
	cratesClient := upstream.New(upstream.Config{BaseURL: cratesStatic, UserAgent: "vein"})
	npmClient := upstream.New(upstream.Config{BaseURL: npmBase, UserAgent: "vein"})

	baseURL, err := url.Parse(rubygemsBase)
	if err != nil {
		return nil, errors.Wrapf(err, "parsing upstream url %q", rubygemsBase)
	}

	scheduler := quarantine.New(opts.Inventory, quarantine.PolicyFromConfig(cfg.DelayPolicy))
	scheduler.Logger = log
	scheduler.Yank = rubygems.HTTPRegistry{Client: rubygemsClient, BaseURL: baseURL}
	scheduler.Limit = ratex.NewBackoffLimiter(250 * time.Millisecond)

	// Info bodies fetched for md5 recomputation are memoized so every md5
	// emitted in one /versions rewrite matches the /info/<name> Vein would
	// serve at the same instant; the memo is cleared whenever a fresh
	// /versions body lands.
	infoCache := &cache.CoalescingMemoryCache{}
	infoSource := rubygems.HTTPRegistry{
		Client:  httpx.NewCachedClient(rubygemsClient, infoCache),
		BaseURL: baseURL,
	}

	s := &Server{
		cfg:       cfg,
		log:       log,
		inv:       opts.Inventory,
		store:     opts.Store,
		fetcher:   fetch.New(opts.Store, opts.Inventory),
		scheduler: scheduler,
		rewriter:  rewriter.New(scheduler, infoSource),
		sbom:      sbom.New(opts.Inventory),
		urls: urlBuilder{
			rubygems:     rubygemsBase,
			cratesStatic: cratesStatic,
			cratesIndex:  cratesIndex,
			npm:          npmBase,
		},
		clients: map[route.Ecosystem]*upstream.Client{
			route.EcosystemRubyGems: rubygemsClient,
			route.EcosystemCrates:   cratesClient,
			route.EcosystemNPM:      npmClient,
		},
		digests:   opts.Digests,
		infoCache: infoCache,
		now:       time.Now,
	}
	if s.digests == nil {
		npmURL, err := url.Parse(npmBase)
		if err != nil {
			return nil, errors.Wrapf(err, "parsing npm registry url %q", npmBase)
		}
		s.digests = registryDigests{
			crates: cratesio.HTTPRegistry{Client: cratesClient},
			npm:    npm.HTTPRegistry{Client: npmClient, BaseURL: npmURL},
		}
	}

	s.resolver = resolver.New(opts.Inventory, s.urls)
	s.resolver.VerifyAsset = s.verifyAsset

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	for _, p := range cfg.DelayPolicy.Pinned {
		row := inventory.Pinned{Name: p.Name, Version: p.Version, Reason: p.Reason}
		if err := opts.Inventory.PutPinned(ctx, row); err != nil {
			return nil, errors.Wrapf(err, "seeding pinned version %s %s", p.Name, p.Version)
		}
	}
	return s, nil
}

// Scheduler exposes the quarantine scheduler for the serve loop and the CLI
// admin commands.
func (s *Server) Scheduler() *quarantine.Scheduler { return s.scheduler }

// verifyAsset checks the on-disk file still matches its row before a cache
// hit is served (spec.md §3 Invariant). A failed file is moved aside so the
// retried miss can re-fetch cleanly (CorruptCache, §7).
func (s *Server) verifyAsset(ctx context.Context, asset *inventory.CachedAsset) (bool, error) {
	size, err := s.store.Size(asset.Path)
	if err != nil || size != asset.SizeBytes {
		metrics.RecordIntegrityFailure(string(asset.Kind))
		if qerr := s.store.Quarantine(asset.Path); qerr != nil {
			s.log.Warn("quarantining corrupt cache file failed", "path", asset.Path, "error", qerr)
		}
		return false, nil
	}
	return true, nil
}

// Handler builds the chi router for the whole surface.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Get("/up", s.handleUp)
	r.Head("/up", s.handleUp)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())
	r.Get("/*", s.handle)
	r.Head("/*", s.handle)
	return r
}

// Addr returns the configured bind address.
func (s *Server) Addr() string {
	return s.cfg.Server.Host + ":" + strconv.Itoa(s.cfg.Server.Port)
}

func (s *Server) handleUp(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := s.inv.Ping(ctx); err != nil {
		s.internalError(w, r, s.log, errors.Wrap(err, "inventory unreachable"))
		return
	}
	writeBody(w, r, "text/plain; charset=utf-8", []byte("ok"))
}

// handle classifies and dispatches everything that is not /up or /metrics.
func (s *Server) handle(w http.ResponseWriter, r *http.Request) {
	m := route.Classify(r)
	log := s.log.With(
		slog.String("request_id", middleware.GetReqID(r.Context())),
		slog.String("path", r.URL.Path),
		slog.String("kind", m.Kind.String()),
	)
	log.Debug("request classified")

	if m.Kind == route.NotRouted {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}

	d, err := s.resolver.Resolve(r.Context(), m)
	if err != nil {
		s.internalError(w, r, log, err)
		return
	}

	switch d.Kind {
	case resolver.Reject:
		if d.RejectCode == http.StatusGone {
			metrics.RecordLegacyRejection(r.URL.Path)
		}
		log.Warn("request rejected", "code", d.RejectCode, "reason", d.RejectReason)
		http.Error(w, d.RejectReason, d.RejectCode)
	case resolver.ServeCached:
		if m.Kind == route.Sbom {
			s.serveSBOM(w, r, m, log)
			return
		}
		s.serveCached(w, r, m, d, log)
	case resolver.StreamThrough:
		if isIndexKind(m.Kind) {
			s.serveIndex(w, r, m, d, log)
			return
		}
		s.streamArtifact(w, r, m, d, log)
	case resolver.Revalidate, resolver.ServeRewritten:
		s.serveIndex(w, r, m, d, log)
	default:
		s.internalError(w, r, log, errors.Errorf("unhandled decision kind %d", d.Kind))
	}
}

func isIndexKind(k route.Kind) bool {
	switch k {
	case route.RubyGemsVersions, route.RubyGemsInfo, route.CratesIndex, route.NpmMetadata:
		return true
	}
	return false
}

func contentTypeFor(k route.Kind) string {
	switch k {
	case route.RubyGemsVersions, route.RubyGemsInfo, route.CratesIndex:
		return "text/plain; charset=utf-8"
	case route.NpmMetadata, route.Sbom:
		return "application/json"
	default:
		return "application/octet-stream"
	}
}

// serveCached serves a hit: an artifact straight from disk, or a cached
// index body (within TTL) through the rewriter when the route demands it.
func (s *Server) serveCached(w http.ResponseWriter, r *http.Request, m route.Match, d resolver.Decision, log *slog.Logger) {
	asset := d.Asset
	if asset == nil {
		s.internalError(w, r, log, errors.New("serve-cached decision without asset"))
		return
	}
	metrics.RecordCacheHit(m.Kind.Ecosystem().String())
	if err := s.inv.TouchAsset(r.Context(), asset.Key(), s.now()); err != nil {
		log.Warn("touching cached asset failed", "error", err)
	}

	if d.Rewrite {
		f, err := s.store.Open(asset.Path)
		if err != nil {
			s.internalError(w, r, log, err)
			return
		}
		body, err := io.ReadAll(f)
		f.Close()
		if err != nil {
			s.internalError(w, r, log, errors.Wrap(err, "reading cached index"))
			return
		}
		s.serveIndexBody(w, r, m, body, log)
		return
	}

	f, err := s.store.Open(asset.Path)
	if err != nil {
		s.internalError(w, r, log, err)
		return
	}
	defer f.Close()
	w.Header().Set("Content-Type", contentTypeFor(m.Kind))
	w.Header().Set("Content-Length", strconv.FormatInt(asset.SizeBytes, 10))
	w.WriteHeader(http.StatusOK)
	if r.Method == http.MethodHead {
		return
	}
	if _, err := io.Copy(w, f); err != nil {
		log.Warn("writing cached body failed", "error", err)
	}
}

// serveSBOM serves (generating on demand if needed) the CycloneDX document
// for a cached gem.
func (s *Server) serveSBOM(w http.ResponseWriter, r *http.Request, m route.Match, log *slog.Logger) {
	doc, err := s.sbom.Document(r.Context(), m.Name, m.Version, m.Platform)
	if err != nil {
		s.internalError(w, r, log, err)
		return
	}
	writeBody(w, r, "application/json", doc)
}

// serveIndexBody applies the quarantine rewriter when the route calls for it
// and writes the final body.
func (s *Server) serveIndexBody(w http.ResponseWriter, r *http.Request, m route.Match, body []byte, log *slog.Logger) {
	if s.cfg.DelayPolicy.Enabled {
		var err error
		switch m.Kind {
		case route.RubyGemsVersions:
			body, err = s.rewriter.RewriteVersions(r.Context(), body, s.now())
		case route.RubyGemsInfo:
			body, err = s.rewriter.RewriteInfo(r.Context(), m.Name, body)
		}
		if err != nil {
			s.internalError(w, r, log, errors.Wrap(err, "rewriting index body"))
			return
		}
	}
	writeBody(w, r, contentTypeFor(m.Kind), body)
}

func writeBody(w http.ResponseWriter, r *http.Request, contentType string, body []byte) {
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Length", strconv.Itoa(len(body)))
	w.WriteHeader(http.StatusOK)
	if r.Method != http.MethodHead {
		w.Write(body)
	}
}

func (s *Server) internalError(w http.ResponseWriter, r *http.Request, log *slog.Logger, err error) {
	id := middleware.GetReqID(r.Context())
	log.Error("request failed", "error", err)
	http.Error(w, "internal error ("+id+")", http.StatusInternalServerError)
}

// upstreamError maps an upstream failure onto the §4.8 status codes: 504 for
// timeouts, 502 otherwise.
func (s *Server) upstreamError(w http.ResponseWriter, m route.Match, log *slog.Logger, err error) {
	eco := m.Kind.Ecosystem().String()
	log.Error("upstream fetch failed", "error", err)
	if errors.Is(err, context.DeadlineExceeded) {
		metrics.RecordUpstreamError(eco, "timeout")
		http.Error(w, "upstream timeout", http.StatusGatewayTimeout)
		return
	}
	metrics.RecordUpstreamError(eco, "unavailable")
	http.Error(w, "upstream unavailable", http.StatusBadGateway)
}

// streamError maps a mid-stream fetch failure before any body byte has been
// written to the client.
func (s *Server) streamError(w http.ResponseWriter, m route.Match, log *slog.Logger, err error) {
	eco := m.Kind.Ecosystem().String()
	switch {
	case errors.Is(err, fetch.ErrFollowerTooSlow):
		metrics.RecordFollowerDetached(eco)
		log.Warn("follower detached as too slow")
		http.Error(w, "retry later", http.StatusServiceUnavailable)
	case errors.Is(err, fetch.ErrIntegrityFailure):
		metrics.RecordIntegrityFailure(eco)
		log.Error("integrity verification failed", "error", err)
		http.Error(w, "upstream integrity failure", http.StatusBadGateway)
	default:
		s.upstreamError(w, m, log, err)
	}
}

func (s *Server) publishedDigest(ctx context.Context, m route.Match, log *slog.Logger) *fetch.Digest {
	if s.digests == nil {
		return nil
	}
	switch m.Kind {
	case route.CratesDownload:
		sum, err := s.digests.CrateChecksum(ctx, m.Name, m.Version)
		if err != nil || sum == "" {
			log.Warn("crate checksum unavailable", "error", err)
			return nil
		}
		return &fetch.Digest{Algo: crypto.SHA256, Hex: sum}
	case route.NpmTarball:
		sum, err := s.digests.NPMShasum(ctx, m.Name, m.Version)
		if err != nil || sum == "" {
			log.Warn("npm shasum unavailable", "error", err)
			return nil
		}
		return &fetch.Digest{Algo: crypto.SHA1, Hex: sum}
	}
	return nil
}

// streamArtifact executes a StreamThrough decision: attach to (or lead) the
// single-flight fetch and relay bytes as they arrive.
func (s *Server) streamArtifact(w http.ResponseWriter, r *http.Request, m route.Match, d resolver.Decision, log *slog.Logger) {
	eco := m.Kind.Ecosystem().String()
	metrics.RecordCacheMiss(eco)

	req := fetch.Request{
		Key:            d.Key,
		URL:            d.UpstreamURL,
		FinalPath:      storage.FinalPath(d.Key, artifactFilename(m)),
		ExpectedDigest: s.publishedDigest(r.Context(), m, log),
	}
	start := time.Now()
	rc, err := s.fetcher.Fetch(r.Context(), s.clients[m.Kind.Ecosystem()], req)
	if err != nil {
		s.upstreamError(w, m, log, err)
		return
	}
	defer rc.Close()

	// Hold the first chunk back so a fetch that fails outright still gets a
	// real status code; after the first body byte, failure surfaces as a
	// truncated transfer (spec.md §4.3 step 6).
	buf := make([]byte, 32*1024)
	n, rerr := rc.Read(buf)
	if rerr != nil && rerr != io.EOF {
		s.streamError(w, m, log, rerr)
		return
	}
	metrics.RecordUpstreamFetch(eco, time.Since(start))

	w.Header().Set("Content-Type", contentTypeFor(m.Kind))
	w.WriteHeader(http.StatusOK)
	if r.Method == http.MethodHead {
		return
	}
	if n > 0 {
		if _, err := w.Write(buf[:n]); err != nil {
			return
		}
	}
	if rerr == io.EOF {
		return
	}
	if _, err := io.Copy(w, rc); err != nil {
		if errors.Is(err, fetch.ErrIntegrityFailure) {
			metrics.RecordIntegrityFailure(eco)
		}
		// Headers are long gone; abort the connection so the client sees a
		// truncated transfer rather than a clean 200 (spec.md §4.3 step 6).
		log.Error("transfer truncated", "error", err)
		panic(http.ErrAbortHandler)
	}
}
