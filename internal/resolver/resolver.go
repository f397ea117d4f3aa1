// Copyright 2025 Google LLC
// SPDX-License-Identifier: Apache-2.0

// Package resolver decides, for a classified request, whether to serve from
// cache, stream through to upstream, revalidate a cached index, reject, or
// serve a rewritten (quarantine-filtered) index (spec.md §4.2). Like
// internal/route, a Decision is a tagged variant rather than an interface
// hierarchy (spec.md §9).
package resolver

import (
	"context"
	"time"

	"github.com/pkg/errors"

	"github.com/veinproxy/vein/internal/inventory"
	"github.com/veinproxy/vein/internal/route"
)

// DecisionKind tags which branch of §4.2 fired.
type DecisionKind int

const (
	ServeCached DecisionKind = iota
	StreamThrough
	Revalidate
	Reject
	ServeRewritten
)

// Decision is the resolver's output: which action the caller (internal/server)
// should take, plus whatever that action needs.
type Decision struct {
	Kind DecisionKind

	Asset *inventory.CachedAsset // ServeCached, Revalidate

	Key        inventory.AssetKey // StreamThrough, ServeRewritten
	UpstreamURL string

	ETag string // Revalidate: conditional GET validator

	RejectCode   int // Reject
	RejectReason string

	Rewrite bool // ServeRewritten: true for /versions and /info/<gem>
}

// DefaultIndexTTL is the default freshness window for index kinds before a
// conditional revalidation GET is issued (spec.md §4.2 rule 2).
const DefaultIndexTTL = 60 * time.Second

// URLBuilder resolves a route.Match's identity into the literal upstream
// URL to fetch, per-ecosystem (injected so the resolver stays free of
// upstream-specific URL shapes).
type URLBuilder interface {
	ArtifactURL(m route.Match) string
	IndexURL(m route.Match) string
}

// Resolver implements the §4.2 decision table against an inventory handle.
type Resolver struct {
	Inventory inventory.Inventory
	URLs      URLBuilder
	IndexTTL  time.Duration
	Now       func() time.Time

	// VerifyAsset checks that the on-disk file backing asset still matches
	// its recorded size/hash (spec.md §3 Invariant, CorruptCache in §7). A
	// nil VerifyAsset skips verification (tests that don't exercise storage
	// need not provide one).
	VerifyAsset func(ctx context.Context, asset *inventory.CachedAsset) (bool, error)
}

// New constructs a Resolver with sane defaults.
func New(inv inventory.Inventory, urls URLBuilder) *Resolver {
	return &Resolver{Inventory: inv, URLs: urls, IndexTTL: DefaultIndexTTL, Now: time.Now}
}

func (r *Resolver) now() time.Time {
	if r.Now != nil {
		return r.Now()
	}
	return time.Now()
}

// Resolve implements spec.md §4.2.
func (r *Resolver) Resolve(ctx context.Context, m route.Match) (Decision, error) {
	switch m.Kind {
	case route.RubyGemsGem, route.CratesDownload, route.NpmTarball, route.RubyGemsQuickSpec:
		return r.resolveArtifact(ctx, m)
	case route.RubyGemsVersions, route.RubyGemsInfo:
		return r.resolveRubyGemsIndex(ctx, m)
	case route.CratesIndex, route.NpmMetadata:
		return r.resolveIndex(ctx, m)
	case route.RubyGemsLegacy:
		return Decision{Kind: Reject, RejectCode: 410, RejectReason: "legacy API disabled"}, nil
	case route.Sbom:
		return r.resolveSBOM(ctx, m)
	default:
		return Decision{Kind: Reject, RejectCode: 404, RejectReason: "not routed"}, nil
	}
}

func (r *Resolver) assetKind(m route.Match) inventory.AssetKind {
	switch m.Kind {
	case route.RubyGemsGem:
		return inventory.KindGem
	case route.RubyGemsQuickSpec:
		return inventory.KindGemspec
	case route.CratesDownload:
		return inventory.KindCrate
	case route.NpmTarball:
		return inventory.KindNPMTarball
	case route.CratesIndex:
		return inventory.KindCratesIndex
	case route.NpmMetadata:
		return inventory.KindNPMMeta
	default:
		return inventory.KindRubyGemsIndex
	}
}

// resolveArtifact implements §4.2 rule 1: artifact kinds are content
// addressed and immutable, never revalidated.
func (r *Resolver) resolveArtifact(ctx context.Context, m route.Match) (Decision, error) {
	key := inventory.AssetKey{Kind: r.assetKind(m), Name: m.Name, Version: m.Version, Platform: m.Platform}
	asset, err := r.Inventory.GetAsset(ctx, key)
	if errors.Is(err, inventory.ErrNotFound) {
		return Decision{Kind: StreamThrough, Key: key, UpstreamURL: r.URLs.ArtifactURL(m)}, nil
	}
	if err != nil {
		return Decision{}, errors.Wrap(err, "resolving artifact")
	}
	if r.VerifyAsset != nil {
		ok, verr := r.VerifyAsset(ctx, asset)
		if verr != nil {
			return Decision{}, errors.Wrap(verr, "verifying cached artifact")
		}
		if !ok {
			// CorruptCache (spec.md §7): treat as a miss and re-fetch once.
			return Decision{Kind: StreamThrough, Key: key, UpstreamURL: r.URLs.ArtifactURL(m)}, nil
		}
	}
	return Decision{Kind: ServeCached, Asset: asset}, nil
}

// resolveRubyGemsIndex implements §4.2 rule 2 for the compact-index kinds,
// wrapped in ServeRewritten so the quarantine rewriter always runs before
// bytes return to the client.
func (r *Resolver) resolveRubyGemsIndex(ctx context.Context, m route.Match) (Decision, error) {
	d, err := r.resolveIndex(ctx, m)
	if err != nil {
		return d, err
	}
	d.Rewrite = true
	if d.Kind == Revalidate || d.Kind == StreamThrough {
		d.Kind = ServeRewritten
	}
	return d, nil
}

// resolveIndex implements §4.2 rule 2 for the plain index kinds (crates
// sparse index, npm metadata): always revalidate, TTL-gated.
func (r *Resolver) resolveIndex(ctx context.Context, m route.Match) (Decision, error) {
	key := inventory.AssetKey{Kind: r.assetKind(m), Name: m.Name}
	asset, err := r.Inventory.GetAsset(ctx, key)
	if errors.Is(err, inventory.ErrNotFound) {
		return Decision{Kind: StreamThrough, Key: key, UpstreamURL: r.URLs.IndexURL(m)}, nil
	}
	if err != nil {
		return Decision{}, errors.Wrap(err, "resolving index")
	}
	ttl := r.IndexTTL
	if ttl <= 0 {
		ttl = DefaultIndexTTL
	}
	if r.now().Sub(asset.FetchedAt) < ttl {
		return Decision{Kind: ServeCached, Asset: asset}, nil
	}
	return Decision{Kind: Revalidate, Asset: asset, UpstreamURL: r.URLs.IndexURL(m), ETag: asset.ETag}, nil
}

// SBOMLookup looks up cached metadata for the on-demand SBOM endpoint.
type SBOMLookup interface {
	GetMetadata(ctx context.Context, name, version, platform string) (*inventory.GemMetadata, error)
	GetAsset(ctx context.Context, key inventory.AssetKey) (*inventory.CachedAsset, error)
}

func (r *Resolver) resolveSBOM(ctx context.Context, m route.Match) (Decision, error) {
	if m.Name == "" || m.Version == "" {
		return Decision{Kind: Reject, RejectCode: 400, RejectReason: "missing name or version"}, nil
	}
	platform := m.Platform
	if platform == "" {
		platform = "ruby"
	}
	_, err := r.Inventory.GetMetadata(ctx, m.Name, m.Version, platform)
	if err == nil {
		return Decision{Kind: ServeCached}, nil
	}
	if !errors.Is(err, inventory.ErrNotFound) {
		return Decision{}, errors.Wrap(err, "resolving sbom metadata")
	}
	_, err = r.Inventory.GetAsset(ctx, inventory.AssetKey{Kind: inventory.KindGem, Name: m.Name, Version: m.Version, Platform: m.Platform})
	if errors.Is(err, inventory.ErrNotFound) {
		return Decision{Kind: Reject, RejectCode: 404, RejectReason: "gem not cached"}, nil
	}
	if err != nil {
		return Decision{}, errors.Wrap(err, "resolving sbom asset lookup")
	}
	// Gem is cached but SBOM hasn't been generated yet: ServeCached signals
	// the server to trigger on-demand generation (spec.md §4.2 rule 4, Open
	// Question 1 resolved as synchronous-and-optional).
	return Decision{Kind: ServeCached}, nil
}
