// Copyright 2025 Google LLC
// SPDX-License-Identifier: Apache-2.0

// Package route classifies an inbound HTTP request into one of Vein's
// recognized RouteKinds plus parsed identity fields (spec.md §4.1). It owns
// no state and makes no I/O calls; it is a pure function of the request.
package route

import (
	"net/http"
	"regexp"
	"strings"
)

// Kind tags a recognized request shape. Ecosystem dispatch is a tagged
// variant (spec.md §9 Design Notes), not an inheritance hierarchy: adding an
// ecosystem means adding a Kind and its classification rule here, plus a
// resolver rule in internal/resolver.
type Kind int

const (
	NotRouted Kind = iota
	RubyGemsGem
	RubyGemsVersions
	RubyGemsInfo
	RubyGemsQuickSpec
	RubyGemsLegacy
	CratesIndex
	CratesDownload
	NpmMetadata
	NpmTarball
	Sbom
	Health
	Metrics
)

func (k Kind) String() string {
	switch k {
	case RubyGemsGem:
		return "rubygems_gem"
	case RubyGemsVersions:
		return "rubygems_versions"
	case RubyGemsInfo:
		return "rubygems_info"
	case RubyGemsQuickSpec:
		return "rubygems_quick_spec"
	case RubyGemsLegacy:
		return "rubygems_legacy"
	case CratesIndex:
		return "crates_index"
	case CratesDownload:
		return "crates_download"
	case NpmMetadata:
		return "npm_metadata"
	case NpmTarball:
		return "npm_tarball"
	case Sbom:
		return "sbom"
	case Health:
		return "health"
	case Metrics:
		return "metrics"
	default:
		return "not_routed"
	}
}

// Match is the classification result: a Kind plus whatever identity fields
// that kind's pattern captured.
type Match struct {
	Kind     Kind
	Name     string
	Version  string
	Platform string
}

var (
	gemFile      = regexp.MustCompile(`^/gems/(.+)\.gem$`)
	quickSpec    = regexp.MustCompile(`^/quick/Marshal\.4\.8/(.+)\.gemspec\.rz$`)
	cratesDl     = regexp.MustCompile(`^/api/v1/crates/([^/]+)/([^/]+)/download$`)
	legacyPaths  = map[string]bool{"/specs.4.8.gz": true, "/latest_specs.4.8.gz": true, "/prerelease_specs.4.8.gz": true}
	npmTarball   = regexp.MustCompile(`^/npm/(@[^/]+/[^/]+|[^/@][^/]*)/-/(.+)\.tgz$`)
	platformTail = regexp.MustCompile(`^(.*)-([^-]+)$`)
)

// knownPlatforms disambiguates "<name>-<version>-<platform>.gem" from
// "<name-with-dash>-<version>.gem": RubyGems platforms are a small,
// effectively closed set of gem platform strings.
var knownPlatforms = map[string]bool{
	"java": true, "mswin32": true, "mswin64": true, "mingw32": true, "x86-mingw32": true,
	"x64-mingw32": true, "x64-mingw-ucrt": true, "x86-linux": true, "x86_64-linux": true,
	"aarch64-linux": true, "arm64-darwin": true, "x86_64-darwin": true, "universal-darwin": true,
}

// splitNameVersionPlatform parses "<name>-<version>[-<platform>]" as used by
// both .gem filenames and quick-spec filenames.
func splitNameVersionPlatform(stem string) (name, version, platform string) {
	for p := range knownPlatforms {
		if len(p) > len(platform) && strings.HasSuffix(stem, "-"+p) {
			platform = p
		}
	}
	if platform != "" {
		stem = strings.TrimSuffix(stem, "-"+platform)
	}
	idx := strings.LastIndexByte(stem, '-')
	if idx < 0 {
		return stem, "", platform
	}
	return stem[:idx], stem[idx+1:], platform
}

// Classify maps an inbound request to a Match. Anything unrecognized
// returns NotRouted; callers should respond 404.
func Classify(req *http.Request) Match {
	if req.Method != http.MethodGet && req.Method != http.MethodHead {
		return Match{Kind: NotRouted}
	}
	p := req.URL.Path

	switch p {
	case "/up":
		return Match{Kind: Health}
	case "/metrics":
		return Match{Kind: Metrics}
	case "/versions":
		return Match{Kind: RubyGemsVersions}
	case "/.well-known/vein/sbom":
		q := req.URL.Query()
		return Match{Kind: Sbom, Name: q.Get("name"), Version: q.Get("version"), Platform: q.Get("platform")}
	}

	if legacyPaths[p] || strings.HasPrefix(p, "/api/v1/dependencies") {
		return Match{Kind: RubyGemsLegacy}
	}

	if m := gemFile.FindStringSubmatch(p); m != nil {
		name, version, platform := splitNameVersionPlatform(m[1])
		return Match{Kind: RubyGemsGem, Name: name, Version: version, Platform: platform}
	}

	if m := quickSpec.FindStringSubmatch(p); m != nil {
		name, version, platform := splitNameVersionPlatform(m[1])
		return Match{Kind: RubyGemsQuickSpec, Name: name, Version: version, Platform: platform}
	}

	if strings.HasPrefix(p, "/info/") {
		name := strings.TrimPrefix(p, "/info/")
		if name != "" && !strings.Contains(name, "/") {
			return Match{Kind: RubyGemsInfo, Name: name}
		}
		return Match{Kind: NotRouted}
	}

	if m := cratesDl.FindStringSubmatch(p); m != nil {
		return Match{Kind: CratesDownload, Name: m[1], Version: m[2]}
	}

	if strings.HasPrefix(p, "/crates-index/") {
		rest := strings.TrimPrefix(p, "/crates-index/")
		parts := strings.Split(rest, "/")
		if len(parts) == 3 {
			return Match{Kind: CratesIndex, Name: strings.ToLower(parts[2])}
		}
		if len(parts) == 1 { // 1- and 2-letter crate names shard differently but path arrives flat here
			return Match{Kind: CratesIndex, Name: strings.ToLower(parts[0])}
		}
		return Match{Kind: NotRouted}
	}

	if m := npmTarball.FindStringSubmatch(p); m != nil {
		name := m[1]
		_, version, _ := splitNameVersionPlatform(m[2])
		if version == "" {
			version = m[2]
		}
		return Match{Kind: NpmTarball, Name: name, Version: version}
	}

	if strings.HasPrefix(p, "/npm/") {
		name := strings.TrimPrefix(p, "/npm/")
		if name != "" {
			return Match{Kind: NpmMetadata, Name: name}
		}
	}

	return Match{Kind: NotRouted}
}

// Ecosystem identifies which upstream registry a Kind belongs to, used to
// pick the right internal/upstream client.
type Ecosystem int

const (
	EcosystemNone Ecosystem = iota
	EcosystemRubyGems
	EcosystemCrates
	EcosystemNPM
)

func (e Ecosystem) String() string {
	switch e {
	case EcosystemRubyGems:
		return "rubygems"
	case EcosystemCrates:
		return "crates"
	case EcosystemNPM:
		return "npm"
	default:
		return "none"
	}
}

func (k Kind) Ecosystem() Ecosystem {
	switch k {
	case RubyGemsGem, RubyGemsVersions, RubyGemsInfo, RubyGemsQuickSpec, RubyGemsLegacy:
		return EcosystemRubyGems
	case CratesIndex, CratesDownload:
		return EcosystemCrates
	case NpmMetadata, NpmTarball:
		return EcosystemNPM
	default:
		return EcosystemNone
	}
}
