// Copyright 2025 Google LLC
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"fmt"
	"strings"

	"github.com/veinproxy/vein/internal/route"
)

// Production upstream bases for the non-configurable ecosystems (spec.md
// §4.6: crates.io and npm upstreams are fixed; only RubyGems is settable).
const (
	DefaultCratesStaticURL = "https://static.crates.io"
	DefaultCratesIndexURL  = "https://index.crates.io"
	DefaultNPMRegistryURL  = "https://registry.npmjs.org"
)

// urlBuilder maps a classified request identity to the literal upstream URL
// to fetch, satisfying resolver.URLBuilder.
type urlBuilder struct {
	rubygems     string
	cratesStatic string
	cratesIndex  string
	npm          string
}

func (u urlBuilder) ArtifactURL(m route.Match) string {
	switch m.Kind {
	case route.RubyGemsGem:
		return u.rubygems + "/gems/" + gemStem(m) + ".gem"
	case route.RubyGemsQuickSpec:
		return u.rubygems + "/quick/Marshal.4.8/" + gemStem(m) + ".gemspec.rz"
	case route.CratesDownload:
		return fmt.Sprintf("%s/crates/%s/%s-%s.crate", u.cratesStatic, m.Name, m.Name, m.Version)
	case route.NpmTarball:
		return fmt.Sprintf("%s/%s/-/%s-%s.tgz", u.npm, m.Name, npmBasename(m.Name), m.Version)
	}
	return ""
}

func (u urlBuilder) IndexURL(m route.Match) string {
	switch m.Kind {
	case route.RubyGemsVersions:
		return u.rubygems + "/versions"
	case route.RubyGemsInfo:
		return u.rubygems + "/info/" + m.Name
	case route.CratesIndex:
		return u.cratesIndex + "/" + cratesIndexPath(m.Name)
	case route.NpmMetadata:
		return u.npm + "/" + m.Name
	}
	return ""
}

// gemStem reassembles "<name>-<version>[-<platform>]" for RubyGems file
// shapes.
func gemStem(m route.Match) string {
	stem := m.Name + "-" + m.Version
	if m.Platform != "" {
		stem += "-" + m.Platform
	}
	return stem
}

// npmBasename strips a scope prefix: tarball filenames use the bare package
// name even for @scope/name packages.
func npmBasename(name string) string {
	if idx := strings.LastIndexByte(name, '/'); idx >= 0 {
		return name[idx+1:]
	}
	return name
}

// cratesIndexPath shards a crate name the way the sparse index does:
// 1/<n>, 2/<n>, 3/<first>/<n>, <ab>/<cd>/<n>.
func cratesIndexPath(name string) string {
	switch len(name) {
	case 0:
		return name
	case 1:
		return "1/" + name
	case 2:
		return "2/" + name
	case 3:
		return "3/" + name[:1] + "/" + name
	default:
		return name[0:2] + "/" + name[2:4] + "/" + name
	}
}

// artifactFilename is the final on-disk filename for an artifact kind.
func artifactFilename(m route.Match) string {
	switch m.Kind {
	case route.RubyGemsGem:
		return gemStem(m) + ".gem"
	case route.RubyGemsQuickSpec:
		return gemStem(m) + ".gemspec.rz"
	case route.CratesDownload:
		return m.Name + "-" + m.Version + ".crate"
	case route.NpmTarball:
		return npmBasename(m.Name) + "-" + m.Version + ".tgz"
	}
	return gemStem(m)
}

// indexFilename names the cached copy of an index document whose identity
// has no gem/crate name of its own (the /versions root).
func indexFilename(m route.Match) string {
	if m.Kind == route.RubyGemsVersions {
		return "versions"
	}
	return m.Name
}
