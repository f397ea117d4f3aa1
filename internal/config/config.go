// Copyright 2025 Google LLC
// SPDX-License-Identifier: Apache-2.0

// Package config decodes Vein's TOML configuration file (spec.md §6) into
// Go structs with the teacher's chosen decoder, github.com/pelletier/go-toml/v2.
package config

import (
	"os"
	"time"

	"github.com/pelletier/go-toml/v2"
	"github.com/pkg/errors"
)

// EnvOverride is the environment variable that overrides the --config flag
// default (spec.md §6 Environment).
const EnvOverride = "VEIN_CONFIG"

// Config is the root of vein.toml.
type Config struct {
	Server      Server       `toml:"server"`
	Upstream    Upstream     `toml:"upstream"`
	Storage     Storage      `toml:"storage"`
	Database    Database     `toml:"database"`
	Logging     Logging      `toml:"logging"`
	HotCache    HotCache     `toml:"hotcache"`
	DelayPolicy DelayPolicy  `toml:"delay_policy"`
}

// Server is the [server] section: bind address and worker count.
type Server struct {
	Host    string `toml:"host"`
	Port    int    `toml:"port"`
	Workers int    `toml:"workers"`
}

// Upstream is the [upstream] section. Only RubyGems' upstream is
// configurable; crates.io and npm are fixed per spec.md §4.6.
type Upstream struct {
	URL                string   `toml:"url"`
	TimeoutSecs         int      `toml:"timeout_secs"`
	ConnectionPoolSize  int      `toml:"connection_pool_size"`
	FallbackURLs        []string `toml:"fallback_urls"`
}

// Storage is the [storage] section: the on-disk blob tree root.
type Storage struct {
	Path string `toml:"path"`
}

// Database is the [database] section. Exactly one of Path (SQLite) or URL
// (PostgreSQL) is expected to be set.
type Database struct {
	Path string `toml:"path"`
	URL  string `toml:"url"`
}

// Logging is the [logging] section.
type Logging struct {
	Level string `toml:"level"` // debug, info, warn, error
	JSON  bool   `toml:"json"`
}

// HotCache is the [hotcache] section driving the quarantine scheduler tick
// and metadata pre-warm.
type HotCache struct {
	RefreshSchedule string `toml:"refresh_schedule"` // cron expression
}

// DelayPolicy is the [delay_policy] section plus its [[delay_policy.gems]]
// and [[delay_policy.pinned]] arrays.
type DelayPolicy struct {
	Enabled           bool          `toml:"enabled"`
	DefaultDelayDays  int           `toml:"default_delay_days"`
	SkipWeekends      bool          `toml:"skip_weekends"`
	BusinessHoursOnly bool          `toml:"business_hours_only"`
	ReleaseHourUTC    int           `toml:"release_hour_utc"`
	Gems              []GemRule     `toml:"gems"`
	Pinned            []PinnedRule  `toml:"pinned"`
}

// GemRule is one entry of [[delay_policy.gems]].
type GemRule struct {
	Name      string `toml:"name"`
	Pattern   bool   `toml:"pattern"`
	DelayDays int    `toml:"delay_days"`
}

// PinnedRule is one entry of [[delay_policy.pinned]].
type PinnedRule struct {
	Name    string `toml:"name"`
	Version string `toml:"version"`
	Reason  string `toml:"reason"`
}

// Default returns a Config populated with spec.md's documented defaults.
func Default() Config {
	return Config{
		Server:   Server{Host: "0.0.0.0", Port: 8346, Workers: 0},
		Upstream: Upstream{URL: "https://rubygems.org", TimeoutSecs: 30, ConnectionPoolSize: 100},
		Storage:  Storage{Path: "./data/storage"},
		Database: Database{Path: "./data/vein.db"},
		Logging:  Logging{Level: "info", JSON: false},
		HotCache: HotCache{RefreshSchedule: "0 * * * *"}, // hourly, spec.md §4.5 default
		DelayPolicy: DelayPolicy{
			Enabled:          true,
			DefaultDelayDays: 0,
			ReleaseHourUTC:   0,
		},
	}
}

// Load reads and decodes the TOML file at path, filling in spec.md's
// documented defaults for anything left unset. An empty path falls back to
// VEIN_CONFIG, then to built-in defaults with no file at all.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		path = os.Getenv(EnvOverride)
	}
	if path == "" {
		return cfg, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, errors.Wrapf(err, "reading config %s", path)
	}
	if err := toml.Unmarshal(b, &cfg); err != nil {
		return Config{}, errors.Wrapf(err, "parsing config %s", path)
	}
	return cfg, nil
}

// UpstreamTimeout returns the configured upstream per-request timeout,
// falling back to spec.md §4.6's default.
func (c Config) UpstreamTimeout() time.Duration {
	if c.Upstream.TimeoutSecs <= 0 {
		return 30 * time.Second
	}
	return time.Duration(c.Upstream.TimeoutSecs) * time.Second
}
