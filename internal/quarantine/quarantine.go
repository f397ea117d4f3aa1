// Copyright 2025 Google LLC
// SPDX-License-Identifier: Apache-2.0

// Package quarantine implements the delay-window policy and the background
// scheduler from spec.md §4.5: newly observed RubyGems releases are
// inserted with an available_after in the future and hidden from rewritten
// indexes until a periodic tick promotes them.
package quarantine

import (
	"context"
	"log/slog"
	"time"

	"github.com/pkg/errors"

	"github.com/veinproxy/vein/internal/config"
	"github.com/veinproxy/vein/internal/glob"
	"github.com/veinproxy/vein/internal/inventory"
	"github.com/veinproxy/vein/internal/metrics"
	"github.com/veinproxy/vein/internal/ratex"
)

// GemRule mirrors one [[delay_policy.gems]] config entry.
type GemRule struct {
	Name      string
	Pattern   bool // Name is a glob pattern rather than an exact gem name.
	DelayDays int
}

// Policy mirrors the [delay_policy] config section (spec.md §6).
type Policy struct {
	Enabled           bool
	DefaultDelayDays  int
	SkipWeekends      bool
	BusinessHoursOnly bool
	ReleaseHourUTC    int
	Gems              []GemRule
}

// PolicyFromConfig maps the decoded [delay_policy] config section onto a
// Policy.
func PolicyFromConfig(dp config.DelayPolicy) Policy {
	p := Policy{
		Enabled:           dp.Enabled,
		DefaultDelayDays:  dp.DefaultDelayDays,
		SkipWeekends:      dp.SkipWeekends,
		BusinessHoursOnly: dp.BusinessHoursOnly,
		ReleaseHourUTC:    dp.ReleaseHourUTC,
	}
	for _, g := range dp.Gems {
		p.Gems = append(p.Gems, GemRule{Name: g.Name, Pattern: g.Pattern, DelayDays: g.DelayDays})
	}
	return p
}

// Delay computes delay(name, version) per spec.md §4.4 step 1: pinned
// versions get zero delay; otherwise the most specific matching
// delay_policy.gems[] rule wins (longest pattern/name string, since
// "largest" is otherwise ambiguous between exact and glob rules — see
// DESIGN.md); absent any match, default_delay_days applies.
func (p Policy) Delay(name, version string, pinned bool) time.Duration {
	if pinned {
		return 0
	}
	days := p.DefaultDelayDays
	best := -1
	for _, rule := range p.Gems {
		matched := rule.Name == name
		if rule.Pattern {
			matched = glob.Match(rule.Name, name)
		}
		if !matched {
			continue
		}
		if len(rule.Name) > best {
			best = len(rule.Name)
			days = rule.DelayDays
		}
	}
	return time.Duration(days) * 24 * time.Hour
}

// AvailableAfter computes the full available_after timestamp for a version
// published at publishedAt, applying delay, skip-weekends, and
// release-hour alignment (spec.md §4.4 step 1).
func (p Policy) AvailableAfter(name, version string, pinned bool, publishedAt time.Time) time.Time {
	t := publishedAt.Add(p.Delay(name, version, pinned))
	if p.SkipWeekends {
		for t.Weekday() == time.Saturday || t.Weekday() == time.Sunday {
			t = t.AddDate(0, 0, 1)
		}
	}
	t = time.Date(t.Year(), t.Month(), t.Day(), p.ReleaseHourUTC, 0, 0, 0, time.UTC)
	if t.Before(publishedAt) {
		t = t.AddDate(0, 0, 1)
	}
	return t
}

// Store is the subset of the inventory contract the scheduler and the
// index rewriter need.
type Store interface {
	GetGemVersion(ctx context.Context, key inventory.GemVersionKey) (*inventory.GemVersion, error)
	UpsertGemVersion(ctx context.Context, row inventory.GemVersion) error
	ListGemVersions(ctx context.Context, name string) ([]inventory.GemVersion, error)
	GetPinned(ctx context.Context, name, version string) (*inventory.Pinned, error)
	PromoteDue(ctx context.Context, now time.Time) (int, error)
	ListRecentlyPromoted(ctx context.Context, limit int) ([]inventory.GemVersion, error)
}

// YankChecker reports whether upstream has since yanked a gem version
// (spec.md §4.5 step 2). Implemented against pkg/registry/rubygems by the
// server; a nil checker skips the yank-recheck phase of a tick.
type YankChecker interface {
	IsYanked(ctx context.Context, name, version string) (bool, error)
}

// recheckBatchSize bounds how many recently promoted versions a single
// tick re-checks for upstream yank (spec.md §4.5 step 2: "bounded batch").
const recheckBatchSize = 50

// Scheduler runs the quarantine tick and serves admin mutations
// (approve/block/promote) against a Store (spec.md §4.5).
type Scheduler struct {
	Store  Store
	Policy Policy
	Now    func() time.Time
	Yank   YankChecker
	Logger *slog.Logger

	// Limit paces yank-recheck calls against upstream; nil means unpaced.
	Limit *ratex.BackoffLimiter
}

// New constructs a Scheduler with sane defaults.
func New(store Store, policy Policy) *Scheduler {
	return &Scheduler{Store: store, Policy: policy, Now: time.Now, Logger: slog.Default()}
}

func (s *Scheduler) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

func (s *Scheduler) logger() *slog.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return slog.Default()
}

// EnsureTracked inserts a GemVersion row the first time an index fetch
// reveals a (name, version[, platform]) pair, computing available_after
// per the delay policy (spec.md §4.4 step 1). A version already tracked is
// left untouched.
func (s *Scheduler) EnsureTracked(ctx context.Context, name, version, platform string, publishedAt time.Time) (*inventory.GemVersion, error) {
	key := inventory.GemVersionKey{Name: name, Version: version, Platform: platform}
	existing, err := s.Store.GetGemVersion(ctx, key)
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, inventory.ErrNotFound) {
		return nil, errors.Wrap(err, "checking existing gem version")
	}
	pinned, err := s.isPinned(ctx, name, version)
	if err != nil {
		return nil, err
	}
	row := inventory.GemVersion{
		Name:           name,
		Version:        version,
		Platform:       platform,
		PublishedAt:    publishedAt,
		AvailableAfter: s.Policy.AvailableAfter(name, version, pinned, publishedAt),
		Status:         inventory.StatusQuarantine,
	}
	if pinned {
		row.Status = inventory.StatusAvailable
	}
	if err := s.Store.UpsertGemVersion(ctx, row); err != nil {
		return nil, errors.Wrap(err, "inserting tracked gem version")
	}
	return &row, nil
}

func (s *Scheduler) isPinned(ctx context.Context, name, version string) (bool, error) {
	_, err := s.Store.GetPinned(ctx, name, version)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, inventory.ErrNotFound) {
		return false, nil
	}
	return false, errors.Wrap(err, "checking pinned override")
}

// Releasable reports whether (name, version) should appear in a rewritten
// index right now: blocked always wins, then pinned, then quarantine
// status (spec.md §4.5 "Blocked versions are never included... even if
// pinned; pinning is checked before quarantine but after block").
func (s *Scheduler) Releasable(ctx context.Context, name, version, platform string) (bool, error) {
	key := inventory.GemVersionKey{Name: name, Version: version, Platform: platform}
	gv, err := s.Store.GetGemVersion(ctx, key)
	if err != nil {
		if errors.Is(err, inventory.ErrNotFound) {
			return false, nil
		}
		return false, errors.Wrap(err, "looking up gem version")
	}
	if gv.Status == inventory.StatusBlocked {
		return false, nil
	}
	pinned, err := s.isPinned(ctx, name, version)
	if err != nil {
		return false, err
	}
	if pinned {
		return true, nil
	}
	return gv.Status.Releasable(), nil
}

// Tick runs one scheduler pass (spec.md §4.5): promotes due quarantine
// rows, then re-checks upstream yank state for a bounded batch of recently
// promoted versions.
func (s *Scheduler) Tick(ctx context.Context) (int, error) {
	now := s.now()
	n, err := s.Store.PromoteDue(ctx, now)
	if err != nil {
		metrics.RecordInventoryError("promote_due")
		return 0, errors.Wrap(err, "promoting due gem versions")
	}
	if n > 0 {
		metrics.RecordQuarantinePromotions(n)
		s.logger().Info("promoted gem versions from quarantine", "count", n)
	}
	if s.Yank != nil {
		if err := s.recheckYanks(ctx); err != nil {
			s.logger().Warn("yank recheck failed", "error", err)
		}
	}
	return n, nil
}

func (s *Scheduler) recheckYanks(ctx context.Context) error {
	recent, err := s.Store.ListRecentlyPromoted(ctx, recheckBatchSize)
	if err != nil {
		return errors.Wrap(err, "listing recently promoted gem versions")
	}
	for _, gv := range recent {
		if s.Limit != nil {
			if err := s.Limit.Wait(ctx); err != nil {
				return errors.Wrap(err, "waiting for yank-check rate limiter")
			}
		}
		yanked, err := s.Yank.IsYanked(ctx, gv.Name, gv.Version)
		if err != nil {
			if s.Limit != nil {
				s.Limit.Backoff()
			}
			s.logger().Warn("yank check failed", "gem", gv.Name, "version", gv.Version, "error", err)
			continue
		}
		if s.Limit != nil {
			s.Limit.Success()
		}
		if !yanked {
			continue
		}
		gv.UpstreamYanked = true
		gv.Status = inventory.StatusYanked
		if err := s.Store.UpsertGemVersion(ctx, gv); err != nil {
			s.logger().Warn("recording yank failed", "gem", gv.Name, "version", gv.Version, "error", err)
			continue
		}
		s.logger().Info("gem version yanked upstream", "gem", gv.Name, "version", gv.Version)
	}
	return nil
}

// Approve sets a version's status to approved (spec.md §4.5 admin op).
func (s *Scheduler) Approve(ctx context.Context, name, version, platform, reason string) error {
	return s.setStatus(ctx, name, version, platform, inventory.StatusApproved, reason)
}

// Block sets a version's status to blocked (spec.md §4.5 admin op).
func (s *Scheduler) Block(ctx context.Context, name, version, platform, reason string) error {
	return s.setStatus(ctx, name, version, platform, inventory.StatusBlocked, reason)
}

func (s *Scheduler) setStatus(ctx context.Context, name, version, platform string, status inventory.GemVersionStatus, reason string) error {
	key := inventory.GemVersionKey{Name: name, Version: version, Platform: platform}
	gv, err := s.Store.GetGemVersion(ctx, key)
	if err != nil {
		return errors.Wrap(err, "looking up gem version")
	}
	gv.Status = status
	gv.StatusReason = reason
	if err := s.Store.UpsertGemVersion(ctx, *gv); err != nil {
		return errors.Wrap(err, "updating gem version status")
	}
	return nil
}
