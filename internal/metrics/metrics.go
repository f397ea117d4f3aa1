// Copyright 2025 Google LLC
// SPDX-License-Identifier: Apache-2.0

// Package metrics exposes Vein's Prometheus instrumentation, grounded on
// the git-pkgs/proxy reference's internal/metrics package (Record* helpers
// around package-level collectors rather than a threaded struct, since
// Prometheus collectors are themselves safe for concurrent use).
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	cacheHits = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vein_cache_hits_total",
		Help: "Requests served from the local cache, by ecosystem.",
	}, []string{"ecosystem"})

	cacheMisses = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vein_cache_misses_total",
		Help: "Requests requiring an upstream fetch, by ecosystem.",
	}, []string{"ecosystem"})

	legacyRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vein_legacy_rejections_total",
		Help: "Requests rejected under the legacy-API policy, by route.",
	}, []string{"route"})

	upstreamFetchDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name: "vein_upstream_fetch_duration_seconds",
		Help: "Latency of upstream fetches, by ecosystem.",
	}, []string{"ecosystem"})

	upstreamErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vein_upstream_errors_total",
		Help: "Upstream fetch failures, by ecosystem and reason.",
	}, []string{"ecosystem", "reason"})

	integrityFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vein_integrity_failures_total",
		Help: "Digest mismatches detected on fetch or on cache-hit re-verification.",
	}, []string{"ecosystem"})

	followersDetached = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vein_followers_detached_total",
		Help: "Single-flight followers detached under the drop-slow-followers policy.",
	}, []string{"ecosystem"})

	quarantineGauge = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "vein_quarantined_gem_versions",
		Help: "Gem versions currently withheld from rewritten indexes.",
	}, []string{"status"})

	quarantinePromotions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "vein_quarantine_promotions_total",
		Help: "Gem versions promoted from quarantine to available.",
	})

	inventoryErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vein_inventory_errors_total",
		Help: "Inventory backend failures, by operation.",
	}, []string{"operation"})
)

// RecordCacheHit increments the cache-hit counter for ecosystem.
func RecordCacheHit(ecosystem string) { cacheHits.WithLabelValues(ecosystem).Inc() }

// RecordCacheMiss increments the cache-miss counter for ecosystem.
func RecordCacheMiss(ecosystem string) { cacheMisses.WithLabelValues(ecosystem).Inc() }

// RecordLegacyRejection increments the legacy-rejection counter for route
// (spec.md Testable Property 6).
func RecordLegacyRejection(route string) { legacyRejections.WithLabelValues(route).Inc() }

// RecordUpstreamFetch observes the duration of one upstream fetch attempt.
func RecordUpstreamFetch(ecosystem string, d time.Duration) {
	upstreamFetchDuration.WithLabelValues(ecosystem).Observe(d.Seconds())
}

// RecordUpstreamError increments the upstream-error counter for ecosystem
// and reason (e.g. "timeout", "5xx", "connect").
func RecordUpstreamError(ecosystem, reason string) {
	upstreamErrors.WithLabelValues(ecosystem, reason).Inc()
}

// RecordIntegrityFailure increments the integrity-failure counter for
// ecosystem (spec.md §7 IntegrityFailure/CorruptCache).
func RecordIntegrityFailure(ecosystem string) { integrityFailures.WithLabelValues(ecosystem).Inc() }

// RecordFollowerDetached increments the slow-follower-detached counter for
// ecosystem (spec.md §4.3 step 3).
func RecordFollowerDetached(ecosystem string) { followersDetached.WithLabelValues(ecosystem).Inc() }

// SetQuarantineGauge sets the current count of gem versions in status.
func SetQuarantineGauge(status string, count int) {
	quarantineGauge.WithLabelValues(status).Set(float64(count))
}

// RecordQuarantinePromotions increments the promotion counter by n.
func RecordQuarantinePromotions(n int) { quarantinePromotions.Add(float64(n)) }

// RecordInventoryError increments the inventory-error counter for operation.
func RecordInventoryError(operation string) { inventoryErrors.WithLabelValues(operation).Inc() }
