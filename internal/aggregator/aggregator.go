// Package aggregator implements the Profile Aggregator: it composes the
// Dynamic Profile Store (internal/profile) and the Static Profile
// Collaborator (internal/staticprofile) into a single read-only Snapshot,
// and serves two differently-tuned read paths for CRM (freshness-first)
// and analytics (throughput-first) consumers.
package aggregator

import (
	"context"
	"errors"
	"log/slog"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/pulsehub/profile-engine/internal/index"
	"github.com/pulsehub/profile-engine/internal/infrastructure/cache"
	"github.com/pulsehub/profile-engine/internal/profile"
	"github.com/pulsehub/profile-engine/internal/pulseerr"
	"github.com/pulsehub/profile-engine/internal/staticprofile"
	"github.com/pulsehub/profile-engine/internal/store"
	"github.com/pulsehub/profile-engine/pkg/metrics"
)

// ActivityLevel buckets a user's recency of activity.
type ActivityLevel string

const (
	VeryActive ActivityLevel = "VERY_ACTIVE"
	Active     ActivityLevel = "ACTIVE"
	Dormant    ActivityLevel = "DORMANT"
	Unknown    ActivityLevel = "UNKNOWN"
)

const (
	veryActiveWindow = time.Hour
	activeWindow     = 24 * time.Hour
	dormantWindow    = 30 * 24 * time.Hour
)

// highValueScoreFloor is the value_score threshold at or above which a user with
// sufficiently recent activity is considered high-value.
const highValueScoreFloor = 80

// crmCacheEpoch bounds how stale get_for_crm may serve: at most one epoch
// behind the dynamic side, per the freshness-first contract.
const crmCacheEpoch = 30 * time.Second

// analyticsCacheTTL is deliberately long; get_for_analytics tolerates stale
// reads in exchange for shielding the backing stores from read load.
const analyticsCacheTTL = 15 * time.Minute

// l1Size bounds the in-process LRU that sits in front of the Redis-backed
// crmCache, serving the hottest CRM lookups without a network round trip.
const l1Size = 10000

// Snapshot is the composed, read-only view external readers receive.
type Snapshot struct {
	UserID          string
	Static          *staticprofile.Profile
	Dynamic         *profile.Profile
	ActivityLevel   ActivityLevel
	ValueScore      int
	IsHighValueUser bool

	// Degraded is true when one collaborator could not be reached and the
	// snapshot was assembled from whichever side remained available. This
	// is never surfaced as an error (pulseerr.ErrPartialDegrade is not
	// raised; it only documents the taxonomy slot this condition occupies).
	Degraded       bool
	DegradedReason string
}

type cachedSnapshot struct {
	Snapshot
	DynamicVersion uint64
}

// Aggregator composes the dynamic and static collaborators.
type Aggregator struct {
	dynamic *profile.Store
	static  staticprofile.Repository
	counter store.AtomicCounter

	crmCache       cache.Cache
	analyticsCache cache.Cache
	l1             *lru.Cache[string, cachedSnapshot]

	logger  *slog.Logger
	metrics *metrics.AggregatorMetrics
}

// New creates a Profile Aggregator. crmCache and analyticsCache are two
// differently-configured instances of the same cache.Cache implementation
// (short TTL for CRM, long TTL for analytics), not two distinct codepaths.
// get_for_crm additionally sits behind a bounded in-process LRU (l1) so the
// hottest lookups never leave the process. counter backs TotalUsers and may
// be the same store.Store the dynamic side uses; StaticUserCount asks the
// static repository instead.
func New(dynamic *profile.Store, static staticprofile.Repository, counter store.AtomicCounter, crmCache, analyticsCache cache.Cache, logger *slog.Logger, m *metrics.AggregatorMetrics) *Aggregator {
	if logger == nil {
		logger = slog.Default()
	}
	l1, _ := lru.New[string, cachedSnapshot](l1Size)
	return &Aggregator{
		dynamic:        dynamic,
		static:         static,
		counter:        counter,
		crmCache:       crmCache,
		analyticsCache: analyticsCache,
		l1:             l1,
		logger:         logger,
		metrics:        m,
	}
}

// TotalUsers reports the primary (hot-tier) user count, backed by the same
// counter the reaper maintains against the expiry index.
func (a *Aggregator) TotalUsers(ctx context.Context) (int64, error) {
	return a.counter.GetCounter(ctx, index.CounterKey)
}

// StaticUserCount reports the Static Profile Collaborator's own user count.
// It is independent of TotalUsers: the hot tier and the static store can
// diverge (expired dynamic profiles, users who registered but never became
// active), so callers must not assume either one is canonical for the other.
func (a *Aggregator) StaticUserCount(ctx context.Context) (int64, error) {
	return a.static.CountByRegistrationDateAfter(ctx, time.Time{})
}

func (a *Aggregator) observe(view, status string, start time.Time) {
	if a.metrics == nil {
		return
	}
	a.metrics.SnapshotsTotal.WithLabelValues(view, status).Inc()
	a.metrics.SnapshotDuration.WithLabelValues(view).Observe(time.Since(start).Seconds())
}

// GetProfile implements get_profile: composes the dynamic and static sides,
// degrading to static-only if the dynamic lookup fails transiently. Absent
// on both sides returns (nil, nil) rather than an error.
func (a *Aggregator) GetProfile(ctx context.Context, userID string) (*Snapshot, error) {
	start := time.Now()
	const view = "full"

	dyn, dynOK, dynErr := a.dynamic.Get(ctx, userID)
	degraded := false
	reason := ""
	if dynErr != nil {
		if !pulseerr.IsTransient(dynErr) {
			a.observe(view, "error", start)
			return nil, dynErr
		}
		a.logger.Warn("aggregator: dynamic side unavailable, degrading to static-only", "user_id", userID, "error", dynErr)
		degraded = true
		reason = "dynamic_profile_unavailable"
		dyn, dynOK = nil, false
		if a.metrics != nil {
			a.metrics.PartialDegrades.WithLabelValues("dynamic_profile").Inc()
		}
	}

	stat, statOK, statErr := a.static.GetByID(ctx, userID)
	if statErr != nil {
		a.logger.Warn("aggregator: static side unavailable, degrading to dynamic-only", "user_id", userID, "error", statErr)
		degraded = true
		reason = appendReason(reason, "static_profile_unavailable")
		stat, statOK = nil, false
		if a.metrics != nil {
			a.metrics.PartialDegrades.WithLabelValues("static_profile").Inc()
		}
	}

	if !dynOK && !statOK {
		a.observe(view, "absent", start)
		return nil, nil
	}

	snap := a.compose(userID, dyn, stat, degraded, reason)
	a.observe(view, "success", start)
	return snap, nil
}

func appendReason(existing, next string) string {
	if existing == "" {
		return next
	}
	return existing + "," + next
}

func (a *Aggregator) compose(userID string, dyn *profile.Profile, stat *staticprofile.Profile, degraded bool, reason string) *Snapshot {
	level := ActivityLevelFor(dyn)
	completeness := staticprofile.CompletenessScore(stat)
	score := ValueScore(completeness, dyn)
	return &Snapshot{
		UserID:          userID,
		Static:          stat,
		Dynamic:         dyn,
		ActivityLevel:   level,
		ValueScore:      score,
		IsHighValueUser: IsHighValueUser(score, level),
		Degraded:        degraded,
		DegradedReason:  reason,
	}
}

// ActivityLevelFor buckets last_active_at recency. A nil dynamic profile
// (dynamic side absent or degraded away) is always UNKNOWN.
func ActivityLevelFor(dyn *profile.Profile) ActivityLevel {
	if dyn == nil || dyn.LastActiveAt.IsZero() {
		return Unknown
	}
	since := time.Since(dyn.LastActiveAt)
	switch {
	case since <= veryActiveWindow:
		return VeryActive
	case since <= activeWindow:
		return Active
	case since <= dormantWindow:
		return Dormant
	default:
		return Unknown
	}
}

// engagementScore maps page_view_count onto a bounded 0-100 scale using a
// fixed set of thresholds, deterministic and monotonically non-decreasing
// in page_view_count.
func engagementScore(dyn *profile.Profile) int {
	if dyn == nil {
		return 0
	}
	switch {
	case dyn.PageViewCount == 0:
		return 0
	case dyn.PageViewCount < 10:
		return 20
	case dyn.PageViewCount < 50:
		return 40
	case dyn.PageViewCount < 200:
		return 60
	case dyn.PageViewCount < 1000:
		return 80
	default:
		return 100
	}
}

// ValueScore combines completeness (static side) and engagement (dynamic
// side) with equal weight, bounded 0-100.
func ValueScore(completeness int, dyn *profile.Profile) int {
	score := (completeness + engagementScore(dyn)) / 2
	if score > 100 {
		return 100
	}
	if score < 0 {
		return 0
	}
	return score
}

// IsHighValueUser implements is_high_value_user.
func IsHighValueUser(valueScore int, level ActivityLevel) bool {
	return valueScore >= highValueScoreFloor && (level == VeryActive || level == Active)
}

// GetForCRM implements get_for_crm: short-TTL, freshness-first. A cached
// snapshot is only served if its captured dynamic version still matches
// the current dynamic profile's version; any mismatch (or cache miss)
// recomputes and restores the cache.
func (a *Aggregator) GetForCRM(ctx context.Context, userID string) (*Snapshot, error) {
	start := time.Now()
	const view = "crm"

	dyn, _, err := a.dynamic.Get(ctx, userID)
	if err != nil && !pulseerr.IsTransient(err) {
		a.observe(view, "error", start)
		return nil, err
	}

	key := crmCacheKey(userID)

	if cached, ok := a.l1.Get(key); ok && dyn != nil && cached.DynamicVersion == dyn.Version {
		if a.metrics != nil {
			a.metrics.L1CacheHitsTotal.Inc()
		}
		a.observe(view, "success", start)
		snap := cached.Snapshot
		return &snap, nil
	}

	var cached cachedSnapshot
	if cacheErr := a.crmCache.Get(ctx, key, &cached); cacheErr == nil {
		if dyn != nil && cached.DynamicVersion == dyn.Version {
			a.l1.Add(key, cached)
			if a.metrics != nil {
				a.metrics.L1CacheHitsTotal.Inc()
			}
			a.observe(view, "success", start)
			snap := cached.Snapshot
			return &snap, nil
		}
	} else if !errors.Is(cacheErr, cache.ErrNotFound) {
		a.logger.Warn("aggregator: crm cache read failed, recomputing", "user_id", userID, "error", cacheErr)
	}

	if a.metrics != nil {
		a.metrics.L1CacheMissTotal.Inc()
	}

	snap, err := a.GetProfile(ctx, userID)
	if err != nil {
		a.observe(view, "error", start)
		return nil, err
	}
	if snap == nil {
		a.observe(view, "absent", start)
		return nil, nil
	}

	var version uint64
	if snap.Dynamic != nil {
		version = snap.Dynamic.Version
	}
	entry := cachedSnapshot{Snapshot: *snap, DynamicVersion: version}
	a.l1.Add(key, entry)
	if setErr := a.crmCache.Set(ctx, key, entry, crmCacheEpoch); setErr != nil {
		a.logger.Warn("aggregator: crm cache write failed", "user_id", userID, "error", setErr)
	}

	a.observe(view, "success", start)
	return snap, nil
}

// GetForAnalytics implements get_for_analytics: long-TTL, simple
// cache-aside, no freshness check — stale reads are tolerated.
func (a *Aggregator) GetForAnalytics(ctx context.Context, userID string) (*Snapshot, error) {
	start := time.Now()
	const view = "analytics"

	key := analyticsCacheKey(userID)
	var cached Snapshot
	if cacheErr := a.analyticsCache.Get(ctx, key, &cached); cacheErr == nil {
		a.observe(view, "success", start)
		return &cached, nil
	} else if !errors.Is(cacheErr, cache.ErrNotFound) {
		a.logger.Warn("aggregator: analytics cache read failed, recomputing", "user_id", userID, "error", cacheErr)
	}

	snap, err := a.GetProfile(ctx, userID)
	if err != nil {
		a.observe(view, "error", start)
		return nil, err
	}
	if snap == nil {
		a.observe(view, "absent", start)
		return nil, nil
	}

	if setErr := a.analyticsCache.Set(ctx, key, snap, analyticsCacheTTL); setErr != nil {
		a.logger.Warn("aggregator: analytics cache write failed", "user_id", userID, "error", setErr)
	}

	a.observe(view, "success", start)
	return snap, nil
}

func crmCacheKey(userID string) string {
	return "pulsehub:agg:crm:" + userID
}

func analyticsCacheKey(userID string) string {
	return "pulsehub:agg:analytics:" + userID
}
