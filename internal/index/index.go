// Package index implements the Secondary Index Maintainer: the derived
// indices (active-users-by-recency, users-by-pageviews, users-by-device,
// expiry-time index, total-user counter) kept coherent with the Dynamic
// Profile Store on every mutation.
package index

import (
	"context"
	"log/slog"
	"time"

	"github.com/pulsehub/profile-engine/internal/device"
	"github.com/pulsehub/profile-engine/internal/profile"
	"github.com/pulsehub/profile-engine/internal/pulseerr"
	"github.com/pulsehub/profile-engine/internal/store"
	"github.com/pulsehub/profile-engine/pkg/metrics"
)

const (
	activeUsersKey = "pulsehub:index:active_users"
	pageviewRankKey = "pulsehub:index:pageview_rank"
	deviceKeyPrefix = "pulsehub:index:device:"

	// ExpiryIndexKey and CounterKey are exported so the reaper's
	// reconciliation script can address them without importing this
	// package's internals.
	ExpiryIndexKey = "pulsehub:index:expiry"
	CounterKey     = "pulsehub:counter:total_users"
)

// expiryIndexKey and counterKey are unexported aliases kept so the bulk of
// this file reads the same as before the export was added.
const (
	expiryIndexKey = ExpiryIndexKey
	counterKey     = CounterKey
)

// indexTTLPadding is added to the profile's TTL when refreshing an index
// key's own expiration, so the index outlives the slowest participating
// profile, extending its own expiration to DEFAULT_TTL + 1 day.
const indexTTLPadding = 24 * time.Hour

func deviceKey(c device.Class) string {
	return deviceKeyPrefix + string(c)
}

// allDeviceClasses enumerates the classes that participate in the device
// index (Unknown is deliberately excluded: it represents "no classification",
// not a device population worth indexing).
var allDeviceClasses = []device.Class{device.Mobile, device.Desktop, device.Tablet, device.SmartTV, device.Other}

// Maintainer implements profile.IndexMaintainer plus the read-side query
// operations the index maintainer supports.
type Maintainer struct {
	ordered store.OrderedSet
	sets    store.PlainSet
	counter store.AtomicCounter
	logger  *slog.Logger
	metrics *metrics.IndexMetrics
}

// New creates a Maintainer. ordered, sets, and counter are typically the
// same underlying store.Store value, passed as separate interfaces to keep
// the dependency explicit per collaborator.
func New(ordered store.OrderedSet, sets store.PlainSet, counter store.AtomicCounter, logger *slog.Logger, m *metrics.IndexMetrics) *Maintainer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Maintainer{ordered: ordered, sets: sets, counter: counter, logger: logger, metrics: m}
}

func (m *Maintainer) observe(hook string, status string, start time.Time) {
	if m.metrics == nil {
		return
	}
	m.metrics.FanoutTotal.WithLabelValues(hook, status).Inc()
	m.metrics.FanoutDuration.WithLabelValues(hook).Observe(time.Since(start).Seconds())
}

// OnCreate fans out a newly-created profile to every index and increments
// the total-user counter. Writes are issued
// in the order {active, page-view, expiry, device}.
func (m *Maintainer) OnCreate(ctx context.Context, p *profile.Profile, ttl time.Duration) error {
	start := time.Now()
	if err := m.fanout(ctx, p, ttl); err != nil {
		m.observe("on_create", "error", start)
		return err
	}
	if _, err := m.counter.Increment(ctx, counterKey, 1); err != nil {
		m.observe("on_create", "error", start)
		return err
	}
	m.observe("on_create", "success", start)
	return nil
}

// OnUpdate re-ranks the active/page-view/expiry indices and adds any newly
// observed device membership. It never removes a stale device membership —
// only OnDelete and reaper reconciliation do, so the device index reflects
// every device a profile has ever reported rather than just its latest one.
func (m *Maintainer) OnUpdate(ctx context.Context, p *profile.Profile, ttl time.Duration) error {
	start := time.Now()
	if err := m.fanout(ctx, p, ttl); err != nil {
		m.observe("on_update", "error", start)
		return err
	}
	m.observe("on_update", "success", start)
	return nil
}

func (m *Maintainer) fanout(ctx context.Context, p *profile.Profile, ttl time.Duration) error {
	indexTTL := ttl + indexTTLPadding

	if err := m.ordered.AddWithScore(ctx, activeUsersKey, p.UserID, float64(p.LastActiveAt.UnixMilli())); err != nil {
		return err
	}
	if err := m.ordered.Expire(ctx, activeUsersKey, indexTTL); err != nil {
		return err
	}

	if err := m.ordered.AddWithScore(ctx, pageviewRankKey, p.UserID, float64(p.PageViewCount)); err != nil {
		return err
	}
	if err := m.ordered.Expire(ctx, pageviewRankKey, indexTTL); err != nil {
		return err
	}

	expiryMs := float64(time.Now().Add(ttl).UnixMilli())
	if err := m.ordered.AddWithScore(ctx, expiryIndexKey, p.UserID, expiryMs); err != nil {
		return err
	}
	if err := m.ordered.Expire(ctx, expiryIndexKey, indexTTL); err != nil {
		return err
	}

	for _, variant := range deviceVariantsOf(p) {
		key := deviceKey(variant)
		if err := m.sets.Add(ctx, key, p.UserID); err != nil {
			return err
		}
		if err := m.sets.Expire(ctx, key, indexTTL); err != nil {
			return err
		}
	}
	return nil
}

func deviceVariantsOf(p *profile.Profile) []device.Class {
	seen := make(map[device.Class]bool, len(p.RecentDeviceTypes)+1)
	var variants []device.Class
	add := func(c device.Class) {
		if c == device.Unknown || seen[c] {
			return
		}
		seen[c] = true
		variants = append(variants, c)
	}
	if p.MainDeviceClassification != nil {
		add(*p.MainDeviceClassification)
	}
	for _, d := range p.RecentDeviceTypes {
		add(d)
	}
	return variants
}

// OnDelete removes userID from every index it participates in and
// decrements the total-user counter (the store layer floors it at 0).
func (m *Maintainer) OnDelete(ctx context.Context, p *profile.Profile) error {
	start := time.Now()

	if err := m.ordered.RemoveScored(ctx, activeUsersKey, p.UserID); err != nil {
		m.observe("on_delete", "error", start)
		return err
	}
	if err := m.ordered.RemoveScored(ctx, pageviewRankKey, p.UserID); err != nil {
		m.observe("on_delete", "error", start)
		return err
	}
	if err := m.ordered.RemoveScored(ctx, expiryIndexKey, p.UserID); err != nil {
		m.observe("on_delete", "error", start)
		return err
	}
	for _, variant := range deviceVariantsOf(p) {
		if err := m.sets.Remove(ctx, deviceKey(variant), p.UserID); err != nil {
			m.observe("on_delete", "error", start)
			return err
		}
	}
	if _, err := m.counter.Decrement(ctx, counterKey, 1); err != nil {
		m.observe("on_delete", "error", start)
		return err
	}

	m.observe("on_delete", "success", start)
	return nil
}

// QueryActiveSince returns user_ids active within the last `seconds`
// seconds, most-recent first. seconds=0 returns the empty list without
// touching the index.
func (m *Maintainer) QueryActiveSince(ctx context.Context, seconds int64) ([]string, error) {
	start := time.Now()
	if seconds <= 0 {
		return nil, nil
	}
	sinceMs := float64(time.Now().Add(-time.Duration(seconds) * time.Second).UnixMilli())
	members, err := m.ordered.ReverseRangeByScore(ctx, activeUsersKey, sinceMs, maxScore, 0, -1)
	m.recordQuery("query_active_since", members, err, start)
	return members, err
}

// QueryTopByPageviews returns user_ids with page_view_count >= min, in
// strict descending order of score, paginated by page/size. Fails with
// ErrInvalidArgument if size is 0.
func (m *Maintainer) QueryTopByPageviews(ctx context.Context, min int64, page, size int) ([]string, error) {
	start := time.Now()
	if size <= 0 {
		return nil, pulseerr.Invalid("index: query_top_by_pageviews size must be > 0")
	}
	offset := int64(page) * int64(size)
	members, err := m.ordered.ReverseRangeByScore(ctx, pageviewRankKey, float64(min), maxScore, offset, int64(size))
	if err != nil {
		m.recordQuery("query_top_by_pageviews", nil, err, start)
		return nil, err
	}
	// Second-pass filter: re-verify score at result-assembly time to
	// tolerate races with concurrent updates.
	verified, err := m.filterStillAboveMin(ctx, members, min)
	m.recordQuery("query_top_by_pageviews", verified, err, start)
	return verified, err
}

func (m *Maintainer) filterStillAboveMin(ctx context.Context, members []string, min int64) ([]string, error) {
	if len(members) == 0 {
		return members, nil
	}
	scored, err := m.ordered.RangeByScoreWithScores(ctx, pageviewRankKey, float64(min), maxScore, 0, -1)
	if err != nil {
		return nil, err
	}
	current := make(map[string]float64, len(scored))
	for _, sm := range scored {
		current[sm.Member] = sm.Score
	}
	out := make([]string, 0, len(members))
	for _, userID := range members {
		if score, ok := current[userID]; ok && score >= float64(min) {
			out = append(out, userID)
		}
	}
	return out, nil
}

// QueryTopByPageviewsWithScore returns the full member->score map for
// users at or above min, with no pagination.
func (m *Maintainer) QueryTopByPageviewsWithScore(ctx context.Context, min int64) (map[string]int64, error) {
	start := time.Now()
	scored, err := m.ordered.RangeByScoreWithScores(ctx, pageviewRankKey, float64(min), maxScore, 0, -1)
	if err != nil {
		m.observe("query_top_by_pageviews_with_score", "error", start)
		return nil, err
	}
	out := make(map[string]int64, len(scored))
	for _, sm := range scored {
		out[sm.Member] = int64(sm.Score)
	}
	m.observe("query_top_by_pageviews_with_score", "success", start)
	return out, nil
}

// QueryByDevice returns all user_ids in the given device class's index.
func (m *Maintainer) QueryByDevice(ctx context.Context, variant device.Class) ([]string, error) {
	start := time.Now()
	members, err := m.sets.Members(ctx, deviceKey(variant))
	m.recordQuery("query_by_device", members, err, start)
	return members, err
}

// DeviceDistribution returns the member count of every device class's index.
func (m *Maintainer) DeviceDistribution(ctx context.Context) (map[device.Class]int64, error) {
	start := time.Now()
	out := make(map[device.Class]int64, len(allDeviceClasses))
	for _, variant := range allDeviceClasses {
		size, err := m.sets.Size(ctx, deviceKey(variant))
		if err != nil {
			m.observe("device_distribution", "error", start)
			return nil, err
		}
		out[variant] = size
	}
	m.observe("device_distribution", "success", start)
	return out, nil
}

func (m *Maintainer) recordQuery(name string, members []string, err error, start time.Time) {
	if m.metrics == nil {
		return
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	m.metrics.QueryTotal.WithLabelValues(name, status).Inc()
	m.metrics.QueryDuration.WithLabelValues(name).Observe(time.Since(start).Seconds())
	if err == nil {
		m.metrics.QueryResultSize.WithLabelValues(name).Observe(float64(len(members)))
	}
}

// maxScore is a finite stand-in for "+inf" that is safely above any
// realistic score in this domain (Unix-ms timestamps or page-view counts).
const maxScore = 1 << 62
