// Package profile implements the Dynamic Profile Store: the hot-tier keyed
// store of per-user behavioral state with a per-key TTL.
package profile

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/pulsehub/profile-engine/internal/device"
	"github.com/pulsehub/profile-engine/internal/pulseerr"
	"github.com/pulsehub/profile-engine/internal/store"
	"github.com/pulsehub/profile-engine/pkg/metrics"
)

// schemaVersion is the current wire schema for a serialized Profile.
// Deserialization tolerates unknown fields and legacy/absent values by
// relying on encoding/json's default unmarshal behavior plus explicit
// zero-value defaulting in unmarshalProfile.
const schemaVersion = 1

// maxRecentDeviceTypes bounds RecentDeviceTypes to a small, typical working set.
const maxRecentDeviceTypes = 8

// DefaultTTL is the default per-key TTL for a dynamic profile: 7 days.
const DefaultTTL = 7 * 24 * time.Hour

// Profile is the central dynamic-profile entity.
type Profile struct {
	UserID                   string         `json:"user_id"`
	LastActiveAt             time.Time      `json:"last_active_at"`
	PageViewCount            uint64         `json:"page_view_count"`
	MainDeviceClassification *device.Class  `json:"main_device_classification,omitempty"`
	RecentDeviceTypes        []device.Class `json:"recent_device_types,omitempty"`
	Version                  uint64         `json:"version"`
	UpdatedAt                time.Time      `json:"updated_at"`
}

type wireProfile struct {
	SchemaVersion             int            `json:"schema_version"`
	UserID                    string         `json:"user_id"`
	LastActiveAt              time.Time      `json:"last_active_at"`
	PageViewCount             uint64         `json:"page_view_count"`
	MainDeviceClassification  *device.Class  `json:"main_device_classification,omitempty"`
	RecentDeviceTypes         []device.Class `json:"recent_device_types,omitempty"`
	Version                   uint64         `json:"version"`
	UpdatedAt                 time.Time      `json:"updated_at"`
}

func (p *Profile) marshal() ([]byte, error) {
	w := wireProfile{
		SchemaVersion:             schemaVersion,
		UserID:                    p.UserID,
		LastActiveAt:              p.LastActiveAt,
		PageViewCount:             p.PageViewCount,
		MainDeviceClassification:  p.MainDeviceClassification,
		RecentDeviceTypes:         p.RecentDeviceTypes,
		Version:                   p.Version,
		UpdatedAt:                 p.UpdatedAt,
	}
	return json.Marshal(w)
}

func unmarshalProfile(b []byte) (*Profile, error) {
	var w wireProfile
	if err := json.Unmarshal(b, &w); err != nil {
		return nil, pulseerr.Fatal(err)
	}
	p := &Profile{
		UserID:                    w.UserID,
		LastActiveAt:              w.LastActiveAt,
		PageViewCount:             w.PageViewCount,
		MainDeviceClassification:  w.MainDeviceClassification,
		RecentDeviceTypes:         w.RecentDeviceTypes,
		Version:                   w.Version,
		UpdatedAt:                 w.UpdatedAt,
	}
	if p.Version == 0 {
		p.Version = 1
	}
	return p, nil
}

// addRecentDevice appends variant to RecentDeviceTypes if not already
// present, evicting the oldest entry once the cap is reached.
func (p *Profile) addRecentDevice(variant device.Class) {
	for _, d := range p.RecentDeviceTypes {
		if d == variant {
			return
		}
	}
	p.RecentDeviceTypes = append(p.RecentDeviceTypes, variant)
	if len(p.RecentDeviceTypes) > maxRecentDeviceTypes {
		p.RecentDeviceTypes = p.RecentDeviceTypes[len(p.RecentDeviceTypes)-maxRecentDeviceTypes:]
	}
}

// IndexMaintainer is the fan-out boundary to the Secondary Index Maintainer
// (package internal/index). Defined here, rather than imported from index,
// so that profile has no dependency on index — index depends on profile's
// Profile type instead, keeping the fan-out direction matching the system's flow
// ("every B mutation fans out to C").
type IndexMaintainer interface {
	OnCreate(ctx context.Context, p *Profile, ttl time.Duration) error
	OnUpdate(ctx context.Context, p *Profile, ttl time.Duration) error
	OnDelete(ctx context.Context, p *Profile) error
}

// Store is the Dynamic Profile Store.
type Store struct {
	kv         store.KeyedStore
	index      IndexMaintainer
	defaultTTL time.Duration
	logger     *slog.Logger
	metrics    *metrics.ProfileMetrics
}

// Option configures a Store at construction time.
type Option func(*Store)

// WithDefaultTTL overrides DefaultTTL (primarily for tests).
func WithDefaultTTL(ttl time.Duration) Option {
	return func(s *Store) { s.defaultTTL = ttl }
}

// New creates a Dynamic Profile Store.
func New(kv store.KeyedStore, index IndexMaintainer, logger *slog.Logger, m *metrics.ProfileMetrics, opts ...Option) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Store{kv: kv, index: index, defaultTTL: DefaultTTL, logger: logger, metrics: m}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ProfilePrefix namespaces every primary profile key. Exported so the
// reaper's reconciliation script can test existence of "prefix || member"
// without importing this package's internals.
const ProfilePrefix = "pulsehub:profile:"

func primaryKey(userID string) string {
	return ProfilePrefix + userID
}

func (s *Store) observe(op string, status string, start time.Time) {
	if s.metrics == nil {
		return
	}
	s.metrics.OperationsTotal.WithLabelValues(op, status).Inc()
	s.metrics.OperationDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
}

// Create writes a new profile with defaults applied and fans out to
// the index maintainer. Fails with ErrInvalidArgument if UserID is empty.
func (s *Store) Create(ctx context.Context, p *Profile) (*Profile, error) {
	start := time.Now()
	if p == nil || p.UserID == "" {
		s.observe("create", "invalid", start)
		return nil, pulseerr.Invalid("profile: user_id must not be empty")
	}

	now := time.Now().UTC()
	out := &Profile{
		UserID:                    p.UserID,
		PageViewCount:             p.PageViewCount,
		MainDeviceClassification:  p.MainDeviceClassification,
		RecentDeviceTypes:         p.RecentDeviceTypes,
		Version:                   1,
		UpdatedAt:                 now,
	}
	out.LastActiveAt = p.LastActiveAt
	if out.LastActiveAt.IsZero() {
		out.LastActiveAt = now
	}

	if err := s.write(ctx, out, s.defaultTTL); err != nil {
		s.observe("create", "error", start)
		return nil, err
	}
	if err := s.index.OnCreate(ctx, out, s.defaultTTL); err != nil {
		s.logger.Warn("profile: index fan-out failed on create", "user_id", out.UserID, "error", err)
	}

	s.observe("create", "success", start)
	return out, nil
}

// Get reads a profile. ok is false if absent (never an error).
func (s *Store) Get(ctx context.Context, userID string) (p *Profile, ok bool, err error) {
	start := time.Now()
	raw, found, err := s.kv.Get(ctx, primaryKey(userID))
	if err != nil {
		s.observe("get", "error", start)
		return nil, false, err
	}
	if !found {
		s.observe("get", "not_found", start)
		return nil, false, nil
	}
	p, err = unmarshalProfile(raw)
	if err != nil {
		s.observe("get", "error", start)
		return nil, false, err
	}
	s.observe("get", "success", start)
	return p, true, nil
}

func (s *Store) write(ctx context.Context, p *Profile, ttl time.Duration) error {
	b, err := p.marshal()
	if err != nil {
		return pulseerr.Fatal(err)
	}
	return s.kv.SetWithTTL(ctx, primaryKey(p.UserID), b, ttl)
}

// Update bumps version, refreshes updated_at, sets last_active_at to the
// max of the existing value and now, rewrites the entry with a fresh TTL,
// and re-runs the index fan-out for active/page-view/expiry/device indices
// (re-ranking rather than insertion).
func (s *Store) Update(ctx context.Context, p *Profile) (*Profile, error) {
	start := time.Now()
	if p == nil || p.UserID == "" {
		s.observe("update", "invalid", start)
		return nil, pulseerr.Invalid("profile: user_id must not be empty")
	}

	now := time.Now().UTC()
	out := *p
	out.Version = p.Version + 1
	out.UpdatedAt = now
	if now.After(out.LastActiveAt) {
		out.LastActiveAt = now
	}

	if err := s.write(ctx, &out, s.defaultTTL); err != nil {
		s.observe("update", "error", start)
		return nil, err
	}
	if err := s.index.OnUpdate(ctx, &out, s.defaultTTL); err != nil {
		s.logger.Warn("profile: index fan-out failed on update", "user_id", out.UserID, "error", err)
	}

	s.observe("update", "success", start)
	return &out, nil
}

func (s *Store) getOrCreate(ctx context.Context, userID string) (*Profile, error) {
	existing, ok, err := s.Get(ctx, userID)
	if err != nil {
		return nil, err
	}
	if ok {
		return existing, nil
	}
	return s.Create(ctx, &Profile{UserID: userID})
}

// RecordPageViews is a get-or-create convenience: page_view_count += count,
// then update. Fails with ErrInvalidArgument if count is not positive.
func (s *Store) RecordPageViews(ctx context.Context, userID string, count uint64) (*Profile, error) {
	if count == 0 {
		return nil, pulseerr.Invalid("profile: record_page_views count must be > 0")
	}
	p, err := s.getOrCreate(ctx, userID)
	if err != nil {
		return nil, err
	}
	p.PageViewCount += count
	return s.Update(ctx, p)
}

// UpdateLastActive is a get-or-create convenience that bumps last_active_at.
// at defaults to now when nil.
func (s *Store) UpdateLastActive(ctx context.Context, userID string, at *time.Time) (*Profile, error) {
	p, err := s.getOrCreate(ctx, userID)
	if err != nil {
		return nil, err
	}
	when := time.Now().UTC()
	if at != nil {
		when = *at
	}
	if when.After(p.LastActiveAt) {
		p.LastActiveAt = when
	}
	return s.Update(ctx, p)
}

// UpdateDevice sets the main device classification and appends it to the
// recent-devices set, triggering the device index update.
func (s *Store) UpdateDevice(ctx context.Context, userID string, variant device.Class) (*Profile, error) {
	if !variant.Valid() {
		return nil, pulseerr.Invalid("profile: %q is not a valid device class", variant)
	}
	p, err := s.getOrCreate(ctx, userID)
	if err != nil {
		return nil, err
	}
	v := variant
	p.MainDeviceClassification = &v
	p.addRecentDevice(variant)
	return s.Update(ctx, p)
}

// GetMany performs a batched read and returns the profiles keyed by user id.
// Absent ids are simply omitted from the returned map.
func (s *Store) GetMany(ctx context.Context, userIDs []string) (map[string]*Profile, error) {
	out := make(map[string]*Profile, len(userIDs))
	for _, id := range userIDs {
		p, ok, err := s.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if ok {
			out[id] = p
		}
	}
	return out, nil
}

// BatchUpdatePageViews applies record_page_views semantics for each entry in
// deltas, returning the number of profiles successfully updated. Index
// writes are not further coalesced beyond what Update already does per
// mutation; the batching here is in the caller-facing API shape only.
func (s *Store) BatchUpdatePageViews(ctx context.Context, deltas map[string]uint64) (int, error) {
	count := 0
	for userID, delta := range deltas {
		if delta == 0 {
			continue
		}
		if _, err := s.RecordPageViews(ctx, userID, delta); err != nil {
			return count, err
		}
		count++
	}
	return count, nil
}

// Exists reports whether userID has a live primary record.
func (s *Store) Exists(ctx context.Context, userID string) (bool, error) {
	return s.kv.Exists(ctx, primaryKey(userID))
}

// Delete removes userID's primary record and all index memberships,
// decrementing the total-user counter (floored at 0). Returns false if the
// user did not exist.
func (s *Store) Delete(ctx context.Context, userID string) (bool, error) {
	start := time.Now()
	existing, ok, err := s.Get(ctx, userID)
	if err != nil {
		s.observe("delete", "error", start)
		return false, err
	}
	found, err := s.kv.Delete(ctx, primaryKey(userID))
	if err != nil {
		s.observe("delete", "error", start)
		return false, err
	}
	if !found {
		s.observe("delete", "not_found", start)
		return false, nil
	}
	if ok {
		if err := s.index.OnDelete(ctx, existing); err != nil {
			s.logger.Warn("profile: index fan-out failed on delete", "user_id", userID, "error", err)
		}
	}
	s.observe("delete", "success", start)
	return true, nil
}
