package profile

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/pulsehub/profile-engine/internal/device"
	"github.com/pulsehub/profile-engine/internal/store/redisstore"
)

// noopIndex satisfies IndexMaintainer without touching any secondary index —
// these tests exercise only the dynamic primary record.
type noopIndex struct{}

func (noopIndex) OnCreate(ctx context.Context, p *Profile, ttl time.Duration) error { return nil }
func (noopIndex) OnUpdate(ctx context.Context, p *Profile, ttl time.Duration) error { return nil }
func (noopIndex) OnDelete(ctx context.Context, p *Profile) error                    { return nil }

func newTestStore(t *testing.T) *Store {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	rs := redisstore.New(client)
	return New(rs, noopIndex{}, nil, nil)
}

func TestCreate_AppliesDefaultsAndTTL(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	p, err := s.Create(ctx, &Profile{UserID: "U1"})
	require.NoError(t, err)
	require.Equal(t, "U1", p.UserID)
	require.Equal(t, uint64(1), p.Version)
	require.False(t, p.LastActiveAt.IsZero())

	found, err := s.Exists(ctx, "U1")
	require.NoError(t, err)
	require.True(t, found)
}

func TestCreate_RejectsEmptyUserID(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Create(context.Background(), &Profile{})
	require.Error(t, err)
}

func TestCreate_PreservesExplicitLastActiveAt(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	past := time.Now().Add(-48 * time.Hour).UTC().Truncate(time.Second)

	p, err := s.Create(ctx, &Profile{UserID: "U2", LastActiveAt: past})
	require.NoError(t, err)
	require.WithinDuration(t, past, p.LastActiveAt, time.Second)
}

func TestGet_AbsentReturnsNotFoundWithoutError(t *testing.T) {
	s := newTestStore(t)
	p, ok, err := s.Get(context.Background(), "ghost")
	require.NoError(t, err)
	require.False(t, ok)
	require.Nil(t, p)
}

func TestGet_RoundTripsCreatedProfile(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	_, err := s.Create(ctx, &Profile{UserID: "U3", PageViewCount: 7})
	require.NoError(t, err)

	p, ok, err := s.Get(ctx, "U3")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, uint64(7), p.PageViewCount)
}

func TestUpdate_BumpsVersionAndUpdatedAt(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	p, err := s.Create(ctx, &Profile{UserID: "U4"})
	require.NoError(t, err)

	p.PageViewCount = 10
	updated, err := s.Update(ctx, p)
	require.NoError(t, err)
	require.Equal(t, p.Version+1, updated.Version)
	require.True(t, updated.UpdatedAt.After(p.UpdatedAt) || updated.UpdatedAt.Equal(p.UpdatedAt))
}

func TestUpdate_LastActiveAtNeverMovesBackward(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	future := time.Now().Add(time.Hour).UTC()
	p, err := s.Create(ctx, &Profile{UserID: "U5", LastActiveAt: future})
	require.NoError(t, err)

	updated, err := s.Update(ctx, p)
	require.NoError(t, err)
	require.True(t, updated.LastActiveAt.Equal(future) || updated.LastActiveAt.After(future))
}

func TestUpdate_RejectsEmptyUserID(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Update(context.Background(), &Profile{})
	require.Error(t, err)
}

func TestRecordPageViews_CreatesOnFirstCall(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	p, err := s.RecordPageViews(ctx, "U6", 3)
	require.NoError(t, err)
	require.Equal(t, uint64(3), p.PageViewCount)

	p, err = s.RecordPageViews(ctx, "U6", 2)
	require.NoError(t, err)
	require.Equal(t, uint64(5), p.PageViewCount)
}

func TestRecordPageViews_RejectsZeroCount(t *testing.T) {
	s := newTestStore(t)
	_, err := s.RecordPageViews(context.Background(), "U7", 0)
	require.Error(t, err)
}

func TestUpdateLastActive_DefaultsToNowWhenNil(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	before := time.Now().UTC()

	p, err := s.UpdateLastActive(ctx, "U8", nil)
	require.NoError(t, err)
	require.True(t, !p.LastActiveAt.Before(before))
}

func TestUpdateLastActive_ExplicitTimestampHonored(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	_, err := s.Create(ctx, &Profile{UserID: "U9", LastActiveAt: time.Now().Add(-time.Hour)})
	require.NoError(t, err)

	at := time.Now().Add(time.Minute).UTC()
	p, err := s.UpdateLastActive(ctx, "U9", &at)
	require.NoError(t, err)
	require.WithinDuration(t, at, p.LastActiveAt, time.Second)
}

func TestUpdateDevice_SetsMainAndAppendsRecent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	p, err := s.UpdateDevice(ctx, "U10", device.Mobile)
	require.NoError(t, err)
	require.NotNil(t, p.MainDeviceClassification)
	require.Equal(t, device.Mobile, *p.MainDeviceClassification)
	require.Contains(t, p.RecentDeviceTypes, device.Mobile)

	p, err = s.UpdateDevice(ctx, "U10", device.Desktop)
	require.NoError(t, err)
	require.Equal(t, device.Desktop, *p.MainDeviceClassification)
	require.Contains(t, p.RecentDeviceTypes, device.Mobile)
	require.Contains(t, p.RecentDeviceTypes, device.Desktop)
}

func TestUpdateDevice_RejectsInvalidClass(t *testing.T) {
	s := newTestStore(t)
	_, err := s.UpdateDevice(context.Background(), "U11", device.Class("BOGUS"))
	require.Error(t, err)
}

func TestAddRecentDevice_CapsAtMax(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	classes := []device.Class{
		device.Mobile, device.Desktop, device.Tablet, device.SmartTV, device.Other,
	}
	var p *Profile
	var err error
	for i := 0; i < maxRecentDeviceTypes+3; i++ {
		variant := classes[i%len(classes)]
		p, err = s.UpdateDevice(ctx, "U12", variant)
		require.NoError(t, err)
	}
	require.LessOrEqual(t, len(p.RecentDeviceTypes), maxRecentDeviceTypes)
}

func TestGetMany_OmitsAbsentIDsAndPreservesFound(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	_, err := s.Create(ctx, &Profile{UserID: "U13"})
	require.NoError(t, err)
	_, err = s.Create(ctx, &Profile{UserID: "U14"})
	require.NoError(t, err)

	out, err := s.GetMany(ctx, []string{"U13", "U14", "ghost"})
	require.NoError(t, err)
	require.Len(t, out, 2)
	require.Contains(t, out, "U13")
	require.Contains(t, out, "U14")
	require.NotContains(t, out, "ghost")
}

func TestBatchUpdatePageViews_SkipsZeroDeltasAndCountsApplied(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	n, err := s.BatchUpdatePageViews(ctx, map[string]uint64{
		"U15": 4,
		"U16": 0,
		"U17": 2,
	})
	require.NoError(t, err)
	require.Equal(t, 2, n)

	p, ok, err := s.Get(ctx, "U15")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, uint64(4), p.PageViewCount)

	_, ok, err = s.Get(ctx, "U16")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestExists_FalseForAbsentUser(t *testing.T) {
	s := newTestStore(t)
	found, err := s.Exists(context.Background(), "ghost")
	require.NoError(t, err)
	require.False(t, found)
}

func TestDelete_RemovesRecordAndReportsFound(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	_, err := s.Create(ctx, &Profile{UserID: "U18"})
	require.NoError(t, err)

	found, err := s.Delete(ctx, "U18")
	require.NoError(t, err)
	require.True(t, found)

	exists, err := s.Exists(ctx, "U18")
	require.NoError(t, err)
	require.False(t, exists)
}

func TestDelete_AbsentReturnsFalseWithoutError(t *testing.T) {
	s := newTestStore(t)
	found, err := s.Delete(context.Background(), "ghost")
	require.NoError(t, err)
	require.False(t, found)
}
