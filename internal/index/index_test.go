package index

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/pulsehub/profile-engine/internal/device"
	"github.com/pulsehub/profile-engine/internal/profile"
	"github.com/pulsehub/profile-engine/internal/store/redisstore"
)

func newTestMaintainer(t *testing.T) *Maintainer {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	s := redisstore.New(client)
	return New(s, s, s, nil, nil)
}

func mobile() *device.Class {
	c := device.Mobile
	return &c
}

func testProfile(userID string, pageviews uint64) *profile.Profile {
	return &profile.Profile{
		UserID:                   userID,
		LastActiveAt:             time.Now(),
		PageViewCount:            pageviews,
		MainDeviceClassification: mobile(),
		RecentDeviceTypes:        []device.Class{device.Mobile},
		Version:                  1,
		UpdatedAt:                time.Now(),
	}
}

func TestOnCreate_AddsToAllIndices(t *testing.T) {
	ctx := context.Background()
	m := newTestMaintainer(t)
	p := testProfile("U1", 5)

	require.NoError(t, m.OnCreate(ctx, p, time.Hour))

	active, err := m.QueryActiveSince(ctx, 3600)
	require.NoError(t, err)
	require.Contains(t, active, "U1")

	top, err := m.QueryTopByPageviews(ctx, 0, 0, 10)
	require.NoError(t, err)
	require.Contains(t, top, "U1")

	devices, err := m.QueryByDevice(ctx, device.Mobile)
	require.NoError(t, err)
	require.Contains(t, devices, "U1")
}

func TestOnCreate_IncrementsCounter(t *testing.T) {
	ctx := context.Background()
	m := newTestMaintainer(t)

	require.NoError(t, m.OnCreate(ctx, testProfile("U1", 0), time.Hour))
	require.NoError(t, m.OnCreate(ctx, testProfile("U2", 0), time.Hour))

	n, err := m.counter.GetCounter(ctx, counterKey)
	require.NoError(t, err)
	require.Equal(t, int64(2), n)
}

func TestOnDelete_RemovesFromAllIndicesAndDecrements(t *testing.T) {
	ctx := context.Background()
	m := newTestMaintainer(t)
	p := testProfile("U1", 5)

	require.NoError(t, m.OnCreate(ctx, p, time.Hour))
	require.NoError(t, m.OnDelete(ctx, p))

	active, err := m.QueryActiveSince(ctx, 3600)
	require.NoError(t, err)
	require.NotContains(t, active, "U1")

	devices, err := m.QueryByDevice(ctx, device.Mobile)
	require.NoError(t, err)
	require.NotContains(t, devices, "U1")

	n, err := m.counter.GetCounter(ctx, counterKey)
	require.NoError(t, err)
	require.Equal(t, int64(0), n)
}

func TestOnUpdate_DoesNotRemoveStaleDeviceMembership(t *testing.T) {
	ctx := context.Background()
	m := newTestMaintainer(t)
	p := testProfile("U1", 5)
	require.NoError(t, m.OnCreate(ctx, p, time.Hour))

	desktop := device.Desktop
	p.MainDeviceClassification = &desktop
	p.RecentDeviceTypes = []device.Class{device.Desktop, device.Mobile}
	require.NoError(t, m.OnUpdate(ctx, p, time.Hour))

	mobileMembers, err := m.QueryByDevice(ctx, device.Mobile)
	require.NoError(t, err)
	require.Contains(t, mobileMembers, "U1", "update_device must not remove stale device index membership")

	desktopMembers, err := m.QueryByDevice(ctx, device.Desktop)
	require.NoError(t, err)
	require.Contains(t, desktopMembers, "U1")
}

func TestQueryActiveSince_ZeroReturnsEmptyWithoutTouchingIndex(t *testing.T) {
	ctx := context.Background()
	m := newTestMaintainer(t)
	require.NoError(t, m.OnCreate(ctx, testProfile("U1", 0), time.Hour))

	active, err := m.QueryActiveSince(ctx, 0)
	require.NoError(t, err)
	require.Empty(t, active)
}

func TestQueryTopByPageviews_RejectsZeroSize(t *testing.T) {
	ctx := context.Background()
	m := newTestMaintainer(t)
	_, err := m.QueryTopByPageviews(ctx, 0, 0, 0)
	require.Error(t, err)
}

func TestQueryTopByPageviews_DescendingOrder(t *testing.T) {
	ctx := context.Background()
	m := newTestMaintainer(t)

	for i := 0; i < 100; i++ {
		require.NoError(t, m.OnCreate(ctx, testProfile(userIDFor(i), uint64(i+1)), time.Hour))
	}

	top, err := m.QueryTopByPageviews(ctx, 50, 0, 100)
	require.NoError(t, err)
	require.Len(t, top, 51)

	scores, err := m.QueryTopByPageviewsWithScore(ctx, 50)
	require.NoError(t, err)
	require.Equal(t, int64(100), scores[top[0]], "head of descending result must be the max score")
}

func TestDeviceDistribution_ExcludesUnknown(t *testing.T) {
	ctx := context.Background()
	m := newTestMaintainer(t)
	require.NoError(t, m.OnCreate(ctx, testProfile("U1", 0), time.Hour))

	dist, err := m.DeviceDistribution(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(1), dist[device.Mobile])
	_, hasUnknown := dist[device.Unknown]
	require.False(t, hasUnknown)
}

func userIDFor(i int) string {
	const letters = "0123456789abcdefghijklmnopqrstuvwxyz"
	return "U" + string(letters[i%len(letters)]) + string(letters[(i/len(letters))%len(letters)])
}
