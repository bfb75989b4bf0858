package ingest

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/pulsehub/profile-engine/internal/aggregator"
	"github.com/pulsehub/profile-engine/internal/coldtier"
	"github.com/pulsehub/profile-engine/internal/device"
	"github.com/pulsehub/profile-engine/internal/events"
	"github.com/pulsehub/profile-engine/internal/profile"
	"github.com/pulsehub/profile-engine/internal/store/redisstore"
)

// capturingSink records every event delivered to it.
type capturingSink struct {
	mu     sync.Mutex
	events []events.ProfileUpdated
}

func (s *capturingSink) ID() string { return "capturing" }

func (s *capturingSink) Publish(ctx context.Context, event events.ProfileUpdated) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event)
	return nil
}

func (s *capturingSink) snapshot() []events.ProfileUpdated {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]events.ProfileUpdated, len(s.events))
	copy(out, s.events)
	return out
}

func newTestRouter(t *testing.T) (*Router, *capturingSink) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	rs := redisstore.New(client)
	profiles := profile.New(rs, noopIndex{}, nil, nil)
	classifier := device.New(rs, nil, nil)

	bus := events.NewBus(nil, nil)
	sink := &capturingSink{}
	bus.Register(sink)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	bus.Start(ctx)
	t.Cleanup(func() { _ = bus.Stop(context.Background()) })

	return New(profiles, classifier, bus, nil, nil), sink
}

type noopIndex struct{}

func (noopIndex) OnCreate(ctx context.Context, p *profile.Profile, ttl time.Duration) error { return nil }
func (noopIndex) OnUpdate(ctx context.Context, p *profile.Profile, ttl time.Duration) error { return nil }
func (noopIndex) OnDelete(ctx context.Context, p *profile.Profile) error                    { return nil }

func TestRoute_PageViewDefaultsToOne(t *testing.T) {
	router, _ := newTestRouter(t)
	ctx := context.Background()

	err := router.Route(ctx, Event{UserID: "U1", EventType: PageView})
	require.NoError(t, err)
}

func TestRoute_PageViewWithExplicitCount(t *testing.T) {
	router, _ := newTestRouter(t)
	ctx := context.Background()
	count := uint64(5)

	err := router.Route(ctx, Event{UserID: "U2", EventType: PageView, Count: &count})
	require.NoError(t, err)
}

func TestRoute_DeviceObservedClassifiesAndUpdates(t *testing.T) {
	router, _ := newTestRouter(t)
	ctx := context.Background()
	token := "iphone"

	err := router.Route(ctx, Event{UserID: "U3", EventType: DeviceObserved, DeviceRawToken: &token})
	require.NoError(t, err)
}

func TestRoute_SessionStartUpdatesLastActive(t *testing.T) {
	router, _ := newTestRouter(t)
	ctx := context.Background()

	err := router.Route(ctx, Event{UserID: "U4", EventType: SessionStart, Timestamp: time.Now()})
	require.NoError(t, err)
}

func TestRoute_UnrecognizedEventTypeIsInvalid(t *testing.T) {
	router, _ := newTestRouter(t)
	err := router.Route(context.Background(), Event{UserID: "U5", EventType: "BOGUS"})
	require.Error(t, err)
}

func TestRoute_EmptyUserIDIsInvalid(t *testing.T) {
	router, _ := newTestRouter(t)
	err := router.Route(context.Background(), Event{EventType: PageView})
	require.Error(t, err)
}

func TestRoute_PublishesProfileUpdatedOnSuccess(t *testing.T) {
	router, sink := newTestRouter(t)
	ctx := context.Background()

	require.NoError(t, router.Route(ctx, Event{UserID: "U6", EventType: PageView}))
	require.Eventually(t, func() bool {
		return len(sink.snapshot()) == 1
	}, time.Second, 10*time.Millisecond)

	got := sink.snapshot()[0]
	require.Equal(t, "U6", got.UserID)
	require.Equal(t, "profile-core", got.Source)
}

// fakeColdTier is an in-memory coldtier.Repository test double.
type fakeColdTier struct {
	docs map[string]coldtier.SnapshotInput
}

func (f *fakeColdTier) UpsertDocument(ctx context.Context, in coldtier.SnapshotInput) (*coldtier.Document, error) {
	f.docs[in.UserID] = in
	return &coldtier.Document{UserID: in.UserID}, nil
}
func (f *fakeColdTier) GetActive(ctx context.Context, userID string) (*coldtier.Document, bool, error) {
	return nil, false, nil
}
func (f *fakeColdTier) MarkDeleted(ctx context.Context, userID string) error { return nil }
func (f *fakeColdTier) FindByCity(ctx context.Context, city string, limit, offset int) ([]*coldtier.Document, error) {
	return nil, nil
}
func (f *fakeColdTier) FindByDeviceClass(ctx context.Context, class string, limit, offset int) ([]*coldtier.Document, error) {
	return nil, nil
}
func (f *fakeColdTier) FindByInterest(ctx context.Context, interest string, limit, offset int) ([]*coldtier.Document, error) {
	return nil, nil
}
func (f *fakeColdTier) FindByIndustry(ctx context.Context, industry string, limit, offset int) ([]*coldtier.Document, error) {
	return nil, nil
}
func (f *fakeColdTier) FindHighValueActive(ctx context.Context, minScore int, since time.Time, limit, offset int) ([]*coldtier.Document, error) {
	return nil, nil
}
func (f *fakeColdTier) CountActive(ctx context.Context) (int64, error)                { return 0, nil }
func (f *fakeColdTier) CountActiveSince(ctx context.Context, since time.Time) (int64, error) { return 0, nil }
func (f *fakeColdTier) AddTag(ctx context.Context, userID, tag string) error          { return nil }
func (f *fakeColdTier) FindByTag(ctx context.Context, tag string, limit, offset int) ([]*coldtier.Document, error) {
	return nil, nil
}

func TestMaterialize_NilSnapshotIsNoOp(t *testing.T) {
	m := NewMaterializer(&fakeColdTier{docs: map[string]coldtier.SnapshotInput{}}, nil, nil)
	require.NoError(t, m.Materialize(context.Background(), nil))
}

func TestMaterialize_MapsSnapshotIntoSnapshotInput(t *testing.T) {
	repo := &fakeColdTier{docs: map[string]coldtier.SnapshotInput{}}
	m := NewMaterializer(repo, nil, nil)

	snap := &aggregator.Snapshot{UserID: "U7", ValueScore: 42}
	require.NoError(t, m.Materialize(context.Background(), snap))

	got, ok := repo.docs["U7"]
	require.True(t, ok)
	require.Equal(t, 42, got.ValueScore)
}
