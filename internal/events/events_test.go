package events

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type fakeSink struct {
	id      string
	mu      sync.Mutex
	events  []ProfileUpdated
	failing bool
}

func (f *fakeSink) ID() string { return f.id }

func (f *fakeSink) Publish(ctx context.Context, event ProfileUpdated) error {
	if f.failing {
		return errFakeSinkDown
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, event)
	return nil
}

func (f *fakeSink) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.events)
}

var errFakeSinkDown = &sinkDownError{}

type sinkDownError struct{}

func (*sinkDownError) Error() string { return "sink down" }

func TestBus_DeliversToRegisteredSinks(t *testing.T) {
	bus := NewBus(nil, nil)
	sink := &fakeSink{id: "test-sink"}
	bus.Register(sink)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	bus.Start(ctx)
	defer bus.Stop(context.Background())

	bus.Publish(NewProfileUpdated("U1", 2, time.Now()))

	require.Eventually(t, func() bool { return sink.count() == 1 }, time.Second, 10*time.Millisecond)
}

func TestBus_FailingSinkDoesNotBlockOthers(t *testing.T) {
	bus := NewBus(nil, nil)
	down := &fakeSink{id: "down", failing: true}
	up := &fakeSink{id: "up"}
	bus.Register(down)
	bus.Register(up)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	bus.Start(ctx)
	defer bus.Stop(context.Background())

	bus.Publish(NewProfileUpdated("U1", 1, time.Now()))

	require.Eventually(t, func() bool { return up.count() == 1 }, time.Second, 10*time.Millisecond)
}

func TestBus_UnregisterStopsDelivery(t *testing.T) {
	bus := NewBus(nil, nil)
	sink := &fakeSink{id: "test-sink"}
	bus.Register(sink)
	bus.Unregister(sink)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	bus.Start(ctx)
	defer bus.Stop(context.Background())

	bus.Publish(NewProfileUpdated("U1", 1, time.Now()))
	time.Sleep(50 * time.Millisecond)
	require.Equal(t, 0, sink.count())
}

type fakeCleanupSink struct {
	id     string
	mu     sync.Mutex
	events []CleanupEvent
}

func (f *fakeCleanupSink) ID() string { return f.id }

func (f *fakeCleanupSink) Publish(ctx context.Context, event CleanupEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, event)
	return nil
}

func (f *fakeCleanupSink) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.events)
}

func TestCleanupBus_DeliversCompletedAndFailedToRegisteredSinks(t *testing.T) {
	bus := NewCleanupBus(nil, nil)
	sink := &fakeCleanupSink{id: "test-sink"}
	bus.Register(sink)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	bus.Start(ctx)
	defer bus.Stop(context.Background())

	bus.Publish(CleanupCompleted{TaskID: "t1", TotalExpired: 3, TotalCandidates: 3, Iterations: 1})
	bus.Publish(CleanupFailed{TaskID: "t2", Error: "boom"})

	require.Eventually(t, func() bool { return sink.count() == 2 }, time.Second, 10*time.Millisecond)
}
