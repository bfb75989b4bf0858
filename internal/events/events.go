// Package events implements the outbound half of the Event Boundary: after
// any successful Dynamic Profile Store mutation, a ProfileUpdated event is
// published to downstream consumers on a best-effort basis. It also carries
// the TTL-Aware Expiry Reaper's terminal per-tick events, CleanupCompleted
// and CleanupFailed, over a separate CleanupBus.
package events

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/pulsehub/profile-engine/pkg/metrics"
)

// ProfileUpdated is published after any successful mutation of a dynamic
// profile. source is fixed at "profile-core" per the outbound contract.
type ProfileUpdated struct {
	UserID    string    `json:"user_id"`
	Version   uint64    `json:"version"`
	UpdatedAt time.Time `json:"updated_at"`
	Source    string    `json:"source"`

	id       string
	sequence int64
}

const profileUpdatedSource = "profile-core"

// NewProfileUpdated builds a ProfileUpdated event. The bus assigns the
// sequence number at publish time.
func NewProfileUpdated(userID string, version uint64, updatedAt time.Time) ProfileUpdated {
	return ProfileUpdated{
		UserID:    userID,
		Version:   version,
		UpdatedAt: updatedAt,
		Source:    profileUpdatedSource,
		id:        uuid.NewString(),
	}
}

// Sink is the outbound collaborator the bus fans events out to — typically
// a Kafka producer adapter, kept external to this package per the Event
// Boundary's contract-only status.
type Sink interface {
	ID() string
	Publish(ctx context.Context, event ProfileUpdated) error
}

// Bus buffers ProfileUpdated events and delivers them to every registered
// Sink on a background worker, so a slow or failing downstream publisher
// never blocks the caller that just mutated a profile.
type Bus struct {
	mu       sync.RWMutex
	sinks    map[Sink]struct{}
	eventCh  chan ProfileUpdated
	sequence int64

	logger  *slog.Logger
	metrics *metrics.EventMetrics

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewBus creates a Bus with a bounded event buffer. Publish drops the event
// and logs a warning if the buffer is full rather than blocking the caller.
func NewBus(logger *slog.Logger, m *metrics.EventMetrics) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		sinks:   make(map[Sink]struct{}),
		eventCh: make(chan ProfileUpdated, 1000),
		logger:  logger.With("component", "events"),
		metrics: m,
		stopCh:  make(chan struct{}),
	}
}

// Register adds a downstream sink.
func (b *Bus) Register(sink Sink) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sinks[sink] = struct{}{}
}

// Unregister removes a downstream sink.
func (b *Bus) Unregister(sink Sink) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.sinks, sink)
}

// Publish queues event for best-effort delivery. It returns nothing to the
// caller: when the buffer is full the event is dropped and logged, not
// escalated, per the outbound contract's best-effort semantics.
func (b *Bus) Publish(event ProfileUpdated) {
	event.sequence = atomic.AddInt64(&b.sequence, 1)
	select {
	case b.eventCh <- event:
		if b.metrics != nil {
			b.metrics.PublishedTotal.Inc()
		}
	default:
		b.logger.Warn("events: buffer full, dropping profile update", "user_id", event.UserID)
		if b.metrics != nil {
			b.metrics.DroppedTotal.Inc()
		}
	}
}

// Start launches the delivery worker.
func (b *Bus) Start(ctx context.Context) {
	b.wg.Add(1)
	go b.run(ctx)
}

// Stop signals the delivery worker to exit and waits for it, bounded by ctx.
// The worker does not drain the buffer first; queued events may be dropped.
func (b *Bus) Stop(ctx context.Context) error {
	close(b.stopCh)
	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (b *Bus) run(ctx context.Context) {
	defer b.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-b.stopCh:
			return
		case event := <-b.eventCh:
			b.deliver(ctx, event)
		}
	}
}

func (b *Bus) deliver(ctx context.Context, event ProfileUpdated) {
	b.mu.RLock()
	sinks := make([]Sink, 0, len(b.sinks))
	for s := range b.sinks {
		sinks = append(sinks, s)
	}
	b.mu.RUnlock()

	for _, sink := range sinks {
		if err := sink.Publish(ctx, event); err != nil {
			b.logger.Warn("events: sink publish failed, continuing",
				"user_id", event.UserID, "sink", sink.ID(), "error", err)
			if b.metrics != nil {
				b.metrics.SinkErrorsTotal.WithLabelValues(sink.ID()).Inc()
			}
		}
	}
}

// CleanupCompleted is the terminal success event for one TTL-Aware Expiry
// Reaper tick: exactly one of CleanupCompleted or CleanupFailed is published
// per tick that actually ran (lease contention publishes neither, since the
// tick never started).
type CleanupCompleted struct {
	TaskID          string    `json:"task_id"`
	TotalExpired    int64     `json:"total_expired"`
	TotalCandidates int64     `json:"total_candidates"`
	Remaining       int64     `json:"remaining"`
	Iterations      int       `json:"iterations"`
	CompletedAt     time.Time `json:"completed_at"`
}

// CleanupFailed is the terminal failure event for one reaper tick that
// errored before it could complete reconciliation.
type CleanupFailed struct {
	TaskID      string    `json:"task_id"`
	Error       string    `json:"error"`
	CompletedAt time.Time `json:"completed_at"`
}

func (CleanupCompleted) isCleanupEvent() {}
func (CleanupFailed) isCleanupEvent()    {}

// CleanupEvent closes the set of terminal reaper-tick events over
// CleanupCompleted and CleanupFailed.
type CleanupEvent interface {
	isCleanupEvent()
}

// CleanupSink is the outbound collaborator a CleanupBus fans terminal
// reaper events out to.
type CleanupSink interface {
	ID() string
	Publish(ctx context.Context, event CleanupEvent) error
}

// CleanupBus buffers terminal reaper-tick events and delivers them to every
// registered CleanupSink on a background worker, mirroring Bus's
// never-block-the-producer delivery model.
type CleanupBus struct {
	mu      sync.RWMutex
	sinks   map[CleanupSink]struct{}
	eventCh chan CleanupEvent

	logger  *slog.Logger
	metrics *metrics.EventMetrics

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewCleanupBus creates a CleanupBus with a small buffer — one terminal
// event per tick means it never needs Bus's deeper queue.
func NewCleanupBus(logger *slog.Logger, m *metrics.EventMetrics) *CleanupBus {
	if logger == nil {
		logger = slog.Default()
	}
	return &CleanupBus{
		sinks:   make(map[CleanupSink]struct{}),
		eventCh: make(chan CleanupEvent, 32),
		logger:  logger.With("component", "events.cleanup"),
		metrics: m,
		stopCh:  make(chan struct{}),
	}
}

// Register adds a downstream cleanup sink.
func (b *CleanupBus) Register(sink CleanupSink) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sinks[sink] = struct{}{}
}

// Unregister removes a downstream cleanup sink.
func (b *CleanupBus) Unregister(sink CleanupSink) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.sinks, sink)
}

// Publish queues event for best-effort delivery, dropping and logging on a
// full buffer rather than blocking the reaper tick that just finished.
func (b *CleanupBus) Publish(event CleanupEvent) {
	select {
	case b.eventCh <- event:
		if b.metrics != nil {
			b.metrics.PublishedTotal.Inc()
		}
	default:
		b.logger.Warn("events: cleanup buffer full, dropping terminal event")
		if b.metrics != nil {
			b.metrics.DroppedTotal.Inc()
		}
	}
}

// Start launches the delivery worker.
func (b *CleanupBus) Start(ctx context.Context) {
	b.wg.Add(1)
	go b.run(ctx)
}

// Stop signals the delivery worker to exit and waits for it, bounded by ctx.
// The worker does not drain the buffer first; queued events may be dropped.
func (b *CleanupBus) Stop(ctx context.Context) error {
	close(b.stopCh)
	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (b *CleanupBus) run(ctx context.Context) {
	defer b.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-b.stopCh:
			return
		case event := <-b.eventCh:
			b.deliver(ctx, event)
		}
	}
}

func (b *CleanupBus) deliver(ctx context.Context, event CleanupEvent) {
	b.mu.RLock()
	sinks := make([]CleanupSink, 0, len(b.sinks))
	for s := range b.sinks {
		sinks = append(sinks, s)
	}
	b.mu.RUnlock()

	for _, sink := range sinks {
		if err := sink.Publish(ctx, event); err != nil {
			b.logger.Warn("events: cleanup sink publish failed, continuing",
				"sink", sink.ID(), "error", err)
			if b.metrics != nil {
				b.metrics.SinkErrorsTotal.WithLabelValues(sink.ID()).Inc()
			}
		}
	}
}
