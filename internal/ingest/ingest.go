// Package ingest implements the Event Boundary's inbound routing: it maps
// an incoming activity event onto the Dynamic Profile Store operation it
// triggers, then best-effort publishes the resulting ProfileUpdated event
// on the outbound bus. It also owns the one-way materialization path into
// the Cold-Tier Document Collaborator, converting an aggregator.Snapshot
// into a coldtier.SnapshotInput — the only caller that writes cold-tier
// documents.
package ingest

import (
	"context"
	"log/slog"
	"time"

	"github.com/pulsehub/profile-engine/internal/aggregator"
	"github.com/pulsehub/profile-engine/internal/coldtier"
	"github.com/pulsehub/profile-engine/internal/device"
	"github.com/pulsehub/profile-engine/internal/events"
	"github.com/pulsehub/profile-engine/internal/profile"
	"github.com/pulsehub/profile-engine/internal/pulseerr"
	"github.com/pulsehub/profile-engine/pkg/metrics"
)

// EventType enumerates the inbound activity event kinds named in the
// external event contract.
type EventType string

const (
	PageView       EventType = "PAGE_VIEW"
	SessionStart   EventType = "SESSION_START"
	DeviceObserved EventType = "DEVICE_OBSERVED"
)

// Event is an inbound activity event.
type Event struct {
	UserID         string
	EventType      EventType
	DeviceRawToken *string
	Count          *uint64
	Timestamp      time.Time
}

// Router implements the inbound half of the Event Boundary: PAGE_VIEW routes
// to record_page_views, DEVICE_OBSERVED routes through the Device Classifier
// then to update_device, SESSION_START routes to update_last_active.
type Router struct {
	profiles   *profile.Store
	classifier *device.Classifier
	bus        *events.Bus

	logger  *slog.Logger
	metrics *metrics.IngestMetrics
}

// New creates a Router.
func New(profiles *profile.Store, classifier *device.Classifier, bus *events.Bus, logger *slog.Logger, m *metrics.IngestMetrics) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{profiles: profiles, classifier: classifier, bus: bus, logger: logger, metrics: m}
}

func (r *Router) observe(eventType EventType, status string) {
	if r.metrics == nil {
		return
	}
	r.metrics.RoutedTotal.WithLabelValues(string(eventType), status).Inc()
}

// Route dispatches ev to the Dynamic Profile Store operation its event type
// names, then best-effort publishes the resulting ProfileUpdated event.
// An unrecognized event type is an invalid-argument error; no mutation and
// no publication occur.
func (r *Router) Route(ctx context.Context, ev Event) error {
	if ev.UserID == "" {
		r.observe(ev.EventType, "invalid")
		return pulseerr.Invalid("ingest: user_id must not be empty")
	}

	var (
		p   *profile.Profile
		err error
	)

	switch ev.EventType {
	case PageView:
		count := uint64(1)
		if ev.Count != nil {
			count = *ev.Count
		}
		p, err = r.profiles.RecordPageViews(ctx, ev.UserID, count)

	case DeviceObserved:
		class := r.classifier.Classify(ctx, ev.DeviceRawToken)
		p, err = r.profiles.UpdateDevice(ctx, ev.UserID, class)

	case SessionStart:
		at := ev.Timestamp
		if at.IsZero() {
			at = time.Now()
		}
		p, err = r.profiles.UpdateLastActive(ctx, ev.UserID, &at)

	default:
		r.observe(ev.EventType, "invalid")
		return pulseerr.Invalid("ingest: unrecognized event_type %q", string(ev.EventType))
	}

	if err != nil {
		r.observe(ev.EventType, "error")
		return err
	}

	r.observe(ev.EventType, "success")
	if r.bus != nil && p != nil {
		r.bus.Publish(events.NewProfileUpdated(p.UserID, p.Version, p.UpdatedAt))
	}
	return nil
}

// Materializer writes composed snapshots into the Cold-Tier Document
// Collaborator. It is the only component in the engine that imports
// internal/coldtier for writes.
type Materializer struct {
	coldTier coldtier.Repository
	logger   *slog.Logger
	metrics  *metrics.IngestMetrics
}

// NewMaterializer creates a Materializer.
func NewMaterializer(coldTier coldtier.Repository, logger *slog.Logger, m *metrics.IngestMetrics) *Materializer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Materializer{coldTier: coldTier, logger: logger, metrics: m}
}

// Materialize converts an aggregator.Snapshot into a coldtier.SnapshotInput
// and upserts it. A nil snapshot is a no-op: there is nothing to persist.
func (m *Materializer) Materialize(ctx context.Context, snap *aggregator.Snapshot) error {
	if snap == nil {
		return nil
	}

	in := coldtier.SnapshotInput{
		UserID:     snap.UserID,
		ValueScore: snap.ValueScore,
	}

	if snap.Dynamic != nil && snap.Dynamic.MainDeviceClassification != nil {
		in.DeviceClass = string(*snap.Dynamic.MainDeviceClassification)
	}

	if snap.Static != nil && snap.Static.City != nil {
		in.City = *snap.Static.City
	}

	_, err := m.coldTier.UpsertDocument(ctx, in)
	if m.metrics != nil {
		status := "success"
		if err != nil {
			status = "error"
		}
		m.metrics.MaterializedTotal.WithLabelValues(status).Inc()
	}
	if err != nil {
		m.logger.Warn("ingest: cold-tier materialization failed", "user_id", snap.UserID, "error", err)
	}
	return err
}
