package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// DomainMetrics groups the metrics emitted by the profile engine's domain
// packages: device classification, the dynamic profile store, the secondary
// index maintainer, the expiry reaper, and the profile aggregator.
type DomainMetrics struct {
	Device     *DeviceMetrics
	Profile    *ProfileMetrics
	Index      *IndexMetrics
	Reaper     *ReaperMetrics
	Aggregator *AggregatorMetrics
	Events     *EventMetrics
	Ingest     *IngestMetrics
}

// NewDomainMetrics creates a new DomainMetrics with all subsystems initialized.
func NewDomainMetrics(namespace string) *DomainMetrics {
	return &DomainMetrics{
		Device:     NewDeviceMetrics(namespace),
		Profile:    NewProfileMetrics(namespace),
		Index:      NewIndexMetrics(namespace),
		Reaper:     NewReaperMetrics(namespace),
		Aggregator: NewAggregatorMetrics(namespace),
		Events:     NewEventMetrics(namespace),
		Ingest:     NewIngestMetrics(namespace),
	}
}

// IngestMetrics tracks the Event Boundary's inbound routing.
type IngestMetrics struct {
	RoutedTotal       *prometheus.CounterVec // labels: event_type, status
	MaterializedTotal *prometheus.CounterVec // label: status
}

// NewIngestMetrics creates inbound event routing metrics.
func NewIngestMetrics(namespace string) *IngestMetrics {
	return &IngestMetrics{
		RoutedTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "domain_ingest",
			Name:      "routed_total",
			Help:      "Total number of inbound activity events routed, by event type and outcome",
		}, []string{"event_type", "status"}),

		MaterializedTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "domain_ingest",
			Name:      "materialized_total",
			Help:      "Total number of snapshots materialized into the cold tier, by outcome",
		}, []string{"status"}),
	}
}

// DeviceMetrics tracks device classification outcomes.
type DeviceMetrics struct {
	ClassifiedTotal *prometheus.CounterVec // label: device_class
	UnknownTotal    prometheus.Counter     // raw strings that matched no mapping
	MappingsActive  prometheus.Gauge       // size of the live device mapping table
	ReviewSetSize   prometheus.Gauge       // size of the unknown-device review set
}

// NewDeviceMetrics creates device classifier metrics.
func NewDeviceMetrics(namespace string) *DeviceMetrics {
	return &DeviceMetrics{
		ClassifiedTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "domain_device",
			Name:      "classified_total",
			Help:      "Total number of device-observed values classified, by resulting device class",
		}, []string{"device_class"}),

		UnknownTotal: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "domain_device",
			Name:      "unknown_total",
			Help:      "Total number of raw device strings that matched no known mapping",
		}),

		MappingsActive: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "domain_device",
			Name:      "mappings_active",
			Help:      "Number of entries currently in the device mapping table",
		}),

		ReviewSetSize: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "domain_device",
			Name:      "review_set_size",
			Help:      "Number of distinct unknown device strings awaiting manual review",
		}),
	}
}

// ProfileMetrics tracks dynamic profile store operations.
type ProfileMetrics struct {
	OperationsTotal   *prometheus.CounterVec   // labels: operation, status
	OperationDuration *prometheus.HistogramVec // labels: operation
	ActiveProfiles    prometheus.Gauge
}

// NewProfileMetrics creates dynamic profile store metrics.
func NewProfileMetrics(namespace string) *ProfileMetrics {
	return &ProfileMetrics{
		OperationsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "domain_profile",
			Name:      "operations_total",
			Help:      "Total number of dynamic profile store operations, by operation and outcome",
		}, []string{"operation", "status"}),

		OperationDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "domain_profile",
			Name:      "operation_duration_seconds",
			Help:      "Duration of dynamic profile store operations in seconds",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
		}, []string{"operation"}),

		ActiveProfiles: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "domain_profile",
			Name:      "active_profiles",
			Help:      "Approximate number of dynamic profiles currently resident in the hot tier",
		}),
	}
}

// IndexMetrics tracks secondary index fan-out and query latency.
type IndexMetrics struct {
	FanoutTotal     *prometheus.CounterVec   // labels: hook (on_create|on_update|on_delete), status
	FanoutDuration  *prometheus.HistogramVec // labels: hook
	QueryTotal      *prometheus.CounterVec   // labels: query, status
	QueryDuration   *prometheus.HistogramVec // labels: query
	QueryResultSize *prometheus.HistogramVec // labels: query
}

// NewIndexMetrics creates secondary index maintainer metrics.
func NewIndexMetrics(namespace string) *IndexMetrics {
	return &IndexMetrics{
		FanoutTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "domain_index",
			Name:      "fanout_total",
			Help:      "Total number of index fan-out hooks executed, by hook and outcome",
		}, []string{"hook", "status"}),

		FanoutDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "domain_index",
			Name:      "fanout_duration_seconds",
			Help:      "Duration of index fan-out hook execution in seconds",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5},
		}, []string{"hook"}),

		QueryTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "domain_index",
			Name:      "query_total",
			Help:      "Total number of secondary index read queries, by query and outcome",
		}, []string{"query", "status"}),

		QueryDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "domain_index",
			Name:      "query_duration_seconds",
			Help:      "Duration of secondary index read queries in seconds",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
		}, []string{"query"}),

		QueryResultSize: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "domain_index",
			Name:      "query_result_size",
			Help:      "Number of members returned by a secondary index query",
			Buckets:   []float64{0, 1, 5, 10, 25, 50, 100, 250, 500, 1000},
		}, []string{"query"}),
	}
}

// ReaperMetrics tracks the TTL-aware expiry reaper's scheduled cycles.
type ReaperMetrics struct {
	CyclesTotal       *prometheus.CounterVec // label: outcome (success|failure); lease-contention skips go to LeaseContention
	CycleDuration      prometheus.Histogram
	KeysReclaimedTotal prometheus.Counter
	LeaseContention    prometheus.Counter
	LastCycleTimestamp prometheus.Gauge
}

// NewReaperMetrics creates expiry reaper metrics.
func NewReaperMetrics(namespace string) *ReaperMetrics {
	return &ReaperMetrics{
		CyclesTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "domain_reaper",
			Name:      "cycles_total",
			Help:      "Total number of reaper cycles attempted, by outcome",
		}, []string{"outcome"}),

		CycleDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "domain_reaper",
			Name:      "cycle_duration_seconds",
			Help:      "Duration of a completed reaper cycle in seconds",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
		}),

		KeysReclaimedTotal: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "domain_reaper",
			Name:      "keys_reclaimed_total",
			Help:      "Total number of expired profile keys reclaimed across all cycles",
		}),

		LeaseContention: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "domain_reaper",
			Name:      "lease_contention_total",
			Help:      "Total number of cycles skipped because the reaper lease was already held",
		}),

		LastCycleTimestamp: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "domain_reaper",
			Name:      "last_cycle_timestamp_seconds",
			Help:      "Unix timestamp of the last completed reaper cycle",
		}),
	}
}

// AggregatorMetrics tracks profile aggregator snapshot assembly.
type AggregatorMetrics struct {
	SnapshotsTotal    *prometheus.CounterVec // labels: view (crm|analytics|full), status
	SnapshotDuration  *prometheus.HistogramVec
	PartialDegrades   *prometheus.CounterVec // label: missing_collaborator
	L1CacheHitsTotal  prometheus.Counter
	L1CacheMissTotal  prometheus.Counter
}

// NewAggregatorMetrics creates profile aggregator metrics.
func NewAggregatorMetrics(namespace string) *AggregatorMetrics {
	return &AggregatorMetrics{
		SnapshotsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "domain_aggregator",
			Name:      "snapshots_total",
			Help:      "Total number of profile snapshots assembled, by view and outcome",
		}, []string{"view", "status"}),

		SnapshotDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "domain_aggregator",
			Name:      "snapshot_duration_seconds",
			Help:      "Duration of snapshot assembly in seconds",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
		}, []string{"view"}),

		PartialDegrades: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "domain_aggregator",
			Name:      "partial_degrades_total",
			Help:      "Total number of snapshots assembled in degraded mode, by the collaborator that was unavailable",
		}, []string{"missing_collaborator"}),

		L1CacheHitsTotal: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "domain_aggregator",
			Name:      "l1_cache_hits_total",
			Help:      "Total number of in-process L1 cache hits serving get_for_crm",
		}),

		L1CacheMissTotal: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "domain_aggregator",
			Name:      "l1_cache_misses_total",
			Help:      "Total number of in-process L1 cache misses serving get_for_crm",
		}),
	}
}

// EventMetrics tracks the outbound Event Boundary's best-effort delivery.
type EventMetrics struct {
	PublishedTotal prometheus.Counter
	DroppedTotal   prometheus.Counter
	SinkErrorsTotal *prometheus.CounterVec // label: sink
}

// NewEventMetrics creates outbound event bus metrics.
func NewEventMetrics(namespace string) *EventMetrics {
	return &EventMetrics{
		PublishedTotal: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "domain_events",
			Name:      "published_total",
			Help:      "Total number of ProfileUpdated events queued for delivery",
		}),

		DroppedTotal: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "domain_events",
			Name:      "dropped_total",
			Help:      "Total number of ProfileUpdated events dropped because the delivery buffer was full",
		}),

		SinkErrorsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "domain_events",
			Name:      "sink_errors_total",
			Help:      "Total number of failed best-effort deliveries to a downstream sink",
		}, []string{"sink"}),
	}
}
