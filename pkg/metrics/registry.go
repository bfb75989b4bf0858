// Package metrics provides centralized metrics management for the profile engine.
//
// This package implements a unified taxonomy for Prometheus metrics:
//   - Domain metrics: classification, profile stores, index maintenance, reaping, aggregation
//   - Infra metrics: database pools, Redis cache, retry/backoff
//
// All metrics follow the naming convention:
// pulsehub_<category>_<subsystem>_<metric_name>_<unit>
//
// Example:
//
//	registry := metrics.DefaultRegistry()
//	registry.Domain().Profile.OperationsTotal.WithLabelValues("record_page_views", "success").Inc()
//	registry.Infra().DB.ConnectionsActive.Set(42)
package metrics

import (
	"sync"
)

// MetricCategory represents the category of a metric.
type MetricCategory string

const (
	// CategoryDomain represents domain-level metrics (profile store, index, reaper, device, aggregator)
	CategoryDomain MetricCategory = "domain"

	// CategoryInfra represents infrastructure metrics (database, cache, retry)
	CategoryInfra MetricCategory = "infra"
)

// MetricsRegistry is the central registry for all Prometheus metrics.
// Provides organized access to metrics by category (Domain, Infra).
//
// Usage:
//
//	registry := metrics.DefaultRegistry()
//	registry.Domain().Reaper.CycleDuration.Observe(0.42)
//
// Thread-safe: All Prometheus metrics are thread-safe by design.
// Singleton: Use DefaultRegistry() to get the global instance.
type MetricsRegistry struct {
	namespace string

	domain *DomainMetrics
	infra  *InfraMetrics

	domainOnce sync.Once
	infraOnce  sync.Once
}

var (
	defaultRegistry     *MetricsRegistry
	defaultRegistryOnce sync.Once
)

// DefaultRegistry returns the global singleton MetricsRegistry.
// Safe for concurrent use. Initialized once on first call.
func DefaultRegistry() *MetricsRegistry {
	defaultRegistryOnce.Do(func() {
		defaultRegistry = NewMetricsRegistry("pulsehub")
	})
	return defaultRegistry
}

// NewMetricsRegistry creates a new MetricsRegistry with the specified namespace.
// For most use cases, use DefaultRegistry() instead of calling this directly.
func NewMetricsRegistry(namespace string) *MetricsRegistry {
	if namespace == "" {
		namespace = "pulsehub"
	}

	return &MetricsRegistry{
		namespace: namespace,
	}
}

// Domain returns the Domain metrics manager. Lazy-initialized on first access.
//
// Domain metrics include:
//   - Device classification (classified, unknown-reviewed)
//   - Dynamic profile store (created, updated, expired)
//   - Secondary index maintenance (fan-out duration, query latency)
//   - TTL-aware reaper (cycles, reclaimed keys, lease contention)
//   - Aggregator (snapshot assembly, partial degrades)
func (r *MetricsRegistry) Domain() *DomainMetrics {
	r.domainOnce.Do(func() {
		r.domain = NewDomainMetrics(r.namespace)
	})
	return r.domain
}

// Infra returns the Infrastructure metrics manager. Lazy-initialized on first access.
//
// Infrastructure metrics include:
//   - Database (connections, queries, errors)
//   - Cache (hits, misses, evictions)
func (r *MetricsRegistry) Infra() *InfraMetrics {
	r.infraOnce.Do(func() {
		r.infra = NewInfraMetrics(r.namespace)
	})
	return r.infra
}

// Namespace returns the configured namespace for this registry.
func (r *MetricsRegistry) Namespace() string {
	return r.namespace
}
