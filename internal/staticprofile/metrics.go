package staticprofile

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics contains Prometheus metrics for the static profile repository.
type Metrics struct {
	// Operations counts repository calls by operation and outcome.
	Operations *prometheus.CounterVec

	// OperationDuration tracks call latency in seconds, by operation.
	OperationDuration *prometheus.HistogramVec
}

// NewMetrics creates static profile repository metrics.
func NewMetrics() *Metrics {
	return &Metrics{
		Operations: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pulsehub",
			Subsystem: "infra_static_profile",
			Name:      "operations_total",
			Help:      "Total static profile repository operations by type and outcome",
		}, []string{"operation", "status"}),

		OperationDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "pulsehub",
			Subsystem: "infra_static_profile",
			Name:      "operation_duration_seconds",
			Help:      "Duration of static profile repository operations in seconds",
			Buckets:   []float64{0.001, 0.003, 0.005, 0.01, 0.02, 0.05, 0.1, 0.2, 0.5, 1},
		}, []string{"operation"}),
	}
}
