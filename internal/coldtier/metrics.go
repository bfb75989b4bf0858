package coldtier

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics contains Prometheus metrics for the cold-tier document repository.
type Metrics struct {
	Operations        *prometheus.CounterVec
	OperationDuration *prometheus.HistogramVec
}

// NewMetrics creates cold-tier document repository metrics.
func NewMetrics() *Metrics {
	return &Metrics{
		Operations: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pulsehub",
			Subsystem: "infra_cold_tier",
			Name:      "operations_total",
			Help:      "Total cold-tier document repository operations by type and outcome",
		}, []string{"operation", "status"}),

		OperationDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "pulsehub",
			Subsystem: "infra_cold_tier",
			Name:      "operation_duration_seconds",
			Help:      "Duration of cold-tier document repository operations in seconds",
			Buckets:   []float64{0.001, 0.003, 0.005, 0.01, 0.02, 0.05, 0.1, 0.2, 0.5, 1},
		}, []string{"operation"}),
	}
}
