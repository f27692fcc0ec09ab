package observability

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// OperationMetrics records custody operation activity: one counter and one
// latency histogram, both segmented by operation and outcome.
type OperationMetrics struct {
	total   *prometheus.CounterVec
	latency *prometheus.HistogramVec
}

var (
	operationsOnce sync.Once
	operationsReg  *OperationMetrics
)

// Operations returns the lazily-initialised operation metrics registry.
func Operations() *OperationMetrics {
	operationsOnce.Do(func() {
		operationsReg = &OperationMetrics{
			total: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "escrowd",
				Subsystem: "custody",
				Name:      "operations_total",
				Help:      "Total custody operations segmented by operation and outcome.",
			}, []string{"op", "outcome"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "escrowd",
				Subsystem: "custody",
				Name:      "operation_seconds",
				Help:      "Custody operation latency in seconds.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"op"}),
		}
		prometheus.MustRegister(operationsReg.total, operationsReg.latency)
	})
	return operationsReg
}

// Observe records one finished operation.
func (m *OperationMetrics) Observe(op, outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.total.WithLabelValues(op, outcome).Inc()
	m.latency.WithLabelValues(op).Observe(elapsed.Seconds())
}
