package pgstore

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics records store activity. A nil *Metrics records nothing.
type Metrics struct {
	operations *prometheus.CounterVec
	duration   *prometheus.HistogramVec
	collisions prometheus.Counter
	purged     prometheus.Counter
}

// NewMetrics registers the store metrics with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		operations: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "session_store",
			Name:      "operations_total",
			Help:      "Session store operations by operation and result.",
		}, []string{"op", "result"}),
		duration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "session_store",
			Name:      "operation_duration_seconds",
			Help:      "Latency of session store operations, connection wait included.",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 14),
		}, []string{"op"}),
		collisions: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "session_store",
			Name:      "create_collisions_total",
			Help:      "Generated session identifiers that collided with an existing record.",
		}),
		purged: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "session_store",
			Name:      "purged_records_total",
			Help:      "Expired session records removed by purge.",
		}),
	}
}

func (m *Metrics) observe(op string, start time.Time, result string) {
	if m == nil {
		return
	}
	m.operations.WithLabelValues(op, result).Inc()
	m.duration.WithLabelValues(op).Observe(time.Since(start).Seconds())
}

func (m *Metrics) collision() {
	if m == nil {
		return
	}
	m.collisions.Inc()
}

func (m *Metrics) addPurged(n int64) {
	if m == nil || n <= 0 {
		return
	}
	m.purged.Add(float64(n))
}
