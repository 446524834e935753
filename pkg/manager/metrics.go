package manager

import "github.com/prometheus/client_golang/prometheus"

// Metrics is a prometheus.Collector the embedding host can register
// against its own registry. The Manager only ever writes to it; serving
// /metrics over HTTP is the embedder's job, never this package's.
type Metrics struct {
	invocations  *prometheus.CounterVec
	crashCause   *prometheus.CounterVec
	fuelConsumed prometheus.Histogram
	wallTime     prometheus.Histogram
}

// NewMetrics builds an unregistered Metrics collector. Pass it to
// prometheus.Registry.MustRegister (or the default registry) to expose it.
func NewMetrics() *Metrics {
	return &Metrics{
		invocations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "munition",
			Subsystem: "manager",
			Name:      "invocations_total",
			Help:      "Invocations completed by terminal state (completed, crashed).",
		}, []string{"state"}),
		crashCause: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "munition",
			Subsystem: "manager",
			Name:      "crashes_total",
			Help:      "Crashed invocations by forensic dump cause.",
		}, []string{"cause"}),
		fuelConsumed: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "munition",
			Subsystem: "manager",
			Name:      "fuel_consumed",
			Help:      "Fuel consumed per invocation.",
			Buckets:   prometheus.ExponentialBuckets(1, 8, 10),
		}),
		wallTime: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "munition",
			Subsystem: "manager",
			Name:      "wall_time_seconds",
			Help:      "Wall-clock duration of fire() invocations.",
			Buckets:   prometheus.DefBuckets,
		}),
	}
}

// Describe implements prometheus.Collector.
func (m *Metrics) Describe(ch chan<- *prometheus.Desc) {
	m.invocations.Describe(ch)
	m.crashCause.Describe(ch)
	m.fuelConsumed.Describe(ch)
	m.wallTime.Describe(ch)
}

// Collect implements prometheus.Collector.
func (m *Metrics) Collect(ch chan<- prometheus.Metric) {
	m.invocations.Collect(ch)
	m.crashCause.Collect(ch)
	m.fuelConsumed.Collect(ch)
	m.wallTime.Collect(ch)
}

func (m *Metrics) observeCompleted(fuelConsumed, wallTimeNs uint64) {
	if m == nil {
		return
	}
	m.invocations.WithLabelValues("completed").Inc()
	m.fuelConsumed.Observe(float64(fuelConsumed))
	m.wallTime.Observe(float64(wallTimeNs) / 1e9)
}

func (m *Metrics) observeCrashed(cause string, fuelConsumed, wallTimeNs uint64) {
	if m == nil {
		return
	}
	m.invocations.WithLabelValues("crashed").Inc()
	m.crashCause.WithLabelValues(cause).Inc()
	m.fuelConsumed.Observe(float64(fuelConsumed))
	m.wallTime.Observe(float64(wallTimeNs) / 1e9)
}

var _ prometheus.Collector = (*Metrics)(nil)
