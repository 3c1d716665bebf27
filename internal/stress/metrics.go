package stress

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Acquisition modes used as the "mode" label.
const (
	modeRead       = "read"
	modeWrite      = "write"
	modeOptimistic = "optimistic"
)

// Metrics exports run counters to Prometheus. A nil *Metrics records nothing.
type Metrics struct {
	acquisitions     *prometheus.CounterVec
	validateFailures prometheus.Counter
	timeouts         prometheus.Counter
	tornReads        prometheus.Counter
}

// NewMetrics creates the counters and registers them on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		acquisitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "stamplock",
			Subsystem: "stress",
			Name:      "acquisitions_total",
			Help:      "Successful acquisitions by mode.",
		}, []string{"mode"}),
		validateFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "stamplock",
			Subsystem: "stress",
			Name:      "validate_failures_total",
			Help:      "Optimistic reads invalidated by a writer.",
		}),
		timeouts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "stamplock",
			Subsystem: "stress",
			Name:      "write_timeouts_total",
			Help:      "Write acquisitions that gave up after write_timeout.",
		}),
		tornReads: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "stamplock",
			Subsystem: "stress",
			Name:      "torn_reads_total",
			Help:      "Reads that observed a partial write. Always 0 unless the lock is broken.",
		}),
	}
	reg.MustRegister(m.acquisitions, m.validateFailures, m.timeouts, m.tornReads)
	return m
}

func (m *Metrics) acquired(mode string) {
	if m != nil {
		m.acquisitions.WithLabelValues(mode).Inc()
	}
}

func (m *Metrics) validateFailed() {
	if m != nil {
		m.validateFailures.Inc()
	}
}

func (m *Metrics) timedOut() {
	if m != nil {
		m.timeouts.Inc()
	}
}

func (m *Metrics) torn() {
	if m != nil {
		m.tornReads.Inc()
	}
}
