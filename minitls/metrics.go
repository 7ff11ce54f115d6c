package minitls

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics tracks handshake latency and failures.
type Metrics struct {
	Latency *prometheus.HistogramVec // by suite and result
	Errors  *prometheus.CounterVec   // by error kind
}

// NewMetrics registers the handshake collectors with reg. A nil reg leaves
// them unregistered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "minitls",
			Name:      "handshake_duration_seconds",
			Help:      "Duration of client handshakes.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 14),
		}, []string{"suite", "result"}),
		Errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "minitls",
			Name:      "handshake_failures_total",
			Help:      "Failed client handshakes by error kind.",
		}, []string{"kind"}),
	}
	if reg != nil {
		reg.MustRegister(m.Latency, m.Errors)
	}
	return m
}

func (m *Metrics) observe(suite *CipherSuite, elapsed time.Duration, err error) {
	if m == nil {
		return
	}
	name := "none"
	if suite != nil {
		name = suite.Name
	}
	result := "ok"
	if err != nil {
		result = "error"
		kind := ErrorKindOf(err)
		label := "unknown"
		if kind != 0 {
			label = kind.String()
		}
		m.Errors.WithLabelValues(label).Inc()
	}
	m.Latency.WithLabelValues(name, result).Observe(elapsed.Seconds())
}
