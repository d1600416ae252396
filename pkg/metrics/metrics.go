package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// ExtendedDefBuckets is a default buckets extended with buckets for long-running operations
var ExtendedDefBuckets = []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60, 300, 1800, 9000}

// Statistic is a common interface for histogram-backed metrics
type Statistic interface {
	Collect() prometheus.Collector
	EvaluateDuration(labels prometheus.Labels) func()
}

// Metrics is a wrapper around prometheus.HistogramVec that measures durations
type Metrics struct {
	duration *prometheus.HistogramVec
}

// NewMetrics initializes a histogram metric with provided options and label names
func NewMetrics(opts prometheus.HistogramOpts, labels ...string) *Metrics {
	return &Metrics{
		duration: prometheus.NewHistogramVec(opts, labels),
	}
}

// Collect returns the underlying prometheus collector
func (m *Metrics) Collect() prometheus.Collector {
	return m.duration
}

// EvaluateDuration returns a function that observes the duration since the call of EvaluateDuration.
// Use it with defer: defer m.EvaluateDuration(labels)()
func (m *Metrics) EvaluateDuration(labels prometheus.Labels) func() {
	start := time.Now()
	return func() {
		m.duration.With(labels).Observe(time.Since(start).Seconds())
	}
}
