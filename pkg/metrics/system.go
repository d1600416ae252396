package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// SystemCMDDuration collects durations of system utility invocations
var SystemCMDDuration = NewMetrics(prometheus.HistogramOpts{
	Name:    "system_utils_duration_seconds",
	Help:    "Duration of the each system util",
	Buckets: ExtendedDefBuckets,
}, "name")

// nolint: gochecknoinits
func init() {
	prometheus.MustRegister(SystemCMDDuration.Collect())
}
