package fs

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// opCount is a Counter vector of filesystem operations served
	opCount *prometheus.CounterVec
)

// EnableMetrics will enable metrics collection for filesystem operations.
// Available metrics are...
//   - ghfs_fs_op_count - (tags: op)
//     A Counter for each filesystem operation served, tagged with the
//     operation name (lookup, getattr, readdir, open, read, readlink)
func EnableMetrics(metricsNamespace string, registerer prometheus.Registerer) {
	opCount = promauto.With(registerer).NewCounterVec(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Name:      "ghfs_fs_op_count",
		Help:      "Count of filesystem operations served",
	},
		[]string{
			// operation name
			"op",
		},
	)
}

func recordOp(op string) {
	// if metrics not enabled return
	if opCount == nil {
		return
	}
	opCount.WithLabelValues(op).Inc()
}
