package cache

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// lastSyncTimestamp is a Gauge that captures the timestamp of the last
	// successful sync per repo
	lastSyncTimestamp *prometheus.GaugeVec
	// syncCount is a Counter vector of repo syncs
	syncCount *prometheus.CounterVec
	// syncLatency is a Histogram vector that keeps track of sync durations
	syncLatency *prometheus.HistogramVec
)

// EnableMetrics will enable metrics collection for cache syncs.
// Available metrics are...
//   - ghfs_last_sync_timestamp - (tags: repo)
//     A Gauge that captures the Timestamp of the last successful sync per repo.
//   - ghfs_sync_count - (tags: repo,success)
//     A Counter for each sync attempt, tagged with the result (success=true|false)
//   - ghfs_sync_latency_seconds - (tags: repo)
//     A Histogram that keeps track of the sync latency per repo.
func EnableMetrics(metricsNamespace string, registerer prometheus.Registerer) {
	factory := promauto.With(registerer)

	lastSyncTimestamp = factory.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: metricsNamespace,
		Name:      "ghfs_last_sync_timestamp",
		Help:      "Timestamp of the last successful repository sync",
	},
		[]string{
			// name of the repository
			"repo",
		},
	)

	syncCount = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Name:      "ghfs_sync_count",
		Help:      "Count of repository sync operations",
	},
		[]string{
			// name of the repository
			"repo",
			// Whether the sync was successful or not
			"success",
		},
	)

	syncLatency = factory.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: metricsNamespace,
		Name:      "ghfs_sync_latency_seconds",
		Help:      "Latency for repository sync",
		Buckets:   []float64{0.5, 1, 5, 10, 20, 30, 60, 90, 120, 150, 300},
	},
		[]string{
			// name of the repository
			"repo",
		},
	)
}

// recordSync records a repository sync attempt by updating all the relevant
// metrics
func recordSync(repo string, success bool, took time.Duration) {
	// if metrics not enabled return
	if lastSyncTimestamp == nil || syncCount == nil || syncLatency == nil {
		return
	}
	if success {
		lastSyncTimestamp.With(prometheus.Labels{
			"repo": repo,
		}).Set(float64(time.Now().Unix()))
	}
	syncCount.With(prometheus.Labels{
		"repo":    repo,
		"success": strconv.FormatBool(success),
	}).Inc()
	syncLatency.WithLabelValues(repo).Observe(took.Seconds())
}
