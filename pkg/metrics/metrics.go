package metrics

import (
	"net/http"
	"time"

	dto "github.com/prometheus/client_model/go"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Replication throughput
	WriteSetsReplicated = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "repnode_writesets_replicated_total",
			Help: "Total write-sets replicated out as local transactions committed",
		},
	)

	WriteSetsReceived = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "repnode_writesets_received_total",
			Help: "Total write-sets received and applied from remote masters",
		},
	)

	BytesReplicated = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "repnode_bytes_replicated_total",
			Help: "Total write-set payload bytes sent to the replication provider",
		},
	)

	BytesReceived = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "repnode_bytes_received_total",
			Help: "Total write-set payload bytes received from the replication provider",
		},
	)

	// Certification and conflict handling
	CertificationFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "repnode_certification_failures_total",
			Help: "Total local transactions that failed certification",
		},
	)

	BFAborts = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "repnode_bf_aborts_total",
			Help: "Total local transactions brute-force aborted by an incoming write-set",
		},
	)

	ReadViewFailures = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "repnode_read_view_failures_total",
			Help: "Total commits rejected by local read-view re-verification",
		},
	)

	// Flow control and SST. Neither in-tree Provider (noop, Raft) throttles
	// senders the way a certification-based provider's flow control would,
	// so this stays registered and exported at zero until a provider that
	// exercises it is wired in; it is still carried as a counter since it
	// belongs in the periodic statistics line alongside the others.
	FlowControlPausedSeconds = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "repnode_flow_control_paused_seconds_total",
			Help: "Cumulative time spent paused for flow control",
		},
	)

	SSTTransfersTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "repnode_sst_transfers_total",
			Help: "Total SST transfers by role and outcome",
		},
		[]string{"role", "outcome"},
	)

	SSTDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "repnode_sst_duration_seconds",
			Help:    "SST transfer duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Cluster view
	ClusterSize = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "repnode_cluster_size",
			Help: "Number of members in the current primary view",
		},
	)

	IsPrimary = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "repnode_is_primary",
			Help: "Whether the node currently belongs to a primary component (1) or not (0)",
		},
	)

	CommitDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "repnode_commit_duration_seconds",
			Help:    "Time from commit_order_enter to commit_order_leave",
			Buckets: prometheus.DefBuckets,
		},
	)

	ApplyDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "repnode_apply_duration_seconds",
			Help:    "Time to apply a received write-set, decoding through commit_order_leave",
			Buckets: prometheus.DefBuckets,
		},
	)
)

func init() {
	prometheus.MustRegister(
		WriteSetsReplicated,
		WriteSetsReceived,
		BytesReplicated,
		BytesReceived,
		CertificationFailures,
		BFAborts,
		ReadViewFailures,
		FlowControlPausedSeconds,
		SSTTransfersTotal,
		SSTDuration,
		ClusterSize,
		IsPrimary,
		CommitDuration,
		ApplyDuration,
	)
}

// Handler returns the Prometheus HTTP handler for /metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// CounterValue reads a counter's current value for the periodic
// statistics line, without going through the /metrics HTTP
// surface.
func CounterValue(c prometheus.Counter) float64 {
	var m dto.Metric
	if err := c.Write(&m); err != nil {
		return 0
	}
	return m.GetCounter().GetValue()
}

// Timer is a helper for timing operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the duration to a histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	histogram.Observe(time.Since(t.start).Seconds())
}

// ObserveDurationVec records the duration to a histogram vec with labels.
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	histogram.WithLabelValues(labels...).Observe(time.Since(t.start).Seconds())
}

// Duration returns the elapsed time since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
