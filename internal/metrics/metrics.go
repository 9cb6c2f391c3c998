package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Consensus metrics
	RaftTerm = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "scribe_raft_term",
			Help: "Current consensus term observed by this node",
		},
	)

	RaftState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "scribe_raft_state",
			Help: "Current role of this node (1 = active for the labeled role, 0 otherwise)",
		},
		[]string{"role"}, // follower, candidate, leader
	)

	RaftCommitIndex = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "scribe_raft_commit_index",
			Help: "Highest log index known to be committed",
		},
	)

	RaftLastAppliedIndex = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "scribe_raft_last_applied_index",
			Help: "Highest log index applied to the state machine",
		},
	)

	RaftApplyDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "scribe_raft_apply_duration_seconds",
			Help:    "Time taken to apply a committed log entry to the state machine",
			Buckets: prometheus.DefBuckets,
		},
	)

	RaftPeersTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "scribe_raft_peers_total",
			Help: "Total number of voting members in the current configuration",
		},
	)

	// Storage / tiering metrics
	SegmentsFlushedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "scribe_segments_flushed_total",
			Help: "Total number of segments flushed from the pending buffer to local storage",
		},
	)

	SegmentsArchivedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "scribe_segments_archived_total",
			Help: "Total number of segments archived to the blob store",
		},
	)

	ArchiveBytesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "scribe_archive_bytes_total",
			Help: "Total compressed bytes written to the blob store",
		},
	)

	ArchiveDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "scribe_archive_duration_seconds",
			Help:    "Time taken to compress and upload a segment to the blob store",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Cache metrics
	CacheHitsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "scribe_cache_hits_total",
			Help: "Total number of hot-data cache hits",
		},
	)

	CacheMissesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "scribe_cache_misses_total",
			Help: "Total number of hot-data cache misses",
		},
	)

	// Discovery metrics
	DiscoveryPeersAlive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "scribe_discovery_peers_alive",
			Help: "Number of peers currently considered active by gossip discovery",
		},
	)

	DiscoveryDegraded = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "scribe_discovery_degraded",
			Help: "Whether gossip discovery considers the cluster degraded (1 = degraded, 0 = healthy)",
		},
	)

	// Manifest metrics
	ManifestVersion = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "scribe_manifest_version",
			Help: "Version of the locally cached cluster manifest",
		},
	)

	ManifestMergesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "scribe_manifest_merges_total",
			Help: "Total number of manifest merge conflicts resolved",
		},
	)

	// Request API metrics
	APIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scribe_api_requests_total",
			Help: "Total number of ledger API requests by operation and status",
		},
		[]string{"operation", "status"},
	)

	APIRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "scribe_api_request_duration_seconds",
			Help:    "Ledger API request duration in seconds by operation",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"operation"},
	)
)

func init() {
	prometheus.MustRegister(RaftTerm)
	prometheus.MustRegister(RaftState)
	prometheus.MustRegister(RaftCommitIndex)
	prometheus.MustRegister(RaftLastAppliedIndex)
	prometheus.MustRegister(RaftApplyDuration)
	prometheus.MustRegister(RaftPeersTotal)

	prometheus.MustRegister(SegmentsFlushedTotal)
	prometheus.MustRegister(SegmentsArchivedTotal)
	prometheus.MustRegister(ArchiveBytesTotal)
	prometheus.MustRegister(ArchiveDuration)

	prometheus.MustRegister(CacheHitsTotal)
	prometheus.MustRegister(CacheMissesTotal)

	prometheus.MustRegister(DiscoveryPeersAlive)
	prometheus.MustRegister(DiscoveryDegraded)

	prometheus.MustRegister(ManifestVersion)
	prometheus.MustRegister(ManifestMergesTotal)

	prometheus.MustRegister(APIRequestsTotal)
	prometheus.MustRegister(APIRequestDuration)
}

// Handler returns the Prometheus HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
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
	duration := time.Since(t.start).Seconds()
	histogram.Observe(duration)
}

// ObserveDurationVec records the duration to a histogram vec with labels.
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	duration := time.Since(t.start).Seconds()
	histogram.WithLabelValues(labels...).Observe(duration)
}

// Duration returns the elapsed time since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
