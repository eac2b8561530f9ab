// Package wsrepmetrics exposes Prometheus instrumentation for the
// replication engine: certification outcomes, commit latency, replay and
// BF-abort counters, and in-flight streaming transactions.
package wsrepmetrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Certification metrics
	CertifyTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wsrep_certify_total",
			Help: "Total number of certification attempts by outcome",
		},
		[]string{"outcome"},
	)

	CertifyDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "wsrep_certify_duration_seconds",
			Help:    "Time taken to certify a write-set in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Commit metrics
	CommitTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wsrep_commit_total",
			Help: "Total number of commits by outcome",
		},
		[]string{"outcome"},
	)

	CommitDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "wsrep_commit_duration_seconds",
			Help:    "Time from certify to commit order leave, in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	// BF-abort / replay metrics
	BFAbortTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "wsrep_bf_abort_total",
			Help: "Total number of BF-aborts delivered to local transactions",
		},
	)

	ReplayTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wsrep_replay_total",
			Help: "Total number of transaction replays by outcome",
		},
		[]string{"outcome"},
	)

	ReplayDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "wsrep_replay_duration_seconds",
			Help:    "Time taken to replay a transaction in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Streaming replication metrics
	StreamingFragmentsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "wsrep_streaming_fragments_total",
			Help: "Total number of streaming fragments certified",
		},
	)

	StreamingInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "wsrep_streaming_in_flight",
			Help: "Number of transactions currently in streaming replication mode",
		},
	)

	// Provider-level gauges
	ProviderConnected = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "wsrep_provider_connected",
			Help: "Whether the provider is connected to the cluster (1 = connected, 0 = not)",
		},
	)

	LastCommittedSeqno = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "wsrep_last_committed_seqno",
			Help: "Seqno of the last committed GTID",
		},
	)

	// TOI metrics
	TOITotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wsrep_toi_total",
			Help: "Total number of total-order-isolation operations by outcome",
		},
		[]string{"outcome"},
	)

	TOIDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "wsrep_toi_duration_seconds",
			Help:    "Time spent inside total-order isolation in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)
)

func init() {
	prometheus.MustRegister(CertifyTotal)
	prometheus.MustRegister(CertifyDuration)
	prometheus.MustRegister(CommitTotal)
	prometheus.MustRegister(CommitDuration)
	prometheus.MustRegister(BFAbortTotal)
	prometheus.MustRegister(ReplayTotal)
	prometheus.MustRegister(ReplayDuration)
	prometheus.MustRegister(StreamingFragmentsTotal)
	prometheus.MustRegister(StreamingInFlight)
	prometheus.MustRegister(ProviderConnected)
	prometheus.MustRegister(LastCommittedSeqno)
	prometheus.MustRegister(TOITotal)
	prometheus.MustRegister(TOIDuration)
}

// Handler returns the Prometheus HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations against a histogram.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the elapsed duration to a histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	histogram.Observe(time.Since(t.start).Seconds())
}

// Duration returns the elapsed time since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
