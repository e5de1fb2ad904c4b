// Package metrics provides Prometheus metrics for stungather.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	namespace = "stungather"
)

// Metrics contains all Prometheus metrics for the harvesting stack.
type Metrics struct {
	// Harvest metrics
	HarvestsStarted   prometheus.Counter
	HarvestsCompleted *prometheus.CounterVec
	HarvestDuration   prometheus.Histogram
	Retransmissions   prometheus.Counter
	CandidatesFound   *prometheus.CounterVec

	// Dispatch pipeline metrics
	DispatchEnqueued     prometheus.Counter
	DispatchDropped      prometheus.Counter
	DispatchQueueDepth   prometheus.Gauge
	DispatchDecodeErrors prometheus.Counter
	DispatchWorkerPanics prometheus.Counter
	DispatchUnmatched    prometheus.Counter

	// Multiplexer metrics
	PacketsMatched   prometheus.Counter
	PacketsUnmatched prometheus.Counter
	PacketsEvicted   prometheus.Counter

	// Transport manager metrics
	BindingsActive prometheus.Gauge
	UnbindTimeouts prometheus.Counter
	AcceptorResets prometheus.Counter
}

var (
	defaultMetrics *Metrics
	metricsOnce    sync.Once
)

// Default returns the process-wide Metrics instance, creating it on first
// use against the default Prometheus registry.
func Default() *Metrics {
	metricsOnce.Do(func() {
		defaultMetrics = NewMetrics()
	})
	return defaultMetrics
}

// NewMetrics creates a new Metrics instance with all metrics registered.
func NewMetrics() *Metrics {
	return NewMetricsWithRegistry(prometheus.DefaultRegisterer)
}

// NewMetricsWithRegistry creates a new Metrics instance with a custom registry.
func NewMetricsWithRegistry(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	m := &Metrics{
		HarvestsStarted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "harvests_started_total",
			Help:      "Total STUN harvests started",
		}),
		HarvestsCompleted: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "harvests_completed_total",
			Help:      "Total STUN harvests reaching a terminal state, by result",
		}, []string{"result"}),
		HarvestDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "harvest_duration_seconds",
			Help:      "Time from harvest start to terminal state",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12),
		}),
		Retransmissions: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "retransmissions_total",
			Help:      "Total Binding request retransmissions",
		}),
		CandidatesFound: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "candidates_found_total",
			Help:      "Total candidates discovered, by type",
		}, []string{"type"}),

		DispatchEnqueued: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dispatch_enqueued_total",
			Help:      "Total raw packets accepted by the dispatch pipeline",
		}),
		DispatchDropped: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dispatch_dropped_total",
			Help:      "Total raw packets dropped because a queue was full",
		}),
		DispatchQueueDepth: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "dispatch_queue_depth",
			Help:      "Raw packets waiting for a decode worker",
		}),
		DispatchDecodeErrors: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dispatch_decode_errors_total",
			Help:      "Total packets that failed to decode",
		}),
		DispatchWorkerPanics: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dispatch_worker_panics_total",
			Help:      "Total dispatch workers lost to panics",
		}),
		DispatchUnmatched: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dispatch_unmatched_total",
			Help:      "Total decoded messages matching no registered transaction",
		}),

		PacketsMatched: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "mux_packets_matched_total",
			Help:      "Total packets delivered to a logical socket",
		}),
		PacketsUnmatched: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "mux_packets_unmatched_total",
			Help:      "Total packets falling through to the default consumer",
		}),
		PacketsEvicted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "mux_packets_evicted_total",
			Help:      "Total matched packets evicted from a full logical socket buffer",
		}),

		BindingsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "bindings_active",
			Help:      "Number of ports currently bound by acceptors",
		}),
		UnbindTimeouts: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "unbind_timeouts_total",
			Help:      "Total unbind operations that exceeded the acceptor timeout",
		}),
		AcceptorResets: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "acceptor_resets_total",
			Help:      "Total acceptors disposed by the aggressive-reset path",
		}),
	}

	return m
}

// RecordHarvestStarted records a harvest entering the started set.
func (m *Metrics) RecordHarvestStarted() {
	m.HarvestsStarted.Inc()
}

// RecordHarvestCompleted records a harvest reaching a terminal state.
func (m *Metrics) RecordHarvestCompleted(result string, durationSeconds float64) {
	m.HarvestsCompleted.WithLabelValues(result).Inc()
	m.HarvestDuration.Observe(durationSeconds)
}

// RecordRetransmission records one Binding request retransmission.
func (m *Metrics) RecordRetransmission() {
	m.Retransmissions.Inc()
}

// RecordCandidate records a discovered candidate by type.
func (m *Metrics) RecordCandidate(candidateType string) {
	m.CandidatesFound.WithLabelValues(candidateType).Inc()
}

// RecordBindingAdded records a port entering the bound set.
func (m *Metrics) RecordBindingAdded() {
	m.BindingsActive.Inc()
}

// RecordBindingRemoved records a port leaving the bound set.
func (m *Metrics) RecordBindingRemoved(count int) {
	m.BindingsActive.Sub(float64(count))
}

// RecordUnbindTimeout records an unbind exceeding the acceptor timeout.
func (m *Metrics) RecordUnbindTimeout() {
	m.UnbindTimeouts.Inc()
}

// RecordAcceptorReset records an acceptor disposed by aggressive reset.
func (m *Metrics) RecordAcceptorReset() {
	m.AcceptorResets.Inc()
}
