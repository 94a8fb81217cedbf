// Package telemetry exposes Prometheus metrics for the crawl pipeline.
package telemetry

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	fetchesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fedigraph_fetches_total",
			Help: "Total API fetches issued, labeled by outcome.",
		},
		[]string{"outcome"},
	)

	fetchDurationSeconds = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "fedigraph_fetch_duration_seconds",
			Help:    "Histogram of API fetch latencies.",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 15, 30},
		},
	)

	rateGateDelaySeconds = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "fedigraph_rate_gate_delay_seconds",
			Help:    "Histogram of time spent waiting on per-instance rate gates.",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10},
		},
	)

	instancesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fedigraph_instances_total",
			Help: "Instances finalized during the crawl, labeled by status.",
		},
		[]string{"status"},
	)

	observationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fedigraph_observations_total",
			Help: "Raw observation records appended, labeled by edge kind.",
		},
		[]string{"kind"},
	)

	activeWorkers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "fedigraph_active_workers",
			Help: "Number of workers currently crawling an instance.",
		},
	)
)

// ObserveFetch records one completed fetch attempt.
func ObserveFetch(outcome string, duration time.Duration) {
	fetchesTotal.WithLabelValues(outcome).Inc()
	fetchDurationSeconds.Observe(duration.Seconds())
}

// ObserveGateDelay records time spent blocked on a rate gate.
func ObserveGateDelay(duration time.Duration) {
	if duration > time.Millisecond {
		rateGateDelaySeconds.Observe(duration.Seconds())
	}
}

// InstanceFinalized records an instance reaching a terminal status.
func InstanceFinalized(status string) {
	instancesTotal.WithLabelValues(status).Inc()
}

// ObservationAppended records one raw observation reaching the store.
func ObservationAppended(kind string) {
	observationsTotal.WithLabelValues(kind).Inc()
}

// WorkerStarted marks a worker as busy.
func WorkerStarted() { activeWorkers.Inc() }

// WorkerFinished marks a worker as idle.
func WorkerFinished() { activeWorkers.Dec() }
