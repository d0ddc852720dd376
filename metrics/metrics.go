// Package metrics exposes the pipeline's Prometheus collectors.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// StageProgress tracks the checkpoint block of every sync stage.
	StageProgress = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "meridian",
		Subsystem: "sync",
		Name:      "stage_progress",
		Help:      "Highest fully applied block per stage",
	}, []string{"stage"})

	// UnwindRequests counts how many times a stage requested a rollback.
	UnwindRequests = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "meridian",
		Subsystem: "sync",
		Name:      "unwind_requests_total",
		Help:      "Number of unwind requests issued by stages",
	})

	// CycleDuration observes wall time of full sync cycles.
	CycleDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "meridian",
		Subsystem: "sync",
		Name:      "cycle_seconds",
		Help:      "Duration of sync cycles",
		Buckets:   prometheus.ExponentialBuckets(0.01, 4, 10),
	})

	// DBCommitDuration observes commit latency of stage-owned transactions.
	DBCommitDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "meridian",
		Subsystem: "db",
		Name:      "commit_seconds",
		Help:      "Duration of write transaction commits",
		Buckets:   prometheus.ExponentialBuckets(0.001, 4, 10),
	})
)

func init() {
	prometheus.MustRegister(StageProgress, UnwindRequests, CycleDuration, DBCommitDuration)
}

// Handler serves the registered collectors over HTTP.
func Handler() http.Handler {
	return promhttp.Handler()
}
