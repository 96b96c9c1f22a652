// Package metrics registers the Prometheus collectors:
//
//	fxflow_fetch_requests_total
//	fxflow_fetch_retries_total
//	fxflow_cache_events_total
//	fxflow_rows_dropped_total
//	fxflow_pipeline_runs_total
//	fxflow_pipeline_duration_seconds
//
// plus the standard go_* and process_* collectors, and exposes them
// through Handler, mounted on the dashboard router at /metrics.
package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once             sync.Once
	fetchRequests    *prometheus.CounterVec
	fetchRetries     *prometheus.CounterVec
	cacheEvents      *prometheus.CounterVec
	rowsDropped      *prometheus.CounterVec
	pipelineRuns     *prometheus.CounterVec
	pipelineDuration prometheus.Histogram
)

func Init() {
	once.Do(func() {
		fetchRequests = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fxflow_fetch_requests_total",
				Help: "Number of Treasury API fetches by final outcome",
			},
			[]string{"currency", "outcome"},
		)

		fetchRetries = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fxflow_fetch_retries_total",
				Help: "Number of retried Treasury API requests",
			},
			[]string{"currency"},
		)

		cacheEvents = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fxflow_cache_events_total",
				Help: "Cache lookups and writes by event type",
			},
			[]string{"currency", "event"},
		)

		rowsDropped = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fxflow_rows_dropped_total",
				Help: "Rows discarded during validation by reason",
			},
			[]string{"currency", "reason"},
		)

		pipelineRuns = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fxflow_pipeline_runs_total",
				Help: "Completed pipeline runs by outcome",
			},
			[]string{"outcome"},
		)

		pipelineDuration = prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "fxflow_pipeline_duration_seconds",
				Help:    "Wall-clock duration of full pipeline runs",
				Buckets: prometheus.ExponentialBuckets(0.1, 2, 10),
			},
		)

		_ = prometheus.Register(fetchRequests)
		_ = prometheus.Register(fetchRetries)
		_ = prometheus.Register(cacheEvents)
		_ = prometheus.Register(rowsDropped)
		_ = prometheus.Register(pipelineRuns)
		_ = prometheus.Register(pipelineDuration)
		_ = prometheus.Register(collectors.NewGoCollector())
		_ = prometheus.Register(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	})
}

// Handler returns the Prometheus scrape handler for the registered collectors.
func Handler() http.Handler {
	return promhttp.Handler()
}

// IncrementFetchRequest counts one finished fetch for a currency with its outcome.
func IncrementFetchRequest(currency, outcome string) {
	if fetchRequests != nil {
		fetchRequests.WithLabelValues(currency, outcome).Inc()
	}
}

// IncrementFetchRetry counts one retried API request for a currency.
func IncrementFetchRetry(currency string) {
	if fetchRetries != nil {
		fetchRetries.WithLabelValues(currency).Inc()
	}
}

// IncrementCacheEvent counts a cache hit, miss, stale_hit or write for a currency.
func IncrementCacheEvent(currency, event string) {
	if cacheEvents != nil {
		cacheEvents.WithLabelValues(currency, event).Inc()
	}
}

// AddRowsDropped counts rows removed during validation for a currency and reason.
func AddRowsDropped(currency, reason string, n int) {
	if rowsDropped != nil && n > 0 {
		rowsDropped.WithLabelValues(currency, reason).Add(float64(n))
	}
}

// IncrementPipelineRun counts a finished pipeline run by outcome.
func IncrementPipelineRun(outcome string) {
	if pipelineRuns != nil {
		pipelineRuns.WithLabelValues(outcome).Inc()
	}
}

// ObservePipelineDuration records the duration of one pipeline run in seconds.
func ObservePipelineDuration(seconds float64) {
	if pipelineDuration != nil {
		pipelineDuration.Observe(seconds)
	}
}
