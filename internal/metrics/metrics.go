// Package metrics exposes Prometheus collectors for the crawler service.
package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	fetchOutcomesTotal        *prometheus.CounterVec
	fetchDurationSeconds      *prometheus.HistogramVec
	batchSize                 prometheus.Histogram
	jobRunsTotal              *prometheus.CounterVec
	activeJobs                prometheus.Gauge
	recordsStoredTotal        prometheus.Counter
	recordsDeduplicatedTotal  prometheus.Counter
	httpRequestDurationSecond *prometheus.HistogramVec

	once sync.Once
)

// Init registers the Prometheus collectors. Safe to call multiple times.
func Init() {
	once.Do(func() {
		fetchOutcomesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawler_fetch_outcomes_total",
				Help: "Total fetch attempts, labeled by outcome kind.",
			},
			[]string{"kind"},
		)

		fetchDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "crawler_fetch_duration_seconds",
				Help:    "Histogram of fetch latencies, labeled by outcome kind.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
			},
			[]string{"kind"},
		)

		batchSize = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "crawler_batch_size",
				Help:    "Histogram of URLs per batch run.",
				Buckets: []float64{1, 2, 5, 10, 25, 50, 100},
			},
		)

		jobRunsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawler_job_runs_total",
				Help: "Total job body invocations, labeled by job and result.",
			},
			[]string{"job", "result"},
		)

		activeJobs = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "crawler_active_jobs",
				Help: "Number of jobs currently in running state.",
			},
		)

		recordsStoredTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "crawler_records_stored_total",
				Help: "Total records persisted to the record store.",
			},
		)

		recordsDeduplicatedTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "crawler_records_deduplicated_total",
				Help: "Total payloads skipped because their content hash was cached.",
			},
		)

		httpRequestDurationSecond = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Histogram of API request latencies, labeled by method and route.",
				Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2},
			},
			[]string{"method", "route"},
		)
	})
}

// ObserveFetch records one fetch attempt.
func ObserveFetch(kind string, d time.Duration) {
	if fetchOutcomesTotal == nil {
		return
	}
	fetchOutcomesTotal.WithLabelValues(kind).Inc()
	fetchDurationSeconds.WithLabelValues(kind).Observe(d.Seconds())
}

// ObserveBatch records the size of one batch run.
func ObserveBatch(n int) {
	if batchSize == nil {
		return
	}
	batchSize.Observe(float64(n))
}

// JobRun records one job body invocation.
func JobRun(job, result string) {
	if jobRunsTotal == nil {
		return
	}
	jobRunsTotal.WithLabelValues(job, result).Inc()
}

// SetActiveJobs updates the running-jobs gauge.
func SetActiveJobs(n int) {
	if activeJobs == nil {
		return
	}
	activeJobs.Set(float64(n))
}

// RecordsStored adds to the stored-records counter.
func RecordsStored(n int) {
	if recordsStoredTotal == nil {
		return
	}
	recordsStoredTotal.Add(float64(n))
}

// RecordsDeduplicated adds to the deduplicated-payloads counter.
func RecordsDeduplicated(n int) {
	if recordsDeduplicatedTotal == nil {
		return
	}
	recordsDeduplicatedTotal.Add(float64(n))
}

// ObserveRequest records one API request.
func ObserveRequest(method, route string, d time.Duration) {
	if httpRequestDurationSecond == nil {
		return
	}
	httpRequestDurationSecond.WithLabelValues(method, route).Observe(d.Seconds())
}

// Handler returns the Prometheus scrape handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
