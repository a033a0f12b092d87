// Package metrics provides Prometheus-based metrics recording for analysis
// operations.
package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Recorder records engine metrics. A single shared instance is used
// process-wide; promauto registers with the default registry.
type Recorder struct {
	llmRequestsTotal   *prometheus.CounterVec
	llmTokensTotal     *prometheus.CounterVec
	llmRequestDuration *prometheus.HistogramVec
	cacheLookupsTotal  *prometheus.CounterVec
	queriesTotal       *prometheus.CounterVec
	queryDuration      prometheus.Histogram
	queryIterations    prometheus.Histogram
	workerRestarts     prometheus.Counter
}

//nolint:gochecknoglobals // promauto metrics can only be registered once
var (
	defaultRecorder *Recorder
	recorderOnce    sync.Once
)

// Default returns the shared recorder, creating it on first use.
func Default() *Recorder {
	recorderOnce.Do(func() {
		defaultRecorder = newRecorder()
	})
	return defaultRecorder
}

func newRecorder() *Recorder {
	return &Recorder{
		llmRequestsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "docscope_llm_requests_total",
				Help: "Total number of sub-LLM requests by model and status",
			},
			[]string{"model", "kind", "status"},
		),
		llmTokensTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "docscope_llm_tokens_total",
				Help: "Total tokens used in sub-LLM requests",
			},
			[]string{"model", "type"},
		),
		llmRequestDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "docscope_llm_request_duration_seconds",
				Help:    "Duration of sub-LLM requests in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"model", "kind"},
		),
		cacheLookupsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "docscope_judgment_cache_lookups_total",
				Help: "Judgment cache lookups by outcome",
			},
			[]string{"outcome"},
		),
		queriesTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "docscope_queries_total",
				Help: "Total queries executed by status",
			},
			[]string{"status"},
		),
		queryDuration: promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "docscope_query_duration_seconds",
				Help:    "End-to-end query duration in seconds",
				Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600},
			},
		),
		queryIterations: promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "docscope_query_iterations",
				Help:    "Refinement iterations per query",
				Buckets: []float64{1, 2, 3, 4, 5},
			},
		),
		workerRestarts: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "docscope_worker_restarts_total",
				Help: "Worker processes restarted after unexpected exit",
			},
		),
	}
}

// ObserveLLMRequest records one sub-LLM call. kind is "judgment" or
// "synthesis".
func (r *Recorder) ObserveLLMRequest(model, kind string, tokensIn, tokensOut int64, err error, duration time.Duration) {
	status := "success"
	if err != nil {
		status = "error"
	}
	r.llmRequestsTotal.WithLabelValues(model, kind, status).Inc()
	r.llmRequestDuration.WithLabelValues(model, kind).Observe(duration.Seconds())
	if err == nil {
		r.llmTokensTotal.WithLabelValues(model, "input").Add(float64(tokensIn))
		r.llmTokensTotal.WithLabelValues(model, "output").Add(float64(tokensOut))
	}
}

// ObserveCacheLookup records a judgment cache hit or miss.
func (r *Recorder) ObserveCacheLookup(hit bool) {
	outcome := "miss"
	if hit {
		outcome = "hit"
	}
	r.cacheLookupsTotal.WithLabelValues(outcome).Inc()
}

// ObserveQuery records a finished query run.
func (r *Recorder) ObserveQuery(status string, iterations int, duration time.Duration) {
	r.queriesTotal.WithLabelValues(status).Inc()
	r.queryDuration.Observe(duration.Seconds())
	r.queryIterations.Observe(float64(iterations))
}

// ObserveWorkerRestart records a worker restart after an unexpected exit.
func (r *Recorder) ObserveWorkerRestart() {
	r.workerRestarts.Inc()
}
