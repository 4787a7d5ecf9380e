// Package metrics defines the pipeline's named counters and histograms:
// enqueues, handler successes and failures by category, DLQ depth,
// completion-signal emissions, curation successes, and model invoker
// latency/throttles. No HTTP exposition endpoint is wired here; embedding
// processes register a promhttp handler themselves, or push via a gateway.
package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	EnqueuesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "benchmarks_enqueues_total",
		Help: "Messages enqueued, by queue.",
	}, []string{"queue"})

	HandlerSuccessesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "benchmarks_handler_successes_total",
		Help: "Handler invocations that completed successfully, by queue.",
	}, []string{"queue"})

	HandlerFailuresTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "benchmarks_handler_failures_total",
		Help: "Handler invocations that failed, by queue and error category.",
	}, []string{"queue", "category"})

	DLQDepth = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "benchmarks_dlq_depth_total",
		Help: "Messages diverted to a dead-letter sink, by queue.",
	}, []string{"queue"})

	CompletionSignalsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "benchmarks_completion_signals_total",
		Help: "run-judged signals emitted by the Judge's completion detection.",
	})

	CurationSuccessesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "benchmarks_curation_successes_total",
		Help: "Run Summaries successfully computed and persisted by the Curator.",
	})

	InvokerLatencySeconds = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "benchmarks_invoker_latency_seconds",
		Help:    "Model Invoker call latency, by model_id.",
		Buckets: prometheus.DefBuckets,
	}, []string{"model_id"})

	InvokerThrottlesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "benchmarks_invoker_throttles_total",
		Help: "Model Invoker calls that failed with a throttling/transient error, by model_id.",
	}, []string{"model_id"})
)

func init() {
	prometheus.MustRegister(
		EnqueuesTotal,
		HandlerSuccessesTotal,
		HandlerFailuresTotal,
		DLQDepth,
		CompletionSignalsTotal,
		CurationSuccessesTotal,
		InvokerLatencySeconds,
		InvokerThrottlesTotal,
	)
}
