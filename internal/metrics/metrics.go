// Package metrics defines prometheus metrics to expose
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "modelgate_request_duration_seconds",
			Help:    "Total time taken for generation requests in seconds",
			Buckets: []float64{.1, .25, .5, 1, 2.5, 5, 10, 20, 30, 60, 120, 180, 300},
		},
		[]string{"model", "operation"},
	)

	TimeToFirstToken = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "modelgate_time_to_first_token_seconds",
			Help:    "Time to first token in seconds for streamed operations",
			Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 20, 30, 60},
		},
		[]string{"model", "operation"},
	)

	PromptTokens = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "modelgate_prompt_tokens_total",
			Help: "Total number of input tokens sent upstream",
		},
		[]string{"model", "operation"},
	)

	CompletionTokens = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "modelgate_completion_tokens_total",
			Help: "Total number of output tokens received",
		},
		[]string{"model", "operation"},
	)

	RequestCount = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "modelgate_request_count_total",
			Help: "Total number of generation requests processed",
		},
		[]string{"model", "operation", "status"},
	)

	CostUSD = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "modelgate_cost_usd_total",
			Help: "Estimated spend in USD",
		},
		[]string{"model", "provider"},
	)

	CacheEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "modelgate_cache_events_total",
			Help: "Response cache hits, misses and evictions",
		},
		[]string{"tier", "event"},
	)

	CacheEntries = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "modelgate_cache_entries",
			Help: "Entries held by the in-memory response cache",
		},
	)

	ProviderHealthy = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "modelgate_provider_healthy",
			Help: "1 when the provider is considered healthy",
		},
		[]string{"provider"},
	)

	ProviderLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "modelgate_provider_latency_seconds",
			Help:    "Latency of single upstream attempts",
			Buckets: []float64{.1, .25, .5, 1, 2.5, 5, 10, 20, 30, 60, 120},
		},
		[]string{"provider", "operation", "result"},
	)

	Retries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "modelgate_retries_total",
			Help: "Upstream retries by classified error kind",
		},
		[]string{"model", "kind"},
	)

	ClassifiedErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "modelgate_classified_errors_total",
			Help: "Terminal errors surfaced to callers by kind",
		},
		[]string{"model", "operation", "kind"},
	)

	BudgetAlerts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "modelgate_budget_alerts_total",
			Help: "Budget and spend alerts raised",
		},
		[]string{"kind", "severity"},
	)

	InflightRequests = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "modelgate_inflight_requests",
			Help: "Current inflight requests per actor",
		},
		[]string{"actor_id"},
	)

	SinkDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "modelgate_sink_dropped_outcomes_total",
			Help: "Outcomes dropped after exhausting persistence retries",
		},
	)

	ErrorCount = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "modelgate_error_count",
			Help: "Error count",
		},
		[]string{"model", "operation", "from"},
	)

	ResponseCodes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "modelgate_status_code",
			Help: "Status Codes",
		},
		[]string{"path", "status_code"},
	)
)
