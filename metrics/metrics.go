// Package metrics holds the Prometheus collectors shared by the extraction
// pipeline, the LLM layer and the run queue.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// LLMRequests counts chat and embedding calls by provider, call kind and result.
	LLMRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "proethica_llm_requests_total",
		Help: "LLM requests by provider, kind and result",
	}, []string{"provider", "kind", "result"})

	// LLMTokens counts tokens reported by providers.
	LLMTokens = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "proethica_llm_tokens_total",
		Help: "Tokens consumed by provider and direction",
	}, []string{"provider", "direction"})

	// LLMLatency tracks request latency.
	LLMLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "proethica_llm_request_duration_seconds",
		Help:    "LLM request duration in seconds",
		Buckets: prometheus.ExponentialBuckets(0.25, 2, 10), // 250ms to ~2min
	}, []string{"provider", "kind"})

	// HTTPRequests counts API requests by route pattern and status class.
	HTTPRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "proethica_http_requests_total",
		Help: "API requests by route and status class",
	}, []string{"route", "code"})

	// EntitiesExtracted counts stored entities per extraction type.
	EntitiesExtracted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "proethica_entities_extracted_total",
		Help: "Entities persisted by extraction type",
	}, []string{"extraction_type"})

	// SessionsTotal counts extraction sessions by type and final status.
	SessionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "proethica_extraction_sessions_total",
		Help: "Extraction sessions by type and status",
	}, []string{"extraction_type", "status"})

	// StepDuration tracks how long a pipeline step takes for one case.
	StepDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "proethica_step_duration_seconds",
		Help:    "Pipeline step duration in seconds",
		Buckets: prometheus.ExponentialBuckets(1, 2, 12), // 1s to ~1h
	}, []string{"step"})

	// DecisionPointFallbacks counts decision-point runs that fell back to LLM generation.
	DecisionPointFallbacks = promauto.NewCounter(prometheus.CounterOpts{
		Name: "proethica_decision_point_llm_fallbacks_total",
		Help: "Decision point syntheses that produced no algorithmic candidates",
	})

	// RunsTotal counts finished queue runs by status.
	RunsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "proethica_runs_total",
		Help: "Pipeline runs by final status",
	}, []string{"status"})

	// QueueDepth reports queued runs observed at the last poll.
	QueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "proethica_queue_depth",
		Help: "Queued pipeline runs",
	})

	// VerificationFindings counts data-quality findings by check.
	VerificationFindings = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "proethica_verification_findings_total",
		Help: "Verification findings by check and severity",
	}, []string{"check", "severity"})

	// SearchDuration observes hybrid search latency.
	SearchDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "proethica_search_duration_seconds",
		Help:    "Hybrid entity search latency",
		Buckets: prometheus.ExponentialBuckets(0.005, 2, 10),
	})
)
