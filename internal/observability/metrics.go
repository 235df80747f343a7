// Package observability exposes Prometheus metrics for the pipeline funnel.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the pipeline's Prometheus collectors.
type Metrics struct {
	ItemsIngested        prometheus.Counter
	DuplicatesSuppressed *prometheus.CounterVec
	SignalsCreated       prometheus.Counter
	PredictorsCreated    prometheus.Counter
	PredictionsCreated   prometheus.Counter
	ReviewQueued         *prometheus.CounterVec
	AnalystCalls         *prometheus.CounterVec
	AnalystLatency       prometheus.Histogram
	EvaluationsScored    *prometheus.CounterVec
}

// NewMetrics registers the pipeline collectors on the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		ItemsIngested: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "foresight",
			Name:      "items_ingested_total",
			Help:      "Raw items presented to the ingestion pipeline.",
		}),
		DuplicatesSuppressed: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "foresight",
			Name:      "duplicates_suppressed_total",
			Help:      "Items suppressed by the deduplication layers.",
		}, []string{"layer"}),
		SignalsCreated: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "foresight",
			Name:      "signals_created_total",
			Help:      "Genuinely-new signals created.",
		}),
		PredictorsCreated: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "foresight",
			Name:      "predictors_created_total",
			Help:      "Predictors produced by the ensemble or review.",
		}),
		PredictionsCreated: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "foresight",
			Name:      "predictions_created_total",
			Help:      "Predictions that passed the threshold gates.",
		}),
		ReviewQueued: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "foresight",
			Name:      "review_queued_total",
			Help:      "Signals routed to the review queue.",
		}, []string{"reason"}),
		AnalystCalls: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "foresight",
			Name:      "analyst_calls_total",
			Help:      "Analyst invocations by outcome.",
		}, []string{"outcome"}),
		AnalystLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "foresight",
			Name:      "analyst_call_seconds",
			Help:      "Analyst invocation latency.",
			Buckets:   prometheus.ExponentialBuckets(0.25, 2, 10),
		}),
		EvaluationsScored: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "foresight",
			Name:      "evaluations_scored_total",
			Help:      "Evaluations by direction correctness.",
		}, []string{"correct"}),
	}
}
