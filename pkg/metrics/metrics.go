// Package metrics exposes the Prometheus instruments for the scoring
// pipeline. All instruments are registered on the default registry and
// served by the API's /metrics endpoint.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// EventsIngested counts process events accepted into the pipeline.
	EventsIngested = promauto.NewCounter(prometheus.CounterOpts{
		Name: "warden_events_ingested_total",
		Help: "Process creation events accepted for scoring.",
	})

	// EventsRejected counts submissions failing validation.
	EventsRejected = promauto.NewCounter(prometheus.CounterOpts{
		Name: "warden_events_rejected_total",
		Help: "Process creation events rejected at ingest.",
	})

	// Detections counts scored detections by verdict.
	Detections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "warden_detections_total",
		Help: "Detections recorded, partitioned by verdict.",
	}, []string{"verdict"})

	// ProviderFailures counts per-call provider errors by provider name.
	ProviderFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "warden_provider_failures_total",
		Help: "Score provider prediction failures.",
	}, []string{"provider"})

	// HeuristicFallbacks counts scores produced without any model provider.
	HeuristicFallbacks = promauto.NewCounter(prometheus.CounterOpts{
		Name: "warden_heuristic_fallbacks_total",
		Help: "Detections scored by the heuristic because no provider answered.",
	})

	// ExplainerFailures counts explanation slots that ended in an error or
	// unavailable marker.
	ExplainerFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "warden_explainer_failures_total",
		Help: "Explanation attempts that produced no result.",
	}, []string{"explainer"})

	// AlertsDelivered counts alert notifications by outcome.
	AlertsDelivered = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "warden_alerts_total",
		Help: "Alert notifications, partitioned by outcome.",
	}, []string{"outcome"})

	// ScoringDuration observes end-to-end Submit latency.
	ScoringDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "warden_scoring_duration_seconds",
		Help:    "Wall time of one event submission through scoring and persistence.",
		Buckets: prometheus.DefBuckets,
	})

	// MaliciousScore observes the fused score distribution.
	MaliciousScore = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "warden_malicious_score",
		Help:    "Distribution of fused malicious scores.",
		Buckets: prometheus.LinearBuckets(0, 0.1, 11),
	})
)

// Verdict label values for Detections.
const (
	VerdictMalicious = "malicious"
	VerdictBenign    = "benign"
)

// Alert outcome label values.
const (
	AlertDelivered  = "delivered"
	AlertFailed     = "failed"
	AlertSuppressed = "suppressed"
)
