// Package metrics holds the prometheus collectors updated by the pipeline.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	ProviderCalls = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "panelscore_provider_calls_total",
			Help: "AI provider calls by provider, role and outcome",
		},
		[]string{"provider", "role", "outcome"},
	)

	ProviderLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "panelscore_provider_call_duration_seconds",
			Help:    "AI provider call latency in seconds",
			Buckets: []float64{0.5, 1, 2, 5, 10, 20, 40, 80},
		},
		[]string{"provider", "role"},
	)

	ProviderRetries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "panelscore_provider_retries_total",
			Help: "Retries of transient provider errors",
		},
		[]string{"provider"},
	)

	CollectionRounds = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "panelscore_collection_rounds_total",
			Help: "Collection rounds issued",
		},
		[]string{"collector", "source_class"},
	)

	EvidenceAccepted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "panelscore_evidence_accepted_total",
			Help: "Evidence items persisted at ingestion",
		},
		[]string{"collector", "source_class"},
	)

	EvidenceDuplicates = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "panelscore_evidence_duplicates_total",
			Help: "Evidence items dropped as duplicates at ingestion",
		},
		[]string{"collector"},
	)

	ParseFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "panelscore_parse_failures_total",
			Help: "Judge responses that could not be parsed",
		},
		[]string{"provider", "role"},
	)

	EvidenceInvalid = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "panelscore_evidence_invalid_total",
			Help: "Evidence items deleted by the validator",
		},
		[]string{"reason"},
	)

	EvidenceVerified = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "panelscore_evidence_verified_total",
			Help: "Evidence items marked verified",
		},
	)

	Ratings = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "panelscore_ratings_total",
			Help: "Ratings written by evaluator",
		},
		[]string{"evaluator"},
	)

	Unrated = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "panelscore_unrated_total",
			Help: "Items left unrated after retries",
		},
		[]string{"evaluator", "reason"},
	)

	CellOutcomes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "panelscore_cell_outcomes_total",
			Help: "Terminal collection cell states",
		},
		[]string{"state"},
	)

	ScoreCache = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "panelscore_score_cache_total",
			Help: "Score view cache lookups",
		},
		[]string{"result"},
	)
)

// All returns every collector for registration
func All() []prometheus.Collector {
	return []prometheus.Collector{
		ProviderCalls, ProviderLatency, ProviderRetries,
		CollectionRounds, EvidenceAccepted, EvidenceDuplicates, ParseFailures,
		EvidenceInvalid, EvidenceVerified,
		Ratings, Unrated, CellOutcomes, ScoreCache,
	}
}

// Register adds every collector to reg. Already-registered collectors are
// tolerated so that several commands in one process can call it.
func Register(reg prometheus.Registerer) error {
	for _, c := range All() {
		if err := reg.Register(c); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); ok {
				continue
			}
			return err
		}
	}
	return nil
}
