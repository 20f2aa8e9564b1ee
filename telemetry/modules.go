package telemetry

// Metric names and declarations for the agent's own modules, kept here
// so emitting packages share one inventory without an import cycle.

const (
	// Kill feed metrics
	MetricKillEventsReceived = "medic.feed.events_received"
	MetricKillEventsInvalid  = "medic.feed.events_invalid"
	MetricFeedAckFailures    = "medic.feed.ack_failures"
	MetricFeedLag            = "medic.feed.lag"

	// Decision pipeline metrics
	MetricDecisionsTotal     = "medic.decisions.total"
	MetricDecisionDuration   = "medic.decisions.duration_ms"
	MetricEnrichmentDuration = "medic.enrichment.duration_ms"
	MetricEnrichmentFailures = "medic.enrichment.failures"

	// Resurrection execution metrics
	MetricResurrectionsExecuted = "medic.resurrections.executed"
	MetricResurrectionDuration  = "medic.resurrections.duration_ms"
	MetricResurrectionFailures  = "medic.resurrections.failures"

	// Outcome store metrics
	MetricOutcomesRecorded = "medic.outcomes.recorded"
	MetricStoreFailures    = "medic.store.failures"

	// Learning loop metrics
	MetricPatternsDetected  = "medic.learning.patterns_detected"
	MetricProposalsCreated  = "medic.learning.proposals_created"
	MetricProposalsApplied  = "medic.learning.proposals_applied"
	MetricProposalsRejected = "medic.learning.proposals_rejected"
	MetricThresholdVersion  = "medic.learning.threshold_version"
	MetricCalibrations      = "medic.learning.calibrations"

	// Rate guard metrics
	MetricGuardRefusals = "medic.guard.refusals"

	// Circuit breaker metrics
	MetricCircuitBreakerSuccess  = "medic.circuit_breaker.success"
	MetricCircuitBreakerFailure  = "medic.circuit_breaker.failure"
	MetricCircuitBreakerOpen     = "medic.circuit_breaker.open"
	MetricCircuitBreakerRejected = "medic.circuit_breaker.rejected"
)

func init() {
	// Kill feed metrics
	DeclareMetrics("feed", ModuleConfig{
		Metrics: []MetricDefinition{
			{
				Name:   MetricKillEventsReceived,
				Type:   "counter",
				Help:   "Kill notifications consumed from the feed",
				Labels: []string{"kill_reason", "severity"},
			},
			{
				Name:   MetricKillEventsInvalid,
				Type:   "counter",
				Help:   "Malformed kill notifications discarded after ack",
				Labels: []string{"error_type"},
			},
			{
				Name:   MetricFeedAckFailures,
				Type:   "counter",
				Help:   "Acknowledgements that failed and will be redelivered",
			},
			{
				Name:   MetricFeedLag,
				Type:   "gauge",
				Help:   "Entries pending in the consumer group",
			},
		},
	})

	// Decision pipeline metrics
	DeclareMetrics("decision", ModuleConfig{
		Metrics: []MetricDefinition{
			{
				Name:   MetricDecisionsTotal,
				Type:   "counter",
				Help:   "Resurrection decisions by classification",
				Labels: []string{"decision", "target_module"},
			},
			{
				Name:    MetricDecisionDuration,
				Type:    "histogram",
				Help:    "End-to-end pipeline latency per kill event in milliseconds",
				Labels:  []string{"decision"},
				Unit:    "ms",
				Buckets: []float64{10, 100, 1000, 5000, 15000, 45000},
			},
			{
				Name:    MetricEnrichmentDuration,
				Type:    "histogram",
				Help:    "Enrichment lookup duration in milliseconds",
				Labels:  []string{"provider"},
				Unit:    "ms",
				Buckets: []float64{10, 50, 100, 500, 1000, 10000},
			},
			{
				Name:   MetricEnrichmentFailures,
				Type:   "counter",
				Help:   "Enrichment calls that fell back to neutral values",
				Labels: []string{"error_type"},
			},
		},
	})

	// Resurrection execution metrics
	DeclareMetrics("resurrection", ModuleConfig{
		Metrics: []MetricDefinition{
			{
				Name:   MetricResurrectionsExecuted,
				Type:   "counter",
				Help:   "Restart requests issued to the supervisor",
				Labels: []string{"target_module", "status"},
			},
			{
				Name:    MetricResurrectionDuration,
				Type:    "histogram",
				Help:    "Restart plus health confirmation duration in milliseconds",
				Labels:  []string{"target_module"},
				Unit:    "ms",
				Buckets: []float64{100, 1000, 5000, 15000, 30000, 60000},
			},
			{
				Name:   MetricResurrectionFailures,
				Type:   "counter",
				Help:   "Restarts that failed or never became healthy",
				Labels: []string{"target_module", "error_type"},
			},
		},
	})

	// Outcome store metrics
	DeclareMetrics("store", ModuleConfig{
		Metrics: []MetricDefinition{
			{
				Name:   MetricOutcomesRecorded,
				Type:   "counter",
				Help:   "Outcome records persisted",
				Labels: []string{"outcome_type"},
			},
			{
				Name:   MetricStoreFailures,
				Type:   "counter",
				Help:   "Store operations that failed",
				Labels: []string{"error_type"},
			},
		},
	})

	// Learning loop metrics
	DeclareMetrics("learning", ModuleConfig{
		Metrics: []MetricDefinition{
			{
				Name:   MetricPatternsDetected,
				Type:   "counter",
				Help:   "Outcome patterns detected by the analyzer",
				Labels: []string{"pattern_type"},
			},
			{
				Name:   MetricProposalsCreated,
				Type:   "counter",
				Help:   "Threshold adjustment proposals created",
			},
			{
				Name:   MetricProposalsApplied,
				Type:   "counter",
				Help:   "Threshold adjustment proposals approved and applied",
			},
			{
				Name:   MetricProposalsRejected,
				Type:   "counter",
				Help:   "Threshold adjustment proposals rejected by an operator",
			},
			{
				Name: MetricThresholdVersion,
				Type: "gauge",
				Help: "Active threshold configuration version",
			},
			{
				Name:   MetricCalibrations,
				Type:   "counter",
				Help:   "Confidence calibrations by direction",
				Labels: []string{"direction"},
			},
		},
	})

	// Rate guard metrics
	DeclareMetrics("guard", ModuleConfig{
		Metrics: []MetricDefinition{
			{
				Name:   MetricGuardRefusals,
				Type:   "counter",
				Help:   "Resurrections refused by the rate guard",
				Labels: []string{"target_module", "error_type"},
			},
		},
	})

	// Circuit breaker metrics
	DeclareMetrics("resilience", ModuleConfig{
		Metrics: []MetricDefinition{
			{
				Name:   MetricCircuitBreakerSuccess,
				Type:   "counter",
				Help:   "Calls completed through a breaker",
				Labels: []string{"name"},
			},
			{
				Name:   MetricCircuitBreakerFailure,
				Type:   "counter",
				Help:   "Calls a breaker counted against its failure rate",
				Labels: []string{"name", "error_type"},
			},
			{
				Name:   MetricCircuitBreakerOpen,
				Type:   "counter",
				Help:   "Transitions into the open state",
				Labels: []string{"name"},
			},
			{
				Name:   MetricCircuitBreakerRejected,
				Type:   "counter",
				Help:   "Calls rejected while a breaker was open",
				Labels: []string{"name"},
			},
		},
	})
}
