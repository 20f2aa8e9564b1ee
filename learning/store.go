// Package learning holds the outcome log and the components that read it
// back: the store backends, the pattern analyzer, the threshold adapter,
// and the feedback processor. Everything here is read/write on
// ResurrectionOutcome records; decisions themselves are made elsewhere.
package learning

import (
	"time"

	"github.com/sentinelops/medic/core"
)

// Update keys accepted by OutcomeStore.Update. Anything else in a patch
// is ignored without error.
const (
	FieldOutcomeType       = "outcome_type"
	FieldHealthScoreAfter  = "health_score_after"
	FieldTimeToHealthy     = "time_to_healthy"
	FieldAnomaliesDetected = "anomalies_detected"
	FieldRequiredRollback  = "required_rollback"
	FieldFeedbackSource    = "feedback_source"
	FieldHumanFeedback     = "human_feedback"
	FieldCorrectedDecision = "corrected_decision"
	FieldMetadata          = "metadata"
)

// applyOutcomePatch mutates o in place with the allowed subset of fields
// and returns the keys it actually applied. Values arrive either typed
// (from the feedback processor) or as JSON-decoded interface{} (from the
// admin API), so each field tolerates both forms. A value that cannot be
// coerced is skipped like an unknown key.
func applyOutcomePatch(o *core.ResurrectionOutcome, fields map[string]interface{}) []string {
	applied := make([]string, 0, len(fields))
	for key, value := range fields {
		switch key {
		case FieldOutcomeType:
			if s, ok := asString(value); ok {
				if ot, err := core.ParseOutcomeType(s); err == nil {
					o.OutcomeType = ot
					applied = append(applied, key)
				}
			}
		case FieldHealthScoreAfter:
			if f, ok := asFloat(value); ok {
				v := core.Clamp01(f)
				o.HealthScoreAfter = &v
				applied = append(applied, key)
			}
		case FieldTimeToHealthy:
			if f, ok := asFloat(value); ok {
				v := f
				o.TimeToHealthy = &v
				applied = append(applied, key)
			}
		case FieldAnomaliesDetected:
			if f, ok := asFloat(value); ok {
				o.AnomaliesDetected = int(f)
				applied = append(applied, key)
			}
		case FieldRequiredRollback:
			if b, ok := value.(bool); ok {
				o.RequiredRollback = b
				applied = append(applied, key)
			}
		case FieldFeedbackSource:
			if s, ok := asString(value); ok {
				if fs, err := core.ParseFeedbackSource(s); err == nil {
					o.FeedbackSource = fs
					applied = append(applied, key)
				}
			}
		case FieldHumanFeedback:
			if s, ok := asString(value); ok {
				v := s
				o.HumanFeedback = &v
				applied = append(applied, key)
			}
		case FieldCorrectedDecision:
			if s, ok := asString(value); ok {
				v := s
				o.CorrectedDecision = &v
				applied = append(applied, key)
			}
		case FieldMetadata:
			if m, ok := value.(map[string]interface{}); ok {
				o.Metadata = cloneMetadata(m)
				applied = append(applied, key)
			}
		}
	}
	return applied
}

func asFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case *float64:
		if n != nil {
			return *n, true
		}
	}
	return 0, false
}

func asString(v interface{}) (string, bool) {
	switch s := v.(type) {
	case string:
		return s, true
	case core.OutcomeType:
		return string(s), true
	case core.FeedbackSource:
		return string(s), true
	case *string:
		if s != nil {
			return *s, true
		}
	}
	return "", false
}

func cloneMetadata(m map[string]interface{}) map[string]interface{} {
	if m == nil {
		return nil
	}
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// cloneOutcome returns a copy that shares no mutable state with the
// original. Both store backends hand out clones so callers can never
// mutate a stored record without going through Update.
func cloneOutcome(o *core.ResurrectionOutcome) *core.ResurrectionOutcome {
	if o == nil {
		return nil
	}
	c := *o
	if o.HealthScoreAfter != nil {
		v := *o.HealthScoreAfter
		c.HealthScoreAfter = &v
	}
	if o.TimeToHealthy != nil {
		v := *o.TimeToHealthy
		c.TimeToHealthy = &v
	}
	if o.HumanFeedback != nil {
		v := *o.HumanFeedback
		c.HumanFeedback = &v
	}
	if o.CorrectedDecision != nil {
		v := *o.CorrectedDecision
		c.CorrectedDecision = &v
	}
	c.Metadata = cloneMetadata(o.Metadata)
	return &c
}

// aggregateStatistics computes the aggregate view over the given records.
// Both backends build their Statistics through this one function so the
// numbers can never drift between memory and SQLite.
func aggregateStatistics(outcomes []*core.ResurrectionOutcome) *core.Statistics {
	stats := &core.Statistics{
		CountsByType: make(map[core.OutcomeType]int),
	}
	if len(outcomes) == 0 {
		now := time.Now().UTC()
		stats.PeriodStart = now
		stats.PeriodEnd = now
		return stats
	}

	var (
		successRiskSum float64
		successRiskN   int
		failureRiskSum float64
		failureRiskN   int
		healthySum     float64
		healthyN       int
		autoTotal      int
		autoSuccess    int
		overrides      int
	)

	stats.PeriodStart = outcomes[0].Timestamp
	stats.PeriodEnd = outcomes[0].Timestamp

	for _, o := range outcomes {
		stats.TotalOutcomes++
		stats.CountsByType[o.OutcomeType]++

		if o.Timestamp.Before(stats.PeriodStart) {
			stats.PeriodStart = o.Timestamp
		}
		if o.Timestamp.After(stats.PeriodEnd) {
			stats.PeriodEnd = o.Timestamp
		}

		switch o.OutcomeType {
		case core.OutcomeSuccess:
			successRiskSum += o.OriginalRiskScore
			successRiskN++
			if o.TimeToHealthy != nil {
				healthySum += *o.TimeToHealthy
				healthyN++
			}
		case core.OutcomeFailure, core.OutcomeRollback:
			failureRiskSum += o.OriginalRiskScore
			failureRiskN++
		}

		if o.WasAutoApproved {
			autoTotal++
			if o.OutcomeType == core.OutcomeSuccess {
				autoSuccess++
			}
		}
		if o.CorrectedDecision != nil {
			overrides++
		}
	}

	if successRiskN > 0 {
		stats.AvgRiskSuccess = successRiskSum / float64(successRiskN)
	}
	if failureRiskN > 0 {
		stats.AvgRiskFailure = failureRiskSum / float64(failureRiskN)
	}
	if healthyN > 0 {
		stats.AvgTimeToHealthy = healthySum / float64(healthyN)
	}
	stats.AutoApproveTotal = autoTotal
	if autoTotal > 0 {
		stats.AutoApproveAccuracy = float64(autoSuccess) / float64(autoTotal)
	}
	if stats.TotalOutcomes > 0 {
		stats.HumanOverrideRate = float64(overrides) / float64(stats.TotalOutcomes)
	}
	return stats
}

// aggregateModuleHistory condenses one module's records into the slice of
// history the risk engine consumes.
func aggregateModuleHistory(outcomes []*core.ResurrectionOutcome) *core.ModuleHistory {
	h := &core.ModuleHistory{}
	if len(outcomes) == 0 {
		return h
	}

	var riskSum, recoverySum float64
	var recoveryN int
	for _, o := range outcomes {
		h.TotalResurrections++
		riskSum += o.OriginalRiskScore
		switch o.OutcomeType {
		case core.OutcomeSuccess:
			h.SuccessCount++
		case core.OutcomeFailure, core.OutcomeRollback:
			h.FailureCount++
		}
		if o.TimeToHealthy != nil {
			recoverySum += *o.TimeToHealthy
			recoveryN++
		}
	}

	h.SuccessRate = float64(h.SuccessCount) / float64(h.TotalResurrections)
	h.AvgRiskScore = riskSum / float64(h.TotalResurrections)
	if recoveryN > 0 {
		h.AvgRecoverySeconds = recoverySum / float64(recoveryN)
	}
	return h
}

// inWindow reports whether t falls inside the inclusive [since, until]
// range. Zero bounds are open.
func inWindow(t, since, until time.Time) bool {
	if !since.IsZero() && t.Before(since) {
		return false
	}
	if !until.IsZero() && t.After(until) {
		return false
	}
	return true
}
