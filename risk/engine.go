// Package risk scores kill events for resurrection safety. The engine
// combines the killer's own confidence, threat intelligence from the
// enricher, and the module's outcome history into a weighted score,
// then derives eligibility flags from the live threshold state.
package risk

import (
	"fmt"
	"sort"

	"github.com/sentinelops/medic/core"
)

// factorInput bundles everything a factor's raw-value function may read.
type factorInput struct {
	event      *core.KillEvent
	enrichment core.EnrichmentResult
	history    core.ModuleHistory
	critical   bool
}

// factorSpec is one row of the assessment table: a stable name, a weight
// selector, and the raw-value function producing the score and its
// operator-facing description. Keeping the table ordered means the
// factors in every assessment line up for display and simulation.
type factorSpec struct {
	name   string
	weight func(core.RiskWeights) float64
	raw    func(factorInput) (float64, string)
}

var killReasonScores = map[core.KillReason]float64{
	core.KillReasonThreatDetected:     0.9,
	core.KillReasonAnomalyBehavior:    0.6,
	core.KillReasonPolicyViolation:    0.5,
	core.KillReasonManualOverride:     0.4,
	core.KillReasonDependencyCascade:  0.3,
	core.KillReasonResourceExhaustion: 0.2,
}

var severityScores = map[core.Severity]float64{
	core.SeverityCritical: 1.0,
	core.SeverityHigh:     0.8,
	core.SeverityMedium:   0.5,
	core.SeverityLow:      0.3,
	core.SeverityInfo:     0.1,
}

// falsePositiveScore inverts false-positive counts into risk: a module
// the killer has repeatedly flagged wrongly is a safer resurrection than
// one with no track record at all.
func falsePositiveScore(count int) float64 {
	switch {
	case count == 0:
		return 0.8
	case count <= 2:
		return 0.5
	case count <= 5:
		return 0.3
	default:
		return 0.1
	}
}

var factorTable = []factorSpec{
	{
		name:   "smith_confidence",
		weight: func(w core.RiskWeights) float64 { return w.SmithConfidence },
		raw: func(in factorInput) (float64, string) {
			v := in.event.ConfidenceScore
			return v, fmt.Sprintf("Smith kill confidence: %.0f%%", v*100)
		},
	},
	{
		name:   "siem_risk_score",
		weight: func(w core.RiskWeights) float64 { return w.SIEMRiskScore },
		raw: func(in factorInput) (float64, string) {
			v := in.enrichment.RiskScore
			return v, fmt.Sprintf("SIEM risk score: %.0f%% (%s)", v*100, in.enrichment.Recommendation)
		},
	},
	{
		name:   "false_positive_history",
		weight: func(w core.RiskWeights) float64 { return w.FalsePositiveHistory },
		raw: func(in factorInput) (float64, string) {
			count := in.enrichment.FalsePositiveHistory
			if in.history.FailureCount > count {
				count = in.history.FailureCount
			}
			return falsePositiveScore(count), fmt.Sprintf("False positive history: %d prior false positives", count)
		},
	},
	{
		name:   "kill_reason",
		weight: func(w core.RiskWeights) float64 { return w.KillReason },
		raw: func(in factorInput) (float64, string) {
			v, ok := killReasonScores[in.event.KillReason]
			if !ok {
				v = 0.5
			}
			return v, fmt.Sprintf("Kill reason: %s", in.event.KillReason)
		},
	},
	{
		name:   "severity",
		weight: func(w core.RiskWeights) float64 { return w.Severity },
		raw: func(in factorInput) (float64, string) {
			v, ok := severityScores[in.event.Severity]
			if !ok {
				v = 0.5
			}
			return v, fmt.Sprintf("Severity: %s", in.event.Severity)
		},
	},
	{
		name:   "module_criticality",
		weight: func(w core.RiskWeights) float64 { return w.ModuleCriticality },
		raw: func(in factorInput) (float64, string) {
			if in.critical {
				return 0.9, "Critical module: yes"
			}
			return 0.3, "Critical module: no"
		},
	},
}

// Engine turns a kill event plus its enrichment and module history into a
// RiskAssessment. Weights and thresholds come from the shared threshold
// state so approved adjustments take effect on the next assessment.
type Engine struct {
	state    *core.ThresholdState
	critical map[string]struct{}
	logger   core.Logger
}

// NewEngine creates a risk engine reading weights and thresholds from
// state. Modules named in criticalModules score higher on criticality.
func NewEngine(state *core.ThresholdState, criticalModules []string) *Engine {
	critical := make(map[string]struct{}, len(criticalModules))
	for _, m := range criticalModules {
		critical[m] = struct{}{}
	}
	return &Engine{
		state:    state,
		critical: critical,
		logger:   &core.NoOpLogger{},
	}
}

// SetLogger configures the logger for this engine.
func (e *Engine) SetLogger(logger core.Logger) {
	if logger != nil {
		e.logger = logger
	}
}

// Assess produces the weighted risk assessment for one kill event.
// The score is the weight-normalized sum of the factor table, so adding
// or re-weighting factors never pushes it outside [0,1].
func (e *Engine) Assess(event *core.KillEvent, enrichment core.EnrichmentResult, history core.ModuleHistory) core.RiskAssessment {
	weights := e.state.Weights()
	thresholds := e.state.Snapshot()

	_, critical := e.critical[event.TargetModule]
	in := factorInput{
		event:      event,
		enrichment: enrichment,
		history:    history,
		critical:   critical,
	}

	factors := make([]core.RiskFactor, 0, len(factorTable))
	var sumWeighted, sumWeight float64
	for _, spec := range factorTable {
		weight := spec.weight(weights)
		raw, description := spec.raw(in)
		factor := core.RiskFactor{
			Name:          spec.name,
			RawValue:      raw,
			Weight:        weight,
			WeightedScore: raw * weight,
			Description:   description,
		}
		factors = append(factors, factor)
		sumWeighted += factor.WeightedScore
		sumWeight += weight
	}

	// All-zero weights give no signal; fall back to medium risk rather
	// than treating the event as safe.
	score := 0.5
	if sumWeight > 0 {
		score = sumWeighted / sumWeight
	}
	score = core.Clamp01(score)

	level := core.RiskLevelForScore(score)
	confidence := assessmentConfidence(enrichment, history)

	assessment := core.RiskAssessment{
		RiskScore:           score,
		RiskLevel:           level,
		Confidence:          confidence,
		Factors:             factors,
		AutoApproveEligible: score <= thresholds.AutoApproveMaxScore && confidence >= thresholds.AutoApproveMinConfidence,
		RequiresEscalation:  score >= thresholds.EscalationMinScore,
		Recommendations:     recommend(level, factors, event),
	}

	if e.logger != nil {
		e.logger.Info("Risk assessment completed", map[string]interface{}{
			"kill_id":      event.KillID,
			"risk_level":   string(level),
			"risk_score":   score,
			"confidence":   confidence,
			"auto_approve": assessment.AutoApproveEligible,
		})
	}

	return assessment
}

// assessmentConfidence estimates how much signal backed the assessment.
// Each independent data source present adds to a 0.5 base.
func assessmentConfidence(enrichment core.EnrichmentResult, history core.ModuleHistory) float64 {
	confidence := 0.5
	if enrichment.Recommendation != core.RecommendationUnknown {
		confidence += 0.15
	}
	if enrichment.FalsePositiveHistory > 0 {
		confidence += 0.10
	}
	if history.TotalResurrections > 0 {
		confidence += 0.15
	}
	return core.Clamp01(confidence)
}

// recommend produces the operator-facing recommendation list, seeded by
// risk level and extended with reason-specific hints.
func recommend(level core.RiskLevel, factors []core.RiskFactor, event *core.KillEvent) []string {
	var recs []string

	switch level {
	case core.RiskLevelMinimal, core.RiskLevelLow:
		recs = append(recs, "Low risk - safe to auto-approve")
	case core.RiskLevelMedium:
		recs = append(recs, "Medium risk - manual review recommended")
		for _, f := range topFactors(factors, 2) {
			recs = append(recs, fmt.Sprintf("Review: %s", f.Description))
		}
	case core.RiskLevelHigh:
		recs = append(recs,
			"High risk - escalate to senior operator",
			"Investigate before resurrection")
	default:
		recs = append(recs,
			"Critical risk - do not resurrect without investigation",
			"Consider incident response procedures")
	}

	if event.KillReason == core.KillReasonThreatDetected {
		recs = append(recs, "Verify threat has been contained")
	}

	return recs
}

// topFactors returns the n largest contributors by weighted score,
// leaving the assessment's factor ordering untouched.
func topFactors(factors []core.RiskFactor, n int) []core.RiskFactor {
	sorted := make([]core.RiskFactor, len(factors))
	copy(sorted, factors)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].WeightedScore > sorted[j].WeightedScore
	})
	if n > len(sorted) {
		n = len(sorted)
	}
	return sorted[:n]
}
