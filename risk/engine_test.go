package risk

import (
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sentinelops/medic/core"
)

func newTestEngine(t *testing.T, critical ...string) *Engine {
	t.Helper()
	state := core.NewThresholdState(core.DefaultRiskThresholds(), core.DefaultRiskWeights())
	return NewEngine(state, critical)
}

func testEvent(reason core.KillReason, severity core.Severity, confidence float64) *core.KillEvent {
	return &core.KillEvent{
		KillID:           "kill-risk-1",
		TargetModule:     "cache-service",
		TargetInstanceID: "cache-service-0",
		KillReason:       reason,
		Severity:         severity,
		ConfidenceScore:  confidence,
		SourceAgent:      "smith",
	}
}

func factorByName(t *testing.T, a core.RiskAssessment, name string) core.RiskFactor {
	t.Helper()
	for _, f := range a.Factors {
		if f.Name == name {
			return f
		}
	}
	t.Fatalf("assessment has no factor %q", name)
	return core.RiskFactor{}
}

func TestAssessScoreAndConfidenceStayInRange(t *testing.T) {
	engine := newTestEngine(t, "cache-service")

	cases := []struct {
		name       string
		event      *core.KillEvent
		enrichment core.EnrichmentResult
		history    core.ModuleHistory
	}{
		{
			name:       "all signals maxed",
			event:      testEvent(core.KillReasonThreatDetected, core.SeverityCritical, 1.0),
			enrichment: core.EnrichmentResult{RiskScore: 1.0, Recommendation: core.RecommendationDenyResurrection},
			history:    core.ModuleHistory{TotalResurrections: 50, FailureCount: 50},
		},
		{
			name:       "all signals floored",
			event:      testEvent(core.KillReasonResourceExhaustion, core.SeverityInfo, 0.0),
			enrichment: core.EnrichmentResult{RiskScore: 0.0, Recommendation: core.RecommendationUnknown, FalsePositiveHistory: 20},
		},
		{
			name:       "defaults",
			event:      testEvent(core.KillReasonAnomalyBehavior, core.SeverityMedium, 0.5),
			enrichment: core.DefaultEnrichmentResult(),
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			a := engine.Assess(tc.event, tc.enrichment, tc.history)
			assert.GreaterOrEqual(t, a.RiskScore, 0.0)
			assert.LessOrEqual(t, a.RiskScore, 1.0)
			assert.GreaterOrEqual(t, a.Confidence, 0.0)
			assert.LessOrEqual(t, a.Confidence, 1.0)
		})
	}
}

func TestAssessLevelMatchesScoreBands(t *testing.T) {
	for score, want := range map[float64]core.RiskLevel{
		0.0: core.RiskLevelMinimal,
		0.2: core.RiskLevelLow,
		0.4: core.RiskLevelMedium,
		0.6: core.RiskLevelHigh,
		0.8: core.RiskLevelCritical,
		1.0: core.RiskLevelCritical,
	} {
		assert.Equal(t, want, core.RiskLevelForScore(score), "score %v", score)
	}

	// The engine's level is always derived from its own score.
	engine := newTestEngine(t)
	for _, severity := range []core.Severity{core.SeverityInfo, core.SeverityMedium, core.SeverityCritical} {
		a := engine.Assess(testEvent(core.KillReasonThreatDetected, severity, 0.9), core.DefaultEnrichmentResult(), core.ModuleHistory{})
		assert.Equal(t, core.RiskLevelForScore(a.RiskScore), a.RiskLevel)
	}
}

func TestAssessFactorOrderIsStable(t *testing.T) {
	engine := newTestEngine(t)
	a := engine.Assess(testEvent(core.KillReasonPolicyViolation, core.SeverityMedium, 0.4), core.DefaultEnrichmentResult(), core.ModuleHistory{})

	names := make([]string, len(a.Factors))
	for i, f := range a.Factors {
		names[i] = f.Name
	}
	assert.Equal(t, []string{
		"smith_confidence",
		"siem_risk_score",
		"false_positive_history",
		"kill_reason",
		"severity",
		"module_criticality",
	}, names)
}

func TestAssessKillReasonRawValues(t *testing.T) {
	engine := newTestEngine(t)
	for reason, want := range map[core.KillReason]float64{
		core.KillReasonThreatDetected:     0.9,
		core.KillReasonAnomalyBehavior:    0.6,
		core.KillReasonPolicyViolation:    0.5,
		core.KillReasonManualOverride:     0.4,
		core.KillReasonDependencyCascade:  0.3,
		core.KillReasonResourceExhaustion: 0.2,
	} {
		a := engine.Assess(testEvent(reason, core.SeverityMedium, 0.5), core.DefaultEnrichmentResult(), core.ModuleHistory{})
		f := factorByName(t, a, "kill_reason")
		assert.InDelta(t, want, f.RawValue, 1e-9, "reason %s", reason)
		assert.InDelta(t, want*0.10, f.WeightedScore, 1e-9, "reason %s", reason)
	}
}

func TestAssessSeverityRawValues(t *testing.T) {
	engine := newTestEngine(t)
	for severity, want := range map[core.Severity]float64{
		core.SeverityCritical: 1.0,
		core.SeverityHigh:     0.8,
		core.SeverityMedium:   0.5,
		core.SeverityLow:      0.3,
		core.SeverityInfo:     0.1,
	} {
		a := engine.Assess(testEvent(core.KillReasonPolicyViolation, severity, 0.5), core.DefaultEnrichmentResult(), core.ModuleHistory{})
		assert.InDelta(t, want, factorByName(t, a, "severity").RawValue, 1e-9, "severity %s", severity)
	}
}

func TestAssessFalsePositiveBands(t *testing.T) {
	engine := newTestEngine(t)
	for count, want := range map[int]float64{
		0: 0.8,
		1: 0.5,
		2: 0.5,
		3: 0.3,
		5: 0.3,
		6: 0.1,
		9: 0.1,
	} {
		enrichment := core.DefaultEnrichmentResult()
		enrichment.FalsePositiveHistory = count
		a := engine.Assess(testEvent(core.KillReasonAnomalyBehavior, core.SeverityMedium, 0.5), enrichment, core.ModuleHistory{})
		f := factorByName(t, a, "false_positive_history")
		assert.InDelta(t, want, f.RawValue, 1e-9, "fp count %d", count)
		assert.Contains(t, f.Description, fmt.Sprintf("%d prior false positives", count))
	}
}

func TestAssessFalsePositiveTakesMaxOfSources(t *testing.T) {
	engine := newTestEngine(t)
	event := testEvent(core.KillReasonAnomalyBehavior, core.SeverityMedium, 0.5)

	// Store history reports more failures than the enricher knows about.
	enrichment := core.DefaultEnrichmentResult()
	enrichment.FalsePositiveHistory = 1
	a := engine.Assess(event, enrichment, core.ModuleHistory{TotalResurrections: 8, FailureCount: 6})
	assert.InDelta(t, 0.1, factorByName(t, a, "false_positive_history").RawValue, 1e-9)

	// Enricher reports more than the store.
	enrichment.FalsePositiveHistory = 4
	a = engine.Assess(event, enrichment, core.ModuleHistory{TotalResurrections: 2, FailureCount: 1})
	assert.InDelta(t, 0.3, factorByName(t, a, "false_positive_history").RawValue, 1e-9)
}

func TestAssessModuleCriticality(t *testing.T) {
	engine := newTestEngine(t, "payment-gateway", "auth-service")

	event := testEvent(core.KillReasonPolicyViolation, core.SeverityMedium, 0.5)
	event.TargetModule = "payment-gateway"
	a := engine.Assess(event, core.DefaultEnrichmentResult(), core.ModuleHistory{})
	f := factorByName(t, a, "module_criticality")
	assert.InDelta(t, 0.9, f.RawValue, 1e-9)
	assert.Equal(t, "Critical module: yes", f.Description)

	event.TargetModule = "cache-service"
	a = engine.Assess(event, core.DefaultEnrichmentResult(), core.ModuleHistory{})
	f = factorByName(t, a, "module_criticality")
	assert.InDelta(t, 0.3, f.RawValue, 1e-9)
	assert.Equal(t, "Critical module: no", f.Description)
}

func TestAssessConfidenceIncrements(t *testing.T) {
	engine := newTestEngine(t)
	event := testEvent(core.KillReasonAnomalyBehavior, core.SeverityMedium, 0.5)

	// No enrichment signal and no history: base confidence only.
	a := engine.Assess(event, core.DefaultEnrichmentResult(), core.ModuleHistory{})
	assert.InDelta(t, 0.5, a.Confidence, 1e-9)

	// A real recommendation from the enricher.
	enrichment := core.DefaultEnrichmentResult()
	enrichment.Recommendation = core.RecommendationSafeToResurrect
	a = engine.Assess(event, enrichment, core.ModuleHistory{})
	assert.InDelta(t, 0.65, a.Confidence, 1e-9)

	// Plus known false positives.
	enrichment.FalsePositiveHistory = 2
	a = engine.Assess(event, enrichment, core.ModuleHistory{})
	assert.InDelta(t, 0.75, a.Confidence, 1e-9)

	// Plus module history: all three sources present.
	a = engine.Assess(event, enrichment, core.ModuleHistory{TotalResurrections: 12, SuccessCount: 11, FailureCount: 1})
	assert.InDelta(t, 0.9, a.Confidence, 1e-9)
}

func TestAssessWeightedScoreIsNormalized(t *testing.T) {
	// Doubling every weight must not change the score.
	base := core.DefaultRiskWeights()
	doubled := core.RiskWeights{
		SmithConfidence:      base.SmithConfidence * 2,
		SIEMRiskScore:        base.SIEMRiskScore * 2,
		FalsePositiveHistory: base.FalsePositiveHistory * 2,
		KillReason:           base.KillReason * 2,
		Severity:             base.Severity * 2,
		ModuleCriticality:    base.ModuleCriticality * 2,
	}

	event := testEvent(core.KillReasonThreatDetected, core.SeverityHigh, 0.7)
	enrichment := core.EnrichmentResult{RiskScore: 0.6, Recommendation: core.RecommendationManualReview, FalsePositiveHistory: 1}

	a1 := NewEngine(core.NewThresholdState(core.DefaultRiskThresholds(), base), nil).Assess(event, enrichment, core.ModuleHistory{})
	a2 := NewEngine(core.NewThresholdState(core.DefaultRiskThresholds(), doubled), nil).Assess(event, enrichment, core.ModuleHistory{})
	assert.InDelta(t, a1.RiskScore, a2.RiskScore, 1e-9)
}

func TestAssessZeroWeightsFallBackToMediumRisk(t *testing.T) {
	state := core.NewThresholdState(core.DefaultRiskThresholds(), core.RiskWeights{})
	engine := NewEngine(state, nil)

	a := engine.Assess(testEvent(core.KillReasonResourceExhaustion, core.SeverityInfo, 0.0), core.DefaultEnrichmentResult(), core.ModuleHistory{})
	assert.InDelta(t, 0.5, a.RiskScore, 1e-9)
	assert.Equal(t, core.RiskLevelMedium, a.RiskLevel)
}

func TestAssessLowRiskResourceExhaustion(t *testing.T) {
	engine := newTestEngine(t)
	event := testEvent(core.KillReasonResourceExhaustion, core.SeverityLow, 0.2)
	enrichment := core.EnrichmentResult{
		RiskScore:            0.1,
		Recommendation:       core.RecommendationSafeToResurrect,
		FalsePositiveHistory: 3,
	}

	a := engine.Assess(event, enrichment, core.ModuleHistory{})

	// 0.2·0.30 + 0.1·0.25 + 0.3·0.20 + 0.2·0.10 + 0.3·0.10 + 0.3·0.05
	assert.InDelta(t, 0.21, a.RiskScore, 1e-9)
	assert.Equal(t, core.RiskLevelLow, a.RiskLevel)
	assert.InDelta(t, 0.75, a.Confidence, 1e-9)
	assert.False(t, a.RequiresEscalation)
	assert.Contains(t, a.Recommendations, "Low risk - safe to auto-approve")
}

func TestAssessEligibilityFollowsThresholds(t *testing.T) {
	engine := newTestEngine(t)
	event := testEvent(core.KillReasonResourceExhaustion, core.SeverityLow, 0.2)
	enrichment := core.EnrichmentResult{
		RiskScore:            0.1,
		Recommendation:       core.RecommendationSafeToResurrect,
		FalsePositiveHistory: 3,
	}

	// Risk 0.21 ≤ 0.3 but confidence 0.75 misses the 0.85 default floor.
	a := engine.Assess(event, enrichment, core.ModuleHistory{})
	assert.False(t, a.AutoApproveEligible)

	// Module history pushes confidence to 0.90.
	a = engine.Assess(event, enrichment, core.ModuleHistory{TotalResurrections: 5, SuccessCount: 5})
	assert.True(t, a.AutoApproveEligible)
}

func TestAssessEscalationAtThreshold(t *testing.T) {
	engine := newTestEngine(t, "auth-service")
	event := testEvent(core.KillReasonThreatDetected, core.SeverityCritical, 0.95)
	event.TargetModule = "auth-service"
	enrichment := core.EnrichmentResult{RiskScore: 0.9, Recommendation: core.RecommendationDenyResurrection}

	a := engine.Assess(event, enrichment, core.ModuleHistory{})
	require.GreaterOrEqual(t, a.RiskScore, 0.7)
	assert.True(t, a.RequiresEscalation)
	assert.False(t, a.AutoApproveEligible)
}

func TestAssessRecommendationsPerLevel(t *testing.T) {
	engine := newTestEngine(t, "auth-service")

	// CRITICAL: hostile signals everywhere.
	event := testEvent(core.KillReasonThreatDetected, core.SeverityCritical, 1.0)
	event.TargetModule = "auth-service"
	a := engine.Assess(event, core.EnrichmentResult{RiskScore: 1.0, Recommendation: core.RecommendationDenyResurrection}, core.ModuleHistory{})
	require.Equal(t, core.RiskLevelCritical, a.RiskLevel)
	assert.Contains(t, a.Recommendations, "Critical risk - do not resurrect without investigation")
	assert.Contains(t, a.Recommendations, "Consider incident response procedures")
	assert.Contains(t, a.Recommendations, "Verify threat has been contained")

	// MEDIUM: mixed signals, recommendations call out the top factors.
	event = testEvent(core.KillReasonAnomalyBehavior, core.SeverityMedium, 0.5)
	a = engine.Assess(event, core.EnrichmentResult{RiskScore: 0.5, Recommendation: core.RecommendationProceedWithCaution}, core.ModuleHistory{})
	require.Equal(t, core.RiskLevelMedium, a.RiskLevel)
	assert.Contains(t, a.Recommendations, "Medium risk - manual review recommended")
	reviews := 0
	for _, r := range a.Recommendations {
		if strings.HasPrefix(r, "Review: ") {
			reviews++
		}
	}
	assert.Equal(t, 2, reviews)

	// HIGH: escalation entries.
	event = testEvent(core.KillReasonThreatDetected, core.SeverityHigh, 0.8)
	a = engine.Assess(event, core.EnrichmentResult{RiskScore: 0.7, Recommendation: core.RecommendationManualReview}, core.ModuleHistory{})
	require.Equal(t, core.RiskLevelHigh, a.RiskLevel)
	assert.Contains(t, a.Recommendations, "High risk - escalate to senior operator")
	assert.Contains(t, a.Recommendations, "Investigate before resurrection")
}
