// Package decision classifies assessed kill events into actionable
// outcomes and gates how aggressively approved resurrections execute.
// The engine produces the same classification in observer and live mode;
// whether an APPROVE_AUTO actually reaches the executor is the
// dispatcher's call.
package decision

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/sentinelops/medic/core"
	"github.com/sentinelops/medic/telemetry"
)

// Calibration guards: below these the self-tune has too little signal
// to move the confidence floor in either direction.
const (
	calibrationMinOutcomes     = 50
	calibrationMinAutoApproved = 10
	calibrationStep            = 0.05
	calibrationFloor           = 0.70
	calibrationCeiling         = 0.98
)

// EngineConfig carries the decision policy.
type EngineConfig struct {
	AutoApproveEnabled bool
	// AutoApproveMinConfidence is the engine-local confidence floor for
	// APPROVE_AUTO. Calibrate nudges it from observed accuracy.
	AutoApproveMinConfidence float64
	AlwaysDenyModules        []string
	AlwaysRequireApproval    []string
	// AnalysisWindowDays bounds how far back Calibrate reads.
	AnalysisWindowDays int
}

// Engine maps risk assessments to decisions. Safe for concurrent use;
// Calibrate may run while Decide is being called.
type Engine struct {
	mu              sync.Mutex
	autoApprove     bool
	minConfidence   float64
	alwaysDeny      map[string]struct{}
	requireApproval map[string]struct{}
	windowDays      int

	store  core.OutcomeStore
	logger core.Logger

	totalDecisions int
	byOutcome      map[core.DecisionOutcome]int
}

// NewEngine creates a decision engine with the given policy. The outcome
// store is optional; without one Calibrate is a no-op.
func NewEngine(config EngineConfig) *Engine {
	if config.AutoApproveMinConfidence <= 0 {
		config.AutoApproveMinConfidence = 0.85
	}
	if config.AnalysisWindowDays <= 0 {
		config.AnalysisWindowDays = 30
	}
	deny := make(map[string]struct{}, len(config.AlwaysDenyModules))
	for _, m := range config.AlwaysDenyModules {
		deny[m] = struct{}{}
	}
	approval := make(map[string]struct{}, len(config.AlwaysRequireApproval))
	for _, m := range config.AlwaysRequireApproval {
		approval[m] = struct{}{}
	}
	return &Engine{
		autoApprove:     config.AutoApproveEnabled,
		minConfidence:   config.AutoApproveMinConfidence,
		alwaysDeny:      deny,
		requireApproval: approval,
		windowDays:      config.AnalysisWindowDays,
		logger:          &core.NoOpLogger{},
		byOutcome:       make(map[core.DecisionOutcome]int),
	}
}

// SetStore wires the outcome store Calibrate reads from.
func (e *Engine) SetStore(store core.OutcomeStore) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.store = store
}

// SetLogger configures the logger for this engine.
func (e *Engine) SetLogger(logger core.Logger) {
	if logger != nil {
		e.logger = logger
	}
}

// Decide classifies one assessed kill event. Immediate-deny rules run
// first and short-circuit with a synthetic critical assessment so the
// denial holds no matter how the risk weights are tuned.
func (e *Engine) Decide(event *core.KillEvent, enrichment core.EnrichmentResult, assessment core.RiskAssessment) *core.Decision {
	if reasons := e.immediateDenyReasons(event, enrichment); len(reasons) > 0 {
		return e.record(e.denyDecision(event, reasons))
	}

	reasoning := buildReasoning(event, enrichment, assessment)

	outcome := e.classify(event, assessment)
	var constraints []string
	if outcome == core.DecisionApproveAuto {
		if _, held := e.requireApproval[event.TargetModule]; held {
			outcome = core.DecisionPendingReview
			constraints = append(constraints, fmt.Sprintf("module %q always requires human approval", event.TargetModule))
		}
	}

	decision := &core.Decision{
		DecisionID:        "dec-" + uuid.NewString(),
		KillID:            event.KillID,
		Timestamp:         time.Now().UTC(),
		Outcome:           outcome,
		Assessment:        assessment,
		Reasoning:         reasoning,
		RecommendedAction: recommendedAction(outcome, assessment.RiskLevel),
		Constraints:       constraints,
	}

	if e.logger != nil {
		e.logger.Info("Decision made", map[string]interface{}{
			"decision_id": decision.DecisionID,
			"kill_id":     event.KillID,
			"outcome":     string(outcome),
			"risk_level":  string(assessment.RiskLevel),
			"risk_score":  assessment.RiskScore,
			"confidence":  assessment.Confidence,
		})
	}

	return e.record(decision)
}

// immediateDenyReasons evaluates the hard denial rules. A non-empty
// return means the event is denied before risk scoring is consulted.
func (e *Engine) immediateDenyReasons(event *core.KillEvent, enrichment core.EnrichmentResult) []string {
	var reasons []string

	if _, denied := e.alwaysDeny[event.TargetModule]; denied {
		reasons = append(reasons, fmt.Sprintf("module %q is on the deny list", event.TargetModule))
	}

	if event.KillReason == core.KillReasonThreatDetected && event.ConfidenceScore > 0.95 {
		reasons = append(reasons, fmt.Sprintf("kill reason is confirmed threat with %.0f%% confidence", event.ConfidenceScore*100))
	}

	for _, ti := range enrichment.ThreatIndicators {
		if ti.Score > 0.9 {
			reasons = append(reasons, fmt.Sprintf("threat indicator %q scored %.2f", ti.Type, ti.Score))
			break
		}
	}

	return reasons
}

// denyDecision builds the short-circuit denial. The synthetic assessment
// pins risk and confidence at 0.95 so downstream consumers see a
// critical, high-confidence record.
func (e *Engine) denyDecision(event *core.KillEvent, reasons []string) *core.Decision {
	reasoning := append([]string{"Immediate denial triggered"}, reasons...)

	decision := &core.Decision{
		DecisionID: "dec-" + uuid.NewString(),
		KillID:     event.KillID,
		Timestamp:  time.Now().UTC(),
		Outcome:    core.DecisionDeny,
		Assessment: core.RiskAssessment{
			RiskScore:          0.95,
			RiskLevel:          core.RiskLevelCritical,
			Confidence:         0.95,
			RequiresEscalation: true,
		},
		Reasoning:         reasoning,
		RecommendedAction: "Do not resurrect - threat confirmed",
	}

	if e.logger != nil {
		e.logger.Warn("Immediate denial", map[string]interface{}{
			"decision_id":   decision.DecisionID,
			"kill_id":       event.KillID,
			"target_module": event.TargetModule,
			"reasons":       reasons,
		})
	}

	return decision
}

// classify applies the outcome table to a scored assessment.
func (e *Engine) classify(event *core.KillEvent, assessment core.RiskAssessment) core.DecisionOutcome {
	e.mu.Lock()
	minConfidence := e.minConfidence
	autoApprove := e.autoApprove
	e.mu.Unlock()

	switch assessment.RiskLevel {
	case core.RiskLevelHigh, core.RiskLevelCritical:
		return core.DecisionDeny
	case core.RiskLevelMinimal, core.RiskLevelLow:
		if autoApprove && assessment.Confidence >= minConfidence {
			return core.DecisionApproveAuto
		}
		return core.DecisionPendingReview
	default:
		return core.DecisionPendingReview
	}
}

// buildReasoning narrates the decision inputs for operator display.
func buildReasoning(event *core.KillEvent, enrichment core.EnrichmentResult, assessment core.RiskAssessment) []string {
	reasoning := []string{
		fmt.Sprintf("Module %q killed by %s (%s) with %.0f%% confidence",
			event.TargetModule, event.SourceAgent, event.KillReason, event.ConfidenceScore*100),
		fmt.Sprintf("SIEM risk assessment: %.0f%% (%s)", enrichment.RiskScore*100, enrichment.Recommendation),
	}

	if enrichment.FalsePositiveHistory > 0 {
		reasoning = append(reasoning, fmt.Sprintf("Module has %d prior false positives", enrichment.FalsePositiveHistory))
	}

	if n := len(enrichment.ThreatIndicators); n > 0 {
		maxScore := 0.0
		for _, ti := range enrichment.ThreatIndicators {
			if ti.Score > maxScore {
				maxScore = ti.Score
			}
		}
		reasoning = append(reasoning, fmt.Sprintf("%d threat indicators reported (max score %.2f)", n, maxScore))
	}

	reasoning = append(reasoning, fmt.Sprintf("Overall risk assessment: %s", assessment.RiskLevel))
	return reasoning
}

// recommendedAction maps the outcome onto the operator guidance line.
func recommendedAction(outcome core.DecisionOutcome, level core.RiskLevel) string {
	switch outcome {
	case core.DecisionDeny:
		return "Do not resurrect - risk too high"
	case core.DecisionApproveAuto:
		return "Auto-resurrect - low risk with high confidence"
	case core.DecisionPendingReview:
		if level == core.RiskLevelMinimal || level == core.RiskLevelLow {
			return "Manual review recommended - likely safe to resurrect"
		}
		return "Manual review required - moderate risk assessment"
	default:
		return "Gather additional information before deciding"
	}
}

// record updates the running outcome counters.
func (e *Engine) record(d *core.Decision) *core.Decision {
	e.mu.Lock()
	e.totalDecisions++
	e.byOutcome[d.Outcome]++
	e.mu.Unlock()
	return d
}

// MinConfidence returns the current auto-approve confidence floor.
func (e *Engine) MinConfidence() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.minConfidence
}

// Stats reports how many decisions the engine has made, by outcome.
func (e *Engine) Stats() (int, map[core.DecisionOutcome]int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	byOutcome := make(map[core.DecisionOutcome]int, len(e.byOutcome))
	for k, v := range e.byOutcome {
		byOutcome[k] = v
	}
	return e.totalDecisions, byOutcome
}

// Calibrate self-tunes the auto-approve confidence floor from observed
// auto-approval accuracy. High accuracy relaxes the floor a step, low
// accuracy tightens it; anything between leaves it alone. This touches
// only the engine-local floor, never the shared threshold state.
func (e *Engine) Calibrate(ctx context.Context) error {
	e.mu.Lock()
	store := e.store
	windowDays := e.windowDays
	e.mu.Unlock()

	if store == nil {
		if e.logger != nil {
			e.logger.Debug("Calibration skipped: no outcome store", nil)
		}
		return nil
	}

	since := time.Now().UTC().AddDate(0, 0, -windowDays)
	stats, err := store.Statistics(ctx, since, time.Time{})
	if err != nil {
		if e.logger != nil {
			e.logger.Warn("Calibration failed reading statistics", map[string]interface{}{
				"error": err.Error(),
			})
		}
		return err
	}

	if stats.TotalOutcomes < calibrationMinOutcomes {
		if e.logger != nil {
			e.logger.Info("Calibration skipped: insufficient data", map[string]interface{}{
				"total_outcomes": stats.TotalOutcomes,
				"required":       calibrationMinOutcomes,
			})
		}
		return nil
	}
	if stats.AutoApproveTotal < calibrationMinAutoApproved {
		if e.logger != nil {
			e.logger.Info("Calibration skipped: too few auto-approved outcomes", map[string]interface{}{
				"auto_approved": stats.AutoApproveTotal,
				"required":      calibrationMinAutoApproved,
			})
		}
		return nil
	}

	accuracy := stats.AutoApproveAccuracy

	e.mu.Lock()
	old := e.minConfidence
	switch {
	case accuracy > 0.95:
		e.minConfidence = maxFloat(old-calibrationStep, calibrationFloor)
	case accuracy < 0.80:
		e.minConfidence = minFloat(old+calibrationStep, calibrationCeiling)
	}
	updated := e.minConfidence
	e.mu.Unlock()

	direction := "unchanged"
	switch {
	case updated < old:
		direction = "lowered"
	case updated > old:
		direction = "raised"
	}
	telemetry.Counter(telemetry.MetricCalibrations, "direction", direction)

	if e.logger != nil {
		fields := map[string]interface{}{
			"accuracy":      accuracy,
			"auto_approved": stats.AutoApproveTotal,
			"old_floor":     old,
			"new_floor":     updated,
		}
		switch direction {
		case "lowered":
			e.logger.Info("Calibration: lowered auto-approve confidence floor", fields)
		case "raised":
			e.logger.Info("Calibration: raised auto-approve confidence floor", fields)
		default:
			e.logger.Info("Calibration: confidence floor unchanged", fields)
		}
	}

	return nil
}

func maxFloat(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}

func minFloat(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}
