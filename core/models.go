package core

import (
	"fmt"
	"time"
)

// This file defines the domain model shared by every medic component:
// the kill event delivered by the upstream killer, the enrichment produced
// by threat intelligence, the risk assessment, the decision, and the
// durable resurrection outcome. All enumerations are closed: serialization
// uses the string forms below and deserializing an unknown string is an
// input-validation failure, never a silent default.

// KillReason is the upstream killer's stated reason for terminating a module.
type KillReason string

const (
	KillReasonThreatDetected     KillReason = "THREAT_DETECTED"
	KillReasonAnomalyBehavior    KillReason = "ANOMALY_BEHAVIOR"
	KillReasonPolicyViolation    KillReason = "POLICY_VIOLATION"
	KillReasonResourceExhaustion KillReason = "RESOURCE_EXHAUSTION"
	KillReasonDependencyCascade  KillReason = "DEPENDENCY_CASCADE"
	KillReasonManualOverride     KillReason = "MANUAL_OVERRIDE"
)

// ParseKillReason converts the wire string into a KillReason.
func ParseKillReason(s string) (KillReason, error) {
	switch KillReason(s) {
	case KillReasonThreatDetected, KillReasonAnomalyBehavior, KillReasonPolicyViolation,
		KillReasonResourceExhaustion, KillReasonDependencyCascade, KillReasonManualOverride:
		return KillReason(s), nil
	}
	return "", &AgentError{Op: "ParseKillReason", Kind: "input", Message: fmt.Sprintf("unknown kill reason %q", s), Err: ErrInvalidInput}
}

// Severity is the upstream killer's severity classification.
type Severity string

const (
	SeverityCritical Severity = "CRITICAL"
	SeverityHigh     Severity = "HIGH"
	SeverityMedium   Severity = "MEDIUM"
	SeverityLow      Severity = "LOW"
	SeverityInfo     Severity = "INFO"
)

// ParseSeverity converts the wire string into a Severity.
func ParseSeverity(s string) (Severity, error) {
	switch Severity(s) {
	case SeverityCritical, SeverityHigh, SeverityMedium, SeverityLow, SeverityInfo:
		return Severity(s), nil
	}
	return "", &AgentError{Op: "ParseSeverity", Kind: "input", Message: fmt.Sprintf("unknown severity %q", s), Err: ErrInvalidInput}
}

// RiskLevel is the categorical band a risk score falls into.
// The score-to-level mapping is fixed: [0,0.2) MINIMAL, [0.2,0.4) LOW,
// [0.4,0.6) MEDIUM, [0.6,0.8) HIGH, [0.8,1.0] CRITICAL.
type RiskLevel string

const (
	RiskLevelMinimal  RiskLevel = "MINIMAL"
	RiskLevelLow      RiskLevel = "LOW"
	RiskLevelMedium   RiskLevel = "MEDIUM"
	RiskLevelHigh     RiskLevel = "HIGH"
	RiskLevelCritical RiskLevel = "CRITICAL"
)

// RiskLevelForScore maps a risk score in [0,1] to its level.
func RiskLevelForScore(score float64) RiskLevel {
	switch {
	case score < 0.2:
		return RiskLevelMinimal
	case score < 0.4:
		return RiskLevelLow
	case score < 0.6:
		return RiskLevelMedium
	case score < 0.8:
		return RiskLevelHigh
	default:
		return RiskLevelCritical
	}
}

// DecisionOutcome is the decision engine's classification of a kill event.
type DecisionOutcome string

const (
	DecisionApproveAuto   DecisionOutcome = "APPROVE_AUTO"
	DecisionPendingReview DecisionOutcome = "PENDING_REVIEW"
	DecisionDeny          DecisionOutcome = "DENY"
	DecisionDefer         DecisionOutcome = "DEFER"
)

// OutcomeType classifies the eventual fate of a decision.
type OutcomeType string

const (
	OutcomeSuccess        OutcomeType = "SUCCESS"
	OutcomePartialSuccess OutcomeType = "PARTIAL_SUCCESS"
	OutcomeFailure        OutcomeType = "FAILURE"
	OutcomeRollback       OutcomeType = "ROLLBACK"
	OutcomeFalsePositive  OutcomeType = "FALSE_POSITIVE"
	OutcomeTruePositive   OutcomeType = "TRUE_POSITIVE"
	OutcomeUndetermined   OutcomeType = "UNDETERMINED"
)

// ParseOutcomeType converts the wire string into an OutcomeType.
func ParseOutcomeType(s string) (OutcomeType, error) {
	switch OutcomeType(s) {
	case OutcomeSuccess, OutcomePartialSuccess, OutcomeFailure, OutcomeRollback,
		OutcomeFalsePositive, OutcomeTruePositive, OutcomeUndetermined:
		return OutcomeType(s), nil
	}
	return "", &AgentError{Op: "ParseOutcomeType", Kind: "input", Message: fmt.Sprintf("unknown outcome type %q", s), Err: ErrInvalidInput}
}

// FeedbackSource identifies who or what updated an outcome after the fact.
type FeedbackSource string

const (
	FeedbackAutomated       FeedbackSource = "AUTOMATED"
	FeedbackHumanOperator   FeedbackSource = "HUMAN_OPERATOR"
	FeedbackSIEMCorrelation FeedbackSource = "SIEM_CORRELATION"
	FeedbackRollbackTrigger FeedbackSource = "ROLLBACK_TRIGGER"
)

// ParseFeedbackSource converts the wire string into a FeedbackSource.
func ParseFeedbackSource(s string) (FeedbackSource, error) {
	switch FeedbackSource(s) {
	case FeedbackAutomated, FeedbackHumanOperator, FeedbackSIEMCorrelation, FeedbackRollbackTrigger:
		return FeedbackSource(s), nil
	}
	return "", &AgentError{Op: "ParseFeedbackSource", Kind: "input", Message: fmt.Sprintf("unknown feedback source %q", s), Err: ErrInvalidInput}
}

// AgentMode selects whether decisions are executed or only recorded.
type AgentMode string

const (
	// ModeObserver classifies and records but never touches the runtime.
	ModeObserver AgentMode = "observer"
	// ModeLive executes auto-approved resurrections.
	ModeLive AgentMode = "live"
)

// ParseAgentMode converts a configuration string into an AgentMode.
func ParseAgentMode(s string) (AgentMode, error) {
	switch AgentMode(s) {
	case ModeObserver, ModeLive:
		return AgentMode(s), nil
	}
	return "", &AgentError{Op: "ParseAgentMode", Kind: "config", Message: fmt.Sprintf("unknown agent mode %q", s), Err: ErrInvalidConfiguration}
}

// Clamp01 clamps v into [0,1]. Risk scores, confidences, and health scores
// are clamped on assignment so the bounds invariant holds everywhere.
func Clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// KillEvent is the immutable upstream signal that a module instance was
// forcibly stopped. The pipeline never mutates it.
type KillEvent struct {
	KillID           string                 `json:"kill_id" yaml:"kill_id"`
	Timestamp        time.Time              `json:"timestamp" yaml:"timestamp"`
	TargetModule     string                 `json:"target_module" yaml:"target_module"`
	TargetInstanceID string                 `json:"target_instance_id" yaml:"target_instance_id"`
	KillReason       KillReason             `json:"kill_reason" yaml:"kill_reason"`
	Severity         Severity               `json:"severity" yaml:"severity"`
	ConfidenceScore  float64                `json:"confidence_score" yaml:"confidence_score"`
	Evidence         []string               `json:"evidence,omitempty" yaml:"evidence,omitempty"`
	Dependencies     []string               `json:"dependencies,omitempty" yaml:"dependencies,omitempty"`
	SourceAgent      string                 `json:"source_agent,omitempty" yaml:"source_agent,omitempty"`
	Metadata         map[string]interface{} `json:"metadata,omitempty" yaml:"metadata,omitempty"`
}

// Validate checks the structural contract of an inbound kill event.
// Rejected events never enter the pipeline.
func (e *KillEvent) Validate() error {
	if e.KillID == "" {
		return &AgentError{Op: "KillEvent.Validate", Kind: "input", Message: "kill_id is required", Err: ErrInvalidInput}
	}
	if e.TargetModule == "" {
		return &AgentError{Op: "KillEvent.Validate", Kind: "input", ID: e.KillID, Message: "target_module is required", Err: ErrInvalidInput}
	}
	if _, err := ParseKillReason(string(e.KillReason)); err != nil {
		return err
	}
	if _, err := ParseSeverity(string(e.Severity)); err != nil {
		return err
	}
	if e.ConfidenceScore < 0 || e.ConfidenceScore > 1 {
		return &AgentError{Op: "KillEvent.Validate", Kind: "input", ID: e.KillID,
			Message: fmt.Sprintf("confidence_score %.3f outside [0,1]", e.ConfidenceScore), Err: ErrInvalidInput}
	}
	return nil
}

// ThreatIndicator is a single finding attached to an enrichment result.
// Indicator scores above 0.9 trigger an immediate deny.
type ThreatIndicator struct {
	Type        string  `json:"type"`
	Score       float64 `json:"score"`
	Description string  `json:"description,omitempty"`
}

// EnrichmentResult is the threat-intel summary for one kill event.
// It lives only for the duration of the pipeline.
type EnrichmentResult struct {
	RiskScore            float64           `json:"risk_score"`
	FalsePositiveHistory int               `json:"false_positive_history"`
	Recommendation       string            `json:"recommendation"`
	ThreatIndicators     []ThreatIndicator `json:"threat_indicators,omitempty"`
	Source               string            `json:"source,omitempty"`
}

// Enrichment recommendation strings. "unknown" is the degraded default the
// dispatcher substitutes when the enricher fails or times out.
const (
	RecommendationUnknown            = "unknown"
	RecommendationSafeToResurrect    = "safe_to_resurrect"
	RecommendationProceedWithCaution = "proceed_with_caution"
	RecommendationManualReview       = "manual_review"
	RecommendationDenyResurrection   = "deny_resurrection"
	RecommendationNoData             = "no_data"
)

// DefaultEnrichmentResult is the "unknown" result used when enrichment
// fails, times out, or is disabled. Neutral risk, no history.
func DefaultEnrichmentResult() EnrichmentResult {
	return EnrichmentResult{
		RiskScore:            0.5,
		FalsePositiveHistory: 0,
		Recommendation:       RecommendationUnknown,
	}
}

// Summary renders the enrichment in one operator-readable line.
func (r EnrichmentResult) Summary() string {
	return fmt.Sprintf("risk=%.2f fp_history=%d recommendation=%s indicators=%d",
		r.RiskScore, r.FalsePositiveHistory, r.Recommendation, len(r.ThreatIndicators))
}

// RiskFactor is one weighted contribution to a risk assessment, kept in
// assessment order so operators can see what drove the score.
type RiskFactor struct {
	Name          string  `json:"name"`
	RawValue      float64 `json:"raw_value"`
	Weight        float64 `json:"weight"`
	WeightedScore float64 `json:"weighted_score"`
	Description   string  `json:"description,omitempty"`
}

// RiskAssessment is the risk engine's output for one kill event.
type RiskAssessment struct {
	RiskScore           float64      `json:"risk_score"`
	RiskLevel           RiskLevel    `json:"risk_level"`
	Confidence          float64      `json:"confidence"`
	Factors             []RiskFactor `json:"factors"`
	AutoApproveEligible bool         `json:"auto_approve_eligible"`
	RequiresEscalation  bool         `json:"requires_escalation"`
	Recommendations     []string     `json:"recommendations,omitempty"`
}

// Decision is the engine's classification of one kill event, with the
// reasoning narrative ready for operator display.
type Decision struct {
	DecisionID        string          `json:"decision_id"`
	KillID            string          `json:"kill_id"`
	Timestamp         time.Time       `json:"timestamp"`
	Outcome           DecisionOutcome `json:"outcome"`
	Assessment        RiskAssessment  `json:"assessment"`
	Reasoning         []string        `json:"reasoning"`
	RecommendedAction string          `json:"recommended_action,omitempty"`
	Constraints       []string        `json:"constraints,omitempty"`
}

// ExecutionResult reports one resurrection attempt (or its simulation).
type ExecutionResult struct {
	Success          bool       `json:"success"`
	TargetModule     string     `json:"target_module"`
	TargetInstanceID string     `json:"target_instance_id"`
	ContainerID      string     `json:"container_id,omitempty"`
	StartedAt        *time.Time `json:"started_at,omitempty"`
	DurationSeconds  float64    `json:"duration_seconds"`
	HealthStatus     string     `json:"health_status,omitempty"`
	Error            string     `json:"error,omitempty"`
}

// ResurrectionOutcome is the durable record of a decision and its fate.
// It is created once per accepted kill event and updated in place as
// feedback arrives.
type ResurrectionOutcome struct {
	OutcomeID          string                 `json:"outcome_id"`
	DecisionID         string                 `json:"decision_id"`
	KillID             string                 `json:"kill_id"`
	TargetModule       string                 `json:"target_module"`
	Timestamp          time.Time              `json:"timestamp"`
	OutcomeType        OutcomeType            `json:"outcome_type"`
	OriginalRiskScore  float64                `json:"original_risk_score"`
	OriginalConfidence float64                `json:"original_confidence"`
	OriginalDecision   string                 `json:"original_decision"`
	WasAutoApproved    bool                   `json:"was_auto_approved"`
	HealthScoreAfter   *float64               `json:"health_score_after,omitempty"`
	TimeToHealthy      *float64               `json:"time_to_healthy,omitempty"`
	AnomaliesDetected  int                    `json:"anomalies_detected"`
	RequiredRollback   bool                   `json:"required_rollback"`
	FeedbackSource     FeedbackSource         `json:"feedback_source"`
	HumanFeedback      *string                `json:"human_feedback,omitempty"`
	CorrectedDecision  *string                `json:"corrected_decision,omitempty"`
	Metadata           map[string]interface{} `json:"metadata,omitempty"`
}

// Resolved reports whether the outcome has left the UNDETERMINED state.
// Manual approval is only valid against unresolved outcomes.
func (o *ResurrectionOutcome) Resolved() bool {
	return o.OutcomeType != OutcomeUndetermined
}
