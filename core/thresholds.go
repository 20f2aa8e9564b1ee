package core

import (
	"fmt"
	"sync"
	"time"
)

// Threshold names recognized by the adaptive learning loop. These are the
// only thresholds a proposal may adjust.
const (
	ThresholdAutoApproveMaxScore      = "auto_approve_max_score"
	ThresholdAutoApproveMinConfidence = "auto_approve_min_confidence"
	ThresholdEscalationMinScore       = "escalation_min_score"
	ThresholdDenyMinScore             = "deny_min_score"
)

// RiskWeights holds the per-factor weights used by the risk engine.
// Weights are relative; the engine normalizes by their sum.
type RiskWeights struct {
	SmithConfidence      float64 `json:"smith_confidence" yaml:"smith_confidence"`
	SIEMRiskScore        float64 `json:"siem_risk_score" yaml:"siem_risk_score"`
	FalsePositiveHistory float64 `json:"false_positive_history" yaml:"false_positive_history"`
	KillReason           float64 `json:"kill_reason" yaml:"kill_reason"`
	Severity             float64 `json:"severity" yaml:"severity"`
	ModuleCriticality    float64 `json:"module_criticality" yaml:"module_criticality"`
}

// DefaultRiskWeights returns the standard factor weighting.
func DefaultRiskWeights() RiskWeights {
	return RiskWeights{
		SmithConfidence:      0.30,
		SIEMRiskScore:        0.25,
		FalsePositiveHistory: 0.20,
		KillReason:           0.10,
		Severity:             0.10,
		ModuleCriticality:    0.05,
	}
}

// RiskThresholds is a point-in-time snapshot of the tunable decision
// boundaries. Components read snapshots; only approved proposals mutate
// the live state they come from.
type RiskThresholds struct {
	AutoApproveMaxScore      float64 `json:"auto_approve_max_score" yaml:"auto_approve_max_score"`
	AutoApproveMinConfidence float64 `json:"auto_approve_min_confidence" yaml:"auto_approve_min_confidence"`
	EscalationMinScore       float64 `json:"escalation_min_score" yaml:"escalation_min_score"`
	DenyMinScore             float64 `json:"deny_min_score" yaml:"deny_min_score"`
}

// DefaultRiskThresholds returns the boot defaults.
func DefaultRiskThresholds() RiskThresholds {
	return RiskThresholds{
		AutoApproveMaxScore:      0.3,
		AutoApproveMinConfidence: 0.85,
		EscalationMinScore:       0.7,
		DenyMinScore:             0.85,
	}
}

// Value returns a threshold by its canonical name.
func (t RiskThresholds) Value(name string) (float64, error) {
	switch name {
	case ThresholdAutoApproveMaxScore:
		return t.AutoApproveMaxScore, nil
	case ThresholdAutoApproveMinConfidence:
		return t.AutoApproveMinConfidence, nil
	case ThresholdEscalationMinScore:
		return t.EscalationMinScore, nil
	case ThresholdDenyMinScore:
		return t.DenyMinScore, nil
	}
	return 0, fmt.Errorf("unknown threshold %q: %w", name, ErrInvalidInput)
}

// AdjustmentDirection classifies a proposed threshold change.
type AdjustmentDirection string

const (
	AdjustmentIncrease AdjustmentDirection = "INCREASE"
	AdjustmentDecrease AdjustmentDirection = "DECREASE"
	AdjustmentNoChange AdjustmentDirection = "NO_CHANGE"
)

// ThresholdAdjustment is one proposed change to one threshold.
type ThresholdAdjustment struct {
	ThresholdName  string                 `json:"threshold_name"`
	OldValue       float64                `json:"old_value"`
	NewValue       float64                `json:"new_value"`
	Direction      AdjustmentDirection    `json:"direction"`
	Reason         string                 `json:"reason"`
	Confidence     float64                `json:"confidence"`
	SupportingData map[string]interface{} `json:"supporting_data,omitempty"`
}

// ProposalStatus tracks an adjustment proposal through review.
type ProposalStatus string

const (
	ProposalPending  ProposalStatus = "pending"
	ProposalApproved ProposalStatus = "approved"
	ProposalRejected ProposalStatus = "rejected"
)

// AdjustmentProposal bundles the adjustments produced by one analysis run.
// Proposals are held in memory pending approval; they do not survive a
// process restart.
type AdjustmentProposal struct {
	ProposalID        string                `json:"proposal_id"`
	CreatedAt         time.Time             `json:"created_at"`
	Adjustments       []ThresholdAdjustment `json:"adjustments"`
	OverallConfidence float64               `json:"overall_confidence"`
	ExpectedImpact    string                `json:"expected_impact"`
	Status            ProposalStatus        `json:"status"`
	ApprovedBy        string                `json:"approved_by,omitempty"`
	ApprovedAt        *time.Time            `json:"approved_at,omitempty"`
	RejectedReason    string                `json:"rejected_reason,omitempty"`
}

// AdjustmentRecord is one applied adjustment in the append-only history.
type AdjustmentRecord struct {
	AppliedAt  time.Time           `json:"applied_at"`
	ProposalID string              `json:"proposal_id"`
	Adjustment ThresholdAdjustment `json:"adjustment"`
}

// ThresholdState is the shared, versioned set of live decision thresholds.
// It is read from the hot path via Snapshot and mutated only through
// ApplyProposal under its own lock. Must be used by pointer.
type ThresholdState struct {
	mu        sync.RWMutex
	current   RiskThresholds
	weights   RiskWeights
	version   int
	history   []AdjustmentRecord
	updatedAt time.Time
}

// NewThresholdState creates the live state from boot configuration.
func NewThresholdState(thresholds RiskThresholds, weights RiskWeights) *ThresholdState {
	return &ThresholdState{
		current:   thresholds,
		weights:   weights,
		version:   1,
		updatedAt: time.Now().UTC(),
	}
}

// Snapshot returns the current threshold values. The returned struct is a
// copy; callers never observe a partially applied proposal.
func (s *ThresholdState) Snapshot() RiskThresholds {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current
}

// Weights returns the current factor weights.
func (s *ThresholdState) Weights() RiskWeights {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.weights
}

// Version returns the monotonically increasing state version.
func (s *ThresholdState) Version() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.version
}

// History returns a copy of the append-only adjustment history.
func (s *ThresholdState) History() []AdjustmentRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]AdjustmentRecord, len(s.history))
	copy(out, s.history)
	return out
}

// UpdatedAt returns the time of the last applied proposal (or creation).
func (s *ThresholdState) UpdatedAt() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.updatedAt
}

// ApplyProposal atomically applies every adjustment in the proposal,
// appends them to the history, and increments the version by exactly one.
// An unknown threshold name fails the whole proposal with no state change.
func (s *ThresholdState) ApplyProposal(p *AdjustmentProposal) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Validate before touching anything so a bad adjustment cannot leave
	// the state half-applied.
	next := s.current
	for _, adj := range p.Adjustments {
		if err := applyAdjustment(&next, adj); err != nil {
			return &AgentError{Op: "ThresholdState.ApplyProposal", Kind: "learning", ID: p.ProposalID, Err: err}
		}
	}

	now := time.Now().UTC()
	s.current = next
	for _, adj := range p.Adjustments {
		s.history = append(s.history, AdjustmentRecord{
			AppliedAt:  now,
			ProposalID: p.ProposalID,
			Adjustment: adj,
		})
	}
	s.version++
	s.updatedAt = now
	return nil
}

func applyAdjustment(t *RiskThresholds, adj ThresholdAdjustment) error {
	v := Clamp01(adj.NewValue)
	switch adj.ThresholdName {
	case ThresholdAutoApproveMaxScore:
		t.AutoApproveMaxScore = v
	case ThresholdAutoApproveMinConfidence:
		t.AutoApproveMinConfidence = v
	case ThresholdEscalationMinScore:
		t.EscalationMinScore = v
	case ThresholdDenyMinScore:
		t.DenyMinScore = v
	default:
		return fmt.Errorf("unknown threshold %q: %w", adj.ThresholdName, ErrInvalidInput)
	}
	return nil
}
