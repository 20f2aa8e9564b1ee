package learning

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/sentinelops/medic/core"
)

// AdapterConfig holds the threshold adjustment knobs.
type AdapterConfig struct {
	Enabled    bool `json:"enabled" yaml:"enabled"`
	MinSamples int  `json:"min_samples" yaml:"min_samples"`
	WindowDays int  `json:"window_days" yaml:"window_days"`
	// MaxAdjustmentPercent is a fraction of the current value (0.10 means
	// a single proposal may move a threshold by at most 10%).
	MaxAdjustmentPercent      float64 `json:"max_adjustment_percent" yaml:"max_adjustment_percent"`
	CooldownHours             int     `json:"cooldown_hours" yaml:"cooldown_hours"`
	TargetAutoApproveAccuracy float64 `json:"target_auto_approve_accuracy" yaml:"target_auto_approve_accuracy"`
	RequireApproval           bool    `json:"require_approval" yaml:"require_approval"`
}

// DefaultAdapterConfig returns the standard adjustment limits.
func DefaultAdapterConfig() AdapterConfig {
	return AdapterConfig{
		Enabled:                   true,
		MinSamples:                50,
		WindowDays:                30,
		MaxAdjustmentPercent:      0.10,
		CooldownHours:             24,
		TargetAutoApproveAccuracy: 0.95,
		RequireApproval:           true,
	}
}

// SimulationResult reports what an adjustment would have done to the
// stored history had it been active.
type SimulationResult struct {
	TotalOutcomes        int `json:"total_outcomes"`
	WouldChange          int `json:"would_change"`
	FalsePositivesCaught int `json:"false_positives_caught"`
	TrueNegativesMissed  int `json:"true_negatives_missed"`
}

// ThresholdAdapter grounds threshold changes in outcome history. It only
// ever proposes; the live ThresholdState moves when a proposal is
// approved, never as a side effect of analysis.
type ThresholdAdapter struct {
	mu           sync.Mutex
	store        core.OutcomeStore
	state        *core.ThresholdState
	config       AdapterConfig
	logger       core.Logger
	proposals    map[string]*core.AdjustmentProposal
	lastAnalysis time.Time
}

// NewThresholdAdapter creates an adapter proposing against the given live
// threshold state.
func NewThresholdAdapter(store core.OutcomeStore, state *core.ThresholdState, config AdapterConfig) *ThresholdAdapter {
	if config.MinSamples <= 0 {
		config.MinSamples = 50
	}
	if config.WindowDays <= 0 {
		config.WindowDays = 30
	}
	if config.MaxAdjustmentPercent <= 0 {
		config.MaxAdjustmentPercent = 0.10
	}
	if config.CooldownHours <= 0 {
		config.CooldownHours = 24
	}
	if config.TargetAutoApproveAccuracy <= 0 {
		config.TargetAutoApproveAccuracy = 0.95
	}
	return &ThresholdAdapter{
		store:     store,
		state:     state,
		config:    config,
		logger:    &core.NoOpLogger{},
		proposals: make(map[string]*core.AdjustmentProposal),
	}
}

// SetLogger configures the logger for this adapter
func (t *ThresholdAdapter) SetLogger(logger core.Logger) {
	if logger != nil {
		t.logger = logger
	}
}

// AnalyzeAndPropose reads the outcome window and returns a proposal when
// the data supports one. A nil proposal with nil error means the data
// looked fine. Expected skips surface as typed errors so callers can tell
// them apart: ErrAdjustmentOnCooldown and ErrInsufficientSamples.
func (t *ThresholdAdapter) AnalyzeAndPropose(ctx context.Context) (*core.AdjustmentProposal, error) {
	if !t.config.Enabled {
		return nil, nil
	}

	t.mu.Lock()
	cooldown := time.Duration(t.config.CooldownHours) * time.Hour
	if !t.lastAnalysis.IsZero() && time.Since(t.lastAnalysis) < cooldown {
		elapsed := time.Since(t.lastAnalysis)
		t.mu.Unlock()
		return nil, &core.AgentError{
			Op:      "ThresholdAdapter.AnalyzeAndPropose",
			Kind:    "learning",
			Message: fmt.Sprintf("%.1fh since last analysis, cooldown %dh", elapsed.Hours(), t.config.CooldownHours),
			Err:     core.ErrAdjustmentOnCooldown,
		}
	}
	// An analysis run consumes the cooldown slot even when it finds too
	// little data, so a thin store is not re-scanned every tick.
	t.lastAnalysis = time.Now().UTC()
	t.mu.Unlock()

	since := time.Now().UTC().AddDate(0, 0, -t.config.WindowDays)
	outcomes, err := t.store.ListRecent(ctx, analysisScanLimit, since)
	if err != nil {
		return nil, err
	}
	if len(outcomes) < t.config.MinSamples {
		return nil, &core.AgentError{
			Op:      "ThresholdAdapter.AnalyzeAndPropose",
			Kind:    "learning",
			Message: fmt.Sprintf("%d outcomes, need %d", len(outcomes), t.config.MinSamples),
			Err:     core.ErrInsufficientSamples,
		}
	}

	current := t.state.Snapshot()
	adjustments := make([]core.ThresholdAdjustment, 0, 2)
	if adj := t.adjustAutoApproveScore(outcomes, current); adj != nil {
		adjustments = append(adjustments, *adj)
	}
	if adj := t.adjustMinConfidence(outcomes, current); adj != nil {
		adjustments = append(adjustments, *adj)
	}
	// TODO: tune individual risk weights once the store carries factor-level
	// breakdowns; outcome rows alone cannot attribute failures to a factor.
	if len(adjustments) == 0 {
		if t.logger != nil {
			t.logger.Info("No threshold adjustments recommended", map[string]interface{}{
				"outcomes_analyzed": len(outcomes),
			})
		}
		return nil, nil
	}

	var confidenceSum float64
	for _, adj := range adjustments {
		confidenceSum += adj.Confidence
	}

	proposal := &core.AdjustmentProposal{
		ProposalID:        "prop-" + uuid.NewString(),
		CreatedAt:         time.Now().UTC(),
		Adjustments:       adjustments,
		OverallConfidence: confidenceSum / float64(len(adjustments)),
		ExpectedImpact:    estimateImpact(adjustments, outcomes),
		Status:            core.ProposalPending,
	}

	t.mu.Lock()
	t.proposals[proposal.ProposalID] = proposal
	t.mu.Unlock()

	if t.logger != nil {
		t.logger.Info("Threshold adjustment proposal created", map[string]interface{}{
			"proposal_id":        proposal.ProposalID,
			"adjustment_count":   len(adjustments),
			"overall_confidence": proposal.OverallConfidence,
			"expected_impact":    proposal.ExpectedImpact,
		})
	}
	return cloneProposal(proposal), nil
}

// adjustAutoApproveScore proposes moving auto_approve_max_score when
// auto-approval accuracy has drifted from target.
func (t *ThresholdAdapter) adjustAutoApproveScore(outcomes []*core.ResurrectionOutcome, current core.RiskThresholds) *core.ThresholdAdjustment {
	auto := autoApproved(outcomes)
	if len(auto) < 10 {
		return nil
	}

	var successRisks []float64
	var failureRisks []float64
	for _, o := range auto {
		if o.OutcomeType == core.OutcomeSuccess {
			successRisks = append(successRisks, o.OriginalRiskScore)
		} else {
			failureRisks = append(failureRisks, o.OriginalRiskScore)
		}
	}

	accuracy := float64(len(successRisks)) / float64(len(auto))
	threshold := current.AutoApproveMaxScore
	target := t.config.TargetAutoApproveAccuracy

	if accuracy < target {
		if len(failureRisks) == 0 {
			return nil
		}
		avgFailureRisk := mean(failureRisks)

		// Tighten to sit below the average risk of the failures, but
		// never step further than the configured limit in one proposal.
		newThreshold := minFloat(threshold, avgFailureRisk*0.8)
		newThreshold = maxFloat(newThreshold, threshold-threshold*t.config.MaxAdjustmentPercent)
		if !meaningfulChange(threshold, newThreshold) {
			return nil
		}

		return &core.ThresholdAdjustment{
			ThresholdName: core.ThresholdAutoApproveMaxScore,
			OldValue:      threshold,
			NewValue:      newThreshold,
			Direction:     core.AdjustmentDecrease,
			Reason:        fmt.Sprintf("Auto-approve accuracy %.1f%% below target %.1f%%", accuracy*100, target*100),
			Confidence:    minFloat(0.9, 0.5+float64(len(auto))/200),
			SupportingData: map[string]interface{}{
				"current_accuracy":    accuracy,
				"target_accuracy":     target,
				"auto_approved_count": len(auto),
				"avg_failure_risk":    avgFailureRisk,
			},
		}
	}

	if accuracy > target+0.05 && accuracy > 0.98 {
		maxSuccessRisk := maxOf(successRisks)
		newThreshold := minFloat(
			maxSuccessRisk*1.1,
			minFloat(threshold*(1+t.config.MaxAdjustmentPercent), looseningCeiling),
		)
		if !meaningfulChange(threshold, newThreshold) {
			return nil
		}

		return &core.ThresholdAdjustment{
			ThresholdName: core.ThresholdAutoApproveMaxScore,
			OldValue:      threshold,
			NewValue:      newThreshold,
			Direction:     core.AdjustmentIncrease,
			Reason:        fmt.Sprintf("High accuracy %.1f%% suggests threshold can be relaxed", accuracy*100),
			// Loosening is always proposed with less conviction than
			// tightening.
			Confidence: 0.6,
			SupportingData: map[string]interface{}{
				"current_accuracy":    accuracy,
				"max_success_risk":    maxSuccessRisk,
				"auto_approved_count": len(auto),
			},
		}
	}

	return nil
}

// looseningCeiling is the hard cap on auto_approve_max_score no matter how
// good the track record looks.
const looseningCeiling = 0.5

// adjustMinConfidence proposes raising auto_approve_min_confidence when
// low-confidence auto-approvals fare measurably worse than high-confidence
// ones.
func (t *ThresholdAdapter) adjustMinConfidence(outcomes []*core.ResurrectionOutcome, current core.RiskThresholds) *core.ThresholdAdjustment {
	auto := autoApproved(outcomes)
	if len(auto) < 10 {
		return nil
	}

	var lowTotal, lowSuccess, highTotal, highSuccess int
	for _, o := range auto {
		if o.OriginalConfidence < 0.85 {
			lowTotal++
			if o.OutcomeType == core.OutcomeSuccess {
				lowSuccess++
			}
		} else {
			highTotal++
			if o.OutcomeType == core.OutcomeSuccess {
				highSuccess++
			}
		}
	}
	if lowTotal < 5 || highTotal < 5 {
		return nil
	}

	lowRate := float64(lowSuccess) / float64(lowTotal)
	highRate := float64(highSuccess) / float64(highTotal)
	if highRate <= lowRate+0.1 {
		return nil
	}

	threshold := current.AutoApproveMinConfidence
	newThreshold := minFloat(threshold*(1+t.config.MaxAdjustmentPercent), 0.95)
	if !meaningfulChange(threshold, newThreshold) {
		return nil
	}

	return &core.ThresholdAdjustment{
		ThresholdName: core.ThresholdAutoApproveMinConfidence,
		OldValue:      threshold,
		NewValue:      newThreshold,
		Direction:     core.AdjustmentIncrease,
		Reason:        fmt.Sprintf("Low-confidence outcomes (%.1f%%) worse than high (%.1f%%)", lowRate*100, highRate*100),
		Confidence:    0.75,
		SupportingData: map[string]interface{}{
			"low_conf_success_rate":  lowRate,
			"high_conf_success_rate": highRate,
			"low_conf_count":         lowTotal,
			"high_conf_count":        highTotal,
		},
	}
}

// estimateImpact summarizes what the adjustments would have done to the
// analyzed window.
func estimateImpact(adjustments []core.ThresholdAdjustment, outcomes []*core.ResurrectionOutcome) string {
	affected := 0
	volumeChange := 0
	accuracyChange := 0.0

	for _, adj := range adjustments {
		if adj.ThresholdName != core.ThresholdAutoApproveMaxScore || adj.Direction != core.AdjustmentDecrease {
			continue
		}
		matched := 0
		failuresAvoided := 0
		for _, o := range outcomes {
			if o.OriginalRiskScore > adj.NewValue && o.OriginalRiskScore <= adj.OldValue {
				matched++
				if o.OutcomeType != core.OutcomeSuccess {
					failuresAvoided++
				}
			}
		}
		affected += matched
		volumeChange -= matched
		if matched > 0 {
			accuracyChange += float64(failuresAvoided) / float64(len(outcomes))
		}
	}

	return fmt.Sprintf("%d decisions affected, auto-approve volume %+d, estimated accuracy %+.3f",
		affected, volumeChange, accuracyChange)
}

// Approve applies the proposal to the live threshold state. Version bump,
// history append, and status stamp happen atomically with respect to other
// adapter calls. Returns false for unknown or non-pending proposals.
func (t *ThresholdAdapter) Approve(proposalID, approver string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	proposal, ok := t.proposals[proposalID]
	if !ok {
		if t.logger != nil {
			t.logger.Warn("Proposal not found", map[string]interface{}{"proposal_id": proposalID})
		}
		return false
	}
	if proposal.Status != core.ProposalPending {
		if t.logger != nil {
			t.logger.Warn("Proposal not pending", map[string]interface{}{
				"proposal_id": proposalID,
				"status":      string(proposal.Status),
			})
		}
		return false
	}

	if err := t.state.ApplyProposal(proposal); err != nil {
		if t.logger != nil {
			t.logger.Error("Failed to apply proposal", map[string]interface{}{
				"proposal_id": proposalID,
				"error":       err.Error(),
			})
		}
		return false
	}

	now := time.Now().UTC()
	proposal.Status = core.ProposalApproved
	proposal.ApprovedBy = approver
	proposal.ApprovedAt = &now

	if t.logger != nil {
		t.logger.Info("Threshold adjustments applied", map[string]interface{}{
			"proposal_id":       proposalID,
			"approved_by":       approver,
			"adjustments":       len(proposal.Adjustments),
			"threshold_version": t.state.Version(),
		})
	}
	return true
}

// Reject marks the proposal rejected without touching threshold state.
// Returns false for unknown or non-pending proposals.
func (t *ThresholdAdapter) Reject(proposalID, reason string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	proposal, ok := t.proposals[proposalID]
	if !ok || proposal.Status != core.ProposalPending {
		return false
	}

	proposal.Status = core.ProposalRejected
	proposal.RejectedReason = reason

	if t.logger != nil {
		t.logger.Info("Proposal rejected", map[string]interface{}{
			"proposal_id": proposalID,
			"reason":      reason,
		})
	}
	return true
}

// PendingProposals returns copies of every proposal still awaiting review,
// oldest first.
func (t *ThresholdAdapter) PendingProposals() []*core.AdjustmentProposal {
	t.mu.Lock()
	defer t.mu.Unlock()

	pending := make([]*core.AdjustmentProposal, 0)
	for _, p := range t.proposals {
		if p.Status == core.ProposalPending {
			pending = append(pending, cloneProposal(p))
		}
	}
	sort.Slice(pending, func(i, j int) bool {
		if !pending[i].CreatedAt.Equal(pending[j].CreatedAt) {
			return pending[i].CreatedAt.Before(pending[j].CreatedAt)
		}
		return pending[i].ProposalID < pending[j].ProposalID
	})
	return pending
}

// Proposal returns a copy of one proposal by ID.
func (t *ThresholdAdapter) Proposal(proposalID string) (*core.AdjustmentProposal, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	proposal, ok := t.proposals[proposalID]
	if !ok {
		return nil, false
	}
	return cloneProposal(proposal), true
}

// Simulate replays one adjustment against the stored window and reports
// which decisions would have flipped. Only auto_approve_max_score has a
// direct replay; other thresholds return zero counts over the same total.
func (t *ThresholdAdapter) Simulate(ctx context.Context, adjustment core.ThresholdAdjustment) (*SimulationResult, error) {
	since := time.Now().UTC().AddDate(0, 0, -t.config.WindowDays)
	outcomes, err := t.store.ListRecent(ctx, analysisScanLimit, since)
	if err != nil {
		return nil, err
	}

	result := &SimulationResult{TotalOutcomes: len(outcomes)}
	if adjustment.ThresholdName != core.ThresholdAutoApproveMaxScore {
		return result, nil
	}

	for _, o := range outcomes {
		oldAuto := o.OriginalRiskScore <= adjustment.OldValue
		newAuto := o.OriginalRiskScore <= adjustment.NewValue
		if oldAuto == newAuto {
			continue
		}
		result.WouldChange++
		if !newAuto && o.OutcomeType != core.OutcomeSuccess {
			result.FalsePositivesCaught++
		}
		if !newAuto && o.OutcomeType == core.OutcomeSuccess {
			result.TrueNegativesMissed++
		}
	}
	return result, nil
}

func autoApproved(outcomes []*core.ResurrectionOutcome) []*core.ResurrectionOutcome {
	auto := make([]*core.ResurrectionOutcome, 0, len(outcomes))
	for _, o := range outcomes {
		if o.WasAutoApproved {
			auto = append(auto, o)
		}
	}
	return auto
}

// meaningfulChange filters out adjustments too small to matter.
func meaningfulChange(oldValue, newValue float64) bool {
	diff := newValue - oldValue
	if diff < 0 {
		diff = -diff
	}
	return diff >= 0.01
}

func cloneProposal(p *core.AdjustmentProposal) *core.AdjustmentProposal {
	c := *p
	c.Adjustments = make([]core.ThresholdAdjustment, len(p.Adjustments))
	copy(c.Adjustments, p.Adjustments)
	if p.ApprovedAt != nil {
		at := *p.ApprovedAt
		c.ApprovedAt = &at
	}
	return &c
}

func mean(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	var sum float64
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}

func maxOf(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	m := values[0]
	for _, v := range values[1:] {
		if v > m {
			m = v
		}
	}
	return m
}

func maxFloat(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}
