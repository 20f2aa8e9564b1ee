package learning

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/sentinelops/medic/core"
)

// FeedbackKind is the closed set of feedback an operator or monitor can
// attach to an outcome.
type FeedbackKind string

const (
	// The kill itself was wrong; the module was healthy.
	FeedbackFalsePositiveConfirmed FeedbackKind = "false_positive_confirmed"
	// The kill was right; the module was genuinely compromised.
	FeedbackTruePositiveConfirmed FeedbackKind = "true_positive_confirmed"
	// The resurrection was the right call.
	FeedbackResurrectionCorrect FeedbackKind = "resurrection_correct"
	// The resurrection should not have happened.
	FeedbackResurrectionIncorrect FeedbackKind = "resurrection_incorrect"
	// Free-form annotation, no classification change.
	FeedbackManualNote FeedbackKind = "manual_note"
)

// ParseFeedbackKind converts the wire string into a FeedbackKind.
func ParseFeedbackKind(s string) (FeedbackKind, error) {
	switch FeedbackKind(s) {
	case FeedbackFalsePositiveConfirmed, FeedbackTruePositiveConfirmed,
		FeedbackResurrectionCorrect, FeedbackResurrectionIncorrect, FeedbackManualNote:
		return FeedbackKind(s), nil
	}
	return "", &core.AgentError{
		Op:      "ParseFeedbackKind",
		Kind:    "input",
		Message: fmt.Sprintf("unknown feedback kind %q", s),
		Err:     core.ErrInvalidInput,
	}
}

// Corrected-decision values written by feedback and the admin API.
const (
	CorrectionApproveManual = "approve_manual"
	CorrectionDenyManual    = "deny_manual"
)

// Feedback is the record of one applied piece of feedback.
type Feedback struct {
	FeedbackID  string              `json:"feedback_id"`
	OutcomeID   string              `json:"outcome_id"`
	KillID      string              `json:"kill_id"`
	Kind        FeedbackKind        `json:"kind"`
	Source      core.FeedbackSource `json:"source"`
	SubmittedBy string              `json:"submitted_by"`
	SubmittedAt time.Time           `json:"submitted_at"`
	Comment     string              `json:"comment"`
}

// FeedbackStats summarizes processed feedback.
type FeedbackStats struct {
	TotalProcessed int                         `json:"total_processed"`
	ByKind         map[FeedbackKind]int        `json:"by_kind"`
	BySource       map[core.FeedbackSource]int `json:"by_source"`
	LastProcessed  time.Time                   `json:"last_processed"`
}

// feedbackScanLimit bounds the newest-first scan used to resolve a kill ID
// to its outcome.
const feedbackScanLimit = 500

// FeedbackProcessor turns typed feedback into outcome store updates. It is
// the one writer of post-hoc classification changes; the dispatcher only
// ever writes execution results.
type FeedbackProcessor struct {
	store  core.OutcomeStore
	logger core.Logger

	mu      sync.Mutex
	history []*Feedback
}

// NewFeedbackProcessor creates a processor over the given store.
func NewFeedbackProcessor(store core.OutcomeStore) *FeedbackProcessor {
	return &FeedbackProcessor{
		store:  store,
		logger: &core.NoOpLogger{},
	}
}

// SetLogger configures the logger for this processor
func (f *FeedbackProcessor) SetLogger(logger core.Logger) {
	if logger != nil {
		f.logger = logger
	}
}

// Submit applies one piece of feedback to the outcome. Unknown outcome IDs
// return ErrOutcomeNotFound; a feedback kind that contradicts an earlier
// classification returns ErrAlreadyResolved and changes nothing.
func (f *FeedbackProcessor) Submit(ctx context.Context, outcomeID string, kind FeedbackKind, source core.FeedbackSource, submittedBy, comment string) (*Feedback, error) {
	outcome, err := f.store.Get(ctx, outcomeID)
	if err != nil {
		return nil, err
	}

	patch, err := feedbackPatch(outcome, kind, source, comment)
	if err != nil {
		return nil, err
	}

	found, err := f.store.Update(ctx, outcomeID, patch)
	if err != nil {
		return nil, err
	}
	if !found {
		// The outcome vanished between Get and Update; surface the same
		// error a missing record gets.
		return nil, &core.AgentError{
			Op:   "FeedbackProcessor.Submit",
			Kind: "learning",
			ID:   outcomeID,
			Err:  core.ErrOutcomeNotFound,
		}
	}

	fb := &Feedback{
		FeedbackID:  "fb-" + uuid.NewString(),
		OutcomeID:   outcomeID,
		KillID:      outcome.KillID,
		Kind:        kind,
		Source:      source,
		SubmittedBy: submittedBy,
		SubmittedAt: time.Now().UTC(),
		Comment:     comment,
	}

	f.mu.Lock()
	f.history = append(f.history, fb)
	f.mu.Unlock()

	if f.logger != nil {
		f.logger.Info("Feedback applied", map[string]interface{}{
			"feedback_id":  fb.FeedbackID,
			"outcome_id":   outcomeID,
			"kill_id":      outcome.KillID,
			"kind":         string(kind),
			"source":       string(source),
			"submitted_by": submittedBy,
		})
	}
	return fb, nil
}

// SubmitByKill resolves the newest outcome for the kill and applies the
// feedback there. Returns ErrOutcomeNotFound when no outcome references
// the kill.
func (f *FeedbackProcessor) SubmitByKill(ctx context.Context, killID string, kind FeedbackKind, source core.FeedbackSource, submittedBy, comment string) (*Feedback, error) {
	outcome, err := f.FindByKill(ctx, killID)
	if err != nil {
		return nil, err
	}
	return f.Submit(ctx, outcome.OutcomeID, kind, source, submittedBy, comment)
}

// ApproveByKill applies a manual operator approval to the newest outcome
// for the kill. Only unresolved outcomes can be approved: anything that
// already left UNDETERMINED returns ErrAlreadyResolved unchanged. A kill
// with no recorded outcome returns ErrOutcomeNotFound.
func (f *FeedbackProcessor) ApproveByKill(ctx context.Context, killID, operator, comment string) (*Feedback, error) {
	outcome, err := f.FindByKill(ctx, killID)
	if err != nil {
		return nil, err
	}
	if outcome.Resolved() {
		return nil, &core.AgentError{
			Op:      "FeedbackProcessor.ApproveByKill",
			Kind:    "learning",
			ID:      outcome.OutcomeID,
			Message: fmt.Sprintf("outcome already resolved as %s", outcome.OutcomeType),
			Err:     core.ErrAlreadyResolved,
		}
	}

	found, err := f.store.Update(ctx, outcome.OutcomeID, map[string]interface{}{
		FieldCorrectedDecision: CorrectionApproveManual,
		FieldFeedbackSource:    core.FeedbackHumanOperator,
		FieldHumanFeedback:     comment,
	})
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, &core.AgentError{
			Op:   "FeedbackProcessor.ApproveByKill",
			Kind: "learning",
			ID:   outcome.OutcomeID,
			Err:  core.ErrOutcomeNotFound,
		}
	}

	fb := &Feedback{
		FeedbackID:  "fb-" + uuid.NewString(),
		OutcomeID:   outcome.OutcomeID,
		KillID:      killID,
		Kind:        FeedbackResurrectionCorrect,
		Source:      core.FeedbackHumanOperator,
		SubmittedBy: operator,
		SubmittedAt: time.Now().UTC(),
		Comment:     comment,
	}

	f.mu.Lock()
	f.history = append(f.history, fb)
	f.mu.Unlock()

	if f.logger != nil {
		f.logger.Info("Manual approval applied", map[string]interface{}{
			"kill_id":    killID,
			"outcome_id": outcome.OutcomeID,
			"operator":   operator,
		})
	}
	return fb, nil
}

// FindByKill returns the newest outcome recorded for the kill.
func (f *FeedbackProcessor) FindByKill(ctx context.Context, killID string) (*core.ResurrectionOutcome, error) {
	outcomes, err := f.store.ListRecent(ctx, feedbackScanLimit, time.Time{})
	if err != nil {
		return nil, err
	}
	for _, o := range outcomes {
		if o.KillID == killID {
			return o, nil
		}
	}
	return nil, &core.AgentError{
		Op:      "FeedbackProcessor.FindByKill",
		Kind:    "learning",
		ID:      killID,
		Message: fmt.Sprintf("no outcome found for kill_id: %s", killID),
		Err:     core.ErrOutcomeNotFound,
	}
}

// RecordRollback marks an outcome rolled back by an automated monitor.
// Rollback is authoritative and overwrites any prior execution
// classification.
func (f *FeedbackProcessor) RecordRollback(ctx context.Context, outcomeID, reason string) error {
	found, err := f.store.Update(ctx, outcomeID, map[string]interface{}{
		FieldOutcomeType:      core.OutcomeRollback,
		FieldRequiredRollback: true,
		FieldFeedbackSource:   core.FeedbackRollbackTrigger,
		FieldHumanFeedback:    reason,
	})
	if err != nil {
		return err
	}
	if !found {
		return &core.AgentError{
			Op:   "FeedbackProcessor.RecordRollback",
			Kind: "learning",
			ID:   outcomeID,
			Err:  core.ErrOutcomeNotFound,
		}
	}

	if f.logger != nil {
		f.logger.Warn("Outcome rolled back", map[string]interface{}{
			"outcome_id": outcomeID,
			"reason":     reason,
		})
	}
	return nil
}

// Stats summarizes everything processed since startup.
func (f *FeedbackProcessor) Stats() FeedbackStats {
	f.mu.Lock()
	defer f.mu.Unlock()

	stats := FeedbackStats{
		TotalProcessed: len(f.history),
		ByKind:         make(map[FeedbackKind]int),
		BySource:       make(map[core.FeedbackSource]int),
	}
	for _, fb := range f.history {
		stats.ByKind[fb.Kind]++
		stats.BySource[fb.Source]++
		if fb.SubmittedAt.After(stats.LastProcessed) {
			stats.LastProcessed = fb.SubmittedAt
		}
	}
	return stats
}

// History returns up to limit processed feedback records, newest first.
// A non-positive limit means no limit.
func (f *FeedbackProcessor) History(limit int) []*Feedback {
	f.mu.Lock()
	defer f.mu.Unlock()

	n := len(f.history)
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]*Feedback, 0, n)
	for i := len(f.history) - 1; i >= 0 && len(out) < n; i-- {
		fb := *f.history[i]
		out = append(out, &fb)
	}
	return out
}

// feedbackPatch maps a feedback kind onto an outcome store patch,
// enforcing the conflict rules against the current record.
func feedbackPatch(outcome *core.ResurrectionOutcome, kind FeedbackKind, source core.FeedbackSource, comment string) (map[string]interface{}, error) {
	patch := map[string]interface{}{
		FieldFeedbackSource: source,
		FieldHumanFeedback:  comment,
	}

	conflict := func(detail string) error {
		return &core.AgentError{
			Op:      "FeedbackProcessor.Submit",
			Kind:    "learning",
			ID:      outcome.OutcomeID,
			Message: detail,
			Err:     core.ErrAlreadyResolved,
		}
	}

	switch kind {
	case FeedbackFalsePositiveConfirmed:
		// Re-submitting the same verdict is idempotent; contradicting an
		// earlier one needs a manual reset first.
		if outcome.OutcomeType == core.OutcomeTruePositive {
			return nil, conflict("outcome already classified TRUE_POSITIVE")
		}
		patch[FieldOutcomeType] = core.OutcomeFalsePositive
	case FeedbackTruePositiveConfirmed:
		if outcome.OutcomeType == core.OutcomeFalsePositive {
			return nil, conflict("outcome already classified FALSE_POSITIVE")
		}
		patch[FieldOutcomeType] = core.OutcomeTruePositive
	case FeedbackResurrectionCorrect:
		if outcome.CorrectedDecision != nil && *outcome.CorrectedDecision != CorrectionApproveManual {
			return nil, conflict(fmt.Sprintf("outcome already corrected to %s", *outcome.CorrectedDecision))
		}
		patch[FieldCorrectedDecision] = CorrectionApproveManual
	case FeedbackResurrectionIncorrect:
		if outcome.CorrectedDecision != nil && *outcome.CorrectedDecision != CorrectionDenyManual {
			return nil, conflict(fmt.Sprintf("outcome already corrected to %s", *outcome.CorrectedDecision))
		}
		patch[FieldCorrectedDecision] = CorrectionDenyManual
	case FeedbackManualNote:
		// Annotation only.
	default:
		return nil, &core.AgentError{
			Op:      "FeedbackProcessor.Submit",
			Kind:    "input",
			ID:      outcome.OutcomeID,
			Message: fmt.Sprintf("unknown feedback kind %q", kind),
			Err:     core.ErrInvalidInput,
		}
	}
	return patch, nil
}
