package learning

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/sentinelops/medic/core"
)

// MemoryOutcomeStore is the in-memory OutcomeStore backend. It backs tests
// and single-process setups where nothing needs to survive a restart.
type MemoryOutcomeStore struct {
	mu      sync.RWMutex
	records map[string]*memoryOutcome
	seq     uint64
	logger  core.Logger
}

// memoryOutcome pins each record to the sequence number of its first
// insert. Replacing a record keeps its original sequence, which is what
// makes ordering stable under equal timestamps.
type memoryOutcome struct {
	outcome *core.ResurrectionOutcome
	seq     uint64
}

var _ core.OutcomeStore = (*MemoryOutcomeStore)(nil)

// NewMemoryOutcomeStore creates an empty in-memory outcome store.
func NewMemoryOutcomeStore() *MemoryOutcomeStore {
	return &MemoryOutcomeStore{
		records: make(map[string]*memoryOutcome),
		logger:  &core.NoOpLogger{},
	}
}

// SetLogger configures the logger for this store
func (s *MemoryOutcomeStore) SetLogger(logger core.Logger) {
	if logger != nil {
		s.logger = logger
	}
}

// Store inserts or replaces the outcome keyed by OutcomeID.
func (s *MemoryOutcomeStore) Store(ctx context.Context, outcome *core.ResurrectionOutcome) error {
	if outcome == nil || outcome.OutcomeID == "" {
		return &core.AgentError{
			Op:      "MemoryOutcomeStore.Store",
			Kind:    "store",
			Message: "outcome_id is required",
			Err:     core.ErrInvalidInput,
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	existing, replaced := s.records[outcome.OutcomeID]
	rec := &memoryOutcome{outcome: cloneOutcome(outcome)}
	if replaced {
		rec.seq = existing.seq
	} else {
		s.seq++
		rec.seq = s.seq
	}
	s.records[outcome.OutcomeID] = rec

	if s.logger != nil {
		s.logger.Debug("Outcome stored", map[string]interface{}{
			"operation":  "store",
			"outcome_id": outcome.OutcomeID,
			"kill_id":    outcome.KillID,
			"module":     outcome.TargetModule,
			"replaced":   replaced,
		})
	}
	return nil
}

// Get returns the outcome or ErrOutcomeNotFound.
func (s *MemoryOutcomeStore) Get(ctx context.Context, outcomeID string) (*core.ResurrectionOutcome, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.records[outcomeID]
	if !ok {
		return nil, &core.AgentError{
			Op:   "MemoryOutcomeStore.Get",
			Kind: "store",
			ID:   outcomeID,
			Err:  core.ErrOutcomeNotFound,
		}
	}
	return cloneOutcome(rec.outcome), nil
}

// ListByModule returns up to limit outcomes for the module, newest first.
// A non-positive limit means no limit.
func (s *MemoryOutcomeStore) ListByModule(ctx context.Context, module string, limit int, since time.Time) ([]*core.ResurrectionOutcome, error) {
	return s.list(limit, func(o *core.ResurrectionOutcome) bool {
		return o.TargetModule == module && inWindow(o.Timestamp, since, time.Time{})
	}), nil
}

// ListByType returns up to limit outcomes of the given type, newest first.
func (s *MemoryOutcomeStore) ListByType(ctx context.Context, outcomeType core.OutcomeType, limit int, since time.Time) ([]*core.ResurrectionOutcome, error) {
	return s.list(limit, func(o *core.ResurrectionOutcome) bool {
		return o.OutcomeType == outcomeType && inWindow(o.Timestamp, since, time.Time{})
	}), nil
}

// ListRecent returns up to limit outcomes, newest first.
func (s *MemoryOutcomeStore) ListRecent(ctx context.Context, limit int, since time.Time) ([]*core.ResurrectionOutcome, error) {
	return s.list(limit, func(o *core.ResurrectionOutcome) bool {
		return inWindow(o.Timestamp, since, time.Time{})
	}), nil
}

func (s *MemoryOutcomeStore) list(limit int, keep func(*core.ResurrectionOutcome) bool) []*core.ResurrectionOutcome {
	s.mu.RLock()
	defer s.mu.RUnlock()

	matched := make([]*memoryOutcome, 0, len(s.records))
	for _, rec := range s.records {
		if keep(rec.outcome) {
			matched = append(matched, rec)
		}
	}

	// Newest first; first-insert order breaks timestamp ties.
	sort.Slice(matched, func(i, j int) bool {
		ti, tj := matched[i].outcome.Timestamp, matched[j].outcome.Timestamp
		if ti.Equal(tj) {
			return matched[i].seq < matched[j].seq
		}
		return ti.After(tj)
	})

	if limit > 0 && len(matched) > limit {
		matched = matched[:limit]
	}

	out := make([]*core.ResurrectionOutcome, len(matched))
	for i, rec := range matched {
		out[i] = cloneOutcome(rec.outcome)
	}
	return out
}

// Statistics aggregates outcomes in the inclusive [since, until] window.
func (s *MemoryOutcomeStore) Statistics(ctx context.Context, since, until time.Time) (*core.Statistics, error) {
	s.mu.RLock()
	selected := make([]*core.ResurrectionOutcome, 0, len(s.records))
	for _, rec := range s.records {
		if inWindow(rec.outcome.Timestamp, since, until) {
			selected = append(selected, rec.outcome)
		}
	}
	s.mu.RUnlock()

	return aggregateStatistics(selected), nil
}

// ModuleStatistics aggregates one module's history.
func (s *MemoryOutcomeStore) ModuleStatistics(ctx context.Context, module string) (*core.ModuleHistory, error) {
	s.mu.RLock()
	selected := make([]*core.ResurrectionOutcome, 0)
	for _, rec := range s.records {
		if rec.outcome.TargetModule == module {
			selected = append(selected, rec.outcome)
		}
	}
	s.mu.RUnlock()

	return aggregateModuleHistory(selected), nil
}

// Update applies an in-place patch restricted to the allowed field set.
// Keys outside the set are silently ignored. Returns whether a record
// with the given ID exists.
func (s *MemoryOutcomeStore) Update(ctx context.Context, outcomeID string, fields map[string]interface{}) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[outcomeID]
	if !ok {
		return false, nil
	}

	applied := applyOutcomePatch(rec.outcome, fields)

	if s.logger != nil {
		s.logger.Debug("Outcome updated", map[string]interface{}{
			"operation":  "update",
			"outcome_id": outcomeID,
			"applied":    applied,
		})
	}
	return true, nil
}

// HealthCheck always succeeds for the in-memory backend.
func (s *MemoryOutcomeStore) HealthCheck(ctx context.Context) error {
	return nil
}

// Close releases nothing; it exists to satisfy the store contract.
func (s *MemoryOutcomeStore) Close() error {
	return nil
}

// Len reports the number of stored outcomes. Test helper.
func (s *MemoryOutcomeStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}
