package executor

import (
	"context"
	"sync"
	"time"

	"github.com/sentinelops/medic/core"
)

// DryRunExecutor logs what it would restart without touching the
// runtime. Observer mode and tests use it; the history records every
// simulated attempt.
type DryRunExecutor struct {
	logger core.Logger

	mu      sync.Mutex
	history []core.ExecutionResult
}

var _ core.Executor = (*DryRunExecutor)(nil)

// NewDryRunExecutor creates an executor that only simulates restarts.
func NewDryRunExecutor() *DryRunExecutor {
	return &DryRunExecutor{logger: &core.NoOpLogger{}}
}

// SetLogger configures the logger for this executor.
func (e *DryRunExecutor) SetLogger(logger core.Logger) {
	if logger != nil {
		e.logger = logger
	}
}

// Name identifies this executor in outcome metadata.
func (e *DryRunExecutor) Name() string { return "dryrun" }

// Resurrect logs the restart it would perform and returns a synthetic
// success.
func (e *DryRunExecutor) Resurrect(ctx context.Context, event *core.KillEvent, decision *core.Decision) core.ExecutionResult {
	start := time.Now()
	e.logger.Info("DRY RUN: would restart instance", map[string]interface{}{
		"target_module": event.TargetModule,
		"instance_id":   event.TargetInstanceID,
		"decision_id":   decision.DecisionID,
		"risk_score":    decision.Assessment.RiskScore,
	})

	startedAt := start.UTC()
	result := core.ExecutionResult{
		Success:          true,
		TargetModule:     event.TargetModule,
		TargetInstanceID: event.TargetInstanceID,
		ContainerID:      "dry-run",
		StartedAt:        &startedAt,
		DurationSeconds:  time.Since(start).Seconds(),
		HealthStatus:     "dry_run",
	}

	e.mu.Lock()
	e.history = append(e.history, result)
	e.mu.Unlock()
	return result
}

// HealthCheck always reports dry_run.
func (e *DryRunExecutor) HealthCheck(ctx context.Context, instanceID string) (string, error) {
	return "dry_run", nil
}

// History returns a copy of every simulated attempt so far.
func (e *DryRunExecutor) History() []core.ExecutionResult {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]core.ExecutionResult, len(e.history))
	copy(out, e.history)
	return out
}
