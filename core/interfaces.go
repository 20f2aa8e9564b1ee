// Package core holds the contracts and shared plumbing the rest of the
// agent builds on: component interfaces, the kill event and outcome
// models, configuration, structured logging, and the Redis client behind
// the feed and the enrichment cache.
package core

import (
	"context"
	"time"
)

// Logger interface - minimal logging interface
type Logger interface {
	Info(msg string, fields map[string]interface{})
	Error(msg string, fields map[string]interface{})
	Warn(msg string, fields map[string]interface{})
	Debug(msg string, fields map[string]interface{})
}

// ContextAwareLogger extends Logger with context-carrying variants so log
// entries can pick up trace correlation from the active span.
type ContextAwareLogger interface {
	Logger
	InfoWithContext(ctx context.Context, msg string, fields map[string]interface{})
	ErrorWithContext(ctx context.Context, msg string, fields map[string]interface{})
	WarnWithContext(ctx context.Context, msg string, fields map[string]interface{})
	DebugWithContext(ctx context.Context, msg string, fields map[string]interface{})
}

// ComponentAwareLogger lets a component derive a child logger tagged with
// its own component name (e.g. "medic/agent", "medic/learning").
type ComponentAwareLogger interface {
	Logger
	WithComponent(component string) Logger
}

// Telemetry interface - optional telemetry support
type Telemetry interface {
	StartSpan(ctx context.Context, name string) (context.Context, Span)
	RecordMetric(name string, value float64, labels map[string]string)
}

// Span represents a telemetry span
type Span interface {
	End()
	SetAttribute(key string, value interface{})
	RecordError(err error)
}

// KillEventHandler processes one validated kill event. The handler owns the
// full pipeline for the event; the listener only acknowledges through
// KillEventListener.Acknowledge when the handler asks it to.
type KillEventHandler func(ctx context.Context, event *KillEvent) error

// KillEventListener is the inbound contract with the upstream killer.
// Implementations deliver kill events to a registered handler and expose
// idempotent acknowledgment.
type KillEventListener interface {
	// Connect establishes the upstream connection (consumer group, socket, ...).
	Connect(ctx context.Context) error
	// Listen blocks, delivering events to handler until ctx is canceled.
	Listen(ctx context.Context, handler KillEventHandler) error
	// Acknowledge confirms processing of a kill event upstream. Idempotent.
	Acknowledge(ctx context.Context, killID string) error
	// HealthCheck reports whether the upstream connection is usable.
	HealthCheck(ctx context.Context) error
	// Close releases the connection.
	Close() error
}

// Enricher is the outbound threat-intel contract. Implementations must be
// safe for concurrent use and must absorb their own failures and timeouts:
// Enrich never returns an error, it returns the "unknown" default instead.
type Enricher interface {
	Enrich(ctx context.Context, event *KillEvent) EnrichmentResult
	Name() string
}

// Executor is the outbound runtime contract. Resurrect attempts the restart
// at most once per call and reports the result; it never panics the
// pipeline. HealthCheck answers the runtime's view of one instance.
type Executor interface {
	Resurrect(ctx context.Context, event *KillEvent, decision *Decision) ExecutionResult
	HealthCheck(ctx context.Context, instanceID string) (string, error)
	Name() string
}

// ModuleHistory is the per-module slice of outcome history the risk engine
// consumes. Zero values mean "no history".
type ModuleHistory struct {
	TotalResurrections int     `json:"total_resurrections"`
	SuccessCount       int     `json:"success_count"`
	FailureCount       int     `json:"failure_count"`
	SuccessRate        float64 `json:"success_rate"`
	AvgRiskScore       float64 `json:"avg_risk_score"`
	AvgRecoverySeconds float64 `json:"avg_recovery_seconds"`
}

// Statistics aggregates the outcome store over a time window.
type Statistics struct {
	TotalOutcomes       int                 `json:"total_outcomes"`
	CountsByType        map[OutcomeType]int `json:"counts_by_type"`
	AvgRiskSuccess      float64             `json:"avg_risk_success"`
	AvgRiskFailure      float64             `json:"avg_risk_failure"`
	AvgTimeToHealthy    float64             `json:"avg_time_to_healthy"`
	AutoApproveTotal    int                 `json:"auto_approve_total"`
	AutoApproveAccuracy float64             `json:"auto_approve_accuracy"`
	HumanOverrideRate   float64             `json:"human_override_rate"`
	PeriodStart         time.Time           `json:"period_start"`
	PeriodEnd           time.Time           `json:"period_end"`
}

// OutcomeStore is the durable, concurrent-safe log of resurrection
// outcomes. Two backends satisfy this contract: the in-memory store used by
// tests and single-process setups, and the SQLite store used in production.
// I/O failures surface as ErrStoreUnavailable; the store never crashes the
// process.
type OutcomeStore interface {
	// Store inserts or replaces the outcome keyed by OutcomeID. Never
	// partially writes.
	Store(ctx context.Context, outcome *ResurrectionOutcome) error
	// Get returns the outcome or ErrOutcomeNotFound.
	Get(ctx context.Context, outcomeID string) (*ResurrectionOutcome, error)
	// ListByModule returns up to limit outcomes for the module, newest
	// first; insertion order breaks timestamp ties. Zero since means no
	// lower bound.
	ListByModule(ctx context.Context, module string, limit int, since time.Time) ([]*ResurrectionOutcome, error)
	// ListByType returns up to limit outcomes of the given type, newest first.
	ListByType(ctx context.Context, outcomeType OutcomeType, limit int, since time.Time) ([]*ResurrectionOutcome, error)
	// ListRecent returns up to limit outcomes, newest first.
	ListRecent(ctx context.Context, limit int, since time.Time) ([]*ResurrectionOutcome, error)
	// Statistics aggregates outcomes in [since, until]; zero bounds are open.
	Statistics(ctx context.Context, since, until time.Time) (*Statistics, error)
	// ModuleStatistics aggregates one module's history.
	ModuleStatistics(ctx context.Context, module string) (*ModuleHistory, error)
	// Update applies an in-place patch restricted to the allowed field set;
	// keys outside it are silently ignored. Returns whether a record was
	// found.
	Update(ctx context.Context, outcomeID string, fields map[string]interface{}) (bool, error)
	// HealthCheck reports whether the backend can serve requests.
	HealthCheck(ctx context.Context) error
	// Close releases backend resources.
	Close() error
}

// CircuitBreaker protects calls to external dependencies
type CircuitBreaker interface {
	// Execute runs the function if the circuit allows it
	Execute(ctx context.Context, fn func() error) error
	// CanExecute checks if execution is allowed
	CanExecute() bool
	// RecordSuccess records a successful execution
	RecordSuccess()
	// RecordFailure records a failed execution
	RecordFailure()
	// State returns the current state ("closed", "open", "half-open")
	State() string
}

// HealthStatus for runtime instances and service checks
type HealthStatus string

const (
	HealthHealthy   HealthStatus = "healthy"
	HealthUnhealthy HealthStatus = "unhealthy"
	HealthStarting  HealthStatus = "starting"
	HealthUnknown   HealthStatus = "unknown"
	HealthNone      HealthStatus = "none"
)

// Default no-op implementations

// NoOpLogger provides a no-op logger implementation
type NoOpLogger struct{}

func (n *NoOpLogger) Info(msg string, fields map[string]interface{})  {}
func (n *NoOpLogger) Error(msg string, fields map[string]interface{}) {}
func (n *NoOpLogger) Warn(msg string, fields map[string]interface{})  {}
func (n *NoOpLogger) Debug(msg string, fields map[string]interface{}) {}

func (n *NoOpLogger) InfoWithContext(ctx context.Context, msg string, fields map[string]interface{}) {
}
func (n *NoOpLogger) ErrorWithContext(ctx context.Context, msg string, fields map[string]interface{}) {
}
func (n *NoOpLogger) WarnWithContext(ctx context.Context, msg string, fields map[string]interface{}) {
}
func (n *NoOpLogger) DebugWithContext(ctx context.Context, msg string, fields map[string]interface{}) {
}

// NoOpTelemetry provides a no-op telemetry implementation
type NoOpTelemetry struct{}

func (n *NoOpTelemetry) StartSpan(ctx context.Context, name string) (context.Context, Span) {
	return ctx, &NoOpSpan{}
}

func (n *NoOpTelemetry) RecordMetric(name string, value float64, labels map[string]string) {}

// NoOpSpan provides a no-op span implementation
type NoOpSpan struct{}

func (n *NoOpSpan) End()                                       {}
func (n *NoOpSpan) SetAttribute(key string, value interface{}) {}
func (n *NoOpSpan) RecordError(err error)                      {}
