// Package agent wires the kill feed, enrichment, risk assessment, decision
// engine, guard, executor, and outcome store into the running medic agent.
// The Dispatcher drives the per-event pipeline on a worker pool; MedicAgent
// owns component lifecycle and the periodic learning loop.
package agent

import (
	"context"
	"fmt"
	"runtime/debug"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/sentinelops/medic/core"
	"github.com/sentinelops/medic/decision"
	"github.com/sentinelops/medic/risk"
	"github.com/sentinelops/medic/telemetry"
)

// Pipeline bundles the collaborators the dispatcher drives for each kill
// event. All fields are required.
type Pipeline struct {
	Listener  core.KillEventListener
	Enricher  core.Enricher
	Risk      *risk.Engine
	Decisions *decision.Engine
	Guard     *decision.ResurrectionGuard
	Executor  core.Executor
	Store     core.OutcomeStore
}

func (p Pipeline) validate() error {
	missing := ""
	switch {
	case p.Listener == nil:
		missing = "listener"
	case p.Enricher == nil:
		missing = "enricher"
	case p.Risk == nil:
		missing = "risk engine"
	case p.Decisions == nil:
		missing = "decision engine"
	case p.Guard == nil:
		missing = "guard"
	case p.Executor == nil:
		missing = "executor"
	case p.Store == nil:
		missing = "outcome store"
	}
	if missing == "" {
		return nil
	}
	return &core.AgentError{
		Op:      "NewDispatcher",
		Kind:    "config",
		Message: fmt.Sprintf("pipeline is missing its %s", missing),
		Err:     core.ErrMissingConfiguration,
	}
}

// DispatcherConfig configures the event worker pool.
type DispatcherConfig struct {
	// WorkerCount is the number of events processed concurrently.
	WorkerCount int
	// QueueSize bounds the handoff buffer between the feed loop and the
	// workers. A full queue blocks the feed loop, which leaves further
	// entries pending upstream.
	QueueSize int
	// EventTimeout bounds one event's trip through the pipeline. The
	// default covers enrichment, restart, and health confirmation at
	// their own default timeouts plus scheduling slack.
	EventTimeout time.Duration
	// ShutdownTimeout bounds Stop's wait for in-flight events.
	ShutdownTimeout time.Duration
}

// DefaultDispatcherConfig returns the default worker pool configuration.
func DefaultDispatcherConfig() DispatcherConfig {
	return DispatcherConfig{
		WorkerCount:     4,
		QueueSize:       64,
		EventTimeout:    80 * time.Second,
		ShutdownTimeout: 30 * time.Second,
	}
}

// Dispatcher consumes kill events and runs each through enrichment, risk
// assessment, decision, optional execution, and outcome recording. Events
// are processed in parallel with no per-module serialization; the outcome
// is always stored before the event is acknowledged upstream.
type Dispatcher struct {
	listener  core.KillEventListener
	enricher  core.Enricher
	risk      *risk.Engine
	decisions *decision.Engine
	guard     *decision.ResurrectionGuard
	executor  core.Executor
	store     core.OutcomeStore

	mode   core.AgentMode
	config DispatcherConfig
	logger core.Logger
	tracer core.Telemetry

	queue  chan *core.KillEvent
	cancel context.CancelFunc
	wg     sync.WaitGroup

	running     atomic.Bool
	activeCount atomic.Int32
	processed   atomic.Int64
}

// NewDispatcher creates a dispatcher over the given pipeline. Zero config
// fields fall back to defaults.
func NewDispatcher(pipeline Pipeline, mode core.AgentMode, config DispatcherConfig) (*Dispatcher, error) {
	if err := pipeline.validate(); err != nil {
		return nil, err
	}
	if mode != core.ModeObserver && mode != core.ModeLive {
		return nil, &core.AgentError{
			Op:      "NewDispatcher",
			Kind:    "config",
			Message: fmt.Sprintf("unknown agent mode %q", mode),
			Err:     core.ErrInvalidConfiguration,
		}
	}

	defaults := DefaultDispatcherConfig()
	if config.WorkerCount <= 0 {
		config.WorkerCount = defaults.WorkerCount
	}
	if config.QueueSize <= 0 {
		config.QueueSize = defaults.QueueSize
	}
	if config.EventTimeout <= 0 {
		config.EventTimeout = defaults.EventTimeout
	}
	if config.ShutdownTimeout <= 0 {
		config.ShutdownTimeout = defaults.ShutdownTimeout
	}

	return &Dispatcher{
		listener:  pipeline.Listener,
		enricher:  pipeline.Enricher,
		risk:      pipeline.Risk,
		decisions: pipeline.Decisions,
		guard:     pipeline.Guard,
		executor:  pipeline.Executor,
		store:     pipeline.Store,
		mode:      mode,
		config:    config,
		logger:    &core.NoOpLogger{},
		tracer:    &core.NoOpTelemetry{},
		queue:     make(chan *core.KillEvent, config.QueueSize),
	}, nil
}

// SetLogger configures the logger for pipeline operations.
func (d *Dispatcher) SetLogger(logger core.Logger) {
	if logger != nil {
		if cal, ok := logger.(core.ComponentAwareLogger); ok {
			d.logger = cal.WithComponent("agent/dispatcher")
		} else {
			d.logger = logger
		}
	}
}

// SetTelemetry configures the span provider. One span covers each
// event's trip through the pipeline. Call before Start.
func (d *Dispatcher) SetTelemetry(tracer core.Telemetry) {
	if tracer != nil {
		d.tracer = tracer
	}
}

// Start runs the feed loop and the worker pool. It blocks until ctx is
// canceled, Stop is called, or the listener fails.
func (d *Dispatcher) Start(ctx context.Context) error {
	if d.running.Swap(true) {
		return &core.AgentError{
			Op:      "Dispatcher.Start",
			Kind:    "state",
			Message: "dispatcher already running",
			Err:     core.ErrAlreadyStarted,
		}
	}

	workerCtx, cancel := context.WithCancel(ctx)
	d.cancel = cancel

	d.logger.Info("Starting kill event dispatcher", map[string]interface{}{
		"worker_count": d.config.WorkerCount,
		"queue_size":   d.config.QueueSize,
		"mode":         string(d.mode),
	})

	for i := 0; i < d.config.WorkerCount; i++ {
		workerID := fmt.Sprintf("worker-%d", i+1)
		d.wg.Add(1)
		go d.runWorker(workerCtx, workerID)
	}

	// The feed loop feeds the queue until the listener stops. A listener
	// failure takes the workers down with it; queued events are simply
	// redelivered on the next start.
	listenDone := make(chan error, 1)
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		defer cancel()
		listenDone <- d.listener.Listen(workerCtx, d.enqueue)
	}()

	d.wg.Wait()
	d.running.Store(false)

	err := <-listenDone
	if err != nil && workerCtx.Err() == nil {
		d.logger.Error("Kill event listener failed", map[string]interface{}{
			"error": err.Error(),
		})
	}
	d.logger.Info("Dispatcher stopped", map[string]interface{}{
		"events_processed": d.processed.Load(),
	})
	if ctx.Err() != nil {
		return nil
	}
	return err
}

// Stop cancels the feed loop and waits for in-flight events to finish, up
// to the shutdown timeout.
func (d *Dispatcher) Stop(ctx context.Context) error {
	if !d.running.Load() {
		return nil
	}

	d.logger.Info("Stopping dispatcher", map[string]interface{}{
		"active_workers": d.activeCount.Load(),
	})

	if d.cancel != nil {
		d.cancel()
	}

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-time.After(d.config.ShutdownTimeout):
		return &core.AgentError{
			Op:      "Dispatcher.Stop",
			Kind:    "state",
			Message: "shutdown timeout: events may still be in flight",
			Err:     core.ErrTimeout,
		}
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Running reports whether the dispatcher loop is active.
func (d *Dispatcher) Running() bool {
	return d.running.Load()
}

// Processed returns the number of events fully processed and acknowledged.
func (d *Dispatcher) Processed() int64 {
	return d.processed.Load()
}

// enqueue is the handler handed to the listener. It hands the event to the
// worker pool; a full queue blocks, which backpressures the feed loop.
func (d *Dispatcher) enqueue(ctx context.Context, event *core.KillEvent) error {
	telemetry.Counter(telemetry.MetricKillEventsReceived,
		"kill_reason", string(event.KillReason),
		"severity", string(event.Severity))

	select {
	case d.queue <- event:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (d *Dispatcher) runWorker(ctx context.Context, workerID string) {
	defer d.wg.Done()

	d.activeCount.Add(1)
	defer d.activeCount.Add(-1)

	d.logger.Debug("Dispatcher worker started", map[string]interface{}{
		"worker_id": workerID,
	})

	for {
		select {
		case <-ctx.Done():
			return
		case event := <-d.queue:
			d.processEvent(workerID, event)
		}
	}
}

// processEvent runs one event through the pipeline. It deliberately runs on
// a fresh context so an event picked up before shutdown can finish its
// store-then-ack sequence; the event timeout still bounds it.
func (d *Dispatcher) processEvent(workerID string, event *core.KillEvent) {
	defer func() {
		if r := recover(); r != nil {
			// The event stays unacknowledged and will be redelivered.
			d.logger.Error("Panic while processing kill event", map[string]interface{}{
				"worker_id":     workerID,
				"kill_id":       event.KillID,
				"target_module": event.TargetModule,
				"panic":         fmt.Sprintf("%v", r),
				"stack":         string(debug.Stack()),
			})
		}
	}()

	ctx, cancelEvent := context.WithTimeout(context.Background(), d.config.EventTimeout)
	defer cancelEvent()

	ctx, span := d.tracer.StartSpan(ctx, "medic.pipeline.event")
	defer span.End()
	span.SetAttribute("kill.id", event.KillID)
	span.SetAttribute("kill.target_module", event.TargetModule)
	span.SetAttribute("kill.reason", string(event.KillReason))
	span.SetAttribute("kill.severity", string(event.Severity))

	start := time.Now()
	d.logger.Debug("Processing kill event", map[string]interface{}{
		"worker_id":     workerID,
		"kill_id":       event.KillID,
		"target_module": event.TargetModule,
		"kill_reason":   string(event.KillReason),
		"severity":      string(event.Severity),
	})

	// Enrichment owns its own timeout and failure handling; a degraded
	// enricher answers with the neutral default, never an error.
	enrichStart := time.Now()
	enrichment := d.enricher.Enrich(ctx, event)
	telemetry.Duration(telemetry.MetricEnrichmentDuration, enrichStart,
		"provider", d.enricher.Name())
	if enrichment.Recommendation == core.RecommendationUnknown {
		telemetry.RecordError(telemetry.MetricEnrichmentFailures, "default_result")
	}

	history := d.moduleHistory(ctx, event.TargetModule)
	assessment := d.risk.Assess(event, enrichment, history)
	dec := d.decisions.Decide(event, enrichment, assessment)

	span.SetAttribute("decision.outcome", string(dec.Outcome))
	span.SetAttribute("decision.risk_score", assessment.RiskScore)
	span.SetAttribute("decision.confidence", assessment.Confidence)
	telemetry.Counter(telemetry.MetricDecisionsTotal,
		"decision", string(dec.Outcome),
		"target_module", event.TargetModule)

	result, refusal := d.act(ctx, event, dec)
	outcome := buildOutcome(event, dec, enrichment, result, refusal)

	if err := d.store.Store(ctx, outcome); err != nil {
		span.RecordError(err)
		telemetry.RecordError(telemetry.MetricStoreFailures, "store_outcome")
		d.logger.Error("Failed to store outcome, leaving event unacknowledged", map[string]interface{}{
			"kill_id":    event.KillID,
			"outcome_id": outcome.OutcomeID,
			"error":      err.Error(),
		})
		return
	}
	telemetry.Counter(telemetry.MetricOutcomesRecorded,
		"outcome_type", string(outcome.OutcomeType))

	if err := d.listener.Acknowledge(ctx, event.KillID); err != nil {
		// The outcome is durable; the redelivered event will just record
		// a second one.
		span.RecordError(err)
		telemetry.Counter(telemetry.MetricFeedAckFailures)
		d.logger.Error("Failed to acknowledge kill event", map[string]interface{}{
			"kill_id": event.KillID,
			"error":   err.Error(),
		})
		return
	}

	d.processed.Add(1)
	telemetry.Duration(telemetry.MetricDecisionDuration, start,
		"decision", string(dec.Outcome))
	d.logger.Info("Kill event processed", map[string]interface{}{
		"kill_id":       event.KillID,
		"target_module": event.TargetModule,
		"decision":      string(dec.Outcome),
		"risk_score":    assessment.RiskScore,
		"confidence":    assessment.Confidence,
		"outcome_id":    outcome.OutcomeID,
		"outcome_type":  string(outcome.OutcomeType),
		"duration_ms":   time.Since(start).Milliseconds(),
	})
}

// act turns the decision into at most one executor invocation. It returns
// the execution result, or nil with the guard's refusal reason when the
// resurrection was approved but not attempted.
func (d *Dispatcher) act(ctx context.Context, event *core.KillEvent, dec *core.Decision) (*core.ExecutionResult, string) {
	switch dec.Outcome {
	case core.DecisionApproveAuto:
		if d.mode != core.ModeLive {
			d.logger.Info("Observer mode, execution suppressed", map[string]interface{}{
				"kill_id":       event.KillID,
				"target_module": event.TargetModule,
			})
			return nil, ""
		}
	case core.DecisionDeny:
		d.logger.Info("Resurrection denied", map[string]interface{}{
			"kill_id":       event.KillID,
			"target_module": event.TargetModule,
			"risk_score":    dec.Assessment.RiskScore,
		})
		return nil, ""
	default:
		d.logger.Info("Resurrection pending manual review", map[string]interface{}{
			"kill_id":       event.KillID,
			"target_module": event.TargetModule,
			"risk_score":    dec.Assessment.RiskScore,
		})
		return nil, ""
	}

	if ok, reason := d.guard.Allow(event.TargetModule); !ok {
		telemetry.RecordError(telemetry.MetricGuardRefusals, refusalTag(reason),
			"target_module", event.TargetModule)
		dec.Constraints = append(dec.Constraints, "guard: "+reason)
		return nil, reason
	}
	d.guard.RecordAttempt(event.TargetModule)

	execStart := time.Now()
	result := d.executor.Resurrect(ctx, event, dec)
	telemetry.Duration(telemetry.MetricResurrectionDuration, execStart,
		"target_module", event.TargetModule)

	status := "success"
	if !result.Success {
		status = "failure"
		telemetry.RecordError(telemetry.MetricResurrectionFailures, errorTag(result.Error),
			"target_module", event.TargetModule)
		d.logger.Error("Resurrection failed", map[string]interface{}{
			"kill_id":       event.KillID,
			"target_module": event.TargetModule,
			"container_id":  result.ContainerID,
			"error":         result.Error,
		})
	} else {
		d.logger.Info("Resurrection executed", map[string]interface{}{
			"kill_id":          event.KillID,
			"target_module":    event.TargetModule,
			"container_id":     result.ContainerID,
			"health_status":    result.HealthStatus,
			"duration_seconds": result.DurationSeconds,
		})
	}
	telemetry.Counter(telemetry.MetricResurrectionsExecuted,
		"target_module", event.TargetModule,
		"status", status)

	return &result, ""
}

// moduleHistory reads the module's aggregate history. A degraded store
// reads as "no history"; the risk engine scores that conservatively, and
// persisting the outcome later is where store health actually gates the
// event.
func (d *Dispatcher) moduleHistory(ctx context.Context, module string) core.ModuleHistory {
	history, err := d.store.ModuleStatistics(ctx, module)
	if err != nil {
		d.logger.Warn("Module history unavailable, assessing without it", map[string]interface{}{
			"target_module": module,
			"error":         err.Error(),
		})
		return core.ModuleHistory{}
	}
	return *history
}

// buildOutcome assembles the persisted record for one processed event.
// Without an execution result the outcome stays UNDETERMINED.
func buildOutcome(event *core.KillEvent, dec *core.Decision, enrichment core.EnrichmentResult, result *core.ExecutionResult, refusal string) *core.ResurrectionOutcome {
	outcome := &core.ResurrectionOutcome{
		OutcomeID:          "out-" + uuid.NewString(),
		DecisionID:         dec.DecisionID,
		KillID:             event.KillID,
		TargetModule:       event.TargetModule,
		Timestamp:          time.Now().UTC(),
		OutcomeType:        core.OutcomeUndetermined,
		OriginalRiskScore:  dec.Assessment.RiskScore,
		OriginalConfidence: dec.Assessment.Confidence,
		OriginalDecision:   string(dec.Outcome),
		WasAutoApproved:    dec.Outcome == core.DecisionApproveAuto,
		FeedbackSource:     core.FeedbackAutomated,
		Metadata: map[string]interface{}{
			"kill_reason": string(event.KillReason),
			"severity":    string(event.Severity),
			"risk_level":  string(dec.Assessment.RiskLevel),
			"enrichment": map[string]interface{}{
				"risk_score":      enrichment.RiskScore,
				"false_positives": enrichment.FalsePositiveHistory,
				"recommendation":  enrichment.Recommendation,
				"source":          enrichment.Source,
			},
		},
	}
	if refusal != "" {
		outcome.Metadata["guard_refusal"] = refusal
	}
	if result == nil {
		return outcome
	}

	if result.Success {
		outcome.OutcomeType = core.OutcomeSuccess
		score := 0.8
		if result.HealthStatus == string(core.HealthHealthy) {
			score = 1.0
		}
		outcome.HealthScoreAfter = &score
	} else {
		outcome.OutcomeType = core.OutcomeFailure
		score := 0.0
		outcome.HealthScoreAfter = &score
	}
	timeToHealthy := result.DurationSeconds
	outcome.TimeToHealthy = &timeToHealthy
	outcome.Metadata["resurrection"] = map[string]interface{}{
		"container_id":  result.ContainerID,
		"health_status": result.HealthStatus,
		"error":         result.Error,
	}
	return outcome
}

// refusalTag folds a guard refusal message into a low-cardinality metric
// label.
func refusalTag(reason string) string {
	switch {
	case strings.Contains(reason, "blacklisted"):
		return "blacklisted"
	case strings.Contains(reason, "global rate limit"):
		return "global_rate_limit"
	case strings.Contains(reason, "module rate limit"):
		return "module_rate_limit"
	case strings.Contains(reason, "cooldown"):
		return "cooldown"
	default:
		return "refused"
	}
}

// errorTag folds an execution error like "restart_failed: connection
// refused" into its leading tag.
func errorTag(errText string) string {
	if errText == "" {
		return "unknown"
	}
	if i := strings.IndexByte(errText, ':'); i > 0 {
		return errText[:i]
	}
	return errText
}
