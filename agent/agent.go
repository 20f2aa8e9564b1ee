package agent

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sentinelops/medic/core"
	"github.com/sentinelops/medic/decision"
	"github.com/sentinelops/medic/learning"
	"github.com/sentinelops/medic/risk"
	"github.com/sentinelops/medic/telemetry"
)

// Components are the externally constructed adapters the agent runs on.
// The caller picks the concrete implementations (Redis vs mock feed, SIEM
// vs noop enricher, supervisor vs dry-run executor, SQLite vs memory
// store) and keeps ownership of the store's lifetime.
type Components struct {
	Listener core.KillEventListener
	Enricher core.Enricher
	Executor core.Executor
	Store    core.OutcomeStore
}

func (c Components) validate() error {
	missing := ""
	switch {
	case c.Listener == nil:
		missing = "listener"
	case c.Enricher == nil:
		missing = "enricher"
	case c.Executor == nil:
		missing = "executor"
	case c.Store == nil:
		missing = "outcome store"
	}
	if missing == "" {
		return nil
	}
	return &core.AgentError{
		Op:      "agent.New",
		Kind:    "config",
		Message: fmt.Sprintf("components are missing the %s", missing),
		Err:     core.ErrMissingConfiguration,
	}
}

// MedicAgent assembles the decision pipeline around the provided adapters
// and owns its lifecycle: startup calibration, the dispatcher loop, the
// periodic learning loop, and graceful shutdown. Run blocks until the
// context is canceled or Shutdown is called.
type MedicAgent struct {
	config *core.Config
	mode   core.AgentMode
	logger core.Logger

	listener core.KillEventListener
	enricher core.Enricher
	executor core.Executor
	store    core.OutcomeStore

	state      *core.ThresholdState
	riskEngine *risk.Engine
	decisions  *decision.Engine
	guard      *decision.ResurrectionGuard
	dispatcher *Dispatcher
	analyzer   *learning.PatternAnalyzer
	adapter    *learning.ThresholdAdapter
	feedback   *learning.FeedbackProcessor

	startedAt time.Time
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	running   atomic.Bool
}

// New builds the agent from configuration and adapters. The threshold
// state, engines, guard, dispatcher, and learning components are all
// constructed here so they share one view of the risk policy.
func New(config *core.Config, components Components) (*MedicAgent, error) {
	if config == nil {
		return nil, &core.AgentError{
			Op:      "agent.New",
			Kind:    "config",
			Message: "nil configuration",
			Err:     core.ErrMissingConfiguration,
		}
	}
	if err := components.validate(); err != nil {
		return nil, err
	}
	mode, err := core.ParseAgentMode(config.Mode)
	if err != nil {
		return nil, err
	}

	state := core.NewThresholdState(config.Risk.Thresholds, config.Risk.Weights)
	riskEngine := risk.NewEngine(state, config.Risk.CriticalModules)

	decisions := decision.NewEngine(decision.EngineConfig{
		AutoApproveEnabled:       config.Risk.AutoApproveEnabled,
		AutoApproveMinConfidence: config.Risk.Thresholds.AutoApproveMinConfidence,
		AlwaysDenyModules:        config.Risk.AlwaysDenyModules,
		AlwaysRequireApproval:    config.Risk.AlwaysRequireApproval,
		AnalysisWindowDays:       config.Learning.WindowDays,
	})
	decisions.SetStore(components.Store)

	guard := decision.NewResurrectionGuard(config.Guard)

	dispatcher, err := NewDispatcher(Pipeline{
		Listener:  components.Listener,
		Enricher:  components.Enricher,
		Risk:      riskEngine,
		Decisions: decisions,
		Guard:     guard,
		Executor:  components.Executor,
		Store:     components.Store,
	}, mode, DispatcherConfig{
		EventTimeout: eventBudget(config),
	})
	if err != nil {
		return nil, err
	}

	analyzer := learning.NewPatternAnalyzer(components.Store, learning.AnalyzerConfig{
		WindowDays: config.Learning.WindowDays,
		MinSamples: config.Learning.MinSamplesAnalysis,
	})
	adapter := learning.NewThresholdAdapter(components.Store, state, learning.AdapterConfig{
		Enabled:                   config.Learning.Enabled,
		MinSamples:                config.Learning.MinSamplesAdjustment,
		WindowDays:                config.Learning.WindowDays,
		MaxAdjustmentPercent:      config.Learning.MaxAdjustmentPercent,
		CooldownHours:             config.Learning.CooldownHours,
		TargetAutoApproveAccuracy: config.Learning.TargetAutoApproveAccuracy,
		RequireApproval:           config.Learning.RequireApproval,
	})

	return &MedicAgent{
		config:     config,
		mode:       mode,
		logger:     &core.NoOpLogger{},
		listener:   components.Listener,
		enricher:   components.Enricher,
		executor:   components.Executor,
		store:      components.Store,
		state:      state,
		riskEngine: riskEngine,
		decisions:  decisions,
		guard:      guard,
		dispatcher: dispatcher,
		analyzer:   analyzer,
		adapter:    adapter,
		feedback:   learning.NewFeedbackProcessor(components.Store),
	}, nil
}

// eventBudget derives the per-event pipeline budget from the configured
// stage timeouts, falling back to each stage's own default.
func eventBudget(config *core.Config) time.Duration {
	orDefault := func(d, fallback time.Duration) time.Duration {
		if d > 0 {
			return d
		}
		return fallback
	}
	return orDefault(config.Enricher.Timeout, 10*time.Second) +
		orDefault(config.Executor.RestartTimeout, 30*time.Second) +
		orDefault(config.Executor.HealthTimeout, 30*time.Second) +
		10*time.Second
}

// SetLogger configures the logger for the agent and everything it built.
// The injected adapters keep whatever logger their builder gave them.
func (a *MedicAgent) SetLogger(logger core.Logger) {
	if logger == nil {
		return
	}
	a.logger = logger
	if cal, ok := logger.(core.ComponentAwareLogger); ok {
		a.logger = cal.WithComponent("agent")
	}
	a.riskEngine.SetLogger(logger)
	a.decisions.SetLogger(logger)
	a.guard.SetLogger(logger)
	a.dispatcher.SetLogger(logger)
	a.analyzer.SetLogger(logger)
	a.adapter.SetLogger(logger)
	a.feedback.SetLogger(logger)
}

// SetTelemetry hands the span provider to the dispatcher. Call before
// Run; typically with telemetry.Provider() after telemetry.Initialize.
func (a *MedicAgent) SetTelemetry(tracer core.Telemetry) {
	if tracer != nil {
		a.dispatcher.SetTelemetry(tracer)
	}
}

// Run connects the feed and blocks on the dispatcher loop until ctx is
// canceled, Shutdown is called, or the feed fails. The listener is closed
// on the way out; the store stays open for its owner to close.
func (a *MedicAgent) Run(ctx context.Context) error {
	if a.running.Swap(true) {
		return &core.AgentError{
			Op:      "MedicAgent.Run",
			Kind:    "state",
			Message: "agent already running",
			Err:     core.ErrAlreadyStarted,
		}
	}
	defer a.running.Store(false)

	a.startedAt = time.Now().UTC()
	runCtx, cancel := context.WithCancel(ctx)
	a.cancel = cancel
	defer cancel()

	if err := a.listener.Connect(runCtx); err != nil {
		return err
	}
	defer func() {
		if err := a.listener.Close(); err != nil {
			a.logger.Warn("Closing kill event listener failed", map[string]interface{}{
				"error": err.Error(),
			})
		}
	}()
	if err := a.listener.HealthCheck(runCtx); err != nil {
		a.logger.Error("Listener unhealthy after connect", map[string]interface{}{
			"error": err.Error(),
		})
		return err
	}

	// Seed the confidence floor from whatever history the store already
	// holds. A cold store is fine; calibration skips itself.
	if a.config.Learning.Enabled {
		if err := a.decisions.Calibrate(runCtx); err != nil {
			a.logger.Warn("Startup calibration failed", map[string]interface{}{
				"error": err.Error(),
			})
		}
		a.wg.Add(1)
		go a.learningLoop(runCtx)
	}

	a.logger.Info("Medic agent started", map[string]interface{}{
		"name":     a.config.Name,
		"mode":     string(a.mode),
		"enricher": a.enricher.Name(),
		"executor": a.executor.Name(),
	})

	err := a.dispatcher.Start(runCtx)

	cancel()
	a.wg.Wait()

	a.logger.Info("Medic agent stopped", map[string]interface{}{
		"events_processed": a.dispatcher.Processed(),
		"uptime_seconds":   time.Since(a.startedAt).Seconds(),
	})
	return err
}

// Shutdown stops the agent gracefully: the feed loop is canceled, then
// in-flight events get until the dispatcher's shutdown timeout (or ctx)
// to finish their store-then-ack sequence.
func (a *MedicAgent) Shutdown(ctx context.Context) error {
	if !a.running.Load() {
		return nil
	}
	a.logger.Info("Shutting down medic agent", nil)
	if a.cancel != nil {
		a.cancel()
	}
	return a.dispatcher.Stop(ctx)
}

// Running reports whether Run is active.
func (a *MedicAgent) Running() bool {
	return a.running.Load()
}

// StartedAt returns when Run began, for uptime reporting.
func (a *MedicAgent) StartedAt() time.Time {
	return a.startedAt
}

// Mode returns the operating mode the agent was built with.
func (a *MedicAgent) Mode() core.AgentMode {
	return a.mode
}

// Store exposes the outcome store for the admin surface.
func (a *MedicAgent) Store() core.OutcomeStore {
	return a.store
}

// Listener exposes the feed for admin health reporting.
func (a *MedicAgent) Listener() core.KillEventListener {
	return a.listener
}

// Adapter exposes the threshold adapter for admin proposal review.
func (a *MedicAgent) Adapter() *learning.ThresholdAdapter {
	return a.adapter
}

// Feedback exposes the feedback processor for the admin surface.
func (a *MedicAgent) Feedback() *learning.FeedbackProcessor {
	return a.feedback
}

// ThresholdState exposes the live risk policy.
func (a *MedicAgent) ThresholdState() *core.ThresholdState {
	return a.state
}

// learningLoop runs pattern analysis and threshold proposals on the
// analysis cadence and decision-engine calibration on its own slower one.
// The adapter additionally enforces its own cooldown, so a short analysis
// interval cannot churn proposals.
func (a *MedicAgent) learningLoop(ctx context.Context) {
	defer a.wg.Done()

	analysisInterval := a.config.Learning.AnalysisInterval
	if analysisInterval <= 0 {
		analysisInterval = time.Hour
	}
	calibrationInterval := a.config.Learning.CalibrationInterval
	if calibrationInterval <= 0 {
		calibrationInterval = 6 * time.Hour
	}

	a.logger.Info("Learning loop started", map[string]interface{}{
		"analysis_interval":    analysisInterval.String(),
		"calibration_interval": calibrationInterval.String(),
	})

	analysisTicker := time.NewTicker(analysisInterval)
	defer analysisTicker.Stop()
	calibrationTicker := time.NewTicker(calibrationInterval)
	defer calibrationTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-analysisTicker.C:
			a.runAnalysis(ctx)
		case <-calibrationTicker.C:
			if err := a.decisions.Calibrate(ctx); err != nil {
				a.logger.Warn("Calibration failed", map[string]interface{}{
					"error": err.Error(),
				})
			}
		}
	}
}

// runAnalysis executes one learning cycle: detect outcome patterns, then
// ask the threshold adapter for a proposal.
func (a *MedicAgent) runAnalysis(ctx context.Context) {
	patterns, err := a.analyzer.Analyze(ctx)
	if err != nil {
		a.logger.Warn("Pattern analysis failed", map[string]interface{}{
			"error": err.Error(),
		})
	}
	for _, p := range patterns {
		fields := map[string]interface{}{
			"pattern_type":     string(p.PatternType),
			"severity":         string(p.Severity),
			"confidence":       p.Confidence,
			"description":      p.Description,
			"affected_modules": p.AffectedModules,
		}
		switch p.Severity {
		case learning.PatternCritical:
			a.logger.Error("Outcome pattern detected", fields)
		case learning.PatternWarning:
			a.logger.Warn("Outcome pattern detected", fields)
		default:
			a.logger.Info("Outcome pattern detected", fields)
		}
		telemetry.Counter(telemetry.MetricPatternsDetected,
			"pattern_type", string(p.PatternType))
	}

	proposal, err := a.adapter.AnalyzeAndPropose(ctx)
	if err != nil {
		if errors.Is(err, core.ErrAdjustmentOnCooldown) || errors.Is(err, core.ErrInsufficientSamples) {
			a.logger.Debug("No threshold proposal this cycle", map[string]interface{}{
				"reason": err.Error(),
			})
		} else {
			a.logger.Warn("Threshold analysis failed", map[string]interface{}{
				"error": err.Error(),
			})
		}
		return
	}
	if proposal == nil {
		return
	}

	telemetry.Counter(telemetry.MetricProposalsCreated)
	if a.config.Learning.RequireApproval {
		a.logger.Info("Threshold adjustment proposal awaiting approval", map[string]interface{}{
			"proposal_id":     proposal.ProposalID,
			"adjustments":     len(proposal.Adjustments),
			"confidence":      proposal.OverallConfidence,
			"expected_impact": proposal.ExpectedImpact,
		})
		return
	}

	// Unattended mode applies its own proposals. The adjustment still goes
	// through the same approval path the admin surface uses.
	if a.adapter.Approve(proposal.ProposalID, "medic-agent") {
		telemetry.Counter(telemetry.MetricProposalsApplied)
		telemetry.Gauge(telemetry.MetricThresholdVersion, float64(a.state.Version()))
		a.logger.Info("Threshold adjustment proposal self-approved", map[string]interface{}{
			"proposal_id":       proposal.ProposalID,
			"adjustments":       len(proposal.Adjustments),
			"threshold_version": a.state.Version(),
		})
	}
}
