// Package executor adapts resurrection decisions into runtime restarts.
// The supervisor executor speaks REST to the instance supervisor; the
// dry-run executor records what it would have done. Executors report
// failure through the result, never by panicking the pipeline.
package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/sentinelops/medic/core"
	"github.com/sentinelops/medic/resilience"
)

const stateRunning = "running"

// requestTimeout bounds each individual supervisor call. The restart and
// health deadlines bound the overall operation.
const requestTimeout = 10 * time.Second

// supervisorInstance is one instance as the supervisor reports it. An
// empty or "none" health field means no health probe is configured.
type supervisorInstance struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	State  string `json:"state"`
	Health string `json:"health,omitempty"`
}

type instancesResponse struct {
	Instances []supervisorInstance `json:"instances"`
}

// SupervisorExecutor restarts killed instances through the runtime
// supervisor's REST API. Lookup tries the exact instance ID first, then
// the module label, then a name substring match. After the restart it
// polls until the instance runs and, when a health probe exists, until
// the probe resolves. All supervisor traffic passes through a circuit
// breaker keyed on transport failures.
type SupervisorExecutor struct {
	baseURL        string
	labelPrefix    string
	restartTimeout time.Duration
	healthTimeout  time.Duration
	pollInterval   time.Duration
	client         *http.Client
	breaker        *resilience.CircuitBreaker
	logger         core.Logger
}

var _ core.Executor = (*SupervisorExecutor)(nil)

// NewSupervisorExecutor creates an executor for the supervisor at
// config.BaseURL.
func NewSupervisorExecutor(config core.ExecutorConfig) (*SupervisorExecutor, error) {
	if config.BaseURL == "" {
		return nil, &core.AgentError{
			Op:      "NewSupervisorExecutor",
			Kind:    "config",
			Message: "supervisor executor requires a base URL",
			Err:     core.ErrInvalidConfiguration,
		}
	}
	labelPrefix := config.LabelPrefix
	if labelPrefix == "" {
		labelPrefix = "medic.module"
	}
	restartTimeout := config.RestartTimeout
	if restartTimeout <= 0 {
		restartTimeout = 30 * time.Second
	}
	healthTimeout := config.HealthTimeout
	if healthTimeout <= 0 {
		healthTimeout = 30 * time.Second
	}
	pollInterval := config.PollInterval
	if pollInterval <= 0 {
		pollInterval = 2 * time.Second
	}

	breakerConfig := resilience.DefaultConfig()
	breakerConfig.Name = "supervisor-executor"
	breaker, err := resilience.NewCircuitBreaker(breakerConfig)
	if err != nil {
		return nil, err
	}

	return &SupervisorExecutor{
		baseURL:        config.BaseURL,
		labelPrefix:    labelPrefix,
		restartTimeout: restartTimeout,
		healthTimeout:  healthTimeout,
		pollInterval:   pollInterval,
		client: &http.Client{
			Timeout:   requestTimeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		breaker: breaker,
		logger:  &core.NoOpLogger{},
	}, nil
}

// SetLogger configures the logger for this executor and its breaker.
func (e *SupervisorExecutor) SetLogger(logger core.Logger) {
	if logger != nil {
		e.logger = logger
		e.breaker.SetLogger(logger)
	}
}

// Name identifies this executor in outcome metadata.
func (e *SupervisorExecutor) Name() string { return "supervisor" }

// Resurrect restarts the killed instance at most once. Every failure
// path returns a result carrying an error tag; the caller decides what
// to do with it.
func (e *SupervisorExecutor) Resurrect(ctx context.Context, event *core.KillEvent, decision *core.Decision) core.ExecutionResult {
	start := time.Now()

	inst, err := e.findInstance(ctx, event)
	if err != nil {
		if core.IsNotFound(err) {
			e.logger.Error("No instance found for resurrection", map[string]interface{}{
				"kill_id":       event.KillID,
				"target_module": event.TargetModule,
				"instance_id":   event.TargetInstanceID,
			})
			return failureResult(event, start, "instance_not_found")
		}
		e.logger.Error("Supervisor unavailable", map[string]interface{}{
			"kill_id": event.KillID,
			"error":   err.Error(),
		})
		return failureResult(event, start, fmt.Sprintf("supervisor_unavailable: %v", err))
	}

	e.logger.Info("Restarting instance", map[string]interface{}{
		"instance_id":   inst.ID,
		"instance_name": inst.Name,
		"state_before":  inst.State,
		"target_module": event.TargetModule,
		"decision_id":   decision.DecisionID,
	})

	if err := e.restart(ctx, inst.ID); err != nil {
		e.logger.Error("Instance restart failed", map[string]interface{}{
			"instance_id": inst.ID,
			"error":       err.Error(),
		})
		result := failureResult(event, start, fmt.Sprintf("restart_failed: %v", err))
		result.ContainerID = inst.ID
		return result
	}
	startedAt := time.Now().UTC()

	running, err := e.waitForRunning(ctx, inst.ID)
	if err != nil {
		e.logger.Error("Instance not running after restart", map[string]interface{}{
			"instance_id": inst.ID,
			"error":       err.Error(),
		})
		result := failureResult(event, start, err.Error())
		result.ContainerID = inst.ID
		return result
	}

	health := e.waitForHealth(ctx, running)
	elapsed := time.Since(start).Seconds()
	success := health == core.HealthHealthy || health == core.HealthNone

	result := core.ExecutionResult{
		Success:          success,
		TargetModule:     event.TargetModule,
		TargetInstanceID: event.TargetInstanceID,
		ContainerID:      inst.ID,
		StartedAt:        &startedAt,
		DurationSeconds:  elapsed,
		HealthStatus:     string(health),
	}

	if success {
		e.logger.Info("Instance resurrected", map[string]interface{}{
			"instance_id":      inst.ID,
			"instance_name":    inst.Name,
			"duration_seconds": elapsed,
			"health_status":    string(health),
		})
	} else {
		result.Error = fmt.Sprintf("not_healthy: health=%s", health)
		e.logger.Warn("Instance restarted but not healthy", map[string]interface{}{
			"instance_id":      inst.ID,
			"duration_seconds": elapsed,
			"health_status":    string(health),
		})
	}

	return result
}

// HealthCheck reports the supervisor's view of one instance: the health
// probe status when a probe exists, the lifecycle state otherwise.
func (e *SupervisorExecutor) HealthCheck(ctx context.Context, instanceID string) (string, error) {
	inst, err := e.getInstance(ctx, instanceID)
	if err != nil {
		return "", err
	}
	if inst.Health != "" && inst.Health != string(core.HealthNone) {
		return inst.Health, nil
	}
	return inst.State, nil
}

// findInstance resolves the kill event to a supervisor instance: exact
// instance ID, then module label, then name substring.
func (e *SupervisorExecutor) findInstance(ctx context.Context, event *core.KillEvent) (*supervisorInstance, error) {
	if event.TargetInstanceID != "" {
		inst, err := e.getInstance(ctx, event.TargetInstanceID)
		if err == nil {
			e.logger.Debug("Found instance by ID", map[string]interface{}{
				"instance_id": inst.ID,
			})
			return inst, nil
		}
		if !core.IsNotFound(err) {
			return nil, err
		}
	}

	byLabel, err := e.listInstances(ctx, "label", e.labelPrefix+"="+event.TargetModule)
	if err != nil {
		return nil, err
	}
	if len(byLabel) > 0 {
		e.logger.Debug("Found instance by label", map[string]interface{}{
			"instance_id": byLabel[0].ID,
			"label":       e.labelPrefix + "=" + event.TargetModule,
		})
		return &byLabel[0], nil
	}

	byName, err := e.listInstances(ctx, "name", event.TargetModule)
	if err != nil {
		return nil, err
	}
	if len(byName) > 0 {
		e.logger.Debug("Found instance by name match", map[string]interface{}{
			"instance_id":   byName[0].ID,
			"instance_name": byName[0].Name,
		})
		return &byName[0], nil
	}

	return nil, &core.AgentError{
		Op:      "SupervisorExecutor.findInstance",
		Kind:    "executor",
		ID:      event.KillID,
		Message: fmt.Sprintf("no instance matches module %q", event.TargetModule),
		Err:     core.ErrInstanceNotFound,
	}
}

// waitForRunning polls the instance until it reports the running state
// or the restart timeout expires.
func (e *SupervisorExecutor) waitForRunning(ctx context.Context, id string) (*supervisorInstance, error) {
	deadline := time.Now().Add(e.restartTimeout)
	lastState := "unknown"
	for {
		inst, err := e.getInstance(ctx, id)
		if err == nil {
			if inst.State == stateRunning {
				return inst, nil
			}
			lastState = inst.State
		}
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("not_running: state=%s", lastState)
		}
		if err := sleepContext(ctx, e.pollInterval); err != nil {
			return nil, fmt.Errorf("not_running: state=%s", lastState)
		}
	}
}

// waitForHealth polls the instance's health probe until it resolves to
// healthy or unhealthy, or the health timeout expires. Instances without
// a probe resolve immediately to HealthNone.
func (e *SupervisorExecutor) waitForHealth(ctx context.Context, inst *supervisorInstance) core.HealthStatus {
	if inst.Health == "" || inst.Health == string(core.HealthNone) {
		return core.HealthNone
	}

	deadline := time.Now().Add(e.healthTimeout)
	last := inst.Health
	for {
		switch last {
		case string(core.HealthHealthy):
			return core.HealthHealthy
		case string(core.HealthUnhealthy):
			return core.HealthUnhealthy
		}
		if time.Now().After(deadline) {
			break
		}
		if err := sleepContext(ctx, e.pollInterval); err != nil {
			break
		}
		cur, err := e.getInstance(ctx, inst.ID)
		if err != nil {
			// Transient fetch errors keep the last observation; the
			// deadline bounds the loop.
			continue
		}
		last = cur.Health
	}
	return parseHealth(last)
}

func parseHealth(raw string) core.HealthStatus {
	switch raw {
	case string(core.HealthHealthy):
		return core.HealthHealthy
	case string(core.HealthUnhealthy):
		return core.HealthUnhealthy
	case string(core.HealthStarting):
		return core.HealthStarting
	case "", string(core.HealthNone):
		return core.HealthNone
	default:
		return core.HealthUnknown
	}
}

// do routes one supervisor request through the availability breaker, so
// an unreachable supervisor fails fast instead of eating the full client
// timeout on every poll. Only transport failures feed the breaker; HTTP
// status handling stays with the caller.
func (e *SupervisorExecutor) do(req *http.Request) (*http.Response, error) {
	var resp *http.Response
	err := e.breaker.Execute(req.Context(), func() error {
		var doErr error
		resp, doErr = e.client.Do(req)
		return doErr
	})
	return resp, err
}

// restart asks the supervisor to restart one instance.
func (e *SupervisorExecutor) restart(ctx context.Context, id string) error {
	endpoint := e.baseURL + "/v1/instances/" + url.PathEscape(id) + "/restart"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := e.do(req)
	if err != nil {
		return &core.AgentError{
			Op:      "SupervisorExecutor.restart",
			Kind:    "executor",
			ID:      id,
			Message: "restart request failed",
			Err:     core.ErrExecutorUnavailable,
		}
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK, http.StatusAccepted, http.StatusNoContent:
		return nil
	case http.StatusNotFound:
		return &core.AgentError{
			Op:      "SupervisorExecutor.restart",
			Kind:    "executor",
			ID:      id,
			Message: "instance disappeared before restart",
			Err:     core.ErrInstanceNotFound,
		}
	default:
		return &core.AgentError{
			Op:      "SupervisorExecutor.restart",
			Kind:    "executor",
			ID:      id,
			Message: fmt.Sprintf("restart returned status %d", resp.StatusCode),
			Err:     core.ErrExecutorUnavailable,
		}
	}
}

// getInstance fetches one instance by ID.
func (e *SupervisorExecutor) getInstance(ctx context.Context, id string) (*supervisorInstance, error) {
	endpoint := e.baseURL + "/v1/instances/" + url.PathEscape(id)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := e.do(req)
	if err != nil {
		return nil, &core.AgentError{
			Op:      "SupervisorExecutor.getInstance",
			Kind:    "executor",
			ID:      id,
			Message: "instance fetch failed",
			Err:     core.ErrExecutorUnavailable,
		}
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		var inst supervisorInstance
		if err := json.NewDecoder(resp.Body).Decode(&inst); err != nil {
			return nil, &core.AgentError{
				Op:      "SupervisorExecutor.getInstance",
				Kind:    "executor",
				ID:      id,
				Message: "decoding instance response",
				Err:     core.ErrExecutorUnavailable,
			}
		}
		return &inst, nil
	case http.StatusNotFound:
		return nil, &core.AgentError{
			Op:      "SupervisorExecutor.getInstance",
			Kind:    "executor",
			ID:      id,
			Message: "instance not known to supervisor",
			Err:     core.ErrInstanceNotFound,
		}
	default:
		return nil, &core.AgentError{
			Op:      "SupervisorExecutor.getInstance",
			Kind:    "executor",
			ID:      id,
			Message: fmt.Sprintf("instance fetch returned status %d", resp.StatusCode),
			Err:     core.ErrExecutorUnavailable,
		}
	}
}

// listInstances queries /v1/instances with a single filter.
func (e *SupervisorExecutor) listInstances(ctx context.Context, key, value string) ([]supervisorInstance, error) {
	query := url.Values{key: {value}}
	endpoint := e.baseURL + "/v1/instances?" + query.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := e.do(req)
	if err != nil {
		return nil, &core.AgentError{
			Op:      "SupervisorExecutor.listInstances",
			Kind:    "executor",
			Message: fmt.Sprintf("instance list by %s failed", key),
			Err:     core.ErrExecutorUnavailable,
		}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, &core.AgentError{
			Op:      "SupervisorExecutor.listInstances",
			Kind:    "executor",
			Message: fmt.Sprintf("instance list returned status %d", resp.StatusCode),
			Err:     core.ErrExecutorUnavailable,
		}
	}

	var out instancesResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, &core.AgentError{
			Op:      "SupervisorExecutor.listInstances",
			Kind:    "executor",
			Message: "decoding instance list response",
			Err:     core.ErrExecutorUnavailable,
		}
	}
	return out.Instances, nil
}

// failureResult builds the failed-attempt result shared by every error
// path in Resurrect.
func failureResult(event *core.KillEvent, start time.Time, tag string) core.ExecutionResult {
	return core.ExecutionResult{
		Success:          false,
		TargetModule:     event.TargetModule,
		TargetInstanceID: event.TargetInstanceID,
		DurationSeconds:  time.Since(start).Seconds(),
		Error:            tag,
	}
}

// sleepContext waits for d unless the context ends first.
func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
