// Package resilience wraps the agent's outbound dependencies in circuit
// breakers and retry schedules. The SIEM and the supervisor are the only
// parties the agent calls synchronously; when either misbehaves the
// breaker sheds the load fast instead of letting every kill event wait
// out a full client timeout.
package resilience

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sentinelops/medic/core"
	"github.com/sentinelops/medic/telemetry"
)

// CircuitState identifies a breaker's position in its lifecycle.
type CircuitState int32

const (
	// StateClosed admits every call.
	StateClosed CircuitState = iota
	// StateOpen rejects every call until the sleep window elapses.
	StateOpen
	// StateHalfOpen admits a fixed budget of probe calls.
	StateHalfOpen
)

func (s CircuitState) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

const (
	forcedNone int32 = iota
	forcedOpen
	forcedClosed
)

// maxSleepWindow caps the exponential growth applied after a failed
// recovery round.
const maxSleepWindow = 5 * time.Minute

// ErrorClassifier decides which errors count toward opening a breaker.
type ErrorClassifier func(error) bool

// DefaultErrorClassifier counts infrastructure errors only. The breakers
// in front of the SIEM and the supervisor must not open because the
// agent asked about a module the backend has never seen, or because a
// caller handed in garbage.
func DefaultErrorClassifier(err error) bool {
	if err == nil {
		return false
	}
	if core.IsConfigurationError(err) || core.IsInvalidInput(err) {
		return false
	}
	if core.IsNotFound(err) {
		return false
	}
	if core.IsStateError(err) || core.IsAlreadyResolved(err) {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, core.ErrContextCanceled) {
		return false
	}
	return true
}

// CircuitBreakerConfig holds the tuning knobs for one breaker.
type CircuitBreakerConfig struct {
	// Name identifies the breaker in logs and metrics.
	Name string

	// ErrorThreshold is the failure rate (0.0 to 1.0) that opens the
	// breaker.
	ErrorThreshold float64

	// VolumeThreshold is the minimum number of windowed calls before the
	// failure rate is consulted.
	VolumeThreshold int

	// SleepWindow is how long an open breaker holds before probing. It
	// grows by half after each failed recovery, capped at five minutes,
	// and snaps back once the breaker closes.
	SleepWindow time.Duration

	// HalfOpenRequests is the probe budget per half-open round.
	HalfOpenRequests int

	// SuccessThreshold is the probe success rate required to close.
	SuccessThreshold float64

	// WindowSize is the rolling interval failures are counted over.
	WindowSize time.Duration

	// BucketCount is the number of slots the window is divided into.
	BucketCount int

	// ErrorClassifier decides which errors count as failures.
	ErrorClassifier ErrorClassifier

	// Logger receives breaker lifecycle events.
	Logger core.Logger
}

// DefaultConfig returns the tuning used for the agent's outbound
// dependencies.
func DefaultConfig() *CircuitBreakerConfig {
	return &CircuitBreakerConfig{
		Name:             "default",
		ErrorThreshold:   0.5,
		VolumeThreshold:  10,
		SleepWindow:      30 * time.Second,
		HalfOpenRequests: 5,
		SuccessThreshold: 0.6,
		WindowSize:       60 * time.Second,
		BucketCount:      10,
		ErrorClassifier:  DefaultErrorClassifier,
		Logger:           &core.NoOpLogger{},
	}
}

// Validate checks the configuration for values the breaker cannot run with.
func (c *CircuitBreakerConfig) Validate() error {
	if c == nil {
		return errors.New("configuration cannot be nil")
	}
	if c.Name == "" {
		return errors.New("circuit breaker name is required")
	}
	if c.ErrorThreshold < 0 || c.ErrorThreshold > 1 {
		return fmt.Errorf("error threshold must be between 0 and 1, got %f", c.ErrorThreshold)
	}
	if c.SuccessThreshold < 0 || c.SuccessThreshold > 1 {
		return fmt.Errorf("success threshold must be between 0 and 1, got %f", c.SuccessThreshold)
	}
	if c.VolumeThreshold < 0 {
		return fmt.Errorf("volume threshold must be non-negative, got %d", c.VolumeThreshold)
	}
	if c.HalfOpenRequests < 0 {
		return fmt.Errorf("half-open requests must be non-negative, got %d", c.HalfOpenRequests)
	}
	if c.SleepWindow < 0 {
		return fmt.Errorf("sleep window must be non-negative, got %v", c.SleepWindow)
	}
	if c.WindowSize < 0 {
		return fmt.Errorf("window size must be non-negative, got %v", c.WindowSize)
	}
	if c.BucketCount < 0 {
		return fmt.Errorf("bucket count must be non-negative, got %d", c.BucketCount)
	}
	return nil
}

// CircuitBreaker is a three-state breaker with a rolling failure window.
// The hot path (admit, settle) runs on atomics; the mutex only
// serializes state transitions. State ages are measured on a monotonic
// clock anchored at construction.
type CircuitBreaker struct {
	name     string
	classify ErrorClassifier
	logger   atomic.Pointer[core.Logger]

	errorThreshold   float64
	volumeThreshold  uint64
	successThreshold float64
	probeBudget      int32

	baseSleep time.Duration
	bornAt    time.Time

	window *window

	mu        sync.Mutex
	state     atomic.Int32 // CircuitState
	changedAt atomic.Int64 // monotonic nanoseconds, see now()
	sleep     atomic.Int64 // current open hold in nanoseconds

	probes     atomic.Int32 // admissions granted this half-open round
	probeWins  atomic.Int32
	probeFails atomic.Int32

	forced atomic.Int32

	calls    atomic.Uint64
	rejected atomic.Uint64
}

var _ core.CircuitBreaker = (*CircuitBreaker)(nil)

// NewCircuitBreaker builds a breaker from config, filling zero fields
// with the defaults. A nil config gets DefaultConfig.
func NewCircuitBreaker(config *CircuitBreakerConfig) (*CircuitBreaker, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if err := config.Validate(); err != nil {
		if config.Logger != nil {
			config.Logger.Error("Circuit breaker configuration rejected", map[string]interface{}{
				"operation": "circuit_breaker_validation_failed",
				"name":      config.Name,
				"error":     err.Error(),
			})
		}
		return nil, fmt.Errorf("invalid circuit breaker config: %w", err)
	}

	classify := config.ErrorClassifier
	if classify == nil {
		classify = DefaultErrorClassifier
	}
	windowSize := config.WindowSize
	if windowSize == 0 {
		windowSize = 60 * time.Second
	}
	bucketCount := config.BucketCount
	if bucketCount == 0 {
		bucketCount = 10
	}
	successThreshold := config.SuccessThreshold
	if successThreshold == 0 {
		successThreshold = 0.6
	}
	probeBudget := config.HalfOpenRequests
	if probeBudget == 0 {
		probeBudget = 5
	}

	cb := &CircuitBreaker{
		name:             config.Name,
		classify:         classify,
		errorThreshold:   config.ErrorThreshold,
		volumeThreshold:  uint64(config.VolumeThreshold),
		successThreshold: successThreshold,
		probeBudget:      int32(probeBudget),
		baseSleep:        config.SleepWindow,
		bornAt:           time.Now(),
		window:           newWindow(windowSize, bucketCount),
	}
	cb.sleep.Store(int64(config.SleepWindow))
	cb.SetLogger(config.Logger)

	cb.log().Info("Circuit breaker created", map[string]interface{}{
		"operation":          "circuit_breaker_created",
		"name":               cb.name,
		"error_threshold":    cb.errorThreshold,
		"volume_threshold":   cb.volumeThreshold,
		"sleep_window_ms":    config.SleepWindow.Milliseconds(),
		"half_open_requests": probeBudget,
	})
	return cb, nil
}

// SetLogger replaces the breaker's logger. The component is pinned to
// "medic/resilience" so breaker events attribute consistently no matter
// which caller owns the breaker.
func (cb *CircuitBreaker) SetLogger(logger core.Logger) {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	if cal, ok := logger.(core.ComponentAwareLogger); ok {
		logger = cal.WithComponent("medic/resilience")
	}
	cb.logger.Store(&logger)
}

func (cb *CircuitBreaker) log() core.Logger {
	return *cb.logger.Load()
}

// now returns elapsed monotonic time since construction, in nanoseconds.
func (cb *CircuitBreaker) now() int64 {
	return int64(time.Since(cb.bornAt))
}

// Execute runs fn under the breaker. Rejected calls return an error
// wrapping core.ErrCircuitBreakerOpen without invoking fn. The call is
// synchronous: fn must honor ctx itself, the breaker only pre-checks it.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func() error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	probe, ok := cb.admit()
	if !ok {
		cb.rejected.Add(1)
		telemetry.Counter(telemetry.MetricCircuitBreakerRejected, "name", cb.name)
		cb.log().Info("Circuit breaker rejected call", map[string]interface{}{
			"operation": "circuit_breaker_reject",
			"name":      cb.name,
			"state":     cb.State(),
		})
		return fmt.Errorf("circuit breaker %q is open: %w", cb.name, core.ErrCircuitBreakerOpen)
	}

	cb.calls.Add(1)
	err := cb.invoke(fn)
	cb.settle(probe, err)
	return err
}

// admit decides whether a call may proceed and whether it runs as a
// half-open probe.
func (cb *CircuitBreaker) admit() (probe, ok bool) {
	switch cb.forced.Load() {
	case forcedClosed:
		return false, true
	case forcedOpen:
		return false, false
	}

	// Two passes: the first may move an expired open state to half-open,
	// the second claims a probe slot in it.
	for attempt := 0; attempt < 2; attempt++ {
		switch CircuitState(cb.state.Load()) {
		case StateClosed:
			return false, true
		case StateHalfOpen:
			if cb.probes.Add(1) > cb.probeBudget {
				return false, false
			}
			return true, true
		case StateOpen:
			if cb.now()-cb.changedAt.Load() < cb.sleep.Load() {
				return false, false
			}
			cb.maybeProbe()
		}
	}
	return false, false
}

// maybeProbe moves an open breaker whose sleep window has elapsed into
// half-open. Safe to call from any state.
func (cb *CircuitBreaker) maybeProbe() {
	if CircuitState(cb.state.Load()) != StateOpen {
		return
	}
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if CircuitState(cb.state.Load()) == StateOpen && cb.now()-cb.changedAt.Load() >= cb.sleep.Load() {
		cb.transition(StateHalfOpen)
	}
}

// invoke runs fn, converting a panic into an error so one bad dependency
// response cannot take the pipeline down.
func (cb *CircuitBreaker) invoke(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			cb.log().Error("Circuit breaker caught panic", map[string]interface{}{
				"operation": "circuit_breaker_panic",
				"name":      cb.name,
				"panic":     fmt.Sprintf("%v", r),
				"type":      fmt.Sprintf("%T", r),
			})
			err = fmt.Errorf("circuit breaker %q: recovered panic: %v\n%s", cb.name, r, debug.Stack())
		}
	}()
	return fn()
}

// settle records a completed call and advances the state machine.
func (cb *CircuitBreaker) settle(probe bool, err error) {
	if cb.forced.Load() != forcedNone {
		return
	}

	counted := err != nil && cb.classify(err)
	switch {
	case err == nil:
		cb.window.observe(true)
		telemetry.Counter(telemetry.MetricCircuitBreakerSuccess, "name", cb.name)
	case counted:
		cb.window.observe(false)
		telemetry.Counter(telemetry.MetricCircuitBreakerFailure,
			"name", cb.name, "error_type", errorLabel(err))
	}

	if probe {
		if counted {
			cb.probeFails.Add(1)
		} else {
			// A probe resolving to a caller error still proves the
			// dependency answered; stalling the round would strand the
			// breaker in half-open.
			cb.probeWins.Add(1)
		}
	}

	cb.evaluate()
}

// evaluate applies the transition rules for the current state.
func (cb *CircuitBreaker) evaluate() {
	switch CircuitState(cb.state.Load()) {
	case StateClosed:
		wins, fails := cb.window.counts()
		total := wins + fails
		if cb.volumeThreshold == 0 || total < cb.volumeThreshold {
			return
		}
		rate := float64(fails) / float64(total)
		if rate < cb.errorThreshold {
			return
		}
		cb.mu.Lock()
		if CircuitState(cb.state.Load()) == StateClosed {
			cb.log().Warn("Circuit breaker opening", map[string]interface{}{
				"operation":       "circuit_breaker_opening",
				"name":            cb.name,
				"error_rate":      rate,
				"error_threshold": cb.errorThreshold,
				"window_total":    total,
			})
			cb.transition(StateOpen)
		}
		cb.mu.Unlock()

	case StateHalfOpen:
		wins := cb.probeWins.Load()
		done := wins + cb.probeFails.Load()
		if done < cb.probeBudget {
			return
		}
		rate := float64(wins) / float64(done)
		cb.mu.Lock()
		if CircuitState(cb.state.Load()) == StateHalfOpen {
			cb.log().Info("Circuit breaker recovery round complete", map[string]interface{}{
				"operation":         "circuit_breaker_probe_round",
				"name":              cb.name,
				"success_rate":      rate,
				"success_threshold": cb.successThreshold,
				"probes":            done,
			})
			if rate >= cb.successThreshold {
				cb.sleep.Store(int64(cb.baseSleep))
				cb.transition(StateClosed)
			} else {
				cb.growSleep()
				cb.transition(StateOpen)
			}
		}
		cb.mu.Unlock()

	case StateOpen:
		cb.maybeProbe()
	}
}

// growSleep lengthens the open hold after a failed recovery. Caller
// holds cb.mu.
func (cb *CircuitBreaker) growSleep() {
	next := time.Duration(cb.sleep.Load()) * 3 / 2
	if next > maxSleepWindow {
		next = maxSleepWindow
	}
	cb.sleep.Store(int64(next))
}

// transition changes state and resets the bookkeeping the new state
// needs. Caller holds cb.mu.
func (cb *CircuitBreaker) transition(to CircuitState) {
	from := CircuitState(cb.state.Load())
	if from == to {
		return
	}
	cb.state.Store(int32(to))
	cb.changedAt.Store(cb.now())

	switch to {
	case StateHalfOpen:
		cb.probes.Store(0)
		cb.probeWins.Store(0)
		cb.probeFails.Store(0)
	case StateClosed:
		// The failures that opened the breaker must not reopen it on the
		// first settle after recovery.
		cb.window.reset()
	case StateOpen:
		telemetry.Counter(telemetry.MetricCircuitBreakerOpen, "name", cb.name)
	}

	cb.log().Info("Circuit breaker state changed", map[string]interface{}{
		"operation": "circuit_breaker_transition",
		"name":      cb.name,
		"from":      from.String(),
		"to":        to.String(),
	})
}

// CanExecute reports whether a call would currently be admitted. It is
// advisory only and reserves nothing.
func (cb *CircuitBreaker) CanExecute() bool {
	switch cb.forced.Load() {
	case forcedClosed:
		return true
	case forcedOpen:
		return false
	}
	switch CircuitState(cb.state.Load()) {
	case StateClosed:
		return true
	case StateOpen:
		return cb.now()-cb.changedAt.Load() >= cb.sleep.Load()
	default:
		return cb.probes.Load() < cb.probeBudget
	}
}

// RecordSuccess feeds a success observed outside Execute. In half-open
// it settles a probe slot so external observations cannot strand the
// recovery round.
func (cb *CircuitBreaker) RecordSuccess() {
	if cb.forced.Load() != forcedNone {
		return
	}
	cb.window.observe(true)
	telemetry.Counter(telemetry.MetricCircuitBreakerSuccess, "name", cb.name)
	if CircuitState(cb.state.Load()) == StateHalfOpen {
		cb.probes.Add(1)
		cb.probeWins.Add(1)
	}
	cb.evaluate()
}

// RecordFailure feeds a failure observed outside Execute. The error
// classifier is not consulted; callers decide what counts.
func (cb *CircuitBreaker) RecordFailure() {
	if cb.forced.Load() != forcedNone {
		return
	}
	cb.window.observe(false)
	telemetry.Counter(telemetry.MetricCircuitBreakerFailure,
		"name", cb.name, "error_type", "recorded")
	if CircuitState(cb.state.Load()) == StateHalfOpen {
		cb.probes.Add(1)
		cb.probeFails.Add(1)
	}
	cb.evaluate()
}

// State returns "closed", "open" or "half-open". Manual overrides
// report the state they enforce.
func (cb *CircuitBreaker) State() string {
	switch cb.forced.Load() {
	case forcedOpen:
		return StateOpen.String()
	case forcedClosed:
		return StateClosed.String()
	}
	return CircuitState(cb.state.Load()).String()
}

// ForceOpen rejects every call until ClearForce. The organic state
// machine is suspended, not reset.
func (cb *CircuitBreaker) ForceOpen() {
	cb.forced.Store(forcedOpen)
	cb.log().Warn("Circuit breaker forced open", map[string]interface{}{
		"operation": "circuit_breaker_force_open",
		"name":      cb.name,
	})
}

// ForceClosed admits every call until ClearForce. Outcomes observed
// while forced are not counted.
func (cb *CircuitBreaker) ForceClosed() {
	cb.forced.Store(forcedClosed)
	cb.log().Warn("Circuit breaker forced closed", map[string]interface{}{
		"operation": "circuit_breaker_force_closed",
		"name":      cb.name,
	})
}

// ClearForce resumes the organic state machine.
func (cb *CircuitBreaker) ClearForce() {
	if cb.forced.Swap(forcedNone) != forcedNone {
		cb.log().Info("Circuit breaker manual override cleared", map[string]interface{}{
			"operation": "circuit_breaker_clear_force",
			"name":      cb.name,
			"state":     cb.State(),
		})
	}
}

// Reset returns the breaker to closed with an empty window and the
// configured sleep window. Manual overrides are cleared.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	from := CircuitState(cb.state.Load())
	cb.state.Store(int32(StateClosed))
	cb.changedAt.Store(cb.now())
	cb.sleep.Store(int64(cb.baseSleep))
	cb.probes.Store(0)
	cb.probeWins.Store(0)
	cb.probeFails.Store(0)
	cb.window.reset()
	cb.mu.Unlock()
	cb.forced.Store(forcedNone)

	cb.log().Info("Circuit breaker reset", map[string]interface{}{
		"operation":      "circuit_breaker_reset",
		"name":           cb.name,
		"previous_state": from.String(),
	})
}

// Snapshot is a point-in-time view of one breaker for logs and tests.
type Snapshot struct {
	Name      string
	State     string
	Calls     uint64
	Rejected  uint64
	Successes uint64
	Failures  uint64
	ErrorRate float64
}

// Snapshot captures the breaker's current counters.
func (cb *CircuitBreaker) Snapshot() Snapshot {
	wins, fails := cb.window.counts()
	rate := 0.0
	if total := wins + fails; total > 0 {
		rate = float64(fails) / float64(total)
	}
	return Snapshot{
		Name:      cb.name,
		State:     cb.State(),
		Calls:     cb.calls.Load(),
		Rejected:  cb.rejected.Load(),
		Successes: wins,
		Failures:  fails,
		ErrorRate: rate,
	}
}

// errorLabel maps an error onto a low-cardinality metric label.
func errorLabel(err error) string {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return "deadline_exceeded"
	case errors.Is(err, context.Canceled):
		return "canceled"
	}
	var agentErr *core.AgentError
	if errors.As(err, &agentErr) && agentErr.Kind != "" {
		return agentErr.Kind
	}
	return fmt.Sprintf("%T", err)
}
