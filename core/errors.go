package core

import (
	"errors"
	"fmt"
)

// Sentinel errors shared across the pipeline. Components wrap these with
// fmt.Errorf or AgentError; callers branch with errors.Is and the Is*
// predicates below rather than matching message text.
var (
	// Outcome store.
	ErrStoreUnavailable = errors.New("outcome store unavailable")
	ErrOutcomeNotFound  = errors.New("outcome not found")
	ErrAlreadyResolved  = errors.New("outcome already resolved")

	// Feed payload validation.
	ErrInvalidInput = errors.New("invalid kill event")

	// Configuration loading and validation.
	ErrInvalidConfiguration = errors.New("invalid configuration")
	ErrMissingConfiguration = errors.New("missing required configuration")

	// Component lifecycle.
	ErrAlreadyStarted       = errors.New("already started")
	ErrNotInitialized       = errors.New("not initialized")
	ErrListenerNotConnected = errors.New("listener not connected")

	// Transient operation failures.
	ErrTimeout            = errors.New("operation timeout")
	ErrContextCanceled    = errors.New("context canceled")
	ErrConnectionFailed   = errors.New("connection failed")
	ErrMaxRetriesExceeded = errors.New("maximum retries exceeded")
	ErrCircuitBreakerOpen = errors.New("circuit breaker open")

	// Outbound collaborators (SIEM, supervisor).
	ErrEnricherUnavailable = errors.New("enricher unavailable")
	ErrExecutorUnavailable = errors.New("executor unavailable")
	ErrInstanceNotFound    = errors.New("target instance not found")

	// Threshold learning.
	ErrProposalNotFound     = errors.New("proposal not found")
	ErrInsufficientSamples  = errors.New("insufficient samples for analysis")
	ErrAdjustmentOnCooldown = errors.New("threshold adjustment on cooldown")
)

// AgentError attaches the failing operation and the entity it touched to
// a wrapped sentinel, so a log line or API payload can say which kill or
// outcome an error belongs to.
type AgentError struct {
	Op      string // operation that failed, e.g. "store.Store"
	Kind    string // coarse category, e.g. "store", "feed", "config"
	ID      string // entity involved when known (kill_id, outcome_id, ...)
	Message string // free-form detail when no sentinel fits
	Err     error  // wrapped cause, reachable via errors.Is/As
}

func (e *AgentError) Error() string {
	if e.Op != "" && e.Err != nil {
		if e.ID != "" {
			return fmt.Sprintf("%s [%s]: %v", e.Op, e.ID, e.Err)
		}
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	}
	if e.Message != "" {
		return e.Message
	}
	if e.Err != nil {
		return e.Err.Error()
	}
	return fmt.Sprintf("%s error", e.Kind)
}

func (e *AgentError) Unwrap() error {
	return e.Err
}

// NewAgentError wraps err with the operation and category that produced it.
func NewAgentError(op, kind string, err error) *AgentError {
	return &AgentError{
		Op:   op,
		Kind: kind,
		Err:  err,
	}
}

// IsRetryable reports whether the failure is transient: a dependency that
// was unreachable or slow may answer on the next attempt.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrStoreUnavailable) ||
		errors.Is(err, ErrTimeout) ||
		errors.Is(err, ErrConnectionFailed) ||
		errors.Is(err, ErrEnricherUnavailable) ||
		errors.Is(err, ErrExecutorUnavailable)
}

// IsNotFound reports whether the entity the operation named does not
// exist: an unknown outcome, proposal, or supervisor instance.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrOutcomeNotFound) ||
		errors.Is(err, ErrProposalNotFound) ||
		errors.Is(err, ErrInstanceNotFound)
}

// IsConfigurationError reports whether the failure traces back to bad or
// missing configuration. Retrying without operator action cannot help.
func IsConfigurationError(err error) bool {
	return errors.Is(err, ErrInvalidConfiguration) ||
		errors.Is(err, ErrMissingConfiguration)
}

// IsStateError reports whether a component was driven through an invalid
// lifecycle transition, like starting twice or listening before connect.
func IsStateError(err error) bool {
	return errors.Is(err, ErrAlreadyStarted) ||
		errors.Is(err, ErrNotInitialized) ||
		errors.Is(err, ErrListenerNotConnected)
}

// IsStoreUnavailable reports whether the outcome store could not persist.
// This is the one failure that blocks upstream acknowledgment.
func IsStoreUnavailable(err error) bool {
	return errors.Is(err, ErrStoreUnavailable)
}

// IsAlreadyResolved reports whether an outcome was already resolved and
// cannot accept a manual approval.
func IsAlreadyResolved(err error) bool {
	return errors.Is(err, ErrAlreadyResolved)
}

// IsInvalidInput reports whether a kill event failed structural validation.
func IsInvalidInput(err error) bool {
	return errors.Is(err, ErrInvalidInput)
}
