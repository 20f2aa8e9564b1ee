package feed

import (
	"context"
	"sync"

	"github.com/sentinelops/medic/core"
)

// MockListener is a channel-backed kill event source for tests and
// local development. Inject queues events; Listen delivers them to the
// handler in order. Acknowledgments are recorded, not sent anywhere.
type MockListener struct {
	logger core.Logger
	events chan *core.KillEvent

	mu        sync.Mutex
	connected bool
	acked     []string
}

var _ core.KillEventListener = (*MockListener)(nil)

// NewMockListener creates a mock listener with room for 64 queued
// events.
func NewMockListener() *MockListener {
	return &MockListener{
		logger: &core.NoOpLogger{},
		events: make(chan *core.KillEvent, 64),
	}
}

// SetLogger configures the logger for this listener.
func (l *MockListener) SetLogger(logger core.Logger) {
	if logger != nil {
		l.logger = logger
	}
}

// Connect marks the listener usable.
func (l *MockListener) Connect(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.connected = true
	return nil
}

// Inject queues one event for delivery. It blocks when the queue is
// full.
func (l *MockListener) Inject(event *core.KillEvent) {
	l.events <- event
}

// Listen delivers queued events to handler until ctx is canceled.
// Invalid events are dropped with a log, matching the production
// listener's poison-pill policy.
func (l *MockListener) Listen(ctx context.Context, handler core.KillEventHandler) error {
	l.mu.Lock()
	connected := l.connected
	l.mu.Unlock()
	if !connected {
		return &core.AgentError{
			Op:   "MockListener.Listen",
			Kind: "feed",
			Err:  core.ErrListenerNotConnected,
		}
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case event := <-l.events:
			if err := event.Validate(); err != nil {
				l.logger.Warn("Discarding invalid kill event", map[string]interface{}{
					"kill_id": event.KillID,
					"error":   err.Error(),
				})
				continue
			}
			if err := handler(ctx, event); err != nil {
				l.logger.Error("Kill event handler failed", map[string]interface{}{
					"kill_id": event.KillID,
					"error":   err.Error(),
				})
			}
		}
	}
}

// Acknowledge records the kill ID. Repeats are recorded once.
func (l *MockListener) Acknowledge(ctx context.Context, killID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, id := range l.acked {
		if id == killID {
			return nil
		}
	}
	l.acked = append(l.acked, killID)
	return nil
}

// Acked returns the kill IDs acknowledged so far, in order.
func (l *MockListener) Acked() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]string, len(l.acked))
	copy(out, l.acked)
	return out
}

// HealthCheck reports whether Connect has been called.
func (l *MockListener) HealthCheck(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.connected {
		return core.ErrListenerNotConnected
	}
	return nil
}

// Close marks the listener unusable.
func (l *MockListener) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.connected = false
	return nil
}
