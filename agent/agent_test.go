package agent

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sentinelops/medic/core"
	"github.com/sentinelops/medic/enrich"
	"github.com/sentinelops/medic/executor"
	"github.com/sentinelops/medic/feed"
	"github.com/sentinelops/medic/learning"
)

func testComponents() (Components, *feed.MockListener, *learning.MemoryOutcomeStore) {
	listener := feed.NewMockListener()
	store := learning.NewMemoryOutcomeStore()
	return Components{
		Listener: listener,
		Enricher: enrich.NewNoopEnricher(),
		Executor: executor.NewDryRunExecutor(),
		Store:    store,
	}, listener, store
}

func TestAgentNewValidation(t *testing.T) {
	components, _, _ := testComponents()

	t.Run("nil config", func(t *testing.T) {
		_, err := New(nil, components)
		require.Error(t, err)
		assert.True(t, errors.Is(err, core.ErrMissingConfiguration))
	})

	t.Run("missing component", func(t *testing.T) {
		broken := components
		broken.Enricher = nil
		_, err := New(core.DefaultConfig(), broken)
		require.Error(t, err)
		assert.True(t, errors.Is(err, core.ErrMissingConfiguration))
	})

	t.Run("invalid mode", func(t *testing.T) {
		cfg := core.DefaultConfig()
		cfg.Mode = "autopilot"
		_, err := New(cfg, components)
		require.Error(t, err)
		assert.True(t, errors.Is(err, core.ErrInvalidConfiguration))
	})
}

func TestAgentAccessors(t *testing.T) {
	components, _, store := testComponents()
	cfg := core.DefaultConfig()

	a, err := New(cfg, components)
	require.NoError(t, err)

	assert.Equal(t, core.ModeObserver, a.Mode())
	assert.Equal(t, core.OutcomeStore(store), a.Store())
	assert.NotNil(t, a.Listener())
	assert.NotNil(t, a.Adapter())
	assert.NotNil(t, a.Feedback())
	assert.NotNil(t, a.ThresholdState())
	assert.False(t, a.Running())
}

func TestAgentRunLifecycle(t *testing.T) {
	components, listener, store := testComponents()
	cfg := core.DefaultConfig()

	a, err := New(cfg, components)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	runErr := make(chan error, 1)
	go func() { runErr <- a.Run(ctx) }()

	require.Eventually(t, a.Running, time.Second, 5*time.Millisecond)

	listener.Inject(&core.KillEvent{
		KillID:           "kill-agent-1",
		Timestamp:        time.Now().UTC(),
		TargetModule:     "auth-service",
		TargetInstanceID: "auth-service-0",
		KillReason:       core.KillReasonAnomalyBehavior,
		Severity:         core.SeverityMedium,
		ConfidenceScore:  0.6,
		SourceAgent:      "smith",
	})

	require.Eventually(t, func() bool {
		outcomes, err := store.ListRecent(context.Background(), 1, time.Time{})
		return err == nil && len(outcomes) == 1
	}, 3*time.Second, 10*time.Millisecond, "injected event should produce a stored outcome")

	require.Eventually(t, func() bool {
		return len(listener.Acked()) == 1
	}, time.Second, 10*time.Millisecond)

	require.NoError(t, a.Shutdown(context.Background()))
	require.NoError(t, <-runErr)
	assert.False(t, a.Running())
}

func TestAgentRunTwice(t *testing.T) {
	components, _, _ := testComponents()
	a, err := New(core.DefaultConfig(), components)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	runErr := make(chan error, 1)
	go func() { runErr <- a.Run(ctx) }()

	require.Eventually(t, a.Running, time.Second, 5*time.Millisecond)

	err = a.Run(ctx)
	require.Error(t, err)
	assert.True(t, errors.Is(err, core.ErrAlreadyStarted))

	cancel()
	require.NoError(t, <-runErr)
}

func TestAgentShutdownBeforeRun(t *testing.T) {
	components, _, _ := testComponents()
	a, err := New(core.DefaultConfig(), components)
	require.NoError(t, err)

	assert.NoError(t, a.Shutdown(context.Background()))
}

func TestEventBudget(t *testing.T) {
	cfg := core.DefaultConfig()
	assert.Equal(t, 80*time.Second, eventBudget(cfg))

	cfg.Enricher.Timeout = 5 * time.Second
	cfg.Executor.RestartTimeout = 20 * time.Second
	cfg.Executor.HealthTimeout = 15 * time.Second
	assert.Equal(t, 50*time.Second, eventBudget(cfg))
}
