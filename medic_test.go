package medic

import (
	"context"
	"path/filepath"
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

// localConfig returns a configuration that needs no external services:
// in-memory store, injectable feed, and local-only adapters.
func localConfig() *core.Config {
	cfg := core.DefaultConfig()
	cfg.Store.Backend = "memory"
	cfg.Feed.Provider = "mock"
	cfg.Enricher.Provider = "noop"
	cfg.Executor.Provider = "dryrun"
	return cfg
}

func TestBuildComponentsLocalAdapters(t *testing.T) {
	components, err := BuildComponents(localConfig(), &core.NoOpLogger{})
	require.NoError(t, err)
	defer components.Store.Close()

	assert.IsType(t, &learning.MemoryOutcomeStore{}, components.Store)
	assert.IsType(t, &feed.MockListener{}, components.Listener)
	assert.IsType(t, &enrich.NoopEnricher{}, components.Enricher)
	assert.IsType(t, &executor.DryRunExecutor{}, components.Executor)
}

func TestBuildComponentsRemoteAdapters(t *testing.T) {
	cfg := localConfig()
	cfg.Feed.Provider = "redis"
	cfg.Feed.RedisURL = "redis://localhost:6379"
	cfg.Enricher.Provider = "siem"
	cfg.Enricher.BaseURL = "https://siem.internal.example"
	cfg.Executor.Provider = "supervisor"
	cfg.Executor.BaseURL = "https://supervisor.internal.example"

	components, err := BuildComponents(cfg, nil)
	require.NoError(t, err)
	defer components.Store.Close()

	assert.IsType(t, &feed.RedisStreamListener{}, components.Listener)
	assert.IsType(t, &enrich.SIEMEnricher{}, components.Enricher)
	assert.IsType(t, &executor.SupervisorExecutor{}, components.Executor)
}

func TestBuildComponentsSQLiteStore(t *testing.T) {
	cfg := localConfig()
	cfg.Store.Backend = "sqlite"
	cfg.Store.Path = filepath.Join(t.TempDir(), "outcomes.db")

	components, err := BuildComponents(cfg, nil)
	require.NoError(t, err)
	defer components.Store.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	assert.NoError(t, components.Store.HealthCheck(ctx))
}

func TestBuildComponentsUnknownProviders(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*core.Config)
	}{
		{"store", func(c *core.Config) { c.Store.Backend = "dynamo" }},
		{"feed", func(c *core.Config) { c.Feed.Provider = "kafka" }},
		{"enricher", func(c *core.Config) { c.Enricher.Provider = "oracle" }},
		{"executor", func(c *core.Config) { c.Executor.Provider = "nomad" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := localConfig()
			tt.mutate(cfg)

			_, err := BuildComponents(cfg, nil)
			require.Error(t, err)
			assert.ErrorIs(t, err, core.ErrInvalidConfiguration)
		})
	}
}

func TestNewWithConfigNil(t *testing.T) {
	_, err := NewWithConfig(nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, core.ErrMissingConfiguration)
}

func TestNewWiresAgentAndServer(t *testing.T) {
	m, err := New(
		WithStoreBackend("memory"),
		WithFeedProvider("mock"),
	)
	require.NoError(t, err)

	assert.NotNil(t, m.Agent())
	assert.NotNil(t, m.Server())
	assert.NotNil(t, m.Logger())
	assert.Equal(t, "mock", m.Config().Feed.Provider)
	assert.Equal(t, "memory", m.Config().Store.Backend)
	assert.Equal(t, core.ModeObserver, m.Agent().Mode())

	// Shutdown before Run is a no-op on both halves and must not error.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	assert.NoError(t, m.Shutdown(ctx))
	assert.NoError(t, m.Shutdown(ctx))
}

func TestMedicRunStopsBothSides(t *testing.T) {
	cfg := localConfig()
	cfg.Port = 0 // ephemeral, keeps parallel test runs off each other's ports
	m, err := NewWithConfig(cfg)
	require.NoError(t, err)

	runErr := make(chan error, 1)
	go func() { runErr <- m.Run(context.Background()) }()

	require.Eventually(t, func() bool {
		return m.Agent().Running()
	}, 5*time.Second, 10*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, m.Shutdown(ctx))

	select {
	case err := <-runErr:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after Shutdown")
	}

	assert.False(t, m.Agent().Running())
}
