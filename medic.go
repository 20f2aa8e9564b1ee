// Package medic assembles the resurrection-decision agent from a single
// configuration: the kill feed, threat-intel enricher, runtime executor,
// and outcome store are selected by provider name, the decision pipeline
// is built around them, and the admin HTTP API is served alongside the
// feed loop. Most deployments only need this package and cmd/medic;
// import the subpackages directly to assemble a custom topology:
//   - github.com/sentinelops/medic/core - configuration, models, interfaces
//   - github.com/sentinelops/medic/agent - the dispatcher and learning loop
//   - github.com/sentinelops/medic/api - the admin HTTP surface
package medic

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/sentinelops/medic/agent"
	"github.com/sentinelops/medic/api"
	"github.com/sentinelops/medic/core"
	"github.com/sentinelops/medic/enrich"
	"github.com/sentinelops/medic/executor"
	"github.com/sentinelops/medic/feed"
	"github.com/sentinelops/medic/learning"
)

// Re-export the configuration surface so embedding programs can stay on
// this import path.
type (
	Config    = core.Config
	Option    = core.Option
	AgentMode = core.AgentMode
	Logger    = core.Logger
)

const (
	ModeObserver = core.ModeObserver
	ModeLive     = core.ModeLive
)

var (
	NewConfig     = core.NewConfig
	DefaultConfig = core.DefaultConfig

	WithName              = core.WithName
	WithConfigFile        = core.WithConfigFile
	WithMode              = core.WithMode
	WithPort              = core.WithPort
	WithRedisURL          = core.WithRedisURL
	WithFeedProvider      = core.WithFeedProvider
	WithStoreBackend      = core.WithStoreBackend
	WithStorePath         = core.WithStorePath
	WithEnricher          = core.WithEnricher
	WithExecutor          = core.WithExecutor
	WithCriticalModules   = core.WithCriticalModules
	WithAlwaysDenyModules = core.WithAlwaysDenyModules
	WithTelemetry         = core.WithTelemetry
	WithLogLevel          = core.WithLogLevel
	WithLogFormat         = core.WithLogFormat
)

// Medic bundles the decision agent with its admin HTTP server. Both are
// wired from one configuration and share the outcome store, threshold
// state, and feedback processor, so a manual approval through the API is
// immediately visible to the learning loop.
type Medic struct {
	config *core.Config
	logger core.Logger

	agent  *agent.MedicAgent
	server *api.Server
	store  core.OutcomeStore

	closeStore sync.Once
}

// New builds a fully wired Medic from functional options layered over
// defaults, environment variables, and the optional config file.
func New(opts ...core.Option) (*Medic, error) {
	cfg, err := core.NewConfig(opts...)
	if err != nil {
		return nil, err
	}
	return NewWithConfig(cfg)
}

// NewWithConfig builds a Medic from an already validated configuration.
func NewWithConfig(cfg *core.Config) (*Medic, error) {
	if cfg == nil {
		return nil, &core.AgentError{
			Op:      "medic.NewWithConfig",
			Kind:    "config",
			Message: "nil configuration",
			Err:     core.ErrMissingConfiguration,
		}
	}

	logger := core.NewProductionLogger(cfg.Logging, cfg.Development, cfg.Name)

	components, err := BuildComponents(cfg, logger)
	if err != nil {
		return nil, err
	}

	ag, err := agent.New(cfg, components)
	if err != nil {
		_ = components.Store.Close()
		return nil, err
	}
	ag.SetLogger(logger)

	server, err := api.NewServer(cfg, api.Deps{
		Store:      components.Store,
		Listener:   components.Listener,
		Feedback:   ag.Feedback(),
		Adapter:    ag.Adapter(),
		Thresholds: ag.ThresholdState(),
		Mode:       ag.Mode(),
	})
	if err != nil {
		_ = components.Store.Close()
		return nil, err
	}
	server.SetLogger(logger)

	return &Medic{
		config: cfg,
		logger: logger,
		agent:  ag,
		server: server,
		store:  components.Store,
	}, nil
}

// Run starts the agent and the admin API and blocks until ctx is canceled
// or either side fails. Whichever stops first takes the other down with
// it. The outcome store is closed on the way out.
func (m *Medic) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	defer m.close()

	errCh := make(chan error, 2)
	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		defer cancel()
		if err := m.agent.Run(runCtx); err != nil && !errors.Is(err, context.Canceled) {
			errCh <- err
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		defer cancel()
		if err := m.server.Start(runCtx); err != nil && !errors.Is(err, context.Canceled) {
			errCh <- err
		}
	}()

	wg.Wait()
	close(errCh)
	return <-errCh
}

// Shutdown stops the API first so no new manual approvals land mid-drain,
// then gives in-flight events their store-then-ack window.
func (m *Medic) Shutdown(ctx context.Context) error {
	var firstErr error
	if err := m.server.Shutdown(ctx); err != nil {
		firstErr = err
	}
	if err := m.agent.Shutdown(ctx); err != nil && firstErr == nil {
		firstErr = err
	}
	m.close()
	return firstErr
}

func (m *Medic) close() {
	m.closeStore.Do(func() {
		if err := m.store.Close(); err != nil {
			m.logger.Warn("Closing outcome store failed", map[string]interface{}{
				"error": err.Error(),
			})
		}
	})
}

// Agent returns the decision agent for direct inspection.
func (m *Medic) Agent() *agent.MedicAgent {
	return m.agent
}

// Server returns the admin HTTP server.
func (m *Medic) Server() *api.Server {
	return m.server
}

// Config returns the configuration the assembly was built from.
func (m *Medic) Config() *core.Config {
	return m.config
}

// Logger returns the shared production logger.
func (m *Medic) Logger() core.Logger {
	return m.logger
}

// BuildComponents constructs the adapters named by the configuration. The
// caller owns the returned store's lifetime except when the components go
// straight into NewWithConfig, which closes it through Medic.Run.
func BuildComponents(cfg *core.Config, logger core.Logger) (agent.Components, error) {
	var components agent.Components

	store, err := buildStore(cfg)
	if err != nil {
		return components, err
	}
	listener, err := buildListener(cfg)
	if err != nil {
		_ = store.Close()
		return components, err
	}
	enricher, err := buildEnricher(cfg)
	if err != nil {
		_ = store.Close()
		return components, err
	}
	exec, err := buildExecutor(cfg)
	if err != nil {
		_ = store.Close()
		return components, err
	}

	components = agent.Components{
		Listener: listener,
		Enricher: enricher,
		Executor: exec,
		Store:    store,
	}
	if logger != nil {
		injectLogger(logger, listener, enricher, exec, store)
	}
	return components, nil
}

// injectLogger hands the logger to every component that accepts one.
func injectLogger(logger core.Logger, components ...interface{}) {
	for _, component := range components {
		if aware, ok := component.(interface{ SetLogger(core.Logger) }); ok {
			aware.SetLogger(logger)
		}
	}
}

func buildStore(cfg *core.Config) (core.OutcomeStore, error) {
	switch cfg.Store.Backend {
	case "sqlite":
		return learning.NewSQLiteOutcomeStore(cfg.Store.Path)
	case "memory":
		return learning.NewMemoryOutcomeStore(), nil
	default:
		return nil, unknownProvider("store backend", cfg.Store.Backend)
	}
}

func buildListener(cfg *core.Config) (core.KillEventListener, error) {
	switch cfg.Feed.Provider {
	case "redis":
		return feed.NewRedisStreamListener(cfg.Feed), nil
	case "mock":
		return feed.NewMockListener(), nil
	default:
		return nil, unknownProvider("feed provider", cfg.Feed.Provider)
	}
}

func buildEnricher(cfg *core.Config) (core.Enricher, error) {
	switch cfg.Enricher.Provider {
	case "siem":
		return enrich.NewSIEMEnricher(cfg.Enricher)
	case "noop":
		return enrich.NewNoopEnricher(), nil
	default:
		return nil, unknownProvider("enricher provider", cfg.Enricher.Provider)
	}
}

func buildExecutor(cfg *core.Config) (core.Executor, error) {
	switch cfg.Executor.Provider {
	case "supervisor":
		return executor.NewSupervisorExecutor(cfg.Executor)
	case "dryrun":
		return executor.NewDryRunExecutor(), nil
	default:
		return nil, unknownProvider("executor provider", cfg.Executor.Provider)
	}
}

func unknownProvider(what, value string) error {
	return &core.AgentError{
		Op:      "medic.BuildComponents",
		Kind:    "config",
		Message: fmt.Sprintf("unknown %s %q", what, value),
		Err:     core.ErrInvalidConfiguration,
	}
}
