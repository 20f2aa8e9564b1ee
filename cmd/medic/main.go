// Command medic runs the resurrection decision agent: it consumes kill
// events from the feed, decides whether the killed module comes back,
// executes approved resurrections, and serves the operator review API.
//
// Usage:
//
//	medic                          # defaults + MEDIC_* environment
//	medic -config medic.yaml       # explicit config file
//	medic -mode live               # override operating mode
//	medic -mock                    # in-memory feed, no Redis required
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sentinelops/medic"
	"github.com/sentinelops/medic/core"
	"github.com/sentinelops/medic/telemetry"
)

func main() {
	var (
		configPath  = flag.String("config", "", "path to YAML or JSON config file (default: $MEDIC_CONFIG_FILE)")
		mode        = flag.String("mode", "", "override operating mode: observer or live")
		mock        = flag.Bool("mock", false, "use the in-memory mock feed instead of Redis")
		showVersion = flag.Bool("version", false, "print version and exit")
	)
	flag.Parse()

	if *showVersion {
		fmt.Println(medic.VersionString())
		return
	}

	if err := run(*configPath, *mode, *mock); err != nil {
		fmt.Fprintf(os.Stderr, "medic: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath, modeOverride string, mock bool) error {
	var opts []medic.Option
	if configPath != "" {
		opts = append(opts, medic.WithConfigFile(configPath))
	}
	if modeOverride != "" {
		parsed, err := core.ParseAgentMode(modeOverride)
		if err != nil {
			return err
		}
		opts = append(opts, medic.WithMode(parsed))
	}
	if mock {
		opts = append(opts, medic.WithFeedProvider("mock"))
	}

	m, err := medic.New(opts...)
	if err != nil {
		return err
	}

	cfg := m.Config()
	logger := m.Logger()

	if cfg.Telemetry.Enabled {
		if err := telemetry.Initialize(telemetry.Config{
			Enabled:     true,
			ServiceName: cfg.Telemetry.ServiceName,
			Endpoint:    cfg.Telemetry.Endpoint,
		}); err != nil {
			// Metrics are not worth refusing to start over.
			logger.Warn("Telemetry initialization failed", map[string]interface{}{
				"error": err.Error(),
			})
		} else {
			if provider := telemetry.Provider(); provider != nil {
				m.Agent().SetTelemetry(provider)
			}
			defer func() {
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				if err := telemetry.Shutdown(ctx); err != nil {
					logger.Warn("Telemetry shutdown failed", map[string]interface{}{
						"error": err.Error(),
					})
				}
			}()
		}
	}

	logger.Info("Medic agent starting", map[string]interface{}{
		"version": medic.Version,
		"mode":    cfg.Mode,
		"feed":    cfg.Feed.Provider,
		"store":   cfg.Store.Backend,
		"port":    cfg.Port,
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	runErr := make(chan error, 1)
	go func() { runErr <- m.Run(ctx) }()

	select {
	case err := <-runErr:
		return err
	case <-ctx.Done():
		stop()
		logger.Info("Shutdown signal received, draining", nil)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer cancel()
	if err := m.Shutdown(shutdownCtx); err != nil {
		return err
	}
	<-runErr

	logger.Info("Medic agent stopped", nil)
	return nil
}
