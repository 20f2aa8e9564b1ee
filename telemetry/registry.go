package telemetry

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sentinelops/medic/core"
)

// Package state. The registry pointer is behind an atomic so the emit
// path never takes a lock: before Initialize and after Shutdown the
// load returns nil and emission is a silent no-op.
var (
	active    atomic.Pointer[registry]
	setupOnce sync.Once

	// failures counts emissions the backend rejected, kept at package
	// level so the count survives registry teardown in tests.
	failures atomic.Int64

	declarations = struct {
		sync.Mutex
		modules map[string]ModuleConfig
	}{modules: make(map[string]ModuleConfig)}
)

// ModuleConfig lists the metrics one module declares.
type ModuleConfig struct {
	Metrics []MetricDefinition
}

// MetricDefinition describes one metric upfront: its instrument kind,
// the labels it carries, and optional unit and histogram buckets. The
// declarations double as the metric inventory for operators.
type MetricDefinition struct {
	Name    string
	Type    string // counter, histogram, gauge
	Help    string
	Labels  []string
	Unit    string
	Buckets []float64
}

// registry is the assembled telemetry system. One instance lives in the
// active pointer between Initialize and Shutdown.
type registry struct {
	config  Config
	backend *backend
	guard   *labelGuard
	gate    *errorGate
	logger  core.Logger

	emitted     atomic.Int64
	lastFailure atomic.Value // string
	bornAt      time.Time
}

// DeclareMetrics registers a module's metric definitions. Safe to call
// from init(); declarations are buffered until Initialize and their
// instruments are created eagerly so first emission pays no setup cost.
func DeclareMetrics(module string, config ModuleConfig) {
	declarations.Lock()
	defer declarations.Unlock()
	declarations.modules[module] = config
}

// Initialize activates the telemetry system. Only the first call takes
// effect; later calls return the first call's result shape (nil). If
// initialization fails the emit functions keep working as no-ops, so a
// missing collector never stops the agent.
func Initialize(config Config) error {
	var initErr error
	setupOnce.Do(func() {
		config = config.withDefaults()
		logger := bootLogger(config.ServiceName)

		logger.Info("Telemetry starting", map[string]interface{}{
			"service_name":  config.ServiceName,
			"endpoint":      config.Endpoint,
			"sampling_rate": config.SamplingRate,
		})

		backend, err := newBackend(config)
		if err != nil {
			initErr = err
			logger.Error("Telemetry initialization failed", map[string]interface{}{
				"error":    err.Error(),
				"endpoint": config.Endpoint,
				"impact":   "metrics and spans will be dropped",
			})
			return
		}

		r := &registry{
			config:  config,
			backend: backend,
			guard:   newLabelGuard(config.LabelLimits),
			gate:    newErrorGate(config.ErrorLogInterval),
			logger:  logger,
			bornAt:  time.Now(),
		}
		r.lastFailure.Store("")
		r.warmDeclared()

		active.Store(r)
		logger.Info("Telemetry ready", map[string]interface{}{
			"declared_modules": declaredModuleCount(),
			"label_budget":     r.guard.capacity(),
		})
	})
	return initErr
}

// warmDeclared pre-creates instruments for every declared metric so the
// hot path never hits instrument creation.
func (r *registry) warmDeclared() {
	declarations.Lock()
	defer declarations.Unlock()
	for _, module := range declarations.modules {
		for _, m := range module.Metrics {
			switch m.Type {
			case "counter":
				_, _ = r.backend.instruments.counter(m.Name)
			case "histogram":
				_, _ = r.backend.instruments.histogram(m.Name)
			}
		}
	}
}

func declaredModuleCount() int {
	declarations.Lock()
	defer declarations.Unlock()
	return len(declarations.modules)
}

func declaredModule(module string) (ModuleConfig, bool) {
	declarations.Lock()
	defer declarations.Unlock()
	config, ok := declarations.modules[module]
	return config, ok
}

// Emit records one metric sample. The name picks the instrument: "_ms"
// and ".duration" suffixes route to a histogram, everything else to a
// counter. No-op before Initialize and after Shutdown.
func Emit(name string, value float64, labels ...string) {
	r := active.Load()
	if r == nil {
		return
	}
	if err := r.send(name, value, labelMap(labels), false); err != nil {
		r.noteFailure(name, err)
	}
}

// send clamps label values and hands the sample to the backend. gauge
// forces histogram routing regardless of the metric name.
func (r *registry) send(name string, value float64, labels map[string]string, gauge bool) error {
	for label, val := range labels {
		if clamped := r.guard.clamp(name, label, val); clamped != val {
			labels[label] = clamped
		}
	}

	var err error
	if gauge {
		err = r.backend.observe(name, value, labels)
	} else {
		err = r.backend.push(name, value, labels)
	}
	if err != nil {
		return err
	}
	r.emitted.Add(1)
	return nil
}

func (r *registry) noteFailure(name string, err error) {
	failures.Add(1)
	r.lastFailure.Store(err.Error())
	if r.gate.allow(name) {
		r.logger.Error("Metric emission failed", map[string]interface{}{
			"metric": name,
			"error":  err.Error(),
		})
	}
}

// labelMap folds variadic "key, value, key, value" pairs into a map. An
// odd trailing key is dropped.
func labelMap(labels []string) map[string]string {
	m := make(map[string]string, len(labels)/2)
	for i := 0; i+1 < len(labels); i += 2 {
		m[labels[i]] = labels[i+1]
	}
	return m
}

// bootLogger builds the component logger the telemetry system itself
// logs through. Self-contained so telemetry can log before the agent's
// own logger exists.
func bootLogger(serviceName string) core.Logger {
	base := core.NewProductionLogger(core.LoggingConfig{
		Level:  "info",
		Format: "json",
		Output: "stdout",
	}, core.DevelopmentConfig{}, serviceName)
	if cal, ok := base.(core.ComponentAwareLogger); ok {
		return cal.WithComponent("medic/telemetry")
	}
	return base
}

// Provider returns the active span provider for components that accept
// a core.Telemetry, or nil before Initialize and after Shutdown.
func Provider() core.Telemetry {
	if r := active.Load(); r != nil {
		return r.backend
	}
	return nil
}

// Shutdown flushes pending spans and deactivates the system. Emission
// becomes a no-op again. Safe to call without Initialize.
func Shutdown(ctx context.Context) error {
	r := active.Swap(nil)
	if r == nil {
		return nil
	}

	r.logger.Info("Telemetry stopping", map[string]interface{}{
		"emitted":   r.emitted.Load(),
		"uptime_ms": time.Since(r.bornAt).Milliseconds(),
	})
	return r.backend.Shutdown(ctx)
}
