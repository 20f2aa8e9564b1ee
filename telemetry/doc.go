// Package telemetry provides metrics and tracing for the medic agent.
//
// The package is initialized once from main() and used everywhere else
// through package-level functions that are safe to call before, during,
// and after initialization:
//
//	func main() {
//	    err := telemetry.Initialize(telemetry.Config{
//	        Enabled:     true,
//	        ServiceName: cfg.Name,
//	        Endpoint:    cfg.Telemetry.Endpoint,
//	    })
//	    if err != nil {
//	        // The agent still runs; metrics become no-ops.
//	        log.Printf("telemetry disabled: %v", err)
//	    }
//	    defer telemetry.Shutdown(context.Background())
//	}
//
// # Emitting metrics
//
// Most call sites use the simple API:
//
//	telemetry.Counter(telemetry.MetricDecisionsTotal, "decision", "AUTO_APPROVE")
//	telemetry.Histogram(telemetry.MetricDecisionDuration, elapsedMs, "target_module", mod)
//	defer telemetry.TimeOperation(telemetry.MetricEnrichmentDuration)()
//
// Metric names ending in "_ms" or ".duration" are exported as histograms;
// everything else is exported as a counter. Gauge is for current-value
// metrics such as feed lag and the active threshold version.
//
// # Declaring metrics
//
// Packages declare their metrics from init() with DeclareMetrics. The
// declarations are buffered until Initialize runs, so declaration order
// does not matter. See modules.go for the agent's own declarations.
//
// # Tracing
//
// Provider returns a core.Telemetry implementation backed by
// OpenTelemetry. The dispatcher opens one span per kill event. With an
// empty endpoint, spans are written to stdout; otherwise they are
// exported over OTLP/gRPC.
//
// # Safety
//
// Emission never blocks the decision pipeline. A label guard collapses
// unbounded label values (module names from a hostile feed, error
// strings) into "other", and emission errors are rate-limited in the
// logs. Snapshot reports the telemetry system's own health and is
// embedded in the admin API's health endpoint.
package telemetry
