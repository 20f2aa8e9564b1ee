package telemetry

import "time"

// Health is a point-in-time snapshot of the telemetry system itself.
// The admin API embeds it in the health endpoint so operators can tell
// a quiet agent from one silently dropping its metrics.
type Health struct {
	Initialized        bool    `json:"initialized"`
	Enabled            bool    `json:"enabled"`
	Backend            string  `json:"backend"`
	Emitted            int64   `json:"emitted"`
	Failures           int64   `json:"failures"`
	LastFailure        string  `json:"last_failure,omitempty"`
	UptimeSeconds      float64 `json:"uptime_seconds"`
	LabelValuesTracked int     `json:"label_values_tracked"`
	LabelValuesBudget  int     `json:"label_values_budget"`
	LabelValuesClamped int64   `json:"label_values_clamped"`
}

// Snapshot reports the telemetry system's own health. Before Initialize
// and after Shutdown it reports an uninitialized, disabled system.
func Snapshot() Health {
	r := active.Load()
	if r == nil {
		return Health{Failures: failures.Load()}
	}

	lastFailure := ""
	if v := r.lastFailure.Load(); v != nil {
		lastFailure, _ = v.(string)
	}

	return Health{
		Initialized:        true,
		Enabled:            r.config.Enabled,
		Backend:            "otel",
		Emitted:            r.emitted.Load(),
		Failures:           failures.Load(),
		LastFailure:        lastFailure,
		UptimeSeconds:      time.Since(r.bornAt).Seconds(),
		LabelValuesTracked: r.guard.size(),
		LabelValuesBudget:  r.guard.capacity(),
		LabelValuesClamped: r.guard.clampedCount(),
	}
}
