package telemetry

import "time"

// Config holds the telemetry settings the agent exposes. The zero value
// is usable: ServiceName defaults, spans go to stdout, and the default
// label budgets apply.
type Config struct {
	Enabled     bool
	ServiceName string

	// Endpoint is the OTLP/gRPC collector address. Empty or "stdout"
	// writes spans to stdout instead of exporting them.
	Endpoint string

	// SamplingRate applies to trace spans only; metrics are never
	// sampled. Values outside (0, 1) sample every span.
	SamplingRate float64

	// LabelLimits caps the distinct values tracked per metric label.
	// Nil selects DefaultLabelLimits.
	LabelLimits map[string]int

	// ErrorLogInterval is the minimum gap between logged emission
	// failures for the same metric. Zero means one second.
	ErrorLogInterval time.Duration
}

// DefaultLabelLimits bounds the label dimensions that carry outside
// input. target_module comes straight off the kill stream, so it gets a
// real budget; the rest are closed enums that only grow on agent bugs.
func DefaultLabelLimits() map[string]int {
	return map[string]int{
		"target_module": 200,
		"error_type":    50,
		"kill_reason":   10,
		"severity":      10,
		"outcome_type":  10,
		"decision":      10,
	}
}

func (c Config) withDefaults() Config {
	if c.ServiceName == "" {
		c.ServiceName = "medic-agent"
	}
	if c.LabelLimits == nil {
		c.LabelLimits = DefaultLabelLimits()
	}
	if c.ErrorLogInterval <= 0 {
		c.ErrorLogInterval = time.Second
	}
	return c
}
