package telemetry

import "time"

// Package-level emission helpers. Every function here is safe to call
// before Initialize and after Shutdown; samples are simply dropped.

// Counter increments a counter metric by one. Labels are key-value
// pairs:
//
//	telemetry.Counter(telemetry.MetricDecisionsTotal, "decision", "DENY")
func Counter(name string, labels ...string) {
	Emit(name, 1, labels...)
}

// Histogram records a value in a distribution: risk scores, queue
// depths, anything where percentiles matter.
func Histogram(name string, value float64, labels ...string) {
	Emit(name, value, labels...)
}

// Gauge records a current-value metric: feed lag, active threshold
// version. Gauges bypass the counter/histogram name routing and always
// export as distributions of the observed value.
func Gauge(name string, value float64, labels ...string) {
	r := active.Load()
	if r == nil {
		return
	}
	if err := r.send(name, value, labelMap(labels), true); err != nil {
		r.noteFailure(name, err)
	}
}

// Duration records elapsed time since start in milliseconds:
//
//	start := time.Now()
//	defer telemetry.Duration(telemetry.MetricEnrichmentDuration, start, "provider", "siem")
func Duration(name string, start time.Time, labels ...string) {
	Emit(name, float64(time.Since(start).Milliseconds()), labels...)
}

// RecordError counts an error occurrence under its type.
func RecordError(name string, errorType string, labels ...string) {
	Counter(name, append(labels, "error_type", errorType)...)
}

// TimeOperation times an operation from the call until the returned
// function runs:
//
//	defer telemetry.TimeOperation(telemetry.MetricResurrectionDuration, "target_module", mod)()
func TimeOperation(name string, labels ...string) func() {
	start := time.Now()
	return func() {
		Duration(name, start, labels...)
	}
}
