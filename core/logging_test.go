package core

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestProductionLoggerImplementsComponentAwareLogger verifies that
// ProductionLogger implements the ComponentAwareLogger interface
func TestProductionLoggerImplementsComponentAwareLogger(t *testing.T) {
	logger := NewProductionLogger(
		LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
		DevelopmentConfig{},
		"test-service",
	)

	_, ok := logger.(ComponentAwareLogger)
	assert.True(t, ok, "ProductionLogger should implement ComponentAwareLogger interface")
}

// TestWithComponentCreatesNewLogger verifies that WithComponent creates a new
// logger instance with the specified component
func TestWithComponentCreatesNewLogger(t *testing.T) {
	parentLogger := NewProductionLogger(
		LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
		DevelopmentConfig{},
		"test-service",
	)

	cal, ok := parentLogger.(ComponentAwareLogger)
	require.True(t, ok, "ProductionLogger should implement ComponentAwareLogger")

	childLogger := cal.WithComponent("medic/agent")

	assert.NotSame(t, parentLogger, childLogger, "WithComponent should create a new logger instance")

	_, ok = childLogger.(ComponentAwareLogger)
	assert.True(t, ok, "Child logger should also implement ComponentAwareLogger")
}

// TestWithComponentPreservesConfiguration verifies that WithComponent
// preserves the parent logger's configuration (level, format, serviceName)
func TestWithComponentPreservesConfiguration(t *testing.T) {
	parentLogger := NewProductionLogger(
		LoggingConfig{
			Level:  "debug",
			Format: "json",
			Output: "stdout",
		},
		DevelopmentConfig{},
		"parent-service",
	)

	cal, ok := parentLogger.(ComponentAwareLogger)
	require.True(t, ok)

	childLogger := cal.WithComponent("medic/learning")

	parentPL, ok := parentLogger.(*ProductionLogger)
	require.True(t, ok)

	childPL, ok := childLogger.(*ProductionLogger)
	require.True(t, ok)

	assert.Equal(t, parentPL.level, childPL.level, "Log level should be preserved")
	assert.Equal(t, parentPL.serviceName, childPL.serviceName, "Service name should be preserved")
	assert.Equal(t, parentPL.format, childPL.format, "Format should be preserved")

	assert.NotEqual(t, parentPL.component, childPL.component, "Component should be different")
	assert.Equal(t, "medic/learning", childPL.component, "Child should have new component")
}

// TestLogOutputIncludesComponent verifies that log output includes the
// component field
func TestLogOutputIncludesComponent(t *testing.T) {
	var buf bytes.Buffer

	logger := &ProductionLogger{
		level:       LogLevelInfo,
		serviceName: "test-service",
		component:   "medic/core",
		format:      "json",
		output:      &buf,
	}

	logger.Info("test message", map[string]interface{}{
		"key": "value",
	})

	var logEntry map[string]interface{}
	err := json.Unmarshal(buf.Bytes(), &logEntry)
	require.NoError(t, err, "Log output should be valid JSON")

	component, ok := logEntry["component"]
	assert.True(t, ok, "Log entry should have component field")
	assert.Equal(t, "medic/core", component, "Component should match")

	assert.Equal(t, "test-service", logEntry["service"])
	assert.Equal(t, "INFO", logEntry["level"])
	assert.Equal(t, "test message", logEntry["message"])
	assert.Equal(t, "value", logEntry["key"])
}

// TestWithComponentChangesLogOutput verifies that WithComponent changes the
// component field in log output
func TestWithComponentChangesLogOutput(t *testing.T) {
	var buf bytes.Buffer

	parentLogger := &ProductionLogger{
		level:       LogLevelInfo,
		serviceName: "test-service",
		component:   "medic/core",
		format:      "json",
		output:      &buf,
	}

	childLogger := parentLogger.WithComponent("medic/feed")

	childLogger.Info("child message", nil)

	var logEntry map[string]interface{}
	err := json.Unmarshal(buf.Bytes(), &logEntry)
	require.NoError(t, err, "Log output should be valid JSON")

	component, ok := logEntry["component"]
	assert.True(t, ok, "Log entry should have component field")
	assert.Equal(t, "medic/feed", component, "Component should be child's component")
}

// TestDefaultComponentIsMedicCore verifies that new loggers default to the
// medic/core component
func TestDefaultComponentIsMedicCore(t *testing.T) {
	logger := NewProductionLogger(
		LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
		DevelopmentConfig{},
		"test-service",
	)

	pl, ok := logger.(*ProductionLogger)
	require.True(t, ok)

	assert.Equal(t, "medic/core", pl.component, "Default component should be medic/core")
}

// TestLevelFiltering verifies that entries below the configured level are
// suppressed
func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer

	logger := &ProductionLogger{
		level:       LogLevelWarn,
		serviceName: "test-service",
		component:   "medic/core",
		format:      "json",
		output:      &buf,
	}

	logger.Debug("should not appear", nil)
	logger.Info("should not appear either", nil)
	assert.Zero(t, buf.Len(), "Debug and info should be filtered at warn level")

	logger.Warn("should appear", nil)
	assert.NotZero(t, buf.Len(), "Warn should pass the filter")

	var logEntry map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &logEntry))
	assert.Equal(t, "WARN", logEntry["level"])
}

// TestTextFormatOutput verifies that text format produces human-readable
// output with the level and message
func TestTextFormatOutput(t *testing.T) {
	var buf bytes.Buffer

	logger := &ProductionLogger{
		level:       LogLevelInfo,
		serviceName: "test-service",
		component:   "medic/core",
		format:      "text",
		output:      &buf,
	}

	logger.Info("resurrection approved", map[string]interface{}{
		"module": "cache-service",
	})

	out := buf.String()
	assert.Contains(t, out, "[INFO]")
	assert.Contains(t, out, "[test-service]")
	assert.Contains(t, out, "resurrection approved")
	assert.Contains(t, out, "module=cache-service")
}

// TestContextVariantsWithoutSpan verifies that the *WithContext methods work
// with a plain context (no active span) and add no trace fields
func TestContextVariantsWithoutSpan(t *testing.T) {
	var buf bytes.Buffer

	logger := &ProductionLogger{
		level:       LogLevelInfo,
		serviceName: "test-service",
		component:   "medic/core",
		format:      "json",
		output:      &buf,
	}

	logger.InfoWithContext(context.Background(), "no span here", nil)

	var logEntry map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &logEntry))
	assert.Equal(t, "no span here", logEntry["message"])
	_, hasTrace := logEntry["trace_id"]
	assert.False(t, hasTrace, "No trace_id should be present without an active span")
}

// TestParseLogLevel verifies the level parsing table
func TestParseLogLevel(t *testing.T) {
	testCases := []struct {
		input    string
		expected LogLevel
	}{
		{"debug", LogLevelDebug},
		{"DEBUG", LogLevelDebug},
		{"info", LogLevelInfo},
		{"warn", LogLevelWarn},
		{"warning", LogLevelWarn},
		{"error", LogLevelError},
		{"", LogLevelInfo},
		{"garbage", LogLevelInfo},
	}

	for _, tc := range testCases {
		t.Run("level "+tc.input, func(t *testing.T) {
			assert.Equal(t, tc.expected, ParseLogLevel(tc.input))
		})
	}
}

// TestComponentNamingConventions verifies common component naming patterns
func TestComponentNamingConventions(t *testing.T) {
	testCases := []struct {
		name      string
		component string
	}{
		{"core", "medic/core"},
		{"agent", "medic/agent"},
		{"risk", "medic/risk"},
		{"decision", "medic/decision"},
		{"learning", "medic/learning"},
		{"feed", "medic/feed"},
		{"enricher", "medic/enrich"},
		{"executor", "medic/executor"},
		{"api", "medic/api"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			var buf bytes.Buffer

			logger := &ProductionLogger{
				level:       LogLevelInfo,
				serviceName: "test-service",
				component:   "medic/core",
				format:      "json",
				output:      &buf,
			}

			childLogger := logger.WithComponent(tc.component)
			childLogger.Info("test", nil)

			var logEntry map[string]interface{}
			err := json.Unmarshal(buf.Bytes(), &logEntry)
			require.NoError(t, err)

			assert.Equal(t, tc.component, logEntry["component"])
		})
	}
}

// TestCreateComponentLoggerHelper verifies the createComponentLogger helper
func TestCreateComponentLoggerHelper(t *testing.T) {
	t.Run("with component-aware logger", func(t *testing.T) {
		baseLogger := NewProductionLogger(
			LoggingConfig{
				Level:  "info",
				Format: "json",
				Output: "stdout",
			},
			DevelopmentConfig{},
			"test-service",
		)

		result := createComponentLogger(baseLogger, "medic/agent")

		pl, ok := result.(*ProductionLogger)
		require.True(t, ok)
		assert.Equal(t, "medic/agent", pl.component)
	})

	t.Run("with non-component-aware logger", func(t *testing.T) {
		// NoOpLogger doesn't implement ComponentAwareLogger
		baseLogger := &NoOpLogger{}

		result := createComponentLogger(baseLogger, "medic/agent")

		assert.Same(t, baseLogger, result)
	})
}

// TestDevelopmentPrettyLogsForceTextFormat verifies the development override
func TestDevelopmentPrettyLogsForceTextFormat(t *testing.T) {
	logger := NewProductionLogger(
		LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
		DevelopmentConfig{Enabled: true, PrettyLogs: true},
		"test-service",
	)

	pl, ok := logger.(*ProductionLogger)
	require.True(t, ok)
	assert.Equal(t, "text", pl.format, "Pretty logs should force text format")
}

// TestJSONOutputIsOneObjectPerLine verifies each entry is a single JSON line
func TestJSONOutputIsOneObjectPerLine(t *testing.T) {
	var buf bytes.Buffer

	logger := &ProductionLogger{
		level:       LogLevelInfo,
		serviceName: "test-service",
		component:   "medic/core",
		format:      "json",
		output:      &buf,
	}

	logger.Info("first", nil)
	logger.Info("second", nil)

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 2)
	for _, line := range lines {
		var entry map[string]interface{}
		assert.NoError(t, json.Unmarshal([]byte(line), &entry))
	}
}
