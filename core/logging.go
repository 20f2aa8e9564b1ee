package core

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"
)

// LogLevel controls which entries a logger emits.
type LogLevel int

const (
	LogLevelDebug LogLevel = iota
	LogLevelInfo
	LogLevelWarn
	LogLevelError
)

// String returns the upper-case level name used in log output.
func (l LogLevel) String() string {
	switch l {
	case LogLevelDebug:
		return "DEBUG"
	case LogLevelInfo:
		return "INFO"
	case LogLevelWarn:
		return "WARN"
	case LogLevelError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// ParseLogLevel maps a configuration string to a LogLevel, defaulting to info.
func ParseLogLevel(s string) LogLevel {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return LogLevelDebug
	case "warn", "warning":
		return LogLevelWarn
	case "error":
		return LogLevelError
	default:
		return LogLevelInfo
	}
}

// ProductionLogger is the standard structured logger. JSON format emits one
// object per line with service, component, level, message, and caller
// fields; text format is for human-readable local development and omits the
// component field. Safe for concurrent use.
type ProductionLogger struct {
	level          LogLevel
	serviceName    string
	component      string
	format         string
	output         io.Writer
	metricsEnabled bool
	mu             sync.Mutex
}

// NewProductionLogger builds a logger from the logging and development
// configuration sections. Development pretty-log mode forces text format.
func NewProductionLogger(config LoggingConfig, dev DevelopmentConfig, serviceName string) Logger {
	format := config.Format
	if dev.Enabled && dev.PrettyLogs {
		format = "text"
	}
	if format == "" {
		format = "json"
	}

	var out io.Writer
	switch config.Output {
	case "stderr":
		out = os.Stderr
	default:
		out = os.Stdout
	}

	return &ProductionLogger{
		level:       ParseLogLevel(config.Level),
		serviceName: serviceName,
		component:   "medic/core",
		format:      format,
		output:      out,
	}
}

// WithComponent returns a new logger instance emitting the given component
// tag. The parent logger is unchanged.
func (l *ProductionLogger) WithComponent(component string) Logger {
	return &ProductionLogger{
		level:          l.level,
		serviceName:    l.serviceName,
		component:      component,
		format:         l.format,
		output:         l.output,
		metricsEnabled: l.metricsEnabled,
	}
}

func (l *ProductionLogger) Info(msg string, fields map[string]interface{}) {
	l.log(LogLevelInfo, msg, fields)
}

func (l *ProductionLogger) Error(msg string, fields map[string]interface{}) {
	l.log(LogLevelError, msg, fields)
}

func (l *ProductionLogger) Warn(msg string, fields map[string]interface{}) {
	l.log(LogLevelWarn, msg, fields)
}

func (l *ProductionLogger) Debug(msg string, fields map[string]interface{}) {
	l.log(LogLevelDebug, msg, fields)
}

// Context-aware variants attach the active trace identifiers so log lines
// can be joined with distributed traces.

func (l *ProductionLogger) InfoWithContext(ctx context.Context, msg string, fields map[string]interface{}) {
	l.log(LogLevelInfo, msg, l.withTrace(ctx, fields))
}

func (l *ProductionLogger) ErrorWithContext(ctx context.Context, msg string, fields map[string]interface{}) {
	l.log(LogLevelError, msg, l.withTrace(ctx, fields))
}

func (l *ProductionLogger) WarnWithContext(ctx context.Context, msg string, fields map[string]interface{}) {
	l.log(LogLevelWarn, msg, l.withTrace(ctx, fields))
}

func (l *ProductionLogger) DebugWithContext(ctx context.Context, msg string, fields map[string]interface{}) {
	l.log(LogLevelDebug, msg, l.withTrace(ctx, fields))
}

func (l *ProductionLogger) withTrace(ctx context.Context, fields map[string]interface{}) map[string]interface{} {
	return TraceFields(trace.SpanContextFromContext(ctx), fields)
}

func (l *ProductionLogger) log(level LogLevel, msg string, fields map[string]interface{}) {
	if level < l.level {
		return
	}

	now := time.Now().UTC()

	if l.format == "json" {
		entry := make(map[string]interface{}, len(fields)+5)
		for k, v := range fields {
			entry[k] = v
		}
		entry["timestamp"] = now.Format(time.RFC3339Nano)
		entry["level"] = level.String()
		entry["service"] = l.serviceName
		entry["component"] = l.component
		entry["message"] = msg

		data, err := json.Marshal(entry)
		if err != nil {
			// Fall back to a plain line rather than dropping the entry.
			data = []byte(fmt.Sprintf(`{"level":%q,"service":%q,"message":%q,"marshal_error":%q}`,
				level.String(), l.serviceName, msg, err.Error()))
		}

		l.mu.Lock()
		defer l.mu.Unlock()
		_, _ = l.output.Write(append(data, '\n'))
		return
	}

	// Text format: timestamp [LEVEL] [service] message k=v ...
	var b strings.Builder
	b.WriteString(now.Format(time.RFC3339))
	b.WriteString(" [")
	b.WriteString(level.String())
	b.WriteString("] [")
	b.WriteString(l.serviceName)
	b.WriteString("] ")
	b.WriteString(msg)

	if len(fields) > 0 {
		keys := make([]string, 0, len(fields))
		for k := range fields {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(&b, " %s=%v", k, fields[k])
		}
	}
	b.WriteByte('\n')

	l.mu.Lock()
	defer l.mu.Unlock()
	_, _ = l.output.Write([]byte(b.String()))
}

// createComponentLogger derives a component-tagged child when the base
// logger supports it; otherwise it returns the base unchanged.
func createComponentLogger(base Logger, component string) Logger {
	if base == nil {
		return nil
	}
	if cal, ok := base.(ComponentAwareLogger); ok {
		return cal.WithComponent(component)
	}
	return base
}

// Ensure the production logger satisfies every logger contract.
var (
	_ Logger               = (*ProductionLogger)(nil)
	_ ContextAwareLogger   = (*ProductionLogger)(nil)
	_ ComponentAwareLogger = (*ProductionLogger)(nil)
	_ ContextAwareLogger   = (*NoOpLogger)(nil)
)

// TraceFields extracts trace correlation fields from a context, for use
// with the *WithContext logger variants.
func TraceFields(spanCtx trace.SpanContext, fields map[string]interface{}) map[string]interface{} {
	if !spanCtx.IsValid() {
		return fields
	}
	out := make(map[string]interface{}, len(fields)+2)
	for k, v := range fields {
		out[k] = v
	}
	out["trace_id"] = spanCtx.TraceID().String()
	out["span_id"] = spanCtx.SpanID().String()
	return out
}
