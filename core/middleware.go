package core

import (
	"net/http"
	"time"
)

// statusRecorder wraps http.ResponseWriter to capture the status code
// for access logging.
type statusRecorder struct {
	http.ResponseWriter
	status  int
	written bool
}

func (rec *statusRecorder) WriteHeader(code int) {
	if !rec.written {
		rec.status = code
		rec.written = true
		rec.ResponseWriter.WriteHeader(code)
	}
}

func (rec *statusRecorder) Write(b []byte) (int, error) {
	if !rec.written {
		rec.status = http.StatusOK
		rec.written = true
	}
	return rec.ResponseWriter.Write(b)
}

// slowRequestThreshold marks admin API calls worth logging even when
// they succeed. Store-backed queries should stay well under this.
const slowRequestThreshold = time.Second

// LoggingMiddleware logs admin API traffic with structured fields.
// In development mode every request is logged; in production only
// errors and slow requests are, so routine operator polling stays
// out of the logs.
func LoggingMiddleware(logger Logger, devMode bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

			next.ServeHTTP(rec, r)

			elapsed := time.Since(start)
			if logger == nil {
				return
			}
			if !devMode && rec.status < 400 && elapsed <= slowRequestThreshold {
				return
			}

			fields := map[string]interface{}{
				"method":      r.Method,
				"path":        r.URL.Path,
				"status":      rec.status,
				"duration_ms": elapsed.Milliseconds(),
				"remote_addr": r.RemoteAddr,
			}
			if r.URL.RawQuery != "" {
				fields["query"] = r.URL.RawQuery
			}

			if cal, ok := logger.(ContextAwareLogger); ok {
				switch {
				case rec.status >= 500:
					cal.ErrorWithContext(r.Context(), "Admin API request failed", fields)
				case rec.status >= 400:
					cal.WarnWithContext(r.Context(), "Admin API request rejected", fields)
				case elapsed > slowRequestThreshold:
					cal.WarnWithContext(r.Context(), "Admin API request slow", fields)
				default:
					cal.InfoWithContext(r.Context(), "Admin API request", fields)
				}
				return
			}
			switch {
			case rec.status >= 500:
				logger.Error("Admin API request failed", fields)
			case rec.status >= 400:
				logger.Warn("Admin API request rejected", fields)
			case elapsed > slowRequestThreshold:
				logger.Warn("Admin API request slow", fields)
			default:
				logger.Info("Admin API request", fields)
			}
		})
	}
}
