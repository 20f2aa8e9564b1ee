package core

import (
	"net/http"
	"strconv"
	"strings"
)

// CORSMiddleware adds CORS headers to admin API responses so a review
// dashboard on another origin can call it. Preflight OPTIONS requests
// are answered directly. Disabled config passes requests through
// untouched.
func CORSMiddleware(config *CORSConfig) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !config.Enabled {
				next.ServeHTTP(w, r)
				return
			}

			if origin := r.Header.Get("Origin"); originAllowed(origin, config.AllowedOrigins) {
				header := w.Header()
				header.Set("Access-Control-Allow-Origin", origin)
				if config.AllowCredentials {
					header.Set("Access-Control-Allow-Credentials", "true")
				}
				if len(config.AllowedMethods) > 0 {
					header.Set("Access-Control-Allow-Methods", strings.Join(config.AllowedMethods, ", "))
				}
				if len(config.AllowedHeaders) > 0 {
					header.Set("Access-Control-Allow-Headers", strings.Join(config.AllowedHeaders, ", "))
				}
				if len(config.ExposedHeaders) > 0 {
					header.Set("Access-Control-Expose-Headers", strings.Join(config.ExposedHeaders, ", "))
				}
				if config.MaxAge > 0 {
					header.Set("Access-Control-Max-Age", strconv.Itoa(config.MaxAge))
				}
			}

			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// originAllowed matches an Origin header against the configured allow
// list. Besides exact matches it accepts "*" for any origin,
// "*.example.com" style subdomain wildcards, and "http://localhost:*"
// style port wildcards for local dashboards. Same-origin requests
// (no Origin header) never match; they need no CORS headers.
func originAllowed(origin string, allowed []string) bool {
	if origin == "" {
		return false
	}
	for _, pattern := range allowed {
		switch {
		case pattern == "*", pattern == origin:
			return true
		case strings.Contains(pattern, "*."):
			if matchSubdomain(origin, pattern) {
				return true
			}
		case strings.HasSuffix(pattern, ":*"):
			base := strings.TrimSuffix(pattern, ":*")
			if strings.HasPrefix(origin, base+":") {
				return true
			}
		}
	}
	return false
}

// matchSubdomain checks origin against a "*." wildcard pattern. The
// wildcard must stand in for at least one label; the bare apex does
// not match.
func matchSubdomain(origin, pattern string) bool {
	idx := strings.Index(pattern, "*.")
	prefix, suffix := pattern[:idx], pattern[idx+2:]
	if !strings.HasPrefix(origin, prefix) || !strings.HasSuffix(origin, suffix) {
		return false
	}
	middle := strings.TrimSuffix(origin[len(prefix):], suffix)
	return len(middle) > 0
}
