package server

import (
	"fmt"
	"log/slog"
	"net/http"
	"runtime/debug"
	"time"
)

// Middleware wraps a handler.
type Middleware func(http.Handler) http.Handler

// Chain applies middleware so the first one listed runs outermost.
func Chain(h http.Handler, mw ...Middleware) http.Handler {
	for i := len(mw) - 1; i >= 0; i-- {
		h = mw[i](h)
	}
	return h
}

var sensitiveHeaders = map[string]bool{
	"Authorization":       true,
	"Cookie":              true,
	"X-Api-Key":           true,
	"X-Signature":         true,
	"Plaid-Verification":  true,
	"Bridgeapi-Signature": true,
}

// MaskHeaders flattens headers for logging with signatures and credentials replaced.
func MaskHeaders(h http.Header) map[string]string {
	out := make(map[string]string, len(h))
	for k, v := range h {
		key := http.CanonicalHeaderKey(k)
		if sensitiveHeaders[key] {
			out[key] = "***"
			continue
		}
		if len(v) > 0 {
			out[key] = v[0]
		}
	}
	return out
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Logging logs each request and its outcome. Bodies are never logged; they carry
// account data.
func Logging(logger *slog.Logger) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

			logger.Debug("Request",
				"method", r.Method,
				"path", r.URL.Path,
				"headers", MaskHeaders(r.Header))

			next.ServeHTTP(rec, r)

			logger.Info("Response",
				"method", r.Method,
				"path", r.URL.Path,
				"status", rec.status,
				"duration", time.Since(start))
		})
	}
}

// Recovery turns a panic into a 500 response.
func Recovery(logger *slog.Logger) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					logger.Error("Panic serving request",
						"path", r.URL.Path,
						"panic", fmt.Sprint(rec),
						"stack", string(debug.Stack()))
					writeJSON(w, http.StatusInternalServerError, Failure(http.StatusInternalServerError, nil))
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}
