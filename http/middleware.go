package http

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/stashgate/stashgate"
	"github.com/stashgate/stashgate/metrics"
)

type contextKey string

const userIDKey contextKey = "userID"

// IdentityMiddleware lifts the verified caller identity out of headerName
// into the request context. Identity verification itself happens upstream
// (gateway or session layer); this service only consumes the result.
func IdentityMiddleware(headerName string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if id := r.Header.Get(headerName); id != "" {
				r = r.WithContext(context.WithValue(r.Context(), userIDKey, id))
			}
			next.ServeHTTP(w, r)
		})
	}
}

// RequireIdentity rejects requests that carry no verified identity.
func RequireIdentity(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if UserID(r.Context()) == "" {
			HandleError(w, stashgate.ErrUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// UserID returns the verified caller identity, or "" for anonymous requests.
func UserID(ctx context.Context) string {
	id, _ := ctx.Value(userIDKey).(string)
	return id
}

// LoggingMiddleware logs one line per request with route, status and timing.
func LoggingMiddleware(log *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			next.ServeHTTP(ww, r)

			log.InfoContext(r.Context(), "request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.Status(),
				"bytes", ww.BytesWritten(),
				"duration", time.Since(start),
				"remote", r.RemoteAddr,
			)
		})
	}
}

// MetricsMiddleware records request counts and latency per route pattern.
func MetricsMiddleware(m *metrics.Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			m.RequestsInFlight.Inc()
			next.ServeHTTP(ww, r)
			m.RequestsInFlight.Dec()

			route := chi.RouteContext(r.Context()).RoutePattern()
			if route == "" {
				route = "unmatched"
			}
			m.RequestsTotal.WithLabelValues(r.Method, route, statusClass(ww.Status())).Inc()
			m.RequestDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
		})
	}
}

func statusClass(status int) string {
	if status == 0 {
		status = http.StatusOK
	}
	return strconv.Itoa(status/100) + "xx"
}
