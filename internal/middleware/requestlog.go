// Package middleware provides HTTP middleware for CORS handling, client IP
// resolution, rate limiting, and request context and access logging.
package middleware

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/heartbridge/backend/internal/logging"
	"github.com/heartbridge/backend/internal/services"
)

// RequestContextMiddleware adds request attributes to context early in the middleware chain.
func RequestContextMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attrs := &logging.RequestAttrs{
			Method: r.Method,
			Path:   r.URL.Path,
			IP:     logging.ExtractClientIP(r),
		}
		ctx := logging.WithRequestAttrs(r.Context(), attrs)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// PerformanceContextMiddleware adds the {id} route parameter to the request
// attributes. Mount it inside a route that declares {id}.
func PerformanceContextMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if id := chi.URLParam(r, "id"); id != "" {
			ctx := logging.WithPerformanceID(r.Context(), services.NormalizePerformanceID(id))
			r = r.WithContext(ctx)
		}
		next.ServeHTTP(w, r)
	})
}

// RequestLogger writes one access log line per request. Health checks and
// metric scrapes are skipped.
func RequestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" || r.URL.Path == "/metrics" {
			next.ServeHTTP(w, r)
			return
		}

		ww := chimiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)

		fields := logging.RequestFields(r.Context())
		fields = append(fields,
			slog.Int("status", ww.Status()),
			slog.Int("bytes", ww.BytesWritten()),
			slog.Duration("duration", time.Since(start)),
			slog.String("request_id", chimiddleware.GetReqID(r.Context())),
		)
		slog.InfoContext(r.Context(), "request", fields...)
	})
}
