// Package api provides the REST API server that triggers and inspects
// orchestration runs.
package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	v0 "github.com/thrifts-za/protenders-platform-sub003/internal/api/v0"
	"github.com/thrifts-za/protenders-platform-sub003/internal/logger"
	"github.com/thrifts-za/protenders-platform-sub003/internal/service"
	"github.com/thrifts-za/protenders-platform-sub003/internal/telemetry"
)

// ServerOption configures the API server
type ServerOption func(*serverConfig)

type serverConfig struct {
	middlewares []func(http.Handler) http.Handler
	metrics     *telemetry.Metrics
}

// WithMiddlewares adds middleware to the server
func WithMiddlewares(mw ...func(http.Handler) http.Handler) ServerOption {
	return func(cfg *serverConfig) {
		cfg.middlewares = append(cfg.middlewares, mw...)
	}
}

// WithMetrics wires Prometheus instrumentation and the /metrics endpoint
func WithMetrics(metrics *telemetry.Metrics) ServerOption {
	return func(cfg *serverConfig) {
		cfg.metrics = metrics
	}
}

// NewServer creates and configures the HTTP router with the given trigger
// service, route defaults and options
func NewServer(svc service.TriggerService, defaults v0.Defaults, opts ...ServerOption) *chi.Mux {
	cfg := &serverConfig{}
	for _, opt := range opts {
		opt(cfg)
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(LoggingMiddleware)
	r.Use(middleware.Recoverer)
	if cfg.metrics != nil {
		r.Use(cfg.metrics.Middleware)
	}
	for _, mw := range cfg.middlewares {
		r.Use(mw)
	}

	r.Mount("/", v0.HealthRouter())
	r.Mount("/api/v0", v0.Router(svc, defaults))
	if cfg.metrics != nil {
		r.Method(http.MethodGet, "/metrics", cfg.metrics.Handler())
	}

	return r
}

// LoggingMiddleware logs HTTP requests
func LoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		logger.Debugf("HTTP %s %s %d %s %s",
			r.Method,
			r.URL.Path,
			ww.Status(),
			time.Since(start),
			middleware.GetReqID(r.Context()),
		)
	})
}
