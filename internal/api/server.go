// Package api serves the chronoctx HTTP API with gin.
//
// Routes follow the client SDK:
//
//	POST   /contexts       create or fork
//	GET    /contexts       list, newest first
//	GET    /contexts/:id   get (version, at, before, history)
//	POST   /contexts/:id   append
//	PATCH  /contexts/:id   update
//	DELETE /contexts/:id   delete
//	GET    /healthz        health
//	GET    /metrics        Prometheus
//
// Errors are {"error": {"code", "message"}} with NOT_FOUND as 404,
// OUT_OF_RANGE as 416, INVALID_ARGUMENT as 400 and CONFLICT as 500.
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"github.com/roach88/chronoctx/internal/engine"
)

// DefaultServiceName names the service in traces.
const DefaultServiceName = "chronoctx"

// maxBodyBytes bounds request bodies.
const maxBodyBytes = 8 << 20

// Options configures a Server.
type Options struct {
	// RateLimit is the sustained requests per second; 0 disables limiting.
	RateLimit float64

	// Burst is the token bucket size. Defaults to max(1, RateLimit).
	Burst int

	// Registry receives the HTTP metrics and is served on /metrics.
	// Defaults to a fresh registry.
	Registry *prometheus.Registry

	// Health reports backend reachability for /healthz. Optional.
	Health func(ctx context.Context) error

	// ServiceName names the service in traces. Defaults to DefaultServiceName.
	ServiceName string

	// TracerProvider receives HTTP server spans. Defaults to the global
	// provider.
	TracerProvider trace.TracerProvider

	Logger *slog.Logger
}

// Server is the HTTP front end of an Engine.
type Server struct {
	engine  *engine.Engine
	router  *gin.Engine
	metrics *httpMetrics
	health  func(ctx context.Context) error
	logger  *slog.Logger
}

// New builds the router. Call gin.SetMode before New to silence gin's
// debug output.
func New(e *engine.Engine, opts Options) *Server {
	if opts.Registry == nil {
		opts.Registry = prometheus.NewRegistry()
	}
	if opts.ServiceName == "" {
		opts.ServiceName = DefaultServiceName
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	s := &Server{
		engine:  e,
		router:  gin.New(),
		metrics: newHTTPMetrics(opts.Registry),
		health:  opts.Health,
		logger:  opts.Logger,
	}

	s.router.Use(gin.Recovery())
	var otelOpts []otelgin.Option
	if opts.TracerProvider != nil {
		otelOpts = append(otelOpts, otelgin.WithTracerProvider(opts.TracerProvider))
	}
	s.router.Use(otelgin.Middleware(opts.ServiceName, otelOpts...))
	s.router.Use(s.metrics.instrument())
	if opts.RateLimit > 0 {
		burst := opts.Burst
		if burst <= 0 {
			burst = max(1, int(opts.RateLimit))
		}
		s.router.Use(s.metrics.rateLimit(rate.NewLimiter(rate.Limit(opts.RateLimit), burst)))
	}

	s.router.GET("/healthz", s.handleHealth)
	s.router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(opts.Registry, promhttp.HandlerOpts{})))
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	contexts := s.router.Group("/contexts")
	{
		contexts.POST("", s.handleCreate)
		contexts.GET("", s.handleList)
		contexts.GET("/:id", s.handleGet)
		contexts.POST("/:id", s.handleAppend)
		contexts.PATCH("/:id", s.handleUpdate)
		contexts.DELETE("/:id", s.handleDelete)
	}
}

// Handler returns the router.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Run serves on addr until ctx is done, then shuts down gracefully within
// shutdownTimeout.
func (s *Server) Run(ctx context.Context, addr string, shutdownTimeout time.Duration) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("http server listening", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	s.logger.Info("http server shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http server shutdown: %w", err)
	}
	return nil
}
