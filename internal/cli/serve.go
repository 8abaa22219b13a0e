package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"github.com/roach88/chronoctx/internal/api"
	"github.com/roach88/chronoctx/internal/config"
	"github.com/roach88/chronoctx/internal/engine"
	"github.com/roach88/chronoctx/internal/mcptools"
)

// ServeOptions holds flags for the serve command.
type ServeOptions struct {
	*RootOptions
	Addr      string
	RateLimit float64
	Burst     int
}

// NewServeCommand creates the serve command.
func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ServeOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the HTTP API",
		Long: `Serve the context store over HTTP.

Engine and HTTP metrics are exposed in Prometheus format on /metrics.
Spans go to stdout or an OTLP collector when telemetry.traces is set.
Log level changes in the --config file apply without a restart.
The server shuts down gracefully on SIGINT or SIGTERM.

Example:
  chronoctx serve --db ./chronoctx.db --addr :8080
  chronoctx serve --config chronoctx.yaml --rate-limit 50`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Addr, "addr", "", "listen address (overrides server.addr)")
	cmd.Flags().Float64Var(&opts.RateLimit, "rate-limit", 0, "requests per second (overrides server.rate_limit)")
	cmd.Flags().IntVar(&opts.Burst, "burst", 0, "rate limiter burst (overrides server.burst)")

	return cmd
}

func runServe(opts *ServeOptions, cmd *cobra.Command) error {
	cfg, err := loadConfig(opts.RootOptions)
	if err != nil {
		return err
	}

	ctx, stop := signalContext(commandContext(cmd))
	defer stop()

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	exporter, err := otelprom.New(otelprom.WithRegisterer(reg))
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to create metrics exporter", err)
	}
	meterProvider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter))
	defer shutdownProvider(meterProvider.Shutdown)

	engineOpts := []engine.Option{engine.WithMeterProvider(meterProvider)}
	tracerProvider, err := newTracerProvider(ctx, cfg.Telemetry, cmd.ErrOrStderr())
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to set up tracing", err)
	}
	if tracerProvider != nil {
		defer shutdownProvider(tracerProvider.Shutdown)
		engineOpts = append(engineOpts, engine.WithTracerProvider(tracerProvider))
	}

	a, err := newApp(cfg, opts.RootOptions, cmd, engineOpts...)
	if err != nil {
		return err
	}
	defer a.close()

	server := a.cfg.Server
	if opts.Addr != "" {
		server.Addr = opts.Addr
	}
	if cmd.Flags().Changed("rate-limit") {
		server.RateLimit = opts.RateLimit
	}
	if cmd.Flags().Changed("burst") {
		server.Burst = opts.Burst
	}

	if !opts.Verbose {
		gin.SetMode(gin.ReleaseMode)
	}
	apiOpts := api.Options{
		RateLimit: server.RateLimit,
		Burst:     server.Burst,
		Registry:  reg,
		Health:    a.backend.Ping,
		Logger:    a.logger,
	}
	if tracerProvider != nil {
		apiOpts.TracerProvider = tracerProvider
	}
	srv := api.New(a.engine, apiOpts)

	// Log level follows edits to the config file while serving.
	if opts.ConfigPath != "" {
		err := config.Watch(ctx, opts.ConfigPath, a.logger, func(next *config.Config) {
			a.level.Set(logLevel(next.Log.Level, opts.Verbose))
		})
		if err != nil {
			a.logger.Warn("config hot reload disabled", "error", err)
		}
	}

	a.logger.Info("serving",
		"addr", server.Addr,
		"backend", a.cfg.Storage.Backend,
		"path", a.cfg.Storage.Path,
		"traces", a.cfg.Telemetry.Traces)
	if err := srv.Run(ctx, server.Addr, server.ShutdownTimeout); err != nil {
		return WrapExitError(ExitFailure, "server error", err)
	}
	a.logger.Info("server stopped gracefully")
	return nil
}

// shutdownProvider flushes a telemetry provider on exit.
func shutdownProvider(shutdown func(context.Context) error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = shutdown(ctx)
}

// NewMCPCommand creates the mcp command.
func NewMCPCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "mcp",
		Short: "Serve the store as MCP tools over stdio",
		Long: `Serve the context store to agents as Model Context Protocol tools on
stdin and stdout. Logs go to stderr.

Example:
  chronoctx mcp --db ~/.chronoctx/contexts.db`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(rootOpts, cmd)
			if err != nil {
				return err
			}
			defer a.close()

			a.logger.Info("mcp server starting on stdio", "version", Version)
			if err := mcptools.Serve(a.engine, Version, a.logger); err != nil {
				return WrapExitError(ExitFailure, "mcp server error", err)
			}
			return nil
		},
	}
	return cmd
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext(parent context.Context) (context.Context, func()) {
	ctx, cancel := context.WithCancel(parent)
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		select {
		case sig := <-sigChan:
			fmt.Fprintf(os.Stderr, "received %s, shutting down\n", sig)
			cancel()
		case <-ctx.Done():
		}
	}()

	return ctx, func() {
		signal.Stop(sigChan) // Prevent signal handler leak
		cancel()
	}
}
