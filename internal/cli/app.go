package cli

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/chronoctx/internal/config"
	"github.com/roach88/chronoctx/internal/engine"
	"github.com/roach88/chronoctx/internal/ir"
	"github.com/roach88/chronoctx/internal/store"
	"github.com/roach88/chronoctx/internal/store/badgerstore"
)

// backend is a store.Backend that can report its health.
type backend interface {
	store.Backend
	Ping(ctx context.Context) error
}

// app is everything a command needs: configuration, the open store and an
// engine over it.
type app struct {
	cfg     *config.Config
	backend backend
	engine  *engine.Engine
	logger  *slog.Logger
	level   *slog.LevelVar
	out     *OutputFormatter
}

// loadConfig reads --config, then CHRONOCTX_* variables, then flag
// overrides, each layer winning over the one before.
func loadConfig(opts *RootOptions) (*config.Config, error) {
	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to load config", err)
	}
	env, err := config.Environ(opts.EnvFile)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to load environment", err)
	}
	if err := config.ApplyEnv(cfg, env); err != nil {
		return nil, WrapExitError(ExitCommandError, "invalid environment", err)
	}
	if opts.Database != "" {
		cfg.Storage.Path = opts.Database
	}
	if opts.Backend != "" {
		cfg.Storage.Backend = opts.Backend
	}
	if err := config.Validate(cfg); err != nil {
		return nil, WrapExitError(ExitCommandError, "invalid settings", err)
	}
	return cfg, nil
}

// logLevel maps a config level name to a slog level. --verbose forces debug.
func logLevel(name string, verbose bool) slog.Level {
	if verbose {
		return slog.LevelDebug
	}
	switch strings.ToLower(name) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	return slog.LevelInfo
}

// newLogger builds the slog logger for cfg. The returned LevelVar lets a
// config reload change the level of a running server.
func newLogger(cfg config.LogConfig, verbose bool, w io.Writer) (*slog.Logger, *slog.LevelVar) {
	level := new(slog.LevelVar)
	level.Set(logLevel(cfg.Level, verbose))

	handlerOpts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, handlerOpts)), level
	}
	return slog.New(slog.NewTextHandler(w, handlerOpts)), level
}

// openBackend opens the configured store.
func openBackend(cfg config.StorageConfig, logger *slog.Logger) (backend, error) {
	switch cfg.Backend {
	case config.BackendBadger:
		return badgerstore.Open(badgerstore.Config{
			Path:           cfg.Path,
			InMemory:       cfg.Badger.InMemory,
			SyncWrites:     true,
			Logger:         logger,
			GCInterval:     cfg.Badger.GCInterval,
			GCDiscardRatio: cfg.Badger.GCRatio,
		})
	case config.BackendSQLite, "":
		return store.Open(cfg.Path)
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.Backend)
	}
}

// openApp loads configuration, opens the store and builds the engine.
// Callers must call close.
func openApp(opts *RootOptions, cmd *cobra.Command, extra ...engine.Option) (*app, error) {
	cfg, err := loadConfig(opts)
	if err != nil {
		return nil, err
	}
	return newApp(cfg, opts, cmd, extra...)
}

// newApp opens the store cfg names and builds the engine over it.
func newApp(cfg *config.Config, opts *RootOptions, cmd *cobra.Command, extra ...engine.Option) (*app, error) {
	logger, level := newLogger(cfg.Log, opts.Verbose, cmd.ErrOrStderr())
	slog.SetDefault(logger)

	logger.Debug("opening store", "backend", cfg.Storage.Backend, "path", cfg.Storage.Path)
	b, err := openBackend(cfg.Storage, logger)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to open store", err)
	}

	engineOpts := []engine.Option{
		engine.WithSnapshotInterval(cfg.Engine.SnapshotInterval),
		engine.WithMergeMode(ir.MergeMode(cfg.Engine.MergeMode)),
		engine.WithCacheMaxCost(cfg.Engine.CacheMaxCost),
		engine.WithLogger(logger),
	}
	e, err := engine.New(b, append(engineOpts, extra...)...)
	if err != nil {
		b.Close()
		return nil, WrapExitError(ExitCommandError, "failed to create engine", err)
	}

	return &app{
		cfg:     cfg,
		backend: b,
		engine:  e,
		logger:  logger,
		level:   level,
		out: &OutputFormatter{
			Format:    opts.Format,
			Writer:    cmd.OutOrStdout(),
			ErrWriter: cmd.ErrOrStderr(),
			Verbose:   opts.Verbose,
		},
	}, nil
}

func (a *app) close() {
	a.engine.Close()
	if err := a.backend.Close(); err != nil {
		a.logger.Error("error closing store", "error", err)
	}
}

// commandContext returns the command's context, or Background when unset.
func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}
