package engine

import (
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/roach88/chronoctx/internal/history"
	"github.com/roach88/chronoctx/internal/ir"
	"github.com/roach88/chronoctx/internal/store"
)

// DefaultSnapshotInterval is how often a full snapshot is stored:
// every version whose number is a multiple of it.
const DefaultSnapshotInterval = 32

// Listing limits.
const (
	DefaultListLimit = 20
	MaxListLimit     = 100
)

// Engine executes mutations and resolves reads against a store.Backend.
//
// Thread-safety model:
//   - All methods are safe for concurrent use
//   - Mutations on the same context are serialized by a per-context lock
//   - Mutations on different contexts share no lock
//   - Reads never lock
type Engine struct {
	backend store.Backend
	mat     *history.Materializer
	index   *history.Index
	locks   *lockRegistry
	tel     *telemetry

	clock            Clock
	ids              IDGenerator
	snapshotInterval int64
	mergeMode        ir.MergeMode
	cacheMaxCost     int64
	logger           *slog.Logger
	meterProvider    metric.MeterProvider
	tracerProvider   trace.TracerProvider
}

// Option configures an Engine.
type Option func(*Engine)

// WithSnapshotInterval sets how often full snapshots are stored.
//
// Default: 32 (DefaultSnapshotInterval)
func WithSnapshotInterval(n int64) Option {
	return func(e *Engine) {
		e.snapshotInterval = n
	}
}

// WithMergeMode sets how update changes combine with message content.
//
// Default: ir.MergeShallow
func WithMergeMode(mode ir.MergeMode) Option {
	return func(e *Engine) {
		e.mergeMode = mode
	}
}

// WithClock replaces the wall clock, typically with a manual test clock.
func WithClock(c Clock) Option {
	return func(e *Engine) {
		e.clock = c
	}
}

// WithIDGenerator replaces the UUIDv7 id generator.
func WithIDGenerator(g IDGenerator) Option {
	return func(e *Engine) {
		e.ids = g
	}
}

// WithCacheMaxCost bounds the materialization cache by total message count.
// Zero disables the cache.
func WithCacheMaxCost(n int64) Option {
	return func(e *Engine) {
		e.cacheMaxCost = n
	}
}

// WithLogger sets the engine logger. Default: slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) {
		e.logger = l
	}
}

// WithMeterProvider sets the OpenTelemetry meter provider.
// Default: the global provider.
func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(e *Engine) {
		e.meterProvider = mp
	}
}

// WithTracerProvider sets the OpenTelemetry tracer provider.
// Default: the global provider.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(e *Engine) {
		e.tracerProvider = tp
	}
}

// New creates an Engine over backend. The caller keeps ownership of
// backend and closes it after Engine.Close.
func New(backend store.Backend, opts ...Option) (*Engine, error) {
	e := &Engine{
		backend:          backend,
		locks:            newLockRegistry(),
		clock:            WallClock{},
		ids:              UUIDv7Generator{},
		snapshotInterval: DefaultSnapshotInterval,
		mergeMode:        ir.MergeShallow,
		cacheMaxCost:     history.DefaultCacheMaxCost,
	}

	for _, opt := range opts {
		opt(e)
	}

	if e.snapshotInterval < 1 {
		return nil, fmt.Errorf("snapshot interval must be at least 1, got %d", e.snapshotInterval)
	}
	if !ir.ValidMergeModes[e.mergeMode] {
		return nil, fmt.Errorf("unknown merge mode %q", e.mergeMode)
	}
	if e.logger == nil {
		e.logger = slog.Default()
	}
	if e.meterProvider == nil {
		e.meterProvider = otel.GetMeterProvider()
	}
	if e.tracerProvider == nil {
		e.tracerProvider = otel.GetTracerProvider()
	}

	tel, err := newTelemetry(e.meterProvider, e.tracerProvider)
	if err != nil {
		return nil, err
	}
	e.tel = tel

	mat, err := history.NewMaterializer(backend, history.Options{
		CacheMaxCost: e.cacheMaxCost,
		Logger:       e.logger,
	})
	if err != nil {
		return nil, err
	}
	e.mat = mat
	e.index = history.NewIndex(backend)

	e.logger.Debug("engine ready",
		"snapshot_interval", e.snapshotInterval,
		"merge_mode", string(e.mergeMode),
		"cache_max_cost", e.cacheMaxCost)
	return e, nil
}

// Close releases the materialization cache. It does not close the backend.
func (e *Engine) Close() {
	e.mat.Close()
}

// MergeMode reports the configured update merge mode.
func (e *Engine) MergeMode() ir.MergeMode {
	return e.mergeMode
}
