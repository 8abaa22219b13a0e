package history

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/dgraph-io/ristretto/v2"
	"golang.org/x/sync/singleflight"

	"github.com/roach88/chronoctx/internal/ir"
)

// DefaultCacheMaxCost bounds the cache by total cached message count.
const DefaultCacheMaxCost = 1 << 20

// Options configures a Materializer.
type Options struct {
	// CacheMaxCost is the total number of messages the cache may hold.
	// Zero disables caching; negative selects DefaultCacheMaxCost.
	CacheMaxCost int64

	// Logger receives debug output. Defaults to slog.Default().
	Logger *slog.Logger
}

// Materializer rebuilds the full sequence of any version.
type Materializer struct {
	log    Log
	cache  *ristretto.Cache[string, []ir.Message]
	group  singleflight.Group
	logger *slog.Logger
}

// NewMaterializer creates a Materializer reading from log.
func NewMaterializer(log Log, opts Options) (*Materializer, error) {
	m := &Materializer{log: log, logger: opts.Logger}
	if m.logger == nil {
		m.logger = slog.Default()
	}

	maxCost := opts.CacheMaxCost
	if maxCost < 0 {
		maxCost = DefaultCacheMaxCost
	}
	if maxCost > 0 {
		cache, err := ristretto.NewCache(&ristretto.Config[string, []ir.Message]{
			NumCounters: max(maxCost*10, 1000),
			MaxCost:     maxCost,
			BufferItems: 64,
		})
		if err != nil {
			return nil, fmt.Errorf("create sequence cache: %w", err)
		}
		m.cache = cache
	}
	return m, nil
}

// Close releases the cache.
func (m *Materializer) Close() {
	if m.cache != nil {
		m.cache.Close()
	}
}

func cacheKey(contextID string, version int64) string {
	return contextID + "@" + strconv.FormatInt(version, 10)
}

// Sequence returns a deep copy of the sequence at version.
func (m *Materializer) Sequence(ctx context.Context, contextID string, version int64) ([]ir.Message, error) {
	shared, err := m.shared(ctx, contextID, version)
	if err != nil {
		return nil, err
	}
	return ir.CloneMessages(shared), nil
}

// shared returns the cached, read-only sequence. Callers must not modify it.
func (m *Materializer) shared(ctx context.Context, contextID string, version int64) ([]ir.Message, error) {
	key := cacheKey(contextID, version)
	if m.cache != nil {
		if msgs, ok := m.cache.Get(key); ok {
			return msgs, nil
		}
	}

	// The rebuild is shared by every caller waiting on key, so it must not
	// inherit one caller's cancellation. Each caller still stops waiting
	// when its own ctx is done.
	flight := m.group.DoChan(key, func() (any, error) {
		msgs, err := m.rebuild(context.WithoutCancel(ctx), contextID, version)
		if err != nil {
			return nil, err
		}
		m.remember(key, msgs)
		return msgs, nil
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-flight:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.([]ir.Message), nil
	}
}

// rebuild loads the nearest snapshot and replays the deltas after it.
func (m *Materializer) rebuild(ctx context.Context, contextID string, version int64) ([]ir.Message, error) {
	snap, err := m.log.NearestSnapshot(ctx, contextID, version)
	if err != nil {
		return nil, err
	}

	msgs := snap.Messages
	if snap.Version < version {
		versions, err := m.log.Versions(ctx, contextID, snap.Version+1, version)
		if err != nil {
			return nil, err
		}
		for _, v := range versions {
			if msgs, err = Apply(msgs, v.Delta); err != nil {
				return nil, fmt.Errorf("materialize %s version %d: %w", contextID, v.Number, err)
			}
		}
	}

	m.logger.Debug("materialized version",
		"context_id", contextID,
		"version", version,
		"snapshot", snap.Version,
		"replayed", version-snap.Version,
		"messages", len(msgs),
	)
	if msgs == nil {
		msgs = []ir.Message{}
	}
	return msgs, nil
}

// Remember seeds the cache with a sequence the caller just committed.
// The sequence is copied.
func (m *Materializer) Remember(contextID string, version int64, msgs []ir.Message) {
	m.remember(cacheKey(contextID, version), ir.CloneMessages(msgs))
}

func (m *Materializer) remember(key string, msgs []ir.Message) {
	if m.cache == nil {
		return
	}
	m.cache.Set(key, msgs, int64(max(len(msgs), 1)))
}

// Wait blocks until pending cache writes are visible. Used by tests.
func (m *Materializer) Wait() {
	if m.cache != nil {
		m.cache.Wait()
	}
}
