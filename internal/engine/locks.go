package engine

import (
	"context"
	"sync"
)

// lockRegistry hands out one lock per context id. Entries are reference
// counted and dropped when the last holder or waiter releases, so the map
// only holds contexts under active mutation.
type lockRegistry struct {
	mu    sync.Mutex
	locks map[string]*ctxLock
}

type ctxLock struct {
	sem  chan struct{}
	refs int
}

func newLockRegistry() *lockRegistry {
	return &lockRegistry{locks: make(map[string]*ctxLock)}
}

// acquire blocks until the lock for id is held or ctx is done.
// On success the returned func releases the lock.
func (r *lockRegistry) acquire(ctx context.Context, id string) (func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	r.mu.Lock()
	l, ok := r.locks[id]
	if !ok {
		l = &ctxLock{sem: make(chan struct{}, 1)}
		r.locks[id] = l
	}
	l.refs++
	r.mu.Unlock()

	select {
	case l.sem <- struct{}{}:
	case <-ctx.Done():
		r.unref(id, l)
		return nil, ctx.Err()
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-l.sem
			r.unref(id, l)
		})
	}, nil
}

func (r *lockRegistry) unref(id string, l *ctxLock) {
	r.mu.Lock()
	defer r.mu.Unlock()
	l.refs--
	if l.refs == 0 {
		delete(r.locks, id)
	}
}

// size reports how many contexts currently have a lock entry.
func (r *lockRegistry) size() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.locks)
}
