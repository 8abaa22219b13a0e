package badgerstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/roach88/chronoctx/internal/ir"
	"github.com/roach88/chronoctx/internal/store"
)

// Store is the BadgerDB implementation of store.Backend.
type Store struct {
	db *badger.DB
	gc *gcRunner
}

var _ store.Backend = (*Store)(nil)

// Open opens a store with the given configuration and starts value log GC
// when configured for a persistent database.
func Open(cfg Config) (*Store, error) {
	db, err := openDB(cfg)
	if err != nil {
		return nil, err
	}

	s := &Store{db: db}
	if cfg.GCInterval > 0 && !cfg.InMemory {
		runner, err := newGCRunner(db, cfg.GCInterval, cfg.GCDiscardRatio, cfg.Logger)
		if err != nil {
			db.Close()
			return nil, fmt.Errorf("create GC runner: %w", err)
		}
		s.gc = runner
		runner.start()
	}
	return s, nil
}

// Close stops garbage collection and closes the database.
func (s *Store) Close() error {
	if s.gc != nil {
		s.gc.stop()
		s.gc = nil
	}
	if s.db == nil || s.db.IsClosed() {
		return nil
	}
	return s.db.Close()
}

// Ping reports whether the database is open. Used by health checks.
func (s *Store) Ping(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s.db.IsClosed() {
		return errors.New("badger database is closed")
	}
	return nil
}

// Records

type contextRecord struct {
	CreatedAt     int64  `json:"created_at"`
	Metadata      string `json:"metadata"`
	Head          int64  `json:"head"`
	ParentID      string `json:"parent_id,omitempty"`
	ParentVersion int64  `json:"parent_version,omitempty"`
}

type versionRecord struct {
	CreatedAt    int64  `json:"created_at"`
	Kind         string `json:"kind"`
	Metadata     string `json:"metadata"`
	MessageCount int    `json:"message_count"`
	CountDelta   int    `json:"count_delta"`
	Digest       string `json:"digest"`
}

// Keys

func hex16(n int64) string {
	return fmt.Sprintf("%016x", uint64(n))
}

func contextKey(id string) []byte { return []byte("c/" + id) }

func listingKey(createdAt int64, id string) []byte {
	return []byte("l/" + hex16(createdAt) + "/" + id)
}

// parseListingKey splits l/<16 hex created_at>/<id>.
func parseListingKey(key []byte) (int64, string, error) {
	const head = len("l/") + 16
	if len(key) <= head+1 || key[head] != '/' {
		return 0, "", fmt.Errorf("malformed listing key %q", key)
	}
	n, err := strconv.ParseUint(string(key[2:head]), 16, 64)
	if err != nil {
		return 0, "", fmt.Errorf("listing key %q: %w", key, err)
	}
	return int64(n), string(key[head+1:]), nil
}

func versionPrefix(id string) []byte { return []byte("v/" + id + "/") }

func versionKey(id string, n int64) []byte { return []byte("v/" + id + "/" + hex16(n)) }

func deltaKey(id string, n int64) []byte { return []byte("d/" + id + "/" + hex16(n)) }

func timePrefix(id string) []byte { return []byte("t/" + id + "/") }

func timeKey(id string, createdAt, n int64) []byte {
	return []byte("t/" + id + "/" + hex16(createdAt) + hex16(n))
}

func snapshotPrefix(id string) []byte { return []byte("s/" + id + "/") }

func snapshotKey(id string, n int64) []byte { return []byte("s/" + id + "/" + hex16(n)) }

func messageIDKey(id, msgID string) []byte { return []byte("m/" + id + "/" + msgID) }

// parseHexSuffix reads the trailing 16 hex digits of key.
func parseHexSuffix(key []byte) (int64, error) {
	if len(key) < 16 {
		return 0, fmt.Errorf("key %q too short", key)
	}
	n, err := strconv.ParseUint(string(key[len(key)-16:]), 16, 64)
	if err != nil {
		return 0, fmt.Errorf("key %q: %w", key, err)
	}
	return int64(n), nil
}

// Writes

// InsertContext writes the context record, its listing entry and version 1
// in one transaction.
func (s *Store) InsertContext(ctx context.Context, c ir.Context, first store.Commit) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("insert context: %w", err)
	}

	meta, err := store.EncodeObject(c.Metadata)
	if err != nil {
		return fmt.Errorf("insert context: %w", err)
	}
	rec := contextRecord{
		CreatedAt: c.CreatedAt.UnixMilli(),
		Metadata:  meta,
		Head:      first.Version.Number,
	}
	if c.Lineage != nil {
		rec.ParentID = c.Lineage.ContextID
		rec.ParentVersion = c.Lineage.Version
	}

	err = s.db.Update(func(txn *badger.Txn) error {
		_, err := txn.Get(contextKey(c.ID))
		if err == nil {
			return fmt.Errorf("context %q already exists", c.ID)
		}
		if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}

		if err := setJSON(txn, contextKey(c.ID), rec); err != nil {
			return err
		}
		if err := txn.Set(listingKey(rec.CreatedAt, c.ID), nil); err != nil {
			return err
		}
		return writeVersion(txn, first)
	})
	if err != nil {
		return fmt.Errorf("insert context: %w", err)
	}
	return nil
}

// CommitVersion appends one version if the head still equals Number-1.
func (s *Store) CommitVersion(ctx context.Context, commit store.Commit) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("commit version: %w", err)
	}
	v := commit.Version

	err := s.db.Update(func(txn *badger.Txn) error {
		var rec contextRecord
		if err := getJSON(txn, contextKey(v.ContextID), &rec); err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return ir.NotFound(v.ContextID, "context not found")
			}
			return err
		}
		if rec.Head != v.Number-1 {
			return ir.Conflict(v.ContextID, v.Number-1, rec.Head)
		}

		rec.Head = v.Number
		if err := setJSON(txn, contextKey(v.ContextID), rec); err != nil {
			return err
		}
		return writeVersion(txn, commit)
	})

	if errors.Is(err, badger.ErrConflict) {
		head := int64(-1)
		if c, gerr := s.GetContext(ctx, v.ContextID); gerr == nil {
			head = c.Head
		}
		return ir.Conflict(v.ContextID, v.Number-1, head)
	}
	var irErr *ir.Error
	if errors.As(err, &irErr) {
		return irErr
	}
	if err != nil {
		return fmt.Errorf("commit version: %w", err)
	}
	return nil
}

func writeVersion(txn *badger.Txn, commit store.Commit) error {
	v := commit.Version

	meta, err := store.EncodeObject(v.Metadata)
	if err != nil {
		return err
	}
	delta, err := store.EncodeDelta(v.Delta)
	if err != nil {
		return err
	}

	rec := versionRecord{
		CreatedAt:    v.CreatedAt.UnixMilli(),
		Kind:         string(v.Kind),
		Metadata:     meta,
		MessageCount: v.MessageCount,
		CountDelta:   v.CountDelta,
		Digest:       v.Digest,
	}
	if err := setJSON(txn, versionKey(v.ContextID, v.Number), rec); err != nil {
		return err
	}
	if err := txn.Set(deltaKey(v.ContextID, v.Number), []byte(delta)); err != nil {
		return err
	}
	if err := txn.Set(timeKey(v.ContextID, rec.CreatedAt, v.Number), nil); err != nil {
		return err
	}

	if commit.Snapshot != nil {
		msgs, err := store.EncodeMessages(commit.Snapshot)
		if err != nil {
			return err
		}
		if err := txn.Set(snapshotKey(v.ContextID, v.Number), []byte(msgs)); err != nil {
			return err
		}
	}

	for _, id := range commit.NewIDs {
		key := messageIDKey(v.ContextID, id)
		if _, err := txn.Get(key); err == nil {
			return ir.InvalidArgument(v.ContextID, "message id %q already used", id)
		} else if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		if err := txn.Set(key, []byte(strconv.FormatInt(v.Number, 10))); err != nil {
			return err
		}
	}
	return nil
}

// Reads

// GetContext retrieves a context by id.
func (s *Store) GetContext(ctx context.Context, id string) (ir.Context, error) {
	var c ir.Context
	err := s.db.View(func(txn *badger.Txn) error {
		var err error
		c, err = readContext(txn, id)
		return err
	})
	if err != nil {
		return ir.Context{}, wrapRead("get context", err)
	}
	return c, nil
}

func readContext(txn *badger.Txn, id string) (ir.Context, error) {
	var rec contextRecord
	if err := getJSON(txn, contextKey(id), &rec); err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return ir.Context{}, ir.NotFound(id, "context not found")
		}
		return ir.Context{}, err
	}

	meta, err := store.DecodeObject(rec.Metadata)
	if err != nil {
		return ir.Context{}, err
	}
	c := ir.Context{
		ID:        id,
		CreatedAt: ir.UnixMilli(rec.CreatedAt),
		Metadata:  meta,
		Head:      rec.Head,
	}
	if rec.ParentID != "" {
		c.Lineage = &ir.Lineage{ContextID: rec.ParentID, Version: rec.ParentVersion}
	}
	return c, nil
}

// ListContexts walks the listing index in reverse: created_at DESC, id DESC.
func (s *Store) ListContexts(ctx context.Context, after *store.Cursor, limit int) ([]ir.Context, error) {
	contexts := []ir.Context{}
	prefix := []byte("l/")

	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Reverse = true
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		seek := append(append([]byte{}, prefix...), 0xFF)
		if after != nil {
			seek = listingKey(after.CreatedAt, after.ID)
		}

		for it.Seek(seek); it.ValidForPrefix(prefix) && len(contexts) < limit; it.Next() {
			createdAt, id, err := parseListingKey(it.Item().Key())
			if err != nil {
				return err
			}
			if after != nil && !after.Follows(createdAt, id) {
				continue
			}
			c, err := readContext(txn, id)
			if err != nil {
				return err
			}
			contexts = append(contexts, c)
		}
		return nil
	})
	if err != nil {
		return nil, wrapRead("list contexts", err)
	}
	return contexts, nil
}

// Versions returns versions from..to inclusive in ascending order.
func (s *Store) Versions(ctx context.Context, contextID string, from, to int64) ([]ir.Version, error) {
	if from > to {
		return []ir.Version{}, nil
	}

	versions := make([]ir.Version, 0, to-from+1)
	err := s.db.View(func(txn *badger.Txn) error {
		for n := from; n <= to; n++ {
			var rec versionRecord
			if err := getJSON(txn, versionKey(contextID, n), &rec); err != nil {
				if errors.Is(err, badger.ErrKeyNotFound) {
					return ir.NotFound(contextID, "versions %d..%d not found", from, to)
				}
				return err
			}
			v, err := rec.toVersion(contextID, n)
			if err != nil {
				return err
			}

			item, err := txn.Get(deltaKey(contextID, n))
			if err != nil {
				return fmt.Errorf("delta %d: %w", n, err)
			}
			raw, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			if v.Delta, err = store.DecodeDelta(string(raw)); err != nil {
				return fmt.Errorf("version %d: %w", n, err)
			}
			versions = append(versions, v)
		}
		return nil
	})
	if err != nil {
		return nil, wrapRead("query versions", err)
	}
	return versions, nil
}

func (rec versionRecord) toVersion(contextID string, n int64) (ir.Version, error) {
	meta, err := store.DecodeObject(rec.Metadata)
	if err != nil {
		return ir.Version{}, fmt.Errorf("version %d: %w", n, err)
	}
	return ir.Version{
		ContextID:    contextID,
		Number:       n,
		CreatedAt:    ir.UnixMilli(rec.CreatedAt),
		Kind:         ir.MutationKind(rec.Kind),
		Metadata:     meta,
		MessageCount: rec.MessageCount,
		CountDelta:   rec.CountDelta,
		Digest:       rec.Digest,
	}, nil
}

// NearestSnapshot returns the latest snapshot at or before atOrBefore.
func (s *Store) NearestSnapshot(ctx context.Context, contextID string, atOrBefore int64) (store.Snapshot, error) {
	var snap store.Snapshot
	prefix := snapshotPrefix(contextID)

	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Reverse = true
		opts.PrefetchSize = 1
		it := txn.NewIterator(opts)
		defer it.Close()

		it.Seek(snapshotKey(contextID, atOrBefore))
		if !it.ValidForPrefix(prefix) {
			return nil
		}

		n, err := parseHexSuffix(it.Item().Key())
		if err != nil {
			return err
		}
		raw, err := it.Item().ValueCopy(nil)
		if err != nil {
			return err
		}
		msgs, err := store.DecodeMessages(string(raw))
		if err != nil {
			return fmt.Errorf("snapshot %d: %w", n, err)
		}
		snap = store.Snapshot{Version: n, Messages: msgs}
		return nil
	})
	if err != nil {
		return store.Snapshot{}, wrapRead("nearest snapshot", err)
	}
	return snap, nil
}

// History returns version headers in ascending order without reading deltas.
func (s *Store) History(ctx context.Context, contextID string) ([]ir.VersionInfo, error) {
	infos := []ir.VersionInfo{}
	prefix := versionPrefix(contextID)

	err := s.db.View(func(txn *badger.Txn) error {
		if _, err := readContext(txn, contextID); err != nil {
			return err
		}

		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			n, err := parseHexSuffix(it.Item().Key())
			if err != nil {
				return err
			}
			var rec versionRecord
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &rec)
			}); err != nil {
				return err
			}
			v, err := rec.toVersion(contextID, n)
			if err != nil {
				return err
			}
			infos = append(infos, v.Info())
		}
		return nil
	})
	if err != nil {
		return nil, wrapRead("query history", err)
	}
	return infos, nil
}

// UsedMessageIDs returns which of ids the context has ever registered.
func (s *Store) UsedMessageIDs(ctx context.Context, contextID string, ids []string) ([]string, error) {
	used := []string{}
	err := s.db.View(func(txn *badger.Txn) error {
		for _, id := range ids {
			_, err := txn.Get(messageIDKey(contextID, id))
			if errors.Is(err, badger.ErrKeyNotFound) {
				continue
			}
			if err != nil {
				return err
			}
			used = append(used, id)
		}
		return nil
	})
	if err != nil {
		return nil, wrapRead("query message ids", err)
	}
	return used, nil
}

// VersionAt returns the latest version with created_at <= t.
func (s *Store) VersionAt(ctx context.Context, contextID string, t time.Time) (int64, error) {
	var number int64
	prefix := timePrefix(contextID)

	err := s.db.View(func(txn *badger.Txn) error {
		if _, err := readContext(txn, contextID); err != nil {
			return err
		}

		opts := badger.DefaultIteratorOptions
		opts.Reverse = true
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		if t.UnixMilli() < 0 {
			return ir.OutOfRange(contextID, "timestamp %s predates version 1", t.UTC().Format(time.RFC3339Nano))
		}

		// Largest key with created_ms <= t, any version number.
		it.Seek([]byte(string(prefix) + hex16(t.UnixMilli()) + "ffffffffffffffff"))
		if !it.ValidForPrefix(prefix) {
			return ir.OutOfRange(contextID, "timestamp %s predates version 1", t.UTC().Format(time.RFC3339Nano))
		}
		n, err := parseHexSuffix(it.Item().Key())
		if err != nil {
			return err
		}
		number = n
		return nil
	})
	if err != nil {
		return 0, wrapRead("version at", err)
	}
	return number, nil
}

// Helpers

func getJSON(txn *badger.Txn, key []byte, dst any) error {
	item, err := txn.Get(key)
	if err != nil {
		return err
	}
	return item.Value(func(val []byte) error {
		return json.Unmarshal(val, dst)
	})
}

func setJSON(txn *badger.Txn, key []byte, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return txn.Set(key, data)
}

// wrapRead passes *ir.Error through unchanged and wraps everything else.
func wrapRead(op string, err error) error {
	var irErr *ir.Error
	if errors.As(err, &irErr) {
		return irErr
	}
	return fmt.Errorf("%s: %w", op, err)
}
