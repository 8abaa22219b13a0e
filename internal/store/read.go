package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/roach88/chronoctx/internal/ir"
)

// GetContext retrieves a context by id.
// Returns a NOT_FOUND error if the context does not exist.
func (s *Store) GetContext(ctx context.Context, id string) (ir.Context, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, created_at, metadata, head_version, parent_id, parent_version
		FROM contexts
		WHERE id = ?
	`, id)

	c, err := scanContext(row)
	if errors.Is(err, sql.ErrNoRows) {
		return ir.Context{}, ir.NotFound(id, "context not found")
	}
	if err != nil {
		return ir.Context{}, fmt.Errorf("get context: %w", err)
	}
	return c, nil
}

// ListContexts returns contexts newest first: ORDER BY created_at DESC, id DESC.
// Returns an empty slice (not nil) when nothing is left.
func (s *Store) ListContexts(ctx context.Context, after *Cursor, limit int) ([]ir.Context, error) {
	var (
		rows *sql.Rows
		err  error
	)
	if after == nil {
		rows, err = s.db.QueryContext(ctx, `
			SELECT id, created_at, metadata, head_version, parent_id, parent_version
			FROM contexts
			ORDER BY created_at DESC, id COLLATE BINARY DESC
			LIMIT ?
		`, limit)
	} else {
		rows, err = s.db.QueryContext(ctx, `
			SELECT id, created_at, metadata, head_version, parent_id, parent_version
			FROM contexts
			WHERE created_at < ? OR (created_at = ? AND id < ?)
			ORDER BY created_at DESC, id COLLATE BINARY DESC
			LIMIT ?
		`, after.CreatedAt, after.CreatedAt, after.ID, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("list contexts: %w", err)
	}
	defer rows.Close()

	contexts := []ir.Context{}
	for rows.Next() {
		c, err := scanContext(rows)
		if err != nil {
			return nil, fmt.Errorf("list contexts: %w", err)
		}
		contexts = append(contexts, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate contexts: %w", err)
	}
	return contexts, nil
}

// Versions returns versions from..to inclusive, ordered by version ASC.
// Returns a NOT_FOUND error when the range is not fully present.
func (s *Store) Versions(ctx context.Context, contextID string, from, to int64) ([]ir.Version, error) {
	if from > to {
		return []ir.Version{}, nil
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT context_id, version, created_at, kind, delta, metadata, message_count, count_delta, digest
		FROM versions
		WHERE context_id = ? AND version BETWEEN ? AND ?
		ORDER BY version ASC
	`, contextID, from, to)
	if err != nil {
		return nil, fmt.Errorf("query versions: %w", err)
	}
	defer rows.Close()

	versions := make([]ir.Version, 0, to-from+1)
	for rows.Next() {
		v, err := scanVersion(rows)
		if err != nil {
			return nil, err
		}
		versions = append(versions, v)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate versions: %w", err)
	}

	if int64(len(versions)) != to-from+1 {
		return nil, ir.NotFound(contextID, "versions %d..%d not found", from, to)
	}
	return versions, nil
}

// NearestSnapshot returns the latest snapshot at or before atOrBefore.
func (s *Store) NearestSnapshot(ctx context.Context, contextID string, atOrBefore int64) (Snapshot, error) {
	var (
		version  int64
		msgsJSON string
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT version, messages
		FROM snapshots
		WHERE context_id = ? AND version <= ?
		ORDER BY version DESC
		LIMIT 1
	`, contextID, atOrBefore).Scan(&version, &msgsJSON)
	if errors.Is(err, sql.ErrNoRows) {
		return Snapshot{}, nil
	}
	if err != nil {
		return Snapshot{}, fmt.Errorf("nearest snapshot: %w", err)
	}

	msgs, err := DecodeMessages(msgsJSON)
	if err != nil {
		return Snapshot{}, fmt.Errorf("nearest snapshot %d: %w", version, err)
	}
	return Snapshot{Version: version, Messages: msgs}, nil
}

// History returns version headers ordered by version ASC. Deltas are not read.
func (s *Store) History(ctx context.Context, contextID string) ([]ir.VersionInfo, error) {
	if _, err := s.GetContext(ctx, contextID); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT version, created_at, kind, metadata, message_count, count_delta, digest
		FROM versions
		WHERE context_id = ?
		ORDER BY version ASC
	`, contextID)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	defer rows.Close()

	infos := []ir.VersionInfo{}
	for rows.Next() {
		var (
			info      ir.VersionInfo
			createdAt int64
			kind      string
			metaJSON  string
		)
		if err := rows.Scan(&info.Number, &createdAt, &kind, &metaJSON,
			&info.MessageCount, &info.CountDelta, &info.Digest); err != nil {
			return nil, fmt.Errorf("scan history: %w", err)
		}
		info.CreatedAt = ir.UnixMilli(createdAt)
		info.Kind = ir.MutationKind(kind)
		if info.Metadata, err = DecodeObject(metaJSON); err != nil {
			return nil, err
		}
		infos = append(infos, info)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate history: %w", err)
	}
	return infos, nil
}

// idBatchSize keeps IN lists below SQLite's host parameter limit.
const idBatchSize = 500

// UsedMessageIDs returns which of ids the context has ever registered.
func (s *Store) UsedMessageIDs(ctx context.Context, contextID string, ids []string) ([]string, error) {
	used := []string{}
	for start := 0; start < len(ids); start += idBatchSize {
		end := min(start+idBatchSize, len(ids))
		batch := ids[start:end]

		args := make([]any, 0, len(batch)+1)
		args = append(args, contextID)
		for _, id := range batch {
			args = append(args, id)
		}

		query := `SELECT message_id FROM message_ids WHERE context_id = ? AND message_id IN (` +
			strings.TrimSuffix(strings.Repeat("?,", len(batch)), ",") + `) ORDER BY message_id`

		rows, err := s.db.QueryContext(ctx, query, args...)
		if err != nil {
			return nil, fmt.Errorf("query message ids: %w", err)
		}
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return nil, fmt.Errorf("scan message id: %w", err)
			}
			used = append(used, id)
		}
		err = rows.Err()
		rows.Close()
		if err != nil {
			return nil, fmt.Errorf("iterate message ids: %w", err)
		}
	}
	return used, nil
}

// VersionAt returns the latest version with created_at <= t.
func (s *Store) VersionAt(ctx context.Context, contextID string, t time.Time) (int64, error) {
	var number int64
	err := s.db.QueryRowContext(ctx, `
		SELECT version
		FROM versions
		WHERE context_id = ? AND created_at <= ?
		ORDER BY created_at DESC, version DESC
		LIMIT 1
	`, contextID, t.UnixMilli()).Scan(&number)
	if errors.Is(err, sql.ErrNoRows) {
		if _, err := s.GetContext(ctx, contextID); err != nil {
			return 0, err
		}
		return 0, ir.OutOfRange(contextID, "timestamp %s predates version 1", t.UTC().Format(time.RFC3339Nano))
	}
	if err != nil {
		return 0, fmt.Errorf("version at: %w", err)
	}
	return number, nil
}

// scanner is satisfied by *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanContext(row scanner) (ir.Context, error) {
	var (
		c             ir.Context
		createdAt     int64
		metaJSON      string
		parentID      sql.NullString
		parentVersion sql.NullInt64
	)
	if err := row.Scan(&c.ID, &createdAt, &metaJSON, &c.Head, &parentID, &parentVersion); err != nil {
		return ir.Context{}, err
	}

	c.CreatedAt = ir.UnixMilli(createdAt)
	meta, err := DecodeObject(metaJSON)
	if err != nil {
		return ir.Context{}, err
	}
	c.Metadata = meta
	if parentID.Valid {
		c.Lineage = &ir.Lineage{ContextID: parentID.String, Version: parentVersion.Int64}
	}
	return c, nil
}

func scanVersion(row scanner) (ir.Version, error) {
	var (
		v         ir.Version
		createdAt int64
		kind      string
		deltaJSON string
		metaJSON  string
	)
	if err := row.Scan(&v.ContextID, &v.Number, &createdAt, &kind, &deltaJSON, &metaJSON,
		&v.MessageCount, &v.CountDelta, &v.Digest); err != nil {
		return ir.Version{}, fmt.Errorf("scan version: %w", err)
	}

	v.CreatedAt = ir.UnixMilli(createdAt)
	v.Kind = ir.MutationKind(kind)

	delta, err := DecodeDelta(deltaJSON)
	if err != nil {
		return ir.Version{}, fmt.Errorf("version %d: %w", v.Number, err)
	}
	v.Delta = delta

	meta, err := DecodeObject(metaJSON)
	if err != nil {
		return ir.Version{}, fmt.Errorf("version %d: %w", v.Number, err)
	}
	v.Metadata = meta
	return v, nil
}
