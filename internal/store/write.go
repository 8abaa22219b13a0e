package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/mattn/go-sqlite3"

	"github.com/roach88/chronoctx/internal/ir"
)

// InsertContext writes a new context row and its first version atomically.
// The context is never visible without its version 1.
func (s *Store) InsertContext(ctx context.Context, c ir.Context, first Commit) error {
	metaJSON, err := EncodeObject(c.Metadata)
	if err != nil {
		return fmt.Errorf("insert context: %w", err)
	}

	var parentID sql.NullString
	var parentVersion sql.NullInt64
	if c.Lineage != nil {
		parentID = sql.NullString{String: c.Lineage.ContextID, Valid: true}
		parentVersion = sql.NullInt64{Int64: c.Lineage.Version, Valid: true}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("insert context: begin tx: %w", err)
	}
	defer tx.Rollback() // No-op if committed

	_, err = tx.ExecContext(ctx, `
		INSERT INTO contexts
		(id, created_at, metadata, head_version, parent_id, parent_version)
		VALUES (?, ?, ?, ?, ?, ?)
	`,
		c.ID,
		c.CreatedAt.UnixMilli(),
		metaJSON,
		first.Version.Number,
		parentID,
		parentVersion,
	)
	if err != nil {
		return fmt.Errorf("insert context: %w", err)
	}

	if err := writeVersion(ctx, tx, first); err != nil {
		return fmt.Errorf("insert context: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("insert context: commit: %w", err)
	}
	return nil
}

// CommitVersion appends one version. The head advances only if it still
// equals Number-1; otherwise the transaction rolls back with a CONFLICT error.
func (s *Store) CommitVersion(ctx context.Context, commit Commit) error {
	v := commit.Version

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("commit version: begin tx: %w", err)
	}
	defer tx.Rollback()

	result, err := tx.ExecContext(ctx, `
		UPDATE contexts SET head_version = ?
		WHERE id = ? AND head_version = ?
	`, v.Number, v.ContextID, v.Number-1)
	if err != nil {
		return fmt.Errorf("commit version: advance head: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("commit version: rows affected: %w", err)
	}

	if rowsAffected == 0 {
		var head int64
		err := tx.QueryRowContext(ctx,
			`SELECT head_version FROM contexts WHERE id = ?`, v.ContextID,
		).Scan(&head)
		if errors.Is(err, sql.ErrNoRows) {
			return ir.NotFound(v.ContextID, "context not found")
		}
		if err != nil {
			return fmt.Errorf("commit version: read head: %w", err)
		}
		return ir.Conflict(v.ContextID, v.Number-1, head)
	}

	if err := writeVersion(ctx, tx, commit); err != nil {
		return fmt.Errorf("commit version: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit version: commit: %w", err)
	}
	return nil
}

// writeVersion inserts the version row, its snapshot and its new message ids
// inside tx.
func writeVersion(ctx context.Context, tx *sql.Tx, commit Commit) error {
	v := commit.Version

	deltaJSON, err := EncodeDelta(v.Delta)
	if err != nil {
		return err
	}
	metaJSON, err := EncodeObject(v.Metadata)
	if err != nil {
		return err
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO versions
		(context_id, version, created_at, kind, delta, metadata, message_count, count_delta, digest)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		v.ContextID,
		v.Number,
		v.CreatedAt.UnixMilli(),
		string(v.Kind),
		deltaJSON,
		metaJSON,
		v.MessageCount,
		v.CountDelta,
		v.Digest,
	)
	if err != nil {
		return fmt.Errorf("insert version %d: %w", v.Number, err)
	}

	if commit.Snapshot != nil {
		msgsJSON, err := EncodeMessages(commit.Snapshot)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO snapshots (context_id, version, messages)
			VALUES (?, ?, ?)
		`, v.ContextID, v.Number, msgsJSON)
		if err != nil {
			return fmt.Errorf("insert snapshot %d: %w", v.Number, err)
		}
	}

	if len(commit.NewIDs) > 0 {
		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO message_ids (context_id, message_id, version)
			VALUES (?, ?, ?)
		`)
		if err != nil {
			return fmt.Errorf("prepare message ids: %w", err)
		}
		defer stmt.Close()

		for _, id := range commit.NewIDs {
			if _, err := stmt.ExecContext(ctx, v.ContextID, id, v.Number); err != nil {
				if isUniqueViolation(err) {
					return ir.InvalidArgument(v.ContextID, "message id %q already used", id)
				}
				return fmt.Errorf("register message id %q: %w", id, err)
			}
		}
	}

	return nil
}

func isUniqueViolation(err error) bool {
	var sqliteErr sqlite3.Error
	if !errors.As(err, &sqliteErr) {
		return false
	}
	return sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey ||
		sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique
}
