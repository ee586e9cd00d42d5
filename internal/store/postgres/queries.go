package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"

	"github.com/lib/pq"

	"github.com/alfredjeanlab/booger/internal/model"
	"github.com/alfredjeanlab/booger/internal/store"
)

// executor is the interface satisfied by both *sql.DB and *sql.Tx.
type executor interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// persistEvent applies the mutation rules for a non-ephemeral event. It must
// run inside a transaction.
func persistEvent(ctx context.Context, db executor, e *model.Event) (store.PersistResult, error) {
	var res store.PersistResult

	raw, err := e.Raw()
	if err != nil {
		return res, fmt.Errorf("encode event: %w", err)
	}

	var deleted bool
	err = db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM deleted_event WHERE id = $1 AND pubkey = $2)`,
		e.ID, e.PubKey).Scan(&deleted)
	if err != nil {
		return res, fmt.Errorf("check deleted: %w", err)
	}
	if deleted {
		res.Outcome = store.Deleted
		return res, nil
	}

	var dTag sql.NullString
	if model.IsReplaceable(e.Kind) || model.IsParamReplaceable(e.Kind) {
		if model.IsParamReplaceable(e.Kind) {
			dTag = sql.NullString{String: e.DTag(), Valid: true}
		}
		superseded, removed, err := replace(ctx, db, e, dTag)
		if err != nil {
			return res, err
		}
		if superseded {
			res.Outcome = store.Superseded
			return res, nil
		}
		res.Removed += removed
	}

	var expiresAt sql.NullInt64
	if ts, ok := e.Expiration(); ok {
		expiresAt = sql.NullInt64{Int64: ts, Valid: true}
	}

	result, err := db.ExecContext(ctx, `
		INSERT INTO event (id, pubkey, delegator, created_at, kind, d_tag, expires_at, raw)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO NOTHING`,
		e.ID, e.PubKey, nullString(e.Delegator()), e.CreatedAt, e.Kind, dTag, expiresAt, string(raw),
	)
	if err != nil {
		return res, fmt.Errorf("insert event: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return res, fmt.Errorf("insert event: %w", err)
	}
	if n == 0 {
		res.Outcome = store.Duplicate
		return res, nil
	}

	for i, t := range e.Tags {
		values := t.Values()
		if values == nil {
			values = []string{}
		}
		_, err := db.ExecContext(ctx,
			`INSERT INTO tag (event_id, position, name, tag_values) VALUES ($1, $2, $3, $4)`,
			e.ID, i, t.Name(), pq.Array(values))
		if err != nil {
			return res, fmt.Errorf("insert tag %d: %w", i, err)
		}
	}

	if e.Kind == model.KindTombstone {
		removed, err := tombstone(ctx, db, e)
		if err != nil {
			return res, err
		}
		res.Removed += removed
	}

	res.Outcome = store.Stored
	return res, nil
}

// replace serializes writers on the replacement key, reports whether a
// winning row already exists, and otherwise deletes every row the new event
// supersedes. A row wins if it is newer, or equally new with a lower id.
func replace(ctx context.Context, db executor, e *model.Event, dTag sql.NullString) (superseded bool, removed int64, err error) {
	key := strconv.Itoa(e.Kind) + ":" + e.PubKey
	if dTag.Valid {
		key += ":" + dTag.String
	}
	if _, err := db.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, key); err != nil {
		return false, 0, fmt.Errorf("lock replacement key: %w", err)
	}

	err = db.QueryRowContext(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM event
			WHERE kind = $1 AND pubkey = $2 AND d_tag IS NOT DISTINCT FROM $3
			AND (created_at > $4 OR (created_at = $4 AND id < $5))
		)`,
		e.Kind, e.PubKey, dTag, e.CreatedAt, e.ID).Scan(&superseded)
	if err != nil {
		return false, 0, fmt.Errorf("check replacement: %w", err)
	}
	if superseded {
		return true, 0, nil
	}

	result, err := db.ExecContext(ctx, `
		DELETE FROM event
		WHERE kind = $1 AND pubkey = $2 AND d_tag IS NOT DISTINCT FROM $3
		AND (created_at < $4 OR (created_at = $4 AND id > $5))`,
		e.Kind, e.PubKey, dTag, e.CreatedAt, e.ID)
	if err != nil {
		return false, 0, fmt.Errorf("delete replaced: %w", err)
	}
	removed, err = result.RowsAffected()
	if err != nil {
		return false, 0, fmt.Errorf("delete replaced: %w", err)
	}
	return false, removed, nil
}

// tombstone deletes every "e"-referenced event authored by the tombstone's
// own pubkey and remembers the pairs so the targets cannot be resubmitted.
func tombstone(ctx context.Context, db executor, e *model.Event) (int64, error) {
	targets := e.Targets()
	if len(targets) == 0 {
		return 0, nil
	}
	result, err := db.ExecContext(ctx,
		`DELETE FROM event WHERE id = ANY($1::TEXT[]) AND pubkey = $2`,
		pq.Array(targets), e.PubKey)
	if err != nil {
		return 0, fmt.Errorf("delete targets: %w", err)
	}
	removed, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("delete targets: %w", err)
	}
	_, err = db.ExecContext(ctx, `
		INSERT INTO deleted_event (id, pubkey)
		SELECT unnest($1::TEXT[]), $2
		ON CONFLICT DO NOTHING`,
		pq.Array(targets), e.PubKey)
	if err != nil {
		return 0, fmt.Errorf("record deleted: %w", err)
	}
	return removed, nil
}

func queryGet(ctx context.Context, db executor, id string, now int64) ([]byte, error) {
	var raw string
	err := db.QueryRowContext(ctx,
		`SELECT raw FROM event WHERE id = $1 AND (expires_at IS NULL OR expires_at > $2)`,
		id, now).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get event: %w", err)
	}
	return []byte(raw), nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
