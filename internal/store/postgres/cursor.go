package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"sync/atomic"

	"github.com/alfredjeanlab/booger/internal/model"
	"github.com/alfredjeanlab/booger/internal/store"
)

var cursorSeq atomic.Uint64

// cursor is a server-side NO SCROLL cursor fetched in bounded batches.
type cursor struct {
	tx     *sql.Tx
	name   string
	owned  bool
	done   bool
	closed bool
}

var _ store.Cursor = (*cursor)(nil)

// declareCursor declares a cursor for f inside tx. When owned is true the
// cursor rolls tx back on Close.
func declareCursor(ctx context.Context, tx *sql.Tx, f model.Filter, now int64, owned bool) (*cursor, error) {
	q, args := buildFilterQuery(f, now)
	name := fmt.Sprintf("booger_cursor_%d", cursorSeq.Add(1))
	if _, err := tx.ExecContext(ctx, "DECLARE "+name+" NO SCROLL CURSOR FOR "+q, args...); err != nil {
		return nil, fmt.Errorf("declare cursor: %w", err)
	}
	return &cursor{tx: tx, name: name, owned: owned}, nil
}

// Next fetches the next batch of raw events.
func (c *cursor) Next(ctx context.Context) ([][]byte, error) {
	if c.closed || c.done {
		return nil, io.EOF
	}
	rows, err := c.tx.QueryContext(ctx, fmt.Sprintf("FETCH FORWARD %d FROM %s", store.QueryBatchSize, c.name))
	if err != nil {
		return nil, fmt.Errorf("fetch cursor: %w", err)
	}
	defer rows.Close()

	batch := make([][]byte, 0, store.QueryBatchSize)
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		batch = append(batch, []byte(raw))
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("fetch cursor: %w", err)
	}
	if len(batch) < store.QueryBatchSize {
		c.done = true
	}
	if len(batch) == 0 {
		return nil, io.EOF
	}
	return batch, nil
}

// Close releases the cursor and, when owned, its transaction.
func (c *cursor) Close() error {
	if c.closed {
		return nil
	}
	c.closed = true
	_, cerr := c.tx.Exec("CLOSE " + c.name)
	if c.owned {
		if err := c.tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
			return fmt.Errorf("release cursor: %w", err)
		}
		return nil
	}
	if cerr != nil {
		return fmt.Errorf("close cursor: %w", cerr)
	}
	return nil
}

type cursorOpener interface {
	OpenCursor(ctx context.Context, f model.Filter) (store.Cursor, error)
}

// queryFilters streams each filter through its own cursor in turn.
func queryFilters(ctx context.Context, s cursorOpener, filters []model.Filter, onRaw func(raw []byte) error) error {
	for _, f := range filters {
		if err := queryFilter(ctx, s, f, onRaw); err != nil {
			return err
		}
	}
	return nil
}

func queryFilter(ctx context.Context, s cursorOpener, f model.Filter, onRaw func(raw []byte) error) error {
	c, err := s.OpenCursor(ctx, f)
	if err != nil {
		return err
	}
	defer c.Close()

	for {
		batch, err := c.Next(ctx)
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		for _, raw := range batch {
			if err := onRaw(raw); err != nil {
				return err
			}
		}
	}
}
