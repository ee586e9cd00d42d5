// Package migrate applies ordered schema migrations to a PostgreSQL database
// exactly once, serialized across processes by an advisory lock and checked
// against a content-hash ledger.
package migrate

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/lib/pq"
)

// DefaultLockKey is the advisory lock key shared by every coordinator.
const DefaultLockKey int64 = -800635800635800635

var (
	// ErrLockTimeout is returned when the advisory lock could not be acquired
	// within the coordinator's LockTimeout.
	ErrLockTimeout = errors.New("migrate: timed out waiting for advisory lock")

	// ErrDivergence marks applied migrations that no longer match the
	// candidate set. It is never retryable.
	ErrDivergence = errors.New("migrate: applied migrations diverge")
)

// Migration is a named schema change.
type Migration struct {
	Name string
	Body string
}

// Hash returns hex(sha256(name + body)).
func (m Migration) Hash() string {
	sum := sha256.Sum256([]byte(m.Name + m.Body))
	return hex.EncodeToString(sum[:])
}

// DivergenceError describes the first applied migration that does not match
// the candidate at the same position.
type DivergenceError struct {
	Position int
	Name     string
	Reason   string
}

func (e *DivergenceError) Error() string {
	return fmt.Sprintf("migrate: migration %d (%s) %s", e.Position, e.Name, e.Reason)
}

func (e *DivergenceError) Unwrap() error { return ErrDivergence }

// Coordinator runs migrations for one store against its own ledger table.
type Coordinator struct {
	DB    *sql.DB
	Table string

	LockKey         int64
	PollInterval    time.Duration
	MaxPollInterval time.Duration
	LockTimeout     time.Duration

	Logger *slog.Logger
}

// New returns a Coordinator with the default lock key and polling policy.
func New(db *sql.DB, table string, logger *slog.Logger) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{
		DB:              db,
		Table:           table,
		LockKey:         DefaultLockKey,
		PollInterval:    250 * time.Millisecond,
		MaxPollInterval: 5 * time.Second,
		LockTimeout:     2 * time.Minute,
		Logger:          logger,
	}
}

// Run applies every migration not yet recorded in the ledger table. User
// migrations are applied in ascending name order after the ledger's own
// bookkeeping migration.
func (c *Coordinator) Run(ctx context.Context, migrations []Migration) (err error) {
	if c.Table == "" {
		return errors.New("migrate: ledger table name is required")
	}

	conn, err := c.DB.Conn(ctx)
	if err != nil {
		return fmt.Errorf("migrate: acquire connection: %w", err)
	}
	defer conn.Close()

	if err := c.lock(ctx, conn); err != nil {
		return err
	}
	defer func() {
		if uerr := c.unlock(conn); uerr != nil {
			c.Logger.Error("migrate: release advisory lock", "table", c.Table, "err", uerr)
			if err == nil {
				err = uerr
			}
		}
	}()

	candidates := c.candidates(migrations)
	applied, err := c.applied(ctx, conn)
	if err != nil {
		return err
	}
	if err := verify(applied, candidates); err != nil {
		return err
	}

	for _, m := range candidates[len(applied):] {
		if err := c.apply(ctx, conn, m); err != nil {
			return err
		}
		c.Logger.Info("migrate: applied", "table", c.Table, "migration", m.Name)
	}
	return nil
}

// candidates prepends the bookkeeping migration to the sorted user set.
func (c *Coordinator) candidates(migrations []Migration) []Migration {
	sorted := make([]Migration, len(migrations))
	copy(sorted, migrations)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Name < sorted[j].Name })

	bookkeeping := Migration{
		Name: "create_" + c.Table,
		Body: fmt.Sprintf(`CREATE TABLE %s (
	id SERIAL PRIMARY KEY,
	name TEXT UNIQUE NOT NULL,
	hash TEXT NOT NULL,
	applied_at TIMESTAMPTZ NOT NULL DEFAULT now()
);`, pq.QuoteIdentifier(c.Table)),
	}
	return append([]Migration{bookkeeping}, sorted...)
}

// lock polls pg_try_advisory_lock with exponential backoff until it succeeds,
// ctx ends, or LockTimeout elapses.
func (c *Coordinator) lock(ctx context.Context, conn *sql.Conn) error {
	deadline := time.Now().Add(c.LockTimeout)
	wait := c.PollInterval
	if wait <= 0 {
		wait = 250 * time.Millisecond
	}
	for {
		var ok bool
		if err := conn.QueryRowContext(ctx, `SELECT pg_try_advisory_lock($1)`, c.LockKey).Scan(&ok); err != nil {
			return fmt.Errorf("migrate: try advisory lock: %w", err)
		}
		if ok {
			return nil
		}
		if !time.Now().Add(wait).Before(deadline) {
			return ErrLockTimeout
		}
		c.Logger.Debug("migrate: waiting for advisory lock", "table", c.Table, "wait", wait)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
		wait *= 2
		if c.MaxPollInterval > 0 && wait > c.MaxPollInterval {
			wait = c.MaxPollInterval
		}
	}
}

// unlock releases the lock even when the run's context is already done.
func (c *Coordinator) unlock(conn *sql.Conn) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	var released bool
	if err := conn.QueryRowContext(ctx, `SELECT pg_advisory_unlock($1)`, c.LockKey).Scan(&released); err != nil {
		return fmt.Errorf("migrate: release advisory lock: %w", err)
	}
	if !released {
		return errors.New("migrate: advisory lock was not held")
	}
	return nil
}

type record struct {
	name string
	hash string
}

// applied reads the ledger in application order; a missing ledger table
// means nothing has been applied.
func (c *Coordinator) applied(ctx context.Context, conn *sql.Conn) ([]record, error) {
	var exists bool
	err := conn.QueryRowContext(ctx, `
		SELECT EXISTS (
			SELECT 1
			FROM pg_catalog.pg_class c
			JOIN pg_catalog.pg_namespace n ON n.oid = c.relnamespace
			WHERE c.relname = $1 AND c.relkind = 'r' AND n.nspname = current_schema()
		)`, c.Table).Scan(&exists)
	if err != nil {
		return nil, fmt.Errorf("migrate: check ledger table: %w", err)
	}
	if !exists {
		return nil, nil
	}

	rows, err := conn.QueryContext(ctx, fmt.Sprintf(`SELECT name, hash FROM %s ORDER BY id ASC`, pq.QuoteIdentifier(c.Table)))
	if err != nil {
		return nil, fmt.Errorf("migrate: read ledger: %w", err)
	}
	defer rows.Close()

	var out []record
	for rows.Next() {
		var r record
		if err := rows.Scan(&r.name, &r.hash); err != nil {
			return nil, fmt.Errorf("migrate: scan ledger: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// verify requires every applied record to match the candidate at the same
// position by name and hash.
func verify(applied []record, candidates []Migration) error {
	index := make(map[string]int, len(candidates))
	for i, m := range candidates {
		index[m.Name] = i
	}
	for i, r := range applied {
		if i >= len(candidates) {
			return &DivergenceError{Position: i, Name: r.name, Reason: "is applied but was not found in migrations"}
		}
		m := candidates[i]
		if m.Name != r.name {
			if _, ok := index[r.name]; ok {
				return &DivergenceError{Position: i, Name: r.name, Reason: "is applied out of order"}
			}
			return &DivergenceError{Position: i, Name: r.name, Reason: "is applied but was not found in migrations"}
		}
		if m.Hash() != r.hash {
			return &DivergenceError{Position: i, Name: r.name, Reason: "is applied but its hash has changed"}
		}
	}
	return nil
}

// apply runs one migration and its ledger insert in a single transaction.
func (c *Coordinator) apply(ctx context.Context, conn *sql.Conn, m Migration) error {
	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("migrate: begin %s: %w", m.Name, err)
	}
	if _, err := tx.ExecContext(ctx, m.Body); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("migrate: apply %s: %w", m.Name, err)
	}
	insert := fmt.Sprintf(`INSERT INTO %s (name, hash) VALUES ($1, $2)`, pq.QuoteIdentifier(c.Table))
	if _, err := tx.ExecContext(ctx, insert, m.Name, m.Hash()); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("migrate: record %s: %w", m.Name, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("migrate: commit %s: %w", m.Name, err)
	}
	return nil
}
