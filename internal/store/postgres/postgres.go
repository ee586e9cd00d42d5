// Package postgres implements the store.Store interface backed by PostgreSQL.
package postgres

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"log/slog"
	"time"

	_ "github.com/lib/pq"

	"github.com/alfredjeanlab/booger/internal/migrate"
	"github.com/alfredjeanlab/booger/internal/model"
	"github.com/alfredjeanlab/booger/internal/store"
)

// MigrationsTable is the ledger table for the event store's schema.
const MigrationsTable = "booger_migrations"

//go:embed migrations/*.sql
var migrationsFS embed.FS

// PostgresStore implements store.Store backed by a PostgreSQL database.
type PostgresStore struct {
	db  *sql.DB
	now func() time.Time
}

// Compile-time check that PostgresStore implements store.Store.
var _ store.Store = (*PostgresStore)(nil)

// New connects to the PostgreSQL database at the given URL, creating it if
// needed, and runs any pending migrations.
func New(ctx context.Context, databaseURL string, logger *slog.Logger) (*PostgresStore, error) {
	db, err := Connect(ctx, databaseURL, logger)
	if err != nil {
		return nil, err
	}
	if err := Migrate(ctx, db, logger); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return NewWithDB(db), nil
}

// NewWithDB wraps an already migrated database.
func NewWithDB(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db, now: time.Now}
}

// Migrations returns the event store's embedded schema migrations.
func Migrations() ([]migrate.Migration, error) {
	return migrate.FromFS(migrationsFS, "migrations")
}

// Migrate applies the event store schema through the migration coordinator.
func Migrate(ctx context.Context, db *sql.DB, logger *slog.Logger) error {
	migrations, err := Migrations()
	if err != nil {
		return err
	}
	return migrate.New(db, MigrationsTable, logger).Run(ctx, migrations)
}

// DB returns the underlying connection pool.
func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

// Close closes the underlying database connection.
func (s *PostgresStore) Close() error {
	return s.db.Close()
}

// Persist runs the mutation rules for e in its own transaction. Ephemeral
// kinds never reach the database.
func (s *PostgresStore) Persist(ctx context.Context, e *model.Event) (store.PersistResult, error) {
	if model.IsEphemeral(e.Kind) {
		return store.PersistResult{Outcome: store.Ephemeral}, nil
	}
	var res store.PersistResult
	err := s.inTx(ctx, nil, func(tx *sql.Tx) error {
		var err error
		res, err = persistEvent(ctx, tx, e)
		return err
	})
	return res, err
}

func (s *PostgresStore) Query(ctx context.Context, filters []model.Filter, onRaw func(raw []byte) error) error {
	return queryFilters(ctx, s, filters, onRaw)
}

// OpenCursor begins a read-only transaction that the cursor owns.
func (s *PostgresStore) OpenCursor(ctx context.Context, f model.Filter) (store.Cursor, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	c, err := declareCursor(ctx, tx, f, s.now().Unix(), true)
	if err != nil {
		_ = tx.Rollback()
		return nil, err
	}
	return c, nil
}

func (s *PostgresStore) Get(ctx context.Context, id string) ([]byte, error) {
	return queryGet(ctx, s.db, id, s.now().Unix())
}

// RunInTransaction begins a database transaction, creates a txStore that
// delegates to it, calls fn, and commits on success or rolls back on error.
func (s *PostgresStore) RunInTransaction(ctx context.Context, fn func(tx store.Store) error) error {
	return s.inTx(ctx, nil, func(tx *sql.Tx) error {
		return fn(&txStore{tx: tx, now: s.now})
	})
}

func (s *PostgresStore) inTx(ctx context.Context, opts *sql.TxOptions, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, opts)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}

	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// txStore implements store.Store using a *sql.Tx.
type txStore struct {
	tx  *sql.Tx
	now func() time.Time
}

// Compile-time check that txStore implements store.Store.
var _ store.Store = (*txStore)(nil)

func (s *txStore) Persist(ctx context.Context, e *model.Event) (store.PersistResult, error) {
	if model.IsEphemeral(e.Kind) {
		return store.PersistResult{Outcome: store.Ephemeral}, nil
	}
	return persistEvent(ctx, s.tx, e)
}

func (s *txStore) Query(ctx context.Context, filters []model.Filter, onRaw func(raw []byte) error) error {
	return queryFilters(ctx, s, filters, onRaw)
}

// OpenCursor declares the cursor inside the enclosing transaction, which
// stays open after the cursor is closed.
func (s *txStore) OpenCursor(ctx context.Context, f model.Filter) (store.Cursor, error) {
	return declareCursor(ctx, s.tx, f, s.now().Unix(), false)
}

func (s *txStore) Get(ctx context.Context, id string) ([]byte, error) {
	return queryGet(ctx, s.tx, id, s.now().Unix())
}

// RunInTransaction on a txStore reuses the existing transaction.
func (s *txStore) RunInTransaction(_ context.Context, fn func(tx store.Store) error) error {
	return fn(s)
}

// Close is a no-op for txStore; the parent transaction is managed by RunInTransaction.
func (s *txStore) Close() error {
	return nil
}
