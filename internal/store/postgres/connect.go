package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/lib/pq"
)

// codeInvalidCatalog is returned by PostgreSQL when the database does not exist.
const codeInvalidCatalog = "3D000"

// Connect opens the database at databaseURL, creating it first when the
// server reports that it does not exist, and configures the pool.
func Connect(ctx context.Context, databaseURL string, logger *slog.Logger) (*sql.DB, error) {
	if logger == nil {
		logger = slog.Default()
	}
	db, err := open(ctx, databaseURL)
	if isMissingDatabase(err) {
		logger.Info("creating database", "db", redact(databaseURL))
		if cerr := createDatabase(ctx, databaseURL); cerr != nil {
			return nil, cerr
		}
		db, err = open(ctx, databaseURL)
	}
	if err != nil {
		return nil, err
	}
	return db, nil
}

func open(ctx context.Context, databaseURL string) (*sql.DB, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return db, nil
}

func isMissingDatabase(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == codeInvalidCatalog
}

// createDatabase connects to the server's maintenance database and issues
// CREATE DATABASE for the database named in databaseURL.
func createDatabase(ctx context.Context, databaseURL string) error {
	u, err := url.Parse(databaseURL)
	if err != nil {
		return fmt.Errorf("parse database url: %w", err)
	}
	name := strings.TrimPrefix(u.Path, "/")
	if name == "" {
		return errors.New("database url has no database name")
	}
	u.Path = "/postgres"

	admin, err := open(ctx, u.String())
	if err != nil {
		return fmt.Errorf("connect to maintenance database: %w", err)
	}
	defer admin.Close()

	if _, err := admin.ExecContext(ctx, "CREATE DATABASE "+pq.QuoteIdentifier(name)); err != nil {
		return fmt.Errorf("create database %s: %w", name, err)
	}
	return nil
}

// redact strips the password from a database URL for logging.
func redact(databaseURL string) string {
	u, err := url.Parse(databaseURL)
	if err != nil {
		return "<invalid url>"
	}
	return u.Redacted()
}
