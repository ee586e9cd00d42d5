// Package stats is the builtin extension that records connection,
// subscription and message activity to its own database. It never vetoes
// and never waits on its database before replying.
package stats

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/alfredjeanlab/booger/internal/migrate"
	"github.com/alfredjeanlab/booger/internal/plugs"
	"github.com/alfredjeanlab/booger/internal/store/postgres"
)

const (
	// Name is the extension's name in plugs.use and its config section.
	Name = "stats"
	// MigrationsTable is the ledger for the stats schema.
	MigrationsTable = "booger_stats_migrations"

	defaultQueueSize = 1024
	writeTimeout     = 5 * time.Second
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Plug writes activity rows to the stats database.
type Plug struct {
	db        *sql.DB
	logger    *slog.Logger
	queueSize int
}

var _ plugs.Extension = (*Plug)(nil)

// New returns a plug over db. Migrate must run before the plug joins a bus.
func New(db *sql.DB, logger *slog.Logger) *Plug {
	if logger == nil {
		logger = slog.Default()
	}
	return &Plug{db: db, logger: logger, queueSize: defaultQueueSize}
}

// Open connects to the database named by the provider, creating it if needed.
func Open(ctx context.Context, p plugs.ConfigProvider, logger *slog.Logger) (*Plug, error) {
	url := p.PlugDB(Name)
	if url == "" {
		return nil, fmt.Errorf("%s: no database configured", Name)
	}
	db, err := postgres.Connect(ctx, url, logger)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", Name, err)
	}
	return New(db, logger), nil
}

// Migrate applies the plug's schema.
func (p *Plug) Migrate(ctx context.Context) error {
	migrations, err := migrate.FromFS(migrationsFS, "migrations")
	if err != nil {
		return err
	}
	return migrate.New(p.db, MigrationsTable, p.logger).Run(ctx, migrations)
}

func (p *Plug) Name() string { return Name }

func (p *Plug) Capabilities(context.Context) ([]plugs.Action, error) {
	return []plugs.Action{
		plugs.ActionConnect,
		plugs.ActionDisconnect,
		plugs.ActionSub,
		plugs.ActionUnsub,
		plugs.ActionEOSE,
		plugs.ActionNotice,
		plugs.ActionError,
	}, nil
}

// Run accepts every request at once and hands it to a single writer, so a
// slow stats database never holds up the relay. Requests that arrive while
// the queue is full are dropped.
func (p *Plug) Run(ctx context.Context, inbox <-chan plugs.Request, outbox chan<- plugs.Reply) error {
	queue := make(chan plugs.Request, p.queueSize)
	done := make(chan struct{})
	go func() {
		defer close(done)
		p.write(context.WithoutCancel(ctx), queue)
	}()

	err := plugs.Serve(ctx, inbox, outbox, func(_ context.Context, req plugs.Request) plugs.Reply {
		select {
		case queue <- req:
		default:
			p.logger.Warn("stats queue full, dropping", "action", req.Action, "conn", req.Conn.ID)
		}
		return plugs.Accept()
	})
	close(queue)
	<-done
	return err
}

// write records queued requests in arrival order until queue is closed.
func (p *Plug) write(ctx context.Context, queue <-chan plugs.Request) {
	for req := range queue {
		wctx, cancel := context.WithTimeout(ctx, writeTimeout)
		if err := p.record(wctx, req); err != nil {
			p.logger.Warn("recording stats", "action", req.Action, "conn", req.Conn.ID, "error", err)
		}
		cancel()
	}
}

// Close closes the stats database.
func (p *Plug) Close() error {
	return p.db.Close()
}

func (p *Plug) record(ctx context.Context, req plugs.Request) error {
	conn, data := req.Conn, req.Data
	switch req.Action {
	case plugs.ActionConnect:
		headers, err := json.Marshal(conn.Headers)
		if err != nil {
			return err
		}
		_, err = p.db.ExecContext(ctx,
			`INSERT INTO conns (id, ip, headers) VALUES ($1, $2, $3) ON CONFLICT (id) DO NOTHING`,
			conn.ID, conn.IP(), string(headers))
		return err
	case plugs.ActionDisconnect:
		_, err := p.db.ExecContext(ctx, `UPDATE conns SET closed_at = NOW() WHERE id = $1`, conn.ID)
		return err
	case plugs.ActionSub:
		return p.recordSub(ctx, conn.ID, data)
	case plugs.ActionUnsub:
		_, err := p.db.ExecContext(ctx,
			`UPDATE subs SET closed_at = NOW() WHERE conn_id = $1 AND nostr_sub_id = $2 AND closed_at IS NULL`,
			conn.ID, data.SubID)
		return err
	case plugs.ActionEOSE:
		_, err := p.db.ExecContext(ctx,
			`UPDATE subs SET eose_at = NOW(), eose_count = $3 WHERE conn_id = $1 AND nostr_sub_id = $2 AND closed_at IS NULL`,
			conn.ID, data.SubID, data.Count)
		return err
	case plugs.ActionNotice:
		_, err := p.db.ExecContext(ctx, `INSERT INTO notices (conn_id, msg) VALUES ($1, $2)`, conn.ID, data.Message)
		return err
	case plugs.ActionError:
		_, err := p.db.ExecContext(ctx, `INSERT INTO errors (conn_id, error) VALUES ($1, $2)`, conn.ID, data.Message)
		return err
	}
	return nil
}

// recordSub closes any open row for the same subscription id, since a
// repeated REQ replaces it, then records the new one with its filters.
func (p *Plug) recordSub(ctx context.Context, connID string, data plugs.Data) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	if err := insertSub(ctx, tx, connID, data); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

func insertSub(ctx context.Context, tx *sql.Tx, connID string, data plugs.Data) error {
	_, err := tx.ExecContext(ctx,
		`UPDATE subs SET closed_at = NOW() WHERE conn_id = $1 AND nostr_sub_id = $2 AND closed_at IS NULL`,
		connID, data.SubID)
	if err != nil {
		return err
	}
	var subID int64
	err = tx.QueryRowContext(ctx,
		`INSERT INTO subs (conn_id, nostr_sub_id) VALUES ($1, $2) RETURNING id`,
		connID, data.SubID).Scan(&subID)
	if err != nil {
		return err
	}
	for i, f := range data.Filters {
		body, err := json.Marshal(f)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO filters (sub_id, position, body) VALUES ($1, $2, $3)`,
			subID, i, string(body))
		if err != nil {
			return err
		}
	}
	return nil
}
