// Package limits is the builtin extension that caps connections,
// subscriptions, filters and event rate per client address.
package limits

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"embed"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"

	"github.com/alfredjeanlab/booger/internal/migrate"
	"github.com/alfredjeanlab/booger/internal/plugs"
	"github.com/alfredjeanlab/booger/internal/store/postgres"
)

const (
	// Name is the extension's name in plugs.use and its config section.
	Name = "limits"
	// MigrationsTable is the ledger for the limits schema.
	MigrationsTable = "booger_limits_migrations"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Rejection reasons.
const (
	ReasonConnections   = "blocked: too many connections"
	ReasonSubscriptions = "blocked: too many subscriptions"
	ReasonFilters       = "blocked: too many filters"
	ReasonEvents        = "blocked: too many events"
	ReasonDuplicate     = "blocked: duplicate content"
	reasonUnavailable   = "error: limits unavailable"
)

// Config holds the per-address limits.
type Config struct {
	MaxConnections   int         `toml:"max_connections"`
	MaxSubscriptions int         `toml:"max_subscriptions"`
	MaxFilters       int         `toml:"max_filters"`
	Events           EventLimits `toml:"events"`
}

// EventLimits bounds events per sliding interval.
type EventLimits struct {
	// Interval is the window length in seconds.
	Interval int `toml:"interval"`
	Count    int `toml:"count"`
	// DuplicateContentIgnoreLen enables duplicate detection for content
	// longer than this many bytes. Zero disables it.
	DuplicateContentIgnoreLen int `toml:"duplicate_content_ignore_len"`
}

// DefaultConfig returns the stock limits.
func DefaultConfig() Config {
	return Config{
		MaxConnections:   20,
		MaxSubscriptions: 100,
		MaxFilters:       1000,
		Events: EventLimits{
			Interval: 60,
			Count:    100,
		},
	}
}

// Plug enforces Config against its own database, so limits hold across
// relay processes sharing it.
type Plug struct {
	db     *sql.DB
	cfg    Config
	logger *slog.Logger
}

var _ plugs.Extension = (*Plug)(nil)

// New returns a plug over db. Migrate must run before the plug joins a bus.
func New(db *sql.DB, cfg Config, logger *slog.Logger) *Plug {
	if logger == nil {
		logger = slog.Default()
	}
	return &Plug{db: db, cfg: cfg, logger: logger}
}

// Open connects to the database named by the provider and reads the plug's
// limits over the defaults.
func Open(ctx context.Context, p plugs.ConfigProvider, logger *slog.Logger) (*Plug, error) {
	cfg := DefaultConfig()
	if err := p.DecodePlug(Name, &cfg); err != nil {
		return nil, err
	}
	url := p.PlugDB(Name)
	if url == "" {
		return nil, fmt.Errorf("%s: no database configured", Name)
	}
	db, err := postgres.Connect(ctx, url, logger)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", Name, err)
	}
	return New(db, cfg, logger), nil
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
		plugs.ActionEvent,
		plugs.ActionSub,
		plugs.ActionUnsub,
		plugs.ActionConnect,
		plugs.ActionDisconnect,
	}, nil
}

func (p *Plug) Run(ctx context.Context, inbox <-chan plugs.Request, outbox chan<- plugs.Reply) error {
	return plugs.Serve(ctx, inbox, outbox, p.handle)
}

// Close closes the limits database.
func (p *Plug) Close() error {
	return p.db.Close()
}

// errBlocked carries a client-facing rejection reason.
type errBlocked string

func (e errBlocked) Error() string { return string(e) }

func (p *Plug) handle(ctx context.Context, req plugs.Request) plugs.Reply {
	var err error
	ip := req.Conn.IP()
	switch req.Action {
	case plugs.ActionConnect:
		err = p.connect(ctx, ip)
	case plugs.ActionDisconnect:
		err = p.disconnect(ctx, ip, req.Conn.ID)
	case plugs.ActionSub:
		err = p.sub(ctx, ip, req.Conn.ID, req.Data)
	case plugs.ActionUnsub:
		_, err = p.db.ExecContext(ctx,
			`DELETE FROM subs WHERE conn_id = $1 AND nostr_sub_id = $2`, req.Conn.ID, req.Data.SubID)
	case plugs.ActionEvent:
		err = p.event(ctx, ip, req.Conn.ID, req.Data)
	}
	if err == nil {
		return plugs.Accept()
	}
	var blocked errBlocked
	if errors.As(err, &blocked) {
		return plugs.Reject(string(blocked))
	}
	p.logger.Warn("checking limits", "action", req.Action, "ip", ip, "error", err)
	return plugs.Reject(reasonUnavailable)
}

// connect counts the connection even when it is over the limit; the relay
// always follows a connect with a disconnect, which undoes it.
func (p *Plug) connect(ctx context.Context, ip string) error {
	var count int
	err := p.db.QueryRowContext(ctx, `
		INSERT INTO conns (ip, count) VALUES ($1, 1)
		ON CONFLICT (ip) DO UPDATE SET count = conns.count + 1
		RETURNING count`, ip).Scan(&count)
	if err != nil {
		return fmt.Errorf("count connection: %w", err)
	}
	if count > p.cfg.MaxConnections {
		return errBlocked(ReasonConnections)
	}
	return nil
}

func (p *Plug) disconnect(ctx context.Context, ip, connID string) error {
	return p.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `UPDATE conns SET count = count - 1 WHERE ip = $1`, ip); err != nil {
			return fmt.Errorf("release connection: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM conns WHERE ip = $1 AND count <= 0`, ip); err != nil {
			return fmt.Errorf("release connection: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM subs WHERE conn_id = $1`, connID); err != nil {
			return fmt.Errorf("release subscriptions: %w", err)
		}
		return nil
	})
}

// sub counts the address's other subscriptions, so a REQ that reuses an id
// replaces its earlier row instead of adding to it.
func (p *Plug) sub(ctx context.Context, ip, connID string, data plugs.Data) error {
	return p.inTx(ctx, func(tx *sql.Tx) error {
		var subs, filters int
		err := tx.QueryRowContext(ctx, `
			SELECT count(*), COALESCE(sum(filter_count), 0) FROM subs
			WHERE ip = $1 AND NOT (conn_id = $2 AND nostr_sub_id = $3)`,
			ip, connID, data.SubID).Scan(&subs, &filters)
		if err != nil {
			return fmt.Errorf("count subscriptions: %w", err)
		}
		if subs >= p.cfg.MaxSubscriptions {
			return errBlocked(ReasonSubscriptions)
		}
		if filters+len(data.Filters) > p.cfg.MaxFilters {
			return errBlocked(ReasonFilters)
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO subs (ip, conn_id, nostr_sub_id, filter_count) VALUES ($1, $2, $3, $4)
			ON CONFLICT (conn_id, nostr_sub_id) DO UPDATE SET filter_count = EXCLUDED.filter_count`,
			ip, connID, data.SubID, len(data.Filters))
		if err != nil {
			return fmt.Errorf("record subscription: %w", err)
		}
		return nil
	})
}

// event expires rows outside the window, applies the rate limit and, when
// enabled, rejects content already seen inside the window.
func (p *Plug) event(ctx context.Context, ip, connID string, data plugs.Data) error {
	if data.Event == nil {
		return nil
	}
	var hash sql.NullString
	if n := p.cfg.Events.DuplicateContentIgnoreLen; n > 0 && len(data.Event.Content) > n {
		sum := sha256.Sum256([]byte(data.Event.Content))
		hash = sql.NullString{String: hex.EncodeToString(sum[:]), Valid: true}
	}
	interval := p.cfg.Events.Interval

	return p.inTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`DELETE FROM events WHERE created_at < NOW() - make_interval(secs => $1)`, interval)
		if err != nil {
			return fmt.Errorf("expire events: %w", err)
		}
		var count int
		err = tx.QueryRowContext(ctx,
			`SELECT count(*) FROM events WHERE ip = $1`, ip).Scan(&count)
		if err != nil {
			return fmt.Errorf("count events: %w", err)
		}
		if count >= p.cfg.Events.Count {
			return errBlocked(ReasonEvents)
		}
		result, err := tx.ExecContext(ctx, `
			INSERT INTO events (ip, conn_id, content_hash, kind) VALUES ($1, $2, $3, $4)
			ON CONFLICT (content_hash) DO NOTHING`,
			ip, connID, hash, data.Event.Kind)
		if err != nil {
			return fmt.Errorf("record event: %w", err)
		}
		n, err := result.RowsAffected()
		if err != nil {
			return fmt.Errorf("record event: %w", err)
		}
		if n == 0 {
			return errBlocked(ReasonDuplicate)
		}
		return nil
	})
}

func (p *Plug) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := p.db.BeginTx(ctx, nil)
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
