package store

import (
	"context"
	"errors"

	"github.com/alfredjeanlab/booger/internal/model"
)

// ErrNotFound is returned when a requested event does not exist or has expired.
var ErrNotFound = errors.New("not found")

// QueryBatchSize is the number of rows a cursor fetches per round trip.
const QueryBatchSize = 100

// Outcome describes what Persist did with an event.
type Outcome int

const (
	// Stored means the event was inserted.
	Stored Outcome = iota
	// Duplicate means an event with the same id already exists.
	Duplicate
	// Ephemeral means the kind is never persisted.
	Ephemeral
	// Superseded means a newer replaceable event already holds the key.
	Superseded
	// Deleted means the author already deleted this id with a tombstone.
	Deleted
)

func (o Outcome) String() string {
	switch o {
	case Stored:
		return "stored"
	case Duplicate:
		return "duplicate"
	case Ephemeral:
		return "ephemeral"
	case Superseded:
		return "superseded"
	case Deleted:
		return "deleted"
	default:
		return "unknown"
	}
}

// PersistResult reports the outcome of Persist.
type PersistResult struct {
	Outcome Outcome
	// Removed counts rows deleted by replacement or tombstone rules.
	Removed int64
}

// Cursor pulls query results in bounded batches. Close must always be called
// and is safe to call more than once.
type Cursor interface {
	// Next returns up to QueryBatchSize raw events, or io.EOF when exhausted.
	Next(ctx context.Context) ([][]byte, error)
	Close() error
}

// Store defines the persistence interface for events.
type Store interface {
	// Persist applies the kind-specific mutation rules for e in one transaction.
	Persist(ctx context.Context, e *model.Event) (PersistResult, error)

	// Query streams the raw payload of every event matching any filter to
	// onRaw. Filters are evaluated independently, so an event matching two
	// filters is delivered twice. An error from onRaw stops the stream and
	// is returned.
	Query(ctx context.Context, filters []model.Filter, onRaw func(raw []byte) error) error

	// OpenCursor opens a cursor over events matching f, newest first.
	OpenCursor(ctx context.Context, f model.Filter) (Cursor, error)

	// Get returns the raw payload of a single live event.
	Get(ctx context.Context, id string) ([]byte, error)

	// Transaction support
	RunInTransaction(ctx context.Context, fn func(tx Store) error) error

	// Lifecycle
	Close() error
}
