package testkit

import (
	"context"
	"errors"
	"io"
	"sort"
	"sync"

	"github.com/alfredjeanlab/booger/internal/model"
	"github.com/alfredjeanlab/booger/internal/store"
)

// MemStore is an in-memory store.Store following the same mutation rules as
// the PostgreSQL store, for tests of the layers above it.
type MemStore struct {
	mu      sync.Mutex
	events  map[string]*model.Event
	deleted map[string]string // id -> pubkey

	// Err, when set, is returned by Persist and Query.
	Err error
	// Now is used for expiration; zero means never expired.
	Now int64
}

var _ store.Store = (*MemStore)(nil)

// NewMemStore returns an empty MemStore.
func NewMemStore() *MemStore {
	return &MemStore{events: make(map[string]*model.Event), deleted: make(map[string]string)}
}

// Len returns the number of stored events.
func (s *MemStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.events)
}

func (s *MemStore) Persist(_ context.Context, e *model.Event) (store.PersistResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return store.PersistResult{}, s.Err
	}
	if model.IsEphemeral(e.Kind) {
		return store.PersistResult{Outcome: store.Ephemeral}, nil
	}
	if pk, ok := s.deleted[e.ID]; ok && pk == e.PubKey {
		return store.PersistResult{Outcome: store.Deleted}, nil
	}
	if _, ok := s.events[e.ID]; ok {
		return store.PersistResult{Outcome: store.Duplicate}, nil
	}

	var res store.PersistResult
	if model.IsReplaceable(e.Kind) || model.IsParamReplaceable(e.Kind) {
		for id, old := range s.events {
			if old.Kind != e.Kind || old.PubKey != e.PubKey {
				continue
			}
			if model.IsParamReplaceable(e.Kind) && old.DTag() != e.DTag() {
				continue
			}
			if old.CreatedAt > e.CreatedAt || (old.CreatedAt == e.CreatedAt && old.ID < e.ID) {
				return store.PersistResult{Outcome: store.Superseded}, nil
			}
			delete(s.events, id)
			res.Removed++
		}
	}

	cp := *e
	s.events[e.ID] = &cp
	if e.Kind == model.KindTombstone {
		for _, id := range e.Targets() {
			if old, ok := s.events[id]; ok && old.PubKey == e.PubKey {
				delete(s.events, id)
				res.Removed++
			}
			s.deleted[id] = e.PubKey
		}
	}
	res.Outcome = store.Stored
	return res, nil
}

func (s *MemStore) Query(ctx context.Context, filters []model.Filter, onRaw func(raw []byte) error) error {
	for _, f := range filters {
		c, err := s.OpenCursor(ctx, f)
		if err != nil {
			return err
		}
		for {
			batch, err := c.Next(ctx)
			if errors.Is(err, io.EOF) {
				break
			}
			if err != nil {
				c.Close()
				return err
			}
			for _, raw := range batch {
				if err := onRaw(raw); err != nil {
					c.Close()
					return err
				}
			}
		}
		c.Close()
	}
	return nil
}

// OpenCursor snapshots the matching events.
func (s *MemStore) OpenCursor(_ context.Context, f model.Filter) (store.Cursor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return nil, s.Err
	}
	var matched []*model.Event
	for _, e := range s.events {
		if s.expired(e) || !f.Matches(e) {
			continue
		}
		matched = append(matched, e)
	}
	sort.Slice(matched, func(i, j int) bool {
		if matched[i].CreatedAt != matched[j].CreatedAt {
			return matched[i].CreatedAt > matched[j].CreatedAt
		}
		return matched[i].ID < matched[j].ID
	})
	if f.Limit != nil && len(matched) > *f.Limit {
		matched = matched[:*f.Limit]
	}
	rows := make([][]byte, 0, len(matched))
	for _, e := range matched {
		raw, err := e.Raw()
		if err != nil {
			return nil, err
		}
		rows = append(rows, raw)
	}
	return &memCursor{rows: rows}, nil
}

func (s *MemStore) expired(e *model.Event) bool {
	ts, ok := e.Expiration()
	return ok && s.Now != 0 && ts <= s.Now
}

func (s *MemStore) Get(_ context.Context, id string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.events[id]
	if !ok || s.expired(e) {
		return nil, store.ErrNotFound
	}
	return e.Raw()
}

func (s *MemStore) RunInTransaction(_ context.Context, fn func(tx store.Store) error) error {
	return fn(s)
}

func (s *MemStore) Close() error { return nil }

type memCursor struct {
	rows [][]byte
}

func (c *memCursor) Next(context.Context) ([][]byte, error) {
	if len(c.rows) == 0 {
		return nil, io.EOF
	}
	n := min(len(c.rows), store.QueryBatchSize)
	batch := c.rows[:n]
	c.rows = c.rows[n:]
	return batch, nil
}

func (c *memCursor) Close() error {
	c.rows = nil
	return nil
}
