// Package subs tracks open subscriptions per connection and matches new
// events against them without touching the store.
package subs

import (
	"sort"
	"sync"

	"github.com/alfredjeanlab/booger/internal/model"
)

// State is a subscription's lifecycle state.
type State int

const (
	// Closed subscriptions are not registered.
	Closed State = iota
	// Open subscriptions are registered while historical replay streams.
	Open
	// Live subscriptions have finished replay.
	Live
)

func (s State) String() string {
	switch s {
	case Open:
		return "open"
	case Live:
		return "live"
	default:
		return "closed"
	}
}

// Match identifies one subscription that an event matched.
type Match struct {
	ConnID string
	SubID  string
}

type subscription struct {
	connID  string
	subID   string
	filters []model.Filter
	state   State
	// kinds is nil when some filter accepts any kind.
	kinds []int
}

// Registry indexes open subscriptions by kind. Subscriptions whose filters
// name no kinds live in a separate any-kind bucket.
type Registry struct {
	mu      sync.RWMutex
	conns   map[string]map[string]*subscription
	byKind  map[int]map[*subscription]struct{}
	anyKind map[*subscription]struct{}
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		conns:   make(map[string]map[string]*subscription),
		byKind:  make(map[int]map[*subscription]struct{}),
		anyKind: make(map[*subscription]struct{}),
	}
}

// Open registers filters under (connID, subID), replacing any existing entry
// wholesale. The filters are copied.
func (r *Registry) Open(connID, subID string, filters []model.Filter) {
	s := &subscription{
		connID:  connID,
		subID:   subID,
		filters: append([]model.Filter(nil), filters...),
		state:   Open,
		kinds:   indexKinds(filters),
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	byConn := r.conns[connID]
	if byConn == nil {
		byConn = make(map[string]*subscription)
		r.conns[connID] = byConn
	}
	if old := byConn[subID]; old != nil {
		r.unindex(old)
	}
	byConn[subID] = s
	r.index(s)
}

// indexKinds returns the union of kinds named by filters, or nil when any
// filter leaves kinds unconstrained.
func indexKinds(filters []model.Filter) []int {
	seen := make(map[int]struct{})
	kinds := []int{}
	for _, f := range filters {
		if f.Kinds == nil {
			return nil
		}
		for _, k := range f.Kinds {
			if _, ok := seen[k]; !ok {
				seen[k] = struct{}{}
				kinds = append(kinds, k)
			}
		}
	}
	return kinds
}

func (r *Registry) index(s *subscription) {
	if s.kinds == nil {
		r.anyKind[s] = struct{}{}
		return
	}
	for _, k := range s.kinds {
		bucket := r.byKind[k]
		if bucket == nil {
			bucket = make(map[*subscription]struct{})
			r.byKind[k] = bucket
		}
		bucket[s] = struct{}{}
	}
}

func (r *Registry) unindex(s *subscription) {
	s.state = Closed
	if s.kinds == nil {
		delete(r.anyKind, s)
		return
	}
	for _, k := range s.kinds {
		if bucket := r.byKind[k]; bucket != nil {
			delete(bucket, s)
			if len(bucket) == 0 {
				delete(r.byKind, k)
			}
		}
	}
}

// MarkLive moves an open subscription to Live. It reports false if the
// subscription has been closed meanwhile.
func (r *Registry) MarkLive(connID, subID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := r.conns[connID][subID]
	if s == nil {
		return false
	}
	s.state = Live
	return true
}

// State returns the state of (connID, subID).
func (r *Registry) State(connID, subID string) State {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if s := r.conns[connID][subID]; s != nil {
		return s.state
	}
	return Closed
}

// Close removes one subscription and reports whether it existed.
func (r *Registry) Close(connID, subID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	byConn := r.conns[connID]
	s := byConn[subID]
	if s == nil {
		return false
	}
	r.unindex(s)
	delete(byConn, subID)
	if len(byConn) == 0 {
		delete(r.conns, connID)
	}
	return true
}

// CloseConn removes every subscription of connID and returns their ids in
// sorted order.
func (r *Registry) CloseConn(connID string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	byConn := r.conns[connID]
	ids := make([]string, 0, len(byConn))
	for id, s := range byConn {
		r.unindex(s)
		ids = append(ids, id)
	}
	delete(r.conns, connID)
	sort.Strings(ids)
	return ids
}

// Match returns every (connection, subscription) pair with at least one
// filter matching e, once per pair.
func (r *Registry) Match(e *model.Event) []Match {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []Match
	check := func(s *subscription) {
		if s.state != Closed && model.MatchesAny(s.filters, e) {
			out = append(out, Match{ConnID: s.connID, SubID: s.subID})
		}
	}
	for s := range r.byKind[e.Kind] {
		check(s)
	}
	for s := range r.anyKind {
		check(s)
	}
	return out
}

// Count returns the number of registered subscriptions.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, byConn := range r.conns {
		n += len(byConn)
	}
	return n
}

// Subs returns the sorted subscription ids registered for connID.
func (r *Registry) Subs(connID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.conns[connID]))
	for id := range r.conns[connID] {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
