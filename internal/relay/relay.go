// Package relay implements the core pipeline: publishing events,
// subscriptions with historical replay, and live fanout.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/alfredjeanlab/booger/internal/events"
	"github.com/alfredjeanlab/booger/internal/idgen"
	"github.com/alfredjeanlab/booger/internal/model"
	"github.com/alfredjeanlab/booger/internal/plugs"
	"github.com/alfredjeanlab/booger/internal/store"
	"github.com/alfredjeanlab/booger/internal/subs"
	"github.com/alfredjeanlab/booger/internal/validate"
)

// OK messages.
const (
	MsgDuplicate = "duplicate: already have this event"
	MsgDeleted   = "blocked: event has been deleted"
	msgStoreErr  = "error: could not store event"
	msgQueryErr  = "error: could not query events"
)

// ErrConnClosed is returned by a Transport pushing to a closed connection.
var ErrConnClosed = errors.New("relay: connection closed")

// Transport delivers outbound frames to connections.
type Transport interface {
	Push(connID string, frame []byte) error
}

// Dispatcher routes lifecycle actions to extensions. *plugs.Bus implements it.
type Dispatcher interface {
	Dispatch(ctx context.Context, action plugs.Action, conn plugs.ConnInfo, data plugs.Data) error
}

// Config holds the relay's collaborators.
type Config struct {
	Store     store.Store
	Bus       Dispatcher
	Notifier  events.Notifier
	Transport Transport
	Validator *validate.Validator
	Logger    *slog.Logger
}

// Relay processes inbound messages. Messages from one connection must be
// handled sequentially; different connections may be handled concurrently.
type Relay struct {
	store     store.Store
	bus       Dispatcher
	notifier  events.Notifier
	transport Transport
	validator *validate.Validator
	logger    *slog.Logger
	registry  *subs.Registry
	origin    string
	now       func() time.Time

	mu    sync.RWMutex
	conns map[string]plugs.ConnInfo
}

// New returns a relay. A nil Notifier means single-process mode and a nil
// Bus means no extensions.
func New(cfg Config) (*Relay, error) {
	if cfg.Store == nil || cfg.Transport == nil {
		return nil, errors.New("relay: store and transport are required")
	}
	origin, err := idgen.RelayID()
	if err != nil {
		return nil, err
	}
	r := &Relay{
		store:     cfg.Store,
		bus:       cfg.Bus,
		notifier:  cfg.Notifier,
		transport: cfg.Transport,
		validator: cfg.Validator,
		logger:    cfg.Logger,
		registry:  subs.NewRegistry(),
		origin:    origin,
		now:       time.Now,
		conns:     make(map[string]plugs.ConnInfo),
	}
	if r.bus == nil {
		r.bus = plugs.NewBus(cfg.Logger)
	}
	if r.notifier == nil {
		r.notifier = &events.NoopNotifier{}
	}
	if r.validator == nil {
		r.validator = validate.New(validate.DefaultLimits())
	}
	if r.logger == nil {
		r.logger = slog.Default()
	}
	return r, nil
}

// Origin is this process's id on the change notifier.
func (r *Relay) Origin() string { return r.origin }

// Registry exposes the subscription registry.
func (r *Relay) Registry() *subs.Registry { return r.registry }

// Connections returns the number of connected clients.
func (r *Relay) Connections() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// Connect admits a connection. A veto is sent to the client as a NOTICE and
// returned; the caller should then close the connection and still call
// Disconnect.
func (r *Relay) Connect(ctx context.Context, conn plugs.ConnInfo) error {
	r.mu.Lock()
	r.conns[conn.ID] = conn
	r.mu.Unlock()

	if err := r.bus.Dispatch(ctx, plugs.ActionConnect, conn, plugs.Data{}); err != nil {
		r.notice(ctx, conn, err.Error())
		return err
	}
	r.logger.Debug("connection opened", "conn", conn.ID, "ip", conn.IP())
	return nil
}

// Disconnect closes every subscription of conn and reports its teardown.
func (r *Relay) Disconnect(ctx context.Context, conn plugs.ConnInfo) {
	closed := r.registry.CloseConn(conn.ID)
	_ = r.bus.Dispatch(ctx, plugs.ActionDisconnect, conn, plugs.Data{})
	for _, subID := range closed {
		_ = r.bus.Dispatch(ctx, plugs.ActionUnsub, conn, plugs.Data{SubID: subID})
	}

	r.mu.Lock()
	delete(r.conns, conn.ID)
	r.mu.Unlock()
	r.logger.Debug("connection closed", "conn", conn.ID, "subs", len(closed))
}

// HandleMessage processes one inbound frame and pushes its responses.
func (r *Relay) HandleMessage(ctx context.Context, conn plugs.ConnInfo, raw []byte) {
	m, err := parseMessage(raw)
	if err != nil {
		var bad *badEventError
		if errors.As(err, &bad) {
			r.push(ctx, conn, okFrame(bad.id, false, bad.reason))
			return
		}
		r.notice(ctx, conn, err.Error())
		return
	}
	switch m.typ {
	case TypeEvent:
		accepted, msg := r.Publish(ctx, conn, m.event)
		r.push(ctx, conn, okFrame(m.event.ID, accepted, msg))
	case TypeReq:
		r.Subscribe(ctx, conn, m.subID, m.filters)
	case TypeClose:
		r.CloseSub(ctx, conn, m.subID)
	}
}

// Publish runs the ingestion pipeline for e and returns the OK frame's
// accepted flag and message.
func (r *Relay) Publish(ctx context.Context, conn plugs.ConnInfo, e *model.Event) (accepted bool, msg string) {
	if err := r.validator.Validate(e); err != nil {
		return false, err.Error()
	}
	if err := validate.CheckExpired(e, r.now()); err != nil {
		return false, err.Error()
	}
	if err := r.bus.Dispatch(ctx, plugs.ActionEvent, conn, plugs.Data{Event: e}); err != nil {
		return false, err.Error()
	}

	res, err := r.store.Persist(ctx, e)
	if err != nil {
		r.fail(ctx, conn, fmt.Errorf("persist event %s: %w", e.ID, err))
		return false, msgStoreErr
	}
	switch res.Outcome {
	case store.Duplicate:
		return true, MsgDuplicate
	case store.Deleted:
		return false, MsgDeleted
	case store.Superseded:
		return true, ""
	}

	raw, err := e.Raw()
	if err != nil {
		r.fail(ctx, conn, fmt.Errorf("encode event %s: %w", e.ID, err))
		return false, msgStoreErr
	}
	r.deliver(e, raw)
	r.broadcast(ctx, raw)
	r.logger.Debug("event accepted", "conn", conn.ID, "id", e.ID, "kind", e.Kind, "outcome", res.Outcome, "removed", res.Removed)
	return true, ""
}

// broadcast sends raw to the other relay processes sharing the store.
func (r *Relay) broadcast(ctx context.Context, raw []byte) {
	err := r.notifier.Publish(ctx, events.TopicEvent, events.Envelope{Origin: r.origin, Event: raw})
	switch {
	case errors.Is(err, events.ErrPayloadTooLarge):
		r.logger.Debug("event too large for notifier, delivered locally only", "size", len(raw))
	case err != nil:
		r.logger.Warn("publishing to notifier", "error", err)
	}
}

// deliver pushes e to every matching local subscription.
func (r *Relay) deliver(e *model.Event, raw []byte) {
	for _, m := range r.registry.Match(e) {
		if err := r.transport.Push(m.ConnID, eventFrame(m.SubID, raw)); err != nil {
			r.logger.Debug("push failed", "conn", m.ConnID, "sub", m.SubID, "error", err)
		}
	}
}

var errSubClosed = errors.New("subscription closed")

// transportError marks a failed Push so it is not mistaken for a store error.
type transportError struct{ err error }

func (e *transportError) Error() string { return e.err.Error() }
func (e *transportError) Unwrap() error { return e.err }

// Subscribe registers filters under subID, replays stored matches, sends EOSE
// and marks the subscription live.
func (r *Relay) Subscribe(ctx context.Context, conn plugs.ConnInfo, subID string, filters []model.Filter) {
	data := plugs.Data{SubID: subID, Filters: filters}
	if err := r.bus.Dispatch(ctx, plugs.ActionSub, conn, data); err != nil {
		r.notice(ctx, conn, err.Error())
		return
	}
	r.registry.Open(conn.ID, subID, filters)

	count := 0
	err := r.store.Query(ctx, filters, func(raw []byte) error {
		if r.registry.State(conn.ID, subID) == subs.Closed {
			return errSubClosed
		}
		if err := r.transport.Push(conn.ID, eventFrame(subID, raw)); err != nil {
			return &transportError{err: err}
		}
		count++
		return nil
	})
	var terr *transportError
	switch {
	case errors.Is(err, errSubClosed):
		return
	case errors.As(err, &terr):
		r.logPushFailure(conn, terr.err)
		return
	case err != nil:
		r.fail(ctx, conn, fmt.Errorf("query sub %s: %w", subID, err))
		r.notice(ctx, conn, msgQueryErr)
		return
	}

	if !r.push(ctx, conn, eoseFrame(subID)) {
		return
	}
	_ = r.bus.Dispatch(ctx, plugs.ActionEOSE, conn, plugs.Data{SubID: subID, Count: count})
	r.registry.MarkLive(conn.ID, subID)
}

// CloseSub closes subID on conn.
func (r *Relay) CloseSub(ctx context.Context, conn plugs.ConnInfo, subID string) {
	_ = r.bus.Dispatch(ctx, plugs.ActionUnsub, conn, plugs.Data{SubID: subID})
	r.registry.Close(conn.ID, subID)
}

// Run delivers events published by other relay processes until ctx is done
// or the notifier closes.
func (r *Relay) Run(ctx context.Context) error {
	ch, cancel, err := r.notifier.Subscribe(events.TopicEvent)
	if err != nil {
		return fmt.Errorf("subscribe to notifier: %w", err)
	}
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return nil
		case data, ok := <-ch:
			if !ok {
				return nil
			}
			r.receive(data)
		}
	}
}

func (r *Relay) receive(data []byte) {
	env, err := events.DecodeEnvelope(data)
	if err != nil {
		r.logger.Warn("dropping notifier message", "error", err)
		return
	}
	if env.Origin == r.origin {
		return
	}
	var e model.Event
	if err := json.Unmarshal(env.Event, &e); err != nil {
		r.logger.Warn("dropping notifier event", "origin", env.Origin, "error", err)
		return
	}
	r.deliver(&e, env.Event)
}

// push sends frame to conn and reports whether it was delivered. Transport
// failures are only logged; the connection is gone or being closed by the
// transport, so neither extensions nor the client are told.
func (r *Relay) push(_ context.Context, conn plugs.ConnInfo, frame []byte) bool {
	err := r.transport.Push(conn.ID, frame)
	if err == nil {
		return true
	}
	r.logPushFailure(conn, err)
	return false
}

func (r *Relay) logPushFailure(conn plugs.ConnInfo, err error) {
	if errors.Is(err, ErrConnClosed) {
		r.logger.Debug("push to closed connection", "conn", conn.ID)
		return
	}
	r.logger.Warn("push failed", "conn", conn.ID, "error", err)
}

// notice sends a NOTICE to conn and reports it to extensions.
func (r *Relay) notice(ctx context.Context, conn plugs.ConnInfo, msg string) {
	r.logger.Info("notice", "conn", conn.ID, "msg", msg)
	_ = r.bus.Dispatch(ctx, plugs.ActionNotice, conn, plugs.Data{Message: msg})
	r.push(ctx, conn, noticeFrame(msg))
}

// fail logs an unexpected error and reports it to extensions.
func (r *Relay) fail(ctx context.Context, conn plugs.ConnInfo, err error) {
	r.logger.Error("relay error", "conn", conn.ID, "error", err)
	_ = r.bus.Dispatch(ctx, plugs.ActionError, conn, plugs.Data{Message: err.Error()})
}
