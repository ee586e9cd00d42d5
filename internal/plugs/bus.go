package plugs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/alfredjeanlab/booger/internal/idgen"
)

const (
	// HandshakeTimeout bounds each extension's capability declaration.
	HandshakeTimeout = 5 * time.Second
	// CallTimeout bounds each vetoable call.
	CallTimeout = 3 * time.Second
	// MailboxSize is the per-extension inbox capacity.
	MailboxSize = 64
)

// Bus owns one actor per extension and routes actions to the extensions
// that declared them. The routing table is fixed once Start returns.
type Bus struct {
	HandshakeTimeout time.Duration
	CallTimeout      time.Duration

	logger   *slog.Logger
	exts     []Extension
	actors   []*actor
	registry map[Action][]*actor

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewBus returns a bus for exts, which are dispatched to in the given order.
func NewBus(logger *slog.Logger, exts ...Extension) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		HandshakeTimeout: HandshakeTimeout,
		CallTimeout:      CallTimeout,
		logger:           logger,
		exts:             exts,
	}
}

// Start performs the capability handshake with every extension and launches
// their actors. Any handshake failure is returned as a *HandshakeError and no
// actor is left running. Stop releases the extensions either way.
func (b *Bus) Start(ctx context.Context) error {
	caps := make([][]Action, len(b.exts))
	errs := make([]error, len(b.exts))
	var wg sync.WaitGroup
	for i, ext := range b.exts {
		wg.Add(1)
		go func() {
			defer wg.Done()
			caps[i], errs[i] = b.handshake(ctx, ext)
		}()
	}
	wg.Wait()
	for i, err := range errs {
		if err != nil {
			return &HandshakeError{Plug: b.exts[i].Name(), Err: err}
		}
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	b.cancel = cancel
	b.registry = make(map[Action][]*actor)
	for i, ext := range b.exts {
		a := newActor(ext, b.logger.With("plug", ext.Name()))
		b.actors = append(b.actors, a)
		seen := make(map[Action]bool)
		for _, action := range caps[i] {
			if seen[action] {
				continue
			}
			seen[action] = true
			b.registry[action] = append(b.registry[action], a)
		}
		b.wg.Add(1)
		go func() {
			defer b.wg.Done()
			a.run(runCtx)
		}()
		b.logger.Info("extension started", "plug", ext.Name(), "actions", caps[i])
	}
	return nil
}

func (b *Bus) handshake(ctx context.Context, ext Extension) (actions []Action, err error) {
	ctx, cancel := context.WithTimeout(ctx, b.HandshakeTimeout)
	defer cancel()

	type result struct {
		actions []Action
		err     error
	}
	done := make(chan result, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- result{err: fmt.Errorf("%w: %v", ErrExtensionCrashed, r)}
			}
		}()
		actions, err := ext.Capabilities(ctx)
		done <- result{actions, err}
	}()

	select {
	case <-ctx.Done():
		return nil, ErrExtensionTimeout
	case res := <-done:
		if res.err != nil {
			return nil, res.err
		}
		if res.actions == nil {
			return nil, errors.New("no capabilities declared")
		}
		for _, a := range res.actions {
			if !a.Valid() {
				return nil, fmt.Errorf("unknown action %v", a)
			}
		}
		return res.actions, nil
	}
}

// Plugs reports each extension and the actions it observes.
func (b *Bus) Plugs() map[string][]Action {
	out := make(map[string][]Action, len(b.actors))
	for _, a := range b.actors {
		out[a.name] = nil
	}
	for action := Action(1); action.Valid(); action++ {
		for _, a := range b.registry[action] {
			out[a.name] = append(out[a.name], action)
		}
	}
	return out
}

// Dispatch delivers action to every extension registered for it. Vetoable
// actions are called on all extensions concurrently; the first rejection in
// registration order is returned as a *Rejection. Other actions are enqueued
// without waiting and never fail.
func (b *Bus) Dispatch(ctx context.Context, action Action, conn ConnInfo, data Data) error {
	actors := b.registry[action]
	if len(actors) == 0 {
		return nil
	}
	if !action.Vetoable() {
		for _, a := range actors {
			req, err := newRequest(action, conn, data)
			if err != nil {
				a.logger.Warn("dropping message", "action", action, "error", err)
				continue
			}
			a.cast(req)
		}
		return nil
	}

	reqs := make([]Request, len(actors))
	for i := range actors {
		req, err := newRequest(action, conn, data)
		if err != nil {
			return err
		}
		reqs[i] = req
	}
	rejections := make([]*Rejection, len(actors))
	var wg sync.WaitGroup
	for i, a := range actors {
		wg.Add(1)
		go func() {
			defer wg.Done()
			rejections[i] = b.call(ctx, a, reqs[i])
		}()
	}
	wg.Wait()
	for _, r := range rejections {
		if r != nil {
			return r
		}
	}
	return nil
}

func newRequest(action Action, conn ConnInfo, data Data) (Request, error) {
	id, err := idgen.MsgID()
	if err != nil {
		return Request{}, fmt.Errorf("generate message id: %w", err)
	}
	return Request{MsgID: id, Action: action, Conn: conn, Data: data.clone()}, nil
}

func (b *Bus) call(ctx context.Context, a *actor, req Request) *Rejection {
	ctx, cancel := context.WithTimeout(ctx, b.CallTimeout)
	defer cancel()

	reply, err := a.call(ctx, req)
	switch {
	case err != nil:
		a.logger.Warn("extension call failed", "action", req.Action, "error", err)
		return &Rejection{Plug: a.name, Reason: "error: extension " + a.name + " unavailable", Err: err}
	case !reply.Accept:
		reason := reply.Reason
		if reason == "" {
			reason = "blocked: rejected by " + a.name
		}
		return &Rejection{Plug: a.name, Reason: reason}
	}
	return nil
}

// Stop cancels every actor, waits for them to exit, then closes extensions
// that implement io.Closer.
func (b *Bus) Stop() {
	if b.cancel != nil {
		b.cancel()
		b.wg.Wait()
		b.cancel = nil
	}
	for _, ext := range b.exts {
		c, ok := ext.(io.Closer)
		if !ok {
			continue
		}
		if err := c.Close(); err != nil {
			b.logger.Warn("closing extension", "plug", ext.Name(), "error", err)
		}
	}
	b.exts = nil
}

// actor isolates one extension behind a mailbox. A panic or error in the
// extension stops only this actor.
type actor struct {
	ext    Extension
	name   string
	logger *slog.Logger

	inbox  chan Request
	outbox chan Reply

	mu      sync.Mutex
	pending map[string]chan Reply

	dead chan struct{}
}

func newActor(ext Extension, logger *slog.Logger) *actor {
	return &actor{
		ext:     ext,
		name:    ext.Name(),
		logger:  logger,
		inbox:   make(chan Request, MailboxSize),
		outbox:  make(chan Reply, MailboxSize),
		pending: make(map[string]chan Reply),
		dead:    make(chan struct{}),
	}
}

// run drives the extension and routes its replies until it returns.
func (a *actor) run(ctx context.Context) {
	exited := make(chan struct{})
	go func() {
		defer close(exited)
		defer func() {
			if r := recover(); r != nil {
				a.logger.Error("extension panicked", "panic", r)
			}
		}()
		if err := a.ext.Run(ctx, a.inbox, a.outbox); err != nil {
			a.logger.Error("extension stopped", "error", err)
		}
	}()

	for {
		select {
		case reply := <-a.outbox:
			a.resolve(reply)
		case <-exited:
			if ctx.Err() == nil {
				a.logger.Error("extension exited unexpectedly")
			}
			close(a.dead)
			return
		}
	}
}

// resolve hands reply to its waiting caller. Replies with no pending call
// are dropped.
func (a *actor) resolve(reply Reply) {
	a.mu.Lock()
	ch, ok := a.pending[reply.MsgID]
	delete(a.pending, reply.MsgID)
	a.mu.Unlock()
	if !ok {
		a.logger.Warn("dropping unexpected reply", "msg_id", reply.MsgID)
		return
	}
	ch <- reply
}

func (a *actor) call(ctx context.Context, req Request) (Reply, error) {
	ch := make(chan Reply, 1)
	a.mu.Lock()
	a.pending[req.MsgID] = ch
	a.mu.Unlock()
	defer func() {
		a.mu.Lock()
		delete(a.pending, req.MsgID)
		a.mu.Unlock()
	}()

	select {
	case a.inbox <- req:
	case <-a.dead:
		return Reply{}, ErrExtensionCrashed
	case <-ctx.Done():
		return Reply{}, contextErr(ctx)
	}

	select {
	case reply := <-ch:
		return reply, nil
	case <-a.dead:
		return Reply{}, ErrExtensionCrashed
	case <-ctx.Done():
		return Reply{}, contextErr(ctx)
	}
}

func contextErr(ctx context.Context) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return ErrExtensionTimeout
	}
	return ctx.Err()
}

// cast enqueues a fire-and-forget request, dropping it if the mailbox is full.
func (a *actor) cast(req Request) {
	select {
	case <-a.dead:
		return
	default:
	}
	select {
	case a.inbox <- req:
	default:
		a.logger.Warn("mailbox full, dropping message", "action", req.Action)
	}
}
