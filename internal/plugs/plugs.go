// Package plugs runs relay extensions as isolated actors and dispatches
// lifecycle actions to them.
package plugs

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/alfredjeanlab/booger/internal/model"
)

var (
	// ErrExtensionTimeout is returned when an extension does not answer a
	// call or handshake in time.
	ErrExtensionTimeout = errors.New("plugs: extension timed out")

	// ErrExtensionCrashed is returned for calls to an extension whose actor
	// has stopped.
	ErrExtensionCrashed = errors.New("plugs: extension crashed")
)

// ConnInfo is the immutable request metadata of a connection.
type ConnInfo struct {
	ID         string
	RemoteAddr string
	// Headers holds lowercased request header names.
	Headers map[string]string
}

// IP returns the first x-forwarded-for address, or the host of RemoteAddr.
func (c ConnInfo) IP() string {
	if fwd := c.Headers["x-forwarded-for"]; fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		return strings.TrimSpace(first)
	}
	host, _, err := net.SplitHostPort(c.RemoteAddr)
	if err != nil {
		return c.RemoteAddr
	}
	return host
}

// Data is the payload of a request; which fields are set depends on the action.
type Data struct {
	Event   *model.Event
	SubID   string
	Filters []model.Filter
	// Count is the number of stored events sent before EOSE.
	Count   int
	Message string
}

// clone deep-copies d so no two actors share memory.
func (d Data) clone() Data {
	out := d
	if d.Event != nil {
		e := *d.Event
		e.Tags = make([]model.Tag, len(d.Event.Tags))
		for i, t := range d.Event.Tags {
			e.Tags[i] = append(model.Tag(nil), t...)
		}
		out.Event = &e
	}
	if d.Filters != nil {
		out.Filters = make([]model.Filter, len(d.Filters))
		for i, f := range d.Filters {
			out.Filters[i] = cloneFilter(f)
		}
	}
	return out
}

func cloneFilter(f model.Filter) model.Filter {
	out := f
	out.IDs = cloneSlice(f.IDs)
	out.Authors = cloneSlice(f.Authors)
	out.Kinds = cloneSlice(f.Kinds)
	if f.Since != nil {
		v := *f.Since
		out.Since = &v
	}
	if f.Until != nil {
		v := *f.Until
		out.Until = &v
	}
	if f.Limit != nil {
		v := *f.Limit
		out.Limit = &v
	}
	if f.Tags != nil {
		out.Tags = make(map[string][]string, len(f.Tags))
		for k, v := range f.Tags {
			out.Tags[k] = cloneSlice(v)
		}
	}
	return out
}

func cloneSlice[T any](s []T) []T {
	if s == nil {
		return nil
	}
	return append(make([]T, 0, len(s)), s...)
}

// Request is one action delivered to an extension.
type Request struct {
	MsgID  string
	Action Action
	Conn   ConnInfo
	Data   Data
}

// Reply answers a vetoable request and must echo its MsgID.
type Reply struct {
	MsgID  string
	Accept bool
	Reason string
}

// Extension is an independently owned unit that observes or vetoes actions.
type Extension interface {
	Name() string
	// Capabilities declares the actions the extension wants. It is called
	// once, before Run, and bounded by the bus's handshake timeout.
	Capabilities(ctx context.Context) ([]Action, error)
	// Run consumes requests until ctx is done. Vetoable requests must be
	// answered on outbox; the inbox is never closed.
	Run(ctx context.Context, inbox <-chan Request, outbox chan<- Reply) error
}

// Serve runs handle for each request in order and sends replies for
// vetoable actions. It is a ready-made Run loop for extensions that handle
// one request at a time.
func Serve(ctx context.Context, inbox <-chan Request, outbox chan<- Reply, handle func(ctx context.Context, req Request) Reply) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case req := <-inbox:
			reply := handle(ctx, req)
			if !req.Action.Vetoable() {
				continue
			}
			reply.MsgID = req.MsgID
			select {
			case outbox <- reply:
			case <-ctx.Done():
				return nil
			}
		}
	}
}

// Accept is the accepting reply.
func Accept() Reply { return Reply{Accept: true} }

// Reject is a rejecting reply with reason.
func Reject(reason string) Reply { return Reply{Reason: reason} }

// Rejection is returned when an extension vetoes an action.
type Rejection struct {
	Plug   string
	Reason string
	// Err is set when the rejection stems from a timeout or crash.
	Err error
}

func (r *Rejection) Error() string {
	return r.Reason
}

func (r *Rejection) Unwrap() error { return r.Err }

// HandshakeError is fatal to relay startup.
type HandshakeError struct {
	Plug string
	Err  error
}

func (e *HandshakeError) Error() string {
	return fmt.Sprintf("plugs: %s handshake failed: %v", e.Plug, e.Err)
}

func (e *HandshakeError) Unwrap() error { return e.Err }

// ConfigProvider supplies each extension its own settings.
type ConfigProvider interface {
	// DecodePlug decodes the extension's config section into v, leaving
	// fields absent from the section untouched.
	DecodePlug(name string, v any) error
	// PlugDB returns the extension's database URL.
	PlugDB(name string) string
}
