// Package server exposes the relay over websockets and serves the HTTP and
// gRPC admin surfaces.
package server

import (
	"errors"
	"log/slog"
	"net/http"
	"sort"
	"time"

	"github.com/gorilla/websocket"
	"google.golang.org/grpc/health"

	"github.com/alfredjeanlab/booger/internal/plugs"
	"github.com/alfredjeanlab/booger/internal/relay"
)

// Defaults for websocket connections.
const (
	DefaultMaxMessageSize = 1 << 20
	DefaultSendQueue      = 256
	DefaultSendTimeout    = 2 * time.Second

	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10
)

// Options configures a Server.
type Options struct {
	Relay *relay.Relay
	Conns *Conns
	// Bus is reported by the status endpoints; nil means no extensions.
	Bus            *plugs.Bus
	AuthToken      string
	Version        string
	MaxMessageSize int64
	Logger         *slog.Logger
}

// Server ties the relay to its network surfaces.
type Server struct {
	relay          *relay.Relay
	conns          *Conns
	bus            *plugs.Bus
	authToken      string
	version        string
	maxMessageSize int64
	logger         *slog.Logger
	upgrader       websocket.Upgrader
	health         *health.Server
	started        time.Time
}

// Status is a point-in-time view of the running relay.
type Status struct {
	Origin        string              `json:"origin"`
	Version       string              `json:"version,omitempty"`
	Connections   int                 `json:"connections"`
	Subscriptions int                 `json:"subscriptions"`
	Uptime        string              `json:"uptime"`
	Plugs         map[string][]string `json:"plugs"`
}

// New returns a server for opts.Relay. opts.Conns must be the transport the
// relay was built with.
func New(opts Options) (*Server, error) {
	if opts.Relay == nil || opts.Conns == nil {
		return nil, errors.New("server: relay and conns are required")
	}
	s := &Server{
		relay:          opts.Relay,
		conns:          opts.Conns,
		bus:            opts.Bus,
		authToken:      opts.AuthToken,
		version:        opts.Version,
		maxMessageSize: opts.MaxMessageSize,
		logger:         opts.Logger,
		health:         health.NewServer(),
		started:        time.Now(),
	}
	if s.maxMessageSize <= 0 {
		s.maxMessageSize = DefaultMaxMessageSize
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		// Relays are public; any page may open a connection.
		CheckOrigin: func(*http.Request) bool { return true },
	}
	return s, nil
}

// Status reports connection and subscription counts and the loaded plugs.
func (s *Server) Status() Status {
	st := Status{
		Origin:        s.relay.Origin(),
		Version:       s.version,
		Connections:   s.relay.Connections(),
		Subscriptions: s.relay.Registry().Count(),
		Uptime:        time.Since(s.started).Round(time.Second).String(),
		Plugs:         make(map[string][]string),
	}
	if s.bus == nil {
		return st
	}
	for name, actions := range s.bus.Plugs() {
		names := make([]string, len(actions))
		for i, a := range actions {
			names[i] = a.String()
		}
		sort.Strings(names)
		st.Plugs[name] = names
	}
	return st
}

// Shutdown marks the health service as not serving and closes every open
// websocket connection.
func (s *Server) Shutdown() {
	s.health.Shutdown()
	s.conns.CloseAll()
}
