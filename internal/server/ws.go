package server

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/alfredjeanlab/booger/internal/idgen"
	"github.com/alfredjeanlab/booger/internal/plugs"
)

// serveWS upgrades r and runs the connection until either side closes it.
// Messages from one connection are handled in order on this goroutine.
func (s *Server) serveWS(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("websocket upgrade failed", "remote", r.RemoteAddr, "err", err)
		return
	}
	id, err := idgen.ConnID()
	if err != nil {
		s.logger.Error("generate connection id", "err", err)
		_ = ws.Close()
		return
	}
	info := plugs.ConnInfo{
		ID:         id,
		RemoteAddr: r.RemoteAddr,
		Headers:    lowerHeaders(r.Header),
	}

	c := s.conns.add(info, ws)
	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		c.writeLoop()
	}()

	ctx, cancel := context.WithCancel(context.WithoutCancel(r.Context()))
	defer func() {
		cancel()
		s.conns.remove(id)
		c.close()
		<-writerDone
		s.relay.Disconnect(context.WithoutCancel(ctx), info)
	}()

	if err := s.relay.Connect(ctx, info); err != nil {
		s.logger.Info("connection rejected", "conn", id, "ip", info.IP(), "reason", err.Error())
		return
	}
	s.readLoop(ctx, c)
}

func (s *Server) readLoop(ctx context.Context, c *wsConn) {
	c.ws.SetReadLimit(s.maxMessageSize)
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		kind, data, err := c.ws.ReadMessage()
		if err != nil {
			switch {
			case errors.Is(err, websocket.ErrReadLimit):
				s.logger.Info("message too large", "conn", c.info.ID, "limit", s.maxMessageSize)
			case websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway):
				s.logger.Debug("websocket read", "conn", c.info.ID, "err", err)
			}
			return
		}
		if kind != websocket.TextMessage && kind != websocket.BinaryMessage {
			continue
		}
		_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
		s.relay.HandleMessage(ctx, c.info, data)
	}
}

// lowerHeaders flattens h into lowercase names; repeated values are joined
// with ", ".
func lowerHeaders(h http.Header) map[string]string {
	out := make(map[string]string, len(h))
	for name, values := range h {
		out[strings.ToLower(name)] = strings.Join(values, ", ")
	}
	return out
}
