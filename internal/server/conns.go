package server

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/alfredjeanlab/booger/internal/plugs"
	"github.com/alfredjeanlab/booger/internal/relay"
)

// ErrSlowConsumer is returned by Push when a connection's send queue stays
// full past the send timeout. The connection is closed.
var ErrSlowConsumer = errors.New("server: slow consumer")

// Conns tracks live websocket connections and implements relay.Transport.
type Conns struct {
	// SendTimeout bounds how long Push waits on a full send queue.
	SendTimeout time.Duration
	// QueueSize is the per-connection send queue capacity.
	QueueSize int

	mu    sync.RWMutex
	conns map[string]*wsConn
}

var _ relay.Transport = (*Conns)(nil)

// NewConns returns an empty connection table.
func NewConns() *Conns {
	return &Conns{
		SendTimeout: DefaultSendTimeout,
		QueueSize:   DefaultSendQueue,
		conns:       make(map[string]*wsConn),
	}
}

// Push queues frame for connID. Pushing to an unknown or closed connection
// returns relay.ErrConnClosed.
func (cs *Conns) Push(connID string, frame []byte) error {
	cs.mu.RLock()
	c := cs.conns[connID]
	cs.mu.RUnlock()
	if c == nil {
		return relay.ErrConnClosed
	}
	return c.push(frame, cs.SendTimeout)
}

// Len returns the number of tracked connections.
func (cs *Conns) Len() int {
	cs.mu.RLock()
	defer cs.mu.RUnlock()
	return len(cs.conns)
}

// CloseAll closes every tracked connection.
func (cs *Conns) CloseAll() {
	cs.mu.RLock()
	defer cs.mu.RUnlock()
	for _, c := range cs.conns {
		c.close()
	}
}

func (cs *Conns) add(info plugs.ConnInfo, ws *websocket.Conn) *wsConn {
	c := &wsConn{
		info: info,
		ws:   ws,
		send: make(chan []byte, cs.QueueSize),
		done: make(chan struct{}),
	}
	cs.mu.Lock()
	cs.conns[info.ID] = c
	cs.mu.Unlock()
	return c
}

func (cs *Conns) remove(id string) {
	cs.mu.Lock()
	delete(cs.conns, id)
	cs.mu.Unlock()
}

// wsConn is one client connection. The reader goroutine owns reads and the
// writer goroutine owns writes.
type wsConn struct {
	info plugs.ConnInfo
	ws   *websocket.Conn
	send chan []byte
	done chan struct{}
	once sync.Once
}

func (c *wsConn) push(frame []byte, timeout time.Duration) error {
	select {
	case <-c.done:
		return relay.ErrConnClosed
	default:
	}
	select {
	case c.send <- frame:
		return nil
	default:
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case c.send <- frame:
		return nil
	case <-c.done:
		return relay.ErrConnClosed
	case <-timer.C:
		c.close()
		return fmt.Errorf("%w: conn %s: %w", ErrSlowConsumer, c.info.ID, relay.ErrConnClosed)
	}
}

func (c *wsConn) close() {
	c.once.Do(func() { close(c.done) })
}

// writeLoop drains the send queue and keeps the connection alive with pings.
// Frames queued before close are flushed before the close frame is sent.
func (c *wsConn) writeLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.ws.Close()
	}()

	for {
		select {
		case frame := <-c.send:
			if err := c.write(frame); err != nil {
				c.close()
				return
			}
		case <-ticker.C:
			if err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				c.close()
				return
			}
		case <-c.done:
			c.flush()
			_ = c.ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(writeWait))
			return
		}
	}
}

func (c *wsConn) flush() {
	for {
		select {
		case frame := <-c.send:
			if err := c.write(frame); err != nil {
				return
			}
		default:
			return
		}
	}
}

func (c *wsConn) write(frame []byte) error {
	_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	return c.ws.WriteMessage(websocket.TextMessage, frame)
}
