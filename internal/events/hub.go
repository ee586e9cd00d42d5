package events

import (
	"context"
	"strings"
	"sync"
)

// subscriberBuffer is the per-subscriber channel capacity; slow consumers drop.
const subscriberBuffer = 256

// Hub fans published payloads out to in-process subscribers. It is the
// notifier for a single relay process and the delivery stage behind
// PGNotifier.
type Hub struct {
	mu      sync.RWMutex
	clients map[*hubClient]struct{}
	closed  bool
}

type hubClient struct {
	pattern string
	ch      chan []byte
	mu      sync.Mutex
	done    bool
}

var _ Notifier = (*Hub)(nil)

// NewHub returns an empty Hub.
func NewHub() *Hub {
	return &Hub{clients: make(map[*hubClient]struct{})}
}

func (h *Hub) Publish(_ context.Context, topic string, event any) error {
	data, err := encode(event)
	if err != nil {
		return err
	}
	h.broadcast(topic, data)
	return nil
}

// broadcast sends data to every subscriber whose pattern matches topic.
func (h *Hub) broadcast(topic string, data []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		if matchTopicPattern(c.pattern, topic) {
			c.send(data)
		}
	}
}

func (c *hubClient) send(data []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.done {
		return
	}
	select {
	case c.ch <- data:
	default:
	}
}

// Subscribe registers a subscriber for topic, which may use "*" and ">"
// wildcards.
func (h *Hub) Subscribe(topic string) (<-chan []byte, func(), error) {
	c := &hubClient{pattern: topic, ch: make(chan []byte, subscriberBuffer)}
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		close(c.ch)
		return c.ch, func() {}, nil
	}
	h.clients[c] = struct{}{}
	h.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.clients, c)
			h.mu.Unlock()
			c.close()
		})
	}
	return c.ch, cancel, nil
}

func (c *hubClient) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.done {
		c.done = true
		close(c.ch)
	}
}

// Close ends every subscription.
func (h *Hub) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for c := range h.clients {
		c.close()
		delete(h.clients, c)
	}
	return nil
}

// matchTopicPattern matches a dot-separated topic against a pattern.
// Supports "*" as a single-segment wildcard and ">" as a multi-segment
// suffix wildcard (NATS-style).
func matchTopicPattern(pattern, topic string) bool {
	if pattern == topic {
		return true
	}

	patParts := strings.Split(pattern, ".")
	topParts := strings.Split(topic, ".")

	for i, pp := range patParts {
		if pp == ">" {
			return i < len(topParts)
		}
		if i >= len(topParts) {
			return false
		}
		if pp != "*" && pp != topParts[i] {
			return false
		}
	}

	return len(patParts) == len(topParts)
}
