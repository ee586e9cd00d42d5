package events

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
)

// NATSNotifier publishes and subscribes over NATS subjects.
type NATSNotifier struct {
	conn *nats.Conn
}

var _ Notifier = (*NATSNotifier)(nil)

// NewNATSNotifier connects to NATS with automatic reconnection support.
// Extra nats.Option values (e.g. disconnect/reconnect handlers) can be appended.
func NewNATSNotifier(url string, opts ...nats.Option) (*NATSNotifier, error) {
	defaults := []nats.Option{
		nats.Name("booger"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
	}
	nc, err := nats.Connect(url, append(defaults, opts...)...)
	if err != nil {
		return nil, fmt.Errorf("connecting to NATS at %s: %w", url, err)
	}
	return &NATSNotifier{conn: nc}, nil
}

func (n *NATSNotifier) Publish(ctx context.Context, topic string, event any) error {
	data, err := encode(event)
	if err != nil {
		return err
	}
	if limit := n.conn.MaxPayload(); limit > 0 && int64(len(data)) > limit {
		return ErrPayloadTooLarge
	}
	return n.conn.Publish(topic, data)
}

// Subscribe returns a channel that receives raw payloads for the given
// topic (supports NATS wildcards like "booger.>"). Call the returned cancel
// function to unsubscribe and close the channel.
func (n *NATSNotifier) Subscribe(topic string) (<-chan []byte, func(), error) {
	ch := make(chan []byte, subscriberBuffer)

	var (
		mu     sync.Mutex
		closed bool
		once   sync.Once
	)

	sub, err := n.conn.Subscribe(topic, func(msg *nats.Msg) {
		mu.Lock()
		defer mu.Unlock()
		if closed {
			return
		}
		select {
		case ch <- msg.Data:
		default:
			// Drop message if channel is full to avoid blocking the NATS client.
		}
	})
	if err != nil {
		close(ch)
		return nil, nil, fmt.Errorf("subscribing to %s: %w", topic, err)
	}
	// Flush ensures the subscription is registered on the server before
	// returning, so that messages published on other connections are routed.
	if err := n.conn.Flush(); err != nil {
		_ = sub.Unsubscribe()
		close(ch)
		return nil, nil, fmt.Errorf("flushing subscription: %w", err)
	}

	cancel := func() {
		once.Do(func() {
			_ = sub.Unsubscribe()
			mu.Lock()
			closed = true
			close(ch)
			mu.Unlock()
		})
	}

	return ch, cancel, nil
}

func (n *NATSNotifier) Close() error {
	n.conn.Close()
	return nil
}
