package events

import (
	"context"
	"sync"
)

// NoopNotifier publishes nowhere; the relay then delivers to its own
// connections only.
type NoopNotifier struct{}

var _ Notifier = (*NoopNotifier)(nil)

func (n *NoopNotifier) Publish(ctx context.Context, topic string, event any) error {
	return nil
}

// Subscribe returns a channel that never receives and is closed on cancel.
func (n *NoopNotifier) Subscribe(topic string) (<-chan []byte, func(), error) {
	ch := make(chan []byte)
	var once sync.Once
	return ch, func() { once.Do(func() { close(ch) }) }, nil
}

func (n *NoopNotifier) Close() error {
	return nil
}
