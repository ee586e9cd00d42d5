// Package events carries newly accepted events between relay processes that
// share a store.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

// TopicEvent is the single topic every accepted event is published on.
const TopicEvent = "booger.event"

// ErrPayloadTooLarge is returned when a payload exceeds the transport's limit.
// The event is then delivered to local subscriptions only.
var ErrPayloadTooLarge = errors.New("events: payload too large")

// Publisher is the interface for emitting events.
type Publisher interface {
	Publish(ctx context.Context, topic string, event any) error
	Close() error
}

// Subscriber receives events from the event bus.
type Subscriber interface {
	// Subscribe delivers raw event payloads on the returned channel.
	// Call the returned cancel function to unsubscribe and close the channel.
	Subscribe(topic string) (<-chan []byte, func(), error)
	Close() error
}

// Notifier both publishes and subscribes.
type Notifier interface {
	Publish(ctx context.Context, topic string, event any) error
	Subscribe(topic string) (<-chan []byte, func(), error)
	Close() error
}

// Envelope wraps a raw event with the id of the relay process that published
// it, so a process can skip its own events.
type Envelope struct {
	Origin string          `json:"origin"`
	Event  json.RawMessage `json:"event"`
}

// DecodeEnvelope parses a payload received from Subscribe.
func DecodeEnvelope(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return env, fmt.Errorf("decode envelope: %w", err)
	}
	if len(env.Event) == 0 {
		return env, errors.New("decode envelope: missing event")
	}
	return env, nil
}

// encode marshals event unless it is already raw bytes.
func encode(event any) ([]byte, error) {
	switch v := event.(type) {
	case []byte:
		return v, nil
	case json.RawMessage:
		return v, nil
	}
	data, err := json.Marshal(event)
	if err != nil {
		return nil, fmt.Errorf("marshaling event: %w", err)
	}
	return data, nil
}
