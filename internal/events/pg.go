package events

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/lib/pq"
)

// MaxNotifyPayload is the largest payload PostgreSQL accepts in NOTIFY.
const MaxNotifyPayload = 7999

// PGNotifier uses PostgreSQL LISTEN/NOTIFY on the event store's database so
// every relay process sharing the store sees every accepted event.
type PGNotifier struct {
	db       *sql.DB
	listener *pq.Listener
	hub      *Hub
	logger   *slog.Logger

	mu        sync.Mutex
	listening map[string]bool

	done chan struct{}
	wg   sync.WaitGroup
}

var _ Notifier = (*PGNotifier)(nil)

// NewPGNotifier publishes through db and listens on a dedicated connection
// opened from databaseURL.
func NewPGNotifier(db *sql.DB, databaseURL string, logger *slog.Logger) *PGNotifier {
	if logger == nil {
		logger = slog.Default()
	}
	n := &PGNotifier{
		db:        db,
		hub:       NewHub(),
		logger:    logger,
		listening: make(map[string]bool),
		done:      make(chan struct{}),
	}
	n.listener = pq.NewListener(databaseURL, 10*time.Second, time.Minute, n.onListenerEvent)
	n.wg.Add(1)
	go n.run()
	return n
}

func (n *PGNotifier) onListenerEvent(ev pq.ListenerEventType, err error) {
	switch ev {
	case pq.ListenerEventConnected:
		n.logger.Debug("notify listener connected")
	case pq.ListenerEventDisconnected:
		n.logger.Warn("notify listener disconnected", "err", err)
	case pq.ListenerEventReconnected:
		n.logger.Info("notify listener reconnected")
	case pq.ListenerEventConnectionAttemptFailed:
		n.logger.Warn("notify listener connection attempt failed", "err", err)
	}
}

// channelName maps a dotted topic to a PostgreSQL channel name.
func channelName(topic string) string {
	return strings.ReplaceAll(topic, ".", "_")
}

func (n *PGNotifier) Publish(ctx context.Context, topic string, event any) error {
	data, err := encode(event)
	if err != nil {
		return err
	}
	if len(data) > MaxNotifyPayload {
		return ErrPayloadTooLarge
	}
	if _, err := n.db.ExecContext(ctx, `SELECT pg_notify($1, $2)`, channelName(topic), string(data)); err != nil {
		return fmt.Errorf("notify %s: %w", topic, err)
	}
	return nil
}

// Subscribe listens on the topic's channel. Wildcards are not supported.
func (n *PGNotifier) Subscribe(topic string) (<-chan []byte, func(), error) {
	channel := channelName(topic)
	n.mu.Lock()
	if !n.listening[channel] {
		if err := n.listener.Listen(channel); err != nil && err != pq.ErrChannelAlreadyOpen {
			n.mu.Unlock()
			return nil, nil, fmt.Errorf("listen %s: %w", channel, err)
		}
		n.listening[channel] = true
	}
	n.mu.Unlock()
	return n.hub.Subscribe(channel)
}

// run forwards notifications to the hub. A nil notification follows a
// reconnect, during which notifications may have been lost.
func (n *PGNotifier) run() {
	defer n.wg.Done()
	for {
		select {
		case <-n.done:
			return
		case note, ok := <-n.listener.Notify:
			if !ok {
				return
			}
			if note == nil {
				n.logger.Warn("notify listener reconnected; notifications may have been missed")
				continue
			}
			n.hub.broadcast(note.Channel, []byte(note.Extra))
		case <-time.After(90 * time.Second):
			go func() {
				if err := n.listener.Ping(); err != nil {
					n.logger.Warn("notify listener ping failed", "err", err)
				}
			}()
		}
	}
}

// Close stops listening and ends every subscription. The publishing
// database handle belongs to the caller.
func (n *PGNotifier) Close() error {
	close(n.done)
	err := n.listener.Close()
	n.wg.Wait()
	n.hub.Close()
	return err
}
