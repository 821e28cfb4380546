package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/lib/pq"

	"github.com/trackguard/interlocking/infrastructure/logging"
)

// ChangeNotification is the envelope this package publishes to a change
// channel. The migrations define two trigger functions that call pg_notify with
// this shape: pgnotify_change() for signals, track_circuits, point_machines and
// route_assignments, and pgnotify_resource_locks() for resource_locks.
type ChangeNotification struct {
	Table     string          `json:"table"`
	Operation string          `json:"op"` // INSERT, UPDATE, DELETE
	RowID     string          `json:"row_id"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
	// Test is non-empty only for the startup self-test notification the Change Distributor
	// publishes on its own channel to confirm LISTEN/NOTIFY is wired end to end; it never
	// names a table and must not trigger a cache refresh.
	Test string `json:"test,omitempty"`
}

// NotificationHandler is invoked once per ChangeNotification on its channel.
type NotificationHandler func(ctx context.Context, n ChangeNotification)

// Notifier wraps a lib/pq Listener so the Change Distributor can subscribe to
// change channels without depending on database/sql directly. It is the
// Store Gateway's implementation of the subscribe(channel) primitive.
type Notifier struct {
	db       *sql.DB
	listener *pq.Listener
	logger   *logging.Logger

	mu       sync.RWMutex
	handlers map[string][]NotificationHandler

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewNotifier creates a Notifier bound to dsn, independent of the pooled
// connection used for ordinary queries — LISTEN requires a dedicated,
// long-lived connection.
func NewNotifier(db *sql.DB, dsn string, logger *logging.Logger) *Notifier {
	reportProblem := func(ev pq.ListenerEventType, err error) {
		if err != nil && logger != nil {
			logger.WithFields(map[string]interface{}{"error": err.Error()}).Warn("notify listener error")
		}
	}

	listener := pq.NewListener(dsn, 10*time.Second, time.Minute, reportProblem)
	ctx, cancel := context.WithCancel(context.Background())

	n := &Notifier{
		db:       db,
		listener: listener,
		logger:   logger,
		handlers: make(map[string][]NotificationHandler),
		ctx:      ctx,
		cancel:   cancel,
	}

	n.wg.Add(1)
	go n.listen()

	return n
}

// Publish sends a change notification on a channel. Ordinary write paths
// never call this directly — the stored procedures do it as part of the
// mutating transaction so the notification can never be observed without its
// underlying row commit.
func (n *Notifier) Publish(ctx context.Context, channel string, notif ChangeNotification) error {
	data, err := json.Marshal(notif)
	if err != nil {
		return fmt.Errorf("notify: marshal: %w", err)
	}
	_, err = n.db.ExecContext(ctx, "SELECT pg_notify($1, $2)", channel, string(data))
	if err != nil {
		return fmt.Errorf("notify: pg_notify: %w", err)
	}
	return nil
}

// Subscribe registers a handler for a channel, issuing LISTEN the first time
// the channel gains a subscriber.
func (n *Notifier) Subscribe(channel string, handler NotificationHandler) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if len(n.handlers[channel]) == 0 {
		if err := n.listener.Listen(channel); err != nil {
			return fmt.Errorf("notify: listen %s: %w", channel, err)
		}
	}
	n.handlers[channel] = append(n.handlers[channel], handler)
	return nil
}

// Unsubscribe removes every handler registered for a channel and UNLISTENs it.
func (n *Notifier) Unsubscribe(channel string) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	delete(n.handlers, channel)
	if err := n.listener.Unlisten(channel); err != nil {
		return fmt.Errorf("notify: unlisten %s: %w", channel, err)
	}
	return nil
}

// Close stops the listener goroutine and releases the underlying connection.
func (n *Notifier) Close() error {
	n.cancel()
	n.wg.Wait()
	return n.listener.Close()
}

func (n *Notifier) listen() {
	defer n.wg.Done()

	for {
		select {
		case <-n.ctx.Done():
			return

		case raw := <-n.listener.Notify:
			if raw == nil {
				// Connection dropped; pq.Listener reconnects and re-LISTENs on our behalf.
				continue
			}

			var notif ChangeNotification
			if err := json.Unmarshal([]byte(raw.Extra), &notif); err != nil {
				if n.logger != nil {
					n.logger.WithFields(map[string]interface{}{
						"channel": raw.Channel,
						"error":   err.Error(),
					}).Warn("notify: malformed change notification")
				}
				continue
			}

			n.mu.RLock()
			handlers := make([]NotificationHandler, len(n.handlers[raw.Channel]))
			copy(handlers, n.handlers[raw.Channel])
			n.mu.RUnlock()

			for _, h := range handlers {
				n.dispatch(h, notif)
			}

		case <-time.After(90 * time.Second):
			go func() {
				if err := n.listener.Ping(); err != nil && n.logger != nil {
					n.logger.WithFields(map[string]interface{}{"error": err.Error()}).Warn("notify: ping failed")
				}
			}()
		}
	}
}

// dispatch runs handler on the listener goroutine, so a channel's notifications reach each
// handler one at a time in the order they arrived.
func (n *Notifier) dispatch(handler NotificationHandler, notif ChangeNotification) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	handler(ctx, notif)
}
