package ledger

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/lib/pq"
)

// PostgresWatcher turns NOTIFY events on NotifyChannel into wake-up signals.
type PostgresWatcher struct {
	dsn            string
	minReconnect   time.Duration
	maxReconnect   time.Duration
	keepaliveEvery time.Duration
	logger         *slog.Logger
}

// NewPostgresWatcher creates a watcher that opens its own listener connection.
func NewPostgresWatcher(dsn string) *PostgresWatcher {
	return &PostgresWatcher{
		dsn:            dsn,
		minReconnect:   time.Second,
		maxReconnect:   time.Minute,
		keepaliveEvery: 90 * time.Second,
		logger:         slog.Default().With("component", "ledger-watch"),
	}
}

func (w *PostgresWatcher) Watch(ctx context.Context) (<-chan struct{}, error) {
	listener := pq.NewListener(w.dsn, w.minReconnect, w.maxReconnect, func(ev pq.ListenerEventType, err error) {
		if err != nil {
			w.logger.Warn("listener event", "event", int(ev), "error", err)
		}
	})
	if err := listener.Listen(NotifyChannel); err != nil {
		_ = listener.Close()
		return nil, fmt.Errorf("listen %s: %w", NotifyChannel, err)
	}

	out := make(chan struct{}, 1)
	go func() {
		defer close(out)
		defer func() { _ = listener.Close() }()

		keepalive := time.NewTicker(w.keepaliveEvery)
		defer keepalive.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-listener.Notify:
				// A nil notification follows a reconnect; appends may have
				// been missed, so signal anyway.
				select {
				case out <- struct{}{}:
				default:
				}
			case <-keepalive.C:
				go func() {
					if err := listener.Ping(); err != nil {
						w.logger.Warn("listener ping failed", "error", err)
					}
				}()
			}
		}
	}()
	return out, nil
}
