package db

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"
)

// reconnectBackoff is the fixed delay between reconnect attempts after the
// dedicated LISTEN connection drops. The original used the same fixed
// interval rather than exponential backoff: NOTIFY volume on the routing
// channel is low enough that hammering Postgres every 5s is not a concern,
// and a fixed interval keeps recovery time bounded and predictable.
const reconnectBackoff = 5 * time.Second

// Listener holds a dedicated, non-pooled connection subscribed to a single
// Postgres NOTIFY channel. Route-table changes (C3) use this to learn when
// environments, deployments, domains, or custom routes change without
// polling the database.
type Listener struct {
	dsn     string
	channel string
	logger  *zap.Logger
}

// NewListener creates a Listener for the given channel. dsn must not be the
// pooled pgxpool DSN's connection-limited variant: LISTEN requires holding a
// single connection open indefinitely, which a pool would otherwise recycle
// out from under the subscription.
func NewListener(dsn, channel string, logger *zap.Logger) *Listener {
	return &Listener{dsn: dsn, channel: channel, logger: logger}
}

// Notification is a single NOTIFY payload delivered on the subscribed
// channel.
type Notification struct {
	Channel string
	Payload string
}

// Run subscribes to the channel and delivers notifications on notifyCh until
// ctx is canceled. On any connection error it reconnects after
// reconnectBackoff. Run blocks; callers should invoke it in its own
// goroutine.
func (l *Listener) Run(ctx context.Context, notifyCh chan<- Notification) error {
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		if err := l.runOnce(ctx, notifyCh); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			l.logger.Warn("route change listener disconnected, reconnecting",
				zap.String("channel", l.channel),
				zap.Error(err),
				zap.Duration("backoff", reconnectBackoff),
			)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(reconnectBackoff):
			}
		}
	}
}

func (l *Listener) runOnce(ctx context.Context, notifyCh chan<- Notification) error {
	conn, err := pgx.Connect(ctx, l.dsn)
	if err != nil {
		return err
	}
	defer conn.Close(context.Background())

	if _, err := conn.Exec(ctx, "LISTEN "+pgx.Identifier{l.channel}.Sanitize()); err != nil {
		return err
	}

	l.logger.Info("route change listener connected", zap.String("channel", l.channel))

	for {
		notification, err := conn.WaitForNotification(ctx)
		if err != nil {
			return err
		}

		select {
		case notifyCh <- Notification{Channel: notification.Channel, Payload: notification.Payload}:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
