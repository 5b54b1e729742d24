package routing

import (
	"context"

	"go.uber.org/zap"

	"github.com/temps/edge/internal/db"
)

// NotifyListener is the subset of db.Listener's behavior Watch needs,
// satisfied by *db.Listener in production and a fake in tests.
type NotifyListener interface {
	Run(ctx context.Context, notifyCh chan<- db.Notification) error
}

// Watch performs the initial synchronous load, then reloads the table on
// every notification delivered by listener until ctx is canceled. Reload
// failures are logged and retried on the next notification rather than
// propagated; lookups keep serving the last-loaded table in the meantime.
func Watch(ctx context.Context, table *Table, listener NotifyListener, logger *zap.Logger) error {
	if err := table.Reload(ctx); err != nil {
		return err
	}

	notifyCh := make(chan db.Notification, 16)
	errCh := make(chan error, 1)
	go func() { errCh <- listener.Run(ctx, notifyCh) }()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-errCh:
			return err
		case <-notifyCh:
			if err := table.Reload(ctx); err != nil {
				logger.Warn("route table reload failed, serving stale table", zap.Error(err))
			}
		}
	}
}
