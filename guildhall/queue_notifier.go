package guildhall

import (
	"context"
	"fmt"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/lmittmann/tint"
	"log/slog"
	"time"
)

const (
	postgresNotifyChannelQueue = "guildhall_queue"
	notifierRetryInterval      = 5 * time.Second
)

// QueueNotifier wakes queue workers in other processes when jobs
// are added.
type QueueNotifier interface {
	// Notify signals that a job was added to the named queue
	Notify(ctx context.Context, queue string) error

	// Listen calls wake whenever a job is added to the named queue by
	// any process, until ctx is canceled
	Listen(ctx context.Context, queue string, wake func()) error
}

func newQueueNotifier(
	databaseType string,
	dsn string,
	db DBI,
	logger *slog.Logger,
) QueueNotifier {
	if databaseType != dbTypePostgres {
		return localQueueNotifier{}
	}
	return &postgresQueueNotifier{
		dsn:    dsn,
		db:     db,
		logger: logger.With(loggerNameKey, "queue_notifier"),
	}
}

// localQueueNotifier is used where there's no cross-process signal.
// Workers in other processes pick up new jobs when they next poll.
type localQueueNotifier struct{}

func (localQueueNotifier) Notify(context.Context, string) error {
	return nil
}

func (localQueueNotifier) Listen(ctx context.Context, _ string, _ func()) error {
	<-ctx.Done()
	return nil
}

// postgresQueueNotifier uses LISTEN/NOTIFY, with the queue name as
// the notification payload.
type postgresQueueNotifier struct {
	dsn    string
	db     DBI
	logger *slog.Logger
}

func (p *postgresQueueNotifier) Notify(ctx context.Context, queue string) error {
	err := p.db.DB().WithContext(ctx).Exec(
		"SELECT pg_notify(?, ?)",
		postgresNotifyChannelQueue,
		queue,
	).Error
	if err != nil {
		return fmt.Errorf("error sending NOTIFY: %w", err)
	}
	return nil
}

func (p *postgresQueueNotifier) Listen(
	ctx context.Context,
	queue string,
	wake func(),
) error {
	logger := p.logger.With("channel", postgresNotifyChannelQueue, "queue", queue)

	config, err := pgxpool.ParseConfig(p.dsn)
	if err != nil {
		return fmt.Errorf("error parsing database config: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return fmt.Errorf("error creating connection pool: %w", err)
	}
	defer pool.Close()

	conn, err := pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("error acquiring connection: %w", err)
	}
	defer conn.Release()

	if _, err = conn.Exec(ctx, "LISTEN "+postgresNotifyChannelQueue); err != nil {
		return fmt.Errorf("error setting up listener: %w", err)
	}
	logger.InfoContext(ctx, "started listening on channel")

	for ctx.Err() == nil {
		notification, e := conn.Conn().WaitForNotification(ctx)
		if e != nil {
			if ctx.Err() != nil {
				break
			}
			logger.ErrorContext(ctx, "error waiting for notification", tint.Err(e))
			select {
			case <-ctx.Done():
			case <-time.After(notifierRetryInterval):
			}
			continue
		}
		if notification.Payload == queue {
			wake()
		}
	}
	return nil
}
