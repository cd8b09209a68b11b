package queue

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/openimagery/dicomgw/internal/logger"
	"github.com/openimagery/dicomgw/pkg/catalog"
)

// Listener turns pg_notify signals on the job channel into wakeups. Workers
// block on C() instead of tight-polling; the polling interval in the
// forwarder remains the fallback when the listening connection is down.
type Listener struct {
	pool *pgxpool.Pool
	ch   chan struct{}
}

// NewListener creates a listener over the shared pool. Run must be started
// for C to ever fire.
func NewListener(pool *pgxpool.Pool) *Listener {
	return &Listener{pool: pool, ch: make(chan struct{}, 1)}
}

// C delivers one wakeup per batch of notifications. The channel has a single
// slot; bursts coalesce.
func (l *Listener) C() <-chan struct{} { return l.ch }

// Run holds a dedicated connection on LISTEN until ctx is canceled,
// reconnecting with exponential backoff after failures. The backoff resets
// once a connection has stayed up for a while, so a flapping database does
// not leave the listener stuck at the maximum interval forever.
func (l *Listener) Run(ctx context.Context) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = time.Second
	bo.MaxInterval = 30 * time.Second
	bo.MaxElapsedTime = 0

	for ctx.Err() == nil {
		started := time.Now()
		err := l.listen(ctx)
		if ctx.Err() != nil {
			return
		}
		if time.Since(started) > bo.MaxInterval {
			bo.Reset()
		}
		if err != nil {
			logger.Warn("job listener disconnected", logger.Err(err))
		}
		select {
		case <-time.After(bo.NextBackOff()):
		case <-ctx.Done():
		}
	}
}

func (l *Listener) listen(ctx context.Context) error {
	conn, err := l.pool.Acquire(ctx)
	if err != nil {
		return err
	}
	defer conn.Release()

	if _, err := conn.Exec(ctx, "LISTEN "+catalog.NotifyChannel); err != nil {
		return err
	}
	logger.Debug("listening for job notifications", "channel", catalog.NotifyChannel)

	for {
		if _, err := conn.Conn().WaitForNotification(ctx); err != nil {
			return err
		}
		select {
		case l.ch <- struct{}{}:
		default:
		}
	}
}
