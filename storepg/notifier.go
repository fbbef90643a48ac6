package storepg

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	sourced "github.com/ismasan/sourced"
)

// Notify publishes payload on channel via pg_notify, used internally by
// Store's Append/StartConsumerGroup so they don't need to hold a
// *Notifier of their own. db may be the pool or an open transaction; a
// notify queued against a transaction is delivered only once that
// transaction commits.
func Notify(ctx context.Context, db dbtx, channel, payload string) error {
	_, err := db.Exec(ctx, `SELECT pg_notify($1, $2)`, channel, payload)
	return err
}

// Notifier is the Postgres LISTEN/NOTIFY sourced.Notifier, grounded on
// SPEC_FULL.md §6.2: one dedicated pgxpool.Conn per Listen call, held for
// the lifetime of the subscription and released when ctx is cancelled.
type Notifier struct {
	pool *pgxpool.Pool
}

// NewNotifier wraps pool as a sourced.Notifier.
func NewNotifier(pool *pgxpool.Pool) *Notifier {
	return &Notifier{pool: pool}
}

func (n *Notifier) Notify(ctx context.Context, channel, payload string) error {
	return Notify(ctx, n.pool, channel, payload)
}

func (n *Notifier) Listen(ctx context.Context, channel string) (<-chan string, error) {
	conn, err := n.pool.Acquire(ctx)
	if err != nil {
		return nil, sourced.NewBackendError("listen_acquire", err)
	}

	ident := pgx.Identifier{channel}
	if _, err := conn.Exec(ctx, "LISTEN "+ident.Sanitize()); err != nil {
		conn.Release()
		return nil, sourced.NewBackendError("listen", err)
	}

	ch := make(chan string, 64)
	go func() {
		defer conn.Release()
		defer close(ch)
		for {
			notification, err := conn.Conn().WaitForNotification(ctx)
			if err != nil {
				return
			}
			select {
			case ch <- notification.Payload:
			case <-ctx.Done():
				return
			}
		}
	}()

	return ch, nil
}

var _ sourced.Notifier = (*Notifier)(nil)
