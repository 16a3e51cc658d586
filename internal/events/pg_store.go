package events

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type PgStore struct {
	pool *pgxpool.Pool
}

func NewPgStore(pool *pgxpool.Pool) *PgStore {
	return &PgStore{pool: pool}
}

// PublishPending claims a batch with FOR UPDATE SKIP LOCKED so several relays can run side by side.
// It stops at the first publish failure and commits what was delivered before it.
func (s *PgStore) PublishPending(ctx context.Context, limit int, publish func(context.Context, Event) error) (int, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("begin outbox tx: %w", err)
	}
	defer tx.Rollback(ctx)

	rows, err := tx.Query(ctx, `
		SELECT id, event_type, aggregate_id, payload, created_at, published_at
		FROM event_logs
		WHERE published_at IS NULL
		ORDER BY id
		LIMIT $1
		FOR UPDATE SKIP LOCKED
	`, limit)
	if err != nil {
		return 0, fmt.Errorf("claim outbox batch: %w", err)
	}

	batch, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (Event, error) {
		var ev Event
		err := row.Scan(&ev.ID, &ev.EventType, &ev.AggregateID, &ev.Payload, &ev.CreatedAt, &ev.PublishedAt)
		return ev, err
	})
	if err != nil {
		return 0, fmt.Errorf("scan outbox batch: %w", err)
	}

	var delivered []int64
	var publishErr error
	for _, ev := range batch {
		if publishErr = publish(ctx, ev); publishErr != nil {
			break
		}
		delivered = append(delivered, ev.ID)
	}

	if len(delivered) > 0 {
		if _, err := tx.Exec(ctx, `
			UPDATE event_logs SET published_at = now() WHERE id = ANY($1)
		`, delivered); err != nil {
			return 0, fmt.Errorf("mark events published: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit outbox tx: %w", err)
	}

	return len(delivered), publishErr
}
