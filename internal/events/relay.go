package events

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// Relay moves outbox rows to a Publisher.
type Relay struct {
	store     Store
	publisher Publisher
	batchSize int
	log       *zap.Logger
}

func NewRelay(store Store, publisher Publisher, batchSize int, log *zap.Logger) *Relay {
	if batchSize <= 0 {
		batchSize = 100
	}
	return &Relay{store: store, publisher: publisher, batchSize: batchSize, log: log}
}

// RunOnce drains the outbox until a batch comes back short or publishing fails.
func (r *Relay) RunOnce(ctx context.Context) (int, error) {
	total := 0
	for {
		n, err := r.store.PublishPending(ctx, r.batchSize, r.publisher.Publish)
		total += n
		if err != nil {
			return total, fmt.Errorf("relay outbox: %w", err)
		}
		if n < r.batchSize {
			return total, nil
		}
		if ctx.Err() != nil {
			return total, ctx.Err()
		}
	}
}

// Run calls RunOnce on every tick until ctx is done.
func (r *Relay) Run(ctx context.Context, interval time.Duration) {
	r.tick(ctx)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.log.Info("outbox relay stopping")
			return
		case <-ticker.C:
			r.tick(ctx)
		}
	}
}

func (r *Relay) tick(ctx context.Context) {
	runCtx, cancel := context.WithTimeout(ctx, 20*time.Second)
	defer cancel()

	start := time.Now()
	n, err := r.RunOnce(runCtx)
	if err != nil {
		r.log.Error("outbox relay run failed", zap.Int("published", n), zap.Error(err))
		return
	}
	if n > 0 {
		r.log.Info("outbox relay run complete", zap.Int("published", n), zap.Duration("took", time.Since(start)))
	}
}
