// Package outbox delivers messages the engine enqueued inside its
// transactions.
package outbox

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"escrowflow/domain"
	"escrowflow/observability"
)

const (
	DefaultBatchSize   = 50
	DefaultMaxAttempts = 5
)

// Publisher hands one message to the outside world.
type Publisher interface {
	Publish(ctx context.Context, m domain.OutboxMessage) error
}

// PublisherFunc adapts a function to Publisher.
type PublisherFunc func(ctx context.Context, m domain.OutboxMessage) error

func (f PublisherFunc) Publish(ctx context.Context, m domain.OutboxMessage) error {
	return f(ctx, m)
}

// LogPublisher writes each message as a structured log line.
type LogPublisher struct {
	logger zerolog.Logger
}

func NewLogPublisher(logger zerolog.Logger) *LogPublisher {
	return &LogPublisher{logger: logger.With().Str("component", "outbox_publisher").Logger()}
}

func (p *LogPublisher) Publish(ctx context.Context, m domain.OutboxMessage) error {
	p.logger.Info().
		Str("message_id", m.ID).
		Str("topic", m.Topic).
		Int("attempts", m.Attempts).
		Interface("payload", m.Payload).
		Msg("outbox_message")
	return nil
}

// Relay drains pending messages in batches. A failed delivery counts an
// attempt; after MaxAttempts the message is dead and no longer retried.
type Relay struct {
	store       domain.Store
	publisher   Publisher
	batchSize   int
	maxAttempts int
	logger      zerolog.Logger
}

func NewRelay(store domain.Store, publisher Publisher) *Relay {
	return &Relay{
		store:       store,
		publisher:   publisher,
		batchSize:   DefaultBatchSize,
		maxAttempts: DefaultMaxAttempts,
		logger:      zerolog.Nop(),
	}
}

func (r *Relay) WithLogger(logger zerolog.Logger) *Relay {
	r.logger = logger.With().Str("component", "outbox_relay").Logger()
	return r
}

func (r *Relay) WithBatchSize(n int) *Relay {
	if n > 0 {
		r.batchSize = n
	}
	return r
}

func (r *Relay) WithMaxAttempts(n int) *Relay {
	if n > 0 {
		r.maxAttempts = n
	}
	return r
}

// Run drains on every tick until ctx is cancelled.
func (r *Relay) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		return fmt.Errorf("outbox: interval must be positive")
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := r.Drain(ctx); err != nil && !errors.Is(err, context.Canceled) {
				r.logger.Error().Err(err).Msg("outbox_drain_failed")
			}
		}
	}
}

// Drain delivers one batch and reports how many messages were published.
// Publishing happens outside the store transaction so a slow publisher
// never holds the engine serializer.
func (r *Relay) Drain(ctx context.Context) (int, error) {
	var batch []domain.OutboxMessage
	err := domain.InTx(ctx, r.store, func(tx domain.Tx) error {
		var err error
		batch, err = tx.Outbox().Pending(ctx, r.batchSize)
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("outbox: load pending: %w", err)
	}

	delivered := 0
	for _, m := range batch {
		if err := ctx.Err(); err != nil {
			return delivered, err
		}
		pubErr := r.publisher.Publish(ctx, m)
		observability.RecordOutboxDelivery(m.Topic, pubErr == nil)
		err := domain.InTx(ctx, r.store, func(tx domain.Tx) error {
			if pubErr == nil {
				return tx.Outbox().MarkProcessed(ctx, m.ID)
			}
			return tx.Outbox().MarkFailed(ctx, m.ID, r.maxAttempts)
		})
		if err != nil {
			return delivered, fmt.Errorf("outbox: mark %s: %w", m.ID, err)
		}
		if pubErr != nil {
			r.logger.Warn().Err(pubErr).
				Str("message_id", m.ID).
				Str("topic", m.Topic).
				Int("attempt", m.Attempts+1).
				Msg("outbox_publish_failed")
			continue
		}
		delivered++
	}
	if delivered > 0 {
		r.logger.Debug().Int("delivered", delivered).Int("batch", len(batch)).Msg("outbox_drained")
	}
	return delivered, nil
}
