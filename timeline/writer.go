// Package timeline appends engine events and outbox messages inside the
// caller's transaction so they commit or vanish with the state change that
// produced them.
package timeline

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"escrowflow/domain"
)

// Writer stamps events with the host clock and outbox messages with ids.
type Writer struct {
	clock       domain.Clock
	idGenerator func() string
}

func NewWriter(clock domain.Clock) *Writer {
	if clock == nil {
		clock = domain.SystemClock{}
	}
	return &Writer{
		clock:       clock,
		idGenerator: uuid.NewString,
	}
}

func (w *Writer) WithIDGenerator(gen func() string) *Writer {
	w.idGenerator = gen
	return w
}

// Append records an immutable event.
func (w *Writer) Append(ctx context.Context, tx domain.Tx, e domain.Event) error {
	if e.RecordedAt == 0 {
		e.RecordedAt = w.clock.Now()
	}
	if _, err := tx.Events().Append(ctx, e); err != nil {
		return fmt.Errorf("timeline: append %s: %w", e.Type, err)
	}
	return nil
}

// Enqueue schedules a message for the outbox relay.
func (w *Writer) Enqueue(ctx context.Context, tx domain.Tx, topic string, payload map[string]any) error {
	msg := domain.OutboxMessage{
		ID:      w.idGenerator(),
		Topic:   topic,
		Payload: payload,
		Status:  domain.OutboxPending,
	}
	if err := tx.Outbox().Enqueue(ctx, msg); err != nil {
		return fmt.Errorf("timeline: enqueue %s: %w", topic, err)
	}
	return nil
}

// Record appends the event and, when topic is set, publishes its payload.
func (w *Writer) Record(ctx context.Context, tx domain.Tx, e domain.Event, topic string) error {
	if err := w.Append(ctx, tx, e); err != nil {
		return err
	}
	if topic == "" {
		return nil
	}
	payload := make(map[string]any, len(e.Payload)+3)
	for k, v := range e.Payload {
		payload[k] = v
	}
	if !e.AgreementID.IsZero() {
		payload["agreement_id"] = e.AgreementID.Hex()
	}
	if !e.ConditionID.IsZero() {
		payload["condition_id"] = e.ConditionID.Hex()
	}
	if !e.Actor.IsZero() {
		payload["actor"] = e.Actor.String()
	}
	return w.Enqueue(ctx, tx, topic, payload)
}
