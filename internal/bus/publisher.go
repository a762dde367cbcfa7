// Package bus carries outbox events off the ledger: publishers for the outbox
// dispatcher, an in-process fan-out for live subscribers, and the consumer-side
// deduplication every downstream reader needs under at-least-once delivery.
package bus

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"stock-ledger/internal/core"
)

// Multi publishes to every publisher in order and fails if any of them fails.
// The dispatcher then retries the whole event; consumers dedupe the repeats.
type Multi []core.EventPublisher

func (m Multi) Publish(ctx context.Context, evt core.OutboxEvent) error {
	var errs []error
	for _, p := range m {
		if err := p.Publish(ctx, evt); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// LogPublisher writes events to the log. Used when no bus is configured.
type LogPublisher struct {
	Logger *zap.Logger
}

func (p LogPublisher) Publish(_ context.Context, evt core.OutboxEvent) error {
	if p.Logger == nil {
		return fmt.Errorf("log publisher has no logger")
	}
	e := evt.Payload
	p.Logger.Info("stock level changed",
		zap.String("event_id", evt.ID),
		zap.String("topic", evt.Topic),
		zap.String("dedupe_key", e.DedupeKey()),
		zap.String("item_id", e.ItemID),
		zap.String("location_id", e.LocationID),
		zap.Stringer("previous_qty", e.PreviousQty),
		zap.Stringer("new_qty", e.NewQty),
		zap.Stringer("reserved_qty", e.ReservedQty),
		zap.String("movement_type", string(e.MovementType)),
	)
	return nil
}
