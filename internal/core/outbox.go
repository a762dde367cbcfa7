package core

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
)

// EventPublisher hands an outbox event to the message bus. Implementations live in
// internal/bus. Delivery is at-least-once; consumers deduplicate on DedupeKey.
type EventPublisher interface {
	Publish(ctx context.Context, evt OutboxEvent) error
}

// DispatcherConfig tunes the outbox poller.
type DispatcherConfig struct {
	Logger       *zap.Logger
	Clock        Clock
	PollInterval time.Duration // default 1s
	BatchSize    int           // default 50
	Lease        time.Duration // default 30s; how long a claimed row stays hidden
	RetryBase    time.Duration // default 1s
	RetryMax     time.Duration // default 5m
	RetryJitter  float64       // randomisation factor, default 0.2; negative disables
}

// Dispatcher drains the outbox into an EventPublisher. It runs apart from the
// command path: a slow or failing bus never blocks a stock mutation.
type Dispatcher struct {
	outbox    Outbox
	publisher EventPublisher
	cfg       DispatcherConfig
	log       *zap.Logger
	published metric.Int64Counter
	failed    metric.Int64Counter
}

func NewDispatcher(outbox Outbox, publisher EventPublisher, cfg DispatcherConfig) *Dispatcher {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Clock == nil {
		cfg.Clock = SystemClock{}
	}
	if cfg.PollInterval == 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.BatchSize == 0 {
		cfg.BatchSize = 50
	}
	if cfg.Lease == 0 {
		cfg.Lease = 30 * time.Second
	}
	if cfg.RetryBase == 0 {
		cfg.RetryBase = time.Second
	}
	if cfg.RetryMax == 0 {
		cfg.RetryMax = 5 * time.Minute
	}
	switch {
	case cfg.RetryJitter == 0:
		cfg.RetryJitter = 0.2
	case cfg.RetryJitter < 0:
		cfg.RetryJitter = 0
	}
	meter := otel.Meter("stock-ledger/outbox")
	return &Dispatcher{
		outbox:    outbox,
		publisher: publisher,
		cfg:       cfg,
		log:       cfg.Logger.Named("outbox"),
		published: counter(meter, "outbox.published", "Outbox events delivered to the bus"),
		failed:    counter(meter, "outbox.failed", "Outbox publish attempts that failed"),
	}
}

// Run polls until ctx is cancelled.
func (d *Dispatcher) Run(ctx context.Context) error {
	d.log.Info("outbox dispatcher started", zap.Duration("interval", d.cfg.PollInterval))
	return RunEvery(ctx, d.cfg.PollInterval, func(ctx context.Context) {
		for {
			n, err := d.DispatchOnce(ctx)
			if err != nil {
				d.log.Error("outbox poll failed", zap.Error(err))
				return
			}
			// A full batch means more may be waiting.
			if n < d.cfg.BatchSize {
				return
			}
		}
	})
}

// DispatchOnce claims one batch and tries to publish each event. It returns how many
// events it claimed. Publish failures are recorded on the row, not returned.
func (d *Dispatcher) DispatchOnce(ctx context.Context) (int, error) {
	now := d.cfg.Clock.Now()
	events, err := d.outbox.ClaimPending(ctx, now, now.Add(d.cfg.Lease), d.cfg.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("failed to claim outbox events: %w", err)
	}

	for _, evt := range events {
		if err := d.publisher.Publish(ctx, evt); err != nil {
			next := d.cfg.Clock.Now().Add(retryDelay(evt.Attempts+1, d.cfg.RetryBase, d.cfg.RetryMax, d.cfg.RetryJitter))
			d.failed.Add(ctx, 1, metric.WithAttributes(attribute.String("topic", evt.Topic)))
			d.log.Warn("outbox publish failed",
				zap.String("event_id", evt.ID),
				zap.String("movement_id", evt.MovementID),
				zap.Int("attempts", evt.Attempts+1),
				zap.Time("next_attempt_at", next),
				zap.Error(err),
			)
			if err := d.outbox.MarkFailed(ctx, evt.ID, err.Error(), next); err != nil {
				return len(events), fmt.Errorf("failed to record publish failure for %s: %w", evt.ID, err)
			}
			continue
		}
		if err := d.outbox.MarkDelivered(ctx, evt.ID, d.cfg.Clock.Now()); err != nil {
			// The event stays leased and will be re-published; consumers dedupe.
			return len(events), fmt.Errorf("failed to mark %s delivered: %w", evt.ID, err)
		}
		d.published.Add(ctx, 1, metric.WithAttributes(attribute.String("topic", evt.Topic)))
	}
	return len(events), nil
}

// retryDelay replays the exponential policy up to the given attempt. The attempt
// count is persisted on the outbox row, so the policy is rebuilt per call rather
// than kept as state.
func retryDelay(attempts int, base, ceiling time.Duration, jitter float64) time.Duration {
	b := &backoff.ExponentialBackOff{
		InitialInterval:     base,
		RandomizationFactor: jitter,
		Multiplier:          2,
		MaxInterval:         ceiling,
	}
	b.Reset()
	attempts = min(max(attempts, 1), 64)
	var d time.Duration
	for i := 0; i < attempts; i++ {
		d = b.NextBackOff()
	}
	return d
}
