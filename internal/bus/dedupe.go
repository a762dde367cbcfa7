package bus

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"stock-ledger/internal/core"
)

// ClaimResult is the outcome of Deduplicator.Claim.
type ClaimResult int

const (
	// Claimed means the caller owns the key and must call Done or Abandon.
	Claimed ClaimResult = iota
	// AlreadyDone means an earlier delivery was applied.
	AlreadyDone
	// InFlight means another delivery holds the claim right now.
	InFlight
)

// DefaultClaimTTL bounds how long a claim survives a consumer that died mid-apply.
const DefaultClaimTTL = 30 * time.Second

// Deduplicator tracks dedupe keys through claim, apply, done. Claim is atomic:
// of two concurrent deliveries of one key, exactly one gets Claimed.
type Deduplicator interface {
	Claim(ctx context.Context, key string) (ClaimResult, error)
	Done(ctx context.Context, key string) error
	Abandon(ctx context.Context, key string) error
}

type dedupeEntry struct {
	done bool
	at   time.Time
}

// MemoryDeduplicator keeps applied keys for ttl. Zero ttl keeps them forever.
type MemoryDeduplicator struct {
	mu       sync.Mutex
	entries  map[string]dedupeEntry
	ttl      time.Duration
	claimTTL time.Duration
	now      func() time.Time
}

func NewMemoryDeduplicator(ttl time.Duration) *MemoryDeduplicator {
	return &MemoryDeduplicator{
		entries:  map[string]dedupeEntry{},
		ttl:      ttl,
		claimTTL: DefaultClaimTTL,
		now:      time.Now,
	}
}

func (d *MemoryDeduplicator) Claim(_ context.Context, key string) (ClaimResult, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	now := d.now()
	if e, ok := d.entries[key]; ok {
		switch {
		case e.done && (d.ttl == 0 || now.Sub(e.at) <= d.ttl):
			return AlreadyDone, nil
		case !e.done && now.Sub(e.at) <= d.claimTTL:
			return InFlight, nil
		}
	}
	d.entries[key] = dedupeEntry{at: now}
	return Claimed, nil
}

func (d *MemoryDeduplicator) Done(_ context.Context, key string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.entries[key] = dedupeEntry{done: true, at: d.now()}
	return nil
}

func (d *MemoryDeduplicator) Abandon(_ context.Context, key string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if e, ok := d.entries[key]; ok && !e.done {
		delete(d.entries, key)
	}
	return nil
}

// ErrInFlight is returned by Consumer.Handle when another delivery of the same
// key is being applied. The caller should retry the delivery later.
var ErrInFlight = errors.New("event is being applied by another delivery")

// Handler applies one event on the consumer side.
type Handler func(ctx context.Context, evt core.StockLevelChanged) error

// Consumer wraps a Handler so that a redelivered event is applied at most once.
type Consumer struct {
	dedupe  Deduplicator
	handle  Handler
	log     *zap.Logger
	applied int64
	skipped int64
	mu      sync.Mutex
}

func NewConsumer(dedupe Deduplicator, handle Handler, logger *zap.Logger) *Consumer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Consumer{dedupe: dedupe, handle: handle, log: logger.Named("consumer")}
}

// Handle applies evt unless its dedupe key was already applied. It reports whether
// the handler ran. The key is marked done only after the handler succeeds, so a
// failed apply is released for a retry.
func (c *Consumer) Handle(ctx context.Context, evt core.StockLevelChanged) (bool, error) {
	key := evt.DedupeKey()
	if key == "" {
		return false, fmt.Errorf("event has no dedupe key")
	}
	claim, err := c.dedupe.Claim(ctx, key)
	if err != nil {
		return false, fmt.Errorf("failed to claim dedupe key %s: %w", key, err)
	}
	switch claim {
	case AlreadyDone:
		c.mu.Lock()
		c.skipped++
		c.mu.Unlock()
		c.log.Debug("duplicate event skipped", zap.String("dedupe_key", key))
		return false, nil
	case InFlight:
		return false, fmt.Errorf("dedupe key %s: %w", key, ErrInFlight)
	}

	if err := c.handle(ctx, evt); err != nil {
		if aerr := c.dedupe.Abandon(ctx, key); aerr != nil {
			c.log.Warn("failed to release dedupe claim", zap.String("dedupe_key", key), zap.Error(aerr))
		}
		return false, err
	}
	if err := c.dedupe.Done(ctx, key); err != nil {
		return true, fmt.Errorf("failed to mark dedupe key %s: %w", key, err)
	}
	c.mu.Lock()
	c.applied++
	c.mu.Unlock()
	return true, nil
}

// Run drains ch until it closes or ctx is cancelled.
func (c *Consumer) Run(ctx context.Context, ch <-chan core.StockLevelChanged) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case evt, ok := <-ch:
			if !ok {
				return nil
			}
			if _, err := c.Handle(ctx, evt); err != nil {
				c.log.Error("event handling failed", zap.String("event_id", evt.EventID), zap.Error(err))
			}
		}
	}
}

// Stats returns how many events were applied and how many were skipped as duplicates.
func (c *Consumer) Stats() (applied, skipped int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.applied, c.skipped
}
