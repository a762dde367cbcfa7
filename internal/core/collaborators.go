package core

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// ItemRegistry answers catalog questions the ledger does not own.
type ItemRegistry interface {
	// ItemExists reports whether itemID is a known, active item.
	ItemExists(ctx context.Context, itemID string) (bool, error)
	// DefaultUnitCost is used to value positive adjustments of items with no cost history.
	DefaultUnitCost(ctx context.Context, itemID string) (decimal.Decimal, error)
}

// LocationRegistry answers warehouse questions the ledger does not own.
type LocationRegistry interface {
	LocationExists(ctx context.Context, locationID string) (bool, error)
}

// Clock is the injectable timestamp source.
type Clock interface {
	Now() time.Time
}

// IDGenerator mints ids for movements, reservations and events.
type IDGenerator interface {
	NewID() string
}

// SystemClock is the wall clock in UTC.
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now().UTC() }

// UUIDGenerator emits time-ordered UUIDv7 strings, falling back to v4.
type UUIDGenerator struct{}

func (UUIDGenerator) NewID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

// OpenRegistry accepts every item and location. Used when no catalog is wired.
type OpenRegistry struct{}

func (OpenRegistry) ItemExists(context.Context, string) (bool, error)     { return true, nil }
func (OpenRegistry) LocationExists(context.Context, string) (bool, error) { return true, nil }
func (OpenRegistry) DefaultUnitCost(context.Context, string) (decimal.Decimal, error) {
	return decimal.Zero, nil
}
