package core

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// Store is the transactional unit-of-work boundary plus the read side.
// internal/db implements it on Postgres, internal/memstore in memory.
type Store interface {
	Reader
	Outbox

	// InTx runs fn in one transaction. If fn returns an error, or ctx expires,
	// everything written through tx is rolled back.
	InTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error
}

// Tx is the write side, valid only inside Store.InTx.
type Tx interface {
	// LockLevels returns the levels for keys, creating zero rows on first touch.
	// Locks are acquired in StockKey.Less order regardless of argument order and
	// held until the transaction ends. Results follow argument order.
	LockLevels(ctx context.Context, keys ...StockKey) ([]*StockLevel, error)
	// SaveLevel writes level if its stored version still equals level.Version,
	// then increments level.Version. Returns ErrStaleVersion otherwise.
	SaveLevel(ctx context.Context, level *StockLevel) error
	AppendMovement(ctx context.Context, m Movement) error
	EnqueueEvent(ctx context.Context, e OutboxEvent) error

	// GetReservation reads (and in SQL stores, row-locks) a reservation.
	GetReservation(ctx context.Context, id string) (*Reservation, error)
	InsertReservation(ctx context.Context, r Reservation) error
	UpdateReservation(ctx context.Context, r Reservation) error
}

// Reader serves queries. Reads never block writers and may be slightly stale.
type Reader interface {
	GetLevel(ctx context.Context, key StockKey) (*StockLevel, error)
	ListLevels(ctx context.Context, filter LevelFilter) ([]StockLevel, error)
	ListMovements(ctx context.Context, filter MovementFilter) ([]Movement, error)
	// ReconcileSnapshot reads key's level and its movement totals at one point in
	// time, so a command committing meanwhile cannot make them disagree.
	ReconcileSnapshot(ctx context.Context, key StockKey) (LedgerSnapshot, error)
	FindReservation(ctx context.Context, id string) (*Reservation, error)
	ListExpiredReservations(ctx context.Context, asOf time.Time, limit int) ([]Reservation, error)
}

// LedgerSnapshot pairs a stock level with Σ quantity_change and the row count of
// its movements, read together.
type LedgerSnapshot struct {
	Level          StockLevel
	LedgerQuantity decimal.Decimal
	MovementCount  int
}

// Outbox is the dispatcher's view of pending events.
type Outbox interface {
	// ClaimPending leases up to limit undelivered events whose next attempt is due,
	// hiding them from other claimers until leaseUntil.
	ClaimPending(ctx context.Context, now, leaseUntil time.Time, limit int) ([]OutboxEvent, error)
	MarkDelivered(ctx context.Context, id string, at time.Time) error
	MarkFailed(ctx context.Context, id string, reason string, nextAttemptAt time.Time) error
	OutboxStats(ctx context.Context) (OutboxStats, error)
}

// OutboxStats summarises the outbox for operators.
type OutboxStats struct {
	Pending   int
	Delivered int
	Failing   int // pending with at least one failed attempt
}
