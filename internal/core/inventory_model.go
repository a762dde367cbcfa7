package core

import (
	"time"

	"github.com/shopspring/decimal"
)

// StockKey identifies one stock level row: an item held at a location.
type StockKey struct {
	ItemID     string
	LocationID string
}

func (k StockKey) String() string {
	return k.ItemID + "@" + k.LocationID
}

// Less orders keys by (LocationID, ItemID). Every multi-key lock is taken in this order.
func (k StockKey) Less(o StockKey) bool {
	if k.LocationID != o.LocationID {
		return k.LocationID < o.LocationID
	}
	return k.ItemID < o.ItemID
}

// StockLevel is the live quantity/cost pair for one (item, location).
// Rows are created on first touch and never deleted.
type StockLevel struct {
	ItemID           string
	LocationID       string
	Quantity         decimal.Decimal
	ReservedQuantity decimal.Decimal
	AverageUnitCost  decimal.Decimal // weighted average, moved only by inbound movements
	Version          int64
	LastMovementAt   *time.Time
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

func (l StockLevel) Key() StockKey {
	return StockKey{ItemID: l.ItemID, LocationID: l.LocationID}
}

// Available = Quantity - ReservedQuantity.
func (l StockLevel) Available() decimal.Decimal {
	return l.Quantity.Sub(l.ReservedQuantity)
}

// MovementType classifies a quantity-affecting event.
type MovementType string

const (
	MovementReceipt     MovementType = "RECEIPT"
	MovementIssue       MovementType = "ISSUE"
	MovementAdjustment  MovementType = "ADJUSTMENT"
	MovementTransferOut MovementType = "TRANSFER_OUT"
	MovementTransferIn  MovementType = "TRANSFER_IN"
	MovementConsume     MovementType = "CONSUME"
)

// IsInbound reports whether a movement of this type with the given change feeds the
// weighted-average cost. Outbound movements never touch the average.
func (t MovementType) IsInbound(change decimal.Decimal) bool {
	switch t {
	case MovementReceipt, MovementTransferIn:
		return true
	case MovementAdjustment:
		return change.IsPositive()
	default:
		return false
	}
}

// BatchInfo is optional lot/expiry data carried on a movement. It is informational only.
type BatchInfo struct {
	LotNumber string     `json:"lot_number,omitempty"`
	ExpiresOn *time.Time `json:"expires_on,omitempty"`
}

// Movement is an immutable ledger row. QuantityAfter == QuantityBefore + QuantityChange.
type Movement struct {
	ID             string
	ItemID         string
	LocationID     string
	Type           MovementType
	QuantityBefore decimal.Decimal
	QuantityChange decimal.Decimal
	QuantityAfter  decimal.Decimal
	UnitCost       decimal.Decimal // average cost in effect for outbound, incoming cost for inbound
	Reference      Reference
	Batch          *BatchInfo
	Notes          string
	Actor          string
	CreatedAt      time.Time
}

func (m Movement) Key() StockKey {
	return StockKey{ItemID: m.ItemID, LocationID: m.LocationID}
}

// TotalCost is |change| × unit cost; for outbound movements this is the cost of goods issued.
func (m Movement) TotalCost() decimal.Decimal {
	return m.QuantityChange.Abs().Mul(m.UnitCost)
}

// MovementFilter narrows ListMovements. Zero values mean "no filter".
type MovementFilter struct {
	ItemID        string
	LocationID    string
	From          *time.Time
	To            *time.Time
	ReferenceKind ReferenceKind
	Limit         int
}

// LevelFilter narrows ListStockLevels.
type LevelFilter struct {
	ItemID     string
	LocationID string
}

// ReservationState is the reservation lifecycle position.
type ReservationState string

const (
	ReservationActive    ReservationState = "ACTIVE"
	ReservationCommitted ReservationState = "COMMITTED"
	ReservationReleased  ReservationState = "RELEASED"
	ReservationExpired   ReservationState = "EXPIRED"
)

// Reservation earmarks quantity at a location without issuing it.
type Reservation struct {
	ID         string
	ItemID     string
	LocationID string
	Quantity   decimal.Decimal
	Reference  Reference
	State      ReservationState
	ExpiresAt  time.Time
	MovementID string // set when committed
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

func (r Reservation) Key() StockKey {
	return StockKey{ItemID: r.ItemID, LocationID: r.LocationID}
}

// MovementResult is what every quantity-changing command returns.
type MovementResult struct {
	Level    StockLevel
	Movement Movement
}

// TransferResult carries both sides of a transfer.
type TransferResult struct {
	TransferID string
	Source     MovementResult
	Target     MovementResult
}

// ReconcileReport compares a live level against the sum of its movements.
type ReconcileReport struct {
	ItemID         string
	LocationID     string
	LevelQuantity  decimal.Decimal
	LedgerQuantity decimal.Decimal
	MovementCount  int
	Drift          decimal.Decimal // LevelQuantity - LedgerQuantity
	CheckedAt      time.Time
}

func (r ReconcileReport) InSync() bool {
	return r.Drift.IsZero()
}

// Err returns a RECONCILIATION_DRIFT error when the report is out of sync, nil otherwise.
func (r ReconcileReport) Err() error {
	if r.InSync() {
		return nil
	}
	return newError(CodeReconciliationDrift, "stock %s@%s drifted: level %s, ledger %s",
		r.ItemID, r.LocationID, r.LevelQuantity, r.LedgerQuantity)
}
