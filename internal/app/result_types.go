package app

import (
	"time"

	"github.com/shopspring/decimal"

	"stock-ledger/internal/core"
)

// StockLevelView is the wire shape of a stock level.
type StockLevelView struct {
	ItemID          string          `json:"item_id"`
	LocationID      string          `json:"location_id"`
	Quantity        decimal.Decimal `json:"quantity"`
	Reserved        decimal.Decimal `json:"reserved"`
	Available       decimal.Decimal `json:"available"`
	AverageUnitCost decimal.Decimal `json:"average_unit_cost"`
	StockValue      decimal.Decimal `json:"stock_value"`
	Version         int64           `json:"version"`
	LastMovementAt  *time.Time      `json:"last_movement_at,omitempty"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

func levelView(l core.StockLevel) StockLevelView {
	return StockLevelView{
		ItemID:          l.ItemID,
		LocationID:      l.LocationID,
		Quantity:        l.Quantity,
		Reserved:        l.ReservedQuantity,
		Available:       l.Available(),
		AverageUnitCost: l.AverageUnitCost,
		StockValue:      l.Quantity.Mul(l.AverageUnitCost),
		Version:         l.Version,
		LastMovementAt:  l.LastMovementAt,
		UpdatedAt:       l.UpdatedAt,
	}
}

// MovementView is the wire shape of a ledger row.
type MovementView struct {
	ID             string          `json:"id"`
	ItemID         string          `json:"item_id"`
	LocationID     string          `json:"location_id"`
	Type           string          `json:"type"`
	QuantityBefore decimal.Decimal `json:"quantity_before"`
	QuantityChange decimal.Decimal `json:"quantity_change"`
	QuantityAfter  decimal.Decimal `json:"quantity_after"`
	UnitCost       decimal.Decimal `json:"unit_cost"`
	TotalCost      decimal.Decimal `json:"total_cost"`
	Reference      core.Reference  `json:"reference"`
	Batch          *core.BatchInfo `json:"batch,omitempty"`
	Notes          string          `json:"notes,omitempty"`
	Actor          string          `json:"actor,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
}

func movementView(m core.Movement) MovementView {
	return MovementView{
		ID:             m.ID,
		ItemID:         m.ItemID,
		LocationID:     m.LocationID,
		Type:           string(m.Type),
		QuantityBefore: m.QuantityBefore,
		QuantityChange: m.QuantityChange,
		QuantityAfter:  m.QuantityAfter,
		UnitCost:       m.UnitCost,
		TotalCost:      m.TotalCost(),
		Reference:      m.Reference,
		Batch:          m.Batch,
		Notes:          m.Notes,
		Actor:          m.Actor,
		CreatedAt:      m.CreatedAt,
	}
}

// MovementResult is returned by every quantity-changing command.
type MovementResult struct {
	Level    StockLevelView `json:"level"`
	Movement MovementView   `json:"movement"`
}

func movementResult(r *core.MovementResult) *MovementResult {
	return &MovementResult{Level: levelView(r.Level), Movement: movementView(r.Movement)}
}

// TransferResult carries both legs of a transfer.
type TransferResult struct {
	TransferID string         `json:"transfer_id"`
	Source     MovementResult `json:"source"`
	Target     MovementResult `json:"target"`
}

// ReservationResult is the wire shape of a reservation.
type ReservationResult struct {
	ID         string          `json:"id"`
	ItemID     string          `json:"item_id"`
	LocationID string          `json:"location_id"`
	Quantity   decimal.Decimal `json:"quantity"`
	Reference  core.Reference  `json:"reference"`
	State      string          `json:"state"`
	ExpiresAt  time.Time       `json:"expires_at"`
	MovementID string          `json:"movement_id,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
	UpdatedAt  time.Time       `json:"updated_at"`
}

func reservationResult(r *core.Reservation) *ReservationResult {
	return &ReservationResult{
		ID:         r.ID,
		ItemID:     r.ItemID,
		LocationID: r.LocationID,
		Quantity:   r.Quantity,
		Reference:  r.Reference,
		State:      string(r.State),
		ExpiresAt:  r.ExpiresAt,
		MovementID: r.MovementID,
		CreatedAt:  r.CreatedAt,
		UpdatedAt:  r.UpdatedAt,
	}
}

// StockLevelResult is returned by GetStockLevel.
type StockLevelResult struct {
	Level StockLevelView `json:"level"`
}

// StockListResult is returned by ListStockLevels.
type StockListResult struct {
	Levels []StockLevelView `json:"levels"`
}

// MovementListResult is returned by ListMovements.
type MovementListResult struct {
	Movements []MovementView `json:"movements"`
}

// ReconcileResult is one reconciliation report.
type ReconcileResult struct {
	ItemID         string          `json:"item_id"`
	LocationID     string          `json:"location_id"`
	LevelQuantity  decimal.Decimal `json:"level_quantity"`
	LedgerQuantity decimal.Decimal `json:"ledger_quantity"`
	MovementCount  int             `json:"movement_count"`
	Drift          decimal.Decimal `json:"drift"`
	InSync         bool            `json:"in_sync"`
	CheckedAt      time.Time       `json:"checked_at"`
}

func reconcileResult(r core.ReconcileReport) ReconcileResult {
	return ReconcileResult{
		ItemID:         r.ItemID,
		LocationID:     r.LocationID,
		LevelQuantity:  r.LevelQuantity,
		LedgerQuantity: r.LedgerQuantity,
		MovementCount:  r.MovementCount,
		Drift:          r.Drift,
		InSync:         r.InSync(),
		CheckedAt:      r.CheckedAt,
	}
}

// ReconcileListResult is returned by ReconcileAll.
type ReconcileListResult struct {
	Reports []ReconcileResult `json:"reports"`
	Drifted int               `json:"drifted"`
}

// OutboxStatsResult is returned by GetOutboxStats.
type OutboxStatsResult struct {
	Pending   int `json:"pending"`
	Delivered int `json:"delivered"`
	Failing   int `json:"failing"`
}
