package core

import (
	"time"

	"github.com/shopspring/decimal"
)

// TopicStockLevelChanged is the only topic the ledger emits.
const TopicStockLevelChanged = "stock.level_changed"

// StockLevelChanged is published after every committed mutation of a stock level.
// MovementID is empty for reservation-only changes (reserve, release, expire).
type StockLevelChanged struct {
	EventID       string          `json:"event_id"`
	ItemID        string          `json:"item_id"`
	LocationID    string          `json:"location_id"`
	PreviousQty   decimal.Decimal `json:"previous_qty" jsonschema:"type=string"`
	NewQty        decimal.Decimal `json:"new_qty" jsonschema:"type=string"`
	ReservedQty   decimal.Decimal `json:"reserved_qty" jsonschema:"type=string"`
	UnitCost      decimal.Decimal `json:"unit_cost" jsonschema:"type=string"`
	MovementID    string          `json:"movement_id,omitempty"`
	MovementType  MovementType    `json:"movement_type,omitempty"`
	ReservationID string          `json:"reservation_id,omitempty"`
	Timestamp     time.Time       `json:"timestamp"`
}

// DedupeKey is what consumers must deduplicate on: the movement id when the
// change came from a movement, the event id otherwise.
func (e StockLevelChanged) DedupeKey() string {
	if e.MovementID != "" {
		return e.MovementID
	}
	return e.EventID
}

// OutboxEvent is one row of the transactional outbox.
type OutboxEvent struct {
	ID            string
	Topic         string
	MovementID    string
	Payload       StockLevelChanged
	Attempts      int
	LastError     string
	CreatedAt     time.Time
	NextAttemptAt time.Time
	DeliveredAt   *time.Time
}

func newLevelChangedEvent(id string, before decimal.Decimal, after StockLevel, m *Movement, reservationID string, at time.Time) OutboxEvent {
	payload := StockLevelChanged{
		EventID:       id,
		ItemID:        after.ItemID,
		LocationID:    after.LocationID,
		PreviousQty:   before,
		NewQty:        after.Quantity,
		ReservedQty:   after.ReservedQuantity,
		UnitCost:      after.AverageUnitCost,
		ReservationID: reservationID,
		Timestamp:     at,
	}
	if m != nil {
		payload.MovementID = m.ID
		payload.MovementType = m.Type
	}
	return OutboxEvent{
		ID:            id,
		Topic:         TopicStockLevelChanged,
		MovementID:    payload.MovementID,
		Payload:       payload,
		CreatedAt:     at,
		NextAttemptAt: at,
	}
}
