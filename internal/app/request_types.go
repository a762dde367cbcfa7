package app

import (
	"github.com/shopspring/decimal"
)

// ReferenceInput names the business document behind a command.
// Kind is one of SALE, PURCHASE_ORDER, TRANSFER, PROJECT_CONSUMPTION, ADJUSTMENT or OTHER:<TAG>.
type ReferenceInput struct {
	Kind string `json:"kind"`
	ID   string `json:"id"`
}

// BatchInput is optional lot data attached to a movement.
type BatchInput struct {
	LotNumber string `json:"lot_number"`
	ExpiresOn string `json:"expires_on"` // YYYY-MM-DD, optional
}

// ReceiveStockRequest is the input for recording a goods receipt.
type ReceiveStockRequest struct {
	ItemID     string          `json:"item_id"`
	LocationID string          `json:"location_id"`
	Quantity   decimal.Decimal `json:"quantity"`
	UnitCost   decimal.Decimal `json:"unit_cost"`
	Reference  ReferenceInput  `json:"reference"`
	Batch      *BatchInput     `json:"batch,omitempty"`
	Notes      string          `json:"notes"`
	Actor      string          `json:"-"`
}

// IssueStockRequest is the input for a goods issue. A PROJECT_CONSUMPTION
// reference records the issue as consumption.
type IssueStockRequest struct {
	ItemID         string          `json:"item_id"`
	LocationID     string          `json:"location_id"`
	Quantity       decimal.Decimal `json:"quantity"`
	Reference      ReferenceInput  `json:"reference"`
	Batch          *BatchInput     `json:"batch,omitempty"`
	Notes          string          `json:"notes"`
	AllowBackorder bool            `json:"allow_backorder"`
	Actor          string          `json:"-"`
}

// AdjustStockRequest is the input for a signed correction. UnitCost values a
// positive delta; omitted means the current average.
type AdjustStockRequest struct {
	ItemID         string           `json:"item_id"`
	LocationID     string           `json:"location_id"`
	Delta          decimal.Decimal  `json:"delta"`
	UnitCost       *decimal.Decimal `json:"unit_cost,omitempty"`
	Reason         string           `json:"reason"`
	ReferenceID    string           `json:"reference_id"`
	Batch          *BatchInput      `json:"batch,omitempty"`
	AllowBackorder bool             `json:"allow_backorder"`
	Actor          string           `json:"-"`
}

// TransferStockRequest is the input for moving stock between locations.
type TransferStockRequest struct {
	ItemID         string          `json:"item_id"`
	FromLocationID string          `json:"from_location_id"`
	ToLocationID   string          `json:"to_location_id"`
	Quantity       decimal.Decimal `json:"quantity"`
	Notes          string          `json:"notes"`
	Actor          string          `json:"-"`
}

// ReserveStockRequest is the input for a reservation. TTL is a Go duration
// string ("30m"); empty uses the service default.
type ReserveStockRequest struct {
	ItemID     string          `json:"item_id"`
	LocationID string          `json:"location_id"`
	Quantity   decimal.Decimal `json:"quantity"`
	Reference  ReferenceInput  `json:"reference"`
	TTL        string          `json:"ttl"`
	Actor      string          `json:"-"`
}

// MovementQuery filters ListMovements. From and To are RFC 3339 timestamps.
type MovementQuery struct {
	ItemID        string
	LocationID    string
	From          string
	To            string
	ReferenceKind string
	Limit         int
}
