package app

import (
	"context"
)

// ApplicationService is the single interface all adapters (CLI, Web) call.
// It decouples presentation from the ledger. Implementations must contain
// no fmt.Println and no display logic of any kind.
type ApplicationService interface {
	// ReceiveStock books a goods receipt and re-weights the average cost.
	ReceiveStock(ctx context.Context, req ReceiveStockRequest) (*MovementResult, error)

	// IssueStock books a goods issue at the current average cost.
	IssueStock(ctx context.Context, req IssueStockRequest) (*MovementResult, error)

	// AdjustStock applies a signed correction. The reason is kept as the movement note.
	AdjustStock(ctx context.Context, req AdjustStockRequest) (*MovementResult, error)

	// TransferStock moves quantity between two locations atomically.
	TransferStock(ctx context.Context, req TransferStockRequest) (*TransferResult, error)

	// ReserveStock earmarks available quantity until the reservation expires.
	ReserveStock(ctx context.Context, req ReserveStockRequest) (*ReservationResult, error)

	// CommitReservation turns an active reservation into an issue movement.
	CommitReservation(ctx context.Context, id, actor string) (*MovementResult, error)

	// ReleaseReservation drops an active reservation. Terminal reservations are returned unchanged.
	ReleaseReservation(ctx context.Context, id, actor string) (*ReservationResult, error)

	GetReservation(ctx context.Context, id string) (*ReservationResult, error)

	// ExpireReservations runs one expiry sweep and returns how many reservations expired.
	ExpireReservations(ctx context.Context) (int, error)

	// GetStockLevel returns the live level. NOT_FOUND if the pair was never touched.
	GetStockLevel(ctx context.Context, itemID, locationID string) (*StockLevelResult, error)

	// ListStockLevels returns levels, optionally narrowed to one item or location.
	ListStockLevels(ctx context.Context, itemID, locationID string) (*StockListResult, error)

	// ListMovements queries the movement ledger.
	ListMovements(ctx context.Context, q MovementQuery) (*MovementListResult, error)

	// Reconcile compares one level with the sum of its movements.
	Reconcile(ctx context.Context, itemID, locationID string) (*ReconcileResult, error)

	// ReconcileAll checks every level. Drift is reported, not returned as an error.
	ReconcileAll(ctx context.Context) (*ReconcileListResult, error)

	// GetOutboxStats summarises pending and delivered events.
	GetOutboxStats(ctx context.Context) (*OutboxStatsResult, error)

	// EventSchema returns the JSON schema of the published StockLevelChanged event.
	EventSchema() ([]byte, error)
}
