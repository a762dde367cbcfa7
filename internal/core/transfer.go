package core

import (
	"context"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// TransferRequest moves Quantity of ItemID from FromLocationID to ToLocationID.
type TransferRequest struct {
	ItemID         string
	FromLocationID string
	ToLocationID   string
	Quantity       decimal.Decimal
	Notes          string
	Actor          string
}

// Transfer debits the source at its average cost and credits the destination at that
// same cost, so the destination re-weights its average. Both keys are locked in
// StockKey order by the store, which keeps crossing transfers from deadlocking.
func (s *inventoryService) Transfer(ctx context.Context, req TransferRequest) (*TransferResult, error) {
	if err := requirePositive(req.Quantity, "transfer quantity"); err != nil {
		return nil, err
	}
	if req.FromLocationID == req.ToLocationID {
		return nil, newError(CodeInvalidQuantity, "transfer source and destination are both %s", req.FromLocationID)
	}
	from := StockKey{ItemID: req.ItemID, LocationID: req.FromLocationID}
	to := StockKey{ItemID: req.ItemID, LocationID: req.ToLocationID}
	if err := s.checkKey(ctx, from); err != nil {
		return nil, err
	}
	if err := s.checkKey(ctx, to); err != nil {
		return nil, err
	}

	transferID := s.cfg.IDs.NewID()
	ref := Reference{Kind: RefTransfer, ID: transferID}

	var res TransferResult
	err := s.runTx(ctx, "inventory.transfer", from, func(ctx context.Context, tx Tx) error {
		levels, err := tx.LockLevels(ctx, from, to)
		if err != nil {
			return err
		}
		src, dst := levels[0], levels[1]

		if src.Quantity.LessThan(req.Quantity) {
			return newError(CodeInsufficientStock,
				"insufficient stock to transfer %s of %s from %s: on hand %s",
				req.Quantity, req.ItemID, req.FromLocationID, src.Quantity)
		}
		if src.Available().LessThan(req.Quantity) {
			return newError(CodeInsufficientAvailable,
				"insufficient available stock to transfer %s of %s from %s: available %s",
				req.Quantity, req.ItemID, req.FromLocationID, src.Available())
		}

		cost := src.AverageUnitCost
		out, err := s.apply(ctx, tx, src, change{
			Type:      MovementTransferOut,
			Delta:     req.Quantity.Neg(),
			Reference: ref,
			Notes:     req.Notes,
			Actor:     req.Actor,
		})
		if err != nil {
			return err
		}
		in, err := s.apply(ctx, tx, dst, change{
			Type:      MovementTransferIn,
			Delta:     req.Quantity,
			UnitCost:  &cost,
			Reference: ref,
			Notes:     req.Notes,
			Actor:     req.Actor,
		})
		if err != nil {
			return err
		}
		res = TransferResult{
			TransferID: transferID,
			Source:     MovementResult{Level: *src, Movement: out},
			Target:     MovementResult{Level: *dst, Movement: in},
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.log.Info("stock transferred",
		zap.String("transfer_id", transferID),
		zap.String("item_id", req.ItemID),
		zap.String("from", req.FromLocationID),
		zap.String("to", req.ToLocationID),
		zap.Stringer("quantity", req.Quantity),
	)
	return &res, nil
}
