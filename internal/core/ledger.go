package core

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
)

// The movement ledger is append-only: rows are written by apply inside the command
// transaction and never updated. Corrections are new compensating movements.

const maxMovementPage = 1000

func (s *inventoryService) GetStockLevel(ctx context.Context, itemID, locationID string) (*StockLevel, error) {
	if itemID == "" || locationID == "" {
		return nil, newError(CodeNotFound, "item and location are required")
	}
	return s.store.GetLevel(ctx, StockKey{ItemID: itemID, LocationID: locationID})
}

func (s *inventoryService) ListStockLevels(ctx context.Context, filter LevelFilter) ([]StockLevel, error) {
	levels, err := s.store.ListLevels(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("failed to list stock levels: %w", err)
	}
	return levels, nil
}

func (s *inventoryService) ListMovements(ctx context.Context, filter MovementFilter) ([]Movement, error) {
	if filter.Limit <= 0 || filter.Limit > maxMovementPage {
		filter.Limit = maxMovementPage
	}
	if filter.From != nil && filter.To != nil && filter.To.Before(*filter.From) {
		return nil, newError(CodeInvalidQuantity, "movement date range ends before it starts")
	}
	movements, err := s.store.ListMovements(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("failed to list movements: %w", err)
	}
	return movements, nil
}

func (s *inventoryService) Reconcile(ctx context.Context, itemID, locationID string) (*ReconcileReport, error) {
	if itemID == "" || locationID == "" {
		return nil, newError(CodeNotFound, "item and location are required")
	}
	report, err := s.reconcileKey(ctx, StockKey{ItemID: itemID, LocationID: locationID})
	if err != nil {
		return nil, err
	}
	return &report, nil
}

func (s *inventoryService) ReconcileAll(ctx context.Context) ([]ReconcileReport, error) {
	levels, err := s.store.ListLevels(ctx, LevelFilter{})
	if err != nil {
		return nil, fmt.Errorf("failed to list stock levels: %w", err)
	}
	reports := make([]ReconcileReport, 0, len(levels))
	var errs []error
	for _, level := range levels {
		r, err := s.reconcileKey(ctx, level.Key())
		if err != nil {
			errs = append(errs, err)
			continue
		}
		reports = append(reports, r)
	}
	return reports, errors.Join(errs...)
}

// reconcileKey compares key's live quantity with the sum of its movement history.
// A mismatch is logged and counted; it is not an error to the caller.
func (s *inventoryService) reconcileKey(ctx context.Context, key StockKey) (ReconcileReport, error) {
	snap, err := s.store.ReconcileSnapshot(ctx, key)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return ReconcileReport{}, err
		}
		return ReconcileReport{}, fmt.Errorf("failed to read ledger snapshot for %s: %w", key, err)
	}
	level := snap.Level
	report := ReconcileReport{
		ItemID:         level.ItemID,
		LocationID:     level.LocationID,
		LevelQuantity:  level.Quantity,
		LedgerQuantity: snap.LedgerQuantity,
		MovementCount:  snap.MovementCount,
		Drift:          level.Quantity.Sub(snap.LedgerQuantity),
		CheckedAt:      s.cfg.Clock.Now(),
	}
	if !report.InSync() {
		s.drift.Add(ctx, 1, metric.WithAttributes(
			attribute.String("item_id", key.ItemID),
			attribute.String("location_id", key.LocationID),
		))
		s.log.Error("reconciliation drift",
			zap.Stringer("key", key),
			zap.Stringer("level_quantity", level.Quantity),
			zap.Stringer("ledger_quantity", snap.LedgerQuantity),
			zap.Int("movements", snap.MovementCount),
			zap.Error(report.Err()),
		)
	}
	return report, nil
}

// SumChanges folds movement deltas; used by stores without server-side aggregation.
func SumChanges(movements []Movement) decimal.Decimal {
	total := decimal.Zero
	for _, m := range movements {
		total = total.Add(m.QuantityChange)
	}
	return total
}
