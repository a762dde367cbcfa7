package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"stock-ledger/internal/core"
)

// Registry answers item and location lookups from the items and locations tables.
type Registry struct {
	pool *pgxpool.Pool
}

var (
	_ core.ItemRegistry     = (*Registry)(nil)
	_ core.LocationRegistry = (*Registry)(nil)
)

func NewRegistry(pool *pgxpool.Pool) *Registry {
	return &Registry{pool: pool}
}

func (r *Registry) ItemExists(ctx context.Context, itemID string) (bool, error) {
	var ok bool
	err := r.pool.QueryRow(ctx, "SELECT EXISTS (SELECT 1 FROM items WHERE id = $1 AND is_active)", itemID).Scan(&ok)
	return ok, err
}

func (r *Registry) DefaultUnitCost(ctx context.Context, itemID string) (decimal.Decimal, error) {
	var cost decimal.Decimal
	err := r.pool.QueryRow(ctx, "SELECT default_unit_cost FROM items WHERE id = $1", itemID).Scan(&cost)
	if errors.Is(err, pgx.ErrNoRows) {
		return decimal.Zero, nil
	}
	return cost, err
}

func (r *Registry) LocationExists(ctx context.Context, locationID string) (bool, error) {
	var ok bool
	err := r.pool.QueryRow(ctx, "SELECT EXISTS (SELECT 1 FROM locations WHERE id = $1 AND is_active)", locationID).Scan(&ok)
	return ok, err
}

// UpsertItem registers or updates a catalog item.
func (r *Registry) UpsertItem(ctx context.Context, id, name string, defaultCost decimal.Decimal) error {
	if defaultCost.IsNegative() {
		return core.Errorf(core.CodeInvalidQuantity, "default cost cannot be negative, got %s", defaultCost)
	}
	_, err := r.pool.Exec(ctx, `
		INSERT INTO items (id, name, default_unit_cost) VALUES ($1, $2, $3)
		ON CONFLICT (id) DO UPDATE SET name = EXCLUDED.name, default_unit_cost = EXCLUDED.default_unit_cost, is_active = true
	`, id, name, defaultCost)
	if err != nil {
		return fmt.Errorf("failed to upsert item %s: %w", id, err)
	}
	return nil
}

// UpsertLocation registers or renames a location.
func (r *Registry) UpsertLocation(ctx context.Context, id, name string) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO locations (id, name) VALUES ($1, $2)
		ON CONFLICT (id) DO UPDATE SET name = EXCLUDED.name, is_active = true
	`, id, name)
	if err != nil {
		return fmt.Errorf("failed to upsert location %s: %w", id, err)
	}
	return nil
}
