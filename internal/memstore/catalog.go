package memstore

import (
	"context"
	"sync"

	"github.com/shopspring/decimal"

	"stock-ledger/internal/core"
)

// Catalog is an in-memory item and location registry. An empty catalog is closed:
// only registered ids exist.
type Catalog struct {
	mu        sync.RWMutex
	items     map[string]decimal.Decimal
	locations map[string]bool
}

var (
	_ core.ItemRegistry     = (*Catalog)(nil)
	_ core.LocationRegistry = (*Catalog)(nil)
)

func NewCatalog() *Catalog {
	return &Catalog{
		items:     map[string]decimal.Decimal{},
		locations: map[string]bool{},
	}
}

// AddItem registers an item with the cost used for costless positive adjustments.
func (c *Catalog) AddItem(id string, defaultCost decimal.Decimal) *Catalog {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items[id] = defaultCost
	return c
}

func (c *Catalog) AddLocation(ids ...string) *Catalog {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, id := range ids {
		c.locations[id] = true
	}
	return c
}

func (c *Catalog) ItemExists(_ context.Context, itemID string) (bool, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.items[itemID]
	return ok, nil
}

func (c *Catalog) DefaultUnitCost(_ context.Context, itemID string) (decimal.Decimal, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.items[itemID], nil
}

func (c *Catalog) LocationExists(_ context.Context, locationID string) (bool, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.locations[locationID], nil
}
