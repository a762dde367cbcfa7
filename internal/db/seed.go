package db

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/shopspring/decimal"
)

// CatalogSeed is the JSON document accepted by `migrate -seed`.
type CatalogSeed struct {
	Items []struct {
		ID              string          `json:"id"`
		Name            string          `json:"name"`
		DefaultUnitCost decimal.Decimal `json:"default_unit_cost"`
	} `json:"items"`
	Locations []struct {
		ID   string `json:"id"`
		Name string `json:"name"`
	} `json:"locations"`
}

// ReadCatalogSeed decodes a seed document and rejects entries without an id.
func ReadCatalogSeed(r io.Reader) (CatalogSeed, error) {
	var seed CatalogSeed
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&seed); err != nil {
		return CatalogSeed{}, fmt.Errorf("invalid catalog seed: %w", err)
	}
	for i, it := range seed.Items {
		if it.ID == "" {
			return CatalogSeed{}, fmt.Errorf("invalid catalog seed: items[%d] has no id", i)
		}
	}
	for i, loc := range seed.Locations {
		if loc.ID == "" {
			return CatalogSeed{}, fmt.Errorf("invalid catalog seed: locations[%d] has no id", i)
		}
	}
	return seed, nil
}

// Seed upserts every item and location of the seed. Re-running it is harmless.
func (r *Registry) Seed(ctx context.Context, seed CatalogSeed) (items, locations int, err error) {
	for _, it := range seed.Items {
		name := it.Name
		if name == "" {
			name = it.ID
		}
		if err := r.UpsertItem(ctx, it.ID, name, it.DefaultUnitCost); err != nil {
			return items, locations, err
		}
		items++
	}
	for _, loc := range seed.Locations {
		name := loc.Name
		if name == "" {
			name = loc.ID
		}
		if err := r.UpsertLocation(ctx, loc.ID, name); err != nil {
			return items, locations, err
		}
		locations++
	}
	return items, locations, nil
}
