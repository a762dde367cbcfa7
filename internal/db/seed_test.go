package db

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReadCatalogSeed(t *testing.T) {
	seed, err := ReadCatalogSeed(strings.NewReader(`{
		"items": [{"id": "SKU-1", "name": "Widget", "default_unit_cost": "2.50"}],
		"locations": [{"id": "WH-1"}, {"id": "WH-2", "name": "Overflow"}]
	}`))
	require.NoError(t, err)
	require.Len(t, seed.Items, 1)
	assert.Equal(t, "2.5", seed.Items[0].DefaultUnitCost.String())
	assert.Len(t, seed.Locations, 2)
}

func TestReadCatalogSeedRejectsBadInput(t *testing.T) {
	cases := map[string]string{
		"missing item id":     `{"items": [{"name": "x"}]}`,
		"missing location id": `{"locations": [{"name": "x"}]}`,
		"unknown field":       `{"warehouses": []}`,
		"not json":            `items:`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := ReadCatalogSeed(strings.NewReader(body))
			assert.Error(t, err)
		})
	}
}
