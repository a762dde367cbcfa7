package core_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"stock-ledger/internal/core"
	"stock-ledger/internal/memstore"
)

// manualClock only moves when a test advances it.
type manualClock struct {
	mu  sync.Mutex
	now time.Time
}

func newManualClock() *manualClock {
	return &manualClock{now: time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fixture struct {
	ctx     context.Context
	clock   *manualClock
	store   *memstore.Store
	catalog *memstore.Catalog
	svc     core.InventoryService
}

func newFixture(t *testing.T, opts ...func(*core.Config)) *fixture {
	t.Helper()
	clock := newManualClock()
	store := memstore.New().WithClock(clock.Now)
	catalog := memstore.NewCatalog().
		AddItem("X", dec("5.00")).
		AddItem("Y", decimal.Zero).
		AddLocation("loc1", "loc2", "loc3")
	cfg := core.Config{
		Logger:         zaptest.NewLogger(t),
		Clock:          clock,
		Items:          catalog,
		Locations:      catalog,
		InitialBackoff: time.Millisecond,
	}
	for _, o := range opts {
		o(&cfg)
	}
	return &fixture{
		ctx:     context.Background(),
		clock:   clock,
		store:   store,
		catalog: catalog,
		svc:     core.NewInventoryService(store, cfg),
	}
}

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func assertDec(t *testing.T, want string, got decimal.Decimal, msgAndArgs ...any) {
	t.Helper()
	assert.Truef(t, dec(want).Equal(got), "want %s, got %s %v", want, got, msgAndArgs)
}

func (f *fixture) receive(t *testing.T, item, loc, qty, cost string) *core.MovementResult {
	t.Helper()
	res, err := f.svc.Receive(f.ctx, core.ReceiveRequest{
		ItemID:     item,
		LocationID: loc,
		Quantity:   dec(qty),
		UnitCost:   dec(cost),
		Reference:  core.Reference{Kind: core.RefPurchaseOrder, ID: "PO-1"},
		Actor:      "test",
	})
	require.NoError(t, err)
	return res
}

func (f *fixture) issue(t *testing.T, item, loc, qty string) *core.MovementResult {
	t.Helper()
	res, err := f.svc.Issue(f.ctx, core.IssueRequest{
		ItemID:     item,
		LocationID: loc,
		Quantity:   dec(qty),
		Reference:  core.Reference{Kind: core.RefSale, ID: "SO-1"},
		Actor:      "test",
	})
	require.NoError(t, err)
	return res
}

func (f *fixture) level(t *testing.T, item, loc string) core.StockLevel {
	t.Helper()
	l, err := f.svc.GetStockLevel(f.ctx, item, loc)
	require.NoError(t, err)
	return *l
}

// assertLedgerInSync checks quantity == Σ movements for every level in the store.
func (f *fixture) assertLedgerInSync(t *testing.T) {
	t.Helper()
	reports, err := f.svc.ReconcileAll(f.ctx)
	require.NoError(t, err)
	for _, r := range reports {
		assert.Truef(t, r.InSync(), "%s@%s drifted by %s", r.ItemID, r.LocationID, r.Drift)
	}
}

// assertReservedWithinOnHand checks 0 <= reserved <= quantity for every level.
func (f *fixture) assertReservedWithinOnHand(t *testing.T) {
	t.Helper()
	levels, err := f.svc.ListStockLevels(f.ctx, core.LevelFilter{})
	require.NoError(t, err)
	for _, l := range levels {
		assert.Falsef(t, l.ReservedQuantity.IsNegative(), "%s reserved is negative: %s", l.Key(), l.ReservedQuantity)
		assert.Falsef(t, l.ReservedQuantity.GreaterThan(l.Quantity), "%s reserved %s exceeds on hand %s",
			l.Key(), l.ReservedQuantity, l.Quantity)
	}
}
