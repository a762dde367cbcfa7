package core_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"stock-ledger/internal/core"
)

func TestLedger_ListMovementsFilters(t *testing.T) {
	f := newFixture(t)
	start := f.clock.Now()

	f.receive(t, "X", "loc1", "10", "1")
	f.clock.Advance(time.Hour)
	f.issue(t, "X", "loc1", "2")
	f.clock.Advance(time.Hour)
	f.receive(t, "Y", "loc2", "3", "1")
	_, err := f.svc.Issue(f.ctx, core.IssueRequest{
		ItemID: "X", LocationID: "loc1", Quantity: dec("1"),
		Reference: core.Reference{Kind: core.OtherReference("sample"), ID: "S-1"},
	})
	require.NoError(t, err)

	all, err := f.svc.ListMovements(f.ctx, core.MovementFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 4)

	byItem, err := f.svc.ListMovements(f.ctx, core.MovementFilter{ItemID: "X"})
	require.NoError(t, err)
	assert.Len(t, byItem, 3)

	byLoc, err := f.svc.ListMovements(f.ctx, core.MovementFilter{LocationID: "loc2"})
	require.NoError(t, err)
	require.Len(t, byLoc, 1)
	assert.Equal(t, "Y", byLoc[0].ItemID)

	sales, err := f.svc.ListMovements(f.ctx, core.MovementFilter{ReferenceKind: core.RefSale})
	require.NoError(t, err)
	assert.Len(t, sales, 1)

	other, err := f.svc.ListMovements(f.ctx, core.MovementFilter{ReferenceKind: core.OtherReference("SAMPLE")})
	require.NoError(t, err)
	assert.Len(t, other, 1)

	from := start.Add(30 * time.Minute)
	to := start.Add(90 * time.Minute)
	window, err := f.svc.ListMovements(f.ctx, core.MovementFilter{From: &from, To: &to})
	require.NoError(t, err)
	require.Len(t, window, 1)
	assert.Equal(t, core.MovementIssue, window[0].Type)

	limited, err := f.svc.ListMovements(f.ctx, core.MovementFilter{Limit: 2})
	require.NoError(t, err)
	assert.Len(t, limited, 2)

	_, err = f.svc.ListMovements(f.ctx, core.MovementFilter{From: &to, To: &from})
	assert.ErrorIs(t, err, core.ErrInvalidQuantity)
}

func TestLedger_MovementChainIsContinuous(t *testing.T) {
	f := newFixture(t)
	f.receive(t, "X", "loc1", "10", "1")
	f.issue(t, "X", "loc1", "3")
	_, err := f.svc.Adjust(f.ctx, core.AdjustRequest{ItemID: "X", LocationID: "loc1", Delta: dec("-1"), Reason: "count"})
	require.NoError(t, err)

	movements, err := f.svc.ListMovements(f.ctx, core.MovementFilter{ItemID: "X", LocationID: "loc1"})
	require.NoError(t, err)
	require.Len(t, movements, 3)
	for i, m := range movements {
		assert.True(t, m.QuantityBefore.Add(m.QuantityChange).Equal(m.QuantityAfter))
		if i > 0 {
			assert.True(t, movements[i-1].QuantityAfter.Equal(m.QuantityBefore))
		}
	}
	assertDec(t, "6", core.SumChanges(movements))
}

func TestLedger_ReconcileDetectsDrift(t *testing.T) {
	f := newFixture(t)
	f.receive(t, "X", "loc1", "10", "1")
	f.receive(t, "X", "loc2", "5", "1")

	report, err := f.svc.Reconcile(f.ctx, "X", "loc1")
	require.NoError(t, err)
	assert.True(t, report.InSync())
	assert.Equal(t, 1, report.MovementCount)
	assert.NoError(t, report.Err())

	f.store.Corrupt(core.StockKey{ItemID: "X", LocationID: "loc1"}, dec("12"))

	report, err = f.svc.Reconcile(f.ctx, "X", "loc1")
	require.NoError(t, err, "drift is reported, not returned")
	assert.False(t, report.InSync())
	assertDec(t, "2", report.Drift)
	assert.ErrorIs(t, report.Err(), core.ErrReconciliationDrift)

	reports, err := f.svc.ReconcileAll(f.ctx)
	require.NoError(t, err)
	require.Len(t, reports, 2)
	drifted := 0
	for _, r := range reports {
		if !r.InSync() {
			drifted++
		}
	}
	assert.Equal(t, 1, drifted)

	_, err = f.svc.Reconcile(f.ctx, "X", "loc3")
	assert.ErrorIs(t, err, core.ErrNotFound)
}

// listThenWriteStore commits a command right after listing levels, so the
// reconciler works from a level list that is already stale.
type listThenWriteStore struct {
	core.Store
	once  sync.Once
	write func()
}

func (s *listThenWriteStore) ListLevels(ctx context.Context, filter core.LevelFilter) ([]core.StockLevel, error) {
	levels, err := s.Store.ListLevels(ctx, filter)
	s.once.Do(s.write)
	return levels, err
}

func TestLedger_ConcurrentWriteIsNotDrift(t *testing.T) {
	f := newFixture(t)
	f.receive(t, "X", "loc1", "10", "1")

	store := &listThenWriteStore{Store: f.store, write: func() { f.receive(t, "X", "loc1", "5", "1") }}
	svc := core.NewInventoryService(store, core.Config{
		Logger:    zaptest.NewLogger(t),
		Clock:     f.clock,
		Items:     f.catalog,
		Locations: f.catalog,
	})

	reports, err := svc.ReconcileAll(f.ctx)
	require.NoError(t, err)
	require.Len(t, reports, 1)
	r := reports[0]
	assert.Truef(t, r.InSync(), "drift %s", r.Drift)
	assertDec(t, "15", r.LevelQuantity)
	assertDec(t, "15", r.LedgerQuantity)
	assert.Equal(t, 2, r.MovementCount)
}

func TestLedger_ListStockLevels(t *testing.T) {
	f := newFixture(t)
	f.receive(t, "X", "loc2", "1", "1")
	f.receive(t, "Y", "loc1", "1", "1")
	f.receive(t, "X", "loc1", "1", "1")

	levels, err := f.svc.ListStockLevels(f.ctx, core.LevelFilter{})
	require.NoError(t, err)
	require.Len(t, levels, 3)
	assert.Equal(t, core.StockKey{ItemID: "X", LocationID: "loc1"}, levels[0].Key())
	assert.Equal(t, core.StockKey{ItemID: "Y", LocationID: "loc1"}, levels[1].Key())
	assert.Equal(t, core.StockKey{ItemID: "X", LocationID: "loc2"}, levels[2].Key())

	levels, err = f.svc.ListStockLevels(f.ctx, core.LevelFilter{ItemID: "X"})
	require.NoError(t, err)
	assert.Len(t, levels, 2)
}
