package db_test

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stock-ledger/internal/core"
	"stock-ledger/internal/db"
	"stock-ledger/migrations"
)

// setupTestDB migrates TEST_DATABASE_URL, truncates the ledger tables and seeds a
// small catalog. Tests are skipped when no database is configured.
func setupTestDB(t *testing.T) (*pgxpool.Pool, context.Context) {
	t.Helper()
	_ = godotenv.Load("../../.env")

	url := os.Getenv("TEST_DATABASE_URL")
	if url == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}
	ctx := context.Background()
	pool, err := db.NewPool(ctx, db.PoolConfig{URL: url})
	if err != nil {
		t.Fatalf("Failed to connect to test database: %v", err)
	}
	t.Cleanup(pool.Close)

	if err := db.Migrate(ctx, pool, migrations.FS, nil); err != nil {
		t.Fatalf("Failed to migrate test database: %v", err)
	}
	_, err = pool.Exec(ctx, `
		TRUNCATE outbox_events, reservations, stock_movements, stock_levels, items, locations;
	`)
	if err != nil {
		t.Fatalf("Failed to reset test database: %v", err)
	}

	reg := db.NewRegistry(pool)
	require.NoError(t, reg.UpsertItem(ctx, "X", "Widget", decimal.NewFromInt(5)))
	require.NoError(t, reg.UpsertLocation(ctx, "loc1", "Main"))
	require.NoError(t, reg.UpsertLocation(ctx, "loc2", "Overflow"))
	return pool, ctx
}

func newService(pool *pgxpool.Pool) (core.InventoryService, *db.Store) {
	store := db.NewStore(pool)
	reg := db.NewRegistry(pool)
	return core.NewInventoryService(store, core.Config{Items: reg, Locations: reg}), store
}

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func TestPostgres_ScenarioRoundTrip(t *testing.T) {
	pool, ctx := setupTestDB(t)
	svc, store := newService(pool)

	_, err := svc.Receive(ctx, core.ReceiveRequest{ItemID: "X", LocationID: "loc1", Quantity: dec("100"), UnitCost: dec("10")})
	require.NoError(t, err)
	res, err := svc.Receive(ctx, core.ReceiveRequest{
		ItemID: "X", LocationID: "loc1", Quantity: dec("50"), UnitCost: dec("16"),
		Batch: &core.BatchInfo{LotNumber: "L-42"},
	})
	require.NoError(t, err)
	assert.True(t, dec("12").Equal(res.Level.AverageUnitCost), "got %s", res.Level.AverageUnitCost)

	_, err = svc.Issue(ctx, core.IssueRequest{ItemID: "X", LocationID: "loc1", Quantity: dec("30")})
	require.NoError(t, err)
	_, err = svc.Issue(ctx, core.IssueRequest{ItemID: "X", LocationID: "loc1", Quantity: dec("200")})
	require.ErrorIs(t, err, core.ErrInsufficientStock)

	tr, err := svc.Transfer(ctx, core.TransferRequest{ItemID: "X", FromLocationID: "loc1", ToLocationID: "loc2", Quantity: dec("50")})
	require.NoError(t, err)
	assert.True(t, dec("70").Equal(tr.Source.Level.Quantity))
	assert.True(t, dec("50").Equal(tr.Target.Level.Quantity))
	assert.True(t, dec("12").Equal(tr.Target.Level.AverageUnitCost))

	r, err := svc.Reserve(ctx, core.ReserveRequest{ItemID: "X", LocationID: "loc1", Quantity: dec("40"), TTL: time.Hour})
	require.NoError(t, err)
	committed, err := svc.Commit(ctx, r.ID, "it")
	require.NoError(t, err)
	assert.True(t, dec("30").Equal(committed.Level.Quantity))
	assert.True(t, committed.Level.ReservedQuantity.IsZero())

	movements, err := svc.ListMovements(ctx, core.MovementFilter{ItemID: "X", LocationID: "loc1"})
	require.NoError(t, err)
	require.Len(t, movements, 5)
	require.NotNil(t, movements[1].Batch)
	assert.Equal(t, "L-42", movements[1].Batch.LotNumber)

	reports, err := svc.ReconcileAll(ctx)
	require.NoError(t, err)
	for _, rep := range reports {
		assert.True(t, rep.InSync(), "%s@%s drifted", rep.ItemID, rep.LocationID)
	}

	stats, err := store.OutboxStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 7, stats.Pending, "one event per movement plus the reservation hold")
}

func TestPostgres_ConcurrentIssuesAndCrossingTransfers(t *testing.T) {
	pool, ctx := setupTestDB(t)
	svc, _ := newService(pool)

	for _, loc := range []string{"loc1", "loc2"} {
		_, err := svc.Receive(ctx, core.ReceiveRequest{ItemID: "X", LocationID: loc, Quantity: dec("100"), UnitCost: dec("2")})
		require.NoError(t, err)
	}

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(3)
		go func() {
			defer wg.Done()
			_, err := svc.Transfer(ctx, core.TransferRequest{ItemID: "X", FromLocationID: "loc1", ToLocationID: "loc2", Quantity: dec("1")})
			assert.NoError(t, err)
		}()
		go func() {
			defer wg.Done()
			_, err := svc.Transfer(ctx, core.TransferRequest{ItemID: "X", FromLocationID: "loc2", ToLocationID: "loc1", Quantity: dec("1")})
			assert.NoError(t, err)
		}()
		go func() {
			defer wg.Done()
			_, err := svc.Issue(ctx, core.IssueRequest{ItemID: "X", LocationID: "loc1", Quantity: dec("1")})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	l1, err := svc.GetStockLevel(ctx, "X", "loc1")
	require.NoError(t, err)
	l2, err := svc.GetStockLevel(ctx, "X", "loc2")
	require.NoError(t, err)
	assert.True(t, dec("80").Equal(l1.Quantity), "loc1 = %s", l1.Quantity)
	assert.True(t, dec("100").Equal(l2.Quantity), "loc2 = %s", l2.Quantity)
}

func TestPostgres_OutboxClaimAndDeliver(t *testing.T) {
	pool, ctx := setupTestDB(t)
	svc, store := newService(pool)

	res, err := svc.Receive(ctx, core.ReceiveRequest{ItemID: "X", LocationID: "loc1", Quantity: dec("3"), UnitCost: dec("1")})
	require.NoError(t, err)

	now := time.Now().UTC()
	claimed, err := store.ClaimPending(ctx, now, now.Add(time.Minute), 10)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	assert.Equal(t, res.Movement.ID, claimed[0].Payload.MovementID)
	assert.True(t, dec("3").Equal(claimed[0].Payload.NewQty))

	again, err := store.ClaimPending(ctx, now, now.Add(time.Minute), 10)
	require.NoError(t, err)
	assert.Empty(t, again)

	require.NoError(t, store.MarkDelivered(ctx, claimed[0].ID, now))
	stats, err := store.OutboxStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, core.OutboxStats{Delivered: 1}, stats)
}

func TestPostgres_UnknownCatalogEntries(t *testing.T) {
	pool, ctx := setupTestDB(t)
	svc, _ := newService(pool)

	_, err := svc.Receive(ctx, core.ReceiveRequest{ItemID: "missing", LocationID: "loc1", Quantity: dec("1")})
	assert.ErrorIs(t, err, core.ErrNotFound)
	_, err = svc.GetReservation(ctx, "nope")
	assert.ErrorIs(t, err, core.ErrNotFound)
}
