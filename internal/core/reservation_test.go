package core_test

import (
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stock-ledger/internal/core"
)

func TestReservation_InsufficientAvailable(t *testing.T) {
	f := newFixture(t)
	f.receive(t, "X", "loc1", "10", "1")

	_, err := f.svc.Reserve(f.ctx, core.ReserveRequest{ItemID: "X", LocationID: "loc1", Quantity: dec("6")})
	require.NoError(t, err)

	_, err = f.svc.Reserve(f.ctx, core.ReserveRequest{ItemID: "X", LocationID: "loc1", Quantity: dec("5")})
	assert.ErrorIs(t, err, core.ErrInsufficientAvailable)
	assertDec(t, "6", f.level(t, "X", "loc1").ReservedQuantity)

	_, err = f.svc.Reserve(f.ctx, core.ReserveRequest{ItemID: "X", LocationID: "loc1", Quantity: dec("0")})
	assert.ErrorIs(t, err, core.ErrInvalidQuantity)
}

func TestReservation_ReleaseIsIdempotent(t *testing.T) {
	f := newFixture(t)
	f.receive(t, "X", "loc1", "10", "1")
	r, err := f.svc.Reserve(f.ctx, core.ReserveRequest{ItemID: "X", LocationID: "loc1", Quantity: dec("4")})
	require.NoError(t, err)

	released, err := f.svc.Release(f.ctx, r.ID, "test")
	require.NoError(t, err)
	assert.Equal(t, core.ReservationReleased, released.State)
	assertDec(t, "0", f.level(t, "X", "loc1").ReservedQuantity)

	again, err := f.svc.Release(f.ctx, r.ID, "test")
	require.NoError(t, err)
	assert.Equal(t, core.ReservationReleased, again.State)
	assertDec(t, "0", f.level(t, "X", "loc1").ReservedQuantity)
	assertDec(t, "10", f.level(t, "X", "loc1").Quantity)

	_, err = f.svc.Commit(f.ctx, r.ID, "test")
	assert.ErrorIs(t, err, core.ErrInvalidState)
}

func TestReservation_CommitTwiceFails(t *testing.T) {
	f := newFixture(t)
	f.receive(t, "X", "loc1", "10", "1")
	r, err := f.svc.Reserve(f.ctx, core.ReserveRequest{ItemID: "X", LocationID: "loc1", Quantity: dec("4")})
	require.NoError(t, err)

	res, err := f.svc.Commit(f.ctx, r.ID, "test")
	require.NoError(t, err)

	stored, err := f.svc.GetReservation(f.ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, core.ReservationCommitted, stored.State)
	assert.Equal(t, res.Movement.ID, stored.MovementID)

	_, err = f.svc.Commit(f.ctx, r.ID, "test")
	assert.ErrorIs(t, err, core.ErrInvalidState)

	// Releasing a committed reservation is a no-op.
	got, err := f.svc.Release(f.ctx, r.ID, "test")
	require.NoError(t, err)
	assert.Equal(t, core.ReservationCommitted, got.State)
	assertDec(t, "6", f.level(t, "X", "loc1").Quantity)
}

func TestReservation_UnknownID(t *testing.T) {
	f := newFixture(t)

	_, err := f.svc.Commit(f.ctx, "missing", "test")
	assert.ErrorIs(t, err, core.ErrNotFound)
	_, err = f.svc.Release(f.ctx, "missing", "test")
	assert.ErrorIs(t, err, core.ErrNotFound)
	_, err = f.svc.GetReservation(f.ctx, "")
	assert.ErrorIs(t, err, core.ErrNotFound)
}

func TestReservation_CommitProjectConsumption(t *testing.T) {
	f := newFixture(t)
	f.receive(t, "X", "loc1", "10", "1")
	r, err := f.svc.Reserve(f.ctx, core.ReserveRequest{
		ItemID: "X", LocationID: "loc1", Quantity: dec("3"),
		Reference: core.Reference{Kind: core.RefProjectConsumption, ID: "PRJ-1"},
	})
	require.NoError(t, err)

	res, err := f.svc.Commit(f.ctx, r.ID, "test")
	require.NoError(t, err)
	assert.Equal(t, core.MovementConsume, res.Movement.Type)
	assert.Equal(t, core.Reference{Kind: core.RefProjectConsumption, ID: "PRJ-1"}, res.Movement.Reference)
}

func TestReservation_ExpiryThenRelease(t *testing.T) {
	f := newFixture(t)
	f.receive(t, "X", "loc1", "10", "1")

	short, err := f.svc.Reserve(f.ctx, core.ReserveRequest{ItemID: "X", LocationID: "loc1", Quantity: dec("3"), TTL: time.Minute})
	require.NoError(t, err)
	long, err := f.svc.Reserve(f.ctx, core.ReserveRequest{ItemID: "X", LocationID: "loc1", Quantity: dec("2"), TTL: time.Hour})
	require.NoError(t, err)

	n, err := f.svc.ExpireDue(f.ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n, "nothing is due yet")

	f.clock.Advance(2 * time.Minute)
	n, err = f.svc.ExpireDue(f.ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := f.svc.GetReservation(f.ctx, short.ID)
	require.NoError(t, err)
	assert.Equal(t, core.ReservationExpired, got.State)
	assertDec(t, "2", f.level(t, "X", "loc1").ReservedQuantity)

	// A second sweep is a no-op.
	n, err = f.svc.ExpireDue(f.ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	// Expired → Released moves the state only.
	got, err = f.svc.Release(f.ctx, short.ID, "test")
	require.NoError(t, err)
	assert.Equal(t, core.ReservationReleased, got.State)
	assertDec(t, "2", f.level(t, "X", "loc1").ReservedQuantity)

	_, err = f.svc.Commit(f.ctx, short.ID, "test")
	assert.ErrorIs(t, err, core.ErrInvalidState)

	_, err = f.svc.Commit(f.ctx, long.ID, "test")
	require.NoError(t, err)
	l := f.level(t, "X", "loc1")
	assertDec(t, "8", l.Quantity)
	assertDec(t, "0", l.ReservedQuantity)
	f.assertLedgerInSync(t)
}

func TestReservation_DefaultTTL(t *testing.T) {
	f := newFixture(t, func(c *core.Config) { c.DefaultReservationTTL = 5 * time.Minute })
	f.receive(t, "X", "loc1", "10", "1")

	r, err := f.svc.Reserve(f.ctx, core.ReserveRequest{ItemID: "X", LocationID: "loc1", Quantity: dec("1")})
	require.NoError(t, err)
	assert.Equal(t, f.clock.Now().Add(5*time.Minute), r.ExpiresAt)
	assert.Equal(t, core.ReservationActive, r.State)
}

func TestReservation_HoldChangesEmitEventsWithoutMovement(t *testing.T) {
	f := newFixture(t)
	f.receive(t, "X", "loc1", "10", "1")
	r, err := f.svc.Reserve(f.ctx, core.ReserveRequest{ItemID: "X", LocationID: "loc1", Quantity: dec("4")})
	require.NoError(t, err)
	_, err = f.svc.Release(f.ctx, r.ID, "test")
	require.NoError(t, err)

	events := f.store.Events()
	require.Len(t, events, 3)
	for _, e := range events[1:] {
		assert.Empty(t, e.MovementID)
		assert.Equal(t, r.ID, e.Payload.ReservationID)
		assert.Equal(t, e.Payload.EventID, e.Payload.DedupeKey())
		assertDec(t, "10", e.Payload.NewQty)
	}
	assertDec(t, "4", events[1].Payload.ReservedQty)
	assertDec(t, "0", events[2].Payload.ReservedQty)
}

// The sweeper and manual transitions race; whichever locks first wins and the
// rest are no-ops or INVALID_STATE.
func TestReservation_SweepRacesCommitAndRelease(t *testing.T) {
	f := newFixture(t)
	f.receive(t, "X", "loc1", "100", "1")

	var ids []string
	for i := 0; i < 20; i++ {
		r, err := f.svc.Reserve(f.ctx, core.ReserveRequest{ItemID: "X", LocationID: "loc1", Quantity: dec("2"), TTL: time.Second})
		require.NoError(t, err)
		ids = append(ids, r.ID)
	}
	f.clock.Advance(time.Minute)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, _ = f.svc.ExpireDue(f.ctx)
	}()
	for i, id := range ids {
		wg.Add(1)
		go func(i int, id string) {
			defer wg.Done()
			if i%2 == 0 {
				_, err := f.svc.Commit(f.ctx, id, "test")
				if err != nil {
					assert.ErrorIs(t, err, core.ErrInvalidState)
				}
				return
			}
			_, err := f.svc.Release(f.ctx, id, "test")
			assert.NoError(t, err)
		}(i, id)
	}
	wg.Wait()

	committed := 0
	for _, id := range ids {
		r, err := f.svc.GetReservation(f.ctx, id)
		require.NoError(t, err)
		assert.NotEqual(t, core.ReservationActive, r.State)
		if r.State == core.ReservationCommitted {
			committed++
		}
	}
	l := f.level(t, "X", "loc1")
	assertDec(t, "0", l.ReservedQuantity)
	assertDec(t, "100", l.Quantity.Add(decimal.NewFromInt(int64(2*committed))))
	f.assertLedgerInSync(t)
}
