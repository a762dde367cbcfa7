// Package memstore is an in-process core.Store. It backs the ledger when no
// DATABASE_URL is configured and is what the core unit tests run against.
//
// Each stock key has its own lock, taken in StockKey order and held until the
// transaction ends, mirroring SELECT ... FOR UPDATE in the Postgres store. Writes are
// buffered on the transaction and applied to the shared state only on commit.
package memstore

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"stock-ledger/internal/core"
)

type outboxRow struct {
	evt        core.OutboxEvent
	leaseUntil time.Time
}

// Store implements core.Store in memory.
type Store struct {
	mu           sync.RWMutex
	levels       map[core.StockKey]core.StockLevel
	movements    []core.Movement
	reservations map[string]core.Reservation
	outbox       []*outboxRow
	outboxIndex  map[string]*outboxRow

	lockMu sync.Mutex
	locks  map[core.StockKey]chan struct{}

	now func() time.Time
}

var _ core.Store = (*Store)(nil)

func New() *Store {
	return &Store{
		levels:       map[core.StockKey]core.StockLevel{},
		reservations: map[string]core.Reservation{},
		outboxIndex:  map[string]*outboxRow{},
		locks:        map[core.StockKey]chan struct{}{},
		now:          func() time.Time { return time.Now().UTC() },
	}
}

// WithClock replaces the timestamp source used for rows created on first touch.
func (s *Store) WithClock(now func() time.Time) *Store {
	s.now = now
	return s
}

// ── Transactions ──────────────────────────────────────────────────────────────

func (s *Store) InTx(ctx context.Context, fn func(ctx context.Context, tx core.Tx) error) error {
	t := &tx{
		s:            s,
		held:         map[core.StockKey]bool{},
		levels:       map[core.StockKey]*core.StockLevel{},
		created:      map[core.StockKey]bool{},
		reservations: map[string]core.Reservation{},
	}
	defer t.release()

	if err := fn(ctx, t); err != nil {
		return err
	}
	// A timed-out transaction rolls back like a Postgres one would.
	if err := ctx.Err(); err != nil {
		return err
	}
	t.commit()
	return nil
}

func (s *Store) keyLock(key core.StockKey) chan struct{} {
	s.lockMu.Lock()
	defer s.lockMu.Unlock()
	l, ok := s.locks[key]
	if !ok {
		l = make(chan struct{}, 1)
		s.locks[key] = l
	}
	return l
}

type tx struct {
	s     *Store
	held  map[core.StockKey]bool
	order []core.StockKey

	levels       map[core.StockKey]*core.StockLevel
	created      map[core.StockKey]bool
	movements    []core.Movement
	events       []core.OutboxEvent
	reservations map[string]core.Reservation
}

func (t *tx) LockLevels(ctx context.Context, keys ...core.StockKey) ([]*core.StockLevel, error) {
	sorted := make([]core.StockKey, 0, len(keys))
	for _, k := range keys {
		if !t.held[k] {
			sorted = append(sorted, k)
		}
	}
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Less(sorted[j]) })

	for _, k := range sorted {
		if t.held[k] {
			continue
		}
		select {
		case t.s.keyLock(k) <- struct{}{}:
		case <-ctx.Done():
			return nil, fmt.Errorf("failed to lock %s: %w", k, ctx.Err())
		}
		t.held[k] = true
		t.order = append(t.order, k)
	}

	out := make([]*core.StockLevel, len(keys))
	for i, k := range keys {
		if l, ok := t.levels[k]; ok {
			cp := *l
			out[i] = &cp
			continue
		}
		t.s.mu.RLock()
		l, ok := t.s.levels[k]
		t.s.mu.RUnlock()
		if !ok {
			now := t.s.now()
			l = core.StockLevel{
				ItemID:           k.ItemID,
				LocationID:       k.LocationID,
				Quantity:         decimal.Zero,
				ReservedQuantity: decimal.Zero,
				AverageUnitCost:  decimal.Zero,
				CreatedAt:        now,
				UpdatedAt:        now,
			}
			t.created[k] = true
		}
		t.levels[k] = &l
		cp := l
		out[i] = &cp
	}
	return out, nil
}

func (t *tx) SaveLevel(_ context.Context, level *core.StockLevel) error {
	k := level.Key()
	if !t.held[k] {
		return fmt.Errorf("stock level %s saved without holding its lock", k)
	}
	current, ok := t.levels[k]
	if !ok {
		return fmt.Errorf("stock level %s saved before it was locked", k)
	}
	if current.Version != level.Version {
		return core.ErrStaleVersion
	}
	level.Version++
	cp := *level
	t.levels[k] = &cp
	return nil
}

func (t *tx) AppendMovement(_ context.Context, m core.Movement) error {
	t.movements = append(t.movements, m)
	return nil
}

func (t *tx) EnqueueEvent(_ context.Context, e core.OutboxEvent) error {
	t.events = append(t.events, e)
	return nil
}

func (t *tx) GetReservation(ctx context.Context, id string) (*core.Reservation, error) {
	if r, ok := t.reservations[id]; ok {
		return &r, nil
	}
	return t.s.FindReservation(ctx, id)
}

func (t *tx) InsertReservation(_ context.Context, r core.Reservation) error {
	if _, ok := t.reservations[r.ID]; ok {
		return fmt.Errorf("reservation %s already exists", r.ID)
	}
	t.s.mu.RLock()
	_, exists := t.s.reservations[r.ID]
	t.s.mu.RUnlock()
	if exists {
		return fmt.Errorf("reservation %s already exists", r.ID)
	}
	t.reservations[r.ID] = r
	return nil
}

func (t *tx) UpdateReservation(ctx context.Context, r core.Reservation) error {
	if _, err := t.GetReservation(ctx, r.ID); err != nil {
		return err
	}
	t.reservations[r.ID] = r
	return nil
}

func (t *tx) commit() {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	for k, l := range t.levels {
		if l.Version == 0 && !t.created[k] {
			continue
		}
		t.s.levels[k] = *l
	}
	t.s.movements = append(t.s.movements, t.movements...)
	for id, r := range t.reservations {
		t.s.reservations[id] = r
	}
	for _, e := range t.events {
		row := &outboxRow{evt: e}
		t.s.outbox = append(t.s.outbox, row)
		t.s.outboxIndex[e.ID] = row
	}
}

// release frees key locks in reverse acquisition order.
func (t *tx) release() {
	for i := len(t.order) - 1; i >= 0; i-- {
		<-t.s.keyLock(t.order[i])
	}
	t.order = nil
}

// ── Reader ────────────────────────────────────────────────────────────────────

func (s *Store) GetLevel(_ context.Context, key core.StockKey) (*core.StockLevel, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	l, ok := s.levels[key]
	if !ok {
		return nil, core.Errorf(core.CodeNotFound, "no stock level for %s", key)
	}
	return &l, nil
}

func (s *Store) ListLevels(_ context.Context, filter core.LevelFilter) ([]core.StockLevel, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]core.StockLevel, 0, len(s.levels))
	for _, l := range s.levels {
		if filter.ItemID != "" && l.ItemID != filter.ItemID {
			continue
		}
		if filter.LocationID != "" && l.LocationID != filter.LocationID {
			continue
		}
		out = append(out, l)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key().Less(out[j].Key()) })
	return out, nil
}

func (s *Store) ListMovements(_ context.Context, filter core.MovementFilter) ([]core.Movement, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []core.Movement
	for _, m := range s.movements {
		if !matchMovement(m, filter) {
			continue
		}
		out = append(out, m)
		if filter.Limit > 0 && len(out) == filter.Limit {
			break
		}
	}
	return out, nil
}

func matchMovement(m core.Movement, f core.MovementFilter) bool {
	switch {
	case f.ItemID != "" && m.ItemID != f.ItemID:
		return false
	case f.LocationID != "" && m.LocationID != f.LocationID:
		return false
	case f.ReferenceKind != "" && m.Reference.Kind != f.ReferenceKind:
		return false
	case f.From != nil && m.CreatedAt.Before(*f.From):
		return false
	case f.To != nil && m.CreatedAt.After(*f.To):
		return false
	}
	return true
}

func (s *Store) ReconcileSnapshot(_ context.Context, key core.StockKey) (core.LedgerSnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	l, ok := s.levels[key]
	if !ok {
		return core.LedgerSnapshot{}, core.Errorf(core.CodeNotFound, "no stock level for %s", key)
	}
	var rows []core.Movement
	for _, m := range s.movements {
		if m.Key() == key {
			rows = append(rows, m)
		}
	}
	return core.LedgerSnapshot{Level: l, LedgerQuantity: core.SumChanges(rows), MovementCount: len(rows)}, nil
}

func (s *Store) FindReservation(_ context.Context, id string) (*core.Reservation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.reservations[id]
	if !ok {
		return nil, core.Errorf(core.CodeNotFound, "reservation %s not found", id)
	}
	return &r, nil
}

func (s *Store) ListExpiredReservations(_ context.Context, asOf time.Time, limit int) ([]core.Reservation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []core.Reservation
	for _, r := range s.reservations {
		if r.State == core.ReservationActive && !r.ExpiresAt.After(asOf) {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExpiresAt.Before(out[j].ExpiresAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// ── Outbox ────────────────────────────────────────────────────────────────────

func (s *Store) ClaimPending(_ context.Context, now, leaseUntil time.Time, limit int) ([]core.OutboxEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []core.OutboxEvent
	for _, row := range s.outbox {
		if limit > 0 && len(out) == limit {
			break
		}
		if row.evt.DeliveredAt != nil || row.evt.NextAttemptAt.After(now) || row.leaseUntil.After(now) {
			continue
		}
		row.leaseUntil = leaseUntil
		out = append(out, row.evt)
	}
	return out, nil
}

func (s *Store) MarkDelivered(_ context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.outboxIndex[id]
	if !ok {
		return core.Errorf(core.CodeNotFound, "outbox event %s not found", id)
	}
	row.evt.DeliveredAt = &at
	row.leaseUntil = time.Time{}
	return nil
}

func (s *Store) MarkFailed(_ context.Context, id string, reason string, nextAttemptAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.outboxIndex[id]
	if !ok {
		return core.Errorf(core.CodeNotFound, "outbox event %s not found", id)
	}
	row.evt.Attempts++
	row.evt.LastError = reason
	row.evt.NextAttemptAt = nextAttemptAt
	row.leaseUntil = time.Time{}
	return nil
}

func (s *Store) OutboxStats(context.Context) (core.OutboxStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var st core.OutboxStats
	for _, row := range s.outbox {
		switch {
		case row.evt.DeliveredAt != nil:
			st.Delivered++
		case row.evt.Attempts > 0:
			st.Pending++
			st.Failing++
		default:
			st.Pending++
		}
	}
	return st, nil
}

// Events returns every outbox row in enqueue order. Test helper.
func (s *Store) Events() []core.OutboxEvent {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]core.OutboxEvent, len(s.outbox))
	for i, row := range s.outbox {
		out[i] = row.evt
	}
	return out
}

// Corrupt overwrites a level's quantity without a movement. It exists so drift
// detection can be exercised.
func (s *Store) Corrupt(key core.StockKey, quantity decimal.Decimal) {
	s.mu.Lock()
	defer s.mu.Unlock()
	l := s.levels[key]
	l.Quantity = quantity
	s.levels[key] = l
}
