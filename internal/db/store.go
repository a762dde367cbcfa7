package db

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"stock-ledger/internal/core"
)

// Store is the Postgres core.Store. Levels are locked with SELECT ... FOR UPDATE in
// StockKey order and written with a version check, so a lost update shows up as
// ErrStaleVersion even if a caller bypasses the lock.
type Store struct {
	pool *pgxpool.Pool
}

var _ core.Store = (*Store)(nil)

func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// ── Transactions ──────────────────────────────────────────────────────────────

func (s *Store) InTx(ctx context.Context, fn func(ctx context.Context, tx core.Tx) error) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return mapError(fmt.Errorf("failed to begin transaction: %w", err))
	}
	defer tx.Rollback(ctx)

	if err := fn(ctx, &pgTx{tx: tx}); err != nil {
		return mapError(err)
	}
	if err := tx.Commit(ctx); err != nil {
		return mapError(fmt.Errorf("failed to commit transaction: %w", err))
	}
	return nil
}

type pgTx struct {
	tx pgx.Tx
}

const levelColumns = `item_id, location_id, quantity, reserved_quantity, average_unit_cost,
	version, last_movement_at, created_at, updated_at`

func scanLevel(row pgx.Row) (*core.StockLevel, error) {
	var l core.StockLevel
	err := row.Scan(&l.ItemID, &l.LocationID, &l.Quantity, &l.ReservedQuantity, &l.AverageUnitCost,
		&l.Version, &l.LastMovementAt, &l.CreatedAt, &l.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &l, nil
}

func (t *pgTx) LockLevels(ctx context.Context, keys ...core.StockKey) ([]*core.StockLevel, error) {
	sorted := append([]core.StockKey(nil), keys...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Less(sorted[j]) })

	locked := make(map[core.StockKey]*core.StockLevel, len(keys))
	for _, k := range sorted {
		if _, ok := locked[k]; ok {
			continue
		}
		// Upsert on first touch; DO NOTHING leaves an existing row unlocked, so the
		// SELECT below takes the lock either way.
		if _, err := t.tx.Exec(ctx, `
			INSERT INTO stock_levels (item_id, location_id)
			VALUES ($1, $2)
			ON CONFLICT (item_id, location_id) DO NOTHING
		`, k.ItemID, k.LocationID); err != nil {
			return nil, fmt.Errorf("failed to create stock level %s: %w", k, err)
		}
		l, err := scanLevel(t.tx.QueryRow(ctx, `
			SELECT `+levelColumns+`
			FROM stock_levels
			WHERE item_id = $1 AND location_id = $2
			FOR UPDATE
		`, k.ItemID, k.LocationID))
		if err != nil {
			return nil, fmt.Errorf("failed to lock stock level %s: %w", k, err)
		}
		locked[k] = l
	}

	out := make([]*core.StockLevel, len(keys))
	for i, k := range keys {
		cp := *locked[k]
		out[i] = &cp
	}
	return out, nil
}

func (t *pgTx) SaveLevel(ctx context.Context, level *core.StockLevel) error {
	tag, err := t.tx.Exec(ctx, `
		UPDATE stock_levels
		SET quantity = $3, reserved_quantity = $4, average_unit_cost = $5,
		    last_movement_at = $6, updated_at = $7, version = version + 1
		WHERE item_id = $1 AND location_id = $2 AND version = $8
	`, level.ItemID, level.LocationID, level.Quantity, level.ReservedQuantity, level.AverageUnitCost,
		level.LastMovementAt, level.UpdatedAt, level.Version)
	if err != nil {
		return fmt.Errorf("failed to update stock level %s: %w", level.Key(), err)
	}
	if tag.RowsAffected() == 0 {
		return core.ErrStaleVersion
	}
	level.Version++
	return nil
}

func (t *pgTx) AppendMovement(ctx context.Context, m core.Movement) error {
	var lot *string
	var expires *time.Time
	if m.Batch != nil {
		if m.Batch.LotNumber != "" {
			lot = &m.Batch.LotNumber
		}
		expires = m.Batch.ExpiresOn
	}
	_, err := t.tx.Exec(ctx, `
		INSERT INTO stock_movements (id, item_id, location_id, movement_type,
			quantity_before, quantity_change, quantity_after, unit_cost,
			reference_kind, reference_id, lot_number, lot_expires_on, notes, actor, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
	`, m.ID, m.ItemID, m.LocationID, string(m.Type),
		m.QuantityBefore, m.QuantityChange, m.QuantityAfter, m.UnitCost,
		string(m.Reference.Kind), m.Reference.ID, lot, expires, m.Notes, m.Actor, m.CreatedAt)
	return err
}

func (t *pgTx) EnqueueEvent(ctx context.Context, e core.OutboxEvent) error {
	payload, err := json.Marshal(e.Payload)
	if err != nil {
		return fmt.Errorf("failed to marshal event payload: %w", err)
	}
	_, err = t.tx.Exec(ctx, `
		INSERT INTO outbox_events (id, topic, movement_id, payload, created_at, next_attempt_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, e.ID, e.Topic, e.MovementID, payload, e.CreatedAt, e.NextAttemptAt)
	return err
}

const reservationColumns = `id, item_id, location_id, quantity, reference_kind, reference_id,
	state, expires_at, COALESCE(movement_id, ''), created_at, updated_at`

func scanReservation(row pgx.Row) (*core.Reservation, error) {
	var r core.Reservation
	var kind, state string
	err := row.Scan(&r.ID, &r.ItemID, &r.LocationID, &r.Quantity, &kind, &r.Reference.ID,
		&state, &r.ExpiresAt, &r.MovementID, &r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		return nil, err
	}
	r.Reference.Kind = core.ReferenceKind(kind)
	r.State = core.ReservationState(state)
	return &r, nil
}

func (t *pgTx) GetReservation(ctx context.Context, id string) (*core.Reservation, error) {
	r, err := scanReservation(t.tx.QueryRow(ctx, `
		SELECT `+reservationColumns+` FROM reservations WHERE id = $1 FOR UPDATE
	`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, core.Errorf(core.CodeNotFound, "reservation %s not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to lock reservation %s: %w", id, err)
	}
	return r, nil
}

func (t *pgTx) InsertReservation(ctx context.Context, r core.Reservation) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO reservations (id, item_id, location_id, quantity, reference_kind, reference_id,
			state, expires_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, r.ID, r.ItemID, r.LocationID, r.Quantity, string(r.Reference.Kind), r.Reference.ID,
		string(r.State), r.ExpiresAt, r.CreatedAt, r.UpdatedAt)
	return err
}

func (t *pgTx) UpdateReservation(ctx context.Context, r core.Reservation) error {
	var movementID *string
	if r.MovementID != "" {
		movementID = &r.MovementID
	}
	tag, err := t.tx.Exec(ctx, `
		UPDATE reservations SET state = $2, movement_id = $3, updated_at = $4 WHERE id = $1
	`, r.ID, string(r.State), movementID, r.UpdatedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return core.Errorf(core.CodeNotFound, "reservation %s not found", r.ID)
	}
	return nil
}

// ── Reader ────────────────────────────────────────────────────────────────────

func (s *Store) GetLevel(ctx context.Context, key core.StockKey) (*core.StockLevel, error) {
	l, err := scanLevel(s.pool.QueryRow(ctx, `
		SELECT `+levelColumns+` FROM stock_levels WHERE item_id = $1 AND location_id = $2
	`, key.ItemID, key.LocationID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, core.Errorf(core.CodeNotFound, "no stock level for %s", key)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get stock level %s: %w", key, err)
	}
	return l, nil
}

func (s *Store) ListLevels(ctx context.Context, filter core.LevelFilter) ([]core.StockLevel, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+levelColumns+`
		FROM stock_levels
		WHERE ($1 = '' OR item_id = $1) AND ($2 = '' OR location_id = $2)
		ORDER BY location_id, item_id
	`, filter.ItemID, filter.LocationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []core.StockLevel
	for rows.Next() {
		l, err := scanLevel(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *l)
	}
	return out, rows.Err()
}

func (s *Store) ListMovements(ctx context.Context, filter core.MovementFilter) ([]core.Movement, error) {
	var where []string
	var args []any
	add := func(cond string, arg any) {
		args = append(args, arg)
		where = append(where, fmt.Sprintf(cond, len(args)))
	}
	if filter.ItemID != "" {
		add("item_id = $%d", filter.ItemID)
	}
	if filter.LocationID != "" {
		add("location_id = $%d", filter.LocationID)
	}
	if filter.ReferenceKind != "" {
		add("reference_kind = $%d", string(filter.ReferenceKind))
	}
	if filter.From != nil {
		add("created_at >= $%d", *filter.From)
	}
	if filter.To != nil {
		add("created_at <= $%d", *filter.To)
	}

	query := `
		SELECT id, item_id, location_id, movement_type, quantity_before, quantity_change,
		       quantity_after, unit_cost, reference_kind, reference_id, lot_number, lot_expires_on,
		       notes, actor, created_at
		FROM stock_movements`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY seq"
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []core.Movement
	for rows.Next() {
		var m core.Movement
		var typ, kind string
		var lot *string
		var expires *time.Time
		if err := rows.Scan(&m.ID, &m.ItemID, &m.LocationID, &typ, &m.QuantityBefore, &m.QuantityChange,
			&m.QuantityAfter, &m.UnitCost, &kind, &m.Reference.ID, &lot, &expires,
			&m.Notes, &m.Actor, &m.CreatedAt); err != nil {
			return nil, err
		}
		m.Type = core.MovementType(typ)
		m.Reference.Kind = core.ReferenceKind(kind)
		if lot != nil || expires != nil {
			m.Batch = &core.BatchInfo{ExpiresOn: expires}
			if lot != nil {
				m.Batch.LotNumber = *lot
			}
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// ReconcileSnapshot reads the level and the movement totals in one statement, so
// both come from the same MVCC snapshot.
func (s *Store) ReconcileSnapshot(ctx context.Context, key core.StockKey) (core.LedgerSnapshot, error) {
	var snap core.LedgerSnapshot
	l := &snap.Level
	err := s.pool.QueryRow(ctx, `
		SELECT `+levelColumns+`,
			COALESCE((SELECT SUM(m.quantity_change) FROM stock_movements m
				WHERE m.item_id = sl.item_id AND m.location_id = sl.location_id), 0),
			(SELECT COUNT(*) FROM stock_movements m
				WHERE m.item_id = sl.item_id AND m.location_id = sl.location_id)
		FROM stock_levels sl
		WHERE sl.item_id = $1 AND sl.location_id = $2
	`, key.ItemID, key.LocationID).Scan(&l.ItemID, &l.LocationID, &l.Quantity, &l.ReservedQuantity, &l.AverageUnitCost,
		&l.Version, &l.LastMovementAt, &l.CreatedAt, &l.UpdatedAt, &snap.LedgerQuantity, &snap.MovementCount)
	if errors.Is(err, pgx.ErrNoRows) {
		return core.LedgerSnapshot{}, core.Errorf(core.CodeNotFound, "no stock level for %s", key)
	}
	if err != nil {
		return core.LedgerSnapshot{}, fmt.Errorf("failed to read ledger snapshot %s: %w", key, err)
	}
	return snap, nil
}

func (s *Store) FindReservation(ctx context.Context, id string) (*core.Reservation, error) {
	r, err := scanReservation(s.pool.QueryRow(ctx, `
		SELECT `+reservationColumns+` FROM reservations WHERE id = $1
	`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, core.Errorf(core.CodeNotFound, "reservation %s not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get reservation %s: %w", id, err)
	}
	return r, nil
}

func (s *Store) ListExpiredReservations(ctx context.Context, asOf time.Time, limit int) ([]core.Reservation, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+reservationColumns+`
		FROM reservations
		WHERE state = 'ACTIVE' AND expires_at <= $1
		ORDER BY expires_at
		LIMIT $2
	`, asOf, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []core.Reservation
	for rows.Next() {
		r, err := scanReservation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *r)
	}
	return out, rows.Err()
}
