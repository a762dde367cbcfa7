package core

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// InventoryService is the stock ledger: every command mutates one or two stock levels,
// appends the matching movements and writes the outbox event in a single transaction.
type InventoryService interface {
	// ── Commands ──────────────────────────────────────────────────────────────

	// Receive books inbound stock and re-weights the average cost.
	Receive(ctx context.Context, req ReceiveRequest) (*MovementResult, error)
	// Issue books outbound stock at the current average cost. Issues referencing
	// PROJECT_CONSUMPTION are recorded as CONSUME movements.
	Issue(ctx context.Context, req IssueRequest) (*MovementResult, error)
	// Adjust applies a signed correction. Positive adjustments are valued like receipts.
	Adjust(ctx context.Context, req AdjustRequest) (*MovementResult, error)
	// Transfer moves stock between two locations atomically.
	Transfer(ctx context.Context, req TransferRequest) (*TransferResult, error)
	// Reserve earmarks available stock for a reference until ExpiresAt.
	Reserve(ctx context.Context, req ReserveRequest) (*Reservation, error)
	// Commit turns an active reservation into an Issue movement.
	Commit(ctx context.Context, reservationID, actor string) (*MovementResult, error)
	// Release drops an active reservation's hold. Releasing a terminal reservation is a no-op.
	Release(ctx context.Context, reservationID, actor string) (*Reservation, error)
	// ExpireDue moves every overdue active reservation to EXPIRED and returns how many it expired.
	ExpireDue(ctx context.Context) (int, error)

	// ── Queries ───────────────────────────────────────────────────────────────

	GetOrCreate(ctx context.Context, itemID, locationID string) (*StockLevel, error)
	GetStockLevel(ctx context.Context, itemID, locationID string) (*StockLevel, error)
	ListStockLevels(ctx context.Context, filter LevelFilter) ([]StockLevel, error)
	ListMovements(ctx context.Context, filter MovementFilter) ([]Movement, error)
	GetReservation(ctx context.Context, id string) (*Reservation, error)
	// Reconcile compares a live level to the sum of its movements. Drift is reported
	// in the result and to observability, never as an error.
	Reconcile(ctx context.Context, itemID, locationID string) (*ReconcileReport, error)
	ReconcileAll(ctx context.Context) ([]ReconcileReport, error)
}

// ReceiveRequest books a goods receipt.
type ReceiveRequest struct {
	ItemID     string
	LocationID string
	Quantity   decimal.Decimal
	UnitCost   decimal.Decimal
	Reference  Reference
	Batch      *BatchInfo
	Notes      string
	Actor      string
}

// IssueRequest books a goods issue.
type IssueRequest struct {
	ItemID         string
	LocationID     string
	Quantity       decimal.Decimal
	Reference      Reference
	Batch          *BatchInfo
	Notes          string
	Actor          string
	AllowBackorder bool
}

// AdjustRequest books a signed stock correction. UnitCost values a positive delta;
// when nil the current average (or the catalog default for a costless item) is used.
type AdjustRequest struct {
	ItemID         string
	LocationID     string
	Delta          decimal.Decimal
	UnitCost       *decimal.Decimal
	Reason         string
	ReferenceID    string
	Batch          *BatchInfo
	Actor          string
	AllowBackorder bool
}

// Config carries collaborators and tuning. Zero values get sensible defaults.
type Config struct {
	Logger    *zap.Logger
	Clock     Clock
	IDs       IDGenerator
	Items     ItemRegistry
	Locations LocationRegistry

	MaxAttempts           uint          // optimistic retry budget, default 3
	InitialBackoff        time.Duration // default 20ms, doubled per attempt
	TxTimeout             time.Duration // default 10s
	AllowBackorder        bool          // process-wide backorder default
	DefaultReservationTTL time.Duration // default 15m
	SweepBatchSize        int           // default 100
}

func (c *Config) setDefaults() {
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	if c.Clock == nil {
		c.Clock = SystemClock{}
	}
	if c.IDs == nil {
		c.IDs = UUIDGenerator{}
	}
	if c.Items == nil {
		c.Items = OpenRegistry{}
	}
	if c.Locations == nil {
		c.Locations = OpenRegistry{}
	}
	if c.MaxAttempts == 0 {
		c.MaxAttempts = 3
	}
	if c.InitialBackoff == 0 {
		c.InitialBackoff = 20 * time.Millisecond
	}
	if c.TxTimeout == 0 {
		c.TxTimeout = 10 * time.Second
	}
	if c.DefaultReservationTTL == 0 {
		c.DefaultReservationTTL = 15 * time.Minute
	}
	if c.SweepBatchSize == 0 {
		c.SweepBatchSize = 100
	}
}

type inventoryService struct {
	store Store
	cfg   Config
	log   *zap.Logger

	tracer    trace.Tracer
	movements metric.Int64Counter
	conflicts metric.Int64Counter
	drift     metric.Int64Counter
}

func NewInventoryService(store Store, cfg Config) InventoryService {
	cfg.setDefaults()
	meter := otel.Meter("stock-ledger/core")
	return &inventoryService{
		store:     store,
		cfg:       cfg,
		log:       cfg.Logger.Named("inventory"),
		tracer:    otel.Tracer("stock-ledger/core"),
		movements: counter(meter, "ledger.movements", "Movements appended to the stock ledger"),
		conflicts: counter(meter, "ledger.concurrency_conflicts", "Optimistic version conflicts retried"),
		drift:     counter(meter, "ledger.reconciliation_drift", "Stock levels found out of sync with their movements"),
	}
}

func counter(meter metric.Meter, name, desc string) metric.Int64Counter {
	c, err := meter.Int64Counter(name, metric.WithDescription(desc))
	if err != nil {
		return noop.Int64Counter{}
	}
	return c
}

// ── Standalone commands ───────────────────────────────────────────────────────

func (s *inventoryService) Receive(ctx context.Context, req ReceiveRequest) (*MovementResult, error) {
	if err := requirePositive(req.Quantity, "receive quantity"); err != nil {
		return nil, err
	}
	if req.UnitCost.IsNegative() {
		return nil, newError(CodeInvalidQuantity, "unit cost cannot be negative, got %s", req.UnitCost)
	}
	key := StockKey{ItemID: req.ItemID, LocationID: req.LocationID}
	if err := s.checkKey(ctx, key); err != nil {
		return nil, err
	}

	var res MovementResult
	err := s.runTx(ctx, "inventory.receive", key, func(ctx context.Context, tx Tx) error {
		levels, err := tx.LockLevels(ctx, key)
		if err != nil {
			return err
		}
		cost := req.UnitCost
		m, err := s.apply(ctx, tx, levels[0], change{
			Type:      MovementReceipt,
			Delta:     req.Quantity,
			UnitCost:  &cost,
			Reference: req.Reference,
			Batch:     req.Batch,
			Notes:     req.Notes,
			Actor:     req.Actor,
		})
		if err != nil {
			return err
		}
		res = MovementResult{Level: *levels[0], Movement: m}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &res, nil
}

func (s *inventoryService) Issue(ctx context.Context, req IssueRequest) (*MovementResult, error) {
	if err := requirePositive(req.Quantity, "issue quantity"); err != nil {
		return nil, err
	}
	key := StockKey{ItemID: req.ItemID, LocationID: req.LocationID}
	if err := s.checkKey(ctx, key); err != nil {
		return nil, err
	}

	typ := MovementIssue
	if req.Reference.Kind == RefProjectConsumption {
		typ = MovementConsume
	}

	var res MovementResult
	err := s.runTx(ctx, "inventory.issue", key, func(ctx context.Context, tx Tx) error {
		levels, err := tx.LockLevels(ctx, key)
		if err != nil {
			return err
		}
		m, err := s.apply(ctx, tx, levels[0], change{
			Type:           typ,
			Delta:          req.Quantity.Neg(),
			Reference:      req.Reference,
			Batch:          req.Batch,
			Notes:          req.Notes,
			Actor:          req.Actor,
			AllowBackorder: req.AllowBackorder || s.cfg.AllowBackorder,
		})
		if err != nil {
			return err
		}
		res = MovementResult{Level: *levels[0], Movement: m}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &res, nil
}

func (s *inventoryService) Adjust(ctx context.Context, req AdjustRequest) (*MovementResult, error) {
	if req.Delta.IsZero() {
		return nil, newError(CodeInvalidQuantity, "adjustment delta must be non-zero")
	}
	if req.UnitCost != nil && req.UnitCost.IsNegative() {
		return nil, newError(CodeInvalidQuantity, "unit cost cannot be negative, got %s", req.UnitCost)
	}
	key := StockKey{ItemID: req.ItemID, LocationID: req.LocationID}
	if err := s.checkKey(ctx, key); err != nil {
		return nil, err
	}

	var defaultCost decimal.Decimal
	if req.Delta.IsPositive() && req.UnitCost == nil {
		c, err := s.cfg.Items.DefaultUnitCost(ctx, req.ItemID)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve default cost for item %s: %w", req.ItemID, err)
		}
		defaultCost = c
	}

	var res MovementResult
	err := s.runTx(ctx, "inventory.adjust", key, func(ctx context.Context, tx Tx) error {
		levels, err := tx.LockLevels(ctx, key)
		if err != nil {
			return err
		}
		level := levels[0]
		cost := req.UnitCost
		if cost == nil && req.Delta.IsPositive() {
			// No cost history: value at the catalog default rather than zero.
			c := level.AverageUnitCost
			if !level.Quantity.IsPositive() && c.IsZero() {
				c = defaultCost
			}
			cost = &c
		}
		m, err := s.apply(ctx, tx, level, change{
			Type:           MovementAdjustment,
			Delta:          req.Delta,
			UnitCost:       cost,
			Reference:      Reference{Kind: RefAdjustment, ID: req.ReferenceID},
			Batch:          req.Batch,
			Notes:          req.Reason,
			Actor:          req.Actor,
			AllowBackorder: req.AllowBackorder || s.cfg.AllowBackorder,
		})
		if err != nil {
			return err
		}
		res = MovementResult{Level: *level, Movement: m}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &res, nil
}

func (s *inventoryService) GetOrCreate(ctx context.Context, itemID, locationID string) (*StockLevel, error) {
	key := StockKey{ItemID: itemID, LocationID: locationID}
	if err := s.checkKey(ctx, key); err != nil {
		return nil, err
	}
	var level StockLevel
	err := s.runTx(ctx, "inventory.get_or_create", key, func(ctx context.Context, tx Tx) error {
		levels, err := tx.LockLevels(ctx, key)
		if err != nil {
			return err
		}
		level = *levels[0]
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &level, nil
}

// ── Stock mutation primitive ──────────────────────────────────────────────────

// change is one delta applied to a locked level.
type change struct {
	Type            MovementType
	Delta           decimal.Decimal
	UnitCost        *decimal.Decimal // incoming cost for inbound; ignored for outbound
	ReleaseReserved decimal.Decimal  // reserved quantity consumed by this change (reservation commit)
	Reference       Reference
	Batch           *BatchInfo
	Notes           string
	Actor           string
	AllowBackorder  bool
	ReservationID   string
	MovementID      string // preassigned id, optional
}

// apply validates c against level, mutates level in place, and writes the level,
// the movement and the outbox event through tx. level must be locked by tx.
func (s *inventoryService) apply(ctx context.Context, tx Tx, level *StockLevel, c change) (Movement, error) {
	before := level.Quantity
	after := before.Add(c.Delta)
	reserved := level.ReservedQuantity.Sub(c.ReleaseReserved)

	if after.IsNegative() && !c.AllowBackorder {
		return Movement{}, newError(CodeInsufficientStock,
			"insufficient stock for %s at %s: on hand %s, change %s",
			level.ItemID, level.LocationID, before.String(), c.Delta.String())
	}
	// Outbound movements never eat into reserved stock, backorder or not.
	if reserved.IsPositive() && after.LessThan(reserved) {
		return Movement{}, newError(CodeInsufficientAvailable,
			"insufficient available stock for %s at %s: available %s, change %s",
			level.ItemID, level.LocationID, before.Sub(reserved).String(), c.Delta.String())
	}

	unitCost := level.AverageUnitCost
	newCost := level.AverageUnitCost
	if c.Type.IsInbound(c.Delta) {
		if c.UnitCost != nil {
			unitCost = *c.UnitCost
		}
		newCost = valueInbound(*level, c.Delta, unitCost)
	}

	now := s.cfg.Clock.Now()
	id := c.MovementID
	if id == "" {
		id = s.cfg.IDs.NewID()
	}
	m := Movement{
		ID:             id,
		ItemID:         level.ItemID,
		LocationID:     level.LocationID,
		Type:           c.Type,
		QuantityBefore: before,
		QuantityChange: c.Delta,
		QuantityAfter:  after,
		UnitCost:       unitCost,
		Reference:      c.Reference,
		Batch:          c.Batch,
		Notes:          c.Notes,
		Actor:          c.Actor,
		CreatedAt:      now,
	}

	level.Quantity = after
	level.ReservedQuantity = reserved
	level.AverageUnitCost = newCost
	level.LastMovementAt = &now
	level.UpdatedAt = now

	if err := tx.SaveLevel(ctx, level); err != nil {
		return Movement{}, err
	}
	if err := tx.AppendMovement(ctx, m); err != nil {
		return Movement{}, fmt.Errorf("failed to append movement: %w", err)
	}
	evt := newLevelChangedEvent(s.cfg.IDs.NewID(), before, *level, &m, c.ReservationID, now)
	if err := tx.EnqueueEvent(ctx, evt); err != nil {
		return Movement{}, fmt.Errorf("failed to enqueue stock event: %w", err)
	}

	s.movements.Add(ctx, 1, metric.WithAttributes(attribute.String("type", string(c.Type))))
	return m, nil
}

// ── Transaction plumbing ──────────────────────────────────────────────────────

// runTx runs fn in a fresh transaction per attempt. Only ErrStaleVersion is retried;
// once MaxAttempts is spent it surfaces as CONCURRENCY_CONFLICT.
func (s *inventoryService) runTx(ctx context.Context, op string, key StockKey, fn func(ctx context.Context, tx Tx) error) error {
	ctx, span := s.tracer.Start(ctx, op, trace.WithAttributes(
		attribute.String("item_id", key.ItemID),
		attribute.String("location_id", key.LocationID),
	))
	defer span.End()

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.cfg.InitialBackoff
	b.Multiplier = 2

	attempt := 0
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		attempt++
		txCtx, cancel := context.WithTimeout(ctx, s.cfg.TxTimeout)
		defer cancel()

		err := s.store.InTx(txCtx, fn)
		if err == nil {
			return struct{}{}, nil
		}
		if errors.Is(err, ErrStaleVersion) {
			s.conflicts.Add(ctx, 1, metric.WithAttributes(attribute.String("op", op)))
			s.log.Warn("stock version conflict",
				zap.String("op", op),
				zap.Stringer("key", key),
				zap.Int("attempt", attempt),
			)
			return struct{}{}, err
		}
		return struct{}{}, backoff.Permanent(err)
	}, backoff.WithBackOff(b), backoff.WithMaxTries(s.cfg.MaxAttempts))

	if err == nil {
		s.log.Debug("stock transaction committed", zap.String("op", op), zap.Stringer("key", key))
		return nil
	}

	var perm *backoff.PermanentError
	if errors.As(err, &perm) {
		err = perm.Unwrap()
	}
	if errors.Is(err, ErrStaleVersion) {
		err = newError(CodeConcurrencyConflict, "%s on %s: gave up after %d attempts", op, key, attempt)
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return err
}

// checkKey delegates item/location existence to the registries.
func (s *inventoryService) checkKey(ctx context.Context, key StockKey) error {
	if key.ItemID == "" || key.LocationID == "" {
		return newError(CodeNotFound, "item and location are required")
	}
	ok, err := s.cfg.Items.ItemExists(ctx, key.ItemID)
	if err != nil {
		return fmt.Errorf("failed to resolve item %s: %w", key.ItemID, err)
	}
	if !ok {
		return newError(CodeNotFound, "item %s not found", key.ItemID)
	}
	ok, err = s.cfg.Locations.LocationExists(ctx, key.LocationID)
	if err != nil {
		return fmt.Errorf("failed to resolve location %s: %w", key.LocationID, err)
	}
	if !ok {
		return newError(CodeNotFound, "location %s not found", key.LocationID)
	}
	return nil
}

func requirePositive(q decimal.Decimal, what string) error {
	if !q.IsPositive() {
		return newError(CodeInvalidQuantity, "%s must be positive, got %s", what, q.String())
	}
	return nil
}
