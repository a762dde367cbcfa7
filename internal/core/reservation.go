package core

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// ReserveRequest holds Quantity at a location for Reference until TTL elapses.
type ReserveRequest struct {
	ItemID     string
	LocationID string
	Quantity   decimal.Decimal
	Reference  Reference
	TTL        time.Duration // zero means Config.DefaultReservationTTL
	Actor      string
}

// Reservation transitions: ACTIVE → COMMITTED, ACTIVE → RELEASED, ACTIVE → EXPIRED → RELEASED.
// Every transition out of a terminal state is a no-op, except Commit which reports INVALID_STATE.
// All transitions run under the stock level lock of the reservation's key, so a sweep
// racing a manual Commit/Release is decided by whichever transaction locks first.

func (s *inventoryService) Reserve(ctx context.Context, req ReserveRequest) (*Reservation, error) {
	if err := requirePositive(req.Quantity, "reservation quantity"); err != nil {
		return nil, err
	}
	if req.TTL < 0 {
		return nil, newError(CodeInvalidQuantity, "reservation ttl cannot be negative, got %s", req.TTL)
	}
	key := StockKey{ItemID: req.ItemID, LocationID: req.LocationID}
	if err := s.checkKey(ctx, key); err != nil {
		return nil, err
	}
	ttl := req.TTL
	if ttl == 0 {
		ttl = s.cfg.DefaultReservationTTL
	}
	id := s.cfg.IDs.NewID()

	var res Reservation
	err := s.runTx(ctx, "inventory.reserve", key, func(ctx context.Context, tx Tx) error {
		levels, err := tx.LockLevels(ctx, key)
		if err != nil {
			return err
		}
		level := levels[0]
		if level.Available().LessThan(req.Quantity) {
			return newError(CodeInsufficientAvailable,
				"insufficient available stock to reserve %s of %s at %s: available %s",
				req.Quantity, req.ItemID, req.LocationID, level.Available())
		}

		now := s.cfg.Clock.Now()
		level.ReservedQuantity = level.ReservedQuantity.Add(req.Quantity)
		level.UpdatedAt = now
		if err := tx.SaveLevel(ctx, level); err != nil {
			return err
		}

		res = Reservation{
			ID:         id,
			ItemID:     req.ItemID,
			LocationID: req.LocationID,
			Quantity:   req.Quantity,
			Reference:  req.Reference,
			State:      ReservationActive,
			ExpiresAt:  now.Add(ttl),
			CreatedAt:  now,
			UpdatedAt:  now,
		}
		if err := tx.InsertReservation(ctx, res); err != nil {
			return fmt.Errorf("failed to insert reservation: %w", err)
		}
		return s.enqueueHoldChange(ctx, tx, level, res.ID, now)
	})
	if err != nil {
		return nil, err
	}

	s.log.Debug("stock reserved",
		zap.String("reservation_id", res.ID),
		zap.Stringer("key", key),
		zap.Stringer("quantity", req.Quantity),
		zap.Time("expires_at", res.ExpiresAt),
	)
	return &res, nil
}

func (s *inventoryService) Commit(ctx context.Context, reservationID, actor string) (*MovementResult, error) {
	found, err := s.findReservation(ctx, reservationID)
	if err != nil {
		return nil, err
	}

	var res MovementResult
	err = s.runTx(ctx, "inventory.commit_reservation", found.Key(), func(ctx context.Context, tx Tx) error {
		levels, err := tx.LockLevels(ctx, found.Key())
		if err != nil {
			return err
		}
		r, err := tx.GetReservation(ctx, reservationID)
		if err != nil {
			return err
		}
		if r.State != ReservationActive {
			return newError(CodeInvalidState, "reservation %s is %s, not ACTIVE", r.ID, r.State)
		}
		level := levels[0]
		if level.ReservedQuantity.LessThan(r.Quantity) {
			return fmt.Errorf("reservation %s holds %s but %s reserves only %s",
				r.ID, r.Quantity, level.Key(), level.ReservedQuantity)
		}

		typ := MovementIssue
		if r.Reference.Kind == RefProjectConsumption {
			typ = MovementConsume
		}
		m, err := s.apply(ctx, tx, level, change{
			Type:            typ,
			Delta:           r.Quantity.Neg(),
			ReleaseReserved: r.Quantity,
			Reference:       r.Reference,
			Notes:           "reservation " + r.ID,
			Actor:           actor,
			ReservationID:   r.ID,
		})
		if err != nil {
			return err
		}

		r.State = ReservationCommitted
		r.MovementID = m.ID
		r.UpdatedAt = m.CreatedAt
		if err := tx.UpdateReservation(ctx, *r); err != nil {
			return fmt.Errorf("failed to update reservation: %w", err)
		}
		res = MovementResult{Level: *level, Movement: m}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &res, nil
}

func (s *inventoryService) Release(ctx context.Context, reservationID, actor string) (*Reservation, error) {
	found, err := s.findReservation(ctx, reservationID)
	if err != nil {
		return nil, err
	}

	var res Reservation
	err = s.runTx(ctx, "inventory.release_reservation", found.Key(), func(ctx context.Context, tx Tx) error {
		levels, err := tx.LockLevels(ctx, found.Key())
		if err != nil {
			return err
		}
		r, err := tx.GetReservation(ctx, reservationID)
		if err != nil {
			return err
		}
		now := s.cfg.Clock.Now()

		switch r.State {
		case ReservationActive:
			if err := s.dropHold(ctx, tx, levels[0], r, now); err != nil {
				return err
			}
		case ReservationExpired:
			// Hold already dropped by the sweeper; only the state moves on.
		default:
			res = *r
			return nil
		}

		r.State = ReservationReleased
		r.UpdatedAt = now
		if err := tx.UpdateReservation(ctx, *r); err != nil {
			return fmt.Errorf("failed to update reservation: %w", err)
		}
		res = *r
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.log.Debug("reservation released",
		zap.String("reservation_id", reservationID),
		zap.String("state", string(res.State)),
		zap.String("actor", actor),
	)
	return &res, nil
}

func (s *inventoryService) ExpireDue(ctx context.Context) (int, error) {
	now := s.cfg.Clock.Now()
	due, err := s.store.ListExpiredReservations(ctx, now, s.cfg.SweepBatchSize)
	if err != nil {
		return 0, fmt.Errorf("failed to list expired reservations: %w", err)
	}

	expired := 0
	var firstErr error
	for _, r := range due {
		ok, err := s.expire(ctx, r, now)
		if err != nil {
			s.log.Error("failed to expire reservation", zap.String("reservation_id", r.ID), zap.Error(err))
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		if ok {
			expired++
		}
	}
	return expired, firstErr
}

// expire moves one reservation to EXPIRED if it is still active and overdue.
func (s *inventoryService) expire(ctx context.Context, r Reservation, now time.Time) (bool, error) {
	expired := false
	err := s.runTx(ctx, "inventory.expire_reservation", r.Key(), func(ctx context.Context, tx Tx) error {
		expired = false
		levels, err := tx.LockLevels(ctx, r.Key())
		if err != nil {
			return err
		}
		cur, err := tx.GetReservation(ctx, r.ID)
		if err != nil {
			return err
		}
		if cur.State != ReservationActive || cur.ExpiresAt.After(now) {
			return nil
		}
		if err := s.dropHold(ctx, tx, levels[0], cur, now); err != nil {
			return err
		}
		cur.State = ReservationExpired
		cur.UpdatedAt = now
		if err := tx.UpdateReservation(ctx, *cur); err != nil {
			return fmt.Errorf("failed to update reservation: %w", err)
		}
		expired = true
		return nil
	})
	return expired, err
}

func (s *inventoryService) GetReservation(ctx context.Context, id string) (*Reservation, error) {
	return s.findReservation(ctx, id)
}

func (s *inventoryService) findReservation(ctx context.Context, id string) (*Reservation, error) {
	if id == "" {
		return nil, newError(CodeNotFound, "reservation id is required")
	}
	r, err := s.store.FindReservation(ctx, id)
	if err != nil {
		return nil, err
	}
	return r, nil
}

// dropHold returns a reservation's quantity to available stock.
func (s *inventoryService) dropHold(ctx context.Context, tx Tx, level *StockLevel, r *Reservation, now time.Time) error {
	if level.ReservedQuantity.LessThan(r.Quantity) {
		return fmt.Errorf("reservation %s holds %s but %s reserves only %s",
			r.ID, r.Quantity, level.Key(), level.ReservedQuantity)
	}
	level.ReservedQuantity = level.ReservedQuantity.Sub(r.Quantity)
	level.UpdatedAt = now
	if err := tx.SaveLevel(ctx, level); err != nil {
		return err
	}
	return s.enqueueHoldChange(ctx, tx, level, r.ID, now)
}

func (s *inventoryService) enqueueHoldChange(ctx context.Context, tx Tx, level *StockLevel, reservationID string, now time.Time) error {
	evt := newLevelChangedEvent(s.cfg.IDs.NewID(), level.Quantity, *level, nil, reservationID, now)
	if err := tx.EnqueueEvent(ctx, evt); err != nil {
		return fmt.Errorf("failed to enqueue stock event: %w", err)
	}
	return nil
}
