package core

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// RunEvery calls fn immediately and then on every tick until ctx is cancelled.
// fn reports its own failures; RunEvery only stops on cancellation.
func RunEvery(ctx context.Context, interval time.Duration, fn func(ctx context.Context)) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		fn(ctx)
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// Sweeper expires overdue reservations on a timer.
type Sweeper struct {
	svc      InventoryService
	interval time.Duration
	log      *zap.Logger
}

func NewSweeper(svc InventoryService, interval time.Duration, logger *zap.Logger) *Sweeper {
	if logger == nil {
		logger = zap.NewNop()
	}
	if interval == 0 {
		interval = 5 * time.Second
	}
	return &Sweeper{svc: svc, interval: interval, log: logger.Named("sweeper")}
}

func (s *Sweeper) Run(ctx context.Context) error {
	s.log.Info("reservation sweeper started", zap.Duration("interval", s.interval))
	return RunEvery(ctx, s.interval, func(ctx context.Context) {
		n, err := s.svc.ExpireDue(ctx)
		if err != nil {
			s.log.Error("reservation sweep failed", zap.Error(err))
		}
		if n > 0 {
			s.log.Info("reservations expired", zap.Int("count", n))
		}
	})
}

// Reconciler checks every stock level against its movement history on a timer.
type Reconciler struct {
	svc      InventoryService
	interval time.Duration
	log      *zap.Logger
}

func NewReconciler(svc InventoryService, interval time.Duration, logger *zap.Logger) *Reconciler {
	if logger == nil {
		logger = zap.NewNop()
	}
	if interval == 0 {
		interval = 10 * time.Minute
	}
	return &Reconciler{svc: svc, interval: interval, log: logger.Named("reconciler")}
}

func (r *Reconciler) Run(ctx context.Context) error {
	r.log.Info("reconciler started", zap.Duration("interval", r.interval))
	return RunEvery(ctx, r.interval, func(ctx context.Context) {
		reports, err := r.svc.ReconcileAll(ctx)
		if err != nil {
			r.log.Error("reconciliation run failed", zap.Error(err))
		}
		drifted := 0
		for _, rep := range reports {
			if !rep.InSync() {
				drifted++
			}
		}
		r.log.Info("reconciliation run finished", zap.Int("levels", len(reports)), zap.Int("drifted", drifted))
	})
}
