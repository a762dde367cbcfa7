package app

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"stock-ledger/internal/config"
	"stock-ledger/internal/core"
	"stock-ledger/internal/db"
	"stock-ledger/internal/memstore"
)

// Runtime is the wired ledger shared by the server and stockctl.
type Runtime struct {
	Store     core.Store
	Inventory core.InventoryService
	App       ApplicationService
	closers   []func()
}

// NewRuntime opens the configured store. An empty DATABASE_URL gives an
// in-memory ledger that accepts every item and location.
func NewRuntime(ctx context.Context, cfg config.Config, logger *zap.Logger) (*Runtime, error) {
	rt := &Runtime{}
	coreCfg := core.Config{
		Logger:         logger,
		MaxAttempts:    cfg.RetryAttempts,
		TxTimeout:      cfg.TxTimeout,
		AllowBackorder: cfg.AllowBackorder,
	}

	if cfg.InMemory() {
		logger.Warn("DATABASE_URL not set, using the in-memory store")
		rt.Store = memstore.New()
	} else {
		pool, err := db.NewPool(ctx, db.PoolConfig{URL: cfg.DatabaseURL})
		if err != nil {
			return nil, fmt.Errorf("database: %w", err)
		}
		rt.closers = append(rt.closers, pool.Close)
		reg := db.NewRegistry(pool)
		coreCfg.Items = reg
		coreCfg.Locations = reg
		rt.Store = db.NewStore(pool)
	}

	rt.Inventory = core.NewInventoryService(rt.Store, coreCfg)
	rt.App = NewAppService(rt.Inventory, rt.Store, logger)
	return rt, nil
}

// Close releases the database pool, if any.
func (rt *Runtime) Close() {
	for i := len(rt.closers) - 1; i >= 0; i-- {
		rt.closers[i]()
	}
}
