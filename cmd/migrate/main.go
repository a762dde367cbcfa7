// migrate applies the embedded schema migrations and optionally seeds the
// item and location catalog.
//
// Usage: go run ./cmd/migrate [-seed catalog.json]
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"time"

	"go.uber.org/zap"

	"stock-ledger/internal/config"
	"stock-ledger/internal/db"
	"stock-ledger/internal/observability"
	"stock-ledger/migrations"
)

func main() {
	seedPath := flag.String("seed", "", "JSON catalog of items and locations to upsert after migrating")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	logger, err := observability.NewLogger(cfg.LogLevel)
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	pool, err := db.NewPool(ctx, db.PoolConfig{URL: cfg.DatabaseURL, MaxConns: 2})
	if err != nil {
		logger.Fatal("connect", zap.Error(err))
	}
	defer pool.Close()

	if err := db.Migrate(ctx, pool, migrations.FS, logger); err != nil {
		logger.Fatal("migrate", zap.Error(err))
	}
	logger.Info("all migrations processed")

	if *seedPath == "" {
		return
	}
	f, err := os.Open(*seedPath)
	if err != nil {
		logger.Fatal("open seed", zap.Error(err))
	}
	defer f.Close()
	seed, err := db.ReadCatalogSeed(f)
	if err != nil {
		logger.Fatal("read seed", zap.Error(err))
	}
	items, locations, err := db.NewRegistry(pool).Seed(ctx, seed)
	if err != nil {
		logger.Fatal("seed", zap.Error(err))
	}
	logger.Info("catalog seeded", zap.Int("items", items), zap.Int("locations", locations))
}
