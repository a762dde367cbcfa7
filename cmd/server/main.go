package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	webAdapter "stock-ledger/internal/adapters/web"
	"stock-ledger/internal/app"
	"stock-ledger/internal/bus"
	"stock-ledger/internal/config"
	"stock-ledger/internal/core"
	"stock-ledger/internal/observability"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	logger, err := observability.NewLogger(cfg.LogLevel)
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("server stopped", zap.Error(err))
	}
}

func run(cfg config.Config, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownOTel, err := observability.Setup(ctx, cfg.OTLPEndpoint, cfg.ServiceName)
	if err != nil {
		return err
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownOTel(flushCtx); err != nil {
			logger.Warn("otel shutdown", zap.Error(err))
		}
	}()

	rt, err := app.NewRuntime(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer rt.Close()

	fanout := bus.NewFanout(256, logger)
	publisher, closePublisher, err := newPublisher(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closePublisher()

	dispatcher := core.NewDispatcher(rt.Store, bus.Multi{publisher, fanout}, core.DispatcherConfig{
		Logger:       logger,
		PollInterval: cfg.OutboxPollInterval,
		BatchSize:    cfg.OutboxBatchSize,
	})
	sweeper := core.NewSweeper(rt.Inventory, cfg.SweepInterval, logger)
	reconciler := core.NewReconciler(rt.Inventory, cfg.ReconcileInterval, logger)

	handler := webAdapter.NewHandler(rt.App, webAdapter.Options{
		AllowedOrigins: cfg.AllowedOrigins,
		JWTSecret:      cfg.JWTSecret,
		Logger:         logger,
		Events:         fanout,
	})
	srv := &http.Server{
		Addr:              ":" + cfg.ServerPort,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	if cfg.JWTSecret == "" {
		logger.Warn("JWT_SECRET is not set, API runs without authentication")
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return dispatcher.Run(gctx) })
	g.Go(func() error { return sweeper.Run(gctx) })
	g.Go(func() error { return reconciler.Run(gctx) })
	g.Go(func() error {
		logger.Info("server starting", zap.String("addr", srv.Addr), zap.Bool("in_memory", cfg.InMemory()), zap.String("bus", string(cfg.BusKind)))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		// Streams end when the fan-out closes; otherwise Shutdown waits on them.
		fanout.Close()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	err = g.Wait()
	logger.Info("server stopped")
	return err
}

// newPublisher builds the outbound publisher selected by BUS_KIND.
func newPublisher(ctx context.Context, cfg config.Config, logger *zap.Logger) (core.EventPublisher, func(), error) {
	switch cfg.BusKind {
	case config.BusRedis:
		client, err := bus.NewRedisClient(ctx, cfg.RedisURL)
		if err != nil {
			return nil, nil, err
		}
		return bus.NewRedisStreamPublisher(client, cfg.RedisStream, 100_000), func() { _ = client.Close() }, nil
	case config.BusWebhook:
		return bus.NewWebhookPublisher(cfg.WebhookURL, 5*time.Second), func() {}, nil
	default:
		return bus.LogPublisher{Logger: logger.Named("events")}, func() {}, nil
	}
}
