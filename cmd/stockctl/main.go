// stockctl is the operator CLI for the stock ledger.
//
// Usage: stockctl <command> [flags]   (stockctl help for the list)
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"path"

	"github.com/google/subcommands"

	"stock-ledger/internal/adapters/cli"
	"stock-ledger/internal/app"
	"stock-ledger/internal/config"
	"stock-ledger/internal/observability"
)

func main() {
	defaultActor := os.Getenv("STOCKCTL_ACTOR")
	if defaultActor == "" {
		defaultActor = os.Getenv("USER")
	}
	actor := flag.String("actor", defaultActor, "actor recorded on movements (STOCKCTL_ACTOR)")

	commander := subcommands.NewCommander(flag.CommandLine, path.Base(os.Args[0]))
	cli.Register(commander)
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	logLevel := cfg.LogLevel
	if os.Getenv("LOG_LEVEL") == "" {
		logLevel = "warn"
	}
	logger, err := observability.NewLogger(logLevel)
	if err != nil {
		log.Fatalf("logger: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	rt, err := app.NewRuntime(ctx, cfg, logger)
	if err != nil {
		stop()
		log.Fatalf("startup: %v", err)
	}

	status := commander.Execute(ctx, &cli.Env{
		Svc:         rt.App,
		Out:         os.Stdout,
		Log:         logger,
		Actor:       *actor,
		RedisURL:    cfg.RedisURL,
		RedisStream: cfg.RedisStream,
	})
	rt.Close()
	stop()
	_ = logger.Sync()
	os.Exit(int(status))
}
