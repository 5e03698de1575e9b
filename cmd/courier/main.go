// Package main contains the entrypoint for the courier pipeline process.
package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/chatwire/courier/internal/app"
	"github.com/chatwire/courier/internal/broker"
	"github.com/chatwire/courier/internal/config"
	"github.com/chatwire/courier/internal/database"
	"github.com/chatwire/courier/internal/logger"
	"github.com/chatwire/courier/internal/send"

	_ "modernc.org/sqlite"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	exitCode := run(ctx)
	stop()
	os.Exit(exitCode)
}

// run initializes and starts all components (config, logger, store, bus,
// consumers, scheduler), handles graceful shutdown, and returns an exit code.
func run(ctx context.Context) int {
	configPath := flag.String("config", "./config.yaml", "Path to configuration file")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		slog.Error("Failed to load configuration", "path", *configPath, "error", err)
		return 1
	}

	log := logger.NewLogger(cfg.Logger.Level, cfg.Logger.JSON)
	log.Info("Logger initialized",
		"level", cfg.Logger.Level, "json", cfg.Logger.JSON, "environment", cfg.Environment)

	var store database.Store
	switch cfg.Database.Driver {
	case "sqlite":
		db, err := database.NewDB(cfg.Database.Path)
		if err != nil {
			log.Error("Failed to connect to database", "path", cfg.Database.Path, "error", err)
			return 1
		}
		defer database.CloseDB(db)
		store = database.NewStore(db, log)
	case "memory":
		log.Warn("Using the volatile in-memory store, all data is lost on exit")
		store = database.NewMemoryStore()
	default:
		log.Error("Unknown database driver", "driver", cfg.Database.Driver)
		return 1
	}

	var bus broker.EventBus
	if cfg.Broker.Enabled {
		rabbit := broker.NewRabbit(cfg.Broker, log)
		// Enabled-but-unreachable is a hard startup failure; the emitter is
		// never a silent failover from a broker error.
		if err := rabbit.EnsureConnected(ctx); err != nil {
			log.Error("Failed to connect to broker", "url", cfg.Broker.URL, "error", err)
			return 1
		}
		bus = rabbit
	} else {
		log.Warn("Broker disabled, using the in-process event emitter")
		bus = broker.NewEmitter(log)
	}
	defer func() {
		if err := bus.Close(); err != nil {
			log.Error("Error closing event bus", "error", err)
		}
	}()

	// Channel adapters are provisioned by the embedding deployment; this
	// standalone process starts with none and serves the inbound pipeline.
	adapters := send.NewAdapterRegistry()

	application, err := app.New(log, cfg, store, bus, adapters)
	if err != nil {
		log.Error("Failed to assemble pipeline", "error", err)
		return 1
	}

	log.Info("Starting courier...")
	runErr := application.Run(ctx)
	log.Info("Run loop finished. Initiating shutdown...")

	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		log.Error("Courier stopped due to error", "error", runErr)
		time.Sleep(time.Second)
		return 1
	}

	log.Info("Courier stopped gracefully.")
	time.Sleep(time.Second)
	return 0
}
