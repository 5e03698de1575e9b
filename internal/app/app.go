// Package app wires the pipeline components together and manages their
// lifecycle.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/chatwire/courier/internal/app/tasks"
	"github.com/chatwire/courier/internal/broker"
	"github.com/chatwire/courier/internal/config"
	"github.com/chatwire/courier/internal/database"
	"github.com/chatwire/courier/internal/dedup"
	"github.com/chatwire/courier/internal/dispatch"
	"github.com/chatwire/courier/internal/models"
	"github.com/chatwire/courier/internal/processing"
	"github.com/chatwire/courier/internal/send"
)

// App owns the assembled pipeline: store, bus, consumers, processing and the
// outbound orchestrator.
type App struct {
	logger       *slog.Logger
	cfg          *config.Config
	store        database.Store
	bus          broker.EventBus
	processing   *processing.Service
	orchestrator *send.Orchestrator
	consumer     *dispatch.Consumer
	scheduler    *Scheduler
}

// New assembles the pipeline on top of the already-constructed store, bus and
// channel adapters. When the broker is enabled, consumption runs through the
// retry/DLQ dispatcher; with the in-process emitter, handlers subscribe
// directly and failures are logged without retry.
func New(logger *slog.Logger, cfg *config.Config, store database.Store, bus broker.EventBus, adapters *send.AdapterRegistry) (*App, error) {
	dedupSvc := dedup.NewService(store, logger)
	processingSvc := processing.NewService(store, dedupSvc, bus, logger)
	orchestrator := send.NewOrchestrator(store, dedupSvc, adapters, logger)

	a := &App{
		logger:       logger.With("component", "app"),
		cfg:          cfg,
		store:        store,
		bus:          bus,
		processing:   processingSvc,
		orchestrator: orchestrator,
	}

	if cfg.Broker.Enabled {
		rabbit, ok := bus.(*broker.Rabbit)
		if !ok {
			return nil, fmt.Errorf("broker enabled but bus is not a RabbitMQ bus")
		}
		dispatcher := dispatch.NewDispatcher(
			dispatch.NewRetryPublisher(rabbit, cfg.Broker),
			cfg.Dispatch.MaxRetries,
			logger,
		)
		registerHandlers(dispatcher, processingSvc)
		a.consumer = dispatch.NewConsumer(rabbit, dispatcher, cfg.Broker, cfg.Dispatch, logger)
	} else {
		if err := subscribeEmitter(bus, processingSvc); err != nil {
			return nil, fmt.Errorf("failed to subscribe handlers: %w", err)
		}
	}

	taskMap := tasks.RegisterAllTasks(tasks.TaskDeps{
		Logger: logger,
		Store:  store,
		Bus:    bus,
	})
	scheduler, err := NewScheduler(logger, cfg.Health, taskMap)
	if err != nil {
		return nil, err
	}
	a.scheduler = scheduler

	return a, nil
}

// Orchestrator exposes the outbound send orchestrator for the API layer
// embedding this core.
func (a *App) Orchestrator() *send.Orchestrator { return a.orchestrator }

// Store exposes the query surface for the API layer.
func (a *App) Store() database.Store { return a.store }

// Run starts the consumers and the scheduler and blocks until the context is
// cancelled or a component fails.
func (a *App) Run(ctx context.Context) error {
	a.logger.Info("Starting pipeline...")

	g, gCtx := errgroup.WithContext(ctx)

	if a.consumer != nil {
		g.Go(func() error {
			if err := a.consumer.Run(gCtx); err != nil {
				a.logger.Error("Consumer stopped with error", "error", err)
				return fmt.Errorf("consumer stopped: %w", err)
			}
			return nil
		})
	}

	g.Go(func() error {
		if err := a.scheduler.Start(); err != nil {
			a.logger.Error("Failed to start scheduler", "error", err)
			return fmt.Errorf("failed to start scheduler: %w", err)
		}

		<-gCtx.Done()
		a.logger.Info("Shutdown signal received, stopping scheduler...")

		if err := a.scheduler.Stop(); err != nil {
			a.logger.Error("Error stopping scheduler", "error", err)
		}
		return nil
	})

	a.logger.Info("Pipeline running. Waiting for shutdown signal or error...")
	err := g.Wait()

	if err != nil && !errors.Is(err, context.Canceled) {
		a.logger.Error("Pipeline stopped due to error", "error", err)
		return err
	}

	a.logger.Info("Pipeline stopped gracefully.")
	return nil
}

func registerHandlers(dispatcher *dispatch.Dispatcher, svc *processing.Service) {
	dispatcher.Register(models.TopicInboundMessage, svc.InboundMessageHandler())
	dispatcher.Register(models.TopicDeliveryStatus, svc.DeliveryStatusHandler())
}

func subscribeEmitter(bus broker.EventBus, svc *processing.Service) error {
	if err := bus.Subscribe(models.TopicInboundMessage, svc.InboundMessageHandler()); err != nil {
		return err
	}
	return bus.Subscribe(models.TopicDeliveryStatus, svc.DeliveryStatusHandler())
}
