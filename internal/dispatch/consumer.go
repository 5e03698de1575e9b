package dispatch

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/chatwire/courier/internal/broker"
	"github.com/chatwire/courier/internal/config"
)

const reconnectBackoff = 5 * time.Second

// Consumer runs one queue's consumption loop against RabbitMQ, feeding each
// delivery to the dispatcher on its own goroutine. Concurrency is bounded by
// the broker-side prefetch: at most Prefetch deliveries are unacknowledged,
// and therefore in flight, at once.
type Consumer struct {
	bus        *broker.Rabbit
	dispatcher *Dispatcher
	brokerCfg  config.BrokerConfig
	cfg        config.DispatchConfig
	queue      QueueSpec
	logger     *slog.Logger
}

// NewConsumer wires a consumer for the configured queue. The queue binds the
// dispatcher's registered routing keys.
func NewConsumer(bus *broker.Rabbit, dispatcher *Dispatcher, brokerCfg config.BrokerConfig, cfg config.DispatchConfig, logger *slog.Logger) *Consumer {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Consumer{
		bus:        bus,
		dispatcher: dispatcher,
		brokerCfg:  brokerCfg,
		cfg:        cfg,
		queue: QueueSpec{
			Name:     cfg.Queue,
			Bindings: dispatcher.RoutingKeys(),
		},
		logger: logger.With("component", "consumer", "queue", cfg.Queue),
	}
}

// Run consumes until the context is cancelled. Lost channels are re-dialed
// with a fixed backoff; unacknowledged deliveries are redelivered by the
// broker after the connection drops, which is also what unsticks a handler
// that died mid-flight.
func (c *Consumer) Run(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return nil
		}

		deliveries, err := c.start(ctx)
		if err != nil {
			c.logger.ErrorContext(ctx, "Failed to start consuming, backing off",
				"error", err, "backoff", reconnectBackoff)
			if !sleepCtx(ctx, reconnectBackoff) {
				return nil
			}
			continue
		}

		c.logger.InfoContext(ctx, "Consuming",
			"bindings", c.queue.Bindings, "prefetch", c.cfg.Prefetch)

	consume:
		for {
			select {
			case <-ctx.Done():
				return nil
			case d, ok := <-deliveries:
				if !ok {
					c.logger.WarnContext(ctx, "Delivery channel closed, reconnecting")
					break consume
				}
				go c.dispatcher.Dispatch(ctx, &amqpDelivery{d: d})
			}
		}

		if !sleepCtx(ctx, reconnectBackoff) {
			return nil
		}
	}
}

func (c *Consumer) start(ctx context.Context) (<-chan amqp.Delivery, error) {
	ch, err := c.bus.Channel(ctx)
	if err != nil {
		return nil, err
	}
	if err := DeclareTopology(ch, c.brokerCfg, c.queue, c.cfg.RetryDelay); err != nil {
		return nil, err
	}
	if err := ch.Qos(c.cfg.Prefetch, 0, false); err != nil {
		return nil, fmt.Errorf("set prefetch: %w", err)
	}
	deliveries, err := ch.Consume(c.queue.Name, "", false, false, false, false, nil)
	if err != nil {
		return nil, fmt.Errorf("consume %s: %w", c.queue.Name, err)
	}
	return deliveries, nil
}

// NewRetryPublisher returns the RetryPublisher backed by the bus channel,
// publishing to the retry and dead-letter exchanges.
func NewRetryPublisher(bus *broker.Rabbit, brokerCfg config.BrokerConfig) RetryPublisher {
	return &rabbitRetryPublisher{bus: bus, cfg: brokerCfg}
}

type rabbitRetryPublisher struct {
	bus *broker.Rabbit
	cfg config.BrokerConfig
}

func (p *rabbitRetryPublisher) PublishRetry(ctx context.Context, routingKey string, body []byte, headers map[string]any) error {
	return p.publish(ctx, p.cfg.RetryExchange, routingKey, body, headers)
}

func (p *rabbitRetryPublisher) PublishDLQ(ctx context.Context, routingKey string, body []byte, headers map[string]any) error {
	return p.publish(ctx, p.cfg.DeadLetterExchange, routingKey, body, headers)
}

func (p *rabbitRetryPublisher) publish(ctx context.Context, exchange, routingKey string, body []byte, headers map[string]any) error {
	ch, err := p.bus.Channel(ctx)
	if err != nil {
		return err
	}
	err = ch.PublishWithContext(ctx, exchange, routingKey, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Headers:      amqp.Table(headers),
		Body:         body,
	})
	if err != nil {
		return fmt.Errorf("%w: publish to %s: %v", broker.ErrBrokerUnavailable, exchange, err)
	}
	return nil
}

// amqpDelivery adapts amqp091.Delivery to the Delivery seam.
type amqpDelivery struct {
	d amqp.Delivery
}

func (a *amqpDelivery) Body() []byte            { return a.d.Body }
func (a *amqpDelivery) RoutingKey() string      { return a.d.RoutingKey }
func (a *amqpDelivery) Headers() map[string]any { return a.d.Headers }
func (a *amqpDelivery) Ack() error              { return a.d.Ack(false) }
func (a *amqpDelivery) NackRequeue() error      { return a.d.Nack(false, true) }

// sleepCtx sleeps for d, returning false if the context ended first.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

var _ Delivery = (*amqpDelivery)(nil)
