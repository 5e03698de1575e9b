package broker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/chatwire/courier/internal/config"
)

// ErrBrokerUnavailable is returned when the broker is enabled but a publish
// cannot reach it. Callers must not swallow this: with the broker enabled,
// dropping events silently is never acceptable.
var ErrBrokerUnavailable = errors.New("broker unavailable")

// Rabbit is the EventBus over a durable RabbitMQ topic exchange. The channel
// handle is cached and invalidated on close notifications, so the next
// publish or subscribe reconnects instead of operating on a dead handle.
type Rabbit struct {
	cfg    config.BrokerConfig
	logger *slog.Logger

	mu      sync.Mutex
	conn    *amqp.Connection
	ch      *amqp.Channel
	lastErr error
	closed  bool
}

// NewRabbit creates an unconnected RabbitMQ bus. EnsureConnected (or the
// first publish) dials.
func NewRabbit(cfg config.BrokerConfig, logger *slog.Logger) *Rabbit {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Rabbit{
		cfg:    cfg,
		logger: logger.With("component", "broker"),
	}
}

// EnsureConnected dials the broker if needed and declares the primary, retry
// and dead-letter exchanges (all durable topic exchanges).
func (r *Rabbit) EnsureConnected(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, err := r.channelLocked(ctx)
	return err
}

// Channel returns a live channel, reconnecting if the cached one was lost.
// The dispatcher uses it for queue declarations and consumption.
func (r *Rabbit) Channel(ctx context.Context) (*amqp.Channel, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.channelLocked(ctx)
}

func (r *Rabbit) channelLocked(ctx context.Context) (*amqp.Channel, error) {
	if r.closed {
		return nil, fmt.Errorf("%w: bus closed", ErrBrokerUnavailable)
	}
	if r.ch != nil {
		return r.ch, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	conn, err := amqp.Dial(r.cfg.URL)
	if err != nil {
		r.lastErr = err
		return nil, fmt.Errorf("%w: dial: %v", ErrBrokerUnavailable, err)
	}

	ch, err := conn.Channel()
	if err != nil {
		r.lastErr = err
		_ = conn.Close()
		return nil, fmt.Errorf("%w: open channel: %v", ErrBrokerUnavailable, err)
	}

	for _, exchange := range []string{r.cfg.Exchange, r.cfg.RetryExchange, r.cfg.DeadLetterExchange} {
		if err := ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
			r.lastErr = err
			_ = conn.Close()
			return nil, fmt.Errorf("%w: declare exchange %s: %v", ErrBrokerUnavailable, exchange, err)
		}
	}

	// Invalidate the cached handle when the broker closes it under us.
	closings := ch.NotifyClose(make(chan *amqp.Error, 1))
	go func() {
		reason, ok := <-closings
		if !ok {
			return
		}
		r.mu.Lock()
		if r.ch == ch {
			r.ch = nil
			r.conn = nil
			r.lastErr = reason
		}
		r.mu.Unlock()
		r.logger.Warn("Broker channel lost, will reconnect on next use", "error", reason)
	}()

	r.conn = conn
	r.ch = ch
	r.lastErr = nil
	r.logger.Info("Connected to broker",
		"exchange", r.cfg.Exchange,
		"retry_exchange", r.cfg.RetryExchange,
		"dead_letter_exchange", r.cfg.DeadLetterExchange)
	return ch, nil
}

// Publish sends payload to the primary exchange under the given routing key.
// Messages are persistent; a failed publish invalidates the cached channel
// and surfaces ErrBrokerUnavailable.
func (r *Rabbit) Publish(ctx context.Context, topic string, payload []byte) error {
	r.mu.Lock()
	ch, err := r.channelLocked(ctx)
	r.mu.Unlock()
	if err != nil {
		return err
	}

	err = ch.PublishWithContext(ctx, r.cfg.Exchange, topic, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Body:         payload,
	})
	if err != nil {
		r.invalidate(ch, err)
		return fmt.Errorf("%w: publish %s: %v", ErrBrokerUnavailable, topic, err)
	}
	return nil
}

// Subscribe binds a server-named queue to the primary exchange with the given
// pattern and feeds deliveries to the handler. Used for lightweight fan-out
// consumers; the pipeline's own queues go through the dispatcher instead.
func (r *Rabbit) Subscribe(topic string, handler HandlerFunc) error {
	ctx := context.Background()
	r.mu.Lock()
	ch, err := r.channelLocked(ctx)
	r.mu.Unlock()
	if err != nil {
		return err
	}

	q, err := ch.QueueDeclare("", false, true, true, false, nil)
	if err != nil {
		return fmt.Errorf("%w: declare queue: %v", ErrBrokerUnavailable, err)
	}
	if err := ch.QueueBind(q.Name, topic, r.cfg.Exchange, false, nil); err != nil {
		return fmt.Errorf("%w: bind %s: %v", ErrBrokerUnavailable, topic, err)
	}

	deliveries, err := ch.Consume(q.Name, "", false, true, false, false, nil)
	if err != nil {
		return fmt.Errorf("%w: consume %s: %v", ErrBrokerUnavailable, q.Name, err)
	}

	go func() {
		for d := range deliveries {
			if err := handler(ctx, d.Body); err != nil {
				r.logger.Warn("Subscriber handler failed", "topic", topic, "error", err)
				_ = d.Nack(false, false)
				continue
			}
			_ = d.Ack(false)
		}
	}()
	return nil
}

// Health reports the connection snapshot.
func (r *Rabbit) Health() Health {
	r.mu.Lock()
	defer r.mu.Unlock()

	h := Health{Connected: r.ch != nil}
	if r.lastErr != nil {
		h.Error = r.lastErr.Error()
	}
	return h
}

// Close shuts the connection down for good.
func (r *Rabbit) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.closed = true
	r.ch = nil
	if r.conn != nil {
		err := r.conn.Close()
		r.conn = nil
		return err
	}
	return nil
}

func (r *Rabbit) invalidate(ch *amqp.Channel, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.ch == ch {
		r.ch = nil
		r.conn = nil
		r.lastErr = err
	}
}
