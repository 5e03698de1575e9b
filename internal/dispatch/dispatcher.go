// Package dispatch wraps broker consumption with bounded-retry-then-dead-letter
// semantics. Each consumer queue gets three broker constructs: the main queue
// on the primary exchange, a retry queue on the retry exchange (message TTL +
// dead-letter back to the primary exchange, producing delay-then-requeue
// without a scheduler), and a DLQ on the dead-letter exchange.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"

	"github.com/chatwire/courier/internal/models"
)

// Header keys attached to retried and dead-lettered messages.
const (
	HeaderRetryCount = "x-retry-count"
	HeaderError      = "x-error"
)

// Delivery abstracts one consumed broker message so the retry/DLQ algorithm
// is testable without a broker.
type Delivery interface {
	Body() []byte
	RoutingKey() string
	Headers() map[string]any
	Ack() error
	// NackRequeue negatively acknowledges with requeue so the broker
	// redelivers later instead of losing the message.
	NackRequeue() error
}

// RetryPublisher republishes messages to the retry exchange or the DLQ.
type RetryPublisher interface {
	PublishRetry(ctx context.Context, routingKey string, body []byte, headers map[string]any) error
	PublishDLQ(ctx context.Context, routingKey string, body []byte, headers map[string]any) error
}

// HandlerFunc processes one event payload. A returned error means retry,
// unless it wraps models.ErrUnprocessable, which goes straight to the DLQ.
type HandlerFunc func(ctx context.Context, body []byte) error

// Dispatcher routes consumed messages to routing-key-specific handlers and
// applies the retry/DLQ policy.
type Dispatcher struct {
	handlers   map[string]HandlerFunc
	publisher  RetryPublisher
	maxRetries int
	logger     *slog.Logger
}

// NewDispatcher creates a dispatcher with an empty handler registry.
func NewDispatcher(publisher RetryPublisher, maxRetries int, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Dispatcher{
		handlers:   make(map[string]HandlerFunc),
		publisher:  publisher,
		maxRetries: maxRetries,
		logger:     logger.With("component", "dispatcher"),
	}
}

// Register binds a handler to a routing key. Last registration wins.
func (d *Dispatcher) Register(routingKey string, handler HandlerFunc) {
	d.handlers[routingKey] = handler
}

// RoutingKeys lists the registered routing keys, for queue bindings.
func (d *Dispatcher) RoutingKeys() []string {
	keys := make([]string, 0, len(d.handlers))
	for k := range d.handlers {
		keys = append(keys, k)
	}
	return keys
}

// envelope is the minimal shape every event must parse to. Anything less is
// poison and never worth retrying.
type envelope struct {
	EventID string `json:"eventId"`
}

// Dispatch applies the per-message algorithm: parse, route, ack on success,
// bounded retry on failure, dead-letter on exhaustion or poison. Its own
// publish failures nack-with-requeue so the broker redelivers.
func (d *Dispatcher) Dispatch(ctx context.Context, delivery Delivery) {
	body := delivery.Body()
	routingKey := delivery.RoutingKey()
	log := d.logger.With("routing_key", routingKey)

	var env envelope
	if err := json.Unmarshal(body, &env); err != nil || env.EventID == "" {
		log.WarnContext(ctx, "Unparsable payload, dead-lettering without retry", "error", err)
		d.toDLQ(ctx, delivery, "malformed payload", retryCount(delivery.Headers()))
		return
	}
	log = log.With("event_id", env.EventID)

	handler, ok := d.handlers[routingKey]
	if !ok {
		// A binding/version mismatch, not a processing failure: ack and move on.
		log.WarnContext(ctx, "No handler for routing key, acknowledging")
		d.ack(ctx, delivery)
		return
	}

	err := handler(ctx, body)
	if err == nil {
		d.ack(ctx, delivery)
		return
	}

	if errors.Is(err, models.ErrUnprocessable) {
		log.WarnContext(ctx, "Unprocessable event, dead-lettering without retry", "error", err)
		d.toDLQ(ctx, delivery, err.Error(), retryCount(delivery.Headers()))
		return
	}

	attempts := retryCount(delivery.Headers())
	if attempts < d.maxRetries {
		headers := copyHeaders(delivery.Headers())
		headers[HeaderRetryCount] = attempts + 1
		if pubErr := d.publisher.PublishRetry(ctx, routingKey, body, headers); pubErr != nil {
			log.ErrorContext(ctx, "Failed to publish to retry exchange, requeueing",
				"error", pubErr, "handler_error", err)
			d.nackRequeue(ctx, delivery)
			return
		}
		log.WarnContext(ctx, "Handler failed, scheduled retry",
			"error", err, "retry_count", attempts+1, "max_retries", d.maxRetries)
		d.ack(ctx, delivery)
		return
	}

	log.ErrorContext(ctx, "Retries exhausted, dead-lettering",
		"error", err, "retry_count", attempts)
	d.toDLQ(ctx, delivery, err.Error(), attempts)
}

func (d *Dispatcher) toDLQ(ctx context.Context, delivery Delivery, reason string, attempts int) {
	headers := copyHeaders(delivery.Headers())
	headers[HeaderError] = reason
	headers[HeaderRetryCount] = attempts
	if err := d.publisher.PublishDLQ(ctx, delivery.RoutingKey(), delivery.Body(), headers); err != nil {
		d.logger.ErrorContext(ctx, "Failed to publish to DLQ, requeueing",
			"routing_key", delivery.RoutingKey(), "error", err)
		d.nackRequeue(ctx, delivery)
		return
	}
	d.ack(ctx, delivery)
}

func (d *Dispatcher) ack(ctx context.Context, delivery Delivery) {
	if err := delivery.Ack(); err != nil {
		d.logger.ErrorContext(ctx, "Failed to acknowledge delivery", "error", err)
	}
}

func (d *Dispatcher) nackRequeue(ctx context.Context, delivery Delivery) {
	if err := delivery.NackRequeue(); err != nil {
		d.logger.ErrorContext(ctx, "Failed to negatively acknowledge delivery", "error", err)
	}
}

// retryCount reads the x-retry-count header, defaulting to 0. AMQP tables
// deliver numbers in whichever integer width the publisher used.
func retryCount(headers map[string]any) int {
	v, ok := headers[HeaderRetryCount]
	if !ok {
		return 0
	}
	switch n := v.(type) {
	case int:
		return n
	case int8:
		return int(n)
	case int16:
		return int(n)
	case int32:
		return int(n)
	case int64:
		return int(n)
	case float64:
		return int(n)
	default:
		return 0
	}
}

func copyHeaders(headers map[string]any) map[string]any {
	copied := make(map[string]any, len(headers)+2)
	for k, v := range headers {
		copied[k] = v
	}
	return copied
}
