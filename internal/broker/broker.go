// Package broker provides the event bus over a RabbitMQ topic exchange, with
// an in-process emitter as the explicit non-production fallback.
package broker

import "context"

// HandlerFunc consumes one published payload. Errors are the subscriber's to
// report; the bus does not retry (that is the dispatcher's job).
type HandlerFunc func(ctx context.Context, payload []byte) error

// Health is a point-in-time snapshot of the bus connection.
type Health struct {
	Connected bool   `json:"connected"`
	Disabled  bool   `json:"disabled"`
	Error     string `json:"error,omitempty"`
}

// EventBus is the publish/subscribe surface used by the pipeline. Two
// implementations exist: Rabbit (durable topic exchange) and Emitter
// (in-process, selected only when the broker is explicitly disabled). The
// implementation is chosen once at process start and injected; there is no
// silent failover from a broker error to the emitter.
type EventBus interface {
	// Publish sends payload under the given routing key. When the broker is
	// enabled but unreachable this fails loudly rather than dropping.
	Publish(ctx context.Context, topic string, payload []byte) error

	// Subscribe registers a handler for a topic pattern (AMQP-style, with *
	// and # wildcards on the emitter too).
	Subscribe(topic string, handler HandlerFunc) error

	// EnsureConnected establishes the connection and declares the exchanges.
	EnsureConnected(ctx context.Context) error

	// Health reports the current connection state.
	Health() Health

	// Close tears the bus down.
	Close() error
}
