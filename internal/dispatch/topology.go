package dispatch

import (
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/chatwire/courier/internal/config"
)

// QueueSpec names a consumer queue and the routing keys it binds on the
// primary exchange.
type QueueSpec struct {
	Name     string
	Bindings []string
}

// RetryQueueName and DLQName derive the companion queue names.
func (q QueueSpec) RetryQueueName() string { return q.Name + ".retry" }
func (q QueueSpec) DLQName() string        { return q.Name + ".dlq" }

// DeclareTopology declares the three constructs for one consumer queue:
//
//   - the main queue, bound to the primary exchange per routing key;
//   - the retry queue, bound to the retry exchange with a fixed message TTL
//     and dead-lettering back to the primary exchange, so a republished
//     message sits out the delay and then re-enters the main queue;
//   - the DLQ, bound catch-all to the dead-letter exchange.
//
// Exchanges themselves are declared by the broker adapter on connect.
func DeclareTopology(ch *amqp.Channel, broker config.BrokerConfig, queue QueueSpec, retryDelay time.Duration) error {
	if _, err := ch.QueueDeclare(queue.Name, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare queue %s: %w", queue.Name, err)
	}
	for _, key := range queue.Bindings {
		if err := ch.QueueBind(queue.Name, key, broker.Exchange, false, nil); err != nil {
			return fmt.Errorf("bind %s to %s: %w", queue.Name, key, err)
		}
	}

	retryArgs := amqp.Table{
		"x-message-ttl":          retryDelay.Milliseconds(),
		"x-dead-letter-exchange": broker.Exchange,
	}
	if _, err := ch.QueueDeclare(queue.RetryQueueName(), true, false, false, false, retryArgs); err != nil {
		return fmt.Errorf("declare retry queue %s: %w", queue.RetryQueueName(), err)
	}
	for _, key := range queue.Bindings {
		if err := ch.QueueBind(queue.RetryQueueName(), key, broker.RetryExchange, false, nil); err != nil {
			return fmt.Errorf("bind retry queue to %s: %w", key, err)
		}
	}

	if _, err := ch.QueueDeclare(queue.DLQName(), true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare DLQ %s: %w", queue.DLQName(), err)
	}
	if err := ch.QueueBind(queue.DLQName(), "#", broker.DeadLetterExchange, false, nil); err != nil {
		return fmt.Errorf("bind DLQ catch-all: %w", err)
	}

	return nil
}
