package broker

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"sync"
)

// Emitter is the in-process EventBus used when the broker is explicitly
// disabled (development, tests). It mimics topic-exchange routing including
// * and # wildcards, dispatches each handler on its own goroutine, and never
// retries; the config layer rejects it in production.
type Emitter struct {
	logger *slog.Logger

	mu     sync.RWMutex
	subs   map[string][]HandlerFunc
	closed bool
	wg     sync.WaitGroup
}

// NewEmitter creates an empty in-process bus.
func NewEmitter(logger *slog.Logger) *Emitter {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Emitter{
		logger: logger.With("component", "emitter"),
		subs:   make(map[string][]HandlerFunc),
	}
}

// Publish routes payload to every subscription whose pattern matches topic.
func (e *Emitter) Publish(ctx context.Context, topic string, payload []byte) error {
	e.mu.RLock()
	var handlers []HandlerFunc
	for pattern, fns := range e.subs {
		if MatchTopic(pattern, topic) {
			handlers = append(handlers, fns...)
		}
	}
	closed := e.closed
	e.mu.RUnlock()

	if closed {
		return nil
	}

	body := make([]byte, len(payload))
	copy(body, payload)

	for _, h := range handlers {
		h := h
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			if err := h(context.WithoutCancel(ctx), body); err != nil {
				e.logger.Warn("Emitter handler failed", "topic", topic, "error", err)
			}
		}()
	}
	return nil
}

// Subscribe registers a handler for a topic pattern.
func (e *Emitter) Subscribe(topic string, handler HandlerFunc) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.subs[topic] = append(e.subs[topic], handler)
	return nil
}

// EnsureConnected is a no-op; the emitter is always "connected".
func (e *Emitter) EnsureConnected(context.Context) error { return nil }

// Health reports the emitter as a deliberately disabled broker.
func (e *Emitter) Health() Health {
	return Health{Connected: true, Disabled: true}
}

// Close stops accepting publishes and waits for in-flight handlers.
func (e *Emitter) Close() error {
	e.mu.Lock()
	e.closed = true
	e.mu.Unlock()
	e.wg.Wait()
	return nil
}

// MatchTopic implements AMQP topic-exchange matching: segments split on dots,
// * matches exactly one segment, # matches zero or more.
func MatchTopic(pattern, topic string) bool {
	return matchSegments(strings.Split(pattern, "."), strings.Split(topic, "."))
}

func matchSegments(pattern, topic []string) bool {
	if len(pattern) == 0 {
		return len(topic) == 0
	}
	switch pattern[0] {
	case "#":
		if matchSegments(pattern[1:], topic) {
			return true
		}
		if len(topic) == 0 {
			return false
		}
		return matchSegments(pattern, topic[1:])
	case "*":
		if len(topic) == 0 {
			return false
		}
		return matchSegments(pattern[1:], topic[1:])
	default:
		if len(topic) == 0 || pattern[0] != topic[0] {
			return false
		}
		return matchSegments(pattern[1:], topic[1:])
	}
}
