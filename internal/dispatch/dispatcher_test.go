package dispatch

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chatwire/courier/internal/models"
)

type fakeDelivery struct {
	body       []byte
	routingKey string
	headers    map[string]any

	acked    int
	requeued int
}

func (d *fakeDelivery) Body() []byte            { return d.body }
func (d *fakeDelivery) RoutingKey() string      { return d.routingKey }
func (d *fakeDelivery) Headers() map[string]any { return d.headers }
func (d *fakeDelivery) Ack() error              { d.acked++; return nil }
func (d *fakeDelivery) NackRequeue() error      { d.requeued++; return nil }

type publishCall struct {
	routingKey string
	body       []byte
	headers    map[string]any
}

type fakePublisher struct {
	retryErr error
	dlqErr   error
	retries  []publishCall
	dlq      []publishCall
}

func (p *fakePublisher) PublishRetry(_ context.Context, key string, body []byte, headers map[string]any) error {
	if p.retryErr != nil {
		return p.retryErr
	}
	p.retries = append(p.retries, publishCall{key, body, headers})
	return nil
}

func (p *fakePublisher) PublishDLQ(_ context.Context, key string, body []byte, headers map[string]any) error {
	if p.dlqErr != nil {
		return p.dlqErr
	}
	p.dlq = append(p.dlq, publishCall{key, body, headers})
	return nil
}

const validEvent = `{"eventId":"evt-1"}`

func newDelivery(body, key string, headers map[string]any) *fakeDelivery {
	if headers == nil {
		headers = map[string]any{}
	}
	return &fakeDelivery{body: []byte(body), routingKey: key, headers: headers}
}

func TestDispatchSuccessAcks(t *testing.T) {
	pub := &fakePublisher{}
	d := NewDispatcher(pub, 3, nil)

	var handled int
	d.Register("channel.message.received", func(context.Context, []byte) error {
		handled++
		return nil
	})

	delivery := newDelivery(validEvent, "channel.message.received", nil)
	d.Dispatch(context.Background(), delivery)

	assert.Equal(t, 1, handled)
	assert.Equal(t, 1, delivery.acked)
	assert.Empty(t, pub.retries)
	assert.Empty(t, pub.dlq)
}

func TestDispatchFailureSchedulesRetryWithIncrementedCount(t *testing.T) {
	pub := &fakePublisher{}
	d := NewDispatcher(pub, 3, nil)
	d.Register("channel.message.received", func(context.Context, []byte) error {
		return errors.New("transient store failure")
	})

	delivery := newDelivery(validEvent, "channel.message.received", map[string]any{HeaderRetryCount: int32(1)})
	d.Dispatch(context.Background(), delivery)

	require.Len(t, pub.retries, 1)
	assert.Equal(t, "channel.message.received", pub.retries[0].routingKey)
	assert.Equal(t, 2, pub.retries[0].headers[HeaderRetryCount])
	assert.Equal(t, 1, delivery.acked, "original delivery is acked once the retry copy is published")
	assert.Empty(t, pub.dlq)
}

func TestDispatchExhaustedRetriesDeadLetters(t *testing.T) {
	pub := &fakePublisher{}
	d := NewDispatcher(pub, 3, nil)
	d.Register("channel.message.received", func(context.Context, []byte) error {
		return fmt.Errorf("still failing")
	})

	delivery := newDelivery(validEvent, "channel.message.received", map[string]any{HeaderRetryCount: int64(3)})
	d.Dispatch(context.Background(), delivery)

	assert.Empty(t, pub.retries)
	require.Len(t, pub.dlq, 1)
	assert.Equal(t, "still failing", pub.dlq[0].headers[HeaderError])
	assert.Equal(t, 3, pub.dlq[0].headers[HeaderRetryCount])
	assert.Equal(t, 1, delivery.acked)
}

func TestDispatchPoisonPayloadDeadLettersImmediately(t *testing.T) {
	pub := &fakePublisher{}
	d := NewDispatcher(pub, 3, nil)
	d.Register("channel.message.received", func(context.Context, []byte) error {
		t.Fatal("handler must not run for an unparsable payload")
		return nil
	})

	delivery := newDelivery(`{"eventId":`, "channel.message.received", nil)
	d.Dispatch(context.Background(), delivery)

	require.Len(t, pub.dlq, 1)
	assert.Equal(t, "malformed payload", pub.dlq[0].headers[HeaderError])
	assert.Empty(t, pub.retries)
	assert.Equal(t, 1, delivery.acked)
}

func TestDispatchMissingEventIDIsPoison(t *testing.T) {
	pub := &fakePublisher{}
	d := NewDispatcher(pub, 3, nil)
	d.Register("channel.message.received", func(context.Context, []byte) error { return nil })

	delivery := newDelivery(`{"other":"field"}`, "channel.message.received", nil)
	d.Dispatch(context.Background(), delivery)

	require.Len(t, pub.dlq, 1)
}

func TestDispatchUnprocessableSkipsRetry(t *testing.T) {
	pub := &fakePublisher{}
	d := NewDispatcher(pub, 3, nil)
	d.Register("channel.message.received", func(context.Context, []byte) error {
		return fmt.Errorf("decode content: %w", models.ErrUnprocessable)
	})

	delivery := newDelivery(validEvent, "channel.message.received", nil)
	d.Dispatch(context.Background(), delivery)

	assert.Empty(t, pub.retries)
	require.Len(t, pub.dlq, 1)
	assert.Equal(t, 1, delivery.acked)
}

func TestDispatchUnhandledRoutingKeyAcks(t *testing.T) {
	pub := &fakePublisher{}
	d := NewDispatcher(pub, 3, nil)

	delivery := newDelivery(validEvent, "unknown.routing.key", nil)
	d.Dispatch(context.Background(), delivery)

	assert.Equal(t, 1, delivery.acked)
	assert.Empty(t, pub.retries)
	assert.Empty(t, pub.dlq)
}

func TestDispatchRetryPublishFailureRequeues(t *testing.T) {
	pub := &fakePublisher{retryErr: errors.New("broker unavailable")}
	d := NewDispatcher(pub, 3, nil)
	d.Register("channel.message.received", func(context.Context, []byte) error {
		return errors.New("transient")
	})

	delivery := newDelivery(validEvent, "channel.message.received", nil)
	d.Dispatch(context.Background(), delivery)

	assert.Equal(t, 0, delivery.acked)
	assert.Equal(t, 1, delivery.requeued, "losing the retry copy must not lose the message")
}

func TestDispatchDLQPublishFailureRequeues(t *testing.T) {
	pub := &fakePublisher{dlqErr: errors.New("broker unavailable")}
	d := NewDispatcher(pub, 0, nil)
	d.Register("channel.message.received", func(context.Context, []byte) error {
		return errors.New("failing")
	})

	delivery := newDelivery(validEvent, "channel.message.received", nil)
	d.Dispatch(context.Background(), delivery)

	assert.Equal(t, 0, delivery.acked)
	assert.Equal(t, 1, delivery.requeued)
}

func TestRetryCountHeaderWidths(t *testing.T) {
	tests := []struct {
		name  string
		value any
		want  int
	}{
		{"absent", nil, 0},
		{"int", int(2), 2},
		{"int8", int8(2), 2},
		{"int32", int32(2), 2},
		{"int64", int64(2), 2},
		{"float64", float64(2), 2},
		{"string is ignored", "2", 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			headers := map[string]any{}
			if tt.value != nil {
				headers[HeaderRetryCount] = tt.value
			}
			assert.Equal(t, tt.want, retryCount(headers))
		})
	}
}
