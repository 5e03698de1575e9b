package processing

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chatwire/courier/internal/broker"
	"github.com/chatwire/courier/internal/database"
	"github.com/chatwire/courier/internal/dedup"
	"github.com/chatwire/courier/internal/models"
)

// captureBus records publishes synchronously so tests can assert on derived
// events without timing games.
type captureBus struct {
	mu         sync.Mutex
	publishErr error
	published  []capturedEvent
}

type capturedEvent struct {
	topic   string
	payload []byte
}

func (b *captureBus) Publish(_ context.Context, topic string, payload []byte) error {
	if b.publishErr != nil {
		return b.publishErr
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	body := make([]byte, len(payload))
	copy(body, payload)
	b.published = append(b.published, capturedEvent{topic: topic, payload: body})
	return nil
}

func (b *captureBus) Subscribe(string, broker.HandlerFunc) error { return nil }
func (b *captureBus) EnsureConnected(context.Context) error      { return nil }
func (b *captureBus) Health() broker.Health                      { return broker.Health{Connected: true} }
func (b *captureBus) Close() error                               { return nil }

func (b *captureBus) byTopic(topic string) []capturedEvent {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []capturedEvent
	for _, e := range b.published {
		if e.topic == topic {
			out = append(out, e)
		}
	}
	return out
}

func newTestService(t *testing.T) (*Service, database.Store, *captureBus) {
	t.Helper()
	store := database.NewMemoryStore()
	bus := &captureBus{}
	svc := NewService(store, dedup.NewService(store, nil), bus, nil)
	return svc, store, bus
}

func inboundEvent(eventID, externalID string) models.InboundMessageEvent {
	return models.InboundMessageEvent{
		EventMeta:          models.EventMeta{EventID: eventID, OccurredAt: time.Now().UTC()},
		Channel:            models.ChannelWhatsApp,
		AccountID:          "acc1",
		ConversationRef:    models.ConversationRef{Type: "phone", ID: "+551199"},
		ExternalMessageRef: models.ExternalMessageRef{ID: externalID},
		Sender:             models.Sender{ID: "user-1", DisplayName: "User One"},
		Message: models.InboundMessagePayload{
			Kind:    models.KindText,
			Content: json.RawMessage(`{"text":"hello","format":"PLAIN"}`),
		},
	}
}

func statusEvent(eventID, externalID, status string, isFinal bool) models.DeliveryStatusEvent {
	return models.DeliveryStatusEvent{
		EventMeta:          models.EventMeta{EventID: eventID, OccurredAt: time.Now().UTC()},
		Channel:            models.ChannelWhatsApp,
		AccountID:          "acc1",
		ExternalMessageRef: models.ExternalMessageRef{ID: externalID},
		Status:             status,
		IsFinal:            isFinal,
	}
}

func TestProcessInboundMessageStoresAndPublishes(t *testing.T) {
	svc, store, bus := newTestService(t)
	ctx := context.Background()

	require.NoError(t, svc.ProcessInboundMessage(ctx, inboundEvent("evt-1", "ext-1")))

	msg, err := store.FindMessageByExternalID(ctx, models.ChannelWhatsApp, "acc1", "ext-1")
	require.NoError(t, err)
	assert.Equal(t, models.DirectionInbound, msg.Direction)
	assert.Equal(t, models.TextContent{Text: "hello", Format: "PLAIN"}, msg.Content)
	assert.Equal(t, "user-1", msg.SenderID)

	created := bus.byTopic(models.TopicMessageCreated)
	require.Len(t, created, 1)

	var event models.MessageCreatedEvent
	require.NoError(t, json.Unmarshal(created[0].payload, &event))
	assert.Equal(t, msg.ID, event.MessageID)
	assert.Equal(t, msg.ConversationID, event.ConversationID)
	assert.NotEqual(t, "evt-1", event.EventID, "derived event carries a fresh id")
}

func TestProcessInboundMessageRedeliveryIsNoOp(t *testing.T) {
	svc, store, bus := newTestService(t)
	ctx := context.Background()

	event := inboundEvent("evt-1", "ext-1")
	require.NoError(t, svc.ProcessInboundMessage(ctx, event))
	require.NoError(t, svc.ProcessInboundMessage(ctx, event))

	conv, err := store.UpsertConversation(ctx, "acc1", models.ChannelWhatsApp,
		models.ConversationRef{Type: "phone", ID: "+551199"})
	require.NoError(t, err)
	msgs, err := store.ListMessages(ctx, conv.ID, "", 10, 0)
	require.NoError(t, err)
	assert.Len(t, msgs, 1, "redelivery must not create a second row")
	assert.Len(t, bus.byTopic(models.TopicMessageCreated), 1, "redelivery must not publish a second event")
}

func TestProcessInboundMessageDuplicateRowCompletesMark(t *testing.T) {
	svc, store, bus := newTestService(t)
	ctx := context.Background()

	// First attempt stored the row but the ledger mark was lost.
	require.NoError(t, svc.ProcessInboundMessage(ctx, inboundEvent("evt-1", "ext-1")))
	dedupKey := "msg:WHATSAPP:acc1:ext-1"
	require.NoError(t, store.DeleteProcessed(ctx, dedupKey))

	require.NoError(t, svc.ProcessInboundMessage(ctx, inboundEvent("evt-1", "ext-1")))

	processed, err := store.IsProcessed(ctx, dedupKey)
	require.NoError(t, err)
	assert.True(t, processed, "the retry must complete the lost ledger mark")
	assert.Len(t, bus.byTopic(models.TopicMessageCreated), 1, "completing the mark must not re-publish")
}

func TestProcessInboundMessageUnprocessableContent(t *testing.T) {
	svc, _, bus := newTestService(t)

	event := inboundEvent("evt-1", "ext-1")
	event.Message.Kind = models.MessageKind("STICKER")

	err := svc.ProcessInboundMessage(context.Background(), event)
	require.Error(t, err)
	assert.ErrorIs(t, err, models.ErrUnprocessable)
	assert.Empty(t, bus.published)
}

func TestProcessDeliveryStatusUpdate(t *testing.T) {
	svc, _, bus := newTestService(t)
	ctx := context.Background()

	require.NoError(t, svc.ProcessInboundMessage(ctx, inboundEvent("evt-1", "ext-1")))
	require.NoError(t, svc.ProcessDeliveryStatusUpdate(ctx, statusEvent("evt-2", "ext-1", "DELIVERED", false)))

	updated := bus.byTopic(models.TopicMessageStatusUpdated)
	require.Len(t, updated, 1)

	var event models.MessageStatusUpdatedEvent
	require.NoError(t, json.Unmarshal(updated[0].payload, &event))
	assert.Equal(t, "DELIVERED", event.NewStatus)
	assert.False(t, event.IsFinal)
}

func TestProcessDeliveryStatusOrphanIsAbsorbed(t *testing.T) {
	svc, _, bus := newTestService(t)
	ctx := context.Background()

	event := statusEvent("evt-1", "ext-unknown", "DELIVERED", false)
	require.NoError(t, svc.ProcessDeliveryStatusUpdate(ctx, event))
	assert.Empty(t, bus.byTopic(models.TopicMessageStatusUpdated))

	// The orphan is remembered: replaying the same transition stays a no-op.
	require.NoError(t, svc.ProcessDeliveryStatusUpdate(ctx, event))
	assert.Empty(t, bus.byTopic(models.TopicMessageStatusUpdated))
}

func TestProcessDeliveryStatusStaleAfterFinal(t *testing.T) {
	svc, _, bus := newTestService(t)
	ctx := context.Background()

	require.NoError(t, svc.ProcessInboundMessage(ctx, inboundEvent("evt-1", "ext-1")))
	require.NoError(t, svc.ProcessDeliveryStatusUpdate(ctx, statusEvent("evt-2", "ext-1", "READ", true)))

	// A late transition after the final status is absorbed, not an error.
	require.NoError(t, svc.ProcessDeliveryStatusUpdate(ctx, statusEvent("evt-3", "ext-1", "DELIVERED", false)))
	assert.Len(t, bus.byTopic(models.TopicMessageStatusUpdated), 1)
}

func TestProcessDeliveryStatusResolvesByClientID(t *testing.T) {
	svc, store, bus := newTestService(t)
	ctx := context.Background()

	conv, err := store.UpsertConversation(ctx, "acc1", models.ChannelWhatsApp,
		models.ConversationRef{Type: "phone", ID: "+551199"})
	require.NoError(t, err)

	outbound := &models.Message{
		ID:              "out-1",
		ConversationID:  conv.ID,
		Channel:         models.ChannelWhatsApp,
		AccountID:       "acc1",
		Direction:       models.DirectionOutbound,
		ClientMessageID: nullString("cli-1"),
		Kind:            models.KindText,
		Content:         models.TextContent{Text: "hi", Format: "PLAIN"},
		SenderID:        "agent-1",
		OccurredAt:      time.Now().UTC(),
	}
	require.NoError(t, store.CreateMessage(ctx, outbound))

	event := statusEvent("evt-1", "", "SENT", false)
	event.ClientMessageID = "cli-1"
	require.NoError(t, svc.ProcessDeliveryStatusUpdate(ctx, event))

	updated := bus.byTopic(models.TopicMessageStatusUpdated)
	require.Len(t, updated, 1)
	var derived models.MessageStatusUpdatedEvent
	require.NoError(t, json.Unmarshal(updated[0].payload, &derived))
	assert.Equal(t, "out-1", derived.MessageID)
}

func TestProcessInboundPublishFailurePropagates(t *testing.T) {
	store := database.NewMemoryStore()
	bus := &captureBus{publishErr: errors.New("broker unavailable")}
	svc := NewService(store, dedup.NewService(store, nil), bus, nil)

	err := svc.ProcessInboundMessage(context.Background(), inboundEvent("evt-1", "ext-1"))
	require.Error(t, err, "a lost derived event must surface so the dispatcher retries")
}

func TestInboundMessageHandlerRejectsMalformedJSON(t *testing.T) {
	svc, _, _ := newTestService(t)

	err := svc.InboundMessageHandler()(context.Background(), []byte(`{"eventId":`))
	require.Error(t, err)
	assert.ErrorIs(t, err, models.ErrUnprocessable)
}

func TestDeliveryStatusHandlerRoundTrip(t *testing.T) {
	svc, _, bus := newTestService(t)
	ctx := context.Background()

	require.NoError(t, svc.ProcessInboundMessage(ctx, inboundEvent("evt-1", "ext-1")))

	payload, err := json.Marshal(statusEvent("evt-2", "ext-1", "DELIVERED", false))
	require.NoError(t, err)
	require.NoError(t, svc.DeliveryStatusHandler()(ctx, payload))
	assert.Len(t, bus.byTopic(models.TopicMessageStatusUpdated), 1)
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: true}
}
