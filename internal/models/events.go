package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Routing keys for the topic exchange. Channel adapters publish the first
// two; the processing service publishes the derived conversation.* events
// consumed by the realtime fan-out.
const (
	TopicInboundMessage       = "channel.message.received"
	TopicDeliveryStatus       = "channel.message.status"
	TopicMessageCreated       = "conversation.message.created"
	TopicMessageStatusUpdated = "conversation.message.status_updated"
)

// EventMeta is the envelope every event carries. EventID is
// generator-assigned and distinct from any ledger dedup key.
type EventMeta struct {
	EventID    string    `json:"eventId"`
	OccurredAt time.Time `json:"occurredAt"`
}

// NewEventMeta stamps a fresh envelope.
func NewEventMeta() EventMeta {
	return EventMeta{
		EventID:    uuid.NewString(),
		OccurredAt: time.Now().UTC(),
	}
}

// InboundMessagePayload is the kind-tagged body of an inbound message event.
// Content stays raw until the processing service decodes it against the kind.
type InboundMessagePayload struct {
	Kind    MessageKind     `json:"kind"`
	Content json.RawMessage `json:"content"`
}

// InboundMessageEvent is published by a channel adapter when a provider
// delivers a new message.
type InboundMessageEvent struct {
	EventMeta
	Channel            Channel            `json:"channel"`
	AccountID          string             `json:"accountId"`
	ConversationRef    ConversationRef    `json:"conversationRef"`
	ExternalMessageRef ExternalMessageRef `json:"externalMessageRef"`
	Sender             Sender             `json:"sender"`
	Message            InboundMessagePayload `json:"message"`
}

// DeliveryStatusEvent is published by a channel adapter when a provider
// reports a delivery state transition for an earlier message.
type DeliveryStatusEvent struct {
	EventMeta
	Channel            Channel            `json:"channel"`
	AccountID          string             `json:"accountId"`
	DeliveryRequestID  string             `json:"deliveryRequestId,omitempty"`
	ClientMessageID    string             `json:"clientMessageId,omitempty"`
	ExternalMessageRef ExternalMessageRef `json:"externalMessageRef"`
	Status             string             `json:"status"`
	Reason             string             `json:"reason,omitempty"`
	IsFinal            bool               `json:"isFinal"`
}

// MessageCreatedEvent is the derived internal event emitted once per accepted
// inbound message, consumed by the realtime fan-out.
type MessageCreatedEvent struct {
	EventMeta
	MessageID      string      `json:"messageId"`
	ConversationID string      `json:"conversationId"`
	Direction      Direction   `json:"direction"`
	Kind           MessageKind `json:"kind"`
	SenderID       string      `json:"senderId"`
	Channel        Channel     `json:"channel"`
	AccountID      string      `json:"accountId"`
}

// MessageStatusUpdatedEvent is the derived internal event emitted once per
// applied delivery state transition.
type MessageStatusUpdatedEvent struct {
	EventMeta
	MessageID      string  `json:"messageId"`
	ConversationID string  `json:"conversationId"`
	NewStatus      string  `json:"newStatus"`
	IsFinal        bool    `json:"isFinal"`
	Channel        Channel `json:"channel"`
	AccountID      string  `json:"accountId"`
}
