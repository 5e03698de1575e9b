// Package models defines the persisted entities, the message content sum type,
// and the event envelopes exchanged over the bus.
package models

import (
	"database/sql"
	"errors"
	"time"
)

// ErrUnprocessable marks a payload that can never be applied regardless of how
// often it is redelivered (malformed content, unknown kind). The dispatcher
// routes errors wrapping it straight to the dead-letter queue without retries.
var ErrUnprocessable = errors.New("unprocessable payload")

// Channel identifies a messaging provider integration.
type Channel string

const (
	ChannelWhatsApp Channel = "WHATSAPP"
	ChannelTelegram Channel = "TELEGRAM"
	ChannelSMS      Channel = "SMS"
	ChannelWebchat  Channel = "WEBCHAT"
)

// Valid reports whether the channel is one of the supported providers.
func (c Channel) Valid() bool {
	switch c {
	case ChannelWhatsApp, ChannelTelegram, ChannelSMS, ChannelWebchat:
		return true
	}
	return false
}

// Direction marks whether a message entered or left the platform.
type Direction string

const (
	DirectionInbound  Direction = "INBOUND"
	DirectionOutbound Direction = "OUTBOUND"
)

// ConversationRef is the provider-side reference identifying a conversation,
// e.g. {type:"phone", id:"+5511999999999"} or {type:"group", id:"g-42"}.
type ConversationRef struct {
	Type string `json:"type" validate:"required"`
	ID   string `json:"id"   validate:"required"`
}

// ExternalMessageRef carries the provider-assigned message id used to
// correlate inbound messages and later delivery reports.
type ExternalMessageRef struct {
	ID string `json:"id"`
}

// Sender describes the author of an inbound message.
type Sender struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName,omitempty"`
}

// Conversation groups messages exchanged with one provider-side peer.
// Identity is the (channel, account_id, ref_type, ref_id) tuple; the store
// enforces it with a unique index so concurrent upserts converge on one row.
type Conversation struct {
	ID        string    `db:"id"`
	Channel   Channel   `db:"channel"`
	AccountID string    `db:"account_id"`
	RefType   string    `db:"ref_type"`
	RefID     string    `db:"ref_id"`
	CreatedAt time.Time `db:"created_at"`
	UpdatedAt time.Time `db:"updated_at"`
}

// Ref returns the conversation reference as a value.
func (c *Conversation) Ref() ConversationRef {
	return ConversationRef{Type: c.RefType, ID: c.RefID}
}

// Message is an immutable record of one inbound or outbound message.
// ClientMessageID is caller-supplied (outbound correlation); ExternalMessageID
// is provider-assigned (inbound correlation). Channel and AccountID are
// denormalized from the conversation so correlation lookups need no join.
type Message struct {
	ID                string         `db:"id"`
	ConversationID    string         `db:"conversation_id"`
	Channel           Channel        `db:"channel"`
	AccountID         string         `db:"account_id"`
	Direction         Direction      `db:"direction"`
	ClientMessageID   sql.NullString `db:"client_message_id"`
	ExternalMessageID sql.NullString `db:"external_message_id"`
	Kind              MessageKind    `db:"kind"`
	Content           Content        `db:"-"`
	SenderID          string         `db:"sender_id"`
	OccurredAt        time.Time      `db:"occurred_at"`
	CreatedAt         time.Time      `db:"created_at"`
}

// DeliveryState is the single, overwritten delivery status row for a message.
// A final status is terminal: the store rejects later writes as stale.
type DeliveryState struct {
	MessageID string         `db:"message_id"`
	Status    string         `db:"status"`
	IsFinal   bool           `db:"is_final"`
	Reason    sql.NullString `db:"reason"`
	UpdatedAt time.Time      `db:"updated_at"`
}

// ProcessedEvent is one row of the idempotency ledger. Existence of a row for
// a dedup key is the sole authority for "already handled"; ResultRef
// optionally links the message or delivery request the event produced.
type ProcessedEvent struct {
	DedupKey    string         `db:"dedup_key"`
	EventID     string         `db:"event_id"`
	ProcessedAt time.Time      `db:"processed_at"`
	ResultRef   sql.NullString `db:"result_ref"`
}
