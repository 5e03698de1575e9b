// Package send implements the outbound send orchestrator: idempotent
// acceptance of send requests and hand-off to the channel adapter.
package send

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/chatwire/courier/internal/database"
	"github.com/chatwire/courier/internal/dedup"
	"github.com/chatwire/courier/internal/models"
)

// StatusAccepted is the delivery handle status: the request is accepted, not
// yet confirmed by the provider.
const StatusAccepted = "ACCEPTED"

// Request is one outbound send, as received from the API layer with the
// content already decoded into its kind variant.
type Request struct {
	Channel         models.Channel         `json:"channel"         validate:"required"`
	AccountID       string                 `json:"accountId"       validate:"required"`
	ConversationRef models.ConversationRef `json:"conversationRef" validate:"required"`
	Context         map[string]string      `json:"context,omitempty"`
	Message         OutboundMessage        `json:"message"         validate:"required"`
}

// OutboundMessage is the message portion of a send request.
type OutboundMessage struct {
	ClientMessageID string             `json:"clientMessageId" validate:"required"`
	Kind            models.MessageKind `json:"kind"            validate:"required"`
	Content         models.Content     `json:"content"`
}

// Handle is the synchronous response to an accepted send.
type Handle struct {
	DeliveryRequestID string `json:"deliveryRequestId"`
	Status            string `json:"status"`
}

// Orchestrator validates outbound requests, enforces idempotency-key
// semantics, hands accepted sends to the channel adapter, and records the
// outbound message.
//
// Idempotency uses replay semantics: a repeated key returns the originally
// issued delivery handle without touching the adapter again. The ledger
// reservation is a single conditional insert, so the duplicate-key conflict
// itself is the dedup signal; IDEMPOTENCY_CONFLICT only surfaces when the
// reserved row has no result yet, i.e. a concurrent first attempt is still in
// flight.
type Orchestrator struct {
	store    database.Store
	dedup    *dedup.Service
	adapters *AdapterRegistry
	validate *validator.Validate
	logger   *slog.Logger
}

// NewOrchestrator creates the outbound orchestrator.
func NewOrchestrator(store database.Store, dedupSvc *dedup.Service, adapters *AdapterRegistry, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Orchestrator{
		store:    store,
		dedup:    dedupSvc,
		adapters: adapters,
		validate: validator.New(),
		logger:   logger.With("component", "send"),
	}
}

// Send accepts one outbound request. idempotencyKey is the caller-supplied
// Idempotency-Key transport value and is mandatory.
func (o *Orchestrator) Send(ctx context.Context, idempotencyKey string, req Request) (*Handle, error) {
	if idempotencyKey == "" {
		return nil, newError(CodeMissingIdempotencyKey, "Idempotency-Key is required")
	}
	if !req.Channel.Valid() {
		return nil, newError(CodeUnsupportedChannel, fmt.Sprintf("channel %q is not supported", req.Channel))
	}
	adapter := o.adapters.Lookup(req.Channel)
	if adapter == nil {
		return nil, newError(CodeUnsupportedChannel, fmt.Sprintf("no adapter configured for channel %s", req.Channel))
	}

	if err := o.validate.Struct(req); err != nil {
		return nil, wrapError(CodeUnsupportedMessageType, "malformed send request", err)
	}
	if err := validateContent(req.Message.Kind, req.Message.Content); err != nil {
		return nil, err
	}

	key := o.dedup.SendKey(req.AccountID, idempotencyKey)
	log := o.logger.With("account_id", req.AccountID, "channel", req.Channel,
		"client_message_id", req.Message.ClientMessageID)

	deliveryRequestID := uuid.NewString()

	// Reserve the key with an atomic conditional insert. Losing the race (or
	// repeating a key) lands in the conflict arm.
	err := o.store.MarkProcessed(ctx, deliveryRequestID, key, "")
	if errors.Is(err, database.ErrDuplicateKey) {
		prev, findErr := o.store.FindProcessed(ctx, key)
		if findErr != nil {
			return nil, wrapError(CodeInternal, "failed to read idempotency record", findErr)
		}
		if prev.ResultRef.Valid && prev.ResultRef.String != "" {
			log.InfoContext(ctx, "Replaying idempotent send", "delivery_request_id", prev.ResultRef.String)
			return &Handle{DeliveryRequestID: prev.ResultRef.String, Status: StatusAccepted}, nil
		}
		return nil, newError(CodeIdempotencyConflict, "a send with this idempotency key is still in flight, retry shortly or use a new key")
	}
	if err != nil {
		return nil, wrapError(CodeInternal, "failed to reserve idempotency key", err)
	}

	handle, err := o.dispatch(ctx, adapter, deliveryRequestID, req)
	if err != nil {
		// Release the reservation so the caller can retry with the same key.
		if delErr := o.store.DeleteProcessed(ctx, key); delErr != nil {
			log.ErrorContext(ctx, "Failed to release idempotency reservation",
				"dedup_key", key, "error", delErr)
		}
		return nil, err
	}

	if err := o.store.SetProcessedResult(ctx, key, handle.DeliveryRequestID); err != nil {
		// The send already happened; losing the result only degrades a replay
		// into a conflict, so log and return the handle anyway.
		log.ErrorContext(ctx, "Failed to record idempotency result",
			"dedup_key", key, "error", err)
	}

	log.InfoContext(ctx, "Outbound send accepted", "delivery_request_id", handle.DeliveryRequestID)
	return handle, nil
}

func (o *Orchestrator) dispatch(ctx context.Context, adapter ChannelAdapter, deliveryRequestID string, req Request) (*Handle, error) {
	conv, err := o.store.UpsertConversation(ctx, req.AccountID, req.Channel, req.ConversationRef)
	if err != nil {
		return nil, wrapError(CodeInternal, "failed to upsert conversation", err)
	}

	now := time.Now().UTC()
	message := &models.Message{
		ID:              uuid.NewString(),
		ConversationID:  conv.ID,
		Channel:         req.Channel,
		AccountID:       req.AccountID,
		Direction:       models.DirectionOutbound,
		ClientMessageID: sql.NullString{String: req.Message.ClientMessageID, Valid: true},
		Kind:            req.Message.Kind,
		Content:         req.Message.Content,
		SenderID:        req.AccountID,
		OccurredAt:      now,
		CreatedAt:       now,
	}
	if err := o.store.CreateMessage(ctx, message); err != nil && !errors.Is(err, database.ErrDuplicateMessage) {
		return nil, wrapError(CodeInternal, "failed to record outbound message", err)
	}

	err = adapter.Send(ctx, AdapterRequest{
		DeliveryRequestID: deliveryRequestID,
		AccountID:         req.AccountID,
		ConversationRef:   req.ConversationRef,
		ClientMessageID:   req.Message.ClientMessageID,
		Kind:              req.Message.Kind,
		Content:           req.Message.Content,
	})
	if errors.Is(err, ErrAccountNotFound) {
		return nil, wrapError(CodeChannelAccountNotFound,
			fmt.Sprintf("account %s has no %s channel account", req.AccountID, req.Channel), err)
	}
	if err != nil {
		return nil, wrapError(CodeInternal, "channel adapter rejected the send", err)
	}

	return &Handle{DeliveryRequestID: deliveryRequestID, Status: StatusAccepted}, nil
}

// validateContent checks that the content variant matches the declared kind
// and that the kind-specific required fields are present.
func validateContent(kind models.MessageKind, content models.Content) error {
	if content == nil {
		return newError(CodeUnsupportedMessageType, "message content is required")
	}
	if content.Kind() != kind {
		return newError(CodeUnsupportedMessageType,
			fmt.Sprintf("content shape does not match kind %s", kind))
	}

	switch c := content.(type) {
	case models.TextContent:
		if c.Text == "" || c.Format == "" {
			return newError(CodeUnsupportedMessageType, "TEXT requires text and format")
		}
	case models.MediaContent:
		if c.MediaType == "" || (c.URL == "" && c.FileRef == "") {
			return newError(CodeUnsupportedMessageType, "MEDIA requires mediaType and a url or fileRef source")
		}
	case models.LocationContent:
		if c.Latitude < -90 || c.Latitude > 90 || c.Longitude < -180 || c.Longitude > 180 {
			return newError(CodeUnsupportedMessageType, "LOCATION requires valid latitude and longitude")
		}
	case models.ContactContent:
		if len(c.Contacts) == 0 {
			return newError(CodeUnsupportedMessageType, "CONTACT requires at least one contact")
		}
		for _, card := range c.Contacts {
			if card.DisplayName == "" || len(card.Phones) == 0 {
				return newError(CodeUnsupportedMessageType, "CONTACT entries require a display name and phone list")
			}
		}
	case models.InteractiveContent:
		if c.BodyText == "" || (len(c.Buttons) == 0 && len(c.ListRows) == 0) {
			return newError(CodeUnsupportedMessageType, "INTERACTIVE requires body text and button or list actions")
		}
	case models.ReactionContent:
		if c.TargetMessageID == "" || c.Emoji == "" {
			return newError(CodeUnsupportedMessageType, "REACTION requires a target message id and reaction value")
		}
	}
	return nil
}
