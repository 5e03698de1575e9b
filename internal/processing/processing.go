// Package processing orchestrates inbound message creation and delivery
// status application: dedup gate, store writes, and derived event publication.
package processing

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/chatwire/courier/internal/broker"
	"github.com/chatwire/courier/internal/database"
	"github.com/chatwire/courier/internal/dedup"
	"github.com/chatwire/courier/internal/models"
)

// Service applies inbound provider events to the message store and publishes
// the derived conversation.* events consumed by the realtime fan-out.
type Service struct {
	store  database.Store
	dedup  *dedup.Service
	bus    broker.EventBus
	logger *slog.Logger
}

// NewService creates the processing service.
func NewService(store database.Store, dedupSvc *dedup.Service, bus broker.EventBus, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Service{
		store:  store,
		dedup:  dedupSvc,
		bus:    bus,
		logger: logger.With("component", "processing"),
	}
}

// ProcessInboundMessage applies one inbound provider event. Redeliveries are
// no-ops via the dedup ledger. Store failures between the dedup check and the
// ledger mark propagate so the dispatcher retries; a retry whose create hits
// the duplicate constraint is evidence the first attempt succeeded, so the
// ledger mark is completed instead of failing.
func (s *Service) ProcessInboundMessage(ctx context.Context, event models.InboundMessageEvent) error {
	log := s.logger.With("event_id", event.EventID,
		"channel", event.Channel, "account_id", event.AccountID,
		"external_id", event.ExternalMessageRef.ID)

	key := s.dedup.MessageKey(event.Channel, event.AccountID, event.ExternalMessageRef.ID)
	if s.dedup.IsProcessed(ctx, key) {
		log.DebugContext(ctx, "Inbound event already processed, skipping")
		return nil
	}

	content, err := models.UnmarshalContent(event.Message.Kind, event.Message.Content)
	if err != nil {
		return fmt.Errorf("inbound event %s: %w", event.EventID, err)
	}

	conv, err := s.store.UpsertConversation(ctx, event.AccountID, event.Channel, event.ConversationRef)
	if err != nil {
		return fmt.Errorf("failed to upsert conversation: %w", err)
	}

	occurredAt := event.OccurredAt
	if occurredAt.IsZero() {
		occurredAt = time.Now().UTC()
	}
	message := &models.Message{
		ID:                uuid.NewString(),
		ConversationID:    conv.ID,
		Channel:           event.Channel,
		AccountID:         event.AccountID,
		Direction:         models.DirectionInbound,
		ExternalMessageID: sql.NullString{String: event.ExternalMessageRef.ID, Valid: event.ExternalMessageRef.ID != ""},
		Kind:              event.Message.Kind,
		Content:           content,
		SenderID:          event.Sender.ID,
		OccurredAt:        occurredAt,
	}

	if err := s.store.CreateMessage(ctx, message); err != nil {
		if !errors.Is(err, database.ErrDuplicateMessage) {
			return fmt.Errorf("failed to create message: %w", err)
		}
		// Partial application from an earlier attempt: the row exists but the
		// ledger mark was lost. Complete the mark against the existing row.
		existing, findErr := s.store.FindMessageByExternalID(ctx, event.Channel, event.AccountID, event.ExternalMessageRef.ID)
		if findErr != nil {
			return fmt.Errorf("duplicate message but lookup failed: %w", findErr)
		}
		log.InfoContext(ctx, "Message already stored by earlier attempt, completing dedup mark",
			"message_id", existing.ID)
		s.dedup.MarkProcessed(ctx, event.EventID, key, existing.ID)
		return nil
	}

	s.dedup.MarkProcessed(ctx, event.EventID, key, message.ID)

	created := models.MessageCreatedEvent{
		EventMeta:      models.NewEventMeta(),
		MessageID:      message.ID,
		ConversationID: conv.ID,
		Direction:      models.DirectionInbound,
		Kind:           message.Kind,
		SenderID:       message.SenderID,
		Channel:        event.Channel,
		AccountID:      event.AccountID,
	}
	if err := s.publish(ctx, models.TopicMessageCreated, created); err != nil {
		return err
	}

	log.InfoContext(ctx, "Inbound message stored",
		"message_id", message.ID, "conversation_id", conv.ID, "kind", message.Kind)
	return nil
}

// ProcessDeliveryStatusUpdate applies one delivery status transition. The
// target message is resolved by clientMessageId when present, else by the
// provider-assigned id. An unresolvable message is an orphan status update:
// logged, marked processed, and not an error. Writes against an already-final
// state are stale and likewise absorbed.
func (s *Service) ProcessDeliveryStatusUpdate(ctx context.Context, event models.DeliveryStatusEvent) error {
	log := s.logger.With("event_id", event.EventID,
		"channel", event.Channel, "account_id", event.AccountID,
		"status", event.Status)

	key := s.dedup.StatusKey(event.Channel, event.AccountID, event.ExternalMessageRef.ID,
		event.Status, event.OccurredAt)
	if s.dedup.IsProcessed(ctx, key) {
		log.DebugContext(ctx, "Status event already processed, skipping")
		return nil
	}

	message, err := s.resolveMessage(ctx, event)
	if errors.Is(err, database.ErrNotFound) {
		log.WarnContext(ctx, "Orphan status update, no matching message",
			"client_message_id", event.ClientMessageID,
			"external_id", event.ExternalMessageRef.ID)
		s.dedup.MarkProcessed(ctx, event.EventID, key, "")
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to resolve message for status update: %w", err)
	}

	state := models.DeliveryState{
		MessageID: message.ID,
		Status:    event.Status,
		IsFinal:   event.IsFinal,
		Reason:    sql.NullString{String: event.Reason, Valid: event.Reason != ""},
		UpdatedAt: event.OccurredAt,
	}
	if err := s.store.UpdateDeliveryStatus(ctx, state); err != nil {
		if errors.Is(err, database.ErrFinalStatus) {
			log.WarnContext(ctx, "Stale status update for finalized message, skipping",
				"message_id", message.ID)
			s.dedup.MarkProcessed(ctx, event.EventID, key, "")
			return nil
		}
		return fmt.Errorf("failed to update delivery status: %w", err)
	}

	updated := models.MessageStatusUpdatedEvent{
		EventMeta:      models.NewEventMeta(),
		MessageID:      message.ID,
		ConversationID: message.ConversationID,
		NewStatus:      event.Status,
		IsFinal:        event.IsFinal,
		Channel:        event.Channel,
		AccountID:      event.AccountID,
	}
	if err := s.publish(ctx, models.TopicMessageStatusUpdated, updated); err != nil {
		return err
	}

	s.dedup.MarkProcessed(ctx, event.EventID, key, message.ID)

	log.InfoContext(ctx, "Delivery status applied",
		"message_id", message.ID, "is_final", event.IsFinal)
	return nil
}

func (s *Service) resolveMessage(ctx context.Context, event models.DeliveryStatusEvent) (*models.Message, error) {
	if event.ClientMessageID != "" {
		return s.store.FindMessageByClientID(ctx, event.AccountID, event.ClientMessageID)
	}
	if event.ExternalMessageRef.ID != "" {
		return s.store.FindMessageByExternalID(ctx, event.Channel, event.AccountID, event.ExternalMessageRef.ID)
	}
	return nil, database.ErrNotFound
}

func (s *Service) publish(ctx context.Context, topic string, event any) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to encode %s event: %w", topic, err)
	}
	if err := s.bus.Publish(ctx, topic, payload); err != nil {
		return fmt.Errorf("failed to publish %s event: %w", topic, err)
	}
	return nil
}
