package database

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/chatwire/courier/internal/models"
)

// memoryStore is the volatile Store backend used outside production and in
// tests. A single mutex guards every map; the check-then-act sequences the
// durable backend settles with unique indexes are settled here by holding the
// lock across the check and the write.
type memoryStore struct {
	mu sync.Mutex

	conversations map[string]*models.Conversation // by id
	convIdentity  map[string]string               // identity tuple -> id
	messages      map[string]*models.Message      // by id
	deliveries    map[string]models.DeliveryState // by message id
	ledger        map[string]models.ProcessedEvent
}

// NewMemoryStore creates an empty in-memory Store. All data is lost on
// process exit; the config layer refuses this backend in production.
func NewMemoryStore() Store {
	return &memoryStore{
		conversations: make(map[string]*models.Conversation),
		convIdentity:  make(map[string]string),
		messages:      make(map[string]*models.Message),
		deliveries:    make(map[string]models.DeliveryState),
		ledger:        make(map[string]models.ProcessedEvent),
	}
}

func (s *memoryStore) Ping(context.Context) error { return nil }

func identityKey(channel models.Channel, accountID, refType, refID string) string {
	return string(channel) + "\x00" + accountID + "\x00" + refType + "\x00" + refID
}

func (s *memoryStore) UpsertConversation(_ context.Context, accountID string, channel models.Channel, ref models.ConversationRef) (*models.Conversation, error) {
	if accountID == "" || ref.Type == "" || ref.ID == "" {
		return nil, fmt.Errorf("conversation identity must be complete")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	key := identityKey(channel, accountID, ref.Type, ref.ID)
	if id, ok := s.convIdentity[key]; ok {
		conv := s.conversations[id]
		conv.UpdatedAt = now
		copied := *conv
		return &copied, nil
	}

	conv := &models.Conversation{
		ID:        uuid.NewString(),
		Channel:   channel,
		AccountID: accountID,
		RefType:   ref.Type,
		RefID:     ref.ID,
		CreatedAt: now,
		UpdatedAt: now,
	}
	s.conversations[conv.ID] = conv
	s.convIdentity[key] = conv.ID
	copied := *conv
	return &copied, nil
}

func (s *memoryStore) CreateMessage(_ context.Context, message *models.Message) error {
	if message == nil {
		return fmt.Errorf("cannot save nil message")
	}
	if message.ID == "" || message.ConversationID == "" {
		return fmt.Errorf("message must have id and conversation id")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.messages[message.ID]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateMessage, message.ID)
	}
	for _, m := range s.messages {
		if message.ExternalMessageID.Valid && m.ExternalMessageID.Valid &&
			m.Channel == message.Channel && m.AccountID == message.AccountID &&
			m.ExternalMessageID.String == message.ExternalMessageID.String {
			return fmt.Errorf("%w: external id %s", ErrDuplicateMessage, message.ExternalMessageID.String)
		}
		if message.ClientMessageID.Valid && m.ClientMessageID.Valid &&
			m.AccountID == message.AccountID &&
			m.ClientMessageID.String == message.ClientMessageID.String {
			return fmt.Errorf("%w: client id %s", ErrDuplicateMessage, message.ClientMessageID.String)
		}
	}

	if message.CreatedAt.IsZero() {
		message.CreatedAt = time.Now().UTC()
	}
	copied := *message
	s.messages[message.ID] = &copied
	return nil
}

func (s *memoryStore) UpdateDeliveryStatus(_ context.Context, state models.DeliveryState) error {
	if state.MessageID == "" {
		return fmt.Errorf("delivery state must reference a message")
	}
	if state.UpdatedAt.IsZero() {
		state.UpdatedAt = time.Now().UTC()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if current, ok := s.deliveries[state.MessageID]; ok && current.IsFinal {
		return fmt.Errorf("%w: message %s", ErrFinalStatus, state.MessageID)
	}
	s.deliveries[state.MessageID] = state
	return nil
}

func (s *memoryStore) GetMessage(_ context.Context, id string) (*models.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.messages[id]
	if !ok {
		return nil, ErrNotFound
	}
	copied := *m
	return &copied, nil
}

func (s *memoryStore) FindMessageByClientID(_ context.Context, accountID, clientMessageID string) (*models.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, m := range s.messages {
		if m.AccountID == accountID && m.ClientMessageID.Valid && m.ClientMessageID.String == clientMessageID {
			copied := *m
			return &copied, nil
		}
	}
	return nil, ErrNotFound
}

func (s *memoryStore) FindMessageByExternalID(_ context.Context, channel models.Channel, accountID, externalMessageID string) (*models.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, m := range s.messages {
		if m.Channel == channel && m.AccountID == accountID &&
			m.ExternalMessageID.Valid && m.ExternalMessageID.String == externalMessageID {
			copied := *m
			return &copied, nil
		}
	}
	return nil, ErrNotFound
}

func (s *memoryStore) ListConversations(_ context.Context, accountID string, channel models.Channel, limit, offset int) ([]models.Conversation, error) {
	limit, offset = normalizePage(limit, offset)

	s.mu.Lock()
	defer s.mu.Unlock()

	matched := make([]models.Conversation, 0)
	for _, c := range s.conversations {
		if c.AccountID == accountID && c.Channel == channel {
			matched = append(matched, *c)
		}
	}
	sort.Slice(matched, func(i, j int) bool {
		return matched[i].UpdatedAt.After(matched[j].UpdatedAt)
	})
	return page(matched, limit, offset), nil
}

func (s *memoryStore) ListMessages(_ context.Context, conversationID string, direction models.Direction, limit, offset int) ([]models.Message, error) {
	limit, offset = normalizePage(limit, offset)

	s.mu.Lock()
	defer s.mu.Unlock()

	matched := make([]models.Message, 0)
	for _, m := range s.messages {
		if m.ConversationID != conversationID {
			continue
		}
		if direction != "" && m.Direction != direction {
			continue
		}
		matched = append(matched, *m)
	}
	sort.Slice(matched, func(i, j int) bool {
		return matched[i].OccurredAt.Before(matched[j].OccurredAt)
	})
	return page(matched, limit, offset), nil
}

func (s *memoryStore) IsProcessed(_ context.Context, dedupKey string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, ok := s.ledger[dedupKey]
	return ok, nil
}

func (s *memoryStore) MarkProcessed(_ context.Context, eventID, dedupKey, resultRef string) error {
	if dedupKey == "" {
		return fmt.Errorf("dedup key must not be empty")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.ledger[dedupKey]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateKey, dedupKey)
	}
	s.ledger[dedupKey] = models.ProcessedEvent{
		DedupKey:    dedupKey,
		EventID:     eventID,
		ProcessedAt: time.Now().UTC(),
		ResultRef:   nullableString(resultRef),
	}
	return nil
}

func (s *memoryStore) SetProcessedResult(_ context.Context, dedupKey, resultRef string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.ledger[dedupKey]
	if !ok {
		return fmt.Errorf("%w: ledger row %s", ErrNotFound, dedupKey)
	}
	rec.ResultRef = nullableString(resultRef)
	s.ledger[dedupKey] = rec
	return nil
}

func (s *memoryStore) FindProcessed(_ context.Context, dedupKey string) (*models.ProcessedEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.ledger[dedupKey]
	if !ok {
		return nil, ErrNotFound
	}
	copied := rec
	return &copied, nil
}

func (s *memoryStore) DeleteProcessed(_ context.Context, dedupKey string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.ledger, dedupKey)
	return nil
}

func page[T any](items []T, limit, offset int) []T {
	if offset >= len(items) {
		return []T{}
	}
	end := offset + limit
	if end > len(items) {
		end = len(items)
	}
	return items[offset:end]
}
