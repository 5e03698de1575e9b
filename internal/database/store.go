package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/chatwire/courier/internal/models"
)

var (
	// ErrNotFound is returned when a lookup matches no row.
	ErrNotFound = errors.New("not found")

	// ErrDuplicateMessage is returned by CreateMessage when the message id or
	// its correlation identifier (client or external message id) already exists.
	ErrDuplicateMessage = errors.New("duplicate message")

	// ErrDuplicateKey is returned by MarkProcessed when the dedup key is
	// already in the ledger. The conflict itself is the dedup signal.
	ErrDuplicateKey = errors.New("duplicate dedup key")

	// ErrFinalStatus is returned by UpdateDeliveryStatus when the message
	// already carries a final status; late transitions are stale, not errors.
	ErrFinalStatus = errors.New("delivery status already final")
)

// Store defines the interface for message store operations. It is the only
// shared mutable resource of the pipeline and must tolerate concurrent calls
// from multiple consumer goroutines and, with the durable backend, from other
// processes entirely. Check-then-act sequences (conversation upsert, ledger
// mark) are settled by store-level unique constraints, never by locks here.
type Store interface {
	// Ping checks the backend connection.
	Ping(ctx context.Context) error

	// UpsertConversation resolves the conversation identified by
	// (channel, accountID, ref) to exactly one row, creating it on first
	// contact and bumping updated_at otherwise. Race-free.
	UpsertConversation(ctx context.Context, accountID string, channel models.Channel, ref models.ConversationRef) (*models.Conversation, error)

	// CreateMessage inserts a new immutable message record.
	CreateMessage(ctx context.Context, message *models.Message) error

	// UpdateDeliveryStatus upserts the single delivery state row of a message.
	UpdateDeliveryStatus(ctx context.Context, state models.DeliveryState) error

	// GetMessage retrieves one message by id.
	GetMessage(ctx context.Context, id string) (*models.Message, error)

	// FindMessageByClientID resolves an outbound message by its
	// caller-supplied client message id within an account.
	FindMessageByClientID(ctx context.Context, accountID, clientMessageID string) (*models.Message, error)

	// FindMessageByExternalID resolves an inbound message by its
	// provider-assigned id within a channel account.
	FindMessageByExternalID(ctx context.Context, channel models.Channel, accountID, externalMessageID string) (*models.Message, error)

	// ListConversations pages conversations of a channel account by recency.
	ListConversations(ctx context.Context, accountID string, channel models.Channel, limit, offset int) ([]models.Conversation, error)

	// ListMessages pages the messages of a conversation by occurred_at
	// ascending, optionally filtered by direction (empty means both).
	ListMessages(ctx context.Context, conversationID string, direction models.Direction, limit, offset int) ([]models.Message, error)

	// IsProcessed reports whether the dedup key is in the processed ledger.
	IsProcessed(ctx context.Context, dedupKey string) (bool, error)

	// MarkProcessed records a dedup key in the ledger. resultRef may be empty.
	MarkProcessed(ctx context.Context, eventID, dedupKey, resultRef string) error

	// SetProcessedResult attaches a result reference to an existing ledger row.
	SetProcessedResult(ctx context.Context, dedupKey, resultRef string) error

	// FindProcessed retrieves a ledger row, ErrNotFound when absent.
	FindProcessed(ctx context.Context, dedupKey string) (*models.ProcessedEvent, error)

	// DeleteProcessed removes a ledger row (reservation rollback).
	DeleteProcessed(ctx context.Context, dedupKey string) error
}

// sqlxStore provides an implementation of the Store interface using sqlx.
type sqlxStore struct {
	db     *sqlx.DB
	logger *slog.Logger
}

// NewStore creates a new Store implementation backed by sqlx.
// It requires a connected sqlx.DB instance and a logger.
func NewStore(db *sqlx.DB, logger *slog.Logger) Store {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &sqlxStore{
		db:     db,
		logger: logger.With("component", "store"),
	}
}

// Ping checks the database connection.
func (s *sqlxStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *sqlxStore) UpsertConversation(ctx context.Context, accountID string, channel models.Channel, ref models.ConversationRef) (*models.Conversation, error) {
	if accountID == "" || ref.Type == "" || ref.ID == "" {
		return nil, fmt.Errorf("conversation identity must be complete")
	}

	now := time.Now().UTC()
	conv := &models.Conversation{
		ID:        uuid.NewString(),
		Channel:   channel,
		AccountID: accountID,
		RefType:   ref.Type,
		RefID:     ref.ID,
		CreatedAt: now,
		UpdatedAt: now,
	}

	// The unique identity index makes this insert idempotent: a losing racer
	// falls into the DO UPDATE arm and only bumps updated_at.
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO conversations (id, channel, account_id, ref_type, ref_id, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (channel, account_id, ref_type, ref_id)
		DO UPDATE SET updated_at = excluded.updated_at`,
		conv.ID, conv.Channel, conv.AccountID, conv.RefType, conv.RefID, conv.CreatedAt, conv.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to upsert conversation: %w", err)
	}

	var existing models.Conversation
	err = s.db.GetContext(ctx, &existing, `
		SELECT id, channel, account_id, ref_type, ref_id, created_at, updated_at
		FROM conversations
		WHERE channel = ? AND account_id = ? AND ref_type = ? AND ref_id = ?`,
		channel, accountID, ref.Type, ref.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to read conversation after upsert: %w", err)
	}
	return &existing, nil
}

// messageRow mirrors models.Message with the content column as raw JSON.
type messageRow struct {
	ID                string             `db:"id"`
	ConversationID    string             `db:"conversation_id"`
	Channel           models.Channel     `db:"channel"`
	AccountID         string             `db:"account_id"`
	Direction         models.Direction   `db:"direction"`
	ClientMessageID   sql.NullString     `db:"client_message_id"`
	ExternalMessageID sql.NullString     `db:"external_message_id"`
	Kind              models.MessageKind `db:"kind"`
	Content           []byte             `db:"content"`
	SenderID          string             `db:"sender_id"`
	OccurredAt        time.Time          `db:"occurred_at"`
	CreatedAt         time.Time          `db:"created_at"`
}

func (r *messageRow) toModel() (*models.Message, error) {
	content, err := models.UnmarshalContent(r.Kind, r.Content)
	if err != nil {
		return nil, fmt.Errorf("failed to decode stored content for message %s: %w", r.ID, err)
	}
	return &models.Message{
		ID:                r.ID,
		ConversationID:    r.ConversationID,
		Channel:           r.Channel,
		AccountID:         r.AccountID,
		Direction:         r.Direction,
		ClientMessageID:   r.ClientMessageID,
		ExternalMessageID: r.ExternalMessageID,
		Kind:              r.Kind,
		Content:           content,
		SenderID:          r.SenderID,
		OccurredAt:        r.OccurredAt,
		CreatedAt:         r.CreatedAt,
	}, nil
}

func (s *sqlxStore) CreateMessage(ctx context.Context, message *models.Message) error {
	if message == nil {
		return fmt.Errorf("cannot save nil message")
	}
	if message.ID == "" {
		return fmt.Errorf("message must have an id")
	}
	if message.ConversationID == "" {
		return fmt.Errorf("message must have a conversation id")
	}

	body, err := models.MarshalContent(message.Content)
	if err != nil {
		return fmt.Errorf("failed to encode message content: %w", err)
	}

	if message.CreatedAt.IsZero() {
		message.CreatedAt = time.Now().UTC()
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO messages
			(id, conversation_id, channel, account_id, direction,
			 client_message_id, external_message_id, kind, content,
			 sender_id, occurred_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		message.ID, message.ConversationID, message.Channel, message.AccountID,
		message.Direction, message.ClientMessageID, message.ExternalMessageID,
		message.Kind, body, message.SenderID, message.OccurredAt, message.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: %s", ErrDuplicateMessage, message.ID)
		}
		return fmt.Errorf("failed to insert message: %w", err)
	}
	return nil
}

func (s *sqlxStore) UpdateDeliveryStatus(ctx context.Context, state models.DeliveryState) error {
	if state.MessageID == "" {
		return fmt.Errorf("delivery state must reference a message")
	}
	if state.UpdatedAt.IsZero() {
		state.UpdatedAt = time.Now().UTC()
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction for delivery status: %w", err)
	}
	defer func() {
		if tx != nil {
			if rollbackErr := tx.Rollback(); rollbackErr != nil && !errors.Is(rollbackErr, sql.ErrTxDone) {
				s.logger.ErrorContext(ctx, "Failed to rollback delivery status transaction",
					"message_id", state.MessageID, "error", rollbackErr)
			}
		}
	}()

	var isFinal bool
	err = tx.GetContext(ctx, &isFinal,
		`SELECT is_final FROM delivery_states WHERE message_id = ?`, state.MessageID)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		// first status for this message
	case err != nil:
		return fmt.Errorf("failed to read delivery state: %w", err)
	case isFinal:
		return fmt.Errorf("%w: message %s", ErrFinalStatus, state.MessageID)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO delivery_states (message_id, status, is_final, reason, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (message_id)
		DO UPDATE SET status = excluded.status,
		              is_final = excluded.is_final,
		              reason = excluded.reason,
		              updated_at = excluded.updated_at`,
		state.MessageID, state.Status, state.IsFinal, state.Reason, state.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to upsert delivery state: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit delivery status: %w", err)
	}
	tx = nil
	return nil
}

const messageColumns = `id, conversation_id, channel, account_id, direction,
	client_message_id, external_message_id, kind, content, sender_id,
	occurred_at, created_at`

func (s *sqlxStore) getMessageWhere(ctx context.Context, where string, args ...any) (*models.Message, error) {
	var row messageRow
	err := s.db.GetContext(ctx, &row,
		`SELECT `+messageColumns+` FROM messages WHERE `+where, args...)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query message: %w", err)
	}
	return row.toModel()
}

func (s *sqlxStore) GetMessage(ctx context.Context, id string) (*models.Message, error) {
	return s.getMessageWhere(ctx, `id = ?`, id)
}

func (s *sqlxStore) FindMessageByClientID(ctx context.Context, accountID, clientMessageID string) (*models.Message, error) {
	return s.getMessageWhere(ctx,
		`account_id = ? AND client_message_id = ?`, accountID, clientMessageID)
}

func (s *sqlxStore) FindMessageByExternalID(ctx context.Context, channel models.Channel, accountID, externalMessageID string) (*models.Message, error) {
	return s.getMessageWhere(ctx,
		`channel = ? AND account_id = ? AND external_message_id = ?`,
		channel, accountID, externalMessageID)
}

func (s *sqlxStore) ListConversations(ctx context.Context, accountID string, channel models.Channel, limit, offset int) ([]models.Conversation, error) {
	limit, offset = normalizePage(limit, offset)
	conversations := []models.Conversation{}
	err := s.db.SelectContext(ctx, &conversations, `
		SELECT id, channel, account_id, ref_type, ref_id, created_at, updated_at
		FROM conversations
		WHERE account_id = ? AND channel = ?
		ORDER BY updated_at DESC
		LIMIT ? OFFSET ?`,
		accountID, channel, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list conversations: %w", err)
	}
	return conversations, nil
}

func (s *sqlxStore) ListMessages(ctx context.Context, conversationID string, direction models.Direction, limit, offset int) ([]models.Message, error) {
	limit, offset = normalizePage(limit, offset)

	query := `SELECT ` + messageColumns + ` FROM messages WHERE conversation_id = ?`
	args := []any{conversationID}
	if direction != "" {
		query += ` AND direction = ?`
		args = append(args, direction)
	}
	query += ` ORDER BY occurred_at ASC LIMIT ? OFFSET ?`
	args = append(args, limit, offset)

	rows := []messageRow{}
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("failed to list messages: %w", err)
	}

	messages := make([]models.Message, 0, len(rows))
	for i := range rows {
		m, err := rows[i].toModel()
		if err != nil {
			return nil, err
		}
		messages = append(messages, *m)
	}
	return messages, nil
}

func (s *sqlxStore) IsProcessed(ctx context.Context, dedupKey string) (bool, error) {
	var one int
	err := s.db.GetContext(ctx, &one,
		`SELECT 1 FROM processed_events WHERE dedup_key = ?`, dedupKey)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to check processed ledger: %w", err)
	}
	return true, nil
}

func (s *sqlxStore) MarkProcessed(ctx context.Context, eventID, dedupKey, resultRef string) error {
	if dedupKey == "" {
		return fmt.Errorf("dedup key must not be empty")
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO processed_events (dedup_key, event_id, processed_at, result_ref)
		VALUES (?, ?, ?, ?)`,
		dedupKey, eventID, time.Now().UTC(), nullableString(resultRef))
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: %s", ErrDuplicateKey, dedupKey)
		}
		return fmt.Errorf("failed to mark processed: %w", err)
	}
	return nil
}

func (s *sqlxStore) SetProcessedResult(ctx context.Context, dedupKey, resultRef string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE processed_events SET result_ref = ? WHERE dedup_key = ?`,
		nullableString(resultRef), dedupKey)
	if err != nil {
		return fmt.Errorf("failed to set processed result: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("%w: ledger row %s", ErrNotFound, dedupKey)
	}
	return nil
}

func (s *sqlxStore) FindProcessed(ctx context.Context, dedupKey string) (*models.ProcessedEvent, error) {
	var rec models.ProcessedEvent
	err := s.db.GetContext(ctx, &rec, `
		SELECT dedup_key, event_id, processed_at, result_ref
		FROM processed_events WHERE dedup_key = ?`, dedupKey)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query processed ledger: %w", err)
	}
	return &rec, nil
}

func (s *sqlxStore) DeleteProcessed(ctx context.Context, dedupKey string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM processed_events WHERE dedup_key = ?`, dedupKey)
	if err != nil {
		return fmt.Errorf("failed to delete ledger row: %w", err)
	}
	return nil
}

func normalizePage(limit, offset int) (int, int) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}

func nullableString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// isUniqueViolation detects constraint errors from the sqlite driver.
// modernc.org/sqlite surfaces them as flat error strings, there is no typed
// error to unwrap.
func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
