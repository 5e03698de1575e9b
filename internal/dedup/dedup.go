// Package dedup derives deduplication keys for pipeline events and checks
// them against the message store's processed ledger.
package dedup

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/chatwire/courier/internal/models"
)

// Ledger is the slice of the store the dedup service needs.
type Ledger interface {
	IsProcessed(ctx context.Context, dedupKey string) (bool, error)
	MarkProcessed(ctx context.Context, eventID, dedupKey, resultRef string) error
}

// Service derives dedup keys and consults the ledger. Keys are plain
// composites rather than hashes: they end up as ledger primary keys and
// being readable helps when digging through the DLQ.
//
// Failure policy is fail-open: a ledger that cannot be read is treated as
// "not yet processed" and a mark that cannot be written is logged and
// dropped. Both trade a small duplicate-processing risk for keeping the
// pipeline moving; the alternative (single atomic conditional insert) is what
// the outbound orchestrator uses where strictness matters.
type Service struct {
	ledger Ledger
	logger *slog.Logger
}

// NewService creates a dedup service over the given ledger.
func NewService(ledger Ledger, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Service{
		ledger: ledger,
		logger: logger.With("component", "dedup"),
	}
}

// MessageKey identifies one inbound message across redeliveries.
func (s *Service) MessageKey(channel models.Channel, accountID, externalMessageID string) string {
	return fmt.Sprintf("msg:%s:%s:%s", channel, accountID, externalMessageID)
}

// StatusKey identifies one delivery status transition. Status and timestamp
// are part of the key so distinct transitions for the same message are not
// collapsed into one ledger entry.
func (s *Service) StatusKey(channel models.Channel, accountID, externalMessageID, status string, occurredAt time.Time) string {
	return fmt.Sprintf("status:%s:%s:%s:%s:%d", channel, accountID, externalMessageID, status, occurredAt.UnixMilli())
}

// SendKey scopes a caller-supplied idempotency key to an account.
func (s *Service) SendKey(accountID, idempotencyKey string) string {
	return fmt.Sprintf("send:%s:%s", accountID, idempotencyKey)
}

// IsProcessed reports whether the key is already in the ledger. A failing
// ledger check fails open: the event is treated as new rather than blocking
// the pipeline.
func (s *Service) IsProcessed(ctx context.Context, key string) bool {
	processed, err := s.ledger.IsProcessed(ctx, key)
	if err != nil {
		s.logger.WarnContext(ctx, "Ledger check failed, treating event as unprocessed",
			"dedup_key", key, "error", err)
		return false
	}
	return processed
}

// MarkProcessed records the key in the ledger. Failures are logged and
// swallowed: the underlying effect already committed, losing the ledger write
// only risks a future duplicate, not data loss.
func (s *Service) MarkProcessed(ctx context.Context, eventID, key, resultRef string) {
	if err := s.ledger.MarkProcessed(ctx, eventID, key, resultRef); err != nil {
		s.logger.WarnContext(ctx, "Failed to mark event processed",
			"dedup_key", key, "event_id", eventID, "error", err)
	}
}
