package dedup

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chatwire/courier/internal/models"
)

type fakeLedger struct {
	processed map[string]bool
	checkErr  error
	markErr   error
	marked    []string
}

func (f *fakeLedger) IsProcessed(_ context.Context, key string) (bool, error) {
	if f.checkErr != nil {
		return false, f.checkErr
	}
	return f.processed[key], nil
}

func (f *fakeLedger) MarkProcessed(_ context.Context, _, key, _ string) error {
	if f.markErr != nil {
		return f.markErr
	}
	f.marked = append(f.marked, key)
	return nil
}

func TestKeyShapes(t *testing.T) {
	svc := NewService(&fakeLedger{}, nil)

	assert.Equal(t, "msg:WHATSAPP:acc1:ext-1",
		svc.MessageKey(models.ChannelWhatsApp, "acc1", "ext-1"))

	occurred := time.UnixMilli(1700000000000).UTC()
	assert.Equal(t, "status:WHATSAPP:acc1:ext-1:DELIVERED:1700000000000",
		svc.StatusKey(models.ChannelWhatsApp, "acc1", "ext-1", "DELIVERED", occurred))

	assert.Equal(t, "send:acc1:idem-1", svc.SendKey("acc1", "idem-1"))
}

func TestStatusKeySeparatesTransitions(t *testing.T) {
	svc := NewService(&fakeLedger{}, nil)
	at := time.Now().UTC()

	delivered := svc.StatusKey(models.ChannelSMS, "acc1", "ext-1", "DELIVERED", at)
	read := svc.StatusKey(models.ChannelSMS, "acc1", "ext-1", "READ", at)
	assert.NotEqual(t, delivered, read, "distinct statuses for one message must not collapse")
}

func TestIsProcessed(t *testing.T) {
	ledger := &fakeLedger{processed: map[string]bool{"msg:a": true}}
	svc := NewService(ledger, nil)
	ctx := context.Background()

	assert.True(t, svc.IsProcessed(ctx, "msg:a"))
	assert.False(t, svc.IsProcessed(ctx, "msg:b"))
}

func TestIsProcessedFailsOpen(t *testing.T) {
	ledger := &fakeLedger{checkErr: errors.New("ledger down")}
	svc := NewService(ledger, nil)

	assert.False(t, svc.IsProcessed(context.Background(), "msg:a"),
		"an unreadable ledger must not block processing")
}

func TestMarkProcessedSwallowsErrors(t *testing.T) {
	ledger := &fakeLedger{markErr: errors.New("ledger down")}
	svc := NewService(ledger, nil)

	// Must not panic or propagate; the underlying effect already committed.
	svc.MarkProcessed(context.Background(), "evt-1", "msg:a", "m-1")
	assert.Empty(t, ledger.marked)

	ledger.markErr = nil
	svc.MarkProcessed(context.Background(), "evt-2", "msg:b", "")
	require.Len(t, ledger.marked, 1)
	assert.Equal(t, "msg:b", ledger.marked[0])
}
