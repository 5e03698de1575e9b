package database

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chatwire/courier/internal/models"
)

func newSQLiteStore(t *testing.T) Store {
	t.Helper()

	db, err := NewDB(filepath.Join(t.TempDir(), "courier_test.db"))
	require.NoError(t, err, "failed to open test database")
	t.Cleanup(func() { CloseDB(db) })

	return NewStore(db, nil)
}

func TestSQLiteConversationUpsertIsIdempotent(t *testing.T) {
	ctx := context.Background()
	store := newSQLiteStore(t)
	ref := models.ConversationRef{Type: "phone", ID: "+551199"}

	first, err := store.UpsertConversation(ctx, "acc1", models.ChannelWhatsApp, ref)
	require.NoError(t, err)

	second, err := store.UpsertConversation(ctx, "acc1", models.ChannelWhatsApp, ref)
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)

	convs, err := store.ListConversations(ctx, "acc1", models.ChannelWhatsApp, 10, 0)
	require.NoError(t, err)
	assert.Len(t, convs, 1)
}

func TestSQLiteMessageRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := newSQLiteStore(t)

	conv, err := store.UpsertConversation(ctx, "acc1", models.ChannelTelegram,
		models.ConversationRef{Type: "chat", ID: "42"})
	require.NoError(t, err)

	msg := newTestMessage(conv.ID, func(m *models.Message) {
		m.Channel = models.ChannelTelegram
		m.ExternalMessageID = sql.NullString{String: "tg-1", Valid: true}
		m.Content = models.MediaContent{MediaType: "image", URL: "https://cdn/x.jpg", Caption: "pic"}
		m.Kind = models.KindMedia
	})
	require.NoError(t, store.CreateMessage(ctx, msg))

	got, err := store.GetMessage(ctx, msg.ID)
	require.NoError(t, err)
	assert.Equal(t, msg.ConversationID, got.ConversationID)
	assert.Equal(t, models.KindMedia, got.Kind)
	assert.Equal(t, msg.Content, got.Content, "content must survive the JSON column round trip")

	found, err := store.FindMessageByExternalID(ctx, models.ChannelTelegram, "acc1", "tg-1")
	require.NoError(t, err)
	assert.Equal(t, msg.ID, found.ID)
}

func TestSQLiteDuplicateExternalID(t *testing.T) {
	ctx := context.Background()
	store := newSQLiteStore(t)

	conv, err := store.UpsertConversation(ctx, "acc1", models.ChannelWhatsApp,
		models.ConversationRef{Type: "phone", ID: "+551199"})
	require.NoError(t, err)

	first := newTestMessage(conv.ID, func(m *models.Message) {
		m.ExternalMessageID = sql.NullString{String: "ext-dup", Valid: true}
	})
	require.NoError(t, store.CreateMessage(ctx, first))

	second := newTestMessage(conv.ID, func(m *models.Message) {
		m.ExternalMessageID = sql.NullString{String: "ext-dup", Valid: true}
	})
	err = store.CreateMessage(ctx, second)
	assert.ErrorIs(t, err, ErrDuplicateMessage)
}

func TestSQLiteDeliveryStatusFinality(t *testing.T) {
	ctx := context.Background()
	store := newSQLiteStore(t)

	conv, err := store.UpsertConversation(ctx, "acc1", models.ChannelWhatsApp,
		models.ConversationRef{Type: "phone", ID: "+551199"})
	require.NoError(t, err)

	msg := newTestMessage(conv.ID, nil)
	require.NoError(t, store.CreateMessage(ctx, msg))

	require.NoError(t, store.UpdateDeliveryStatus(ctx, models.DeliveryState{
		MessageID: msg.ID, Status: "SENT",
	}))
	require.NoError(t, store.UpdateDeliveryStatus(ctx, models.DeliveryState{
		MessageID: msg.ID, Status: "FAILED", IsFinal: true,
		Reason: sql.NullString{String: "undeliverable", Valid: true},
	}))

	err = store.UpdateDeliveryStatus(ctx, models.DeliveryState{
		MessageID: msg.ID, Status: "DELIVERED",
	})
	assert.ErrorIs(t, err, ErrFinalStatus)
}

func TestSQLiteLedgerConditionalInsert(t *testing.T) {
	ctx := context.Background()
	store := newSQLiteStore(t)

	require.NoError(t, store.MarkProcessed(ctx, "evt-1", "send:acc1:key-1", ""))

	err := store.MarkProcessed(ctx, "evt-2", "send:acc1:key-1", "")
	assert.ErrorIs(t, err, ErrDuplicateKey, "second reservation on the same key must lose")

	require.NoError(t, store.SetProcessedResult(ctx, "send:acc1:key-1", "m-1"))
	rec, err := store.FindProcessed(ctx, "send:acc1:key-1")
	require.NoError(t, err)
	assert.Equal(t, "m-1", rec.ResultRef.String)
	assert.WithinDuration(t, time.Now().UTC(), rec.ProcessedAt, time.Minute)

	require.NoError(t, store.DeleteProcessed(ctx, "send:acc1:key-1"))
	processed, err := store.IsProcessed(ctx, "send:acc1:key-1")
	require.NoError(t, err)
	assert.False(t, processed)
}
