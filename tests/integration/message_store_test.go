package integration

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"waflow/internal/storage"
	pkgerrors "waflow/pkg/errors"
)

func TestMessageStoreFindByExternalID(t *testing.T) {
	infra := SetupTestInfraWithOptions(t, true, false, false)
	store := storage.NewMessageStore(infra.PostgresDB)
	ctx := context.Background()

	seedMessage(t, infra, &storage.MessageRecord{
		ID:         "row-1",
		TenantID:   "tenant-1",
		ExternalID: "wamid.1",
		InstanceID: "inst-1",
		ChatID:     "5511999990000@s.whatsapp.net",
		Body:       "oi",
	})

	record, err := store.FindByExternalID(ctx, "tenant-1", "wamid.1")
	require.NoError(t, err)
	assert.Equal(t, "row-1", record.ID)
	assert.Equal(t, "oi", record.Body)
	assert.NotNil(t, record.Metadata)

	_, err = store.FindByExternalID(ctx, "tenant-2", "wamid.1")
	assert.True(t, pkgerrors.IsNotFound(err), "tenant scoping must hold")

	_, err = store.FindByExternalID(ctx, "tenant-1", "wamid.unknown")
	assert.True(t, pkgerrors.IsNotFound(err))
}

func TestMessageStoreFindPollVoteCandidate(t *testing.T) {
	infra := SetupTestInfraWithOptions(t, true, false, false)
	store := storage.NewMessageStore(infra.PostgresDB)
	ctx := context.Background()

	seedMessage(t, infra, &storage.MessageRecord{
		ID:         "row-poll",
		TenantID:   "tenant-1",
		ExternalID: "wamid.poll",
		ChatID:     "chat-1",
		Body:       "[Mensagem recebida via WhatsApp]",
		Metadata: map[string]interface{}{
			"poll": map[string]interface{}{"pollId": "poll-9"},
		},
	})
	seedMessage(t, infra, &storage.MessageRecord{
		ID:         "row-other",
		TenantID:   "tenant-1",
		ExternalID: "wamid.other",
		ChatID:     "chat-2",
		Body:       "unrelated",
	})

	record, err := store.FindPollVoteCandidate(ctx, "tenant-1", "chat-1", "poll-9")
	require.NoError(t, err)
	assert.Equal(t, "row-poll", record.ID)

	// The external id path also matches when poll metadata is absent.
	record, err = store.FindPollVoteCandidate(ctx, "tenant-1", "chat-2", "wamid.other")
	require.NoError(t, err)
	assert.Equal(t, "row-other", record.ID)

	_, err = store.FindPollVoteCandidate(ctx, "tenant-1", "chat-1", "poll-unknown")
	assert.True(t, pkgerrors.IsNotFound(err))
}

func TestMessageStoreFindAckCandidate(t *testing.T) {
	infra := SetupTestInfraWithOptions(t, true, false, false)
	store := storage.NewMessageStore(infra.PostgresDB)
	ctx := context.Background()

	seedMessage(t, infra, &storage.MessageRecord{
		ID:         "row-ack",
		TenantID:   "tenant-1",
		ExternalID: "internal-7",
		Body:       "enviado",
		Metadata: map[string]interface{}{
			"broker": map[string]interface{}{"messageId": "wamid.broker-7"},
		},
	})

	record, err := store.FindAckCandidate(ctx, "tenant-1", "wamid.broker-7")
	require.NoError(t, err)
	assert.Equal(t, "row-ack", record.ID)

	_, err = store.FindAckCandidate(ctx, "tenant-1", "wamid.unknown")
	assert.True(t, pkgerrors.IsNotFound(err))
}

func TestMessageStoreUpdateMessage(t *testing.T) {
	infra := SetupTestInfraWithOptions(t, true, false, false)
	store := storage.NewMessageStore(infra.PostgresDB)
	ctx := context.Background()

	seedMessage(t, infra, &storage.MessageRecord{
		ID:         "row-upd",
		TenantID:   "tenant-1",
		ExternalID: "wamid.upd",
		Body:       "[Mensagem recebida via WhatsApp]",
	})

	record, err := store.FindByExternalID(ctx, "tenant-1", "wamid.upd")
	require.NoError(t, err)

	now := time.Now().UTC().Truncate(time.Millisecond)
	record.Body = "Pizza"
	record.AckStatus = "DELIVERED"
	record.AckAt = &now
	record.DeliveredAt = &now
	record.Metadata["pollChoice"] = map[string]interface{}{"voterJid": "5511@s.whatsapp.net"}

	require.NoError(t, store.UpdateMessage(ctx, record))

	reloaded, err := store.FindByExternalID(ctx, "tenant-1", "wamid.upd")
	require.NoError(t, err)
	assert.Equal(t, "Pizza", reloaded.Body)
	assert.Equal(t, "DELIVERED", reloaded.AckStatus)
	require.NotNil(t, reloaded.DeliveredAt)
	assert.WithinDuration(t, now, *reloaded.DeliveredAt, time.Second)

	choice, ok := reloaded.Metadata["pollChoice"].(map[string]interface{})
	require.True(t, ok, "metadata survives the JSONB roundtrip")
	assert.Equal(t, "5511@s.whatsapp.net", choice["voterJid"])
}

func TestMessageStoreUpdateUnknownRowIsNotFound(t *testing.T) {
	infra := SetupTestInfraWithOptions(t, true, false, false)
	store := storage.NewMessageStore(infra.PostgresDB)

	err := store.UpdateMessage(context.Background(), &storage.MessageRecord{ID: "missing"})
	assert.True(t, pkgerrors.IsNotFound(err))
}
