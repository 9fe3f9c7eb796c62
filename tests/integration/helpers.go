package integration

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"waflow/internal/logger"
	"waflow/internal/storage"
)

const containerStartupTimeout = 60

func createTestLogger() logger.Logger {
	return logger.NopLogger()
}

// seedMessage inserts a row directly; the store under test only exposes
// read-and-patch operations, ownership of inserts stays with the ticketing
// application.
func seedMessage(t *testing.T, infra *TestInfra, record *storage.MessageRecord) {
	t.Helper()

	if record.Metadata == nil {
		record.Metadata = map[string]interface{}{}
	}
	metadata, err := json.Marshal(record.Metadata)
	if err != nil {
		t.Fatalf("failed to marshal metadata: %v", err)
	}

	now := time.Now().UTC()
	if record.AckStatus == "" {
		record.AckStatus = "UNACKED"
	}

	_, err = infra.PostgresDB.ExecContext(context.Background(), `
		INSERT INTO messages (id, tenant_id, external_id, instance_id, chat_id, body, caption,
		                      metadata, ack_status, ack_at, delivered_at, read_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
	`,
		record.ID, record.TenantID, record.ExternalID, record.InstanceID, record.ChatID,
		record.Body, record.Caption, metadata, record.AckStatus,
		record.AckAt, record.DeliveredAt, record.ReadAt, now, now,
	)
	if err != nil {
		t.Fatalf("failed to seed message: %v", err)
	}
}
