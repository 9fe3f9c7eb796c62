package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	pkgerrors "waflow/pkg/errors"
)

// MessageStore exposes the narrow persistence surface the reconciliation
// core is allowed to touch.
type MessageStore interface {
	FindByExternalID(ctx context.Context, tenantID, externalID string) (*MessageRecord, error)
	// FindPollVoteCandidate is the broader search used when the fast lookup
	// misses: any message in the tenant/chat scope whose metadata references
	// the poll id.
	FindPollVoteCandidate(ctx context.Context, tenantID, chatID, pollID string) (*MessageRecord, error)
	// FindAckCandidate searches by the broker message id recorded under the
	// metadata path, for acks whose external id was rewritten upstream.
	FindAckCandidate(ctx context.Context, tenantID, messageID string) (*MessageRecord, error)
	UpdateMessage(ctx context.Context, record *MessageRecord) error
}

type PostgresMessageStore struct {
	db *sql.DB
}

func NewMessageStore(db *sql.DB) *PostgresMessageStore {
	return &PostgresMessageStore{db: db}
}

const messageColumns = `
	id, tenant_id, external_id, instance_id, chat_id, body, caption,
	metadata, ack_status, ack_at, delivered_at, read_at, created_at, updated_at
`

func (s *PostgresMessageStore) FindByExternalID(ctx context.Context, tenantID, externalID string) (*MessageRecord, error) {
	query := `
		SELECT ` + messageColumns + `
		FROM messages
		WHERE tenant_id = $1 AND external_id = $2
	`

	return s.scanOne(s.db.QueryRowContext(ctx, query, tenantID, externalID), externalID)
}

func (s *PostgresMessageStore) FindPollVoteCandidate(ctx context.Context, tenantID, chatID, pollID string) (*MessageRecord, error) {
	query := `
		SELECT ` + messageColumns + `
		FROM messages
		WHERE tenant_id = $1
		  AND ($2 = '' OR chat_id = $2)
		  AND (metadata -> 'poll' ->> 'pollId' = $3 OR external_id = $3)
		ORDER BY created_at DESC
		LIMIT 1
	`

	return s.scanOne(s.db.QueryRowContext(ctx, query, tenantID, chatID, pollID), pollID)
}

func (s *PostgresMessageStore) FindAckCandidate(ctx context.Context, tenantID, messageID string) (*MessageRecord, error) {
	query := `
		SELECT ` + messageColumns + `
		FROM messages
		WHERE tenant_id = $1
		  AND metadata -> 'broker' ->> 'messageId' = $2
		ORDER BY created_at DESC
		LIMIT 1
	`

	return s.scanOne(s.db.QueryRowContext(ctx, query, tenantID, messageID), messageID)
}

func (s *PostgresMessageStore) UpdateMessage(ctx context.Context, record *MessageRecord) error {
	metadata, err := json.Marshal(record.Metadata)
	if err != nil {
		return fmt.Errorf("failed to marshal message metadata: %w", err)
	}

	record.UpdatedAt = time.Now()

	query := `
		UPDATE messages
		SET body = $2, caption = $3, metadata = $4, ack_status = $5,
		    ack_at = $6, delivered_at = $7, read_at = $8, updated_at = $9
		WHERE id = $1
	`

	result, err := s.db.ExecContext(ctx, query,
		record.ID, record.Body, record.Caption, metadata, record.AckStatus,
		record.AckAt, record.DeliveredAt, record.ReadAt, record.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to update message: %w", err)
	}

	rows, err := result.RowsAffected()
	if err == nil && rows == 0 {
		return pkgerrors.ErrNotFound.WithDetail("message", fmt.Sprintf("message %q not found", record.ID))
	}

	return nil
}

func (s *PostgresMessageStore) scanOne(row *sql.Row, identifier string) (*MessageRecord, error) {
	var (
		record   MessageRecord
		metadata []byte
	)

	err := row.Scan(
		&record.ID, &record.TenantID, &record.ExternalID, &record.InstanceID,
		&record.ChatID, &record.Body, &record.Caption, &metadata,
		&record.AckStatus, &record.AckAt, &record.DeliveredAt, &record.ReadAt,
		&record.CreatedAt, &record.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, pkgerrors.ErrNotFound.WithCause(err).WithDetail("message", fmt.Sprintf("message %q not found", identifier))
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan message row: %w", err)
	}

	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &record.Metadata); err != nil {
			return nil, fmt.Errorf("failed to unmarshal message metadata: %w", err)
		}
	}
	if record.Metadata == nil {
		record.Metadata = make(map[string]interface{})
	}

	return &record, nil
}
