package crm

import (
	"context"
	"time"

	"waflow/internal/event"
	"waflow/internal/storage"
)

// AckInput is the delivery-status patch handed to the upstream application.
type AckInput struct {
	Status        event.AckStatus `json:"status"`
	NumericStatus int             `json:"numericStatus,omitempty"`
	Timestamp     time.Time       `json:"timestamp"`
	DeliveredAt   *time.Time      `json:"deliveredAt,omitempty"`
	ReadAt        *time.Time      `json:"readAt,omitempty"`
}

// Collaborator is the narrow surface of the upstream ticketing/lead
// application. Everything conventional (CRUD, auth, onboarding) lives behind
// it and stays out of this repository.
type Collaborator interface {
	// IngestNormalizedMessage hands one canonical message to the business
	// layer; the bool reports whether it was persisted.
	IngestNormalizedMessage(ctx context.Context, msg *event.NormalizedMessage) (bool, error)

	// ApplyAck patches the delivery status of a previously ingested message.
	// Returns nil without error when the update was a no-op.
	ApplyAck(ctx context.Context, tenantID, messageID string, ack AckInput) (*storage.MessageRecord, error)
}
