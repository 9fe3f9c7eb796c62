package ack

import (
	"context"
	"time"

	"waflow/internal/constants"
	"waflow/internal/crm"
	"waflow/internal/event"
	"waflow/internal/idempotency"
	"waflow/internal/logger"
	"waflow/internal/storage"
	"waflow/pkg/errors"
	"waflow/pkg/metrics"
)

// Result classifies what happened to one ack entry.
type Result string

const (
	ResultApplied    Result = "ack_applied"
	ResultNoop       Result = "ack_noop"
	ResultError      Result = "ack_error"
	ResultRegression Result = "ack_regression"
	ResultLate       Result = "ack_late"
	ResultDuplicate  Result = "ack_duplicate"
	ResultNotFound   Result = "ack_target_missing"
)

// Reconciler applies delivery-status updates with monotonicity and staleness
// guards. Per-message state walks the chain UNACKED -> SENT -> DELIVERED ->
// READ and never backwards.
type Reconciler struct {
	store  storage.MessageStore
	guard  idempotency.Guard
	crm    crm.Collaborator
	logger logger.Logger
	now    func() time.Time
}

func NewReconciler(store storage.MessageStore, guard idempotency.Guard, collaborator crm.Collaborator, log logger.Logger) *Reconciler {
	return &Reconciler{
		store:  store,
		guard:  guard,
		crm:    collaborator,
		logger: log,
		now:    time.Now,
	}
}

// Apply processes every entry of a messages-update event. Entry failures are
// logged and counted but never abort the batch.
func (r *Reconciler) Apply(ctx context.Context, update *event.AckUpdate) []Result {
	results := make([]Result, 0, len(update.Entries))
	for _, entry := range update.Entries {
		result := r.applyOne(ctx, update.TenantID, update.InstanceID, entry)
		metrics.AckUpdatesTotal.WithLabelValues(string(result)).Inc()
		results = append(results, result)
	}
	return results
}

func (r *Reconciler) applyOne(ctx context.Context, tenantID, instanceID string, entry event.AckEntry) Result {
	record, err := r.resolveTarget(ctx, tenantID, entry.MessageID)
	if err != nil {
		if errors.IsNotFound(err) {
			return ResultNotFound
		}
		r.logger.ErrorwCtx(ctx, "Ack target lookup failed",
			"message_id", entry.MessageID,
			"error", err,
		)
		return ResultError
	}

	key := idempotency.ScopedKey("ack", tenantID, instanceID, entry.MessageID, string(entry.Status))
	fresh, err := r.guard.RegisterIfNew(ctx, key)
	if err != nil {
		r.logger.WarnwCtx(ctx, "Idempotency check failed for ack, dropping",
			"message_id", entry.MessageID,
			"error", err,
		)
		return ResultError
	}
	if !fresh {
		return ResultDuplicate
	}

	prior := event.AckStatus(record.AckStatus)
	if prior == "" {
		prior = event.AckUnacked
	}

	if entry.Status.Rank() < prior.Rank() {
		return ResultRegression
	}

	// Out-of-order redelivery guard: an ack stamped long before the one we
	// already recorded is stale broker history, not progress.
	if record.AckAt != nil && record.AckAt.Sub(entry.Timestamp) > constants.AckStaleWindow {
		return ResultLate
	}

	changed := r.merge(record, entry)
	if !changed {
		return ResultNoop
	}

	if err := r.store.UpdateMessage(ctx, record); err != nil {
		r.logger.ErrorwCtx(ctx, "Failed to persist ack merge",
			"message_id", entry.MessageID,
			"error", err,
		)
		return ResultError
	}

	ackInput := crm.AckInput{
		Status:        entry.Status,
		NumericStatus: entry.NumericStatus,
		Timestamp:     entry.Timestamp,
		DeliveredAt:   record.DeliveredAt,
		ReadAt:        record.ReadAt,
	}
	updated, err := r.crm.ApplyAck(ctx, tenantID, record.ID, ackInput)
	if err != nil {
		r.logger.ErrorwCtx(ctx, "Ack collaborator call failed",
			"message_id", entry.MessageID,
			"error", err,
		)
		return ResultError
	}
	if updated == nil {
		return ResultNoop
	}
	return ResultApplied
}

func (r *Reconciler) resolveTarget(ctx context.Context, tenantID, messageID string) (*storage.MessageRecord, error) {
	record, err := r.store.FindByExternalID(ctx, tenantID, messageID)
	if err == nil {
		return record, nil
	}
	if !errors.IsNotFound(err) {
		return nil, err
	}
	return r.store.FindAckCandidate(ctx, tenantID, messageID)
}

// merge writes the new status into the record's broker metadata and delivery
// timestamps; returns false when nothing changed.
func (r *Reconciler) merge(record *storage.MessageRecord, entry event.AckEntry) bool {
	prior := event.AckStatus(record.AckStatus)
	if prior == entry.Status && record.AckAt != nil && !record.AckAt.Before(entry.Timestamp) {
		return false
	}

	if record.Metadata == nil {
		record.Metadata = make(map[string]interface{})
	}
	broker, _ := record.Metadata["broker"].(map[string]interface{})
	if broker == nil {
		broker = make(map[string]interface{})
	}
	broker["lastAck"] = map[string]interface{}{
		"status":        string(entry.Status),
		"numericStatus": entry.NumericStatus,
		"receivedAt":    entry.Timestamp.UTC().Format(time.RFC3339),
	}
	record.Metadata["broker"] = broker

	record.AckStatus = string(entry.Status)
	ts := entry.Timestamp
	record.AckAt = &ts

	switch entry.Status {
	case event.AckDelivered:
		if record.DeliveredAt == nil {
			record.DeliveredAt = &ts
		}
	case event.AckRead:
		if record.DeliveredAt == nil {
			record.DeliveredAt = &ts
		}
		if record.ReadAt == nil {
			record.ReadAt = &ts
		}
	}

	return true
}
