package ingest

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"waflow/internal/config"
	"waflow/internal/crm"
	"waflow/internal/event"
	"waflow/internal/logger"
	"waflow/internal/queue"
	"waflow/internal/storage"
	"waflow/pkg/retry"
)

type scriptedCollaborator struct {
	calls     int
	failUntil int
	persisted bool
	fatal     bool
}

func (c *scriptedCollaborator) IngestNormalizedMessage(context.Context, *event.NormalizedMessage) (bool, error) {
	c.calls++
	if c.calls <= c.failUntil {
		if c.fatal {
			return false, retry.NewFatalError(errors.New("payload rejected"))
		}
		return false, retry.NewRetryableError(errors.New("upstream unavailable"))
	}
	return c.persisted, nil
}

func (c *scriptedCollaborator) ApplyAck(context.Context, string, string, crm.AckInput) (*storage.MessageRecord, error) {
	return nil, nil
}

type recordingExporter struct {
	published []*event.NormalizedMessage
	err       error
}

func (e *recordingExporter) Publish(_ context.Context, msg *event.NormalizedMessage) error {
	e.published = append(e.published, msg)
	return e.err
}

func (e *recordingExporter) Close() error { return nil }

func fastRetryConfig() config.RetryConfig {
	return config.RetryConfig{
		MaxAttempts:     3,
		InitialInterval: time.Millisecond,
		MaxInterval:     5 * time.Millisecond,
		Multiplier:      2.0,
	}
}

func testJob() queue.Job {
	return queue.Job{
		Message: &event.NormalizedMessage{ID: "msg-1", TenantID: "tenant-1", InstanceID: "inst-1"},
		Origin:  "webhook",
	}
}

func TestConsumePersistsAndExports(t *testing.T) {
	collaborator := &scriptedCollaborator{persisted: true}
	exporter := &recordingExporter{}
	svc := NewService(collaborator, exporter, fastRetryConfig(), logger.NopLogger())

	require.NoError(t, svc.Consume(context.Background(), testJob()))
	assert.Equal(t, 1, collaborator.calls)
	require.Len(t, exporter.published, 1)
	assert.Equal(t, "msg-1", exporter.published[0].ID)
}

func TestConsumeRetriesTransientFailures(t *testing.T) {
	collaborator := &scriptedCollaborator{persisted: true, failUntil: 2}
	svc := NewService(collaborator, nil, fastRetryConfig(), logger.NopLogger())

	require.NoError(t, svc.Consume(context.Background(), testJob()))
	assert.Equal(t, 3, collaborator.calls)
}

func TestConsumeGivesUpAfterMaxAttempts(t *testing.T) {
	collaborator := &scriptedCollaborator{persisted: true, failUntil: 10}
	svc := NewService(collaborator, nil, fastRetryConfig(), logger.NopLogger())

	err := svc.Consume(context.Background(), testJob())
	require.Error(t, err)
	assert.Equal(t, 3, collaborator.calls)
}

func TestConsumeFatalErrorIsNotRetried(t *testing.T) {
	collaborator := &scriptedCollaborator{failUntil: 10, fatal: true}
	svc := NewService(collaborator, nil, fastRetryConfig(), logger.NopLogger())

	err := svc.Consume(context.Background(), testJob())
	require.Error(t, err)
	assert.Equal(t, 1, collaborator.calls)
}

func TestConsumeBusinessRejectionIsTerminal(t *testing.T) {
	collaborator := &scriptedCollaborator{persisted: false}
	exporter := &recordingExporter{}
	svc := NewService(collaborator, exporter, fastRetryConfig(), logger.NopLogger())

	require.NoError(t, svc.Consume(context.Background(), testJob()))
	assert.Equal(t, 1, collaborator.calls)
	assert.Empty(t, exporter.published, "rejected messages are not exported")
}

func TestConsumeExportFailureDoesNotFailJob(t *testing.T) {
	collaborator := &scriptedCollaborator{persisted: true}
	exporter := &recordingExporter{err: errors.New("kafka unavailable")}
	svc := NewService(collaborator, exporter, fastRetryConfig(), logger.NopLogger())

	require.NoError(t, svc.Consume(context.Background(), testJob()))
}
