package ingest

import (
	"context"
	"time"

	"waflow/internal/broker"
	"waflow/internal/config"
	"waflow/internal/crm"
	"waflow/internal/logger"
	"waflow/internal/queue"
	"waflow/pkg/logging"
	"waflow/pkg/metrics"
	"waflow/pkg/retry"
)

// Service is the queue consumer: it pushes a normalized message into the
// upstream application and, when an exporter is configured, onto the export
// topic. Retries apply to the upstream call only; a business rejection is
// terminal.
type Service struct {
	crm      crm.Collaborator
	exporter broker.Exporter
	policy   retry.Policy
	logger   logger.Logger
}

func NewService(collaborator crm.Collaborator, exporter broker.Exporter, cfg config.RetryConfig, log logger.Logger) *Service {
	policy := retry.DefaultPolicy()
	if cfg.MaxAttempts > 0 {
		policy = retry.Policy{
			MaxAttempts:     cfg.MaxAttempts,
			InitialInterval: cfg.InitialInterval,
			MaxInterval:     cfg.MaxInterval,
			Multiplier:      cfg.Multiplier,
			MaxElapsedTime:  cfg.MaxElapsedTime,
		}
	}
	return &Service{
		crm:      collaborator,
		exporter: exporter,
		policy:   policy,
		logger:   log,
	}
}

// Consume is the queue.ConsumerFunc wired into the job queue.
func (s *Service) Consume(ctx context.Context, job queue.Job) error {
	ctx = logging.WithMessageID(ctx, job.Message.ID)
	ctx = logging.WithTenantID(ctx, job.Message.TenantID)
	ctx = logging.WithInstanceID(ctx, job.Message.InstanceID)

	var persisted bool

	err := retry.RetryWithCallback(ctx, s.policy,
		func() error {
			var err error
			persisted, err = s.crm.IngestNormalizedMessage(ctx, job.Message)
			return err
		},
		func(attempt int, err error, nextDelay time.Duration) {
			metrics.RetryAttemptsTotal.WithLabelValues("crm", "ingest_message").Inc()
			s.logger.WarnwCtx(ctx, "Retrying message ingestion",
				"attempt", attempt,
				"next_delay", nextDelay,
				"error", err,
			)
		},
	)
	if err != nil {
		return err
	}

	if !persisted {
		// Upstream declined the message on business grounds. Counted, not
		// retried.
		metrics.IncEvent(job.Origin, job.Message.TenantID, job.Message.InstanceID, "failed", "ingest_rejected")
		return nil
	}

	metrics.IncEvent(job.Origin, job.Message.TenantID, job.Message.InstanceID, "accepted", "ingested")

	if s.exporter != nil {
		if err := s.exporter.Publish(ctx, job.Message); err != nil {
			s.logger.WarnwCtx(ctx, "Export publish failed", "error", err)
		}
	}
	return nil
}
