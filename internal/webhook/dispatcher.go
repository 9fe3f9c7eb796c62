package webhook

import (
	"context"
	"time"

	"waflow/internal/ack"
	"waflow/internal/event"
	"waflow/internal/idempotency"
	"waflow/internal/logger"
	"waflow/internal/poll"
	"waflow/internal/queue"
	"waflow/pkg/metrics"
)

// InstanceDirectory resolves broker identifiers to stored instances and
// records mappings observed on tenant-attributed events, so later events
// that arrive with only a broker id can still be attributed.
type InstanceDirectory interface {
	event.InstanceResolver
	Observe(ctx context.Context, brokerID, tenantID string)
}

// Dispatcher routes one raw broker event through parse, normalize, dedup and
// the component that owns its kind. Both delivery paths (webhook push and
// cursor poller pull) funnel through it, distinguished only by origin.
type Dispatcher struct {
	parser     *event.Parser
	normalizer *event.Normalizer
	resolver   InstanceDirectory
	guard      idempotency.Guard
	reconciler *ack.Reconciler
	polls      *poll.Pipeline
	queue      *queue.Queue
	logger     logger.Logger
}

func NewDispatcher(parser *event.Parser, normalizer *event.Normalizer, resolver InstanceDirectory, guard idempotency.Guard, reconciler *ack.Reconciler, polls *poll.Pipeline, q *queue.Queue, log logger.Logger) *Dispatcher {
	return &Dispatcher{
		parser:     parser,
		normalizer: normalizer,
		resolver:   resolver,
		guard:      guard,
		reconciler: reconciler,
		polls:      polls,
		queue:      q,
		logger:     log,
	}
}

// Dispatch handles a single raw event and reports whether it was accepted
// into the ingestion path (enqueued or applied).
func (d *Dispatcher) Dispatch(ctx context.Context, raw map[string]interface{}, origin string) bool {
	parsed := d.parser.Parse(raw)
	opts := event.NormalizerOptions{Origin: origin}

	switch parsed.Kind {
	case event.KindAckUpdate:
		if parsed.Ack.TenantID == "" && d.resolver != nil && parsed.Ack.InstanceID != "" {
			instanceID, tenantID := d.resolver.Resolve(ctx, parsed.Ack.InstanceID)
			if instanceID != "" {
				parsed.Ack.InstanceID = instanceID
			}
			parsed.Ack.TenantID = tenantID
		} else {
			d.observe(ctx, parsed.Ack.InstanceID, parsed.Ack.TenantID)
		}
		d.reconciler.Apply(ctx, parsed.Ack)
		metrics.IncEvent(origin, parsed.Ack.TenantID, parsed.Ack.InstanceID, "processed", "ack_update")
		return true

	case event.KindPollChoice:
		d.polls.Handle(ctx, parsed.PollChoice)
		metrics.IncEvent(origin, "", parsed.PollChoice.InstanceID, "processed", "poll_choice")
		return true

	case event.KindContract:
		d.observe(ctx, parsed.Contract.InstanceID, parsed.Contract.TenantID)
		msg := d.normalizer.FromContract(ctx, parsed.Contract, opts)
		return d.enqueue(ctx, msg, 0, origin)

	case event.KindLegacyUpsert:
		d.observe(ctx, parsed.Legacy.InstanceID, parsed.Legacy.TenantID)
		accepted := false
		for i, rawMsg := range parsed.Legacy.Messages {
			msg := d.normalizer.FromLegacy(ctx, parsed.Legacy, rawMsg, opts)
			if d.enqueue(ctx, msg, i, origin) {
				accepted = true
			}
		}
		return accepted

	default:
		reason := "unsupported_event"
		if event.IsContractShaped(raw) {
			reason = "invalid_contract"
		}
		d.logger.DebugwCtx(ctx, "Dropping event",
			"origin", origin,
			"reason", reason,
			"preview", event.Preview(parsed.Raw),
		)
		metrics.IncEvent(origin, "", "", "ignored", reason)
		return false
	}
}

// observe records an instance mapping when the event itself attributes both
// the broker identifier and the tenant.
func (d *Dispatcher) observe(ctx context.Context, brokerID, tenantID string) {
	if d.resolver == nil || brokerID == "" || tenantID == "" {
		return
	}
	d.resolver.Observe(ctx, brokerID, tenantID)
}

// enqueue runs the idempotency gate and hands the message to the FIFO queue.
// Duplicates within the TTL window are counted and dropped.
func (d *Dispatcher) enqueue(ctx context.Context, msg *event.NormalizedMessage, sequenceIndex int, origin string) bool {
	key := idempotency.Key(msg.TenantID, msg.InstanceID, msg.ID, sequenceIndex)
	fresh, err := d.guard.RegisterIfNew(ctx, key)
	if err != nil {
		// The guard's own fallback policy already decided; err here means
		// deny, so the event is dropped rather than risked as a duplicate.
		metrics.IncEvent(origin, msg.TenantID, msg.InstanceID, "ignored", "idempotency_unavailable")
		return false
	}
	if !fresh {
		metrics.IncEvent(origin, msg.TenantID, msg.InstanceID, "ignored", "duplicate")
		return false
	}

	d.queue.Enqueue(queue.Job{
		Message:    msg,
		Origin:     origin,
		EnqueuedAt: time.Now(),
	})
	return true
}
