package event

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"waflow/internal/logger"
	"waflow/pkg/tracing"
)

// InstanceResolver recovers the stored tenant-scoped instance behind a raw
// broker identifier. Implemented by the instance package.
type InstanceResolver interface {
	Resolve(ctx context.Context, brokerID string) (instanceID, tenantID string)
}

// NormalizerOptions carry per-call overrides; the explicit instance override
// takes precedence over anything found in the payload.
type NormalizerOptions struct {
	InstanceOverride string
	Origin           string
}

// Normalizer turns parsed contract and legacy events into the canonical
// NormalizedMessage shape. Normalization never fails purely for a missing id:
// a UUID is generated as a last resort.
type Normalizer struct {
	resolver        InstanceResolver
	defaultInstance string
	logger          logger.Logger
}

func NewNormalizer(resolver InstanceResolver, defaultInstance string, log logger.Logger) *Normalizer {
	return &Normalizer{
		resolver:        resolver,
		defaultInstance: defaultInstance,
		logger:          log,
	}
}

// FromContract maps a validated contract event onto the canonical shape.
func (n *Normalizer) FromContract(ctx context.Context, contract *ContractEvent, opts NormalizerOptions) *NormalizedMessage {
	ctx, span := tracing.GetTracer("normalizer").Start(ctx, "normalize.contract")
	defer span.End()

	direction := DirectionInbound
	if contract.Type == "MESSAGE_OUTBOUND" {
		direction = DirectionOutbound
	}

	instanceID := firstNonEmpty(opts.InstanceOverride, contract.InstanceID, n.defaultInstance)
	tenantID := contract.TenantID
	resolvedInstance, resolvedTenant := n.resolveInstance(ctx, instanceID)
	if resolvedInstance != "" {
		instanceID = resolvedInstance
	}
	if tenantID == "" {
		tenantID = resolvedTenant
	}

	msg := &NormalizedMessage{
		ID:         firstNonEmpty(messageKeyID(contract.Message), contract.ID, uuid.New().String()),
		InstanceID: instanceID,
		TenantID:   tenantID,
		SessionID:  contract.SessionID,
		Direction:  direction,
		Timestamp:  NormalizeTimestamp(contract.Timestamp),
		Contact:    contract.Contact,
		Message:    contract.Message,
		Metadata:   provenance(contract.Metadata, "contract", opts.Origin),
	}
	return msg
}

// FromLegacy runs the permissive extractor over one message of a legacy
// upsert, tolerating missing fields with explicit null defaults.
func (n *Normalizer) FromLegacy(ctx context.Context, legacy *LegacyUpsert, raw map[string]interface{}, opts NormalizerOptions) *NormalizedMessage {
	ctx, span := tracing.GetTracer("normalizer").Start(ctx, "normalize.legacy")
	defer span.End()

	payload := getMap(raw, "message")
	if payload == nil {
		payload = raw
	}

	direction := DirectionInbound
	if key := getMap(raw, "key"); key != nil {
		if fromMe, ok := key["fromMe"].(bool); ok && fromMe {
			direction = DirectionOutbound
		}
	}
	if d := firstString(raw, "direction", "flow"); d == "OUTBOUND" || d == "outgoing" {
		direction = DirectionOutbound
	}

	instanceID := firstNonEmpty(
		opts.InstanceOverride,
		firstString(raw, "instanceId", "instance", "sessionId"),
		legacy.InstanceID,
		n.defaultInstance,
	)
	tenantID := firstNonEmpty(firstString(raw, "tenantId", "companyId"), legacy.TenantID)
	resolvedInstance, resolvedTenant := n.resolveInstance(ctx, instanceID)
	if resolvedInstance != "" {
		instanceID = resolvedInstance
	}
	if tenantID == "" {
		tenantID = resolvedTenant
	}

	msg := &NormalizedMessage{
		ID:         firstNonEmpty(extractMessageID(raw), uuid.New().String()),
		InstanceID: instanceID,
		TenantID:   tenantID,
		SessionID:  firstString(raw, "sessionId", "session"),
		Direction:  direction,
		Timestamp:  NormalizeTimestamp(rawTimestamp(raw)),
		Contact:    extractContact(raw),
		Message:    payload,
		Metadata:   provenance(getMap(raw, "metadata"), "legacy", opts.Origin),
	}

	if n.logger != nil {
		n.logger.DebugwCtx(ctx, "Normalized legacy message",
			"message_id", msg.ID,
			"instance_id", msg.InstanceID,
			"preview", Preview(raw),
		)
	}
	return msg
}

func (n *Normalizer) resolveInstance(ctx context.Context, rawID string) (string, string) {
	if n.resolver == nil || rawID == "" {
		return "", ""
	}
	return n.resolver.Resolve(ctx, rawID)
}

// NormalizeTimestamp converts epoch seconds, epoch millis or a non-empty
// string into ISO-8601 UTC. Numeric values above 1e12 are taken as millis.
func NormalizeTimestamp(v interface{}) string {
	switch t := v.(type) {
	case nil:
	case float64:
		if t > 0 {
			return epochToTime(int64(t)).Format(time.RFC3339)
		}
	case int64:
		if t > 0 {
			return epochToTime(t).Format(time.RFC3339)
		}
	case int:
		if t > 0 {
			return epochToTime(int64(t)).Format(time.RFC3339)
		}
	case string:
		if t != "" {
			return t
		}
	default:
		s := fmt.Sprintf("%v", t)
		if s != "" && s != "<nil>" {
			return s
		}
	}
	return time.Now().UTC().Format(time.RFC3339)
}

func rawTimestamp(raw map[string]interface{}) interface{} {
	for _, key := range []string{"timestamp", "messageTimestamp", "t"} {
		if v, ok := raw[key]; ok && v != nil {
			return v
		}
	}
	return nil
}

// extractContact pulls contact details from the candidate nesting levels the
// historical connectors have used.
func extractContact(raw map[string]interface{}) Contact {
	candidates := []map[string]interface{}{
		getMap(raw, "contact"),
		getMap(raw, "sender"),
		getMap(getMap(raw, "key"), "participant"),
	}

	for _, c := range candidates {
		if c == nil {
			continue
		}
		return Contact{
			Phone:    firstString(c, "phone", "number", "jid", "id"),
			Name:     firstString(c, "name", "pushName", "notifyName"),
			Document: getString(c, "document"),
		}
	}

	return Contact{
		Phone: firstString(raw, "from", "remoteJid", "phone"),
		Name:  firstString(raw, "pushName", "notifyName"),
	}
}

func messageKeyID(message map[string]interface{}) string {
	if key := getMap(message, "key"); key != nil {
		return getString(key, "id")
	}
	return ""
}

func provenance(metadata map[string]interface{}, source, origin string) map[string]interface{} {
	out := make(map[string]interface{}, len(metadata)+2)
	for k, v := range metadata {
		out[k] = v
	}
	out["source"] = source
	if origin != "" {
		out["origin"] = origin
	}
	return out
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
