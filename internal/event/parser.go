package event

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"waflow/internal/constants"
)

// Parser narrows heterogeneous broker payloads into the ParsedEvent union.
// It never returns an error: payloads it cannot place are tagged
// KindUnrecognized and counted upstream.
type Parser struct {
	validate *validator.Validate
}

func NewParser() *Parser {
	return &Parser{validate: validator.New()}
}

// Unwrap peels one level of `{body:{...}, ...siblings}` envelopes, merging
// sibling keys as fallback without overwriting body fields.
func Unwrap(raw map[string]interface{}) map[string]interface{} {
	body, ok := raw["body"].(map[string]interface{})
	if !ok {
		return raw
	}

	merged := make(map[string]interface{}, len(body)+len(raw))
	for k, v := range raw {
		if k == "body" {
			continue
		}
		merged[k] = v
	}
	for k, v := range body {
		merged[k] = v
	}
	return merged
}

// Parse classifies a single unwrapped payload.
func (p *Parser) Parse(raw map[string]interface{}) ParsedEvent {
	unwrapped := Unwrap(raw)

	typ := getString(unwrapped, "type")
	evt := getString(unwrapped, "event")

	switch {
	case isAckType(typ, evt):
		return p.parseAck(unwrapped)
	case isPollChoiceType(typ, evt, unwrapped):
		return p.parsePollChoice(unwrapped)
	case typ == "MESSAGE_INBOUND" || typ == "MESSAGE_OUTBOUND":
		return p.parseContract(unwrapped)
	case evt == "message" || hasMessagesArray(unwrapped):
		return p.parseLegacy(unwrapped)
	default:
		return ParsedEvent{Kind: KindUnrecognized, Raw: unwrapped}
	}
}

func isAckType(typ, evt string) bool {
	switch typ {
	case "WHATSAPP_MESSAGES_UPDATE", "MESSAGE_ACK":
		return true
	}
	switch evt {
	case "messages.update", "message.ack":
		return true
	}
	return false
}

func isPollChoiceType(typ, evt string, raw map[string]interface{}) bool {
	switch typ {
	case "POLL_CHOICE", "WHATSAPP_POLL_VOTE":
		return true
	}
	switch evt {
	case "poll.vote", "pollChoice":
		return true
	}
	// Vote payloads from older connectors carry no type at all.
	return getString(raw, "pollId") != "" && getString(raw, "voterJid") != ""
}

func hasMessagesArray(raw map[string]interface{}) bool {
	inner := raw
	if data := getMap(raw, "data"); data != nil {
		inner = data
	}
	_, ok := inner["messages"].([]interface{})
	return ok
}

func (p *Parser) parseContract(raw map[string]interface{}) ParsedEvent {
	var contract ContractEvent
	if err := remarshal(raw, &contract); err != nil {
		return ParsedEvent{Kind: KindUnrecognized, Raw: raw}
	}
	if err := p.validate.Struct(&contract); err != nil {
		// Strict path: a contract-shaped event that fails validation is
		// dropped, not demoted to the permissive extractor.
		return ParsedEvent{Kind: KindUnrecognized, Raw: raw}
	}
	return ParsedEvent{Kind: KindContract, Contract: &contract, Raw: raw}
}

// IsContractShaped reports whether a payload claims the contract envelope
// type; lets callers count invalid_contract drops apart from
// unsupported_event ones.
func IsContractShaped(raw map[string]interface{}) bool {
	typ := getString(Unwrap(raw), "type")
	return typ == "MESSAGE_INBOUND" || typ == "MESSAGE_OUTBOUND"
}

func (p *Parser) parseLegacy(raw map[string]interface{}) ParsedEvent {
	legacy := &LegacyUpsert{
		InstanceID: firstString(raw, "instanceId", "instance", "sessionId", "session"),
		TenantID:   firstString(raw, "tenantId", "companyId"),
	}

	inner := raw
	if data := getMap(raw, "data"); data != nil {
		inner = data
		if legacy.InstanceID == "" {
			legacy.InstanceID = firstString(data, "instanceId", "instance", "sessionId")
		}
	}

	if msgs, ok := inner["messages"].([]interface{}); ok {
		for _, m := range msgs {
			if mm, ok := m.(map[string]interface{}); ok {
				legacy.Messages = append(legacy.Messages, mm)
			}
		}
	} else if msg := getMap(inner, "message"); msg != nil {
		legacy.Messages = append(legacy.Messages, inner)
	} else {
		// Single flat message event.
		legacy.Messages = append(legacy.Messages, inner)
	}

	return ParsedEvent{Kind: KindLegacyUpsert, Legacy: legacy, Raw: raw}
}

func (p *Parser) parseAck(raw map[string]interface{}) ParsedEvent {
	ack := &AckUpdate{
		InstanceID: firstString(raw, "instanceId", "instance", "sessionId"),
		TenantID:   firstString(raw, "tenantId", "companyId"),
	}

	inner := raw
	if data := getMap(raw, "data"); data != nil {
		inner = data
		if ack.InstanceID == "" {
			ack.InstanceID = firstString(data, "instanceId", "instance")
		}
	}

	appendEntry := func(m map[string]interface{}) {
		entry := AckEntry{
			MessageID: extractMessageID(m),
		}
		update := getMap(m, "update")
		if update == nil {
			update = m
		}
		symbolic := firstString(update, "status", "ack")
		numeric := getInt(update, "status")
		if numeric == 0 {
			numeric = getInt(update, "ack")
		}
		entry.NumericStatus = numeric
		entry.Status = AckStatusFromBroker(symbolic, numeric)
		entry.Timestamp = extractTime(m)
		if entry.MessageID != "" {
			ack.Entries = append(ack.Entries, entry)
		}
	}

	if updates, ok := inner["updates"].([]interface{}); ok {
		for _, u := range updates {
			if um, ok := u.(map[string]interface{}); ok {
				appendEntry(um)
			}
		}
	} else if msgs, ok := inner["messages"].([]interface{}); ok {
		for _, m := range msgs {
			if mm, ok := m.(map[string]interface{}); ok {
				appendEntry(mm)
			}
		}
	} else {
		appendEntry(inner)
	}

	return ParsedEvent{Kind: KindAckUpdate, Ack: ack, Raw: raw}
}

func (p *Parser) parsePollChoice(raw map[string]interface{}) ParsedEvent {
	inner := raw
	if data := getMap(raw, "data"); data != nil {
		merged := make(map[string]interface{}, len(raw)+len(data))
		for k, v := range raw {
			if k == "data" {
				continue
			}
			merged[k] = v
		}
		for k, v := range data {
			merged[k] = v
		}
		inner = merged
	}

	var choice PollChoiceEvent
	// Decoding is best-effort: whatever fields did bind survive and the
	// schema check downstream decides whether the vote is usable.
	_ = remarshal(inner, &choice)
	choice.Timestamp = extractTime(inner)
	if choice.InstanceID == "" {
		choice.InstanceID = firstString(inner, "instance", "sessionId")
	}
	return ParsedEvent{Kind: KindPollChoice, PollChoice: &choice, Raw: raw}
}

// ValidatePollChoice runs the strict schema check on a parsed vote.
func (p *Parser) ValidatePollChoice(choice *PollChoiceEvent) error {
	return p.validate.Struct(choice)
}

// Preview renders a bounded debug snapshot of a raw payload. Never persisted
// beyond logs.
func Preview(raw map[string]interface{}) string {
	b, err := json.Marshal(raw)
	if err != nil {
		return ""
	}
	s := string(b)
	if len(s) > constants.RawPreviewLimit {
		s = s[:constants.RawPreviewLimit]
	}
	return s
}

func remarshal(src map[string]interface{}, dst interface{}) error {
	b, err := json.Marshal(src)
	if err != nil {
		return err
	}
	return json.Unmarshal(b, dst)
}

func getString(m map[string]interface{}, key string) string {
	if m == nil {
		return ""
	}
	if s, ok := m[key].(string); ok {
		return strings.TrimSpace(s)
	}
	return ""
}

func firstString(m map[string]interface{}, keys ...string) string {
	for _, k := range keys {
		if s := getString(m, k); s != "" {
			return s
		}
	}
	return ""
}

func getMap(m map[string]interface{}, key string) map[string]interface{} {
	if m == nil {
		return nil
	}
	if mm, ok := m[key].(map[string]interface{}); ok {
		return mm
	}
	return nil
}

func getInt(m map[string]interface{}, key string) int {
	if m == nil {
		return 0
	}
	switch v := m[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	case json.Number:
		if i, err := v.Int64(); err == nil {
			return int(i)
		}
	}
	return 0
}

func extractMessageID(m map[string]interface{}) string {
	if key := getMap(m, "key"); key != nil {
		if id := getString(key, "id"); id != "" {
			return id
		}
	}
	return firstString(m, "messageId", "id")
}

func extractTime(m map[string]interface{}) time.Time {
	for _, key := range []string{"timestamp", "messageTimestamp", "t"} {
		switch v := m[key].(type) {
		case float64:
			return epochToTime(int64(v))
		case string:
			if v == "" {
				continue
			}
			if ts, err := time.Parse(time.RFC3339, v); err == nil {
				return ts
			}
		}
	}
	return time.Now().UTC()
}

func epochToTime(v int64) time.Time {
	if v > int64(constants.MillisThreshold) {
		return time.UnixMilli(v).UTC()
	}
	return time.Unix(v, 0).UTC()
}
