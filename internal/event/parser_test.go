package event

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustDecode(t *testing.T, payload string) map[string]interface{} {
	t.Helper()
	var raw map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(payload), &raw))
	return raw
}

func TestUnwrapMergesSiblingsWithoutOverwriting(t *testing.T) {
	raw := mustDecode(t, `{
		"instanceId": "outer-instance",
		"tenantId": "tenant-1",
		"body": {"type": "MESSAGE_INBOUND", "instanceId": "inner-instance"}
	}`)

	merged := Unwrap(raw)

	assert.Equal(t, "MESSAGE_INBOUND", merged["type"])
	assert.Equal(t, "inner-instance", merged["instanceId"], "body fields win over siblings")
	assert.Equal(t, "tenant-1", merged["tenantId"], "siblings without body counterpart survive")
}

func TestParseClassification(t *testing.T) {
	tests := []struct {
		name    string
		payload string
		want    Kind
	}{
		{
			name: "contract inbound",
			payload: `{
				"type": "MESSAGE_INBOUND",
				"instanceId": "inst-1",
				"contact": {"phone": "5511999990000", "name": "Ana"},
				"message": {"type": "text", "body": "oi"}
			}`,
			want: KindContract,
		},
		{
			name: "contract outbound",
			payload: `{
				"type": "MESSAGE_OUTBOUND",
				"instanceId": "inst-1",
				"contact": {"phone": "5511999990000"},
				"message": {"type": "text", "body": "tudo bem?"}
			}`,
			want: KindContract,
		},
		{
			name:    "contract missing contact is unrecognized",
			payload: `{"type": "MESSAGE_INBOUND", "instanceId": "inst-1", "message": {"body": "x"}}`,
			want:    KindUnrecognized,
		},
		{
			name:    "legacy message event",
			payload: `{"event": "message", "instanceId": "inst-legacy", "message": {"body": "hello"}}`,
			want:    KindLegacyUpsert,
		},
		{
			name:    "legacy upsert with messages array",
			payload: `{"data": {"messages": [{"key": {"id": "abc"}}]}, "instance": "inst-legacy"}`,
			want:    KindLegacyUpsert,
		},
		{
			name:    "ack by type",
			payload: `{"type": "WHATSAPP_MESSAGES_UPDATE", "data": {"messages": [{"key": {"id": "m1"}, "update": {"status": 2}}]}}`,
			want:    KindAckUpdate,
		},
		{
			name:    "ack by event name",
			payload: `{"event": "messages.update", "updates": [{"messageId": "m1", "status": "READ"}]}`,
			want:    KindAckUpdate,
		},
		{
			name:    "poll choice by type",
			payload: `{"type": "POLL_CHOICE", "pollId": "p1", "voterJid": "5511@s.whatsapp.net"}`,
			want:    KindPollChoice,
		},
		{
			name:    "poll choice inferred from shape",
			payload: `{"pollId": "p1", "voterJid": "5511@s.whatsapp.net", "optionIds": ["opt-1"]}`,
			want:    KindPollChoice,
		},
		{
			name:    "unknown type dropped",
			payload: `{"type": "PRESENCE_UPDATE", "instanceId": "inst-1"}`,
			want:    KindUnrecognized,
		},
		{
			name:    "wrapped in body envelope",
			payload: `{"body": {"type": "POLL_CHOICE", "pollId": "p2", "voterJid": "jid"}}`,
			want:    KindPollChoice,
		},
	}

	parser := NewParser()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			parsed := parser.Parse(mustDecode(t, tt.payload))
			assert.Equal(t, tt.want, parsed.Kind)
		})
	}
}

func TestParseContractFields(t *testing.T) {
	parser := NewParser()
	parsed := parser.Parse(mustDecode(t, `{
		"type": "MESSAGE_INBOUND",
		"id": "evt-9",
		"instanceId": "inst-1",
		"tenantId": "tenant-7",
		"sessionId": "sess-1",
		"timestamp": 1714000000,
		"contact": {"phone": "5511999990000", "name": "Ana"},
		"message": {"type": "text", "body": "oi"}
	}`))

	require.Equal(t, KindContract, parsed.Kind)
	require.NotNil(t, parsed.Contract)
	assert.Equal(t, "evt-9", parsed.Contract.ID)
	assert.Equal(t, "tenant-7", parsed.Contract.TenantID)
	assert.Equal(t, "Ana", parsed.Contract.Contact.Name)
}

func TestParseAckEntries(t *testing.T) {
	parser := NewParser()
	parsed := parser.Parse(mustDecode(t, `{
		"type": "WHATSAPP_MESSAGES_UPDATE",
		"instanceId": "inst-1",
		"data": {"messages": [
			{"key": {"id": "m1"}, "update": {"status": 3}},
			{"key": {"id": "m2"}, "update": {"status": "DELIVERED"}}
		]}
	}`))

	require.Equal(t, KindAckUpdate, parsed.Kind)
	require.Len(t, parsed.Ack.Entries, 2)
	assert.Equal(t, AckRead, parsed.Ack.Entries[0].Status)
	assert.Equal(t, "m1", parsed.Ack.Entries[0].MessageID)
	assert.Equal(t, AckDelivered, parsed.Ack.Entries[1].Status)
}

func TestParsePollChoiceMergesData(t *testing.T) {
	parser := NewParser()
	parsed := parser.Parse(mustDecode(t, `{
		"type": "POLL_CHOICE",
		"instance": "inst-raw",
		"data": {"pollId": "p1", "voterJid": "v1", "optionIds": ["a", "b"]}
	}`))

	require.Equal(t, KindPollChoice, parsed.Kind)
	assert.Equal(t, "p1", parsed.PollChoice.PollID)
	assert.Equal(t, "inst-raw", parsed.PollChoice.InstanceID)
	assert.Equal(t, []string{"a", "b"}, parsed.PollChoice.OptionIDs)
}

func TestParsePollChoiceEpochTimestamp(t *testing.T) {
	parser := NewParser()
	parsed := parser.Parse(mustDecode(t, `{
		"type": "POLL_CHOICE",
		"pollId": "p1",
		"voterJid": "v1@s.whatsapp.net",
		"timestamp": 1700000000,
		"optionIds": ["a"]
	}`))

	require.Equal(t, KindPollChoice, parsed.Kind)
	assert.Equal(t, "p1", parsed.PollChoice.PollID)
	assert.Equal(t, "v1@s.whatsapp.net", parsed.PollChoice.VoterJID)
	assert.Equal(t, time.Unix(1700000000, 0).UTC(), parsed.PollChoice.Timestamp)
	assert.NoError(t, parser.ValidatePollChoice(parsed.PollChoice))
}

func TestValidatePollChoice(t *testing.T) {
	parser := NewParser()

	valid := &PollChoiceEvent{PollID: "p1", VoterJID: "v1"}
	assert.NoError(t, parser.ValidatePollChoice(valid))

	missing := &PollChoiceEvent{PollID: "p1"}
	assert.Error(t, parser.ValidatePollChoice(missing))
}

func TestIsContractShaped(t *testing.T) {
	assert.True(t, IsContractShaped(mustDecode(t, `{"type": "MESSAGE_INBOUND"}`)))
	assert.True(t, IsContractShaped(mustDecode(t, `{"body": {"type": "MESSAGE_OUTBOUND"}}`)))
	assert.False(t, IsContractShaped(mustDecode(t, `{"type": "PRESENCE_UPDATE"}`)))
}

func TestPreviewTruncates(t *testing.T) {
	raw := map[string]interface{}{"blob": strings.Repeat("x", 5000)}
	preview := Preview(raw)
	assert.LessOrEqual(t, len(preview), 2010)
	assert.Contains(t, preview, "blob")
}
