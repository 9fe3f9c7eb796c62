package event

import "time"

type Direction string

const (
	DirectionInbound  Direction = "INBOUND"
	DirectionOutbound Direction = "OUTBOUND"
)

// Kind tags the parsed variant of an inbound broker payload. Exactly one of
// the variant pointers on ParsedEvent is set for each kind.
type Kind string

const (
	KindContract     Kind = "contract"
	KindLegacyUpsert Kind = "legacy_upsert"
	KindAckUpdate    Kind = "ack_update"
	KindPollChoice   Kind = "poll_choice"
	KindUnrecognized Kind = "unrecognized"
)

// ParsedEvent is the tagged union every raw payload is narrowed into before
// any component-specific handling runs.
type ParsedEvent struct {
	Kind       Kind
	Contract   *ContractEvent
	Legacy     *LegacyUpsert
	Ack        *AckUpdate
	PollChoice *PollChoiceEvent

	// Raw keeps the unwrapped envelope for permissive fallback extraction
	// and bounded debug previews.
	Raw map[string]interface{}
}

// ContractEvent is the newer broker envelope. It is validated strictly;
// events failing validation are dropped with reason invalid_contract.
type ContractEvent struct {
	Type       string                 `json:"type" validate:"required,oneof=MESSAGE_INBOUND MESSAGE_OUTBOUND"`
	ID         string                 `json:"id"`
	InstanceID string                 `json:"instanceId" validate:"required"`
	TenantID   string                 `json:"tenantId"`
	SessionID  string                 `json:"sessionId"`
	Timestamp  interface{}            `json:"timestamp"`
	Contact    Contact                `json:"contact" validate:"required"`
	Message    map[string]interface{} `json:"message" validate:"required"`
	Metadata   map[string]interface{} `json:"metadata"`
}

// LegacyUpsert is the historical raw connector shape: an `event: "message"`
// envelope or a connector upsert with nested `messages[]`.
type LegacyUpsert struct {
	InstanceID string
	TenantID   string
	Messages   []map[string]interface{}
}

type Contact struct {
	Phone    string `json:"phone" validate:"required"`
	Name     string `json:"name"`
	Document string `json:"document,omitempty"`
}

// NormalizedMessage is the single canonical shape handed to the ingestion
// collaborator. Immutable once produced.
type NormalizedMessage struct {
	ID         string                 `json:"id"`
	InstanceID string                 `json:"instanceId"`
	TenantID   string                 `json:"tenantId"`
	SessionID  string                 `json:"sessionId,omitempty"`
	Direction  Direction              `json:"direction"`
	Timestamp  string                 `json:"timestamp"`
	Contact    Contact                `json:"contact"`
	Message    map[string]interface{} `json:"message"`
	Metadata   map[string]interface{} `json:"metadata"`
}

// AckStatus ranks follow the WhatsApp delivery chain. Rank order is the
// monotonicity invariant enforced by the reconciler.
type AckStatus string

const (
	AckUnacked   AckStatus = "UNACKED"
	AckSent      AckStatus = "SENT"
	AckDelivered AckStatus = "DELIVERED"
	AckRead      AckStatus = "READ"
)

// Rank returns the position of the status in the delivery chain, -1 for
// unknown statuses.
func (s AckStatus) Rank() int {
	switch s {
	case AckUnacked:
		return 0
	case AckSent:
		return 1
	case AckDelivered:
		return 2
	case AckRead:
		return 3
	default:
		return -1
	}
}

// AckStatusFromBroker maps both symbolic and numeric broker statuses onto the
// canonical chain.
func AckStatusFromBroker(symbolic string, numeric int) AckStatus {
	switch symbolic {
	case "SENT", "sent", "SERVER_ACK":
		return AckSent
	case "DELIVERED", "delivered", "DELIVERY_ACK":
		return AckDelivered
	case "READ", "read", "PLAYED", "played":
		return AckRead
	}
	switch numeric {
	case 1:
		return AckSent
	case 2:
		return AckDelivered
	case 3, 4:
		return AckRead
	}
	return AckUnacked
}

type AckEntry struct {
	MessageID     string    `json:"messageId"`
	Status        AckStatus `json:"status"`
	NumericStatus int       `json:"numericStatus,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
}

// AckUpdate carries one or more delivery-status updates from a
// messages-update class event.
type AckUpdate struct {
	InstanceID string
	TenantID   string
	Entries    []AckEntry
}

// PollChoiceEvent is a per-voter vote on a WhatsApp poll, either with
// broker-resolved selections or an opaque encrypted payload.
// Timestamp is excluded from decoding: brokers send it as epoch seconds,
// epoch millis or RFC3339, so the parser coerces it separately.
type PollChoiceEvent struct {
	PollID          string                   `json:"pollId" validate:"required"`
	VoterJID        string                   `json:"voterJid" validate:"required"`
	MessageID       string                   `json:"messageId"`
	InstanceID      string                   `json:"instanceId"`
	Timestamp       time.Time                `json:"-"`
	Options         []PollOption             `json:"options" validate:"dive"`
	SelectedOptions []map[string]interface{} `json:"selectedOptions"`
	OptionIDs       []string                 `json:"optionIds"`
	EncryptedVote   string                   `json:"encryptedVote,omitempty"`
	Aggregates      PollAggregates           `json:"aggregates"`
	TenantContext   *TenantContext           `json:"tenantContext,omitempty"`
}

type PollOption struct {
	ID    string `json:"id" validate:"required"`
	Title string `json:"title"`
	Index int    `json:"index"`
}

type PollAggregates struct {
	TotalVoters  int            `json:"totalVoters"`
	TotalVotes   int            `json:"totalVotes"`
	OptionTotals map[string]int `json:"optionTotals"`
}

// TenantContext is the tenant/instance attribution recovered either from the
// event itself or later from poll metadata.
type TenantContext struct {
	TenantID   string `json:"tenantId"`
	InstanceID string `json:"instanceId"`
	ChatID     string `json:"chatId,omitempty"`
	Question   string `json:"question,omitempty"`
}
