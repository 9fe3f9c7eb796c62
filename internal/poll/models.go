package poll

import (
	"time"

	"waflow/internal/event"
)

// State is the durable per-poll record. Created on the first vote (or on the
// poll-creation message), mutated on every subsequent vote, never deleted.
// Votes are keyed by voter JID so a voter's later vote overwrites their
// earlier one.
type State struct {
	PollID  string               `bson:"_id" json:"pollId"`
	Options []event.PollOption   `bson:"options" json:"options"`
	Votes   map[string]VoteEntry `bson:"votes" json:"votes"`

	// Aggregates are recomputed from Votes on every mutation.
	// BrokerAggregates track the totals as reported by the broker, kept
	// separately so drift between the two is observable.
	Aggregates       event.PollAggregates `bson:"aggregates" json:"aggregates"`
	BrokerAggregates event.PollAggregates `bson:"brokerAggregates" json:"brokerAggregates"`

	UpdatedAt time.Time            `bson:"updatedAt" json:"updatedAt"`
	Context   *event.TenantContext `bson:"context,omitempty" json:"context,omitempty"`
}

// VoteEntry is one voter's most recent vote. Owned exclusively by its State.
type VoteEntry struct {
	OptionIDs       []string   `bson:"optionIds" json:"optionIds"`
	SelectedOptions []string   `bson:"selectedOptions" json:"selectedOptions"`
	MessageID       string     `bson:"messageId,omitempty" json:"messageId,omitempty"`
	Timestamp       *time.Time `bson:"timestamp,omitempty" json:"timestamp,omitempty"`
	EncryptedVote   bool       `bson:"encryptedVote,omitempty" json:"encryptedVote,omitempty"`
}

// RecomputeAggregates rebuilds Aggregates from Votes so the stored totals
// always match the vote map.
func (s *State) RecomputeAggregates() {
	agg := event.PollAggregates{OptionTotals: make(map[string]int)}
	for _, v := range s.Votes {
		agg.TotalVoters++
		agg.TotalVotes += len(v.OptionIDs)
		for _, id := range v.OptionIDs {
			agg.OptionTotals[id]++
		}
	}
	s.Aggregates = agg
}

// OptionTitle resolves the human-readable text for an option id, falling
// back to the raw id when the poll has no titled option for it.
func (s *State) OptionTitle(optionID string) string {
	for _, opt := range s.Options {
		if opt.ID == optionID && opt.Title != "" {
			return opt.Title
		}
	}
	return optionID
}

// Outcome classifies a terminal pipeline result.
type Outcome string

const (
	OutcomeAccepted Outcome = "accepted"
	OutcomeIgnored  Outcome = "ignored"
	OutcomeFailed   Outcome = "failed"
)

// Completed is published on the internal bus for every terminal outcome.
// It is the single point where metrics and notification side effects hang
// off the pipeline.
type Completed struct {
	PollID   string
	VoterJID string
	Outcome  Outcome
	Reason   string
}

// Pipeline outcome reasons.
const (
	ReasonApplied          = "poll_choice_applied"
	ReasonInvalid          = "poll_choice_invalid"
	ReasonDuplicateEvent   = "poll_choice_duplicate_event"
	ReasonDuplicate        = "poll_choice_duplicate"
	ReasonDeferred         = "poll_choice_deferred"
	ReasonMissingTenant    = "missing_tenant"
	ReasonInvalidChatID    = "invalid_chat_id"
	ReasonIngestRejected   = "ingest_rejected"
	ReasonIngestError      = "ingest_error"
	ReasonRewriteSkipped   = "rewrite_skipped"
	ReasonStoreError       = "poll_store_error"
	ReasonGuardUnavailable = "idempotency_unavailable"
)
