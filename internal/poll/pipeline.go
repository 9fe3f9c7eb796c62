package poll

import (
	"context"
	"encoding/json"
	"time"

	"waflow/internal/event"
	"waflow/internal/idempotency"
	"waflow/internal/logger"
)

// Pipeline runs the vote state machine: validate, dedupe, persist, rewrite.
// All side effects (metrics, notifications) hang off the bus; the pipeline
// itself only mutates poll state and the underlying chat message.
type Pipeline struct {
	repo     Repository
	guard    idempotency.Guard
	rewriter *Rewriter
	bus      *Bus
	parser   *event.Parser
	logger   logger.Logger
	now      func() time.Time
}

func NewPipeline(repo Repository, guard idempotency.Guard, rewriter *Rewriter, bus *Bus, parser *event.Parser, log logger.Logger) *Pipeline {
	return &Pipeline{
		repo:     repo,
		guard:    guard,
		rewriter: rewriter,
		bus:      bus,
		parser:   parser,
		logger:   log,
		now:      time.Now,
	}
}

// Handle processes one vote event through every stage. It never returns an
// error to the caller; failures surface as bus outcomes so the webhook
// response is unaffected.
func (p *Pipeline) Handle(ctx context.Context, choice *event.PollChoiceEvent) {
	if err := p.parser.ValidatePollChoice(choice); err != nil {
		p.logger.DebugwCtx(ctx, "Poll choice failed validation", "error", err)
		p.publish(choice, OutcomeIgnored, ReasonInvalid)
		return
	}

	key := idempotency.ScopedKey("poll", choice.PollID, choice.VoterJID)
	fresh, err := p.guard.RegisterIfNew(ctx, key)
	if err != nil {
		// The guard's fallback policy already decided; err means deny, so the
		// vote is dropped rather than risked as a duplicate.
		p.logger.WarnwCtx(ctx, "Poll vote idempotency check failed", "poll_id", choice.PollID, "error", err)
		p.publish(choice, OutcomeIgnored, ReasonGuardUnavailable)
		return
	}
	if !fresh {
		p.publish(choice, OutcomeIgnored, ReasonDuplicateEvent)
		return
	}

	state, changed, err := p.persistVote(ctx, choice)
	if err != nil {
		p.logger.ErrorwCtx(ctx, "Failed to persist poll vote",
			"poll_id", choice.PollID,
			"voter_jid", choice.VoterJID,
			"error", err,
		)
		p.publish(choice, OutcomeFailed, ReasonStoreError)
		return
	}
	if !changed {
		p.publish(choice, OutcomeIgnored, ReasonDuplicate)
		return
	}

	outcome, deferred := p.rewriter.Rewrite(ctx, state, choice)
	if !deferred {
		p.bus.Publish(outcome)
	}
}

// persistVote overwrites the voter's entry, recomputes aggregates and
// refreshes broker-reported totals. The bool result is false when the new
// entry is byte-identical to the stored one.
func (p *Pipeline) persistVote(ctx context.Context, choice *event.PollChoiceEvent) (*State, bool, error) {
	state, err := p.repo.Get(ctx, choice.PollID)
	if err != nil {
		return nil, false, err
	}
	if state == nil {
		state = &State{
			PollID: choice.PollID,
			Votes:  make(map[string]VoteEntry),
		}
	}
	if state.Votes == nil {
		state.Votes = make(map[string]VoteEntry)
	}
	if len(choice.Options) > 0 {
		state.Options = choice.Options
	}
	if choice.TenantContext != nil {
		state.Context = choice.TenantContext
	}

	entry := buildVoteEntry(choice)
	if prior, ok := state.Votes[choice.VoterJID]; ok && sameEntry(prior, entry) {
		return state, false, nil
	}
	state.Votes[choice.VoterJID] = entry
	state.RecomputeAggregates()

	// Broker totals are recorded verbatim so drift against our own
	// aggregates stays visible.
	if choice.Aggregates.TotalVoters > 0 || choice.Aggregates.TotalVotes > 0 || len(choice.Aggregates.OptionTotals) > 0 {
		state.BrokerAggregates = choice.Aggregates
	}
	state.UpdatedAt = p.now().UTC()

	if err := p.repo.Upsert(ctx, state); err != nil {
		return nil, false, err
	}
	return state, true, nil
}

func (p *Pipeline) publish(choice *event.PollChoiceEvent, outcome Outcome, reason string) {
	p.bus.Publish(Completed{
		PollID:   choice.PollID,
		VoterJID: choice.VoterJID,
		Outcome:  outcome,
		Reason:   reason,
	})
}

func buildVoteEntry(choice *event.PollChoiceEvent) VoteEntry {
	entry := VoteEntry{
		OptionIDs:     append([]string(nil), choice.OptionIDs...),
		MessageID:     choice.MessageID,
		EncryptedVote: choice.EncryptedVote != "" && len(choice.SelectedOptions) == 0 && len(choice.OptionIDs) == 0,
	}
	if !choice.Timestamp.IsZero() {
		ts := choice.Timestamp.UTC()
		entry.Timestamp = &ts
	}
	for _, raw := range choice.SelectedOptions {
		if id := selectedOptionID(raw); id != "" && !containsString(entry.OptionIDs, id) {
			entry.OptionIDs = append(entry.OptionIDs, id)
		}
		if text := resolveOptionText(raw); text != "" {
			entry.SelectedOptions = append(entry.SelectedOptions, text)
		}
	}
	return entry
}

func sameEntry(a, b VoteEntry) bool {
	ab, err := json.Marshal(a)
	if err != nil {
		return false
	}
	bb, err := json.Marshal(b)
	if err != nil {
		return false
	}
	return string(ab) == string(bb)
}

// resolveOptionText picks the display text for a selected option. Candidates
// are tried in order and the first non-blank wins, with the raw option id as
// last resort.
func resolveOptionText(raw map[string]interface{}) string {
	for _, key := range []string{"title", "optionName", "name", "text", "description"} {
		if s, ok := raw[key].(string); ok && s != "" {
			return s
		}
	}
	return selectedOptionID(raw)
}

func selectedOptionID(raw map[string]interface{}) string {
	for _, key := range []string{"id", "optionId"} {
		if s, ok := raw[key].(string); ok && s != "" {
			return s
		}
	}
	return ""
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
