package poll

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"

	"waflow/internal/constants"
	"waflow/internal/crm"
	"waflow/internal/event"
	"waflow/internal/logger"
	"waflow/internal/storage"
	"waflow/pkg/errors"
	"waflow/pkg/metrics"
)

// Rewriter turns a persisted vote into a human-readable chat message: the
// poll-creation message is stored with a placeholder body until a vote
// resolves option titles, at which point its content is rewritten in place.
// When no tenant is attributable yet the rewrite is deferred once via the
// scheduler; the retry re-resolves the tenant through poll metadata and then
// either completes or gives up.
type Rewriter struct {
	store     storage.MessageStore
	repo      Repository
	crm       crm.Collaborator
	scheduler Scheduler
	bus       *Bus
	delay     time.Duration
	logger    logger.Logger
	now       func() time.Time
}

func NewRewriter(store storage.MessageStore, repo Repository, collaborator crm.Collaborator, scheduler Scheduler, bus *Bus, delay time.Duration, log logger.Logger) *Rewriter {
	return &Rewriter{
		store:     store,
		repo:      repo,
		crm:       collaborator,
		scheduler: scheduler,
		bus:       bus,
		delay:     delay,
		logger:    log,
		now:       time.Now,
	}
}

// Rewrite attempts the message rewrite for a freshly persisted vote. The
// returned bool is true when the attempt was deferred; in that case the
// scheduled retry publishes the terminal outcome itself.
func (r *Rewriter) Rewrite(ctx context.Context, state *State, choice *event.PollChoiceEvent) (Completed, bool) {
	tc := tenantContext(state, choice)
	if tc == nil || tc.TenantID == "" {
		r.deferRewrite(choice)
		return Completed{}, true
	}
	return r.apply(ctx, state, choice, tc), false
}

// deferRewrite schedules the single retry. At most one retry per vote; a
// still-unresolved tenant after the delay abandons the attempt.
func (r *Rewriter) deferRewrite(choice *event.PollChoiceEvent) {
	r.logger.Infow("Poll rewrite deferred, tenant not yet resolvable",
		"poll_id", choice.PollID,
		"voter_jid", choice.VoterJID,
		"delay", r.delay,
	)
	r.scheduler.AfterFunc(r.delay, func() {
		// The originating request has long been answered; the retry runs
		// on its own context.
		ctx := context.Background()

		state, err := r.repo.Get(ctx, choice.PollID)
		if err != nil {
			r.logger.ErrorwCtx(ctx, "Poll rewrite retry failed to load state",
				"poll_id", choice.PollID, "error", err)
			metrics.PollRewriteRetriesTotal.WithLabelValues("error").Inc()
			r.publish(choice, Completed{Outcome: OutcomeFailed, Reason: ReasonStoreError})
			return
		}
		tc := tenantContext(state, choice)
		if tc == nil || tc.TenantID == "" {
			r.logger.Warnw("Poll rewrite abandoned, tenant still unresolved",
				"poll_id", choice.PollID, "voter_jid", choice.VoterJID)
			metrics.PollRewriteRetriesTotal.WithLabelValues("abandoned").Inc()
			r.publish(choice, Completed{Outcome: OutcomeFailed, Reason: ReasonMissingTenant})
			return
		}
		metrics.PollRewriteRetriesTotal.WithLabelValues("resolved").Inc()
		r.publish(choice, r.apply(ctx, state, choice, tc))
	})
}

func (r *Rewriter) publish(choice *event.PollChoiceEvent, out Completed) {
	out.PollID = choice.PollID
	out.VoterJID = choice.VoterJID
	r.bus.Publish(out)
}

// apply locates the stored poll message and rewrites its content, or falls
// back to synthesizing an inbox notification when no message matches.
func (r *Rewriter) apply(ctx context.Context, state *State, choice *event.PollChoiceEvent, tc *event.TenantContext) Completed {
	done := func(outcome Outcome, reason string) Completed {
		return Completed{PollID: choice.PollID, VoterJID: choice.VoterJID, Outcome: outcome, Reason: reason}
	}

	text := r.selectedText(state, choice)

	record := r.findTarget(ctx, state, choice, tc)
	if record == nil {
		if tc.ChatID == "" && choice.MessageID == "" {
			return done(OutcomeFailed, ReasonInvalidChatID)
		}
		return r.notifyInbox(ctx, choice, tc, text, done)
	}

	// Already current: the resolved text (or, for encrypted votes with
	// nothing to resolve, the untouched placeholder) matches the stored body
	// and the voter's metadata has landed.
	if hasVoteMetadata(record, choice.VoterJID) {
		if (text != "" && record.Body == text) || (text == "" && record.Body == constants.PlaceholderBody) {
			return done(OutcomeAccepted, ReasonRewriteSkipped)
		}
	}

	mergeVoteMetadata(record, state, choice, text, r.now().UTC())
	if text != "" {
		record.Body = text
		if record.Caption != "" {
			record.Caption = text
		}
	}

	if err := r.store.UpdateMessage(ctx, record); err != nil {
		r.logger.ErrorwCtx(ctx, "Poll message rewrite failed",
			"poll_id", choice.PollID,
			"message_id", record.ExternalID,
			"error", err,
		)
		return done(OutcomeFailed, ReasonIngestError)
	}
	return done(OutcomeAccepted, ReasonApplied)
}

// findTarget resolves the stored poll message, first by external id and then
// by the broader tenant/chat/poll-id candidate search.
func (r *Rewriter) findTarget(ctx context.Context, state *State, choice *event.PollChoiceEvent, tc *event.TenantContext) *storage.MessageRecord {
	for _, id := range []string{choice.MessageID, choice.PollID} {
		if id == "" {
			continue
		}
		record, err := r.store.FindByExternalID(ctx, tc.TenantID, id)
		if err != nil {
			if !errors.IsNotFound(err) {
				r.logger.WarnwCtx(ctx, "Poll message lookup failed", "external_id", id, "error", err)
			}
			continue
		}
		if record != nil {
			return record
		}
	}
	if tc.ChatID == "" {
		return nil
	}
	record, err := r.store.FindPollVoteCandidate(ctx, tc.TenantID, tc.ChatID, choice.PollID)
	if err != nil {
		if !errors.IsNotFound(err) {
			r.logger.WarnwCtx(ctx, "Poll candidate search failed", "poll_id", choice.PollID, "error", err)
		}
		return nil
	}
	return record
}

// notifyInbox synthesizes an inbound message so the vote still surfaces when
// no stored poll message exists.
func (r *Rewriter) notifyInbox(ctx context.Context, choice *event.PollChoiceEvent, tc *event.TenantContext, text string, done func(Outcome, string) Completed) Completed {
	body := text
	if body == "" {
		body = "Voto registrado em enquete"
	}
	msg := &event.NormalizedMessage{
		ID:         uuid.NewString(),
		InstanceID: tc.InstanceID,
		TenantID:   tc.TenantID,
		Direction:  event.DirectionInbound,
		Timestamp:  r.now().UTC().Format(time.RFC3339),
		Contact: event.Contact{
			Phone: jidToPhone(choice.VoterJID),
		},
		Message: map[string]interface{}{
			"type": "text",
			"body": body,
		},
		Metadata: map[string]interface{}{
			"source": "poll_choice",
			"poll": map[string]interface{}{
				"pollId":   choice.PollID,
				"question": tc.Question,
			},
		},
	}

	persisted, err := r.crm.IngestNormalizedMessage(ctx, msg)
	if err != nil {
		r.logger.ErrorwCtx(ctx, "Poll inbox notification failed",
			"poll_id", choice.PollID, "error", err)
		return done(OutcomeFailed, ReasonIngestError)
	}
	if !persisted {
		return done(OutcomeFailed, ReasonIngestRejected)
	}
	return done(OutcomeAccepted, ReasonApplied)
}

// selectedText joins the voter's resolved option titles. Empty for encrypted
// votes with no resolved selections.
func (r *Rewriter) selectedText(state *State, choice *event.PollChoiceEvent) string {
	entry, ok := state.Votes[choice.VoterJID]
	if !ok {
		return ""
	}
	if len(entry.SelectedOptions) > 0 {
		return strings.Join(entry.SelectedOptions, ", ")
	}
	titles := make([]string, 0, len(entry.OptionIDs))
	for _, id := range entry.OptionIDs {
		titles = append(titles, state.OptionTitle(id))
	}
	return strings.Join(titles, ", ")
}

func tenantContext(state *State, choice *event.PollChoiceEvent) *event.TenantContext {
	if choice.TenantContext != nil && choice.TenantContext.TenantID != "" {
		return choice.TenantContext
	}
	if state != nil && state.Context != nil {
		return state.Context
	}
	return choice.TenantContext
}

func hasVoteMetadata(record *storage.MessageRecord, voterJID string) bool {
	pc, ok := record.Metadata["pollChoice"].(map[string]interface{})
	if !ok {
		return false
	}
	jid, _ := pc["voterJid"].(string)
	return jid == voterJID
}

// mergeVoteMetadata layers poll, pollChoice and rewrite-audit entries onto
// the record without discarding prior metadata.
func mergeVoteMetadata(record *storage.MessageRecord, state *State, choice *event.PollChoiceEvent, text string, at time.Time) {
	if record.Metadata == nil {
		record.Metadata = make(map[string]interface{})
	}

	pollMeta, _ := record.Metadata["poll"].(map[string]interface{})
	if pollMeta == nil {
		pollMeta = make(map[string]interface{})
	}
	pollMeta["pollId"] = choice.PollID
	if len(state.Options) > 0 {
		options := make([]interface{}, 0, len(state.Options))
		for _, opt := range state.Options {
			options = append(options, map[string]interface{}{
				"id":    opt.ID,
				"title": opt.Title,
				"index": opt.Index,
			})
		}
		pollMeta["options"] = options
	}
	record.Metadata["poll"] = pollMeta

	entry := state.Votes[choice.VoterJID]
	record.Metadata["pollChoice"] = map[string]interface{}{
		"voterJid":        choice.VoterJID,
		"optionIds":       entry.OptionIDs,
		"selectedOptions": entry.SelectedOptions,
		"votedAt":         at.Format(time.RFC3339),
	}

	audit, _ := record.Metadata["rewrite"].([]interface{})
	audit = append(audit, map[string]interface{}{
		"at":   at.Format(time.RFC3339),
		"from": record.Body,
		"to":   text,
	})
	record.Metadata["rewrite"] = audit
}

func jidToPhone(jid string) string {
	if i := strings.IndexByte(jid, '@'); i > 0 {
		return jid[:i]
	}
	return jid
}
