package integration

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"waflow/internal/event"
	"waflow/internal/poll"
)

func TestPollRepositoryUnknownPollReturnsNil(t *testing.T) {
	infra := SetupTestInfraWithOptions(t, false, true, false)
	repo := poll.NewRepository(infra.MongoDB)

	state, err := repo.Get(context.Background(), "poll-unknown")
	require.NoError(t, err)
	assert.Nil(t, state)
}

func TestPollRepositoryUpsertRoundtrip(t *testing.T) {
	infra := SetupTestInfraWithOptions(t, false, true, false)
	repo := poll.NewRepository(infra.MongoDB)
	ctx := context.Background()

	votedAt := time.Now().UTC().Truncate(time.Millisecond)
	state := &poll.State{
		PollID: "poll-1",
		Options: []event.PollOption{
			{ID: "opt-1", Title: "Pizza", Index: 0},
			{ID: "opt-2", Title: "Sushi", Index: 1},
		},
		Votes: map[string]poll.VoteEntry{
			"5511999990000@s.whatsapp.net": {
				OptionIDs: []string{"opt-1"},
				MessageID: "wamid.1",
				Timestamp: &votedAt,
			},
		},
		Context:   &event.TenantContext{TenantID: "tenant-1", InstanceID: "inst-1", ChatID: "chat-1"},
		UpdatedAt: votedAt,
	}
	state.RecomputeAggregates()

	require.NoError(t, repo.Upsert(ctx, state))

	loaded, err := repo.Get(ctx, "poll-1")
	require.NoError(t, err)
	require.NotNil(t, loaded)
	assert.Equal(t, "poll-1", loaded.PollID)
	assert.Len(t, loaded.Options, 2)
	assert.Equal(t, 1, loaded.Aggregates.TotalVoters)
	require.NotNil(t, loaded.Context)
	assert.Equal(t, "tenant-1", loaded.Context.TenantID)

	entry, ok := loaded.Votes["5511999990000@s.whatsapp.net"]
	require.True(t, ok)
	assert.Equal(t, []string{"opt-1"}, entry.OptionIDs)
}

func TestPollRepositoryUpsertReplacesState(t *testing.T) {
	infra := SetupTestInfraWithOptions(t, false, true, false)
	repo := poll.NewRepository(infra.MongoDB)
	ctx := context.Background()

	state := &poll.State{
		PollID: "poll-2",
		Votes: map[string]poll.VoteEntry{
			"voter-1@s.whatsapp.net": {OptionIDs: []string{"opt-1"}},
		},
	}
	state.RecomputeAggregates()
	require.NoError(t, repo.Upsert(ctx, state))

	// The voter changes their mind; the replaced document must not keep any
	// residue of the earlier selection.
	state.Votes["voter-1@s.whatsapp.net"] = poll.VoteEntry{OptionIDs: []string{"opt-2"}}
	state.RecomputeAggregates()
	require.NoError(t, repo.Upsert(ctx, state))

	loaded, err := repo.Get(ctx, "poll-2")
	require.NoError(t, err)
	require.NotNil(t, loaded)
	assert.Equal(t, []string{"opt-2"}, loaded.Votes["voter-1@s.whatsapp.net"].OptionIDs)
	assert.Equal(t, map[string]int{"opt-2": 1}, loaded.Aggregates.OptionTotals)
}
