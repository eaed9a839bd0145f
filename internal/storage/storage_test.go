package storage_test

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/conclave-ai/conclave/internal/model"
	"github.com/conclave-ai/conclave/internal/storage"
	"github.com/conclave-ai/conclave/internal/testutil"
)

var testDB *storage.DB

func TestMain(m *testing.M) {
	ctx := context.Background()

	tc := testutil.MustStartPostgres()

	var err error
	testDB, err = tc.NewTestDB(ctx, testutil.TestLogger())
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create DB: %v\n", err)
		tc.Terminate()
		os.Exit(1)
	}

	code := m.Run()

	testDB.Close(context.Background())
	tc.Terminate()
	os.Exit(code)
}

func sampleDecision() model.Decision {
	now := time.Now().UTC().Truncate(time.Microsecond)
	return model.Decision{
		ID:             uuid.New(),
		DecisionType:   "deployment",
		Priority:       model.PriorityHigh,
		Title:          "Ship release",
		Description:    "Deploy build 42 to production",
		Options:        []json.RawMessage{json.RawMessage(`{"target":"prod"}`)},
		RequiredAgents: []string{"ci-agent", "lead-agent"},
		OptionalAgents: []string{"observer"},
		Algorithm:      model.AlgorithmSupermajority,
		MinimumVotes:   2,
		TimeoutSeconds: 180,
		Status:         model.StatusVoting,
		CreatedBy:      "proposer",
		Metadata:       map[string]any{"build": float64(42)},
		CreatedAt:      now,
		ExpiresAt:      now.Add(180 * time.Second),
	}
}

func TestDecisionRoundTrip(t *testing.T) {
	ctx := context.Background()
	d := sampleDecision()

	require.NoError(t, testDB.UpsertDecision(ctx, d))

	got, err := testDB.GetDecision(ctx, d.ID)
	require.NoError(t, err)
	assert.Equal(t, d.ID, got.ID)
	assert.Equal(t, d.DecisionType, got.DecisionType)
	assert.Equal(t, d.RequiredAgents, got.RequiredAgents)
	assert.Equal(t, d.OptionalAgents, got.OptionalAgents)
	assert.Equal(t, d.Algorithm, got.Algorithm)
	assert.Equal(t, d.Status, got.Status)
	assert.Equal(t, d.Metadata, got.Metadata)
	require.Len(t, got.Options, 1)
	assert.JSONEq(t, `{"target":"prod"}`, string(got.Options[0]))

	// Upserting the same decision with a new status updates in place.
	d.Status = model.StatusConsensusReached
	require.NoError(t, testDB.UpsertDecision(ctx, d))

	got, err = testDB.GetDecision(ctx, d.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusConsensusReached, got.Status)
}

func TestGetDecisionNotFound(t *testing.T) {
	_, err := testDB.GetDecision(context.Background(), uuid.New())
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestListActiveDecisions(t *testing.T) {
	ctx := context.Background()

	active := sampleDecision()
	resolved := sampleDecision()
	resolved.Status = model.StatusRejected

	require.NoError(t, testDB.UpsertDecision(ctx, active))
	require.NoError(t, testDB.UpsertDecision(ctx, resolved))

	list, err := testDB.ListActiveDecisions(ctx)
	require.NoError(t, err)

	ids := make(map[uuid.UUID]bool)
	for _, d := range list {
		ids[d.ID] = true
	}
	assert.True(t, ids[active.ID], "active decision should be listed")
	assert.False(t, ids[resolved.ID], "resolved decision should not be listed")
}

func TestListDecisionsByStatus(t *testing.T) {
	ctx := context.Background()

	d := sampleDecision()
	d.Status = model.StatusTimeout
	require.NoError(t, testDB.UpsertDecision(ctx, d))

	list, err := testDB.ListDecisions(ctx, model.StatusTimeout, 100, 0)
	require.NoError(t, err)
	found := false
	for _, got := range list {
		assert.Equal(t, model.StatusTimeout, got.Status)
		if got.ID == d.ID {
			found = true
		}
	}
	assert.True(t, found)
}

func TestVoteUniquePerAgent(t *testing.T) {
	ctx := context.Background()
	d := sampleDecision()
	require.NoError(t, testDB.UpsertDecision(ctx, d))

	vote := model.Vote{
		ID:         uuid.New(),
		DecisionID: d.ID,
		AgentID:    "ci-agent",
		VoteType:   model.VoteApprove,
		Confidence: 0.9,
		Reasoning:  "tests green",
		Weight:     1.0,
		CastAt:     time.Now().UTC().Truncate(time.Microsecond),
	}
	require.NoError(t, testDB.UpsertVote(ctx, vote))

	// A second vote by the same agent on the same decision is dropped by
	// the unique constraint, not errored.
	dup := vote
	dup.ID = uuid.New()
	dup.VoteType = model.VoteReject
	require.NoError(t, testDB.UpsertVote(ctx, dup))

	votes, err := testDB.ListVotes(ctx, d.ID)
	require.NoError(t, err)
	require.Len(t, votes, 1)
	assert.Equal(t, model.VoteApprove, votes[0].VoteType)
	assert.Equal(t, "ci-agent", votes[0].AgentID)
	assert.InDelta(t, 1.0, votes[0].Weight, 1e-9)
}

func TestResultUpsert(t *testing.T) {
	ctx := context.Background()
	d := sampleDecision()
	require.NoError(t, testDB.UpsertDecision(ctx, d))

	now := time.Now().UTC().Truncate(time.Microsecond)
	result := model.DecisionResult{
		DecisionID:             d.ID,
		FinalDecision:          model.FinalApproved,
		ConsensusReached:       true,
		Status:                 model.StatusConsensusReached,
		VoteCount:              2,
		ApprovalPercent:        100,
		ParticipatingAgents:    []string{"ci-agent", "lead-agent"},
		NonParticipatingAgents: []string{"observer"},
		ExecutionStatus:        model.ExecutionPending,
		CreatedAt:              d.CreatedAt,
		ResolvedAt:             now,
	}
	require.NoError(t, testDB.UpsertResult(ctx, result))

	// Execution finishing later updates only the execution fields.
	result.ExecutionStatus = model.ExecutionCompleted
	result.ExecutionDetails = map[string]any{"deployed": true}
	require.NoError(t, testDB.UpsertResult(ctx, result))

	got, err := testDB.GetResult(ctx, d.ID)
	require.NoError(t, err)
	assert.Equal(t, model.FinalApproved, got.FinalDecision)
	assert.Equal(t, model.ExecutionCompleted, got.ExecutionStatus)
	assert.Equal(t, map[string]any{"deployed": true}, got.ExecutionDetails)
	assert.Equal(t, 2, got.VoteCount)
	assert.Positive(t, got.Duration)
}

func TestGetResultNotFound(t *testing.T) {
	_, err := testDB.GetResult(context.Background(), uuid.New())
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestReputationBatch(t *testing.T) {
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Microsecond)

	recs := []model.AgentReputation{
		{AgentID: "rep-agent-1", Reputation: 0.8, Weight: 0.9, Participated: 4, Correct: 3, Incorrect: 1, UpdatedAt: now},
		{AgentID: "rep-agent-2", Reputation: 0.5, Weight: 0.75, Participated: 2, Missed: 2, UpdatedAt: now},
	}
	require.NoError(t, testDB.UpsertReputations(ctx, recs))

	// Second write overwrites the first.
	recs[0].Reputation = 0.9
	recs[0].Weight = 0.95
	require.NoError(t, testDB.UpsertReputations(ctx, recs[:1]))

	all, err := testDB.ListReputations(ctx)
	require.NoError(t, err)

	byID := make(map[string]model.AgentReputation)
	for _, rec := range all {
		byID[rec.AgentID] = rec
	}
	require.Contains(t, byID, "rep-agent-1")
	require.Contains(t, byID, "rep-agent-2")
	assert.InDelta(t, 0.9, byID["rep-agent-1"].Reputation, 1e-9)
	assert.Equal(t, 2, byID["rep-agent-2"].Missed)
}

func TestAgentUpsert(t *testing.T) {
	ctx := context.Background()

	endpoint := "https://agents.internal/reviewer/hooks"
	hash := "salt$hash"
	created, err := testDB.UpsertAgent(ctx, model.Agent{
		AgentID:    "reviewer",
		Name:       "Code Reviewer",
		Role:       model.RoleAgent,
		Endpoint:   &endpoint,
		APIKeyHash: &hash,
	})
	require.NoError(t, err)
	assert.NotEqual(t, uuid.Nil, created.ID)

	got, err := testDB.GetAgent(ctx, "reviewer")
	require.NoError(t, err)
	assert.Equal(t, "Code Reviewer", got.Name)
	assert.Equal(t, model.RoleAgent, got.Role)
	require.NotNil(t, got.Endpoint)
	assert.Equal(t, endpoint, *got.Endpoint)
	require.NotNil(t, got.APIKeyHash)

	// Re-registering without a key keeps the stored hash.
	_, err = testDB.UpsertAgent(ctx, model.Agent{
		AgentID: "reviewer",
		Name:    "Code Reviewer v2",
		Role:    model.RoleAgent,
	})
	require.NoError(t, err)

	got, err = testDB.GetAgent(ctx, "reviewer")
	require.NoError(t, err)
	assert.Equal(t, "Code Reviewer v2", got.Name)
	require.NotNil(t, got.APIKeyHash)
	assert.Equal(t, hash, *got.APIKeyHash)

	_, err = testDB.GetAgent(ctx, "nobody")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestNotifyRoundTrip(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	require.NoError(t, testDB.Listen(ctx, storage.ChannelEvents))
	require.NoError(t, testDB.Notify(ctx, storage.ChannelEvents, `{"type":"decision_created"}`))

	channel, payload, err := testDB.WaitForNotification(ctx)
	require.NoError(t, err)
	assert.Equal(t, storage.ChannelEvents, channel)
	assert.JSONEq(t, `{"type":"decision_created"}`, payload)
}
