package consensus

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/conclave-ai/conclave/internal/model"
)

func vote(agent string, t model.VoteType, weight float64) model.Vote {
	return model.Vote{
		ID:       uuid.New(),
		AgentID:  agent,
		VoteType: t,
		Weight:   weight,
	}
}

func decision(alg model.ConsensusAlgorithm, required int) *model.Decision {
	agents := make([]string, required)
	for i := range agents {
		agents[i] = string(rune('a' + i))
	}
	return &model.Decision{
		ID:             uuid.New(),
		Algorithm:      alg,
		RequiredAgents: agents,
		MinimumVotes:   model.MinimumVotes(alg, required),
	}
}

func TestEvaluate_BelowMinimumVotes(t *testing.T) {
	d := decision(model.AlgorithmSimpleMajority, 4) // minimum 2
	v := Evaluate(d, []model.Vote{vote("a", model.VoteApprove, 1)})
	assert.False(t, v.Resolved)
	assert.Empty(t, v.Outcome)
}

func TestEvaluate_SimpleMajority(t *testing.T) {
	tests := []struct {
		name     string
		votes    []model.Vote
		resolved bool
		outcome  model.FinalDecision
	}{
		{
			name: "clear approval",
			votes: []model.Vote{
				vote("a", model.VoteApprove, 1),
				vote("b", model.VoteApprove, 1),
				vote("c", model.VoteReject, 1),
			},
			resolved: true,
			outcome:  model.FinalApproved,
		},
		{
			name: "clear rejection",
			votes: []model.Vote{
				vote("a", model.VoteReject, 1),
				vote("b", model.VoteReject, 1),
				vote("c", model.VoteApprove, 1),
			},
			resolved: true,
			outcome:  model.FinalRejected,
		},
		{
			name: "exact tie stays unresolved",
			votes: []model.Vote{
				vote("a", model.VoteApprove, 1),
				vote("b", model.VoteReject, 1),
			},
			resolved: false,
		},
		{
			name: "abstentions dilute the majority",
			// 2 approve of 4 cast is not > total/2.
			votes: []model.Vote{
				vote("a", model.VoteApprove, 1),
				vote("b", model.VoteApprove, 1),
				vote("c", model.VoteAbstain, 1),
				vote("d", model.VoteAbstain, 1),
			},
			resolved: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := decision(model.AlgorithmSimpleMajority, 2)
			v := Evaluate(d, tt.votes)
			assert.Equal(t, tt.resolved, v.Resolved)
			if tt.resolved {
				assert.Equal(t, tt.outcome, v.Outcome)
			}
		})
	}
}

func TestEvaluate_SimpleMajorityTieRunsToTimeout(t *testing.T) {
	// Two required agents split 1-1: the evaluator must report
	// unresolved, not rejected, so the decision runs to its deadline.
	d := decision(model.AlgorithmSimpleMajority, 2)
	require.Equal(t, 1, d.MinimumVotes)

	v := Evaluate(d, []model.Vote{
		vote("a", model.VoteApprove, 1),
		vote("b", model.VoteReject, 1),
	})
	assert.False(t, v.Resolved)
}

func TestEvaluate_SupermajorityBoundary(t *testing.T) {
	d := decision(model.AlgorithmSupermajority, 3)
	require.Equal(t, 3, d.MinimumVotes) // ceil(3*0.67)

	// 2 approve out of 3 votes is 66.7% — below the 0.67 threshold
	// (2 < 3*0.67 = 2.01), so neither side resolves.
	v := Evaluate(d, []model.Vote{
		vote("a", model.VoteApprove, 1),
		vote("b", model.VoteApprove, 1),
		vote("c", model.VoteAbstain, 1),
	})
	assert.False(t, v.Resolved)

	// All three approving clears it.
	v = Evaluate(d, []model.Vote{
		vote("a", model.VoteApprove, 1),
		vote("b", model.VoteApprove, 1),
		vote("c", model.VoteApprove, 1),
	})
	assert.True(t, v.Resolved)
	assert.Equal(t, model.FinalApproved, v.Outcome)
}

func TestEvaluate_SupermajorityCustomThreshold(t *testing.T) {
	d := decision(model.AlgorithmSupermajority, 4)
	d.ConsensusThreshold = 0.75
	d.MinimumVotes = 3

	// 3 of 4 is exactly 75% — >= threshold resolves.
	v := Evaluate(d, []model.Vote{
		vote("a", model.VoteReject, 1),
		vote("b", model.VoteReject, 1),
		vote("c", model.VoteReject, 1),
		vote("d", model.VoteApprove, 1),
	})
	assert.True(t, v.Resolved)
	assert.Equal(t, model.FinalRejected, v.Outcome)
}

func TestEvaluate_Unanimous(t *testing.T) {
	d := decision(model.AlgorithmUnanimous, 3)
	require.Equal(t, 3, d.MinimumVotes)

	// Two identical votes: below quorum, unresolved.
	v := Evaluate(d, []model.Vote{
		vote("a", model.VoteApprove, 1),
		vote("b", model.VoteApprove, 1),
	})
	assert.False(t, v.Resolved)

	// 2 approve + 1 reject never resolves either way.
	v = Evaluate(d, []model.Vote{
		vote("a", model.VoteApprove, 1),
		vote("b", model.VoteApprove, 1),
		vote("c", model.VoteReject, 1),
	})
	assert.False(t, v.Resolved)

	// All three agreeing resolves.
	v = Evaluate(d, []model.Vote{
		vote("a", model.VoteApprove, 1),
		vote("b", model.VoteApprove, 1),
		vote("c", model.VoteApprove, 1),
	})
	assert.True(t, v.Resolved)
	assert.Equal(t, model.FinalApproved, v.Outcome)

	// Unanimous rejection resolves to rejected.
	v = Evaluate(d, []model.Vote{
		vote("a", model.VoteReject, 1),
		vote("b", model.VoteReject, 1),
		vote("c", model.VoteReject, 1),
	})
	assert.True(t, v.Resolved)
	assert.Equal(t, model.FinalRejected, v.Outcome)
}

func TestEvaluate_WeightedMajority(t *testing.T) {
	// Weights {a:1.0, b:1.0, c:0.5}: after a and b approve, approve
	// weight 2.0 already exceeds half the cast weight, so the decision
	// resolves before c votes at all.
	d := decision(model.AlgorithmWeightedMajority, 3)
	require.Equal(t, 2, d.MinimumVotes)

	v := Evaluate(d, []model.Vote{
		vote("a", model.VoteApprove, 1.0),
		vote("b", model.VoteApprove, 1.0),
	})
	require.True(t, v.Resolved)
	assert.Equal(t, model.FinalApproved, v.Outcome)

	// A heavy rejector can outweigh two light approvers.
	v = Evaluate(d, []model.Vote{
		vote("a", model.VoteApprove, 0.5),
		vote("b", model.VoteApprove, 0.5),
		vote("c", model.VoteReject, 1.0),
	})
	assert.False(t, v.Resolved) // 1.0 vs 1.0 is a weighted tie

	v = Evaluate(d, []model.Vote{
		vote("a", model.VoteApprove, 0.5),
		vote("b", model.VoteApprove, 0.4),
		vote("c", model.VoteReject, 1.0),
	})
	require.True(t, v.Resolved)
	assert.Equal(t, model.FinalRejected, v.Outcome)
}

func TestEvaluate_Byzantine(t *testing.T) {
	d := decision(model.AlgorithmByzantine, 3)
	require.Equal(t, 3, d.MinimumVotes)

	// 2 of 3 meets the fixed 2/3 threshold.
	v := Evaluate(d, []model.Vote{
		vote("a", model.VoteApprove, 1),
		vote("b", model.VoteApprove, 1),
		vote("c", model.VoteReject, 1),
	})
	require.True(t, v.Resolved)
	assert.Equal(t, model.FinalApproved, v.Outcome)

	// 1-1-1 split with an abstainer stays unresolved.
	v = Evaluate(d, []model.Vote{
		vote("a", model.VoteApprove, 1),
		vote("b", model.VoteReject, 1),
		vote("c", model.VoteAbstain, 1),
	})
	assert.False(t, v.Resolved)

	// The per-decision threshold must not leak into the byzantine rule.
	d.ConsensusThreshold = 0.9
	v = Evaluate(d, []model.Vote{
		vote("a", model.VoteApprove, 1),
		vote("b", model.VoteApprove, 1),
		vote("c", model.VoteReject, 1),
	})
	assert.True(t, v.Resolved)
}

func TestEvaluate_UnknownAlgorithmNeverResolves(t *testing.T) {
	d := decision("quantum_voting", 1)
	v := Evaluate(d, []model.Vote{vote("a", model.VoteApprove, 1)})
	assert.False(t, v.Resolved)
}

func TestMinimumVotes(t *testing.T) {
	tests := []struct {
		alg  model.ConsensusAlgorithm
		n    int
		want int
	}{
		{model.AlgorithmUnanimous, 3, 3},
		{model.AlgorithmUnanimous, 1, 1},
		{model.AlgorithmSupermajority, 3, 3}, // ceil(2.01)
		{model.AlgorithmSupermajority, 10, 7},
		{model.AlgorithmByzantine, 4, 3},
		{model.AlgorithmSimpleMajority, 2, 1},
		{model.AlgorithmSimpleMajority, 5, 3},
		{model.AlgorithmWeightedMajority, 3, 2},
		{model.AlgorithmSimpleMajority, 1, 1},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, model.MinimumVotes(tt.alg, tt.n),
			"algorithm %s with %d agents", tt.alg, tt.n)
	}
}

func TestApprovalPercent(t *testing.T) {
	assert.Equal(t, float64(0), ApprovalPercent(nil))

	votes := []model.Vote{
		vote("a", model.VoteApprove, 1),
		vote("b", model.VoteApprove, 1),
		vote("c", model.VoteReject, 1),
		vote("d", model.VoteAbstain, 1),
	}
	assert.InDelta(t, 50.0, ApprovalPercent(votes), 0.001)
}
