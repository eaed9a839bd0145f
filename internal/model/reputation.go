package model

import "time"

// Reputation reward/penalty constants. Reputation always stays in [0,1];
// weight is derived so no agent's vote counts as zero and no agent
// dominates.
const (
	ReputationDefault = 1.0

	ParticipationReward  = 0.1
	ParticipationPenalty = 0.1
	CorrectVoteReward    = 0.05
	IncorrectVotePenalty = 0.02

	WeightFloor = 0.5
)

// WeightFromReputation derives a voting weight in [0.5, 1.0] from a
// reputation score in [0, 1].
func WeightFromReputation(reputation float64) float64 {
	return WeightFloor + reputation*0.5
}

// ClampReputation bounds a reputation score to [0, 1].
func ClampReputation(r float64) float64 {
	if r < 0 {
		return 0
	}
	if r > 1 {
		return 1
	}
	return r
}

// AgentReputation is one agent's running standing in the ledger.
type AgentReputation struct {
	AgentID    string  `json:"agent_id"`
	Reputation float64 `json:"reputation"`
	Weight     float64 `json:"weight"`

	Participated int `json:"participated"`
	Missed       int `json:"missed"`
	Correct      int `json:"correct"`
	Incorrect    int `json:"incorrect"`

	UpdatedAt time.Time `json:"updated_at"`
}
