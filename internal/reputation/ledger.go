// Package reputation maintains per-agent reputation scores and the
// voting weights derived from them.
//
// The ledger is process-wide shared state: every vote cast reads it to
// snapshot a weight, and every decision resolution writes it. All
// mutation is serialized behind the ledger's own lock, independent of
// any one decision's lock, so concurrent resolutions never lose updates
// to the same agent.
package reputation

import (
	"log/slog"
	"sync"
	"time"

	"github.com/conclave-ai/conclave/internal/model"
)

// Ledger maps agent identity to reputation and derived voting weight.
type Ledger struct {
	logger *slog.Logger

	mu      sync.RWMutex
	records map[string]*model.AgentReputation
}

// NewLedger creates an empty ledger.
func NewLedger(logger *slog.Logger) *Ledger {
	return &Ledger{
		logger:  logger,
		records: make(map[string]*model.AgentReputation),
	}
}

// Weight returns the current voting weight for an agent. Unknown agents
// default to full reputation — the ledger is optimistic, not zero-trust.
func (l *Ledger) Weight(agentID string) float64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if rec, ok := l.records[agentID]; ok {
		return rec.Weight
	}
	return model.WeightFromReputation(model.ReputationDefault)
}

// Get returns a copy of an agent's record and whether it exists.
func (l *Ledger) Get(agentID string) (model.AgentReputation, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	rec, ok := l.records[agentID]
	if !ok {
		return model.AgentReputation{}, false
	}
	return *rec, true
}

// Seed installs a record loaded from storage, replacing any in-memory
// state for that agent. Used during recovery.
func (l *Ledger) Seed(rec model.AgentReputation) {
	l.mu.Lock()
	defer l.mu.Unlock()
	cp := rec
	l.records[rec.AgentID] = &cp
}

// touch returns the existing record for an agent, creating a default one
// on first sight. Caller must hold l.mu.
func (l *Ledger) touch(agentID string, now time.Time) *model.AgentReputation {
	rec, ok := l.records[agentID]
	if !ok {
		rec = &model.AgentReputation{
			AgentID:    agentID,
			Reputation: model.ReputationDefault,
			Weight:     model.WeightFromReputation(model.ReputationDefault),
		}
		l.records[agentID] = rec
	}
	rec.UpdatedAt = now
	return rec
}

// ApplyResolution adjusts reputations after a decision resolves and
// returns copies of every touched record, for persistence by the caller.
//
// Required agents are rewarded for voting and penalized for missing the
// window. Every cast vote is additionally rewarded when it matches a
// reached consensus and penalized otherwise.
func (l *Ledger) ApplyResolution(decision *model.Decision, votes []model.Vote, result *model.DecisionResult) []model.AgentReputation {
	now := time.Now().UTC()
	voted := make(map[string]model.VoteType, len(votes))
	for _, v := range votes {
		voted[v.AgentID] = v.VoteType
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	touched := make(map[string]*model.AgentReputation)

	for _, agentID := range decision.RequiredAgents {
		rec := l.touch(agentID, now)
		if _, ok := voted[agentID]; ok {
			rec.Reputation = model.ClampReputation(rec.Reputation + model.ParticipationReward)
			rec.Participated++
		} else {
			rec.Reputation = model.ClampReputation(rec.Reputation - model.ParticipationPenalty)
			rec.Missed++
		}
		touched[agentID] = rec
	}

	for _, v := range votes {
		rec := l.touch(v.AgentID, now)
		if result.ConsensusReached && voteMatchesOutcome(v.VoteType, result.FinalDecision) {
			rec.Reputation = model.ClampReputation(rec.Reputation + model.CorrectVoteReward)
			rec.Correct++
		} else {
			rec.Reputation = model.ClampReputation(rec.Reputation - model.IncorrectVotePenalty)
			rec.Incorrect++
		}
		touched[v.AgentID] = rec
	}

	out := make([]model.AgentReputation, 0, len(touched))
	for _, rec := range touched {
		rec.Weight = model.WeightFromReputation(rec.Reputation)
		out = append(out, *rec)
	}
	return out
}

// voteMatchesOutcome reports whether a vote's direction agrees with the
// final decision. Abstain and conditional votes never match.
func voteMatchesOutcome(t model.VoteType, final model.FinalDecision) bool {
	switch t {
	case model.VoteApprove:
		return final == model.FinalApproved
	case model.VoteReject:
		return final == model.FinalRejected
	default:
		return false
	}
}

// DecayAll multiplies every agent's reputation by factor and recomputes
// weights. Factors above 1 are clamped so decay never raises reputation.
// Returns copies of every record for persistence.
func (l *Ledger) DecayAll(factor float64) []model.AgentReputation {
	if factor < 0 {
		factor = 0
	}
	if factor > 1 {
		factor = 1
	}
	now := time.Now().UTC()

	l.mu.Lock()
	defer l.mu.Unlock()

	out := make([]model.AgentReputation, 0, len(l.records))
	for _, rec := range l.records {
		rec.Reputation = model.ClampReputation(rec.Reputation * factor)
		rec.Weight = model.WeightFromReputation(rec.Reputation)
		rec.UpdatedAt = now
		out = append(out, *rec)
	}
	return out
}

// Snapshot returns a copy of every record, keyed by agent ID.
func (l *Ledger) Snapshot() map[string]model.AgentReputation {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make(map[string]model.AgentReputation, len(l.records))
	for id, rec := range l.records {
		out[id] = *rec
	}
	return out
}
