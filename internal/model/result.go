package model

import (
	"time"

	"github.com/google/uuid"
)

// FinalDecision is the resolved outcome of a decision.
type FinalDecision string

const (
	FinalApproved FinalDecision = "approved"
	FinalRejected FinalDecision = "rejected"
	FinalTimeout  FinalDecision = "timeout"
)

// ExecutionStatus tracks the outcome dispatcher's attempt to carry out
// an approved decision.
type ExecutionStatus string

const (
	ExecutionPending   ExecutionStatus = "pending"
	ExecutionCompleted ExecutionStatus = "completed"
	ExecutionFailed    ExecutionStatus = "failed"
)

// DecisionResult is the immutable outcome of a decision, produced exactly
// once when the decision resolves. Execution failures are recorded here
// but never reverse the consensus outcome.
type DecisionResult struct {
	DecisionID       uuid.UUID      `json:"decision_id"`
	FinalDecision    FinalDecision  `json:"final_decision"`
	ConsensusReached bool           `json:"consensus_reached"`
	Status           DecisionStatus `json:"status"`

	VoteCount       int     `json:"vote_count"`
	ApprovalPercent float64 `json:"approval_percent"`

	ParticipatingAgents    []string `json:"participating_agents"`
	NonParticipatingAgents []string `json:"non_participating_agents"`
	Votes                  []Vote   `json:"votes"`

	ExecutionStatus  ExecutionStatus `json:"execution_status"`
	ExecutionDetails map[string]any  `json:"execution_details,omitempty"`

	CreatedAt  time.Time     `json:"created_at"`
	ResolvedAt time.Time     `json:"resolved_at"`
	Duration   time.Duration `json:"-"`
}

// ExecutionResult is what the execution collaborator returns for an
// approved decision.
type ExecutionResult struct {
	Status  ExecutionStatus `json:"status"`
	Details map[string]any  `json:"details,omitempty"`
}

// StatusSnapshot is a consistent point-in-time view of a decision,
// returned by status queries. For resolved decisions Result is set and
// the live-tally fields reflect the final vote set.
type StatusSnapshot struct {
	DecisionID uuid.UUID          `json:"decision_id"`
	Status     DecisionStatus     `json:"status"`
	Algorithm  ConsensusAlgorithm `json:"algorithm"`

	VoteCounts    map[VoteType]int     `json:"vote_counts"`
	WeightedTally map[VoteType]float64 `json:"weighted_tally"`

	VotesCast        int      `json:"votes_cast"`
	MinimumVotes     int      `json:"minimum_votes"`
	EligibleAgents   int      `json:"eligible_agents"`
	Participation    float64  `json:"participation"`
	PendingAgents    []string `json:"pending_agents"`
	TimeRemainingSec float64  `json:"time_remaining_seconds"`

	Result *DecisionResult `json:"result,omitempty"`
}

// EngineMetrics is the aggregate view returned by GET /v1/metrics.
type EngineMetrics struct {
	TotalDecisions   int     `json:"total_decisions"`
	ActiveDecisions  int     `json:"active_decisions"`
	ConsensusReached int     `json:"consensus_reached"`
	Rejected         int     `json:"rejected"`
	TimedOut         int     `json:"timed_out"`
	SuccessRate      float64 `json:"success_rate"`
	AvgDecisionTime  float64 `json:"avg_decision_time_seconds"`

	AgentStats map[string]AgentStats `json:"agent_stats"`
}

// AgentStats summarizes one agent's standing for the metrics endpoint.
type AgentStats struct {
	Reputation    float64 `json:"reputation"`
	Weight        float64 `json:"weight"`
	Participated  int     `json:"participated"`
	Missed        int     `json:"missed"`
	Correct       int     `json:"correct"`
	Incorrect     int     `json:"incorrect"`
	Participation float64 `json:"participation_rate"`
}
