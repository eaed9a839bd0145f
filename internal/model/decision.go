package model

import (
	"encoding/json"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
)

// ConsensusAlgorithm selects the quorum rule applied to a decision's votes.
type ConsensusAlgorithm string

const (
	AlgorithmSimpleMajority   ConsensusAlgorithm = "simple_majority"
	AlgorithmSupermajority    ConsensusAlgorithm = "supermajority"
	AlgorithmUnanimous        ConsensusAlgorithm = "unanimous"
	AlgorithmWeightedMajority ConsensusAlgorithm = "weighted_majority"
	AlgorithmByzantine        ConsensusAlgorithm = "byzantine_fault_tolerant"
)

// Valid reports whether a is a known consensus algorithm.
func (a ConsensusAlgorithm) Valid() bool {
	switch a {
	case AlgorithmSimpleMajority, AlgorithmSupermajority, AlgorithmUnanimous,
		AlgorithmWeightedMajority, AlgorithmByzantine:
		return true
	}
	return false
}

// DecisionStatus is the lifecycle state of a decision.
type DecisionStatus string

const (
	StatusPending          DecisionStatus = "pending"
	StatusVoting           DecisionStatus = "voting"
	StatusConsensusReached DecisionStatus = "consensus_reached"
	StatusRejected         DecisionStatus = "rejected"
	StatusTimeout          DecisionStatus = "timeout"
	StatusExecuted         DecisionStatus = "executed"
	StatusFailed           DecisionStatus = "failed"
)

// Terminal reports whether s is a state from which no further voting
// transition occurs.
func (s DecisionStatus) Terminal() bool {
	switch s {
	case StatusConsensusReached, StatusRejected, StatusTimeout:
		return true
	}
	return false
}

// Priority is the urgency tier of a decision. It drives the default
// voting window when the caller does not specify one.
type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityMedium   Priority = "medium"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

// Valid reports whether p is a known priority tier.
func (p Priority) Valid() bool {
	switch p {
	case PriorityLow, PriorityMedium, PriorityHigh, PriorityCritical:
		return true
	}
	return false
}

// Decision is one instance of a collective choice requiring votes.
//
// ExpiresAt is fixed at creation and never mutated. Once the decision
// reaches a terminal status it is removed from the active set and its
// DecisionResult becomes the authoritative record.
type Decision struct {
	ID           uuid.UUID `json:"id"`
	DecisionType string    `json:"decision_type"`
	Priority     Priority  `json:"priority"`
	Title        string    `json:"title"`
	Description  string    `json:"description"`

	// Options are candidate payloads supplied by the caller. The engine
	// stores and forwards them but never inspects their contents.
	Options []json.RawMessage `json:"options,omitempty"`

	RequiredAgents []string `json:"required_agents"`
	OptionalAgents []string `json:"optional_agents,omitempty"`

	Algorithm          ConsensusAlgorithm `json:"algorithm"`
	ConsensusThreshold float64            `json:"consensus_threshold"`
	MinimumVotes       int                `json:"minimum_votes"`
	TimeoutSeconds     int                `json:"timeout_seconds"`

	Status    DecisionStatus `json:"status"`
	CreatedBy string         `json:"created_by"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
	ExpiresAt time.Time      `json:"expires_at"`
}

// Eligible reports whether agentID may vote on this decision.
func (d *Decision) Eligible(agentID string) bool {
	for _, a := range d.RequiredAgents {
		if a == agentID {
			return true
		}
	}
	for _, a := range d.OptionalAgents {
		if a == agentID {
			return true
		}
	}
	return false
}

// EligibleCount returns the total number of agents allowed to vote.
func (d *Decision) EligibleCount() int {
	return len(d.RequiredAgents) + len(d.OptionalAgents)
}

// MinimumVotes returns the quorum floor for an algorithm over n required
// agents. No algorithm evaluates before this many votes have been cast.
func MinimumVotes(algorithm ConsensusAlgorithm, n int) int {
	switch algorithm {
	case AlgorithmUnanimous:
		return n
	case AlgorithmSupermajority, AlgorithmByzantine:
		return max(int(math.Ceil(float64(n)*0.67)), 1)
	case AlgorithmSimpleMajority, AlgorithmWeightedMajority:
		return max(int(math.Ceil(float64(n)*0.5)), 1)
	default:
		return max(int(math.Ceil(float64(n)*0.5)), 1)
	}
}

// MaxAgentsPerDecision bounds the combined required+optional agent lists.
// Larger populations make the synchronous per-vote evaluation quadratic
// and are almost certainly caller error.
const MaxAgentsPerDecision = 1000

// ValidateDecisionRequest checks structural validity of a creation request.
func ValidateDecisionRequest(req CreateDecisionRequest) error {
	if len(req.RequiredAgents) == 0 {
		return fmt.Errorf("required_agents must not be empty")
	}
	if len(req.RequiredAgents)+len(req.OptionalAgents) > MaxAgentsPerDecision {
		return fmt.Errorf("combined agent lists exceed maximum of %d", MaxAgentsPerDecision)
	}
	if req.DecisionType == "" {
		return fmt.Errorf("decision_type is required")
	}
	if req.Algorithm != "" && !ConsensusAlgorithm(req.Algorithm).Valid() {
		return fmt.Errorf("unknown consensus algorithm %q", req.Algorithm)
	}
	if req.Priority != "" && !Priority(req.Priority).Valid() {
		return fmt.Errorf("unknown priority %q", req.Priority)
	}
	if req.ConsensusThreshold < 0 || req.ConsensusThreshold > 1 {
		return fmt.Errorf("consensus_threshold must be in [0,1]")
	}
	if req.TimeoutSeconds < 0 {
		return fmt.Errorf("timeout_seconds must not be negative")
	}
	seen := make(map[string]bool, len(req.RequiredAgents))
	for _, a := range req.RequiredAgents {
		if err := ValidateAgentID(a); err != nil {
			return fmt.Errorf("required_agents: %w", err)
		}
		if seen[a] {
			return fmt.Errorf("required_agents: duplicate agent %q", a)
		}
		seen[a] = true
	}
	for _, a := range req.OptionalAgents {
		if err := ValidateAgentID(a); err != nil {
			return fmt.Errorf("optional_agents: %w", err)
		}
		if seen[a] {
			return fmt.Errorf("optional_agents: agent %q already listed", a)
		}
		seen[a] = true
	}
	return nil
}
