package model

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// VoteType is an agent's stance on a decision.
type VoteType string

const (
	VoteApprove     VoteType = "approve"
	VoteReject      VoteType = "reject"
	VoteAbstain     VoteType = "abstain"
	VoteConditional VoteType = "conditional"
)

// Valid reports whether t is a known vote type.
func (t VoteType) Valid() bool {
	switch t {
	case VoteApprove, VoteReject, VoteAbstain, VoteConditional:
		return true
	}
	return false
}

// Vote is one agent's input to one decision.
//
// Weight is snapshotted from the reputation ledger at cast time; later
// reputation changes never retroactively alter a cast vote's weight.
// Confidence is advisory and plays no part in quorum arithmetic.
type Vote struct {
	ID         uuid.UUID      `json:"id"`
	DecisionID uuid.UUID      `json:"decision_id"`
	AgentID    string         `json:"agent_id"`
	VoteType   VoteType       `json:"vote_type"`
	Confidence float64        `json:"confidence"`
	Reasoning  string         `json:"reasoning,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	Weight     float64        `json:"weight"`
	CastAt     time.Time      `json:"cast_at"`
}

// ValidateVoteRequest checks structural validity of a vote submission.
func ValidateVoteRequest(req CastVoteRequest) error {
	if err := ValidateAgentID(req.AgentID); err != nil {
		return err
	}
	if !VoteType(req.VoteType).Valid() {
		return fmt.Errorf("unknown vote type %q", req.VoteType)
	}
	if req.Confidence < 0 || req.Confidence > 1 {
		return fmt.Errorf("confidence must be in [0,1]")
	}
	if len(req.Reasoning) > MaxReasoningLen {
		return fmt.Errorf("reasoning exceeds maximum length of %d bytes", MaxReasoningLen)
	}
	return nil
}
