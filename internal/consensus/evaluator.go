// Package consensus implements the quorum rules that decide when a
// decision's vote set resolves, and to what outcome.
//
// Evaluation is a pure function of the decision configuration and the
// votes cast so far; it holds no state and performs no I/O, which is what
// lets the registry call it synchronously on every vote.
package consensus

import (
	"github.com/conclave-ai/conclave/internal/model"
)

// Verdict is the result of evaluating a vote set against a decision's
// algorithm. When Resolved is false, Outcome is empty and voting
// continues until quorum or timeout.
type Verdict struct {
	Resolved bool
	Outcome  model.FinalDecision
}

// byzantineThreshold is the fixed supermajority fraction for the
// byzantine_fault_tolerant rule. It is not configurable per decision.
const byzantineThreshold = 2.0 / 3.0

// Tally aggregates a vote set. Abstain and conditional votes count
// toward participation and quorum size but never toward the
// approve/reject comparison.
type Tally struct {
	Total   int
	Approve int
	Reject  int

	TotalWeight   float64
	ApproveWeight float64
	RejectWeight  float64
}

// NewTally folds a vote set into aggregate counts and weights.
func NewTally(votes []model.Vote) Tally {
	var t Tally
	for _, v := range votes {
		t.Total++
		t.TotalWeight += v.Weight
		switch v.VoteType {
		case model.VoteApprove:
			t.Approve++
			t.ApproveWeight += v.Weight
		case model.VoteReject:
			t.Reject++
			t.RejectWeight += v.Weight
		case model.VoteAbstain, model.VoteConditional:
			// Participation only.
		}
	}
	return t
}

// Evaluate applies the decision's consensus algorithm to the votes cast
// so far. It returns an unresolved verdict until at least
// decision.MinimumVotes votes exist; after that, ties and
// below-threshold splits stay unresolved rather than rejecting, so a
// later vote (or the timeout sweeper) settles the decision.
//
// The comparison operators are deliberate and asymmetric in places
// (strict > for majorities, >= for supermajorities); changing them
// changes voting outcomes.
func Evaluate(decision *model.Decision, votes []model.Vote) Verdict {
	if len(votes) < decision.MinimumVotes {
		return Verdict{}
	}

	t := NewTally(votes)

	switch decision.Algorithm {
	case model.AlgorithmSimpleMajority:
		return simpleMajority(t)
	case model.AlgorithmSupermajority:
		threshold := decision.ConsensusThreshold
		if threshold <= 0 {
			threshold = 0.67
		}
		return supermajority(t, threshold)
	case model.AlgorithmUnanimous:
		return unanimous(t)
	case model.AlgorithmWeightedMajority:
		return weightedMajority(t)
	case model.AlgorithmByzantine:
		return supermajority(t, byzantineThreshold)
	default:
		// Unknown algorithms never resolve; creation validates, so this
		// only guards records from a newer schema.
		return Verdict{}
	}
}

func simpleMajority(t Tally) Verdict {
	half := float64(t.Total) / 2
	if t.Approve > t.Reject && float64(t.Approve) > half {
		return Verdict{Resolved: true, Outcome: model.FinalApproved}
	}
	if t.Reject > t.Approve && float64(t.Reject) > half {
		return Verdict{Resolved: true, Outcome: model.FinalRejected}
	}
	return Verdict{}
}

func supermajority(t Tally, threshold float64) Verdict {
	need := float64(t.Total) * threshold
	if float64(t.Approve) >= need {
		return Verdict{Resolved: true, Outcome: model.FinalApproved}
	}
	if float64(t.Reject) >= need {
		return Verdict{Resolved: true, Outcome: model.FinalRejected}
	}
	return Verdict{}
}

func unanimous(t Tally) Verdict {
	if t.Total == 0 {
		return Verdict{}
	}
	if t.Approve == t.Total {
		return Verdict{Resolved: true, Outcome: model.FinalApproved}
	}
	if t.Reject == t.Total {
		return Verdict{Resolved: true, Outcome: model.FinalRejected}
	}
	return Verdict{}
}

func weightedMajority(t Tally) Verdict {
	half := t.TotalWeight / 2
	if t.ApproveWeight > t.RejectWeight && t.ApproveWeight > half {
		return Verdict{Resolved: true, Outcome: model.FinalApproved}
	}
	if t.RejectWeight > t.ApproveWeight && t.RejectWeight > half {
		return Verdict{Resolved: true, Outcome: model.FinalRejected}
	}
	return Verdict{}
}

// ApprovalPercent returns the share of approve votes among all cast
// votes, as a percentage. Used for result records, not quorum math.
func ApprovalPercent(votes []model.Vote) float64 {
	if len(votes) == 0 {
		return 0
	}
	t := NewTally(votes)
	return float64(t.Approve) / float64(t.Total) * 100
}
