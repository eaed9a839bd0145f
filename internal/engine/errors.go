package engine

import "errors"

// Sentinel errors for the decision registry. The HTTP layer maps these
// to typed API error codes; callers can distinguish "this was invalid"
// from "not found" with errors.Is.
var (
	// ErrNotFound is returned when a decision ID is unknown to both the
	// active set and the result history.
	ErrNotFound = errors.New("engine: decision not found")

	// ErrInvalidState is returned for actions not valid in the
	// decision's current lifecycle state, e.g. voting on a resolved
	// decision.
	ErrInvalidState = errors.New("engine: decision is not accepting votes")

	// ErrExpired is returned when a vote arrives after the decision's
	// deadline. The late vote also forces the timeout resolution.
	ErrExpired = errors.New("engine: decision voting window has expired")

	// ErrIneligibleAgent is returned when the voter is in neither the
	// required nor the optional agent list.
	ErrIneligibleAgent = errors.New("engine: agent is not eligible to vote on this decision")

	// ErrDuplicateVote is returned when an agent votes twice.
	ErrDuplicateVote = errors.New("engine: agent has already voted on this decision")

	// ErrInvalidDecision is returned for malformed creation requests.
	ErrInvalidDecision = errors.New("engine: invalid decision request")

	// ErrInvalidVote is returned for malformed vote submissions.
	ErrInvalidVote = errors.New("engine: invalid vote")
)
