package model

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Field length limits for caller-supplied text. These prevent a single
// oversized field from filling Postgres TEXT columns with
// caller-controlled garbage.
const (
	MaxDecisionTypeLen = 200
	MaxTitleLen        = 500
	MaxDescriptionLen  = 16 * 1024 // 16 KB
	MaxReasoningLen    = 64 * 1024 // 64 KB
)

// CreateDecisionRequest is the request body for POST /v1/decisions.
type CreateDecisionRequest struct {
	DecisionType       string            `json:"decision_type"`
	Title              string            `json:"title"`
	Description        string            `json:"description,omitempty"`
	Options            []json.RawMessage `json:"options,omitempty"`
	RequiredAgents     []string          `json:"required_agents"`
	OptionalAgents     []string          `json:"optional_agents,omitempty"`
	Algorithm          string            `json:"algorithm,omitempty"`
	ConsensusThreshold float64           `json:"consensus_threshold,omitempty"`
	TimeoutSeconds     int               `json:"timeout_seconds,omitempty"`
	Priority           string            `json:"priority,omitempty"`
	CreatedBy          string            `json:"-"` // Set from JWT claims, not from request body.
	Metadata           map[string]any    `json:"metadata,omitempty"`
}

// CastVoteRequest is the request body for POST /v1/decisions/{decision_id}/votes.
type CastVoteRequest struct {
	AgentID    string         `json:"-"` // Set from JWT claims, not from request body.
	VoteType   string         `json:"vote_type"`
	Confidence float64        `json:"confidence"`
	Reasoning  string         `json:"reasoning,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// CreateAgentRequest is the request body for POST /v1/agents.
type CreateAgentRequest struct {
	AgentID  string         `json:"agent_id"`
	Name     string         `json:"name,omitempty"`
	Role     string         `json:"role,omitempty"`
	Endpoint *string        `json:"endpoint,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// AuthTokenRequest is the request body for POST /auth/token.
type AuthTokenRequest struct {
	AgentID string `json:"agent_id"`
	APIKey  string `json:"api_key"`
}

// VoteRequest is the payload delivered to an agent when its vote is
// requested on a new decision.
type VoteRequest struct {
	DecisionID   uuid.UUID         `json:"decision_id"`
	AgentID      string            `json:"agent_id"`
	Required     bool              `json:"required"`
	DecisionType string            `json:"decision_type"`
	Title        string            `json:"title"`
	Description  string            `json:"description,omitempty"`
	Options      []json.RawMessage `json:"options,omitempty"`
	ExpiresAt    time.Time         `json:"expires_at"`
}

// APIResponse is the standard response envelope for all HTTP API responses.
type APIResponse struct {
	Data any          `json:"data,omitempty"`
	Meta ResponseMeta `json:"meta"`
}

// APIError is the standard error response envelope.
type APIError struct {
	Error ErrorDetail  `json:"error"`
	Meta  ResponseMeta `json:"meta"`
}

// ResponseMeta contains request metadata included in every response.
type ResponseMeta struct {
	RequestID string    `json:"request_id"`
	Timestamp time.Time `json:"timestamp"`
}

// ErrorDetail describes an API error.
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

// ErrorCode constants for standard API error codes.
const (
	ErrCodeInvalidInput    = "INVALID_INPUT"
	ErrCodeUnauthorized    = "UNAUTHORIZED"
	ErrCodeForbidden       = "FORBIDDEN"
	ErrCodeNotFound        = "NOT_FOUND"
	ErrCodeInvalidState    = "INVALID_STATE"
	ErrCodeExpired         = "DECISION_EXPIRED"
	ErrCodeDuplicateVote   = "DUPLICATE_VOTE"
	ErrCodeIneligibleAgent = "INELIGIBLE_AGENT"
	ErrCodeInternalError   = "INTERNAL_ERROR"
	ErrCodeRateLimited     = "RATE_LIMITED"
)
