package model

import (
	"time"

	"github.com/google/uuid"
)

// EventType identifies an engine lifecycle event.
type EventType string

const (
	EventDecisionCreated   EventType = "decision_created"
	EventVoteCast          EventType = "vote_cast"
	EventDecisionCompleted EventType = "decision_completed"
)

// Event is an engine lifecycle notification. Events are best-effort,
// at-least-once: subscribers must treat them as hints and re-fetch
// authoritative state through the API.
type Event struct {
	Type       EventType      `json:"type"`
	DecisionID uuid.UUID      `json:"decision_id"`
	Payload    map[string]any `json:"payload,omitempty"`
	Timestamp  time.Time      `json:"timestamp"`
}
