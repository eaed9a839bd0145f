package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	mcplib "github.com/mark3labs/mcp-go/mcp"

	"github.com/conclave-ai/conclave/internal/engine"
	"github.com/conclave-ai/conclave/internal/model"
	"github.com/conclave-ai/conclave/internal/server"
	"github.com/conclave-ai/conclave/internal/storage"
)

func (s *Server) registerTools() {
	// conclave_propose — submit a decision for consensus.
	s.mcpServer.AddTool(
		mcplib.NewTool("conclave_propose",
			mcplib.WithDescription(`Propose a decision to the team and open it for voting.

WHEN TO USE: When a choice affects more than your own work and you want
the team to weigh in before acting. The decision enters a voting window
and resolves once enough eligible agents have voted, or when the window
expires.

WHAT YOU GET BACK:
- decision_id: use it with conclave_vote and conclave_status
- status and the initial tally snapshot

EXAMPLE: Propose decision_type="deployment", title="Ship v2.3 to prod",
required_agents="ci-agent,security-agent,lead-agent", algorithm="supermajority".`),
			mcplib.WithDestructiveHintAnnotation(false),
			mcplib.WithIdempotentHintAnnotation(false),
			mcplib.WithOpenWorldHintAnnotation(false),
			mcplib.WithString("decision_type",
				mcplib.Description("Category of decision, e.g. deployment, architecture, resource_allocation. Any string is accepted."),
				mcplib.Required(),
			),
			mcplib.WithString("title",
				mcplib.Description("Short statement of what is being decided"),
				mcplib.Required(),
			),
			mcplib.WithString("description",
				mcplib.Description("Longer context for voters"),
			),
			mcplib.WithString("required_agents",
				mcplib.Description("Comma-separated agent IDs whose votes count toward quorum"),
				mcplib.Required(),
			),
			mcplib.WithString("optional_agents",
				mcplib.Description("Comma-separated agent IDs that may vote but do not affect quorum"),
			),
			mcplib.WithString("algorithm",
				mcplib.Description("Consensus rule: simple_majority, supermajority, unanimous, weighted_majority, or byzantine_fault_tolerant"),
			),
			mcplib.WithString("priority",
				mcplib.Description("Urgency tier driving the default voting window: low, medium, high, or critical"),
			),
			mcplib.WithNumber("timeout_seconds",
				mcplib.Description("Voting window in seconds. Defaults by priority when omitted."),
				mcplib.Min(1),
			),
		),
		s.handlePropose,
	)

	// conclave_vote — cast a vote on an open decision.
	s.mcpServer.AddTool(
		mcplib.NewTool("conclave_vote",
			mcplib.WithDescription(`Cast your vote on an open decision.

WHEN TO USE: When you have been asked to vote, or conclave_pending shows
a decision awaiting your input. Each agent votes at most once per
decision; a second attempt is rejected.

WHAT TO INCLUDE:
- vote_type: approve, reject, abstain, or conditional
- confidence: how certain you are (0.0-1.0). Be honest, 0.6 is fine.
- reasoning: why you voted this way, for the audit trail`),
			mcplib.WithDestructiveHintAnnotation(false),
			mcplib.WithIdempotentHintAnnotation(false),
			mcplib.WithOpenWorldHintAnnotation(false),
			mcplib.WithString("decision_id",
				mcplib.Description("The decision to vote on"),
				mcplib.Required(),
			),
			mcplib.WithString("vote_type",
				mcplib.Description("Your stance: approve, reject, abstain, or conditional"),
				mcplib.Required(),
			),
			mcplib.WithNumber("confidence",
				mcplib.Description("How certain you are (0.0 = guessing, 1.0 = certain)"),
				mcplib.Min(0),
				mcplib.Max(1),
				mcplib.DefaultNumber(1),
			),
			mcplib.WithString("reasoning",
				mcplib.Description("Why you voted this way. Recorded with the vote."),
			),
		),
		s.handleVote,
	)

	// conclave_status — inspect a decision's tally or final result.
	s.mcpServer.AddTool(
		mcplib.NewTool("conclave_status",
			mcplib.WithDescription(`Get the current tally of a decision, or its final result once resolved.

WHEN TO USE: After proposing, to watch the vote come in. After voting,
to see whether consensus was reached and what the outcome was.

Returns vote counts, weighted tallies, agents still pending, time
remaining, and for resolved decisions the full result including
execution status.`),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithOpenWorldHintAnnotation(false),
			mcplib.WithString("decision_id",
				mcplib.Description("The decision to inspect"),
				mcplib.Required(),
			),
		),
		s.handleStatus,
	)

	// conclave_pending — decisions awaiting the caller's vote.
	s.mcpServer.AddTool(
		mcplib.NewTool("conclave_pending",
			mcplib.WithDescription(`List open decisions that are waiting for YOUR vote.

WHEN TO USE: At the start of a session, or periodically, to find
decisions where you are an eligible voter and have not voted yet.
Vote on these with conclave_vote before their windows expire.`),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithOpenWorldHintAnnotation(false),
		),
		s.handlePending,
	)
}

func (s *Server) handlePropose(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	claims := server.ClaimsFromContext(ctx)
	if claims == nil {
		return errorResult("authentication required"), nil
	}
	if !model.RoleAtLeast(claims.Role, model.RoleAgent) {
		return errorResult("role does not permit proposing decisions"), nil
	}

	req := model.CreateDecisionRequest{
		DecisionType:   request.GetString("decision_type", ""),
		Title:          request.GetString("title", ""),
		Description:    request.GetString("description", ""),
		RequiredAgents: splitAgentList(request.GetString("required_agents", "")),
		OptionalAgents: splitAgentList(request.GetString("optional_agents", "")),
		Algorithm:      request.GetString("algorithm", ""),
		Priority:       request.GetString("priority", ""),
		TimeoutSeconds: request.GetInt("timeout_seconds", 0),
		CreatedBy:      claims.AgentID,
	}

	id, err := s.registry.Create(ctx, req)
	if err != nil {
		return errorResult(fmt.Sprintf("failed to create decision: %v", err)), nil
	}

	snap, err := s.registry.Status(ctx, id)
	if err != nil {
		return errorResult(fmt.Sprintf("decision created but status unavailable: %v", err)), nil
	}

	resultData, _ := json.MarshalIndent(map[string]any{
		"decision_id": id,
		"status":      snap.Status,
		"snapshot":    snap,
	}, "", "  ")

	return &mcplib.CallToolResult{
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: string(resultData)},
		},
	}, nil
}

func (s *Server) handleVote(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	claims := server.ClaimsFromContext(ctx)
	if claims == nil {
		return errorResult("authentication required"), nil
	}
	if !model.RoleAtLeast(claims.Role, model.RoleAgent) {
		return errorResult("role does not permit voting"), nil
	}

	id, err := uuid.Parse(request.GetString("decision_id", ""))
	if err != nil {
		return errorResult("invalid decision_id"), nil
	}

	req := model.CastVoteRequest{
		AgentID:    claims.AgentID,
		VoteType:   request.GetString("vote_type", ""),
		Confidence: request.GetFloat("confidence", 1),
		Reasoning:  request.GetString("reasoning", ""),
	}

	if err := s.registry.CastVote(ctx, id, req); err != nil {
		return errorResult(fmt.Sprintf("vote not accepted: %v", err)), nil
	}

	snap, err := s.registry.Status(ctx, id)
	if err != nil {
		return errorResult(fmt.Sprintf("vote recorded but status unavailable: %v", err)), nil
	}

	resultData, _ := json.MarshalIndent(map[string]any{
		"decision_id": id,
		"status":      snap.Status,
		"votes_cast":  snap.VotesCast,
		"snapshot":    snap,
	}, "", "  ")

	return &mcplib.CallToolResult{
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: string(resultData)},
		},
	}, nil
}

func (s *Server) handleStatus(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	id, err := uuid.Parse(request.GetString("decision_id", ""))
	if err != nil {
		return errorResult("invalid decision_id"), nil
	}

	snap, err := s.registry.Status(ctx, id)
	if err == nil {
		resultData, _ := json.MarshalIndent(snap, "", "  ")
		return &mcplib.CallToolResult{
			Content: []mcplib.Content{
				mcplib.TextContent{Type: "text", Text: string(resultData)},
			},
		}, nil
	}
	if !errors.Is(err, engine.ErrNotFound) {
		return errorResult(fmt.Sprintf("status failed: %v", err)), nil
	}

	// Resolved before the last restart. The registry has forgotten it but
	// the stored result is authoritative.
	result, serr := s.db.GetResult(ctx, id)
	if serr != nil {
		if errors.Is(serr, storage.ErrNotFound) {
			return errorResult("decision not found"), nil
		}
		return errorResult(fmt.Sprintf("status failed: %v", serr)), nil
	}

	resultData, _ := json.MarshalIndent(result, "", "  ")
	return &mcplib.CallToolResult{
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: string(resultData)},
		},
	}, nil
}

func (s *Server) handlePending(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	claims := server.ClaimsFromContext(ctx)
	if claims == nil {
		return errorResult("authentication required"), nil
	}

	type pendingDecision struct {
		DecisionID   uuid.UUID `json:"decision_id"`
		DecisionType string    `json:"decision_type"`
		Title        string    `json:"title"`
		Required     bool      `json:"required"`
		VotesCast    int       `json:"votes_cast"`
		MinimumVotes int       `json:"minimum_votes"`
		ExpiresAt    string    `json:"expires_at"`
	}

	var pending []pendingDecision
	for _, d := range s.registry.ActiveDecisions() {
		if !d.Eligible(claims.AgentID) {
			continue
		}
		snap, err := s.registry.Status(ctx, d.ID)
		if err != nil {
			continue // Resolved between the list and the lookup.
		}
		waiting := false
		for _, a := range snap.PendingAgents {
			if a == claims.AgentID {
				waiting = true
				break
			}
		}
		if !waiting {
			continue
		}
		required := false
		for _, a := range d.RequiredAgents {
			if a == claims.AgentID {
				required = true
				break
			}
		}
		pending = append(pending, pendingDecision{
			DecisionID:   d.ID,
			DecisionType: d.DecisionType,
			Title:        d.Title,
			Required:     required,
			VotesCast:    snap.VotesCast,
			MinimumVotes: snap.MinimumVotes,
			ExpiresAt:    d.ExpiresAt.Format(time.RFC3339),
		})
	}

	resultData, _ := json.MarshalIndent(map[string]any{
		"pending": pending,
		"total":   len(pending),
	}, "", "  ")

	return &mcplib.CallToolResult{
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: string(resultData)},
		},
	}, nil
}

// splitAgentList parses a comma-separated agent ID list, trimming
// whitespace and dropping empty entries.
func splitAgentList(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
