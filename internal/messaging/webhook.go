// Package messaging delivers vote requests to agents over HTTP webhooks.
package messaging

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/conclave-ai/conclave/internal/model"
)

// Directory resolves an agent's delivery endpoint. Agents without an
// endpoint are skipped silently; they are expected to poll.
type Directory interface {
	GetAgent(ctx context.Context, agentID string) (model.Agent, error)
}

// Webhook POSTs vote requests to each agent's registered endpoint.
type Webhook struct {
	directory Directory
	client    *http.Client
	logger    *slog.Logger
}

// NewWebhook creates a webhook messenger. client may be nil, in which
// case a client with a 10 second timeout is used.
func NewWebhook(directory Directory, client *http.Client, logger *slog.Logger) *Webhook {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &Webhook{directory: directory, client: client, logger: logger}
}

// SendVoteRequest delivers one vote request. Agents that are not
// registered or have no endpoint are not an error.
func (w *Webhook) SendVoteRequest(ctx context.Context, req model.VoteRequest) error {
	agent, err := w.directory.GetAgent(ctx, req.AgentID)
	if err != nil {
		w.logger.Debug("messaging: agent not registered, skipping delivery", "agent_id", req.AgentID)
		return nil
	}
	if agent.Endpoint == nil || *agent.Endpoint == "" {
		return nil
	}

	body, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("messaging: encode vote request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, *agent.Endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("messaging: build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("X-Conclave-Event", "vote_request")

	resp, err := w.client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("messaging: deliver to %s: %w", req.AgentID, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode >= 300 {
		return fmt.Errorf("messaging: agent %s returned status %d", req.AgentID, resp.StatusCode)
	}
	return nil
}

// Noop is a messenger that delivers nothing. Used when webhook delivery
// is disabled and agents poll for pending decisions.
type Noop struct{}

// SendVoteRequest discards the request.
func (Noop) SendVoteRequest(context.Context, model.VoteRequest) error { return nil }
