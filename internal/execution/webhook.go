// Package execution dispatches approved decisions to an external
// executor service.
package execution

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/conclave-ai/conclave/internal/model"
)

// Webhook POSTs approved decisions to a single executor endpoint.
// Requests carry the decision ID so the receiving side can deduplicate
// retries.
type Webhook struct {
	endpoint string
	client   *http.Client
	logger   *slog.Logger
}

// NewWebhook creates a webhook executor for the given endpoint. client
// may be nil, in which case a client with a 30 second timeout is used.
func NewWebhook(endpoint string, client *http.Client, logger *slog.Logger) *Webhook {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &Webhook{endpoint: endpoint, client: client, logger: logger}
}

type executeRequest struct {
	DecisionID   uuid.UUID      `json:"decision_id"`
	DecisionType string         `json:"decision_type"`
	Metadata     map[string]any `json:"metadata,omitempty"`
}

// Execute delivers the approved decision and interprets the response.
// A 2xx response with a JSON body sets the execution details; anything
// else is a failure.
func (w *Webhook) Execute(ctx context.Context, decisionID uuid.UUID, decisionType string, metadata map[string]any) (model.ExecutionResult, error) {
	body, err := json.Marshal(executeRequest{
		DecisionID:   decisionID,
		DecisionType: decisionType,
		Metadata:     metadata,
	})
	if err != nil {
		return model.ExecutionResult{}, fmt.Errorf("execution: encode request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, w.endpoint, bytes.NewReader(body))
	if err != nil {
		return model.ExecutionResult{}, fmt.Errorf("execution: build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Idempotency-Key", decisionID.String())

	resp, err := w.client.Do(httpReq)
	if err != nil {
		return model.ExecutionResult{}, fmt.Errorf("execution: deliver: %w", err)
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if resp.StatusCode >= 300 {
		return model.ExecutionResult{}, fmt.Errorf("execution: executor returned status %d", resp.StatusCode)
	}

	details := map[string]any{}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &details); err != nil {
			w.logger.Debug("execution: non-JSON executor response, ignoring body", "decision_id", decisionID)
			details = map[string]any{}
		}
	}
	return model.ExecutionResult{Status: model.ExecutionCompleted, Details: details}, nil
}

// Noop is an executor that records nothing and always succeeds. Used
// when no executor endpoint is configured.
type Noop struct{}

// Execute reports immediate completion.
func (Noop) Execute(_ context.Context, _ uuid.UUID, _ string, _ map[string]any) (model.ExecutionResult, error) {
	return model.ExecutionResult{Status: model.ExecutionCompleted}, nil
}
