package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/conclave-ai/conclave/internal/model"
)

// UpsertResult stores a decision's final outcome. Keyed by decision ID;
// replays from the idempotent resolution path overwrite with identical
// data except execution details, which may arrive on a retry.
func (db *DB) UpsertResult(ctx context.Context, r model.DecisionResult) error {
	votes, err := json.Marshal(r.Votes)
	if err != nil {
		return fmt.Errorf("storage: encode result votes: %w", err)
	}
	if r.ExecutionDetails == nil {
		r.ExecutionDetails = map[string]any{}
	}

	_, err = db.pool.Exec(ctx,
		`INSERT INTO decision_results (decision_id, final_decision, consensus_reached, status,
		 vote_count, approval_percent, participating_agents, non_participating_agents, votes,
		 execution_status, execution_details, created_at, resolved_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		 ON CONFLICT (decision_id) DO UPDATE SET
		   execution_status = EXCLUDED.execution_status,
		   execution_details = EXCLUDED.execution_details`,
		r.DecisionID, r.FinalDecision, r.ConsensusReached, r.Status,
		r.VoteCount, r.ApprovalPercent, r.ParticipatingAgents, r.NonParticipatingAgents, votes,
		r.ExecutionStatus, r.ExecutionDetails, r.CreatedAt, r.ResolvedAt,
	)
	if err != nil {
		return fmt.Errorf("storage: upsert result: %w", err)
	}
	return nil
}

// GetResult retrieves a decision's final outcome.
func (db *DB) GetResult(ctx context.Context, decisionID uuid.UUID) (model.DecisionResult, error) {
	var r model.DecisionResult
	var votes []byte
	err := db.pool.QueryRow(ctx,
		`SELECT decision_id, final_decision, consensus_reached, status,
		 vote_count, approval_percent, participating_agents, non_participating_agents, votes,
		 execution_status, execution_details, created_at, resolved_at
		 FROM decision_results WHERE decision_id = $1`, decisionID,
	).Scan(
		&r.DecisionID, &r.FinalDecision, &r.ConsensusReached, &r.Status,
		&r.VoteCount, &r.ApprovalPercent, &r.ParticipatingAgents, &r.NonParticipatingAgents, &votes,
		&r.ExecutionStatus, &r.ExecutionDetails, &r.CreatedAt, &r.ResolvedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.DecisionResult{}, ErrNotFound
		}
		return model.DecisionResult{}, fmt.Errorf("storage: get result: %w", err)
	}
	if len(votes) > 0 {
		if err := json.Unmarshal(votes, &r.Votes); err != nil {
			return model.DecisionResult{}, fmt.Errorf("storage: decode result votes: %w", err)
		}
	}
	r.Duration = r.ResolvedAt.Sub(r.CreatedAt)
	return r, nil
}
