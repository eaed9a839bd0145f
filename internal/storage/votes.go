package storage

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/conclave-ai/conclave/internal/model"
)

// UpsertVote inserts a vote, ignoring replays of the same vote ID. The
// (decision_id, agent_id) unique constraint backs the engine's in-memory
// duplicate check across restarts.
func (db *DB) UpsertVote(ctx context.Context, v model.Vote) error {
	if v.Metadata == nil {
		v.Metadata = map[string]any{}
	}
	_, err := db.pool.Exec(ctx,
		`INSERT INTO votes (id, decision_id, agent_id, vote_type, confidence, reasoning, metadata, weight, cast_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		 ON CONFLICT (decision_id, agent_id) DO NOTHING`,
		v.ID, v.DecisionID, v.AgentID, v.VoteType, v.Confidence, v.Reasoning, v.Metadata, v.Weight, v.CastAt,
	)
	if err != nil {
		return fmt.Errorf("storage: upsert vote: %w", err)
	}
	return nil
}

// ListVotes returns every vote cast on a decision in cast order.
func (db *DB) ListVotes(ctx context.Context, decisionID uuid.UUID) ([]model.Vote, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT id, decision_id, agent_id, vote_type, confidence, reasoning, metadata, weight, cast_at
		 FROM votes WHERE decision_id = $1 ORDER BY cast_at`, decisionID,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list votes: %w", err)
	}
	defer rows.Close()

	var out []model.Vote
	for rows.Next() {
		var v model.Vote
		if err := rows.Scan(
			&v.ID, &v.DecisionID, &v.AgentID, &v.VoteType, &v.Confidence,
			&v.Reasoning, &v.Metadata, &v.Weight, &v.CastAt,
		); err != nil {
			return nil, fmt.Errorf("storage: scan vote: %w", err)
		}
		out = append(out, v)
	}
	return out, rows.Err()
}
