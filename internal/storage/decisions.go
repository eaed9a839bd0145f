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

// UpsertDecision inserts or replaces a decision row keyed by ID. The
// engine calls this at creation and again at resolution with the final
// status.
func (db *DB) UpsertDecision(ctx context.Context, d model.Decision) error {
	options, err := json.Marshal(d.Options)
	if err != nil {
		return fmt.Errorf("storage: encode decision options: %w", err)
	}
	if d.Metadata == nil {
		d.Metadata = map[string]any{}
	}

	_, err = db.pool.Exec(ctx,
		`INSERT INTO decisions (id, decision_type, priority, title, description, options,
		 required_agents, optional_agents, algorithm, consensus_threshold, minimum_votes,
		 timeout_seconds, status, created_by, metadata, created_at, expires_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
		 ON CONFLICT (id) DO UPDATE SET status = EXCLUDED.status`,
		d.ID, d.DecisionType, d.Priority, d.Title, d.Description, options,
		d.RequiredAgents, d.OptionalAgents, d.Algorithm, d.ConsensusThreshold, d.MinimumVotes,
		d.TimeoutSeconds, d.Status, d.CreatedBy, d.Metadata, d.CreatedAt, d.ExpiresAt,
	)
	if err != nil {
		return fmt.Errorf("storage: upsert decision: %w", err)
	}
	return nil
}

// GetDecision retrieves a decision by ID.
func (db *DB) GetDecision(ctx context.Context, id uuid.UUID) (model.Decision, error) {
	row := db.pool.QueryRow(ctx,
		`SELECT id, decision_type, priority, title, description, options,
		 required_agents, optional_agents, algorithm, consensus_threshold, minimum_votes,
		 timeout_seconds, status, created_by, metadata, created_at, expires_at
		 FROM decisions WHERE id = $1`, id,
	)
	d, err := scanDecision(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Decision{}, ErrNotFound
		}
		return model.Decision{}, fmt.Errorf("storage: get decision: %w", err)
	}
	return d, nil
}

// ListActiveDecisions returns every decision still in a voting state,
// oldest first. Used during crash recovery.
func (db *DB) ListActiveDecisions(ctx context.Context) ([]model.Decision, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT id, decision_type, priority, title, description, options,
		 required_agents, optional_agents, algorithm, consensus_threshold, minimum_votes,
		 timeout_seconds, status, created_by, metadata, created_at, expires_at
		 FROM decisions WHERE status IN ('pending', 'voting') ORDER BY created_at`,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list active decisions: %w", err)
	}
	defer rows.Close()

	var out []model.Decision
	for rows.Next() {
		d, err := scanDecision(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: scan decision: %w", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// ListDecisions returns decisions filtered by status (all statuses when
// empty), newest first, with limit/offset pagination.
func (db *DB) ListDecisions(ctx context.Context, status model.DecisionStatus, limit, offset int) ([]model.Decision, error) {
	if limit <= 0 {
		limit = 50
	}
	if limit > 1000 {
		limit = 1000
	}
	if offset < 0 {
		offset = 0
	}

	query := `SELECT id, decision_type, priority, title, description, options,
	 required_agents, optional_agents, algorithm, consensus_threshold, minimum_votes,
	 timeout_seconds, status, created_by, metadata, created_at, expires_at
	 FROM decisions`
	args := []any{}
	if status != "" {
		query += ` WHERE status = $1 ORDER BY created_at DESC LIMIT $2 OFFSET $3`
		args = append(args, status, limit, offset)
	} else {
		query += ` ORDER BY created_at DESC LIMIT $1 OFFSET $2`
		args = append(args, limit, offset)
	}

	rows, err := db.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("storage: list decisions: %w", err)
	}
	defer rows.Close()

	var out []model.Decision
	for rows.Next() {
		d, err := scanDecision(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: scan decision: %w", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func scanDecision(row pgx.Row) (model.Decision, error) {
	var d model.Decision
	var options []byte
	err := row.Scan(
		&d.ID, &d.DecisionType, &d.Priority, &d.Title, &d.Description, &options,
		&d.RequiredAgents, &d.OptionalAgents, &d.Algorithm, &d.ConsensusThreshold, &d.MinimumVotes,
		&d.TimeoutSeconds, &d.Status, &d.CreatedBy, &d.Metadata, &d.CreatedAt, &d.ExpiresAt,
	)
	if err != nil {
		return model.Decision{}, err
	}
	if len(options) > 0 {
		if err := json.Unmarshal(options, &d.Options); err != nil {
			return model.Decision{}, fmt.Errorf("decode decision options: %w", err)
		}
	}
	return d, nil
}
