package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/conclave-ai/conclave/internal/model"
)

// UpsertAgent registers or updates an agent identity. Keyed by the
// caller-chosen agent_id; re-registering rotates name, role, endpoint
// and API key hash.
func (db *DB) UpsertAgent(ctx context.Context, a model.Agent) (model.Agent, error) {
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	now := time.Now().UTC()
	if a.CreatedAt.IsZero() {
		a.CreatedAt = now
	}
	a.UpdatedAt = now
	if a.Metadata == nil {
		a.Metadata = map[string]any{}
	}

	err := db.pool.QueryRow(ctx,
		`INSERT INTO agents (id, agent_id, name, role, endpoint, api_key_hash, metadata, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		 ON CONFLICT (agent_id) DO UPDATE SET
		   name = EXCLUDED.name,
		   role = EXCLUDED.role,
		   endpoint = EXCLUDED.endpoint,
		   api_key_hash = COALESCE(EXCLUDED.api_key_hash, agents.api_key_hash),
		   metadata = EXCLUDED.metadata,
		   updated_at = EXCLUDED.updated_at
		 RETURNING id, created_at`,
		a.ID, a.AgentID, a.Name, a.Role, a.Endpoint, a.APIKeyHash, a.Metadata, a.CreatedAt, a.UpdatedAt,
	).Scan(&a.ID, &a.CreatedAt)
	if err != nil {
		return model.Agent{}, fmt.Errorf("storage: upsert agent: %w", err)
	}
	return a, nil
}

// GetAgent retrieves an agent by its caller-chosen identifier.
func (db *DB) GetAgent(ctx context.Context, agentID string) (model.Agent, error) {
	var a model.Agent
	err := db.pool.QueryRow(ctx,
		`SELECT id, agent_id, name, role, endpoint, api_key_hash, metadata, created_at, updated_at
		 FROM agents WHERE agent_id = $1`, agentID,
	).Scan(&a.ID, &a.AgentID, &a.Name, &a.Role, &a.Endpoint, &a.APIKeyHash, &a.Metadata, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Agent{}, ErrNotFound
		}
		return model.Agent{}, fmt.Errorf("storage: get agent: %w", err)
	}
	return a, nil
}

// ListAgents returns all registered agents ordered by agent_id.
func (db *DB) ListAgents(ctx context.Context) ([]model.Agent, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT id, agent_id, name, role, endpoint, api_key_hash, metadata, created_at, updated_at
		 FROM agents ORDER BY agent_id`,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list agents: %w", err)
	}
	defer rows.Close()

	var out []model.Agent
	for rows.Next() {
		var a model.Agent
		if err := rows.Scan(&a.ID, &a.AgentID, &a.Name, &a.Role, &a.Endpoint,
			&a.APIKeyHash, &a.Metadata, &a.CreatedAt, &a.UpdatedAt); err != nil {
			return nil, fmt.Errorf("storage: scan agent: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}
