package storage

import (
	"context"
	"fmt"

	"github.com/conclave-ai/conclave/internal/model"
)

// UpsertReputations stores a batch of reputation records inside one
// transaction so a resolution's adjustments land atomically.
func (db *DB) UpsertReputations(ctx context.Context, recs []model.AgentReputation) error {
	if len(recs) == 0 {
		return nil
	}
	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("storage: begin reputation tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	for _, rec := range recs {
		if _, err := tx.Exec(ctx,
			`INSERT INTO agent_reputations (agent_id, reputation, weight, participated, missed, correct, incorrect, updated_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			 ON CONFLICT (agent_id) DO UPDATE SET
			   reputation = EXCLUDED.reputation,
			   weight = EXCLUDED.weight,
			   participated = EXCLUDED.participated,
			   missed = EXCLUDED.missed,
			   correct = EXCLUDED.correct,
			   incorrect = EXCLUDED.incorrect,
			   updated_at = EXCLUDED.updated_at`,
			rec.AgentID, rec.Reputation, rec.Weight, rec.Participated, rec.Missed,
			rec.Correct, rec.Incorrect, rec.UpdatedAt,
		); err != nil {
			return fmt.Errorf("storage: upsert reputation %s: %w", rec.AgentID, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("storage: commit reputations: %w", err)
	}
	return nil
}

// ListReputations returns every agent's reputation record. Used to seed
// the in-memory ledger at startup.
func (db *DB) ListReputations(ctx context.Context) ([]model.AgentReputation, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT agent_id, reputation, weight, participated, missed, correct, incorrect, updated_at
		 FROM agent_reputations`,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list reputations: %w", err)
	}
	defer rows.Close()

	var out []model.AgentReputation
	for rows.Next() {
		var rec model.AgentReputation
		if err := rows.Scan(
			&rec.AgentID, &rec.Reputation, &rec.Weight, &rec.Participated,
			&rec.Missed, &rec.Correct, &rec.Incorrect, &rec.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("storage: scan reputation: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}
