package engine

import (
	"context"
	"slices"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/conclave-ai/conclave/internal/consensus"
	"github.com/conclave-ai/conclave/internal/model"
)

// resolveLocked finishes a decision exactly once. Caller must hold
// ad.mu. The resolved flag is the idempotency guard: a decisive vote
// and a concurrent sweep both route here, and only the first call
// produces the result.
func (r *Registry) resolveLocked(ctx context.Context, ad *activeDecision, outcome model.FinalDecision, consensusReached bool) {
	if ad.resolved {
		return
	}
	ad.resolved = true

	d := &ad.decision
	now := r.opts.Now()

	switch outcome {
	case model.FinalApproved:
		d.Status = model.StatusConsensusReached
	case model.FinalRejected:
		d.Status = model.StatusRejected
	case model.FinalTimeout:
		d.Status = model.StatusTimeout
	}

	result := &model.DecisionResult{
		DecisionID:       d.ID,
		FinalDecision:    outcome,
		ConsensusReached: consensusReached,
		Status:           d.Status,
		VoteCount:        len(ad.votes),
		ApprovalPercent:  consensus.ApprovalPercent(ad.votes),
		Votes:            slices.Clone(ad.votes),
		ExecutionStatus:  model.ExecutionPending,
		CreatedAt:        d.CreatedAt,
		ResolvedAt:       now,
		Duration:         now.Sub(d.CreatedAt),
	}
	for _, a := range d.RequiredAgents {
		if _, ok := ad.voted[a]; ok {
			result.ParticipatingAgents = append(result.ParticipatingAgents, a)
		} else {
			result.NonParticipatingAgents = append(result.NonParticipatingAgents, a)
		}
	}
	for _, a := range d.OptionalAgents {
		if _, ok := ad.voted[a]; ok {
			result.ParticipatingAgents = append(result.ParticipatingAgents, a)
		}
	}

	recs := r.ledger.ApplyResolution(d, ad.votes, result)
	if err := r.store.UpsertReputations(ctx, recs); err != nil {
		r.logger.Warn("engine: persist reputations failed", "error", err, "decision_id", d.ID)
	}

	if outcome == model.FinalApproved && r.executor != nil {
		r.dispatch(ctx, d, result)
	} else if outcome != model.FinalApproved {
		result.ExecutionStatus = model.ExecutionCompleted
	}

	r.mu.Lock()
	r.results[d.ID] = result
	delete(r.active, d.ID)
	r.mu.Unlock()

	r.statsMu.Lock()
	switch outcome {
	case model.FinalApproved:
		r.reached++
	case model.FinalRejected:
		r.rejected++
	case model.FinalTimeout:
		r.timedOut++
	}
	r.durationSum += result.Duration
	r.statsMu.Unlock()

	if err := r.store.UpsertDecision(ctx, *d); err != nil {
		r.logger.Warn("engine: persist final decision failed", "error", err, "decision_id", d.ID)
	}
	if err := r.store.UpsertResult(ctx, *result); err != nil {
		r.logger.Warn("engine: persist result failed", "error", err, "decision_id", d.ID)
	}

	r.resolutions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("outcome", string(outcome)),
	))
	r.resolutionTime.Record(ctx, result.Duration.Seconds())

	r.publish(ctx, model.Event{
		Type:       model.EventDecisionCompleted,
		DecisionID: d.ID,
		Payload: map[string]any{
			"final_decision":    string(outcome),
			"consensus_reached": consensusReached,
			"vote_count":        result.VoteCount,
			"approval_percent":  result.ApprovalPercent,
			"execution_status":  string(result.ExecutionStatus),
		},
	})

	r.logger.Info("engine: decision resolved",
		"decision_id", d.ID,
		"final_decision", outcome,
		"consensus_reached", consensusReached,
		"votes", result.VoteCount,
		"duration", result.Duration,
	)
}

// dispatch hands an approved decision to the executor. Execution
// failure is recorded in the result but never reverses the consensus
// outcome.
func (r *Registry) dispatch(ctx context.Context, d *model.Decision, result *model.DecisionResult) {
	execCtx, cancel := context.WithTimeout(ctx, r.opts.ExecutionTimeout)
	defer cancel()

	exec, err := r.executor.Execute(execCtx, d.ID, d.DecisionType, d.Metadata)
	if err != nil {
		r.logger.Warn("engine: execution failed", "error", err, "decision_id", d.ID)
		result.ExecutionStatus = model.ExecutionFailed
		result.ExecutionDetails = map[string]any{"error": err.Error()}
		return
	}
	result.ExecutionStatus = exec.Status
	result.ExecutionDetails = exec.Details
	if exec.Status == "" {
		result.ExecutionStatus = model.ExecutionCompleted
	}
}

// SweepExpired resolves every active decision whose deadline has
// passed. Returns the number of decisions timed out in this pass.
func (r *Registry) SweepExpired(ctx context.Context) int {
	now := r.opts.Now()

	r.mu.RLock()
	expired := make([]*activeDecision, 0)
	for _, ad := range r.active {
		if now.After(ad.decision.ExpiresAt) {
			expired = append(expired, ad)
		}
	}
	r.mu.RUnlock()

	swept := 0
	for _, ad := range expired {
		ad.mu.Lock()
		if !ad.resolved {
			// A decisive vote may have landed between the scan and this
			// lock; re-evaluate once so a complete vote set resolves on
			// its merits instead of timing out.
			if verdict := consensus.Evaluate(&ad.decision, ad.votes); verdict.Resolved {
				r.resolveLocked(ctx, ad, verdict.Outcome, true)
			} else {
				r.resolveLocked(ctx, ad, model.FinalTimeout, false)
				swept++
			}
		}
		ad.mu.Unlock()
	}
	return swept
}
