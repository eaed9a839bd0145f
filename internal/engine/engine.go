// Package engine implements the decision registry: the single authority
// over every active decision's lifecycle, from creation through voting
// to resolution.
//
// The registry owns all state transitions. Votes, the timeout sweeper,
// and status queries all go through it; storage, messaging, execution
// and eventing are injected collaborators whose failures never roll back
// the engine's own state.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/conclave-ai/conclave/internal/consensus"
	"github.com/conclave-ai/conclave/internal/model"
	"github.com/conclave-ai/conclave/internal/reputation"
	"github.com/conclave-ai/conclave/internal/telemetry"
)

// Store persists decisions, votes, results and reputations. All writes
// are idempotent upserts keyed by ID; the engine treats failures as
// non-fatal and logs them.
type Store interface {
	UpsertDecision(ctx context.Context, d model.Decision) error
	UpsertVote(ctx context.Context, v model.Vote) error
	UpsertResult(ctx context.Context, r model.DecisionResult) error
	UpsertReputations(ctx context.Context, recs []model.AgentReputation) error
	ListActiveDecisions(ctx context.Context) ([]model.Decision, error)
	ListVotes(ctx context.Context, decisionID uuid.UUID) ([]model.Vote, error)
	ListReputations(ctx context.Context) ([]model.AgentReputation, error)
}

// Messenger delivers vote requests to agents. Fire-and-forget: the
// engine does not block decision creation on delivery confirmation.
type Messenger interface {
	SendVoteRequest(ctx context.Context, req model.VoteRequest) error
}

// Executor carries out an approved decision. Calls are keyed by
// decision ID so retries are safe.
type Executor interface {
	Execute(ctx context.Context, decisionID uuid.UUID, decisionType string, metadata map[string]any) (model.ExecutionResult, error)
}

// EventSink receives engine lifecycle events, best-effort at-least-once.
type EventSink interface {
	Publish(ctx context.Context, ev model.Event)
}

// Options tunes registry behavior.
type Options struct {
	// Default voting windows per priority when the caller omits
	// timeout_seconds.
	CriticalTimeout time.Duration
	HighTimeout     time.Duration
	DefaultTimeout  time.Duration

	// ExecutionTimeout bounds one Execute call.
	ExecutionTimeout time.Duration

	// Now overrides the clock, for tests.
	Now func() time.Time
}

func (o *Options) withDefaults() {
	if o.CriticalTimeout <= 0 {
		o.CriticalTimeout = 60 * time.Second
	}
	if o.HighTimeout <= 0 {
		o.HighTimeout = 180 * time.Second
	}
	if o.DefaultTimeout <= 0 {
		o.DefaultTimeout = 300 * time.Second
	}
	if o.ExecutionTimeout <= 0 {
		o.ExecutionTimeout = 30 * time.Second
	}
	if o.Now == nil {
		o.Now = func() time.Time { return time.Now().UTC() }
	}
}

// activeDecision is a decision in the voting state plus its vote ledger.
// All mutation is serialized behind mu; the resolved flag makes
// resolution idempotent under races between a decisive vote and the
// timeout sweeper.
type activeDecision struct {
	mu       sync.Mutex
	decision model.Decision
	votes    []model.Vote
	voted    map[string]struct{}
	resolved bool
}

// Registry owns the lifecycle of active decisions and coordinates the
// vote ledger, consensus evaluator, reputation ledger and collaborators.
type Registry struct {
	store     Store
	messenger Messenger
	executor  Executor
	events    EventSink
	ledger    *reputation.Ledger
	logger    *slog.Logger
	opts      Options

	mu      sync.RWMutex
	active  map[uuid.UUID]*activeDecision
	results map[uuid.UUID]*model.DecisionResult

	statsMu     sync.Mutex
	total       int
	reached     int
	rejected    int
	timedOut    int
	durationSum time.Duration

	votesCast      metric.Int64Counter
	resolutions    metric.Int64Counter
	resolutionTime metric.Float64Histogram
}

// New creates a Registry. All collaborators are required except events,
// messenger and executor, which may be nil (disabled).
func New(store Store, messenger Messenger, executor Executor, events EventSink, ledger *reputation.Ledger, logger *slog.Logger, opts Options) *Registry {
	opts.withDefaults()

	meter := telemetry.Meter("conclave/engine")
	votes, _ := meter.Int64Counter("conclave.votes_cast",
		metric.WithDescription("Votes accepted by the registry"))
	resolutions, _ := meter.Int64Counter("conclave.decisions_resolved",
		metric.WithDescription("Decisions resolved, by final outcome"))
	resTime, _ := meter.Float64Histogram("conclave.resolution.duration",
		metric.WithDescription("Time from decision creation to resolution (s)"),
		metric.WithUnit("s"))

	return &Registry{
		store:          store,
		messenger:      messenger,
		executor:       executor,
		events:         events,
		ledger:         ledger,
		logger:         logger,
		opts:           opts,
		active:         make(map[uuid.UUID]*activeDecision),
		results:        make(map[uuid.UUID]*model.DecisionResult),
		votesCast:      votes,
		resolutions:    resolutions,
		resolutionTime: resTime,
	}
}

// Recover loads reputations and unresolved decisions from storage into
// memory. Call once before serving traffic. Decisions whose deadline
// passed while the engine was down resolve on the first sweep.
func (r *Registry) Recover(ctx context.Context) error {
	recs, err := r.store.ListReputations(ctx)
	if err != nil {
		return fmt.Errorf("engine: recover reputations: %w", err)
	}
	for _, rec := range recs {
		r.ledger.Seed(rec)
	}

	decisions, err := r.store.ListActiveDecisions(ctx)
	if err != nil {
		return fmt.Errorf("engine: recover decisions: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, d := range decisions {
		votes, err := r.store.ListVotes(ctx, d.ID)
		if err != nil {
			return fmt.Errorf("engine: recover votes for %s: %w", d.ID, err)
		}
		ad := &activeDecision{
			decision: d,
			votes:    votes,
			voted:    make(map[string]struct{}, len(votes)),
		}
		for _, v := range votes {
			ad.voted[v.AgentID] = struct{}{}
		}
		r.active[d.ID] = ad
	}
	if len(decisions) > 0 {
		r.logger.Info("engine: recovered active decisions", "count", len(decisions), "reputations", len(recs))
	}
	return nil
}

// Create registers a new decision, notifies eligible agents, and opens
// the voting window. Validation failures return ErrInvalidDecision and
// mutate nothing.
func (r *Registry) Create(ctx context.Context, req model.CreateDecisionRequest) (uuid.UUID, error) {
	if err := model.ValidateDecisionRequest(req); err != nil {
		return uuid.Nil, fmt.Errorf("%w: %v", ErrInvalidDecision, err)
	}

	now := r.opts.Now()
	d := model.Decision{
		ID:                 uuid.New(),
		DecisionType:       req.DecisionType,
		Priority:           model.Priority(req.Priority),
		Title:              req.Title,
		Description:        req.Description,
		Options:            req.Options,
		RequiredAgents:     req.RequiredAgents,
		OptionalAgents:     req.OptionalAgents,
		Algorithm:          model.ConsensusAlgorithm(req.Algorithm),
		ConsensusThreshold: req.ConsensusThreshold,
		TimeoutSeconds:     req.TimeoutSeconds,
		Status:             model.StatusVoting,
		CreatedBy:          req.CreatedBy,
		Metadata:           req.Metadata,
		CreatedAt:          now,
	}
	if d.Algorithm == "" {
		d.Algorithm = model.AlgorithmSimpleMajority
	}
	if d.Priority == "" {
		d.Priority = model.PriorityMedium
	}
	if d.TimeoutSeconds == 0 {
		d.TimeoutSeconds = int(r.timeoutFor(d.Priority).Seconds())
	}
	d.MinimumVotes = model.MinimumVotes(d.Algorithm, len(d.RequiredAgents))
	d.ExpiresAt = now.Add(time.Duration(d.TimeoutSeconds) * time.Second)

	ad := &activeDecision{
		decision: d,
		voted:    make(map[string]struct{}),
	}

	r.mu.Lock()
	r.active[d.ID] = ad
	r.mu.Unlock()

	r.statsMu.Lock()
	r.total++
	r.statsMu.Unlock()

	if err := r.store.UpsertDecision(ctx, d); err != nil {
		r.logger.Warn("engine: persist decision failed", "error", err, "decision_id", d.ID)
	}

	r.publish(ctx, model.Event{
		Type:       model.EventDecisionCreated,
		DecisionID: d.ID,
		Payload: map[string]any{
			"decision_type":   d.DecisionType,
			"priority":        string(d.Priority),
			"algorithm":       string(d.Algorithm),
			"required_agents": len(d.RequiredAgents),
			"expires_at":      d.ExpiresAt,
		},
	})

	r.requestVotes(d)

	r.logger.Info("engine: decision created",
		"decision_id", d.ID,
		"decision_type", d.DecisionType,
		"algorithm", d.Algorithm,
		"required_agents", len(d.RequiredAgents),
		"timeout_seconds", d.TimeoutSeconds,
	)
	return d.ID, nil
}

func (r *Registry) timeoutFor(p model.Priority) time.Duration {
	switch p {
	case model.PriorityCritical:
		return r.opts.CriticalTimeout
	case model.PriorityHigh:
		return r.opts.HighTimeout
	case model.PriorityMedium, model.PriorityLow:
		return r.opts.DefaultTimeout
	default:
		return r.opts.DefaultTimeout
	}
}

// requestVotes dispatches vote requests to every eligible agent in the
// background. Delivery is best-effort; non-delivery surfaces later as a
// participation penalty, not as a creation failure.
func (r *Registry) requestVotes(d model.Decision) {
	if r.messenger == nil {
		return
	}
	send := func(agentID string, required bool) {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		err := r.messenger.SendVoteRequest(ctx, model.VoteRequest{
			DecisionID:   d.ID,
			AgentID:      agentID,
			Required:     required,
			DecisionType: d.DecisionType,
			Title:        d.Title,
			Description:  d.Description,
			Options:      d.Options,
			ExpiresAt:    d.ExpiresAt,
		})
		if err != nil {
			r.logger.Warn("engine: vote request delivery failed",
				"error", err, "decision_id", d.ID, "agent_id", agentID)
		}
	}
	go func() {
		for _, a := range d.RequiredAgents {
			send(a, true)
		}
		for _, a := range d.OptionalAgents {
			send(a, false)
		}
	}()
}

// CastVote records one agent's vote and synchronously evaluates
// consensus; a quorum-reaching vote resolves the decision in the same
// call. Validation failures mutate nothing.
func (r *Registry) CastVote(ctx context.Context, decisionID uuid.UUID, req model.CastVoteRequest) error {
	if err := model.ValidateVoteRequest(req); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidVote, err)
	}

	r.mu.RLock()
	ad, ok := r.active[decisionID]
	_, resolved := r.results[decisionID]
	r.mu.RUnlock()

	if !ok {
		if resolved {
			return ErrInvalidState
		}
		return ErrNotFound
	}

	ad.mu.Lock()
	defer ad.mu.Unlock()

	if ad.resolved {
		return ErrInvalidState
	}

	now := r.opts.Now()
	if now.After(ad.decision.ExpiresAt) {
		// The late vote is itself the trigger: force the timeout
		// resolution on the same path the sweeper uses.
		r.resolveLocked(ctx, ad, model.FinalTimeout, false)
		return ErrExpired
	}

	if !ad.decision.Eligible(req.AgentID) {
		return ErrIneligibleAgent
	}
	if _, dup := ad.voted[req.AgentID]; dup {
		return ErrDuplicateVote
	}

	v := model.Vote{
		ID:         uuid.New(),
		DecisionID: decisionID,
		AgentID:    req.AgentID,
		VoteType:   model.VoteType(req.VoteType),
		Confidence: req.Confidence,
		Reasoning:  req.Reasoning,
		Metadata:   req.Metadata,
		Weight:     r.ledger.Weight(req.AgentID),
		CastAt:     now,
	}
	ad.votes = append(ad.votes, v)
	ad.voted[req.AgentID] = struct{}{}

	if err := r.store.UpsertVote(ctx, v); err != nil {
		r.logger.Warn("engine: persist vote failed", "error", err, "vote_id", v.ID)
	}
	r.votesCast.Add(ctx, 1, metric.WithAttributes(
		attribute.String("vote_type", string(v.VoteType)),
	))

	r.publish(ctx, model.Event{
		Type:       model.EventVoteCast,
		DecisionID: decisionID,
		Payload: map[string]any{
			"agent_id":   v.AgentID,
			"vote_type":  string(v.VoteType),
			"weight":     v.Weight,
			"votes_cast": len(ad.votes),
		},
	})

	r.logger.Debug("engine: vote cast",
		"decision_id", decisionID, "agent_id", v.AgentID,
		"vote_type", v.VoteType, "weight", v.Weight)

	if verdict := consensus.Evaluate(&ad.decision, ad.votes); verdict.Resolved {
		r.resolveLocked(ctx, ad, verdict.Outcome, true)
	}
	return nil
}

// Status returns a consistent snapshot of a decision, live or resolved.
func (r *Registry) Status(_ context.Context, decisionID uuid.UUID) (model.StatusSnapshot, error) {
	r.mu.RLock()
	ad, ok := r.active[decisionID]
	result := r.results[decisionID]
	r.mu.RUnlock()

	if ok {
		ad.mu.Lock()
		defer ad.mu.Unlock()
		// A decision can be resolved but not yet evicted; fall through
		// to the historical view in that case.
		if !ad.resolved {
			return r.snapshotLocked(ad), nil
		}
		r.mu.RLock()
		result = r.results[decisionID]
		r.mu.RUnlock()
	}
	if result != nil {
		return snapshotFromResult(result), nil
	}
	return model.StatusSnapshot{}, ErrNotFound
}

func (r *Registry) snapshotLocked(ad *activeDecision) model.StatusSnapshot {
	d := &ad.decision
	snap := model.StatusSnapshot{
		DecisionID:     d.ID,
		Status:         d.Status,
		Algorithm:      d.Algorithm,
		VoteCounts:     make(map[model.VoteType]int),
		WeightedTally:  make(map[model.VoteType]float64),
		VotesCast:      len(ad.votes),
		MinimumVotes:   d.MinimumVotes,
		EligibleAgents: d.EligibleCount(),
	}
	for _, v := range ad.votes {
		snap.VoteCounts[v.VoteType]++
		snap.WeightedTally[v.VoteType] += v.Weight
	}
	if n := d.EligibleCount(); n > 0 {
		snap.Participation = float64(len(ad.votes)) / float64(n)
	}
	if remaining := ad.decision.ExpiresAt.Sub(r.opts.Now()); remaining > 0 {
		snap.TimeRemainingSec = remaining.Seconds()
	}
	for _, a := range d.RequiredAgents {
		if _, ok := ad.voted[a]; !ok {
			snap.PendingAgents = append(snap.PendingAgents, a)
		}
	}
	for _, a := range d.OptionalAgents {
		if _, ok := ad.voted[a]; !ok {
			snap.PendingAgents = append(snap.PendingAgents, a)
		}
	}
	return snap
}

func snapshotFromResult(result *model.DecisionResult) model.StatusSnapshot {
	snap := model.StatusSnapshot{
		DecisionID:    result.DecisionID,
		Status:        result.Status,
		VoteCounts:    make(map[model.VoteType]int),
		WeightedTally: make(map[model.VoteType]float64),
		VotesCast:     result.VoteCount,
		Result:        result,
	}
	for _, v := range result.Votes {
		snap.VoteCounts[v.VoteType]++
		snap.WeightedTally[v.VoteType] += v.Weight
	}
	total := len(result.ParticipatingAgents) + len(result.NonParticipatingAgents)
	if total > 0 {
		snap.Participation = float64(len(result.ParticipatingAgents)) / float64(total)
	}
	return snap
}

// ActiveDecisions returns copies of every decision still voting.
func (r *Registry) ActiveDecisions() []model.Decision {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]model.Decision, 0, len(r.active))
	for _, ad := range r.active {
		out = append(out, ad.decision)
	}
	return out
}

// Metrics returns engine-wide aggregates plus per-agent standing.
func (r *Registry) Metrics() model.EngineMetrics {
	r.mu.RLock()
	activeCount := len(r.active)
	r.mu.RUnlock()

	r.statsMu.Lock()
	m := model.EngineMetrics{
		TotalDecisions:   r.total,
		ActiveDecisions:  activeCount,
		ConsensusReached: r.reached,
		Rejected:         r.rejected,
		TimedOut:         r.timedOut,
	}
	resolved := r.reached + r.rejected + r.timedOut
	if resolved > 0 {
		m.SuccessRate = float64(r.reached) / float64(resolved)
		m.AvgDecisionTime = r.durationSum.Seconds() / float64(resolved)
	}
	r.statsMu.Unlock()

	m.AgentStats = make(map[string]model.AgentStats)
	for id, rec := range r.ledger.Snapshot() {
		s := model.AgentStats{
			Reputation: rec.Reputation,
			Weight:     rec.Weight,
			Participated: rec.Participated,
			Missed:       rec.Missed,
			Correct:      rec.Correct,
			Incorrect:    rec.Incorrect,
		}
		if n := rec.Participated + rec.Missed; n > 0 {
			s.Participation = float64(rec.Participated) / float64(n)
		}
		m.AgentStats[id] = s
	}
	return m
}

func (r *Registry) publish(ctx context.Context, ev model.Event) {
	if r.events == nil {
		return
	}
	ev.Timestamp = r.opts.Now()
	r.events.Publish(ctx, ev)
}
