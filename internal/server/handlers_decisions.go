package server

import (
	"errors"
	"net/http"

	"github.com/conclave-ai/conclave/internal/engine"
	"github.com/conclave-ai/conclave/internal/model"
	"github.com/conclave-ai/conclave/internal/storage"
)

// writeEngineError maps registry sentinel errors to API error responses.
func (h *Handlers) writeEngineError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, engine.ErrNotFound):
		writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "decision not found")
	case errors.Is(err, engine.ErrInvalidState):
		writeError(w, r, http.StatusConflict, model.ErrCodeInvalidState, "decision is no longer accepting votes")
	case errors.Is(err, engine.ErrExpired):
		writeError(w, r, http.StatusConflict, model.ErrCodeExpired, "decision voting window has expired")
	case errors.Is(err, engine.ErrDuplicateVote):
		writeError(w, r, http.StatusConflict, model.ErrCodeDuplicateVote, "agent has already voted on this decision")
	case errors.Is(err, engine.ErrIneligibleAgent):
		writeError(w, r, http.StatusForbidden, model.ErrCodeIneligibleAgent, "agent is not eligible to vote on this decision")
	case errors.Is(err, engine.ErrInvalidDecision), errors.Is(err, engine.ErrInvalidVote):
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
	default:
		h.writeInternalError(w, r, "internal error", err)
	}
}

// HandleCreateDecision handles POST /v1/decisions.
func (h *Handlers) HandleCreateDecision(w http.ResponseWriter, r *http.Request) {
	var req model.CreateDecisionRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}

	claims := ClaimsFromContext(r.Context())
	req.CreatedBy = claims.AgentID

	id, err := h.registry.Create(r.Context(), req)
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}

	snap, err := h.registry.Status(r.Context(), id)
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusCreated, snap)
}

// HandleListDecisions handles GET /v1/decisions. Supports ?status=,
// ?limit= and ?offset=.
func (h *Handlers) HandleListDecisions(w http.ResponseWriter, r *http.Request) {
	status := model.DecisionStatus(r.URL.Query().Get("status"))
	decisions, err := h.db.ListDecisions(r.Context(), status, queryLimit(r, 50), queryOffset(r))
	if err != nil {
		h.writeInternalError(w, r, "failed to list decisions", err)
		return
	}
	writeJSON(w, r, http.StatusOK, map[string]any{"decisions": decisions})
}

// HandleGetDecision handles GET /v1/decisions/{decision_id}. Returns a
// live tally for active decisions and the final result for resolved
// ones, falling back to storage for decisions resolved before the last
// restart.
func (h *Handlers) HandleGetDecision(w http.ResponseWriter, r *http.Request) {
	id, err := parseDecisionID(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}

	snap, err := h.registry.Status(r.Context(), id)
	if err == nil {
		writeJSON(w, r, http.StatusOK, snap)
		return
	}
	if !errors.Is(err, engine.ErrNotFound) {
		h.writeEngineError(w, r, err)
		return
	}

	result, serr := h.db.GetResult(r.Context(), id)
	if serr != nil {
		if errors.Is(serr, storage.ErrNotFound) {
			writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "decision not found")
			return
		}
		h.writeInternalError(w, r, "failed to load decision", serr)
		return
	}
	writeJSON(w, r, http.StatusOK, model.StatusSnapshot{
		DecisionID: result.DecisionID,
		Status:     result.Status,
		VotesCast:  result.VoteCount,
		Result:     &result,
	})
}

// HandleCastVote handles POST /v1/decisions/{decision_id}/votes. The
// voting agent is taken from the JWT, never from the body.
func (h *Handlers) HandleCastVote(w http.ResponseWriter, r *http.Request) {
	id, err := parseDecisionID(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}

	var req model.CastVoteRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	claims := ClaimsFromContext(r.Context())
	req.AgentID = claims.AgentID

	if err := h.registry.CastVote(r.Context(), id, req); err != nil {
		h.writeEngineError(w, r, err)
		return
	}

	snap, err := h.registry.Status(r.Context(), id)
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, snap)
}

// HandleGetResult handles GET /v1/decisions/{decision_id}/result.
func (h *Handlers) HandleGetResult(w http.ResponseWriter, r *http.Request) {
	id, err := parseDecisionID(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}

	snap, err := h.registry.Status(r.Context(), id)
	if err == nil {
		if snap.Result == nil {
			writeError(w, r, http.StatusConflict, model.ErrCodeInvalidState, "decision has not resolved yet")
			return
		}
		writeJSON(w, r, http.StatusOK, snap.Result)
		return
	}
	if !errors.Is(err, engine.ErrNotFound) {
		h.writeEngineError(w, r, err)
		return
	}

	result, serr := h.db.GetResult(r.Context(), id)
	if serr != nil {
		if errors.Is(serr, storage.ErrNotFound) {
			writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "decision not found")
			return
		}
		h.writeInternalError(w, r, "failed to load result", serr)
		return
	}
	writeJSON(w, r, http.StatusOK, result)
}

// HandleMetrics handles GET /v1/metrics.
func (h *Handlers) HandleMetrics(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, r, http.StatusOK, h.registry.Metrics())
}
