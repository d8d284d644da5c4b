package api

import (
	"net/http"

	"github.com/ashureev/livepanel/internal/domain"
	"github.com/ashureev/livepanel/internal/rounds"
	"github.com/go-chi/chi/v5"
)

type sessionResponse struct {
	Session *domain.Session   `json:"session"`
	Plan    *domain.RoundPlan `json:"plan"`
}

type reasonRequest struct {
	Reason string `json:"reason"`
}

// CreateSession handles POST /api/sessions.
func (h *Handler) CreateSession(w http.ResponseWriter, r *http.Request) {
	var in rounds.NewSession
	if err := decode(w, r, &in); err != nil {
		h.fail(w, r, err)
		return
	}
	session, plan, err := h.rounds.CreateSession(r.Context(), caller(r), in)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	JSON(w, http.StatusCreated, sessionResponse{Session: session, Plan: plan})
}

// GetSession handles GET /api/sessions/{sessionID}.
func (h *Handler) GetSession(w http.ResponseWriter, r *http.Request) {
	session, plan, err := h.rounds.Session(r.Context(), caller(r), chi.URLParam(r, "sessionID"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	JSON(w, http.StatusOK, sessionResponse{Session: session, Plan: plan})
}

// StartRound handles POST /api/sessions/{sessionID}/rounds/{round}/start.
func (h *Handler) StartRound(w http.ResponseWriter, r *http.Request) {
	n, err := roundParam(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	round, err := h.rounds.StartRound(r.Context(), caller(r), chi.URLParam(r, "sessionID"), n)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	JSON(w, http.StatusOK, round)
}

// CompleteRound handles POST /api/sessions/{sessionID}/rounds/{round}/complete.
func (h *Handler) CompleteRound(w http.ResponseWriter, r *http.Request) {
	n, err := roundParam(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	t, err := h.rounds.CompleteRound(r.Context(), caller(r), chi.URLParam(r, "sessionID"), n)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	JSON(w, http.StatusOK, t)
}

// SubmitArtifact handles POST /api/sessions/{sessionID}/rounds/{round}/artifacts.
func (h *Handler) SubmitArtifact(w http.ResponseWriter, r *http.Request) {
	n, err := roundParam(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	var sub rounds.Submission
	if err := decode(w, r, &sub); err != nil {
		h.fail(w, r, err)
		return
	}
	result, err := h.rounds.SubmitArtifact(r.Context(), caller(r), chi.URLParam(r, "sessionID"), n, sub)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	JSON(w, http.StatusCreated, result)
}

// ForceAdvance handles POST /api/sessions/{sessionID}/force-advance.
func (h *Handler) ForceAdvance(w http.ResponseWriter, r *http.Request) {
	var req reasonRequest
	if err := decode(w, r, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	t, err := h.rounds.ForceAdvance(r.Context(), caller(r), chi.URLParam(r, "sessionID"), req.Reason)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	JSON(w, http.StatusOK, t)
}

// ForceStop handles POST /api/sessions/{sessionID}/force-stop.
func (h *Handler) ForceStop(w http.ResponseWriter, r *http.Request) {
	var req reasonRequest
	if err := decode(w, r, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	result, err := h.rounds.ForceStop(r.Context(), caller(r), chi.URLParam(r, "sessionID"), req.Reason)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	JSON(w, http.StatusOK, result)
}
