package api

import (
	"net/http"

	"github.com/ashureev/livepanel/internal/control"
	"github.com/ashureev/livepanel/internal/domain"
	"github.com/go-chi/chi/v5"
)

// consumeRequest names a consumed-marker type, the command value it
// consumes and the round it was applied to.
type consumeRequest struct {
	Kind        domain.EventType `json:"kind"`
	Value       string           `json:"value"`
	RoundNumber int              `json:"round_number"`
}

// RecordAction handles POST /api/sessions/{sessionID}/actions.
func (h *Handler) RecordAction(w http.ResponseWriter, r *http.Request) {
	var a control.Action
	if err := decode(w, r, &a); err != nil {
		h.fail(w, r, err)
		return
	}
	rec, err := h.control.RecordInterviewerAction(r.Context(), caller(r), chi.URLParam(r, "sessionID"), a)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	JSON(w, http.StatusCreated, rec)
}

// Directives handles GET /api/sessions/{sessionID}/rounds/{round}/directives.
func (h *Handler) Directives(w http.ResponseWriter, r *http.Request) {
	n, err := roundParam(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	d, err := h.control.Directives(r.Context(), caller(r), chi.URLParam(r, "sessionID"), n)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	JSON(w, http.StatusOK, d)
}

// MarkConsumed handles POST /api/sessions/{sessionID}/consume.
func (h *Handler) MarkConsumed(w http.ResponseWriter, r *http.Request) {
	var req consumeRequest
	if err := decode(w, r, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	if req.RoundNumber < 0 {
		h.fail(w, r, domain.Invalidf("round_number must be >= 1 when given"))
		return
	}
	c, err := h.control.MarkConsumed(r.Context(), caller(r), chi.URLParam(r, "sessionID"), req.Kind, req.Value, req.RoundNumber)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	JSON(w, http.StatusOK, c)
}
