package api

import (
	"net/http"
	"strconv"

	"github.com/ashureev/livepanel/internal/domain"
	"github.com/ashureev/livepanel/internal/identity"
	"github.com/ashureev/livepanel/internal/scoring"
	"github.com/ashureev/livepanel/internal/store"
	"github.com/go-chi/chi/v5"
)

const maxEventPage = 500

// GetScore handles GET /api/sessions/{sessionID}/rounds/{round}/score.
func (h *Handler) GetScore(w http.ResponseWriter, r *http.Request) {
	n, err := roundParam(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	score, err := h.scores.Score(r.Context(), caller(r), chi.URLParam(r, "sessionID"), n)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	JSON(w, http.StatusOK, score)
}

// OverrideScore handles POST /api/sessions/{sessionID}/rounds/{round}/score/override.
func (h *Handler) OverrideScore(w http.ResponseWriter, r *http.Request) {
	n, err := roundParam(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	var o scoring.ScoreOverride
	if err := decode(w, r, &o); err != nil {
		h.fail(w, r, err)
		return
	}
	score, err := h.scores.Override(r.Context(), caller(r), chi.URLParam(r, "sessionID"), n, o)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	JSON(w, http.StatusOK, score)
}

// ListEvents handles GET /api/sessions/{sessionID}/events.
//
// Query parameters: type (repeatable), round, after_seq, limit.
func (h *Handler) ListEvents(w http.ResponseWriter, r *http.Request) {
	if err := identity.Authorize(r.Context(), h.gate, caller(r), identity.RoleInterviewer); err != nil {
		h.fail(w, r, err)
		return
	}
	filter, err := eventFilter(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	events, err := h.events.Query(r.Context(), chi.URLParam(r, "sessionID"), filter)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if events == nil {
		events = []domain.Event{}
	}
	JSON(w, http.StatusOK, map[string]any{"events": events})
}

func eventFilter(r *http.Request) (store.EventFilter, error) {
	q := r.URL.Query()
	filter := store.EventFilter{Limit: maxEventPage}
	for _, t := range q["type"] {
		typ := domain.EventType(t)
		if !typ.IsKnown() {
			return filter, domain.Invalidf("unknown event type %q", t)
		}
		filter.Types = append(filter.Types, typ)
	}
	if v := q.Get("round"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			return filter, domain.Invalidf("invalid round %q", v)
		}
		filter.RoundNumber = n
	}
	if v := q.Get("after_seq"); v != "" {
		seq, err := strconv.ParseInt(v, 10, 64)
		if err != nil || seq < 0 {
			return filter, domain.Invalidf("invalid after_seq %q", v)
		}
		filter.AfterSeq = seq
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			return filter, domain.Invalidf("invalid limit %q", v)
		}
		filter.Limit = min(n, maxEventPage)
	}
	return filter, nil
}
