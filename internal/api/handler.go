// Package api provides HTTP handlers for the livepanel API.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/ashureev/livepanel/internal/control"
	"github.com/ashureev/livepanel/internal/domain"
	"github.com/ashureev/livepanel/internal/identity"
	"github.com/ashureev/livepanel/internal/rounds"
	"github.com/ashureev/livepanel/internal/scoring"
	"github.com/ashureev/livepanel/internal/store"
	"github.com/ashureev/livepanel/internal/supervisor"
	"github.com/go-chi/chi/v5"
)

// maxBodyBytes caps request bodies; artifacts are the largest payload.
const maxBodyBytes = 1 << 20

// Rounds is the round state machine.
type Rounds interface {
	CreateSession(ctx context.Context, rc identity.RequestContext, in rounds.NewSession) (*domain.Session, *domain.RoundPlan, error)
	Session(ctx context.Context, rc identity.RequestContext, sessionID string) (*domain.Session, *domain.RoundPlan, error)
	StartRound(ctx context.Context, rc identity.RequestContext, sessionID string, n int) (*domain.Round, error)
	CompleteRound(ctx context.Context, rc identity.RequestContext, sessionID string, n int) (rounds.Transition, error)
	ForceAdvance(ctx context.Context, rc identity.RequestContext, sessionID, reason string) (rounds.Transition, error)
	ForceStop(ctx context.Context, rc identity.RequestContext, sessionID, reason string) (supervisor.Result, error)
	SubmitArtifact(ctx context.Context, rc identity.RequestContext, sessionID string, n int, sub rounds.Submission) (rounds.SubmitResult, error)
}

// Control records interviewer actions and serves directives.
type Control interface {
	RecordInterviewerAction(ctx context.Context, rc identity.RequestContext, sessionID string, a control.Action) (control.Recorded, error)
	Directives(ctx context.Context, rc identity.RequestContext, sessionID string, n int) (control.Directives, error)
	MarkConsumed(ctx context.Context, rc identity.RequestContext, sessionID string, kind domain.EventType, value string, round int) (control.Consumed, error)
}

// Scores reads and overrides round scores.
type Scores interface {
	Score(ctx context.Context, rc identity.RequestContext, sessionID string, n int) (*domain.Score, error)
	Override(ctx context.Context, rc identity.RequestContext, sessionID string, n int, o scoring.ScoreOverride) (*domain.Score, error)
}

// Events reads the session audit log.
type Events interface {
	Query(ctx context.Context, sessionID string, filter store.EventFilter) ([]domain.Event, error)
}

// Handler serves the session, control and scoring endpoints.
type Handler struct {
	rounds  Rounds
	control Control
	scores  Scores
	events  Events
	gate    identity.Gate
	logger  *slog.Logger
}

// Config wires a Handler.
type Config struct {
	Rounds  Rounds
	Control Control
	Scores  Scores
	Events  Events
	Gate    identity.Gate
	Logger  *slog.Logger
}

// NewHandler creates a new Handler.
func NewHandler(cfg Config) *Handler {
	h := &Handler{
		rounds:  cfg.Rounds,
		control: cfg.Control,
		scores:  cfg.Scores,
		events:  cfg.Events,
		gate:    cfg.Gate,
		logger:  cfg.Logger,
	}
	if h.gate == nil {
		h.gate = identity.RoleGate{}
	}
	if h.logger == nil {
		h.logger = slog.Default()
	}
	return h
}

// RegisterRoutes registers the /api routes.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/api/sessions", func(r chi.Router) {
		r.Post("/", h.CreateSession)
		r.Route("/{sessionID}", func(r chi.Router) {
			r.Get("/", h.GetSession)
			r.Post("/force-advance", h.ForceAdvance)
			r.Post("/force-stop", h.ForceStop)
			r.Post("/actions", h.RecordAction)
			r.Post("/consume", h.MarkConsumed)
			r.Get("/events", h.ListEvents)
			r.Route("/rounds/{round}", func(r chi.Router) {
				r.Post("/start", h.StartRound)
				r.Post("/complete", h.CompleteRound)
				r.Post("/artifacts", h.SubmitArtifact)
				r.Get("/directives", h.Directives)
				r.Get("/score", h.GetScore)
				r.Post("/score/override", h.OverrideScore)
			})
		})
	})
}

// JSON writes a JSON response with the given status code.
func JSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"error": "failed to encode response"}`, http.StatusInternalServerError)
	}
}

// Error writes a JSON error response.
func Error(w http.ResponseWriter, status int, message string) {
	JSON(w, status, map[string]string{"error": message})
}

// statusFor maps service errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, identity.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, store.ErrNotFound),
		errors.Is(err, rounds.ErrRoundNotFound),
		errors.Is(err, control.ErrCommandNotFound):
		return http.StatusNotFound
	case errors.Is(err, store.ErrVersionConflict),
		errors.Is(err, rounds.ErrRoundNotActive),
		errors.Is(err, rounds.ErrRoundAlreadyActive),
		errors.Is(err, rounds.ErrRoundFinished),
		errors.Is(err, rounds.ErrAnotherRoundActive),
		errors.Is(err, rounds.ErrEarlierRoundsPending),
		errors.Is(err, rounds.ErrNoActiveRound),
		errors.Is(err, rounds.ErrSessionClosed),
		errors.Is(err, rounds.ErrArtifactScored),
		errors.Is(err, control.ErrRoundMismatch):
		return http.StatusConflict
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// fail writes err with its mapped status. Internal errors are logged and
// not echoed to the client.
func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		h.logger.Error("Request failed",
			"method", r.Method,
			"path", r.URL.Path,
			"session_id", chi.URLParam(r, "sessionID"),
			"error", err)
		Error(w, status, "internal error")
		return
	}
	Error(w, status, err.Error())
}

// decode reads a JSON body into v. An empty body leaves v untouched.
func decode(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return domain.Invalidf("invalid request body: %v", err)
	}
	return nil
}

// roundParam parses the {round} path segment.
func roundParam(r *http.Request) (int, error) {
	raw := chi.URLParam(r, "round")
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 {
		return 0, domain.Invalidf("invalid round number %q", raw)
	}
	return n, nil
}

func caller(r *http.Request) identity.RequestContext {
	return identity.FromContext(r.Context())
}
