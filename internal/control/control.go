// Package control records interviewer live commands and projects them from
// the event log into the directives that apply to a round right now.
package control

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/ashureev/livepanel/internal/catalog"
	"github.com/ashureev/livepanel/internal/domain"
	"github.com/ashureev/livepanel/internal/eventlog"
	"github.com/ashureev/livepanel/internal/identity"
	"github.com/ashureev/livepanel/internal/plan"
	"github.com/ashureev/livepanel/internal/rounds"
	"github.com/ashureev/livepanel/internal/store"
	"github.com/google/uuid"
)

// DefaultLookback is the number of recent interviewer actions considered.
const DefaultLookback = 25

// customKeyPrefix tags free-text curveballs and personas.
const customKeyPrefix = "custom-"

// ErrCommandNotFound is returned when a consumed marker names no known command.
var ErrCommandNotFound = errors.New("control command not found")

// ErrRoundMismatch is returned when a consumed marker names a round other
// than the one its command targets.
var ErrRoundMismatch = errors.New("control command targets another round")

// SessionStore is the slice of the repository the service needs.
type SessionStore interface {
	GetSession(ctx context.Context, sessionID string) (*domain.Session, error)
}

// Service records and reads live control commands.
type Service struct {
	sessions SessionStore
	plans    *plan.Mutator
	log      *eventlog.Log
	catalog  *catalog.Catalog
	gate     identity.Gate
	lookback int
	logger   *slog.Logger
	now      func() time.Time
}

// Config wires a Service.
type Config struct {
	Sessions SessionStore
	Plans    *plan.Mutator
	Log      *eventlog.Log
	Catalog  *catalog.Catalog
	Gate     identity.Gate
	Lookback int
	Logger   *slog.Logger
}

// NewService creates a Service.
func NewService(cfg Config) *Service {
	s := &Service{
		sessions: cfg.Sessions,
		plans:    cfg.Plans,
		log:      cfg.Log,
		catalog:  cfg.Catalog,
		gate:     cfg.Gate,
		lookback: cfg.Lookback,
		logger:   cfg.Logger,
		now:      func() time.Time { return time.Now().UTC() },
	}
	if s.gate == nil {
		s.gate = identity.RoleGate{}
	}
	if s.lookback <= 0 {
		s.lookback = DefaultLookback
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	return s
}

// Action is an interviewer's live command.
type Action struct {
	Type        domain.ActionType `json:"action_type"`
	TargetRound int               `json:"target_round,omitempty"`
	// Text is the follow-up question for manual_followup.
	Text string `json:"text,omitempty"`
	// Key names a library curveball or a persona from the track pool.
	Key string `json:"key,omitempty"`
	// CustomText is a free-text curveball or persona prompt.
	CustomText string `json:"custom_text,omitempty"`
	Level      int    `json:"level,omitempty"`
}

// Recorded is the outcome of RecordInterviewerAction.
type Recorded struct {
	Event        domain.Event                    `json:"event"`
	Payload      domain.InterviewerActionPayload `json:"payload"`
	AutoConsumed bool                            `json:"auto_consumed"`
}

// RecordInterviewerAction resolves and appends an interviewer_action event.
// A curveball aimed at a non-conversational round is shown immediately, so
// it is written into the round config and consumed in the same call.
func (s *Service) RecordInterviewerAction(ctx context.Context, rc identity.RequestContext, sessionID string, a Action) (Recorded, error) {
	if err := identity.Authorize(ctx, s.gate, rc, identity.RoleInterviewer); err != nil {
		return Recorded{}, err
	}
	if !a.Type.IsValid() {
		return Recorded{}, domain.Invalidf("unknown action_type %q", a.Type)
	}
	session, err := s.sessions.GetSession(ctx, sessionID)
	if err != nil {
		return Recorded{}, err
	}
	if session.Status.IsTerminal() {
		return Recorded{}, fmt.Errorf("%w: %s", rounds.ErrSessionClosed, session.Status)
	}

	p, err := s.plans.Get(ctx, sessionID)
	if err != nil {
		return Recorded{}, err
	}
	if a.TargetRound != 0 {
		r := p.Round(a.TargetRound)
		if r == nil {
			return Recorded{}, fmt.Errorf("%w: %d", rounds.ErrRoundNotFound, a.TargetRound)
		}
		if r.Status.IsDone() {
			return Recorded{}, fmt.Errorf("%w: %d is %s", rounds.ErrRoundFinished, r.Number, r.Status)
		}
	}

	evt := domain.Event{ID: uuid.NewString()}
	payload, err := s.resolve(ctx, session, p, a, evt.ID)
	if err != nil {
		return Recorded{}, err
	}

	// Where would a curveball land right now?
	effective := p.Round(a.TargetRound)
	if effective == nil {
		effective = p.Active()
	}
	auto := a.Type == domain.ActionInjectCurveball && effective != nil && !effective.Type.IsConversational()
	payload.AutoConsumed = auto

	built, err := domain.NewEvent(sessionID, domain.EventInterviewerAction, rc.EventActor(), a.TargetRound, payload)
	if err != nil {
		return Recorded{}, fmt.Errorf("build interviewer action: %w", err)
	}
	built.ID = evt.ID
	built.ActorID = rc.Identity
	if err := s.log.Append(ctx, &built); err != nil {
		return Recorded{}, fmt.Errorf("record interviewer action: %w", err)
	}
	s.logger.Info("Interviewer action recorded",
		"session_id", sessionID,
		"action_type", a.Type,
		"target_round", a.TargetRound,
		"value", payload.Value)

	out := Recorded{Event: built, Payload: payload}
	if auto {
		cmd := commandFromEvent(built, payload)
		if _, err := s.consume(ctx, identity.System(), sessionID, cmd, effective.Number, true); err != nil {
			s.logger.Error("Failed to auto-consume curveball",
				"session_id", sessionID,
				"round_number", effective.Number,
				"value", payload.Value,
				"error", err)
			return out, nil
		}
		out.AutoConsumed = true
	}
	return out, nil
}

// resolve fills in the distinguishing value and display fields of an action.
func (s *Service) resolve(ctx context.Context, session *domain.Session, p *domain.RoundPlan, a Action, eventID string) (domain.InterviewerActionPayload, error) {
	out := domain.InterviewerActionPayload{ActionType: a.Type, TargetRound: a.TargetRound}
	custom := strings.TrimSpace(a.CustomText)
	key := strings.TrimSpace(a.Key)

	switch a.Type {
	case domain.ActionManualFollowup:
		text := strings.TrimSpace(a.Text)
		if text == "" {
			return out, domain.Invalidf("manual_followup needs text")
		}
		out.Value = text
		out.Text = text

	case domain.ActionInjectCurveball:
		switch {
		case custom != "":
			out.Value = customKeyPrefix + uuid.NewString()
			out.Text = custom
			out.Title = "Custom curveball"
			out.Custom = true
		case key != "":
			cb, ok := s.lookupCurveball(key)
			if !ok {
				return out, domain.Invalidf("unknown curveball %q", key)
			}
			out.Value = key
			out.Title = cb.Title
			out.Text = cb.Prompt
		default:
			return out, domain.Invalidf("inject_curveball needs key or custom_text")
		}

	case domain.ActionSwitchPersona:
		pool := s.personaPool(session.Track)
		switch {
		case custom != "":
			out.Value = customKeyPrefix + uuid.NewString()
			out.Text = custom
			out.Custom = true
		case key != "":
			if len(pool) > 0 && !slices.Contains(pool, key) {
				return out, domain.Invalidf("persona %q is not in the %s pool", key, session.Track)
			}
			out.Value = key
		default:
			next, err := s.nextPersona(ctx, session.ID, p, a.TargetRound, pool)
			if err != nil {
				return out, err
			}
			out.Value = next
		}

	case domain.ActionEscalateDifficulty:
		if a.Level < 0 || a.Level > 5 {
			return out, domain.Invalidf("level must be between 1 and 5")
		}
		out.Value = eventID
		out.Level = a.Level
	}
	return out, nil
}

func (s *Service) lookupCurveball(key string) (catalog.Curveball, bool) {
	if s.catalog == nil {
		return catalog.Curveball{}, false
	}
	return s.catalog.Curveball(key)
}

func (s *Service) personaPool(track string) []string {
	if s.catalog == nil {
		return nil
	}
	if t := s.catalog.Track(track); t != nil {
		return t.Personas
	}
	return nil
}

// nextPersona cycles the track pool starting after the most recently
// requested library persona, or after the round's current persona.
func (s *Service) nextPersona(ctx context.Context, sessionID string, p *domain.RoundPlan, target int, pool []string) (string, error) {
	if len(pool) == 0 {
		return "", domain.Invalidf("track has no persona pool; persona key is required")
	}

	recent, err := s.log.Query(ctx, sessionID, store.EventFilter{
		Types:      []domain.EventType{domain.EventInterviewerAction},
		Descending: true,
		Limit:      s.lookback,
	})
	if err != nil {
		return "", err
	}
	last := ""
	for _, evt := range recent {
		var payload domain.InterviewerActionPayload
		if err := evt.DecodePayload(&payload); err != nil {
			continue
		}
		if payload.ActionType == domain.ActionSwitchPersona && !payload.Custom {
			last = payload.Value
			break
		}
	}
	if last == "" {
		r := p.Round(target)
		if r == nil {
			r = p.Active()
		}
		if r != nil {
			last = r.Config.PersonaOverride()
			if last == "" {
				last = r.Config.Persona()
			}
		}
	}

	idx := slices.Index(pool, last)
	if idx < 0 {
		return pool[0], nil
	}
	return pool[(idx+1)%len(pool)], nil
}
