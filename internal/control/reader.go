package control

import (
	"context"
	"fmt"
	"time"

	"github.com/ashureev/livepanel/internal/domain"
	"github.com/ashureev/livepanel/internal/identity"
	"github.com/ashureev/livepanel/internal/rounds"
	"github.com/ashureev/livepanel/internal/store"
)

// Command is an interviewer action projected as pending or consumed.
type Command struct {
	ActionID    string            `json:"action_id"`
	Seq         int64             `json:"seq"`
	Type        domain.ActionType `json:"action_type"`
	TargetRound int               `json:"target_round,omitempty"`
	Value       string            `json:"value"`
	Text        string            `json:"text,omitempty"`
	Title       string            `json:"title,omitempty"`
	Custom      bool              `json:"custom,omitempty"`
	Level       int               `json:"level,omitempty"`
	IssuedAt    time.Time         `json:"issued_at"`
}

// Directives is what applies to a round right now.
type Directives struct {
	SessionID   string           `json:"session_id"`
	RoundNumber int              `json:"round_number"`
	RoundType   domain.RoundType `json:"round_type"`

	// Durable directives baked into the round config.
	PersonaOverride     string             `json:"persona_override,omitempty"`
	CustomPersonaPrompt string             `json:"custom_persona_prompt,omitempty"`
	InjectedCurveballs  []domain.Curveball `json:"injected_curveballs"`
	DifficultyBoost     bool               `json:"difficulty_boost"`
	Difficulty          int                `json:"difficulty"`
	PersonaIntensity    string             `json:"persona_intensity,omitempty"`
	SupportiveHint      bool               `json:"supportive_hint,omitempty"`

	// One-shot commands not yet consumed. At most one per category.
	PendingFollowup   *Command `json:"pending_followup,omitempty"`
	PendingCurveball  *Command `json:"pending_curveball,omitempty"`
	PendingPersona    *Command `json:"pending_persona,omitempty"`
	PendingEscalation *Command `json:"pending_escalation,omitempty"`

	// Expired lists unconsumed commands that fell out of the lookback window.
	Expired []Command `json:"expired,omitempty"`
}

var usedEventTypes = []domain.EventType{
	domain.EventFollowupUsed,
	domain.EventCurveballUsed,
	domain.EventPersonaUsed,
	domain.EventDifficultyBoostUsed,
}

// Directives reads the currently applicable directives for round n.
func (s *Service) Directives(ctx context.Context, rc identity.RequestContext, sessionID string, n int) (Directives, error) {
	if err := identity.Authorize(ctx, s.gate, rc, identity.RoleInterviewer, identity.RoleCandidate); err != nil {
		return Directives{}, err
	}
	p, err := s.plans.Get(ctx, sessionID)
	if err != nil {
		return Directives{}, err
	}
	r := p.Round(n)
	if r == nil {
		return Directives{}, fmt.Errorf("%w: %d", rounds.ErrRoundNotFound, n)
	}

	d := Directives{
		SessionID:           sessionID,
		RoundNumber:         n,
		RoundType:           r.Type,
		PersonaOverride:     r.Config.PersonaOverride(),
		CustomPersonaPrompt: r.Config.CustomPersonaPrompt(),
		InjectedCurveballs:  r.Config.InjectedCurveballs(),
		DifficultyBoost:     r.Config.DifficultyBoost(),
		Difficulty:          r.Config.Difficulty(),
		PersonaIntensity:    r.Config.PersonaIntensity(),
		SupportiveHint:      r.Config.SupportiveHint(),
	}
	if d.InjectedCurveballs == nil {
		d.InjectedCurveballs = []domain.Curveball{}
	}

	window, older, used, err := s.loadCommands(ctx, sessionID)
	if err != nil {
		return Directives{}, err
	}

	// Newest first: the first unconsumed match per category wins.
	for i := len(window) - 1; i >= 0; i-- {
		cmd := window[i]
		if !cmd.appliesTo(n) || used.consumed(cmd) {
			continue
		}
		c := cmd
		switch cmd.Type {
		case domain.ActionManualFollowup:
			if d.PendingFollowup == nil {
				d.PendingFollowup = &c
			}
		case domain.ActionInjectCurveball:
			if d.PendingCurveball == nil && !r.Config.HasCurveball(cmd.Value) {
				d.PendingCurveball = &c
			}
		case domain.ActionSwitchPersona:
			if d.PendingPersona == nil {
				d.PendingPersona = &c
			}
		case domain.ActionEscalateDifficulty:
			if d.PendingEscalation == nil {
				d.PendingEscalation = &c
			}
		}
	}

	for _, cmd := range older {
		if cmd.appliesTo(n) && !used.consumed(cmd) {
			d.Expired = append(d.Expired, cmd)
		}
	}
	if len(d.Expired) > 0 {
		s.logger.Warn("Unconsumed control commands fell outside the lookback window",
			"session_id", sessionID,
			"round_number", n,
			"expired", len(d.Expired),
			"lookback", s.lookback)
	}
	return d, nil
}

// loadCommands reads the lookback window of interviewer actions (oldest
// first), the window before it, and every consumed marker of the session.
func (s *Service) loadCommands(ctx context.Context, sessionID string) (window, older []Command, used usedSet, err error) {
	events, err := s.log.Recent(ctx, sessionID, 2*s.lookback, domain.EventInterviewerAction)
	if err != nil {
		return nil, nil, nil, err
	}
	cmds := make([]Command, 0, len(events))
	for _, evt := range events {
		var payload domain.InterviewerActionPayload
		if err := evt.DecodePayload(&payload); err != nil || !payload.ActionType.IsValid() {
			s.logger.Warn("Skipping unreadable interviewer action", "session_id", sessionID, "event_id", evt.ID, "error", err)
			continue
		}
		cmds = append(cmds, commandFromEvent(evt, payload))
	}
	split := max(0, len(cmds)-s.lookback)
	older, window = cmds[:split], cmds[split:]

	markers, err := s.log.Query(ctx, sessionID, store.EventFilter{Types: usedEventTypes})
	if err != nil {
		return nil, nil, nil, err
	}
	used = newUsedSet(markers)
	return window, older, used, nil
}

func commandFromEvent(evt domain.Event, p domain.InterviewerActionPayload) Command {
	return Command{
		ActionID:    evt.ID,
		Seq:         evt.Seq,
		Type:        p.ActionType,
		TargetRound: p.TargetRound,
		Value:       p.Value,
		Text:        p.Text,
		Title:       p.Title,
		Custom:      p.Custom,
		Level:       p.Level,
		IssuedAt:    evt.CreatedAt,
	}
}

// appliesTo reports whether the command targets round n or is global.
func (c Command) appliesTo(n int) bool {
	return c.TargetRound == 0 || c.TargetRound == n
}

type usedMarker struct {
	seq   int64
	round int
}

// usedSet indexes consumed markers by action type and value.
type usedSet map[domain.ActionType]map[string][]usedMarker

func newUsedSet(events []domain.Event) usedSet {
	set := usedSet{}
	for _, evt := range events {
		action, ok := domain.ActionForUsed(evt.Type)
		if !ok {
			continue
		}
		var payload domain.ControlUsedPayload
		if err := evt.DecodePayload(&payload); err != nil || payload.Value == "" {
			continue
		}
		if set[action] == nil {
			set[action] = map[string][]usedMarker{}
		}
		set[action][payload.Value] = append(set[action][payload.Value], usedMarker{seq: evt.Seq, round: evt.RoundNumber})
	}
	return set
}

// consumed reports whether a marker with the command's value was appended
// after the command. A marker carrying a round only consumes commands aimed
// at that round or at no round.
func (u usedSet) consumed(c Command) bool {
	for _, m := range u[c.Type][c.Value] {
		if m.seq <= c.Seq {
			continue
		}
		if m.round == 0 || c.TargetRound == 0 || m.round == c.TargetRound {
			return true
		}
	}
	return false
}
