package control

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/ashureev/livepanel/internal/domain"
	"github.com/ashureev/livepanel/internal/identity"
	"github.com/ashureev/livepanel/internal/plan"
)

// Consumed is the outcome of MarkConsumed.
type Consumed struct {
	Command         Command       `json:"command"`
	RoundNumber     int           `json:"round_number"`
	Event           *domain.Event `json:"event,omitempty"`
	AlreadyConsumed bool          `json:"already_consumed"`
}

// MarkConsumed records that the command with the given value has been
// applied. kind is the consumed-marker event type (e.g. curveball_used).
// Curveball, persona and difficulty commands also leave a durable effect in
// the round config. Consuming an already consumed value is a no-op. round is
// optional; when given it must match the command's target round.
func (s *Service) MarkConsumed(ctx context.Context, rc identity.RequestContext, sessionID string, kind domain.EventType, value string, round int) (Consumed, error) {
	if err := identity.Authorize(ctx, s.gate, rc, identity.RoleInterviewer, identity.RoleCandidate); err != nil {
		return Consumed{}, err
	}
	action, ok := domain.ActionForUsed(kind)
	if !ok {
		return Consumed{}, domain.Invalidf("%q is not a consumed marker", kind)
	}
	value = strings.TrimSpace(value)
	if value == "" {
		return Consumed{}, domain.Invalidf("value is required")
	}

	window, older, used, err := s.loadCommands(ctx, sessionID)
	if err != nil {
		return Consumed{}, err
	}
	var cmd, elsewhere *Command
	all := slices.Concat(older, window)
	for i := len(all) - 1; i >= 0; i-- {
		if all[i].Type != action || all[i].Value != value {
			continue
		}
		if round == 0 || all[i].TargetRound == 0 || all[i].TargetRound == round {
			cmd = &all[i]
			break
		}
		if elsewhere == nil {
			elsewhere = &all[i]
		}
	}
	if cmd == nil && elsewhere != nil {
		return Consumed{}, fmt.Errorf("%w: %s %q targets round %d, not %d", ErrRoundMismatch, action, value, elsewhere.TargetRound, round)
	}
	if cmd == nil {
		return Consumed{}, fmt.Errorf("%w: %s %q", ErrCommandNotFound, action, value)
	}
	if cmd.TargetRound > 0 {
		round = cmd.TargetRound
	}
	if used.consumed(*cmd) {
		return Consumed{Command: *cmd, RoundNumber: round, AlreadyConsumed: true}, nil
	}

	return s.consume(ctx, rc, sessionID, *cmd, round, false)
}

// consume applies the command's durable effect to the round and appends the
// consumed marker. The effect is written first so a failed marker only
// resurfaces the command; re-applying it is idempotent.
func (s *Service) consume(ctx context.Context, rc identity.RequestContext, sessionID string, cmd Command, round int, auto bool) (Consumed, error) {
	// The marker must carry the target round or the reader ignores it.
	if cmd.TargetRound > 0 {
		round = cmd.TargetRound
	}
	if round == 0 {
		p, err := s.plans.Get(ctx, sessionID)
		if err != nil {
			return Consumed{}, err
		}
		if active := p.Active(); active != nil {
			round = active.Number
		}
	}

	if round > 0 && cmd.Type != domain.ActionManualFollowup {
		now := s.now()
		_, err := s.plans.Mutate(ctx, sessionID, func(p *domain.RoundPlan) error {
			r := p.Round(round)
			if r == nil || r.Status.IsDone() {
				return plan.ErrNoChange
			}
			if !applyEffect(r, cmd, now) {
				return plan.ErrNoChange
			}
			return nil
		})
		if err != nil {
			return Consumed{}, fmt.Errorf("apply %s to round %d: %w", cmd.Type, round, err)
		}
	}

	evt, err := s.log.Emit(ctx, rc, sessionID, cmd.Type.UsedEvent(), round, domain.ControlUsedPayload{
		Value:    cmd.Value,
		ActionID: cmd.ActionID,
		Auto:     auto,
	})
	if err != nil {
		return Consumed{}, fmt.Errorf("mark %s consumed: %w", cmd.Type, err)
	}
	s.logger.Info("Control command consumed",
		"session_id", sessionID,
		"round_number", round,
		"action_type", cmd.Type,
		"value", cmd.Value,
		"auto", auto)
	return Consumed{Command: cmd, RoundNumber: round, Event: &evt}, nil
}

// applyEffect writes the durable part of a command into the round config and
// reports whether anything changed.
func applyEffect(r *domain.Round, cmd Command, now time.Time) bool {
	cfg := r.EnsureConfig()
	switch cmd.Type {
	case domain.ActionInjectCurveball:
		return cfg.AppendCurveball(domain.Curveball{
			Key:        cmd.Value,
			Title:      cmd.Title,
			Prompt:     cmd.Text,
			Custom:     cmd.Custom,
			InjectedAt: now.Format(time.RFC3339),
		})
	case domain.ActionSwitchPersona:
		prompt := ""
		if cmd.Custom {
			prompt = cmd.Text
		}
		if cfg.PersonaOverride() == cmd.Value && cfg.CustomPersonaPrompt() == prompt {
			return false
		}
		cfg[domain.ConfigPersonaOverride] = cmd.Value
		if prompt != "" {
			cfg[domain.ConfigCustomPersonaPrompt] = prompt
		} else {
			delete(cfg, domain.ConfigCustomPersonaPrompt)
		}
		return true
	case domain.ActionEscalateDifficulty:
		changed := !cfg.DifficultyBoost()
		cfg[domain.ConfigDifficultyBoost] = true
		if cmd.Level > 0 && cfg.Difficulty() < cmd.Level {
			cfg[domain.ConfigDifficulty] = cmd.Level
			changed = true
		}
		return changed
	default:
		return false
	}
}
