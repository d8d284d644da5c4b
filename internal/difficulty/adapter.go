// Package difficulty adapts the next pending round to how the candidate
// performed on the round that was just scored.
package difficulty

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/ashureev/livepanel/internal/catalog"
	"github.com/ashureev/livepanel/internal/domain"
	"github.com/ashureev/livepanel/internal/eventlog"
	"github.com/ashureev/livepanel/internal/identity"
	"github.com/ashureev/livepanel/internal/plan"
)

// IntensityAssertive is the persona intensity written when difficulty rises.
const IntensityAssertive = "assertive"

// SessionStore is the slice of the repository the adapter needs.
type SessionStore interface {
	GetSession(ctx context.Context, sessionID string) (*domain.Session, error)
}

// Change is one config key before and after adaptation.
type Change struct {
	From any `json:"from"`
	To   any `json:"to"`
}

// Adaptation describes what was changed and why.
type Adaptation struct {
	SourceRound  int               `json:"source_round"`
	TargetRound  int               `json:"target_round"`
	OverallScore int               `json:"overall_score"`
	Direction    string            `json:"direction"`
	Changes      map[string]Change `json:"changes"`
	Reason       string            `json:"reason"`
}

// Adapter applies the catalog's adaptation policy.
type Adapter struct {
	sessions SessionStore
	plans    *plan.Mutator
	log      *eventlog.Log
	catalog  *catalog.Catalog
	logger   *slog.Logger
}

// New creates an Adapter.
func New(sessions SessionStore, plans *plan.Mutator, log *eventlog.Log, cat *catalog.Catalog, logger *slog.Logger) *Adapter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Adapter{sessions: sessions, plans: plans, log: log, catalog: cat, logger: logger}
}

// Adapt mutates the next pending round after the scored round. It returns
// nil when no rule fired or the score was already applied; only a real
// change appends difficulty_adaptation.
func (a *Adapter) Adapt(ctx context.Context, score *domain.Score) (*Adaptation, error) {
	if score == nil {
		return nil, nil
	}
	if score.Degraded {
		a.logger.Info("Skipping adaptation for degraded score", "session_id", score.SessionID, "round_number", score.RoundNumber)
		return nil, nil
	}
	session, err := a.sessions.GetSession(ctx, score.SessionID)
	if err != nil {
		return nil, err
	}
	if session.Status == domain.SessionAborted {
		return nil, nil
	}

	policy := catalog.AdaptationPolicy{RaiseAt: 85, LowerAt: 50, Step: 1, MinDifficulty: 1, MaxDifficulty: 5}
	if a.catalog != nil {
		policy = a.catalog.AdaptationFor(session.Track)
	}

	var out *Adaptation
	_, err = a.plans.Mutate(ctx, score.SessionID, func(p *domain.RoundPlan) error {
		out = nil
		target := p.NextPending(score.RoundNumber)
		if target == nil {
			return plan.ErrNoChange
		}
		cfg := target.EnsureConfig()
		if cfg.WasAdaptedFrom(score.RoundNumber) {
			return plan.ErrNoChange
		}
		adapt := decide(policy, score.Overall, cfg)
		if adapt == nil {
			return plan.ErrNoChange
		}
		for key, ch := range adapt.Changes {
			cfg[key] = ch.To
		}
		cfg.MarkAdaptedFrom(score.RoundNumber)
		adapt.SourceRound = score.RoundNumber
		adapt.TargetRound = target.Number
		out = adapt
		return nil
	})
	if errors.Is(err, plan.ErrNoChange) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("adapt next round: %w", err)
	}
	if out == nil {
		return nil, nil
	}

	a.logger.Info("Difficulty adapted",
		"session_id", score.SessionID,
		"source_round", out.SourceRound,
		"target_round", out.TargetRound,
		"direction", out.Direction)
	a.log.EmitAfterWrite(ctx, identity.System(), score.SessionID, domain.EventDifficultyAdaptation, out.TargetRound, out)
	return out, nil
}

// decide returns the changes the policy asks for, or nil when the score sits
// between the thresholds or every value is already at its target.
func decide(p catalog.AdaptationPolicy, overall int, cfg domain.RoundConfig) *Adaptation {
	current := cfg.Difficulty()
	changes := map[string]Change{}
	var adapt Adaptation

	switch {
	case overall >= p.RaiseAt:
		adapt.Direction = "raise"
		adapt.Reason = fmt.Sprintf("overall score %d is at or above %d", overall, p.RaiseAt)
		if next := min(current+p.Step, p.MaxDifficulty); next != current {
			changes[domain.ConfigDifficulty] = Change{From: current, To: next}
		}
		if prev := cfg.PersonaIntensity(); prev != IntensityAssertive {
			changes[domain.ConfigPersonaIntensity] = Change{From: prev, To: IntensityAssertive}
		}
	case overall < p.LowerAt:
		adapt.Direction = "lower"
		adapt.Reason = fmt.Sprintf("overall score %d is below %d", overall, p.LowerAt)
		if next := max(current-p.Step, p.MinDifficulty); next != current {
			changes[domain.ConfigDifficulty] = Change{From: current, To: next}
		}
		if !cfg.SupportiveHint() {
			changes[domain.ConfigSupportiveHint] = Change{From: false, To: true}
		}
	default:
		return nil
	}
	if len(changes) == 0 {
		return nil
	}
	adapt.OverallScore = overall
	adapt.Changes = changes
	return &adapt
}
