// Package supervisor aborts sessions: every open round is skipped and the
// session is marked aborted in a single plan write.
package supervisor

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/ashureev/livepanel/internal/domain"
	"github.com/ashureev/livepanel/internal/eventlog"
	"github.com/ashureev/livepanel/internal/identity"
	"github.com/ashureev/livepanel/internal/plan"
)

// SessionStore is the slice of the repository the supervisor needs.
type SessionStore interface {
	GetSession(ctx context.Context, sessionID string) (*domain.Session, error)
	UpdateSessionStatus(ctx context.Context, sessionID string, to domain.SessionStatus, from ...domain.SessionStatus) (bool, error)
}

// StoppedPayload is the payload of session_force_stopped.
type StoppedPayload struct {
	Reason        string `json:"reason"`
	Actor         string `json:"actor"`
	ActorRole     string `json:"actor_role"`
	SkippedRounds []int  `json:"skipped_rounds"`
}

// Result reports what a ForceStop call did.
type Result struct {
	Stopped       bool  `json:"stopped"`
	SkippedRounds []int `json:"skipped_rounds"`
}

// Supervisor force-stops sessions.
type Supervisor struct {
	sessions SessionStore
	plans    *plan.Mutator
	log      *eventlog.Log
	gate     identity.Gate
	logger   *slog.Logger
	now      func() time.Time
}

// New creates a Supervisor.
func New(sessions SessionStore, plans *plan.Mutator, log *eventlog.Log, gate identity.Gate, logger *slog.Logger) *Supervisor {
	if logger == nil {
		logger = slog.Default()
	}
	if gate == nil {
		gate = identity.RoleGate{}
	}
	return &Supervisor{
		sessions: sessions,
		plans:    plans,
		log:      log,
		gate:     gate,
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// ForceStop skips every active or pending round and aborts the session.
// Stopping an already aborted or completed session is a no-op and appends
// no event.
func (s *Supervisor) ForceStop(ctx context.Context, rc identity.RequestContext, sessionID, reason string) (Result, error) {
	if err := identity.Authorize(ctx, s.gate, rc, identity.RoleInterviewer); err != nil {
		return Result{}, err
	}

	session, err := s.sessions.GetSession(ctx, sessionID)
	if err != nil {
		return Result{}, err
	}
	if session.Status.IsTerminal() {
		return Result{}, nil
	}

	now := s.now()
	var skipped []int
	_, err = s.plans.Mutate(ctx, sessionID, func(p *domain.RoundPlan) error {
		skipped = skipped[:0]
		open := p.Open()
		if len(open) == 0 {
			return plan.ErrNoChange
		}
		for _, r := range open {
			r.Status = domain.RoundSkipped
			r.CompletedAt = &now
			skipped = append(skipped, r.Number)
		}
		return nil
	})
	if err != nil {
		return Result{}, fmt.Errorf("skip open rounds: %w", err)
	}

	// The conditional status flip decides which concurrent caller records the stop.
	changed, err := s.sessions.UpdateSessionStatus(ctx, sessionID, domain.SessionAborted, domain.SessionScheduled, domain.SessionLive)
	if err != nil {
		return Result{}, fmt.Errorf("abort session: %w", err)
	}
	if !changed {
		return Result{SkippedRounds: skipped}, nil
	}

	s.logger.Warn("Session force-stopped",
		"session_id", sessionID,
		"reason", reason,
		"actor", rc.Identity,
		"skipped_rounds", skipped)

	s.log.EmitAfterWrite(ctx, rc, sessionID, domain.EventSessionForceStopped, 0, StoppedPayload{
		Reason:        reason,
		Actor:         rc.Identity,
		ActorRole:     string(rc.Role),
		SkippedRounds: nonNil(skipped),
	})
	return Result{Stopped: true, SkippedRounds: nonNil(skipped)}, nil
}

func nonNil(v []int) []int {
	if v == nil {
		return []int{}
	}
	return v
}
