// Package timer is the scheduler that auto-submits rounds whose time is up.
// It holds no state of its own: each sweep reads live plans and calls the
// same completion path a candidate submission uses.
package timer

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/ashureev/livepanel/internal/domain"
	"github.com/ashureev/livepanel/internal/identity"
	"github.com/ashureev/livepanel/internal/rounds"
)

const (
	// DefaultInterval is how often the worker sweeps live sessions.
	DefaultInterval = 15 * time.Second
	// DefaultGrace is added to a round's duration before it is auto-submitted.
	DefaultGrace = 30 * time.Second
)

// SessionLister lists sessions by status.
type SessionLister interface {
	ListSessionsByStatus(ctx context.Context, statuses ...domain.SessionStatus) ([]domain.Session, error)
}

// PlanReader reads a session's round plan.
type PlanReader interface {
	Get(ctx context.Context, sessionID string) (*domain.RoundPlan, error)
}

// Completer completes a round.
type Completer interface {
	CompleteRound(ctx context.Context, rc identity.RequestContext, sessionID string, n int) (rounds.Transition, error)
}

// Config wires a Worker.
type Config struct {
	Sessions SessionLister
	Plans    PlanReader
	Rounds   Completer
	Interval time.Duration
	Grace    time.Duration
	Logger   *slog.Logger
}

// Worker auto-completes overdue active rounds.
type Worker struct {
	sessions SessionLister
	plans    PlanReader
	rounds   Completer
	interval time.Duration
	grace    time.Duration
	logger   *slog.Logger
	now      func() time.Time
}

// NewWorker creates a Worker.
func NewWorker(cfg Config) *Worker {
	w := &Worker{
		sessions: cfg.Sessions,
		plans:    cfg.Plans,
		rounds:   cfg.Rounds,
		interval: cfg.Interval,
		grace:    cfg.Grace,
		logger:   cfg.Logger,
		now:      func() time.Time { return time.Now().UTC() },
	}
	if w.interval <= 0 {
		w.interval = DefaultInterval
	}
	if w.grace < 0 {
		w.grace = DefaultGrace
	}
	if w.logger == nil {
		w.logger = slog.Default()
	}
	return w
}

// Start runs a background goroutine that periodically sweeps for overdue rounds.
func (w *Worker) Start(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	go func() {
		defer ticker.Stop()
		w.logger.Info("Round timer started", "interval", w.interval, "grace", w.grace)

		for {
			select {
			case <-ticker.C:
				w.Sweep(ctx)
			case <-ctx.Done():
				w.logger.Info("Round timer shutting down", "reason", ctx.Err())
				return
			}
		}
	}()
}

// Sweep completes every active round past its duration plus grace and
// returns how many it completed.
func (w *Worker) Sweep(ctx context.Context) int {
	live, err := w.sessions.ListSessionsByStatus(ctx, domain.SessionLive)
	if err != nil {
		w.logger.Error("Round timer failed to list live sessions", "error", err)
		return 0
	}

	now := w.now()
	completed := 0
	for _, session := range live {
		if ctx.Err() != nil {
			return completed
		}
		p, err := w.plans.Get(ctx, session.ID)
		if err != nil {
			w.logger.Error("Round timer failed to read plan", "session_id", session.ID, "error", err)
			continue
		}
		r := p.Active()
		if r == nil || !w.overdue(r, now) {
			continue
		}

		// Completion of an already finished round is a no-op, so racing
		// a candidate submission is harmless.
		_, err = w.rounds.CompleteRound(ctx, identity.System(), session.ID, r.Number)
		switch {
		case err == nil:
			completed++
			w.logger.Info("Round auto-submitted on timeout",
				"session_id", session.ID,
				"round_number", r.Number,
				"duration_minutes", r.DurationMinutes)
		case errors.Is(err, rounds.ErrRoundNotActive), errors.Is(err, rounds.ErrSessionClosed):
			w.logger.Debug("Round changed before auto-submit", "session_id", session.ID, "round_number", r.Number, "error", err)
		default:
			w.logger.Error("Round timer failed to complete round", "session_id", session.ID, "round_number", r.Number, "error", err)
		}
	}
	return completed
}

func (w *Worker) overdue(r *domain.Round, now time.Time) bool {
	if r.StartedAt == nil || r.DurationMinutes <= 0 {
		return false
	}
	deadline := r.StartedAt.Add(time.Duration(r.DurationMinutes)*time.Minute + w.grace)
	return now.After(deadline)
}
