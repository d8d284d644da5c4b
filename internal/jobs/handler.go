package jobs

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/ashureev/livepanel/internal/difficulty"
	"github.com/ashureev/livepanel/internal/domain"
)

// Scorer runs the scoring pipeline for one round.
type Scorer interface {
	Run(ctx context.Context, sessionID string, roundNumber int) (*domain.Score, error)
}

// Adapter adapts the next round from a score.
type Adapter interface {
	Adapt(ctx context.Context, score *domain.Score) (*difficulty.Adaptation, error)
}

// SessionReader reads session status.
type SessionReader interface {
	GetSession(ctx context.Context, sessionID string) (*domain.Session, error)
}

// ScoreAndAdapt scores the round and then adapts the next pending round.
// Both steps are idempotent, so a redelivered job repeats them safely.
// Adaptation is skipped once the session is aborted, which includes an
// abort triggered by this very score.
func ScoreAndAdapt(scorer Scorer, adapter Adapter, sessions SessionReader, logger *slog.Logger) Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return func(ctx context.Context, job Job) error {
		score, err := scorer.Run(ctx, job.SessionID, job.RoundNumber)
		if err != nil {
			return fmt.Errorf("score round %d: %w", job.RoundNumber, err)
		}
		if adapter == nil {
			return nil
		}
		session, err := sessions.GetSession(ctx, job.SessionID)
		if err != nil {
			return fmt.Errorf("load session: %w", err)
		}
		if session.Status == domain.SessionAborted {
			logger.Info("Session aborted, skipping adaptation", "session_id", job.SessionID, "round_number", job.RoundNumber)
			return nil
		}
		if _, err := adapter.Adapt(ctx, score); err != nil {
			return fmt.Errorf("adapt after round %d: %w", job.RoundNumber, err)
		}
		return nil
	}
}
