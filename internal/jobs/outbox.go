package jobs

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/ashureev/livepanel/internal/store"
)

// OutboxStore is the slice of the repository backing the outbox.
type OutboxStore interface {
	EnqueueScoringJob(ctx context.Context, sessionID string, roundNumber int, now time.Time) (bool, error)
	ClaimScoringJobs(ctx context.Context, now time.Time, lease time.Duration, limit int) ([]store.ScoringJob, error)
	CompleteScoringJob(ctx context.Context, job store.ScoringJob) error
	RetryScoringJob(ctx context.Context, job store.ScoringJob, now, nextAttempt time.Time, lastErr string, maxAttempts int) error
	Ping(ctx context.Context) error
}

// OutboxConfig tunes the outbox worker.
type OutboxConfig struct {
	PollInterval time.Duration
	Lease        time.Duration
	BatchSize    int
	Retry        RetryPolicy
}

func (c OutboxConfig) normalized() OutboxConfig {
	if c.PollInterval <= 0 {
		c.PollInterval = 2 * time.Second
	}
	if c.Lease <= 0 {
		c.Lease = 2 * time.Minute
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 8
	}
	c.Retry = c.Retry.normalized()
	return c
}

// OutboxQueue keeps scoring jobs in the scoring_jobs table. A crashed
// worker's lease expires and the job is claimed again.
type OutboxQueue struct {
	store  OutboxStore
	cfg    OutboxConfig
	wake   chan struct{}
	logger *slog.Logger
	now    func() time.Time
}

// NewOutboxQueue creates an OutboxQueue.
func NewOutboxQueue(s OutboxStore, cfg OutboxConfig, logger *slog.Logger) *OutboxQueue {
	if logger == nil {
		logger = slog.Default()
	}
	return &OutboxQueue{
		store:  s,
		cfg:    cfg.normalized(),
		wake:   make(chan struct{}, 1),
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// EnqueueScoring stores a job and nudges the worker. Enqueueing a round that
// is already queued is a no-op.
func (q *OutboxQueue) EnqueueScoring(ctx context.Context, sessionID string, roundNumber int) error {
	inserted, err := q.store.EnqueueScoringJob(ctx, sessionID, roundNumber, q.now())
	if err != nil {
		return err
	}
	if inserted {
		q.logger.Debug("Scoring job queued", "session_id", sessionID, "round_number", roundNumber)
	}
	select {
	case q.wake <- struct{}{}:
	default:
	}
	return nil
}

// Ping checks the backing store.
func (q *OutboxQueue) Ping(ctx context.Context) error {
	return q.store.Ping(ctx)
}

// Run polls for due jobs until ctx is cancelled.
func (q *OutboxQueue) Run(ctx context.Context, h Handler) error {
	ticker := time.NewTicker(q.cfg.PollInterval)
	defer ticker.Stop()
	q.logger.Info("Scoring worker started", "queue", "outbox", "poll_interval", q.cfg.PollInterval, "lease", q.cfg.Lease)

	q.drain(ctx, h)
	for {
		select {
		case <-ctx.Done():
			q.logger.Info("Scoring worker shutting down", "reason", ctx.Err())
			return nil
		case <-ticker.C:
			q.drain(ctx, h)
		case <-q.wake:
			q.drain(ctx, h)
		}
	}
}

// drain processes batches until nothing is due.
func (q *OutboxQueue) drain(ctx context.Context, h Handler) {
	for ctx.Err() == nil {
		claimed, err := q.store.ClaimScoringJobs(ctx, q.now(), q.cfg.Lease, q.cfg.BatchSize)
		if err != nil {
			q.logger.Error("Failed to claim scoring jobs", "error", err)
			return
		}
		if len(claimed) == 0 {
			return
		}
		for _, job := range claimed {
			q.process(ctx, h, job)
		}
	}
}

func (q *OutboxQueue) process(ctx context.Context, h Handler, job store.ScoringJob) {
	err := runHandler(ctx, h, Job{SessionID: job.SessionID, RoundNumber: job.RoundNumber, Attempt: job.AttemptCount + 1})
	if err == nil {
		if err := q.store.CompleteScoringJob(ctx, job); err != nil {
			q.logger.Error("Failed to complete scoring job", "session_id", job.SessionID, "round_number", job.RoundNumber, "error", err)
		}
		return
	}

	attempt := job.AttemptCount + 1
	now := q.now()
	next := now.Add(q.cfg.Retry.Backoff(attempt))
	if rerr := q.store.RetryScoringJob(ctx, job, now, next, err.Error(), q.cfg.Retry.MaxAttempts); rerr != nil {
		q.logger.Error("Failed to record scoring job failure", "session_id", job.SessionID, "round_number", job.RoundNumber, "error", rerr)
		return
	}
	if attempt >= q.cfg.Retry.MaxAttempts {
		q.logger.Error("Scoring job dead-lettered",
			"session_id", job.SessionID,
			"round_number", job.RoundNumber,
			"attempts", attempt,
			"error", err)
		return
	}
	q.logger.Warn("Scoring job failed, will retry",
		"session_id", job.SessionID,
		"round_number", job.RoundNumber,
		"attempt", attempt,
		"next_attempt_at", next,
		"error", err)
}

// runHandler converts a handler panic into an error so one bad job cannot
// stop the worker.
func runHandler(ctx context.Context, h Handler, job Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return h(ctx, job)
}
