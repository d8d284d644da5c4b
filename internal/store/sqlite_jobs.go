package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

// EnqueueScoringJob queues a round for scoring. A job already queued for the
// same round is left untouched.
func (s *SQLiteStore) EnqueueScoringJob(ctx context.Context, sessionID string, roundNumber int, now time.Time) (bool, error) {
	if now.IsZero() {
		now = time.Now().UTC()
	}
	var inserted bool
	err := s.write(ctx, "enqueue scoring job", func() error {
		result, err := s.db.ExecContext(ctx, `
			INSERT INTO scoring_jobs (
				session_id, round_number, status, attempt_count, next_attempt_at, last_error, enqueued_at, updated_at
			) VALUES (?, ?, 'pending', 0, ?, '', ?, ?)
			ON CONFLICT(session_id, round_number) DO NOTHING`,
			sessionID, roundNumber, toMillis(now), toMillis(now), toMillis(now),
		)
		if err != nil {
			return fmt.Errorf("enqueue scoring job: %w", err)
		}
		rows, err := result.RowsAffected()
		if err != nil {
			return fmt.Errorf("get rows affected: %w", err)
		}
		inserted = rows == 1
		return nil
	})
	return inserted, err
}

// ClaimScoringJobs leases up to limit due jobs. Jobs stuck in processing past
// the lease are reclaimed.
func (s *SQLiteStore) ClaimScoringJobs(ctx context.Context, now time.Time, lease time.Duration, limit int) ([]ScoringJob, error) {
	if limit <= 0 {
		return nil, nil
	}
	if now.IsZero() {
		now = time.Now().UTC()
	}

	var claimed []ScoringJob
	err := s.write(ctx, "claim scoring jobs", func() error {
		var err error
		claimed, err = s.claimScoringJobsOnce(ctx, now, lease, limit)
		return err
	})
	return claimed, err
}

func (s *SQLiteStore) claimScoringJobsOnce(ctx context.Context, now time.Time, lease time.Duration, limit int) ([]ScoringJob, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin job claim tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	staleBefore := now.Add(-lease)
	rows, err := tx.QueryContext(ctx, `
		SELECT session_id, round_number, status, attempt_count, next_attempt_at, last_error, enqueued_at, updated_at
		FROM scoring_jobs
		WHERE (status IN ('pending', 'failed') AND next_attempt_at <= ?)
		   OR (status = 'processing' AND updated_at <= ?)
		ORDER BY next_attempt_at, enqueued_at
		LIMIT ?`,
		toMillis(now), toMillis(staleBefore), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list due scoring jobs: %w", err)
	}
	candidates, err := scanJobs(rows)
	if err != nil {
		return nil, err
	}

	claimed := make([]ScoringJob, 0, len(candidates))
	for _, job := range candidates {
		result, err := tx.ExecContext(ctx, `
			UPDATE scoring_jobs SET status = 'processing', updated_at = ?
			WHERE session_id = ? AND round_number = ?
			  AND (
				(status IN ('pending', 'failed') AND next_attempt_at <= ?)
				OR (status = 'processing' AND updated_at <= ?)
			  )`,
			toMillis(now), job.SessionID, job.RoundNumber, toMillis(now), toMillis(staleBefore),
		)
		if err != nil {
			return nil, fmt.Errorf("claim scoring job %s/%d: %w", job.SessionID, job.RoundNumber, err)
		}
		affected, err := result.RowsAffected()
		if err != nil {
			return nil, fmt.Errorf("claim scoring job rows affected %s/%d: %w", job.SessionID, job.RoundNumber, err)
		}
		if affected == 1 {
			job.Status = JobProcessing
			job.UpdatedAt = now
			claimed = append(claimed, job)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit job claim tx: %w", err)
	}
	return claimed, nil
}

// CompleteScoringJob removes a processed job.
func (s *SQLiteStore) CompleteScoringJob(ctx context.Context, job ScoringJob) error {
	return s.write(ctx, "complete scoring job", func() error {
		result, err := s.db.ExecContext(ctx, `
			DELETE FROM scoring_jobs
			WHERE session_id = ? AND round_number = ? AND status = 'processing'`,
			job.SessionID, job.RoundNumber,
		)
		if err != nil {
			return fmt.Errorf("complete scoring job %s/%d: %w", job.SessionID, job.RoundNumber, err)
		}
		return ensureSingleJobRow(result, job, "complete scoring job")
	})
}

// RetryScoringJob records a failed attempt.
func (s *SQLiteStore) RetryScoringJob(ctx context.Context, job ScoringJob, now, nextAttempt time.Time, lastErr string, maxAttempts int) error {
	attempt := job.AttemptCount + 1
	status := JobFailed
	if maxAttempts > 0 && attempt >= maxAttempts {
		status = JobDead
	}
	return s.write(ctx, "retry scoring job", func() error {
		result, err := s.db.ExecContext(ctx, `
			UPDATE scoring_jobs
			SET status = ?, attempt_count = ?, next_attempt_at = ?, last_error = ?, updated_at = ?
			WHERE session_id = ? AND round_number = ? AND status = 'processing'`,
			status, attempt, toMillis(nextAttempt), lastErr, toMillis(now),
			job.SessionID, job.RoundNumber,
		)
		if err != nil {
			return fmt.Errorf("retry scoring job %s/%d: %w", job.SessionID, job.RoundNumber, err)
		}
		return ensureSingleJobRow(result, job, "retry scoring job")
	})
}

// ListScoringJobs lists jobs, optionally filtered by status.
func (s *SQLiteStore) ListScoringJobs(ctx context.Context, status string, limit int) ([]ScoringJob, error) {
	if limit <= 0 {
		return []ScoringJob{}, nil
	}
	normalized, err := normalizeJobStatus(status)
	if err != nil {
		return nil, err
	}

	var rows *sql.Rows
	if normalized == "" {
		rows, err = s.db.QueryContext(ctx, `
			SELECT session_id, round_number, status, attempt_count, next_attempt_at, last_error, enqueued_at, updated_at
			FROM scoring_jobs ORDER BY next_attempt_at, enqueued_at LIMIT ?`, limit)
	} else {
		rows, err = s.db.QueryContext(ctx, `
			SELECT session_id, round_number, status, attempt_count, next_attempt_at, last_error, enqueued_at, updated_at
			FROM scoring_jobs WHERE status = ? ORDER BY next_attempt_at, enqueued_at LIMIT ?`, normalized, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("list scoring jobs: %w", err)
	}
	return scanJobs(rows)
}

// ScoringJobSummary returns queue depth by status.
func (s *SQLiteStore) ScoringJobSummary(ctx context.Context) (JobSummary, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM scoring_jobs GROUP BY status`)
	if err != nil {
		return JobSummary{}, fmt.Errorf("query scoring job summary: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close job summary rows", "error", closeErr)
		}
	}()

	var summary JobSummary
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return JobSummary{}, fmt.Errorf("scan job summary: %w", err)
		}
		switch status {
		case JobPending:
			summary.Pending = count
		case JobProcessing:
			summary.Processing = count
		case JobFailed:
			summary.Failed = count
		case JobDead:
			summary.Dead = count
		}
	}
	if err := rows.Err(); err != nil {
		return JobSummary{}, fmt.Errorf("iterate job summary: %w", err)
	}
	return summary, nil
}

func scanJobs(rows *sql.Rows) ([]ScoringJob, error) {
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close scoring job rows", "error", closeErr)
		}
	}()

	jobs := make([]ScoringJob, 0)
	for rows.Next() {
		var (
			job                                ScoringJob
			nextAttempt, enqueuedAt, updatedAt int64
		)
		if err := rows.Scan(
			&job.SessionID, &job.RoundNumber, &job.Status, &job.AttemptCount,
			&nextAttempt, &job.LastError, &enqueuedAt, &updatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan scoring job: %w", err)
		}
		job.NextAttemptAt = fromMillis(nextAttempt)
		job.EnqueuedAt = fromMillis(enqueuedAt)
		job.UpdatedAt = fromMillis(updatedAt)
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate scoring jobs: %w", err)
	}
	return jobs, nil
}

func normalizeJobStatus(status string) (string, error) {
	normalized := strings.ToLower(strings.TrimSpace(status))
	switch normalized {
	case "", JobPending, JobProcessing, JobFailed, JobDead:
		return normalized, nil
	default:
		return "", fmt.Errorf("invalid job status %q", status)
	}
}

func ensureSingleJobRow(result sql.Result, job ScoringJob, operation string) error {
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s rows affected %s/%d: %w", operation, job.SessionID, job.RoundNumber, err)
	}
	if affected != 1 {
		return fmt.Errorf("%s %s/%d: expected 1 row, got %d", operation, job.SessionID, job.RoundNumber, affected)
	}
	return nil
}
