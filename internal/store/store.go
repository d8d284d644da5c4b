// Package store provides data persistence interfaces and implementations.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/ashureev/livepanel/internal/domain"
)

var (
	// ErrNotFound is returned when a requested record does not exist.
	ErrNotFound = errors.New("not found")
	// ErrVersionConflict is returned when a compare-and-swap write loses the race.
	ErrVersionConflict = errors.New("version conflict")
)

// EventFilter narrows a session event query. Zero values mean "any".
type EventFilter struct {
	Types       []domain.EventType
	RoundNumber int
	AfterSeq    int64
	Limit       int
	Descending  bool
}

// Job statuses for the scoring outbox.
const (
	JobPending    = "pending"
	JobProcessing = "processing"
	JobFailed     = "failed"
	JobDead       = "dead"
)

// ScoringJob is one queued request to score a (session, round).
type ScoringJob struct {
	SessionID     string    `json:"session_id"`
	RoundNumber   int       `json:"round_number"`
	Status        string    `json:"status"`
	AttemptCount  int       `json:"attempt_count"`
	NextAttemptAt time.Time `json:"next_attempt_at"`
	LastError     string    `json:"last_error,omitempty"`
	EnqueuedAt    time.Time `json:"enqueued_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// JobSummary reports outbox depth by status.
type JobSummary struct {
	Pending    int `json:"pending"`
	Processing int `json:"processing"`
	Failed     int `json:"failed"`
	Dead       int `json:"dead"`
}

// Repository defines the interface for persisting sessions, round plans,
// events, artifacts, scores and scoring jobs.
type Repository interface {
	// CreateSession stores a new session together with its initial round plan.
	CreateSession(ctx context.Context, session *domain.Session, plan *domain.RoundPlan) error

	// GetSession retrieves a session by ID.
	GetSession(ctx context.Context, sessionID string) (*domain.Session, error)

	// ListSessionsByStatus returns sessions in any of the given statuses.
	ListSessionsByStatus(ctx context.Context, statuses ...domain.SessionStatus) ([]domain.Session, error)

	// UpdateSessionStatus moves a session to status `to` only if its current
	// status is one of `from`. It reports whether a row changed.
	UpdateSessionStatus(ctx context.Context, sessionID string, to domain.SessionStatus, from ...domain.SessionStatus) (bool, error)

	// GetPlan returns the current round plan with its version stamp.
	GetPlan(ctx context.Context, sessionID string) (*domain.RoundPlan, error)

	// PutPlan replaces the plan only if the stored version equals expectedVersion.
	// On success plan.Version is advanced. ErrVersionConflict otherwise.
	PutPlan(ctx context.Context, plan *domain.RoundPlan, expectedVersion int64) error

	// AppendEvent assigns ID, Seq and CreatedAt and persists the event.
	AppendEvent(ctx context.Context, evt *domain.Event) error

	// QueryEvents returns the events of a session matching filter.
	QueryEvents(ctx context.Context, sessionID string, filter EventFilter) ([]domain.Event, error)

	// SaveArtifact stores a new revision and sets artifact.Revision.
	SaveArtifact(ctx context.Context, artifact *domain.Artifact) error

	// LatestArtifact returns the newest revision for a round.
	LatestArtifact(ctx context.Context, sessionID string, roundNumber int) (*domain.Artifact, error)

	// MarkArtifactScored freezes a revision once it has been scored.
	MarkArtifactScored(ctx context.Context, sessionID string, roundNumber, revision int, at time.Time) error

	// GetScore returns the score for a round.
	GetScore(ctx context.Context, sessionID string, roundNumber int) (*domain.Score, error)

	// UpsertScore creates or replaces the score for a round.
	UpsertScore(ctx context.Context, score *domain.Score) error

	// EnqueueScoringJob queues a round for scoring. It reports false when a
	// job for the round is already queued.
	EnqueueScoringJob(ctx context.Context, sessionID string, roundNumber int, now time.Time) (bool, error)

	// ClaimScoringJobs leases up to limit due jobs for processing.
	ClaimScoringJobs(ctx context.Context, now time.Time, lease time.Duration, limit int) ([]ScoringJob, error)

	// CompleteScoringJob removes a processed job.
	CompleteScoringJob(ctx context.Context, job ScoringJob) error

	// RetryScoringJob records a failed attempt. Jobs reaching maxAttempts are dead-lettered.
	RetryScoringJob(ctx context.Context, job ScoringJob, now, nextAttempt time.Time, lastErr string, maxAttempts int) error

	// ListScoringJobs lists jobs, optionally filtered by status.
	ListScoringJobs(ctx context.Context, status string, limit int) ([]ScoringJob, error)

	// ScoringJobSummary returns queue depth by status.
	ScoringJobSummary(ctx context.Context) (JobSummary, error)

	// Ping verifies database connectivity and returns an error if the database is unreachable.
	Ping(ctx context.Context) error

	// Close closes the database connection.
	Close() error
}
