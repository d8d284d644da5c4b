package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ashureev/livepanel/internal/domain"
)

// SaveArtifact stores a new revision and sets artifact.Revision.
func (s *SQLiteStore) SaveArtifact(ctx context.Context, artifact *domain.Artifact) error {
	if artifact == nil || artifact.SessionID == "" || artifact.RoundNumber <= 0 {
		return domain.Invalidf("artifact needs a session and round")
	}
	if artifact.SubmittedAt.IsZero() {
		artifact.SubmittedAt = time.Now().UTC()
	}

	var revision int
	err := s.write(ctx, "save artifact", func() error {
		return s.db.QueryRowContext(ctx, `
			INSERT INTO artifacts (session_id, round_number, revision, kind, content, final, submitted_by, submitted_at)
			VALUES (
				?, ?,
				(SELECT COALESCE(MAX(revision), 0) + 1 FROM artifacts WHERE session_id = ? AND round_number = ?),
				?, ?, ?, ?, ?
			)
			RETURNING revision`,
			artifact.SessionID, artifact.RoundNumber,
			artifact.SessionID, artifact.RoundNumber,
			string(artifact.Kind), artifact.Content, artifact.Final, artifact.SubmittedBy, toMillis(artifact.SubmittedAt),
		).Scan(&revision)
	})
	if err != nil {
		return fmt.Errorf("save artifact: %w", err)
	}
	artifact.Revision = revision
	return nil
}

// LatestArtifact returns the newest revision for a round.
func (s *SQLiteStore) LatestArtifact(ctx context.Context, sessionID string, roundNumber int) (*domain.Artifact, error) {
	var (
		artifact    domain.Artifact
		kind        string
		submittedAt int64
		scoredAt    sql.NullInt64
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT session_id, round_number, revision, kind, content, final, submitted_by, submitted_at, scored_at
		FROM artifacts WHERE session_id = ? AND round_number = ?
		ORDER BY revision DESC LIMIT 1`,
		sessionID, roundNumber,
	).Scan(
		&artifact.SessionID, &artifact.RoundNumber, &artifact.Revision, &kind, &artifact.Content,
		&artifact.Final, &artifact.SubmittedBy, &submittedAt, &scoredAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("artifact %s/%d: %w", sessionID, roundNumber, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("scan artifact: %w", err)
	}
	artifact.Kind = domain.ArtifactKind(kind)
	artifact.SubmittedAt = fromMillis(submittedAt)
	artifact.ScoredAt = fromNullMillis(scoredAt)
	return &artifact, nil
}

// MarkArtifactScored freezes a revision once it has been scored.
func (s *SQLiteStore) MarkArtifactScored(ctx context.Context, sessionID string, roundNumber, revision int, at time.Time) error {
	return s.write(ctx, "mark artifact scored", func() error {
		_, err := s.db.ExecContext(ctx, `
			UPDATE artifacts SET scored_at = ?
			WHERE session_id = ? AND round_number = ? AND revision = ? AND scored_at IS NULL`,
			toNullMillis(&at), sessionID, roundNumber, revision,
		)
		if err != nil {
			return fmt.Errorf("mark artifact scored: %w", err)
		}
		return nil
	})
}

// GetScore returns the score for a round.
func (s *SQLiteStore) GetScore(ctx context.Context, sessionID string, roundNumber int) (*domain.Score, error) {
	var (
		score          domain.Score
		dimensionsJSON string
		flagsJSON      string
		evidenceJSON   string
		recommendation string
		createdAt      int64
		updatedAt      int64
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT session_id, round_number, overall, dimensions_json, confidence, red_flags_json,
		       evidence_json, recommendation, degraded, overridden_by, created_at, updated_at
		FROM scores WHERE session_id = ? AND round_number = ?`,
		sessionID, roundNumber,
	).Scan(
		&score.SessionID, &score.RoundNumber, &score.Overall, &dimensionsJSON, &score.Confidence, &flagsJSON,
		&evidenceJSON, &recommendation, &score.Degraded, &score.OverriddenBy, &createdAt, &updatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("score %s/%d: %w", sessionID, roundNumber, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("scan score: %w", err)
	}

	if err := json.Unmarshal([]byte(dimensionsJSON), &score.Dimensions); err != nil {
		return nil, fmt.Errorf("decode dimension scores: %w", err)
	}
	if err := json.Unmarshal([]byte(flagsJSON), &score.RedFlags); err != nil {
		return nil, fmt.Errorf("decode red flags: %w", err)
	}
	if err := json.Unmarshal([]byte(evidenceJSON), &score.EvidenceQuotes); err != nil {
		return nil, fmt.Errorf("decode evidence quotes: %w", err)
	}
	score.Recommendation = domain.Recommendation(recommendation)
	score.CreatedAt = fromMillis(createdAt)
	score.UpdatedAt = fromMillis(updatedAt)
	return &score, nil
}

// UpsertScore creates or replaces the score for a round.
func (s *SQLiteStore) UpsertScore(ctx context.Context, score *domain.Score) error {
	if score == nil || score.SessionID == "" || score.RoundNumber <= 0 {
		return domain.Invalidf("score needs a session and round")
	}
	now := time.Now().UTC()
	if score.CreatedAt.IsZero() {
		score.CreatedAt = now
	}
	score.UpdatedAt = now
	if score.Dimensions == nil {
		score.Dimensions = map[string]domain.DimensionScore{}
	}
	if score.RedFlags == nil {
		score.RedFlags = []domain.RedFlag{}
	}
	if score.EvidenceQuotes == nil {
		score.EvidenceQuotes = []string{}
	}

	dimensionsJSON, err := json.Marshal(score.Dimensions)
	if err != nil {
		return fmt.Errorf("marshal dimension scores: %w", err)
	}
	flagsJSON, err := json.Marshal(score.RedFlags)
	if err != nil {
		return fmt.Errorf("marshal red flags: %w", err)
	}
	evidenceJSON, err := json.Marshal(score.EvidenceQuotes)
	if err != nil {
		return fmt.Errorf("marshal evidence quotes: %w", err)
	}

	return s.write(ctx, "upsert score", func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO scores (
				session_id, round_number, overall, dimensions_json, confidence, red_flags_json,
				evidence_json, recommendation, degraded, overridden_by, created_at, updated_at
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(session_id, round_number) DO UPDATE SET
				overall = excluded.overall,
				dimensions_json = excluded.dimensions_json,
				confidence = excluded.confidence,
				red_flags_json = excluded.red_flags_json,
				evidence_json = excluded.evidence_json,
				recommendation = excluded.recommendation,
				degraded = excluded.degraded,
				overridden_by = excluded.overridden_by,
				updated_at = excluded.updated_at`,
			score.SessionID, score.RoundNumber, score.Overall, string(dimensionsJSON), score.Confidence, string(flagsJSON),
			string(evidenceJSON), string(score.Recommendation), score.Degraded, score.OverriddenBy,
			toMillis(score.CreatedAt), toMillis(score.UpdatedAt),
		)
		if err != nil {
			return fmt.Errorf("upsert score: %w", err)
		}
		return nil
	})
}
