package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/ashureev/livepanel/internal/domain"
	"github.com/ashureev/livepanel/internal/shared"
	_ "modernc.org/sqlite"
)

// SQLiteStore implements Repository using SQLite.
type SQLiteStore struct {
	db    *sql.DB
	retry shared.RetryPolicy
}

// NewSQLite creates a new SQLite-backed repository and applies migrations.
func NewSQLite(ctx context.Context, dbPath string) (*SQLiteStore, error) {
	if dbPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}

	// WAL for concurrent readers; immediate transactions so writers queue on
	// busy_timeout instead of failing on lock upgrade.
	dsn := "file:" + dbPath +
		"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=foreign_keys(1)&_txlock=immediate"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)
	if dbPath == ":memory:" {
		// Each connection would otherwise get its own empty database.
		db.SetMaxOpenConns(1)
	}

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	if err := applyMigrations(ctx, db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return &SQLiteStore{db: db, retry: shared.DefaultRetryPolicy}, nil
}

// Ping verifies database connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}

// write runs fn with busy/locked retries.
func (s *SQLiteStore) write(ctx context.Context, op string, fn func() error) error {
	return shared.Retry(ctx, s.retry, op, shared.IsSQLiteConflictError, fn)
}

// CreateSession stores a new session together with its initial round plan.
func (s *SQLiteStore) CreateSession(ctx context.Context, session *domain.Session, plan *domain.RoundPlan) error {
	if session == nil || plan == nil {
		return fmt.Errorf("session and plan are required")
	}
	if plan.Version <= 0 {
		plan.Version = 1
	}
	doc, err := json.Marshal(plan)
	if err != nil {
		return fmt.Errorf("marshal plan: %w", err)
	}

	return s.write(ctx, "create session", func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin create session tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO sessions (id, status, candidate_id, job_id, track, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			session.ID, string(session.Status), session.CandidateID, session.JobID, session.Track,
			toMillis(session.CreatedAt), toMillis(session.UpdatedAt),
		); err != nil {
			return fmt.Errorf("insert session: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO round_plans (session_id, version, document, updated_at)
			VALUES (?, ?, ?, ?)`,
			session.ID, plan.Version, string(doc), toMillis(plan.UpdatedAt),
		); err != nil {
			return fmt.Errorf("insert round plan: %w", err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit create session: %w", err)
		}
		return nil
	})
}

// GetSession retrieves a session by ID.
func (s *SQLiteStore) GetSession(ctx context.Context, sessionID string) (*domain.Session, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, status, candidate_id, job_id, track, created_at, updated_at
		FROM sessions WHERE id = ?`, sessionID)

	var session domain.Session
	var status string
	var createdAt, updatedAt int64
	err := row.Scan(&session.ID, &status, &session.CandidateID, &session.JobID, &session.Track, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("session %s: %w", sessionID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("scan session row: %w", err)
	}
	session.Status = domain.SessionStatus(status)
	session.CreatedAt = fromMillis(createdAt)
	session.UpdatedAt = fromMillis(updatedAt)
	return &session, nil
}

// ListSessionsByStatus returns sessions in any of the given statuses, oldest first.
func (s *SQLiteStore) ListSessionsByStatus(ctx context.Context, statuses ...domain.SessionStatus) ([]domain.Session, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(statuses)), ",")
	args := make([]any, 0, len(statuses))
	for _, st := range statuses {
		args = append(args, string(st))
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, status, candidate_id, job_id, track, created_at, updated_at
		FROM sessions WHERE status IN (`+placeholders+`)
		ORDER BY created_at ASC`, args...)
	if err != nil {
		return nil, fmt.Errorf("query sessions by status: %w", err)
	}
	defer rows.Close()

	var sessions []domain.Session
	for rows.Next() {
		var session domain.Session
		var status string
		var createdAt, updatedAt int64
		if err := rows.Scan(&session.ID, &status, &session.CandidateID, &session.JobID, &session.Track, &createdAt, &updatedAt); err != nil {
			return nil, fmt.Errorf("scan session row: %w", err)
		}
		session.Status = domain.SessionStatus(status)
		session.CreatedAt = fromMillis(createdAt)
		session.UpdatedAt = fromMillis(updatedAt)
		sessions = append(sessions, session)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sessions: %w", err)
	}
	return sessions, nil
}

// UpdateSessionStatus performs a conditional status transition.
func (s *SQLiteStore) UpdateSessionStatus(ctx context.Context, sessionID string, to domain.SessionStatus, from ...domain.SessionStatus) (bool, error) {
	if len(from) == 0 {
		return false, fmt.Errorf("at least one source status is required")
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(from)), ",")
	query := `UPDATE sessions SET status = ?, updated_at = ? WHERE id = ? AND status IN (` + placeholders + `)`
	args := []any{string(to), toMillis(time.Now()), sessionID}
	for _, f := range from {
		args = append(args, string(f))
	}

	var changed bool
	err := s.write(ctx, "update session status", func() error {
		result, err := s.db.ExecContext(ctx, query, args...)
		if err != nil {
			return fmt.Errorf("update session status: %w", err)
		}
		rows, err := result.RowsAffected()
		if err != nil {
			return fmt.Errorf("get rows affected: %w", err)
		}
		changed = rows == 1
		return nil
	})
	if err != nil {
		return false, err
	}
	if !changed {
		if _, err := s.GetSession(ctx, sessionID); err != nil {
			return false, err
		}
	}
	return changed, nil
}

// GetPlan returns the current round plan with its version stamp.
func (s *SQLiteStore) GetPlan(ctx context.Context, sessionID string) (*domain.RoundPlan, error) {
	var version, updatedAt int64
	var doc string
	err := s.db.QueryRowContext(ctx,
		`SELECT version, document, updated_at FROM round_plans WHERE session_id = ?`, sessionID,
	).Scan(&version, &doc, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("round plan %s: %w", sessionID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("scan round plan: %w", err)
	}

	var plan domain.RoundPlan
	if err := json.Unmarshal([]byte(doc), &plan); err != nil {
		return nil, fmt.Errorf("decode round plan %s: %w", sessionID, err)
	}
	plan.SessionID = sessionID
	plan.Version = version
	plan.UpdatedAt = fromMillis(updatedAt)
	plan.Sort()
	return &plan, nil
}

// PutPlan replaces the plan only if the stored version equals expectedVersion.
func (s *SQLiteStore) PutPlan(ctx context.Context, plan *domain.RoundPlan, expectedVersion int64) error {
	if plan == nil || plan.SessionID == "" {
		return fmt.Errorf("plan with session id is required")
	}
	now := time.Now().UTC()
	next := expectedVersion + 1

	stored := *plan
	stored.Version = next
	stored.UpdatedAt = now
	doc, err := json.Marshal(&stored)
	if err != nil {
		return fmt.Errorf("marshal plan: %w", err)
	}

	var rows int64
	err = s.write(ctx, "put round plan", func() error {
		result, err := s.db.ExecContext(ctx, `
			UPDATE round_plans SET version = ?, document = ?, updated_at = ?
			WHERE session_id = ? AND version = ?`,
			next, string(doc), toMillis(now), plan.SessionID, expectedVersion,
		)
		if err != nil {
			return fmt.Errorf("update round plan: %w", err)
		}
		rows, err = result.RowsAffected()
		if err != nil {
			return fmt.Errorf("get rows affected: %w", err)
		}
		return nil
	})
	if err != nil {
		return err
	}
	if rows == 0 {
		if _, err := s.GetPlan(ctx, plan.SessionID); err != nil {
			return err
		}
		return fmt.Errorf("round plan %s at version %d: %w", plan.SessionID, expectedVersion, ErrVersionConflict)
	}

	plan.Version = next
	plan.UpdatedAt = now
	return nil
}

// toMillis maps domain times to the millisecond integers stored in SQLite.
func toMillis(value time.Time) int64 {
	return value.UTC().UnixMilli()
}

// fromMillis reverses toMillis for persisted millisecond timestamps.
func fromMillis(value int64) time.Time {
	return time.UnixMilli(value).UTC()
}

func toNullMillis(value *time.Time) sql.NullInt64 {
	if value == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: toMillis(*value), Valid: true}
}

func fromNullMillis(value sql.NullInt64) *time.Time {
	if !value.Valid {
		return nil
	}
	t := fromMillis(value.Int64)
	return &t
}
