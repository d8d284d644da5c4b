package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/ashureev/livepanel/internal/domain"
	"github.com/ashureev/livepanel/internal/shared"
	"github.com/google/uuid"
)

// AppendEvent assigns ID, Seq and CreatedAt and persists the event.
// Seq and CreatedAt are computed inside the INSERT so concurrent appends to
// one session stay totally ordered without an explicit transaction.
func (s *SQLiteStore) AppendEvent(ctx context.Context, evt *domain.Event) error {
	if evt == nil || evt.SessionID == "" {
		return fmt.Errorf("event with session id is required")
	}
	if evt.Type == "" {
		return domain.Invalidf("event type is required")
	}
	if evt.Actor == "" {
		evt.Actor = domain.ActorSystem
	}
	if evt.ID == "" {
		evt.ID = uuid.NewString()
	}
	now := toMillis(time.Now())

	var payload any
	if len(evt.Payload) > 0 {
		payload = string(evt.Payload)
	}

	var seq, createdAt int64
	retryable := func(err error) bool {
		return shared.IsSQLiteConflictError(err) || shared.IsConstraintError(err)
	}
	err := shared.Retry(ctx, s.retry, "append event", retryable, func() error {
		return s.db.QueryRowContext(ctx, `
			INSERT INTO events (id, session_id, seq, event_type, actor, actor_id, round_number, payload, created_at)
			VALUES (
				?, ?,
				(SELECT COALESCE(MAX(seq), 0) + 1 FROM events WHERE session_id = ?),
				?, ?, ?, ?, ?,
				MAX(?, (SELECT COALESCE(MAX(created_at), 0) FROM events WHERE session_id = ?))
			)
			RETURNING seq, created_at`,
			evt.ID, evt.SessionID,
			evt.SessionID,
			string(evt.Type), string(evt.Actor), evt.ActorID, evt.RoundNumber, payload,
			now, evt.SessionID,
		).Scan(&seq, &createdAt)
	})
	if err != nil {
		return fmt.Errorf("append event %s: %w", evt.Type, err)
	}

	evt.Seq = seq
	evt.CreatedAt = fromMillis(createdAt)
	return nil
}

// QueryEvents returns the events of a session matching filter.
func (s *SQLiteStore) QueryEvents(ctx context.Context, sessionID string, filter EventFilter) ([]domain.Event, error) {
	var (
		clauses = []string{"session_id = ?"}
		args    = []any{sessionID}
	)
	if len(filter.Types) > 0 {
		clauses = append(clauses, "event_type IN ("+strings.TrimSuffix(strings.Repeat("?,", len(filter.Types)), ",")+")")
		for _, t := range filter.Types {
			args = append(args, string(t))
		}
	}
	if filter.RoundNumber > 0 {
		clauses = append(clauses, "round_number = ?")
		args = append(args, filter.RoundNumber)
	}
	if filter.AfterSeq > 0 {
		clauses = append(clauses, "seq > ?")
		args = append(args, filter.AfterSeq)
	}

	query := `SELECT id, session_id, seq, event_type, actor, actor_id, round_number, payload, created_at
		FROM events WHERE ` + strings.Join(clauses, " AND ")
	if filter.Descending {
		query += " ORDER BY seq DESC"
	} else {
		query += " ORDER BY seq ASC"
	}
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close event rows", "error", closeErr)
		}
	}()

	events := make([]domain.Event, 0)
	for rows.Next() {
		var (
			evt       domain.Event
			typ       string
			actor     string
			payload   sql.NullString
			createdAt int64
		)
		if err := rows.Scan(&evt.ID, &evt.SessionID, &evt.Seq, &typ, &actor, &evt.ActorID, &evt.RoundNumber, &payload, &createdAt); err != nil {
			return nil, fmt.Errorf("scan event row: %w", err)
		}
		evt.Type = domain.EventType(typ)
		evt.Actor = domain.Actor(actor)
		if payload.Valid && payload.String != "" {
			evt.Payload = []byte(payload.String)
		}
		evt.CreatedAt = fromMillis(createdAt)
		events = append(events, evt)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate events: %w", err)
	}
	return events, nil
}
