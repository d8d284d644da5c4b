// Package eventlog is the append-only session event log. Every append is
// persisted first and then published to live subscribers.
package eventlog

import (
	"context"
	"fmt"
	"log/slog"
	"slices"

	"github.com/ashureev/livepanel/internal/domain"
	"github.com/ashureev/livepanel/internal/identity"
	"github.com/ashureev/livepanel/internal/store"
)

// Store is the slice of the repository the log needs.
type Store interface {
	AppendEvent(ctx context.Context, evt *domain.Event) error
	QueryEvents(ctx context.Context, sessionID string, filter store.EventFilter) ([]domain.Event, error)
}

// Notifier receives events after they are durably stored.
type Notifier interface {
	Publish(evt domain.Event)
}

// Log appends and reads session events.
type Log struct {
	store    Store
	notifier Notifier
	logger   *slog.Logger
}

// New creates a Log. notifier may be nil.
func New(s Store, notifier Notifier, logger *slog.Logger) *Log {
	if logger == nil {
		logger = slog.Default()
	}
	return &Log{store: s, notifier: notifier, logger: logger}
}

// Append persists evt, filling ID, Seq and CreatedAt, then publishes it.
func (l *Log) Append(ctx context.Context, evt *domain.Event) error {
	if err := l.store.AppendEvent(ctx, evt); err != nil {
		return err
	}
	if l.notifier != nil {
		l.notifier.Publish(*evt)
	}
	return nil
}

// Emit builds and appends an event in one call.
func (l *Log) Emit(ctx context.Context, rc identity.RequestContext, sessionID string, typ domain.EventType, round int, payload any) (domain.Event, error) {
	evt, err := domain.NewEvent(sessionID, typ, rc.EventActor(), round, payload)
	if err != nil {
		return domain.Event{}, fmt.Errorf("build %s event: %w", typ, err)
	}
	evt.ActorID = rc.Identity
	if err := l.Append(ctx, &evt); err != nil {
		return domain.Event{}, err
	}
	return evt, nil
}

// EmitAfterWrite appends an event that describes a document write that has
// already succeeded. A failure here is logged and swallowed so the caller's
// state change still stands.
func (l *Log) EmitAfterWrite(ctx context.Context, rc identity.RequestContext, sessionID string, typ domain.EventType, round int, payload any) {
	if _, err := l.Emit(ctx, rc, sessionID, typ, round, payload); err != nil {
		l.logger.Error("Failed to append event after state change",
			"session_id", sessionID,
			"event_type", typ,
			"round_number", round,
			"error", err)
	}
}

// Query returns events matching filter in the filter's order.
func (l *Log) Query(ctx context.Context, sessionID string, filter store.EventFilter) ([]domain.Event, error) {
	events, err := l.store.QueryEvents(ctx, sessionID, filter)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	return events, nil
}

// Recent returns the newest limit events of the given types, oldest first.
func (l *Log) Recent(ctx context.Context, sessionID string, limit int, types ...domain.EventType) ([]domain.Event, error) {
	events, err := l.Query(ctx, sessionID, store.EventFilter{Types: types, Limit: limit, Descending: true})
	if err != nil {
		return nil, err
	}
	slices.Reverse(events)
	return events, nil
}
