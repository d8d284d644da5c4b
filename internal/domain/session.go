// Package domain contains core domain types for live assessment sessions.
package domain

import (
	"errors"
	"fmt"
	"time"
)

// ErrValidation marks input that was rejected before any state changed.
var ErrValidation = errors.New("validation failed")

// Invalidf wraps ErrValidation with a formatted description.
func Invalidf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

// SessionStatus is the lifecycle state of a live assessment session.
type SessionStatus string

const (
	SessionScheduled SessionStatus = "scheduled"
	SessionLive      SessionStatus = "live"
	SessionCompleted SessionStatus = "completed"
	SessionAborted   SessionStatus = "aborted"
)

// IsTerminal reports whether no further round can run in the session.
func (s SessionStatus) IsTerminal() bool {
	return s == SessionCompleted || s == SessionAborted
}

// IsValid reports whether s is a known session status.
func (s SessionStatus) IsValid() bool {
	switch s {
	case SessionScheduled, SessionLive, SessionCompleted, SessionAborted:
		return true
	default:
		return false
	}
}

// Session is one live assessment instance.
type Session struct {
	ID          string        `json:"id"`
	Status      SessionStatus `json:"status"`
	CandidateID string        `json:"candidate_id"`
	JobID       string        `json:"job_id"`
	Track       string        `json:"track"`
	CreatedAt   time.Time     `json:"created_at"`
	UpdatedAt   time.Time     `json:"updated_at"`
}
