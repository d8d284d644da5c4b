package rounds

import "errors"

// State errors. Each maps to a conflict at the HTTP layer except
// ErrRoundNotFound.
var (
	ErrRoundNotFound        = errors.New("round not found")
	ErrRoundNotActive       = errors.New("round is not active")
	ErrRoundAlreadyActive   = errors.New("round is already active")
	ErrRoundFinished        = errors.New("round is already completed or skipped")
	ErrAnotherRoundActive   = errors.New("another round is active")
	ErrEarlierRoundsPending = errors.New("earlier rounds are still pending")
	ErrNoActiveRound        = errors.New("no round is active")
	ErrSessionClosed        = errors.New("session is closed")
	ErrArtifactScored       = errors.New("artifact already scored")
)
