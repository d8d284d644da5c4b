package domain

import (
	"strings"
	"time"
)

// ArtifactKind describes the shape of a candidate submission.
type ArtifactKind string

const (
	ArtifactText       ArtifactKind = "text"
	ArtifactCode       ArtifactKind = "code"
	ArtifactTranscript ArtifactKind = "transcript"
	ArtifactJSON       ArtifactKind = "json"
)

// IsValid reports whether k is a known artifact kind.
func (k ArtifactKind) IsValid() bool {
	switch k {
	case ArtifactText, ArtifactCode, ArtifactTranscript, ArtifactJSON:
		return true
	default:
		return false
	}
}

// Artifact is one revision of a candidate's submission for a round.
// Only the latest revision is scored; it is immutable once ScoredAt is set.
type Artifact struct {
	SessionID   string       `json:"session_id"`
	RoundNumber int          `json:"round_number"`
	Revision    int          `json:"revision"`
	Kind        ArtifactKind `json:"kind"`
	Content     string       `json:"content"`
	Final       bool         `json:"final"`
	SubmittedBy string       `json:"submitted_by,omitempty"`
	SubmittedAt time.Time    `json:"submitted_at"`
	ScoredAt    *time.Time   `json:"scored_at,omitempty"`
}

// IsBlank reports whether the artifact has no meaningful content.
func (a *Artifact) IsBlank() bool {
	return a == nil || strings.TrimSpace(a.Content) == ""
}
