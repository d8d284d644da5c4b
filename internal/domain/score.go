package domain

import "time"

// Recommendation is the hiring signal derived from a round score.
type Recommendation string

const (
	RecommendProceed Recommendation = "proceed"
	RecommendCaution Recommendation = "caution"
	RecommendStop    Recommendation = "stop"
)

// IsValid reports whether r is a known recommendation.
func (r Recommendation) IsValid() bool {
	return r == RecommendProceed || r == RecommendCaution || r == RecommendStop
}

// Severity grades a red flag.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// IsValid reports whether s is a known severity.
func (s Severity) IsValid() bool {
	switch s {
	case SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical:
		return true
	default:
		return false
	}
}

// FlagType names a red-flag category. The wire form is a plain string;
// values outside the known set are kept and treated as FlagOther.
type FlagType string

const (
	FlagInsufficientResponse             FlagType = "insufficient_response"
	FlagNoEvidence                       FlagType = "no_evidence"
	FlagEvaluationUnavailable            FlagType = "evaluation_unavailable"
	FlagWeakDimension                    FlagType = "weak_dimension"
	FlagOverpromising                    FlagType = "overpromising"
	FlagConflictEscalation               FlagType = "conflict_escalation"
	FlagOverconfidentWithoutVerification FlagType = "overconfident_without_verification"
	FlagNoTestingMindset                 FlagType = "no_testing_mindset"
	FlagUnsafeDataHandling               FlagType = "unsafe_data_handling"
	FlagOther                            FlagType = "other"
)

var majorFlags = map[FlagType]struct{}{
	FlagOverpromising:                    {},
	FlagConflictEscalation:               {},
	FlagOverconfidentWithoutVerification: {},
	FlagNoTestingMindset:                 {},
	FlagUnsafeDataHandling:               {},
}

var knownFlags = map[FlagType]struct{}{
	FlagInsufficientResponse: {}, FlagNoEvidence: {}, FlagEvaluationUnavailable: {},
	FlagWeakDimension: {}, FlagOverpromising: {}, FlagConflictEscalation: {},
	FlagOverconfidentWithoutVerification: {}, FlagNoTestingMindset: {}, FlagUnsafeDataHandling: {},
}

// IsMajor reports whether f is disqualifying regardless of its severity field.
func (f FlagType) IsMajor() bool {
	_, ok := majorFlags[f]
	return ok
}

// IsKnown reports whether f is part of the closed flag vocabulary.
func (f FlagType) IsKnown() bool {
	_, ok := knownFlags[f]
	return ok
}

// Kind returns f when known and FlagOther otherwise.
func (f FlagType) Kind() FlagType {
	if f.IsKnown() {
		return f
	}
	return FlagOther
}

// RedFlag is a concerning observation attached to a score.
type RedFlag struct {
	Type      FlagType `json:"flag_type"`
	Severity  Severity `json:"severity"`
	Dimension string   `json:"dimension,omitempty"`
	Message   string   `json:"message,omitempty"`
	AutoStop  bool     `json:"auto_stop,omitempty"`
}

// DimensionScore is the gated result for one rubric dimension.
// Proposed keeps the evaluator's number even when it was discarded.
type DimensionScore struct {
	Score      float64  `json:"score"`
	Max        float64  `json:"max"`
	Proposed   float64  `json:"proposed"`
	Confidence float64  `json:"confidence"`
	Reasoning  string   `json:"reasoning,omitempty"`
	Evidence   []string `json:"evidence,omitempty"`
	Failed     bool     `json:"failed,omitempty"`
}

// Score is the scoring outcome for one (session, round).
type Score struct {
	SessionID      string                    `json:"session_id"`
	RoundNumber    int                       `json:"round_number"`
	Overall        int                       `json:"overall_score"`
	Dimensions     map[string]DimensionScore `json:"dimension_scores"`
	Confidence     float64                   `json:"confidence"`
	RedFlags       []RedFlag                 `json:"red_flags"`
	EvidenceQuotes []string                  `json:"evidence_quotes"`
	Recommendation Recommendation            `json:"recommendation"`
	Degraded       bool                      `json:"degraded,omitempty"`
	OverriddenBy   string                    `json:"overridden_by,omitempty"`
	CreatedAt      time.Time                 `json:"created_at"`
	UpdatedAt      time.Time                 `json:"updated_at"`
}

// HasFlag reports whether a flag of type f is attached.
func (s *Score) HasFlag(f FlagType) bool {
	for _, rf := range s.RedFlags {
		if rf.Type == f {
			return true
		}
	}
	return false
}
