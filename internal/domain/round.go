package domain

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"
)

// RoundType identifies the kind of activity a round runs.
type RoundType string

const (
	RoundVoice         RoundType = "voice"
	RoundVoiceRealtime RoundType = "voice-realtime"
	RoundEmail         RoundType = "email"
	RoundText          RoundType = "text"
	RoundCode          RoundType = "code"
	RoundMCQ           RoundType = "mcq"
	RoundAgentic       RoundType = "agentic"
	RoundMultiChannel  RoundType = "multi_channel"
)

// IsValid reports whether t is a known round type.
func (t RoundType) IsValid() bool {
	switch t {
	case RoundVoice, RoundVoiceRealtime, RoundEmail, RoundText, RoundCode, RoundMCQ, RoundAgentic, RoundMultiChannel:
		return true
	default:
		return false
	}
}

// IsConversational reports whether a generated turn follows candidate input,
// giving a responder the chance to work a directive in.
func (t RoundType) IsConversational() bool {
	switch t {
	case RoundText, RoundCode, RoundMCQ:
		return false
	default:
		return true
	}
}

// RoundStatus is the lifecycle state of a single round.
type RoundStatus string

const (
	RoundPending   RoundStatus = "pending"
	RoundActive    RoundStatus = "active"
	RoundCompleted RoundStatus = "completed"
	RoundSkipped   RoundStatus = "skipped"
)

// IsDone reports whether the round can no longer change status.
func (s RoundStatus) IsDone() bool {
	return s == RoundCompleted || s == RoundSkipped
}

// Round is one timed, typed activity within a session.
type Round struct {
	Number          int         `json:"round_number"`
	Type            RoundType   `json:"round_type"`
	Status          RoundStatus `json:"status"`
	StartedAt       *time.Time  `json:"started_at,omitempty"`
	CompletedAt     *time.Time  `json:"completed_at,omitempty"`
	DurationMinutes int         `json:"duration_minutes"`
	Config          RoundConfig `json:"config,omitempty"`
}

// RoundPlan is the single mutable document holding a session's rounds.
// Version is the compare-and-swap stamp checked on every write.
type RoundPlan struct {
	SessionID string    `json:"session_id"`
	Version   int64     `json:"version"`
	Rounds    []Round   `json:"rounds"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Round returns a pointer to round n inside the plan, or nil.
func (p *RoundPlan) Round(n int) *Round {
	for i := range p.Rounds {
		if p.Rounds[i].Number == n {
			return &p.Rounds[i]
		}
	}
	return nil
}

// Active returns the active round, or nil.
func (p *RoundPlan) Active() *Round {
	for i := range p.Rounds {
		if p.Rounds[i].Status == RoundActive {
			return &p.Rounds[i]
		}
	}
	return nil
}

// NextPending returns the first pending round numbered after n, or nil.
func (p *RoundPlan) NextPending(after int) *Round {
	var next *Round
	for i := range p.Rounds {
		r := &p.Rounds[i]
		if r.Number <= after || r.Status != RoundPending {
			continue
		}
		if next == nil || r.Number < next.Number {
			next = r
		}
	}
	return next
}

// Open returns the rounds that are still active or pending.
func (p *RoundPlan) Open() []*Round {
	var open []*Round
	for i := range p.Rounds {
		if s := p.Rounds[i].Status; s == RoundActive || s == RoundPending {
			open = append(open, &p.Rounds[i])
		}
	}
	return open
}

// Sort orders rounds by round number.
func (p *RoundPlan) Sort() {
	sort.SliceStable(p.Rounds, func(i, j int) bool {
		return p.Rounds[i].Number < p.Rounds[j].Number
	})
}

// Clone returns a deep copy so callers can mutate without aliasing the original.
func (p *RoundPlan) Clone() (*RoundPlan, error) {
	data, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("marshal plan: %w", err)
	}
	var out RoundPlan
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("unmarshal plan: %w", err)
	}
	return &out, nil
}

// Validate checks the ordering invariants of the plan: unique ascending
// round numbers, at most one active round, only completed or skipped rounds
// before it and only pending rounds after it.
func (p *RoundPlan) Validate() error {
	if p.SessionID == "" {
		return Invalidf("plan session id is required")
	}
	active := -1
	for i, r := range p.Rounds {
		if r.Number < 1 {
			return Invalidf("round number %d must be >= 1", r.Number)
		}
		if i > 0 && r.Number <= p.Rounds[i-1].Number {
			return Invalidf("round numbers must be unique and ascending (round %d after %d)", r.Number, p.Rounds[i-1].Number)
		}
		if !r.Type.IsValid() {
			return Invalidf("round %d has unknown type %q", r.Number, r.Type)
		}
		if r.Status == RoundActive {
			if active >= 0 {
				return Invalidf("rounds %d and %d are both active", p.Rounds[active].Number, r.Number)
			}
			active = i
		}
	}
	if active < 0 {
		// Without an active round every finished round must precede every pending one.
		pending := 0
		for _, r := range p.Rounds {
			switch {
			case r.Status == RoundPending && pending == 0:
				pending = r.Number
			case r.Status.IsDone() && pending > 0:
				return Invalidf("round %d is %s after pending round %d", r.Number, r.Status, pending)
			}
		}
		return nil
	}
	for i, r := range p.Rounds {
		switch {
		case i < active && !r.Status.IsDone():
			return Invalidf("round %d is %s before active round %d", r.Number, r.Status, p.Rounds[active].Number)
		case i > active && r.Status != RoundPending:
			return Invalidf("round %d is %s after active round %d", r.Number, r.Status, p.Rounds[active].Number)
		}
	}
	return nil
}

var statusRank = map[RoundStatus]int{
	RoundPending:   0,
	RoundActive:    1,
	RoundCompleted: 2,
	RoundSkipped:   2,
}

// ValidateProgress rejects a plan rewrite that moves any round backwards
// (for example completed -> pending) or changes a finished round's status.
func ValidateProgress(prev, next *RoundPlan) error {
	if prev == nil || next == nil {
		return nil
	}
	for _, before := range prev.Rounds {
		after := next.Round(before.Number)
		if after == nil {
			return Invalidf("round %d removed from plan", before.Number)
		}
		if before.Status.IsDone() && after.Status != before.Status {
			return Invalidf("round %d cannot leave %s for %s", before.Number, before.Status, after.Status)
		}
		if statusRank[after.Status] < statusRank[before.Status] {
			return Invalidf("round %d cannot regress from %s to %s", before.Number, before.Status, after.Status)
		}
	}
	return nil
}

// EnsureConfig returns the round config, allocating it when absent.
func (r *Round) EnsureConfig() RoundConfig {
	if r.Config == nil {
		r.Config = RoundConfig{}
	}
	return r.Config
}
