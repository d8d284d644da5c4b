package domain

import (
	"encoding/json"
	"time"
)

// EventType identifies the kind of event recorded in a session's log.
// The wire form is a plain string; unknown values are preserved as-is so
// newer writers stay readable.
type EventType string

// Session and round lifecycle events.
const (
	EventSessionCreated      EventType = "session_created"
	EventRoundStarted        EventType = "round_started"
	EventRoundCompleted      EventType = "round_completed"
	EventRoundForceAdvanced  EventType = "round_force_advanced"
	EventSessionForceStopped EventType = "session_force_stopped"
	EventArtifactSubmitted   EventType = "artifact_submitted"
)

// Live control events.
const (
	EventInterviewerAction   EventType = "interviewer_action"
	EventFollowupUsed        EventType = "followup_used"
	EventCurveballUsed       EventType = "curveball_used"
	EventPersonaUsed         EventType = "persona_used"
	EventDifficultyBoostUsed EventType = "difficulty_boost_used"
)

// Scoring and adaptation events.
const (
	EventScoringCompleted       EventType = "scoring_completed"
	EventRedFlagDetected        EventType = "red_flag_detected"
	EventScoreOverride          EventType = "score_override"
	EventRecommendationOverride EventType = "recommendation_override"
	EventDifficultyAdaptation   EventType = "difficulty_adaptation"
)

// EventOther is used by readers for types they do not recognise.
const EventOther EventType = "other"

var knownEventTypes = map[EventType]struct{}{
	EventSessionCreated: {}, EventRoundStarted: {}, EventRoundCompleted: {},
	EventRoundForceAdvanced: {}, EventSessionForceStopped: {}, EventArtifactSubmitted: {},
	EventInterviewerAction: {}, EventFollowupUsed: {}, EventCurveballUsed: {},
	EventPersonaUsed: {}, EventDifficultyBoostUsed: {},
	EventScoringCompleted: {}, EventRedFlagDetected: {}, EventScoreOverride: {},
	EventRecommendationOverride: {}, EventDifficultyAdaptation: {},
}

// IsKnown reports whether t is part of the closed event vocabulary.
func (t EventType) IsKnown() bool {
	_, ok := knownEventTypes[t]
	return ok
}

// Kind returns t when known and EventOther otherwise.
func (t EventType) Kind() EventType {
	if t.IsKnown() {
		return t
	}
	return EventOther
}

// Actor identifies who triggered an event.
type Actor string

const (
	ActorInterviewer Actor = "interviewer"
	ActorCandidate   Actor = "candidate"
	ActorSystem      Actor = "system"
)

// IsValid reports whether a is a known actor.
func (a Actor) IsValid() bool {
	return a == ActorInterviewer || a == ActorCandidate || a == ActorSystem
}

// Event is an immutable record in a session's append-only log.
// Seq and CreatedAt are assigned by storage on append.
type Event struct {
	ID          string          `json:"id"`
	SessionID   string          `json:"session_id"`
	Seq         int64           `json:"seq"`
	Type        EventType       `json:"event_type"`
	Actor       Actor           `json:"actor"`
	ActorID     string          `json:"actor_id,omitempty"`
	RoundNumber int             `json:"round_number,omitempty"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
}

// DecodePayload unmarshals the event payload into v.
func (e Event) DecodePayload(v any) error {
	if len(e.Payload) == 0 {
		return nil
	}
	return json.Unmarshal(e.Payload, v)
}

// NewEvent builds an event with a JSON-encoded payload.
func NewEvent(sessionID string, typ EventType, actor Actor, round int, payload any) (Event, error) {
	evt := Event{
		SessionID:   sessionID,
		Type:        typ,
		Actor:       actor,
		RoundNumber: round,
	}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return Event{}, err
		}
		evt.Payload = data
	}
	return evt, nil
}
