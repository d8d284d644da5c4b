package domain

// ActionType is the kind of live command an interviewer issues.
type ActionType string

const (
	ActionManualFollowup     ActionType = "manual_followup"
	ActionInjectCurveball    ActionType = "inject_curveball"
	ActionSwitchPersona      ActionType = "switch_persona"
	ActionEscalateDifficulty ActionType = "escalate_difficulty"
)

// IsValid reports whether a is a known interviewer action.
func (a ActionType) IsValid() bool {
	switch a {
	case ActionManualFollowup, ActionInjectCurveball, ActionSwitchPersona, ActionEscalateDifficulty:
		return true
	default:
		return false
	}
}

// UsedEvent returns the consumed-marker event type paired with a.
func (a ActionType) UsedEvent() EventType {
	switch a {
	case ActionManualFollowup:
		return EventFollowupUsed
	case ActionInjectCurveball:
		return EventCurveballUsed
	case ActionSwitchPersona:
		return EventPersonaUsed
	case ActionEscalateDifficulty:
		return EventDifficultyBoostUsed
	default:
		return ""
	}
}

// ActionForUsed maps a consumed-marker event type back to its action.
func ActionForUsed(t EventType) (ActionType, bool) {
	switch t {
	case EventFollowupUsed:
		return ActionManualFollowup, true
	case EventCurveballUsed:
		return ActionInjectCurveball, true
	case EventPersonaUsed:
		return ActionSwitchPersona, true
	case EventDifficultyBoostUsed:
		return ActionEscalateDifficulty, true
	default:
		return "", false
	}
}

// InterviewerActionPayload is the payload of an interviewer_action event.
// Value is the distinguishing value a consumed marker must echo.
type InterviewerActionPayload struct {
	ActionType   ActionType `json:"action_type"`
	TargetRound  int        `json:"target_round,omitempty"`
	Value        string     `json:"value"`
	Text         string     `json:"text,omitempty"`
	Title        string     `json:"title,omitempty"`
	Custom       bool       `json:"custom,omitempty"`
	Level        int        `json:"level,omitempty"`
	AutoConsumed bool       `json:"auto_consumed,omitempty"`
}

// ControlUsedPayload is the payload of a *_used consumed marker.
type ControlUsedPayload struct {
	Value    string `json:"value"`
	ActionID string `json:"action_id,omitempty"`
	Auto     bool   `json:"auto,omitempty"`
}
