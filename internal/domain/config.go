package domain

import (
	"encoding/json"
	"math"
)

// Round config keys written by live control and difficulty adaptation.
const (
	ConfigInjectedCurveballs  = "injected_curveballs"
	ConfigPersonaOverride     = "persona_override"
	ConfigCustomPersonaPrompt = "custom_persona_prompt"
	ConfigDifficultyBoost     = "difficulty_boost"
	ConfigDifficulty          = "difficulty"
	ConfigPersonaIntensity    = "persona_intensity"
	ConfigSupportiveHint      = "supportive_hint"
	ConfigAdaptedFrom         = "adapted_from_rounds"
	ConfigPersona             = "persona"
)

// DefaultDifficulty is the baseline difficulty of a round with no explicit level.
const DefaultDifficulty = 3

// Curveball is a surprise constraint injected into a round.
type Curveball struct {
	Key        string `json:"key"`
	Title      string `json:"title,omitempty"`
	Prompt     string `json:"prompt"`
	Custom     bool   `json:"custom,omitempty"`
	InjectedAt string `json:"injected_at,omitempty"`
}

// RoundConfig is the free-form per-round configuration. It carries static
// authoring data (prompts, rubric hints) and is also the mutation surface for
// live control injection.
type RoundConfig map[string]any

func (c RoundConfig) str(key string) string {
	if c == nil {
		return ""
	}
	v, _ := c[key].(string)
	return v
}

// PersonaOverride returns the persona key currently forced on the round.
func (c RoundConfig) PersonaOverride() string { return c.str(ConfigPersonaOverride) }

// CustomPersonaPrompt returns the free-text persona prompt, if any.
func (c RoundConfig) CustomPersonaPrompt() string { return c.str(ConfigCustomPersonaPrompt) }

// Persona returns the persona authored for the round.
func (c RoundConfig) Persona() string { return c.str(ConfigPersona) }

// PersonaIntensity returns the persona aggression level set by adaptation.
func (c RoundConfig) PersonaIntensity() string { return c.str(ConfigPersonaIntensity) }

func (c RoundConfig) boolean(key string) bool {
	if c == nil {
		return false
	}
	v, _ := c[key].(bool)
	return v
}

// DifficultyBoost reports whether an interviewer escalation was applied.
func (c RoundConfig) DifficultyBoost() bool { return c.boolean(ConfigDifficultyBoost) }

// SupportiveHint reports whether adaptation asked for a supportive hint.
func (c RoundConfig) SupportiveHint() bool { return c.boolean(ConfigSupportiveHint) }

// Difficulty returns the round difficulty level. Values decoded from JSON
// arrive as float64 and are rounded.
func (c RoundConfig) Difficulty() int {
	if c == nil {
		return DefaultDifficulty
	}
	switch v := c[ConfigDifficulty].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(math.Round(v))
	case json.Number:
		if n, err := v.Int64(); err == nil {
			return int(n)
		}
	}
	return DefaultDifficulty
}

// InjectedCurveballs decodes the append-only curveball list.
func (c RoundConfig) InjectedCurveballs() []Curveball {
	if c == nil {
		return nil
	}
	raw, ok := c[ConfigInjectedCurveballs]
	if !ok || raw == nil {
		return nil
	}
	data, err := json.Marshal(raw)
	if err != nil {
		return nil
	}
	var out []Curveball
	if err := json.Unmarshal(data, &out); err != nil {
		return nil
	}
	return out
}

// HasCurveball reports whether key is already in the injected list.
func (c RoundConfig) HasCurveball(key string) bool {
	for _, cb := range c.InjectedCurveballs() {
		if cb.Key == key {
			return true
		}
	}
	return false
}

// AppendCurveball adds cb to the injected list unless its key is present.
// It returns false when nothing was added.
func (c RoundConfig) AppendCurveball(cb Curveball) bool {
	if c.HasCurveball(cb.Key) {
		return false
	}
	list := append(c.InjectedCurveballs(), cb)
	c[ConfigInjectedCurveballs] = list
	return true
}

// AdaptedFrom returns the source rounds whose scores already adapted this round.
func (c RoundConfig) AdaptedFrom() []int {
	if c == nil {
		return nil
	}
	raw, ok := c[ConfigAdaptedFrom].([]any)
	if !ok {
		if ints, ok := c[ConfigAdaptedFrom].([]int); ok {
			return ints
		}
		return nil
	}
	out := make([]int, 0, len(raw))
	for _, v := range raw {
		switch n := v.(type) {
		case float64:
			out = append(out, int(n))
		case int:
			out = append(out, n)
		}
	}
	return out
}

// MarkAdaptedFrom records that the score of round source was applied.
func (c RoundConfig) MarkAdaptedFrom(source int) {
	list := c.AdaptedFrom()
	for _, n := range list {
		if n == source {
			return
		}
	}
	c[ConfigAdaptedFrom] = append(list, source)
}

// WasAdaptedFrom reports whether the score of round source was already applied.
func (c RoundConfig) WasAdaptedFrom(source int) bool {
	for _, n := range c.AdaptedFrom() {
		if n == source {
			return true
		}
	}
	return false
}
