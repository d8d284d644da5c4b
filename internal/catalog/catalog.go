// Package catalog loads the per-track assessment catalog: rubric dimensions,
// red-flag rules, persona pools, the curveball library and the difficulty
// adaptation policy.
package catalog

import (
	"bytes"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"slices"
	"strings"

	"github.com/ashureev/livepanel/internal/domain"
	"gopkg.in/yaml.v3"
)

// DefaultTrack is used when a session's track has no entry of its own.
const DefaultTrack = "default"

// defaultRubricKey names the rubric used for round types without their own.
const defaultRubricKey = "default"

//go:embed default.yaml
var defaultYAML []byte

// Dimension is one rubric dimension scored by the evaluator.
type Dimension struct {
	Name      string  `yaml:"name" json:"name"`
	MaxPoints float64 `yaml:"max_points" json:"max_points"`
	Criteria  string  `yaml:"criteria" json:"criteria"`
}

// Rule raises a red flag when an evidenced dimension scores below a threshold.
type Rule struct {
	Dimension string          `yaml:"dimension"`
	Below     float64         `yaml:"below"`
	FlagType  domain.FlagType `yaml:"flag_type"`
	Severity  domain.Severity `yaml:"severity"`
	AutoStop  bool            `yaml:"auto_stop"`
	Message   string          `yaml:"message"`
}

// Curveball is a library curveball definition.
type Curveball struct {
	Title  string `yaml:"title"`
	Prompt string `yaml:"prompt"`
}

// AdaptationPolicy bounds how the difficulty adapter moves the next round.
type AdaptationPolicy struct {
	RaiseAt       int `yaml:"raise_at"`
	LowerAt       int `yaml:"lower_at"`
	Step          int `yaml:"step"`
	MinDifficulty int `yaml:"min_difficulty"`
	MaxDifficulty int `yaml:"max_difficulty"`
}

// Track holds the assessment material for one job track.
type Track struct {
	Name       string                 `yaml:"-"`
	Personas   []string               `yaml:"personas"`
	Rubrics    map[string][]Dimension `yaml:"rubrics"`
	Rules      []Rule                 `yaml:"rules"`
	Adaptation *AdaptationPolicy      `yaml:"adaptation,omitempty"`
}

// Catalog is the full set of tracks plus shared libraries.
type Catalog struct {
	Tracks     map[string]*Track            `yaml:"tracks"`
	FlagTracks map[domain.FlagType][]string `yaml:"flag_tracks"`
	Curveballs map[string]Curveball         `yaml:"curveballs"`
	Adaptation AdaptationPolicy             `yaml:"adaptation"`
}

// Default returns the embedded catalog.
func Default() (*Catalog, error) {
	return Parse(defaultYAML)
}

// Load reads the catalog at path, or the embedded default when path is empty.
func Load(path string) (*Catalog, error) {
	if strings.TrimSpace(path) == "" {
		return Default()
	}
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("catalog: read %s: %w", path, err)
	}
	c, err := Parse(content)
	if err != nil {
		return nil, fmt.Errorf("catalog: %s: %w", path, err)
	}
	return c, nil
}

// Parse decodes and validates a catalog from YAML bytes.
func Parse(data []byte) (*Catalog, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, errors.New("catalog: payload is empty")
	}
	var c Catalog
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("catalog: decode: %w", err)
	}
	for name, t := range c.Tracks {
		if t == nil {
			t = &Track{}
			c.Tracks[name] = t
		}
		t.Name = name
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// Validate checks that the catalog is internally consistent.
func (c *Catalog) Validate() error {
	if _, ok := c.Tracks[DefaultTrack]; !ok {
		return fmt.Errorf("catalog: track %q is required", DefaultTrack)
	}
	if err := c.Adaptation.validate(); err != nil {
		return fmt.Errorf("catalog: adaptation: %w", err)
	}
	for name, t := range c.Tracks {
		if len(t.Rubrics[defaultRubricKey]) == 0 {
			return fmt.Errorf("catalog: track %q: rubric %q is required", name, defaultRubricKey)
		}
		for key, dims := range t.Rubrics {
			if key != defaultRubricKey && !domain.RoundType(key).IsValid() {
				return fmt.Errorf("catalog: track %q: unknown round type %q", name, key)
			}
			seen := make(map[string]bool, len(dims))
			for _, d := range dims {
				if d.Name == "" || d.MaxPoints <= 0 {
					return fmt.Errorf("catalog: track %q: rubric %q: dimension needs a name and positive max_points", name, key)
				}
				if seen[d.Name] {
					return fmt.Errorf("catalog: track %q: rubric %q: duplicate dimension %q", name, key, d.Name)
				}
				seen[d.Name] = true
			}
		}
		for i, r := range t.Rules {
			if r.Dimension == "" || r.FlagType == "" {
				return fmt.Errorf("catalog: track %q: rule %d needs dimension and flag_type", name, i)
			}
			if !r.Severity.IsValid() {
				return fmt.Errorf("catalog: track %q: rule %d: invalid severity %q", name, i, r.Severity)
			}
		}
		if t.Adaptation != nil {
			if err := t.Adaptation.validate(); err != nil {
				return fmt.Errorf("catalog: track %q: adaptation: %w", name, err)
			}
		}
	}
	for key, cb := range c.Curveballs {
		if strings.TrimSpace(cb.Prompt) == "" {
			return fmt.Errorf("catalog: curveball %q has no prompt", key)
		}
	}
	return nil
}

func (p AdaptationPolicy) validate() error {
	if p.MinDifficulty < 1 || p.MaxDifficulty < p.MinDifficulty {
		return fmt.Errorf("difficulty bounds %d..%d are invalid", p.MinDifficulty, p.MaxDifficulty)
	}
	if p.Step <= 0 {
		return errors.New("step must be positive")
	}
	if p.LowerAt > p.RaiseAt {
		return fmt.Errorf("lower_at %d is above raise_at %d", p.LowerAt, p.RaiseAt)
	}
	return nil
}

// Track returns the named track, falling back to the default track.
func (c *Catalog) Track(name string) *Track {
	if t, ok := c.Tracks[name]; ok {
		return t
	}
	return c.Tracks[DefaultTrack]
}

// HasTrack reports whether the catalog defines name explicitly.
func (c *Catalog) HasTrack(name string) bool {
	_, ok := c.Tracks[name]
	return ok
}

// Rubric returns the dimensions for a round type, falling back to the
// track's default rubric.
func (t *Track) Rubric(roundType domain.RoundType) []Dimension {
	if dims, ok := t.Rubrics[string(roundType)]; ok && len(dims) > 0 {
		return dims
	}
	return t.Rubrics[defaultRubricKey]
}

// RulesFor returns the rules attached to one dimension.
func (t *Track) RulesFor(dimension string) []Rule {
	var out []Rule
	for _, r := range t.Rules {
		if r.Dimension == dimension {
			out = append(out, r)
		}
	}
	return out
}

// FlagAllowed reports whether flag may fire for track. Flags without an
// allowlist fire everywhere.
func (c *Catalog) FlagAllowed(flag domain.FlagType, track string) bool {
	tracks, ok := c.FlagTracks[flag]
	if !ok {
		return true
	}
	return slices.Contains(tracks, track)
}

// Curveball looks up a library curveball by key.
func (c *Catalog) Curveball(key string) (Curveball, bool) {
	cb, ok := c.Curveballs[key]
	return cb, ok
}

// AdaptationFor returns the track's policy, or the catalog-wide one.
func (c *Catalog) AdaptationFor(track string) AdaptationPolicy {
	if t := c.Track(track); t != nil && t.Adaptation != nil {
		return *t.Adaptation
	}
	return c.Adaptation
}
