package scoring

import (
	"context"
	"fmt"
	"maps"
	"strings"
	"time"

	"github.com/ashureev/livepanel/internal/domain"
	"github.com/ashureev/livepanel/internal/identity"
)

// ScoreOverride replaces parts of a stored score. Nil fields are left alone.
type ScoreOverride struct {
	Overall        *int                  `json:"overall_score,omitempty"`
	Dimensions     map[string]float64    `json:"dimension_scores,omitempty"`
	Recommendation domain.Recommendation `json:"recommendation,omitempty"`
	Reason         string                `json:"reason"`
}

type scoreOverridePayload struct {
	OriginalOverall    int                `json:"original_overall_score"`
	NewOverall         int                `json:"new_overall_score"`
	OriginalDimensions map[string]float64 `json:"original_dimension_scores,omitempty"`
	NewDimensions      map[string]float64 `json:"new_dimension_scores,omitempty"`
	Reason             string             `json:"reason"`
	OverriddenBy       string             `json:"overridden_by"`
}

type recommendationOverridePayload struct {
	Original     domain.Recommendation `json:"original_recommendation"`
	New          domain.Recommendation `json:"new_recommendation"`
	Reason       string                `json:"reason"`
	OverriddenBy string                `json:"overridden_by"`
}

// Override applies an interviewer override to the score of round n. The row
// is updated in place; the original values live on in the audit events.
func (p *Pipeline) Override(ctx context.Context, rc identity.RequestContext, sessionID string, n int, o ScoreOverride) (*domain.Score, error) {
	if err := identity.Authorize(ctx, p.gate, rc, identity.RoleInterviewer); err != nil {
		return nil, err
	}
	o.Reason = strings.TrimSpace(o.Reason)
	if o.Overall == nil && len(o.Dimensions) == 0 && o.Recommendation == "" {
		return nil, domain.Invalidf("override changes nothing")
	}
	if o.Overall != nil && (*o.Overall < 0 || *o.Overall > 100) {
		return nil, domain.Invalidf("overall_score must be between 0 and 100")
	}
	if o.Recommendation != "" && !o.Recommendation.IsValid() {
		return nil, domain.Invalidf("unknown recommendation %q", o.Recommendation)
	}

	score, err := p.store.GetScore(ctx, sessionID, n)
	if err != nil {
		return nil, err
	}
	for name, v := range o.Dimensions {
		d, ok := score.Dimensions[name]
		if !ok {
			return nil, domain.Invalidf("round %d has no dimension %q", n, name)
		}
		if v < 0 || (d.Max > 0 && v > d.Max) {
			return nil, domain.Invalidf("%s must be between 0 and %.0f", name, d.Max)
		}
	}

	originalOverall := score.Overall
	originalRec := score.Recommendation
	originalDims := make(map[string]float64, len(o.Dimensions))
	for name := range o.Dimensions {
		originalDims[name] = score.Dimensions[name].Score
	}

	scoreChanged := false
	if len(o.Dimensions) > 0 {
		dims := maps.Clone(score.Dimensions)
		for name, v := range o.Dimensions {
			d := dims[name]
			if d.Score != v {
				d.Score = v
				dims[name] = d
				scoreChanged = true
			}
		}
		score.Dimensions = dims
		if o.Overall == nil && scoreChanged {
			score.Overall, _ = Aggregate(dims)
		}
	}
	if o.Overall != nil && *o.Overall != score.Overall {
		score.Overall = *o.Overall
		scoreChanged = true
	}
	recChanged := o.Recommendation != "" && o.Recommendation != score.Recommendation
	if recChanged {
		score.Recommendation = o.Recommendation
	}
	if !scoreChanged && !recChanged {
		return score, nil
	}

	score.OverriddenBy = rc.Identity
	score.UpdatedAt = time.Now().UTC()
	if err := p.store.UpsertScore(ctx, score); err != nil {
		return nil, fmt.Errorf("save overridden score: %w", err)
	}

	if scoreChanged {
		newDims := make(map[string]float64, len(o.Dimensions))
		for name := range o.Dimensions {
			newDims[name] = score.Dimensions[name].Score
		}
		p.log.EmitAfterWrite(ctx, rc, sessionID, domain.EventScoreOverride, n, scoreOverridePayload{
			OriginalOverall:    originalOverall,
			NewOverall:         score.Overall,
			OriginalDimensions: originalDims,
			NewDimensions:      newDims,
			Reason:             o.Reason,
			OverriddenBy:       rc.Identity,
		})
	}
	if recChanged {
		p.log.EmitAfterWrite(ctx, rc, sessionID, domain.EventRecommendationOverride, n, recommendationOverridePayload{
			Original:     originalRec,
			New:          score.Recommendation,
			Reason:       o.Reason,
			OverriddenBy: rc.Identity,
		})
	}
	p.logger.Info("Score overridden",
		"session_id", sessionID,
		"round_number", n,
		"overridden_by", rc.Identity,
		"overall_score", score.Overall,
		"recommendation", score.Recommendation)
	return score, nil
}

// Score returns the stored score of round n.
func (p *Pipeline) Score(ctx context.Context, rc identity.RequestContext, sessionID string, n int) (*domain.Score, error) {
	if err := identity.Authorize(ctx, p.gate, rc, identity.RoleInterviewer); err != nil {
		return nil, err
	}
	return p.store.GetScore(ctx, sessionID, n)
}
