// Package scoring turns a round's artifact into a Score: per-dimension
// evaluation with evidence gating, red-flag rules, a recommendation and an
// automatic force-stop for critical flags.
package scoring

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/ashureev/livepanel/internal/catalog"
	"github.com/ashureev/livepanel/internal/domain"
	"github.com/ashureev/livepanel/internal/eventlog"
	"github.com/ashureev/livepanel/internal/identity"
	"github.com/ashureev/livepanel/internal/plan"
	"github.com/ashureev/livepanel/internal/rounds"
	"github.com/ashureev/livepanel/internal/store"
	"github.com/ashureev/livepanel/internal/supervisor"
	"golang.org/x/sync/errgroup"
)

const (
	// DefaultMinResponseChars is the shortest response not flagged as insufficient.
	DefaultMinResponseChars = 20
	// DefaultEvaluatorTimeout bounds each dimension evaluation.
	DefaultEvaluatorTimeout = 45 * time.Second
	// maxParallelDimensions limits concurrent evaluator calls per run.
	maxParallelDimensions = 4
)

// Store is the slice of the repository the pipeline needs.
type Store interface {
	GetSession(ctx context.Context, sessionID string) (*domain.Session, error)
	LatestArtifact(ctx context.Context, sessionID string, roundNumber int) (*domain.Artifact, error)
	MarkArtifactScored(ctx context.Context, sessionID string, roundNumber, revision int, at time.Time) error
	GetScore(ctx context.Context, sessionID string, roundNumber int) (*domain.Score, error)
	UpsertScore(ctx context.Context, score *domain.Score) error
}

// Stopper aborts a session.
type Stopper interface {
	ForceStop(ctx context.Context, rc identity.RequestContext, sessionID, reason string) (supervisor.Result, error)
}

// Pipeline scores completed rounds.
type Pipeline struct {
	store     Store
	plans     *plan.Mutator
	log       *eventlog.Log
	catalog   *catalog.Catalog
	evaluator Evaluator
	stopper   Stopper
	gate      identity.Gate
	timeout   time.Duration
	minChars  int
	logger    *slog.Logger
	now       func() time.Time
}

// Config wires a Pipeline.
type Config struct {
	Store            Store
	Plans            *plan.Mutator
	Log              *eventlog.Log
	Catalog          *catalog.Catalog
	Evaluator        Evaluator
	Stopper          Stopper
	Gate             identity.Gate
	EvaluatorTimeout time.Duration
	MinResponseChars int
	Logger           *slog.Logger
}

// NewPipeline creates a Pipeline.
func NewPipeline(cfg Config) *Pipeline {
	p := &Pipeline{
		store:     cfg.Store,
		plans:     cfg.Plans,
		log:       cfg.Log,
		catalog:   cfg.Catalog,
		evaluator: cfg.Evaluator,
		stopper:   cfg.Stopper,
		gate:      cfg.Gate,
		timeout:   cfg.EvaluatorTimeout,
		minChars:  cfg.MinResponseChars,
		logger:    cfg.Logger,
		now:       func() time.Time { return time.Now().UTC() },
	}
	if p.gate == nil {
		p.gate = identity.RoleGate{}
	}
	if p.timeout <= 0 {
		p.timeout = DefaultEvaluatorTimeout
	}
	if p.minChars <= 0 {
		p.minChars = DefaultMinResponseChars
	}
	if p.logger == nil {
		p.logger = slog.Default()
	}
	return p
}

type scoringCompletedPayload struct {
	OverallScore   int                   `json:"overall_score"`
	Recommendation domain.Recommendation `json:"recommendation"`
	Confidence     float64               `json:"confidence"`
	RedFlagCount   int                   `json:"red_flag_count"`
	Degraded       bool                  `json:"degraded,omitempty"`
	Revision       int                   `json:"artifact_revision,omitempty"`
}

// Run scores round n of a session. A round that already has a score is left
// untouched and its existing score returned, so redelivered jobs are safe.
// A critical auto-stop that failed on an earlier run is retried.
func (p *Pipeline) Run(ctx context.Context, sessionID string, n int) (*domain.Score, error) {
	if existing, err := p.store.GetScore(ctx, sessionID, n); err == nil {
		if err := p.autoStop(ctx, sessionID, n, existing); err != nil {
			return nil, err
		}
		return existing, nil
	} else if !errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("load existing score: %w", err)
	}

	session, err := p.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	rp, err := p.plans.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	round := rp.Round(n)
	if round == nil {
		return nil, fmt.Errorf("%w: %d", rounds.ErrRoundNotFound, n)
	}

	artifact, err := p.store.LatestArtifact(ctx, sessionID, n)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("load artifact: %w", err)
	}

	track := p.track(session.Track)
	rubric := track.Rubric(round.Type)

	var score *domain.Score
	if artifact.IsBlank() {
		score = p.emptyScore(rubric)
	} else {
		score, err = p.evaluate(ctx, session, round, track, rubric, artifact.Content)
		if err != nil {
			return nil, err
		}
	}
	score.SessionID = sessionID
	score.RoundNumber = n

	if err := p.store.UpsertScore(ctx, score); err != nil {
		return nil, fmt.Errorf("save score: %w", err)
	}
	revision := 0
	if artifact != nil {
		revision = artifact.Revision
		if err := p.store.MarkArtifactScored(ctx, sessionID, n, artifact.Revision, p.now()); err != nil {
			p.logger.Error("Failed to freeze scored artifact", "session_id", sessionID, "round_number", n, "error", err)
		}
	}

	sys := identity.System()
	for _, f := range score.RedFlags {
		p.log.EmitAfterWrite(ctx, sys, sessionID, domain.EventRedFlagDetected, n, f)
	}
	p.log.EmitAfterWrite(ctx, sys, sessionID, domain.EventScoringCompleted, n, scoringCompletedPayload{
		OverallScore:   score.Overall,
		Recommendation: score.Recommendation,
		Confidence:     score.Confidence,
		RedFlagCount:   len(score.RedFlags),
		Degraded:       score.Degraded,
		Revision:       revision,
	})
	p.logger.Info("Round scored",
		"session_id", sessionID,
		"round_number", n,
		"overall_score", score.Overall,
		"recommendation", score.Recommendation,
		"red_flags", len(score.RedFlags),
		"degraded", score.Degraded)

	if err := p.autoStop(ctx, sessionID, n, score); err != nil {
		return nil, err
	}
	return score, nil
}

// autoStop force-stops the session when the score carries a critical
// auto-stop flag. Stopping an already stopped session is a no-op.
func (p *Pipeline) autoStop(ctx context.Context, sessionID string, n int, score *domain.Score) error {
	for _, f := range score.RedFlags {
		if f.Severity != domain.SeverityCritical || !f.AutoStop {
			continue
		}
		reason := fmt.Sprintf("critical red flag %s on round %d", f.Type, n)
		if _, err := p.stopper.ForceStop(ctx, identity.System(), sessionID, reason); err != nil {
			p.logger.Error("Auto-stop failed", "session_id", sessionID, "round_number", n, "flag_type", f.Type, "error", err)
			return fmt.Errorf("auto-stop on %s: %w", f.Type, err)
		}
		return nil
	}
	return nil
}

func (p *Pipeline) track(name string) *catalog.Track {
	if p.catalog == nil {
		return &catalog.Track{Name: name}
	}
	return p.catalog.Track(name)
}

// emptyScore is the result for a missing or blank submission.
func (p *Pipeline) emptyScore(rubric []catalog.Dimension) *domain.Score {
	dims := make(map[string]domain.DimensionScore, len(rubric))
	for _, d := range rubric {
		dims[d.Name] = domain.DimensionScore{Max: d.MaxPoints}
	}
	return &domain.Score{
		Overall:    0,
		Dimensions: dims,
		RedFlags: []domain.RedFlag{{
			Type:     domain.FlagInsufficientResponse,
			Severity: domain.SeverityHigh,
			Message:  "No response was submitted for this round.",
		}},
		EvidenceQuotes: []string{},
		Recommendation: domain.RecommendStop,
	}
}

type dimensionResult struct {
	dim  catalog.Dimension
	eval Evaluation
	err  error
}

// evaluate scores every rubric dimension in parallel and applies gating,
// rules and the recommendation policy. A failed dimension degrades the score;
// only cancellation of ctx itself aborts the run.
func (p *Pipeline) evaluate(ctx context.Context, session *domain.Session, round *domain.Round, track *catalog.Track, rubric []catalog.Dimension, content string) (*domain.Score, error) {
	results := make([]dimensionResult, len(rubric))
	var g errgroup.Group
	g.SetLimit(maxParallelDimensions)
	for i, dim := range rubric {
		g.Go(func() error {
			dctx, cancel := context.WithTimeout(ctx, p.timeout)
			defer cancel()
			eval, err := p.evaluator.Evaluate(dctx, Request{
				SessionID:   session.ID,
				RoundNumber: round.Number,
				RoundType:   round.Type,
				Track:       session.Track,
				Dimension:   dim,
				Content:     content,
			})
			results[i] = dimensionResult{dim: dim, eval: eval, err: err}
			if err != nil && ctx.Err() != nil {
				return ctx.Err()
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("evaluate round %d: %w", round.Number, err)
	}

	score := &domain.Score{
		Dimensions:     make(map[string]domain.DimensionScore, len(rubric)),
		EvidenceQuotes: []string{},
	}
	failed := 0
	for _, res := range results {
		ds := domain.DimensionScore{Max: res.dim.MaxPoints}
		if res.err != nil {
			failed++
			ds.Failed = true
			ds.Reasoning = "evaluation unavailable"
			p.logger.Warn("Dimension evaluation failed",
				"session_id", session.ID,
				"round_number", round.Number,
				"dimension", res.dim.Name,
				"error", res.err)
			score.RedFlags = append(score.RedFlags, domain.RedFlag{
				Type:      domain.FlagEvaluationUnavailable,
				Severity:  domain.SeverityMedium,
				Dimension: res.dim.Name,
				Message:   "The evaluator did not return a result for this dimension.",
			})
			score.Dimensions[res.dim.Name] = ds
			continue
		}

		ds.Proposed = res.eval.Score
		ds.Confidence = clamp(res.eval.Confidence, 0, 1)
		ds.Reasoning = res.eval.Reasoning
		ds.Evidence = nonEmpty(res.eval.Evidence)
		if len(ds.Evidence) > 0 {
			ds.Score = clamp(res.eval.Score, 0, res.dim.MaxPoints)
			score.EvidenceQuotes = append(score.EvidenceQuotes, ds.Evidence...)
		}
		score.Dimensions[res.dim.Name] = ds
	}

	score.Overall, score.Confidence = Aggregate(score.Dimensions)

	if failed == len(rubric) && failed > 0 {
		score.Degraded = true
		score.Overall = 0
		score.Recommendation = domain.RecommendStop
		return score, nil
	}
	score.Degraded = failed > 0

	if len([]rune(strings.TrimSpace(content))) < p.minChars {
		score.RedFlags = append(score.RedFlags, domain.RedFlag{
			Type:     domain.FlagInsufficientResponse,
			Severity: domain.SeverityMedium,
			Message:  fmt.Sprintf("Response is shorter than %d characters.", p.minChars),
		})
	}
	if len(score.EvidenceQuotes) == 0 {
		score.RedFlags = append(score.RedFlags, domain.RedFlag{
			Type:     domain.FlagNoEvidence,
			Severity: domain.SeverityHigh,
			Message:  "No dimension could be grounded in evidence from the response.",
		})
	}

	score.RedFlags = append(score.RedFlags, p.applyRules(session.Track, track, rubric, score.Dimensions)...)
	score.Recommendation = Recommend(score.Overall, score.RedFlags, score.Dimensions)
	return score, nil
}

// applyRules evaluates the red-flag rule table. A rule only fires for a
// dimension with evidence and only when the flag is allowed for the track.
// Critically weak evidenced dimensions with no firing rule get a low
// severity weak_dimension flag.
func (p *Pipeline) applyRules(trackName string, track *catalog.Track, rubric []catalog.Dimension, dims map[string]domain.DimensionScore) []domain.RedFlag {
	var flags []domain.RedFlag
	for _, dim := range rubric {
		ds := dims[dim.Name]
		if ds.Failed || len(ds.Evidence) == 0 {
			continue
		}
		fired := false
		for _, rule := range track.RulesFor(dim.Name) {
			if ds.Score >= rule.Below {
				continue
			}
			if p.catalog != nil && !p.catalog.FlagAllowed(rule.FlagType, trackName) {
				continue
			}
			fired = true
			flags = append(flags, domain.RedFlag{
				Type:      rule.FlagType,
				Severity:  rule.Severity,
				Dimension: dim.Name,
				Message:   rule.Message,
				AutoStop:  rule.AutoStop,
			})
		}
		if !fired && IsCriticallyWeak(ds) {
			flags = append(flags, domain.RedFlag{
				Type:      domain.FlagWeakDimension,
				Severity:  domain.SeverityLow,
				Dimension: dim.Name,
				Message:   fmt.Sprintf("%s scored %.0f of %.0f.", dim.Name, ds.Score, ds.Max),
			})
		}
	}
	return flags
}

func nonEmpty(quotes []string) []string {
	out := make([]string, 0, len(quotes))
	for _, q := range quotes {
		if q = strings.TrimSpace(q); q != "" {
			out = append(out, q)
		}
	}
	return out
}
