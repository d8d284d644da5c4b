// Package rounds runs the round state machine of a live session: creation,
// starting and completing rounds, forced advancement and artifact submission.
package rounds

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
	"github.com/ashureev/livepanel/internal/store"
	"github.com/ashureev/livepanel/internal/supervisor"
	"github.com/google/uuid"
)

// Store is the slice of the repository the engine needs.
type Store interface {
	CreateSession(ctx context.Context, session *domain.Session, plan *domain.RoundPlan) error
	GetSession(ctx context.Context, sessionID string) (*domain.Session, error)
	UpdateSessionStatus(ctx context.Context, sessionID string, to domain.SessionStatus, from ...domain.SessionStatus) (bool, error)
	SaveArtifact(ctx context.Context, artifact *domain.Artifact) error
	LatestArtifact(ctx context.Context, sessionID string, roundNumber int) (*domain.Artifact, error)
}

// ScoringQueue accepts completed rounds for background scoring.
type ScoringQueue interface {
	EnqueueScoring(ctx context.Context, sessionID string, roundNumber int) error
}

// Engine is the round state machine.
type Engine struct {
	store      Store
	plans      *plan.Mutator
	log        *eventlog.Log
	supervisor *supervisor.Supervisor
	catalog    *catalog.Catalog
	queue      ScoringQueue
	gate       identity.Gate
	logger     *slog.Logger
	now        func() time.Time
}

// Config wires an Engine.
type Config struct {
	Store      Store
	Plans      *plan.Mutator
	Log        *eventlog.Log
	Supervisor *supervisor.Supervisor
	Catalog    *catalog.Catalog
	Queue      ScoringQueue
	Gate       identity.Gate
	Logger     *slog.Logger
}

// NewEngine creates an Engine.
func NewEngine(cfg Config) *Engine {
	e := &Engine{
		store:      cfg.Store,
		plans:      cfg.Plans,
		log:        cfg.Log,
		supervisor: cfg.Supervisor,
		catalog:    cfg.Catalog,
		queue:      cfg.Queue,
		gate:       cfg.Gate,
		logger:     cfg.Logger,
		now:        func() time.Time { return time.Now().UTC() },
	}
	if e.gate == nil {
		e.gate = identity.RoleGate{}
	}
	if e.logger == nil {
		e.logger = slog.Default()
	}
	return e
}

// RoundSpec describes one round of a new session.
type RoundSpec struct {
	Type            domain.RoundType   `json:"round_type"`
	DurationMinutes int                `json:"duration_minutes"`
	Config          domain.RoundConfig `json:"config,omitempty"`
}

// NewSession is the input to CreateSession.
type NewSession struct {
	CandidateID string      `json:"candidate_id"`
	JobID       string      `json:"job_id"`
	Track       string      `json:"track"`
	Rounds      []RoundSpec `json:"rounds"`
}

// Transition reports the effect of completing or advancing a round.
type Transition struct {
	Completed     *domain.Round        `json:"completed,omitempty"`
	Next          *domain.Round        `json:"next,omitempty"`
	SessionStatus domain.SessionStatus `json:"session_status"`
	NoOp          bool                 `json:"no_op,omitempty"`
}

type sessionCreatedPayload struct {
	CandidateID string `json:"candidate_id"`
	JobID       string `json:"job_id"`
	Track       string `json:"track"`
	RoundCount  int    `json:"round_count"`
}

type roundStartedPayload struct {
	RoundType domain.RoundType `json:"round_type"`
	StartedAt time.Time        `json:"started_at"`
	Automatic bool             `json:"automatic,omitempty"`
}

type roundCompletedPayload struct {
	RoundType       domain.RoundType `json:"round_type"`
	CompletedAt     time.Time        `json:"completed_at"`
	DurationSeconds int64            `json:"duration_seconds"`
	NextRound       int              `json:"next_round,omitempty"`
}

type forceAdvancedPayload struct {
	Reason    string `json:"reason"`
	NextRound int    `json:"next_round,omitempty"`
}

type artifactSubmittedPayload struct {
	Revision int                 `json:"revision"`
	Kind     domain.ArtifactKind `json:"kind"`
	Final    bool                `json:"final"`
	Chars    int                 `json:"chars"`
}

// CreateSession validates and stores a new scheduled session whose rounds
// are all pending.
func (e *Engine) CreateSession(ctx context.Context, rc identity.RequestContext, in NewSession) (*domain.Session, *domain.RoundPlan, error) {
	if err := identity.Authorize(ctx, e.gate, rc, identity.RoleInterviewer); err != nil {
		return nil, nil, err
	}

	in.CandidateID = strings.TrimSpace(in.CandidateID)
	in.Track = strings.TrimSpace(in.Track)
	if in.CandidateID == "" {
		return nil, nil, domain.Invalidf("candidate_id is required")
	}
	if in.Track == "" {
		in.Track = catalog.DefaultTrack
	}
	if e.catalog != nil && !e.catalog.HasTrack(in.Track) {
		e.logger.Warn("Unknown track, default catalog entries will apply", "track", in.Track)
	}
	if len(in.Rounds) == 0 {
		return nil, nil, domain.Invalidf("at least one round is required")
	}

	now := e.now()
	session := &domain.Session{
		ID:          uuid.NewString(),
		Status:      domain.SessionScheduled,
		CandidateID: in.CandidateID,
		JobID:       strings.TrimSpace(in.JobID),
		Track:       in.Track,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	rp := &domain.RoundPlan{SessionID: session.ID, Version: 1, UpdatedAt: now}
	for i, rs := range in.Rounds {
		if !rs.Type.IsValid() {
			return nil, nil, domain.Invalidf("round %d has unknown type %q", i+1, rs.Type)
		}
		if rs.DurationMinutes <= 0 {
			return nil, nil, domain.Invalidf("round %d needs a positive duration_minutes", i+1)
		}
		cfg := domain.RoundConfig{}
		for k, v := range rs.Config {
			cfg[k] = v
		}
		rp.Rounds = append(rp.Rounds, domain.Round{
			Number:          i + 1,
			Type:            rs.Type,
			Status:          domain.RoundPending,
			DurationMinutes: rs.DurationMinutes,
			Config:          cfg,
		})
	}
	if err := rp.Validate(); err != nil {
		return nil, nil, err
	}

	if err := e.store.CreateSession(ctx, session, rp); err != nil {
		return nil, nil, fmt.Errorf("create session: %w", err)
	}
	e.logger.Info("Session created", "session_id", session.ID, "track", session.Track, "rounds", len(rp.Rounds))

	e.log.EmitAfterWrite(ctx, rc, session.ID, domain.EventSessionCreated, 0, sessionCreatedPayload{
		CandidateID: session.CandidateID,
		JobID:       session.JobID,
		Track:       session.Track,
		RoundCount:  len(rp.Rounds),
	})
	return session, rp, nil
}

// Session returns a session and its current round plan.
func (e *Engine) Session(ctx context.Context, rc identity.RequestContext, sessionID string) (*domain.Session, *domain.RoundPlan, error) {
	if err := identity.Authorize(ctx, e.gate, rc, identity.RoleInterviewer, identity.RoleCandidate); err != nil {
		return nil, nil, err
	}
	session, err := e.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, nil, err
	}
	p, err := e.plans.Get(ctx, sessionID)
	if err != nil {
		return nil, nil, err
	}
	return session, p, nil
}

// StartRound moves round n from pending to active.
func (e *Engine) StartRound(ctx context.Context, rc identity.RequestContext, sessionID string, n int) (*domain.Round, error) {
	if err := identity.Authorize(ctx, e.gate, rc, identity.RoleInterviewer, identity.RoleCandidate); err != nil {
		return nil, err
	}
	if _, err := e.openSession(ctx, sessionID); err != nil {
		return nil, err
	}

	now := e.now()
	res, err := e.plans.Mutate(ctx, sessionID, func(p *domain.RoundPlan) error {
		r := p.Round(n)
		if r == nil {
			return fmt.Errorf("%w: %d", ErrRoundNotFound, n)
		}
		switch {
		case r.Status == domain.RoundActive:
			return fmt.Errorf("%w: %d", ErrRoundAlreadyActive, n)
		case r.Status.IsDone():
			return fmt.Errorf("%w: %d is %s", ErrRoundFinished, n, r.Status)
		}
		if active := p.Active(); active != nil {
			return fmt.Errorf("%w: %d", ErrAnotherRoundActive, active.Number)
		}
		for _, other := range p.Rounds {
			if other.Number < n && other.Status == domain.RoundPending {
				return fmt.Errorf("%w: %d", ErrEarlierRoundsPending, other.Number)
			}
		}
		r.Status = domain.RoundActive
		r.StartedAt = &now
		return nil
	})
	if err != nil {
		return nil, err
	}
	started := res.Plan.Round(n)

	e.markLive(ctx, sessionID)
	e.logger.Info("Round started", "session_id", sessionID, "round_number", n, "round_type", started.Type)
	e.log.EmitAfterWrite(ctx, rc, sessionID, domain.EventRoundStarted, n, roundStartedPayload{
		RoundType: started.Type,
		StartedAt: now,
	})
	return started, nil
}

// CompleteRound marks active round n completed and activates the next
// pending round. Completing an already finished round is a no-op.
func (e *Engine) CompleteRound(ctx context.Context, rc identity.RequestContext, sessionID string, n int) (Transition, error) {
	if err := identity.Authorize(ctx, e.gate, rc, identity.RoleInterviewer, identity.RoleCandidate); err != nil {
		return Transition{}, err
	}
	t, err := e.advance(ctx, sessionID, func(p *domain.RoundPlan) (*domain.Round, error) {
		r := p.Round(n)
		if r == nil {
			return nil, fmt.Errorf("%w: %d", ErrRoundNotFound, n)
		}
		if r.Status.IsDone() {
			return nil, plan.ErrNoChange
		}
		if r.Status != domain.RoundActive {
			return nil, fmt.Errorf("%w: %d is %s", ErrRoundNotActive, n, r.Status)
		}
		return r, nil
	})
	if err != nil || t.NoOp {
		return t, err
	}

	payload := roundCompletedPayload{
		RoundType:   t.Completed.Type,
		CompletedAt: *t.Completed.CompletedAt,
	}
	if t.Completed.StartedAt != nil {
		payload.DurationSeconds = int64(t.Completed.CompletedAt.Sub(*t.Completed.StartedAt).Seconds())
	}
	if t.Next != nil {
		payload.NextRound = t.Next.Number
	}
	e.log.EmitAfterWrite(ctx, rc, sessionID, domain.EventRoundCompleted, t.Completed.Number, payload)
	e.afterAdvance(ctx, rc, sessionID, t)
	return t, nil
}

// ForceAdvance completes the active round without its completion criteria
// and moves on to the next pending round.
func (e *Engine) ForceAdvance(ctx context.Context, rc identity.RequestContext, sessionID, reason string) (Transition, error) {
	if err := identity.Authorize(ctx, e.gate, rc, identity.RoleInterviewer); err != nil {
		return Transition{}, err
	}
	t, err := e.advance(ctx, sessionID, func(p *domain.RoundPlan) (*domain.Round, error) {
		r := p.Active()
		if r == nil {
			return nil, ErrNoActiveRound
		}
		return r, nil
	})
	if err != nil {
		return t, err
	}

	payload := forceAdvancedPayload{Reason: reason}
	if t.Next != nil {
		payload.NextRound = t.Next.Number
	}
	e.logger.Info("Round force-advanced", "session_id", sessionID, "round_number", t.Completed.Number, "reason", reason)
	e.log.EmitAfterWrite(ctx, rc, sessionID, domain.EventRoundForceAdvanced, t.Completed.Number, payload)
	e.afterAdvance(ctx, rc, sessionID, t)
	return t, nil
}

// ForceStop aborts the session through the supervisor.
func (e *Engine) ForceStop(ctx context.Context, rc identity.RequestContext, sessionID, reason string) (supervisor.Result, error) {
	return e.supervisor.ForceStop(ctx, rc, sessionID, reason)
}

// advance completes the round chosen by pick and activates its successor.
func (e *Engine) advance(ctx context.Context, sessionID string, pick func(p *domain.RoundPlan) (*domain.Round, error)) (Transition, error) {
	if _, err := e.store.GetSession(ctx, sessionID); err != nil {
		return Transition{}, err
	}

	now := e.now()
	var completed, next int
	res, err := e.plans.Mutate(ctx, sessionID, func(p *domain.RoundPlan) error {
		completed, next = 0, 0
		r, err := pick(p)
		if err != nil {
			return err
		}
		r.Status = domain.RoundCompleted
		r.CompletedAt = &now
		completed = r.Number
		if nr := p.NextPending(r.Number); nr != nil {
			nr.Status = domain.RoundActive
			nr.StartedAt = &now
			next = nr.Number
		}
		return nil
	})
	if err != nil {
		return Transition{}, err
	}
	if !res.Changed {
		session, err := e.store.GetSession(ctx, sessionID)
		if err != nil {
			return Transition{}, err
		}
		return Transition{NoOp: true, SessionStatus: session.Status}, nil
	}

	t := Transition{Completed: res.Plan.Round(completed)}
	if next > 0 {
		t.Next = res.Plan.Round(next)
		e.markLive(ctx, sessionID)
	} else if _, err := e.store.UpdateSessionStatus(ctx, sessionID, domain.SessionCompleted, domain.SessionScheduled, domain.SessionLive); err != nil {
		e.logger.Error("Failed to mark session completed", "session_id", sessionID, "error", err)
	}
	if session, err := e.store.GetSession(ctx, sessionID); err == nil {
		t.SessionStatus = session.Status
	}
	return t, nil
}

func (e *Engine) afterAdvance(ctx context.Context, rc identity.RequestContext, sessionID string, t Transition) {
	if t.Next != nil {
		e.log.EmitAfterWrite(ctx, rc, sessionID, domain.EventRoundStarted, t.Next.Number, roundStartedPayload{
			RoundType: t.Next.Type,
			StartedAt: *t.Next.StartedAt,
			Automatic: true,
		})
	}
	if e.queue == nil {
		return
	}
	if err := e.queue.EnqueueScoring(ctx, sessionID, t.Completed.Number); err != nil {
		e.logger.Error("Failed to enqueue scoring",
			"session_id", sessionID,
			"round_number", t.Completed.Number,
			"error", err)
	}
}

// markLive moves a scheduled session to live. Terminal sessions are untouched.
func (e *Engine) markLive(ctx context.Context, sessionID string) {
	if _, err := e.store.UpdateSessionStatus(ctx, sessionID, domain.SessionLive, domain.SessionScheduled); err != nil {
		e.logger.Error("Failed to mark session live", "session_id", sessionID, "error", err)
	}
}

func (e *Engine) openSession(ctx context.Context, sessionID string) (*domain.Session, error) {
	session, err := e.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if session.Status.IsTerminal() {
		return nil, fmt.Errorf("%w: %s", ErrSessionClosed, session.Status)
	}
	return session, nil
}

// Submission is a candidate artifact for a round.
type Submission struct {
	Kind    domain.ArtifactKind `json:"kind"`
	Content string              `json:"content"`
	Final   bool                `json:"final"`
}

// SubmitResult is returned by SubmitArtifact.
type SubmitResult struct {
	Artifact   *domain.Artifact `json:"artifact"`
	Transition *Transition      `json:"transition,omitempty"`
}

// SubmitArtifact stores a new revision of the round's artifact. A final
// submission completes the round the same way a timer auto-submit does.
func (e *Engine) SubmitArtifact(ctx context.Context, rc identity.RequestContext, sessionID string, n int, sub Submission) (SubmitResult, error) {
	if err := identity.Authorize(ctx, e.gate, rc, identity.RoleCandidate, identity.RoleInterviewer); err != nil {
		return SubmitResult{}, err
	}
	if sub.Kind == "" {
		sub.Kind = domain.ArtifactText
	}
	if !sub.Kind.IsValid() {
		return SubmitResult{}, domain.Invalidf("unknown artifact kind %q", sub.Kind)
	}
	if _, err := e.openSession(ctx, sessionID); err != nil {
		return SubmitResult{}, err
	}

	p, err := e.plans.Get(ctx, sessionID)
	if err != nil {
		return SubmitResult{}, err
	}
	r := p.Round(n)
	if r == nil {
		return SubmitResult{}, fmt.Errorf("%w: %d", ErrRoundNotFound, n)
	}
	if r.Status != domain.RoundActive {
		return SubmitResult{}, fmt.Errorf("%w: %d is %s", ErrRoundNotActive, n, r.Status)
	}

	latest, err := e.store.LatestArtifact(ctx, sessionID, n)
	switch {
	case err == nil && latest.ScoredAt != nil:
		return SubmitResult{}, fmt.Errorf("%w: round %d", ErrArtifactScored, n)
	case err != nil && !errors.Is(err, store.ErrNotFound):
		return SubmitResult{}, err
	}

	artifact := &domain.Artifact{
		SessionID:   sessionID,
		RoundNumber: n,
		Kind:        sub.Kind,
		Content:     sub.Content,
		Final:       sub.Final,
		SubmittedBy: rc.Identity,
		SubmittedAt: e.now(),
	}
	if err := e.store.SaveArtifact(ctx, artifact); err != nil {
		return SubmitResult{}, fmt.Errorf("save artifact: %w", err)
	}
	e.log.EmitAfterWrite(ctx, rc, sessionID, domain.EventArtifactSubmitted, n, artifactSubmittedPayload{
		Revision: artifact.Revision,
		Kind:     artifact.Kind,
		Final:    artifact.Final,
		Chars:    len([]rune(artifact.Content)),
	})

	result := SubmitResult{Artifact: artifact}
	if !sub.Final {
		return result, nil
	}
	t, err := e.CompleteRound(ctx, rc, sessionID, n)
	if err != nil {
		return result, err
	}
	result.Transition = &t
	return result, nil
}
