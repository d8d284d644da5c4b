package rounds

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/ashureev/livepanel/internal/catalog"
	"github.com/ashureev/livepanel/internal/domain"
	"github.com/ashureev/livepanel/internal/eventlog"
	"github.com/ashureev/livepanel/internal/identity"
	"github.com/ashureev/livepanel/internal/plan"
	"github.com/ashureev/livepanel/internal/store"
	"github.com/ashureev/livepanel/internal/supervisor"
)

var (
	interviewer = identity.RequestContext{Identity: "iv-1", Role: identity.RoleInterviewer}
	candidate   = identity.RequestContext{Identity: "cand-1", Role: identity.RoleCandidate}
)

type recordingQueue struct {
	mu     sync.Mutex
	rounds []int
}

func (q *recordingQueue) EnqueueScoring(_ context.Context, _ string, n int) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.rounds = append(q.rounds, n)
	return nil
}

type harness struct {
	store  *store.SQLiteStore
	log    *eventlog.Log
	plans  *plan.Mutator
	engine *Engine
	queue  *recordingQueue
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	ctx := context.Background()
	st, err := store.NewSQLite(ctx, filepath.Join(t.TempDir(), "rounds.db"))
	if err != nil {
		t.Fatalf("NewSQLite() error = %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	cat, err := catalog.Default()
	if err != nil {
		t.Fatalf("catalog.Default() error = %v", err)
	}
	log := eventlog.New(st, nil, nil)
	plans := plan.NewMutator(st, 10)
	q := &recordingQueue{}
	e := NewEngine(Config{
		Store:      st,
		Plans:      plans,
		Log:        log,
		Supervisor: supervisor.New(st, plans, log, nil, nil),
		Catalog:    cat,
		Queue:      q,
	})
	return &harness{store: st, log: log, plans: plans, engine: e, queue: q}
}

func (h *harness) create(t *testing.T, types ...domain.RoundType) string {
	t.Helper()
	in := NewSession{CandidateID: "cand-1", Track: "software_engineer"}
	for _, typ := range types {
		in.Rounds = append(in.Rounds, RoundSpec{Type: typ, DurationMinutes: 20})
	}
	session, rp, err := h.engine.CreateSession(context.Background(), interviewer, in)
	if err != nil {
		t.Fatalf("CreateSession() error = %v", err)
	}
	if session.Status != domain.SessionScheduled || len(rp.Rounds) != len(types) {
		t.Fatalf("created %+v with %d rounds", session, len(rp.Rounds))
	}
	return session.ID
}

func (h *harness) count(t *testing.T, id string, typ domain.EventType) int {
	t.Helper()
	events, err := h.log.Query(context.Background(), id, store.EventFilter{Types: []domain.EventType{typ}})
	if err != nil {
		t.Fatalf("Query() error = %v", err)
	}
	return len(events)
}

func (h *harness) status(t *testing.T, id string) domain.SessionStatus {
	t.Helper()
	s, err := h.store.GetSession(context.Background(), id)
	if err != nil {
		t.Fatalf("GetSession() error = %v", err)
	}
	return s.Status
}

func TestCreateSessionValidation(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	good := []RoundSpec{{Type: domain.RoundText, DurationMinutes: 10}}
	tests := []struct {
		name string
		rc   identity.RequestContext
		in   NewSession
		want error
	}{
		{"candidate may not create", candidate, NewSession{CandidateID: "c", Rounds: good}, identity.ErrForbidden},
		{"missing candidate", interviewer, NewSession{Rounds: good}, domain.ErrValidation},
		{"no rounds", interviewer, NewSession{CandidateID: "c"}, domain.ErrValidation},
		{"unknown type", interviewer, NewSession{CandidateID: "c", Rounds: []RoundSpec{{Type: "hologram", DurationMinutes: 5}}}, domain.ErrValidation},
		{"zero duration", interviewer, NewSession{CandidateID: "c", Rounds: []RoundSpec{{Type: domain.RoundText}}}, domain.ErrValidation},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, _, err := h.engine.CreateSession(context.Background(), tt.rc, tt.in); !errors.Is(err, tt.want) {
				t.Fatalf("CreateSession() error = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestCreateSessionDefaultsTrack(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	session, _, err := h.engine.CreateSession(context.Background(), interviewer, NewSession{
		CandidateID: "cand-1",
		Rounds:      []RoundSpec{{Type: domain.RoundVoice, DurationMinutes: 5}},
	})
	if err != nil {
		t.Fatalf("CreateSession() error = %v", err)
	}
	if session.Track != catalog.DefaultTrack {
		t.Fatalf("track = %q, want %q", session.Track, catalog.DefaultTrack)
	}
	if n := h.count(t, session.ID, domain.EventSessionCreated); n != 1 {
		t.Fatalf("session_created events = %d, want 1", n)
	}
}

func TestStartRoundOrdering(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := context.Background()
	id := h.create(t, domain.RoundVoice, domain.RoundText)

	if _, err := h.engine.StartRound(ctx, candidate, id, 2); !errors.Is(err, ErrEarlierRoundsPending) {
		t.Fatalf("StartRound(2) error = %v, want ErrEarlierRoundsPending", err)
	}
	if _, err := h.engine.StartRound(ctx, candidate, id, 7); !errors.Is(err, ErrRoundNotFound) {
		t.Fatalf("StartRound(7) error = %v, want ErrRoundNotFound", err)
	}
	r, err := h.engine.StartRound(ctx, candidate, id, 1)
	if err != nil {
		t.Fatalf("StartRound(1) error = %v", err)
	}
	if r.Status != domain.RoundActive || r.StartedAt == nil {
		t.Fatalf("started round = %+v", r)
	}
	if got := h.status(t, id); got != domain.SessionLive {
		t.Fatalf("session status = %s, want live", got)
	}
	if _, err := h.engine.StartRound(ctx, candidate, id, 1); !errors.Is(err, ErrRoundAlreadyActive) {
		t.Fatalf("second StartRound(1) error = %v, want ErrRoundAlreadyActive", err)
	}
}

func TestCompleteRoundAdvancesAndIsIdempotent(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := context.Background()
	id := h.create(t, domain.RoundVoice, domain.RoundText, domain.RoundCode)

	if _, err := h.engine.CompleteRound(ctx, candidate, id, 1); !errors.Is(err, ErrRoundNotActive) {
		t.Fatalf("CompleteRound on pending round error = %v, want ErrRoundNotActive", err)
	}
	if _, err := h.engine.StartRound(ctx, candidate, id, 1); err != nil {
		t.Fatalf("StartRound() error = %v", err)
	}

	tr, err := h.engine.CompleteRound(ctx, candidate, id, 1)
	if err != nil {
		t.Fatalf("CompleteRound() error = %v", err)
	}
	if tr.NoOp || tr.Completed.Number != 1 || tr.Next == nil || tr.Next.Number != 2 {
		t.Fatalf("transition = %+v", tr)
	}
	if tr.Next.Status != domain.RoundActive || tr.SessionStatus != domain.SessionLive {
		t.Fatalf("next = %+v session = %s", tr.Next, tr.SessionStatus)
	}

	again, err := h.engine.CompleteRound(ctx, candidate, id, 1)
	if err != nil {
		t.Fatalf("repeated CompleteRound() error = %v", err)
	}
	if !again.NoOp {
		t.Fatalf("repeated CompleteRound() = %+v, want no-op", again)
	}
	if n := h.count(t, id, domain.EventRoundCompleted); n != 1 {
		t.Fatalf("round_completed events = %d, want 1", n)
	}
	// Manual start of round 1 plus the automatic start of round 2.
	if n := h.count(t, id, domain.EventRoundStarted); n != 2 {
		t.Fatalf("round_started events = %d, want 2", n)
	}
	if len(h.queue.rounds) != 1 || h.queue.rounds[0] != 1 {
		t.Fatalf("enqueued = %v, want [1]", h.queue.rounds)
	}
}

func TestFinalRoundCompletesSession(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := context.Background()
	id := h.create(t, domain.RoundText)

	if _, err := h.engine.StartRound(ctx, candidate, id, 1); err != nil {
		t.Fatalf("StartRound() error = %v", err)
	}
	tr, err := h.engine.CompleteRound(ctx, candidate, id, 1)
	if err != nil {
		t.Fatalf("CompleteRound() error = %v", err)
	}
	if tr.Next != nil || tr.SessionStatus != domain.SessionCompleted {
		t.Fatalf("transition = %+v, want session completed", tr)
	}
	if _, err := h.engine.StartRound(ctx, candidate, id, 1); !errors.Is(err, ErrSessionClosed) {
		t.Fatalf("StartRound after completion error = %v, want ErrSessionClosed", err)
	}
}

func TestForceAdvance(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := context.Background()
	id := h.create(t, domain.RoundVoice, domain.RoundEmail)

	if _, err := h.engine.ForceAdvance(ctx, interviewer, id, "stalled"); !errors.Is(err, ErrNoActiveRound) {
		t.Fatalf("ForceAdvance without active round error = %v, want ErrNoActiveRound", err)
	}
	if _, err := h.engine.StartRound(ctx, interviewer, id, 1); err != nil {
		t.Fatalf("StartRound() error = %v", err)
	}
	if _, err := h.engine.ForceAdvance(ctx, candidate, id, "skip"); !errors.Is(err, identity.ErrForbidden) {
		t.Fatalf("candidate ForceAdvance error = %v, want ErrForbidden", err)
	}

	tr, err := h.engine.ForceAdvance(ctx, interviewer, id, "stalled")
	if err != nil {
		t.Fatalf("ForceAdvance() error = %v", err)
	}
	if tr.Completed.Number != 1 || tr.Next == nil || tr.Next.Number != 2 {
		t.Fatalf("transition = %+v", tr)
	}
	events, err := h.log.Query(ctx, id, store.EventFilter{Types: []domain.EventType{domain.EventRoundForceAdvanced}})
	if err != nil || len(events) != 1 {
		t.Fatalf("force-advanced events = %d, %v", len(events), err)
	}
	var payload forceAdvancedPayload
	if err := events[0].DecodePayload(&payload); err != nil {
		t.Fatalf("DecodePayload() error = %v", err)
	}
	if payload.Reason != "stalled" || payload.NextRound != 2 || events[0].RoundNumber != 1 {
		t.Fatalf("payload = %+v round = %d", payload, events[0].RoundNumber)
	}
}

func TestSubmitArtifact(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := context.Background()
	id := h.create(t, domain.RoundEmail, domain.RoundText)

	if _, err := h.engine.SubmitArtifact(ctx, candidate, id, 1, Submission{Content: "draft"}); !errors.Is(err, ErrRoundNotActive) {
		t.Fatalf("submit to pending round error = %v, want ErrRoundNotActive", err)
	}
	if _, err := h.engine.StartRound(ctx, candidate, id, 1); err != nil {
		t.Fatalf("StartRound() error = %v", err)
	}
	if _, err := h.engine.SubmitArtifact(ctx, candidate, id, 1, Submission{Kind: "fax"}); !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("unknown kind error = %v, want ErrValidation", err)
	}

	first, err := h.engine.SubmitArtifact(ctx, candidate, id, 1, Submission{Kind: domain.ArtifactText, Content: "Hi team,"})
	if err != nil {
		t.Fatalf("SubmitArtifact() error = %v", err)
	}
	if first.Transition != nil || first.Artifact.Revision != 1 {
		t.Fatalf("draft result = %+v", first)
	}
	final, err := h.engine.SubmitArtifact(ctx, candidate, id, 1, Submission{Kind: domain.ArtifactText, Content: "Hi team, here is the plan.", Final: true})
	if err != nil {
		t.Fatalf("final SubmitArtifact() error = %v", err)
	}
	if final.Artifact.Revision != 2 || final.Transition == nil || final.Transition.Next.Number != 2 {
		t.Fatalf("final result = %+v", final)
	}
	if n := h.count(t, id, domain.EventArtifactSubmitted); n != 2 {
		t.Fatalf("artifact_submitted events = %d, want 2", n)
	}
}

func TestSubmitArtifactRejectsScoredRevision(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := context.Background()
	id := h.create(t, domain.RoundText)
	if _, err := h.engine.StartRound(ctx, candidate, id, 1); err != nil {
		t.Fatalf("StartRound() error = %v", err)
	}
	res, err := h.engine.SubmitArtifact(ctx, candidate, id, 1, Submission{Content: "first answer"})
	if err != nil {
		t.Fatalf("SubmitArtifact() error = %v", err)
	}
	if err := h.store.MarkArtifactScored(ctx, id, 1, res.Artifact.Revision, time.Now()); err != nil {
		t.Fatalf("MarkArtifactScored() error = %v", err)
	}
	if _, err := h.engine.SubmitArtifact(ctx, candidate, id, 1, Submission{Content: "edited"}); !errors.Is(err, ErrArtifactScored) {
		t.Fatalf("submit after scoring error = %v, want ErrArtifactScored", err)
	}
}

func TestConcurrentCompletionAppliesOnce(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := context.Background()
	id := h.create(t, domain.RoundVoice, domain.RoundText)
	if _, err := h.engine.StartRound(ctx, candidate, id, 1); err != nil {
		t.Fatalf("StartRound() error = %v", err)
	}

	// A candidate auto-submit racing an interviewer force-advance.
	var wg sync.WaitGroup
	results := make([]Transition, 2)
	errs := make([]error, 2)
	wg.Add(2)
	go func() {
		defer wg.Done()
		results[0], errs[0] = h.engine.CompleteRound(ctx, candidate, id, 1)
	}()
	go func() {
		defer wg.Done()
		results[1], errs[1] = h.engine.ForceAdvance(ctx, interviewer, id, "overtime")
	}()
	wg.Wait()

	p, err := h.plans.Get(ctx, id)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if err := p.Validate(); err != nil {
		t.Fatalf("plan invalid after race: %v", err)
	}
	if p.Round(1).Status != domain.RoundCompleted {
		t.Fatalf("round 1 status = %s, want completed", p.Round(1).Status)
	}
	// Either the force-advance completed round 2 as well, or it lost to the
	// completion and then advanced round 2; either way no state was lost.
	applied := 0
	for i := range results {
		if errs[i] == nil && !results[i].NoOp {
			applied++
		}
	}
	if applied == 0 {
		t.Fatalf("no transition applied: %+v %v", results, errs)
	}
	if p.Round(2).Status == domain.RoundPending {
		t.Fatal("round 2 still pending after round 1 completed")
	}
}
