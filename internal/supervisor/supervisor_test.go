package supervisor

import (
	"context"
	"errors"
	"path/filepath"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/ashureev/livepanel/internal/domain"
	"github.com/ashureev/livepanel/internal/eventlog"
	"github.com/ashureev/livepanel/internal/identity"
	"github.com/ashureev/livepanel/internal/plan"
	"github.com/ashureev/livepanel/internal/store"
)

var interviewer = identity.RequestContext{Identity: "iv-1", Role: identity.RoleInterviewer}

type harness struct {
	store *store.SQLiteStore
	log   *eventlog.Log
	plans *plan.Mutator
	sup   *Supervisor
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	ctx := context.Background()
	st, err := store.NewSQLite(ctx, filepath.Join(t.TempDir(), "supervisor.db"))
	if err != nil {
		t.Fatalf("NewSQLite() error = %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	log := eventlog.New(st, nil, nil)
	plans := plan.NewMutator(st, 10)
	return &harness{store: st, log: log, plans: plans, sup: New(st, plans, log, nil, nil)}
}

// seed creates a live session whose first round is done, second active and
// third pending.
func (h *harness) seed(t *testing.T, id string) {
	t.Helper()
	now := time.Now().UTC()
	session := &domain.Session{ID: id, Status: domain.SessionLive, CandidateID: "cand-1", Track: "general", CreatedAt: now, UpdatedAt: now}
	rp := &domain.RoundPlan{
		SessionID: id,
		Rounds: []domain.Round{
			{Number: 1, Type: domain.RoundVoice, Status: domain.RoundCompleted, StartedAt: &now, CompletedAt: &now, DurationMinutes: 10},
			{Number: 2, Type: domain.RoundText, Status: domain.RoundActive, StartedAt: &now, DurationMinutes: 10},
			{Number: 3, Type: domain.RoundCode, Status: domain.RoundPending, DurationMinutes: 10},
		},
		UpdatedAt: now,
	}
	if err := h.store.CreateSession(context.Background(), session, rp); err != nil {
		t.Fatalf("CreateSession() error = %v", err)
	}
}

func (h *harness) stopEvents(t *testing.T, id string) []domain.Event {
	t.Helper()
	events, err := h.log.Query(context.Background(), id, store.EventFilter{Types: []domain.EventType{domain.EventSessionForceStopped}})
	if err != nil {
		t.Fatalf("Query() error = %v", err)
	}
	return events
}

func TestForceStopSkipsOpenRounds(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := context.Background()
	h.seed(t, "sess-1")

	res, err := h.sup.ForceStop(ctx, interviewer, "sess-1", "candidate left")
	if err != nil {
		t.Fatalf("ForceStop() error = %v", err)
	}
	if !res.Stopped || !slices.Equal(res.SkippedRounds, []int{2, 3}) {
		t.Fatalf("result = %+v, want stopped with [2 3]", res)
	}

	p, err := h.plans.Get(ctx, "sess-1")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	want := []domain.RoundStatus{domain.RoundCompleted, domain.RoundSkipped, domain.RoundSkipped}
	for i, r := range p.Rounds {
		if r.Status != want[i] {
			t.Errorf("round %d status = %s, want %s", r.Number, r.Status, want[i])
		}
	}
	session, err := h.store.GetSession(ctx, "sess-1")
	if err != nil {
		t.Fatalf("GetSession() error = %v", err)
	}
	if session.Status != domain.SessionAborted {
		t.Fatalf("session status = %s, want aborted", session.Status)
	}

	events := h.stopEvents(t, "sess-1")
	if len(events) != 1 {
		t.Fatalf("force stop events = %d, want 1", len(events))
	}
	var payload StoppedPayload
	if err := events[0].DecodePayload(&payload); err != nil {
		t.Fatalf("DecodePayload() error = %v", err)
	}
	if payload.Reason != "candidate left" || payload.Actor != "iv-1" || payload.ActorRole != "interviewer" {
		t.Fatalf("payload = %+v", payload)
	}

	again, err := h.sup.ForceStop(ctx, interviewer, "sess-1", "again")
	if err != nil {
		t.Fatalf("second ForceStop() error = %v", err)
	}
	if again.Stopped {
		t.Fatal("second stop reported stopped")
	}
	if n := len(h.stopEvents(t, "sess-1")); n != 1 {
		t.Fatalf("force stop events after second stop = %d, want 1", n)
	}
}

func TestForceStopRequiresInterviewer(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.seed(t, "sess-1")

	cand := identity.RequestContext{Identity: "cand-1", Role: identity.RoleCandidate}
	if _, err := h.sup.ForceStop(context.Background(), cand, "sess-1", "nope"); !errors.Is(err, identity.ErrForbidden) {
		t.Fatalf("ForceStop() error = %v, want ErrForbidden", err)
	}
	session, err := h.store.GetSession(context.Background(), "sess-1")
	if err != nil {
		t.Fatalf("GetSession() error = %v", err)
	}
	if session.Status != domain.SessionLive {
		t.Fatalf("session status = %s, want live", session.Status)
	}
}

func TestForceStopUnknownSession(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	if _, err := h.sup.ForceStop(context.Background(), interviewer, "missing", "x"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("ForceStop() error = %v, want ErrNotFound", err)
	}
}

func TestConcurrentForceStopRecordsOnce(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.seed(t, "sess-1")

	const callers = 8
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		stopped int
	)
	for range callers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := h.sup.ForceStop(context.Background(), interviewer, "sess-1", "panic button")
			if err != nil {
				t.Errorf("ForceStop() error = %v", err)
				return
			}
			if res.Stopped {
				mu.Lock()
				stopped++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if stopped != 1 {
		t.Fatalf("stopped callers = %d, want 1", stopped)
	}
	if n := len(h.stopEvents(t, "sess-1")); n != 1 {
		t.Fatalf("force stop events = %d, want 1", n)
	}
}
