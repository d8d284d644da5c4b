package store

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/ashureev/livepanel/internal/domain"
)

func openTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLite(context.Background(), filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("NewSQLite() error = %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func seedSession(t *testing.T, s *SQLiteStore, id string) *domain.RoundPlan {
	t.Helper()
	now := time.Now().UTC()
	session := &domain.Session{
		ID: id, Status: domain.SessionScheduled, CandidateID: "cand-1", JobID: "job-1",
		Track: "product_manager", CreatedAt: now, UpdatedAt: now,
	}
	plan := &domain.RoundPlan{
		SessionID: id,
		Rounds: []domain.Round{
			{Number: 1, Type: domain.RoundVoice, Status: domain.RoundPending, DurationMinutes: 30},
			{Number: 2, Type: domain.RoundText, Status: domain.RoundPending, DurationMinutes: 20},
		},
		UpdatedAt: now,
	}
	if err := s.CreateSession(context.Background(), session, plan); err != nil {
		t.Fatalf("CreateSession() error = %v", err)
	}
	return plan
}

func TestMigrationsAreIdempotent(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "twice.db")
	for i := 0; i < 2; i++ {
		s, err := NewSQLite(context.Background(), path)
		if err != nil {
			t.Fatalf("open #%d: %v", i, err)
		}
		_ = s.Close()
	}
}

func TestSessionRoundTrip(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	ctx := context.Background()
	seedSession(t, s, "sess-1")

	got, err := s.GetSession(ctx, "sess-1")
	if err != nil {
		t.Fatalf("GetSession() error = %v", err)
	}
	if got.Status != domain.SessionScheduled || got.Track != "product_manager" {
		t.Fatalf("unexpected session: %+v", got)
	}

	if _, err := s.GetSession(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("GetSession(missing) error = %v, want ErrNotFound", err)
	}
}

func TestUpdateSessionStatusIsConditional(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	ctx := context.Background()
	seedSession(t, s, "sess-1")

	changed, err := s.UpdateSessionStatus(ctx, "sess-1", domain.SessionLive, domain.SessionScheduled)
	if err != nil || !changed {
		t.Fatalf("scheduled->live changed=%v err=%v", changed, err)
	}
	changed, err = s.UpdateSessionStatus(ctx, "sess-1", domain.SessionLive, domain.SessionScheduled)
	if err != nil || changed {
		t.Fatalf("repeat transition changed=%v err=%v, want no change", changed, err)
	}
	if _, err := s.UpdateSessionStatus(ctx, "missing", domain.SessionLive, domain.SessionScheduled); !errors.Is(err, ErrNotFound) {
		t.Fatalf("missing session error = %v, want ErrNotFound", err)
	}
}

func TestPutPlanCompareAndSwap(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	ctx := context.Background()
	seedSession(t, s, "sess-1")

	a, err := s.GetPlan(ctx, "sess-1")
	if err != nil {
		t.Fatalf("GetPlan() error = %v", err)
	}
	b, _ := s.GetPlan(ctx, "sess-1")
	if a.Version != 1 {
		t.Fatalf("initial version = %d, want 1", a.Version)
	}

	a.Rounds[0].Status = domain.RoundActive
	if err := s.PutPlan(ctx, a, 1); err != nil {
		t.Fatalf("first PutPlan() error = %v", err)
	}
	if a.Version != 2 {
		t.Fatalf("version after write = %d, want 2", a.Version)
	}

	b.Rounds[0].Status = domain.RoundSkipped
	if err := s.PutPlan(ctx, b, 1); !errors.Is(err, ErrVersionConflict) {
		t.Fatalf("stale PutPlan() error = %v, want ErrVersionConflict", err)
	}

	got, _ := s.GetPlan(ctx, "sess-1")
	if got.Rounds[0].Status != domain.RoundActive {
		t.Fatalf("stale writer clobbered plan: %+v", got.Rounds[0])
	}

	missing := &domain.RoundPlan{SessionID: "missing"}
	if err := s.PutPlan(ctx, missing, 1); !errors.Is(err, ErrNotFound) {
		t.Fatalf("PutPlan(missing) error = %v, want ErrNotFound", err)
	}
}

func TestAppendEventAssignsMonotonicSeq(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	ctx := context.Background()
	seedSession(t, s, "sess-1")

	const writers = 16
	var wg sync.WaitGroup
	errs := make(chan error, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			evt, err := domain.NewEvent("sess-1", domain.EventInterviewerAction, domain.ActorInterviewer, 1, map[string]int{"i": i})
			if err != nil {
				errs <- err
				return
			}
			errs <- s.AppendEvent(ctx, &evt)
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("AppendEvent() error = %v", err)
		}
	}

	events, err := s.QueryEvents(ctx, "sess-1", EventFilter{})
	if err != nil {
		t.Fatalf("QueryEvents() error = %v", err)
	}
	if len(events) != writers {
		t.Fatalf("got %d events, want %d", len(events), writers)
	}
	for i, evt := range events {
		if evt.Seq != int64(i+1) {
			t.Fatalf("event %d seq = %d, want %d", i, evt.Seq, i+1)
		}
		if i > 0 && evt.CreatedAt.Before(events[i-1].CreatedAt) {
			t.Fatalf("created_at went backwards at seq %d", evt.Seq)
		}
	}
}

func TestQueryEventsFilters(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	ctx := context.Background()
	seedSession(t, s, "sess-1")

	appendEvt := func(typ domain.EventType, round int) {
		t.Helper()
		evt, _ := domain.NewEvent("sess-1", typ, domain.ActorSystem, round, nil)
		if err := s.AppendEvent(ctx, &evt); err != nil {
			t.Fatalf("AppendEvent() error = %v", err)
		}
	}
	appendEvt(domain.EventRoundStarted, 1)
	appendEvt(domain.EventInterviewerAction, 1)
	appendEvt(domain.EventRoundCompleted, 1)
	appendEvt(domain.EventRoundStarted, 2)
	appendEvt(domain.EventInterviewerAction, 2)

	actions, err := s.QueryEvents(ctx, "sess-1", EventFilter{Types: []domain.EventType{domain.EventInterviewerAction}})
	if err != nil || len(actions) != 2 {
		t.Fatalf("type filter got %d events err=%v, want 2", len(actions), err)
	}

	round2, _ := s.QueryEvents(ctx, "sess-1", EventFilter{RoundNumber: 2})
	if len(round2) != 2 {
		t.Fatalf("round filter got %d events, want 2", len(round2))
	}

	latest, _ := s.QueryEvents(ctx, "sess-1", EventFilter{Descending: true, Limit: 1})
	if len(latest) != 1 || latest[0].Seq != 5 {
		t.Fatalf("descending limit got %+v, want seq 5", latest)
	}

	after, _ := s.QueryEvents(ctx, "sess-1", EventFilter{AfterSeq: 3})
	if len(after) != 2 || after[0].Seq != 4 {
		t.Fatalf("after filter got %+v", after)
	}
}

func TestArtifactRevisions(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	ctx := context.Background()
	seedSession(t, s, "sess-1")

	for i, content := range []string{"draft", "final answer"} {
		a := &domain.Artifact{SessionID: "sess-1", RoundNumber: 2, Kind: domain.ArtifactText, Content: content}
		if err := s.SaveArtifact(ctx, a); err != nil {
			t.Fatalf("SaveArtifact() error = %v", err)
		}
		if a.Revision != i+1 {
			t.Fatalf("revision = %d, want %d", a.Revision, i+1)
		}
	}

	latest, err := s.LatestArtifact(ctx, "sess-1", 2)
	if err != nil {
		t.Fatalf("LatestArtifact() error = %v", err)
	}
	if latest.Content != "final answer" || latest.ScoredAt != nil {
		t.Fatalf("unexpected latest artifact: %+v", latest)
	}

	if err := s.MarkArtifactScored(ctx, "sess-1", 2, latest.Revision, time.Now()); err != nil {
		t.Fatalf("MarkArtifactScored() error = %v", err)
	}
	latest, _ = s.LatestArtifact(ctx, "sess-1", 2)
	if latest.ScoredAt == nil {
		t.Fatal("expected scored_at to be set")
	}

	if _, err := s.LatestArtifact(ctx, "sess-1", 1); !errors.Is(err, ErrNotFound) {
		t.Fatalf("LatestArtifact(empty round) error = %v, want ErrNotFound", err)
	}
}

func TestScoreUpsert(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	ctx := context.Background()
	seedSession(t, s, "sess-1")

	score := &domain.Score{
		SessionID: "sess-1", RoundNumber: 1, Overall: 82,
		Dimensions: map[string]domain.DimensionScore{
			"discovery": {Score: 25, Max: 30, Evidence: []string{"I asked five questions"}},
		},
		Confidence:     0.8,
		EvidenceQuotes: []string{"I asked five questions"},
		Recommendation: domain.RecommendProceed,
	}
	if err := s.UpsertScore(ctx, score); err != nil {
		t.Fatalf("UpsertScore() error = %v", err)
	}

	score.Overall = 60
	score.OverriddenBy = "iv-1"
	if err := s.UpsertScore(ctx, score); err != nil {
		t.Fatalf("second UpsertScore() error = %v", err)
	}

	got, err := s.GetScore(ctx, "sess-1", 1)
	if err != nil {
		t.Fatalf("GetScore() error = %v", err)
	}
	if got.Overall != 60 || got.OverriddenBy != "iv-1" {
		t.Fatalf("unexpected score: %+v", got)
	}
	if got.Dimensions["discovery"].Score != 25 || len(got.RedFlags) != 0 {
		t.Fatalf("unexpected dimensions or flags: %+v", got)
	}
}

func TestScoringJobLifecycle(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	inserted, err := s.EnqueueScoringJob(ctx, "sess-1", 1, now)
	if err != nil || !inserted {
		t.Fatalf("EnqueueScoringJob() inserted=%v err=%v", inserted, err)
	}
	inserted, _ = s.EnqueueScoringJob(ctx, "sess-1", 1, now)
	if inserted {
		t.Fatal("duplicate enqueue should be ignored")
	}

	jobs, err := s.ClaimScoringJobs(ctx, now, time.Minute, 10)
	if err != nil || len(jobs) != 1 {
		t.Fatalf("ClaimScoringJobs() got %d err=%v, want 1", len(jobs), err)
	}
	again, _ := s.ClaimScoringJobs(ctx, now, time.Minute, 10)
	if len(again) != 0 {
		t.Fatalf("leased job claimed twice: %+v", again)
	}

	if err := s.RetryScoringJob(ctx, jobs[0], now, now.Add(time.Second), "boom", 2); err != nil {
		t.Fatalf("RetryScoringJob() error = %v", err)
	}
	summary, _ := s.ScoringJobSummary(ctx)
	if summary.Failed != 1 {
		t.Fatalf("summary = %+v, want 1 failed", summary)
	}

	jobs, _ = s.ClaimScoringJobs(ctx, now.Add(2*time.Second), time.Minute, 10)
	if len(jobs) != 1 || jobs[0].AttemptCount != 1 {
		t.Fatalf("retry claim got %+v", jobs)
	}
	if err := s.RetryScoringJob(ctx, jobs[0], now, now.Add(time.Second), "boom again", 2); err != nil {
		t.Fatalf("RetryScoringJob() error = %v", err)
	}
	dead, _ := s.ListScoringJobs(ctx, JobDead, 10)
	if len(dead) != 1 || dead[0].LastError != "boom again" {
		t.Fatalf("dead jobs = %+v", dead)
	}
}

func TestClaimReclaimsExpiredLease(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	if _, err := s.EnqueueScoringJob(ctx, "sess-1", 2, now); err != nil {
		t.Fatalf("EnqueueScoringJob() error = %v", err)
	}
	if jobs, _ := s.ClaimScoringJobs(ctx, now, time.Minute, 1); len(jobs) != 1 {
		t.Fatal("expected first claim")
	}
	jobs, err := s.ClaimScoringJobs(ctx, now.Add(2*time.Minute), time.Minute, 1)
	if err != nil || len(jobs) != 1 {
		t.Fatalf("reclaim got %d err=%v, want 1", len(jobs), err)
	}
	if err := s.CompleteScoringJob(ctx, jobs[0]); err != nil {
		t.Fatalf("CompleteScoringJob() error = %v", err)
	}
	summary, _ := s.ScoringJobSummary(ctx)
	if summary != (JobSummary{}) {
		t.Fatalf("summary after complete = %+v, want empty", summary)
	}
}
