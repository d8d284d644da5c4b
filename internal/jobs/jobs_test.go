package jobs

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/ashureev/livepanel/internal/difficulty"
	"github.com/ashureev/livepanel/internal/domain"
	"github.com/ashureev/livepanel/internal/store"
)

func openStore(t *testing.T) *store.SQLiteStore {
	t.Helper()
	s, err := store.NewSQLite(context.Background(), filepath.Join(t.TempDir(), "jobs.db"))
	if err != nil {
		t.Fatalf("NewSQLite() error = %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestBackoff(t *testing.T) {
	t.Parallel()
	p := RetryPolicy{MaxAttempts: 10, BaseDelay: time.Second, MaxDelay: 5 * time.Second}
	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{1, time.Second},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
		{4, 5 * time.Second},
		{9, 5 * time.Second},
	}
	for _, tt := range tests {
		if got := p.Backoff(tt.attempt); got != tt.want {
			t.Errorf("Backoff(%d) = %v, want %v", tt.attempt, got, tt.want)
		}
	}
}

func TestDecodeJobRejectsIncomplete(t *testing.T) {
	t.Parallel()
	if _, err := decodeJob([]byte(`{"session_id":"s"}`)); err == nil {
		t.Fatal("decodeJob() accepted a job without a round")
	}
	data, err := encodeJob(Job{SessionID: "s", RoundNumber: 2, Attempt: 3})
	if err != nil {
		t.Fatalf("encodeJob() error = %v", err)
	}
	job, err := decodeJob(data)
	if err != nil || job.RoundNumber != 2 || job.Attempt != 3 {
		t.Fatalf("decodeJob() = %+v, %v", job, err)
	}
}

func TestOutboxRunsQueuedJobs(t *testing.T) {
	t.Parallel()
	st := openStore(t)
	q := NewOutboxQueue(st, OutboxConfig{PollInterval: 10 * time.Millisecond}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Queued before the worker starts so the duplicate collapses.
	for _, n := range []int{1, 2, 2} {
		if err := q.EnqueueScoring(ctx, "sess-1", n); err != nil {
			t.Fatalf("EnqueueScoring() error = %v", err)
		}
	}

	var mu sync.Mutex
	seen := map[int]int{}
	done := make(chan struct{}, 4)
	go func() {
		_ = q.Run(ctx, func(_ context.Context, job Job) error {
			mu.Lock()
			seen[job.RoundNumber]++
			mu.Unlock()
			done <- struct{}{}
			return nil
		})
	}()

	for i := 0; i < 2; i++ {
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for jobs")
		}
	}

	mu.Lock()
	defer mu.Unlock()
	if seen[1] != 1 || seen[2] != 1 {
		t.Fatalf("handled = %v, want each round once", seen)
	}
}

func TestOutboxDeadLettersAfterMaxAttempts(t *testing.T) {
	t.Parallel()
	st := openStore(t)
	q := NewOutboxQueue(st, OutboxConfig{
		PollInterval: 5 * time.Millisecond,
		Retry:        RetryPolicy{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond},
	}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := q.EnqueueScoring(ctx, "sess-1", 1); err != nil {
		t.Fatalf("EnqueueScoring() error = %v", err)
	}

	var mu sync.Mutex
	attempts := []int{}
	go func() {
		_ = q.Run(ctx, func(_ context.Context, job Job) error {
			mu.Lock()
			attempts = append(attempts, job.Attempt)
			mu.Unlock()
			return errors.New("evaluator down")
		})
	}()

	deadline := time.Now().Add(3 * time.Second)
	for {
		dead, err := st.ListScoringJobs(ctx, store.JobDead, 10)
		if err != nil {
			t.Fatalf("ListScoringJobs() error = %v", err)
		}
		if len(dead) == 1 {
			if dead[0].AttemptCount != 3 || dead[0].LastError != "evaluator down" {
				t.Fatalf("dead job = %+v", dead[0])
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("job never dead-lettered")
		}
		time.Sleep(5 * time.Millisecond)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(attempts) != 3 || attempts[0] != 1 || attempts[2] != 3 {
		t.Fatalf("attempts = %v, want [1 2 3]", attempts)
	}
}

func TestOutboxRecoversHandlerPanic(t *testing.T) {
	t.Parallel()
	err := runHandler(context.Background(), func(context.Context, Job) error { panic("boom") }, Job{})
	if err == nil {
		t.Fatal("runHandler() swallowed a panic without an error")
	}
}

type fakeScorer struct {
	score *domain.Score
	err   error
}

func (f *fakeScorer) Run(context.Context, string, int) (*domain.Score, error) { return f.score, f.err }

type fakeAdapter struct{ calls int }

func (f *fakeAdapter) Adapt(context.Context, *domain.Score) (*difficulty.Adaptation, error) {
	f.calls++
	return nil, nil
}

type fakeSessions struct{ status domain.SessionStatus }

func (f fakeSessions) GetSession(_ context.Context, id string) (*domain.Session, error) {
	return &domain.Session{ID: id, Status: f.status}, nil
}

func TestScoreAndAdapt(t *testing.T) {
	t.Parallel()
	score := &domain.Score{SessionID: "sess-1", RoundNumber: 1, Overall: 90}
	tests := []struct {
		name      string
		scorer    *fakeScorer
		status    domain.SessionStatus
		wantErr   bool
		wantAdapt int
	}{
		{"adapts live session", &fakeScorer{score: score}, domain.SessionLive, false, 1},
		{"skips aborted session", &fakeScorer{score: score}, domain.SessionAborted, false, 0},
		{"scoring error retries", &fakeScorer{err: errors.New("db locked")}, domain.SessionLive, true, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			adapter := &fakeAdapter{}
			h := ScoreAndAdapt(tt.scorer, adapter, fakeSessions{status: tt.status}, nil)
			err := h(context.Background(), Job{SessionID: "sess-1", RoundNumber: 1})
			if (err != nil) != tt.wantErr {
				t.Fatalf("handler error = %v, wantErr %v", err, tt.wantErr)
			}
			if adapter.calls != tt.wantAdapt {
				t.Fatalf("adapter calls = %d, want %d", adapter.calls, tt.wantAdapt)
			}
		})
	}
}
