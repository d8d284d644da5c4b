package difficulty

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/ashureev/livepanel/internal/catalog"
	"github.com/ashureev/livepanel/internal/domain"
	"github.com/ashureev/livepanel/internal/eventlog"
	"github.com/ashureev/livepanel/internal/plan"
	"github.com/ashureev/livepanel/internal/store"
)

func newAdapter(t *testing.T, nextConfig domain.RoundConfig) (*Adapter, *store.SQLiteStore) {
	t.Helper()
	ctx := context.Background()
	st, err := store.NewSQLite(ctx, filepath.Join(t.TempDir(), "adapt.db"))
	if err != nil {
		t.Fatalf("NewSQLite() error = %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	now := time.Now().UTC()
	session := &domain.Session{ID: "sess-1", Status: domain.SessionLive, CandidateID: "cand-1", Track: "product_manager", CreatedAt: now, UpdatedAt: now}
	rp := &domain.RoundPlan{
		SessionID: "sess-1",
		Rounds: []domain.Round{
			{Number: 1, Type: domain.RoundText, Status: domain.RoundCompleted, StartedAt: &now, CompletedAt: &now, DurationMinutes: 20},
			{Number: 2, Type: domain.RoundVoice, Status: domain.RoundPending, DurationMinutes: 30, Config: nextConfig},
		},
		UpdatedAt: now,
	}
	if err := st.CreateSession(ctx, session, rp); err != nil {
		t.Fatalf("CreateSession() error = %v", err)
	}
	cat, err := catalog.Default()
	if err != nil {
		t.Fatalf("catalog.Default() error = %v", err)
	}
	return New(st, plan.NewMutator(st, 3), eventlog.New(st, nil, nil), cat, nil), st
}

func adaptationEvents(t *testing.T, st *store.SQLiteStore) int {
	t.Helper()
	events, err := st.QueryEvents(context.Background(), "sess-1", store.EventFilter{Types: []domain.EventType{domain.EventDifficultyAdaptation}})
	if err != nil {
		t.Fatalf("QueryEvents() error = %v", err)
	}
	return len(events)
}

func TestAdaptRaisesDifficulty(t *testing.T) {
	t.Parallel()
	a, st := newAdapter(t, nil)
	ctx := context.Background()

	got, err := a.Adapt(ctx, &domain.Score{SessionID: "sess-1", RoundNumber: 1, Overall: 92})
	if err != nil {
		t.Fatalf("Adapt() error = %v", err)
	}
	if got == nil || got.Direction != "raise" || got.TargetRound != 2 {
		t.Fatalf("Adapt() = %+v", got)
	}
	rp, _ := st.GetPlan(ctx, "sess-1")
	cfg := rp.Round(2).Config
	if cfg.Difficulty() != domain.DefaultDifficulty+1 || cfg.PersonaIntensity() != IntensityAssertive {
		t.Fatalf("round 2 config = %v", cfg)
	}
	if !cfg.WasAdaptedFrom(1) {
		t.Fatalf("adapted_from marker missing: %v", cfg)
	}
	if n := adaptationEvents(t, st); n != 1 {
		t.Fatalf("difficulty_adaptation events = %d, want 1", n)
	}
}

func TestAdaptLowersWithSupportiveHint(t *testing.T) {
	t.Parallel()
	a, st := newAdapter(t, domain.RoundConfig{domain.ConfigDifficulty: 1})
	ctx := context.Background()

	got, err := a.Adapt(ctx, &domain.Score{SessionID: "sess-1", RoundNumber: 1, Overall: 30})
	if err != nil {
		t.Fatalf("Adapt() error = %v", err)
	}
	if got == nil || got.Direction != "lower" {
		t.Fatalf("Adapt() = %+v", got)
	}
	if _, ok := got.Changes[domain.ConfigDifficulty]; ok {
		t.Fatalf("difficulty already at the floor, got change %+v", got.Changes)
	}
	rp, _ := st.GetPlan(ctx, "sess-1")
	if cfg := rp.Round(2).Config; cfg.Difficulty() != 1 || !cfg.SupportiveHint() {
		t.Fatalf("round 2 config = %v", cfg)
	}
}

func TestAdaptMiddleBandIsSilent(t *testing.T) {
	t.Parallel()
	a, st := newAdapter(t, nil)

	got, err := a.Adapt(context.Background(), &domain.Score{SessionID: "sess-1", RoundNumber: 1, Overall: 70})
	if err != nil || got != nil {
		t.Fatalf("Adapt() = %+v, %v; want nil, nil", got, err)
	}
	if n := adaptationEvents(t, st); n != 0 {
		t.Fatalf("difficulty_adaptation events = %d, want 0", n)
	}
}

func TestAdaptIsIdempotentPerSourceRound(t *testing.T) {
	t.Parallel()
	a, st := newAdapter(t, nil)
	ctx := context.Background()
	score := &domain.Score{SessionID: "sess-1", RoundNumber: 1, Overall: 95}

	for i := 0; i < 3; i++ {
		if _, err := a.Adapt(ctx, score); err != nil {
			t.Fatalf("Adapt() #%d error = %v", i, err)
		}
	}
	rp, _ := st.GetPlan(ctx, "sess-1")
	if got := rp.Round(2).Config.Difficulty(); got != domain.DefaultDifficulty+1 {
		t.Fatalf("difficulty = %d, want a single step", got)
	}
	if n := adaptationEvents(t, st); n != 1 {
		t.Fatalf("difficulty_adaptation events = %d, want 1", n)
	}
}

func TestAdaptSkipsDegradedScores(t *testing.T) {
	t.Parallel()
	a, st := newAdapter(t, nil)

	got, err := a.Adapt(context.Background(), &domain.Score{SessionID: "sess-1", RoundNumber: 1, Overall: 0, Degraded: true})
	if err != nil || got != nil {
		t.Fatalf("Adapt() = %+v, %v; want nil, nil", got, err)
	}
	if n := adaptationEvents(t, st); n != 0 {
		t.Fatalf("difficulty_adaptation events = %d, want 0", n)
	}
}

func TestDecideBounds(t *testing.T) {
	t.Parallel()
	p := catalog.AdaptationPolicy{RaiseAt: 85, LowerAt: 50, Step: 2, MinDifficulty: 1, MaxDifficulty: 5}
	tests := []struct {
		name    string
		overall int
		cfg     domain.RoundConfig
		want    any
		nilRes  bool
	}{
		{"raise capped", 90, domain.RoundConfig{domain.ConfigDifficulty: 4}, 5, false},
		{"lower floored", 10, domain.RoundConfig{domain.ConfigDifficulty: 2}, 1, false},
		{"nothing left to change", 90, domain.RoundConfig{domain.ConfigDifficulty: 5, domain.ConfigPersonaIntensity: IntensityAssertive}, nil, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := decide(p, tt.overall, tt.cfg)
			if tt.nilRes {
				if got != nil {
					t.Fatalf("decide() = %+v, want nil", got)
				}
				return
			}
			if got == nil || got.Changes[domain.ConfigDifficulty].To != tt.want {
				t.Fatalf("decide() = %+v, want difficulty %v", got, tt.want)
			}
		})
	}
}
