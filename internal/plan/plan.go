// Package plan applies compare-and-swap mutations to a session's round plan.
package plan

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ashureev/livepanel/internal/domain"
	"github.com/ashureev/livepanel/internal/shared"
	"github.com/ashureev/livepanel/internal/store"
)

// ErrNoChange may be returned by a mutation to skip the write.
var ErrNoChange = errors.New("no change")

// Store is the slice of the repository the mutator needs.
type Store interface {
	GetPlan(ctx context.Context, sessionID string) (*domain.RoundPlan, error)
	PutPlan(ctx context.Context, plan *domain.RoundPlan, expectedVersion int64) error
}

// Result describes one successful Mutate call.
type Result struct {
	// Before is the plan the mutation was applied to.
	Before *domain.RoundPlan
	// Plan is the stored plan after the write, or Before when unchanged.
	Plan    *domain.RoundPlan
	Changed bool
}

// Mutator runs read-modify-write cycles against the plan document.
type Mutator struct {
	store Store
	retry shared.RetryPolicy
}

// NewMutator creates a Mutator that retries version conflicts up to attempts times.
func NewMutator(s Store, attempts int) *Mutator {
	p := shared.RetryPolicy{MaxAttempts: attempts, BaseDelay: 10 * time.Millisecond}
	if attempts <= 0 {
		p.MaxAttempts = shared.DefaultRetryPolicy.MaxAttempts
	}
	return &Mutator{store: s, retry: p}
}

// Get returns the current plan.
func (m *Mutator) Get(ctx context.Context, sessionID string) (*domain.RoundPlan, error) {
	return m.store.GetPlan(ctx, sessionID)
}

// Mutate applies fn to a fresh copy of the plan and writes it back with the
// version it was read at. A lost race re-reads and re-applies fn, so fn must
// be a pure function of the plan it receives. Errors from fn abort without
// retrying.
func (m *Mutator) Mutate(ctx context.Context, sessionID string, fn func(p *domain.RoundPlan) error) (Result, error) {
	var res Result
	err := shared.Retry(ctx, m.retry, "mutate round plan", isVersionConflict, func() error {
		current, err := m.store.GetPlan(ctx, sessionID)
		if err != nil {
			return err
		}
		draft, err := current.Clone()
		if err != nil {
			return err
		}

		if err := fn(draft); err != nil {
			if errors.Is(err, ErrNoChange) {
				res = Result{Before: current, Plan: current}
				return nil
			}
			return err
		}

		draft.SessionID = current.SessionID
		draft.Sort()
		if err := draft.Validate(); err != nil {
			return fmt.Errorf("plan rejected: %w", err)
		}
		if err := domain.ValidateProgress(current, draft); err != nil {
			return fmt.Errorf("plan rejected: %w", err)
		}

		if err := m.store.PutPlan(ctx, draft, current.Version); err != nil {
			return err
		}
		res = Result{Before: current, Plan: draft, Changed: true}
		return nil
	})
	if err != nil {
		return Result{}, err
	}
	return res, nil
}

func isVersionConflict(err error) bool {
	return errors.Is(err, store.ErrVersionConflict)
}
