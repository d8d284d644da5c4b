package scoring

import (
	"context"

	"github.com/ashureev/livepanel/internal/catalog"
	"github.com/ashureev/livepanel/internal/domain"
)

// Request asks the evaluator to score one dimension of an artifact.
type Request struct {
	SessionID   string
	RoundNumber int
	RoundType   domain.RoundType
	Track       string
	Dimension   catalog.Dimension
	Content     string
}

// Evaluation is the evaluator's proposal for one dimension.
type Evaluation struct {
	Score      float64
	Confidence float64
	Reasoning  string
	Evidence   []string
}

// Evaluator scores a single rubric dimension.
type Evaluator interface {
	Evaluate(ctx context.Context, req Request) (Evaluation, error)
}
