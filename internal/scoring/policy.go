package scoring

import (
	"math"

	"github.com/ashureev/livepanel/internal/domain"
)

// Recommendation thresholds on the 0-100 overall score.
const (
	ProceedAt = 75
	CautionAt = 65
)

// criticallyWeakRatio marks a dimension below 40% of its max.
const criticallyWeakRatio = 0.4

// IsCriticallyWeak reports whether a dimension scored below 40% of its max.
func IsCriticallyWeak(d domain.DimensionScore) bool {
	return d.Max > 0 && d.Score < criticallyWeakRatio*d.Max
}

// Recommend applies the recommendation policy: proceed at 75+ without a
// major flag, caution at 65-74 without a major flag or critically weak
// dimension, stop otherwise.
func Recommend(overall int, flags []domain.RedFlag, dims map[string]domain.DimensionScore) domain.Recommendation {
	for _, f := range flags {
		if f.Type.IsMajor() {
			return domain.RecommendStop
		}
	}
	if overall >= ProceedAt {
		return domain.RecommendProceed
	}
	if overall >= CautionAt {
		for _, d := range dims {
			if IsCriticallyWeak(d) {
				return domain.RecommendStop
			}
		}
		return domain.RecommendCaution
	}
	return domain.RecommendStop
}

// Aggregate returns round(100 * sum(score) / sum(max)) and the mean confidence.
func Aggregate(dims map[string]domain.DimensionScore) (int, float64) {
	if len(dims) == 0 {
		return 0, 0
	}
	var total, maxTotal, conf float64
	for _, d := range dims {
		total += d.Score
		maxTotal += d.Max
		conf += d.Confidence
	}
	overall := 0
	if maxTotal > 0 {
		overall = int(math.Round(100 * total / maxTotal))
	}
	return clampInt(overall, 0, 100), conf / float64(len(dims))
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}

func clampInt(v, lo, hi int) int {
	return max(lo, min(hi, v))
}
