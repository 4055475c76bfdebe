package model

import (
	"math"
	"sort"

	apperrors "github.com/Brownie44l1/plant-disease-api/internal/errors"
)

func ValidateTopK(k int) error {
	if k < MinTopK || k > MaxTopK {
		return apperrors.Newf(apperrors.KindValidation, "top_k", "top_k must be between %d and %d, got %d", MinTopK, MaxTopK, k)
	}
	return nil
}

// TopK returns the indices of the k highest scores in descending order. k is
// clamped to len(scores). Equal scores keep ascending index order and NaN
// scores rank last, so the result is stable across identical inputs.
func TopK(scores []float32, k int) []int {
	if k > len(scores) {
		k = len(scores)
	}
	if k <= 0 {
		return nil
	}

	indices := make([]int, len(scores))
	for i := range indices {
		indices[i] = i
	}

	sort.SliceStable(indices, func(a, b int) bool {
		return ranksAbove(scores[indices[a]], scores[indices[b]])
	})

	return indices[:k]
}

func ranksAbove(a, b float32) bool {
	if math.IsNaN(float64(b)) {
		return !math.IsNaN(float64(a))
	}
	return a > b
}

// Rank converts raw scores into labeled predictions.
func Rank(scores []float32, k int, classes ClassIndex) []Prediction {
	indices := TopK(scores, k)

	predictions := make([]Prediction, 0, len(indices))
	for _, i := range indices {
		predictions = append(predictions, Prediction{
			Label:      classes.Label(i),
			Confidence: float64(scores[i]),
			Index:      i,
		})
	}

	return predictions
}
