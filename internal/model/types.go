package model

import (
	"context"
	"fmt"
	"sort"

	"github.com/Brownie44l1/plant-disease-api/internal/preprocess"
)

const (
	MinTopK     = 1
	MaxTopK     = 10
	DefaultTopK = 3
)

// Classifier runs the model on one preprocessed batch and returns one score
// per class.
type Classifier interface {
	Classify(ctx context.Context, batch preprocess.Tensor) ([]float32, error)
	Close() error
}

// ClassIndex maps an output position of the model to its label.
type ClassIndex map[int]string

// Label returns the label for index, or a synthetic class_<index> name when
// the index is unmapped.
func (c ClassIndex) Label(index int) string {
	if label, ok := c[index]; ok {
		return label
	}
	return fmt.Sprintf("class_%d", index)
}

// Indices returns the mapped indices in ascending order.
func (c ClassIndex) Indices() []int {
	indices := make([]int, 0, len(c))
	for i := range c {
		indices = append(indices, i)
	}
	sort.Ints(indices)
	return indices
}

// Artifact is everything loaded at startup. It is never mutated after Load
// returns.
type Artifact struct {
	Classifier Classifier
	Classes    ClassIndex
	ModelPath  string
}

func (a *Artifact) Close() error {
	if a == nil || a.Classifier == nil {
		return nil
	}
	return a.Classifier.Close()
}

type Prediction struct {
	Label      string  `json:"label"`
	Confidence float64 `json:"confidence"`
	Index      int     `json:"index"`
}

type PredictionResponse struct {
	Predictions []Prediction `json:"predictions"`
}

// TensorRequest carries an already preprocessed NHWC batch.
type TensorRequest struct {
	Input []float32 `json:"input"`
}
