package model

import (
	"context"

	apperrors "github.com/Brownie44l1/plant-disease-api/internal/errors"
	"github.com/Brownie44l1/plant-disease-api/internal/preprocess"
)

// Predictor ties the preprocessor to a loaded artifact. It holds no mutable
// state and is safe for concurrent use.
type Predictor struct {
	artifact *Artifact
	pre      *preprocess.Preprocessor
}

func NewPredictor(artifact *Artifact, pre *preprocess.Preprocessor) *Predictor {
	return &Predictor{
		artifact: artifact,
		pre:      pre,
	}
}

func (p *Predictor) Loaded() bool {
	return p != nil && p.artifact != nil && p.artifact.Classifier != nil && p.artifact.Classes != nil && p.pre != nil
}

func (p *Predictor) Classes() ClassIndex {
	if !p.Loaded() {
		return nil
	}
	return p.artifact.Classes
}

func (p *Predictor) ModelPath() string {
	if !p.Loaded() {
		return ""
	}
	return p.artifact.ModelPath
}

// InputLen is the flat length PredictTensor expects.
func (p *Predictor) InputLen() int {
	if !p.Loaded() {
		return 0
	}
	return p.pre.InputLen()
}

// Predict decodes image, runs the model and returns the top k predictions.
func (p *Predictor) Predict(ctx context.Context, image []byte, k int) ([]Prediction, error) {
	if err := p.check(k); err != nil {
		return nil, err
	}

	batch, err := p.pre.Process(image)
	if err != nil {
		return nil, err
	}

	return p.run(ctx, batch, k)
}

// PredictTensor skips decoding and runs an already preprocessed batch.
func (p *Predictor) PredictTensor(ctx context.Context, input []float32, k int) ([]Prediction, error) {
	if err := p.check(k); err != nil {
		return nil, err
	}

	if len(input) != p.pre.InputLen() {
		return nil, apperrors.Newf(apperrors.KindValidation, "predict_tensor",
			"expected %d values, got %d", p.pre.InputLen(), len(input))
	}

	batch := preprocess.Tensor{Shape: p.pre.Shape(), Data: input}
	return p.run(ctx, batch, k)
}

func (p *Predictor) check(k int) error {
	if !p.Loaded() {
		return apperrors.New(apperrors.KindModelNotLoaded, "predict", "model not loaded")
	}
	return ValidateTopK(k)
}

func (p *Predictor) run(ctx context.Context, batch preprocess.Tensor, k int) ([]Prediction, error) {
	if err := ctx.Err(); err != nil {
		return nil, apperrors.Wrap(apperrors.KindInference, "predict", "request canceled", err)
	}

	scores, err := p.artifact.Classifier.Classify(ctx, batch)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.KindInference, "predict", "inference failed", err)
	}

	return Rank(scores, k, p.artifact.Classes), nil
}
