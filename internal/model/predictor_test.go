package model

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/png"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/Brownie44l1/plant-disease-api/internal/errors"
	"github.com/Brownie44l1/plant-disease-api/internal/preprocess"
)

type fakeClassifier struct {
	scores []float32
	err    error
	calls  atomic.Int32
	shape  [4]int64
	mu     sync.Mutex
}

func (f *fakeClassifier) Classify(_ context.Context, batch preprocess.Tensor) ([]float32, error) {
	f.calls.Add(1)
	f.mu.Lock()
	f.shape = batch.Shape
	f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	return append([]float32(nil), f.scores...), nil
}

func (f *fakeClassifier) Close() error { return nil }

func pngBytes(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.SetRGBA(x, y, color.RGBA{R: uint8(x), G: uint8(y), B: 128, A: 255})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func newTestPredictor(t *testing.T, clf Classifier, classes ClassIndex) *Predictor {
	t.Helper()
	pre, err := preprocess.New(224, "efficientnet")
	require.NoError(t, err)
	return NewPredictor(&Artifact{Classifier: clf, Classes: classes, ModelPath: "models/test.onnx"}, pre)
}

func TestPredictor_Predict(t *testing.T) {
	clf := &fakeClassifier{scores: []float32{0.05, 0.6, 0.3, 0.05}}
	p := newTestPredictor(t, clf, ClassIndex{0: "Anthracnose", 1: "Bacterial Canker", 2: "Healthy"})

	got, err := p.Predict(context.Background(), pngBytes(t, 320, 240), 3)
	require.NoError(t, err)

	assert.Equal(t, []Prediction{
		{Label: "Bacterial Canker", Confidence: float64(float32(0.6)), Index: 1},
		{Label: "Healthy", Confidence: float64(float32(0.3)), Index: 2},
		{Label: "Anthracnose", Confidence: float64(float32(0.05)), Index: 0},
	}, got)
	assert.Equal(t, [4]int64{1, 224, 224, 3}, clf.shape)
}

func TestPredictor_ClampsToClassCount(t *testing.T) {
	clf := &fakeClassifier{scores: []float32{0.2, 0.5, 0.3}}
	p := newTestPredictor(t, clf, ClassIndex{0: "a", 1: "b", 2: "c"})

	got, err := p.Predict(context.Background(), pngBytes(t, 10, 10), 10)
	require.NoError(t, err)
	assert.Len(t, got, 3)
}

func TestPredictor_UnmappedIndex(t *testing.T) {
	clf := &fakeClassifier{scores: []float32{0.1, 0.9}}
	p := newTestPredictor(t, clf, ClassIndex{0: "Healthy"})

	got, err := p.Predict(context.Background(), pngBytes(t, 10, 10), 1)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "class_1", got[0].Label)
	assert.Equal(t, 1, got[0].Index)
}

func TestPredictor_Idempotent(t *testing.T) {
	clf := &fakeClassifier{scores: []float32{0.25, 0.25, 0.25, 0.25}}
	p := newTestPredictor(t, clf, ClassIndex{})
	img := pngBytes(t, 64, 48)

	first, err := p.Predict(context.Background(), img, 3)
	require.NoError(t, err)
	second, err := p.Predict(context.Background(), img, 3)
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, []int{0, 1, 2}, []int{first[0].Index, first[1].Index, first[2].Index})
}

func TestPredictor_InvalidTopKSkipsInference(t *testing.T) {
	clf := &fakeClassifier{scores: []float32{1}}
	p := newTestPredictor(t, clf, ClassIndex{})

	for _, k := range []int{0, 11} {
		_, err := p.Predict(context.Background(), pngBytes(t, 4, 4), k)
		assert.True(t, apperrors.IsKind(err, apperrors.KindValidation))
	}
	assert.Equal(t, int32(0), clf.calls.Load())
}

func TestPredictor_DecodeError(t *testing.T) {
	clf := &fakeClassifier{scores: []float32{1}}
	p := newTestPredictor(t, clf, ClassIndex{})

	_, err := p.Predict(context.Background(), []byte{0x89, 'P', 'N', 'G'}, 3)
	assert.True(t, apperrors.IsKind(err, apperrors.KindDecode))
	assert.Equal(t, int32(0), clf.calls.Load())

	_, err = p.Predict(context.Background(), pngBytes(t, 4, 4), 3)
	assert.NoError(t, err)
}

func TestPredictor_NotLoaded(t *testing.T) {
	var nilPredictor *Predictor
	pre, err := preprocess.New(224, "efficientnet")
	require.NoError(t, err)

	cases := map[string]*Predictor{
		"nil predictor":  nilPredictor,
		"nil artifact":   NewPredictor(nil, pre),
		"no classifier":  NewPredictor(&Artifact{Classes: ClassIndex{}}, pre),
		"no class index": NewPredictor(&Artifact{Classifier: &fakeClassifier{}}, pre),
	}

	for name, p := range cases {
		t.Run(name, func(t *testing.T) {
			assert.False(t, p.Loaded())
			_, err := p.Predict(context.Background(), pngBytes(t, 4, 4), 3)
			assert.True(t, apperrors.IsKind(err, apperrors.KindModelNotLoaded))
		})
	}
}

func TestPredictor_InferenceError(t *testing.T) {
	clf := &fakeClassifier{err: errors.New("device lost")}
	p := newTestPredictor(t, clf, ClassIndex{})

	_, err := p.Predict(context.Background(), pngBytes(t, 4, 4), 3)
	assert.True(t, apperrors.IsKind(err, apperrors.KindInference))
}

func TestPredictor_CanceledContext(t *testing.T) {
	clf := &fakeClassifier{scores: []float32{1}}
	p := newTestPredictor(t, clf, ClassIndex{})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := p.Predict(ctx, pngBytes(t, 4, 4), 3)
	assert.Error(t, err)
	assert.Equal(t, int32(0), clf.calls.Load())
}

func TestPredictor_PredictTensor(t *testing.T) {
	clf := &fakeClassifier{scores: []float32{0.7, 0.3}}
	p := newTestPredictor(t, clf, ClassIndex{0: "Healthy", 1: "Rust"})

	got, err := p.PredictTensor(context.Background(), make([]float32, p.InputLen()), 1)
	require.NoError(t, err)
	assert.Equal(t, "Healthy", got[0].Label)

	_, err = p.PredictTensor(context.Background(), make([]float32, 12), 1)
	assert.True(t, apperrors.IsKind(err, apperrors.KindValidation))
}

func TestPredictor_Concurrent(t *testing.T) {
	clf := &fakeClassifier{scores: []float32{0.1, 0.2, 0.7}}
	p := newTestPredictor(t, clf, ClassIndex{0: "a", 1: "b", 2: "c"})
	img := pngBytes(t, 32, 32)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			got, err := p.Predict(context.Background(), img, 2)
			assert.NoError(t, err)
			assert.Equal(t, "c", got[0].Label)
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(8), clf.calls.Load())
}
