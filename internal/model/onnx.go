package model

import (
	"context"
	"fmt"
	"sync"

	ort "github.com/yalue/onnxruntime_go"

	apperrors "github.com/Brownie44l1/plant-disease-api/internal/errors"
	"github.com/Brownie44l1/plant-disease-api/internal/preprocess"
)

type ONNXOptions struct {
	// SharedLibraryPath points at libonnxruntime. Empty uses the platform
	// default lookup.
	SharedLibraryPath string
	InputName         string
	OutputName        string
	ImageSize         int
}

// ONNXClassifier runs an ONNX graph through a dynamic session. Tensors are
// allocated per call, so Classify may be called concurrently.
type ONNXClassifier struct {
	session     sessionRunner
	outputShape ort.Shape
	closeOnce   sync.Once
}

// sessionRunner is the part of *ort.DynamicAdvancedSession Classify uses.
type sessionRunner interface {
	Run(inputs, outputs []ort.ArbitraryTensor) error
	Destroy() error
}

var _ sessionRunner = (*ort.DynamicAdvancedSession)(nil)

var envMu sync.Mutex

func initEnvironment(libPath string) error {
	envMu.Lock()
	defer envMu.Unlock()

	if ort.IsInitialized() {
		return nil
	}
	if libPath != "" {
		ort.SetSharedLibraryPath(libPath)
	}
	if err := ort.InitializeEnvironment(); err != nil {
		return fmt.Errorf("failed to initialize ONNX environment: %w", err)
	}
	return nil
}

// ONNXOpener adapts OpenONNX to an OpenFunc.
func ONNXOpener(opts ONNXOptions) OpenFunc {
	return func(path string) (Classifier, error) {
		return OpenONNX(path, opts)
	}
}

func OpenONNX(modelPath string, opts ONNXOptions) (*ONNXClassifier, error) {
	if err := initEnvironment(opts.SharedLibraryPath); err != nil {
		return nil, apperrors.Wrap(apperrors.KindConfig, "open_onnx", "onnxruntime unavailable", err)
	}

	inputs, outputs, err := ort.GetInputOutputInfo(modelPath)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.KindConfig, "open_onnx", "failed to read model io", err)
	}
	if len(inputs) == 0 || len(outputs) == 0 {
		return nil, apperrors.New(apperrors.KindConfig, "open_onnx", "model has no inputs or outputs")
	}

	input, err := pickInfo(inputs, opts.InputName)
	if err != nil {
		return nil, err
	}
	output, err := pickInfo(outputs, opts.OutputName)
	if err != nil {
		return nil, err
	}

	if err := checkInputShape(input.Dimensions, opts.ImageSize); err != nil {
		return nil, err
	}

	outputShape := concreteShape(output.Dimensions)
	if outputShape.FlattenedSize() <= 0 {
		return nil, apperrors.Newf(apperrors.KindConfig, "open_onnx", "unusable output shape %v", output.Dimensions)
	}

	session, err := ort.NewDynamicAdvancedSession(modelPath,
		[]string{input.Name}, []string{output.Name}, nil)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.KindConfig, "open_onnx", "failed to create ONNX session", err)
	}

	return &ONNXClassifier{
		session:     session,
		outputShape: outputShape,
	}, nil
}

func (c *ONNXClassifier) Classify(ctx context.Context, batch preprocess.Tensor) ([]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	inputTensor, err := ort.NewTensor(ort.NewShape(batch.Shape[:]...), batch.Data)
	if err != nil {
		return nil, fmt.Errorf("failed to create input tensor: %w", err)
	}
	defer inputTensor.Destroy()

	outputTensor, err := ort.NewEmptyTensor[float32](c.outputShape)
	if err != nil {
		return nil, fmt.Errorf("failed to create output tensor: %w", err)
	}
	defer outputTensor.Destroy()

	if err := c.session.Run([]ort.ArbitraryTensor{inputTensor}, []ort.ArbitraryTensor{outputTensor}); err != nil {
		return nil, fmt.Errorf("inference failed: %w", err)
	}

	scores := make([]float32, len(outputTensor.GetData()))
	copy(scores, outputTensor.GetData())
	return scores, nil
}

func (c *ONNXClassifier) Close() error {
	var err error
	c.closeOnce.Do(func() {
		if c.session != nil {
			err = c.session.Destroy()
		}

		envMu.Lock()
		defer envMu.Unlock()
		if ort.IsInitialized() {
			if derr := ort.DestroyEnvironment(); derr != nil && err == nil {
				err = derr
			}
		}
	})
	return err
}

func pickInfo(infos []ort.InputOutputInfo, name string) (ort.InputOutputInfo, error) {
	if name == "" {
		return infos[0], nil
	}
	for _, info := range infos {
		if info.Name == name {
			return info, nil
		}
	}
	return ort.InputOutputInfo{}, apperrors.Newf(apperrors.KindConfig, "open_onnx", "model has no tensor named %q", name)
}

// checkInputShape rejects graphs whose fixed dimensions disagree with the
// (1, size, size, 3) batches the preprocessor produces.
func checkInputShape(dims ort.Shape, size int) error {
	if size <= 0 {
		return nil
	}

	want := []int64{1, int64(size), int64(size), preprocess.Channels}
	if len(dims) != len(want) {
		return apperrors.Newf(apperrors.KindConfig, "open_onnx", "model input has rank %d, want 4 (NHWC)", len(dims))
	}
	for i, d := range dims {
		if d > 0 && d != want[i] {
			return apperrors.Newf(apperrors.KindConfig, "open_onnx", "model input shape %v does not match %v", dims, want)
		}
	}
	return nil
}

// concreteShape replaces symbolic (negative) dimensions with 1, which is the
// batch size this service always uses.
func concreteShape(dims ort.Shape) ort.Shape {
	shape := make(ort.Shape, len(dims))
	for i, d := range dims {
		if d <= 0 {
			d = 1
		}
		shape[i] = d
	}
	return shape
}
