package model

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	apperrors "github.com/Brownie44l1/plant-disease-api/internal/errors"
)

func writeFile(t *testing.T, dir, name, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644))
}

func loadOptions(dir string) LoadOptions {
	return LoadOptions{
		ModelsDir:      dir,
		PrimaryModel:   "plant_model_best.onnx",
		FallbackModel:  "plant_model.onnx",
		ClassIndexFile: "class_indices.json",
	}
}

func TestResolveModelPath(t *testing.T) {
	t.Run("primary wins", func(t *testing.T) {
		dir := t.TempDir()
		writeFile(t, dir, "plant_model_best.onnx", "primary")
		writeFile(t, dir, "plant_model.onnx", "fallback")

		path, err := ResolveModelPath(loadOptions(dir))
		require.NoError(t, err)
		assert.Equal(t, filepath.Join(dir, "plant_model_best.onnx"), path)
	})

	t.Run("fallback when primary absent", func(t *testing.T) {
		dir := t.TempDir()
		writeFile(t, dir, "plant_model.onnx", "fallback")

		path, err := ResolveModelPath(loadOptions(dir))
		require.NoError(t, err)
		assert.Equal(t, filepath.Join(dir, "plant_model.onnx"), path)
	})

	t.Run("directory is not a model", func(t *testing.T) {
		dir := t.TempDir()
		require.NoError(t, os.Mkdir(filepath.Join(dir, "plant_model_best.onnx"), 0o755))
		writeFile(t, dir, "plant_model.onnx", "fallback")

		path, err := ResolveModelPath(loadOptions(dir))
		require.NoError(t, err)
		assert.Equal(t, filepath.Join(dir, "plant_model.onnx"), path)
	})

	t.Run("neither present", func(t *testing.T) {
		_, err := ResolveModelPath(loadOptions(t.TempDir()))
		require.Error(t, err)
		assert.True(t, apperrors.IsKind(err, apperrors.KindConfig))
		assert.Contains(t, err.Error(), "no model file found")
	})
}

func TestLoadClassIndex(t *testing.T) {
	t.Run("inverts mapping", func(t *testing.T) {
		dir := t.TempDir()
		writeFile(t, dir, "class_indices.json", `{"Anthracnose": 0, "Healthy": 2, "Die Back": 1}`)

		classes, err := LoadClassIndex(filepath.Join(dir, "class_indices.json"))
		require.NoError(t, err)
		assert.Equal(t, ClassIndex{0: "Anthracnose", 1: "Die Back", 2: "Healthy"}, classes)
	})

	t.Run("missing file", func(t *testing.T) {
		_, err := LoadClassIndex(filepath.Join(t.TempDir(), "class_indices.json"))
		require.Error(t, err)
		assert.True(t, apperrors.IsKind(err, apperrors.KindConfig))
		assert.Contains(t, err.Error(), "class_indices.json not found")
	})

	t.Run("malformed json", func(t *testing.T) {
		dir := t.TempDir()
		writeFile(t, dir, "class_indices.json", `["Anthracnose"]`)

		_, err := LoadClassIndex(filepath.Join(dir, "class_indices.json"))
		assert.True(t, apperrors.IsKind(err, apperrors.KindConfig))
	})

	t.Run("duplicate index", func(t *testing.T) {
		dir := t.TempDir()
		writeFile(t, dir, "class_indices.json", `{"a": 0, "b": 0}`)

		_, err := LoadClassIndex(filepath.Join(dir, "class_indices.json"))
		assert.True(t, apperrors.IsKind(err, apperrors.KindConfig))
	})
}

func TestLoad(t *testing.T) {
	log := zap.NewNop()

	t.Run("success", func(t *testing.T) {
		dir := t.TempDir()
		writeFile(t, dir, "plant_model.onnx", "fallback")
		writeFile(t, dir, "class_indices.json", `{"Healthy": 0, "Rust": 1}`)

		var opened string
		open := func(path string) (Classifier, error) {
			opened = path
			return &fakeClassifier{scores: []float32{0.9, 0.1}}, nil
		}

		artifact, err := Load(loadOptions(dir), open, log)
		require.NoError(t, err)

		assert.Equal(t, filepath.Join(dir, "plant_model.onnx"), opened)
		assert.Equal(t, opened, artifact.ModelPath)
		assert.Equal(t, ClassIndex{0: "Healthy", 1: "Rust"}, artifact.Classes)
		assert.NoError(t, artifact.Close())
	})

	t.Run("no model never opens", func(t *testing.T) {
		dir := t.TempDir()
		writeFile(t, dir, "class_indices.json", `{"Healthy": 0}`)

		open := func(string) (Classifier, error) {
			t.Fatal("open must not be called")
			return nil, nil
		}

		_, err := Load(loadOptions(dir), open, log)
		assert.True(t, apperrors.IsKind(err, apperrors.KindConfig))
	})

	t.Run("missing class index", func(t *testing.T) {
		dir := t.TempDir()
		writeFile(t, dir, "plant_model_best.onnx", "primary")

		_, err := Load(loadOptions(dir), func(string) (Classifier, error) {
			return &fakeClassifier{}, nil
		}, log)
		assert.True(t, apperrors.IsKind(err, apperrors.KindConfig))
	})

	t.Run("open failure is fatal config", func(t *testing.T) {
		dir := t.TempDir()
		writeFile(t, dir, "plant_model_best.onnx", "primary")
		writeFile(t, dir, "class_indices.json", `{"Healthy": 0}`)

		_, err := Load(loadOptions(dir), func(string) (Classifier, error) {
			return nil, errors.New("corrupt graph")
		}, log)
		require.Error(t, err)
		assert.True(t, apperrors.IsKind(err, apperrors.KindConfig))
		assert.Contains(t, err.Error(), "corrupt graph")
	})
}

func TestArtifact_CloseNil(t *testing.T) {
	var a *Artifact
	assert.NoError(t, a.Close())
}
