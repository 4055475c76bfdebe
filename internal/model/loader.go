package model

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	apperrors "github.com/Brownie44l1/plant-disease-api/internal/errors"
)

// OpenFunc opens a serialized model into a Classifier.
type OpenFunc func(path string) (Classifier, error)

type LoadOptions struct {
	ModelsDir      string
	PrimaryModel   string
	FallbackModel  string
	ClassIndexFile string
}

// ResolveModelPath returns the primary model path if it exists, otherwise the
// fallback. The fallback is never considered while the primary is present.
func ResolveModelPath(opts LoadOptions) (string, error) {
	candidates := []string{opts.PrimaryModel, opts.FallbackModel}
	for _, name := range candidates {
		if name == "" {
			continue
		}

		path := filepath.Join(opts.ModelsDir, name)
		info, err := os.Stat(path)
		if err == nil && !info.IsDir() {
			return path, nil
		}
		if err != nil && !os.IsNotExist(err) {
			return "", apperrors.Wrap(apperrors.KindConfig, "resolve_model", "failed to stat model file", err)
		}
	}

	return "", apperrors.Newf(apperrors.KindConfig, "resolve_model", "no model file found in %s", opts.ModelsDir)
}

// LoadClassIndex reads a {label: index} JSON object and inverts it.
func LoadClassIndex(path string) (ClassIndex, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, apperrors.Newf(apperrors.KindConfig, "load_classes", "%s not found", filepath.Base(path))
		}
		return nil, apperrors.Wrap(apperrors.KindConfig, "load_classes", "failed to read class index", err)
	}

	var byLabel map[string]int
	if err := json.Unmarshal(data, &byLabel); err != nil {
		return nil, apperrors.Wrap(apperrors.KindConfig, "load_classes", "failed to parse class index", err)
	}

	classes := make(ClassIndex, len(byLabel))
	for label, index := range byLabel {
		if existing, ok := classes[index]; ok {
			return nil, apperrors.Newf(apperrors.KindConfig, "load_classes",
				"index %d is assigned to both %q and %q", index, existing, label)
		}
		classes[index] = label
	}

	return classes, nil
}

// Load resolves and opens the model and its class index. Any failure is a
// config error and the caller must not serve requests.
func Load(opts LoadOptions, open OpenFunc, log *zap.Logger) (*Artifact, error) {
	modelPath, err := ResolveModelPath(opts)
	if err != nil {
		return nil, err
	}

	classes, err := LoadClassIndex(filepath.Join(opts.ModelsDir, opts.ClassIndexFile))
	if err != nil {
		return nil, err
	}

	log.Info("loading model", zap.String("path", modelPath))

	classifier, err := open(modelPath)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.KindConfig, "load_model", fmt.Sprintf("failed to load %s", filepath.Base(modelPath)), err)
	}

	log.Info("model loaded", zap.String("path", modelPath), zap.Int("classes", len(classes)))

	return &Artifact{
		Classifier: classifier,
		Classes:    classes,
		ModelPath:  modelPath,
	}, nil
}
