package preprocess

import (
	apperrors "github.com/Brownie44l1/plant-disease-api/internal/errors"
)

// Normalization is the per-channel scaling a model was trained with. It is a
// fixed contract with the training pipeline; a mismatch does not error, it
// just degrades accuracy.
type Normalization string

const (
	// NormEfficientNet passes raw [0,255] values through. EfficientNet graphs
	// carry their own rescaling layers.
	NormEfficientNet Normalization = "efficientnet"
	// NormTF scales to [-1,1].
	NormTF Normalization = "tf"
	// NormTorch scales to [0,1] then standardizes with ImageNet statistics.
	NormTorch Normalization = "torch"
	// NormCaffe reorders to BGR and subtracts the ImageNet mean.
	NormCaffe Normalization = "caffe"
)

var (
	torchMean = [3]float32{0.485, 0.456, 0.406}
	torchStd  = [3]float32{0.229, 0.224, 0.225}

	// BGR order.
	caffeMean = [3]float32{103.939, 116.779, 123.68}
)

func ParseNormalization(s string) (Normalization, error) {
	switch n := Normalization(s); n {
	case NormEfficientNet, NormTF, NormTorch, NormCaffe:
		return n, nil
	case "":
		return NormEfficientNet, nil
	default:
		return "", apperrors.Newf(apperrors.KindConfig, "preprocess", "unknown normalization %q", s)
	}
}

// apply writes the three normalized channel values of one pixel into dst.
func (n Normalization) apply(dst []float32, r, g, b uint8) {
	fr, fg, fb := float32(r), float32(g), float32(b)

	switch n {
	case NormTF:
		dst[0] = fr/127.5 - 1
		dst[1] = fg/127.5 - 1
		dst[2] = fb/127.5 - 1
	case NormTorch:
		dst[0] = (fr/255 - torchMean[0]) / torchStd[0]
		dst[1] = (fg/255 - torchMean[1]) / torchStd[1]
		dst[2] = (fb/255 - torchMean[2]) / torchStd[2]
	case NormCaffe:
		dst[0] = fb - caffeMean[0]
		dst[1] = fg - caffeMean[1]
		dst[2] = fr - caffeMean[2]
	default:
		dst[0], dst[1], dst[2] = fr, fg, fb
	}
}
