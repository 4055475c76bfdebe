package preprocess

import (
	"bytes"
	"image"
	"image/color"
	"strings"

	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"

	"github.com/anthonynsimon/bild/clone"
	"github.com/gabriel-vasile/mimetype"
	"github.com/nfnt/resize"

	apperrors "github.com/Brownie44l1/plant-disease-api/internal/errors"
)

const Channels = 3

// Tensor is a single-image batch in NHWC order.
type Tensor struct {
	Shape [4]int64
	Data  []float32
}

func (t Tensor) Len() int {
	return int(t.Shape[0] * t.Shape[1] * t.Shape[2] * t.Shape[3])
}

// DefaultMaxPixels caps the declared size of an upload before it is decoded.
const DefaultMaxPixels = 89478485

type Preprocessor struct {
	size      int
	norm      Normalization
	maxPixels int64
}

type Option func(p *Preprocessor)

// WithMaxPixels sets the largest width*height Decode accepts. Values <= 0
// keep DefaultMaxPixels.
func WithMaxPixels(n int64) Option {
	return func(p *Preprocessor) {
		if n > 0 {
			p.maxPixels = n
		}
	}
}

func New(size int, normalization string, opts ...Option) (*Preprocessor, error) {
	if size <= 0 {
		return nil, apperrors.Newf(apperrors.KindConfig, "preprocess", "invalid image size %d", size)
	}

	norm, err := ParseNormalization(normalization)
	if err != nil {
		return nil, err
	}

	p := &Preprocessor{size: size, norm: norm, maxPixels: DefaultMaxPixels}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

func (p *Preprocessor) Size() int {
	return p.size
}

func (p *Preprocessor) Normalization() Normalization {
	return p.norm
}

// InputLen is the number of float32 values in one preprocessed batch.
func (p *Preprocessor) InputLen() int {
	return p.size * p.size * Channels
}

// Shape returns the batch shape (1, size, size, 3).
func (p *Preprocessor) Shape() [4]int64 {
	return [4]int64{1, int64(p.size), int64(p.size), Channels}
}

// Process decodes data and turns it into a model-ready batch.
func (p *Preprocessor) Process(data []byte) (Tensor, error) {
	img, _, err := p.Decode(data)
	if err != nil {
		return Tensor{}, err
	}

	return p.FromImage(img), nil
}

// Decode sniffs and decodes an encoded image. The header is checked against
// the pixel limit before any pixel data is allocated. Any failure is a
// decode error.
func (p *Preprocessor) Decode(data []byte) (image.Image, string, error) {
	if len(data) == 0 {
		return nil, "", apperrors.New(apperrors.KindDecode, "decode", "empty image payload")
	}

	mtype := mimetype.Detect(data)
	if !strings.HasPrefix(mtype.String(), "image/") {
		return nil, "", apperrors.Newf(apperrors.KindDecode, "decode", "unsupported content type %s", mtype.String())
	}

	cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return nil, "", apperrors.Wrap(apperrors.KindDecode, "decode", "invalid image", err)
	}
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return nil, "", apperrors.New(apperrors.KindDecode, "decode", "image has no pixels")
	}
	if int64(cfg.Width)*int64(cfg.Height) > p.maxPixels {
		return nil, "", apperrors.Newf(apperrors.KindDecode, "decode",
			"image is %dx%d, larger than %d pixels", cfg.Width, cfg.Height, p.maxPixels)
	}

	img, format, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, "", apperrors.Wrap(apperrors.KindDecode, "decode", "invalid image", err)
	}
	if img.Bounds().Empty() {
		return nil, "", apperrors.New(apperrors.KindDecode, "decode", "image has no pixels")
	}

	return img, format, nil
}

// FromImage resizes img to the model resolution and normalizes it. img must
// have a non-empty bounds rectangle, which Decode guarantees.
func (p *Preprocessor) FromImage(img image.Image) Tensor {
	rgb := toRGB(img)
	resized := resize.Resize(uint(p.size), uint(p.size), rgb, resize.Bicubic)

	t := Tensor{
		Shape: p.Shape(),
		Data:  make([]float32, p.InputLen()),
	}

	bounds := resized.Bounds()
	for y := 0; y < p.size; y++ {
		for x := 0; x < p.size; x++ {
			r, g, b := pixelAt(resized, bounds.Min.X+x, bounds.Min.Y+y)
			i := (y*p.size + x) * Channels
			p.norm.apply(t.Data[i:i+Channels], r, g, b)
		}
	}

	return t
}

// toRGB flattens any colour model to 8-bit RGB with opaque alpha. Alpha is
// dropped, not composited, so straight-alpha sources keep their stored colour.
func toRGB(img image.Image) image.Image {
	if o, ok := img.(interface{ Opaque() bool }); ok && o.Opaque() {
		return clone.AsRGBA(img)
	}

	b := img.Bounds()
	dst := image.NewNRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			c := color.NRGBAModel.Convert(img.At(x, y)).(color.NRGBA)
			c.A = 0xff
			dst.SetNRGBA(x-b.Min.X, y-b.Min.Y, c)
		}
	}
	return dst
}

func pixelAt(img image.Image, x, y int) (r, g, b uint8) {
	switch m := img.(type) {
	case *image.RGBA:
		i := m.PixOffset(x, y)
		return m.Pix[i], m.Pix[i+1], m.Pix[i+2]
	case *image.NRGBA:
		i := m.PixOffset(x, y)
		return m.Pix[i], m.Pix[i+1], m.Pix[i+2]
	default:
		cr, cg, cb, _ := img.At(x, y).RGBA()
		return uint8(cr >> 8), uint8(cg >> 8), uint8(cb >> 8)
	}
}
