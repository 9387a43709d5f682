package preprocess

import (
	"image"
	"image/draw"

	"github.com/example/qrggif/internal/compositor"
)

// Stage names one step of the preprocessing pipeline.
type Stage string

const (
	StageThreshold Stage = "threshold"
	StageDenoise   Stage = "denoise"
	StageEdges     Stage = "edges"
	StageMorph     Stage = "morph"
	StageThinned   Stage = "thinned"
	StageContrast  Stage = "contrast"
	StageScaled    Stage = "scaled"
)

// Morphology selects the optional morphological filter.
type Morphology string

const (
	MorphNone   Morphology = ""
	MorphDilate Morphology = "dilate"
	MorphErode  Morphology = "erode"
)

// Options toggles the optional steps. The zero value runs Otsu, median,
// equalization and no upscale; use DefaultOptions for the standard ×2.
type Options struct {
	Adaptive       bool
	BlockSize      int
	AdaptiveOffset int
	EdgeDetect     bool
	Morphology     Morphology
	KernelSize     int
	Thinning       bool
	Scale          int
}

// DefaultOptions is the fixed four-step pipeline with a ×2 upscale.
func DefaultOptions() Options {
	return Options{
		BlockSize:      11,
		AdaptiveOffset: 5,
		KernelSize:     3,
		Scale:          2,
	}
}

// Image is the preprocessed raster of one composed frame.
type Image struct {
	Ordinal int
	Raster  *image.NRGBA
}

// Observer receives a copy of the raster after each stage.
type Observer func(stage Stage, raster *image.NRGBA)

// Preprocessor applies the enhancement pipeline. It keeps no state between
// calls, so the same input always yields the same output.
type Preprocessor struct {
	opts Options
}

// New returns a preprocessor for opts.
func New(opts Options) *Preprocessor {
	return &Preprocessor{opts: opts}
}

// Options returns the configured options.
func (p *Preprocessor) Options() Options {
	return p.opts
}

// Process runs the pipeline on frame.
func (p *Preprocessor) Process(frame compositor.ComposedFrame) Image {
	return p.ProcessObserved(frame, nil)
}

// ProcessObserved runs the pipeline and reports every intermediate raster
// to observe. Empty and 1x1 frames are returned as they are.
func (p *Preprocessor) ProcessObserved(frame compositor.ComposedFrame, observe Observer) Image {
	src := frame.Image
	if src == nil || src.Rect.Dx()*src.Rect.Dy() <= 1 {
		return Image{Ordinal: frame.Index, Raster: src}
	}
	if observe == nil {
		observe = func(Stage, *image.NRGBA) {}
	}

	img := zeroOrigin(src)
	if p.opts.Adaptive {
		img = AdaptiveThreshold(img, p.opts.BlockSize, p.opts.AdaptiveOffset)
	} else {
		hist, total := GrayHistogram(img)
		img = Binarize(img, OtsuThreshold(hist, total))
	}
	observe(StageThreshold, img)

	img = Median3x3(img)
	observe(StageDenoise, img)

	if p.opts.EdgeDetect {
		img = Sobel(img)
		observe(StageEdges, img)
	}
	switch p.opts.Morphology {
	case MorphDilate:
		img = Dilate(img, p.opts.KernelSize)
		observe(StageMorph, img)
	case MorphErode:
		img = Erode(img, p.opts.KernelSize)
		observe(StageMorph, img)
	}
	if p.opts.Thinning {
		img = Thin(img)
		observe(StageThinned, img)
	}

	img = Equalize(img)
	observe(StageContrast, img)

	img = Upscale(img, p.opts.Scale)
	observe(StageScaled, img)

	return Image{Ordinal: frame.Index, Raster: img}
}

func zeroOrigin(src *image.NRGBA) *image.NRGBA {
	if src.Rect.Min == (image.Point{}) {
		return src
	}
	dst := image.NewNRGBA(image.Rect(0, 0, src.Rect.Dx(), src.Rect.Dy()))
	draw.Draw(dst, dst.Rect, src, src.Rect.Min, draw.Src)
	return dst
}

// FromImage converts an arbitrary still (a camera capture, say) into a
// composed frame with the given ordinal.
func FromImage(ordinal int, img image.Image) compositor.ComposedFrame {
	b := img.Bounds()
	dst := image.NewNRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(dst, dst.Rect, img, b.Min, draw.Src)
	return compositor.ComposedFrame{Index: ordinal, Image: dst}
}
