package validator

import (
	"errors"
	"fmt"
	"image"

	"github.com/example/qrggif/internal/glyph"
)

const (
	minStrokeTransitions = 2
	maxStrokeTransitions = 8
	symmetryTolerance    = 30
	minSymmetryScore     = 0.8
	inkLevel             = 127
)

var (
	ErrProportion = errors.New("validator: ink aspect ratio outside symbol range")
	ErrStrokes    = errors.New("validator: stroke transitions outside [2, 8]")
	ErrSymmetry   = errors.New("validator: symbol is not vertically symmetric")
)

// InkAspect returns width/height of the bounding box of dark pixels
// (red <= 127). ok is false when the raster holds no ink.
func InkAspect(img *image.NRGBA) (ratio float64, ok bool) {
	b := img.Rect
	minX, minY, maxX, maxY := b.Max.X, b.Max.Y, b.Min.X-1, b.Min.Y-1
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			if img.Pix[img.PixOffset(x, y)] > inkLevel {
				continue
			}
			minX, maxX = min(minX, x), max(maxX, x)
			minY, maxY = min(minY, y), max(maxY, y)
		}
	}
	if maxX < minX {
		return 0, false
	}
	return float64(maxX-minX+1) / float64(maxY-minY+1), true
}

// CheckProportions applies the symbol's aspect rule, if it has one.
func CheckProportions(img *image.NRGBA, s glyph.Symbol) error {
	g, ok := glyph.Lookup(s)
	if !ok || g.Aspect == nil {
		return nil
	}
	ratio, found := InkAspect(img)
	if !found || !g.Aspect.Contains(ratio) {
		return fmt.Errorf("%w: %s ratio %.2f want [%.2f, %.2f]", ErrProportion, s, ratio, g.Aspect.Min, g.Aspect.Max)
	}
	return nil
}

// StrokeTransitions is the largest number of ink/paper changes found on a
// single horizontal scanline.
func StrokeTransitions(img *image.NRGBA) int {
	b := img.Rect
	most := 0
	if b.Empty() {
		return 0
	}
	for y := b.Min.Y; y < b.Max.Y; y++ {
		count := 0
		prev := img.Pix[img.PixOffset(b.Min.X, y)] > inkLevel
		for x := b.Min.X + 1; x < b.Max.X; x++ {
			cur := img.Pix[img.PixOffset(x, y)] > inkLevel
			if cur != prev {
				count++
			}
			prev = cur
		}
		most = max(most, count)
	}
	return most
}

// CheckStrokes requires between 2 and 8 transitions on the busiest scanline.
func CheckStrokes(img *image.NRGBA) error {
	n := StrokeTransitions(img)
	if n < minStrokeTransitions || n > maxStrokeTransitions {
		return fmt.Errorf("%w: got %d", ErrStrokes, n)
	}
	return nil
}

// SymmetryScore is the share of left-half pixels whose mirror differs by
// less than 30 intensity levels.
func SymmetryScore(img *image.NRGBA) float64 {
	b := img.Rect
	w, h := b.Dx(), b.Dy()
	if w == 0 || h == 0 {
		return 0
	}
	matches := 0
	for y := 0; y < h; y++ {
		for x := 0; float64(x) < float64(w)/2; x++ {
			left := int(img.Pix[img.PixOffset(b.Min.X+x, b.Min.Y+y)])
			right := int(img.Pix[img.PixOffset(b.Min.X+w-1-x, b.Min.Y+y)])
			if diff := left - right; diff < symmetryTolerance && diff > -symmetryTolerance {
				matches++
			}
		}
	}
	return float64(matches) / (float64(h*w) / 2)
}

// CheckSymmetry applies to glyphs flagged symmetric in the table.
func CheckSymmetry(img *image.NRGBA, s glyph.Symbol) error {
	g, ok := glyph.Lookup(s)
	if !ok || !g.Symmetric {
		return nil
	}
	if score := SymmetryScore(img); score <= minSymmetryScore {
		return fmt.Errorf("%w: %s score %.2f", ErrSymmetry, s, score)
	}
	return nil
}

// CheckShape runs the proportion, stroke and symmetry heuristics in order.
func CheckShape(img *image.NRGBA, s glyph.Symbol) error {
	if img == nil {
		return fmt.Errorf("%w: empty raster", ErrStrokes)
	}
	if err := CheckProportions(img, s); err != nil {
		return err
	}
	if err := CheckStrokes(img); err != nil {
		return err
	}
	return CheckSymmetry(img, s)
}
