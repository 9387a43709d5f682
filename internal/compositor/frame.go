package compositor

import (
	"fmt"
	"image"
	"image/draw"
)

// Disposal describes how the canvas is treated after a frame is shown.
type Disposal uint8

const (
	DisposalNone Disposal = iota
	DisposalDoNotDispose
	DisposalRestoreBackground
	DisposalRestorePrevious
)

func (d Disposal) String() string {
	switch d {
	case DisposalNone:
		return "none"
	case DisposalDoNotDispose:
		return "do_not_dispose"
	case DisposalRestoreBackground:
		return "restore_background"
	case DisposalRestorePrevious:
		return "restore_previous"
	default:
		return fmt.Sprintf("disposal(%d)", uint8(d))
	}
}

// disposalFromGIF maps the container's 3-bit disposal field. Reserved
// values 4-7 behave like DisposalNone.
func disposalFromGIF(v byte) Disposal {
	if v > byte(DisposalRestorePrevious) {
		return DisposalNone
	}
	return Disposal(v)
}

// RawAnimation is the undecoded container plus its declared canvas size.
// Zero dimensions defer to the container's logical screen.
type RawAnimation struct {
	Data   []byte
	Width  int
	Height int
}

// Frame is one decoded patch of an animation.
type Frame struct {
	Index    int
	Width    int
	Height   int
	Left     int
	Top      int
	Disposal Disposal
	DelayMs  int
	// Pixels holds Width*Height non-premultiplied RGBA quadruples.
	Pixels []uint8
}

// Bounds is the patch rectangle in canvas coordinates.
func (f Frame) Bounds() image.Rectangle {
	return image.Rect(f.Left, f.Top, f.Left+f.Width, f.Top+f.Height)
}

// Animation is a decoded container: logical screen plus ordered patches.
type Animation struct {
	Width  int
	Height int
	Frames []Frame
}

// ComposedFrame is the full canvas after frame Index was drawn.
type ComposedFrame struct {
	Index   int
	DelayMs int
	Image   *image.NRGBA
}

// disposeFunc computes the canvas handed to the next frame.
type disposeFunc func(canvas *image.NRGBA, patch image.Rectangle, snapshot *image.NRGBA) *image.NRGBA

var disposers = map[Disposal]disposeFunc{
	DisposalNone:              keepCanvas,
	DisposalDoNotDispose:      keepCanvas,
	DisposalRestoreBackground: clearPatch,
	DisposalRestorePrevious:   restoreSnapshot,
}

func keepCanvas(canvas *image.NRGBA, _ image.Rectangle, _ *image.NRGBA) *image.NRGBA {
	return canvas
}

func clearPatch(canvas *image.NRGBA, patch image.Rectangle, _ *image.NRGBA) *image.NRGBA {
	next := cloneNRGBA(canvas)
	draw.Draw(next, patch.Intersect(next.Rect), image.Transparent, image.Point{}, draw.Src)
	return next
}

func restoreSnapshot(canvas *image.NRGBA, _ image.Rectangle, snapshot *image.NRGBA) *image.NRGBA {
	if snapshot == nil {
		return canvas
	}
	return cloneNRGBA(snapshot)
}

func cloneNRGBA(src *image.NRGBA) *image.NRGBA {
	dst := &image.NRGBA{
		Pix:    make([]uint8, len(src.Pix)),
		Stride: src.Stride,
		Rect:   src.Rect,
	}
	copy(dst.Pix, src.Pix)
	return dst
}
