package compositor

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/gif"
)

// ErrDecode reports a malformed, truncated or empty animation container.
var ErrDecode = errors.New("compositor: decode failed")

// Decode parses an animated GIF into its logical screen and raw patches.
func Decode(raw RawAnimation) (*Animation, error) {
	if len(raw.Data) == 0 {
		return nil, fmt.Errorf("%w: empty input", ErrDecode)
	}
	data, screenW, screenH := coverFrames(raw.Data)
	g, err := gif.DecodeAll(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	if len(g.Image) == 0 {
		return nil, fmt.Errorf("%w: container declares zero frames", ErrDecode)
	}

	anim := &Animation{
		Width:  raw.Width,
		Height: raw.Height,
		Frames: make([]Frame, 0, len(g.Image)),
	}
	if anim.Width <= 0 || anim.Height <= 0 {
		anim.Width, anim.Height = screenW, screenH
	}
	grow := anim.Width <= 0 || anim.Height <= 0

	for i, p := range g.Image {
		frame, err := patchFromPaletted(i, p)
		if err != nil {
			return nil, err
		}
		if i < len(g.Delay) {
			frame.DelayMs = g.Delay[i] * 10
		}
		if i < len(g.Disposal) {
			frame.Disposal = disposalFromGIF(g.Disposal[i])
		}
		if grow {
			// no logical screen; grow to cover every patch
			b := frame.Bounds()
			anim.Width, anim.Height = max(anim.Width, b.Max.X), max(anim.Height, b.Max.Y)
		}
		anim.Frames = append(anim.Frames, frame)
	}
	return anim, nil
}

// coverFrames returns data with its logical screen grown to cover every
// image descriptor, so patches reaching past the declared screen decode and
// are clipped by the compositor rather than rejected. It also returns the
// declared screen size. Streams that cannot be walked are returned as is for
// the decoder to reject.
func coverFrames(data []byte) ([]byte, int, int) {
	if len(data) < 13 {
		return data, 0, 0
	}
	declaredW := int(binary.LittleEndian.Uint16(data[6:8]))
	declaredH := int(binary.LittleEndian.Uint16(data[8:10]))

	w, h, ok := frameExtent(data)
	if !ok || (w <= declaredW && h <= declaredH) {
		return data, declaredW, declaredH
	}
	patched := append([]byte(nil), data...)
	binary.LittleEndian.PutUint16(patched[6:8], uint16(min(max(w, declaredW), 0xFFFF)))
	binary.LittleEndian.PutUint16(patched[8:10], uint16(min(max(h, declaredH), 0xFFFF)))
	return patched, declaredW, declaredH
}

const (
	blockExtension  = 0x21
	blockDescriptor = 0x2C
	blockTrailer    = 0x3B
	colorTableFlag  = 0x80
)

// frameExtent walks the GIF block structure and returns the smallest screen
// holding every image descriptor.
func frameExtent(data []byte) (w, h int, ok bool) {
	pos := 13
	if data[10]&colorTableFlag != 0 {
		pos += 3 << (uint(data[10]&0x07) + 1)
	}
	skipSubBlocks := func() bool {
		for pos < len(data) {
			n := int(data[pos])
			pos += 1 + n
			if n == 0 {
				return true
			}
		}
		return false
	}

	for pos < len(data) {
		switch data[pos] {
		case blockExtension:
			pos += 2
			if !skipSubBlocks() {
				return w, h, false
			}
		case blockDescriptor:
			if pos+10 > len(data) {
				return w, h, false
			}
			d := data[pos+1 : pos+10]
			left := int(binary.LittleEndian.Uint16(d[0:2]))
			top := int(binary.LittleEndian.Uint16(d[2:4]))
			w = max(w, left+int(binary.LittleEndian.Uint16(d[4:6])))
			h = max(h, top+int(binary.LittleEndian.Uint16(d[6:8])))
			pos += 10
			if d[8]&colorTableFlag != 0 {
				pos += 3 << (uint(d[8]&0x07) + 1)
			}
			pos++ // LZW minimum code size
			if !skipSubBlocks() {
				return w, h, false
			}
		case blockTrailer:
			return w, h, true
		default:
			return w, h, false
		}
	}
	return w, h, false
}

func patchFromPaletted(index int, p *image.Paletted) (Frame, error) {
	b := p.Bounds()
	frame := Frame{
		Index:  index,
		Width:  b.Dx(),
		Height: b.Dy(),
		Left:   b.Min.X,
		Top:    b.Min.Y,
		Pixels: make([]uint8, 0, b.Dx()*b.Dy()*4),
	}
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			idx := int(p.ColorIndexAt(x, y))
			if idx >= len(p.Palette) {
				return Frame{}, fmt.Errorf("%w: frame %d references palette entry %d of %d", ErrDecode, index, idx, len(p.Palette))
			}
			c := color.NRGBAModel.Convert(p.Palette[idx]).(color.NRGBA)
			frame.Pixels = append(frame.Pixels, c.R, c.G, c.B, c.A)
		}
	}
	return frame, nil
}

// Compositor owns the accumulation canvas of one compose run.
type Compositor struct {
	canvas *image.NRGBA
}

// New returns a compositor with a transparent width x height canvas.
func New(width, height int) *Compositor {
	return &Compositor{canvas: image.NewNRGBA(image.Rect(0, 0, width, height))}
}

// Next draws f, emits the composed canvas and applies f's disposal.
func (c *Compositor) Next(f Frame) (ComposedFrame, error) {
	if f.Width < 0 || f.Height < 0 || len(f.Pixels) < f.Width*f.Height*4 {
		return ComposedFrame{}, fmt.Errorf("%w: frame %d patch is truncated", ErrDecode, f.Index)
	}

	var snapshot *image.NRGBA
	if f.Disposal == DisposalRestorePrevious {
		snapshot = cloneNRGBA(c.canvas)
	}

	drawPatch(c.canvas, f)
	out := ComposedFrame{Index: f.Index, DelayMs: f.DelayMs, Image: cloneNRGBA(c.canvas)}

	dispose, ok := disposers[f.Disposal]
	if !ok {
		dispose = keepCanvas
	}
	c.canvas = dispose(c.canvas, f.Bounds(), snapshot)
	return out, nil
}

// Canvas returns a copy of the buffer the next frame will be drawn on.
func (c *Compositor) Canvas() *image.NRGBA {
	return cloneNRGBA(c.canvas)
}

// drawPatch copies every patch pixel, alpha included, onto the canvas.
// Pixels outside the canvas are dropped.
func drawPatch(canvas *image.NRGBA, f Frame) {
	bounds := canvas.Rect
	for row := 0; row < f.Height; row++ {
		dy := f.Top + row
		if dy < bounds.Min.Y || dy >= bounds.Max.Y {
			continue
		}
		for col := 0; col < f.Width; col++ {
			dx := f.Left + col
			if dx < bounds.Min.X || dx >= bounds.Max.X {
				continue
			}
			src := (row*f.Width + col) * 4
			dst := canvas.PixOffset(dx, dy)
			copy(canvas.Pix[dst:dst+4], f.Pixels[src:src+4])
		}
	}
}

// Compose renders every frame of anim onto the accumulation canvas.
func Compose(anim *Animation) ([]ComposedFrame, error) {
	if anim == nil || len(anim.Frames) == 0 {
		return nil, fmt.Errorf("%w: no frames", ErrDecode)
	}
	if anim.Width <= 0 || anim.Height <= 0 {
		return nil, fmt.Errorf("%w: invalid canvas %dx%d", ErrDecode, anim.Width, anim.Height)
	}

	c := New(anim.Width, anim.Height)
	out := make([]ComposedFrame, 0, len(anim.Frames))
	for _, f := range anim.Frames {
		composed, err := c.Next(f)
		if err != nil {
			return nil, err
		}
		out = append(out, composed)
	}
	return out, nil
}

// ComposeRaw decodes raw and composes its frames.
func ComposeRaw(raw RawAnimation) ([]ComposedFrame, error) {
	anim, err := Decode(raw)
	if err != nil {
		return nil, err
	}
	return Compose(anim)
}
