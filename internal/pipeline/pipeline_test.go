package pipeline

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/gif"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/example/qrggif/internal/cache"
	"github.com/example/qrggif/internal/compositor"
	"github.com/example/qrggif/internal/glyph"
	"github.com/example/qrggif/internal/preprocess"
	"github.com/example/qrggif/internal/recognizer"
)

const hashRingFingerprint = "1dd1ecc02ffb16e10c5853a70acbade7f323da6840a7ced3b1cd40d6c4236c72"

// barEngine reads the symbol from the position of a 3px bar: the bar of
// frame i starts at column 3i+1 before the x2 upscale.
type barEngine struct {
	members    []glyph.Symbol
	confidence float64
	failOn     int
	calls      int
	closed     int
}

func (e *barEngine) Recognize(_ context.Context, img image.Image) (recognizer.EngineResult, error) {
	e.calls++
	if e.failOn > 0 && e.calls == e.failOn {
		return recognizer.EngineResult{}, errors.New("engine hiccup")
	}
	b := img.Bounds()
	for x := b.Min.X; x < b.Max.X; x++ {
		for y := b.Min.Y; y < b.Max.Y; y++ {
			if r, _, _, _ := img.At(x, y).RGBA(); r < 0x8000 {
				slot := (x/2 - 1) / 3
				if slot < 0 || slot >= len(e.members) {
					return recognizer.EngineResult{Text: "?", Confidence: 10}, nil
				}
				return recognizer.EngineResult{Text: e.members[slot].String(), Confidence: e.confidence}, nil
			}
		}
	}
	return recognizer.EngineResult{Text: "", Confidence: 0}, nil
}

func (e *barEngine) Close() error {
	e.closed++
	return nil
}

func barFrame(i, frames int) *image.Paletted {
	palette := color.Palette{color.White, color.Black}
	img := image.NewPaletted(image.Rect(0, 0, 3*frames+3, 6), palette)
	for y := 0; y < 6; y++ {
		for x := 3*i + 1; x <= 3*i+3; x++ {
			img.SetColorIndex(x, y, 1)
		}
	}
	return img
}

func barAnimation(t *testing.T, frames int) compositor.RawAnimation {
	t.Helper()
	anim := &gif.GIF{Config: image.Config{Width: 3*frames + 3, Height: 6}}
	for i := 0; i < frames; i++ {
		anim.Image = append(anim.Image, barFrame(i, frames))
		anim.Delay = append(anim.Delay, 20)
		anim.Disposal = append(anim.Disposal, gif.DisposalNone)
	}
	var buf bytes.Buffer
	require.NoError(t, gif.EncodeAll(&buf, anim))
	return compositor.RawAnimation{Data: buf.Bytes()}
}

func newPipeline(engine recognizer.Engine, opts ...Option) *Pipeline {
	handle := recognizer.NewHandle(func(context.Context, recognizer.EngineConfig) (recognizer.Engine, error) {
		return engine, nil
	}, recognizer.DefaultEngineConfig())
	rec := recognizer.New(handle, recognizer.DefaultConfig())
	return New(preprocess.New(preprocess.DefaultOptions()), rec, append([]Option{WithLogger(zap.NewNop())}, opts...)...)
}

func TestRunHashRingEndToEnd(t *testing.T) {
	engine := &barEngine{members: glyph.Members(glyph.RingHash), confidence: 88}
	store := cache.NewArtifactStore(1<<20, time.Minute)
	p := newPipeline(engine, WithArtifacts(store))

	res, err := p.Run(context.Background(), "run-1", barAnimation(t, 5))
	require.NoError(t, err)
	assert.Equal(t, []glyph.Symbol{'ℍ', 'ℎ', '∑', '⑂', '⑃'}, res.Sequence)
	assert.Equal(t, hashRingFingerprint, res.Fingerprint)
	assert.Equal(t, 5, res.FrameCount)
	assert.Len(t, res.Recognitions, 5)

	cached, ok := p.Results().Get(FrameKey("run-1", 2))
	require.True(t, ok)
	require.NotNil(t, cached.Symbol)
	assert.Equal(t, glyph.Symbol('∑'), *cached.Symbol)

	scaled, err := store.Get(cache.ArtifactKey("run-1", 0, string(preprocess.StageScaled)))
	require.NoError(t, err)
	assert.Equal(t, 2*18, scaled.Bounds().Dx())

	require.NoError(t, p.Close())
	require.NoError(t, p.Close())
	assert.Equal(t, 1, engine.closed)
}

func TestRunRejectsFrameCountBeforeOCR(t *testing.T) {
	for _, n := range []int{2, 9} {
		engine := &barEngine{members: glyph.Members(glyph.RingHash), confidence: 88}
		p := newPipeline(engine)
		_, err := p.Run(context.Background(), "run", barAnimation(t, n))
		assert.ErrorIs(t, err, ErrInvalidFrameCount, "frames=%d", n)
		assert.Zero(t, engine.calls)
	}
}

func TestRunDecodeError(t *testing.T) {
	p := newPipeline(&barEngine{})
	_, err := p.Run(context.Background(), "run", compositor.RawAnimation{Data: []byte("GIF89a")})
	assert.ErrorIs(t, err, ErrDecode)
}

func TestRunAbsorbsFrameFailures(t *testing.T) {
	engine := &barEngine{members: glyph.Members(glyph.RingArrow), confidence: 90, failOn: 5}
	p := newPipeline(engine)

	res, err := p.Run(context.Background(), "", barAnimation(t, 5))
	require.NoError(t, err)
	assert.NotEmpty(t, res.CorrelationID)
	assert.Equal(t, []glyph.Symbol{'←', '↑', '→', '↓'}, res.Sequence)
	assert.Len(t, res.Recognitions, 5)
	assert.Contains(t, res.Recognitions[4].Reason, "engine hiccup")
}

func TestRunInsufficientSymbols(t *testing.T) {
	engine := &barEngine{members: glyph.Members(glyph.RingHash), confidence: 70}
	p := newPipeline(engine)

	_, err := p.Run(context.Background(), "run", barAnimation(t, 4))
	assert.ErrorIs(t, err, ErrInsufficientSymbols)
}

func TestRunInvalidSequence(t *testing.T) {
	members := []glyph.Symbol{'ℍ', '⑂', 'ℎ'}
	engine := &barEngine{members: members, confidence: 95}
	p := newPipeline(engine)

	_, err := p.Run(context.Background(), "run", barAnimation(t, 3))
	assert.ErrorIs(t, err, ErrSequenceInvalid)
}

func TestRunEngineUnavailable(t *testing.T) {
	handle := recognizer.NewHandle(func(context.Context, recognizer.EngineConfig) (recognizer.Engine, error) {
		return nil, errors.New("no model")
	}, recognizer.DefaultEngineConfig())
	p := New(preprocess.New(preprocess.DefaultOptions()), recognizer.New(handle, recognizer.DefaultConfig()))

	_, err := p.Run(context.Background(), "run", barAnimation(t, 3))
	assert.ErrorIs(t, err, ErrEngineUnavailable)
}

func TestRunFramesCameraMode(t *testing.T) {
	engine := &barEngine{members: glyph.Members(glyph.RingNumeral), confidence: 99}
	p := newPipeline(engine)

	stills := make([]image.Image, 0, 4)
	for i := 0; i < 4; i++ {
		stills = append(stills, barFrame(i, 4))
	}
	res, err := p.RunFrames(context.Background(), "cam", stills)
	require.NoError(t, err)
	assert.Equal(t, []glyph.Symbol{'①', '②', '③', '④'}, res.Sequence)

	_, err = p.RunFrames(context.Background(), "cam", []image.Image{stills[0], nil, stills[1]})
	assert.ErrorIs(t, err, ErrDecode)
}

func TestRunHonoursCancelledContext(t *testing.T) {
	engine := &barEngine{members: glyph.Members(glyph.RingHash), confidence: 88}
	p := newPipeline(engine)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := p.Run(ctx, "run", barAnimation(t, 3))
	assert.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, engine.calls)
}

func TestRunBurstsSettlesOnMajority(t *testing.T) {
	engine := &barEngine{members: glyph.Members(glyph.RingNumeral), confidence: 93}
	p := newPipeline(engine)

	bursts := [][]image.Image{
		{barFrame(0, 4)},
		{barFrame(1, 4), barFrame(3, 4), barFrame(1, 4)},
		{barFrame(2, 4)},
	}
	res, err := p.RunBursts(context.Background(), "burst", bursts)
	require.NoError(t, err)
	assert.Equal(t, []glyph.Symbol{'①', '②', '③'}, res.Sequence)
	assert.Equal(t, 5, engine.calls)
	assert.Equal(t, 1, res.Recognitions[1].Ordinal)

	_, err = p.RunBursts(context.Background(), "burst", [][]image.Image{{barFrame(0, 4)}, {}, {barFrame(2, 4)}})
	assert.ErrorIs(t, err, ErrDecode)
}

func TestRunForgetsPreviousRunHistory(t *testing.T) {
	engine := &barEngine{members: glyph.Members(glyph.RingNumeral), confidence: 93}
	p := newPipeline(engine)

	first := [][]image.Image{
		{barFrame(0, 4), barFrame(0, 4), barFrame(0, 4)},
		{barFrame(1, 4)},
		{barFrame(2, 4)},
	}
	_, err := p.RunBursts(context.Background(), "first", first)
	require.NoError(t, err)

	engine.members = glyph.Members(glyph.RingHash)
	res, err := p.Run(context.Background(), "second", barAnimation(t, 3))
	require.NoError(t, err)
	assert.Equal(t, []glyph.Symbol{'ℍ', 'ℎ', '∑'}, res.Sequence)
	assert.Equal(t, []glyph.Symbol{'ℍ'}, p.rec.History(0))
}
