package recognizer

import (
	"context"
	"errors"
	"image"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/qrggif/internal/glyph"
	"github.com/example/qrggif/internal/preprocess"
	"github.com/example/qrggif/internal/validator"
)

type scriptedEngine struct {
	answers []EngineResult
	calls   int
	err     error
	closed  int
}

func (e *scriptedEngine) Recognize(_ context.Context, _ image.Image) (EngineResult, error) {
	if e.err != nil {
		return EngineResult{}, e.err
	}
	a := e.answers[e.calls%len(e.answers)]
	e.calls++
	return a, nil
}

func (e *scriptedEngine) Close() error {
	e.closed++
	return nil
}

func factoryFor(engine Engine, builds *int) EngineFactory {
	return func(context.Context, EngineConfig) (Engine, error) {
		if builds != nil {
			*builds++
		}
		return engine, nil
	}
}

func whiteFrame(ordinal int) preprocess.Image {
	img := image.NewNRGBA(image.Rect(0, 0, 8, 8))
	for i := range img.Pix {
		img.Pix[i] = 255
	}
	return preprocess.Image{Ordinal: ordinal, Raster: img}
}

func TestAcceptRules(t *testing.T) {
	r := New(NewHandle(nil, DefaultEngineConfig()), DefaultConfig())

	tests := []struct {
		name   string
		raw    EngineResult
		want   rune
		reason string
	}{
		{name: "approved above threshold", raw: EngineResult{Text: "ℍ", Confidence: 71}, want: 'ℍ'},
		{name: "surrounding whitespace", raw: EngineResult{Text: " ↑\n", Confidence: 95}, want: '↑'},
		{name: "exactly at threshold", raw: EngineResult{Text: "ℍ", Confidence: 70}, reason: ReasonLowConfidence},
		{name: "unapproved character", raw: EngineResult{Text: "A", Confidence: 99}, reason: ReasonNotApproved},
		{name: "two characters", raw: EngineResult{Text: "ℍℎ", Confidence: 99}, reason: ReasonNotSingleChar},
		{name: "empty text", raw: EngineResult{Text: "", Confidence: 99}, reason: ReasonNotSingleChar},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := r.Accept(tt.raw, 3)
			assert.Equal(t, 3, res.Ordinal)
			assert.Equal(t, tt.raw.Confidence, res.Confidence)
			if tt.reason != "" {
				assert.Nil(t, res.Symbol)
				assert.False(t, res.Accepted())
				assert.Equal(t, tt.reason, res.Reason)
				return
			}
			require.NotNil(t, res.Symbol)
			assert.Equal(t, glyph.Symbol(tt.want), *res.Symbol)
		})
	}
}

func TestHandleInitializesOnce(t *testing.T) {
	engine := &scriptedEngine{answers: []EngineResult{{Text: "ℍ", Confidence: 90}}}
	builds := 0
	h := NewHandle(factoryFor(engine, &builds), DefaultEngineConfig())

	for i := 0; i < 3; i++ {
		got, err := h.Acquire(context.Background())
		require.NoError(t, err)
		assert.Same(t, engine, got)
	}
	assert.Equal(t, 1, builds)

	require.NoError(t, h.Close())
	require.NoError(t, h.Close())
	assert.Equal(t, 1, engine.closed)

	_, err := h.Acquire(context.Background())
	assert.ErrorIs(t, err, ErrEngineUnavailable)
}

func TestHandleRemembersInitFailure(t *testing.T) {
	builds := 0
	h := NewHandle(func(context.Context, EngineConfig) (Engine, error) {
		builds++
		return nil, errors.New("model missing")
	}, DefaultEngineConfig())

	_, err := h.Acquire(context.Background())
	assert.ErrorIs(t, err, ErrEngineUnavailable)
	_, err = h.Acquire(context.Background())
	assert.ErrorIs(t, err, ErrEngineUnavailable)
	assert.Equal(t, 1, builds)
	assert.NoError(t, h.Close())
}

func TestRecognizeRecordsHistory(t *testing.T) {
	engine := &scriptedEngine{answers: []EngineResult{
		{Text: "ℍ", Confidence: 90},
		{Text: "ℎ", Confidence: 60},
		{Text: "ℎ", Confidence: 80},
	}}
	r := New(NewHandle(factoryFor(engine, nil), DefaultEngineConfig()), DefaultConfig())

	var accepted int
	for i := 0; i < 3; i++ {
		res, err := r.Recognize(context.Background(), 0, whiteFrame(i))
		require.NoError(t, err)
		if res.Accepted() {
			accepted++
		}
	}
	assert.Equal(t, 2, accepted)
	assert.Equal(t, []glyph.Symbol{'ℍ', 'ℎ'}, r.History(0))

	r.ResetHistory()
	assert.Empty(t, r.History(0))
}

func TestHistoryKeepsLastFive(t *testing.T) {
	answers := make([]EngineResult, 0, 7)
	for _, s := range "ℍℎ∑⑂⑃ℍℎ" {
		answers = append(answers, EngineResult{Text: string(s), Confidence: 99})
	}
	engine := &scriptedEngine{answers: answers}
	r := New(NewHandle(factoryFor(engine, nil), DefaultEngineConfig()), DefaultConfig())

	for i := range answers {
		_, err := r.Recognize(context.Background(), 2, whiteFrame(i))
		require.NoError(t, err)
	}
	assert.Equal(t, []glyph.Symbol{'∑', '⑂', '⑃', 'ℍ', 'ℎ'}, r.History(2))
	assert.Empty(t, r.History(0))
}

func TestMostFrequentTieGoesToEarliest(t *testing.T) {
	engine := &scriptedEngine{answers: []EngineResult{
		{Text: "←", Confidence: 90},
		{Text: "↑", Confidence: 90},
		{Text: "↑", Confidence: 90},
		{Text: "←", Confidence: 90},
	}}
	r := New(NewHandle(factoryFor(engine, nil), DefaultEngineConfig()), DefaultConfig())

	_, ok := r.MostFrequent(1)
	assert.False(t, ok)

	for i := 0; i < 4; i++ {
		_, err := r.Recognize(context.Background(), 1, whiteFrame(i))
		require.NoError(t, err)
	}
	got, ok := r.MostFrequent(1)
	require.True(t, ok)
	assert.Equal(t, glyph.Symbol('←'), got)
}

func TestRecognizeEngineErrors(t *testing.T) {
	engine := &scriptedEngine{err: errors.New("segfault")}
	r := New(NewHandle(factoryFor(engine, nil), DefaultEngineConfig()), DefaultConfig())

	res, err := r.Recognize(context.Background(), 0, whiteFrame(4))
	assert.ErrorIs(t, err, ErrRecognition)
	assert.Equal(t, 4, res.Ordinal)
	assert.Nil(t, res.Symbol)

	unavailable := New(NewHandle(nil, DefaultEngineConfig()), DefaultConfig())
	_, err = unavailable.Recognize(context.Background(), 0, whiteFrame(0))
	assert.ErrorIs(t, err, ErrEngineUnavailable)
}

func TestRecognizeEmptyFrameSkipsEngine(t *testing.T) {
	engine := &scriptedEngine{answers: []EngineResult{{Text: "ℍ", Confidence: 99}}}
	r := New(NewHandle(factoryFor(engine, nil), DefaultEngineConfig()), DefaultConfig())

	res, err := r.Recognize(context.Background(), 0, preprocess.Image{Ordinal: 1})
	require.NoError(t, err)
	assert.Equal(t, ReasonEmptyFrame, res.Reason)
	assert.Zero(t, engine.calls)
}

func TestShapeChecksRejectBlankRaster(t *testing.T) {
	engine := &scriptedEngine{answers: []EngineResult{{Text: "→", Confidence: 99}}}
	cfg := DefaultConfig()
	cfg.ShapeChecks = true
	r := New(NewHandle(factoryFor(engine, nil), DefaultEngineConfig()), cfg)

	res, err := r.Recognize(context.Background(), 0, whiteFrame(0))
	require.NoError(t, err)
	assert.Nil(t, res.Symbol)
	assert.Contains(t, res.Reason, validator.ErrStrokes.Error())
	assert.Empty(t, r.History(0))
}

func TestDefaultEngineConfigUsesWhitelist(t *testing.T) {
	cfg := DefaultEngineConfig()
	assert.Equal(t, PageSegSingleChar, cfg.PageSegMode)
	assert.Equal(t, glyph.Whitelist(), cfg.Whitelist)
}

type ctxKey struct{}

func TestHandleSurvivesCancelledFirstCaller(t *testing.T) {
	engine := &scriptedEngine{answers: []EngineResult{{Text: "ℍ", Confidence: 90}}}
	var seen []any
	h := NewHandle(func(ctx context.Context, _ EngineConfig) (Engine, error) {
		seen = append(seen, ctx.Value(ctxKey{}))
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		return engine, nil
	}, DefaultEngineConfig())

	ctx, cancel := context.WithCancel(context.WithValue(context.Background(), ctxKey{}, "req-1"))
	cancel()

	got, err := h.Acquire(ctx)
	require.NoError(t, err, "a caller that went away must not fail the engine start")
	assert.Same(t, engine, got)

	got, err = h.Acquire(context.Background())
	require.NoError(t, err)
	assert.Same(t, engine, got)
	assert.Equal(t, []any{"req-1"}, seen, "initialized once, with the caller's values")
}
