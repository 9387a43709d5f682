package recognizer

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/example/qrggif/internal/glyph"
	"github.com/example/qrggif/internal/preprocess"
	"github.com/example/qrggif/internal/validator"
)

const (
	DefaultConfidenceThreshold = 70
	DefaultHistorySize         = 5
)

// ErrRecognition wraps a failed engine call for a single frame.
var ErrRecognition = errors.New("recognizer: recognition failed")

// Rejection reasons reported on Result.
const (
	ReasonEmptyFrame    = "empty frame"
	ReasonNotSingleChar = "not a single character"
	ReasonNotApproved   = "not in approved alphabet"
	ReasonLowConfidence = "confidence below threshold"
)

// Config tunes acceptance.
type Config struct {
	// ConfidenceThreshold must be strictly exceeded.
	ConfidenceThreshold float64
	HistorySize         int
	// ShapeChecks runs the geometric heuristics on accepted symbols.
	ShapeChecks bool
}

// DefaultConfig accepts symbols above confidence 70 and remembers five per slot.
func DefaultConfig() Config {
	return Config{
		ConfidenceThreshold: DefaultConfidenceThreshold,
		HistorySize:         DefaultHistorySize,
	}
}

// Result is the outcome for one frame. Symbol is nil when rejected.
type Result struct {
	Symbol     *glyph.Symbol `json:"symbol"`
	Confidence float64       `json:"confidence"`
	Ordinal    int           `json:"ordinal"`
	Text       string        `json:"text,omitempty"`
	Reason     string        `json:"reason,omitempty"`
}

// Accepted reports whether a symbol was recognized.
func (r Result) Accepted() bool {
	return r.Symbol != nil
}

// Recognizer turns preprocessed frames into symbols through an engine.
type Recognizer struct {
	handle *Handle
	cfg    Config

	mu      sync.Mutex
	history map[int][]glyph.Symbol
}

// New builds a recognizer on top of handle.
func New(handle *Handle, cfg Config) *Recognizer {
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = DefaultHistorySize
	}
	return &Recognizer{
		handle:  handle,
		cfg:     cfg,
		history: make(map[int][]glyph.Symbol),
	}
}

// Config returns the acceptance settings.
func (r *Recognizer) Config() Config {
	return r.cfg
}

// Accept applies the acceptance rules to a raw engine answer: exactly one
// code point, approved, and confidence strictly above the threshold.
func (r *Recognizer) Accept(raw EngineResult, ordinal int) Result {
	text := strings.TrimSpace(raw.Text)
	res := Result{Confidence: raw.Confidence, Ordinal: ordinal, Text: text}

	if utf8.RuneCountInString(text) != 1 {
		res.Reason = ReasonNotSingleChar
		return res
	}
	first, _ := utf8.DecodeRuneInString(text)
	sym := glyph.Symbol(first)
	if !glyph.IsApproved(sym) {
		res.Reason = ReasonNotApproved
		return res
	}
	if raw.Confidence <= r.cfg.ConfidenceThreshold {
		res.Reason = ReasonLowConfidence
		return res
	}
	res.Symbol = &sym
	return res
}

// Recognize runs the engine on img and records accepted symbols in the
// history of slot. Engine failures wrap ErrRecognition; an engine that cannot
// start yields ErrEngineUnavailable.
func (r *Recognizer) Recognize(ctx context.Context, slot int, img preprocess.Image) (Result, error) {
	if img.Raster == nil || img.Raster.Bounds().Empty() {
		return Result{Ordinal: img.Ordinal, Reason: ReasonEmptyFrame}, nil
	}

	engine, err := r.handle.Acquire(ctx)
	if err != nil {
		return Result{Ordinal: img.Ordinal}, err
	}
	raw, err := engine.Recognize(ctx, img.Raster)
	if err != nil {
		return Result{Ordinal: img.Ordinal}, fmt.Errorf("%w: frame %d: %v", ErrRecognition, img.Ordinal, err)
	}

	res := r.Accept(raw, img.Ordinal)
	if res.Symbol != nil && r.cfg.ShapeChecks {
		if err := validator.CheckShape(img.Raster, *res.Symbol); err != nil {
			res.Reason = err.Error()
			res.Symbol = nil
		}
	}
	if res.Symbol != nil {
		r.remember(slot, *res.Symbol)
	}
	return res, nil
}

func (r *Recognizer) remember(slot int, s glyph.Symbol) {
	r.mu.Lock()
	defer r.mu.Unlock()

	h := append(r.history[slot], s)
	if len(h) > r.cfg.HistorySize {
		h = h[len(h)-r.cfg.HistorySize:]
	}
	r.history[slot] = h
}

// History returns the remembered symbols of slot, oldest first.
func (r *Recognizer) History(slot int) []glyph.Symbol {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]glyph.Symbol, len(r.history[slot]))
	copy(out, r.history[slot])
	return out
}

// MostFrequent returns the most common symbol in the history of slot. Ties go
// to the symbol that entered the history first.
func (r *Recognizer) MostFrequent(slot int) (glyph.Symbol, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	h := r.history[slot]
	if len(h) == 0 {
		return 0, false
	}
	counts := make(map[glyph.Symbol]int, len(h))
	for _, s := range h {
		counts[s]++
	}
	best, bestCount := h[0], counts[h[0]]
	for _, s := range h[1:] {
		if counts[s] > bestCount {
			best, bestCount = s, counts[s]
		}
	}
	return best, true
}

// ResetHistory forgets every slot.
func (r *Recognizer) ResetHistory() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.history = make(map[int][]glyph.Symbol)
}

// Close releases the underlying engine.
func (r *Recognizer) Close() error {
	return r.handle.Close()
}
