package pipeline

import (
	"context"
	"errors"
	"fmt"
	"image"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/example/qrggif/internal/cache"
	"github.com/example/qrggif/internal/compositor"
	"github.com/example/qrggif/internal/fingerprint"
	"github.com/example/qrggif/internal/glyph"
	"github.com/example/qrggif/internal/logging"
	"github.com/example/qrggif/internal/preprocess"
	"github.com/example/qrggif/internal/recognizer"
	"github.com/example/qrggif/internal/validator"
)

var (
	ErrDecode              = compositor.ErrDecode
	ErrInvalidFrameCount   = errors.New("pipeline: frame count outside [3, 8]")
	ErrRecognition         = recognizer.ErrRecognition
	ErrInsufficientSymbols = errors.New("pipeline: fewer than 3 symbols recognized")
	ErrSequenceInvalid     = errors.New("pipeline: sequence invalid")
	ErrEngineUnavailable   = recognizer.ErrEngineUnavailable
)

// Result is the outcome of one successful run.
type Result struct {
	CorrelationID string              `json:"correlation_id"`
	FrameCount    int                 `json:"frame_count"`
	Recognitions  []recognizer.Result `json:"recognitions"`
	Sequence      []glyph.Symbol      `json:"sequence"`
	Fingerprint   string              `json:"fingerprint"`
	Duration      time.Duration       `json:"duration"`
}

// Option customizes a Pipeline.
type Option func(*Pipeline)

// WithLogger sets the logger; the default discards everything.
func WithLogger(logger *zap.Logger) Option {
	return func(p *Pipeline) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// WithResultCache replaces the per-frame recognition cache.
func WithResultCache(c *cache.ResultCache[recognizer.Result]) Option {
	return func(p *Pipeline) {
		if c != nil {
			p.results = c
		}
	}
}

// WithArtifacts keeps every intermediate preprocessing raster in store.
func WithArtifacts(store *cache.ArtifactStore) Option {
	return func(p *Pipeline) {
		p.artifacts = store
	}
}

// Pipeline turns an animation into a validated symbol sequence and its
// fingerprint. Runs are serialized: compositing is ordered and the engine
// serves one call at a time.
type Pipeline struct {
	mu        sync.Mutex
	pre       *preprocess.Preprocessor
	rec       *recognizer.Recognizer
	results   *cache.ResultCache[recognizer.Result]
	artifacts *cache.ArtifactStore
	logger    *zap.Logger
}

// New wires the preprocessing and recognition stages.
func New(pre *preprocess.Preprocessor, rec *recognizer.Recognizer, opts ...Option) *Pipeline {
	p := &Pipeline{
		pre:     pre,
		rec:     rec,
		results: cache.New[recognizer.Result](),
		logger:  zap.NewNop(),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.logger = p.logger.Named("pipeline")
	return p
}

// Run decodes and composites raw, then recognizes every frame. An empty
// correlationID is replaced by a random one.
func (p *Pipeline) Run(ctx context.Context, correlationID string, raw compositor.RawAnimation) (*Result, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if correlationID == "" {
		correlationID = uuid.NewString()
	}
	frames, err := compositor.ComposeRaw(raw)
	if err != nil {
		wrapped := logging.NewOperationError("pipeline.decode", correlationID, err)
		logging.WithOperation(p.logger, "pipeline.decode", correlationID).Warn("animation rejected", zap.Error(err))
		return nil, wrapped
	}
	slots := make([][]compositor.ComposedFrame, len(frames))
	for i, f := range frames {
		slots[i] = []compositor.ComposedFrame{f}
	}
	return p.process(ctx, correlationID, slots)
}

// RunFrames recognizes pre-captured stills in order without compositing.
func (p *Pipeline) RunFrames(ctx context.Context, correlationID string, stills []image.Image) (*Result, error) {
	bursts := make([][]image.Image, len(stills))
	for i, still := range stills {
		bursts[i] = []image.Image{still}
	}
	return p.RunBursts(ctx, correlationID, bursts)
}

// RunBursts recognizes camera captures where bursts[i] holds repeated
// captures of symbol slot i. The slot's symbol is the most frequent one
// accepted across its captures.
func (p *Pipeline) RunBursts(ctx context.Context, correlationID string, bursts [][]image.Image) (*Result, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if correlationID == "" {
		correlationID = uuid.NewString()
	}
	slots := make([][]compositor.ComposedFrame, 0, len(bursts))
	for i, burst := range bursts {
		if len(burst) == 0 {
			return nil, logging.NewOperationError("pipeline.frames", correlationID, fmt.Errorf("%w: slot %d has no captures", ErrDecode, i))
		}
		captures := make([]compositor.ComposedFrame, 0, len(burst))
		for _, still := range burst {
			if still == nil {
				return nil, logging.NewOperationError("pipeline.frames", correlationID, fmt.Errorf("%w: frame %d is empty", ErrDecode, i))
			}
			captures = append(captures, preprocess.FromImage(i, still))
		}
		slots = append(slots, captures)
	}
	return p.process(ctx, correlationID, slots)
}

func (p *Pipeline) process(ctx context.Context, correlationID string, slots [][]compositor.ComposedFrame) (*Result, error) {
	start := time.Now()
	opLogger := logging.WithOperation(p.logger, "pipeline.run", correlationID)

	if n := len(slots); n < validator.MinSequenceLength || n > validator.MaxSequenceLength {
		return nil, logging.NewOperationError("pipeline.frame_count", correlationID, fmt.Errorf("%w: got %d", ErrInvalidFrameCount, n))
	}

	// history is per run; slot n of one animation says nothing about the next
	p.rec.ResetHistory()

	result := &Result{
		CorrelationID: correlationID,
		FrameCount:    len(slots),
		Recognitions:  make([]recognizer.Result, 0, len(slots)),
	}
	for slot, captures := range slots {
		res, err := p.recognizeSlot(ctx, opLogger, correlationID, slot, captures)
		if err != nil {
			return nil, err
		}

		p.results.Set(FrameKey(correlationID, slot), res)
		result.Recognitions = append(result.Recognitions, res)
		if res.Symbol != nil {
			result.Sequence = append(result.Sequence, *res.Symbol)
		}
	}

	if len(result.Sequence) < validator.MinSequenceLength {
		return nil, logging.NewOperationError("pipeline.sequence", correlationID,
			fmt.Errorf("%w: %d of %d frames", ErrInsufficientSymbols, len(result.Sequence), len(slots)))
	}
	if err := validator.Check(result.Sequence); err != nil {
		opLogger.Info("sequence rejected", zap.Strings("sequence", glyph.Strings(result.Sequence)), zap.Error(err))
		return nil, logging.NewOperationError("pipeline.validate", correlationID, fmt.Errorf("%w: %w", ErrSequenceInvalid, err))
	}

	result.Fingerprint = fingerprint.Compute(result.Sequence)
	result.Duration = time.Since(start)
	opLogger.Info("sequence recognized",
		zap.Strings("sequence", glyph.Strings(result.Sequence)),
		zap.String("fingerprint", result.Fingerprint),
		zap.Duration("duration", result.Duration),
	)
	return result, nil
}

// recognizeSlot runs every capture of one slot and settles on the most
// frequent accepted symbol, reporting the best confidence seen for it. Only
// an unavailable engine is returned as an error.
func (p *Pipeline) recognizeSlot(ctx context.Context, logger *zap.Logger, correlationID string, slot int, captures []compositor.ComposedFrame) (recognizer.Result, error) {
	var last recognizer.Result
	var accepted []recognizer.Result
	for _, frame := range captures {
		if err := ctx.Err(); err != nil {
			return recognizer.Result{}, logging.NewOperationError("pipeline.run", correlationID, err)
		}

		img := p.pre.ProcessObserved(frame, p.observer(logger, correlationID, slot))
		res, err := p.rec.Recognize(ctx, slot, img)
		if errors.Is(err, ErrEngineUnavailable) {
			logger.Error("OCR engine unavailable", zap.Error(err))
			return recognizer.Result{}, logging.NewOperationError("pipeline.recognize", correlationID, err)
		}
		if err != nil {
			logger.Warn("frame recognition failed", zap.Int("frame", slot), zap.Error(err))
			res.Reason = err.Error()
		} else if !res.Accepted() {
			logger.Debug("frame dropped", zap.Int("frame", slot), zap.String("reason", res.Reason))
		}
		res.Ordinal = slot
		last = res
		if res.Accepted() {
			accepted = append(accepted, res)
		}
	}

	winner, ok := p.rec.MostFrequent(slot)
	if !ok {
		return last, nil
	}
	best := recognizer.Result{Ordinal: slot}
	for _, res := range accepted {
		if *res.Symbol == winner && (best.Symbol == nil || res.Confidence > best.Confidence) {
			best = res
		}
	}
	if best.Symbol == nil {
		return last, nil
	}
	return best, nil
}

func (p *Pipeline) observer(logger *zap.Logger, correlationID string, ordinal int) preprocess.Observer {
	if p.artifacts == nil {
		return nil
	}
	return func(stage preprocess.Stage, raster *image.NRGBA) {
		key := cache.ArtifactKey(correlationID, ordinal, string(stage))
		if err := p.artifacts.Put(key, raster); err != nil {
			logger.Debug("artifact not stored", zap.String("key", key), zap.Error(err))
		}
	}
}

// FrameKey is the result cache key of one frame of one run.
func FrameKey(correlationID string, ordinal int) string {
	return fmt.Sprintf("%s:frame:%d", correlationID, ordinal)
}

// Results exposes the per-frame recognition cache.
func (p *Pipeline) Results() *cache.ResultCache[recognizer.Result] {
	return p.results
}

// Artifacts returns the artifact store, or nil when artifacts are not kept.
func (p *Pipeline) Artifacts() *cache.ArtifactStore {
	return p.artifacts
}

// Close releases the OCR engine.
func (p *Pipeline) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.rec.Close()
}
