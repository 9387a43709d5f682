package recognizer

import (
	"context"
	"errors"
	"fmt"
	"image"
	"sync"

	"github.com/example/qrggif/internal/glyph"
)

// ErrEngineUnavailable is returned when the OCR engine cannot be initialized
// or has already been released.
var ErrEngineUnavailable = errors.New("recognizer: OCR engine unavailable")

// PageSegMode mirrors the page segmentation modes of common OCR engines.
type PageSegMode int

// PageSegSingleChar treats the whole image as one character.
const PageSegSingleChar PageSegMode = 10

// EngineConfig is handed to the engine once at initialization.
type EngineConfig struct {
	Language    string
	PageSegMode PageSegMode
	Whitelist   string
}

// DefaultEngineConfig restricts the engine to single characters of the approved alphabet.
func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		Language:    "eng",
		PageSegMode: PageSegSingleChar,
		Whitelist:   glyph.Whitelist(),
	}
}

// EngineResult is the raw answer of an engine for one image.
type EngineResult struct {
	Text       string
	Confidence float64
}

// Engine performs single-character recognition.
type Engine interface {
	Recognize(ctx context.Context, img image.Image) (EngineResult, error)
	Close() error
}

// EngineFactory creates an initialized engine.
type EngineFactory func(ctx context.Context, cfg EngineConfig) (Engine, error)

// Handle owns a lazily initialized engine. Initialization happens once; a
// failure is remembered so later callers fail fast instead of retrying.
type Handle struct {
	mu          sync.Mutex
	factory     EngineFactory
	cfg         EngineConfig
	engine      Engine
	initErr     error
	initialized bool
	closed      bool
}

// NewHandle wraps factory without calling it.
func NewHandle(factory EngineFactory, cfg EngineConfig) *Handle {
	return &Handle{factory: factory, cfg: cfg}
}

// Acquire returns the shared engine, initializing it on first use. The
// initialization keeps ctx's values but not its cancellation, so a caller
// that gives up does not poison the handle for everyone after it.
func (h *Handle) Acquire(ctx context.Context) (Engine, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return nil, fmt.Errorf("%w: handle closed", ErrEngineUnavailable)
	}
	if h.initialized {
		return h.engine, h.initErr
	}
	h.initialized = true
	if h.factory == nil {
		h.initErr = fmt.Errorf("%w: no engine configured", ErrEngineUnavailable)
		return nil, h.initErr
	}
	engine, err := h.factory(context.WithoutCancel(ctx), h.cfg)
	if err != nil {
		h.initErr = fmt.Errorf("%w: %v", ErrEngineUnavailable, err)
		return nil, h.initErr
	}
	h.engine = engine
	return engine, nil
}

// Close releases the engine. Calling it more than once is a no-op.
func (h *Handle) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return nil
	}
	h.closed = true
	if h.engine == nil {
		return nil
	}
	err := h.engine.Close()
	h.engine = nil
	return err
}
