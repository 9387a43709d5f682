package pipeline

import (
	"go.uber.org/zap"

	"github.com/example/qrggif/internal/cache"
	"github.com/example/qrggif/internal/config"
	"github.com/example/qrggif/internal/preprocess"
	"github.com/example/qrggif/internal/recognizer"
)

// FromConfig builds a pipeline whose engine comes from factory. The engine
// is started lazily on the first recognition.
func FromConfig(cfg *config.Config, factory recognizer.EngineFactory, logger *zap.Logger) *Pipeline {
	pre := preprocess.New(preprocess.Options{
		Adaptive:       cfg.Preprocess.Adaptive,
		BlockSize:      cfg.Preprocess.BlockSize,
		AdaptiveOffset: cfg.Preprocess.AdaptiveOffset,
		EdgeDetect:     cfg.Preprocess.EdgeDetect,
		Morphology:     preprocess.Morphology(cfg.Preprocess.Morphology),
		KernelSize:     cfg.Preprocess.KernelSize,
		Thinning:       cfg.Preprocess.Thinning,
		Scale:          cfg.Preprocess.Scale,
	})

	engineCfg := recognizer.DefaultEngineConfig()
	if cfg.OCR.Language != "" {
		engineCfg.Language = cfg.OCR.Language
	}
	rec := recognizer.New(recognizer.NewHandle(factory, engineCfg), recognizer.Config{
		ConfidenceThreshold: cfg.OCR.ConfidenceThreshold,
		HistorySize:         cfg.OCR.HistorySize,
		ShapeChecks:         cfg.OCR.ShapeChecks,
	})

	opts := []Option{
		WithLogger(logger),
		WithResultCache(cache.New[recognizer.Result](
			cache.WithCapacity(cfg.Cache.Capacity),
			cache.WithTTL(cfg.Cache.TTL.Duration),
		)),
	}
	if cfg.Cache.KeepArtifacts {
		opts = append(opts, WithArtifacts(cache.NewArtifactStore(cfg.Cache.ArtifactBytes, cfg.Cache.TTL.Duration)))
	}
	return New(pre, rec, opts...)
}
