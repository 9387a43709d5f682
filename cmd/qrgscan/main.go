// Command qrgscan decodes a QRGGIF animation or a set of captured stills
// offline and prints the recognized sequence and its fingerprint.
//
//	qrgscan -gif code.gif
//	qrgscan -export cache.csv frame0.png frame1.png frame2.png
//	qrgscan -burst 2 a0.png a1.png b0.png b1.png c0.png c1.png
package main

import (
	"bytes"
	"context"
	"errors"
	"flag"
	"fmt"
	"image"
	_ "image/jpeg"
	"image/png"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/example/qrggif/internal/cache"
	"github.com/example/qrggif/internal/compositor"
	"github.com/example/qrggif/internal/config"
	"github.com/example/qrggif/internal/glyph"
	"github.com/example/qrggif/internal/grpcclient"
	"github.com/example/qrggif/internal/logging"
	"github.com/example/qrggif/internal/pipeline"
	"github.com/example/qrggif/internal/preprocess"
	"github.com/example/qrggif/internal/recognizer"
)

var errUsage = errors.New("qrgscan: pass -gif or at least one still image")

// engineFactory is replaced in tests.
var engineFactory = func(cfg *config.Config, logger *zap.Logger) recognizer.EngineFactory {
	return grpcclient.NewEngineFactory(cfg.OCR.Addr, cfg.OCR.DialTimeout.Duration, logger)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1:], os.Stdout); err != nil {
		fmt.Fprintln(os.Stderr, err)
		if errors.Is(err, errUsage) {
			os.Exit(2)
		}
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("qrgscan", flag.ContinueOnError)
	configPath := fs.String("config", os.Getenv("CONFIG_PATH"), "TOML configuration file")
	gifPath := fs.String("gif", "", "animated GIF to decode")
	exportPath := fs.String("export", "", "write the recognition cache to this file")
	exportFormat := fs.String("format", string(cache.FormatCSV), "cache export format: csv or json")
	artifactDir := fs.String("artifacts", "", "directory for intermediate preprocessing PNGs")
	adaptive := fs.Bool("adaptive", false, "use adaptive instead of Otsu thresholding")
	shapes := fs.Bool("shape-checks", false, "reject symbols failing geometric checks")
	burst := fs.Int("burst", 1, "consecutive stills captured per symbol slot")
	if err := fs.Parse(args); err != nil {
		return err
	}
	stills := fs.Args()
	if *gifPath == "" && len(stills) == 0 {
		fs.Usage()
		return errUsage
	}
	if *burst < 1 {
		return fmt.Errorf("qrgscan: -burst must be at least 1, got %d", *burst)
	}
	format := cache.Format(strings.ToLower(*exportFormat))
	if format != cache.FormatCSV && format != cache.FormatJSON {
		return fmt.Errorf("qrgscan: unsupported export format %q", *exportFormat)
	}

	if err := config.LoadDotEnv(); err != nil {
		return err
	}
	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	cfg.Preprocess.Adaptive = cfg.Preprocess.Adaptive || *adaptive
	cfg.OCR.ShapeChecks = cfg.OCR.ShapeChecks || *shapes
	cfg.Cache.KeepArtifacts = cfg.Cache.KeepArtifacts || *artifactDir != ""

	logger, err := logging.NewLogger(cfg.Log.Level, cfg.Log.Development)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	pipe := pipeline.FromConfig(cfg, engineFactory(cfg, logger), logger)
	defer func() {
		if err := pipe.Close(); err != nil {
			logger.Warn("OCR engine shutdown failed", zap.Error(err))
		}
	}()

	id := uuid.NewString()
	var res *pipeline.Result
	if *gifPath != "" {
		data, err := os.ReadFile(*gifPath)
		if err != nil {
			return fmt.Errorf("qrgscan: read %s: %w", *gifPath, err)
		}
		res, err = pipe.Run(ctx, id, compositor.RawAnimation{Data: data})
		if err != nil {
			return err
		}
	} else {
		images, err := loadStills(stills)
		if err != nil {
			return err
		}
		res, err = pipe.RunBursts(ctx, id, groupBursts(images, *burst))
		if err != nil {
			return err
		}
	}

	printResult(stdout, res)

	if *artifactDir != "" {
		if err := dumpArtifacts(pipe.Artifacts(), *artifactDir, res); err != nil {
			return err
		}
	}
	if *exportPath != "" {
		out, err := pipe.Results().Export(format)
		if err != nil {
			return err
		}
		if err := os.WriteFile(*exportPath, out, 0o644); err != nil {
			return fmt.Errorf("qrgscan: write %s: %w", *exportPath, err)
		}
	}
	return nil
}

func loadStills(paths []string) ([]image.Image, error) {
	out := make([]image.Image, 0, len(paths))
	for _, p := range paths {
		data, err := os.ReadFile(p)
		if err != nil {
			return nil, fmt.Errorf("qrgscan: read %s: %w", p, err)
		}
		img, _, err := image.Decode(bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %v", pipeline.ErrDecode, p, err)
		}
		out = append(out, img)
	}
	return out, nil
}

// groupBursts splits stills into consecutive groups of size n; a short tail
// forms its own slot.
func groupBursts(stills []image.Image, n int) [][]image.Image {
	out := make([][]image.Image, 0, (len(stills)+n-1)/n)
	for len(stills) > 0 {
		k := min(n, len(stills))
		out = append(out, stills[:k])
		stills = stills[k:]
	}
	return out
}

func printResult(w io.Writer, res *pipeline.Result) {
	fmt.Fprintf(w, "correlation_id: %s\n", res.CorrelationID)
	fmt.Fprintf(w, "frames: %d\n", res.FrameCount)
	for _, r := range res.Recognitions {
		if r.Accepted() {
			fmt.Fprintf(w, "  frame %d: %s (%.1f)\n", r.Ordinal, *r.Symbol, r.Confidence)
			continue
		}
		fmt.Fprintf(w, "  frame %d: rejected (%s)\n", r.Ordinal, r.Reason)
	}
	fmt.Fprintf(w, "sequence: %s\n", strings.Join(glyph.Strings(res.Sequence), " "))
	fmt.Fprintf(w, "fingerprint: %s\n", res.Fingerprint)
}

var artifactStages = []preprocess.Stage{
	preprocess.StageThreshold,
	preprocess.StageDenoise,
	preprocess.StageEdges,
	preprocess.StageMorph,
	preprocess.StageThinned,
	preprocess.StageContrast,
	preprocess.StageScaled,
}

func dumpArtifacts(store *cache.ArtifactStore, dir string, res *pipeline.Result) error {
	if store == nil {
		return nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	for i := 0; i < res.FrameCount; i++ {
		for _, stage := range artifactStages {
			key := cache.ArtifactKey(res.CorrelationID, i, string(stage))
			img, err := store.Get(key)
			if errors.Is(err, cache.ErrArtifactMissing) {
				continue
			}
			if err != nil {
				return err
			}
			if err := writePNG(filepath.Join(dir, fmt.Sprintf("frame%d_%s.png", i, stage)), img); err != nil {
				return err
			}
		}
	}
	return nil
}

func writePNG(path string, img image.Image) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := png.Encode(f, img); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
