package grpcclient

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"image"
	"image/png"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/example/qrggif/internal/logging"
	"github.com/example/qrggif/internal/recognizer"
)

// Methods of the OCR engine service. Messages are google.protobuf.Struct so
// engines in any language can serve them without shared generated code.
const (
	MethodInitialize = "/ocr.v1.OCREngine/Initialize"
	MethodRecognize  = "/ocr.v1.OCREngine/Recognize"
	MethodTerminate  = "/ocr.v1.OCREngine/Terminate"
)

// NewEngineFactory returns a factory that dials addr and initializes a remote
// engine. Extra dial options are appended after the defaults.
func NewEngineFactory(addr string, dialTimeout time.Duration, logger *zap.Logger, opts ...grpc.DialOption) recognizer.EngineFactory {
	return func(ctx context.Context, cfg recognizer.EngineConfig) (recognizer.Engine, error) {
		return DialOCREngine(ctx, addr, dialTimeout, cfg, logger, opts...)
	}
}

// DialOCREngine connects to the engine at addr and sends the initialization
// parameters. dialTimeout bounds both steps.
func DialOCREngine(ctx context.Context, addr string, dialTimeout time.Duration, cfg recognizer.EngineConfig, logger *zap.Logger, opts ...grpc.DialOption) (*OCREngine, error) {
	if dialTimeout <= 0 {
		dialTimeout = 5 * time.Second
	}
	dialCtx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()

	dialOpts := append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithBlock(),
	}, opts...)
	conn, err := grpc.DialContext(dialCtx, addr, dialOpts...)
	if err != nil {
		wrapped := logging.NewOperationError("grpcclient.dial_ocr_engine", "", err)
		logger.Error("failed to dial OCR engine", zap.Error(wrapped), zap.String("addr", addr))
		return nil, wrapped
	}

	engine := &OCREngine{conn: conn, logger: logger.Named("ocr_engine")}
	if err := engine.initialize(dialCtx, cfg); err != nil {
		_ = conn.Close()
		return nil, err
	}
	return engine, nil
}

// OCREngine is a recognizer.Engine backed by a remote service.
type OCREngine struct {
	conn   *grpc.ClientConn
	logger *zap.Logger
}

func (e *OCREngine) initialize(ctx context.Context, cfg recognizer.EngineConfig) error {
	req, err := structpb.NewStruct(map[string]any{
		"language":  cfg.Language,
		"psm":       float64(cfg.PageSegMode),
		"whitelist": cfg.Whitelist,
	})
	if err != nil {
		return logging.NewOperationError("grpcclient.initialize", "", err)
	}
	resp := &structpb.Struct{}
	if err := e.conn.Invoke(ctx, MethodInitialize, req, resp); err != nil {
		wrapped := logging.NewOperationError("grpcclient.initialize", "", err)
		e.logger.Error("OCR engine initialization failed", zap.Error(wrapped))
		return wrapped
	}
	if ok := resp.GetFields()["ok"]; ok != nil && !ok.GetBoolValue() {
		msg := resp.GetFields()["message"].GetStringValue()
		return logging.NewOperationError("grpcclient.initialize", "", fmt.Errorf("engine refused initialization: %s", msg))
	}
	return nil
}

// Recognize sends img as PNG and returns the engine's text and confidence.
func (e *OCREngine) Recognize(ctx context.Context, img image.Image) (recognizer.EngineResult, error) {
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return recognizer.EngineResult{}, logging.NewOperationError("grpcclient.encode_frame", "", err)
	}
	req, err := structpb.NewStruct(map[string]any{
		"image_png": base64.StdEncoding.EncodeToString(buf.Bytes()),
	})
	if err != nil {
		return recognizer.EngineResult{}, logging.NewOperationError("grpcclient.recognize", "", err)
	}

	resp := &structpb.Struct{}
	if err := e.conn.Invoke(ctx, MethodRecognize, req, resp); err != nil {
		wrapped := logging.NewOperationError("grpcclient.recognize", "", err)
		e.logger.Warn("OCR engine call failed", zap.Error(wrapped))
		return recognizer.EngineResult{}, wrapped
	}
	fields := resp.GetFields()
	return recognizer.EngineResult{
		Text:       fields["text"].GetStringValue(),
		Confidence: fields["confidence"].GetNumberValue(),
	}, nil
}

// Close asks the engine to release its resources and closes the connection.
func (e *OCREngine) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := e.conn.Invoke(ctx, MethodTerminate, &structpb.Struct{}, &structpb.Struct{}); err != nil {
		e.logger.Warn("OCR engine terminate failed", zap.Error(err))
	}
	return e.conn.Close()
}
