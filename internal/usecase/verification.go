package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/example/qrggif/internal/compositor"
	"github.com/example/qrggif/internal/fingerprint"
	"github.com/example/qrggif/internal/glyph"
	"github.com/example/qrggif/internal/logging"
	"github.com/example/qrggif/internal/pipeline"
	"github.com/example/qrggif/internal/repository"
	"github.com/example/qrggif/internal/retry"
)

const (
	MessageValidated = "QRGGIF validated"
	MessageNotFound  = "Not found or expired"
	MessageMissing   = "Missing animation_hash"

	processingMarker = "processing"
)

// ErrResultPending is returned while a verification is still running.
var ErrResultPending = errors.New("usecase: verification still processing")

// VerificationRepository defines the persistence operations needed by the use case.
type VerificationRepository interface {
	SaveAttempt(ctx context.Context, attempt *repository.VerificationAttempt) error
	FindAttempt(ctx context.Context, requestID string) (*repository.VerificationAttempt, error)
	FindCodeByHash(ctx context.Context, hash string) (*repository.QRCode, error)
	SaveValidation(ctx context.Context, code *repository.QRCode) error
	AggregateMetrics(ctx context.Context) (*repository.MetricsAggregation, error)
}

// Runner executes the decode-and-match pipeline.
type Runner interface {
	Run(ctx context.Context, correlationID string, raw compositor.RawAnimation) (*pipeline.Result, error)
	RunFrames(ctx context.Context, correlationID string, stills []image.Image) (*pipeline.Result, error)
}

// VerificationUseCase runs the pipeline on uploads, matches fingerprints
// against the registry and records every attempt.
type VerificationUseCase struct {
	repo           VerificationRepository
	cache          Cache
	runner         Runner
	logger         *zap.Logger
	resultTTL      time.Duration
	now            func() time.Time
	retryAttempts  int
	initialBackoff time.Duration
	maxBackoff     time.Duration
}

// Option customizes a VerificationUseCase.
type Option func(*VerificationUseCase)

// WithResultTTL sets how long outcomes stay in Redis.
func WithResultTTL(ttl time.Duration) Option {
	return func(uc *VerificationUseCase) {
		if ttl > 0 {
			uc.resultTTL = ttl
		}
	}
}

// WithRetryPolicy overrides the Redis retry settings.
func WithRetryPolicy(p retry.Policy) Option {
	return func(uc *VerificationUseCase) {
		uc.retryAttempts = p.Attempts
		uc.initialBackoff = p.InitialBackoff
		uc.maxBackoff = p.MaxBackoff
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(uc *VerificationUseCase) {
		if now != nil {
			uc.now = now
		}
	}
}

// VerificationOutcome is what callers learn about one verification.
type VerificationOutcome struct {
	RequestID     string             `json:"request_id"`
	Kind          string             `json:"kind"`
	Valid         bool               `json:"valid"`
	Message       string             `json:"message"`
	Sequence      []string           `json:"sequence,omitempty"`
	AnimationHash string             `json:"animation_hash,omitempty"`
	FrameCount    int                `json:"frame_count"`
	LatencyMs     int64              `json:"latency_ms"`
	Entry         *repository.QRCode `json:"entry,omitempty"`
	CreatedAt     time.Time          `json:"created_at"`
}

// NewVerificationUseCase constructs a new use case instance.
func NewVerificationUseCase(repo VerificationRepository, cache Cache, runner Runner, logger *zap.Logger, opts ...Option) *VerificationUseCase {
	policy := retry.DefaultPolicy()
	uc := &VerificationUseCase{
		repo:           repo,
		cache:          cache,
		runner:         runner,
		logger:         logger.Named("verification_usecase"),
		resultTTL:      5 * time.Minute,
		now:            time.Now,
		retryAttempts:  policy.Attempts,
		initialBackoff: policy.InitialBackoff,
		maxBackoff:     policy.MaxBackoff,
	}
	for _, opt := range opts {
		opt(uc)
	}
	return uc
}

// VerifyAnimation runs an uploaded GIF through the pipeline.
func (uc *VerificationUseCase) VerifyAnimation(ctx context.Context, data []byte) (*VerificationOutcome, error) {
	return uc.verify(ctx, repository.AttemptUpload, func(ctx context.Context, requestID string) (*pipeline.Result, error) {
		return uc.runner.Run(ctx, requestID, compositor.RawAnimation{Data: data})
	})
}

// VerifyFrames runs pre-captured stills through the pipeline.
func (uc *VerificationUseCase) VerifyFrames(ctx context.Context, stills []image.Image) (*VerificationOutcome, error) {
	return uc.verify(ctx, repository.AttemptFrames, func(ctx context.Context, requestID string) (*pipeline.Result, error) {
		return uc.runner.RunFrames(ctx, requestID, stills)
	})
}

func (uc *VerificationUseCase) verify(ctx context.Context, kind string, run func(context.Context, string) (*pipeline.Result, error)) (*VerificationOutcome, error) {
	requestID := uuid.NewString()
	ctx = logging.ContextWithRequestID(ctx, requestID)
	opLogger := logging.WithOperation(uc.logger, "usecase.verify", requestID)
	start := uc.now()

	cacheKey := resultKey(requestID)
	if err := uc.withRedisRetry(ctx, requestID, "cache.set.processing", func() error {
		return uc.cache.Set(ctx, cacheKey, processingMarker, time.Minute)
	}); err != nil {
		opLogger.Error("failed to set processing flag", zap.Error(err))
		return nil, err
	}

	outcome := &VerificationOutcome{RequestID: requestID, Kind: kind}
	result, runErr := run(ctx, requestID)
	if runErr != nil {
		opLogger.Info("pipeline rejected input", zap.Error(runErr))
		outcome.Message = logging.Cause(runErr).Error()
	} else {
		outcome.Sequence = glyph.Strings(result.Sequence)
		outcome.AnimationHash = result.Fingerprint
		outcome.FrameCount = result.FrameCount
		entry, err := uc.match(ctx, result.Fingerprint)
		if err != nil {
			opLogger.Error("registry lookup failed", zap.Error(err))
			return nil, err
		}
		outcome.Entry = entry
		outcome.Valid = entry != nil
		outcome.Message = MessageNotFound
		if outcome.Valid {
			outcome.Message = MessageValidated
		}
	}
	outcome.CreatedAt = uc.now().UTC()
	outcome.LatencyMs = outcome.CreatedAt.Sub(start).Milliseconds()

	if err := uc.record(ctx, outcome); err != nil {
		opLogger.Error("failed to persist attempt", zap.Error(err))
		return nil, err
	}
	if err := uc.cacheOutcome(ctx, outcome); err != nil {
		opLogger.Error("failed to cache verification result", zap.Error(err))
		return nil, err
	}
	if runErr != nil {
		return outcome, runErr
	}
	return outcome, nil
}

// ValidateHash checks a fingerprint against the registry. The first
// successful validation starts the entry's expiration timer.
func (uc *VerificationUseCase) ValidateHash(ctx context.Context, hash string) (*VerificationOutcome, error) {
	requestID := uuid.NewString()
	ctx = logging.ContextWithRequestID(ctx, requestID)
	start := uc.now()

	outcome := &VerificationOutcome{RequestID: requestID, Kind: repository.AttemptHash, AnimationHash: hash, Message: MessageNotFound}
	entry, err := uc.match(ctx, hash)
	if err != nil {
		logging.WithOperation(uc.logger, "usecase.validate_hash", requestID).Error("registry lookup failed", zap.Error(err))
		return nil, err
	}
	if entry != nil {
		outcome.Valid = true
		outcome.Message = MessageValidated
		outcome.Entry = entry
		outcome.Sequence = strings.Split(entry.Sequence, fingerprint.Separator)
	}
	outcome.CreatedAt = uc.now().UTC()
	outcome.LatencyMs = outcome.CreatedAt.Sub(start).Milliseconds()

	if err := uc.record(ctx, outcome); err != nil {
		logging.WithOperation(uc.logger, "usecase.validate_hash", requestID).Warn("failed to persist attempt", zap.Error(err))
	}
	return outcome, nil
}

// match returns the registry entry for hash when it exists and is usable,
// recording the validation on it.
func (uc *VerificationUseCase) match(ctx context.Context, hash string) (*repository.QRCode, error) {
	if !fingerprint.IsWellFormed(hash) {
		return nil, nil
	}
	code, err := uc.repo.FindCodeByHash(ctx, hash)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	now := uc.now().UTC()
	if !code.Usable(now) {
		return nil, nil
	}
	code.MarkValidated(now)
	if err := uc.repo.SaveValidation(ctx, code); err != nil {
		return nil, err
	}
	return code, nil
}

func (uc *VerificationUseCase) record(ctx context.Context, o *VerificationOutcome) error {
	attempt := &repository.VerificationAttempt{
		RequestID:     o.RequestID,
		Kind:          o.Kind,
		AnimationHash: o.AnimationHash,
		Sequence:      strings.Join(o.Sequence, fingerprint.Separator),
		FrameCount:    o.FrameCount,
		Valid:         o.Valid,
		Message:       o.Message,
		LatencyMs:     o.LatencyMs,
		CreatedAt:     o.CreatedAt,
	}
	if err := uc.repo.SaveAttempt(ctx, attempt); err != nil {
		return logging.NewOperationError("usecase.save_attempt", o.RequestID, err)
	}
	return nil
}

func (uc *VerificationUseCase) cacheOutcome(ctx context.Context, o *VerificationOutcome) error {
	serialized, err := json.Marshal(o)
	if err != nil {
		return logging.NewOperationError("usecase.encode_result", o.RequestID, err)
	}
	return uc.withRedisRetry(ctx, o.RequestID, "cache.set.result", func() error {
		return uc.cache.Set(ctx, resultKey(o.RequestID), string(serialized), uc.resultTTL)
	})
}

// GetResult retrieves a cached verification outcome or loads it from persistence.
func (uc *VerificationUseCase) GetResult(ctx context.Context, requestID string) (*VerificationOutcome, error) {
	opLogger := logging.WithOperation(uc.logger, "usecase.get_result", requestID)
	if cached, err := uc.withRedisGet(ctx, requestID, "cache.get.result", resultKey(requestID)); err == nil {
		if cached == processingMarker {
			return nil, ErrResultPending
		}
		var payload VerificationOutcome
		if err := json.Unmarshal([]byte(cached), &payload); err != nil {
			opLogger.Warn("failed to decode cached result", zap.Error(err))
		} else {
			return &payload, nil
		}
	} else if !errors.Is(err, redis.Nil) {
		opLogger.Warn("failed to read cache", zap.Error(err))
	}

	attempt, err := uc.repo.FindAttempt(ctx, requestID)
	if err != nil {
		return nil, err
	}
	outcome := &VerificationOutcome{
		RequestID:     attempt.RequestID,
		Kind:          attempt.Kind,
		Valid:         attempt.Valid,
		Message:       attempt.Message,
		AnimationHash: attempt.AnimationHash,
		FrameCount:    attempt.FrameCount,
		LatencyMs:     attempt.LatencyMs,
		CreatedAt:     attempt.CreatedAt,
	}
	if attempt.Sequence != "" {
		outcome.Sequence = strings.Split(attempt.Sequence, fingerprint.Separator)
	}
	return outcome, nil
}

func resultKey(requestID string) string {
	return fmt.Sprintf("verification:%s", requestID)
}

func (uc *VerificationUseCase) withRedisRetry(ctx context.Context, requestID, operation string, fn func() error) error {
	policy := retry.Policy{Attempts: uc.retryAttempts, InitialBackoff: uc.initialBackoff, MaxBackoff: uc.maxBackoff}
	return retry.Do(ctx, uc.logger, policy, operation, requestID, fn)
}

func (uc *VerificationUseCase) withRedisGet(ctx context.Context, requestID, operation, cacheKey string) (string, error) {
	var result string
	err := uc.withRedisRetry(ctx, requestID, operation, func() error {
		value, err := uc.cache.Get(ctx, cacheKey)
		if err != nil {
			return err
		}
		result = value
		return nil
	})
	if err != nil {
		return "", err
	}
	return result, nil
}
