package usecase

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/example/qrggif/internal/auth"
	"github.com/example/qrggif/internal/cache"
	"github.com/example/qrggif/internal/fingerprint"
	"github.com/example/qrggif/internal/glyph"
	"github.com/example/qrggif/internal/logging"
	"github.com/example/qrggif/internal/repository"
	"github.com/example/qrggif/internal/validator"
)

var (
	ErrInvalidSequence    = errors.New("usecase: sequence rejected")
	ErrExpirationTooShort = fmt.Errorf("usecase: expiration must be at least %d minutes", repository.MinExpirationMinutes)
)

// RegistryRepository defines the registry operations used by administrators.
type RegistryRepository interface {
	CreateCode(ctx context.Context, code *repository.QRCode) error
	FindCode(ctx context.Context, id uint) (*repository.QRCode, error)
	ListCodes(ctx context.Context, page, pageSize int) ([]repository.QRCode, int64, error)
	SaveValidation(ctx context.Context, code *repository.QRCode) error
	SaveExpiration(ctx context.Context, code *repository.QRCode) error
	SetActive(ctx context.Context, id uint, active bool) error
	DeleteCode(ctx context.Context, id uint) error
}

// ResultExporter is the in-process recognition cache seen by administrators.
type ResultExporter interface {
	Export(format cache.Format) ([]byte, error)
	Len() int
	Clear()
}

// RegistryUseCase manages registered animations.
type RegistryUseCase struct {
	repo              RegistryRepository
	results           ResultExporter
	artifacts         *cache.ArtifactStore
	logger            *zap.Logger
	defaultExpiration int
	pageSize          int
	now               func() time.Time
}

// CodeView is a registry entry with its derived status.
type CodeView struct {
	repository.QRCode
	Status      string `json:"status"`
	MinutesLeft int    `json:"minutes_left"`
}

// CodePage is one page of the registry listing.
type CodePage struct {
	Items    []CodeView `json:"items"`
	Page     int        `json:"page"`
	PageSize int        `json:"page_size"`
	Total    int64      `json:"total"`
}

// NewRegistryUseCase builds the administrator use case. Expirations below the
// minimum are raised to it and a non-positive page size falls back to 10.
func NewRegistryUseCase(repo RegistryRepository, results ResultExporter, logger *zap.Logger, defaultExpiration, pageSize int) *RegistryUseCase {
	if defaultExpiration < repository.MinExpirationMinutes {
		defaultExpiration = repository.MinExpirationMinutes
	}
	if pageSize <= 0 {
		pageSize = 10
	}
	return &RegistryUseCase{
		repo:              repo,
		results:           results,
		logger:            logger.Named("registry_usecase"),
		defaultExpiration: defaultExpiration,
		pageSize:          pageSize,
		now:               time.Now,
	}
}

// RegisterSequence validates symbols, fingerprints them and stores a new
// pending entry. expirationMinutes of zero selects the default.
func (uc *RegistryUseCase) RegisterSequence(ctx context.Context, nickname string, symbols []string, expirationMinutes int) (*repository.QRCode, error) {
	opLogger := adminLogger(ctx, uc.logger, "usecase.register_sequence")

	seq, err := glyph.ParseSequence(symbols)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidSequence, err)
	}
	if err := validator.Check(seq); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidSequence, err)
	}
	if expirationMinutes == 0 {
		expirationMinutes = uc.defaultExpiration
	}
	if expirationMinutes < repository.MinExpirationMinutes {
		return nil, ErrExpirationTooShort
	}

	code := &repository.QRCode{
		AnimationHash:     fingerprint.Compute(seq),
		Nickname:          nickname,
		Sequence:          fingerprint.Join(seq),
		Active:            true,
		ExpirationMinutes: expirationMinutes,
		CreatedAt:         uc.now().UTC(),
	}
	if err := uc.repo.CreateCode(ctx, code); err != nil {
		opLogger.Warn("failed to register sequence", zap.Error(err))
		return nil, err
	}
	opLogger.Info("sequence registered", zap.Uint("id", code.ID), zap.String("animation_hash", code.AnimationHash))
	return code, nil
}

// ListCodes returns a page of entries, newest first.
func (uc *RegistryUseCase) ListCodes(ctx context.Context, page int) (*CodePage, error) {
	if page < 1 {
		page = 1
	}
	codes, total, err := uc.repo.ListCodes(ctx, page, uc.pageSize)
	if err != nil {
		return nil, err
	}
	now := uc.now().UTC()
	out := &CodePage{Items: make([]CodeView, 0, len(codes)), Page: page, PageSize: uc.pageSize, Total: total}
	for i := range codes {
		out.Items = append(out.Items, uc.view(&codes[i], now))
	}
	return out, nil
}

// GetCode loads one entry.
func (uc *RegistryUseCase) GetCode(ctx context.Context, id uint) (*CodeView, error) {
	code, err := uc.repo.FindCode(ctx, id)
	if err != nil {
		return nil, err
	}
	v := uc.view(code, uc.now().UTC())
	return &v, nil
}

// ActivateCode validates an entry on behalf of an administrator, starting
// its expiration timer if it is still pending.
func (uc *RegistryUseCase) ActivateCode(ctx context.Context, id uint) (*CodeView, error) {
	code, err := uc.repo.FindCode(ctx, id)
	if err != nil {
		return nil, err
	}
	now := uc.now().UTC()
	code.MarkValidated(now)
	if err := uc.repo.SaveValidation(ctx, code); err != nil {
		return nil, err
	}
	v := uc.view(code, now)
	return &v, nil
}

// UpdateExpiration changes the validity window of an entry.
func (uc *RegistryUseCase) UpdateExpiration(ctx context.Context, id uint, minutes int) (*CodeView, error) {
	if minutes < repository.MinExpirationMinutes {
		return nil, ErrExpirationTooShort
	}
	code, err := uc.repo.FindCode(ctx, id)
	if err != nil {
		return nil, err
	}
	now := uc.now().UTC()
	code.SetExpiration(minutes, now)
	if err := uc.repo.SaveExpiration(ctx, code); err != nil {
		return nil, err
	}
	v := uc.view(code, now)
	return &v, nil
}

// SetActive enables or disables an entry.
func (uc *RegistryUseCase) SetActive(ctx context.Context, id uint, active bool) error {
	return uc.repo.SetActive(ctx, id, active)
}

// DeleteCode removes an entry.
func (uc *RegistryUseCase) DeleteCode(ctx context.Context, id uint) error {
	if err := uc.repo.DeleteCode(ctx, id); err != nil {
		return err
	}
	adminLogger(ctx, uc.logger, "usecase.delete_code").Info("code deleted", zap.Uint("id", id))
	return nil
}

// ExportCache serializes the live recognition cache entries.
func (uc *RegistryUseCase) ExportCache(format cache.Format) ([]byte, error) {
	return uc.results.Export(format)
}

// WithArtifacts makes ClearCache also drop the stored preprocessing
// artifacts. A nil store is ignored.
func (uc *RegistryUseCase) WithArtifacts(store *cache.ArtifactStore) *RegistryUseCase {
	uc.artifacts = store
	return uc
}

// ClearCache drops every cached recognition and artifact and returns how many
// recognitions were stored.
func (uc *RegistryUseCase) ClearCache() int {
	n := uc.results.Len()
	uc.results.Clear()
	if uc.artifacts != nil {
		uc.artifacts.Clear()
	}
	return n
}

func (uc *RegistryUseCase) view(code *repository.QRCode, now time.Time) CodeView {
	return CodeView{QRCode: *code, Status: code.Status(now), MinutesLeft: code.MinutesLeft(now)}
}

func adminLogger(ctx context.Context, logger *zap.Logger, operation string) *zap.Logger {
	opLogger := logging.WithOperation(logger, operation, logging.RequestIDFromContext(ctx))
	if subject, ok := auth.GetSubject(ctx); ok {
		opLogger = opLogger.With(zap.String("admin", subject))
	}
	return opLogger
}
