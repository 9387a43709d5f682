package repository

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/example/qrggif/internal/logging"
	"github.com/example/qrggif/internal/retry"
)

var (
	ErrNotFound  = errors.New("repository: record not found")
	ErrDuplicate = errors.New("repository: animation already registered")
)

// Repository persists registered animations and verification attempts.
type Repository struct {
	db             *gorm.DB
	logger         *zap.Logger
	retryAttempts  int
	initialBackoff time.Duration
	maxBackoff     time.Duration
}

// NewRepository creates a repository with the default retry policy.
func NewRepository(db *gorm.DB, logger *zap.Logger) *Repository {
	policy := retry.DefaultPolicy()
	return &Repository{
		db:             db,
		logger:         logger.Named("repository"),
		retryAttempts:  policy.Attempts,
		initialBackoff: policy.InitialBackoff,
		maxBackoff:     policy.MaxBackoff,
	}
}

// WithRetryPolicy overrides the retry settings.
func (r *Repository) WithRetryPolicy(p retry.Policy) *Repository {
	r.retryAttempts = p.Attempts
	r.initialBackoff = p.InitialBackoff
	r.maxBackoff = p.MaxBackoff
	return r
}

// AutoMigrate ensures the schema is available.
func (r *Repository) AutoMigrate(ctx context.Context) error {
	return r.db.WithContext(ctx).AutoMigrate(&QRCode{}, &VerificationAttempt{})
}

func (r *Repository) executeWithRetry(ctx context.Context, operation, requestID string, fn func() error) error {
	policy := retry.Policy{Attempts: r.retryAttempts, InitialBackoff: r.initialBackoff, MaxBackoff: r.maxBackoff}
	return retry.Do(ctx, r.logger, policy, operation, requestID, fn)
}

func translate(err error) error {
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		return ErrNotFound
	case errors.Is(err, gorm.ErrDuplicatedKey):
		return ErrDuplicate
	default:
		return err
	}
}

// CreateCode inserts a new registry entry.
func (r *Repository) CreateCode(ctx context.Context, code *QRCode) error {
	return r.executeWithRetry(ctx, "repository.create_code", logging.RequestIDFromContext(ctx), func() error {
		return translate(r.db.WithContext(ctx).Create(code).Error)
	})
}

// FindCodeByHash loads the entry registered under hash.
func (r *Repository) FindCodeByHash(ctx context.Context, hash string) (*QRCode, error) {
	var code QRCode
	err := r.executeWithRetry(ctx, "repository.find_code_by_hash", logging.RequestIDFromContext(ctx), func() error {
		return translate(r.db.WithContext(ctx).First(&code, "animation_hash = ?", hash).Error)
	})
	if err != nil {
		return nil, err
	}
	return &code, nil
}

// FindCode loads the entry with id.
func (r *Repository) FindCode(ctx context.Context, id uint) (*QRCode, error) {
	var code QRCode
	err := r.executeWithRetry(ctx, "repository.find_code", logging.RequestIDFromContext(ctx), func() error {
		return translate(r.db.WithContext(ctx).First(&code, id).Error)
	})
	if err != nil {
		return nil, err
	}
	return &code, nil
}

func pageQuery(tx *gorm.DB, page, pageSize int) *gorm.DB {
	if page < 1 {
		page = 1
	}
	return tx.Model(&QRCode{}).Order("created_at DESC").Order("id DESC").Limit(pageSize).Offset((page - 1) * pageSize)
}

// ListCodes returns one page of entries, newest first, and the total count.
func (r *Repository) ListCodes(ctx context.Context, page, pageSize int) ([]QRCode, int64, error) {
	var (
		codes []QRCode
		total int64
	)
	err := r.executeWithRetry(ctx, "repository.list_codes", logging.RequestIDFromContext(ctx), func() error {
		db := r.db.WithContext(ctx)
		if err := db.Model(&QRCode{}).Count(&total).Error; err != nil {
			return err
		}
		return pageQuery(db, page, pageSize).Find(&codes).Error
	})
	if err != nil {
		return nil, 0, err
	}
	return codes, total, nil
}

// SaveValidation persists the validation timestamps of code.
func (r *Repository) SaveValidation(ctx context.Context, code *QRCode) error {
	return r.executeWithRetry(ctx, "repository.save_validation", logging.RequestIDFromContext(ctx), func() error {
		return r.updateColumns(ctx, code.ID, map[string]any{
			"expires_at":        code.ExpiresAt,
			"last_validated_at": code.LastValidatedAt,
		})
	})
}

// SaveExpiration persists the expiration settings of code.
func (r *Repository) SaveExpiration(ctx context.Context, code *QRCode) error {
	return r.executeWithRetry(ctx, "repository.save_expiration", logging.RequestIDFromContext(ctx), func() error {
		return r.updateColumns(ctx, code.ID, map[string]any{
			"expiration_minutes": code.ExpirationMinutes,
			"expires_at":         code.ExpiresAt,
		})
	})
}

// SetActive enables or disables the entry with id.
func (r *Repository) SetActive(ctx context.Context, id uint, active bool) error {
	return r.executeWithRetry(ctx, "repository.set_active", logging.RequestIDFromContext(ctx), func() error {
		return r.updateColumns(ctx, id, map[string]any{"active": active})
	})
}

func (r *Repository) updateColumns(ctx context.Context, id uint, columns map[string]any) error {
	res := r.db.WithContext(ctx).Model(&QRCode{}).Where("id = ?", id).Updates(columns)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteCode removes the entry with id.
func (r *Repository) DeleteCode(ctx context.Context, id uint) error {
	return r.executeWithRetry(ctx, "repository.delete_code", logging.RequestIDFromContext(ctx), func() error {
		res := r.db.WithContext(ctx).Delete(&QRCode{}, id)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrNotFound
		}
		return nil
	})
}

// SaveAttempt appends an audit record.
func (r *Repository) SaveAttempt(ctx context.Context, attempt *VerificationAttempt) error {
	return r.executeWithRetry(ctx, "repository.save_attempt", attempt.RequestID, func() error {
		return translate(r.db.WithContext(ctx).Create(attempt).Error)
	})
}

// FindAttempt loads the audit record of requestID.
func (r *Repository) FindAttempt(ctx context.Context, requestID string) (*VerificationAttempt, error) {
	var attempt VerificationAttempt
	err := r.executeWithRetry(ctx, "repository.find_attempt", requestID, func() error {
		return translate(r.db.WithContext(ctx).First(&attempt, "request_id = ?", requestID).Error)
	})
	if err != nil {
		return nil, err
	}
	return &attempt, nil
}

// AggregateMetrics summarizes attempts and registry state.
func (r *Repository) AggregateMetrics(ctx context.Context) (*MetricsAggregation, error) {
	var agg MetricsAggregation
	err := r.executeWithRetry(ctx, "repository.aggregate_metrics", logging.RequestIDFromContext(ctx), func() error {
		db := r.db.WithContext(ctx)
		var row struct {
			TotalCount       int64
			ValidCount       int64
			AverageLatencyMs float64
		}
		if err := db.Model(&VerificationAttempt{}).
			Select("COUNT(*) AS total_count, " +
				"COALESCE(SUM(CASE WHEN valid THEN 1 ELSE 0 END), 0) AS valid_count, " +
				"COALESCE(AVG(latency_ms), 0) AS average_latency_ms").
			Scan(&row).Error; err != nil {
			return err
		}
		agg.TotalCount, agg.ValidCount, agg.AverageLatencyMs = row.TotalCount, row.ValidCount, row.AverageLatencyMs

		if err := db.Model(&QRCode{}).Count(&agg.RegisteredCodes).Error; err != nil {
			return err
		}
		return db.Model(&QRCode{}).
			Where("active AND expires_at IS NOT NULL AND expires_at > ?", time.Now().UTC()).
			Count(&agg.ActiveCodes).Error
	})
	if err != nil {
		return nil, err
	}
	return &agg, nil
}
