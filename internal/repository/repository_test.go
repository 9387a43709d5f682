package repository

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/example/qrggif/internal/logging"
)

type transientTestError struct{}

func (transientTestError) Error() string   { return "transient" }
func (transientTestError) Timeout() bool   { return true }
func (transientTestError) Temporary() bool { return true }

func TestExecuteWithRetryRetriesTransientErrors(t *testing.T) {
	repo := &Repository{
		logger:         zap.NewNop(),
		retryAttempts:  3,
		initialBackoff: time.Millisecond,
		maxBackoff:     2 * time.Millisecond,
	}

	attempts := 0
	err := repo.executeWithRetry(context.Background(), "test.operation", "req-1", func() error {
		attempts++
		if attempts < 2 {
			return transientTestError{}
		}
		return nil
	})

	if err != nil {
		t.Fatalf("expected success, got error: %v", err)
	}
	if attempts != 2 {
		t.Fatalf("expected 2 attempts, got %d", attempts)
	}
}

func TestExecuteWithRetryReturnsOperationError(t *testing.T) {
	repo := &Repository{
		logger:         zap.NewNop(),
		retryAttempts:  2,
		initialBackoff: time.Millisecond,
		maxBackoff:     2 * time.Millisecond,
	}

	attempts := 0
	err := repo.executeWithRetry(context.Background(), "test.operation", "req-2", func() error {
		attempts++
		return translate(gorm.ErrRecordNotFound)
	})

	if err == nil {
		t.Fatal("expected error, got nil")
	}
	if attempts != 1 {
		t.Fatalf("expected 1 attempt, got %d", attempts)
	}
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	var opErr *logging.OperationError
	if !errors.As(err, &opErr) {
		t.Fatalf("expected OperationError, got %T", err)
	}
	if opErr.Operation != "test.operation" {
		t.Fatalf("unexpected operation: %s", opErr.Operation)
	}
	if opErr.RequestID != "req-2" {
		t.Fatalf("unexpected request id: %s", opErr.RequestID)
	}
}

func TestTranslateDuplicate(t *testing.T) {
	if !errors.Is(translate(gorm.ErrDuplicatedKey), ErrDuplicate) {
		t.Fatal("duplicated key should map to ErrDuplicate")
	}
	other := errors.New("conn reset")
	if translate(other) != other {
		t.Fatal("unknown errors pass through")
	}
}

func TestQRCodeLifecycle(t *testing.T) {
	now := time.Date(2024, 6, 1, 10, 0, 0, 0, time.UTC)
	code := &QRCode{Active: true, ExpirationMinutes: MinExpirationMinutes}

	if got := code.Status(now); got != StatusPending {
		t.Fatalf("new code status = %s, want pending", got)
	}
	if !code.Usable(now) {
		t.Fatal("pending code should be usable")
	}

	code.MarkValidated(now)
	if got := code.Status(now); got != StatusActive {
		t.Fatalf("validated code status = %s, want active", got)
	}
	if got := code.MinutesLeft(now); got != 15 {
		t.Fatalf("minutes left = %d, want 15", got)
	}

	later := now.Add(10 * time.Minute)
	code.MarkValidated(later)
	if !code.ExpiresAt.Equal(now.Add(15 * time.Minute)) {
		t.Fatalf("second validation moved expiry to %s", code.ExpiresAt)
	}
	if !code.LastValidatedAt.Equal(later) {
		t.Fatalf("last validated = %s", code.LastValidatedAt)
	}

	expired := now.Add(16 * time.Minute)
	if got := code.Status(expired); got != StatusExpired {
		t.Fatalf("status after expiry = %s", got)
	}
	if code.Usable(expired) || code.MinutesLeft(expired) != 0 {
		t.Fatal("expired code should not be usable")
	}

	code.SetExpiration(60, expired)
	if got := code.Status(expired); got != StatusActive {
		t.Fatalf("status after extension = %s", got)
	}

	code.Active = false
	if got := code.Status(expired); got != StatusDisabled {
		t.Fatalf("disabled status = %s", got)
	}
}

func TestSetExpirationKeepsPendingTimerUnset(t *testing.T) {
	code := &QRCode{Active: true, ExpirationMinutes: 15}
	code.SetExpiration(30, time.Now())
	if code.ExpiresAt != nil {
		t.Fatal("pending code must not start its timer")
	}
	if code.ExpirationMinutes != 30 {
		t.Fatalf("expiration minutes = %d", code.ExpirationMinutes)
	}
}

func TestPageQueryOrdersNewestFirst(t *testing.T) {
	db, err := gorm.Open(postgres.New(postgres.Config{
		DSN: "host=localhost user=qrggif dbname=qrggif sslmode=disable",
	}), &gorm.Config{DisableAutomaticPing: true, DryRun: true})
	if err != nil {
		t.Fatalf("open dry-run db: %v", err)
	}

	sql := db.ToSQL(func(tx *gorm.DB) *gorm.DB {
		var codes []QRCode
		return pageQuery(tx, 3, 10).Find(&codes)
	})
	for _, want := range []string{`"qr_codes"`, "ORDER BY created_at DESC", "LIMIT 10", "OFFSET 20"} {
		if !strings.Contains(sql, want) {
			t.Fatalf("query %q missing %q", sql, want)
		}
	}
}
