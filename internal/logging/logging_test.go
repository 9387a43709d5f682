package logging

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestNewLoggerLevels(t *testing.T) {
	logger, err := NewLogger("debug", false)
	require.NoError(t, err)
	assert.True(t, logger.Core().Enabled(zapcore.DebugLevel))

	logger, err = NewLogger("", true)
	require.NoError(t, err)
	assert.NotNil(t, logger)

	_, err = NewLogger("loud", false)
	assert.Error(t, err)
}

func TestWithOperationFields(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	WithOperation(zap.New(core), "pipeline.run", "req-9").Info("done")
	WithOperation(zap.New(core), "pipeline.close", "").Info("done")

	entries := logs.AllUntimed()
	require.Len(t, entries, 2)
	assert.Equal(t, "req-9", entries[0].ContextMap()["request_id"])
	_, has := entries[1].ContextMap()["request_id"]
	assert.False(t, has)
}

func TestOperationErrorUnwraps(t *testing.T) {
	base := errors.New("decode failed")
	err := NewOperationError("pipeline.decode", "req-1", base)
	assert.ErrorIs(t, err, base)
	assert.Equal(t, "pipeline.decode (request_id=req-1): decode failed", err.Error())
	assert.Nil(t, NewOperationError("noop", "", nil))
	assert.Equal(t, "pipeline.decode: decode failed", NewOperationError("pipeline.decode", "", base).Error())
}

func TestCauseStripsOperationLayers(t *testing.T) {
	base := errors.New("frame count outside [3, 8]")
	inner := NewOperationError("pipeline.frame_count", "req-1", base)
	outer := NewOperationError("usecase.verify", "req-1", inner)
	assert.Equal(t, base, Cause(outer))

	wrapped := fmt.Errorf("context: %w", inner)
	assert.Equal(t, wrapped, Cause(wrapped), "only leading layers are stripped")
	assert.Nil(t, Cause(nil))

	var opErr *OperationError
	require.ErrorAs(t, inner, &opErr)
	fields := opErr.Fields()
	assert.Len(t, fields, 3)
	assert.Equal(t, "failed_operation", fields[0].Key)
}

func TestRequestIDContext(t *testing.T) {
	ctx := ContextWithRequestID(context.Background(), "req-3")
	assert.Equal(t, "req-3", RequestIDFromContext(ctx))
	assert.Empty(t, RequestIDFromContext(context.Background()))
}
