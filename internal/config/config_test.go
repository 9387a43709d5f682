package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultsAreValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 70.0, cfg.OCR.ConfidenceThreshold)
	assert.Equal(t, 5, cfg.OCR.HistorySize)
	assert.Equal(t, 100, cfg.Cache.Capacity)
	assert.Equal(t, time.Hour, cfg.Cache.TTL.Duration)
	assert.Equal(t, 2, cfg.Preprocess.Scale)
	assert.Equal(t, 10, cfg.Registry.PageSize)
}

func TestLoadOverlaysTOMLThenEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "qrggif.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
[http]
addr = ":9090"

[ocr]
addr = "ocr:50051"
shape_checks = true

[cache]
ttl = "30m"

[preprocess]
adaptive = true
morphology = "dilate"
`), 0o600))

	t.Setenv("OCR_ENGINE_ADDR", "override:7000")
	t.Setenv("JWT_SECRET", "s3cret")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":9090", cfg.HTTP.Addr)
	assert.Equal(t, "override:7000", cfg.OCR.Addr)
	assert.True(t, cfg.OCR.ShapeChecks)
	assert.Equal(t, 30*time.Minute, cfg.Cache.TTL.Duration)
	assert.True(t, cfg.Preprocess.Adaptive)
	assert.Equal(t, "dilate", cfg.Preprocess.Morphology)
	assert.Equal(t, "s3cret", cfg.Auth.Secret)
	assert.Equal(t, 5, cfg.OCR.HistorySize, "unset keys keep defaults")
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
[registry]
expiration_minutes = 5

[preprocess]
morphology = "open"
`), 0o600))

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "expiration_minutes")
	assert.Contains(t, err.Error(), "morphology")
}

func TestLoadBadDuration(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.toml")
	require.NoError(t, os.WriteFile(path, []byte("[cache]\nttl = \"soon\"\n"), 0o600))
	_, err := Load(path)
	assert.Error(t, err)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.toml"))
	assert.Error(t, err)
}

func TestLoadDotEnv(t *testing.T) {
	dir := t.TempDir()
	envPath := filepath.Join(dir, ".env")
	require.NoError(t, os.WriteFile(envPath, []byte("QRGGIF_TEST_DOTENV=loaded\n"), 0o600))
	t.Setenv("QRGGIF_TEST_DOTENV", "")
	require.NoError(t, os.Unsetenv("QRGGIF_TEST_DOTENV"))

	require.NoError(t, LoadDotEnv(envPath, filepath.Join(dir, "missing.env")))
	assert.Equal(t, "loaded", os.Getenv("QRGGIF_TEST_DOTENV"))
}

func TestEnvUploadLimit(t *testing.T) {
	t.Setenv("MAX_UPLOAD_BYTES", "1024")
	cfg, err := Load("")
	require.NoError(t, err)
	assert.EqualValues(t, 1024, cfg.HTTP.MaxUploadBytes)

	t.Setenv("MAX_UPLOAD_BYTES", "lots")
	_, err = Load("")
	assert.Error(t, err)
}
