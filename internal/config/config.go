package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"github.com/pelletier/go-toml/v2"
)

// MinExpirationMinutes is the shortest expiration an animation may be given.
const MinExpirationMinutes = 15

// Duration reads values such as "15m" or "1h" from TOML strings.
type Duration struct {
	time.Duration
}

// UnmarshalText parses a time.ParseDuration string.
func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = parsed
	return nil
}

// MarshalText renders the duration in time.Duration notation.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

type HTTPConfig struct {
	Addr            string   `toml:"addr"`
	MaxUploadBytes  int64    `toml:"max_upload_bytes"`
	ShutdownTimeout Duration `toml:"shutdown_timeout"`
}

type LogConfig struct {
	Level       string `toml:"level"`
	Development bool   `toml:"development"`
}

type DatabaseConfig struct {
	DSN string `toml:"dsn"`
}

type RedisConfig struct {
	Addr      string   `toml:"addr"`
	Password  string   `toml:"password"`
	DB        int      `toml:"db"`
	ResultTTL Duration `toml:"result_ttl"`
}

type AuthConfig struct {
	Secret   string `toml:"secret"`
	Audience string `toml:"audience"`
}

type OCRConfig struct {
	Addr                string   `toml:"addr"`
	Language            string   `toml:"language"`
	DialTimeout         Duration `toml:"dial_timeout"`
	ConfidenceThreshold float64  `toml:"confidence_threshold"`
	HistorySize         int      `toml:"history_size"`
	ShapeChecks         bool     `toml:"shape_checks"`
}

type PreprocessConfig struct {
	Scale          int    `toml:"scale"`
	Adaptive       bool   `toml:"adaptive"`
	BlockSize      int    `toml:"block_size"`
	AdaptiveOffset int    `toml:"adaptive_offset"`
	EdgeDetect     bool   `toml:"edge_detect"`
	Morphology     string `toml:"morphology"`
	KernelSize     int    `toml:"kernel_size"`
	Thinning       bool   `toml:"thinning"`
}

type CacheConfig struct {
	Capacity      int      `toml:"capacity"`
	TTL           Duration `toml:"ttl"`
	KeepArtifacts bool     `toml:"keep_artifacts"`
	ArtifactBytes int      `toml:"artifact_bytes"`
}

type RegistryConfig struct {
	ExpirationMinutes int `toml:"expiration_minutes"`
	PageSize          int `toml:"page_size"`
}

type RetryConfig struct {
	Attempts       int      `toml:"attempts"`
	InitialBackoff Duration `toml:"initial_backoff"`
	MaxBackoff     Duration `toml:"max_backoff"`
}

// Config is the full service configuration.
type Config struct {
	HTTP       HTTPConfig       `toml:"http"`
	Log        LogConfig        `toml:"log"`
	Database   DatabaseConfig   `toml:"database"`
	Redis      RedisConfig      `toml:"redis"`
	Auth       AuthConfig       `toml:"auth"`
	OCR        OCRConfig        `toml:"ocr"`
	Preprocess PreprocessConfig `toml:"preprocess"`
	Cache      CacheConfig      `toml:"cache"`
	Registry   RegistryConfig   `toml:"registry"`
	Retry      RetryConfig      `toml:"retry"`
}

// Default returns the configuration used when nothing is overridden.
func Default() *Config {
	return &Config{
		HTTP: HTTPConfig{
			Addr:            ":8080",
			MaxUploadBytes:  5 << 20,
			ShutdownTimeout: Duration{10 * time.Second},
		},
		Log:      LogConfig{Level: "info"},
		Database: DatabaseConfig{DSN: "host=localhost user=postgres password=postgres dbname=qrggif port=5432 sslmode=disable"},
		Redis:    RedisConfig{Addr: "localhost:6379", ResultTTL: Duration{5 * time.Minute}},
		Auth:     AuthConfig{Audience: "qrggif-admin"},
		OCR: OCRConfig{
			Addr:                "localhost:50051",
			Language:            "eng",
			DialTimeout:         Duration{5 * time.Second},
			ConfidenceThreshold: 70,
			HistorySize:         5,
		},
		Preprocess: PreprocessConfig{Scale: 2, BlockSize: 11, AdaptiveOffset: 5, KernelSize: 3},
		Cache:      CacheConfig{Capacity: 100, TTL: Duration{time.Hour}, ArtifactBytes: 128 << 20},
		Registry:   RegistryConfig{ExpirationMinutes: MinExpirationMinutes, PageSize: 10},
		Retry: RetryConfig{
			Attempts:       3,
			InitialBackoff: Duration{50 * time.Millisecond},
			MaxBackoff:     Duration{time.Second},
		},
	}
}

// LoadDotEnv loads .env style files into the process environment. Missing
// files are ignored; variables already set win.
func LoadDotEnv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, p := range paths {
		if err := godotenv.Load(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("config: load %s: %w", p, err)
		}
	}
	return nil
}

// Load starts from Default, overlays the TOML file at path when path is not
// empty, then applies environment overrides and validates the result.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := toml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	c.HTTP.Addr = getEnv("HTTP_ADDR", c.HTTP.Addr)
	c.Log.Level = getEnv("LOG_LEVEL", c.Log.Level)
	c.Database.DSN = getEnv("DATABASE_DSN", c.Database.DSN)
	c.Redis.Addr = getEnv("REDIS_ADDR", c.Redis.Addr)
	c.Redis.Password = getEnv("REDIS_PASSWORD", c.Redis.Password)
	c.OCR.Addr = getEnv("OCR_ENGINE_ADDR", c.OCR.Addr)
	c.Auth.Secret = getEnv("JWT_SECRET", c.Auth.Secret)
	c.Auth.Audience = getEnv("JWT_AUDIENCE", c.Auth.Audience)

	if raw, ok := os.LookupEnv("MAX_UPLOAD_BYTES"); ok && raw != "" {
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return fmt.Errorf("config: MAX_UPLOAD_BYTES: %w", err)
		}
		c.HTTP.MaxUploadBytes = n
	}
	return nil
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok && value != "" {
		return value
	}
	return fallback
}

// Validate rejects values the pipeline cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if c.HTTP.MaxUploadBytes <= 0 {
		errs = append(errs, errors.New("http.max_upload_bytes must be positive"))
	}
	if c.OCR.ConfidenceThreshold < 0 || c.OCR.ConfidenceThreshold >= 100 {
		errs = append(errs, fmt.Errorf("ocr.confidence_threshold %v outside [0, 100)", c.OCR.ConfidenceThreshold))
	}
	if c.OCR.HistorySize <= 0 {
		errs = append(errs, errors.New("ocr.history_size must be positive"))
	}
	if c.Preprocess.Scale < 1 {
		errs = append(errs, errors.New("preprocess.scale must be at least 1"))
	}
	if c.Preprocess.BlockSize < 3 || c.Preprocess.BlockSize%2 == 0 {
		errs = append(errs, fmt.Errorf("preprocess.block_size %d must be odd and at least 3", c.Preprocess.BlockSize))
	}
	switch c.Preprocess.Morphology {
	case "", "dilate", "erode":
	default:
		errs = append(errs, fmt.Errorf("preprocess.morphology %q must be dilate, erode or empty", c.Preprocess.Morphology))
	}
	if c.Cache.Capacity <= 0 {
		errs = append(errs, errors.New("cache.capacity must be positive"))
	}
	if c.Cache.TTL.Duration <= 0 {
		errs = append(errs, errors.New("cache.ttl must be positive"))
	}
	if c.Registry.ExpirationMinutes < MinExpirationMinutes {
		errs = append(errs, fmt.Errorf("registry.expiration_minutes must be at least %d", MinExpirationMinutes))
	}
	if c.Registry.PageSize <= 0 {
		errs = append(errs, errors.New("registry.page_size must be positive"))
	}
	if c.Retry.Attempts < 1 {
		errs = append(errs, errors.New("retry.attempts must be at least 1"))
	}
	if len(errs) > 0 {
		return fmt.Errorf("config: %w", errors.Join(errs...))
	}
	return nil
}
