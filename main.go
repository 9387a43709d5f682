package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/example/qrggif/internal/auth"
	"github.com/example/qrggif/internal/config"
	"github.com/example/qrggif/internal/grpcclient"
	"github.com/example/qrggif/internal/handlers"
	"github.com/example/qrggif/internal/logging"
	"github.com/example/qrggif/internal/pipeline"
	"github.com/example/qrggif/internal/repository"
	"github.com/example/qrggif/internal/retry"
	"github.com/example/qrggif/internal/usecase"
)

func main() {
	if err := config.LoadDotEnv(); err != nil {
		panic(err)
	}
	cfg, err := config.Load(os.Getenv("CONFIG_PATH"))
	if err != nil {
		panic(err)
	}

	logger, err := logging.NewLogger(cfg.Log.Level, cfg.Log.Development)
	if err != nil {
		panic(err)
	}
	defer logger.Sync() //nolint:errcheck

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	policy := retryPolicy(cfg)

	db := initDatabase(ctx, cfg.Database, logger)
	repo := repository.NewRepository(db, logger).WithRetryPolicy(policy)
	if err := repo.AutoMigrate(ctx); err != nil {
		logger.Fatal("auto migrate failed", zap.Error(err))
	}

	redisCtx, redisCancel := context.WithTimeout(ctx, 5*time.Second)
	defer redisCancel()
	redisClient := initRedis(redisCtx, cfg.Redis, logger)
	defer redisClient.Close()

	factory := grpcclient.NewEngineFactory(cfg.OCR.Addr, cfg.OCR.DialTimeout.Duration, logger)
	pipe := pipeline.FromConfig(cfg, factory, logger)
	defer func() {
		if err := pipe.Close(); err != nil {
			logger.Warn("OCR engine shutdown failed", zap.Error(err))
		}
	}()

	verifier := usecase.NewVerificationUseCase(repo, usecase.NewRedisCache(redisClient), pipe, logger,
		usecase.WithResultTTL(cfg.Redis.ResultTTL.Duration),
		usecase.WithRetryPolicy(policy),
	)
	registry := usecase.NewRegistryUseCase(repo, pipe.Results(), logger, cfg.Registry.ExpirationMinutes, cfg.Registry.PageSize).
		WithArtifacts(pipe.Artifacts())

	if cfg.Auth.Secret == "" {
		logger.Warn("JWT_SECRET is empty; protected routes will reject every request")
	}

	server := &http.Server{
		Addr:    cfg.HTTP.Addr,
		Handler: newRouter(cfg, verifier, registry, logger),
	}

	logger.Info("QRGGIF API listening", zap.String("addr", cfg.HTTP.Addr), zap.String("ocr_engine", cfg.OCR.Addr))
	if err := serveHTTPServer(server, cfg.HTTP.ShutdownTimeout.Duration, logger); err != nil {
		logger.Fatal("server failed", zap.Error(err))
	}
}

func newRouter(cfg *config.Config, verifier handlers.VerificationService, registry handlers.RegistryService, logger *zap.Logger) *gin.Engine {
	r := gin.Default()
	r.MaxMultipartMemory = cfg.HTTP.MaxUploadBytes

	handlers.RegisterRoutes(r, handlers.Dependencies{
		Verifier:       verifier,
		Registry:       registry,
		Auth:           auth.New(cfg.Auth, logger).Middleware(),
		MaxUploadBytes: cfg.HTTP.MaxUploadBytes,
	})
	return r
}

func retryPolicy(cfg *config.Config) retry.Policy {
	return retry.Policy{
		Attempts:       cfg.Retry.Attempts,
		InitialBackoff: cfg.Retry.InitialBackoff.Duration,
		MaxBackoff:     cfg.Retry.MaxBackoff.Duration,
	}
}

func initDatabase(ctx context.Context, cfg config.DatabaseConfig, zapLogger *zap.Logger) *gorm.DB {
	db, err := gorm.Open(postgres.Open(cfg.DSN), &gorm.Config{
		Logger:         gormlogger.Default.LogMode(gormlogger.Warn),
		TranslateError: true,
	})
	if err != nil {
		zapLogger.Fatal("failed to connect to database", zap.Error(err))
	}

	sqlDB, err := db.DB()
	if err != nil {
		zapLogger.Fatal("failed to access db handle", zap.Error(err))
	}
	sqlDB.SetMaxIdleConns(5)
	sqlDB.SetMaxOpenConns(10)
	sqlDB.SetConnMaxLifetime(time.Hour)

	if err := sqlDB.PingContext(ctx); err != nil {
		zapLogger.Fatal("database ping failed", zap.Error(err))
	}

	return db
}

func initRedis(ctx context.Context, cfg config.RedisConfig, zapLogger *zap.Logger) *redis.Client {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		zapLogger.Fatal("redis connection failed", zap.Error(err))
	}
	return client
}

func serveHTTPServer(server *http.Server, shutdownTimeout time.Duration, logger *zap.Logger) error {
	return serveHTTPServerWithOptions(server, shutdownTimeout, logger, nil, nil)
}

// serveHTTPServerWithOptions serves until the server fails or a signal
// arrives, then drains in-flight verifications for up to shutdownTimeout.
// A nil listener uses server.Addr and a nil signalCh listens for SIGINT and
// SIGTERM.
func serveHTTPServerWithOptions(server *http.Server, shutdownTimeout time.Duration, logger *zap.Logger, listener net.Listener, signalCh <-chan os.Signal) error {
	errCh := make(chan error, 1)
	go func() {
		var err error
		if listener != nil {
			err = server.Serve(listener)
		} else {
			err = server.ListenAndServe()
		}
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
		errCh <- err
	}()

	sigCh := signalCh
	if sigCh == nil {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, os.Interrupt, syscall.SIGTERM)
		defer signal.Stop(ch)
		sigCh = ch
	}

	select {
	case err := <-errCh:
		return err
	case sig, ok := <-sigCh:
		if !ok {
			return <-errCh
		}
		logger.Info("received shutdown signal", zap.String("signal", sig.String()))
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := server.Shutdown(ctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return <-errCh
	}
}
