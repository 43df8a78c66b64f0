// Package app assembles the grading service for the binaries.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"homework-grader/internal/attachments"
	"homework-grader/internal/chat"
	"homework-grader/internal/config"
	"homework-grader/internal/grading"
	"homework-grader/internal/models"
	"homework-grader/internal/ratelimit"
	"homework-grader/internal/store"
)

// Store is what both binaries need from persistence.
type Store interface {
	grading.Store
	AuditTrail(ctx context.Context, id string) ([]models.AuditLog, error)
}

// NewLogger installs a JSON slog handler at the configured level.
func NewLogger(cfg config.Config, service string) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.ToUpper(cfg.LogLevel))); err != nil {
		level = slog.LevelInfo
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level})).
		With("service", service, "env", cfg.Env)
	slog.SetDefault(logger)
	return logger
}

// OpenStore connects the configured backend, runs migrations and loads
// cfg.SeedFile if set. The returned func releases it.
func OpenStore(ctx context.Context, cfg config.Config) (Store, func(), error) {
	if cfg.StoreBackend == config.StoreMemory {
		mem := store.NewMemory()
		if err := seed(ctx, cfg, mem); err != nil {
			return nil, nil, err
		}
		return mem, func() {}, nil
	}
	pg, err := store.New(ctx, cfg.PostgresDSN)
	if err != nil {
		return nil, nil, err
	}
	if err := pg.RunMigrations(ctx); err != nil {
		pg.Close()
		return nil, nil, fmt.Errorf("migrations: %w", err)
	}
	if err := seed(ctx, cfg, pg); err != nil {
		pg.Close()
		return nil, nil, err
	}
	return pg, pg.Close, nil
}

func seed(ctx context.Context, cfg config.Config, c store.Creator) error {
	if cfg.SeedFile == "" {
		return nil
	}
	n, err := store.SeedFile(ctx, c, cfg.SeedFile)
	if err != nil {
		return err
	}
	slog.Info("store.seeded", "file", cfg.SeedFile, "created", n)
	return nil
}

// NewService builds the orchestrator with the provider client and attachment
// resolver from config.
func NewService(ctx context.Context, cfg config.Config, st grading.Store, d grading.Dispatcher, logger *slog.Logger) (*grading.Service, error) {
	client := chat.New(chat.Config{
		BaseURL:         cfg.GraderBaseURL,
		Token:           cfg.GraderToken,
		BotID:           cfg.GraderBotID,
		Prompt:          cfg.GraderPrompt,
		CreateTimeout:   cfg.CreateTimeout,
		RetrieveTimeout: cfg.RetrieveTimeout,
		ListTimeout:     cfg.ListTimeout,
	}, nil, logger)

	var resolver *attachments.Resolver
	if cfg.S3Bucket != "" {
		s3c, err := attachments.NewS3Client(ctx, cfg)
		if err != nil {
			return nil, err
		}
		resolver = attachments.New(cfg, s3c, &http.Client{Timeout: cfg.CreateTimeout}, logger)
	} else {
		resolver = attachments.New(cfg, nil, nil, logger)
	}

	poller := grading.NewPoller(client, grading.PollConfig{
		MaxAttempts:  cfg.PollMaxAttempts,
		Interval:     cfg.PollInterval,
		EscalateLast: cfg.PollEscalateAttempt,
	}, logger)

	return grading.NewService(grading.Deps{
		Store:      st,
		Chat:       client,
		Images:     resolver,
		Poller:     poller,
		Dispatcher: d,
		Logger:     logger,
	}), nil
}

// NewLimiter returns the per-caller bucket, or nil when limiting is disabled
// or Redis does not answer a ping.
func NewLimiter(ctx context.Context, cfg config.Config, client *redis.Client, logger *slog.Logger) *ratelimit.TokenBucket {
	if cfg.RateLimitCapacity <= 0 || client == nil {
		return nil
	}
	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		logger.Warn("ratelimit.disabled", "reason", "redis unreachable", "addr", cfg.RedisAddr, "error", err)
		return nil
	}
	return ratelimit.NewTokenBucket(client, cfg.RateLimitCapacity, cfg.RateLimitRefill, time.Hour)
}
