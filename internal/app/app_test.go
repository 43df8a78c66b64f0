package app

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"homework-grader/internal/config"
	"homework-grader/internal/grading"
	"homework-grader/internal/store"
)

func TestNewLoggerLevel(t *testing.T) {
	prev := slog.Default()
	t.Cleanup(func() { slog.SetDefault(prev) })

	logger := NewLogger(config.Config{LogLevel: "debug"}, "test")
	if !logger.Enabled(context.Background(), slog.LevelDebug) {
		t.Fatalf("expected debug enabled")
	}
	logger = NewLogger(config.Config{LogLevel: "loud"}, "test")
	if logger.Enabled(context.Background(), slog.LevelDebug) {
		t.Fatalf("unknown level should fall back to info")
	}
}

func TestOpenMemoryStoreAndService(t *testing.T) {
	ctx := context.Background()
	st, closeStore, err := OpenStore(ctx, config.Config{StoreBackend: config.StoreMemory})
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer closeStore()
	if _, ok := st.(*store.Memory); !ok {
		t.Fatalf("expected memory store, got %T", st)
	}

	cfg := config.Load()
	cfg.S3Bucket = ""
	svc, err := NewService(ctx, cfg, st, grading.DispatchFunc(func(context.Context, grading.Task) error { return nil }), nil)
	if err != nil || svc == nil {
		t.Fatalf("new service: %v", err)
	}
}

func TestOpenMemoryStoreSeeds(t *testing.T) {
	path := filepath.Join(t.TempDir(), "seed.json")
	if err := os.WriteFile(path, []byte(`[{"id":"sub-1","grader_id":"t-1","total_score":10}]`), 0o600); err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	st, closeStore, err := OpenStore(ctx, config.Config{StoreBackend: config.StoreMemory, SeedFile: path})
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer closeStore()
	sub, err := st.GetSubmission(ctx, "sub-1")
	if err != nil || sub.GraderID != "t-1" {
		t.Fatalf("expected seeded submission, got %+v err=%v", sub, err)
	}

	if _, _, err := OpenStore(ctx, config.Config{StoreBackend: config.StoreMemory, SeedFile: path + ".missing"}); err == nil {
		t.Fatalf("expected error for missing seed file")
	}
}

func TestNewLimiterNeedsRedis(t *testing.T) {
	ctx := context.Background()
	logger := slog.Default()

	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	up := redis.NewClient(&redis.Options{Addr: mr.Addr()})

	if NewLimiter(ctx, config.Config{RateLimitCapacity: 0}, up, logger) != nil {
		t.Fatalf("capacity 0 disables limiting")
	}
	bucket := NewLimiter(ctx, config.Config{RateLimitCapacity: 2, RateLimitRefill: 1}, up, logger)
	if bucket == nil {
		t.Fatalf("expected limiter with reachable redis")
	}
	if d, err := bucket.Allow(ctx, "rl:grading:t-1"); err != nil || !d.Allowed {
		t.Fatalf("expected token, got %+v err=%v", d, err)
	}

	addr := mr.Addr()
	mr.Close()
	down := redis.NewClient(&redis.Options{Addr: addr, MaxRetries: -1})
	if NewLimiter(ctx, config.Config{RateLimitCapacity: 2, RedisAddr: addr}, down, logger) != nil {
		t.Fatalf("expected no limiter when redis is unreachable")
	}
}
