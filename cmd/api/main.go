package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"homework-grader/internal/api"
	"homework-grader/internal/app"
	"homework-grader/internal/config"
	"homework-grader/internal/grading"
	"homework-grader/internal/queue"
)

func main() {
	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		log.Fatalf("config: %v", err)
	}
	logger := app.NewLogger(cfg, "api")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
		<-ch
		cancel()
	}()

	st, closeStore, err := app.OpenStore(ctx, cfg)
	if err != nil {
		log.Fatalf("open store: %v", err)
	}
	defer closeStore()

	redisClient := queue.NewClient(cfg)
	defer redisClient.Close()

	var (
		dispatcher grading.Dispatcher
		pool       *grading.Pool
	)
	if cfg.DispatchMode == config.DispatchQueue {
		dispatcher = queue.NewRedisQueue(redisClient, cfg)
	} else {
		pool = grading.NewPool(logger,
			grading.WithWorkers(cfg.PoolWorkers),
			grading.WithQueueSize(cfg.PoolQueueSize),
			grading.WithTaskTimeout(cfg.TaskTimeout),
		)
		dispatcher = pool
	}

	svc, err := app.NewService(ctx, cfg, st, dispatcher, logger)
	if err != nil {
		log.Fatalf("init grading: %v", err)
	}
	if pool != nil {
		pool.Start(svc.Run)
	}

	var limiter api.Limiter
	if bucket := app.NewLimiter(ctx, cfg, redisClient, logger); bucket != nil {
		limiter = bucket
	}

	server := api.New(svc, st, limiter, logger)
	httpServer := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           server.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	logger.Info("api.listening", "port", cfg.HTTPPort, "dispatch", cfg.DispatchMode, "store", cfg.StoreBackend)
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %v", err)
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), cfg.TaskTimeout)
	defer cancelShutdown()
	_ = httpServer.Shutdown(shutdownCtx)
	if pool != nil {
		pool.Shutdown(shutdownCtx)
	}
	logger.Info("api.stopped")
}
