package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"homework-grader/internal/app"
	"homework-grader/internal/config"
	"homework-grader/internal/queue"
	"homework-grader/internal/telemetry"
	workerproc "homework-grader/internal/worker"
)

func main() {
	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		log.Fatalf("config: %v", err)
	}
	if cfg.StoreBackend == config.StoreMemory {
		log.Fatalf("worker needs a shared store; STORE_BACKEND=memory only works with inline dispatch")
	}
	logger := app.NewLogger(cfg, "worker")

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
	q := queue.NewRedisQueue(redisClient, cfg)

	svc, err := app.NewService(ctx, cfg, st, q, logger)
	if err != nil {
		log.Fatalf("init grading: %v", err)
	}

	// Generate a unique worker ID from hostname or env var
	workerID := os.Getenv("WORKER_ID")
	if workerID == "" {
		hostname, _ := os.Hostname()
		if hostname != "" {
			workerID = hostname
		} else {
			workerID = fmt.Sprintf("worker-%d", os.Getpid())
		}
	}

	go func() {
		if err := http.ListenAndServe(cfg.MetricsAddr, telemetry.Handler()); err != nil {
			logger.Warn("worker.metrics_stopped", "error", err)
		}
	}()

	workers := cfg.PoolWorkers
	if workers <= 0 {
		workers = 1
	}
	logger.Info("worker.started", "worker_id", workerID, "loops", workers, "visibility", cfg.VisibilityTimeout.String())

	var wg sync.WaitGroup
	for i := 1; i <= workers; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			p := workerproc.NewProcessorWithID(cfg, q, svc, logger, fmt.Sprintf("%s/%d", workerID, n))
			if err := p.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("worker.loop_stopped", "error", err)
			}
		}(i)
	}
	wg.Wait()
	logger.Info("worker.stopped")
}
