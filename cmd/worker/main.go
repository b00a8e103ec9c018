package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ignite/adperf-engine/internal/app"
	"github.com/ignite/adperf-engine/internal/config"
	"github.com/ignite/adperf-engine/internal/pkg/logger"
	"github.com/ignite/adperf-engine/internal/pkg/telemetry"
	"github.com/ignite/adperf-engine/internal/scheduler"
)

func main() {
	log.Println("Starting ad performance period worker...")

	cfg, err := config.LoadFromEnv(config.DefaultPath())
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	logger.SetLevel(logger.ParseLevel(cfg.Logging.Level))
	logger.SetService("adperf-worker")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	shutdownTracing, err := telemetry.Setup(ctx, "adperf-worker", cfg.Telemetry.Endpoint, cfg.Telemetry.SampleRatio)
	if err != nil {
		log.Printf("Warning: tracing disabled: %v", err)
	}

	services, err := app.New(ctx, cfg)
	if err != nil {
		log.Fatalf("Failed to initialize services: %v", err)
	}
	defer services.Close()

	sched := scheduler.New(services.LockFactory())
	for _, job := range services.ScheduledJobs() {
		sched.Add(job)
	}

	stopped := make(chan struct{})
	go func() {
		sched.Start(ctx)
		close(stopped)
	}()

	// Heartbeat with per-job counters
	go func() {
		ticker := time.NewTicker(5 * time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				for _, info := range sched.Status() {
					logger.Info("worker heartbeat", "job", info.Name, "runs", info.Runs,
						"skipped", info.Skipped, "failures", info.Failures, "last_error", info.LastErr)
				}
			}
		}
	}()

	log.Println("Worker running...")

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down worker...")
	cancel()

	select {
	case <-stopped:
	case <-time.After(30 * time.Second):
		log.Println("Timed out waiting for running jobs")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := shutdownTracing(shutdownCtx); err != nil {
		log.Printf("Tracing shutdown error: %v", err)
	}

	log.Println("Worker stopped")
}
