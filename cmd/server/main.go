package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/ignite/adperf-engine/internal/api"
	"github.com/ignite/adperf-engine/internal/app"
	"github.com/ignite/adperf-engine/internal/config"
	"github.com/ignite/adperf-engine/internal/pkg/logger"
	"github.com/ignite/adperf-engine/internal/pkg/telemetry"
)

func extractHost(dsn string) string {
	at := strings.Index(dsn, "@")
	if at < 0 {
		return "(local)"
	}
	rest := dsn[at+1:]
	slash := strings.Index(rest, "/")
	if slash >= 0 {
		rest = rest[:slash]
	}
	return rest
}

func main() {
	log.Println("╔════════════════════════════════════════════════════════════╗")
	log.Println("║  Ad Performance Period Engine (cmd/server/main.go)        ║")
	log.Println("║  Smart cache reads, backfill and lifecycle triggers        ║")
	log.Println("╚════════════════════════════════════════════════════════════╝")

	cfg, err := config.LoadFromEnv(config.DefaultPath())
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	logger.SetLevel(logger.ParseLevel(cfg.Logging.Level))
	logger.SetService("adperf-server")

	host := cfg.Server.GetHost()
	port := cfg.Server.Port
	log.Printf("Config: port=%d host=%s db=%s (%s) redis=%v", port, host, cfg.Database.Driver, extractHost(cfg.Database.DSN), cfg.Redis.Enabled)

	server := api.NewServer(nil, cfg.Server.WriteTimeout())
	if err := server.Listen(cfg.Server.Addr()); err != nil {
		log.Fatalf("Pre-flight check FAILED: %v\n  Hint: Run 'lsof -i :%d' to find the blocking process", err, port)
	}
	log.Printf("Pre-flight check passed: bound %s", server.Addr())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	shutdownTracing, err := telemetry.Setup(ctx, "adperf-server", cfg.Telemetry.Endpoint, cfg.Telemetry.SampleRatio)
	if err != nil {
		log.Printf("Warning: tracing disabled: %v", err)
	} else if cfg.Telemetry.Endpoint != "" {
		log.Printf("Tracing enabled: exporting to %s", cfg.Telemetry.Endpoint)
	}

	services, err := app.New(ctx, cfg)
	if err != nil {
		log.Fatalf("Failed to initialize services: %v", err)
	}
	defer services.Close()

	if cfg.Server.TriggerSecret == "" {
		log.Println("Warning: TRIGGER_SECRET not set, trigger endpoints answer 503")
	}
	log.Printf("Smart cache: granularity=%s platforms=%v", services.Cache.Granularity(), services.Sources.Platforms())

	server.SetHandler(services.Handler())
	log.Println("Health check routes registered: /health, /health/live, /health/ready")

	// Setup graceful shutdown
	done := make(chan os.Signal, 1)
	signal.Notify(done, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		log.Printf("Starting server on %s", server.Addr())
		if err := server.Serve(); err != nil {
			log.Fatalf("Server error: %v", err)
		}
	}()

	log.Println("All services initialized, server is ready")

	<-done
	log.Println("Shutting down...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout())
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("Server shutdown error: %v", err)
	}
	if err := shutdownTracing(shutdownCtx); err != nil {
		log.Printf("Tracing shutdown error: %v", err)
	}

	log.Println("Server stopped")
}
