// Squadron execution core server — provides the HTTP API, runs the
// workflow engine workers, and streams execution events.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/codeready-toolchain/squadron/pkg/agent"
	"github.com/codeready-toolchain/squadron/pkg/agentpool"
	"github.com/codeready-toolchain/squadron/pkg/api"
	"github.com/codeready-toolchain/squadron/pkg/bus"
	"github.com/codeready-toolchain/squadron/pkg/cache"
	"github.com/codeready-toolchain/squadron/pkg/cleanup"
	"github.com/codeready-toolchain/squadron/pkg/config"
	"github.com/codeready-toolchain/squadron/pkg/engine"
	"github.com/codeready-toolchain/squadron/pkg/services"
	"github.com/codeready-toolchain/squadron/pkg/store"
	"github.com/codeready-toolchain/squadron/pkg/stream"
)

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func main() {
	configDir := flag.String("config-dir",
		getEnv("CONFIG_DIR", "./deploy/config"),
		"Path to configuration directory")
	flag.Parse()

	// Load .env file from config directory
	envPath := filepath.Join(*configDir, ".env")
	if err := godotenv.Load(envPath); err != nil {
		slog.Warn("Could not load .env file, continuing with existing environment",
			"path", envPath, "error", err)
	} else {
		slog.Info("Loaded environment", "path", envPath)
	}

	ctx := context.Background()

	// 1. Configuration
	cfg, err := config.Initialize(*configDir)
	if err != nil {
		slog.Error("Failed to initialize configuration", "error", err)
		os.Exit(1)
	}

	httpPort := cfg.Server.Port
	if p := os.Getenv("HTTP_PORT"); p != "" {
		httpPort = p
	}

	slog.Info("Starting squadron", "http_port", httpPort, "config_dir", *configDir)

	// 2. Database (runs migrations)
	dbCfg, err := store.LoadConfigFromEnv()
	if err != nil {
		slog.Error("Failed to load database config", "error", err)
		os.Exit(1)
	}
	st, err := store.New(ctx, dbCfg)
	if err != nil {
		slog.Error("Failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := st.Close(); err != nil {
			slog.Error("Error closing database", "error", err)
		}
	}()
	slog.Info("Connected to PostgreSQL database")

	// 3. Cache and catalog
	redisCache := cache.New(ctx, cfg.Cache)
	defer func() {
		if err := redisCache.Close(); err != nil {
			slog.Error("Error closing cache", "error", err)
		}
	}()
	catalog := cache.NewCatalog(redisCache, st)
	slog.Info("Cache initialized", "addr", cfg.Cache.Addr)

	// 4. Event bus with cross-replica notify listener
	eventBus := bus.New(st, cfg.Streams, cfg.Engine.Retry)
	listener := bus.NewNotifyListener(st.DSN(), eventBus)
	if err := listener.Start(ctx); err != nil {
		slog.Error("Failed to start notify listener", "error", err)
		os.Exit(1)
	}
	defer listener.Stop(ctx)
	slog.Info("Event bus initialized")

	// 5. Agent infrastructure
	llmClient := agent.NewLLMClient(cfg.LLM)
	factory := agent.NewFactory(llmClient)
	pool := agentpool.New(cfg.Pool.MaxSize, cfg.Pool.EnableStats,
		func(ctx context.Context, squadID, role string) (agent.Agent, error) {
			members, err := catalog.Members(ctx, squadID)
			if err != nil {
				return nil, err
			}
			for i := range members {
				if members[i].Role == role {
					return factory.Build(&members[i])
				}
			}
			return nil, fmt.Errorf("squad %s has no member with role %s", squadID, role)
		})
	slog.Info("Agent pool initialized", "max_size", cfg.Pool.MaxSize)

	// 6. Workflow engine
	runner := engine.NewRunner(st, eventBus, catalog, pool, cfg.Engine)
	eng := engine.New(st, eventBus, runner, catalog, cfg.Engine)
	if err := eng.Start(ctx); err != nil {
		slog.Error("Failed to start engine", "error", err)
		os.Exit(1)
	}
	slog.Info("Engine started", "instance_id", eng.InstanceID(), "workers", cfg.Engine.Workers)

	// 7. Services and stream manager
	executions := services.NewExecutionService(st, catalog, eventBus, eng, cfg.Engine)
	webhooks := services.NewWebhookService(st, eventBus, cfg.Webhook.HMACSecret)
	streams := stream.NewManager(eventBus, cfg.Streams)

	// 8. Retention janitor
	janitor := cleanup.NewService(&cfg.Retention, st)
	janitor.Start(ctx)

	// 9. HTTP server
	httpServer := api.NewServer(cfg, st, executions, webhooks, streams)
	httpServer.SetEngine(eng)
	httpServer.SetAgentPool(pool)
	httpServer.SetCache(redisCache)

	errCh := make(chan error, 1)
	go func() {
		addr := ":" + httpPort
		slog.Info("HTTP server listening", "addr", addr)
		if err := httpServer.Start(addr); err != nil && err != http.ErrServerClosed {
			slog.Error("HTTP server error", "error", err)
			errCh <- err
		}
	}()

	slog.Info("Squadron started successfully")

	// 10. Wait for shutdown signal or server error
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		slog.Info("Shutdown signal received", "signal", sig)
	case err := <-errCh:
		slog.Error("Server error triggered shutdown", "error", err)
	}

	// 11. Graceful shutdown: janitor, engine (bounded), listener, HTTP.
	janitor.Stop()

	engineCtx, engineCancel := context.WithTimeout(ctx, cfg.Engine.GracefulShutdownTimeout)
	defer engineCancel()
	done := make(chan struct{})
	go func() {
		eng.Stop()
		close(done)
	}()
	select {
	case <-done:
		slog.Info("Engine stopped gracefully")
	case <-engineCtx.Done():
		slog.Warn("Shutdown timeout exceeded — in-flight executions will be lease-recovered")
	}

	httpCtx, httpCancel := context.WithTimeout(ctx, 5*time.Second)
	defer httpCancel()
	if err := httpServer.Shutdown(httpCtx); err != nil {
		slog.Error("HTTP server shutdown error", "error", err)
	}

	slog.Info("Shutdown complete")
}
