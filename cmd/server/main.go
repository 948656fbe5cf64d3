/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the gold ledger engine server. Handles
  configuration, dependency injection, the reconciliation schedule, and
  graceful shutdown.

STARTUP SEQUENCE:
  1. Parse command-line flags, load TOML config
  2. Build the zap logger
  3. Initialize SQLite store
  4. Wire mutator, duplicate resolver, reconciler, archive
  5. Start the nightly reconciliation and backup crons
  6. Start HTTP server with graceful shutdown

COMMAND-LINE FLAGS:
  -config  TOML config path (optional; defaults apply without it)
  -port    HTTP server port (overrides config when set)
  -db      SQLite database path (overrides config when set)
           Use ":memory:" for an in-memory database

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop the cron scheduler (waits for a running reconciliation)
  2. Stop accepting new connections
  3. Wait for active requests to complete (30s timeout)
  4. Close database connection
  5. Exit

EXAMPLES:
  ./server -config=./config.toml
  ./server -db=":memory:" -port=3000

ENVIRONMENT:
  LOG_LEVEL, LOG_ENCODING control the logger. Everything else via
  flags or config file.

SEE ALSO:
  - api/server.go: Router configuration
  - config/config.go: Config schema and defaults
  - store/sqlite/sqlite.go: Database implementation
*/
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/mektycoon/gold-engine/api"
	"github.com/mektycoon/gold-engine/archive"
	"github.com/mektycoon/gold-engine/config"
	"github.com/mektycoon/gold-engine/ledger"
	"github.com/mektycoon/gold-engine/logging"
	"github.com/mektycoon/gold-engine/ownership"
	"github.com/mektycoon/gold-engine/reconcile"
	"github.com/mektycoon/gold-engine/store/sqlite"
)

func main() {
	// Flags
	configPath := flag.String("config", "", "TOML config path")
	port := flag.Int("port", 0, "HTTP server port (overrides config)")
	dbPath := flag.String("db", "", "SQLite database path (overrides config)")
	flag.Parse()

	cfg := config.Default()
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			log.Fatalf("Failed to load config: %v", err)
		}
		cfg = loaded
	}
	if *port != 0 {
		cfg.Server.Addr = fmt.Sprintf(":%d", *port)
	}
	if *dbPath != "" {
		cfg.Database.Path = *dbPath
	}

	logger, err := logging.New()
	if err != nil {
		log.Fatalf("Failed to build logger: %v", err)
	}
	defer logger.Sync()

	// Initialize store
	store, err := sqlite.New(cfg.Database.Path)
	if err != nil {
		logger.Fatal("failed to initialize database", zap.Error(err))
	}
	defer store.Close()

	// Wire the engine
	mutator := ledger.NewMutator(store, store, logger)
	resolver := ledger.NewResolver(store, store, logger)

	source, err := ownership.NewClient(cfg.Ownership.BaseURL, logger)
	if err != nil {
		logger.Fatal("failed to build ownership client", zap.Error(err))
	}
	source.CacheTTL = cfg.Ownership.CacheTTL
	reconciler := reconcile.New(store, mutator, source, store, logger)
	reconciler.MaxWorkers = cfg.Reconcile.MaxWorkers

	arch := archive.New(store, store, store, logger)
	arch.Retention = cfg.Retention()

	// Nightly reconciliation
	if cfg.Reconcile.Enabled {
		scheduler, err := reconcile.NewScheduler(reconciler, cfg.Reconcile.CronSpec, logger)
		if err != nil {
			logger.Fatal("failed to build scheduler", zap.Error(err))
		}
		scheduler.Start()
		defer scheduler.Stop()
	}

	// Nightly auto backup + retention purge
	if cfg.Backup.Enabled {
		backups, err := archive.NewScheduler(arch, cfg.Backup.CronSpec, logger)
		if err != nil {
			logger.Fatal("failed to build backup scheduler", zap.Error(err))
		}
		backups.Start()
		defer backups.Stop()
	}

	// HTTP surface
	handler := api.NewHandler(store, store, mutator, resolver, reconciler, arch)
	router := api.NewRouter(handler)

	server := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in goroutine
	go func() {
		logger.Info("server starting",
			zap.String("addr", cfg.Server.Addr),
			zap.String("db", cfg.Database.Path))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server failed", zap.Error(err))
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down server")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		logger.Fatal("server forced to shutdown", zap.Error(err))
	}

	logger.Info("server stopped")
}
