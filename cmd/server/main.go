/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the clinic referral ledger server.
  Handles configuration, dependency injection, and graceful shutdown.

STARTUP SEQUENCE:
  1. Load .env (if present), then environment config
  2. Apply command-line flags over the environment
  3. Initialize SQLite store (migrations run here)
  4. Create the referral service and load the clinic default rate
  5. Configure HTTP router and start the stats reconciler
  6. Start server with graceful shutdown

COMMAND-LINE FLAGS:
  -port    HTTP server port (overrides SERVER_PORT, default 8080)
  -db      SQLite database path (overrides DB_PATH, default referrals.db)
           Use ":memory:" for in-memory database

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop the reconciler
  2. Stop accepting new connections
  3. Wait for active requests to complete (SERVER_SHUTDOWN_TIMEOUT)
  4. Close database connection

EXAMPLES:
  # Run with file database
  ./server -db="./data/clinic.db"

  # Human-readable logs, recompute every 10 minutes
  APP_LOG_PRETTY=true APP_RECONCILE_INTERVAL=10m ./server

SEE ALSO:
  - config/config.go: Environment variables
  - api/server.go: Router configuration
  - store/sqlite/sqlite.go: Database implementation
*/
package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/joho/godotenv"
	"golang.org/x/time/rate"

	"github.com/xinjie/referral-engine/api"
	"github.com/xinjie/referral-engine/config"
	"github.com/xinjie/referral-engine/logging"
	"github.com/xinjie/referral-engine/referral"
	"github.com/xinjie/referral-engine/store/sqlite"
)

func main() {
	// A missing .env is fine: production sets real environment variables.
	_ = godotenv.Load()

	cfg, err := config.Load(context.Background())
	if err != nil {
		bootLog := logging.New("info", false)
		bootLog.Fatal().Err(err).Msg("invalid configuration")
	}

	// Flags
	port := flag.Int("port", 0, "HTTP server port (overrides SERVER_PORT)")
	dbPath := flag.String("db", "", "SQLite database path (overrides DB_PATH)")
	flag.Parse()
	if *port > 0 {
		cfg.Server.Port = strconv.Itoa(*port)
	}
	if *dbPath != "" {
		cfg.DB.Path = *dbPath
	}

	log := logging.New(cfg.App.LogLevel, cfg.App.LogPretty)

	// Initialize store
	store, err := sqlite.New(cfg.DB.Path)
	if err != nil {
		log.Fatal().Err(err).Str("db", cfg.DB.Path).Msg("failed to initialize database")
	}
	defer store.Close()

	svc := referral.NewService(store,
		referral.WithLifecycle(referral.Lifecycle{RecomputePending: cfg.App.RecomputePending}),
		referral.WithLogger(log),
	)
	if err := svc.LoadSettings(context.Background()); err != nil {
		log.Fatal().Err(err).Msg("failed to load settings")
	}

	handler := api.NewHandler(svc, store, log, cfg.App.StatsCacheTTL)
	router := api.NewRouter(handler, api.RouterOptions{
		AllowedOrigins: cfg.App.CORSOrigins,
		RateLimit:      rate.Limit(cfg.App.RateLimit),
		RateBurst:      cfg.App.RateBurst,
		Logger:         log,
	})

	reconciler := api.NewStatsReconciler(handler, log)
	reconciler.Enabled = cfg.App.ReconcileEnabled
	reconciler.CheckInterval = cfg.App.ReconcileInterval
	reconciler.Start()

	// Create server
	server := &http.Server{
		Addr:         cfg.Server.Addr(),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	// Start server in goroutine
	go func() {
		log.Info().Str("addr", server.Addr).Str("db", cfg.DB.Path).
			Str("default_rate", svc.Policy().DefaultRate().String()).Msg("server starting")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("server failed")
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("shutting down server")
	reconciler.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("server forced to shutdown")
		return
	}

	log.Info().Msg("server stopped")
}
