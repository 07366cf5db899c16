/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the reconciliation engine server.
  Handles configuration, dependency injection, and graceful shutdown.

COMMANDS:
  serve    Start the HTTP server (default)
  migrate  Create or update the SQLite schema and exit

STARTUP SEQUENCE:
  1. Load configuration (env, .env, flags)
  2. Build the zap logger
  3. Initialize SQLite store (migrates on open)
  4. Create API handler and router
  5. Start server with graceful shutdown

FLAGS:
  --port   HTTP server port (overrides PORT)
  --db     SQLite database path (overrides DB_PATH)
           Use ":memory:" for in-memory database
  --env-file  Optional .env file (default: .env)

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop accepting new connections
  2. Wait for active requests to complete (30s timeout)
  3. Close database connection
  4. Exit

SEE ALSO:
  - config/config.go: Settings and defaults
  - api/server.go: Router configuration
  - store/sqlite/sqlite.go: Database implementation
*/
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/warp/reconciliation-engine/api"
	"github.com/warp/reconciliation-engine/config"
	"github.com/warp/reconciliation-engine/factory"
	"github.com/warp/reconciliation-engine/logging"
	"github.com/warp/reconciliation-engine/store/sqlite"
)

type flags struct {
	port    string
	dbPath  string
	envFile string
}

func main() {
	f := &flags{}

	rootCmd := &cobra.Command{
		Use:   "reconciliation-server",
		Short: "Hospital return and charge reconciliation API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(f)
		},
	}
	rootCmd.PersistentFlags().StringVar(&f.port, "port", "", "HTTP server port (overrides PORT)")
	rootCmd.PersistentFlags().StringVar(&f.dbPath, "db", "", "SQLite database path (overrides DB_PATH)")
	rootCmd.PersistentFlags().StringVar(&f.envFile, "env-file", ".env", "optional .env file")

	rootCmd.AddCommand(serveCmd(f))
	rootCmd.AddCommand(migrateCmd(f))

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd(f *flags) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(f)
		},
	}
}

func migrateCmd(f *flags) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the database schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(f)
			if err != nil {
				return err
			}
			store, err := sqlite.New(cfg.DBPath)
			if err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}
			defer store.Close()

			fmt.Printf("Schema is up to date in %s\n", cfg.DBPath)
			return nil
		},
	}
}

func loadConfig(f *flags) (*config.Config, error) {
	cfg, err := config.Load(f.envFile)
	if err != nil {
		return nil, err
	}
	if f.port != "" {
		cfg.Port = f.port
	}
	if f.dbPath != "" {
		cfg.DBPath = f.dbPath
	}
	return cfg, nil
}

func runServer(f *flags) error {
	cfg, err := loadConfig(f)
	if err != nil {
		return err
	}

	logger, err := logging.New(cfg.LogLevel, cfg.Env)
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}
	defer logger.Sync()

	// Initialize store
	store, err := sqlite.New(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	defer store.Close()

	// Initialize handler and router
	handler := api.NewHandler(store, factory.NewDocumentFactory(cfg.CashLimit()), logger)
	router := api.NewRouter(handler, api.RouterOptions{
		CORSOrigins:        cfg.CORSOrigins,
		RateLimitPerMinute: cfg.RateLimitPerMinute,
	})

	server := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in goroutine
	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting",
			zap.String("addr", server.Addr),
			zap.String("db", cfg.DBPath),
			zap.String("env", cfg.Env),
		)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case err := <-errCh:
		return fmt.Errorf("server failed: %w", err)
	case <-quit:
	}

	logger.Info("shutting down server")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}

	logger.Info("server stopped")
	return nil
}
