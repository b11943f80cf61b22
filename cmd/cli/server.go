package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"tally.com/internal/application/usecase"
	"tally.com/internal/infrastructure/fixtures"
	httphandler "tally.com/internal/infrastructure/http"
	"tally.com/internal/infrastructure/identity"
	"tally.com/internal/infrastructure/metrics"

	"github.com/spf13/cobra"
)

var serverFixtures string //nolint:gochecknoglobals

var apiServerCmd = &cobra.Command{
	Use:   "server",
	Short: "Run API Server.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, appLogger, err := loadConfig()
		if err != nil {
			return err
		}

		ctx, stop := context.WithCancel(cmd.Context())
		defer stop()

		appLogger.LogInfo(ctx, "Configuration loaded",
			"port", cfg.Server.Port,
			"storage", cfg.Storage.Driver,
			"transfer_timeout", cfg.Transfer.Timeout.String(),
			"retry_attempts", cfg.Transfer.Retry.MaxAttempts,
			"verify_tokens", cfg.Auth.JWTSecret != "")

		// Initialize infrastructure adapters
		store, err := openStore(ctx, cfg, appLogger)
		if err != nil {
			appLogger.LogError(ctx, "Failed to open storage", err, "driver", cfg.Storage.Driver)
			return err
		}
		defer store.Close()

		if serverFixtures != "" {
			file, err := fixtures.ParseFile(serverFixtures)
			if err != nil {
				return err
			}
			created, err := fixtures.Apply(ctx, store, file, appLogger)
			if err != nil {
				return err
			}
			appLogger.LogInfo(ctx, "Fixtures applied", "file", serverFixtures, "created", created)
		}

		if pruner, ok := store.(tokenPruner); ok {
			go runPruner(ctx, pruner, time.Hour, appLogger)
		}

		appMetrics := metrics.New()
		resolver := identity.NewClaimsResolver(cfg.Auth.JWTSecret, cfg.Auth.IdentityClaim, appLogger)

		// Initialize use cases
		transferUseCase := usecase.NewTransferFundsUseCase(store, store,
			usecase.WithRetryPolicy(cfg.Transfer.Retry.Policy()),
			usecase.WithTimeout(cfg.Transfer.Timeout),
			usecase.WithObserver(appMetrics),
			usecase.WithLogger(appLogger),
		)
		getBalanceUseCase := usecase.NewGetBalanceUseCase(store, store)

		// Initialize HTTP handler
		opts := []httphandler.HandlerOption{httphandler.WithMetrics(appMetrics)}
		if cfg.RateLimit.Enabled {
			limiter := httphandler.NewRateLimiter(cfg.RateLimit.RequestsPerSecond, cfg.RateLimit.Burst, cfg.RateLimit.IdleTTL)
			defer limiter.Stop()
			opts = append(opts, httphandler.WithRateLimiter(limiter))
		}
		handler := httphandler.NewHandler(
			transferUseCase,
			getBalanceUseCase,
			resolver,
			store,
			appLogger,
			opts...,
		)

		addr := ":" + cfg.Server.Port
		server := &http.Server{
			Addr:         addr,
			Handler:      handler.SetupRoutes(),
			ReadTimeout:  cfg.Server.ReadTimeout,
			WriteTimeout: cfg.Server.WriteTimeout,
			IdleTimeout:  cfg.Server.IdleTimeout,
		}

		// Channel to capture termination signals
		signalChan := make(chan os.Signal, 1)
		signal.Notify(signalChan, os.Interrupt, syscall.SIGHUP, syscall.SIGINT, syscall.SIGQUIT, syscall.SIGTERM)

		// Error channel to capture errors from server
		errChan := make(chan error, 1)

		go func() {
			appLogger.LogInfo(ctx, "Starting server", "address", addr)
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errChan <- err
			}
		}()

		// Graceful shutdown
		select {
		case sig := <-signalChan:
			appLogger.LogInfo(ctx, "Received termination signal. Initiating graceful shutdown...", "signal", sig.String())

			shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
			defer cancel()

			if err := server.Shutdown(shutdownCtx); err != nil {
				appLogger.LogError(ctx, "Server forced to shutdown", err)
				return err
			}

			appLogger.LogInfo(ctx, "Server stopped gracefully")
		case err := <-errChan:
			appLogger.LogError(ctx, "Server error", err)
			return fmt.Errorf("server error: %w", err)
		}

		return nil
	},
}

func init() { //nolint:gochecknoinits
	apiServerCmd.Flags().StringVar(&serverFixtures, "fixtures", "", "YAML fixture file to provision before serving")
	rootCmd.AddCommand(apiServerCmd)
}
