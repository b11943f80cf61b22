package cli

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"tally.com/internal/domain/port"
	"tally.com/internal/infrastructure/config"
	"tally.com/internal/infrastructure/logger"
	"tally.com/internal/infrastructure/repository"
)

const serverDir = "server"

var configDirFlag string //nolint:gochecknoglobals

// loadConfig resolves the config directory and builds the logger it describes.
func loadConfig() (*config.Config, logger.Logger, error) {
	configDir := configDirFlag
	if configDir == "" {
		// Get config directory (relative to where the binary is run from)
		configDir = filepath.Join("cmd", "config", serverDir)
		if _, err := os.Stat(configDir); os.IsNotExist(err) {
			configDir = filepath.Join(".", "config", serverDir)
		}
	}

	cfg, err := config.LoadConfig(configDir)
	if err != nil {
		logger.NewLogger().LogError(context.Background(), "Failed to load config", err, "config_dir", configDir)
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}

	appLogger := logger.New(logger.Options{Level: cfg.Log.Level, Format: cfg.Log.Format})
	return cfg, appLogger, nil
}

// openStore constructs the configured storage backend.
func openStore(ctx context.Context, cfg *config.Config, log logger.Logger) (port.Store, error) {
	retention := cfg.Ledger.IdempotencyRetention

	switch cfg.Storage.Driver {
	case config.DriverPostgres:
		pg := cfg.Storage.Postgres
		db, err := repository.OpenPostgres(ctx, pg.DSN, repository.PostgresOptions{
			MaxOpenConns:    pg.MaxOpenConns,
			MaxIdleConns:    pg.MaxIdleConns,
			ConnMaxLifetime: pg.ConnMaxLifetime,
		})
		if err != nil {
			return nil, err
		}
		if pg.AutoMigrate {
			if err := repository.MigratePostgres(ctx, db.DB, log); err != nil {
				db.Close()
				return nil, err
			}
		}
		return repository.NewPostgresLedger(db, log, retention), nil

	case config.DriverRedis:
		rc := cfg.Storage.Redis
		client, err := repository.OpenRedis(ctx, repository.RedisOptions{
			Addr:     rc.Addr,
			Password: rc.Password,
			DB:       rc.DB,
		})
		if err != nil {
			return nil, err
		}
		return repository.NewRedisLedger(client, log, retention), nil

	default:
		return repository.NewInMemoryLedger(log, retention), nil
	}
}

// tokenPruner is implemented by stores whose idempotency records need
// explicit expiry.
type tokenPruner interface {
	PruneExpiredTokens(ctx context.Context) (int64, error)
}

// runPruner deletes expired idempotency records every interval until ctx ends.
func runPruner(ctx context.Context, pruner tokenPruner, interval time.Duration, log logger.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := pruner.PruneExpiredTokens(ctx)
			if err != nil {
				log.LogError(ctx, "Failed to prune transfer tokens", err)
				continue
			}
			if n > 0 {
				log.LogInfo(ctx, "Pruned transfer tokens", "count", n)
			}
		}
	}
}
