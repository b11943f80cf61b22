package cli

import (
	"fmt"

	"tally.com/internal/infrastructure/config"
	"tally.com/internal/infrastructure/repository"

	"github.com/spf13/cobra"
)

var migrateCmd = &cobra.Command{ //nolint:gochecknoglobals
	Use:   "migrate",
	Short: "Apply the Postgres schema migrations.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, appLogger, err := loadConfig()
		if err != nil {
			return err
		}
		if cfg.Storage.Driver != config.DriverPostgres {
			return fmt.Errorf("migrate requires storage.driver=postgres, got %q", cfg.Storage.Driver)
		}

		ctx := cmd.Context()
		pg := cfg.Storage.Postgres
		db, err := repository.OpenPostgres(ctx, pg.DSN, repository.PostgresOptions{MaxOpenConns: 1})
		if err != nil {
			return err
		}
		defer db.Close()

		return repository.MigratePostgres(ctx, db.DB, appLogger)
	},
}

func init() { //nolint:gochecknoinits
	rootCmd.AddCommand(migrateCmd)
}
