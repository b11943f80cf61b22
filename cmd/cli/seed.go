package cli

import (
	"errors"

	"tally.com/internal/infrastructure/config"
	"tally.com/internal/infrastructure/fixtures"

	"github.com/spf13/cobra"
)

var seedFile string //nolint:gochecknoglobals

var seedCmd = &cobra.Command{ //nolint:gochecknoglobals
	Use:   "seed",
	Short: "Provision accounts and owners from a YAML fixture file.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		if seedFile == "" {
			return errors.New("--file is required")
		}

		cfg, appLogger, err := loadConfig()
		if err != nil {
			return err
		}

		ctx := cmd.Context()
		if cfg.Storage.Driver == config.DriverMemory {
			appLogger.LogWarning(ctx, "Seeding the memory store has no effect beyond this process; use server --fixtures instead")
		}

		file, err := fixtures.ParseFile(seedFile)
		if err != nil {
			return err
		}

		store, err := openStore(ctx, cfg, appLogger)
		if err != nil {
			return err
		}
		defer store.Close()

		created, err := fixtures.Apply(ctx, store, file, appLogger)
		if err != nil {
			appLogger.LogError(ctx, "Seeding failed", err, "created", created)
			return err
		}

		appLogger.LogInfo(ctx, "Seeding complete", "file", seedFile, "created", created, "total", len(file.Accounts))
		return nil
	},
}

func init() { //nolint:gochecknoinits
	seedCmd.Flags().StringVar(&seedFile, "file", "", "YAML fixture file")
	rootCmd.AddCommand(seedCmd)
}
