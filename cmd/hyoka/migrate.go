package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ashita-ai/hyoka/migrations"
)

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply result store schema migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig()
			if err != nil {
				return err
			}

			store, err := stores.Acquire(cmd.Context(), cfg.Store, logger)
			if err != nil {
				return fmt.Errorf("storage: %w", err)
			}

			if err := store.RunMigrations(cmd.Context(), migrations.FS); err != nil {
				return err
			}
			logger.Info("migrations applied")
			return nil
		},
	}
}
