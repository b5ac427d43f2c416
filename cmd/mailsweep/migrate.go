package main

import (
	"github.com/spf13/cobra"

	"github.com/mixelka/mailsweep/internal/database"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create or update the database schema",
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := database.Open(cfg.DatabaseDriver, cfg.DatabasePath, cfg.DatabaseURL)
		if err != nil {
			return err
		}
		defer db.Close()

		if err := db.Migrate(cmd.Context()); err != nil {
			return err
		}
		logger.Info("database migrations completed", "driver", cfg.DatabaseDriver)
		return nil
	},
}
