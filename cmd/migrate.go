package cmd

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/methings/agentd/internal/config"
	"github.com/methings/agentd/internal/store"
)

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending database migrations",
		Long:  "Applies pending schema migrations to the local SQLite database. `agentd serve` does this automatically on startup; this command exists for scripted upgrades.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(resolveConfigPath())
			if err != nil {
				return err
			}
			dbPath := filepath.Join(cfg.StateDir(), "agentd.db")
			if err := store.Migrate(dbPath); err != nil {
				return err
			}
			fmt.Printf("migrations applied: %s\n", dbPath)
			return nil
		},
	}
}
