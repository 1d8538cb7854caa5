package commands

import (
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/envalloc/envalloc/pkg/config"
	"github.com/envalloc/envalloc/pkg/stores"
)

func newMigrateCommand() *cobra.Command {
	var dbPath string

	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply audit database migrations",
		Long: `Create or upgrade the request audit database schema.

serve applies migrations on start-up as well; this command lets operators
do it ahead of a rollout.`,
		Example: `  # Migrate the configured database
  envalloc migrate

  # Migrate a specific file
  envalloc migrate --db /var/lib/envalloc/envalloc.db`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			if dbPath != "" {
				cfg.Database.Path = dbPath
			}

			store, err := stores.NewSQLiteStore(stores.Config{
				Path:   cfg.Database.Path,
				Logger: log.Logger,
			})
			if err != nil {
				return err
			}
			defer store.Close()

			ctx := cmd.Context()
			if err := store.Init(ctx); err != nil {
				return err
			}
			if err := store.Migrate(ctx); err != nil {
				return err
			}

			log.Info().Str("path", cfg.Database.Path).Msg("Database migrated")
			fmt.Printf("Migrated %s\n", cfg.Database.Path)
			return nil
		},
	}

	cmd.Flags().StringVar(&dbPath, "db", "", "database path (overrides the configuration)")

	return cmd
}
