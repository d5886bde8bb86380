package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/traceworks-io/openlrs/pkg/config"
	"github.com/traceworks-io/openlrs/pkg/storage"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply schema migrations and exit",
	Long: `Apply any pending schema migrations to the configured database.
Useful in deployments where the serving role has no DDL rights and
migrations run as a separate release step.`,
	RunE: runMigrate,
}

func runMigrate(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	log := cfg.Logger()

	store, err := storage.Open(ctx, cfg.DatabaseURL, storage.Options{Logger: log})
	if err != nil {
		return err
	}
	defer store.Close()

	if err := store.Migrate(ctx); err != nil {
		return err
	}
	fmt.Println("migrations applied")
	return nil
}
