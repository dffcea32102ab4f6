package main

import (
	"fmt"

	"github.com/Veraticus/bankfeed/internal/common"
	"github.com/Veraticus/bankfeed/internal/storage"
	"github.com/spf13/cobra"
)

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
		Long: `Initialize or update the database schema to the latest version.

Every other command migrates on start; this one is for deployments that run
migrations as a separate step.`,
		RunE: runMigrate,
	}
	cmd.Flags().Bool("status", false, "show the current schema version without applying changes")
	return cmd
}

func runMigrate(cmd *cobra.Command, _ []string) error {
	status, _ := cmd.Flags().GetBool("status")
	dbPath := cfg.Database.Path

	common.LogInfo("Starting database migration", common.Fields{"database": dbPath, "status_only": status})

	store, err := storage.NewSQLiteStorage(dbPath)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer func() { _ = store.Close() }()

	ctx := cmd.Context()
	out := cmd.OutOrStdout()
	if !status {
		if err := store.Migrate(ctx); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}

	current, err := store.SchemaVersion(ctx)
	if err != nil {
		return err
	}
	line := fmt.Sprintf("Schema version %d of %d", current, storage.ExpectedSchemaVersion)
	if current == storage.ExpectedSchemaVersion {
		fmt.Fprintln(out, okStyle.Render(line))
	} else {
		fmt.Fprintln(out, warnStyle.Render(line+" (run without --status to upgrade)"))
	}
	return nil
}
