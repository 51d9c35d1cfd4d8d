package main

import (
	"fmt"
	"log/slog"

	"github.com/Veraticus/derma-loop/internal/cli"
	"github.com/Veraticus/derma-loop/internal/storage"
	"github.com/spf13/cobra"
)

func migrateCmd() *cobra.Command {
	var status bool

	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
		Long: `Initialize or update the database schema to the latest version.

Every command migrates on startup; this one reports what it did.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if appConfig == nil {
				return fmt.Errorf("configuration not loaded")
			}
			dbPath := appConfig.Database.Path
			ctx := cmd.Context()
			out := cmd.OutOrStdout()

			store, err := storage.NewSQLiteStorage(dbPath)
			if err != nil {
				return fmt.Errorf("failed to open database: %w", err)
			}
			defer func() { _ = store.Close() }()

			current, err := store.SchemaVersion(ctx)
			if err != nil {
				return err
			}

			if status {
				fmt.Fprintln(out, cli.FormatTitle("Database migration status"))
				fmt.Fprintf(out, "  Database: %s\n", dbPath)
				fmt.Fprintf(out, "  Current version: %d\n", current)
				fmt.Fprintf(out, "  Latest version:  %d\n", storage.ExpectedSchemaVersion)
				if current < storage.ExpectedSchemaVersion {
					fmt.Fprintln(out, cli.FormatWarning(fmt.Sprintf("%d migration(s) pending", storage.ExpectedSchemaVersion-current)))
				}
				return nil
			}

			slog.Info("running database migrations", "database", dbPath, "from_version", current)
			if err := store.Migrate(ctx); err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}

			if current == storage.ExpectedSchemaVersion {
				fmt.Fprintln(out, cli.FormatSuccess(fmt.Sprintf("Database already at version %d", current)))
				return nil
			}
			fmt.Fprintln(out, cli.FormatSuccess(fmt.Sprintf("Migrated database from version %d to %d", current, storage.ExpectedSchemaVersion)))
			return nil
		},
	}

	cmd.Flags().BoolVar(&status, "status", false, "show current migration status without applying changes")
	return cmd
}
