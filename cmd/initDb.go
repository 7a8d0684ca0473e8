/*
Copyright © 2026 NAME HERE <EMAIL ADDRESS>
*/
package cmd

import (
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"forecastcache/internal/bootstrap"
	"forecastcache/internal/bootstrap/database"
	"forecastcache/internal/bootstrap/logging"
	"forecastcache/internal/errs"
)

// initDbCmd represents the initDb command
var initDbCmd = &cobra.Command{
	Use:   "init-db",
	Short: "Create or update the artifacts table and its indexes",
	Args:  cobra.NoArgs,
	RunE: withApp(func(cmd *cobra.Command, _ []string, app *bootstrap.App) error {
		ctx := cmd.Context()
		logging.Info(ctx, "start init-db")

		if err := app.InitSchema(ctx); err != nil {
			logging.Error(ctx, "initialize schema failed", slog.Any("err", errs.Loggable(err)))
			return errs.Wrap(err, "initialize schema")
		}

		driver, dsn, err := database.ResolveDriver(app.Config.Database.Driver, app.Config.Database.DSN)
		if err != nil {
			return err
		}
		target := dsn
		if driver == database.DriverPostgres {
			target = "postgres"
		}

		schemaVersion, err := bootstrap.StoredSchemaVersion(ctx, app.DB)
		if err != nil {
			return err
		}

		logging.Info(ctx, "init-db finished", slog.String("driver", driver), slog.String("schema_version", schemaVersion))
		if _, err := fmt.Fprintf(cmd.OutOrStdout(), "database schema initialized: %s (schema version %s)\n", target, schemaVersion); err != nil {
			return errs.Wrap(err, "write init-db output")
		}
		return nil
	}),
}

func init() {
	rootCmd.AddCommand(initDbCmd)
}
