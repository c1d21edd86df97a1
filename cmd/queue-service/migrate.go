package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"qms/queue-engine/internal/store/postgres"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Manage the PostgreSQL schema",
	Long: `Apply or roll back the embedded schema migrations.

Reads the DSN from --db-dsn, the DB_DSN env var, or the config file.`,
}

var migrateUpCmd = &cobra.Command{
	Use:   "up",
	Short: "Apply all pending migrations",
	RunE: func(_ *cobra.Command, _ []string) error {
		dsn, err := migrationDSN()
		if err != nil {
			return err
		}
		if err := postgres.MigrateUp(dsn); err != nil {
			return err
		}
		fmt.Println("migrations complete")
		return nil
	},
}

var migrateDownSteps int

var migrateDownCmd = &cobra.Command{
	Use:   "down",
	Short: "Roll back migrations",
	RunE: func(_ *cobra.Command, _ []string) error {
		dsn, err := migrationDSN()
		if err != nil {
			return err
		}
		if err := postgres.MigrateDown(dsn, migrateDownSteps); err != nil {
			return err
		}
		fmt.Printf("rolled back %d migration(s)\n", migrateDownSteps)
		return nil
	},
}

var migrateVersionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the applied schema version",
	RunE: func(_ *cobra.Command, _ []string) error {
		dsn, err := migrationDSN()
		if err != nil {
			return err
		}
		version, dirty, err := postgres.MigrationVersion(dsn)
		if err != nil {
			return err
		}
		fmt.Printf("version %d (dirty: %t)\n", version, dirty)
		return nil
	},
}

func init() {
	migrateDownCmd.Flags().IntVar(&migrateDownSteps, "steps", 1, "number of migrations to roll back")
	migrateCmd.AddCommand(migrateUpCmd, migrateDownCmd, migrateVersionCmd)
}

func migrationDSN() (string, error) {
	dsn := viper.GetString("db_dsn")
	if dsn == "" {
		return "", errors.New("db_dsn is required")
	}
	return dsn, nil
}
