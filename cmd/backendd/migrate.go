package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/iat-toolkit/backend/internal/config"
	"github.com/iat-toolkit/backend/internal/schema"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply schema migrations and print the versions on record",
	RunE:  runMigrate,
}

func init() {
	rootCmd.AddCommand(migrateCmd)
}

func runMigrate(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPathFlag)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	db, err := schema.Open(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer db.Close()

	rows, err := db.Query(`SELECT version, note, applied_at FROM schema_migrations ORDER BY applied_at`)
	if err != nil {
		return fmt.Errorf("listing applied migrations: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var version, note, appliedAt string
		if err := rows.Scan(&version, &note, &appliedAt); err != nil {
			return fmt.Errorf("scanning migration row: %w", err)
		}
		fmt.Printf("%s\t%s\t%s\n", version, appliedAt, note)
	}
	return rows.Err()
}
