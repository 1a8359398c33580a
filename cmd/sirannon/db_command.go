// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package main

import (
	"errors"

	"github.com/spf13/cobra"

	"github.com/sirannon/sirannon/internal/database"
)

func RunDBCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "db",
		Short: "Database operations",
	}

	cmd.AddCommand(runDBMigrateCommand())
	return cmd
}

func runDBMigrateCommand() *cobra.Command {
	var (
		dbPath        string
		migrationsDir string
	)

	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending migrations to a database file",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if dbPath == "" {
				return errors.New("--db is required")
			}
			if migrationsDir == "" {
				return errors.New("--dir is required")
			}

			pool, err := database.NewPool(cmd.Context(), dbPath, database.PoolOptions{WALMode: true})
			if err != nil {
				return err
			}
			defer pool.Close()

			w, err := pool.AcquireWriter()
			if err != nil {
				return err
			}

			result, err := database.RunMigrations(cmd.Context(), w, migrationsDir)
			if err != nil {
				return err
			}

			cmd.Printf("Applied: %d\n", len(result.Applied))
			for _, m := range result.Applied {
				cmd.Printf("  - %s\n", m.Filename)
			}
			cmd.Printf("Skipped: %d\n", result.Skipped)
			return nil
		},
	}

	cmd.Flags().StringVar(&dbPath, "db", "", "Path to the SQLite database file")
	cmd.Flags().StringVar(&migrationsDir, "dir", "", "Directory containing NNN_name.sql migration files")
	return cmd
}
