package main

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/labcv/labcv/internal/app/storage/postgres"
	"github.com/labcv/labcv/internal/platform/migrations"
)

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage the database schema",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "up",
		Short: "Apply all pending migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withMigrator(cmd, func(m *migrations.Migrator) error {
				if err := m.Up(); err != nil {
					return err
				}
				return reportVersion(cmd, m)
			})
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "down [steps]",
		Short: "Roll back migrations (default 1)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			steps := 1
			if len(args) == 1 {
				n, err := strconv.Atoi(args[0])
				if err != nil || n <= 0 {
					return fmt.Errorf("steps must be a positive integer")
				}
				steps = n
			}
			return withMigrator(cmd, func(m *migrations.Migrator) error {
				if err := m.Down(steps); err != nil {
					return err
				}
				return reportVersion(cmd, m)
			})
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print the applied schema version",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withMigrator(cmd, func(m *migrations.Migrator) error {
				return reportVersion(cmd, m)
			})
		},
	})
	return cmd
}

func withMigrator(cmd *cobra.Command, fn func(*migrations.Migrator) error) error {
	cfg, _, err := loadConfig()
	if err != nil {
		return err
	}
	if cfg.StoreDriver != "postgres" {
		return fmt.Errorf("migrations need STORE_DRIVER=postgres")
	}
	ctx, cancel := commandContext(cmd)
	defer cancel()

	_, db, err := postgres.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer db.Close()

	m, err := migrations.NewMigrator(db)
	if err != nil {
		return err
	}
	defer m.Close()
	return fn(m)
}

func reportVersion(cmd *cobra.Command, m *migrations.Migrator) error {
	v, dirty, err := m.Version()
	if err != nil {
		return err
	}
	p := printer(cmd)
	if jsonOutput {
		return p.JSON(map[string]interface{}{"version": v, "dirty": dirty})
	}
	if dirty {
		p.Warning("schema version %d is dirty", v)
		return nil
	}
	p.Success("schema version %d", v)
	return nil
}
