package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"PerpLiquidator/internal/config"
	"PerpLiquidator/internal/observability"
	"PerpLiquidator/internal/persistence"

	"github.com/spf13/cobra"
)

var (
	configPath string
	driver     string
	dsn        string
	dir        string
)

var logger = observability.NewLogger("migrate")

var rootCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply or roll back liquidator schema migrations",
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVarP(&configPath, "config", "c", os.Getenv("LIQ_CONFIG"), "path to the YAML config file")
	pf.StringVar(&driver, "driver", "", "sqlite or postgres (overrides config)")
	pf.StringVar(&dsn, "dsn", "", "database DSN (overrides config)")
	pf.StringVar(&dir, "dir", "", "migrations root; the dialect subdirectory is appended (overrides config)")

	rootCmd.AddCommand(
		&cobra.Command{
			Use:   "up",
			Short: "Apply all pending migrations",
			RunE: withMigrator(func(ctx context.Context, m *persistence.Migrator) error {
				if err := m.Up(ctx); err != nil {
					return fmt.Errorf("migrate up: %w", err)
				}
				logger.Info().Msg("all migrations applied")
				return nil
			}),
		},
		&cobra.Command{
			Use:   "down",
			Short: "Roll back the last migration",
			RunE: withMigrator(func(ctx context.Context, m *persistence.Migrator) error {
				if err := m.Down(ctx); err != nil {
					return fmt.Errorf("migrate down: %w", err)
				}
				logger.Info().Msg("last migration rolled back")
				return nil
			}),
		},
		&cobra.Command{
			Use:   "status",
			Short: "List applied migration versions",
			RunE: withMigrator(func(ctx context.Context, m *persistence.Migrator) error {
				versions, err := m.Applied(ctx)
				if err != nil {
					return err
				}
				for _, v := range versions {
					fmt.Println(v)
				}
				logger.Info().Int("applied", len(versions)).Msg("migration status")
				return nil
			}),
		},
	)
}

func withMigrator(fn func(ctx context.Context, m *persistence.Migrator) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		if driver != "" {
			cfg.Database.Driver = driver
		}
		if dsn != "" {
			cfg.Database.DSN = dsn
		}
		if dir != "" {
			cfg.Database.MigrationsDir = dir
		}
		if cfg.Database.Driver == "memory" {
			return fmt.Errorf("the memory driver has no schema; pass --driver sqlite or --driver postgres")
		}

		db, dialect, err := persistence.Open(cfg.Database.Driver, cfg.Database.DSN)
		if err != nil {
			return err
		}
		defer db.Close()

		path := filepath.Join(cfg.Database.MigrationsDir, dialect.Name)
		logger.Info().Str("dialect", dialect.Name).Str("dir", path).Msg("running migrations")
		return fn(cmd.Context(), persistence.NewMigrator(db, dialect, path, logger))
	}
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
