package main

import (
	"WardProtocol/internal/config"
	"WardProtocol/internal/observability"
	"WardProtocol/internal/persistence"
	"context"
	"fmt"
	"log"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

func main() {
	var configPath string

	root := &cobra.Command{
		Use:           "migrate",
		Short:         "Apply or roll back the Postgres schema",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", os.Getenv("WARD_CONFIG"), "path to a YAML config file")

	withMigrator := func(run func(ctx context.Context, m *persistence.Migrator) error) func(*cobra.Command, []string) error {
		return func(*cobra.Command, []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
			defer cancel()

			db, err := persistence.Open(ctx, cfg.Postgres.DSN)
			if err != nil {
				return err
			}
			defer db.Close()

			logger := observability.NewLoggerWithLevel("migrate", observability.ParseLogLevel(cfg.LogLevel))
			return run(ctx, persistence.NewMigrator(db.DB, cfg.MigrationsDir, logger))
		}
	}

	root.AddCommand(
		&cobra.Command{
			Use:   "up",
			Short: "Apply all pending migrations",
			RunE: withMigrator(func(ctx context.Context, m *persistence.Migrator) error {
				n, err := m.Up(ctx)
				if err != nil {
					return fmt.Errorf("migrate up: %w", err)
				}
				log.Printf("INFO: %d migrations applied", n)
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
				log.Println("INFO: last migration rolled back")
				return nil
			}),
		},
		&cobra.Command{
			Use:   "status",
			Short: "List applied migrations",
			RunE: withMigrator(func(ctx context.Context, m *persistence.Migrator) error {
				applied, err := m.Status(ctx)
				if err != nil {
					return fmt.Errorf("migrate status: %w", err)
				}
				w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
				fmt.Fprintln(w, "VERSION\tFILE\tAPPLIED")
				for _, a := range applied {
					fmt.Fprintf(w, "%s\t%s\t%s\n", a.Version, a.Filename, a.AppliedAt.Format(time.RFC3339))
				}
				return w.Flush()
			}),
		},
	)

	if err := root.Execute(); err != nil {
		log.Fatalf("FATAL: %v", err)
	}
}
