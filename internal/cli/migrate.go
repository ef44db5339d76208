package cli

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/driver/pgdriver"
	"github.com/uptrace/bun/migrate"

	"school-assistant/internal/catalog"
	"school-assistant/internal/config"
	"school-assistant/internal/infra/postgres"
	pgmigrations "school-assistant/internal/infra/postgres/migrations"
	"school-assistant/internal/logging"
)

// NewMigrateCmd applies database migrations and seeds the built-in catalog.
func NewMigrateCmd(configPath *string) *cobra.Command {
	var skipSeed bool
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations and seed built-in quizzes",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}
			log := logging.New(serviceName, cfg.Log.Level)
			return runMigrationsWithConfig(cmd.Context(), cfg, !skipSeed, log)
		},
	}
	cmd.Flags().BoolVar(&skipSeed, "skip-seed", false, "apply schema only")
	return cmd
}

func runMigrationsWithConfig(ctx context.Context, cfg config.Config, seed bool, log logrus.FieldLogger) error {
	if cfg.Postgres.URL == "" {
		return fmt.Errorf("postgres url not configured")
	}

	sqldb := sql.OpenDB(pgdriver.NewConnector(pgdriver.WithDSN(cfg.Postgres.URL)))
	db := bun.NewDB(sqldb, pgdialect.New())
	defer db.Close()

	migrator := migrate.NewMigrator(db, pgmigrations.Migrations)

	if err := migrator.Init(ctx); err != nil {
		return err
	}

	group, err := migrator.Migrate(ctx)
	if err != nil {
		return err
	}
	if group.IsZero() {
		log.Info("no new migrations")
	} else {
		log.WithField("group", group.String()).Info("migrations applied")
	}

	if !seed {
		return nil
	}
	n, err := postgres.Seed(ctx, db, catalog.Builtin())
	if err != nil {
		return err
	}
	log.WithField("quizzes", n).Info("catalog seeded")
	return nil
}
