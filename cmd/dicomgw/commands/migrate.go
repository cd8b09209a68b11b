package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/openimagery/dicomgw/internal/logger"
	"github.com/openimagery/dicomgw/pkg/catalog"
	"github.com/openimagery/dicomgw/pkg/config"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Run catalog database migrations",
	Long: `Apply pending schema migrations to the configured PostgreSQL catalog.

Required on first deployment and after upgrading dicomgw when schema
changes have been made.

Examples:
  # Run migrations with default config
  dicomgw migrate

  # Run migrations with custom config
  dicomgw migrate --config /etc/dicomgw/config.yaml`,
	RunE: runMigrate,
}

func runMigrate(cmd *cobra.Command, args []string) error {
	cfg, err := config.MustLoad(GetConfigFile())
	if err != nil {
		return err
	}

	if err := InitLogger(cfg); err != nil {
		return err
	}

	logger.Info("running catalog migrations",
		"host", cfg.Database.Host, "database", cfg.Database.Database)

	if err := catalog.Migrate(context.Background(), cfg.Database); err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}

	fmt.Println("Migrations completed successfully")
	return nil
}
