package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/example/ride-dispatch/internal/config"
	"github.com/example/ride-dispatch/internal/logging"
	"github.com/example/ride-dispatch/internal/storage"
)

func migrate(cmd *cobra.Command, _ []string) error {
	cfg, err := config.LoadServerConfig(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if cfg.PGDSN == "" {
		return errors.New("migrate needs PG_DSN")
	}
	logger := logging.NewLogger("ride-dispatch", cfg.LogLevel)

	ps, err := storage.NewPostgresStore(cmd.Context(), cfg.PGDSN)
	if err != nil {
		return err
	}
	defer ps.Close()
	applied, err := storage.Migrate(cmd.Context(), ps.DB())
	if err != nil {
		return err
	}
	logger.Info("migrations applied", "files", applied)
	return nil
}
