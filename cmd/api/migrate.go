package main

import (
	"errors"

	"github.com/spf13/cobra"

	"github.com/zhouzirui/chat-canvas/backend/internal/store/postgres"
)

func runMigrate(cmd *cobra.Command, args []string) error {
	cfg, log, err := bootstrap()
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	if !cfg.Database.Enabled() {
		return errors.New("DATABASE_URL is required to run migrations")
	}
	return postgres.RunMigrations(cfg.Database.URL, log)
}
