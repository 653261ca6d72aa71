package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/poseylabs/posey/internal/memory"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Run storage migrations and exit",
	RunE:  runMigrate,
}

func runMigrate(cmd *cobra.Command, _ []string) error {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	store, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer store.Close()
	logger.Info("storage migrated", slog.String("driver", store.Driver()))

	if cfg.Memory.MemoryBackend() != "pgvector" {
		return nil
	}
	pg, err := memory.Connect(ctx, cfg.Memory.DSN, cfg.Memory.TableName(), cfg.Memory.EmbeddingDimensions())
	if err != nil {
		return err
	}
	defer pg.Close()
	if err := pg.Migrate(ctx); err != nil {
		return fmt.Errorf("migrating memory table: %w", err)
	}
	logger.Info("memory table migrated", slog.String("table", cfg.Memory.TableName()))
	return nil
}
