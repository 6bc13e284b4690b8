package cmd

import (
	"context"
	"fmt"

	"ai_arena/internal/platform/config"
	"ai_arena/internal/platform/database"
	"ai_arena/internal/platform/logging"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:           "arena",
	Short:         "AI battle contest platform",
	Long:          `arena runs battles between submitted programs, stores every turn and streams them to live viewers.`,
	SilenceUsage:  true,
}

// Execute is called by main.main.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(battleCmd)
	rootCmd.AddCommand(tokenCmd)
}

// env is what every subcommand starts from.
type env struct {
	cfg    *config.Config
	logger *zerolog.Logger
}

func loadEnv() *env {
	cfg := config.Load(nil)
	logger := logging.New(cfg.LogLevel, cfg.LogPretty)
	return &env{cfg: cfg, logger: logger}
}

func (e *env) openDB(ctx context.Context) (*database.DB, error) {
	db, err := database.Open(ctx, e.cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	return db, nil
}
