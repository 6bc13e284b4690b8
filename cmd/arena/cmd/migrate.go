package cmd

import (
	"context"
	"fmt"
	"os"
	"time"

	"ai_arena/internal/domain/repository"
	"ai_arena/internal/platform/database"
	"ai_arena/internal/platform/seed"

	"github.com/spf13/cobra"
)

var (
	migrateSeedFile string
	migrateNoSeed   bool
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply the schema and load the contest seed",
	Long:  "Create missing tables, then upsert the seeded contests and their preset players. Safe to run repeatedly.",
	RunE:  runMigrate,
}

func init() {
	migrateCmd.Flags().StringVar(&migrateSeedFile, "seed", "", "YAML seed file to load instead of the built-in one")
	migrateCmd.Flags().BoolVar(&migrateNoSeed, "no-seed", false, "apply the schema only")
}

func runMigrate(cmd *cobra.Command, args []string) error {
	e := loadEnv()
	ctx := context.Background()

	db, err := e.openDB(ctx)
	if err != nil {
		return err
	}
	defer db.Close()

	if err := database.Migrate(ctx, db); err != nil {
		return fmt.Errorf("failed to migrate: %w", err)
	}
	e.logger.Info().Str("driver", db.Driver).Msg("Schema applied")
	if migrateNoSeed {
		return nil
	}

	var file *seed.File
	if migrateSeedFile != "" {
		f, err := os.Open(migrateSeedFile)
		if err != nil {
			return fmt.Errorf("failed to open seed: %w", err)
		}
		defer f.Close()
		file, err = seed.Load(f)
		if err != nil {
			return err
		}
	} else if file, err = seed.Default(); err != nil {
		return err
	}

	res, err := seed.Apply(ctx, repository.NewContestRepository(db), repository.NewSubmissionRepository(db), file, time.Now())
	if err != nil {
		return fmt.Errorf("failed to apply seed: %w", err)
	}
	e.logger.Info().
		Strs("removed", res.Removed).
		Strs("contests", res.Contests).
		Int("presets", len(res.Presets)).
		Msg("Seed applied")
	for _, p := range res.Presets {
		fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\t%s\n", p.ContestID, p.Name, p.ID)
	}
	return nil
}
