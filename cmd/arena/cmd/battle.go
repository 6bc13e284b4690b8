package cmd

import (
	"context"
	"encoding/json"
	"fmt"

	"ai_arena/internal/app/service"
	"ai_arena/internal/broadcast"
	"ai_arena/internal/domain/repository"
	"ai_arena/internal/game"
	"ai_arena/internal/game/beams"

	"github.com/spf13/cobra"
)

var battleCmd = &cobra.Command{
	Use:   "battle",
	Short: "Manage battles",
	Long:  "Enqueue, inspect and cancel battles directly against the database.",
}

var (
	enqueueSeed        int64
	enqueueAllowClosed bool
)

var battleEnqueueCmd = &cobra.Command{
	Use:   "enqueue <contest> <attacker-submission> <defender-submission>",
	Short: "Queue a battle between two submissions",
	Args:  cobra.ExactArgs(3),
	RunE:  runBattleEnqueue,
}

var battleShowCmd = &cobra.Command{
	Use:   "show <battle>",
	Short: "Print a battle as JSON",
	Args:  cobra.ExactArgs(1),
	RunE:  runBattleShow,
}

var battleCancelCmd = &cobra.Command{
	Use:   "cancel <battle>",
	Short: "Request cancellation of a queued or running battle",
	Args:  cobra.ExactArgs(1),
	RunE:  runBattleCancel,
}

func init() {
	battleEnqueueCmd.Flags().Int64Var(&enqueueSeed, "seed", 0, "board seed; random when not set")
	battleEnqueueCmd.Flags().BoolVar(&enqueueAllowClosed, "allow-closed", false, "enqueue even outside the contest window")

	battleCmd.AddCommand(battleEnqueueCmd)
	battleCmd.AddCommand(battleShowCmd)
	battleCmd.AddCommand(battleCancelCmd)
}

// withBattleService runs fn against a service with no live viewers attached;
// turns are published by whichever instance runs the battle.
func withBattleService(fn func(ctx context.Context, svc *service.BattleService) error) error {
	e := loadEnv()
	ctx := context.Background()
	db, err := e.openDB(ctx)
	if err != nil {
		return err
	}
	defer db.Close()

	svc := service.NewBattleService(
		repository.NewBattleRepository(db),
		repository.NewTurnRepository(db),
		repository.NewContestRepository(db),
		repository.NewSubmissionRepository(db),
		game.NewRegistry(beams.Game{}),
		broadcast.NewHub(broadcast.DefaultBuffer, e.logger),
		e.logger,
	)
	return fn(ctx, svc)
}

func runBattleEnqueue(cmd *cobra.Command, args []string) error {
	req := service.EnqueueBattleRequest{
		AttackerSubmissionID: args[1],
		DefenderSubmissionID: args[2],
		AllowClosed:          enqueueAllowClosed,
	}
	if cmd.Flags().Changed("seed") {
		req.Seed = &enqueueSeed
	}
	return withBattleService(func(ctx context.Context, svc *service.BattleService) error {
		battle, err := svc.EnqueueBattle(ctx, args[0], req)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), battle.ID)
		return nil
	})
}

func runBattleShow(cmd *cobra.Command, args []string) error {
	return withBattleService(func(ctx context.Context, svc *service.BattleService) error {
		battle, err := svc.GetBattle(ctx, args[0])
		if err != nil {
			return err
		}
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(battle)
	})
}

func runBattleCancel(cmd *cobra.Command, args []string) error {
	return withBattleService(func(ctx context.Context, svc *service.BattleService) error {
		if err := svc.CancelBattle(ctx, args[0]); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "cancellation requested for %s\n", args[0])
		return nil
	})
}
