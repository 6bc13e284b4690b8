package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"ai_arena/internal/api"
	"ai_arena/internal/app/service"
	"ai_arena/internal/app/worker"
	"ai_arena/internal/broadcast"
	"ai_arena/internal/common/security"
	"ai_arena/internal/domain/repository"
	"ai_arena/internal/game"
	"ai_arena/internal/game/beams"
	"ai_arena/internal/languages"
	"ai_arena/internal/platform/config"
	"ai_arena/internal/platform/database"
	"ai_arena/internal/platform/pubsub"
	"ai_arena/internal/sandbox"

	"github.com/spf13/cobra"
)

var (
	serveNoScheduler bool
	serveMigrate     bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API and the battle scheduler",
	Long:  "Serve the contest API and live battle streams, and run queued battles on this instance.",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().BoolVar(&serveNoScheduler, "no-scheduler", false, "serve the API only; battles run on other instances")
	serveCmd.Flags().BoolVar(&serveMigrate, "migrate", false, "apply the schema before serving")
}

func runServe(cmd *cobra.Command, args []string) error {
	e := loadEnv()
	logger := e.logger
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := e.openDB(ctx)
	if err != nil {
		return err
	}
	defer db.Close()
	logger.Info().Str("driver", db.Driver).Msg("Database connected")

	if serveMigrate {
		if err := database.Migrate(ctx, db); err != nil {
			return fmt.Errorf("failed to migrate: %w", err)
		}
	}

	live, closeLive, err := newBroadcaster(ctx, e)
	if err != nil {
		return err
	}
	defer closeLive()

	executor, closeSandbox, err := newSandbox(e)
	if err != nil {
		return err
	}
	defer closeSandbox()

	battles := repository.NewBattleRepository(db)
	turns := repository.NewTurnRepository(db)
	contests := repository.NewContestRepository(db)
	submissions := repository.NewSubmissionRepository(db)
	games := game.NewRegistry(beams.Game{})

	battleService := service.NewBattleService(battles, turns, contests, submissions, games, live, logger)

	workerCtx, workerCancel := context.WithCancel(context.Background())
	defer workerCancel()
	var scheduler *worker.Scheduler
	if !serveNoScheduler {
		opts := e.cfg.Scheduler()
		runner := worker.NewBattleRunner(battles, turns, contests, submissions, games, executor, live, worker.RunnerOptions{
			TurnTimeout:        opts.TurnTimeout,
			CPULimit:           time.Duration(e.cfg.CPULimitMs) * time.Millisecond,
			MemoryLimitBytes:   opts.MemoryLimitBytes,
			OutputLimitBytes:   e.cfg.OutputLimitBytes,
			StoreRetryAttempts: e.cfg.StoreRetryAttempts,
			HeartbeatInterval:  opts.StaleAfter / 3,
		}, logger)
		scheduler = worker.NewScheduler("", battles, runner, opts, logger)
		go scheduler.Start(workerCtx)
		logger.Info().Str("scheduler", scheduler.ID()).Int("max_battles", opts.MaxConcurrentBattles).Msg("Battle scheduler started")
	}

	server := &http.Server{
		Addr:        ":" + e.cfg.APIPort,
		Handler:     api.NewRouter(battleService, security.NewTokenAuth(e.cfg.JWTKey), db, logger),
		ReadTimeout: 10 * time.Second,
		IdleTimeout: 120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info().Str("port", e.cfg.APIPort).Msg("Server starting")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		logger.Error().Err(err).Msg("Server failed")
		workerCancel()
		return fmt.Errorf("could not listen on %s: %w", e.cfg.APIPort, err)
	}

	logger.Info().Msg("Shutting down server...")
	// Running battles keep their claim and resume from their last committed
	// turn once the stale reclaim requeues them.
	workerCancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("Server shutdown failed")
	}
	if scheduler != nil {
		scheduler.Wait()
	}
	logger.Info().Msg("Server and scheduler stopped gracefully")
	return nil
}

func newBroadcaster(ctx context.Context, e *env) (broadcast.Broadcaster, func(), error) {
	switch e.cfg.BroadcastBackend {
	case config.BroadcastMemory:
		return broadcast.NewHub(broadcast.DefaultBuffer, e.logger), func() {}, nil
	case config.BroadcastRedis:
		rdb, err := pubsub.ConnectRedis(ctx, e.cfg)
		if err != nil {
			return nil, nil, err
		}
		e.logger.Info().Str("addr", e.cfg.RedisAddr).Msg("Redis connected")
		b := broadcast.NewRedisBroadcaster(rdb, e.cfg.BroadcastPrefix, broadcast.DefaultBuffer, e.logger)
		return b, func() { rdb.Close() }, nil
	default:
		return nil, nil, fmt.Errorf("unsupported BROADCAST_BACKEND %q", e.cfg.BroadcastBackend)
	}
}

func newSandbox(e *env) (*sandbox.Sandbox, func(), error) {
	presets := sandbox.NewPresetBackend()
	for name, play := range beams.Presets() {
		presets.Register(name, play)
	}
	langs := languages.NewRegistry()

	switch e.cfg.SandboxBackend {
	case config.SandboxLocal:
		backend := sandbox.NewLocalBackend(e.cfg.SandboxWorkDir, e.logger)
		return sandbox.New(backend, config.SandboxLocal, presets, langs, e.logger), func() {}, nil
	case config.SandboxDocker:
		backend, err := sandbox.NewDockerBackend(e.logger)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to connect to docker: %w", err)
		}
		return sandbox.New(backend, config.SandboxDocker, presets, langs, e.logger), func() { backend.Close() }, nil
	default:
		return nil, nil, fmt.Errorf("unsupported SANDBOX_BACKEND %q", e.cfg.SandboxBackend)
	}
}
