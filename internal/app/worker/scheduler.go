package worker

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"ai_arena/internal/domain/model"
	"ai_arena/internal/domain/repository"
	"ai_arena/internal/platform/config"
	"ai_arena/internal/platform/metrics"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Runner executes one claimed battle.
type Runner interface {
	Run(ctx context.Context, claim model.Claim) error
}

// Scheduler polls the battle store, reclaims stale battles and hands queued
// ones to runners, never exceeding MaxConcurrentBattles.
type Scheduler struct {
	id      string
	battles repository.BattleRepository
	runner  Runner
	opts    config.SchedulerOptions
	logger  *zerolog.Logger
	now     func() time.Time

	active atomic.Int64
	wg     sync.WaitGroup
}

func NewScheduler(id string, battles repository.BattleRepository, runner Runner, opts config.SchedulerOptions, logger *zerolog.Logger) *Scheduler {
	if id == "" {
		id = uuid.NewString()
	}
	if opts.MaxConcurrentBattles <= 0 {
		opts.MaxConcurrentBattles = 1
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 10 * time.Second
	}
	l := logger.With().Str("scheduler_id", id).Logger()
	return &Scheduler{
		id:      id,
		battles: battles,
		runner:  runner,
		opts:    opts,
		logger:  &l,
		now:     time.Now,
	}
}

func (s *Scheduler) ID() string { return s.id }

// Active is the number of battles this scheduler is running.
func (s *Scheduler) Active() int { return int(s.active.Load()) }

// Start polls until ctx is done, then waits for running battles to hand
// their claims back.
func (s *Scheduler) Start(ctx context.Context) {
	s.logger.Info().
		Dur("poll_interval", s.opts.PollInterval).
		Int("max_concurrent_battles", s.opts.MaxConcurrentBattles).
		Dur("stale_after", s.opts.StaleAfter).
		Msg("battle scheduler started")

	ticker := time.NewTicker(s.opts.PollInterval)
	defer ticker.Stop()
	for {
		s.Tick(ctx)
		select {
		case <-ctx.Done():
			s.logger.Info().Int("active", s.Active()).Msg("battle scheduler stopping, waiting for runners")
			s.wg.Wait()
			s.logger.Info().Msg("battle scheduler stopped")
			return
		case <-ticker.C:
		}
	}
}

// Tick performs one poll: reclaim, then claim up to the free capacity.
// It returns the number of battles started.
func (s *Scheduler) Tick(ctx context.Context) int {
	if ctx.Err() != nil {
		return 0
	}

	if s.opts.StaleAfter > 0 {
		now := s.now()
		requeued, abandoned, err := s.battles.ReclaimStale(ctx, now.Add(-s.opts.StaleAfter), now)
		if err != nil {
			s.logger.Error().Err(err).Msg("stale battle reclaim failed")
		}
		for _, id := range requeued {
			metrics.BattlesReclaimed.Inc()
			s.logger.Warn().Str("battle_id", id).Msg("stale battle returned to queue")
		}
		for _, id := range abandoned {
			metrics.BattlesFinished.WithLabelValues(string(model.BattleFailed)).Inc()
			s.logger.Warn().Str("battle_id", id).Msg("stale battle abandoned")
		}
	}

	capacity := s.opts.MaxConcurrentBattles - s.Active()
	if capacity <= 0 {
		return 0
	}
	jobs, err := s.battles.ListQueued(ctx, capacity)
	if err != nil {
		s.logger.Error().Err(err).Msg("failed to list queued battles")
		return 0
	}

	started := 0
	for _, job := range jobs {
		claim := model.Claim{BattleID: job.BattleID, Token: uuid.NewString()}
		ok, err := s.battles.Claim(ctx, claim, s.id, s.now())
		if err != nil {
			s.logger.Error().Err(err).Str("battle_id", job.BattleID).Msg("claim failed")
			continue
		}
		if !ok {
			metrics.ClaimConflicts.Inc()
			s.logger.Debug().Str("battle_id", job.BattleID).Msg("battle claimed by another scheduler")
			continue
		}
		metrics.BattlesClaimed.Inc()
		s.logger.Info().Str("battle_id", job.BattleID).Msg("battle claimed")
		s.launch(ctx, claim)
		started++
	}
	return started
}

func (s *Scheduler) launch(ctx context.Context, claim model.Claim) {
	s.active.Add(1)
	metrics.ActiveBattles.Inc()
	s.wg.Add(1)
	go func() {
		defer func() {
			s.active.Add(-1)
			metrics.ActiveBattles.Dec()
			s.wg.Done()
		}()
		if err := s.runner.Run(ctx, claim); err != nil {
			s.logger.Debug().Err(err).Str("battle_id", claim.BattleID).Msg("runner returned")
		}
	}()
}

// Wait blocks until every launched runner has returned.
func (s *Scheduler) Wait() { s.wg.Wait() }
