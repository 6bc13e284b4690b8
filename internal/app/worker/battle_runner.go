package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"ai_arena/internal/broadcast"
	"ai_arena/internal/common"
	"ai_arena/internal/domain/model"
	"ai_arena/internal/domain/repository"
	"ai_arena/internal/game"
	"ai_arena/internal/platform/metrics"
	"ai_arena/internal/sandbox"

	"github.com/rs/zerolog"
)

// finalWriteTimeout bounds the status writes made after the run context is
// gone.
const finalWriteTimeout = 10 * time.Second

type RunnerOptions struct {
	TurnTimeout      time.Duration
	CPULimit         time.Duration
	MemoryLimitBytes int64
	OutputLimitBytes int

	StoreRetryAttempts int
	RetryBackoff       time.Duration
	// HeartbeatInterval keeps the claim fresh while a turn is slow, e.g.
	// during compilation. Zero disables it; appends still refresh the claim.
	HeartbeatInterval time.Duration
}

// BattleRunner drives one claimed battle to completion.
type BattleRunner struct {
	battles     repository.BattleRepository
	turns       repository.TurnRepository
	contests    repository.ContestRepository
	submissions repository.SubmissionRepository
	games       *game.Registry
	executor    sandbox.Executor
	broadcaster broadcast.Broadcaster
	opts        RunnerOptions
	logger      *zerolog.Logger
	now         func() time.Time
}

func NewBattleRunner(
	battles repository.BattleRepository,
	turns repository.TurnRepository,
	contests repository.ContestRepository,
	submissions repository.SubmissionRepository,
	games *game.Registry,
	executor sandbox.Executor,
	broadcaster broadcast.Broadcaster,
	opts RunnerOptions,
	logger *zerolog.Logger,
) *BattleRunner {
	if opts.StoreRetryAttempts <= 0 {
		opts.StoreRetryAttempts = 1
	}
	if opts.RetryBackoff <= 0 {
		opts.RetryBackoff = 100 * time.Millisecond
	}
	return &BattleRunner{
		battles:     battles,
		turns:       turns,
		contests:    contests,
		submissions: submissions,
		games:       games,
		executor:    executor,
		broadcaster: broadcaster,
		opts:        opts,
		logger:      logger,
		now:         time.Now,
	}
}

// battleFailure is an error that ends the battle as failed with Reason.
type battleFailure struct {
	Reason string
	Err    error
}

func (f *battleFailure) Error() string { return f.Reason + ": " + f.Err.Error() }
func (f *battleFailure) Unwrap() error { return f.Err }

func failWith(reason string, err error) error {
	return &battleFailure{Reason: reason, Err: err}
}

// participantState is one side of a battle during a run.
type participantState struct {
	model.Participant
	sub  *model.Submission
	prog sandbox.Program
}

// Run plays the battle under claim. It returns nil once the battle reached a
// terminal status or was handed back to the queue.
func (r *BattleRunner) Run(ctx context.Context, claim model.Claim) error {
	log := r.logger.With().Str("battle_id", claim.BattleID).Logger()

	runCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	if r.opts.HeartbeatInterval > 0 {
		go r.heartbeat(runCtx, cancel, claim, &log)
	}

	err := r.run(runCtx, claim, &log)
	var failure *battleFailure
	switch {
	case err == nil:
		return nil
	case errors.As(err, &failure):
		r.fail(ctx, claim, failure.Reason, err, &log)
		return err
	case errors.Is(err, common.ErrClaimLost) || errors.Is(context.Cause(runCtx), common.ErrClaimLost):
		log.Warn().Err(err).Msg("claim lost, abandoning battle")
		return err
	case errors.Is(err, common.ErrBattleClosed):
		log.Info().Err(err).Msg("battle closed elsewhere, stopping")
		return err
	case ctx.Err() != nil:
		log.Info().Msg("shutting down, leaving battle for stale reclaim")
		return ctx.Err()
	default:
		r.fail(ctx, claim, "internal error", err, &log)
		return err
	}
}

func (r *BattleRunner) run(ctx context.Context, claim model.Claim, log *zerolog.Logger) error {
	var battle *model.Battle
	if err := r.retry(ctx, "load battle", log, func() (err error) {
		battle, err = r.battles.GetBattleByID(ctx, claim.BattleID)
		return err
	}); err != nil {
		return err
	}
	if battle.Status.Terminal() {
		return fmt.Errorf("battle is %s: %w", battle.Status, common.ErrBattleClosed)
	}
	l := log.With().Str("contest_id", battle.ContestID).Logger()
	log = &l

	var contest *model.Contest
	if err := r.retry(ctx, "load contest", log, func() (err error) {
		contest, err = r.contests.FindContestByID(ctx, battle.ContestID)
		return err
	}); err != nil {
		if errors.Is(err, common.ErrNotFound) {
			return failWith("contest not found", err)
		}
		return err
	}
	rules := contest.Rules
	if err := rules.ValidateForBattle(); err != nil {
		return failWith("invalid contest rules", err)
	}
	g, err := r.games.Lookup(rules.Game)
	if err != nil {
		return failWith("invalid contest rules", err)
	}

	if err := r.retry(ctx, "mark running", log, func() error {
		return r.battles.MarkRunning(ctx, claim, r.now())
	}); err != nil {
		return err
	}

	players, err := r.loadParticipants(ctx, battle, g, log)
	if err != nil {
		return err
	}

	board, err := g.DecodeBoard(battle.InitialState)
	if err != nil {
		return failWith("corrupt initial state", err)
	}
	policy := NewFaultPolicy(rules)
	index, forfeiter, err := r.replay(ctx, battle.ID, board, policy)
	if err != nil {
		return err
	}
	if index > 0 {
		log.Info().Int("turn", index).Msg("resuming battle from stored turns")
	}

	// A battle cancelled while queued ends here, before anything is compiled.
	if err := r.checkCancel(ctx, battle.ID, log); err != nil {
		return err
	}

	limits := limitsFor(rules, r.opts)
	for _, role := range g.Roles() {
		p := players[role]
		prog, err := r.executor.Prepare(ctx, p.sub, limits)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return failWith(fmt.Sprintf("cannot prepare submission %s", p.SubmissionID), err)
		}
		defer prog.Close()
		p.prog = prog
	}

	for forfeiter == "" && index < rules.TurnLimit && !board.Done() {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := r.checkCancel(ctx, battle.ID, log); err != nil {
			return err
		}

		turn := model.Turn{BattleID: battle.ID, Index: index}
		for _, role := range g.Roles() {
			if board.Done() {
				break
			}
			action, err := r.play(ctx, board, role, players[role], limits)
			if err != nil {
				return err
			}
			turn.Actions = append(turn.Actions, action)
			if action.Fault != model.FaultNone {
				log.Info().Int("turn", index).Str("role", string(role)).
					Str("fault", string(action.Fault)).Str("detail", action.Detail).Msg("participant faulted")
			}
			if policy.Observe(action) {
				forfeiter = role
				break
			}
		}

		state, err := json.Marshal(board)
		if err != nil {
			return failWith("cannot encode board", err)
		}
		turn.State = state
		turn.CreatedAt = r.now()

		if err := r.retry(ctx, "append turn", log, func() error {
			return r.turns.Append(ctx, claim.Token, &turn)
		}); err != nil {
			if errors.Is(err, common.ErrOutOfOrder) {
				return failWith("turn log conflict", err)
			}
			if isRetryable(err) && ctx.Err() == nil {
				return failWith("turn store unavailable", err)
			}
			return err
		}
		metrics.TurnsAppended.Inc()
		if err := r.broadcaster.Publish(ctx, battle.ID, turn); err != nil {
			log.Warn().Err(err).Int("turn", index).Msg("failed to publish live turn")
		}
		index++
	}

	return r.complete(ctx, claim, g, board, players, forfeiter, log)
}

func (r *BattleRunner) checkCancel(ctx context.Context, battleID string, log *zerolog.Logger) error {
	var cancelled bool
	if err := r.retry(ctx, "check cancel", log, func() (err error) {
		cancelled, err = r.battles.IsCancelRequested(ctx, battleID)
		return err
	}); err != nil {
		return err
	}
	if cancelled {
		return failWith(model.FailureCancelled, common.ErrCancelled)
	}
	return nil
}

func (r *BattleRunner) loadParticipants(ctx context.Context, battle *model.Battle, g game.Game, log *zerolog.Logger) (map[model.Role]*participantState, error) {
	players := make(map[model.Role]*participantState)
	for _, role := range g.Roles() {
		p, ok := battle.Participant(role)
		if !ok {
			return nil, failWith("missing participant", fmt.Errorf("no %s in battle", role))
		}
		var sub *model.Submission
		if err := r.retry(ctx, "load submission", log, func() (err error) {
			sub, err = r.submissions.GetSubmissionByID(ctx, p.SubmissionID)
			return err
		}); err != nil {
			if errors.Is(err, common.ErrNotFound) {
				return nil, failWith("missing submission", fmt.Errorf("submission %s: %w", p.SubmissionID, err))
			}
			return nil, err
		}
		if sub.ContestID != battle.ContestID {
			return nil, failWith("foreign submission",
				fmt.Errorf("submission %s belongs to contest %s: %w", sub.ID, sub.ContestID, common.ErrValidation))
		}
		players[role] = &participantState{Participant: p, sub: sub}
	}
	return players, nil
}

// replay rebuilds the board from the stored turns and checks every stored
// snapshot against it. It returns the next turn index.
func (r *BattleRunner) replay(ctx context.Context, battleID string, board game.Board, policy FaultPolicy) (int, model.Role, error) {
	var (
		next      int
		forfeiter model.Role
	)
	for turn, err := range r.turns.ReadRange(ctx, battleID, 0, -1) {
		if err != nil {
			return 0, "", err
		}
		if turn.Index != next {
			return 0, "", failWith("turn log gap", fmt.Errorf("found turn %d, expected %d: %w", turn.Index, next, common.ErrOutOfOrder))
		}
		for _, a := range turn.Actions {
			if a.Fault == model.FaultNone && a.Move != "" {
				if applied := board.Apply(a.Role, a.Move); applied != a.Applied {
					return 0, "", failWith("replay diverged",
						fmt.Errorf("turn %d: move %q by %s applied=%v, stored %v", turn.Index, a.Move, a.Role, applied, a.Applied))
				}
			}
			if policy.Observe(a) {
				forfeiter = a.Role
			}
		}
		state, err := json.Marshal(board)
		if err != nil {
			return 0, "", failWith("cannot encode board", err)
		}
		if !model.EqualJSON(state, turn.State) {
			return 0, "", failWith("replay diverged", fmt.Errorf("turn %d: board does not match stored state", turn.Index))
		}
		next++
	}
	return next, forfeiter, nil
}

// play runs one participant for one turn. Program faults become recorded
// no-op actions; only platform problems are returned as errors.
func (r *BattleRunner) play(ctx context.Context, board game.Board, role model.Role, p *participantState, limits sandbox.Limits) (model.Action, error) {
	action := model.Action{Role: role, SubmissionID: p.SubmissionID}

	out, err := r.executor.Run(ctx, p.prog, board.Input(role), limits)
	if err != nil {
		if f, ok := sandbox.AsFault(err); ok {
			action.Fault = f.Kind
			action.Detail = f.Detail
			return action, nil
		}
		if ctx.Err() != nil {
			return action, ctx.Err()
		}
		return action, failWith("sandbox unavailable", err)
	}

	move, err := board.ParseMove(role, out)
	if err != nil {
		action.Fault = model.FaultMalformedOutput
		action.Detail = err.Error()
		return action, nil
	}
	action.Move = move
	action.Applied = board.Apply(role, move)
	return action, nil
}

func (r *BattleRunner) complete(ctx context.Context, claim model.Claim, g game.Game, board game.Board,
	players map[model.Role]*participantState, forfeiter model.Role, log *zerolog.Logger) error {

	var (
		winner    model.Role
		hasWinner bool
		reason    string
	)
	switch {
	case forfeiter != "":
		reason = model.EndReasonForfeit
		for _, role := range g.Roles() {
			if role != forfeiter {
				winner, hasWinner = role, true
				break
			}
		}
	case board.Done():
		reason = model.EndReasonEliminated
		winner, hasWinner = board.Winner()
	default:
		reason = model.EndReasonTurnLimit
		winner, hasWinner = board.Winner()
	}

	var winnerID *string
	if hasWinner {
		id := players[winner].SubmissionID
		winnerID = &id
	}

	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), finalWriteTimeout)
	defer cancel()
	if err := r.retry(wctx, "complete battle", log, func() error {
		return r.battles.Complete(wctx, claim, winnerID, reason, r.now())
	}); err != nil {
		return err
	}

	metrics.BattlesFinished.WithLabelValues(string(model.BattleCompleted)).Inc()
	ev := log.Info().Str("end_reason", reason)
	if hasWinner {
		ev = ev.Str("winner_role", string(winner)).Str("winner_submission_id", *winnerID)
	}
	ev.Msg("battle completed")
	return nil
}

// fail marks the battle failed. It runs even when ctx is already done so a
// battle is never left running.
func (r *BattleRunner) fail(ctx context.Context, claim model.Claim, reason string, cause error, log *zerolog.Logger) {
	if reason == model.FailureCancelled {
		log.Info().Msg("battle cancelled")
	} else {
		log.Error().Err(cause).Str("reason", reason).Msg("battle failed")
	}

	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), finalWriteTimeout)
	defer cancel()
	err := r.retry(wctx, "fail battle", log, func() error {
		return r.battles.Fail(wctx, claim, reason, r.now())
	})
	if err != nil {
		log.Error().Err(err).Msg("could not mark battle failed, leaving it for stale reclaim")
		return
	}
	metrics.BattlesFinished.WithLabelValues(string(model.BattleFailed)).Inc()
}

func (r *BattleRunner) heartbeat(ctx context.Context, cancel context.CancelCauseFunc, claim model.Claim, log *zerolog.Logger) {
	ticker := time.NewTicker(r.opts.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			err := r.battles.Heartbeat(ctx, claim, r.now())
			if errors.Is(err, common.ErrClaimLost) {
				cancel(common.ErrClaimLost)
				return
			}
			if err != nil && ctx.Err() == nil {
				log.Warn().Err(err).Msg("heartbeat failed")
			}
		}
	}
}

// retry runs fn until it succeeds, fails permanently, or the configured
// attempts are used up, doubling the pause between attempts.
func (r *BattleRunner) retry(ctx context.Context, op string, log *zerolog.Logger, fn func() error) error {
	backoff := r.opts.RetryBackoff
	for attempt := 1; ; attempt++ {
		err := fn()
		if err == nil || !isRetryable(err) || ctx.Err() != nil {
			return err
		}
		if attempt >= r.opts.StoreRetryAttempts {
			return fmt.Errorf("%s: giving up after %d attempts: %w", op, attempt, err)
		}
		log.Warn().Err(err).Str("op", op).Int("attempt", attempt).Dur("backoff", backoff).Msg("store operation failed, retrying")
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
	}
}

func isRetryable(err error) bool {
	switch {
	case errors.Is(err, common.ErrNotFound),
		errors.Is(err, common.ErrClaimLost),
		errors.Is(err, common.ErrBattleClosed),
		errors.Is(err, common.ErrOutOfOrder),
		errors.Is(err, common.ErrValidation),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		return false
	}
	var failure *battleFailure
	return !errors.As(err, &failure)
}

// limitsFor applies the contest's per-turn limits over the scheduler
// defaults.
func limitsFor(rules model.Rules, opts RunnerOptions) sandbox.Limits {
	limits := sandbox.Limits{
		WallClock:   opts.TurnTimeout,
		CPU:         opts.CPULimit,
		MemoryBytes: opts.MemoryLimitBytes,
		OutputBytes: opts.OutputLimitBytes,
	}
	if rules.TurnTimeoutMs > 0 {
		limits.WallClock = time.Duration(rules.TurnTimeoutMs) * time.Millisecond
	}
	if rules.CPULimitMs > 0 {
		limits.CPU = time.Duration(rules.CPULimitMs) * time.Millisecond
	}
	if rules.MemoryLimitBytes > 0 {
		limits.MemoryBytes = rules.MemoryLimitBytes
	}
	if rules.OutputLimitBytes > 0 {
		limits.OutputBytes = rules.OutputLimitBytes
	}
	return limits
}
