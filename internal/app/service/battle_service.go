package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"math/rand/v2"
	"time"

	"ai_arena/internal/broadcast"
	"ai_arena/internal/common"
	"ai_arena/internal/domain/model"
	"ai_arena/internal/domain/repository"
	"ai_arena/internal/game"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const (
	DefaultPageSize = 50
	MaxPageSize     = 200
	// MaxTurnsPerRead caps one GET of the turn log; clients page with from.
	MaxTurnsPerRead = 500
)

type BattleService struct {
	battles     repository.BattleRepository
	turns       repository.TurnRepository
	contests    repository.ContestRepository
	submissions repository.SubmissionRepository
	games       *game.Registry
	live        broadcast.Broadcaster
	logger      *zerolog.Logger
	now         func() time.Time
}

func NewBattleService(
	battles repository.BattleRepository,
	turns repository.TurnRepository,
	contests repository.ContestRepository,
	submissions repository.SubmissionRepository,
	games *game.Registry,
	live broadcast.Broadcaster,
	logger *zerolog.Logger,
) *BattleService {
	return &BattleService{
		battles:     battles,
		turns:       turns,
		contests:    contests,
		submissions: submissions,
		games:       games,
		live:        live,
		logger:      logger,
		now:         time.Now,
	}
}

type EnqueueBattleRequest struct {
	AttackerSubmissionID string `json:"attacker_submission_id"`
	DefenderSubmissionID string `json:"defender_submission_id"`
	// Seed fixes the initial board; a random one is drawn when absent.
	Seed *int64 `json:"seed,omitempty"`
	// AllowClosed enqueues even outside the contest window, e.g. for
	// exhibition rematches after the contest.
	AllowClosed bool `json:"allow_closed,omitempty"`
}

// EnqueueBattle validates the pairing, generates the initial board and stores
// the battle as queued.
func (s *BattleService) EnqueueBattle(ctx context.Context, contestID string, req EnqueueBattleRequest) (*model.Battle, error) {
	if req.AttackerSubmissionID == "" || req.DefenderSubmissionID == "" {
		return nil, common.Errorf("both submissions are required: %w", common.ErrBadRequest)
	}

	contest, err := s.contests.FindContestByID(ctx, contestID)
	if err != nil {
		return nil, common.Errorf("contest %s: %w", contestID, err)
	}
	if contest.Type != model.ContestTypeBattle {
		return nil, common.Errorf("contest %s is a %s contest: %w", contest.ID, contest.Type, common.ErrValidation)
	}
	now := s.now()
	if !req.AllowClosed && !contest.IsOpen(now) {
		return nil, common.Errorf("contest %s is not open: %w", contest.ID, common.ErrForbidden)
	}
	if err := contest.Rules.ValidateForBattle(); err != nil {
		return nil, common.Errorf("%w: %w", common.ErrValidation, err)
	}
	g, err := s.games.Lookup(contest.Rules.Game)
	if err != nil {
		return nil, common.Errorf("%w: %w", common.ErrValidation, err)
	}

	roles := g.Roles()
	ids := map[model.Role]string{
		model.RoleAttacker: req.AttackerSubmissionID,
		model.RoleDefender: req.DefenderSubmissionID,
	}
	participants := make([]model.Participant, 0, len(roles))
	for pos, role := range roles {
		id, ok := ids[role]
		if !ok {
			return nil, common.Errorf("game %s role %s has no submission: %w", g.Name(), role, common.ErrValidation)
		}
		sub, err := s.submissions.GetSubmissionByID(ctx, id)
		if err != nil {
			return nil, common.Errorf("submission %s: %w", id, err)
		}
		if sub.ContestID != contest.ID {
			return nil, common.Errorf("submission %s belongs to contest %s: %w", sub.ID, sub.ContestID, common.ErrValidation)
		}
		participants = append(participants, model.Participant{Position: pos, Role: role, SubmissionID: sub.ID})
	}

	seed := rand.Int64()
	if req.Seed != nil {
		seed = *req.Seed
	}
	board, err := g.NewBoard(contest.Rules, seed)
	if err != nil {
		if errors.Is(err, model.ErrInvalidRules) {
			return nil, common.Errorf("%w: %w", common.ErrValidation, err)
		}
		return nil, fmt.Errorf("generate board: %w", err)
	}
	initial, err := json.Marshal(board)
	if err != nil {
		return nil, fmt.Errorf("encode initial board: %w", err)
	}

	battle := &model.Battle{
		ID:           uuid.NewString(),
		ContestID:    contest.ID,
		Participants: participants,
		Status:       model.BattleQueued,
		Seed:         seed,
		InitialState: initial,
		CreatedAt:    now,
	}
	if err := s.battles.CreateBattle(ctx, nil, battle); err != nil {
		return nil, fmt.Errorf("failed to create battle: %w", err)
	}

	s.logger.Info().Str("battle_id", battle.ID).Str("contest_id", contest.ID).Int64("seed", seed).
		Str("attacker", req.AttackerSubmissionID).Str("defender", req.DefenderSubmissionID).
		Msg("battle enqueued")
	return battle, nil
}

// CancelBattle asks the runner to stop. A queued battle is failed by the
// runner that claims it, before any program runs.
func (s *BattleService) CancelBattle(ctx context.Context, battleID string) error {
	if err := s.battles.RequestCancel(ctx, battleID); err != nil {
		return common.Errorf("cancel battle %s: %w", battleID, err)
	}
	s.logger.Info().Str("battle_id", battleID).Msg("battle cancellation requested")
	return nil
}

func (s *BattleService) GetBattle(ctx context.Context, battleID string) (*model.Battle, error) {
	return s.battles.GetBattleByID(ctx, battleID)
}

func (s *BattleService) ListBattles(ctx context.Context, contestID string, limit, offset int) ([]model.Battle, error) {
	if _, err := s.contests.FindContestByID(ctx, contestID); err != nil {
		return nil, common.Errorf("contest %s: %w", contestID, err)
	}
	if limit <= 0 {
		limit = DefaultPageSize
	}
	limit = min(limit, MaxPageSize)
	offset = max(offset, 0)
	return s.battles.ListBattlesByContest(ctx, contestID, limit, offset)
}

// ReadTurns returns turns [from, to) of a battle, at most MaxTurnsPerRead.
// A negative to reads to the end of the log.
func (s *BattleService) ReadTurns(ctx context.Context, battleID string, from, to int) ([]model.Turn, error) {
	if from < 0 {
		return nil, common.Errorf("from must not be negative: %w", common.ErrBadRequest)
	}
	if to >= 0 && to < from {
		return nil, common.Errorf("empty range [%d, %d): %w", from, to, common.ErrBadRequest)
	}
	if _, err := s.battles.GetBattleByID(ctx, battleID); err != nil {
		return nil, err
	}
	if to < 0 || to-from > MaxTurnsPerRead {
		to = from + MaxTurnsPerRead
	}

	turns := []model.Turn{}
	for turn, err := range s.turns.ReadRange(ctx, battleID, from, to) {
		if err != nil {
			return nil, err
		}
		turns = append(turns, turn)
	}
	return turns, nil
}

// StreamTurns iterates stored turns [from, to) without the per-read cap.
// A negative to reads to the end of the log.
func (s *BattleService) StreamTurns(ctx context.Context, battleID string, from, to int) iter.Seq2[model.Turn, error] {
	return s.turns.ReadRange(ctx, battleID, from, to)
}

// Subscribe opens a live feed of turns appended after the call returns.
func (s *BattleService) Subscribe(ctx context.Context, battleID string) (*broadcast.Subscription, error) {
	return s.live.Subscribe(ctx, battleID)
}

func (s *BattleService) ListContests(ctx context.Context) ([]model.Contest, error) {
	return s.contests.ListContests(ctx)
}
