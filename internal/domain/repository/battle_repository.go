package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"ai_arena/internal/common"
	"ai_arena/internal/domain/model"
	"ai_arena/internal/platform/database"
)

// MaxReclaims bounds how many times a stale battle goes back to the queue.
// A battle that goes stale again afterwards is failed as abandoned.
const MaxReclaims = 1

type BattleRepository interface {
	CreateBattle(ctx context.Context, tx *sql.Tx, battle *model.Battle) error
	GetBattleByID(ctx context.Context, id string) (*model.Battle, error)
	ListBattlesByContest(ctx context.Context, contestID string, limit, offset int) ([]model.Battle, error)

	// ListQueued returns queued battles, oldest first.
	ListQueued(ctx context.Context, limit int) ([]model.BattleJob, error)
	// Claim moves a battle from queued to claimed only if it is still queued.
	// It reports false, without error, when another instance won the race.
	Claim(ctx context.Context, claim model.Claim, claimedBy string, now time.Time) (bool, error)
	// ReclaimStale resets claimed/running battles whose heartbeat is older
	// than staleBefore. Battles already reclaimed MaxReclaims times are failed.
	ReclaimStale(ctx context.Context, staleBefore, now time.Time) (requeued, abandoned []string, err error)

	MarkRunning(ctx context.Context, claim model.Claim, now time.Time) error
	Heartbeat(ctx context.Context, claim model.Claim, now time.Time) error
	Complete(ctx context.Context, claim model.Claim, winnerSubmissionID *string, endReason string, now time.Time) error
	Fail(ctx context.Context, claim model.Claim, reason string, now time.Time) error

	RequestCancel(ctx context.Context, id string) error
	IsCancelRequested(ctx context.Context, id string) (bool, error)
}

type sqlBattleRepository struct {
	sqlBase
}

func NewBattleRepository(db *database.DB) BattleRepository {
	return &sqlBattleRepository{sqlBase: newSQLBase(db)}
}

func (r *sqlBattleRepository) CreateBattle(ctx context.Context, tx *sql.Tx, b *model.Battle) error {
	ownTx := tx == nil
	if ownTx {
		var err error
		tx, err = r.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("sqlBattleRepository.CreateBattle: begin: %w", err)
		}
		defer tx.Rollback()
	}

	query := `INSERT INTO battles (id, contest_id, status, seed, initial_state, current_turn, created_at)
	          VALUES (?, ?, ?, ?, ?, 0, ?)`
	if _, err := tx.ExecContext(ctx, r.rebind(query),
		b.ID, b.ContestID, string(b.Status), b.Seed, string(b.InitialState), toMillis(b.CreatedAt)); err != nil {
		if common.IsUniqueViolation(err) {
			return fmt.Errorf("battle %s already exists: %w", b.ID, common.ErrConflict)
		}
		return fmt.Errorf("sqlBattleRepository.CreateBattle: %w", err)
	}

	for _, p := range b.Participants {
		if _, err := tx.ExecContext(ctx,
			r.rebind(`INSERT INTO battle_participants (battle_id, position, role, submission_id) VALUES (?, ?, ?, ?)`),
			b.ID, p.Position, string(p.Role), p.SubmissionID); err != nil {
			return fmt.Errorf("sqlBattleRepository.CreateBattle: participant %d: %w", p.Position, err)
		}
	}

	if ownTx {
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("sqlBattleRepository.CreateBattle: commit: %w", err)
		}
	}
	return nil
}

const battleColumns = `id, contest_id, status, seed, initial_state, current_turn, winner_submission_id,
	end_reason, failure_reason, claim_token, claimed_by, reclaim_count, cancel_requested,
	created_at, claimed_at, started_at, last_turn_at, completed_at`

func (r *sqlBattleRepository) GetBattleByID(ctx context.Context, id string) (*model.Battle, error) {
	row := r.db.QueryRowContext(ctx, r.rebind(`SELECT `+battleColumns+` FROM battles WHERE id = ?`), id)
	b, err := scanBattle(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, common.ErrNotFound
		}
		return nil, fmt.Errorf("sqlBattleRepository.GetBattleByID: %w", err)
	}
	if err := r.loadParticipants(ctx, b); err != nil {
		return nil, err
	}
	return b, nil
}

func (r *sqlBattleRepository) ListBattlesByContest(ctx context.Context, contestID string, limit, offset int) ([]model.Battle, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.db.QueryContext(ctx,
		r.rebind(`SELECT `+battleColumns+` FROM battles WHERE contest_id = ? ORDER BY created_at DESC, id LIMIT ? OFFSET ?`),
		contestID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("sqlBattleRepository.ListBattlesByContest: %w", err)
	}
	var battles []model.Battle
	for rows.Next() {
		b, err := scanBattle(rows)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("sqlBattleRepository.ListBattlesByContest: %w", err)
		}
		battles = append(battles, *b)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlBattleRepository.ListBattlesByContest: %w", err)
	}

	for i := range battles {
		if err := r.loadParticipants(ctx, &battles[i]); err != nil {
			return nil, err
		}
	}
	return battles, nil
}

func (r *sqlBattleRepository) loadParticipants(ctx context.Context, b *model.Battle) error {
	rows, err := r.db.QueryContext(ctx,
		r.rebind(`SELECT position, role, submission_id FROM battle_participants WHERE battle_id = ? ORDER BY position`), b.ID)
	if err != nil {
		return fmt.Errorf("sqlBattleRepository.loadParticipants: %w", err)
	}
	defer rows.Close()

	b.Participants = b.Participants[:0]
	for rows.Next() {
		var (
			p    model.Participant
			role string
		)
		if err := rows.Scan(&p.Position, &role, &p.SubmissionID); err != nil {
			return fmt.Errorf("sqlBattleRepository.loadParticipants: %w", err)
		}
		p.Role = model.Role(role)
		b.Participants = append(b.Participants, p)
	}
	return rows.Err()
}

func (r *sqlBattleRepository) ListQueued(ctx context.Context, limit int) ([]model.BattleJob, error) {
	if limit <= 0 {
		return nil, nil
	}
	rows, err := r.db.QueryContext(ctx,
		r.rebind(`SELECT id, status, claimed_at, last_turn_at FROM battles WHERE status = ? ORDER BY created_at, id LIMIT ?`),
		string(model.BattleQueued), limit)
	if err != nil {
		return nil, fmt.Errorf("sqlBattleRepository.ListQueued: %w", err)
	}
	defer rows.Close()

	var jobs []model.BattleJob
	for rows.Next() {
		var (
			job                 model.BattleJob
			status              string
			claimedAt, lastTurn sql.NullInt64
		)
		if err := rows.Scan(&job.BattleID, &status, &claimedAt, &lastTurn); err != nil {
			return nil, fmt.Errorf("sqlBattleRepository.ListQueued: %w", err)
		}
		job.Status = model.BattleStatus(status)
		job.ClaimedAt = timePtr(claimedAt)
		job.LastTurnAt = timePtr(lastTurn)
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

func (r *sqlBattleRepository) Claim(ctx context.Context, claim model.Claim, claimedBy string, now time.Time) (bool, error) {
	query := `UPDATE battles
	          SET status = ?, claim_token = ?, claimed_by = ?, claimed_at = ?, heartbeat_at = ?
	          WHERE id = ? AND status = ?`
	ts := toMillis(now)
	res, err := r.db.ExecContext(ctx, r.rebind(query),
		string(model.BattleClaimed), claim.Token, claimedBy, ts, ts, claim.BattleID, string(model.BattleQueued))
	if err != nil {
		return false, fmt.Errorf("sqlBattleRepository.Claim: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("sqlBattleRepository.Claim: rows affected: %w", err)
	}
	return n == 1, nil
}

func (r *sqlBattleRepository) ReclaimStale(ctx context.Context, staleBefore, now time.Time) ([]string, []string, error) {
	reclaimable, reclaimableArgs := statusGuard(model.SourcesOf(model.BattleQueued))
	rows, err := r.db.QueryContext(ctx,
		r.rebind(`SELECT id, claim_token, reclaim_count FROM battles
		          WHERE status IN (`+reclaimable+`) AND heartbeat_at < ?
		          ORDER BY heartbeat_at`),
		append(reclaimableArgs, toMillis(staleBefore))...)
	if err != nil {
		return nil, nil, fmt.Errorf("sqlBattleRepository.ReclaimStale: %w", err)
	}
	type staleRow struct {
		id, token string
		reclaims  int
	}
	var stale []staleRow
	for rows.Next() {
		var (
			s     staleRow
			token sql.NullString
		)
		if err := rows.Scan(&s.id, &token, &s.reclaims); err != nil {
			rows.Close()
			return nil, nil, fmt.Errorf("sqlBattleRepository.ReclaimStale: %w", err)
		}
		s.token = token.String
		stale = append(stale, s)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, nil, fmt.Errorf("sqlBattleRepository.ReclaimStale: %w", err)
	}

	// Each reset re-checks the token and heartbeat, so a runner that appended
	// a turn after the scan keeps its battle.
	var requeued, abandoned []string
	for _, s := range stale {
		var (
			res sql.Result
			err error
		)
		if s.reclaims >= MaxReclaims {
			guard, guardArgs := statusGuard(model.SourcesOf(model.BattleFailed))
			args := []any{string(model.BattleFailed), model.FailureAbandoned, toMillis(now), s.id, s.token}
			args = append(append(args, guardArgs...), toMillis(staleBefore))
			res, err = r.db.ExecContext(ctx, r.rebind(`UPDATE battles
				SET status = ?, failure_reason = ?, completed_at = ?, claim_token = NULL
				WHERE id = ? AND claim_token = ? AND status IN (`+guard+`) AND heartbeat_at < ?`), args...)
		} else {
			args := []any{string(model.BattleQueued), s.id, s.token}
			args = append(append(args, reclaimableArgs...), toMillis(staleBefore))
			res, err = r.db.ExecContext(ctx, r.rebind(`UPDATE battles
				SET status = ?, claim_token = NULL, claimed_by = NULL, claimed_at = NULL,
				    started_at = NULL, heartbeat_at = NULL, reclaim_count = reclaim_count + 1
				WHERE id = ? AND claim_token = ? AND status IN (`+reclaimable+`) AND heartbeat_at < ?`), args...)
		}
		if err != nil {
			return requeued, abandoned, fmt.Errorf("sqlBattleRepository.ReclaimStale: reset %s: %w", s.id, err)
		}
		if n, _ := res.RowsAffected(); n != 1 {
			continue
		}
		if s.reclaims >= MaxReclaims {
			abandoned = append(abandoned, s.id)
		} else {
			requeued = append(requeued, s.id)
		}
	}
	return requeued, abandoned, nil
}

func (r *sqlBattleRepository) MarkRunning(ctx context.Context, claim model.Claim, now time.Time) error {
	ts := toMillis(now)
	return r.updateClaimed(ctx, "MarkRunning", claim, model.SourcesOf(model.BattleRunning),
		`UPDATE battles SET status = ?, started_at = COALESCE(started_at, ?), heartbeat_at = ?`,
		string(model.BattleRunning), ts, ts)
}

// heldStatuses are the statuses in which a runner holds the claim.
var heldStatuses = []model.BattleStatus{model.BattleClaimed, model.BattleRunning}

func (r *sqlBattleRepository) Heartbeat(ctx context.Context, claim model.Claim, now time.Time) error {
	return r.updateClaimed(ctx, "Heartbeat", claim, heldStatuses,
		`UPDATE battles SET heartbeat_at = ?`,
		toMillis(now))
}

func (r *sqlBattleRepository) Complete(ctx context.Context, claim model.Claim, winner *string, endReason string, now time.Time) error {
	return r.updateClaimed(ctx, "Complete", claim, model.SourcesOf(model.BattleCompleted),
		`UPDATE battles SET status = ?, winner_submission_id = ?, end_reason = ?, completed_at = ?, claim_token = NULL`,
		string(model.BattleCompleted), winner, endReason, toMillis(now))
}

func (r *sqlBattleRepository) Fail(ctx context.Context, claim model.Claim, reason string, now time.Time) error {
	return r.updateClaimed(ctx, "Fail", claim, model.SourcesOf(model.BattleFailed),
		`UPDATE battles SET status = ?, failure_reason = ?, completed_at = ?, claim_token = NULL`,
		string(model.BattleFailed), reason, toMillis(now))
}

// updateClaimed runs an update guarded by the claim token and by the battle
// being in one of the from statuses. update is the statement up to its
// WHERE clause; args fill its SET clause.
func (r *sqlBattleRepository) updateClaimed(ctx context.Context, op string, claim model.Claim, from []model.BattleStatus, update string, args ...any) error {
	guard, guardArgs := statusGuard(from)
	query := update + ` WHERE id = ? AND claim_token = ? AND status IN (` + guard + `)`
	args = append(append(args, claim.BattleID, claim.Token), guardArgs...)
	res, err := r.db.ExecContext(ctx, r.rebind(query), args...)
	if err != nil {
		return fmt.Errorf("sqlBattleRepository.%s: %w", op, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("sqlBattleRepository.%s: rows affected: %w", op, err)
	}
	if n != 1 {
		return fmt.Errorf("sqlBattleRepository.%s: battle %s: %w", op, claim.BattleID, common.ErrClaimLost)
	}
	return nil
}

// statusGuard renders statuses as placeholders for an IN clause.
func statusGuard(statuses []model.BattleStatus) (string, []any) {
	marks := make([]string, len(statuses))
	args := make([]any, len(statuses))
	for i, s := range statuses {
		marks[i] = "?"
		args[i] = string(s)
	}
	return strings.Join(marks, ", "), args
}

func (r *sqlBattleRepository) RequestCancel(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx,
		r.rebind(`UPDATE battles SET cancel_requested = ? WHERE id = ? AND status NOT IN (?, ?)`),
		true, id, string(model.BattleCompleted), string(model.BattleFailed))
	if err != nil {
		return fmt.Errorf("sqlBattleRepository.RequestCancel: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return nil
	}

	var status string
	err = r.db.QueryRowContext(ctx, r.rebind(`SELECT status FROM battles WHERE id = ?`), id).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return common.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("sqlBattleRepository.RequestCancel: %w", err)
	}
	return fmt.Errorf("battle %s is %s: %w", id, status, common.ErrBattleClosed)
}

func (r *sqlBattleRepository) IsCancelRequested(ctx context.Context, id string) (bool, error) {
	var requested bool
	err := r.db.QueryRowContext(ctx, r.rebind(`SELECT cancel_requested FROM battles WHERE id = ?`), id).Scan(&requested)
	if errors.Is(err, sql.ErrNoRows) {
		return false, common.ErrNotFound
	}
	if err != nil {
		return false, fmt.Errorf("sqlBattleRepository.IsCancelRequested: %w", err)
	}
	return requested, nil
}

func scanBattle(row rowScanner) (*model.Battle, error) {
	var (
		b                                            model.Battle
		status, initial                              string
		winner, endReason, failure, token, claimedBy sql.NullString
		created                                      int64
		claimedAt, startedAt, lastTurn, completedAt  sql.NullInt64
	)
	err := row.Scan(&b.ID, &b.ContestID, &status, &b.Seed, &initial, &b.CurrentTurn, &winner,
		&endReason, &failure, &token, &claimedBy, &b.ReclaimCount, &b.CancelRequested,
		&created, &claimedAt, &startedAt, &lastTurn, &completedAt)
	if err != nil {
		return nil, err
	}
	b.Status = model.BattleStatus(status)
	b.InitialState = []byte(initial)
	b.WinnerSubmissionID = stringPtr(winner)
	b.EndReason = stringPtr(endReason)
	b.FailureReason = stringPtr(failure)
	b.ClaimToken = stringPtr(token)
	b.ClaimedBy = stringPtr(claimedBy)
	b.CreatedAt = fromMillis(created)
	b.ClaimedAt = timePtr(claimedAt)
	b.StartedAt = timePtr(startedAt)
	b.LastTurnAt = timePtr(lastTurn)
	b.CompletedAt = timePtr(completedAt)
	return &b, nil
}
