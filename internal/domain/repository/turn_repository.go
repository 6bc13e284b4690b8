package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"iter"

	"ai_arena/internal/common"
	"ai_arena/internal/domain/model"
	"ai_arena/internal/platform/database"
)

const turnPageSize = 100

// TurnRepository is the append-only turn log. Indexes are contiguous from 0
// and a stored turn is never rewritten.
type TurnRepository interface {
	// Append stores turn under the given claim. Re-appending an identical
	// record at an existing index is a no-op; anything else at an index that
	// is not the next one fails with common.ErrOutOfOrder.
	Append(ctx context.Context, claimToken string, turn *model.Turn) error
	// ReadRange yields turns with from <= index < to in order. A negative to
	// reads to the current end. The sequence pages lazily and can be ranged
	// over more than once.
	ReadRange(ctx context.Context, battleID string, from, to int) iter.Seq2[model.Turn, error]
	// LatestIndex returns the highest stored index, or common.ErrNotFound
	// when the battle has no turns yet.
	LatestIndex(ctx context.Context, battleID string) (int, error)
}

type sqlTurnRepository struct {
	sqlBase
}

func NewTurnRepository(db *database.DB) TurnRepository {
	return &sqlTurnRepository{sqlBase: newSQLBase(db)}
}

func (r *sqlTurnRepository) Append(ctx context.Context, claimToken string, turn *model.Turn) error {
	if turn.Index < 0 {
		return fmt.Errorf("turn index %d: %w", turn.Index, common.ErrOutOfOrder)
	}
	actions, err := json.Marshal(turn.Actions)
	if err != nil {
		return fmt.Errorf("sqlTurnRepository.Append: encode actions: %w", err)
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlTurnRepository.Append: begin: %w", err)
	}
	defer tx.Rollback()

	var (
		status  string
		token   sql.NullString
		current int
	)
	err = tx.QueryRowContext(ctx,
		r.rebind(r.forUpdate(`SELECT status, claim_token, current_turn FROM battles WHERE id = ?`)),
		turn.BattleID).Scan(&status, &token, &current)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("battle %s: %w", turn.BattleID, common.ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("sqlTurnRepository.Append: lock battle: %w", err)
	}

	if turn.Index < current {
		existing, err := r.readOne(ctx, tx, turn.BattleID, turn.Index)
		if err != nil {
			return err
		}
		if existing.SameRecord(turn) {
			return nil
		}
		return fmt.Errorf("turn %d of battle %s already stored with different content: %w",
			turn.Index, turn.BattleID, common.ErrOutOfOrder)
	}

	if model.BattleStatus(status).Terminal() {
		return fmt.Errorf("battle %s is %s: %w", turn.BattleID, status, common.ErrBattleClosed)
	}
	if !token.Valid || token.String != claimToken {
		return fmt.Errorf("battle %s: %w", turn.BattleID, common.ErrClaimLost)
	}
	if turn.Index != current {
		return fmt.Errorf("turn %d of battle %s, expected %d: %w",
			turn.Index, turn.BattleID, current, common.ErrOutOfOrder)
	}

	ts := toMillis(turn.CreatedAt)
	if _, err := tx.ExecContext(ctx,
		r.rebind(`INSERT INTO turns (battle_id, idx, state, actions, created_at) VALUES (?, ?, ?, ?, ?)`),
		turn.BattleID, turn.Index, string(turn.State), string(actions), ts); err != nil {
		if common.IsUniqueViolation(err) {
			return fmt.Errorf("turn %d of battle %s: %w", turn.Index, turn.BattleID, common.ErrOutOfOrder)
		}
		return fmt.Errorf("sqlTurnRepository.Append: insert: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		r.rebind(`UPDATE battles SET current_turn = ?, last_turn_at = ?, heartbeat_at = ? WHERE id = ?`),
		turn.Index+1, ts, ts, turn.BattleID); err != nil {
		return fmt.Errorf("sqlTurnRepository.Append: advance battle: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("sqlTurnRepository.Append: commit: %w", err)
	}
	return nil
}

func (r *sqlTurnRepository) readOne(ctx context.Context, tx *sql.Tx, battleID string, idx int) (*model.Turn, error) {
	row := r.q(tx).QueryRowContext(ctx,
		r.rebind(`SELECT battle_id, idx, state, actions, created_at FROM turns WHERE battle_id = ? AND idx = ?`),
		battleID, idx)
	t, err := scanTurn(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, common.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("sqlTurnRepository.readOne: %w", err)
	}
	return t, nil
}

func (r *sqlTurnRepository) ReadRange(ctx context.Context, battleID string, from, to int) iter.Seq2[model.Turn, error] {
	return func(yield func(model.Turn, error) bool) {
		next := max(from, 0)
		for to < 0 || next < to {
			limit := turnPageSize
			if to >= 0 {
				limit = min(limit, to-next)
			}
			page, err := r.readPage(ctx, battleID, next, limit)
			if err != nil {
				yield(model.Turn{}, err)
				return
			}
			for _, t := range page {
				if !yield(t, nil) {
					return
				}
			}
			if len(page) < limit {
				return
			}
			next = page[len(page)-1].Index + 1
		}
	}
}

// readPage buffers one page and releases the connection before the caller
// sees any row.
func (r *sqlTurnRepository) readPage(ctx context.Context, battleID string, from, limit int) ([]model.Turn, error) {
	rows, err := r.db.QueryContext(ctx,
		r.rebind(`SELECT battle_id, idx, state, actions, created_at FROM turns
		          WHERE battle_id = ? AND idx >= ? ORDER BY idx LIMIT ?`),
		battleID, from, limit)
	if err != nil {
		return nil, fmt.Errorf("sqlTurnRepository.ReadRange: %w", err)
	}
	defer rows.Close()

	page := make([]model.Turn, 0, limit)
	for rows.Next() {
		t, err := scanTurn(rows)
		if err != nil {
			return nil, fmt.Errorf("sqlTurnRepository.ReadRange: %w", err)
		}
		page = append(page, *t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlTurnRepository.ReadRange: %w", err)
	}
	return page, nil
}

func (r *sqlTurnRepository) LatestIndex(ctx context.Context, battleID string) (int, error) {
	var idx sql.NullInt64
	err := r.db.QueryRowContext(ctx, r.rebind(`SELECT MAX(idx) FROM turns WHERE battle_id = ?`), battleID).Scan(&idx)
	if err != nil {
		return 0, fmt.Errorf("sqlTurnRepository.LatestIndex: %w", err)
	}
	if !idx.Valid {
		return 0, common.ErrNotFound
	}
	return int(idx.Int64), nil
}

func scanTurn(row rowScanner) (*model.Turn, error) {
	var (
		t              model.Turn
		state, actions string
		created        int64
	)
	if err := row.Scan(&t.BattleID, &t.Index, &state, &actions, &created); err != nil {
		return nil, err
	}
	t.State = json.RawMessage(state)
	if err := json.Unmarshal([]byte(actions), &t.Actions); err != nil {
		return nil, fmt.Errorf("decode actions of turn %d: %w", t.Index, err)
	}
	t.CreatedAt = fromMillis(created)
	return &t, nil
}
