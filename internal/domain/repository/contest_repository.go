package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"ai_arena/internal/common"
	"ai_arena/internal/domain/model"
	"ai_arena/internal/platform/database"
)

type ContestRepository interface {
	UpsertContest(ctx context.Context, tx *sql.Tx, contest *model.Contest) error
	FindContestByID(ctx context.Context, id string) (*model.Contest, error)
	ListContests(ctx context.Context) ([]model.Contest, error)
	// DeleteContest removes a contest with its submissions and battles.
	DeleteContest(ctx context.Context, tx *sql.Tx, id string) error
}

type sqlContestRepository struct {
	sqlBase
}

func NewContestRepository(db *database.DB) ContestRepository {
	return &sqlContestRepository{sqlBase: newSQLBase(db)}
}

func (r *sqlContestRepository) UpsertContest(ctx context.Context, tx *sql.Tx, c *model.Contest) error {
	description, err := json.Marshal(c.Description)
	if err != nil {
		return fmt.Errorf("sqlContestRepository.UpsertContest: marshal description: %w", err)
	}
	rules, err := json.Marshal(c.Rules)
	if err != nil {
		return fmt.Errorf("sqlContestRepository.UpsertContest: marshal rules: %w", err)
	}

	query := `INSERT INTO contests (id, name, type, starts_at, ends_at, description, rules, created_at, updated_at)
	          VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	          ON CONFLICT (id) DO UPDATE SET
	              name = excluded.name, type = excluded.type, starts_at = excluded.starts_at,
	              ends_at = excluded.ends_at, description = excluded.description,
	              rules = excluded.rules, updated_at = excluded.updated_at`
	_, err = r.q(tx).ExecContext(ctx, r.rebind(query),
		c.ID, c.Name, string(c.Type), toMillis(c.StartsAt), toMillis(c.EndsAt),
		string(description), string(rules), toMillis(c.CreatedAt), toMillis(c.UpdatedAt))
	if err != nil {
		return fmt.Errorf("sqlContestRepository.UpsertContest: %w", err)
	}
	return nil
}

const contestColumns = `id, name, type, starts_at, ends_at, description, rules, created_at, updated_at`

func (r *sqlContestRepository) FindContestByID(ctx context.Context, id string) (*model.Contest, error) {
	row := r.db.QueryRowContext(ctx, r.rebind(`SELECT `+contestColumns+` FROM contests WHERE id = ?`), id)
	c, err := scanContest(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, common.ErrNotFound
		}
		return nil, fmt.Errorf("sqlContestRepository.FindContestByID: %w", err)
	}
	return c, nil
}

func (r *sqlContestRepository) ListContests(ctx context.Context) ([]model.Contest, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+contestColumns+` FROM contests ORDER BY starts_at DESC, id`)
	if err != nil {
		return nil, fmt.Errorf("sqlContestRepository.ListContests: %w", err)
	}
	defer rows.Close()

	var contests []model.Contest
	for rows.Next() {
		c, err := scanContest(rows)
		if err != nil {
			return nil, fmt.Errorf("sqlContestRepository.ListContests: %w", err)
		}
		contests = append(contests, *c)
	}
	return contests, rows.Err()
}

func (r *sqlContestRepository) DeleteContest(ctx context.Context, tx *sql.Tx, id string) error {
	res, err := r.q(tx).ExecContext(ctx, r.rebind(`DELETE FROM contests WHERE id = ?`), id)
	if err != nil {
		return fmt.Errorf("sqlContestRepository.DeleteContest: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return common.ErrNotFound
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanContest(row rowScanner) (*model.Contest, error) {
	var (
		c                      model.Contest
		typ                    string
		starts, ends           int64
		created, updated       int64
		description, rulesJSON string
	)
	if err := row.Scan(&c.ID, &c.Name, &typ, &starts, &ends, &description, &rulesJSON, &created, &updated); err != nil {
		return nil, err
	}
	c.Type = model.ContestType(typ)
	c.StartsAt, c.EndsAt = fromMillis(starts), fromMillis(ends)
	c.CreatedAt, c.UpdatedAt = fromMillis(created), fromMillis(updated)
	if err := json.Unmarshal([]byte(description), &c.Description); err != nil {
		return nil, fmt.Errorf("decode description of contest %s: %w", c.ID, err)
	}
	if err := json.Unmarshal([]byte(rulesJSON), &c.Rules); err != nil {
		return nil, fmt.Errorf("decode rules of contest %s: %w", c.ID, err)
	}
	return &c, nil
}
