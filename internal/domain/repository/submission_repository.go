package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"ai_arena/internal/common"
	"ai_arena/internal/domain/model"
	"ai_arena/internal/platform/database"
)

type SubmissionRepository interface {
	CreateSubmission(ctx context.Context, tx *sql.Tx, sub *model.Submission) error
	// UpsertPreset inserts a preset submission or returns the existing one with
	// the same (contest, name).
	UpsertPreset(ctx context.Context, tx *sql.Tx, sub *model.Submission) (*model.Submission, error)
	GetSubmissionByID(ctx context.Context, id string) (*model.Submission, error)
	ListSubmissionsByContest(ctx context.Context, contestID string) ([]model.Submission, error)
}

type sqlSubmissionRepository struct {
	sqlBase
}

func NewSubmissionRepository(db *database.DB) SubmissionRepository {
	return &sqlSubmissionRepository{sqlBase: newSQLBase(db)}
}

func (r *sqlSubmissionRepository) CreateSubmission(ctx context.Context, tx *sql.Tx, s *model.Submission) error {
	query := `INSERT INTO submissions (id, contest_id, user_id, name, language, code, size_bytes, is_preset, created_at)
	          VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err := r.q(tx).ExecContext(ctx, r.rebind(query),
		s.ID, s.ContestID, s.UserID, s.Name, s.Language, s.Code, s.SizeBytes, s.IsPreset, toMillis(s.CreatedAt))
	if err != nil {
		if common.IsUniqueViolation(err) {
			return fmt.Errorf("submission %q already exists in contest %s: %w", s.Name, s.ContestID, common.ErrConflict)
		}
		return fmt.Errorf("sqlSubmissionRepository.CreateSubmission: %w", err)
	}
	return nil
}

func (r *sqlSubmissionRepository) UpsertPreset(ctx context.Context, tx *sql.Tx, s *model.Submission) (*model.Submission, error) {
	query := `INSERT INTO submissions (id, contest_id, user_id, name, language, code, size_bytes, is_preset, created_at)
	          VALUES (?, ?, NULL, ?, NULL, NULL, NULL, ?, ?)
	          ON CONFLICT (contest_id, name) DO NOTHING`
	if _, err := r.q(tx).ExecContext(ctx, r.rebind(query), s.ID, s.ContestID, s.Name, true, toMillis(s.CreatedAt)); err != nil {
		return nil, fmt.Errorf("sqlSubmissionRepository.UpsertPreset: %w", err)
	}

	row := r.q(tx).QueryRowContext(ctx,
		r.rebind(`SELECT `+submissionColumns+` FROM submissions WHERE contest_id = ? AND name = ?`), s.ContestID, s.Name)
	existing, err := scanSubmission(row)
	if err != nil {
		return nil, fmt.Errorf("sqlSubmissionRepository.UpsertPreset: %w", err)
	}
	return existing, nil
}

const submissionColumns = `id, contest_id, user_id, name, language, code, size_bytes, is_preset, created_at`

func (r *sqlSubmissionRepository) GetSubmissionByID(ctx context.Context, id string) (*model.Submission, error) {
	row := r.db.QueryRowContext(ctx, r.rebind(`SELECT `+submissionColumns+` FROM submissions WHERE id = ?`), id)
	s, err := scanSubmission(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, common.ErrNotFound
		}
		return nil, fmt.Errorf("sqlSubmissionRepository.GetSubmissionByID: %w", err)
	}
	return s, nil
}

func (r *sqlSubmissionRepository) ListSubmissionsByContest(ctx context.Context, contestID string) ([]model.Submission, error) {
	rows, err := r.db.QueryContext(ctx,
		r.rebind(`SELECT `+submissionColumns+` FROM submissions WHERE contest_id = ? ORDER BY created_at, id`), contestID)
	if err != nil {
		return nil, fmt.Errorf("sqlSubmissionRepository.ListSubmissionsByContest: %w", err)
	}
	defer rows.Close()

	var subs []model.Submission
	for rows.Next() {
		s, err := scanSubmission(rows)
		if err != nil {
			return nil, fmt.Errorf("sqlSubmissionRepository.ListSubmissionsByContest: %w", err)
		}
		subs = append(subs, *s)
	}
	return subs, rows.Err()
}

func scanSubmission(row rowScanner) (*model.Submission, error) {
	var (
		s                      model.Submission
		userID, language, code sql.NullString
		size                   sql.NullInt64
		created                int64
	)
	if err := row.Scan(&s.ID, &s.ContestID, &userID, &s.Name, &language, &code, &size, &s.IsPreset, &created); err != nil {
		return nil, err
	}
	s.UserID = stringPtr(userID)
	s.Language = stringPtr(language)
	s.Code = stringPtr(code)
	if size.Valid {
		n := size.Int64
		s.SizeBytes = &n
	}
	s.CreatedAt = fromMillis(created)
	return &s, nil
}
