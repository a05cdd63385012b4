package sqlxrepos

import (
	"context"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"
	"github.com/volatiletech/null/v8"

	"github.com/trezcool/alama/core/grade"
	"github.com/trezcool/alama/core/retake"
)

type retakeRepository struct {
	db  *sqlx.DB // nil when running inside a transaction
	ext sqlx.ExtContext
}

var _ retake.Repository = (*retakeRepository)(nil) // interface compliance check

func NewRetakeRepository(db *sqlx.DB) *retakeRepository {
	return &retakeRepository{db: db, ext: db}
}

// attemptRow mirrors the retake_attempt table.
type attemptRow struct {
	ID           string `db:"id"`
	GradeID      string `db:"grade_id"`
	EnrollmentID string `db:"enrollment_id"`
	StudentID    string `db:"student_id"`
	SubjectID    string `db:"subject_id"`

	Kind          string `db:"kind"`
	AttemptNumber int    `db:"attempt_number"`

	TxScores   grade.ScoreSet `db:"tx_scores"`
	DkScores   grade.ScoreSet `db:"dk_scores"`
	FinalScore null.Float64   `db:"final_score"`
	TBKT       null.Float64   `db:"tbkt"`
	TBMH       null.Float64   `db:"tbmh"`

	ResultStatus string `db:"result_status"`
	IsCurrent    bool   `db:"is_current"`
	Reason       string `db:"reason"`
	Term         string `db:"term"`

	CompletedAt null.Time `db:"completed_at"`
	CreatedAt   time.Time `db:"created_at"`
	UpdatedAt   time.Time `db:"updated_at"`
}

func (repo *retakeRepository) row(att retake.Attempt) attemptRow {
	return attemptRow{
		ID:            att.ID,
		GradeID:       att.GradeID,
		EnrollmentID:  att.EnrollmentID,
		StudentID:     att.StudentID,
		SubjectID:     att.SubjectID,
		Kind:          att.Kind,
		AttemptNumber: att.AttemptNumber,
		TxScores:      att.TxScores,
		DkScores:      att.DkScores,
		FinalScore:    att.FinalScore,
		TBKT:          att.TBKT,
		TBMH:          att.TBMH,
		ResultStatus:  att.ResultStatus,
		IsCurrent:     att.IsCurrent,
		Reason:        att.Reason,
		Term:          att.Term,
		CompletedAt:   null.NewTime(att.CompletedAt.UTC(), !att.CompletedAt.IsZero()),
		CreatedAt:     att.CreatedAt.UTC(),
		UpdatedAt:     att.UpdatedAt.UTC(),
	}
}

func (repo *retakeRepository) unrow(row attemptRow) retake.Attempt {
	return retake.Attempt{
		ID:            row.ID,
		GradeID:       row.GradeID,
		EnrollmentID:  row.EnrollmentID,
		StudentID:     row.StudentID,
		SubjectID:     row.SubjectID,
		Kind:          row.Kind,
		AttemptNumber: row.AttemptNumber,
		TxScores:      row.TxScores,
		DkScores:      row.DkScores,
		FinalScore:    row.FinalScore,
		TBKT:          row.TBKT,
		TBMH:          row.TBMH,
		ResultStatus:  row.ResultStatus,
		IsCurrent:     row.IsCurrent,
		Reason:        row.Reason,
		Term:          row.Term,
		CompletedAt:   row.CompletedAt.Time,
		CreatedAt:     row.CreatedAt,
		UpdatedAt:     row.UpdatedAt,
	}
}

func (repo *retakeRepository) Atomic(ctx context.Context, fn func(retake.Repository, grade.Repository) error) error {
	if repo.db == nil { // already transactional
		return fn(repo, &gradeRepository{ext: repo.ext})
	}

	tx, err := repo.db.BeginTxx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "beginning transaction")
	}
	if err = fn(&retakeRepository{ext: tx}, &gradeRepository{ext: tx}); err != nil {
		_ = tx.Rollback()
		return err
	}
	return errors.Wrap(tx.Commit(), "committing transaction")
}

const insertAttemptSQL = `
INSERT INTO retake_attempt (
    id, grade_id, enrollment_id, student_id, subject_id, kind, attempt_number,
    tx_scores, dk_scores, final_score, tbkt, tbmh,
    result_status, is_current, reason, term, completed_at, created_at, updated_at
) VALUES (
    :id, :grade_id, :enrollment_id, :student_id, :subject_id, :kind, :attempt_number,
    :tx_scores, :dk_scores, :final_score, :tbkt, :tbmh,
    :result_status, :is_current, :reason, :term, :completed_at, :created_at, :updated_at
)`

func (repo *retakeRepository) CreateAttempt(ctx context.Context, att retake.Attempt) (retake.Attempt, error) {
	if _, err := sqlx.NamedExecContext(ctx, repo.ext, insertAttemptSQL, repo.row(att)); err != nil {
		return retake.Attempt{}, errors.Wrap(err, "inserting retake attempt")
	}
	return att, nil
}

func (repo *retakeRepository) GetAttempt(ctx context.Context, id string) (retake.Attempt, error) {
	var row attemptRow
	q := repo.ext.Rebind("SELECT * FROM retake_attempt WHERE id = ?")
	if err := sqlx.GetContext(ctx, repo.ext, &row, q, id); err != nil {
		return retake.Attempt{}, trapNoRowsErr(err, retake.ErrNotFound, "finding retake attempt")
	}
	return repo.unrow(row), nil
}

func (repo *retakeRepository) QueryAttemptsByEnrollment(ctx context.Context, enrollmentID string) ([]retake.Attempt, error) {
	var rows []attemptRow
	q := repo.ext.Rebind("SELECT * FROM retake_attempt WHERE enrollment_id = ? ORDER BY created_at DESC")
	if err := sqlx.SelectContext(ctx, repo.ext, &rows, q, enrollmentID); err != nil {
		return nil, errors.Wrap(err, "querying retake attempts")
	}
	atts := make([]retake.Attempt, 0, len(rows))
	for _, row := range rows {
		atts = append(atts, repo.unrow(row))
	}
	return atts, nil
}

const updateAttemptSQL = `
UPDATE retake_attempt SET
    tx_scores = :tx_scores, dk_scores = :dk_scores, final_score = :final_score,
    tbkt = :tbkt, tbmh = :tbmh, result_status = :result_status, is_current = :is_current,
    completed_at = :completed_at, updated_at = :updated_at
WHERE id = :id`

func (repo *retakeRepository) UpdateAttempt(ctx context.Context, att retake.Attempt) (retake.Attempt, error) {
	res, err := sqlx.NamedExecContext(ctx, repo.ext, updateAttemptSQL, repo.row(att))
	if err != nil {
		return retake.Attempt{}, errors.Wrap(err, "updating retake attempt")
	}
	cnt, err := res.RowsAffected()
	if err != nil {
		return retake.Attempt{}, errors.Wrap(err, "updating retake attempt")
	}
	if cnt == 0 {
		return retake.Attempt{}, retake.ErrNotFound
	}
	return att, nil
}
