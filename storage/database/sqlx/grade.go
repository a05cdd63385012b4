package sqlxrepos

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"
	"github.com/volatiletech/null/v8"

	"github.com/trezcool/alama/core"
	"github.com/trezcool/alama/core/grade"
)

type gradeRepository struct {
	db  *sqlx.DB // nil when running inside a transaction
	ext sqlx.ExtContext
}

var _ grade.Repository = (*gradeRepository)(nil) // interface compliance check

func NewGradeRepository(db *sqlx.DB) *gradeRepository {
	return &gradeRepository{db: db, ext: db}
}

// gradeRow mirrors the grade_record table.
type gradeRow struct {
	ID           string `db:"id"`
	EnrollmentID string `db:"enrollment_id"`
	StudentID    string `db:"student_id"`
	StudentName  string `db:"student_name"`
	StudentEmail string `db:"student_email"`
	SubjectID    string `db:"subject_id"`
	Semester     string `db:"semester"`

	TxScores    grade.ScoreSet `db:"tx_scores"`
	DkScores    grade.ScoreSet `db:"dk_scores"`
	FinalScore  null.Float64   `db:"final_score"`
	TBKT        null.Float64   `db:"tbkt"`
	TBMH        null.Float64   `db:"tbmh"`
	LetterGrade string         `db:"letter_grade"`
	IsPassed    null.Bool      `db:"is_passed"`

	Status string        `db:"status"`
	Locks  grade.LockSet `db:"locks"`

	SubmittedBy string    `db:"submitted_by"`
	SubmittedAt null.Time `db:"submitted_at"`
	ApprovedBy  string    `db:"approved_by"`
	ApprovedAt  null.Time `db:"approved_at"`
	FinalizedBy string    `db:"finalized_by"`
	FinalizedAt null.Time `db:"finalized_at"`

	Version        int    `db:"version"`
	AttemptNumber  int    `db:"attempt_number"`
	IsRetakeResult bool   `db:"is_retake_result"`
	LastRetakeID   string `db:"last_retake_id"`

	CreatedAt time.Time `db:"created_at"`
	UpdatedAt time.Time `db:"updated_at"`
}

func (repo *gradeRepository) row(rec grade.Record) gradeRow {
	return gradeRow{
		ID:             rec.ID,
		EnrollmentID:   rec.EnrollmentID,
		StudentID:      rec.StudentID,
		StudentName:    rec.StudentName,
		StudentEmail:   rec.StudentEmail,
		SubjectID:      rec.SubjectID,
		Semester:       rec.Semester,
		TxScores:       rec.TxScores,
		DkScores:       rec.DkScores,
		FinalScore:     rec.FinalScore,
		TBKT:           rec.TBKT,
		TBMH:           rec.TBMH,
		LetterGrade:    rec.LetterGrade,
		IsPassed:       rec.IsPassed,
		Status:         rec.Status,
		Locks:          rec.Locks,
		SubmittedBy:    rec.SubmittedBy,
		SubmittedAt:    null.NewTime(rec.SubmittedAt.UTC(), !rec.SubmittedAt.IsZero()),
		ApprovedBy:     rec.ApprovedBy,
		ApprovedAt:     null.NewTime(rec.ApprovedAt.UTC(), !rec.ApprovedAt.IsZero()),
		FinalizedBy:    rec.FinalizedBy,
		FinalizedAt:    null.NewTime(rec.FinalizedAt.UTC(), !rec.FinalizedAt.IsZero()),
		Version:        rec.Version,
		AttemptNumber:  rec.AttemptNumber,
		IsRetakeResult: rec.IsRetakeResult,
		LastRetakeID:   rec.LastRetakeID,
		CreatedAt:      rec.CreatedAt.UTC(),
		UpdatedAt:      rec.UpdatedAt.UTC(),
	}
}

func (repo *gradeRepository) unrow(row gradeRow) grade.Record {
	return grade.Record{
		ID:             row.ID,
		EnrollmentID:   row.EnrollmentID,
		StudentID:      row.StudentID,
		StudentName:    row.StudentName,
		StudentEmail:   row.StudentEmail,
		SubjectID:      row.SubjectID,
		Semester:       row.Semester,
		TxScores:       row.TxScores,
		DkScores:       row.DkScores,
		FinalScore:     row.FinalScore,
		TBKT:           row.TBKT,
		TBMH:           row.TBMH,
		LetterGrade:    row.LetterGrade,
		IsPassed:       row.IsPassed,
		Status:         row.Status,
		Locks:          row.Locks,
		SubmittedBy:    row.SubmittedBy,
		SubmittedAt:    row.SubmittedAt.Time,
		ApprovedBy:     row.ApprovedBy,
		ApprovedAt:     row.ApprovedAt.Time,
		FinalizedBy:    row.FinalizedBy,
		FinalizedAt:    row.FinalizedAt.Time,
		Version:        row.Version,
		AttemptNumber:  row.AttemptNumber,
		IsRetakeResult: row.IsRetakeResult,
		LastRetakeID:   row.LastRetakeID,
		CreatedAt:      row.CreatedAt,
		UpdatedAt:      row.UpdatedAt,
	}
}

// trapNoRowsErr maps psql "no rows" err to grade.ErrNotFound
func trapNoRowsErr(err error, notFound error, msg string) error {
	if err == sql.ErrNoRows {
		return notFound
	}
	return errors.Wrap(err, msg)
}

func (repo *gradeRepository) Atomic(ctx context.Context, fn func(grade.Repository) error) error {
	if repo.db == nil { // already transactional
		return fn(repo)
	}

	tx, err := repo.db.BeginTxx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "beginning transaction")
	}
	if err = fn(&gradeRepository{ext: tx}); err != nil {
		_ = tx.Rollback()
		return err
	}
	return errors.Wrap(tx.Commit(), "committing transaction")
}

func (repo *gradeRepository) CheckEnrollmentUniqueness(ctx context.Context, enrollmentID string) error {
	var exists bool
	q := repo.ext.Rebind("SELECT EXISTS (SELECT 1 FROM grade_record WHERE enrollment_id = ?)")
	if err := sqlx.GetContext(ctx, repo.ext, &exists, q, enrollmentID); err != nil {
		return errors.Wrap(err, "checking enrollment uniqueness")
	}
	if exists {
		return grade.ErrEnrollmentExists
	}
	return nil
}

const insertGradeSQL = `
INSERT INTO grade_record (
    id, enrollment_id, student_id, student_name, student_email, subject_id, semester,
    tx_scores, dk_scores, final_score, tbkt, tbmh, letter_grade, is_passed,
    status, locks, submitted_by, submitted_at, approved_by, approved_at, finalized_by, finalized_at,
    version, attempt_number, is_retake_result, last_retake_id, created_at, updated_at
) VALUES (
    :id, :enrollment_id, :student_id, :student_name, :student_email, :subject_id, :semester,
    :tx_scores, :dk_scores, :final_score, :tbkt, :tbmh, :letter_grade, :is_passed,
    :status, :locks, :submitted_by, :submitted_at, :approved_by, :approved_at, :finalized_by, :finalized_at,
    :version, :attempt_number, :is_retake_result, :last_retake_id, :created_at, :updated_at
)`

func (repo *gradeRepository) CreateRecord(ctx context.Context, rec grade.Record) (grade.Record, error) {
	if _, err := sqlx.NamedExecContext(ctx, repo.ext, insertGradeSQL, repo.row(rec)); err != nil {
		return grade.Record{}, errors.Wrap(err, "inserting grade record")
	}
	return rec, nil
}

func (repo *gradeRepository) GetRecord(ctx context.Context, id string) (grade.Record, error) {
	var row gradeRow
	q := repo.ext.Rebind("SELECT * FROM grade_record WHERE id = ?")
	if err := sqlx.GetContext(ctx, repo.ext, &row, q, id); err != nil {
		return grade.Record{}, trapNoRowsErr(err, grade.ErrNotFound, "finding grade record")
	}
	return repo.unrow(row), nil
}

func (repo *gradeRepository) QueryRecords(ctx context.Context, filter *grade.QueryFilter, ordering []core.DBOrdering) ([]grade.Record, error) {
	// ordering terms are interpolated into ORDER BY; only whitelisted columns
	if err := grade.CheckOrdering(ordering); err != nil {
		return nil, err
	}

	q := "SELECT * FROM grade_record"
	var where []string
	var args []interface{}

	if filter != nil {
		filter.Clean()
		if filter.Search != "" {
			where = append(where, "student_name ILIKE ?")
			args = append(args, "%"+filter.Search+"%")
		}
		if filter.StudentID != "" {
			where = append(where, "student_id = ?")
			args = append(args, filter.StudentID)
		}
		if filter.SubjectID != "" {
			where = append(where, "subject_id = ?")
			args = append(args, filter.SubjectID)
		}
		if filter.Semester != "" {
			where = append(where, "semester = ?")
			args = append(args, filter.Semester)
		}
		if filter.Status != "" {
			where = append(where, "status = ?")
			args = append(args, filter.Status)
		}
		if !filter.CreatedFrom.IsZero() {
			where = append(where, "created_at >= ?")
			args = append(args, filter.CreatedFrom.UTC())
		}
		if !filter.CreatedTo.IsZero() {
			where = append(where, "created_at <= ?")
			args = append(args, filter.CreatedTo.UTC())
		}
	}
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}

	if len(ordering) > 0 {
		orderList := make([]string, 0, len(ordering))
		for _, ord := range ordering {
			orderList = append(orderList, ord.String())
		}
		q += " ORDER BY " + strings.Join(orderList, ", ")
	} else {
		q += " ORDER BY created_at DESC"
	}

	var rows []gradeRow
	if err := sqlx.SelectContext(ctx, repo.ext, &rows, repo.ext.Rebind(q), args...); err != nil {
		return nil, errors.Wrap(err, "querying grade records")
	}
	recs := make([]grade.Record, 0, len(rows))
	for _, row := range rows {
		recs = append(recs, repo.unrow(row))
	}
	return recs, nil
}

const updateGradeSQL = `
UPDATE grade_record SET
    tx_scores = :tx_scores, dk_scores = :dk_scores, final_score = :final_score,
    tbkt = :tbkt, tbmh = :tbmh, letter_grade = :letter_grade, is_passed = :is_passed,
    status = :status, locks = :locks,
    submitted_by = :submitted_by, submitted_at = :submitted_at,
    approved_by = :approved_by, approved_at = :approved_at,
    finalized_by = :finalized_by, finalized_at = :finalized_at,
    version = :version, attempt_number = :attempt_number,
    is_retake_result = :is_retake_result, last_retake_id = :last_retake_id,
    updated_at = :updated_at
WHERE id = :id AND version = :expected_version`

func (repo *gradeRepository) UpdateRecord(ctx context.Context, rec grade.Record, expectedVersion int) (grade.Record, error) {
	rec.Version = expectedVersion + 1

	arg := struct {
		gradeRow
		ExpectedVersion int `db:"expected_version"`
	}{repo.row(rec), expectedVersion}

	res, err := sqlx.NamedExecContext(ctx, repo.ext, updateGradeSQL, arg)
	if err != nil {
		return grade.Record{}, errors.Wrap(err, "updating grade record")
	}
	cnt, err := res.RowsAffected()
	if err != nil {
		return grade.Record{}, errors.Wrap(err, "updating grade record")
	}
	if cnt == 0 {
		// either gone or a concurrent writer got there first
		if _, err = repo.GetRecord(ctx, rec.ID); err != nil {
			return grade.Record{}, err
		}
		return grade.Record{}, grade.ErrVersionConflict
	}
	return rec, nil
}

// transitionRow mirrors the grade_state_transition table.
type transitionRow struct {
	ID         string           `db:"id"`
	GradeID    string           `db:"grade_id"`
	Action     string           `db:"action"`
	FromStatus string           `db:"from_status"`
	ToStatus   string           `db:"to_status"`
	ActorID    string           `db:"actor_id"`
	ActorName  string           `db:"actor_name"`
	Reason     string           `db:"reason"`
	Changes    grade.FieldDiffs `db:"changes"`
	CreatedAt  time.Time        `db:"created_at"`
}

func (repo *gradeRepository) trRow(tr grade.Transition) transitionRow {
	return transitionRow{
		ID:         tr.ID,
		GradeID:    tr.GradeID,
		Action:     tr.Action,
		FromStatus: tr.FromStatus,
		ToStatus:   tr.ToStatus,
		ActorID:    tr.ActorID,
		ActorName:  tr.ActorName,
		Reason:     tr.Reason,
		Changes:    tr.Changes,
		CreatedAt:  tr.CreatedAt.UTC(),
	}
}

func (repo *gradeRepository) unTrRow(row transitionRow) grade.Transition {
	return grade.Transition{
		ID:         row.ID,
		GradeID:    row.GradeID,
		Action:     row.Action,
		FromStatus: row.FromStatus,
		ToStatus:   row.ToStatus,
		ActorID:    row.ActorID,
		ActorName:  row.ActorName,
		Reason:     row.Reason,
		Changes:    row.Changes,
		CreatedAt:  row.CreatedAt,
	}
}

const insertTransitionSQL = `
INSERT INTO grade_state_transition (
    id, grade_id, action, from_status, to_status, actor_id, actor_name, reason, changes, created_at
) VALUES (
    :id, :grade_id, :action, :from_status, :to_status, :actor_id, :actor_name, :reason, :changes, :created_at
)`

func (repo *gradeRepository) CreateTransition(ctx context.Context, tr grade.Transition) (grade.Transition, error) {
	if _, err := sqlx.NamedExecContext(ctx, repo.ext, insertTransitionSQL, repo.trRow(tr)); err != nil {
		return grade.Transition{}, errors.Wrap(err, "inserting transition")
	}
	return tr, nil
}

func (repo *gradeRepository) GetTransition(ctx context.Context, id string) (grade.Transition, error) {
	var row transitionRow
	q := repo.ext.Rebind("SELECT * FROM grade_state_transition WHERE id = ?")
	if err := sqlx.GetContext(ctx, repo.ext, &row, q, id); err != nil {
		return grade.Transition{}, trapNoRowsErr(err, grade.ErrTransitionNotFound, "finding transition")
	}
	return repo.unTrRow(row), nil
}

func (repo *gradeRepository) QueryTransitions(ctx context.Context, gradeID string) ([]grade.Transition, error) {
	var rows []transitionRow
	q := repo.ext.Rebind("SELECT * FROM grade_state_transition WHERE grade_id = ? ORDER BY created_at DESC")
	if err := sqlx.SelectContext(ctx, repo.ext, &rows, q, gradeID); err != nil {
		return nil, errors.Wrap(err, "querying transitions")
	}
	trs := make([]grade.Transition, 0, len(rows))
	for _, row := range rows {
		trs = append(trs, repo.unTrRow(row))
	}
	return trs, nil
}
