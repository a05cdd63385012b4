package dummydb

import (
	"context"
	"sort"
	"strings"

	"github.com/trezcool/alama/core"
	"github.com/trezcool/alama/core/grade"
)

type gradeRepository struct {
	db   *DB
	inTx bool // the enclosing Atomic already holds the lock
}

var _ grade.Repository = (*gradeRepository)(nil) // interface compliance check

func NewGradeRepository(db *DB) *gradeRepository {
	return &gradeRepository{db: db}
}

func (repo *gradeRepository) lock() func() {
	if repo.inTx {
		return func() {}
	}
	repo.db.mut.Lock()
	return repo.db.mut.Unlock
}

func (repo *gradeRepository) Atomic(ctx context.Context, fn func(grade.Repository) error) error {
	if repo.inTx {
		return fn(repo)
	}

	repo.db.mut.Lock()
	defer repo.db.mut.Unlock()

	snap := repo.db.snapshot()
	if err := fn(&gradeRepository{db: repo.db, inTx: true}); err != nil {
		repo.db.restore(snap)
		return err
	}
	return nil
}

func (repo *gradeRepository) CheckEnrollmentUniqueness(ctx context.Context, enrollmentID string) error {
	defer repo.lock()()

	for _, rec := range repo.db.grades {
		if rec.EnrollmentID == enrollmentID {
			return grade.ErrEnrollmentExists
		}
	}
	return nil
}

func (repo *gradeRepository) CreateRecord(ctx context.Context, rec grade.Record) (grade.Record, error) {
	defer repo.lock()()

	dup := rec.Clone()
	repo.db.grades[rec.ID] = &dup
	return rec, nil
}

func (repo *gradeRepository) GetRecord(ctx context.Context, id string) (grade.Record, error) {
	defer repo.lock()()

	if rec, ok := repo.db.grades[id]; ok {
		return rec.Clone(), nil
	}
	return grade.Record{}, grade.ErrNotFound
}

func (repo *gradeRepository) QueryRecords(ctx context.Context, filter *grade.QueryFilter, ordering []core.DBOrdering) ([]grade.Record, error) {
	defer repo.lock()()

	recs := make([]grade.Record, 0, len(repo.db.grades))
	for _, rec := range repo.db.grades {
		if matches(*rec, filter) {
			recs = append(recs, rec.Clone())
		}
	}

	sort.Slice(recs, func(i, j int) bool { return recs[i].CreatedAt.After(recs[j].CreatedAt) })
	if len(ordering) > 0 && ordering[0].Field == "student_name" {
		asc := ordering[0].Ascending
		sort.Slice(recs, func(i, j int) bool {
			if asc {
				return recs[i].StudentName < recs[j].StudentName
			}
			return recs[i].StudentName > recs[j].StudentName
		})
	}
	return recs, nil
}

func matches(rec grade.Record, filter *grade.QueryFilter) bool {
	if filter == nil || filter.IsEmpty() {
		return true
	}
	if filter.Search != "" && !strings.Contains(strings.ToLower(rec.StudentName), strings.ToLower(filter.Search)) {
		return false
	}
	if filter.StudentID != "" && rec.StudentID != filter.StudentID {
		return false
	}
	if filter.SubjectID != "" && rec.SubjectID != filter.SubjectID {
		return false
	}
	if filter.Semester != "" && rec.Semester != filter.Semester {
		return false
	}
	if filter.Status != "" && rec.Status != filter.Status {
		return false
	}
	if !filter.CreatedFrom.IsZero() && rec.CreatedAt.Before(filter.CreatedFrom.UTC()) {
		return false
	}
	if !filter.CreatedTo.IsZero() && rec.CreatedAt.After(filter.CreatedTo.UTC()) {
		return false
	}
	return true
}

func (repo *gradeRepository) UpdateRecord(ctx context.Context, rec grade.Record, expectedVersion int) (grade.Record, error) {
	defer repo.lock()()

	orig, ok := repo.db.grades[rec.ID]
	if !ok {
		return grade.Record{}, grade.ErrNotFound
	}
	if orig.Version != expectedVersion {
		return grade.Record{}, grade.ErrVersionConflict
	}

	rec.Version = expectedVersion + 1
	dup := rec.Clone()
	repo.db.grades[rec.ID] = &dup
	return rec, nil
}

func (repo *gradeRepository) CreateTransition(ctx context.Context, tr grade.Transition) (grade.Transition, error) {
	defer repo.lock()()

	dup := tr
	repo.db.transitions[tr.ID] = &dup
	return tr, nil
}

func (repo *gradeRepository) GetTransition(ctx context.Context, id string) (grade.Transition, error) {
	defer repo.lock()()

	if tr, ok := repo.db.transitions[id]; ok {
		return *tr, nil
	}
	return grade.Transition{}, grade.ErrTransitionNotFound
}

func (repo *gradeRepository) QueryTransitions(ctx context.Context, gradeID string) ([]grade.Transition, error) {
	defer repo.lock()()

	trs := make([]grade.Transition, 0)
	for _, tr := range repo.db.transitions {
		if tr.GradeID == gradeID {
			trs = append(trs, *tr)
		}
	}
	sort.Slice(trs, func(i, j int) bool { return trs[i].CreatedAt.After(trs[j].CreatedAt) })
	return trs, nil
}
