package dummydb

import (
	"context"
	"sort"

	"github.com/trezcool/alama/core/grade"
	"github.com/trezcool/alama/core/retake"
)

type retakeRepository struct {
	db   *DB
	inTx bool // the enclosing Atomic already holds the lock
}

var _ retake.Repository = (*retakeRepository)(nil) // interface compliance check

func NewRetakeRepository(db *DB) *retakeRepository {
	return &retakeRepository{db: db}
}

func (repo *retakeRepository) lock() func() {
	if repo.inTx {
		return func() {}
	}
	repo.db.mut.Lock()
	return repo.db.mut.Unlock
}

func (repo *retakeRepository) Atomic(ctx context.Context, fn func(retake.Repository, grade.Repository) error) error {
	if repo.inTx {
		return fn(repo, &gradeRepository{db: repo.db, inTx: true})
	}

	repo.db.mut.Lock()
	defer repo.db.mut.Unlock()

	snap := repo.db.snapshot()
	err := fn(
		&retakeRepository{db: repo.db, inTx: true},
		&gradeRepository{db: repo.db, inTx: true},
	)
	if err != nil {
		repo.db.restore(snap)
		return err
	}
	return nil
}

func (repo *retakeRepository) CreateAttempt(ctx context.Context, att retake.Attempt) (retake.Attempt, error) {
	defer repo.lock()()

	dup := att.Clone()
	repo.db.attempts[att.ID] = &dup
	return att, nil
}

func (repo *retakeRepository) GetAttempt(ctx context.Context, id string) (retake.Attempt, error) {
	defer repo.lock()()

	if att, ok := repo.db.attempts[id]; ok {
		return att.Clone(), nil
	}
	return retake.Attempt{}, retake.ErrNotFound
}

func (repo *retakeRepository) QueryAttemptsByEnrollment(ctx context.Context, enrollmentID string) ([]retake.Attempt, error) {
	defer repo.lock()()

	atts := make([]retake.Attempt, 0)
	for _, att := range repo.db.attempts {
		if att.EnrollmentID == enrollmentID {
			atts = append(atts, att.Clone())
		}
	}
	sort.Slice(atts, func(i, j int) bool { return atts[i].CreatedAt.After(atts[j].CreatedAt) })
	return atts, nil
}

func (repo *retakeRepository) UpdateAttempt(ctx context.Context, att retake.Attempt) (retake.Attempt, error) {
	defer repo.lock()()

	if _, ok := repo.db.attempts[att.ID]; !ok {
		return retake.Attempt{}, retake.ErrNotFound
	}
	dup := att.Clone()
	repo.db.attempts[att.ID] = &dup
	return att, nil
}
