package grade

import (
	"context"
	"fmt"
	"net/mail"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/trezcool/alama/core"
)

var (
	// errors
	ErrNotFound           = errors.New("grade record not found")
	ErrTransitionNotFound = errors.New("transition not found")
	ErrEnrollmentExists   = errors.New("a grade record already exists for this enrollment")
	ErrVersionConflict    = errors.New("grade record was modified by someone else; reload and retry")
	ErrLockConflict       = errors.New("score component is locked by another user")
	ErrNotLockHolder      = errors.New("lock is held by another user")
	ErrInvalidTransition  = errors.New("transition not allowed from current status")
	ErrPermissionDenied   = errors.New("permission denied")
	ErrImmutable          = errors.New("grade record is finalized and can no longer be edited directly")
)

type (
	Repository interface {
		// Atomic runs fn against a transactional view of the repository;
		// everything fn does commits as a whole or not at all.
		Atomic(ctx context.Context, fn func(Repository) error) error

		CheckEnrollmentUniqueness(ctx context.Context, enrollmentID string) error
		CreateRecord(ctx context.Context, rec Record) (Record, error)
		GetRecord(ctx context.Context, id string) (Record, error)
		// QueryRecords applies AND operation on available QueryFilter fields.
		// QueryFilter.Search does a case-insensitive match on Record.StudentName.
		QueryRecords(ctx context.Context, filter *QueryFilter, ordering []core.DBOrdering) ([]Record, error)
		// UpdateRecord persists rec with Version = expectedVersion+1 iff the
		// stored version still equals expectedVersion; returns
		// ErrVersionConflict otherwise. This compare-and-swap is the sole
		// correctness guarantee against lost updates.
		UpdateRecord(ctx context.Context, rec Record, expectedVersion int) (Record, error)

		CreateTransition(ctx context.Context, tr Transition) (Transition, error)
		GetTransition(ctx context.Context, id string) (Transition, error)
		// QueryTransitions returns a record's transitions, newest first.
		QueryTransitions(ctx context.Context, gradeID string) ([]Transition, error)
	}

	Service struct {
		repo    Repository
		calc    Calculator
		mailSvc core.EmailService
		logger  core.Logger
		conf    *core.Config
	}
)

func NewService(repo Repository, mailSvc core.EmailService, logger core.Logger, conf *core.Config) *Service {
	return &Service{
		repo:    repo,
		calc:    NewCalculator(conf),
		mailSvc: mailSvc,
		logger:  logger,
		conf:    conf,
	}
}

func (svc *Service) Calculator() Calculator { return svc.calc }

// ApplyMutation persists the mutation and its audit row inside the caller's
// transaction: CAS-updates the record against old.Version, then appends a
// Transition with the before/after field diff.
func ApplyMutation(
	ctx context.Context,
	repo Repository,
	old, next Record,
	action, reason string,
	actor Actor,
	extra FieldDiffs,
) (Record, error) {
	now := time.Now().UTC()
	next.UpdatedAt = now

	updated, err := repo.UpdateRecord(ctx, next, old.Version)
	if err != nil {
		return Record{}, errors.Wrap(err, "updating grade record")
	}

	diffs := diffRecords(old, next)
	for name, d := range extra {
		diffs[name] = d
	}
	tr := Transition{
		ID:         uuid.New().String(),
		GradeID:    old.ID,
		Action:     action,
		FromStatus: old.Status,
		ToStatus:   next.Status,
		ActorID:    actor.ID,
		ActorName:  actor.Name,
		Reason:     reason,
		Changes:    diffs,
		CreatedAt:  now,
	}
	if _, err = repo.CreateTransition(ctx, tr); err != nil {
		return Record{}, errors.Wrap(err, "appending transition")
	}
	return updated, nil
}

func (svc *Service) apply(
	ctx context.Context,
	repo Repository,
	old, next Record,
	action, reason string,
	actor Actor,
	extra FieldDiffs,
) (Record, error) {
	return ApplyMutation(ctx, repo, old, next, action, reason, actor, extra)
}

// Create registers a Draft Record for an enrollment.
func (svc *Service) Create(ctx context.Context, nr NewRecord, actor Actor) (Record, error) {
	if !Allowed(ActionCreated, actor) {
		return Record{}, ErrPermissionDenied
	}

	if err := svc.calc.CheckRange("tx_scores", nr.ParsedTx); err != nil {
		return Record{}, err
	}
	if err := svc.calc.CheckRange("dk_scores", nr.ParsedDk); err != nil {
		return Record{}, err
	}

	now := time.Now().UTC()
	rec := Record{
		ID:            uuid.New().String(),
		EnrollmentID:  nr.EnrollmentID,
		StudentID:     nr.StudentID,
		StudentName:   nr.StudentName,
		StudentEmail:  nr.StudentEmail,
		SubjectID:     nr.SubjectID,
		Semester:      nr.Semester,
		TxScores:      nr.ParsedTx,
		DkScores:      nr.ParsedDk,
		Status:        StatusDraft,
		Locks:         make(LockSet),
		Version:       1,
		AttemptNumber: 1,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	svc.calc.DeriveContinuous(&rec)

	var out Record
	err := svc.repo.Atomic(ctx, func(repo Repository) error {
		if err := repo.CheckEnrollmentUniqueness(ctx, rec.EnrollmentID); err != nil {
			if errors.Cause(err) == ErrEnrollmentExists {
				return core.NewValidationError(err, core.FieldError{Field: "enrollment_id", Error: err.Error()})
			}
			return err
		}

		created, err := repo.CreateRecord(ctx, rec)
		if err != nil {
			return errors.Wrap(err, "creating grade record")
		}

		tr := Transition{
			ID:        uuid.New().String(),
			GradeID:   created.ID,
			Action:    ActionCreated,
			ToStatus:  StatusDraft,
			ActorID:   actor.ID,
			ActorName: actor.Name,
			Changes:   diffRecords(Record{}, created),
			CreatedAt: now,
		}
		if _, err = repo.CreateTransition(ctx, tr); err != nil {
			return errors.Wrap(err, "appending transition")
		}
		out = created
		return nil
	})
	return out, err
}

// UpdateScores upserts continuous/periodic score entries on a Draft record.
func (svc *Service) UpdateScores(ctx context.Context, id string, version int, us UpdateScores, actor Actor) (Record, error) {
	if !Allowed(ActionScoresUpdated, actor) {
		return Record{}, ErrPermissionDenied
	}
	if err := svc.calc.CheckRange("tx_scores", us.ParsedTx); err != nil {
		return Record{}, err
	}
	if err := svc.calc.CheckRange("dk_scores", us.ParsedDk); err != nil {
		return Record{}, err
	}

	var out Record
	err := svc.repo.Atomic(ctx, func(repo Repository) error {
		cur, err := repo.GetRecord(ctx, id)
		if err != nil {
			return err
		}
		if cur.Version != version {
			return ErrVersionConflict
		}
		if cur.IsFinalized() {
			return ErrImmutable
		}
		if cur.Status != StatusDraft {
			return ErrInvalidTransition
		}
		if len(us.ParsedTx) > 0 {
			if err = checkWritable(cur, ComponentTx, actor); err != nil {
				return err
			}
		}
		if len(us.ParsedDk) > 0 {
			if err = checkWritable(cur, ComponentDk, actor); err != nil {
				return err
			}
		}

		next := cur.Clone()
		if next.TxScores == nil {
			next.TxScores = make(ScoreSet)
		}
		if next.DkScores == nil {
			next.DkScores = make(ScoreSet)
		}
		for key, score := range us.ParsedTx {
			next.TxScores[key] = score
		}
		for key, score := range us.ParsedDk {
			next.DkScores[key] = score
		}
		svc.calc.DeriveContinuous(&next)

		out, err = svc.apply(ctx, repo, cur, next, ActionScoresUpdated, "", actor, nil)
		return err
	})
	return out, err
}

// SubmitForReview moves Draft -> PendingReview. At least one continuous or
// periodic score must be present.
func (svc *Service) SubmitForReview(ctx context.Context, id string, version int, actor Actor) (Record, error) {
	if !Allowed(ActionSubmitted, actor) {
		return Record{}, ErrPermissionDenied
	}

	var out Record
	err := svc.repo.Atomic(ctx, func(repo Repository) error {
		cur, err := repo.GetRecord(ctx, id)
		if err != nil {
			return err
		}
		if cur.Version != version {
			return ErrVersionConflict
		}
		if !CanTransition(cur.Status, StatusPendingReview) {
			return ErrInvalidTransition
		}
		if !cur.TxScores.HasPresent() && !cur.DkScores.HasPresent() {
			return core.NewValidationError(errors.New("at least one continuous or periodic score is required before submission"))
		}

		next := cur.Clone()
		next.Status = StatusPendingReview
		next.SubmittedBy = actor.ID
		next.SubmittedAt = time.Now().UTC()

		out, err = svc.apply(ctx, repo, cur, next, ActionSubmitted, "", actor, nil)
		return err
	})
	return out, err
}

// ApproveTxDk moves PendingReview -> ApprovedTxDk and freezes TBKT: further
// tx/dk edits require a reject + resubmit.
func (svc *Service) ApproveTxDk(ctx context.Context, id string, version int, actor Actor) (Record, error) {
	if !Allowed(ActionApprovedTxDk, actor) {
		return Record{}, ErrPermissionDenied
	}

	var out Record
	err := svc.repo.Atomic(ctx, func(repo Repository) error {
		cur, err := repo.GetRecord(ctx, id)
		if err != nil {
			return err
		}
		if cur.Version != version {
			return ErrVersionConflict
		}
		if !CanTransition(cur.Status, StatusApprovedTxDk) {
			return ErrInvalidTransition
		}

		next := cur.Clone()
		next.Status = StatusApprovedTxDk
		next.ApprovedBy = actor.ID
		next.ApprovedAt = time.Now().UTC()
		svc.calc.DeriveContinuous(&next) // frozen at approval time

		out, err = svc.apply(ctx, repo, cur, next, ActionApprovedTxDk, "", actor, nil)
		return err
	})
	return out, err
}

// EnterFinal records the final exam score and recomputes the derived results.
func (svc *Service) EnterFinal(ctx context.Context, id string, version int, rawFinal string, actor Actor) (Record, error) {
	if !Allowed(ActionFinalEntered, actor) {
		return Record{}, ErrPermissionDenied
	}
	final, err := ParseScore("final_score", rawFinal)
	if err != nil {
		return Record{}, err
	}
	if !final.Valid {
		return Record{}, core.NewValidationError(
			errors.New("final score is required"),
			core.FieldError{Field: "final_score", Error: "this field is required"},
		)
	}
	if err = svc.calc.CheckScoreRange("final_score", final); err != nil {
		return Record{}, err
	}

	var out Record
	err = svc.repo.Atomic(ctx, func(repo Repository) error {
		cur, err := repo.GetRecord(ctx, id)
		if err != nil {
			return err
		}
		if cur.Version != version {
			return ErrVersionConflict
		}
		if cur.IsFinalized() {
			return ErrImmutable
		}
		if !CanTransition(cur.Status, StatusFinalEntered) {
			return ErrInvalidTransition
		}
		if err = checkWritable(cur, ComponentFinal, actor); err != nil {
			return err
		}

		next := cur.Clone()
		next.Status = StatusFinalEntered
		next.FinalScore = final
		svc.calc.DeriveFinal(&next)

		out, err = svc.apply(ctx, repo, cur, next, ActionFinalEntered, "", actor, nil)
		return err
	})
	return out, err
}

// Finalize moves FinalEntered -> Finalized. Thereafter direct score writes
// are rejected; only a retake promotion may touch the record.
func (svc *Service) Finalize(ctx context.Context, id string, version int, actor Actor) (Record, error) {
	if !Allowed(ActionFinalized, actor) {
		return Record{}, ErrPermissionDenied
	}

	var out Record
	err := svc.repo.Atomic(ctx, func(repo Repository) error {
		cur, err := repo.GetRecord(ctx, id)
		if err != nil {
			return err
		}
		if cur.Version != version {
			return ErrVersionConflict
		}
		if !CanTransition(cur.Status, StatusFinalized) {
			return ErrInvalidTransition
		}

		next := cur.Clone()
		next.Status = StatusFinalized
		next.FinalizedBy = actor.ID
		next.FinalizedAt = time.Now().UTC()

		out, err = svc.apply(ctx, repo, cur, next, ActionFinalized, "", actor, nil)
		return err
	})
	if err != nil {
		return Record{}, err
	}

	svc.notifyFinalized(out)
	return out, nil
}

// Reject falls back to Draft from PendingReview or ApprovedTxDk, clearing the
// rejected stage's metadata. A reason is required.
func (svc *Service) Reject(ctx context.Context, id string, version int, reason string, actor Actor) (Record, error) {
	if !Allowed(ActionRejected, actor) {
		return Record{}, ErrPermissionDenied
	}
	reason = core.CleanString(reason)
	if reason == "" {
		return Record{}, core.NewValidationError(
			errors.New("a reason is required to reject"),
			core.FieldError{Field: "reason", Error: "this field is required"},
		)
	}

	var out Record
	err := svc.repo.Atomic(ctx, func(repo Repository) error {
		cur, err := repo.GetRecord(ctx, id)
		if err != nil {
			return err
		}
		if cur.Version != version {
			return ErrVersionConflict
		}
		if !CanTransition(cur.Status, StatusDraft) {
			return ErrInvalidTransition
		}

		next := cur.Clone()
		switch cur.Status {
		case StatusPendingReview:
			next.SubmittedBy = ""
			next.SubmittedAt = time.Time{}
		case StatusApprovedTxDk:
			next.ApprovedBy = ""
			next.ApprovedAt = time.Time{}
		}
		next.Status = StatusDraft

		out, err = svc.apply(ctx, repo, cur, next, ActionRejected, reason, actor, nil)
		return err
	})
	return out, err
}

// Lock acquires the advisory lock on a score component.
func (svc *Service) Lock(ctx context.Context, id, component string, actor Actor) (Record, error) {
	if err := checkComponent(component); err != nil {
		return Record{}, err
	}
	if !Allowed(ActionLocked, actor) {
		return Record{}, ErrPermissionDenied
	}

	var out Record
	err := svc.repo.Atomic(ctx, func(repo Repository) error {
		cur, err := repo.GetRecord(ctx, id)
		if err != nil {
			return err
		}

		next := cur.Clone()
		if err = acquireLock(&next, component, actor, time.Now().UTC()); err != nil {
			return err
		}

		out, err = svc.apply(ctx, repo, cur, next, ActionLocked, "", actor, nil)
		return err
	})
	return out, err
}

// Unlock releases a component lock. Only the holder may release it; an admin
// may force the release of a stale lock, which is recorded on the transition.
func (svc *Service) Unlock(ctx context.Context, id, component string, actor Actor, force bool) (Record, error) {
	if err := checkComponent(component); err != nil {
		return Record{}, err
	}
	if !Allowed(ActionUnlocked, actor) {
		return Record{}, ErrPermissionDenied
	}
	if force && !actor.IsAdmin() {
		return Record{}, ErrPermissionDenied
	}

	var out Record
	err := svc.repo.Atomic(ctx, func(repo Repository) error {
		cur, err := repo.GetRecord(ctx, id)
		if err != nil {
			return err
		}

		next := cur.Clone()
		if err = releaseLock(&next, component, actor, force); err != nil {
			return err
		}

		var reason string
		var extra FieldDiffs
		if force {
			reason = "admin override"
			extra = FieldDiffs{"forced_unlock": {Prev: false, Next: true}}
		}

		// logged with FromStatus == ToStatus; status never changes here
		out, err = svc.apply(ctx, repo, cur, next, ActionUnlocked, reason, actor, extra)
		return err
	})
	return out, err
}

func (svc *Service) Get(ctx context.Context, id string) (Record, error) {
	return svc.repo.GetRecord(ctx, id)
}

func (svc *Service) Query(ctx context.Context, filter *QueryFilter, ordering []core.DBOrdering) ([]Record, error) {
	if err := CheckOrdering(ordering); err != nil {
		return nil, err
	}
	return svc.repo.QueryRecords(ctx, filter, ordering)
}

// History returns a record's transitions, newest first.
func (svc *Service) History(ctx context.Context, id string) ([]Transition, error) {
	if _, err := svc.repo.GetRecord(ctx, id); err != nil {
		return nil, err
	}
	return svc.repo.QueryTransitions(ctx, id)
}

// Revert re-applies the prior snapshot captured on a transition as a brand
// new forward mutation. History rows are never edited or deleted to "undo".
func (svc *Service) Revert(ctx context.Context, transitionID string, actor Actor) (Record, error) {
	if !Allowed(ActionReverted, actor) {
		return Record{}, ErrPermissionDenied
	}

	var out Record
	err := svc.repo.Atomic(ctx, func(repo Repository) error {
		tr, err := repo.GetTransition(ctx, transitionID)
		if err != nil {
			return err
		}
		cur, err := repo.GetRecord(ctx, tr.GradeID)
		if err != nil {
			return err
		}

		next := cur.Clone()
		for name, d := range tr.Changes {
			if err = setField(&next, name, d.Prev); err != nil {
				return err
			}
		}
		next.Status = tr.FromStatus
		if next.Status == "" {
			next.Status = StatusDraft
		}

		reason := fmt.Sprintf("revert of transition %s", tr.ID)
		out, err = svc.apply(ctx, repo, cur, next, ActionReverted, reason, actor, nil)
		return err
	})
	return out, err
}

func (svc *Service) notifyFinalized(rec Record) {
	if rec.StudentEmail == "" {
		svc.logger.Debug(fmt.Sprintf("grade %s finalized; no student email on file", rec.ID))
		return
	}
	result := "did not pass"
	if rec.IsPassed.Valid && rec.IsPassed.Bool {
		result = "passed"
	}
	svc.mailSvc.SendMessages(&core.EmailMessage{
		To:      []mail.Address{{Name: rec.StudentName, Address: rec.StudentEmail}},
		Subject: fmt.Sprintf("Results published for %s - %s", rec.SubjectID, rec.Semester),
		BodyStr: fmt.Sprintf(
			"Hi %s,\n\nYour results for %s (%s) have been finalized: you %s.\n"+
				"Subject average: %.2f - Grade: %s\n",
			rec.StudentName, rec.SubjectID, rec.Semester, result, rec.TBMH.Float64, rec.LetterGrade,
		),
	})
}
