package retake

import (
	"context"
	"fmt"
	"net/mail"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/trezcool/alama/core"
	"github.com/trezcool/alama/core/grade"
)

var (
	// errors
	ErrNotFound         = errors.New("retake attempt not found")
	ErrNotEligible      = errors.New("grade record is not eligible for a retake")
	ErrOrphanedAttempt  = errors.New("retake attempt references a missing grade record")
	ErrAttemptCompleted = errors.New("retake attempt is already completed")
)

type (
	Repository interface {
		// Atomic yields transactional views of both the attempt and the grade
		// repositories; a promotion spans both in a single commit.
		Atomic(ctx context.Context, fn func(Repository, grade.Repository) error) error

		CreateAttempt(ctx context.Context, att Attempt) (Attempt, error)
		GetAttempt(ctx context.Context, id string) (Attempt, error)
		// QueryAttemptsByEnrollment returns an enrollment's attempts, newest first.
		QueryAttemptsByEnrollment(ctx context.Context, enrollmentID string) ([]Attempt, error)
		UpdateAttempt(ctx context.Context, att Attempt) (Attempt, error)
	}

	Service struct {
		repo      Repository
		gradeRepo grade.Repository
		calc      grade.Calculator
		mailSvc   core.EmailService
		logger    core.Logger
		conf      *core.Config
	}
)

func NewService(repo Repository, gradeRepo grade.Repository, mailSvc core.EmailService, logger core.Logger, conf *core.Config) *Service {
	return &Service{
		repo:      repo,
		gradeRepo: gradeRepo,
		calc:      grade.NewCalculator(conf),
		mailSvc:   mailSvc,
		logger:    logger,
		conf:      conf,
	}
}

// Analyze reports whether a finalized grade record needs a retake and of
// which kind. Read-only; it never opens an attempt.
func (svc *Service) Analyze(ctx context.Context, gradeID string, actor grade.Actor) (Analysis, error) {
	if !actor.IsTeacher() && !actor.IsAdmin() {
		return Analysis{}, grade.ErrPermissionDenied
	}

	rec, err := svc.gradeRepo.GetRecord(ctx, gradeID)
	if err != nil {
		return Analysis{}, err
	}
	attempts, err := svc.repo.QueryAttemptsByEnrollment(ctx, rec.EnrollmentID)
	if err != nil {
		return Analysis{}, err
	}
	return svc.analyzeRecord(rec, attempts), nil
}

// analyzeRecord applies the eligibility rules:
// a failing continuous average (or a missing one) always requires the full
// course again; a failed final exam allows an exam-only re-sit once, then
// escalates to a full-course retake.
func (svc *Service) analyzeRecord(rec grade.Record, attempts []Attempt) Analysis {
	if !rec.IsFinalized() {
		return Analysis{Reason: "grade record is not finalized"}
	}
	if rec.IsPassed.Valid && rec.IsPassed.Bool {
		return Analysis{Reason: "student passed; no retake needed"}
	}

	if !rec.TBKT.Valid {
		return Analysis{
			NeedsAction: true,
			Kind:        KindFullCourse,
			Reason:      "continuous average is missing; the course must be retaken",
		}
	}
	if rec.TBKT.Float64 < svc.calc.PassThreshold {
		return Analysis{
			NeedsAction: true,
			Kind:        KindFullCourse,
			Reason:      fmt.Sprintf("continuous average %.2f is below the pass threshold", rec.TBKT.Float64),
		}
	}

	for _, att := range attempts {
		if att.Kind == KindExamOnly && att.ResultStatus == ResultFailExam {
			return Analysis{
				NeedsAction: true,
				Kind:        KindFullCourse,
				Reason:      "a previous exam retake failed; the full course must be retaken",
			}
		}
	}
	return Analysis{
		NeedsAction: true,
		Kind:        KindExamOnly,
		Reason:      "final exam result is below the pass threshold",
	}
}

// CreateAttempt opens a pending Attempt against a failing, finalized record.
// The requested kind may not be weaker than the analysis recommends.
func (svc *Service) CreateAttempt(ctx context.Context, na NewAttempt, actor grade.Actor) (Attempt, error) {
	if !actor.IsTeacher() && !actor.IsAdmin() {
		return Attempt{}, grade.ErrPermissionDenied
	}
	if err := svc.calc.CheckRange("tx_scores", na.ParsedTx); err != nil {
		return Attempt{}, err
	}
	if err := svc.calc.CheckRange("dk_scores", na.ParsedDk); err != nil {
		return Attempt{}, err
	}

	var out Attempt
	err := svc.repo.Atomic(ctx, func(repo Repository, gradeRepo grade.Repository) error {
		rec, err := gradeRepo.GetRecord(ctx, na.GradeID)
		if err != nil {
			return err
		}
		attempts, err := repo.QueryAttemptsByEnrollment(ctx, rec.EnrollmentID)
		if err != nil {
			return err
		}

		analysis := svc.analyzeRecord(rec, attempts)
		if !analysis.NeedsAction {
			return errors.Wrap(ErrNotEligible, analysis.Reason)
		}
		if na.Kind == KindExamOnly && analysis.Kind != KindExamOnly {
			return errors.Wrap(ErrNotEligible, analysis.Reason)
		}
		for _, att := range attempts {
			if att.ResultStatus == ResultPending {
				return core.NewValidationError(errors.New("an open retake attempt already exists for this enrollment"))
			}
		}

		number := rec.AttemptNumber
		for _, att := range attempts {
			if att.AttemptNumber > number {
				number = att.AttemptNumber
			}
		}

		now := time.Now().UTC()
		att := Attempt{
			ID:            uuid.New().String(),
			GradeID:       rec.ID,
			EnrollmentID:  rec.EnrollmentID,
			StudentID:     rec.StudentID,
			SubjectID:     rec.SubjectID,
			Kind:          na.Kind,
			AttemptNumber: number + 1,
			TxScores:      na.ParsedTx,
			DkScores:      na.ParsedDk,
			ResultStatus:  ResultPending,
			Reason:        na.Reason,
			Term:          na.Term,
			CreatedAt:     now,
			UpdatedAt:     now,
		}
		if att.TxScores == nil {
			att.TxScores = make(grade.ScoreSet)
		}
		if att.DkScores == nil {
			att.DkScores = make(grade.ScoreSet)
		}
		switch na.Kind {
		case KindExamOnly:
			att.TBKT = rec.TBKT // frozen continuous average carries over
		case KindFullCourse:
			att.TBKT = svc.calc.TBKT(att.DkScores)
		}

		out, err = repo.CreateAttempt(ctx, att)
		return errors.Wrap(err, "creating retake attempt")
	})
	return out, err
}

// SubmitAttemptScores records the attempt's candidate scores and settles its
// result. Exam-only attempts accept only a final score; the parent record's
// frozen continuous average keeps applying.
func (svc *Service) SubmitAttemptScores(ctx context.Context, id string, as AttemptScores, actor grade.Actor) (Attempt, error) {
	if !actor.IsTeacher() && !actor.IsAdmin() {
		return Attempt{}, grade.ErrPermissionDenied
	}
	if err := svc.calc.CheckScoreRange("final_score", as.ParsedFinal); err != nil {
		return Attempt{}, err
	}
	if err := svc.calc.CheckRange("tx_scores", as.ParsedTx); err != nil {
		return Attempt{}, err
	}
	if err := svc.calc.CheckRange("dk_scores", as.ParsedDk); err != nil {
		return Attempt{}, err
	}

	var (
		out Attempt
		rec grade.Record
	)
	err := svc.repo.Atomic(ctx, func(repo Repository, gradeRepo grade.Repository) error {
		att, err := repo.GetAttempt(ctx, id)
		if err != nil {
			return err
		}
		if att.ResultStatus != ResultPending {
			return ErrAttemptCompleted
		}
		if rec, err = gradeRepo.GetRecord(ctx, att.GradeID); err != nil {
			if errors.Cause(err) == grade.ErrNotFound {
				return ErrOrphanedAttempt
			}
			return err
		}

		if att.Kind == KindExamOnly && (len(as.TxScores) > 0 || len(as.DkScores) > 0) {
			return core.NewValidationError(
				errors.New("exam-only attempts reuse the frozen continuous scores"),
				core.FieldError{Field: "tx_scores", Error: "must be empty for an exam-only retake"},
			)
		}
		if att.Kind == KindFullCourse {
			for key, score := range as.ParsedTx {
				att.TxScores[key] = score
			}
			for key, score := range as.ParsedDk {
				att.DkScores[key] = score
			}
			att.TBKT = svc.calc.TBKT(att.DkScores)
		}
		att.FinalScore = as.ParsedFinal
		att.TBMH = svc.calc.TBMH(att.TBKT, att.FinalScore)
		att.ResultStatus = settleResult(svc.calc, att)

		now := time.Now().UTC()
		att.CompletedAt = now
		att.UpdatedAt = now

		out, err = repo.UpdateAttempt(ctx, att)
		return errors.Wrap(err, "updating retake attempt")
	})
	if err != nil {
		return Attempt{}, err
	}

	svc.notifyResult(rec, out)
	return out, nil
}

// settleResult grades the attempt against the three pass gates.
func settleResult(calc grade.Calculator, att Attempt) string {
	if !att.TBKT.Valid || att.TBKT.Float64 < calc.PassThreshold {
		return ResultFailContinuous
	}
	if !att.TBMH.Valid || att.FinalScore.Float64 < calc.PassThreshold || att.TBMH.Float64 < calc.PassThreshold {
		return ResultFailExam
	}
	return ResultPass
}

// Promote copies a passed attempt's scores onto the parent finalized record.
// This is the only path that mutates a finalized record; the record goes
// through the regular versioned, audited mutation and stays finalized.
func (svc *Service) Promote(ctx context.Context, id string, actor grade.Actor) (grade.Record, error) {
	if !grade.Allowed(grade.ActionRetakePromoted, actor) {
		return grade.Record{}, grade.ErrPermissionDenied
	}

	var out grade.Record
	err := svc.repo.Atomic(ctx, func(repo Repository, gradeRepo grade.Repository) error {
		att, err := repo.GetAttempt(ctx, id)
		if err != nil {
			return err
		}
		if !att.IsPass() {
			return errors.Wrap(ErrNotEligible, "only a passed attempt can be promoted")
		}

		rec, err := gradeRepo.GetRecord(ctx, att.GradeID)
		if err != nil {
			if errors.Cause(err) == grade.ErrNotFound {
				return ErrOrphanedAttempt
			}
			return err
		}
		if !rec.IsFinalized() {
			return grade.ErrInvalidTransition
		}

		next := rec.Clone()
		if att.Kind == KindFullCourse {
			next.TxScores = att.TxScores
			next.DkScores = att.DkScores
			next.TBKT = att.TBKT
		}
		next.FinalScore = att.FinalScore
		svc.calc.DeriveFinal(&next)
		next.AttemptNumber = att.AttemptNumber
		next.IsRetakeResult = true
		next.LastRetakeID = att.ID

		reason := fmt.Sprintf("promotion of retake attempt %s", att.ID)
		if out, err = grade.ApplyMutation(ctx, gradeRepo, rec, next, grade.ActionRetakePromoted, reason, actor, nil); err != nil {
			return err
		}

		// only one attempt may back the record at a time
		attempts, err := repo.QueryAttemptsByEnrollment(ctx, att.EnrollmentID)
		if err != nil {
			return err
		}
		now := time.Now().UTC()
		for _, other := range attempts {
			if other.IsCurrent && other.ID != att.ID {
				other.IsCurrent = false
				other.UpdatedAt = now
				if _, err = repo.UpdateAttempt(ctx, other); err != nil {
					return errors.Wrap(err, "clearing previous current attempt")
				}
			}
		}
		att.IsCurrent = true
		att.UpdatedAt = now
		_, err = repo.UpdateAttempt(ctx, att)
		return errors.Wrap(err, "marking attempt current")
	})
	return out, err
}

func (svc *Service) Get(ctx context.Context, id string) (Attempt, error) {
	return svc.repo.GetAttempt(ctx, id)
}

// QueryByEnrollment returns an enrollment's attempts, newest first.
func (svc *Service) QueryByEnrollment(ctx context.Context, enrollmentID string) ([]Attempt, error) {
	return svc.repo.QueryAttemptsByEnrollment(ctx, enrollmentID)
}

func (svc *Service) notifyResult(rec grade.Record, att Attempt) {
	if rec.StudentEmail == "" {
		svc.logger.Debug(fmt.Sprintf("retake attempt %s settled; no student email on file", att.ID))
		return
	}
	result := "did not pass"
	if att.IsPass() {
		result = "passed"
	}
	svc.mailSvc.SendMessages(&core.EmailMessage{
		To:      []mail.Address{{Name: rec.StudentName, Address: rec.StudentEmail}},
		Subject: fmt.Sprintf("Retake results for %s - %s", rec.SubjectID, rec.Semester),
		BodyStr: fmt.Sprintf(
			"Hi %s,\n\nYour retake results for %s (%s) are in: you %s.\n",
			rec.StudentName, rec.SubjectID, rec.Semester, result,
		),
	})
}
