package retake

import (
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/pkg/errors"
	"github.com/volatiletech/null/v8"

	"github.com/trezcool/alama/core"
	"github.com/trezcool/alama/core/grade"
)

// Retake kinds.
const (
	// KindExamOnly re-sits only the final exam, reusing the frozen TBKT.
	KindExamOnly = "exam_only"
	// KindFullCourse re-takes the course: continuous and periodic scores
	// are resubmitted and TBKT is recomputed for the attempt.
	KindFullCourse = "full_course"
)

// Attempt results.
const (
	ResultPending        = "pending"
	ResultPass           = "pass"
	ResultFailExam       = "fail_exam"
	ResultFailContinuous = "fail_continuous"
)

// Attempt is one re-attempt at a failed, finalized grade Record.
// Destroyed only by cascade with its parent Record.
type Attempt struct {
	ID           string `json:"id"`
	GradeID      string `json:"grade_id"`
	EnrollmentID string `json:"enrollment_id"`
	StudentID    string `json:"student_id"`
	SubjectID    string `json:"subject_id"`

	Kind          string `json:"kind"`
	AttemptNumber int    `json:"attempt_number"` // >= 2

	// ExamOnly attempts carry empty tx/dk sets; FullCourse attempts carry
	// non-empty ones.
	TxScores   grade.ScoreSet `json:"tx_scores"`
	DkScores   grade.ScoreSet `json:"dk_scores"`
	FinalScore null.Float64   `json:"final_score"`

	// derived for this attempt
	TBKT null.Float64 `json:"tbkt"`
	TBMH null.Float64 `json:"tbmh"`

	ResultStatus string `json:"result_status"`
	// IsCurrent marks the attempt whose scores back the parent Record.
	// At most one per enrollment.
	IsCurrent bool   `json:"is_current"`
	Reason    string `json:"reason,omitempty"`
	Term      string `json:"term,omitempty"`

	CompletedAt time.Time `json:"completed_at,omitempty"` // UTC
	CreatedAt   time.Time `json:"created_at"`             // UTC
	UpdatedAt   time.Time `json:"updated_at"`             // UTC
}

func (a Attempt) IsPass() bool { return a.ResultStatus == ResultPass }

// Clone returns a deep enough copy for mutate-and-compare.
func (a Attempt) Clone() Attempt {
	dup := a
	dup.TxScores = cloneScores(a.TxScores)
	dup.DkScores = cloneScores(a.DkScores)
	return dup
}

func cloneScores(ss grade.ScoreSet) grade.ScoreSet {
	if ss == nil {
		return nil
	}
	dup := make(grade.ScoreSet, len(ss))
	for k, v := range ss {
		dup[k] = v
	}
	return dup
}

// Analysis is the retake recommendation for a finalized Record.
type Analysis struct {
	NeedsAction bool   `json:"needs_action"`
	Kind        string `json:"kind,omitempty"`
	Reason      string `json:"reason"`
}

// NewAttempt contains information needed to open an Attempt.
type NewAttempt struct {
	GradeID  string            `json:"grade_id" validate:"required"`
	Kind     string            `json:"kind" validate:"required,oneof=exam_only full_course"`
	Reason   string            `json:"reason" validate:"required"`
	Term     string            `json:"term"`
	TxScores map[string]string `json:"tx_scores"`
	DkScores map[string]string `json:"dk_scores"`

	// populated by Validate
	ParsedTx grade.ScoreSet `json:"-"`
	ParsedDk grade.ScoreSet `json:"-"`
}

func (na *NewAttempt) Validate(validate *validator.Validate) error {
	na.GradeID = core.CleanString(na.GradeID)
	na.Kind = core.CleanString(na.Kind, true /* lower */)
	na.Reason = core.CleanString(na.Reason)
	na.Term = core.CleanString(na.Term)

	if err := validate.Struct(na); err != nil {
		return err
	}
	if err := checkKindScores(na.Kind, na.TxScores, na.DkScores); err != nil {
		return err
	}

	var err error
	if na.ParsedTx, err = grade.ParseScoreSet("tx_scores", na.TxScores); err != nil {
		return err
	}
	na.ParsedDk, err = grade.ParseScoreSet("dk_scores", na.DkScores)
	return err
}

// AttemptScores defines the candidate scores submitted on an Attempt.
// ExamOnly accepts only a final score; FullCourse accepts all three.
type AttemptScores struct {
	TxScores   map[string]string `json:"tx_scores"`
	DkScores   map[string]string `json:"dk_scores"`
	FinalScore string            `json:"final_score" validate:"required"`

	// populated by Validate
	ParsedTx    grade.ScoreSet `json:"-"`
	ParsedDk    grade.ScoreSet `json:"-"`
	ParsedFinal null.Float64   `json:"-"`
}

func (as *AttemptScores) Validate(validate *validator.Validate) error {
	if err := validate.Struct(as); err != nil {
		return err
	}

	var err error
	if as.ParsedFinal, err = grade.ParseScore("final_score", as.FinalScore); err != nil {
		return err
	}
	if !as.ParsedFinal.Valid {
		return core.NewValidationError(
			errors.New("final score is required"),
			core.FieldError{Field: "final_score", Error: "this field is required"},
		)
	}
	if as.ParsedTx, err = grade.ParseScoreSet("tx_scores", as.TxScores); err != nil {
		return err
	}
	as.ParsedDk, err = grade.ParseScoreSet("dk_scores", as.DkScores)
	return err
}

// checkKindScores enforces the score-field population rules per kind.
func checkKindScores(kind string, tx, dk map[string]string) error {
	switch kind {
	case KindExamOnly:
		if len(tx) > 0 || len(dk) > 0 {
			return core.NewValidationError(
				errors.New("exam-only attempts reuse the frozen continuous scores"),
				core.FieldError{Field: "tx_scores", Error: "must be empty for an exam-only retake"},
			)
		}
	case KindFullCourse:
		if len(tx) == 0 || len(dk) == 0 {
			return core.NewValidationError(
				errors.New("full-course attempts resubmit continuous and periodic scores"),
				core.FieldError{Field: "dk_scores", Error: "continuous and periodic scores are required for a full-course retake"},
			)
		}
	}
	return nil
}
