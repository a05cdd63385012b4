package grade

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/pkg/errors"
	"github.com/volatiletech/null/v8"

	"github.com/trezcool/alama/core"
)

// Lifecycle statuses. A record only ever advances along
// draft -> pending_review -> approved_tx_dk -> final_entered -> finalized,
// or falls back to draft via an explicit reject.
const (
	StatusDraft         = "draft"
	StatusPendingReview = "pending_review"
	StatusApprovedTxDk  = "approved_tx_dk"
	StatusFinalEntered  = "final_entered"
	StatusFinalized     = "finalized"
)

// Lockable score components.
const (
	ComponentTx    = "tx"
	ComponentDk    = "dk"
	ComponentFinal = "final"
)

var Components = []string{ComponentTx, ComponentDk, ComponentFinal}

// Audit actions. Every accepted mutation appends exactly one Transition
// carrying one of these.
const (
	ActionCreated        = "created"
	ActionScoresUpdated  = "scores_updated"
	ActionSubmitted      = "submitted"
	ActionApprovedTxDk   = "approved_tx_dk"
	ActionFinalEntered   = "final_entered"
	ActionFinalized      = "finalized"
	ActionRejected       = "rejected"
	ActionLocked         = "locked"
	ActionUnlocked       = "unlocked"
	ActionReverted       = "reverted"
	ActionRetakePromoted = "retake_promoted"
)

// nextStatuses is the legal forward/backward transition graph.
var nextStatuses = map[string][]string{
	StatusDraft:         {StatusPendingReview},
	StatusPendingReview: {StatusApprovedTxDk, StatusDraft},
	StatusApprovedTxDk:  {StatusFinalEntered, StatusDraft},
	StatusFinalEntered:  {StatusFinalized},
	StatusFinalized:     {},
}

func CanTransition(from, to string) bool {
	for _, s := range nextStatuses[from] {
		if s == to {
			return true
		}
	}
	return false
}

// ScoreSet is a keyed set of scores (eg. {"tx1": 8, "tx2": 7}).
// An invalid null.Float64 means the score was explicitly recorded as absent;
// a missing key means it was never entered. Neither is ever treated as zero.
type ScoreSet map[string]null.Float64

func (ss ScoreSet) Value() (driver.Value, error) {
	if ss == nil {
		return json.Marshal(ScoreSet{})
	}
	return json.Marshal(ss)
}

func (ss *ScoreSet) Scan(value interface{}) error {
	if value == nil {
		*ss = make(ScoreSet)
		return nil
	}
	b, ok := value.([]byte)
	if !ok {
		return errors.New("grade.ScoreSet: unsupported raw type")
	}
	return json.Unmarshal(b, ss)
}

// Present returns the valid scores only, in no particular order.
func (ss ScoreSet) Present() []float64 {
	vals := make([]float64, 0, len(ss))
	for _, s := range ss {
		if s.Valid {
			vals = append(vals, s.Float64)
		}
	}
	return vals
}

func (ss ScoreSet) HasPresent() bool { return len(ss.Present()) > 0 }

func (ss ScoreSet) copy() ScoreSet {
	if ss == nil {
		return nil
	}
	dup := make(ScoreSet, len(ss))
	for k, v := range ss {
		dup[k] = v
	}
	return dup
}

// ParseScore coerces a raw input to a score. Empty input is "absent",
// never zero. Returns a ValidationError on non-numeric input.
func ParseScore(field, raw string) (null.Float64, error) {
	raw = core.CleanString(raw)
	if raw == "" {
		return null.Float64{}, nil
	}
	val, err := strconv.ParseFloat(raw, 64)
	// ParseFloat happily parses "NaN" and "Inf"; neither is a score.
	if err != nil || math.IsNaN(val) || math.IsInf(val, 0) {
		return null.Float64{}, core.NewValidationError(
			errors.New("invalid score"),
			core.FieldError{Field: field, Error: "score must be a number"},
		)
	}
	return null.Float64From(val), nil
}

// ParseScoreSet coerces a raw keyed set of inputs to a ScoreSet.
func ParseScoreSet(field string, raw map[string]string) (ScoreSet, error) {
	ss := make(ScoreSet, len(raw))
	for key, val := range raw {
		score, err := ParseScore(field+"."+key, val)
		if err != nil {
			return nil, err
		}
		if score.Valid {
			ss[key] = score
		}
	}
	return ss, nil
}

// LockDescriptor is an advisory per-component lock held inside the record.
// Locks never expire; only the holder or an admin override clears one.
type LockDescriptor struct {
	Component  string    `json:"component"`
	HolderID   string    `json:"holder_id"`
	HolderName string    `json:"holder_name,omitempty"`
	AcquiredAt time.Time `json:"acquired_at"` // UTC
}

// LockSet maps a component to its lock descriptor.
type LockSet map[string]LockDescriptor

func (ls LockSet) Value() (driver.Value, error) {
	if ls == nil {
		return json.Marshal(LockSet{})
	}
	return json.Marshal(ls)
}

func (ls *LockSet) Scan(value interface{}) error {
	if value == nil {
		*ls = make(LockSet)
		return nil
	}
	b, ok := value.([]byte)
	if !ok {
		return errors.New("grade.LockSet: unsupported raw type")
	}
	return json.Unmarshal(b, ls)
}

func (ls LockSet) copy() LockSet {
	dup := make(LockSet, len(ls))
	for k, v := range ls {
		dup[k] = v
	}
	return dup
}

// Record is the grade of one (student, subject, semester) enrollment.
type Record struct {
	ID           string `json:"id"`
	EnrollmentID string `json:"enrollment_id"`
	StudentID    string `json:"student_id"`
	StudentName  string `json:"student_name"`
	StudentEmail string `json:"student_email,omitempty"`
	SubjectID    string `json:"subject_id"`
	Semester     string `json:"semester"`

	TxScores   ScoreSet     `json:"tx_scores"`
	DkScores   ScoreSet     `json:"dk_scores"`
	FinalScore null.Float64 `json:"final_score"`

	// derived
	TBKT        null.Float64 `json:"tbkt"`
	TBMH        null.Float64 `json:"tbmh"`
	LetterGrade string       `json:"letter_grade,omitempty"`
	IsPassed    null.Bool    `json:"is_passed"`

	Status string  `json:"status"`
	Locks  LockSet `json:"locks"`

	SubmittedBy string    `json:"submitted_by,omitempty"`
	SubmittedAt time.Time `json:"submitted_at,omitempty"` // UTC
	ApprovedBy  string    `json:"approved_by,omitempty"`
	ApprovedAt  time.Time `json:"approved_at,omitempty"` // UTC
	FinalizedBy string    `json:"finalized_by,omitempty"`
	FinalizedAt time.Time `json:"finalized_at,omitempty"` // UTC

	// Version increases by exactly 1 per accepted mutation; stale writers
	// are rejected, never merged.
	Version int `json:"version"`

	AttemptNumber  int    `json:"attempt_number"`
	IsRetakeResult bool   `json:"is_retake_result"`
	LastRetakeID   string `json:"last_retake_id,omitempty"`

	CreatedAt time.Time `json:"created_at"` // UTC
	UpdatedAt time.Time `json:"updated_at"` // UTC
}

func (rec Record) IsFinalized() bool { return rec.Status == StatusFinalized }

// Clone returns a deep enough copy for mutate-and-diff.
func (rec Record) Clone() Record {
	dup := rec
	dup.TxScores = rec.TxScores.copy()
	dup.DkScores = rec.DkScores.copy()
	dup.Locks = rec.Locks.copy()
	return dup
}

// Transition is one append-only audit row. Never updated; deleted only by
// cascade with its parent Record.
type Transition struct {
	ID         string     `json:"id"`
	GradeID    string     `json:"grade_id"`
	Action     string     `json:"action"`
	FromStatus string     `json:"from_status"`
	ToStatus   string     `json:"to_status"`
	ActorID    string     `json:"actor_id"`
	ActorName  string     `json:"actor_name,omitempty"`
	Reason     string     `json:"reason,omitempty"`
	Changes    FieldDiffs `json:"changes"`
	CreatedAt  time.Time  `json:"created_at"` // UTC
}

// NewRecord contains information needed to register an enrollment's grade Record.
type NewRecord struct {
	EnrollmentID string            `json:"enrollment_id" validate:"required"`
	StudentID    string            `json:"student_id" validate:"required"`
	StudentName  string            `json:"student_name" validate:"required"`
	StudentEmail string            `json:"student_email" validate:"omitempty,email"`
	SubjectID    string            `json:"subject_id" validate:"required"`
	Semester     string            `json:"semester" validate:"required"`
	TxScores     map[string]string `json:"tx_scores" validate:"omitempty,dive,keys,alphanum_,endkeys,max=16"`
	DkScores     map[string]string `json:"dk_scores" validate:"omitempty,dive,keys,alphanum_,endkeys,max=16"`

	// populated by Validate
	ParsedTx ScoreSet `json:"-"`
	ParsedDk ScoreSet `json:"-"`
}

func (nr *NewRecord) Validate(validate *validator.Validate) error {
	nr.EnrollmentID = core.CleanString(nr.EnrollmentID)
	nr.StudentID = core.CleanString(nr.StudentID)
	nr.StudentName = core.CleanString(nr.StudentName)
	nr.StudentEmail = core.CleanString(nr.StudentEmail, true /* lower */)
	nr.SubjectID = core.CleanString(nr.SubjectID)
	nr.Semester = core.CleanString(nr.Semester)

	if err := validate.Struct(nr); err != nil {
		return err
	}

	var err error
	if nr.ParsedTx, err = ParseScoreSet("tx_scores", nr.TxScores); err != nil {
		return err
	}
	nr.ParsedDk, err = ParseScoreSet("dk_scores", nr.DkScores)
	return err
}

// UpdateScores defines score entries that may be upserted on a draft Record.
type UpdateScores struct {
	TxScores map[string]string `json:"tx_scores" validate:"omitempty,dive,keys,alphanum_,endkeys,max=16"`
	DkScores map[string]string `json:"dk_scores" validate:"omitempty,dive,keys,alphanum_,endkeys,max=16"`

	// populated by Validate
	ParsedTx ScoreSet `json:"-"`
	ParsedDk ScoreSet `json:"-"`
}

func (us *UpdateScores) Validate(validate *validator.Validate) error {
	if len(us.TxScores) == 0 && len(us.DkScores) == 0 {
		return core.NewValidationError(errors.New("no scores provided"))
	}
	if err := validate.Struct(us); err != nil {
		return err
	}

	var err error
	if us.ParsedTx, err = ParseScoreSet("tx_scores", us.TxScores); err != nil {
		return err
	}
	us.ParsedDk, err = ParseScoreSet("dk_scores", us.DkScores)
	return err
}

// QueryFilter applies AND on available fields.
// Search does a case-insensitive match on StudentName.
type QueryFilter struct {
	Search      string    `query:"search"`
	StudentID   string    `query:"student_id"`
	SubjectID   string    `query:"subject_id"`
	Semester    string    `query:"semester"`
	Status      string    `query:"status"`
	CreatedFrom time.Time `query:"created_from"`
	CreatedTo   time.Time `query:"created_to"`
}

func (qf *QueryFilter) IsEmpty() bool {
	return qf.Search == "" && qf.StudentID == "" && qf.SubjectID == "" && qf.Semester == "" &&
		qf.Status == "" && qf.CreatedFrom.IsZero() && qf.CreatedTo.IsZero()
}

func (qf *QueryFilter) Clean() {
	qf.Search = core.CleanString(qf.Search)
	qf.StudentID = core.CleanString(qf.StudentID)
	qf.SubjectID = core.CleanString(qf.SubjectID)
	qf.Semester = core.CleanString(qf.Semester)
	qf.Status = core.CleanString(qf.Status, true /* lower */)
}

// sortableFields are the columns callers may order query results by.
// Ordering terms end up in SQL verbatim, so anything else is rejected.
var sortableFields = map[string]bool{
	"student_name": true,
	"student_id":   true,
	"subject_id":   true,
	"semester":     true,
	"status":       true,
	"tbkt":         true,
	"tbmh":         true,
	"letter_grade": true,
	"version":      true,
	"created_at":   true,
	"updated_at":   true,
}

// CheckOrdering rejects ordering terms that do not name a sortable column.
func CheckOrdering(ordering []core.DBOrdering) error {
	for _, ord := range ordering {
		if !sortableFields[ord.Field] {
			return core.NewValidationError(
				errors.New("unknown ordering field"),
				core.FieldError{Field: "ordering", Error: fmt.Sprintf("cannot order by %q", ord.Field)},
			)
		}
	}
	return nil
}
