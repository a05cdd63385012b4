package grade

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"reflect"
	"time"

	"github.com/pkg/errors"

	"github.com/trezcool/alama/core"
)

// FieldDiff captures one field's before/after values on a transition.
// Kept structured (not an opaque blob) so revert stays mechanical.
type FieldDiff struct {
	Prev interface{} `json:"prev"`
	Next interface{} `json:"next"`
}

type FieldDiffs map[string]FieldDiff

func (fd FieldDiffs) Value() (driver.Value, error) {
	if fd == nil {
		return json.Marshal(FieldDiffs{})
	}
	return json.Marshal(fd)
}

func (fd *FieldDiffs) Scan(value interface{}) error {
	if value == nil {
		*fd = make(FieldDiffs)
		return nil
	}
	b, ok := value.([]byte)
	if !ok {
		return errors.New("grade.FieldDiffs: unsupported raw type")
	}
	return json.Unmarshal(b, fd)
}

func (fd FieldDiffs) add(name string, prev, next interface{}) {
	if !reflect.DeepEqual(prev, next) {
		fd[name] = FieldDiff{Prev: prev, Next: next}
	}
}

func (fd FieldDiffs) addTime(name string, prev, next time.Time) {
	if !prev.Equal(next) {
		fd[name] = FieldDiff{Prev: prev, Next: next}
	}
}

// diffRecords builds the structured field diff between two versions of a
// Record. Version and UpdatedAt are implied by every mutation and excluded.
func diffRecords(old, new Record) FieldDiffs {
	diffs := make(FieldDiffs)
	diffs.add("status", old.Status, new.Status)
	diffs.add("tx_scores", old.TxScores, new.TxScores)
	diffs.add("dk_scores", old.DkScores, new.DkScores)
	diffs.add("final_score", old.FinalScore, new.FinalScore)
	diffs.add("tbkt", old.TBKT, new.TBKT)
	diffs.add("tbmh", old.TBMH, new.TBMH)
	diffs.add("letter_grade", old.LetterGrade, new.LetterGrade)
	diffs.add("is_passed", old.IsPassed, new.IsPassed)
	diffs.add("locks", old.Locks, new.Locks)
	diffs.add("submitted_by", old.SubmittedBy, new.SubmittedBy)
	diffs.addTime("submitted_at", old.SubmittedAt, new.SubmittedAt)
	diffs.add("approved_by", old.ApprovedBy, new.ApprovedBy)
	diffs.addTime("approved_at", old.ApprovedAt, new.ApprovedAt)
	diffs.add("finalized_by", old.FinalizedBy, new.FinalizedBy)
	diffs.addTime("finalized_at", old.FinalizedAt, new.FinalizedAt)
	diffs.add("attempt_number", old.AttemptNumber, new.AttemptNumber)
	diffs.add("is_retake_result", old.IsRetakeResult, new.IsRetakeResult)
	diffs.add("last_retake_id", old.LastRetakeID, new.LastRetakeID)
	return diffs
}

// setField applies one diff value onto a Record field by its diff name.
// Values have round-tripped through JSON, so they are re-marshaled into the
// typed destination. Unknown names are skipped.
func setField(rec *Record, name string, val interface{}) error {
	var dst interface{}
	switch name {
	case "status":
		dst = &rec.Status
	case "tx_scores":
		dst = &rec.TxScores
	case "dk_scores":
		dst = &rec.DkScores
	case "final_score":
		dst = &rec.FinalScore
	case "tbkt":
		dst = &rec.TBKT
	case "tbmh":
		dst = &rec.TBMH
	case "letter_grade":
		dst = &rec.LetterGrade
	case "is_passed":
		dst = &rec.IsPassed
	case "locks":
		dst = &rec.Locks
	case "submitted_by":
		dst = &rec.SubmittedBy
	case "submitted_at":
		dst = &rec.SubmittedAt
	case "approved_by":
		dst = &rec.ApprovedBy
	case "approved_at":
		dst = &rec.ApprovedAt
	case "finalized_by":
		dst = &rec.FinalizedBy
	case "finalized_at":
		dst = &rec.FinalizedAt
	case "attempt_number":
		dst = &rec.AttemptNumber
	case "is_retake_result":
		dst = &rec.IsRetakeResult
	case "last_retake_id":
		dst = &rec.LastRetakeID
	default:
		return nil
	}

	b, err := json.Marshal(val)
	if err != nil {
		return errors.Wrapf(err, "marshaling diff value %q", name)
	}
	// a stored diff value that no longer fits its field is corrupted audit data
	if err = json.Unmarshal(b, dst); err != nil {
		return core.NewShutdownError(fmt.Sprintf("transition diff value %q does not fit its field: %v", name, err))
	}
	return nil
}
