package grade_test

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/pkg/errors"
	"github.com/pmezard/go-difflib/difflib"
	"github.com/volatiletech/null/v8"

	"github.com/trezcool/alama/core"
	"github.com/trezcool/alama/core/grade"
	emailsvc "github.com/trezcool/alama/services/email"
	dummydb "github.com/trezcool/alama/storage/database/dummy"
	testutil "github.com/trezcool/alama/tests"
)

var (
	ctx = context.Background()

	teacher  = grade.Actor{ID: "t1", Name: "Mr Juma", Roles: []string{grade.RoleTeacher + "math"}}
	teacher2 = grade.Actor{ID: "t2", Name: "Ms Achieng", Roles: []string{grade.RoleTeacher + "math"}}
	admin    = grade.Actor{ID: "a1", Name: "Principal", Roles: []string{grade.RoleAdminPrincipal}}
	student  = grade.Actor{ID: "s1", Name: "Student"}
)

func newTestService(t *testing.T) *grade.Service {
	t.Helper()
	db, err := dummydb.Open()
	if err != nil {
		t.Fatalf("dummydb.Open() failed: %v", err)
	}
	conf := testutil.NewConfig()
	return grade.NewService(
		dummydb.NewGradeRepository(db),
		emailsvc.NewConsoleServiceMock(conf),
		&testutil.Logger{},
		conf,
	)
}

func createRecord(t *testing.T, svc *grade.Service, enrollmentID string, dk map[string]float64) grade.Record {
	t.Helper()
	parsedDk := make(grade.ScoreSet, len(dk))
	for k, v := range dk {
		parsedDk[k] = null.Float64From(v)
	}
	rec, err := svc.Create(ctx, grade.NewRecord{
		EnrollmentID: enrollmentID,
		StudentID:    "std-1",
		StudentName:  "Asha Odhiambo",
		StudentEmail: "asha@test.test",
		SubjectID:    "MATH101",
		Semester:     "2026-1",
		ParsedDk:     parsedDk,
	}, teacher)
	if err != nil {
		t.Fatalf("createRecord() failed: %v", err)
	}
	return rec
}

// finalizeRecord walks a fresh record through the whole forward lifecycle.
func finalizeRecord(t *testing.T, svc *grade.Service, enrollmentID, final string) grade.Record {
	t.Helper()
	rec := createRecord(t, svc, enrollmentID, map[string]float64{"dk1": 7, "dk2": 8})
	rec, err := svc.SubmitForReview(ctx, rec.ID, rec.Version, teacher)
	if err != nil {
		t.Fatalf("SubmitForReview() failed: %v", err)
	}
	if rec, err = svc.ApproveTxDk(ctx, rec.ID, rec.Version, admin); err != nil {
		t.Fatalf("ApproveTxDk() failed: %v", err)
	}
	if rec, err = svc.EnterFinal(ctx, rec.ID, rec.Version, final, teacher); err != nil {
		t.Fatalf("EnterFinal() failed: %v", err)
	}
	if rec, err = svc.Finalize(ctx, rec.ID, rec.Version, admin); err != nil {
		t.Fatalf("Finalize() failed: %v", err)
	}
	return rec
}

func diffRecords(t *testing.T, want, got grade.Record) string {
	t.Helper()
	wb, _ := json.MarshalIndent(want, "", "  ")
	gb, _ := json.MarshalIndent(got, "", "  ")
	diff, err := difflib.GetUnifiedDiffString(difflib.UnifiedDiff{
		A:        difflib.SplitLines(string(wb)),
		B:        difflib.SplitLines(string(gb)),
		FromFile: "want",
		ToFile:   "got",
		Context:  2,
	})
	if err != nil {
		t.Fatalf("GetUnifiedDiffString() failed: %v", err)
	}
	return diff
}

func TestServiceCreate(t *testing.T) {
	svc := newTestService(t)

	rec := createRecord(t, svc, "enr-1", map[string]float64{"dk1": 8.5, "dk2": 7.5})
	if rec.Status != grade.StatusDraft {
		t.Errorf("Create() Status = %v, want %v", rec.Status, grade.StatusDraft)
	}
	if rec.Version != 1 {
		t.Errorf("Create() Version = %v, want 1", rec.Version)
	}
	if rec.AttemptNumber != 1 {
		t.Errorf("Create() AttemptNumber = %v, want 1", rec.AttemptNumber)
	}
	if want := null.Float64From(8); rec.TBKT != want {
		t.Errorf("Create() TBKT = %v, want %v", rec.TBKT, want)
	}

	// audit row appended
	trs, err := svc.History(ctx, rec.ID)
	if err != nil {
		t.Fatalf("History() failed: %v", err)
	}
	if len(trs) != 1 || trs[0].Action != grade.ActionCreated {
		t.Errorf("History() = %+v, want a single %q transition", trs, grade.ActionCreated)
	}

	// one record per enrollment
	_, err = svc.Create(ctx, grade.NewRecord{
		EnrollmentID: "enr-1", StudentID: "std-2", StudentName: "B", SubjectID: "MATH101", Semester: "2026-1",
	}, teacher)
	if _, ok := errors.Cause(err).(*core.ValidationError); !ok {
		t.Errorf("Create() duplicate enrollment error = %v, want *core.ValidationError", err)
	}

	// role gate
	_, err = svc.Create(ctx, grade.NewRecord{
		EnrollmentID: "enr-2", StudentID: "std-3", StudentName: "C", SubjectID: "MATH101", Semester: "2026-1",
	}, student)
	if errors.Cause(err) != grade.ErrPermissionDenied {
		t.Errorf("Create() error = %v, want %v", err, grade.ErrPermissionDenied)
	}
}

func TestServiceLifecycle(t *testing.T) {
	svc := newTestService(t)

	rec := createRecord(t, svc, "enr-1", map[string]float64{"dk1": 7, "dk2": 8})

	rec, err := svc.SubmitForReview(ctx, rec.ID, rec.Version, teacher)
	if err != nil {
		t.Fatalf("SubmitForReview() failed: %v", err)
	}
	if rec.Status != grade.StatusPendingReview || rec.Version != 2 {
		t.Errorf("SubmitForReview() = (%v, v%d), want (%v, v2)", rec.Status, rec.Version, grade.StatusPendingReview)
	}
	if rec.SubmittedBy != teacher.ID || rec.SubmittedAt.IsZero() {
		t.Errorf("SubmitForReview() did not stamp submitter: %+v", rec)
	}

	if rec, err = svc.ApproveTxDk(ctx, rec.ID, rec.Version, admin); err != nil {
		t.Fatalf("ApproveTxDk() failed: %v", err)
	}
	if rec.Status != grade.StatusApprovedTxDk || rec.Version != 3 {
		t.Errorf("ApproveTxDk() = (%v, v%d), want (%v, v3)", rec.Status, rec.Version, grade.StatusApprovedTxDk)
	}
	if want := null.Float64From(7.5); rec.TBKT != want {
		t.Errorf("ApproveTxDk() TBKT = %v, want %v", rec.TBKT, want)
	}

	if rec, err = svc.EnterFinal(ctx, rec.ID, rec.Version, "8", teacher); err != nil {
		t.Fatalf("EnterFinal() failed: %v", err)
	}
	if rec.Status != grade.StatusFinalEntered || rec.Version != 4 {
		t.Errorf("EnterFinal() = (%v, v%d), want (%v, v4)", rec.Status, rec.Version, grade.StatusFinalEntered)
	}
	// 8*0.6 + 7.5*0.4 = 7.8
	if want := null.Float64From(7.8); rec.TBMH != want {
		t.Errorf("EnterFinal() TBMH = %v, want %v", rec.TBMH, want)
	}
	if rec.LetterGrade != "B" {
		t.Errorf("EnterFinal() LetterGrade = %v, want B", rec.LetterGrade)
	}
	if want := null.BoolFrom(true); rec.IsPassed != want {
		t.Errorf("EnterFinal() IsPassed = %v, want %v", rec.IsPassed, want)
	}

	sent := len(emailsvc.SentMessages)
	if rec, err = svc.Finalize(ctx, rec.ID, rec.Version, admin); err != nil {
		t.Fatalf("Finalize() failed: %v", err)
	}
	if rec.Status != grade.StatusFinalized || rec.Version != 5 {
		t.Errorf("Finalize() = (%v, v%d), want (%v, v5)", rec.Status, rec.Version, grade.StatusFinalized)
	}
	if rec.FinalizedBy != admin.ID || rec.FinalizedAt.IsZero() {
		t.Errorf("Finalize() did not stamp finalizer: %+v", rec)
	}
	if len(emailsvc.SentMessages) != sent+1 {
		t.Errorf("Finalize() sent %d emails, want 1", len(emailsvc.SentMessages)-sent)
	} else if msg := emailsvc.SentMessages[len(emailsvc.SentMessages)-1]; !strings.Contains(msg.Subject, "MATH101") {
		t.Errorf("Finalize() email subject = %q, want it to mention the subject", msg.Subject)
	}

	// every mutation left exactly one audit row, newest first
	trs, err := svc.History(ctx, rec.ID)
	if err != nil {
		t.Fatalf("History() failed: %v", err)
	}
	wantActions := []string{
		grade.ActionFinalized, grade.ActionFinalEntered, grade.ActionApprovedTxDk,
		grade.ActionSubmitted, grade.ActionCreated,
	}
	if len(trs) != len(wantActions) {
		t.Fatalf("History() returned %d transitions, want %d", len(trs), len(wantActions))
	}
	for i, action := range wantActions {
		if trs[i].Action != action {
			t.Errorf("History()[%d].Action = %v, want %v", i, trs[i].Action, action)
		}
	}
}

func TestServiceVersionConflict(t *testing.T) {
	svc := newTestService(t)

	rec := createRecord(t, svc, "enr-1", map[string]float64{"dk1": 7})

	// two clients hold the same version; the first submit wins
	if _, err := svc.SubmitForReview(ctx, rec.ID, rec.Version, teacher); err != nil {
		t.Fatalf("SubmitForReview() failed: %v", err)
	}
	_, err := svc.SubmitForReview(ctx, rec.ID, rec.Version, teacher2)
	if errors.Cause(err) != grade.ErrVersionConflict {
		t.Errorf("SubmitForReview() stale error = %v, want %v", err, grade.ErrVersionConflict)
	}

	// the loser left no audit row behind
	trs, err := svc.History(ctx, rec.ID)
	if err != nil {
		t.Fatalf("History() failed: %v", err)
	}
	if len(trs) != 2 {
		t.Errorf("History() returned %d transitions, want 2 (created + submitted)", len(trs))
	}

	cur, err := svc.Get(ctx, rec.ID)
	if err != nil {
		t.Fatalf("Get() failed: %v", err)
	}
	if cur.Version != 2 {
		t.Errorf("Version = %d, want 2", cur.Version)
	}
}

func TestServiceUpdateScores(t *testing.T) {
	svc := newTestService(t)

	rec := createRecord(t, svc, "enr-1", map[string]float64{"dk1": 4})

	rec, err := svc.UpdateScores(ctx, rec.ID, rec.Version, grade.UpdateScores{
		ParsedTx: grade.ScoreSet{"tx1": null.Float64From(6)},
		ParsedDk: grade.ScoreSet{"dk1": null.Float64From(7), "dk2": null.Float64From(8)},
	}, teacher)
	if err != nil {
		t.Fatalf("UpdateScores() failed: %v", err)
	}
	if want := null.Float64From(7.5); rec.TBKT != want {
		t.Errorf("UpdateScores() TBKT = %v, want %v", rec.TBKT, want)
	}
	if rec.Version != 2 {
		t.Errorf("UpdateScores() Version = %d, want 2", rec.Version)
	}

	// drafts only
	if rec, err = svc.SubmitForReview(ctx, rec.ID, rec.Version, teacher); err != nil {
		t.Fatalf("SubmitForReview() failed: %v", err)
	}
	_, err = svc.UpdateScores(ctx, rec.ID, rec.Version, grade.UpdateScores{
		ParsedDk: grade.ScoreSet{"dk1": null.Float64From(9)},
	}, teacher)
	if errors.Cause(err) != grade.ErrInvalidTransition {
		t.Errorf("UpdateScores() error = %v, want %v", err, grade.ErrInvalidTransition)
	}
}

func TestServiceSubmitRequiresScores(t *testing.T) {
	svc := newTestService(t)

	rec := createRecord(t, svc, "enr-1", nil)
	_, err := svc.SubmitForReview(ctx, rec.ID, rec.Version, teacher)
	if _, ok := errors.Cause(err).(*core.ValidationError); !ok {
		t.Errorf("SubmitForReview() error = %v, want *core.ValidationError", err)
	}
}

func TestServiceReject(t *testing.T) {
	svc := newTestService(t)

	rec := createRecord(t, svc, "enr-1", map[string]float64{"dk1": 7})
	rec, err := svc.SubmitForReview(ctx, rec.ID, rec.Version, teacher)
	if err != nil {
		t.Fatalf("SubmitForReview() failed: %v", err)
	}

	// a reason is required
	if _, err = svc.Reject(ctx, rec.ID, rec.Version, "  ", admin); err == nil {
		t.Error("Reject() accepted an empty reason")
	}

	rec, err = svc.Reject(ctx, rec.ID, rec.Version, "missing dk2 score", admin)
	if err != nil {
		t.Fatalf("Reject() failed: %v", err)
	}
	if rec.Status != grade.StatusDraft {
		t.Errorf("Reject() Status = %v, want %v", rec.Status, grade.StatusDraft)
	}
	if rec.SubmittedBy != "" || !rec.SubmittedAt.IsZero() {
		t.Errorf("Reject() did not clear the submission stamp: %+v", rec)
	}
	if rec.Version != 3 {
		t.Errorf("Reject() Version = %d, want 3", rec.Version)
	}

	trs, err := svc.History(ctx, rec.ID)
	if err != nil {
		t.Fatalf("History() failed: %v", err)
	}
	if trs[0].Action != grade.ActionRejected || trs[0].Reason != "missing dk2 score" {
		t.Errorf("History()[0] = %+v, want a %q transition with the reason", trs[0], grade.ActionRejected)
	}
}

func TestServiceLocks(t *testing.T) {
	svc := newTestService(t)

	rec := createRecord(t, svc, "enr-1", map[string]float64{"dk1": 7})

	if _, err := svc.Lock(ctx, rec.ID, "homework", teacher); err == nil {
		t.Error("Lock() accepted an unknown component")
	}

	rec, err := svc.Lock(ctx, rec.ID, grade.ComponentDk, teacher)
	if err != nil {
		t.Fatalf("Lock() failed: %v", err)
	}
	if lock, held := rec.Locks[grade.ComponentDk]; !held || lock.HolderID != teacher.ID {
		t.Errorf("Lock() Locks = %+v, want dk held by %s", rec.Locks, teacher.ID)
	}

	// another teacher can neither write nor steal the lock
	_, err = svc.UpdateScores(ctx, rec.ID, rec.Version, grade.UpdateScores{
		ParsedDk: grade.ScoreSet{"dk2": null.Float64From(8)},
	}, teacher2)
	if errors.Cause(err) != grade.ErrLockConflict {
		t.Errorf("UpdateScores() error = %v, want %v", err, grade.ErrLockConflict)
	}
	if _, err = svc.Lock(ctx, rec.ID, grade.ComponentDk, teacher2); errors.Cause(err) != grade.ErrLockConflict {
		t.Errorf("Lock() error = %v, want %v", err, grade.ErrLockConflict)
	}
	if _, err = svc.Unlock(ctx, rec.ID, grade.ComponentDk, teacher2, false); errors.Cause(err) != grade.ErrNotLockHolder {
		t.Errorf("Unlock() error = %v, want %v", err, grade.ErrNotLockHolder)
	}

	// force is admin only
	if _, err = svc.Unlock(ctx, rec.ID, grade.ComponentDk, teacher2, true); errors.Cause(err) != grade.ErrPermissionDenied {
		t.Errorf("Unlock(force) error = %v, want %v", err, grade.ErrPermissionDenied)
	}
	rec, err = svc.Unlock(ctx, rec.ID, grade.ComponentDk, admin, true)
	if err != nil {
		t.Fatalf("Unlock(force) failed: %v", err)
	}
	if _, held := rec.Locks[grade.ComponentDk]; held {
		t.Errorf("Unlock(force) left the lock in place: %+v", rec.Locks)
	}

	trs, err := svc.History(ctx, rec.ID)
	if err != nil {
		t.Fatalf("History() failed: %v", err)
	}
	last := trs[0]
	if last.Action != grade.ActionUnlocked || last.Reason != "admin override" {
		t.Errorf("History()[0] = %+v, want a forced %q transition", last, grade.ActionUnlocked)
	}
	if _, ok := last.Changes["forced_unlock"]; !ok {
		t.Errorf("History()[0].Changes = %+v, want a forced_unlock entry", last.Changes)
	}
	if last.FromStatus != last.ToStatus {
		t.Errorf("unlock transition moved status: %v -> %v", last.FromStatus, last.ToStatus)
	}
}

func TestServiceRevert(t *testing.T) {
	svc := newTestService(t)

	rec := createRecord(t, svc, "enr-1", map[string]float64{"dk1": 7, "dk2": 8})
	before, err := svc.Get(ctx, rec.ID)
	if err != nil {
		t.Fatalf("Get() failed: %v", err)
	}

	rec, err = svc.UpdateScores(ctx, rec.ID, rec.Version, grade.UpdateScores{
		ParsedDk: grade.ScoreSet{"dk1": null.Float64From(2), "dk2": null.Float64From(3)},
	}, teacher)
	if err != nil {
		t.Fatalf("UpdateScores() failed: %v", err)
	}

	trs, err := svc.History(ctx, rec.ID)
	if err != nil {
		t.Fatalf("History() failed: %v", err)
	}
	reverted, err := svc.Revert(ctx, trs[0].ID, admin)
	if err != nil {
		t.Fatalf("Revert() failed: %v", err)
	}

	// revert is a forward mutation: contents restored, version moves on
	if reverted.Version != 3 {
		t.Errorf("Revert() Version = %d, want 3", reverted.Version)
	}
	want, got := before, reverted
	want.Version, got.Version = 0, 0
	want.UpdatedAt, got.UpdatedAt = reverted.UpdatedAt, reverted.UpdatedAt
	if diff := diffRecords(t, want, got); diff != "" {
		t.Errorf("Revert() did not restore the record:\n%s", diff)
	}

	// history rows are never removed
	trs, err = svc.History(ctx, rec.ID)
	if err != nil {
		t.Fatalf("History() failed: %v", err)
	}
	if len(trs) != 3 || trs[0].Action != grade.ActionReverted {
		t.Errorf("History() = %d rows with head %v, want 3 rows with head %v", len(trs), trs[0].Action, grade.ActionReverted)
	}
}

func TestServiceFinalizedIsImmutable(t *testing.T) {
	svc := newTestService(t)

	rec := finalizeRecord(t, svc, "enr-1", "8")

	if _, err := svc.EnterFinal(ctx, rec.ID, rec.Version, "9", teacher); errors.Cause(err) != grade.ErrImmutable {
		t.Errorf("EnterFinal() error = %v, want %v", err, grade.ErrImmutable)
	}
	if _, err := svc.UpdateScores(ctx, rec.ID, rec.Version, grade.UpdateScores{
		ParsedDk: grade.ScoreSet{"dk1": null.Float64From(9)},
	}, teacher); errors.Cause(err) != grade.ErrImmutable {
		t.Errorf("UpdateScores() error = %v, want %v", err, grade.ErrImmutable)
	}
	if _, err := svc.SubmitForReview(ctx, rec.ID, rec.Version, teacher); errors.Cause(err) != grade.ErrInvalidTransition {
		t.Errorf("SubmitForReview() error = %v, want %v", err, grade.ErrInvalidTransition)
	}
}

func TestServiceNotFound(t *testing.T) {
	svc := newTestService(t)

	if _, err := svc.History(ctx, "nope"); errors.Cause(err) != grade.ErrNotFound {
		t.Errorf("History() error = %v, want %v", err, grade.ErrNotFound)
	}
	if _, err := svc.Revert(ctx, "nope", admin); errors.Cause(err) != grade.ErrTransitionNotFound {
		t.Errorf("Revert() error = %v, want %v", err, grade.ErrTransitionNotFound)
	}
}
