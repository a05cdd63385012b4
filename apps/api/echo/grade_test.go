package echoapi

import (
	"fmt"
	"net/http"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/volatiletech/null/v8"

	"github.com/trezcool/alama/core/grade"
)

func TestGradeAPIErrors(t *testing.T) {
	app := newTestApp(t)
	teacherToken := app.getToken(t, teacherActor)
	adminToken := app.getToken(t, adminActor)
	studentToken := app.getToken(t, studentActor)

	draft := app.seedDraft(t, "enr-1", map[string]float64{"dk1": 7})
	finalized := app.seedFinalized(t, "enr-2", map[string]float64{"dk1": 7, "dk2": 8}, "8")

	newRecordBody := marshallObj(t, echo.Map{
		"enrollment_id": "enr-9", "student_id": "std-9", "student_name": "Neo",
		"subject_id": "MATH101", "semester": "2026-1",
	})

	tests := []httpTest{
		{
			name: "create: authentication required", method: http.MethodPost, path: "/v1/grades",
			body: newRecordBody, wantCode: http.StatusUnauthorized, wantData: marshallObj(t, errMissingToken),
		},
		{
			name: "create: teachers only", method: http.MethodPost, path: "/v1/grades",
			body: newRecordBody, token: studentToken, wantCode: http.StatusForbidden,
			wantData: marshallObj(t, httpErr{Error: grade.ErrPermissionDenied.Error()}),
		},
		{
			name: "create: payload is validated", method: http.MethodPost, path: "/v1/grades",
			body:  marshallObj(t, echo.Map{"enrollment_id": "enr-9"}),
			token: teacherToken, wantCode: http.StatusBadRequest,
			wantData: marshallObj(t, echo.Map{
				"student_id":   "this field is required",
				"student_name": "this field is required",
				"subject_id":   "this field is required",
				"semester":     "this field is required",
			}),
		},
		{
			name: "query: only sortable columns may order results", method: http.MethodGet,
			path: "/v1/grades?ordering=-nope", token: teacherToken, wantCode: http.StatusBadRequest,
			wantData: marshallObj(t, echo.Map{"ordering": `cannot order by "nope"`}),
		},
		{
			name: "approve: admins only", method: http.MethodPost, path: "/v1/grades/" + draft.ID + "/approve",
			body: marshallObj(t, echo.Map{"version": draft.Version}), token: teacherToken,
			wantCode: http.StatusForbidden, wantData: marshallObj(t, httpErr{Error: "permission denied"}),
		},
		{
			name: "retrieve: unknown id", method: http.MethodGet, path: "/v1/grades/nope",
			token: teacherToken, wantCode: http.StatusNotFound,
			wantData: marshallObj(t, httpErr{Error: grade.ErrNotFound.Error()}),
		},
		{
			name: "submit: stale version", method: http.MethodPost, path: "/v1/grades/" + draft.ID + "/submit",
			body: marshallObj(t, echo.Map{"version": draft.Version + 5}), token: teacherToken,
			wantCode: http.StatusConflict, wantData: marshallObj(t, httpErr{Error: grade.ErrVersionConflict.Error()}),
		},
		{
			name: "finalize: not reachable from draft", method: http.MethodPost, path: "/v1/grades/" + draft.ID + "/finalize",
			body: marshallObj(t, echo.Map{"version": draft.Version}), token: adminToken,
			wantCode: http.StatusUnprocessableEntity, wantData: marshallObj(t, httpErr{Error: grade.ErrInvalidTransition.Error()}),
		},
		{
			name: "scores: finalized records are immutable", method: http.MethodPut, path: "/v1/grades/" + finalized.ID + "/scores",
			body:  marshallObj(t, echo.Map{"version": finalized.Version, "dk_scores": echo.Map{"dk1": "9"}}),
			token: teacherToken, wantCode: http.StatusUnprocessableEntity,
			wantData: marshallObj(t, httpErr{Error: grade.ErrImmutable.Error()}),
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, rec := newAuthRequest(tt.method, tt.path, tt.token, tt.body)
			app.server.ServeHTTP(rec, req)
			checkCodeAndData(t, tt, rec)
		})
	}
}

func TestGradeAPILifecycle(t *testing.T) {
	app := newTestApp(t)
	teacherToken := app.getToken(t, teacherActor)
	adminToken := app.getToken(t, adminActor)

	do := func(t *testing.T, method, path, token string, body []byte, wantCode int) *grade.Record {
		t.Helper()
		req, rec := newAuthRequest(method, path, token, body)
		app.server.ServeHTTP(rec, req)
		if rec.Code != wantCode {
			t.Fatalf("%s %s = %d (%s); want %d", method, path, rec.Code, rec.Body.String(), wantCode)
		}
		var out grade.Record
		decodeBody(t, rec, &out)
		return &out
	}

	rec := do(t, http.MethodPost, "/v1/grades", teacherToken, marshallObj(t, echo.Map{
		"enrollment_id": "enr-1", "student_id": "std-1", "student_name": "Asha Odhiambo",
		"subject_id": "MATH101", "semester": "2026-1",
		"dk_scores": echo.Map{"dk1": "7", "dk2": "8"},
	}), http.StatusCreated)
	if rec.Status != grade.StatusDraft || rec.Version != 1 {
		t.Fatalf("create = (%v, v%d), want (%v, v1)", rec.Status, rec.Version, grade.StatusDraft)
	}
	if want := null.Float64From(7.5); rec.TBKT != want {
		t.Errorf("create TBKT = %v, want %v", rec.TBKT, want)
	}
	base := "/v1/grades/" + rec.ID

	rec = do(t, http.MethodPut, base+"/scores", teacherToken, marshallObj(t, echo.Map{
		"version": 1, "tx_scores": echo.Map{"tx1": "6"},
	}), http.StatusOK)
	if rec.Version != 2 || !rec.TxScores["tx1"].Valid {
		t.Errorf("updateScores = v%d %+v, want v2 with tx1", rec.Version, rec.TxScores)
	}

	rec = do(t, http.MethodPost, base+"/lock", teacherToken,
		marshallObj(t, echo.Map{"component": grade.ComponentDk}), http.StatusOK)
	if _, held := rec.Locks[grade.ComponentDk]; !held {
		t.Errorf("lock did not register: %+v", rec.Locks)
	}
	rec = do(t, http.MethodDelete, base+"/lock?component="+grade.ComponentDk, teacherToken, nil, http.StatusOK)
	if _, held := rec.Locks[grade.ComponentDk]; held {
		t.Errorf("unlock did not release: %+v", rec.Locks)
	}

	rec = do(t, http.MethodPost, base+"/submit", teacherToken,
		marshallObj(t, echo.Map{"version": rec.Version}), http.StatusOK)
	if rec.Status != grade.StatusPendingReview {
		t.Fatalf("submit Status = %v, want %v", rec.Status, grade.StatusPendingReview)
	}

	rec = do(t, http.MethodPost, base+"/approve", adminToken,
		marshallObj(t, echo.Map{"version": rec.Version}), http.StatusOK)
	if rec.Status != grade.StatusApprovedTxDk {
		t.Fatalf("approve Status = %v, want %v", rec.Status, grade.StatusApprovedTxDk)
	}

	rec = do(t, http.MethodPost, base+"/final", teacherToken,
		marshallObj(t, echo.Map{"version": rec.Version, "final_score": "8"}), http.StatusOK)
	if want := null.Float64From(7.8); rec.TBMH != want {
		t.Errorf("final TBMH = %v, want %v", rec.TBMH, want)
	}
	if rec.LetterGrade != "B" {
		t.Errorf("final LetterGrade = %v, want B", rec.LetterGrade)
	}

	rec = do(t, http.MethodPost, base+"/finalize", adminToken,
		marshallObj(t, echo.Map{"version": rec.Version}), http.StatusOK)
	if rec.Status != grade.StatusFinalized || rec.Version != 8 {
		t.Fatalf("finalize = (%v, v%d), want (%v, v8)", rec.Status, rec.Version, grade.StatusFinalized)
	}

	// full audit trail, newest first
	req, rr := newAuthRequest(http.MethodGet, base+"/history", teacherToken)
	app.server.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("history = %d (%s)", rr.Code, rr.Body.String())
	}
	var trs []grade.Transition
	decodeBody(t, rr, &trs)
	if len(trs) != 8 || trs[0].Action != grade.ActionFinalized || trs[7].Action != grade.ActionCreated {
		t.Errorf("history = %d transitions with head %v, want 8 with head %v",
			len(trs), trs[0].Action, grade.ActionFinalized)
	}

	// search hits on the student name
	req, rr = newAuthRequest(http.MethodGet, "/v1/grades?search=asha", teacherToken)
	app.server.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("query = %d (%s)", rr.Code, rr.Body.String())
	}
	var recs []grade.Record
	decodeBody(t, rr, &recs)
	if len(recs) != 1 || recs[0].ID != rec.ID {
		t.Errorf("query returned %d records, want the created one", len(recs))
	}
}

func TestGradeAPIRevert(t *testing.T) {
	app := newTestApp(t)
	teacherToken := app.getToken(t, teacherActor)
	adminToken := app.getToken(t, adminActor)

	rec := app.seedDraft(t, "enr-1", map[string]float64{"dk1": 7, "dk2": 8})

	req, rr := newAuthRequest(http.MethodPut, "/v1/grades/"+rec.ID+"/scores", teacherToken,
		marshallObj(t, echo.Map{"version": rec.Version, "dk_scores": echo.Map{"dk1": "2"}}))
	app.server.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("updateScores = %d (%s)", rr.Code, rr.Body.String())
	}

	req, rr = newAuthRequest(http.MethodGet, "/v1/grades/"+rec.ID+"/history", teacherToken)
	app.server.ServeHTTP(rr, req)
	var trs []grade.Transition
	decodeBody(t, rr, &trs)

	req, rr = newAuthRequest(http.MethodPost, fmt.Sprintf("/v1/grades/transitions/%s/revert", trs[0].ID), adminToken)
	app.server.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("revert = %d (%s)", rr.Code, rr.Body.String())
	}
	var reverted grade.Record
	decodeBody(t, rr, &reverted)
	if want := null.Float64From(7); reverted.DkScores["dk1"] != want {
		t.Errorf("revert dk1 = %v, want %v", reverted.DkScores["dk1"], want)
	}
	if reverted.Version != 3 {
		t.Errorf("revert Version = %d, want 3", reverted.Version)
	}
}
