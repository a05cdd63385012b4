package echoapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"reflect"
	"testing"

	"github.com/go-playground/locales/en"
	ut "github.com/go-playground/universal-translator"
	"github.com/go-playground/validator/v10"
	"github.com/stretchr/testify/assert"
	"github.com/volatiletech/null/v8"

	"github.com/trezcool/alama/core"
	"github.com/trezcool/alama/core/grade"
	"github.com/trezcool/alama/core/retake"
	emailsvc "github.com/trezcool/alama/services/email"
	dummydb "github.com/trezcool/alama/storage/database/dummy"
	testutil "github.com/trezcool/alama/tests"
)

var (
	errMissingToken = httpErr{Error: "missing or malformed jwt"}

	teacherActor = grade.Actor{ID: "t1", Name: "Mr Juma", Roles: []string{grade.RoleTeacher + "math"}}
	adminActor   = grade.Actor{ID: "a1", Name: "Principal", Roles: []string{grade.RoleAdminPrincipal}}
	studentActor = grade.Actor{ID: "s1", Name: "Student"}
)

type httpErr struct {
	Error string `json:"error"`
}

type httpTest struct {
	name     string
	method   string
	path     string
	body     []byte
	token    string
	wantCode int
	wantData []byte
}

type testApp struct {
	server    Server
	gradeSvc  *grade.Service
	retakeSvc *retake.Service
	conf      *core.Config
}

func newTestApp(t *testing.T) testApp {
	t.Helper()

	db, err := dummydb.Open()
	if err != nil {
		t.Fatalf("dummydb.Open() failed: %v", err)
	}
	conf := testutil.NewConfig()
	conf.Debug = false // exercise the production error payloads

	logger := &testutil.Logger{}
	mailSvc := emailsvc.NewConsoleServiceMock(conf)
	gradeRepo := dummydb.NewGradeRepository(db)
	gradeSvc := grade.NewService(gradeRepo, mailSvc, logger, conf)
	retakeSvc := retake.NewService(dummydb.NewRetakeRepository(db), gradeRepo, mailSvc, logger, conf)

	validate := validator.New()
	translator := newTestTranslator()
	core.InitValidators(validate, translator)

	server := NewServer(ServerDeps{
		Conf:       conf,
		Logger:     logger,
		GradeSvc:   gradeSvc,
		RetakeSvc:  retakeSvc,
		Validate:   validate,
		Translator: translator,
	})
	return testApp{server: server, gradeSvc: gradeSvc, retakeSvc: retakeSvc, conf: conf}
}

func newTestTranslator() ut.Translator {
	_en := en.New()
	uni := ut.New(_en, _en)
	translator, _ := uni.GetTranslator("en")
	return translator
}

func (app testApp) getToken(t *testing.T, actor grade.Actor) string {
	t.Helper()
	claims := GetActorClaims(actor, app.conf)
	token, err := GenerateToken(claims, app.conf)
	if err != nil {
		t.Fatalf("getToken() failed: %v", err)
	}
	return token
}

func newAuthRequest(method, path, token string, data ...[]byte) (*http.Request, *httptest.ResponseRecorder) {
	var body bytes.Buffer
	if len(data) > 0 {
		body.Write(data[0])
	}
	req := httptest.NewRequest(method, path, &body)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	return req, rec
}

func newRequest(method, path string, data ...[]byte) (*http.Request, *httptest.ResponseRecorder) {
	return newAuthRequest(method, path, "", data...)
}

func marshallObj(t *testing.T, obj interface{}) []byte {
	data, err := json.Marshal(obj)
	if err != nil {
		t.Fatalf("marshallObj() failed: %v", err)
	}
	return data
}

func jsonBytesEqual(t *testing.T, b1, b2 []byte) (bool, error) {
	var j1, j2 interface{}
	if err := json.Unmarshal(b1, &j1); err != nil {
		return false, err
	}
	if err := json.Unmarshal(b2, &j2); err != nil {
		return false, err
	}
	if reflect.DeepEqual(j1, j2) {
		return true, nil
	}
	return assert.ElementsMatch(t, j1, j2), nil
}

func checkCodeAndData(t *testing.T, tt httpTest, rec *httptest.ResponseRecorder) {
	if rec.Code != tt.wantCode {
		t.Errorf("failed! code = %v; wantCode %v", rec.Code, tt.wantCode)
	}
	ok, err := jsonBytesEqual(t, rec.Body.Bytes(), tt.wantData)
	if err != nil {
		t.Errorf("jsonBytesEqual() failed to compare; err %v", err)
	}
	if !ok {
		t.Errorf("failed! data = %v; wantData %v", rec.Body.String(), string(tt.wantData))
	}
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder, dst interface{}) {
	t.Helper()
	if err := json.Unmarshal(rec.Body.Bytes(), dst); err != nil {
		t.Fatalf("decoding response %q failed: %v", rec.Body.String(), err)
	}
}

// seedDraft registers a draft record straight through the service layer.
func (app testApp) seedDraft(t *testing.T, enrollmentID string, dk map[string]float64) grade.Record {
	t.Helper()
	parsedDk := make(grade.ScoreSet, len(dk))
	for k, v := range dk {
		parsedDk[k] = null.Float64From(v)
	}
	rec, err := app.gradeSvc.Create(context.Background(), grade.NewRecord{
		EnrollmentID: enrollmentID,
		StudentID:    "std-1",
		StudentName:  "Asha Odhiambo",
		StudentEmail: "asha@test.test",
		SubjectID:    "MATH101",
		Semester:     "2026-1",
		ParsedDk:     parsedDk,
	}, teacherActor)
	if err != nil {
		t.Fatalf("seedDraft() failed: %v", err)
	}
	return rec
}

// seedFinalized walks a record through the whole lifecycle.
func (app testApp) seedFinalized(t *testing.T, enrollmentID string, dk map[string]float64, final string) grade.Record {
	t.Helper()
	ctx := context.Background()
	rec := app.seedDraft(t, enrollmentID, dk)

	rec, err := app.gradeSvc.SubmitForReview(ctx, rec.ID, rec.Version, teacherActor)
	if err != nil {
		t.Fatalf("SubmitForReview() failed: %v", err)
	}
	if rec, err = app.gradeSvc.ApproveTxDk(ctx, rec.ID, rec.Version, adminActor); err != nil {
		t.Fatalf("ApproveTxDk() failed: %v", err)
	}
	if rec, err = app.gradeSvc.EnterFinal(ctx, rec.ID, rec.Version, final, teacherActor); err != nil {
		t.Fatalf("EnterFinal() failed: %v", err)
	}
	if rec, err = app.gradeSvc.Finalize(ctx, rec.ID, rec.Version, adminActor); err != nil {
		t.Fatalf("Finalize() failed: %v", err)
	}
	return rec
}
