package echoapi_test

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"reflect"
	"testing"
	"time"

	echoapi "github.com/trezcool/rollcall/apps/api/echo"
	"github.com/trezcool/rollcall/core"
	"github.com/trezcool/rollcall/core/record"
	"github.com/trezcool/rollcall/core/remote"
	"github.com/trezcool/rollcall/core/student"
	"github.com/trezcool/rollcall/core/user"
	metricsvc "github.com/trezcool/rollcall/services/metrics"
	"github.com/trezcool/rollcall/storage/database/inmem"
	"github.com/trezcool/rollcall/tests"
)

const pwd = "pass1234"

type env struct {
	app     *echoapi.Server
	usrRepo user.Repository
	stRepo  student.Repository
	logger  *testutil.Logger
}

func setup(t *testing.T) *env {
	db := inmemdb.Open()
	usrRepo := inmemdb.NewUserRepository(db)
	stRepo := inmemdb.NewStudentRepository(db)

	validate, translator := testutil.NewValidator()
	logger := new(testutil.Logger)
	metrics := metricsvc.New("rollcall")

	conf := &core.Config{
		AppName:   "rollcall",
		TestMode:  true,
		SecretKey: "s3cr3t",
		Server: core.ServerConfig{
			JWTExpirationDelta:        time.Hour,
			JWTRefreshExpirationDelta: 24 * time.Hour,
		},
	}
	app := echoapi.NewServer(&echoapi.Options{
		Conf:           conf,
		Logger:         logger,
		DisableReqLogs: true,
		Validate:       validate,
		Translator:     translator,
		UserSvc:        user.NewService(usrRepo, validate, translator, logger),
		StudentSvc:     student.NewService(stRepo, validate, translator),
		RecordSvc:      remote.NewService(inmemdb.NewDocumentStore(db), stRepo, logger, metrics),
		Metrics:        metrics,
	})
	return &env{app: app, usrRepo: usrRepo, stRepo: stRepo, logger: logger}
}

type httpTest struct {
	name     string
	method   string
	path     string
	body     []byte
	token    string
	wantCode int
	wantKind core.Kind
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
	return req, httptest.NewRecorder()
}

func newRequest(method, path string, data ...[]byte) (*http.Request, *httptest.ResponseRecorder) {
	return newAuthRequest(method, path, "", data...)
}

func (e *env) do(tt httpTest) *httptest.ResponseRecorder {
	method := tt.method
	if method == "" {
		method = http.MethodGet
	}
	req, rec := newAuthRequest(method, tt.path, tt.token, tt.body)
	e.app.ServeHTTP(rec, req)
	return rec
}

func (e *env) login(t *testing.T, uname string) string {
	t.Helper()
	req, rec := newRequest(http.MethodPost, "/v1/auth/login", marshallObj(t, echoapi.LoginRequest{Username: uname, Password: pwd}))
	e.app.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("login(%s) failed: %d %s", uname, rec.Code, rec.Body.String())
	}
	var res echoapi.LoginResponse
	unmarshall(t, rec, &res)
	return res.Token
}

func marshallObj(t *testing.T, obj interface{}) []byte {
	data, err := json.Marshal(obj)
	if err != nil {
		t.Fatalf("marshallObj() failed: %v", err)
	}
	return data
}

func unmarshall(t *testing.T, rec *httptest.ResponseRecorder, dst interface{}) {
	t.Helper()
	if err := json.Unmarshal(rec.Body.Bytes(), dst); err != nil {
		t.Fatalf("unmarshall(%s) failed: %v", rec.Body.String(), err)
	}
}

func checkCodeAndKind(t *testing.T, tt httpTest, rec *httptest.ResponseRecorder) {
	t.Helper()
	if rec.Code != tt.wantCode {
		t.Errorf("failed! code = %v; wantCode %v (%s)", rec.Code, tt.wantCode, rec.Body.String())
	}
	if tt.wantKind == "" {
		return
	}
	var res echoapi.ErrorResponse
	unmarshall(t, rec, &res)
	if res.Success || res.ErrorKind != tt.wantKind {
		t.Errorf("failed! errorKind = %v; wantKind %v", res.ErrorKind, tt.wantKind)
	}
}

func jsonBytesEqual(b1, b2 []byte) (bool, error) {
	var j1, j2 interface{}
	if err := json.Unmarshal(b1, &j1); err != nil {
		return false, err
	}
	if err := json.Unmarshal(b2, &j2); err != nil {
		return false, err
	}
	return reflect.DeepEqual(j1, j2), nil
}

// newDraft builds the create mutation a client of usr queues for st.
func newDraft(id string, usr user.User, st student.Student) record.Mutation {
	now := time.Now().UTC().Truncate(time.Microsecond)
	rec := record.Record{
		ID:        id,
		Kind:      record.KindAttendance,
		StudentID: st.ID,
		GroupID:   st.GroupID,
		Year:      st.Year,
		AuthorID:  usr.ID,
		Payload: record.Payload{Attendance: &record.AttendancePayload{
			Date: now.Truncate(24 * time.Hour), Status: record.StatusPresent,
		}},
		State:        record.StateDraft,
		CreatedAt:    now,
		LastEditedAt: now,
		LastEditedBy: usr.ID,
	}
	return record.Mutation{ID: "m-" + id, RecordID: id, Op: record.OpCreate, Record: &rec, QueuedAt: now}
}

// next builds the mutation applying op onto cur as usr.
func next(cur record.Record, usr user.User, op record.Op, edit func(*record.Record)) record.Mutation {
	rec := cur.Clone()
	rec.EditCount++
	rec.LastEditedBy = usr.ID
	rec.LastEditedAt = time.Now().UTC().Truncate(time.Microsecond)
	if edit != nil {
		edit(&rec)
	}
	return record.Mutation{ID: "m-" + string(op), RecordID: cur.ID, Op: op, Record: &rec, BasedOnEditCount: cur.EditCount}
}
