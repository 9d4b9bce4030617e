package testutil

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	ut "github.com/go-playground/universal-translator"
	"github.com/go-playground/validator/v10"

	"github.com/trezcool/rollcall/core"
	"github.com/trezcool/rollcall/core/record"
	"github.com/trezcool/rollcall/core/student"
	"github.com/trezcool/rollcall/core/user"
)

// NewValidator returns a validator with every custom validation registered.
func NewValidator() (*validator.Validate, ut.Translator) {
	validate := validator.New()
	translator := core.NewTranslator()
	core.InitValidators(validate, translator)
	user.InitValidators(validate, translator)
	record.InitValidators(validate, translator)
	return validate, translator
}

// Entry is a message captured by Logger.
type Entry struct {
	Level string
	Msg   string
	Args  []interface{}
}

// Logger captures log messages instead of printing them.
type Logger struct {
	mu      sync.Mutex
	entries []Entry
}

var _ core.Logger = (*Logger)(nil)

func (l *Logger) log(level, msg string, args []interface{}) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = append(l.entries, Entry{Level: level, Msg: msg, Args: args})
}

func (l *Logger) Debug(msg string, args ...interface{}) { l.log("debug", msg, args) }
func (l *Logger) Info(msg string, args ...interface{})  { l.log("info", msg, args) }
func (l *Logger) Warn(msg string, args ...interface{})  { l.log("warn", msg, args) }
func (l *Logger) Error(msg string, args ...interface{}) { l.log("error", msg, args) }
func (l *Logger) Fatal(msg string, args ...interface{}) { l.log("fatal", msg, args) }

// Entries returns the captured messages of level, all of them when level is empty.
func (l *Logger) Entries(level string) []Entry {
	l.mu.Lock()
	defer l.mu.Unlock()
	var res []Entry
	for _, e := range l.entries {
		if level == "" || e.Level == level {
			res = append(res, e)
		}
	}
	return res
}

func CreateUser(
	t *testing.T,
	repo user.Repository,
	uname string,
	role user.Role,
	scope user.Scope,
	isActive bool,
	pwd ...string,
) user.User {
	t.Helper()
	tstamp := time.Now().UTC()
	usr := user.User{
		Name:      uname,
		Username:  uname,
		Email:     uname + "@test.cd",
		Role:      role,
		Scope:     scope,
		IsActive:  isActive,
		CreatedAt: tstamp,
		UpdatedAt: tstamp,
	}
	if len(pwd) > 0 {
		if err := usr.SetPassword(pwd[0]); err != nil {
			t.Fatalf("CreateUser() failed: %v", err)
		}
	}
	usr, err := repo.CreateUser(context.Background(), usr)
	if err != nil {
		t.Fatalf("CreateUser() failed: %v", err)
	}
	return usr
}

func CreateStudent(t *testing.T, repo student.Repository, name, groupID string, year int) student.Student {
	t.Helper()
	s := student.Student{
		ID:        fmt.Sprintf("st-%s-%s-%d", name, groupID, year),
		Name:      name,
		GroupID:   groupID,
		Year:      year,
		CreatedAt: time.Now().UTC(),
	}
	s, err := repo.CreateStudent(context.Background(), s)
	if err != nil {
		t.Fatalf("CreateStudent() failed: %v", err)
	}
	return s
}

func Scope(t *testing.T, s string) user.Scope {
	t.Helper()
	scope, err := user.ParseScope(s)
	if err != nil {
		t.Fatalf("Scope() failed: %v", err)
	}
	return scope
}

var day = time.Date(2024, 3, 4, 0, 0, 0, 0, time.UTC)

func Attendance(studentID string, status record.AttendanceStatus) record.NewRecord {
	return record.NewRecord{
		Kind:      record.KindAttendance,
		StudentID: studentID,
		Payload:   record.Payload{Attendance: &record.AttendancePayload{Date: day, Status: status}},
	}
}

func Assessment(studentID, title string, score, maxScore float64) record.NewRecord {
	return record.NewRecord{
		Kind:      record.KindAssessment,
		StudentID: studentID,
		Payload: record.Payload{Assessment: &record.AssessmentPayload{
			Title: title, Score: score, MaxScore: maxScore, AssessedOn: day,
		}},
	}
}

func StatusPatch(status record.AttendanceStatus) record.Patch {
	return record.Patch{Status: &status}
}
