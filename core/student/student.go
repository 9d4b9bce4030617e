// Package student holds the central student directory.
// Tracked records reference students by id, never by embedding them.
package student

import (
	"context"
	"time"

	ut "github.com/go-playground/universal-translator"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/trezcool/rollcall/core"
)

var ErrNotFound = errors.WithMessage(core.ErrNotFound, "student")

type Student struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	GroupID   string    `json:"group_id"`
	Year      int       `json:"year"`
	Unit      string    `json:"unit,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// NewStudent contains information needed to register a Student.
type NewStudent struct {
	Name    string `json:"name" validate:"required,notblank"`
	GroupID string `json:"group_id" validate:"required,notblank"`
	Year    int    `json:"year" validate:"required,min=1900,max=9999"`
	Unit    string `json:"unit"`
}

func (ns *NewStudent) Clean() {
	ns.Name = core.CleanString(ns.Name)
	ns.GroupID = core.CleanString(ns.GroupID)
	ns.Unit = core.CleanString(ns.Unit)
}

type QueryFilter struct {
	GroupIDs []string
	Year     int
}

func (qf *QueryFilter) Match(s Student) bool {
	if qf == nil {
		return true
	}
	if qf.Year != 0 && s.Year != qf.Year {
		return false
	}
	if len(qf.GroupIDs) == 0 {
		return true
	}
	for _, g := range qf.GroupIDs {
		if g == s.GroupID {
			return true
		}
	}
	return false
}

type (
	Repository interface {
		CreateStudent(ctx context.Context, s Student) (Student, error)
		GetStudent(ctx context.Context, id string) (Student, error)
		QueryStudents(ctx context.Context, filter *QueryFilter) ([]Student, error)
	}

	Service struct {
		repo       Repository
		validate   *validator.Validate
		translator ut.Translator
	}
)

func NewService(repo Repository, validate *validator.Validate, translator ut.Translator) *Service {
	return &Service{repo: repo, validate: validate, translator: translator}
}

func (svc *Service) Create(ctx context.Context, ns NewStudent) (Student, error) {
	ns.Clean()
	if err := svc.validate.Struct(ns); err != nil {
		return Student{}, core.TranslateValidationErrors(err, svc.translator)
	}
	s := Student{
		ID:        uuid.NewString(),
		Name:      ns.Name,
		GroupID:   ns.GroupID,
		Year:      ns.Year,
		Unit:      ns.Unit,
		CreatedAt: time.Now().UTC(),
	}
	s, err := svc.repo.CreateStudent(ctx, s)
	return s, errors.Wrap(err, "creating student")
}

func (svc *Service) Get(ctx context.Context, id string) (Student, error) {
	return svc.repo.GetStudent(ctx, id)
}

func (svc *Service) Query(ctx context.Context, filter *QueryFilter) ([]Student, error) {
	return svc.repo.QueryStudents(ctx, filter)
}
