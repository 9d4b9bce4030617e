// Package record holds the tracked attendance and assessment records,
// their local cache contract and the outbound mutation queue.
package record

import (
	"context"
	"math"
	"time"

	"github.com/pkg/errors"

	"github.com/trezcool/rollcall/core"
)

var ErrNotFound = errors.WithMessage(core.ErrNotFound, "record")

type Kind string

// Kinds
const (
	KindAttendance Kind = "attendance"
	KindAssessment Kind = "assessment"
)

var AllKinds = []Kind{KindAttendance, KindAssessment}

func (k Kind) IsValid() bool {
	return k == KindAttendance || k == KindAssessment
}

// State is the lifecycle state of a record.
type State string

// States
const (
	StateDraft    State = "draft"
	StateExported State = "exported"
	StateLocked   State = "locked"
)

var AllStates = []State{StateDraft, StateExported, StateLocked}

func (s State) IsValid() bool {
	return s == StateDraft || s == StateExported || s == StateLocked
}

type AttendanceStatus string

// Attendance statuses
const (
	StatusPresent AttendanceStatus = "present"
	StatusAbsent  AttendanceStatus = "absent"
	StatusLate    AttendanceStatus = "late"
	StatusExcused AttendanceStatus = "excused"
)

var AllStatuses = []AttendanceStatus{StatusPresent, StatusAbsent, StatusLate, StatusExcused}

func (s AttendanceStatus) IsValid() bool {
	for _, status := range AllStatuses {
		if s == status {
			return true
		}
	}
	return false
}

type AttendancePayload struct {
	Date   time.Time        `json:"date" validate:"required"`
	Status AttendanceStatus `json:"status" validate:"required,attendance_status"`
	Note   string           `json:"note,omitempty"`
}

type AssessmentPayload struct {
	Title      string    `json:"title" validate:"required,notblank"`
	Score      float64   `json:"score" validate:"min=0"`
	MaxScore   float64   `json:"max_score" validate:"gt=0"`
	Comment    string    `json:"comment,omitempty"`
	AssessedOn time.Time `json:"assessed_on" validate:"required"`
}

// Payload carries the subtype specific fields. Exactly one of them is set,
// matching the record Kind.
type Payload struct {
	Attendance *AttendancePayload `json:"attendance,omitempty"`
	Assessment *AssessmentPayload `json:"assessment,omitempty"`
}

// Check reports whether the payload is well-formed for kind.
func (p Payload) Check(kind Kind) error {
	switch kind {
	case KindAttendance:
		if p.Attendance == nil || p.Assessment != nil {
			return errors.New("an attendance record carries an attendance payload only")
		}
		if !p.Attendance.Status.IsValid() {
			return errors.Errorf("invalid attendance status %q", p.Attendance.Status)
		}
	case KindAssessment:
		if p.Assessment == nil || p.Attendance != nil {
			return errors.New("an assessment record carries an assessment payload only")
		}
		if !finite(p.Assessment.Score) || !finite(p.Assessment.MaxScore) {
			return errors.Errorf("score %v/%v is not a number", p.Assessment.Score, p.Assessment.MaxScore)
		}
		if p.Assessment.MaxScore <= 0 || p.Assessment.Score < 0 || p.Assessment.Score > p.Assessment.MaxScore {
			return errors.Errorf("score %v out of range [0, %v]", p.Assessment.Score, p.Assessment.MaxScore)
		}
	default:
		return errors.Errorf("invalid kind %q", kind)
	}
	return nil
}

func finite(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}

func (p Payload) Clone() Payload {
	var res Payload
	if p.Attendance != nil {
		a := *p.Attendance
		res.Attendance = &a
	}
	if p.Assessment != nil {
		a := *p.Assessment
		res.Assessment = &a
	}
	return res
}

func (p Payload) Equal(o Payload) bool {
	switch {
	case (p.Attendance == nil) != (o.Attendance == nil), (p.Assessment == nil) != (o.Assessment == nil):
		return false
	case p.Attendance != nil:
		a, b := p.Attendance, o.Attendance
		if !a.Date.Equal(b.Date) || a.Status != b.Status || a.Note != b.Note {
			return false
		}
	}
	if p.Assessment != nil {
		a, b := p.Assessment, o.Assessment
		return a.Title == b.Title && a.Score == b.Score && a.MaxScore == b.MaxScore &&
			a.Comment == b.Comment && a.AssessedOn.Equal(b.AssessedOn)
	}
	return true
}

// Record is a tracked attendance or assessment record.
type Record struct {
	ID           string     `json:"id"`
	Kind         Kind       `json:"kind"`
	StudentID    string     `json:"student_id"`
	GroupID      string     `json:"group_id"`
	Year         int        `json:"year"`
	AuthorID     string     `json:"author_id"`
	Payload      Payload    `json:"payload"`
	State        State      `json:"state"`
	ExportedAt   *time.Time `json:"exported_at"`
	ExportedBy   string     `json:"exported_by,omitempty"`
	EditCount    int64      `json:"edit_count"`
	CreatedAt    time.Time  `json:"created_at"`
	LastEditedAt time.Time  `json:"last_edited_at"`
	LastEditedBy string     `json:"last_edited_by"`
}

// Clone returns a deep copy of r.
func (r Record) Clone() Record {
	res := r
	res.Payload = r.Payload.Clone()
	if r.ExportedAt != nil {
		t := *r.ExportedAt
		res.ExportedAt = &t
	}
	return res
}

func (r Record) IsDraft() bool    { return r.State == StateDraft }
func (r Record) IsExported() bool { return r.State == StateExported }
func (r Record) IsLocked() bool   { return r.State == StateLocked }

// SameVersion reports whether o is the same version of the same record as r.
// Two devices making the same edit from the same base stamp different
// LastEditedAt values, so they are different versions.
func (r Record) SameVersion(o Record) bool {
	return r.ID == o.ID &&
		r.EditCount == o.EditCount &&
		r.State == o.State &&
		r.LastEditedBy == o.LastEditedBy &&
		r.LastEditedAt.Equal(o.LastEditedAt) &&
		r.Payload.Equal(o.Payload)
}

// NewRecord contains information needed to create a Record.
// GroupID and Year are derived from the student; when given they must match it.
type NewRecord struct {
	Kind      Kind    `json:"kind" validate:"required,record_kind"`
	StudentID string  `json:"student_id" validate:"required,notblank"`
	GroupID   string  `json:"group_id"`
	Year      int     `json:"year"`
	AuthorID  string  `json:"author_id"` // admin entry on behalf of a trainer
	Payload   Payload `json:"payload"`
}

func (nr *NewRecord) Clean() {
	nr.StudentID = core.CleanString(nr.StudentID)
	nr.GroupID = core.CleanString(nr.GroupID)
	nr.AuthorID = core.CleanString(nr.AuthorID)
	if p := nr.Payload.Attendance; p != nil {
		p.Note = core.CleanString(p.Note)
	}
	if p := nr.Payload.Assessment; p != nil {
		p.Title = core.CleanString(p.Title)
		p.Comment = core.CleanString(p.Comment)
	}
}

// Patch carries the payload fields to change; nil fields are left untouched.
type Patch struct {
	Date   *time.Time        `json:"date,omitempty"`
	Status *AttendanceStatus `json:"status,omitempty"`
	Note   *string           `json:"note,omitempty"`

	Title      *string    `json:"title,omitempty"`
	Score      *float64   `json:"score,omitempty"`
	MaxScore   *float64   `json:"max_score,omitempty"`
	Comment    *string    `json:"comment,omitempty"`
	AssessedOn *time.Time `json:"assessed_on,omitempty"`
}

func (p Patch) IsEmpty() bool {
	return p == Patch{}
}

// Apply writes the patch onto the payload of r.
func (p Patch) Apply(r *Record) error {
	attendanceSet := p.Date != nil || p.Status != nil || p.Note != nil
	assessmentSet := p.Title != nil || p.Score != nil || p.MaxScore != nil || p.Comment != nil || p.AssessedOn != nil

	switch r.Kind {
	case KindAttendance:
		if assessmentSet {
			return core.NewValidationError(nil, core.FieldError{Field: "payload", Error: "assessment fields on an attendance record"})
		}
		if r.Payload.Attendance == nil {
			r.Payload.Attendance = &AttendancePayload{}
		}
		a := r.Payload.Attendance
		if p.Date != nil {
			a.Date = p.Date.UTC()
		}
		if p.Status != nil {
			a.Status = *p.Status
		}
		if p.Note != nil {
			a.Note = core.CleanString(*p.Note)
		}
	case KindAssessment:
		if attendanceSet {
			return core.NewValidationError(nil, core.FieldError{Field: "payload", Error: "attendance fields on an assessment record"})
		}
		if r.Payload.Assessment == nil {
			r.Payload.Assessment = &AssessmentPayload{}
		}
		a := r.Payload.Assessment
		if p.Title != nil {
			a.Title = core.CleanString(*p.Title)
		}
		if p.Score != nil {
			a.Score = *p.Score
		}
		if p.MaxScore != nil {
			a.MaxScore = *p.MaxScore
		}
		if p.Comment != nil {
			a.Comment = core.CleanString(*p.Comment)
		}
		if p.AssessedOn != nil {
			a.AssessedOn = p.AssessedOn.UTC()
		}
	}
	if err := r.Payload.Check(r.Kind); err != nil {
		return core.NewValidationError(nil, core.FieldError{Field: "payload", Error: err.Error()})
	}
	return nil
}

// Repository is the local cache of records, one mapping per Kind.
// Only the lifecycle engine writes to it.
type Repository interface {
	GetRecord(ctx context.Context, id string) (Record, error)
	PutRecord(ctx context.Context, r Record) error
	DeleteRecord(ctx context.Context, id string) error
	QueryRecords(ctx context.Context, pred Predicate) ([]Record, error)
}
