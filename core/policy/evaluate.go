package policy

import (
	"fmt"
	"time"

	"github.com/pkg/errors"

	"github.com/trezcool/rollcall/core"
	"github.com/trezcool/rollcall/core/record"
	"github.com/trezcool/rollcall/core/user"
)

// removed is the state after a delete.
const removed record.State = ""

// transitions maps an operation to its legal (from -> to) state pairs.
// The create source state is the empty state.
var transitions = map[Operation]map[record.State]record.State{
	record.OpCreate: {removed: record.StateDraft},
	record.OpUpdate: {
		record.StateDraft:    record.StateDraft,
		record.StateExported: record.StateExported,
		record.StateLocked:   record.StateLocked,
	},
	record.OpExport: {record.StateDraft: record.StateExported},
	record.OpUnlock: {
		record.StateExported: record.StateDraft,
		record.StateLocked:   record.StateDraft,
	},
	record.OpLock: {record.StateExported: record.StateLocked},
	record.OpDelete: {
		record.StateDraft:    removed,
		record.StateExported: removed,
		record.StateLocked:   removed,
	},
}

// NextState returns the state a record in state from reaches through op.
func NextState(from record.State, op Operation) (record.State, error) {
	to, ok := transitions[op][from]
	if !ok {
		if from == removed {
			from = "none"
		}
		return "", errors.Wrapf(core.ErrInvalidState, "cannot %s a %s record", op, from)
	}
	return to, nil
}

// Write is a proposed write arriving at the remote store.
// Proposed is the post-mutation record; for a delete, the record being removed.
type Write struct {
	Actor            user.User
	Op               Operation
	Proposed         record.Record
	BasedOnEditCount int64
}

// Decision is the outcome of Evaluate. Check names the failed check, if any.
type Decision struct {
	Check string
	Err   error
}

func (d Decision) Allowed() bool { return d.Err == nil }

type check struct {
	name string
	fn   func(w Write, stored *record.Record) error
}

// checks are run in order; the first failure decides.
var checks = []check{
	{"operation", checkOperation},
	{"existence", checkExistence},
	{"edit-count", checkEditCount},
	{"permission", checkPermission},
	{"transition", checkTransition},
	{"immutable-fields", checkImmutable},
	{"payload", checkPayload},
	{"stamps", checkStamps},
}

// Evaluate decides whether the write may be accepted against the stored document.
// It is side-effect free and needs nothing but its arguments.
func Evaluate(w Write, stored *record.Record) Decision {
	for _, c := range checks {
		if err := c.fn(w, stored); err != nil {
			return Decision{Check: c.name, Err: err}
		}
	}
	return Decision{}
}

func reject(w Write, err error, reason string) error {
	return core.NewRecordError(w.Proposed.ID, err, reason)
}

func checkOperation(w Write, _ *record.Record) error {
	if !w.Op.IsWrite() {
		return reject(w, core.ErrInvalidState, fmt.Sprintf("%q is not a write", w.Op))
	}
	return nil
}

func checkExistence(w Write, stored *record.Record) error {
	switch {
	case w.Op == record.OpCreate && stored != nil:
		return reject(w, core.ErrStaleWrite, "record already exists")
	case w.Op != record.OpCreate && stored == nil:
		return reject(w, core.ErrNotFound, "record does not exist")
	}
	return nil
}

func checkEditCount(w Write, stored *record.Record) error {
	if stored != nil && stored.EditCount != w.BasedOnEditCount {
		return reject(w, core.ErrStaleWrite,
			fmt.Sprintf("based on edit %d, stored edit is %d", w.BasedOnEditCount, stored.EditCount))
	}
	return nil
}

func checkPermission(w Write, stored *record.Record) error {
	if w.Op == record.OpCreate {
		return Authorize(w.Actor, w.Proposed, w.Op)
	}
	return Authorize(w.Actor, *stored, w.Op)
}

func checkTransition(w Write, stored *record.Record) error {
	from := removed
	if stored != nil {
		from = stored.State
	}
	to, err := NextState(from, w.Op)
	if err != nil {
		return reject(w, core.ErrInvalidState, fmt.Sprintf("cannot %s a %s record", w.Op, from))
	}
	if w.Op != record.OpDelete && w.Proposed.State != to {
		return reject(w, core.ErrInvalidState, fmt.Sprintf("%s must lead to %s, not %s", w.Op, to, w.Proposed.State))
	}
	return nil
}

func checkImmutable(w Write, stored *record.Record) error {
	if stored == nil {
		return nil
	}
	p, s := w.Proposed, stored
	if p.ID != s.ID || p.Kind != s.Kind || p.StudentID != s.StudentID || p.GroupID != s.GroupID ||
		p.Year != s.Year || p.AuthorID != s.AuthorID || !p.CreatedAt.Equal(s.CreatedAt) {
		return reject(w, core.ErrPermissionDenied, "identity fields are immutable")
	}
	return nil
}

func checkPayload(w Write, stored *record.Record) error {
	switch w.Op {
	case record.OpCreate, record.OpUpdate:
		if err := w.Proposed.Payload.Check(w.Proposed.Kind); err != nil {
			return core.NewValidationError(nil, core.FieldError{Field: "payload", Error: err.Error()})
		}
	case record.OpExport, record.OpUnlock, record.OpLock:
		if !w.Proposed.Payload.Equal(stored.Payload) {
			return reject(w, core.ErrInvalidState, string(w.Op)+" must not change the payload")
		}
	}
	return nil
}

func checkStamps(w Write, stored *record.Record) error {
	p := w.Proposed
	if w.Op == record.OpDelete {
		return nil
	}
	want := int64(0)
	if stored != nil {
		want = stored.EditCount + 1
	}
	if p.EditCount != want {
		return reject(w, core.ErrStaleWrite, fmt.Sprintf("edit count must be %d", want))
	}
	if p.LastEditedBy != w.Actor.ID {
		return reject(w, core.ErrPermissionDenied, "last editor must be the caller")
	}
	switch w.Op {
	case record.OpCreate, record.OpUnlock:
		if p.ExportedAt != nil || p.ExportedBy != "" {
			return reject(w, core.ErrInvalidState, "a draft carries no export stamp")
		}
	case record.OpExport:
		if p.ExportedAt == nil || p.ExportedBy != w.Actor.ID {
			return reject(w, core.ErrInvalidState, "export must be stamped by the caller")
		}
	default:
		if !sameTime(p.ExportedAt, stored.ExportedAt) || p.ExportedBy != stored.ExportedBy {
			return reject(w, core.ErrInvalidState, "export stamp is immutable")
		}
	}
	return nil
}

func sameTime(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Equal(*b)
}
