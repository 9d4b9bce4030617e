package policy

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/trezcool/rollcall/core"
	"github.com/trezcool/rollcall/core/record"
	"github.com/trezcool/rollcall/core/user"
)

var (
	admin    = user.User{ID: "admin", Role: user.RoleAdmin, IsActive: true}
	trainerA = user.User{ID: "tA", Role: user.RoleTrainer, IsActive: true, Scope: user.Scope{{GroupID: "G1", Year: 2024}}}
	trainerB = user.User{ID: "tB", Role: user.RoleTrainer, IsActive: true, Scope: user.Scope{{GroupID: "G1", Year: 2024}}}
	outsider = user.User{ID: "tC", Role: user.RoleTrainer, IsActive: true, Scope: user.Scope{{GroupID: "G2", Year: 2024}}}
	inactive = user.User{ID: "tA", Role: user.RoleTrainer, IsActive: false, Scope: user.Scope{{GroupID: "G1", Year: 2024}}}
)

func newRecord(author string, state record.State) record.Record {
	now := time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC)
	r := record.Record{
		ID:        "r1",
		Kind:      record.KindAttendance,
		StudentID: "s1",
		GroupID:   "G1",
		Year:      2024,
		AuthorID:  author,
		Payload: record.Payload{Attendance: &record.AttendancePayload{
			Date: now, Status: record.StatusPresent,
		}},
		State:        state,
		EditCount:    3,
		CreatedAt:    now,
		LastEditedAt: now,
		LastEditedBy: author,
	}
	if state != record.StateDraft {
		r.ExportedAt = &now
		r.ExportedBy = author
	}
	return r
}

func TestAuthorize(t *testing.T) {
	draft := newRecord("tA", record.StateDraft)
	exported := newRecord("tA", record.StateExported)
	locked := newRecord("tA", record.StateLocked)
	otherGroup := newRecord("tA", record.StateDraft)
	otherGroup.GroupID = "G2"

	tests := []struct {
		name    string
		usr     user.User
		rec     record.Record
		op      Operation
		wantErr error
	}{
		{name: "admin reads anything", usr: admin, rec: locked, op: record.OpRead},
		{name: "admin creates", usr: admin, rec: draft, op: record.OpCreate},
		{name: "admin updates exported", usr: admin, rec: exported, op: record.OpUpdate},
		{name: "admin updates locked", usr: admin, rec: locked, op: record.OpUpdate},
		{name: "admin deletes exported", usr: admin, rec: exported, op: record.OpDelete},
		{name: "admin unlocks", usr: admin, rec: exported, op: record.OpUnlock},
		{name: "admin locks", usr: admin, rec: exported, op: record.OpLock},
		{name: "admin does not export", usr: admin, rec: draft, op: record.OpExport, wantErr: core.ErrPermissionDenied},
		{name: "author reads own", usr: trainerA, rec: exported, op: record.OpRead},
		{name: "author creates in scope", usr: trainerA, rec: draft, op: record.OpCreate},
		{name: "author updates draft", usr: trainerA, rec: draft, op: record.OpUpdate},
		{name: "author deletes draft", usr: trainerA, rec: draft, op: record.OpDelete},
		{name: "author exports draft", usr: trainerA, rec: draft, op: record.OpExport},
		{name: "author cannot update exported", usr: trainerA, rec: exported, op: record.OpUpdate, wantErr: core.ErrPermissionDenied},
		{name: "author cannot update locked", usr: trainerA, rec: locked, op: record.OpUpdate, wantErr: core.ErrPermissionDenied},
		{name: "author cannot delete exported", usr: trainerA, rec: exported, op: record.OpDelete, wantErr: core.ErrInvalidState},
		{name: "author cannot export twice", usr: trainerA, rec: exported, op: record.OpExport, wantErr: core.ErrInvalidState},
		{name: "author cannot unlock", usr: trainerA, rec: exported, op: record.OpUnlock, wantErr: core.ErrPermissionDenied},
		{name: "author cannot lock", usr: trainerA, rec: exported, op: record.OpLock, wantErr: core.ErrPermissionDenied},
		{name: "shared group, not author: read", usr: trainerB, rec: draft, op: record.OpRead, wantErr: core.ErrPermissionDenied},
		{name: "shared group, not author: update", usr: trainerB, rec: draft, op: record.OpUpdate, wantErr: core.ErrPermissionDenied},
		{name: "shared group, not author: create", usr: trainerB, rec: draft, op: record.OpCreate, wantErr: core.ErrPermissionDenied},
		{name: "outside scope: read", usr: outsider, rec: draft, op: record.OpRead, wantErr: core.ErrPermissionDenied},
		{name: "author out of scope group", usr: trainerA, rec: otherGroup, op: record.OpRead, wantErr: core.ErrPermissionDenied},
		{name: "author out of scope create", usr: trainerA, rec: otherGroup, op: record.OpCreate, wantErr: core.ErrPermissionDenied},
		{name: "inactive account", usr: inactive, rec: draft, op: record.OpRead, wantErr: core.ErrPermissionDenied},
		{name: "unknown role", usr: user.User{ID: "x", Role: "guest", IsActive: true}, rec: draft, op: record.OpRead, wantErr: core.ErrPermissionDenied},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Authorize(tt.usr, tt.rec, tt.op)
			if tt.wantErr == nil {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, tt.wantErr)
			var rErr *core.RecordError
			if assert.ErrorAs(t, err, &rErr) {
				assert.Equal(t, tt.rec.ID, rErr.RecordID)
				assert.NotEmpty(t, rErr.Reason)
			}
		})
	}
}

func TestCanActOn_deterministic(t *testing.T) {
	users := []user.User{admin, trainerA, trainerB, outsider, inactive}
	for _, usr := range users {
		for _, state := range record.AllStates {
			rec := newRecord("tA", state)
			before := rec.Clone()
			for _, op := range record.AllOps {
				first := CanActOn(usr, rec, op)
				second := CanActOn(usr, rec, op)
				if first != second {
					t.Errorf("CanActOn(%s, %s, %s) = %v then %v", usr.ID, state, op, first, second)
				}
			}
			assert.Equal(t, before, rec, "CanActOn must not mutate the record")
		}
	}
}

func TestNextState(t *testing.T) {
	tests := []struct {
		from    record.State
		op      Operation
		want    record.State
		wantErr bool
	}{
		{from: "", op: record.OpCreate, want: record.StateDraft},
		{from: record.StateDraft, op: record.OpUpdate, want: record.StateDraft},
		{from: record.StateDraft, op: record.OpExport, want: record.StateExported},
		{from: record.StateExported, op: record.OpUnlock, want: record.StateDraft},
		{from: record.StateLocked, op: record.OpUnlock, want: record.StateDraft},
		{from: record.StateExported, op: record.OpLock, want: record.StateLocked},
		{from: record.StateExported, op: record.OpDelete, want: ""},
		{from: record.StateExported, op: record.OpExport, wantErr: true},
		{from: record.StateDraft, op: record.OpUnlock, wantErr: true},
		{from: record.StateDraft, op: record.OpLock, wantErr: true},
		{from: record.StateLocked, op: record.OpLock, wantErr: true},
		{from: record.StateDraft, op: record.OpCreate, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(string(tt.from)+"/"+string(tt.op), func(t *testing.T) {
			got, err := NextState(tt.from, tt.op)
			if tt.wantErr {
				assert.ErrorIs(t, err, core.ErrInvalidState)
				return
			}
			assert.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestVisibility(t *testing.T) {
	mine := newRecord("tA", record.StateDraft)
	theirs := newRecord("tB", record.StateDraft)
	elsewhere := newRecord("tA", record.StateDraft)
	elsewhere.GroupID = "G9"

	assert.True(t, Visibility(admin).Match(theirs))
	assert.True(t, Visibility(trainerA).Match(mine))
	assert.False(t, Visibility(trainerA).Match(theirs))
	assert.False(t, Visibility(trainerA).Match(elsewhere))
	assert.True(t, Visibility(inactive).MatchesNothing())

	// the predicate and the read rule agree
	for _, usr := range []user.User{admin, trainerA, trainerB, outsider} {
		for _, rec := range []record.Record{mine, theirs, elsewhere} {
			assert.Equal(t, CanActOn(usr, rec, record.OpRead), Visibility(usr).Match(rec), "%s on %s/%s", usr.ID, rec.AuthorID, rec.GroupID)
		}
	}
}

// Every write the rule table allows on a record is accepted by Evaluate when the
// write is well-formed, and every write it denies is rejected with the same kind.
func TestEvaluate_agreesWithRuleTable(t *testing.T) {
	users := []user.User{admin, trainerA, trainerB, outsider, inactive}
	ops := []Operation{record.OpUpdate, record.OpDelete, record.OpExport, record.OpUnlock, record.OpLock}
	for _, usr := range users {
		for _, state := range record.AllStates {
			stored := newRecord("tA", state)
			for _, op := range ops {
				w := Write{Actor: usr, Op: op, Proposed: propose(stored, usr, op), BasedOnEditCount: stored.EditCount}
				d := Evaluate(w, &stored)

				authErr := Authorize(usr, stored, op)
				_, transErr := NextState(stored.State, op)
				switch {
				case authErr != nil:
					assert.Equal(t, core.KindOf(authErr), core.KindOf(d.Err), "%s %s %s", usr.ID, op, state)
					assert.Equal(t, "permission", d.Check)
				case transErr != nil:
					assert.ErrorIs(t, d.Err, core.ErrInvalidState, "%s %s %s", usr.ID, op, state)
				default:
					assert.True(t, d.Allowed(), "%s %s %s: %v", usr.ID, op, state, d.Err)
				}
			}
		}
	}
}

func propose(stored record.Record, usr user.User, op Operation) record.Record {
	p := stored.Clone()
	if op == record.OpDelete {
		return p
	}
	now := time.Date(2024, 3, 2, 8, 0, 0, 0, time.UTC)
	if next, err := NextState(stored.State, op); err == nil {
		p.State = next
	}
	p.EditCount++
	p.LastEditedAt = now
	p.LastEditedBy = usr.ID
	switch op {
	case record.OpExport:
		p.ExportedAt = &now
		p.ExportedBy = usr.ID
	case record.OpUnlock:
		p.ExportedAt = nil
		p.ExportedBy = ""
	case record.OpUpdate:
		p.Payload.Attendance.Status = record.StatusLate
	}
	return p
}

func TestEvaluate(t *testing.T) {
	draft := newRecord("tA", record.StateDraft)

	created := draft.Clone()
	created.EditCount = 0

	tests := []struct {
		name      string
		write     Write
		stored    *record.Record
		wantCheck string
		wantErr   error
	}{
		{
			name:  "create accepted",
			write: Write{Actor: trainerA, Op: record.OpCreate, Proposed: created},
		},
		{
			name:      "create over existing",
			write:     Write{Actor: trainerA, Op: record.OpCreate, Proposed: created},
			stored:    &draft,
			wantCheck: "existence", wantErr: core.ErrStaleWrite,
		},
		{
			name:      "update of missing record",
			write:     Write{Actor: trainerA, Op: record.OpUpdate, Proposed: propose(draft, trainerA, record.OpUpdate), BasedOnEditCount: 3},
			wantCheck: "existence", wantErr: core.ErrNotFound,
		},
		{
			name:      "stale base",
			write:     Write{Actor: trainerA, Op: record.OpUpdate, Proposed: propose(draft, trainerA, record.OpUpdate), BasedOnEditCount: 2},
			stored:    &draft,
			wantCheck: "edit-count", wantErr: core.ErrStaleWrite,
		},
		{
			name: "edit count not bumped",
			write: func() Write {
				p := propose(draft, trainerA, record.OpUpdate)
				p.EditCount = draft.EditCount
				return Write{Actor: trainerA, Op: record.OpUpdate, Proposed: p, BasedOnEditCount: 3}
			}(),
			stored:    &draft,
			wantCheck: "stamps", wantErr: core.ErrStaleWrite,
		},
		{
			name: "author change",
			write: func() Write {
				p := propose(draft, trainerA, record.OpUpdate)
				p.AuthorID = "tB"
				return Write{Actor: trainerA, Op: record.OpUpdate, Proposed: p, BasedOnEditCount: 3}
			}(),
			stored:    &draft,
			wantCheck: "immutable-fields", wantErr: core.ErrPermissionDenied,
		},
		{
			name: "state skipped",
			write: func() Write {
				p := propose(draft, trainerA, record.OpUpdate)
				p.State = record.StateLocked
				return Write{Actor: trainerA, Op: record.OpUpdate, Proposed: p, BasedOnEditCount: 3}
			}(),
			stored:    &draft,
			wantCheck: "transition", wantErr: core.ErrInvalidState,
		},
		{
			name: "export stamped by someone else",
			write: func() Write {
				p := propose(draft, trainerA, record.OpExport)
				p.ExportedBy = "tB"
				return Write{Actor: trainerA, Op: record.OpExport, Proposed: p, BasedOnEditCount: 3}
			}(),
			stored:    &draft,
			wantCheck: "stamps", wantErr: core.ErrInvalidState,
		},
		{
			name: "export changing payload",
			write: func() Write {
				p := propose(draft, trainerA, record.OpExport)
				p.Payload.Attendance.Status = record.StatusAbsent
				return Write{Actor: trainerA, Op: record.OpExport, Proposed: p, BasedOnEditCount: 3}
			}(),
			stored:    &draft,
			wantCheck: "payload", wantErr: core.ErrInvalidState,
		},
		{
			name: "malformed payload",
			write: func() Write {
				p := propose(draft, trainerA, record.OpUpdate)
				p.Payload.Attendance.Status = "sleeping"
				return Write{Actor: trainerA, Op: record.OpUpdate, Proposed: p, BasedOnEditCount: 3}
			}(),
			stored:    &draft,
			wantCheck: "payload",
		},
		{
			name:      "read is not a write",
			write:     Write{Actor: trainerA, Op: record.OpRead, Proposed: draft, BasedOnEditCount: 3},
			stored:    &draft,
			wantCheck: "operation", wantErr: core.ErrInvalidState,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := Evaluate(tt.write, tt.stored)
			if tt.wantCheck == "" {
				assert.True(t, d.Allowed(), "Evaluate() err = %v", d.Err)
				return
			}
			assert.Equal(t, tt.wantCheck, d.Check, "Evaluate() err = %v", d.Err)
			if tt.wantErr != nil {
				assert.ErrorIs(t, d.Err, tt.wantErr)
			} else {
				assert.Equal(t, core.KindValidation, core.KindOf(d.Err))
			}
		})
	}
}
