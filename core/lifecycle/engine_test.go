package lifecycle_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trezcool/rollcall/core"
	"github.com/trezcool/rollcall/core/lifecycle"
	"github.com/trezcool/rollcall/core/record"
	"github.com/trezcool/rollcall/core/student"
	"github.com/trezcool/rollcall/core/user"
	"github.com/trezcool/rollcall/storage/database/inmem"
	"github.com/trezcool/rollcall/tests"
)

type fixture struct {
	engine   *lifecycle.Engine
	outbox   record.Outbox
	logger   *testutil.Logger
	admin    user.Session
	trainerA user.Session
	trainerB user.Session
	st       student.Student // G1/2024
	other    student.Student // G2/2024
}

func setup(t *testing.T) *fixture {
	db := inmemdb.Open()
	usrRepo := inmemdb.NewUserRepository(db)
	stRepo := inmemdb.NewStudentRepository(db)
	outbox := inmemdb.NewOutbox(db)
	validate, translator := testutil.NewValidator()
	logger := &testutil.Logger{}

	scope := testutil.Scope(t, "G1:2024")
	return &fixture{
		engine:   lifecycle.NewEngine(inmemdb.NewRecordRepository(db), outbox, stRepo, validate, translator, logger),
		outbox:   outbox,
		logger:   logger,
		admin:    user.NewSession(testutil.CreateUser(t, usrRepo, "admin", user.RoleAdmin, nil, true)),
		trainerA: user.NewSession(testutil.CreateUser(t, usrRepo, "trainer_a", user.RoleTrainer, scope, true)),
		trainerB: user.NewSession(testutil.CreateUser(t, usrRepo, "trainer_b", user.RoleTrainer, scope, true)),
		st:       testutil.CreateStudent(t, stRepo, "Amani", "G1", 2024),
		other:    testutil.CreateStudent(t, stRepo, "Baraka", "G2", 2024),
	}
}

func (f *fixture) create(t *testing.T, sess user.Session) record.Record {
	t.Helper()
	rec, err := f.engine.Create(context.Background(), sess, testutil.Attendance(f.st.ID, record.StatusAbsent))
	require.NoError(t, err)
	return rec
}

func TestEngine_trainerScenario(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	rec := f.create(t, f.trainerA)
	assert.Equal(t, record.StateDraft, rec.State)
	assert.Equal(t, int64(0), rec.EditCount)
	assert.Equal(t, "G1", rec.GroupID)
	assert.Equal(t, 2024, rec.Year)
	assert.Equal(t, f.trainerA.UserID(), rec.AuthorID)

	rec, err := f.engine.Update(ctx, f.trainerA, rec.ID, 0, testutil.StatusPatch(record.StatusPresent))
	require.NoError(t, err)
	assert.Equal(t, int64(1), rec.EditCount)
	assert.Equal(t, record.StatusPresent, rec.Payload.Attendance.Status)
	assert.Equal(t, f.trainerA.UserID(), rec.LastEditedBy)

	res, err := f.engine.ExportBatch(ctx, f.trainerA, []string{rec.ID})
	require.NoError(t, err)
	assert.Empty(t, res.Rejected)
	require.Len(t, res.Succeeded, 1)
	exported := res.Succeeded[0]
	assert.Equal(t, record.StateExported, exported.State)
	assert.NotNil(t, exported.ExportedAt)
	assert.Equal(t, f.trainerA.UserID(), exported.ExportedBy)

	_, err = f.engine.Update(ctx, f.trainerA, rec.ID, exported.EditCount, testutil.StatusPatch(record.StatusLate))
	assert.ErrorIs(t, err, core.ErrPermissionDenied)
	assert.Equal(t, core.KindPermissionDenied, core.KindOf(err))

	// every accepted mutation was queued in order
	queue, err := f.outbox.ListMutations(ctx)
	require.NoError(t, err)
	require.Len(t, queue, 3)
	ops := []record.Op{record.OpCreate, record.OpUpdate, record.OpExport}
	for i, m := range queue {
		assert.Equal(t, ops[i], m.Op)
		assert.Equal(t, int64(i), m.BasedOnEditCount)
		assert.Equal(t, int64(i+1), m.Seq)
		assert.Equal(t, record.StatusQueued, m.Status)
	}
}

func TestEngine_ExportBatch_idempotence(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	r1 := f.create(t, f.trainerA)
	r2 := f.create(t, f.trainerA)
	ids := []string{r1.ID, r2.ID}

	first, err := f.engine.ExportBatch(ctx, f.trainerA, ids)
	require.NoError(t, err)
	require.Len(t, first.Succeeded, 2)

	second, err := f.engine.ExportBatch(ctx, f.trainerA, ids)
	require.NoError(t, err)
	assert.Empty(t, second.Succeeded)
	require.Len(t, second.Rejected, 2)
	for i, rej := range second.Rejected {
		assert.Equal(t, ids[i], rej.RecordID)
		assert.Equal(t, core.KindInvalidState, rej.Kind)
		assert.Equal(t, "already exported", rej.Reason)

		got, err := f.engine.Get(ctx, f.trainerA, ids[i])
		require.NoError(t, err)
		assert.True(t, got.ExportedAt.Equal(*first.Succeeded[i].ExportedAt))
		assert.Equal(t, first.Succeeded[i].ExportedBy, got.ExportedBy)
		assert.Equal(t, first.Succeeded[i].EditCount, got.EditCount)
	}
}

func TestEngine_ExportBatch_partial(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	mine := f.create(t, f.trainerA)
	theirs := f.create(t, f.trainerB)

	res, err := f.engine.ExportBatch(ctx, f.trainerA, []string{theirs.ID, "missing", mine.ID})
	require.NoError(t, err)
	require.Len(t, res.Succeeded, 1)
	assert.Equal(t, mine.ID, res.Succeeded[0].ID)

	want := []lifecycle.Rejection{
		{RecordID: theirs.ID, Kind: core.KindPermissionDenied, Reason: "not your record"},
		{RecordID: "missing", Kind: core.KindNotFound},
	}
	require.Len(t, res.Rejected, len(want))
	for i, w := range want {
		assert.Equal(t, w.RecordID, res.Rejected[i].RecordID)
		assert.Equal(t, w.Kind, res.Rejected[i].Kind)
		assert.NotEmpty(t, res.Rejected[i].Reason)
		if w.Reason != "" {
			assert.Equal(t, w.Reason, res.Rejected[i].Reason)
		}
	}

	// admins do not export
	res, err = f.engine.ExportBatch(ctx, f.admin, []string{theirs.ID})
	require.NoError(t, err)
	require.Len(t, res.Rejected, 1)
	assert.Equal(t, core.KindPermissionDenied, res.Rejected[0].Kind)
}

func TestEngine_unlockScenario(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	rec := f.create(t, f.trainerA)
	res, err := f.engine.ExportBatch(ctx, f.trainerA, []string{rec.ID})
	require.NoError(t, err)
	exported := res.Succeeded[0]
	assert.Equal(t, int64(1), exported.EditCount)

	_, err = f.engine.Unlock(ctx, f.trainerA, rec.ID)
	assert.ErrorIs(t, err, core.ErrPermissionDenied)

	unlocked, err := f.engine.Unlock(ctx, f.admin, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, record.StateDraft, unlocked.State)
	assert.Equal(t, int64(2), unlocked.EditCount)
	assert.Nil(t, unlocked.ExportedAt)
	assert.Empty(t, unlocked.ExportedBy)

	edited, err := f.engine.Update(ctx, f.trainerA, rec.ID, unlocked.EditCount, testutil.StatusPatch(record.StatusExcused))
	require.NoError(t, err)
	assert.Equal(t, int64(3), edited.EditCount)

	_, err = f.engine.Unlock(ctx, f.admin, rec.ID)
	assert.ErrorIs(t, err, core.ErrInvalidState, "a draft cannot be unlocked")
}

func TestEngine_lock(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	rec := f.create(t, f.trainerA)
	_, err := f.engine.Lock(ctx, f.admin, rec.ID)
	assert.ErrorIs(t, err, core.ErrInvalidState, "only exported records lock")

	_, err = f.engine.ExportBatch(ctx, f.trainerA, []string{rec.ID})
	require.NoError(t, err)
	_, err = f.engine.Lock(ctx, f.trainerA, rec.ID)
	assert.ErrorIs(t, err, core.ErrPermissionDenied)

	locked, err := f.engine.Lock(ctx, f.admin, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, record.StateLocked, locked.State)
	assert.NotNil(t, locked.ExportedAt, "locking keeps the export stamp")

	err = f.engine.Delete(ctx, f.trainerA, rec.ID)
	assert.ErrorIs(t, err, core.ErrInvalidState)

	assert.Equal(t, []record.Op{record.OpRead}, f.engine.Capabilities(f.trainerA, locked))
	assert.ElementsMatch(t,
		[]record.Op{record.OpRead, record.OpUpdate, record.OpDelete, record.OpUnlock},
		f.engine.Capabilities(f.admin, locked))
}

func TestEngine_adminOverride(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	rec := f.create(t, f.trainerA)
	res, err := f.engine.ExportBatch(ctx, f.trainerA, []string{rec.ID})
	require.NoError(t, err)
	exported := res.Succeeded[0]

	edited, err := f.engine.Update(ctx, f.admin, rec.ID, exported.EditCount, testutil.StatusPatch(record.StatusLate))
	require.NoError(t, err)
	assert.Equal(t, record.StateExported, edited.State)
	assert.Equal(t, exported.EditCount+1, edited.EditCount)
	assert.Equal(t, f.admin.UserID(), edited.LastEditedBy)
	assert.Equal(t, f.trainerA.UserID(), edited.ExportedBy, "export stamp survives an admin edit")

	err = f.engine.Delete(ctx, f.trainerA, rec.ID)
	assert.ErrorIs(t, err, core.ErrInvalidState)

	require.NoError(t, f.engine.Delete(ctx, f.admin, rec.ID))
	_, err = f.engine.Get(ctx, f.admin, rec.ID)
	assert.ErrorIs(t, err, core.ErrNotFound)

	warns := f.logger.Entries("warn")
	require.Len(t, warns, 2)
	assert.Contains(t, warns[0].Msg, "editing exported record")
	assert.Contains(t, warns[1].Msg, "deleting exported record")
}

func TestEngine_Delete(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	rec := f.create(t, f.trainerA)
	err := f.engine.Delete(ctx, f.trainerB, rec.ID)
	assert.ErrorIs(t, err, core.ErrPermissionDenied)

	require.NoError(t, f.engine.Delete(ctx, f.trainerA, rec.ID))
	err = f.engine.Delete(ctx, f.trainerA, rec.ID)
	assert.ErrorIs(t, err, core.ErrNotFound)
	assert.Empty(t, f.logger.Entries("warn"), "deleting a draft is not an override")

	queue, err := f.outbox.ListMutations(ctx)
	require.NoError(t, err)
	require.Len(t, queue, 2)
	assert.Equal(t, record.OpDelete, queue[1].Op)
	assert.Equal(t, rec.ID, queue[1].Record.ID)
}

func TestEngine_Update(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	rec := f.create(t, f.trainerA)
	title := "Quiz"

	tests := []struct {
		name     string
		sess     user.Session
		id       string
		basedOn  int64
		patch    record.Patch
		wantKind core.Kind
	}{
		{name: "stale base", sess: f.trainerA, id: rec.ID, basedOn: 7, patch: testutil.StatusPatch(record.StatusLate), wantKind: core.KindStaleWrite},
		{name: "not found", sess: f.trainerA, id: "nope", patch: testutil.StatusPatch(record.StatusLate), wantKind: core.KindNotFound},
		{name: "other trainer", sess: f.trainerB, id: rec.ID, patch: testutil.StatusPatch(record.StatusLate), wantKind: core.KindPermissionDenied},
		{name: "no session", id: rec.ID, patch: testutil.StatusPatch(record.StatusLate), wantKind: core.KindPermissionDenied},
		{name: "empty patch", sess: f.trainerA, id: rec.ID, wantKind: core.KindValidation},
		{name: "wrong kind fields", sess: f.trainerA, id: rec.ID, patch: record.Patch{Title: &title}, wantKind: core.KindValidation},
		{name: "bad status", sess: f.trainerA, id: rec.ID, patch: testutil.StatusPatch("asleep"), wantKind: core.KindValidation},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.engine.Update(ctx, tt.sess, tt.id, tt.basedOn, tt.patch)
			assert.Equal(t, tt.wantKind, core.KindOf(err), "Update() err = %v", err)
		})
	}

	got, err := f.engine.Get(ctx, f.trainerA, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(0), got.EditCount, "rejected updates leave the record untouched")
}

func TestEngine_Create(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	mismatch := testutil.Attendance(f.st.ID, record.StatusPresent)
	mismatch.GroupID = "G2"
	noPayload := testutil.Attendance(f.st.ID, record.StatusPresent)
	noPayload.Payload = record.Payload{}
	wrongPayload := testutil.Attendance(f.st.ID, record.StatusPresent)
	wrongPayload.Kind = record.KindAssessment
	onBehalf := testutil.Attendance(f.st.ID, record.StatusPresent)
	onBehalf.AuthorID = f.trainerA.UserID()
	spoofed := testutil.Attendance(f.st.ID, record.StatusPresent)
	spoofed.AuthorID = f.trainerB.UserID()

	tests := []struct {
		name       string
		sess       user.Session
		nr         record.NewRecord
		wantKind   core.Kind
		wantAuthor string
	}{
		{name: "attendance", sess: f.trainerA, nr: testutil.Attendance(f.st.ID, record.StatusPresent), wantAuthor: f.trainerA.UserID()},
		{name: "assessment", sess: f.trainerA, nr: testutil.Assessment(f.st.ID, "Quiz 1", 7, 10), wantAuthor: f.trainerA.UserID()},
		{name: "admin entry", sess: f.admin, nr: testutil.Attendance(f.other.ID, record.StatusPresent), wantAuthor: f.admin.UserID()},
		{name: "admin on behalf of a trainer", sess: f.admin, nr: onBehalf, wantAuthor: f.trainerA.UserID()},
		{name: "trainer spoofing author", sess: f.trainerA, nr: spoofed, wantKind: core.KindPermissionDenied},
		{name: "student out of scope", sess: f.trainerA, nr: testutil.Attendance(f.other.ID, record.StatusPresent), wantKind: core.KindPermissionDenied},
		{name: "unknown student", sess: f.trainerA, nr: testutil.Attendance("ghost", record.StatusPresent), wantKind: core.KindValidation},
		{name: "group mismatch", sess: f.trainerA, nr: mismatch, wantKind: core.KindValidation},
		{name: "score above max", sess: f.trainerA, nr: testutil.Assessment(f.st.ID, "Quiz 1", 11, 10), wantKind: core.KindValidation},
		{name: "missing payload", sess: f.trainerA, nr: noPayload, wantKind: core.KindValidation},
		{name: "payload of the other kind", sess: f.trainerA, nr: wrongPayload, wantKind: core.KindValidation},
		{name: "invalid status", sess: f.trainerA, nr: testutil.Attendance(f.st.ID, "asleep"), wantKind: core.KindValidation},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec, err := f.engine.Create(ctx, tt.sess, tt.nr)
			if tt.wantKind != "" {
				assert.Equal(t, tt.wantKind, core.KindOf(err), "Create() err = %v", err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantAuthor, rec.AuthorID)
			assert.Equal(t, record.StateDraft, rec.State)
			assert.Equal(t, int64(0), rec.EditCount)
		})
	}
}

func TestEngine_Query_scopeIsolation(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	a1 := f.create(t, f.trainerA)
	a2 := f.create(t, f.trainerA)
	b1 := f.create(t, f.trainerB)

	got, err := f.engine.Query(ctx, f.trainerA, record.Predicate{})
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{a1.ID, a2.ID}, ids(got))

	got, err = f.engine.Query(ctx, f.trainerA, record.Predicate{AuthorIDs: []string{f.trainerB.UserID()}})
	require.NoError(t, err)
	assert.Empty(t, got)

	got, err = f.engine.Query(ctx, f.admin, record.Predicate{})
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{a1.ID, a2.ID, b1.ID}, ids(got))

	_, err = f.engine.Get(ctx, f.trainerA, b1.ID)
	assert.ErrorIs(t, err, core.ErrPermissionDenied)
}

func TestEngine_editCountMonotonic(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	rec := f.create(t, f.trainerA)
	statuses := []record.AttendanceStatus{record.StatusPresent, record.StatusLate, record.StatusAbsent, record.StatusExcused}
	for i, s := range statuses {
		next, err := f.engine.Update(ctx, f.trainerA, rec.ID, rec.EditCount, testutil.StatusPatch(s))
		require.NoError(t, err)
		assert.Equal(t, rec.EditCount+1, next.EditCount, "update %d", i)
		assert.False(t, next.LastEditedAt.Before(rec.LastEditedAt))
		rec = next
	}
}

func ids(recs []record.Record) []string {
	res := make([]string, 0, len(recs))
	for _, r := range recs {
		res = append(res, r.ID)
	}
	return res
}
