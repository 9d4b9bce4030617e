package sqlxrepos_test

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trezcool/rollcall/core"
	"github.com/trezcool/rollcall/core/record"
	"github.com/trezcool/rollcall/core/remote"
	"github.com/trezcool/rollcall/core/user"
	"github.com/trezcool/rollcall/storage/database"
	"github.com/trezcool/rollcall/storage/database/sqlx"
	"github.com/trezcool/rollcall/tests"
)

// openDB connects to DATABASE_URL; the tests are skipped without it.
func openDB(t *testing.T) *sqlx.DB {
	t.Helper()
	dbURL := os.Getenv("DATABASE_URL")
	if dbURL == "" {
		t.Skip("DATABASE_URL not set")
	}
	db, err := database.OpenURL(dbURL)
	require.NoError(t, err)
	require.NoError(t, database.Migrate(db))
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestUserRepository(t *testing.T) {
	db := openDB(t)
	ctx := context.Background()
	repo := sqlxrepos.NewUserRepository(db)

	uname := "u" + uuid.NewString()[:8]
	usr := testutil.CreateUser(t, repo, uname, user.RoleTrainer, testutil.Scope(t, "G1:2024,G2:2023"), true, "secret123")

	got, err := repo.GetUser(ctx, user.GetFilter{UsernameOrEmail: uname + "@test.cd"})
	require.NoError(t, err)
	assert.Equal(t, usr.ID, got.ID)
	assert.Equal(t, "G1:2024,G2:2023", got.Scope.String())
	assert.NoError(t, got.CheckPassword("secret123"))

	assert.Equal(t, user.ErrUsernameExists, repo.CheckUsernameUniqueness(ctx, uname, ""))
	assert.Equal(t, user.ErrEmailExists, repo.CheckUsernameUniqueness(ctx, "other", uname+"@test.cd"))
	assert.NoError(t, repo.CheckUsernameUniqueness(ctx, uname, "", usr))

	got.IsActive = false
	_, err = repo.UpdateUser(ctx, got)
	require.NoError(t, err)
	inactive := false
	users, err := repo.QueryUsers(ctx, &user.QueryFilter{Search: uname, IsActive: &inactive, GroupID: "G2"})
	require.NoError(t, err)
	require.Len(t, users, 1)

	_, err = repo.GetUser(ctx, user.GetFilter{ID: uuid.NewString()})
	assert.ErrorIs(t, err, core.ErrNotFound)
}

func TestDocumentStore(t *testing.T) {
	db := openDB(t)
	ctx := context.Background()
	group := "G" + uuid.NewString()[:8]
	st := testutil.CreateStudent(t, sqlxrepos.NewStudentRepository(db), "Amani", group, 2024)
	docs := sqlxrepos.NewDocumentStore(db)

	now := time.Now().UTC().Truncate(time.Microsecond)
	rec := record.Record{
		ID: uuid.NewString(), Kind: record.KindAttendance, StudentID: st.ID, GroupID: group, Year: 2024,
		AuthorID: "a1", State: record.StateDraft, CreatedAt: now, LastEditedAt: now, LastEditedBy: "a1",
		Payload: record.Payload{Attendance: &record.AttendancePayload{Date: now, Status: record.StatusLate}},
	}

	err := docs.Apply(ctx, rec.ID, func(stored *record.Record) (*record.Record, error) {
		assert.Nil(t, stored)
		return &rec, nil
	})
	require.NoError(t, err)

	got, err := docs.Get(ctx, rec.ID)
	require.NoError(t, err)
	assert.True(t, got.SameVersion(rec))
	assert.Nil(t, got.ExportedAt)

	// export
	err = docs.Apply(ctx, rec.ID, func(stored *record.Record) (*record.Record, error) {
		require.NotNil(t, stored)
		next := stored.Clone()
		next.State, next.EditCount, next.ExportedAt, next.ExportedBy = record.StateExported, 1, &now, "a1"
		return &next, nil
	})
	require.NoError(t, err)

	recs, err := docs.Query(ctx, record.Predicate{GroupIDs: []string{group}, States: []record.State{record.StateExported}})
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, now, *recs[0].ExportedAt)

	recs, err = docs.Query(ctx, record.Predicate{GroupIDs: []string{group}, Years: []int{2023}})
	require.NoError(t, err)
	assert.Empty(t, recs)

	// a failing apply leaves the document untouched
	err = docs.Apply(ctx, rec.ID, func(*record.Record) (*record.Record, error) { return nil, core.ErrStaleWrite })
	assert.ErrorIs(t, err, core.ErrStaleWrite)

	err = docs.Apply(ctx, rec.ID, func(*record.Record) (*record.Record, error) { return nil, nil })
	require.NoError(t, err)
	_, err = docs.Get(ctx, rec.ID)
	assert.ErrorIs(t, err, core.ErrNotFound)
}

func TestDocumentStore_remoteService(t *testing.T) {
	db := openDB(t)
	ctx := context.Background()
	group := "G" + uuid.NewString()[:8]
	st := testutil.CreateStudent(t, sqlxrepos.NewStudentRepository(db), "Baraka", group, 2024)
	svc := remote.NewService(sqlxrepos.NewDocumentStore(db), sqlxrepos.NewStudentRepository(db), &testutil.Logger{}, nil)

	trainer := user.User{ID: uuid.NewString(), Role: user.RoleTrainer, IsActive: true, Scope: user.Scope{{GroupID: group, Year: 2024}}}
	now := time.Now().UTC().Truncate(time.Microsecond)
	rec := record.Record{
		ID: uuid.NewString(), Kind: record.KindAssessment, StudentID: st.ID, GroupID: group, Year: 2024,
		AuthorID: trainer.ID, State: record.StateDraft, CreatedAt: now, LastEditedAt: now, LastEditedBy: trainer.ID,
		Payload: record.Payload{Assessment: &record.AssessmentPayload{Title: "Quiz", Score: 3, MaxScore: 5, AssessedOn: now}},
	}
	m := record.Mutation{ID: uuid.NewString(), RecordID: rec.ID, Op: record.OpCreate, Record: &rec}

	got, err := svc.Put(ctx, trainer, m)
	require.NoError(t, err)
	assert.Equal(t, int64(0), got.EditCount)

	// a retried create is accepted once, a second different create is stale
	_, err = svc.Put(ctx, trainer, m)
	require.NoError(t, err)
	dup := rec.Clone()
	dup.Payload.Assessment.Score = 4
	_, err = svc.Put(ctx, trainer, record.Mutation{ID: uuid.NewString(), RecordID: rec.ID, Op: record.OpCreate, Record: &dup})
	assert.ErrorIs(t, err, core.ErrStaleWrite)
}
