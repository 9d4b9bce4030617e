package remote_test

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trezcool/rollcall/core"
	"github.com/trezcool/rollcall/core/record"
	"github.com/trezcool/rollcall/core/remote"
	"github.com/trezcool/rollcall/core/user"
	"github.com/trezcool/rollcall/storage/database/inmem"
	"github.com/trezcool/rollcall/tests"
)

var (
	created = time.Date(2024, 3, 4, 8, 0, 0, 0, time.UTC)
	onX     = created.Add(time.Hour)
	onY     = onX.Add(time.Second)
)

type counts struct{ accepted, rejected int }

func (c *counts) WriteAccepted(record.Op)            { c.accepted++ }
func (c *counts) WriteRejected(record.Op, core.Kind) { c.rejected++ }

// edit returns the update of base a device made at the given time.
func edit(base record.Record, by string, at time.Time, status record.AttendanceStatus) record.Mutation {
	next := base.Clone()
	next.Payload.Attendance.Status = status
	next.EditCount++
	next.LastEditedAt, next.LastEditedBy = at, by
	return record.Mutation{
		ID: "m-" + at.Format("150405"), RecordID: base.ID, ActorID: by, Op: record.OpUpdate,
		Record: &next, BasedOnEditCount: base.EditCount,
	}
}

func TestService_Put(t *testing.T) {
	ctx := context.Background()

	type fixture struct {
		svc     *remote.Service
		obs     *counts
		trainer user.User
		base    record.Record
		applied record.Mutation // device X's update, already accepted
	}
	setup := func(t *testing.T) fixture {
		db := inmemdb.Open()
		stRepo := inmemdb.NewStudentRepository(db)
		trainer := testutil.CreateUser(t, inmemdb.NewUserRepository(db), "trainer", user.RoleTrainer, testutil.Scope(t, "G1:2024"), true)
		st := testutil.CreateStudent(t, stRepo, "Amani", "G1", 2024)
		obs := &counts{}
		svc := remote.NewService(inmemdb.NewDocumentStore(db), stRepo, &testutil.Logger{}, obs)

		base := record.Record{
			ID: "r-1", Kind: record.KindAttendance, StudentID: st.ID, GroupID: "G1", Year: 2024,
			AuthorID: trainer.ID, State: record.StateDraft, CreatedAt: created, LastEditedAt: created, LastEditedBy: trainer.ID,
			Payload: record.Payload{Attendance: &record.AttendancePayload{Date: created, Status: record.StatusAbsent}},
		}
		_, err := svc.Put(ctx, trainer, record.Mutation{ID: "m-create", RecordID: base.ID, Op: record.OpCreate, Record: &base})
		require.NoError(t, err)
		applied := edit(base, trainer.ID, onX, record.StatusPresent)
		_, err = svc.Put(ctx, trainer, applied)
		require.NoError(t, err)
		return fixture{svc: svc, obs: obs, trainer: trainer, base: base, applied: applied}
	}

	tests := []struct {
		name     string
		mutation func(f fixture) record.Mutation
		wantKind core.Kind
	}{
		{
			name:     "retried push",
			mutation: func(f fixture) record.Mutation { return f.applied },
		},
		{
			name: "same edit from another device",
			mutation: func(f fixture) record.Mutation {
				return edit(f.base, f.trainer.ID, onY, record.StatusPresent)
			},
			wantKind: core.KindStaleWrite,
		},
		{
			name: "other edit from another device",
			mutation: func(f fixture) record.Mutation {
				return edit(f.base, f.trainer.ID, onY, record.StatusLate)
			},
			wantKind: core.KindStaleWrite,
		},
		{
			name: "next edit",
			mutation: func(f fixture) record.Mutation {
				return edit(*f.applied.Record, f.trainer.ID, onY, record.StatusLate)
			},
		},
		{
			name: "non-finite score",
			mutation: func(f fixture) record.Mutation {
				rec := f.base.Clone()
				rec.ID, rec.Kind = "r-2", record.KindAssessment
				rec.Payload = record.Payload{Assessment: &record.AssessmentPayload{Title: "Quiz", Score: math.NaN(), MaxScore: 20, AssessedOn: created}}
				return record.Mutation{ID: "m-nan", RecordID: rec.ID, Op: record.OpCreate, Record: &rec}
			},
			wantKind: core.KindValidation,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := setup(t)
			m := tt.mutation(f)
			got, err := f.svc.Put(ctx, f.trainer, m)
			if tt.wantKind != "" {
				if kind := core.KindOf(err); kind != tt.wantKind {
					t.Fatalf("Put() error = %v, want kind %s", err, tt.wantKind)
				}
				assert.Equal(t, 1, f.obs.rejected)
				stored, err := f.svc.Get(ctx, f.trainer, f.base.ID)
				require.NoError(t, err)
				assert.True(t, stored.SameVersion(*f.applied.Record), "a rejected write leaves the store untouched")
				return
			}
			require.NoError(t, err)
			assert.True(t, got.SameVersion(*m.Record))
			assert.Zero(t, f.obs.rejected)
		})
	}
}
