package user_test

import (
	"context"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trezcool/rollcall/core"
	"github.com/trezcool/rollcall/core/user"
	"github.com/trezcool/rollcall/storage/database/inmem"
	"github.com/trezcool/rollcall/tests"
)

var adminSession = user.NewSession(user.User{ID: "u-admin", Role: user.RoleAdmin, IsActive: true})

func newService() (*user.Service, user.Repository) {
	repo := inmemdb.NewUserRepository(inmemdb.Open())
	validate, translator := testutil.NewValidator()
	return user.NewService(repo, validate, translator, new(testutil.Logger)), repo
}

func TestParseScope(t *testing.T) {
	tests := []struct {
		name    string
		in      string
		want    user.Scope
		wantErr bool
	}{
		{name: "empty", in: "", want: nil},
		{name: "single", in: "G1:2024", want: user.Scope{{GroupID: "G1", Year: 2024}}},
		{
			name: "sorted and deduplicated",
			in:   " G2:2024, G1:2025 ,G1:2024,G2:2024",
			want: user.Scope{{GroupID: "G1", Year: 2024}, {GroupID: "G1", Year: 2025}, {GroupID: "G2", Year: 2024}},
		},
		{name: "no year", in: "G1", wantErr: true},
		{name: "no group", in: ":2024", wantErr: true},
		{name: "bad year", in: "G1:twenty", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := user.ParseScope(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseScope() error = %v, wantErr %v", err, tt.wantErr)
			}
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestScope(t *testing.T) {
	scope := testutil.Scope(t, "G2:2024,G1:2024,G1:2025")
	assert.True(t, scope.Contains("G1", 2025))
	assert.False(t, scope.Contains("G2", 2025))
	assert.True(t, scope.HasGroup("G2"))
	assert.False(t, scope.HasGroup("G3"))
	assert.Equal(t, []string{"G1", "G2"}, scope.Groups())
	assert.Equal(t, "G1:2024,G1:2025,G2:2024", scope.String())
}

func TestService_Create(t *testing.T) {
	svc, repo := newService()
	ctx := context.Background()
	testutil.CreateUser(t, repo, "taken", user.RoleTrainer, nil, true)

	valid := func() user.NewUser {
		return user.NewUser{
			Name:            "Jane Trainer",
			Username:        "Jane",
			Email:           "Jane@Test.cd",
			Password:        "pass1234",
			PasswordConfirm: "pass1234",
			Role:            user.RoleTrainer,
			Scope:           user.Scope{{GroupID: "G2", Year: 2024}, {GroupID: "G1", Year: 2024}},
		}
	}

	tests := []struct {
		name      string
		actor     user.Session
		edit      func(nu *user.NewUser)
		wantKind  core.Kind
		wantField string
	}{
		{name: "trainer actor", actor: user.NewSession(user.User{ID: "u-1", Role: user.RoleTrainer, IsActive: true}), wantKind: core.KindPermissionDenied},
		{name: "password mismatch", actor: adminSession, edit: func(nu *user.NewUser) { nu.PasswordConfirm = "other123" }, wantKind: core.KindValidation, wantField: "password_confirm"},
		{name: "bad role", actor: adminSession, edit: func(nu *user.NewUser) { nu.Role = "student" }, wantKind: core.KindValidation, wantField: "role"},
		{name: "username taken", actor: adminSession, edit: func(nu *user.NewUser) { nu.Username = "taken" }, wantKind: core.KindValidation, wantField: "username"},
		{name: "valid", actor: adminSession},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			nu := valid()
			if tt.edit != nil {
				tt.edit(&nu)
			}
			usr, err := svc.Create(ctx, tt.actor, nu)
			if tt.wantKind != "" {
				if got := core.KindOf(err); got != tt.wantKind {
					t.Fatalf("Create() error = %v, want kind %s", err, tt.wantKind)
				}
				if tt.wantField != "" {
					var vErr *core.ValidationError
					require.True(t, errors.As(err, &vErr))
					var fields []string
					for _, f := range vErr.Fields {
						fields = append(fields, f.Field)
					}
					assert.Contains(t, fields, tt.wantField)
				}
				return
			}
			require.NoError(t, err)
			assert.NotEmpty(t, usr.ID)
			assert.Equal(t, "jane", usr.Username)
			assert.Equal(t, "jane@test.cd", usr.Email)
			assert.True(t, usr.IsActive)
			assert.Equal(t, "G1:2024,G2:2024", usr.Scope.String())
		})
	}

	t.Run("admin has no scope", func(t *testing.T) {
		nu := valid()
		nu.Username, nu.Email, nu.Role = "boss", "", user.RoleAdmin
		usr, err := svc.Create(ctx, adminSession, nu)
		require.NoError(t, err)
		assert.Empty(t, usr.Scope)
	})
}

func TestService_Authenticate(t *testing.T) {
	svc, repo := newService()
	ctx := context.Background()
	active := testutil.CreateUser(t, repo, "active", user.RoleTrainer, nil, true, "pass1234")
	testutil.CreateUser(t, repo, "gone", user.RoleTrainer, nil, false, "pass1234")

	tests := []struct {
		name     string
		uname    string
		pwd      string
		wantKind core.Kind
	}{
		{name: "by username", uname: "Active", pwd: "pass1234"},
		{name: "by email", uname: "active@test.cd", pwd: "pass1234"},
		{name: "wrong password", uname: "active", pwd: "nope1234", wantKind: core.KindNotFound},
		{name: "unknown", uname: "nobody", pwd: "pass1234", wantKind: core.KindNotFound},
		{name: "deactivated", uname: "gone", pwd: "pass1234", wantKind: core.KindPermissionDenied},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			usr, err := svc.Authenticate(ctx, tt.uname, tt.pwd)
			if tt.wantKind != "" {
				if got := core.KindOf(err); got != tt.wantKind {
					t.Errorf("Authenticate() error = %v, want kind %s", err, tt.wantKind)
				}
				return
			}
			require.NoError(t, err)
			assert.Equal(t, active.ID, usr.ID)
			assert.False(t, usr.LastLogin.IsZero())
		})
	}
}

func TestService_SetScope(t *testing.T) {
	svc, repo := newService()
	ctx := context.Background()
	trainer := testutil.CreateUser(t, repo, "trainer", user.RoleTrainer, nil, true)
	admin := testutil.CreateUser(t, repo, "admin", user.RoleAdmin, nil, true)

	_, err := svc.SetScope(ctx, user.NewSession(trainer), trainer.ID, testutil.Scope(t, "G1:2024"))
	assert.Equal(t, core.KindPermissionDenied, core.KindOf(err))

	_, err = svc.SetScope(ctx, adminSession, admin.ID, testutil.Scope(t, "G1:2024"))
	assert.Equal(t, core.KindValidation, core.KindOf(err))

	_, err = svc.SetScope(ctx, adminSession, trainer.ID, user.Scope{{GroupID: "G1", Year: 12}})
	assert.Equal(t, core.KindValidation, core.KindOf(err))

	_, err = svc.SetScope(ctx, adminSession, "missing", testutil.Scope(t, "G1:2024"))
	assert.Equal(t, core.KindNotFound, core.KindOf(err))

	usr, err := svc.SetScope(ctx, adminSession, trainer.ID, user.Scope{{GroupID: "G2", Year: 2024}, {GroupID: "G1", Year: 2024}, {GroupID: "G2", Year: 2024}})
	require.NoError(t, err)
	assert.Equal(t, "G1:2024,G2:2024", usr.Scope.String())
}

func TestService_SetActive(t *testing.T) {
	svc, repo := newService()
	ctx := context.Background()
	trainer := testutil.CreateUser(t, repo, "trainer", user.RoleTrainer, nil, true)

	_, err := svc.SetActive(ctx, adminSession, adminSession.UserID(), false)
	assert.Equal(t, core.KindValidation, core.KindOf(err))

	usr, err := svc.SetActive(ctx, adminSession, trainer.ID, false)
	require.NoError(t, err)
	assert.False(t, usr.IsActive)

	filter := &user.QueryFilter{IsActive: new(bool)}
	users, err := svc.Query(ctx, filter)
	require.NoError(t, err)
	require.Len(t, users, 1)
	assert.Equal(t, trainer.ID, users[0].ID)
}
