package notifysvc

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trezcool/rollcall/core"
	"github.com/trezcool/rollcall/core/record"
	syncer "github.com/trezcool/rollcall/core/sync"
	"github.com/trezcool/rollcall/core/user"
	"github.com/trezcool/rollcall/tests"
)

func TestSubject(t *testing.T) {
	tests := []struct {
		kind core.Kind
		want string
	}{
		{core.KindStaleWrite, "Conflict on record r1"},
		{core.KindTransient, "Sync pending for record r1"},
		{core.KindNotFound, "Record r1 was removed"},
		{core.KindPermissionDenied, "Your update of record r1 was refused"},
	}
	for _, tc := range tests {
		nt := syncer.Notification{RecordID: "r1", Op: record.OpUpdate, Kind: tc.kind}
		if got := Subject(nt); got != tc.want {
			t.Errorf("Subject(%s) = %q; want %q", tc.kind, got, tc.want)
		}
	}
}

func TestConsoleNotifier(t *testing.T) {
	logger := &testutil.Logger{}
	n := NewConsoleNotifier(logger, 2)
	ctx := context.Background()
	for _, id := range []string{"r1", "r2", "r3"} {
		require.NoError(t, n.Notify(ctx, syncer.Notification{RecordID: id, Kind: core.KindStaleWrite, Diff: "--- local"}))
	}

	recent := n.Recent()
	require.Len(t, recent, 2)
	assert.Equal(t, "r2", recent[0].RecordID)
	assert.Len(t, logger.Entries("info"), 3)
	assert.Len(t, logger.Entries("debug"), 3)
}

func TestSendgridNotifier_fallback(t *testing.T) {
	console := NewConsoleNotifier(&testutil.Logger{}, 0)
	n := NewSendgridNotifier(&core.Config{AppName: "Rollcall", DefaultFromEmail: "noreply@test.cd"}, console, &testutil.Logger{})

	nt := syncer.Notification{To: user.User{ID: "u1", Username: "trainer"}, RecordID: "r1", Message: "refused"}
	require.NoError(t, n.Notify(context.Background(), nt))
	assert.Len(t, console.Recent(), 1)
}

func TestSendgridNotifier_prepare(t *testing.T) {
	n := NewSendgridNotifier(&core.Config{AppName: "Rollcall", DefaultFromEmail: "noreply@test.cd"}, nil, &testutil.Logger{})
	nt := syncer.Notification{
		To:       user.User{ID: "u1", Name: "Neema", Email: "neema@test.cd"},
		RecordID: "r1",
		Kind:     core.KindStaleWrite,
		Message:  "the record was changed elsewhere",
		Diff:     "-a\n+<b>\n",
	}
	m := n.prepare(nt)
	require.Len(t, m.Personalizations, 1)
	assert.Equal(t, "[Rollcall] Conflict on record r1", m.Personalizations[0].Subject)
	assert.Equal(t, "neema@test.cd", m.Personalizations[0].To[0].Address)
	require.Len(t, m.Content, 2)
	assert.True(t, strings.HasPrefix(m.Content[0].Value, "Hello Neema,"))
	assert.Contains(t, m.Content[1].Value, "&lt;b&gt;")
}
