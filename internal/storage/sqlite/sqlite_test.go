package sqlite

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lilydjwg/xmpptalk/internal/storage"
	"github.com/lilydjwg/xmpptalk/internal/textutil"
)

func newTestDB(t *testing.T, capacity int) *DB {
	t.Helper()
	db, err := New(t.TempDir(), capacity)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func strp(s string) *string { return &s }

func TestUserRoundTrip(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t, 100)
	now := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)

	u := storage.NewUser("alice@example.org", now)
	u.Flags = storage.PermAll
	u.BlockedSenders = []string{"eve@example.org"}
	require.NoError(t, db.CreateUser(ctx, u))

	got, err := db.FindUser(ctx, "alice@example.org")
	require.NoError(t, err)
	assert.Equal(t, storage.PermAll, got.Flags)
	assert.True(t, got.JoinedAt.Equal(now))
	assert.True(t, got.LastSeen.IsZero())
	assert.True(t, got.AllowDM)
	assert.Equal(t, []string{"eve@example.org"}, got.BlockedSenders)

	assert.ErrorIs(t, db.CreateUser(ctx, u), storage.ErrDuplicate)

	_, err = db.FindUser(ctx, "nobody@example.org")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestUpdateUserReturnsPrevious(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t, 100)
	now := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	require.NoError(t, db.CreateUser(ctx, storage.NewUser("alice@example.org", now)))

	later := now.Add(time.Hour)
	prev, err := db.UpdateUser(ctx, "alice@example.org", storage.UserUpdate{
		Nick:           strp("alice"),
		NickChangedAt:  &later,
		IncNickChanges: 1,
	})
	require.NoError(t, err)
	assert.Equal(t, "", prev.Nick)
	assert.Equal(t, 0, prev.NickChanges)

	prev, err = db.UpdateUser(ctx, "alice@example.org", storage.UserUpdate{
		Nick:        strp("alicia"),
		IncMsgCount: 1,
		IncMsgChars: 5,
	})
	require.NoError(t, err)
	assert.Equal(t, "alice", prev.Nick)

	got, err := db.FindUserByNick(ctx, "alicia")
	require.NoError(t, err)
	assert.Equal(t, 1, got.NickChanges)
	assert.Equal(t, 1, got.MsgCount)
	assert.Equal(t, 5, got.MsgChars)
	assert.True(t, got.NickChangedAt.Equal(later))

	_, err = db.UpdateUser(ctx, "ghost@example.org", storage.UserUpdate{})
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestFarFutureMute(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t, 100)
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, db.CreateUser(ctx, storage.NewUser("bob@example.org", now)))

	d, err := textutil.ParseDuration("99999d")
	require.NoError(t, err)
	until := now.Add(d)
	_, err = db.UpdateUser(ctx, "bob@example.org", storage.UserUpdate{MuteUntil: &until, StopUntil: &until})
	require.NoError(t, err)

	got, err := db.FindUser(ctx, "bob@example.org")
	require.NoError(t, err)
	assert.True(t, got.MuteUntil.Equal(until), "stored %v", got.MuteUntil)
	assert.True(t, got.StopUntil.Equal(until), "stored %v", got.StopUntil)
	assert.True(t, got.Muted(now))
	assert.True(t, got.Stopped(now))
}

func TestNickUniqueIndex(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t, 100)
	now := time.Now()
	require.NoError(t, db.CreateUser(ctx, storage.NewUser("a@example.org", now)))
	require.NoError(t, db.CreateUser(ctx, storage.NewUser("b@example.org", now)))

	_, err := db.UpdateUser(ctx, "a@example.org", storage.UserUpdate{Nick: strp("bob")})
	require.NoError(t, err)
	_, err = db.UpdateUser(ctx, "b@example.org", storage.UserUpdate{Nick: strp("bob")})
	assert.ErrorIs(t, err, storage.ErrDuplicate)

	u, err := db.FindUser(ctx, "b@example.org")
	require.NoError(t, err)
	assert.Equal(t, "", u.Nick, "failed update must roll back")
}

func TestDeleteUser(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t, 100)
	require.NoError(t, db.CreateUser(ctx, storage.NewUser("a@example.org", time.Now())))
	require.NoError(t, db.DeleteUser(ctx, "a@example.org"))
	assert.ErrorIs(t, db.DeleteUser(ctx, "a@example.org"), storage.ErrNotFound)
}

func TestCappedLog(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t, 3)
	base := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)

	for i := 0; i < 5; i++ {
		require.NoError(t, db.AppendLog(ctx, storage.LogEntry{
			Time:    base.Add(time.Duration(i) * time.Minute),
			Address: "a@example.org",
			Text:    fmt.Sprintf("m%d", i),
			Kind:    storage.LogMessage,
		}))
	}

	entries, err := db.RecentLogs(ctx, 10, time.Time{})
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Equal(t, "m2", entries[0].Text)
	assert.Equal(t, "m4", entries[2].Text)
	assert.Equal(t, storage.LogMessage, entries[0].Kind)

	entries, err = db.RecentLogs(ctx, 10, base.Add(3*time.Minute))
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "m4", entries[0].Text)
}

func TestGroupSettings(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t, 10)

	g, err := db.GroupSettings(ctx)
	require.NoError(t, err)
	assert.Equal(t, storage.GroupSettings{}, g)

	g, err = db.UpdateGroupSettings(ctx, storage.GroupUpdate{Welcome: strp("hello")})
	require.NoError(t, err)
	assert.Equal(t, "hello", g.Welcome)

	g, err = db.UpdateGroupSettings(ctx, storage.GroupUpdate{Status: strp("busy")})
	require.NoError(t, err)
	assert.Equal(t, storage.GroupSettings{Welcome: "hello", Status: "busy"}, g)
}

func TestListUsers(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t, 10)
	now := time.Now()
	require.NoError(t, db.CreateUser(ctx, storage.NewUser("a@example.org", now)))
	require.NoError(t, db.CreateUser(ctx, storage.NewUser("b@example.org", now)))
	_, err := db.UpdateUser(ctx, "a@example.org", storage.UserUpdate{IncMsgCount: 3})
	require.NoError(t, err)

	users, err := db.ListUsers(ctx)
	require.NoError(t, err)
	require.Len(t, users, 2)
	assert.Equal(t, "b@example.org", users[0].Address)
	assert.Equal(t, "a@example.org", users[1].Address)
}
