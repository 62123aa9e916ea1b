package memory

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lilydjwg/xmpptalk/internal/storage"
)

func nick(s string) *string { return &s }

func TestUserLifecycle(t *testing.T) {
	ctx := context.Background()
	db := New(10)
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	require.NoError(t, db.CreateUser(ctx, storage.NewUser("a@example.org", now)))
	assert.ErrorIs(t, db.CreateUser(ctx, storage.NewUser("a@example.org", now)), storage.ErrDuplicate)

	prev, err := db.UpdateUser(ctx, "a@example.org", storage.UserUpdate{Nick: nick("alice"), IncMsgCount: 2})
	require.NoError(t, err)
	assert.Equal(t, "", prev.Nick)
	assert.Equal(t, 0, prev.MsgCount)

	u, err := db.FindUserByNick(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, "a@example.org", u.Address)
	assert.Equal(t, 2, u.MsgCount)

	require.NoError(t, db.DeleteUser(ctx, "a@example.org"))
	_, err = db.FindUser(ctx, "a@example.org")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestNickUnique(t *testing.T) {
	ctx := context.Background()
	db := New(10)
	now := time.Now()

	require.NoError(t, db.CreateUser(ctx, storage.NewUser("a@example.org", now)))
	require.NoError(t, db.CreateUser(ctx, storage.NewUser("b@example.org", now)))

	_, err := db.UpdateUser(ctx, "a@example.org", storage.UserUpdate{Nick: nick("bob")})
	require.NoError(t, err)
	_, err = db.UpdateUser(ctx, "b@example.org", storage.UserUpdate{Nick: nick("bob")})
	assert.ErrorIs(t, err, storage.ErrDuplicate)

	_, err = db.UpdateUser(ctx, "a@example.org", storage.UserUpdate{Nick: nick("bob")})
	assert.NoError(t, err, "keeping your own nick is not a collision")
}

func TestReturnedUsersAreCopies(t *testing.T) {
	ctx := context.Background()
	db := New(10)
	require.NoError(t, db.CreateUser(ctx, storage.NewUser("a@example.org", time.Now())))

	u, err := db.FindUser(ctx, "a@example.org")
	require.NoError(t, err)
	u.Nick = "mutated"

	u, err = db.FindUser(ctx, "a@example.org")
	require.NoError(t, err)
	assert.Equal(t, "", u.Nick)
}

func TestCappedLog(t *testing.T) {
	ctx := context.Background()
	db := New(3)
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	for i := 0; i < 5; i++ {
		require.NoError(t, db.AppendLog(ctx, storage.LogEntry{
			Time: base.Add(time.Duration(i) * time.Minute),
			Text: fmt.Sprintf("m%d", i),
			Kind: storage.LogMessage,
		}))
	}

	all, err := db.RecentLogs(ctx, 10, time.Time{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "m2", all[0].Text)
	assert.Equal(t, "m4", all[2].Text)

	recent, err := db.RecentLogs(ctx, 10, base.Add(3*time.Minute))
	require.NoError(t, err)
	require.Len(t, recent, 1)
	assert.Equal(t, "m4", recent[0].Text)

	two, err := db.RecentLogs(ctx, 2, time.Time{})
	require.NoError(t, err)
	assert.Equal(t, []string{"m3", "m4"}, []string{two[0].Text, two[1].Text})
}

func TestListUsersOrder(t *testing.T) {
	ctx := context.Background()
	db := New(10)
	now := time.Now()
	for _, addr := range []string{"a@x.org", "b@x.org", "c@x.org"} {
		require.NoError(t, db.CreateUser(ctx, storage.NewUser(addr, now)))
	}
	_, err := db.UpdateUser(ctx, "a@x.org", storage.UserUpdate{IncMsgCount: 5})
	require.NoError(t, err)
	_, err = db.UpdateUser(ctx, "b@x.org", storage.UserUpdate{IncMsgCount: 1, IncMsgChars: 10})
	require.NoError(t, err)

	users, err := db.ListUsers(ctx)
	require.NoError(t, err)
	require.Len(t, users, 3)
	assert.Equal(t, "c@x.org", users[0].Address)
	assert.Equal(t, "b@x.org", users[1].Address)
	assert.Equal(t, "a@x.org", users[2].Address)
}

func TestGroupSettings(t *testing.T) {
	ctx := context.Background()
	db := New(10)
	status := "be nice"
	g, err := db.UpdateGroupSettings(ctx, storage.GroupUpdate{Status: &status})
	require.NoError(t, err)
	assert.Equal(t, "be nice", g.Status)

	g, err = db.GroupSettings(ctx)
	require.NoError(t, err)
	assert.Equal(t, "be nice", g.Status)
	assert.Equal(t, "", g.Welcome)
}
