package expiring

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lilydjwg/xmpptalk/internal/clock"
)

func TestMemoryExpires(t *testing.T) {
	ctx := context.Background()
	c := clock.NewFake(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	s := NewMemory(c, 5*time.Second)

	added, err := s.Add(ctx, "a@example.org")
	require.NoError(t, err)
	assert.True(t, added)

	added, _ = s.Add(ctx, "a@example.org")
	assert.False(t, added, "duplicate inside the window")

	added, _ = s.Add(ctx, "b@example.org")
	assert.True(t, added)

	c.Advance(4 * time.Second)
	added, _ = s.Add(ctx, "a@example.org")
	assert.False(t, added)

	c.Advance(time.Second)
	added, _ = s.Add(ctx, "a@example.org")
	assert.True(t, added, "window elapsed")
}

type fakeRedis struct {
	keys map[string]time.Duration
	err  error
}

func (f *fakeRedis) SetNX(ctx context.Context, key string, value interface{}, ttl time.Duration) *redis.BoolCmd {
	if f.err != nil {
		return redis.NewBoolResult(false, f.err)
	}
	if _, ok := f.keys[key]; ok {
		return redis.NewBoolResult(false, nil)
	}
	f.keys[key] = ttl
	return redis.NewBoolResult(true, nil)
}

func TestRedisSetNX(t *testing.T) {
	ctx := context.Background()
	f := &fakeRedis{keys: map[string]time.Duration{}}
	s := NewRedis(f, "xmpptalk:sub:", 5*time.Second)

	added, err := s.Add(ctx, "a@example.org")
	require.NoError(t, err)
	assert.True(t, added)
	assert.Equal(t, 5*time.Second, f.keys["xmpptalk:sub:a@example.org"])

	added, err = s.Add(ctx, "a@example.org")
	require.NoError(t, err)
	assert.False(t, added)
}

func TestRedisError(t *testing.T) {
	f := &fakeRedis{err: errors.New("connection refused")}
	s := NewRedis(f, "", time.Second)

	_, err := s.Add(context.Background(), "a@example.org")
	assert.Error(t, err)
}
