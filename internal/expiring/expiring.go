// Package expiring provides sets whose members disappear after a fixed
// TTL. The bot uses one to collapse bursts of duplicate subscribe requests.
package expiring

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/lilydjwg/xmpptalk/internal/clock"
)

// Set records keys for a limited time
type Set interface {
	// Add inserts key and reports whether it was absent
	Add(ctx context.Context, key string) (bool, error)
}

// Memory is an in-process Set
type Memory struct {
	mu    sync.Mutex
	clock clock.Clock
	ttl   time.Duration
	keys  map[string]time.Time
}

// NewMemory creates an in-process set with the given TTL
func NewMemory(c clock.Clock, ttl time.Duration) *Memory {
	return &Memory{
		clock: c,
		ttl:   ttl,
		keys:  make(map[string]time.Time),
	}
}

func (m *Memory) Add(ctx context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clock.Now()
	m.expire(now)
	if _, ok := m.keys[key]; ok {
		return false, nil
	}
	m.keys[key] = now.Add(m.ttl)
	return true, nil
}

func (m *Memory) expire(now time.Time) {
	for k, deadline := range m.keys {
		if !now.Before(deadline) {
			delete(m.keys, k)
		}
	}
}

// SetNXer is the part of a redis client the Redis set needs
type SetNXer interface {
	SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.BoolCmd
}

// Redis is a Set shared by every process using the same redis database
type Redis struct {
	client SetNXer
	prefix string
	ttl    time.Duration
}

// NewRedis creates a redis backed set. Keys are stored as prefix+key.
func NewRedis(client SetNXer, prefix string, ttl time.Duration) *Redis {
	return &Redis{client: client, prefix: prefix, ttl: ttl}
}

func (r *Redis) Add(ctx context.Context, key string) (bool, error) {
	return r.client.SetNX(ctx, r.prefix+key, 1, r.ttl).Result()
}

// NewRedisClient connects to a redis server and checks it answers
func NewRedisClient(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, err
	}
	return rdb, nil
}
