// Package memory is an in-process Repository for tests and ephemeral runs.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/lilydjwg/xmpptalk/internal/storage"
)

type DB struct {
	mu       sync.Mutex
	users    map[string]*storage.User
	logs     []storage.LogEntry
	nextID   int64
	capacity int
	group    storage.GroupSettings
}

// New creates an empty repository keeping at most capacity log entries
func New(capacity int) *DB {
	return &DB{
		users:    make(map[string]*storage.User),
		capacity: capacity,
	}
}

func (d *DB) Close() error {
	return nil
}

func (d *DB) FindUser(ctx context.Context, addr string) (*storage.User, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	u, ok := d.users[addr]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return u.Clone(), nil
}

func (d *DB) FindUserByNick(ctx context.Context, nick string) (*storage.User, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if u := d.byNick(nick); u != nil {
		return u.Clone(), nil
	}
	return nil, storage.ErrNotFound
}

func (d *DB) byNick(nick string) *storage.User {
	if nick == "" {
		return nil
	}
	for _, u := range d.users {
		if u.Nick == nick {
			return u
		}
	}
	return nil
}

func (d *DB) CreateUser(ctx context.Context, u *storage.User) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, ok := d.users[u.Address]; ok {
		return storage.ErrDuplicate
	}
	if d.byNick(u.Nick) != nil {
		return storage.ErrDuplicate
	}
	d.users[u.Address] = u.Clone()
	return nil
}

func (d *DB) UpdateUser(ctx context.Context, addr string, upd storage.UserUpdate) (*storage.User, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	u, ok := d.users[addr]
	if !ok {
		return nil, storage.ErrNotFound
	}
	if upd.Nick != nil {
		if other := d.byNick(*upd.Nick); other != nil && other.Address != addr {
			return nil, storage.ErrDuplicate
		}
	}

	prev := u.Clone()
	upd.Apply(u)
	return prev, nil
}

func (d *DB) DeleteUser(ctx context.Context, addr string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, ok := d.users[addr]; !ok {
		return storage.ErrNotFound
	}
	delete(d.users, addr)
	return nil
}

func (d *DB) ListUsers(ctx context.Context) ([]*storage.User, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	users := make([]*storage.User, 0, len(d.users))
	for _, u := range d.users {
		users = append(users, u.Clone())
	}
	sort.Slice(users, func(i, j int) bool {
		a, b := users[i], users[j]
		if a.MsgCount != b.MsgCount {
			return a.MsgCount < b.MsgCount
		}
		if a.MsgChars != b.MsgChars {
			return a.MsgChars < b.MsgChars
		}
		return a.Nick < b.Nick
	})
	return users, nil
}

func (d *DB) AppendLog(ctx context.Context, e storage.LogEntry) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.nextID++
	e.ID = d.nextID
	d.logs = append(d.logs, e)
	if d.capacity > 0 && len(d.logs) > d.capacity {
		d.logs = append([]storage.LogEntry(nil), d.logs[len(d.logs)-d.capacity:]...)
	}
	return nil
}

func (d *DB) RecentLogs(ctx context.Context, limit int, since time.Time) ([]storage.LogEntry, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	var out []storage.LogEntry
	for i := len(d.logs) - 1; i >= 0 && len(out) < limit; i-- {
		e := d.logs[i]
		if !since.IsZero() && !e.Time.After(since) {
			continue
		}
		out = append(out, e)
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

func (d *DB) GroupSettings(ctx context.Context) (storage.GroupSettings, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.group, nil
}

func (d *DB) UpdateGroupSettings(ctx context.Context, upd storage.GroupUpdate) (storage.GroupSettings, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	upd.Apply(&d.group)
	return d.group, nil
}
