package bot

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lilydjwg/xmpptalk/internal/clock"
	"github.com/lilydjwg/xmpptalk/internal/storage"
	"github.com/lilydjwg/xmpptalk/internal/textutil"
)

// Users applies nick policy on top of the repository. It keeps no state
// of its own and is safe for concurrent use.
type Users struct {
	repo     storage.Repository
	clock    clock.Clock
	rules    textutil.NickRules
	interval time.Duration
}

// NewUsers creates the nick service
func NewUsers(repo storage.Repository, c clock.Clock, rules textutil.NickRules, interval time.Duration) *Users {
	return &Users{repo: repo, clock: c, rules: rules, interval: interval}
}

// SetNick changes the nick of addr and returns the previous one.
//
// A counted change is a member's own request: it is validated, throttled
// and increments the change counter. An uncounted change assigns a name
// chosen by the bot and only has to be unique.
func (s *Users) SetNick(ctx context.Context, addr, nick string, counted bool) (string, error) {
	nick = strings.TrimSpace(nick)
	now := s.clock.Now()

	u, err := s.repo.FindUser(ctx, addr)
	if err != nil {
		return "", err
	}

	if counted {
		if err := s.rules.ValidateNick(nick); err != nil {
			return "", err
		}
	} else if nick == "" {
		return "", &textutil.ValidationError{Msg: "no nickname provided"}
	}

	other, err := s.repo.FindUserByNick(ctx, nick)
	switch {
	case err == nil && other.Address != addr:
		return "", &DuplicateNickError{Nick: nick}
	case err != nil && !errors.Is(err, storage.ErrNotFound):
		return "", err
	}

	if counted && s.interval > 0 && u.NickChanges > 0 {
		if elapsed := now.Sub(u.NickChangedAt); elapsed < s.interval {
			return "", &ThrottleError{Wait: s.interval - elapsed}
		}
	}

	upd := storage.UserUpdate{Nick: &nick}
	if counted {
		upd.NickChangedAt = &now
		upd.IncNickChanges = 1
	}
	prev, err := s.repo.UpdateUser(ctx, addr, upd)
	if errors.Is(err, storage.ErrDuplicate) {
		return "", &DuplicateNickError{Nick: nick}
	}
	if err != nil {
		return "", err
	}
	return prev.Nick, nil
}

// Ensure returns the user for addr, creating it when absent. created is
// false when the record already existed.
func (s *Users) Ensure(ctx context.Context, addr string, flags storage.Flags) (*storage.User, bool, error) {
	u, err := s.repo.FindUser(ctx, addr)
	if err == nil {
		return u, false, nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return nil, false, err
	}
	if err := textutil.ValidateAddress(addr); err != nil {
		return nil, false, err
	}

	u = storage.NewUser(addr, s.clock.Now())
	u.Flags = flags
	if err := s.repo.CreateUser(ctx, u); err != nil {
		if errors.Is(err, storage.ErrDuplicate) {
			existing, ferr := s.repo.FindUser(ctx, addr)
			if ferr == nil {
				return existing, false, nil
			}
		}
		return nil, false, fmt.Errorf("create user %s: %w", addr, err)
	}
	return u, true, nil
}

// sessionCache holds the last resolved user. It is reset at the start
// of every event and after every write to that user.
type sessionCache struct {
	addr string
	user *storage.User
}

func (c *sessionCache) get(addr string) *storage.User {
	if c.user != nil && c.addr == addr {
		return c.user
	}
	return nil
}

func (c *sessionCache) put(u *storage.User) {
	c.addr = u.Address
	c.user = u
}

func (c *sessionCache) reset() {
	c.addr = ""
	c.user = nil
}

// nickMemo remembers address to nick lookups for message formatting
type nickMemo struct {
	size  int
	nicks map[string]string
}

func newNickMemo(size int) *nickMemo {
	return &nickMemo{size: size, nicks: make(map[string]string)}
}

func (m *nickMemo) get(addr string) (string, bool) {
	n, ok := m.nicks[addr]
	return n, ok
}

func (m *nickMemo) put(addr, nick string) {
	if len(m.nicks) >= m.size {
		m.nicks = make(map[string]string)
	}
	m.nicks[addr] = nick
}

func (m *nickMemo) forget(addr string) {
	delete(m.nicks, addr)
}

// user resolves addr through the session cache, returning ErrNotFound
// for non-members.
func (b *Bot) user(ctx context.Context, addr string) (*storage.User, error) {
	if u := b.session.get(addr); u != nil {
		return u, nil
	}
	u, err := b.repo.FindUser(ctx, addr)
	if err != nil {
		return nil, err
	}
	b.session.put(u)
	return u, nil
}

// updateUser writes to addr and drops every cached copy of it
func (b *Bot) updateUser(ctx context.Context, addr string, upd storage.UserUpdate) (*storage.User, error) {
	prev, err := b.repo.UpdateUser(ctx, addr, upd)
	b.forget(addr)
	return prev, err
}

func (b *Bot) forget(addr string) {
	if b.session.addr == addr {
		b.session.reset()
	}
	b.nicks.forget(addr)
}

// setNick is Users.SetNick plus cache invalidation
func (b *Bot) setNick(ctx context.Context, addr, nick string, counted bool) (string, error) {
	old, err := b.users.SetNick(ctx, addr, nick, counted)
	b.forget(addr)
	return old, err
}

// displayName returns the nick of addr, or a stand-in for members that
// have none yet.
func (b *Bot) displayName(ctx context.Context, addr string) string {
	if n, ok := b.nicks.get(addr); ok {
		return n
	}
	name := ""
	if u, err := b.repo.FindUser(ctx, addr); err == nil {
		name = u.Nick
	}
	if name == "" {
		name = b.hashName(addr)
	}
	b.nicks.put(addr, name)
	return name
}

func (b *Bot) hashName(addr string) string {
	return textutil.HashAddress(addr, b.cfg.Salt, b.cfg.NickMaxWidth)
}

// lookupNick finds a member by nick, telling the sender when nobody
// has it.
func (b *Bot) lookupNick(ctx context.Context, ev *Event, nick string) (*storage.User, bool, error) {
	if nick != "" {
		u, err := b.repo.FindUserByNick(ctx, nick)
		if err == nil {
			return u, true, nil
		}
		if !errors.Is(err, storage.ErrNotFound) {
			return nil, false, err
		}
	}
	ev.Reply(ctx, fmt.Sprintf("Nobody with the nick \"%s\" found.", nick))
	return nil, false, nil
}

// deleteUser removes a member and everything the bot tracks for it
func (b *Bot) deleteUser(ctx context.Context, addr string) error {
	err := b.repo.DeleteUser(ctx, addr)
	b.forget(addr)
	b.cancelStatus(addr)
	if errors.Is(err, storage.ErrNotFound) {
		return nil
	}
	return err
}
