// Package storage defines the persistent entities of the group and the
// repository every backend implements.
package storage

import (
	"context"
	"errors"
	"strings"
	"time"
)

var (
	ErrNotFound  = errors.New("not found")
	ErrDuplicate = errors.New("duplicate key")
)

// Flags is a permission bitmask. Checks require a shared bit, not all bits.
type Flags int

const (
	PermMember Flags = 1 << iota
	PermGroupAdmin
	PermSysAdmin

	PermAll = PermMember | PermGroupAdmin | PermSysAdmin
)

// Has reports whether f shares at least one bit with mask
func (f Flags) Has(mask Flags) bool {
	return f&mask != 0
}

func (f Flags) String() string {
	var names []string
	if f&PermMember != 0 {
		names = append(names, "member")
	}
	if f&PermGroupAdmin != 0 {
		names = append(names, "group_admin")
	}
	if f&PermSysAdmin != 0 {
		names = append(names, "sys_admin")
	}
	return strings.Join(names, ", ")
}

// User is one member, keyed by bare address
type User struct {
	Address string
	// Nick is empty until one is assigned
	Nick           string
	Flags          Flags
	JoinedAt       time.Time
	LastSeen       time.Time
	MuteUntil      time.Time
	StopUntil      time.Time
	AllowDM        bool
	BlockedSenders []string
	NickChanges    int
	NickChangedAt  time.Time
	MsgCount       int
	MsgChars       int
}

// NewUser returns a member record with default settings
func NewUser(addr string, now time.Time) *User {
	return &User{
		Address:       addr,
		Flags:         PermMember,
		JoinedAt:      now,
		MuteUntil:     now,
		StopUntil:     now,
		AllowDM:       true,
		NickChangedAt: now,
	}
}

// Muted reports an active mute; an expiry equal to now is inactive
func (u *User) Muted(now time.Time) bool {
	return u.MuteUntil.After(now)
}

// Stopped reports an active stop
func (u *User) Stopped(now time.Time) bool {
	return u.StopUntil.After(now)
}

// Blocks reports whether addr may not send u direct messages
func (u *User) Blocks(addr string) bool {
	if !u.AllowDM {
		return true
	}
	for _, b := range u.BlockedSenders {
		if b == addr {
			return true
		}
	}
	return false
}

// Clone returns a deep copy
func (u *User) Clone() *User {
	c := *u
	c.BlockedSenders = append([]string(nil), u.BlockedSenders...)
	return &c
}

// UserUpdate is a partial update; nil fields are left unchanged and Inc
// fields are added to the stored counters.
type UserUpdate struct {
	Nick           *string
	Flags          *Flags
	LastSeen       *time.Time
	MuteUntil      *time.Time
	StopUntil      *time.Time
	AllowDM        *bool
	BlockedSenders *[]string
	NickChangedAt  *time.Time

	IncNickChanges int
	IncMsgCount    int
	IncMsgChars    int
}

// Apply writes the update into u
func (upd UserUpdate) Apply(u *User) {
	if upd.Nick != nil {
		u.Nick = *upd.Nick
	}
	if upd.Flags != nil {
		u.Flags = *upd.Flags
	}
	if upd.LastSeen != nil {
		u.LastSeen = *upd.LastSeen
	}
	if upd.MuteUntil != nil {
		u.MuteUntil = *upd.MuteUntil
	}
	if upd.StopUntil != nil {
		u.StopUntil = *upd.StopUntil
	}
	if upd.AllowDM != nil {
		u.AllowDM = *upd.AllowDM
	}
	if upd.BlockedSenders != nil {
		u.BlockedSenders = append([]string(nil), (*upd.BlockedSenders)...)
	}
	if upd.NickChangedAt != nil {
		u.NickChangedAt = *upd.NickChangedAt
	}
	u.NickChanges += upd.IncNickChanges
	u.MsgCount += upd.IncMsgCount
	u.MsgChars += upd.IncMsgChars
}

// LogKind classifies log entries
type LogKind string

const (
	LogMessage LogKind = "msg"
	LogNick    LogKind = "nick"
	LogSystem  LogKind = "sys"
)

// LogEntry is one line of the capped message log
type LogEntry struct {
	ID      int64
	Time    time.Time
	Address string
	Text    string
	Kind    LogKind
}

// GroupSettings is the singleton room configuration
type GroupSettings struct {
	Welcome string
	Status  string
}

// GroupUpdate is a partial update of GroupSettings
type GroupUpdate struct {
	Welcome *string
	Status  *string
}

// Apply writes the update into g
func (upd GroupUpdate) Apply(g *GroupSettings) {
	if upd.Welcome != nil {
		g.Welcome = *upd.Welcome
	}
	if upd.Status != nil {
		g.Status = *upd.Status
	}
}

// Repository persists users, the message log and group settings
type Repository interface {
	FindUser(ctx context.Context, addr string) (*User, error)
	FindUserByNick(ctx context.Context, nick string) (*User, error)
	// CreateUser fails with ErrDuplicate if the address or nick exists
	CreateUser(ctx context.Context, u *User) error
	// UpdateUser atomically applies upd and returns the record as it was
	// before. A nick collision fails with ErrDuplicate.
	UpdateUser(ctx context.Context, addr string, upd UserUpdate) (*User, error)
	DeleteUser(ctx context.Context, addr string) error
	// ListUsers orders by message count, then characters, then nick
	ListUsers(ctx context.Context) ([]*User, error)

	AppendLog(ctx context.Context, e LogEntry) error
	// RecentLogs returns at most limit entries newer than since (zero
	// means no bound), oldest first.
	RecentLogs(ctx context.Context, limit int, since time.Time) ([]LogEntry, error)

	GroupSettings(ctx context.Context) (GroupSettings, error)
	UpdateGroupSettings(ctx context.Context, upd GroupUpdate) (GroupSettings, error)

	Close() error
}
