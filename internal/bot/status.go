package bot

import (
	"context"
	"errors"
	"fmt"
	"time"

	"mellium.im/xmpp/jid"
	"mellium.im/xmpp/stanza"

	"github.com/lilydjwg/xmpptalk/internal/clock"
	"github.com/lilydjwg/xmpptalk/internal/storage"
	"github.com/lilydjwg/xmpptalk/internal/xmpp"
)

type pendingStatus struct {
	at    time.Time
	timer *clock.Timer
}

// statusFor renders the status a member sees, annotated with its own
// active mute and stop.
func (b *Bot) statusFor(ctx context.Context, u *storage.User, now time.Time) string {
	prefix := ""
	if u.Muted(now) {
		prefix += fmt.Sprintf("(muted until %s) ", b.formatTime(u.MuteUntil, dateFormat))
	}
	if u.Stopped(now) {
		prefix += fmt.Sprintf("(stopped until %s) ", b.formatTime(u.StopUntil, dateFormat))
	}
	return prefix + b.statusText(ctx)
}

// updateStatus sends addr its directed status and schedules the next
// refresh at the earliest pending expiry. Recomputation is idempotent so
// the refresh may fire any number of times.
func (b *Bot) updateStatus(ctx context.Context, addr string) {
	u, err := b.repo.FindUser(ctx, addr)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			b.log.Error().Err(err).Str("jid", addr).Msg("status refresh")
		}
		b.cancelStatus(addr)
		return
	}
	to, err := jid.Parse(addr)
	if err != nil {
		return
	}

	now := b.now()
	b.sendPresence(ctx, xmpp.Presence{
		To:     to,
		Type:   stanza.AvailablePresence,
		Status: b.statusFor(ctx, u, now),
	})

	var next time.Time
	for _, t := range []time.Time{u.MuteUntil, u.StopUntil} {
		if t.After(now) && (next.IsZero() || t.Before(next)) {
			next = t
		}
	}
	b.scheduleStatus(addr, now, next)
}

func (b *Bot) scheduleStatus(addr string, now, at time.Time) {
	if p, ok := b.statuses[addr]; ok {
		if p.at.Equal(at) {
			return
		}
		p.timer.Stop()
		delete(b.statuses, addr)
	}
	if at.IsZero() {
		return
	}
	b.statuses[addr] = &pendingStatus{
		at: at,
		timer: b.clock.AfterFunc(at.Sub(now), func() {
			b.Post(func(ctx context.Context) error {
				if p, ok := b.statuses[addr]; ok && p.at.Equal(at) {
					delete(b.statuses, addr)
				}
				b.updateStatus(ctx, addr)
				return nil
			})
		}),
	}
}

func (b *Bot) cancelStatus(addr string) {
	if p, ok := b.statuses[addr]; ok {
		p.timer.Stop()
		delete(b.statuses, addr)
	}
}

// setGroupStatus changes the room status, broadcasts it and refreshes
// every member whose annotation embeds it.
func (b *Bot) setGroupStatus(ctx context.Context, status string) error {
	if err := b.updateGroupSettings(ctx, storage.GroupUpdate{Status: &status}); err != nil {
		return err
	}
	b.sendPresence(ctx, xmpp.Presence{Type: stanza.AvailablePresence, Status: b.statusText(ctx)})

	addrs := make([]string, 0, len(b.statuses))
	for addr := range b.statuses {
		addrs = append(addrs, addr)
	}
	for _, addr := range addrs {
		b.updateStatus(ctx, addr)
	}
	return nil
}
