package bot

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"mellium.im/xmpp/jid"
	"mellium.im/xmpp/stanza"

	"github.com/lilydjwg/xmpptalk/internal/clock"
	"github.com/lilydjwg/xmpptalk/internal/storage"
	"github.com/lilydjwg/xmpptalk/internal/textutil"
	"github.com/lilydjwg/xmpptalk/internal/xmpp"
	"github.com/lilydjwg/xmpptalk/internal/xmpp/presence"
	"github.com/lilydjwg/xmpptalk/internal/xmpp/roster"
)

type pendingProfile struct {
	to    jid.JID
	timer *clock.Timer
}

func (b *Bot) processPresence(ctx context.Context, p xmpp.Presence) error {
	b.session.reset()
	bare := p.From.Bare()
	addr := bare.String()
	if addr == b.self() {
		return nil
	}

	switch p.Type {
	case stanza.SubscribePresence:
		return b.onSubscribe(ctx, bare)
	case stanza.SubscribedPresence:
		if !b.fresh(ctx, addr) {
			return nil
		}
		if !b.mayJoin(addr) {
			b.log.Info().Str("jid", addr).Msg("unsolicited subscribed ignored")
			return nil
		}
		return b.join(ctx, bare)
	case stanza.UnsubscribePresence, stanza.UnsubscribedPresence:
		return b.leave(ctx, bare, string(p.Type))
	case stanza.AvailablePresence:
		return b.onAvailable(ctx, p)
	case stanza.UnavailablePresence:
		return b.onUnavailable(ctx, p)
	default:
		b.log.Debug().Str("jid", p.From.String()).Str("type", string(p.Type)).Msg("presence ignored")
	}
	return nil
}

// mayJoin reports whether addr passes the admission policy
func (b *Bot) mayJoin(addr string) bool {
	if b.ignored[addr] {
		return false
	}
	for _, banned := range b.cfg.Banned {
		if strings.EqualFold(banned, addr) {
			return false
		}
		if strings.HasPrefix(banned, "@") && strings.HasSuffix(strings.ToLower(addr), strings.ToLower(banned)) {
			return false
		}
	}
	if !b.cfg.Private {
		return true
	}
	return b.invited[addr] || addr == b.cfg.Root
}

// fresh reports whether a subscription stanza from addr is the first in
// the dedup window. subscribe and subscribed share the window.
func (b *Bot) fresh(ctx context.Context, addr string) bool {
	added, err := b.dedup.Add(ctx, addr)
	if err != nil {
		b.log.Warn().Err(err).Msg("subscribe dedup unavailable")
		return true
	}
	if !added {
		b.log.Debug().Str("jid", addr).Msg("duplicate subscription stanza dropped")
	}
	return added
}

func (b *Bot) onSubscribe(ctx context.Context, from jid.JID) error {
	addr := from.String()
	if !b.fresh(ctx, addr) {
		return nil
	}

	if !b.mayJoin(addr) {
		b.log.Info().Str("jid", addr).Msg("subscription denied")
		b.sendPresence(ctx, xmpp.Presence{To: from, Type: stanza.UnsubscribedPresence})
		return nil
	}

	b.log.Info().Str("jid", addr).Msg("subscription accepted")
	b.sendPresence(ctx, xmpp.Presence{To: from, Type: stanza.SubscribedPresence})
	b.sendPresence(ctx, xmpp.Presence{To: from, Type: stanza.SubscribePresence})
	return b.join(ctx, from)
}

// join creates the member record of a new address and starts choosing
// its default nick. Existing members are left alone.
func (b *Bot) join(ctx context.Context, from jid.JID) error {
	_, created, err := b.ensureUser(ctx, from.Bare().String())
	if err != nil || !created {
		return err
	}
	b.welcome(ctx, from.Bare(), false)
	return nil
}

// ensureUser wraps Users.Ensure with admission flags. Malformed
// addresses such as server components are logged and skipped.
func (b *Bot) ensureUser(ctx context.Context, addr string) (*storage.User, bool, error) {
	flags := storage.PermMember
	if addr == b.cfg.Root {
		flags = storage.PermAll
	}
	u, created, err := b.users.Ensure(ctx, addr, flags)
	var verr *textutil.ValidationError
	if errors.As(err, &verr) {
		b.log.Warn().Str("jid", addr).Msg(verr.Msg)
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	if created {
		b.log.Info().Str("jid", addr).Msg("user created")
		b.nicks.forget(addr)
	} else {
		b.log.Debug().Str("jid", addr).Msg("user already in database")
	}
	return u, created, nil
}

// welcome greets a new member and assigns a default nick. Unless
// useRosterNick is set the vCard is consulted first, asynchronously.
func (b *Bot) welcome(ctx context.Context, to jid.JID, useRosterNick bool) {
	b.send(ctx, to, b.welcomeText(ctx))

	if useRosterNick {
		b.finishWelcome(ctx, to, b.fallbackNick(to))
		return
	}

	id := uuid.NewString()
	timeout := b.cfg.ProfileTimeout
	b.profiles[id] = &pendingProfile{
		to: to,
		timer: b.clock.AfterFunc(timeout, func() {
			b.Post(func(ctx context.Context) error {
				b.resolveProfile(ctx, id, xmpp.Profile{}, ErrProfileTimeout)
				return nil
			})
		}),
	}
	if err := b.transport.RequestProfile(ctx, id, to); err != nil {
		b.resolveProfile(ctx, id, xmpp.Profile{}, err)
	}
}

// resolveProfile completes a pending profile request exactly once
func (b *Bot) resolveProfile(ctx context.Context, id string, p xmpp.Profile, err error) {
	pending, ok := b.profiles[id]
	if !ok {
		return
	}
	delete(b.profiles, id)
	pending.timer.Stop()

	nick := strings.TrimSpace(p.FullName)
	if nick == "" {
		nick = strings.TrimSpace(p.Family)
	}
	if err != nil {
		b.log.Warn().Err(err).Str("jid", pending.to.String()).Msg("profile unavailable")
	}
	if err != nil || nick == "" {
		nick = b.fallbackNick(pending.to)
	}
	b.finishWelcome(ctx, pending.to, nick)
}

func (b *Bot) fallbackNick(to jid.JID) string {
	if name := strings.TrimSpace(b.roster.Name(to)); name != "" {
		return name
	}
	return b.hashName(to.Bare().String())
}

func (b *Bot) finishWelcome(ctx context.Context, to jid.JID, nick string) {
	addr := to.Bare().String()

	for i := 0; i < 16; i++ {
		other, err := b.repo.FindUserByNick(ctx, nick)
		if err != nil || other.Address == addr {
			break
		}
		nick += "_"
	}
	if b.users.rules.ValidateNick(nick) != nil {
		nick = b.hashName(addr)
	}

	if _, err := b.setNick(ctx, addr, nick, false); err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			b.log.Warn().Err(err).Str("jid", addr).Msg("assign default nick")
		}
		return
	}
	b.log.Info().Str("jid", addr).Str("nick", nick).Msg("default nick assigned")

	b.send(ctx, to, fmt.Sprintf("Your nick is default to %q, you can use \"%snick new_nick\" to choose another.", nick, b.cfg.Prefix))
	if err := b.transport.UpdateRoster(ctx, to.Bare(), nick); err != nil {
		b.log.Warn().Err(err).Str("jid", addr).Msg("update roster name")
	}
}

// leave removes a member on an unsubscribe in either direction
func (b *Bot) leave(ctx context.Context, from jid.JID, reason string) error {
	addr := from.String()
	b.presence.RecordUnavailable(from)

	u, err := b.repo.FindUser(ctx, addr)
	if errors.Is(err, storage.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	if err := b.expel(ctx, u); err != nil {
		return err
	}
	b.log.Info().Str("jid", addr).Str("reason", reason).Msg("user left")
	b.announceLeave(ctx, u)
	return nil
}

// expel deletes a member and cancels the subscriptions both ways
func (b *Bot) expel(ctx context.Context, u *storage.User) error {
	if err := b.deleteUser(ctx, u.Address); err != nil {
		return err
	}
	to, err := jid.Parse(u.Address)
	if err != nil {
		return nil
	}
	b.presence.RecordUnavailable(to)
	b.sendPresence(ctx, xmpp.Presence{To: to, Type: stanza.UnsubscribedPresence})
	b.sendPresence(ctx, xmpp.Presence{To: to, Type: stanza.UnsubscribePresence})
	return nil
}

func (b *Bot) announceLeave(ctx context.Context, u *storage.User) {
	if !b.cfg.NotifyLeave {
		return
	}
	name := u.Nick
	if name == "" {
		name = b.hashName(u.Address)
	}
	b.broadcastSystem(ctx, fmt.Sprintf("%s left the group.", name), u.Address)
}

func (b *Bot) onAvailable(ctx context.Context, p xmpp.Presence) error {
	bare := p.From.Bare()
	addr := bare.String()

	newly := b.presence.RecordAvailable(presence.Status{
		JID:      p.From,
		Show:     presence.StringToShow(p.Show),
		Status:   p.Status,
		Priority: p.Priority,
	})
	if !newly {
		return nil
	}
	b.log.Info().Str("jid", addr).Msg("online")

	u, err := b.user(ctx, addr)
	if errors.Is(err, storage.ErrNotFound) {
		if !b.mayJoin(addr) {
			return nil
		}
		return b.join(ctx, bare)
	}
	if err != nil {
		return err
	}

	b.updateStatus(ctx, addr)
	b.replayMissed(ctx, bare, u)
	return nil
}

func (b *Bot) onUnavailable(ctx context.Context, p xmpp.Presence) error {
	addr := p.From.Bare().String()
	if !b.presence.RecordUnavailable(p.From) {
		return nil
	}
	b.log.Info().Str("jid", addr).Msg("offline")

	now := b.now()
	_, err := b.updateUser(ctx, addr, storage.UserUpdate{LastSeen: &now})
	if errors.Is(err, storage.ErrNotFound) {
		return nil
	}
	return err
}

// replayMissed sends a returning member what was said while it was away
func (b *Bot) replayMissed(ctx context.Context, to jid.JID, u *storage.User) {
	if !b.cfg.ReplayMissed || u.LastSeen.IsZero() || u.Stopped(b.now()) {
		return
	}
	entries, err := b.repo.RecentLogs(ctx, b.logLimit(), u.LastSeen)
	if err != nil {
		b.log.Error().Err(err).Msg("load missed messages")
		return
	}
	if len(entries) == 0 {
		return
	}
	b.send(ctx, to, "Messages while you lost the connection:\n"+b.formatLogs(entries))
}

// loadRoster installs the initial roster, announces the bot and
// releases held messages once the roster has had time to settle.
func (b *Bot) loadRoster(ctx context.Context, items []roster.Item) error {
	b.roster.Load(items)
	b.log.Info().Int("items", b.roster.Count()).Int("mutual", len(b.roster.Mutual())).Msg("roster loaded")
	b.sendPresence(ctx, xmpp.Presence{Type: stanza.AvailablePresence, Status: b.statusText(ctx)})

	if len(b.backlog) == 0 {
		b.holding = false
		return nil
	}
	b.clock.AfterFunc(b.cfg.SettleDelay, func() {
		b.Post(b.replayBacklog)
	})
	return nil
}

func (b *Bot) replayBacklog(ctx context.Context) error {
	backlog := b.backlog
	b.backlog = nil
	b.holding = false
	b.log.Info().Int("messages", len(backlog)).Msg("replaying held messages")

	for _, msg := range backlog {
		if err := b.processMessage(ctx, msg); err != nil {
			var exit *ExitError
			if errors.As(err, &exit) {
				return err
			}
			b.log.Error().Err(err).Msg("held message failed")
		}
	}
	return nil
}
