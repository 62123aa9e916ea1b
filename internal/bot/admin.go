package bot

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"mellium.im/xmpp/jid"
	"mellium.im/xmpp/stanza"

	"github.com/lilydjwg/xmpptalk/internal/storage"
	"github.com/lilydjwg/xmpptalk/internal/textutil"
	"github.com/lilydjwg/xmpptalk/internal/xmpp"
)

func (b *Bot) cmdInvite(ctx context.Context, ev *Event, args string) error {
	fields := strings.Fields(args)
	if len(fields) == 0 {
		ev.Reply(ctx, "Error: no address provided")
		return nil
	}
	addr := fields[0]
	force := len(fields) > 1 && fields[1] == "-f"

	if err := textutil.ValidateAddress(addr); err != nil {
		return replyErr(ctx, ev, err)
	}
	to, err := jid.Parse(addr)
	if err != nil {
		ev.Reply(ctx, "Error: "+err.Error())
		return nil
	}

	u, err := b.repo.FindUser(ctx, to.String())
	switch {
	case err == nil && !force:
		ev.Reply(ctx, "This user is already a member in this group, known as "+b.displayName(ctx, u.Address))
		return nil
	case err != nil && !errors.Is(err, storage.ErrNotFound):
		return err
	}

	b.invited[to.String()] = true
	b.sendPresence(ctx, xmpp.Presence{To: to, Type: stanza.SubscribePresence})
	b.log.Info().Str("jid", to.String()).Str("by", ev.Addr).Msg("invitation sent")
	ev.Reply(ctx, "Invitation sent, please wait for approval.")
	return nil
}

func (b *Bot) cmdKick(ctx context.Context, ev *Event, args string) error {
	nick := strings.TrimSpace(args)
	target, ok, err := b.lookupNick(ctx, ev, nick)
	if !ok {
		return err
	}
	return b.kick(ctx, ev, target, "Oops, you have been kicked!")
}

func (b *Bot) cmdKickWith(ctx context.Context, ev *Event, args string) error {
	lex := textutil.NewLexer(args)
	nick := lex.Next()
	msg := lex.Rest()

	target, ok, err := b.lookupNick(ctx, ev, nick)
	if !ok {
		return err
	}
	if err := b.kick(ctx, ev, target, msg); err != nil {
		return err
	}
	b.ignored[target.Address] = true
	return nil
}

func (b *Bot) kick(ctx context.Context, ev *Event, target *storage.User, msg string) error {
	name := target.Nick
	if name == "" {
		name = b.hashName(target.Address)
	}
	if msg != "" {
		b.sendTo(ctx, target.Address, msg)
	}
	if err := b.expel(ctx, target); err != nil {
		return err
	}
	b.log.Info().Str("jid", target.Address).Str("by", ev.Addr).Msg("user kicked")
	ev.Reply(ctx, fmt.Sprintf("User %s (%s) has been kicked.", name, target.Address))
	b.broadcastSystem(ctx, fmt.Sprintf("User %s has been kicked.", name), ev.Addr, target.Address)
	return nil
}

func (b *Bot) cmdMute(ctx context.Context, ev *Event, args string) error {
	lex := textutil.NewLexer(args)
	nick := lex.Next()
	period := lex.Rest()
	if period == "" {
		ev.Reply(ctx, "No time provided.")
		return nil
	}
	d, err := textutil.ParseDuration(period)
	if err != nil {
		ev.Reply(ctx, "Sorry, I can't understand the time you specified.")
		return nil
	}

	target, ok, err := b.lookupNick(ctx, ev, nick)
	if !ok {
		return err
	}

	now := b.now()
	if d == 0 {
		if !target.Muted(now) {
			ev.Reply(ctx, fmt.Sprintf("%q not muted yet.", nick))
			return nil
		}
		if _, err := b.updateUser(ctx, target.Address, storage.UserUpdate{MuteUntil: &now}); err != nil {
			return err
		}
		b.sendTo(ctx, target.Address, "Muting has been cancelled.")
		b.broadcastSystem(ctx, fmt.Sprintf("Muting for %s has been cancelled.", nick), ev.Addr, target.Address)
		ev.Reply(ctx, fmt.Sprintf("Ok, mute for %q cancelled.", nick))
		b.updateStatus(ctx, target.Address)
		return nil
	}

	until := now.Add(d)
	if _, err := b.updateUser(ctx, target.Address, storage.UserUpdate{MuteUntil: &until}); err != nil {
		return err
	}
	t := b.formatTime(until, dateFormat)
	b.sendTo(ctx, target.Address, "You are disallowed to speak until "+t)
	b.broadcastSystem(ctx, fmt.Sprintf("%s is disallowed to speak until %s.", nick, t), ev.Addr, target.Address)
	ev.Reply(ctx, fmt.Sprintf("Ok, mute %q until %s.", nick, t))
	b.updateStatus(ctx, target.Address)
	return nil
}

func (b *Bot) cmdSetStatus(ctx context.Context, ev *Event, args string) error {
	arg := strings.TrimSpace(args)
	if arg == "" {
		ev.Reply(ctx, "current group status: "+b.statusText(ctx))
		return nil
	}
	if arg == "None" {
		arg = ""
	}
	if err := b.setGroupStatus(ctx, arg); err != nil {
		return err
	}
	ev.Reply(ctx, "ok.")
	return nil
}

func (b *Bot) cmdSetWelcome(ctx context.Context, ev *Event, args string) error {
	arg := strings.TrimSpace(args)
	if arg == "" {
		ev.Reply(ctx, "current group welcome message: "+b.welcomeText(ctx))
		return nil
	}
	if arg == "None" {
		arg = ""
	}
	if err := b.updateGroupSettings(ctx, storage.GroupUpdate{Welcome: &arg}); err != nil {
		return err
	}
	ev.Reply(ctx, "ok.")
	return nil
}

func (b *Bot) cmdPromote(ctx context.Context, ev *Event, args string) error {
	return b.changeFlags(ctx, ev, strings.TrimSpace(args), func(f storage.Flags) storage.Flags {
		return f | storage.PermGroupAdmin
	})
}

func (b *Bot) cmdDemote(ctx context.Context, ev *Event, args string) error {
	return b.changeFlags(ctx, ev, strings.TrimSpace(args), func(f storage.Flags) storage.Flags {
		return f &^ storage.PermGroupAdmin
	})
}

func (b *Bot) changeFlags(ctx context.Context, ev *Event, nick string, change func(storage.Flags) storage.Flags) error {
	target, ok, err := b.lookupNick(ctx, ev, nick)
	if !ok {
		return err
	}
	flags := change(target.Flags)
	if _, err := b.updateUser(ctx, target.Address, storage.UserUpdate{Flags: &flags}); err != nil {
		return err
	}
	b.log.Info().Str("jid", target.Address).Str("flags", flags.String()).Str("by", ev.Addr).Msg("privileges changed")
	ev.Reply(ctx, fmt.Sprintf("ok, privileges of %s: %s", nick, flags))
	return nil
}

func (b *Bot) cmdRestart(ctx context.Context, ev *Event, _ string) error {
	b.sendPresence(ctx, xmpp.Presence{Type: stanza.AvailablePresence, Status: "Restarting..."})
	ev.Reply(ctx, "Restarting...")
	return &ExitError{Code: ExitRestart, By: ev.Addr}
}

func (b *Bot) cmdShutdown(ctx context.Context, ev *Event, _ string) error {
	ev.Reply(ctx, "Shutting down...")
	b.broadcastSystem(ctx, fmt.Sprintf("Shutting down by %s...", b.displayName(ctx, ev.Addr)), ev.Addr)
	return &ExitError{Code: ExitQuit, By: ev.Addr}
}
