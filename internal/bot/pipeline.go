package bot

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"mellium.im/xmpp/stanza"

	"github.com/lilydjwg/xmpptalk/internal/storage"
	"github.com/lilydjwg/xmpptalk/internal/textutil"
	"github.com/lilydjwg/xmpptalk/internal/xmpp"
)

// handler is one pipeline stage. It returns the possibly rewritten text
// and whether the message was consumed.
type handler struct {
	name string
	fn   func(ctx context.Context, ev *Event, text string) (string, bool, error)
}

func (b *Bot) pipeline() []handler {
	hs := []handler{
		{"auth", b.checkAuth},
		{"ping", b.pingPong},
		{"help", b.giveHelp},
		{"command", b.dispatchCommand},
		{"cache", b.clearCache},
		{"otr", b.filterOTR},
		{"autoreply", b.filterAutoreply},
		{"links", b.removeLinks},
		{"length", b.checkLength},
	}
	for _, f := range b.filters {
		hs = append(hs, handler{"plugin:" + f.Name(), b.pluginStage(f)})
	}
	return hs
}

func (b *Bot) processMessage(ctx context.Context, msg xmpp.Message) error {
	if msg.Body == "" || msg.Type == stanza.ErrorMessage {
		return nil
	}
	addr := msg.From.Bare().String()
	if addr == b.self() || b.ignored[addr] {
		return nil
	}
	if b.holding {
		b.backlog = append(b.backlog, msg)
		return nil
	}
	b.session.reset()

	var delay time.Time
	if msg.Stamp != "" {
		d, err := xmpp.ParseDelay(msg.Stamp)
		if err != nil {
			b.log.Warn().Err(err).Str("from", addr).Msg("delay stamp skipped")
		} else {
			delay = d
		}
	}
	b.log.Info().Str("from", addr).Msg(msg.Body)

	ev := b.newEvent(msg.From, delay)
	text := msg.Body
	for _, h := range b.handlers {
		out, consumed, err := h.fn(ctx, ev, text)
		if err != nil {
			var exit *ExitError
			if errors.As(err, &exit) {
				return err
			}
			if userFacing(err) {
				ev.Reply(ctx, err.Error())
				return nil
			}
			return fmt.Errorf("%s: %w", h.name, err)
		}
		if consumed {
			return nil
		}
		text = out
	}
	return b.fallback(ctx, ev, text)
}

func (b *Bot) checkAuth(ctx context.Context, ev *Event, text string) (string, bool, error) {
	if b.roster.IsMutual(ev.From) {
		_, err := ev.User(ctx)
		if err == nil {
			return text, false, nil
		}
		if !errors.Is(err, storage.ErrNotFound) {
			return "", true, err
		}
	}

	if b.cfg.Private || !b.mayJoin(ev.Addr) {
		ev.Reply(ctx, "You are not allowed to send messages to this group until invited.")
		return "", true, nil
	}
	ev.Reply(ctx, "You are currently not joined in this group, message ignored.\nPlease accept the subscription request to join.")
	b.sendPresence(ctx, xmpp.Presence{To: ev.From.Bare(), Type: stanza.SubscribePresence})
	return "", true, nil
}

func (b *Bot) pingPong(ctx context.Context, ev *Event, text string) (string, bool, error) {
	if strings.TrimSpace(text) != "ping" {
		return text, false, nil
	}
	ev.Reply(ctx, "pong at "+b.formatTime(b.now(), longDateFormat))
	return "", true, b.resetStop(ctx, ev)
}

func (b *Bot) giveHelp(ctx context.Context, ev *Event, text string) (string, bool, error) {
	if !b.helpRegex.MatchString(strings.TrimSpace(text)) {
		return text, false, nil
	}
	return "", true, b.commands.Run(ctx, ev, "help", "")
}

func (b *Bot) dispatchCommand(ctx context.Context, ev *Event, text string) (string, bool, error) {
	if !strings.HasPrefix(text, b.cfg.Prefix) {
		return text, false, nil
	}
	rest := text[len(b.cfg.Prefix):]

	// "--" or "-_-" are not commands
	lead := 0
	for _, r := range rest {
		if unicode.IsLetter(r) {
			break
		}
		lead++
		if lead > 1 {
			return text, false, nil
		}
	}

	name, args := textutil.SplitFirst(rest)
	if name == "" {
		ev.Reply(ctx, "No command specified.")
		return "", true, nil
	}
	return "", true, b.commands.Run(ctx, ev, name, args)
}

func (b *Bot) fallback(ctx context.Context, ev *Event, text string) error {
	return b.relay(ctx, ev, strings.TrimSpace(text))
}

// relay broadcasts text as said by the sender, unless the sender is muted
func (b *Bot) relay(ctx context.Context, ev *Event, text string) error {
	u, err := ev.User(ctx)
	if err != nil {
		return err
	}
	now := b.now()
	if u.Muted(now) {
		ev.Reply(ctx, fmt.Sprintf("You are disallowed to speak until %s", b.formatTime(u.MuteUntil, dateFormat)))
		return nil
	}
	if strings.TrimSpace(text) == "" {
		return nil
	}

	if _, err := b.updateUser(ctx, ev.Addr, storage.UserUpdate{
		IncMsgCount: 1,
		IncMsgChars: utf8.RuneCountInString(text),
	}); err != nil {
		return err
	}
	if err := b.resetStop(ctx, ev); err != nil {
		return err
	}

	line := fmt.Sprintf("[%s] %s", b.displayName(ctx, ev.Addr), text)
	if !ev.Delay.IsZero() && now.Sub(ev.Delay) < 24*time.Hour {
		line = fmt.Sprintf("(%s) %s", b.formatTime(ev.Delay, timeFormat), line)
	}
	b.dispatch(ctx, ev.Addr, line, storage.LogMessage, ev.Addr)
	return nil
}

// resetStop lifts an active stop of the sender
func (b *Bot) resetStop(ctx context.Context, ev *Event) error {
	u, err := ev.User(ctx)
	if err != nil {
		return err
	}
	now := b.now()
	if !u.Stopped(now) {
		return nil
	}
	if _, err := b.updateUser(ctx, ev.Addr, storage.UserUpdate{StopUntil: &now}); err != nil {
		return err
	}
	ev.Reply(ctx, "Your stop has been cancelled.")
	b.updateStatus(ctx, ev.Addr)
	return nil
}

// dispatch logs text and delivers it to every online, non-stopped member
// except those in but.
func (b *Bot) dispatch(ctx context.Context, sender, text string, kind storage.LogKind, but ...string) {
	now := b.now()
	if err := b.repo.AppendLog(ctx, storage.LogEntry{
		Time:    now,
		Address: sender,
		Text:    text,
		Kind:    kind,
	}); err != nil {
		b.log.Error().Err(err).Msg("append log")
	}

	for _, addr := range b.receivers(ctx, now, but) {
		b.sendTo(ctx, addr, text)
	}
}

func (b *Bot) broadcastSystem(ctx context.Context, text string, but ...string) {
	b.dispatch(ctx, "", text, storage.LogSystem, but...)
}

func (b *Bot) receivers(ctx context.Context, now time.Time, but []string) []string {
	users, err := b.repo.ListUsers(ctx)
	if err != nil {
		b.log.Error().Err(err).Msg("list users")
		return nil
	}
	members := make(map[string]*storage.User, len(users))
	for _, u := range users {
		members[u.Address] = u
	}
	excluded := make(map[string]bool, len(but))
	for _, addr := range but {
		excluded[addr] = true
	}

	var out []string
	for _, addr := range b.presence.OnlineAddresses() {
		u, ok := members[addr]
		if !ok || excluded[addr] || u.Stopped(now) {
			continue
		}
		out = append(out, addr)
	}
	return out
}
