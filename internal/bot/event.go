package bot

import (
	"context"
	"errors"
	"time"

	"mellium.im/xmpp/jid"

	"github.com/lilydjwg/xmpptalk/internal/storage"
)

// Event is one inbound message on its way through the pipeline
type Event struct {
	bot *Bot

	From  jid.JID
	Addr  string
	Delay time.Time
}

func (b *Bot) newEvent(from jid.JID, delay time.Time) *Event {
	return &Event{
		bot:   b,
		From:  from,
		Addr:  from.Bare().String(),
		Delay: delay,
	}
}

// Reply answers the sender's resource
func (e *Event) Reply(ctx context.Context, text string) {
	e.bot.send(ctx, e.From, text)
}

// User returns the sender's member record. A mutual contact without one
// is enrolled on the spot, if admitted, and named after its roster entry.
func (e *Event) User(ctx context.Context) (*storage.User, error) {
	u, err := e.bot.user(ctx, e.Addr)
	if !errors.Is(err, storage.ErrNotFound) {
		return u, err
	}
	if !e.bot.mayJoin(e.Addr) {
		return nil, storage.ErrNotFound
	}

	u, created, err := e.bot.ensureUser(ctx, e.Addr)
	if err != nil {
		return nil, err
	}
	if u == nil {
		return nil, storage.ErrNotFound
	}
	if created {
		e.bot.welcome(ctx, e.From.Bare(), true)
		return e.bot.user(ctx, e.Addr)
	}
	return u, nil
}
