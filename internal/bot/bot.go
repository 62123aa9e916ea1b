// Package bot implements the group: membership driven by presence
// subscriptions, the message pipeline, commands and the per-member
// status annotations.
//
// All state is owned by a single event loop. Transport callbacks and
// timers hand work to the loop with Post; nothing else touches the Bot.
package bot

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"mellium.im/xmpp/jid"

	"github.com/lilydjwg/xmpptalk/internal/clock"
	"github.com/lilydjwg/xmpptalk/internal/config"
	"github.com/lilydjwg/xmpptalk/internal/expiring"
	"github.com/lilydjwg/xmpptalk/internal/logging"
	"github.com/lilydjwg/xmpptalk/internal/storage"
	"github.com/lilydjwg/xmpptalk/internal/textutil"
	"github.com/lilydjwg/xmpptalk/internal/xmpp"
	"github.com/lilydjwg/xmpptalk/internal/xmpp/presence"
	"github.com/lilydjwg/xmpptalk/internal/xmpp/roster"
)

// Version is reported by the about command
var Version = "dev"

// Transport is the outbound side of the XMPP connection
type Transport interface {
	JID() jid.JID
	SendMessage(ctx context.Context, to jid.JID, body string) error
	// SendPresence sends p; a zero To broadcasts to all subscribers
	SendPresence(ctx context.Context, p xmpp.Presence) error
	// RequestProfile asks for the vCard of to. The answer is delivered to
	// HandleProfile with the same id.
	RequestProfile(ctx context.Context, id string, to jid.JID) error
	UpdateRoster(ctx context.Context, to jid.JID, name string) error
}

// Deps are the collaborators of a Bot
type Deps struct {
	Repo      storage.Repository
	Transport Transport
	Clock     clock.Clock
	// Dedup suppresses repeated subscribe requests; defaults to an
	// in-memory set with the configured TTL
	Dedup   expiring.Set
	Filters []Filter
}

// Bot is the group chat engine
type Bot struct {
	cfg       config.GroupConfig
	loc       *time.Location
	helpRegex *regexp.Regexp

	repo      storage.Repository
	transport Transport
	clock     clock.Clock
	dedup     expiring.Set
	filters   []Filter
	log       zerolog.Logger

	users    *Users
	presence *presence.Manager
	roster   *roster.Manager
	commands *Registry
	handlers []handler

	session  sessionCache
	nicks    *nickMemo
	settings *storage.GroupSettings

	invited  map[string]bool
	ignored  map[string]bool
	profiles map[string]*pendingProfile
	statuses map[string]*pendingStatus

	// holding queues messages until the roster has settled
	holding bool
	backlog []xmpp.Message

	startedAt time.Time

	qmu    sync.Mutex
	queue  []func(context.Context) error
	notify chan struct{}
}

// New creates a Bot from the group configuration
func New(cfg config.GroupConfig, deps Deps) (*Bot, error) {
	if deps.Repo == nil || deps.Transport == nil {
		return nil, errors.New("bot: repository and transport are required")
	}
	if deps.Clock == nil {
		deps.Clock = clock.Real()
	}
	if deps.Dedup == nil {
		deps.Dedup = expiring.NewMemory(deps.Clock, 5*time.Second)
	}

	re, err := regexp.Compile(cfg.HelpRegex)
	if err != nil {
		return nil, fmt.Errorf("invalid help regex: %w", err)
	}
	loc, err := cfg.Location()
	if err != nil {
		return nil, fmt.Errorf("invalid timezone: %w", err)
	}

	b := &Bot{
		cfg:       cfg,
		loc:       loc,
		helpRegex: re,
		repo:      deps.Repo,
		transport: deps.Transport,
		clock:     deps.Clock,
		dedup:     deps.Dedup,
		filters:   deps.Filters,
		log:       logging.With("bot"),
		roster:    roster.NewManager(),
		nicks:     newNickMemo(512),
		invited:   make(map[string]bool),
		ignored:   make(map[string]bool),
		profiles:  make(map[string]*pendingProfile),
		statuses:  make(map[string]*pendingStatus),
		holding:   true,
		startedAt: deps.Clock.Now(),
		notify:    make(chan struct{}, 1),
	}
	b.presence = presence.NewManager(b.roster)
	b.users = NewUsers(deps.Repo, deps.Clock, textutil.NickRules{
		MaxWidth:       cfg.NickMaxWidth,
		AllowedSymbols: cfg.NickAllowedSymbols,
	}, cfg.NickChangeInterval)
	b.commands = b.defaultCommands()
	b.handlers = b.pipeline()
	return b, nil
}

// Post schedules fn on the event loop. It never blocks.
func (b *Bot) Post(fn func(ctx context.Context) error) {
	b.qmu.Lock()
	b.queue = append(b.queue, fn)
	b.qmu.Unlock()

	select {
	case b.notify <- struct{}{}:
	default:
	}
}

// Run processes posted work until ctx is done or a command asks the
// process to exit, in which case the *ExitError is returned.
func (b *Bot) Run(ctx context.Context) error {
	b.log.Info().Str("jid", b.transport.JID().String()).Msg("bot started")
	for {
		if err := b.drain(ctx); err != nil {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-b.notify:
		}
	}
}

// drain runs everything queued so far, including work queued meanwhile
func (b *Bot) drain(ctx context.Context) error {
	for {
		b.qmu.Lock()
		queue := b.queue
		b.queue = nil
		b.qmu.Unlock()

		if len(queue) == 0 {
			return nil
		}
		for i, fn := range queue {
			err := fn(ctx)
			var exit *ExitError
			if errors.As(err, &exit) {
				b.requeue(queue[i+1:])
				return exit
			}
			if err != nil {
				b.log.Error().Err(err).Msg("event failed")
			}
		}
	}
}

func (b *Bot) requeue(rest []func(context.Context) error) {
	if len(rest) == 0 {
		return
	}
	b.qmu.Lock()
	b.queue = append(rest, b.queue...)
	b.qmu.Unlock()
}

// HandleMessage is the transport callback for chat messages
func (b *Bot) HandleMessage(msg xmpp.Message) {
	b.Post(func(ctx context.Context) error {
		return b.processMessage(ctx, msg)
	})
}

// HandlePresence is the transport callback for presences
func (b *Bot) HandlePresence(p xmpp.Presence) {
	b.Post(func(ctx context.Context) error {
		return b.processPresence(ctx, p)
	})
}

// HandleRoster is the transport callback for the initial roster
func (b *Bot) HandleRoster(items []roster.Item) {
	b.Post(func(ctx context.Context) error {
		return b.loadRoster(ctx, items)
	})
}

// HandleRosterPush is the transport callback for roster changes
func (b *Bot) HandleRosterPush(item roster.Item) {
	b.Post(func(ctx context.Context) error {
		if item.Subscription == roster.SubscriptionRemove {
			b.roster.Remove(item.JID)
		} else {
			b.roster.Set(item)
		}
		b.log.Debug().Str("jid", item.JID.String()).Str("subscription", string(item.Subscription)).Msg("roster push")
		return nil
	})
}

// HandleDisconnect forgets who is online. Messages are held again until
// the roster of the next session has settled.
func (b *Bot) HandleDisconnect(err error) {
	b.Post(func(ctx context.Context) error {
		b.presence.Clear()
		b.holding = true
		b.log.Warn().Err(err).Msg("connection lost")
		return nil
	})
}

// HandleProfile is the transport callback for RequestProfile replies
func (b *Bot) HandleProfile(id string, p xmpp.Profile, err error) {
	b.Post(func(ctx context.Context) error {
		b.resolveProfile(ctx, id, p, err)
		return nil
	})
}

func (b *Bot) now() time.Time {
	return b.clock.Now()
}

func (b *Bot) self() string {
	return b.transport.JID().Bare().String()
}

// send delivers a chat message, logging failures
func (b *Bot) send(ctx context.Context, to jid.JID, body string) {
	if err := b.transport.SendMessage(ctx, to, body); err != nil {
		b.log.Warn().Err(err).Str("to", to.String()).Msg("send message failed")
	}
}

func (b *Bot) sendTo(ctx context.Context, addr string, body string) {
	to, err := jid.Parse(addr)
	if err != nil {
		b.log.Warn().Err(err).Str("to", addr).Msg("bad address")
		return
	}
	b.send(ctx, to, body)
}

func (b *Bot) sendPresence(ctx context.Context, p xmpp.Presence) {
	if err := b.transport.SendPresence(ctx, p); err != nil {
		b.log.Warn().Err(err).Str("to", p.To.String()).Str("type", string(p.Type)).Msg("send presence failed")
	}
}

// groupSettings returns the cached room settings, loading them once
func (b *Bot) groupSettings(ctx context.Context) storage.GroupSettings {
	if b.settings == nil {
		g, err := b.repo.GroupSettings(ctx)
		if err != nil {
			b.log.Error().Err(err).Msg("load group settings")
			return storage.GroupSettings{}
		}
		b.settings = &g
	}
	return *b.settings
}

func (b *Bot) updateGroupSettings(ctx context.Context, upd storage.GroupUpdate) error {
	g, err := b.repo.UpdateGroupSettings(ctx, upd)
	if err != nil {
		return err
	}
	b.settings = &g
	return nil
}

func (b *Bot) welcomeText(ctx context.Context) string {
	if w := b.groupSettings(ctx).Welcome; w != "" {
		return w
	}
	return b.cfg.Welcome
}

func (b *Bot) statusText(ctx context.Context) string {
	if s := b.groupSettings(ctx).Status; s != "" {
		return s
	}
	return b.cfg.Status
}

const (
	timeFormat     = "15:04:05"
	dateFormat     = "01-02 15:04:05"
	longDateFormat = "2006-01-02 15:04:05"
)

func (b *Bot) formatTime(t time.Time, layout string) string {
	return t.In(b.loc).Format(layout)
}
