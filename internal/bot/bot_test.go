package bot

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"mellium.im/xmpp/jid"
	"mellium.im/xmpp/stanza"

	"github.com/lilydjwg/xmpptalk/internal/clock"
	"github.com/lilydjwg/xmpptalk/internal/config"
	"github.com/lilydjwg/xmpptalk/internal/storage"
	"github.com/lilydjwg/xmpptalk/internal/storage/memory"
	"github.com/lilydjwg/xmpptalk/internal/xmpp"
	"github.com/lilydjwg/xmpptalk/internal/xmpp/roster"
)

var t0 = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

type sentMessage struct {
	to   jid.JID
	body string
}

type fakeTransport struct {
	mu        sync.Mutex
	messages  []sentMessage
	presences []xmpp.Presence
	profiles  map[string]jid.JID
	rosterSet map[string]string
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		profiles:  make(map[string]jid.JID),
		rosterSet: make(map[string]string),
	}
}

func (f *fakeTransport) JID() jid.JID {
	return jid.MustParse("talk@example.org/bot")
}

func (f *fakeTransport) SendMessage(_ context.Context, to jid.JID, body string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.messages = append(f.messages, sentMessage{to: to, body: body})
	return nil
}

func (f *fakeTransport) SendPresence(_ context.Context, p xmpp.Presence) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.presences = append(f.presences, p)
	return nil
}

func (f *fakeTransport) RequestProfile(_ context.Context, id string, to jid.JID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.profiles[id] = to
	return nil
}

func (f *fakeTransport) UpdateRoster(_ context.Context, to jid.JID, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rosterSet[to.String()] = name
	return nil
}

type harness struct {
	t     *testing.T
	ctx   context.Context
	bot   *Bot
	tr    *fakeTransport
	clock *clock.Fake
	repo  *memory.DB
}

func addr(nick string) string {
	return nick + "@example.org"
}

func newHarness(t *testing.T, configure func(*config.GroupConfig), filters ...Filter) *harness {
	t.Helper()

	cfg := config.DefaultConfig().Group
	cfg.Root = addr("root")
	cfg.Salt = "pepper"
	cfg.Status = "talking"
	if configure != nil {
		configure(&cfg)
	}

	h := &harness{
		t:     t,
		ctx:   context.Background(),
		tr:    newFakeTransport(),
		clock: clock.NewFake(t0),
		repo:  memory.New(100),
	}
	b, err := New(cfg, Deps{
		Repo:      h.repo,
		Transport: h.tr,
		Clock:     h.clock,
		Filters:   filters,
	})
	require.NoError(t, err)
	h.bot = b
	return h
}

func (h *harness) drain() {
	h.t.Helper()
	require.NoError(h.t, h.bot.drain(h.ctx))
}

// addUsers creates member records named after their nicks
func (h *harness) addUsers(nicks ...string) {
	h.t.Helper()
	for _, nick := range nicks {
		u := storage.NewUser(addr(nick), h.clock.Now())
		u.Nick = nick
		if addr(nick) == h.bot.cfg.Root {
			u.Flags = storage.PermAll
		}
		require.NoError(h.t, h.repo.CreateUser(h.ctx, u))
	}
}

func rosterItems(nicks ...string) []roster.Item {
	items := make([]roster.Item, 0, len(nicks))
	for _, nick := range nicks {
		items = append(items, roster.Item{
			JID:          jid.MustParse(addr(nick)),
			Subscription: roster.SubscriptionBoth,
		})
	}
	return items
}

// start enrolls the members, delivers the roster and brings everyone online
func (h *harness) start(nicks ...string) {
	h.t.Helper()
	h.addUsers(nicks...)
	h.bot.HandleRoster(rosterItems(nicks...))
	h.drain()
	for _, nick := range nicks {
		h.online(nick, "phone")
	}
	h.reset()
}

func (h *harness) online(nick, resource string) {
	h.t.Helper()
	h.bot.HandlePresence(xmpp.Presence{
		From: jid.MustParse(addr(nick) + "/" + resource),
		Type: stanza.AvailablePresence,
	})
	h.drain()
}

func (h *harness) offline(nick, resource string) {
	h.t.Helper()
	h.bot.HandlePresence(xmpp.Presence{
		From: jid.MustParse(addr(nick) + "/" + resource),
		Type: stanza.UnavailablePresence,
	})
	h.drain()
}

func (h *harness) presence(from string, typ stanza.PresenceType) {
	h.t.Helper()
	h.bot.HandlePresence(xmpp.Presence{From: jid.MustParse(from), Type: typ})
	h.drain()
}

func (h *harness) post(nick, body string) {
	h.bot.HandleMessage(xmpp.Message{
		From: jid.MustParse(addr(nick) + "/phone"),
		Body: body,
		Type: stanza.ChatMessage,
	})
}

func (h *harness) say(nick, body string) {
	h.t.Helper()
	h.post(nick, body)
	h.drain()
}

func (h *harness) advance(d time.Duration) {
	h.t.Helper()
	h.clock.Advance(d)
	h.drain()
}

func (h *harness) reset() {
	h.tr.mu.Lock()
	defer h.tr.mu.Unlock()
	h.tr.messages = nil
	h.tr.presences = nil
}

// received returns the bodies sent to nick, oldest first
func (h *harness) received(nick string) []string {
	h.tr.mu.Lock()
	defer h.tr.mu.Unlock()
	var out []string
	for _, m := range h.tr.messages {
		if m.to.Bare().String() == addr(nick) {
			out = append(out, m.body)
		}
	}
	return out
}

func (h *harness) last(nick string) string {
	got := h.received(nick)
	if len(got) == 0 {
		return ""
	}
	return got[len(got)-1]
}

func (h *harness) presencesTo(a string, typ stanza.PresenceType) []xmpp.Presence {
	h.tr.mu.Lock()
	defer h.tr.mu.Unlock()
	var out []xmpp.Presence
	for _, p := range h.tr.presences {
		if p.To.Bare().String() == a && p.Type == typ {
			out = append(out, p)
		}
	}
	return out
}

func (h *harness) user(nick string) *storage.User {
	h.t.Helper()
	u, err := h.repo.FindUser(h.ctx, addr(nick))
	require.NoError(h.t, err)
	return u
}

func TestNewValidatesConfig(t *testing.T) {
	cfg := config.DefaultConfig().Group
	_, err := New(cfg, Deps{})
	assert.Error(t, err)

	cfg.HelpRegex = "("
	_, err = New(cfg, Deps{Repo: memory.New(1), Transport: newFakeTransport()})
	assert.ErrorContains(t, err, "invalid help regex")
}

func TestRelay(t *testing.T) {
	h := newHarness(t, nil)
	h.start("alice", "bob", "carol")

	h.say("alice", "hello")

	assert.Equal(t, []string{"[alice] hello"}, h.received("bob"))
	assert.Equal(t, []string{"[alice] hello"}, h.received("carol"))
	assert.Empty(t, h.received("alice"))

	u := h.user("alice")
	assert.Equal(t, 1, u.MsgCount)
	assert.Equal(t, 5, u.MsgChars)

	logs, err := h.repo.RecentLogs(h.ctx, 10, time.Time{})
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, "[alice] hello", logs[0].Text)
	assert.Equal(t, storage.LogMessage, logs[0].Kind)
}

func TestRelayDelayed(t *testing.T) {
	h := newHarness(t, nil)
	h.start("alice", "bob")
	h.clock.Advance(time.Hour)

	h.bot.HandleMessage(xmpp.Message{
		From:  jid.MustParse(addr("alice") + "/phone"),
		Body:  "sorry, was offline",
		Type:  stanza.ChatMessage,
		Stamp: "2024-03-01T12:30:00Z",
	})
	h.drain()
	assert.Equal(t, "(12:30:00) [alice] sorry, was offline", h.last("bob"))

	h.bot.HandleMessage(xmpp.Message{
		From:  jid.MustParse(addr("alice") + "/phone"),
		Body:  "bad stamp",
		Type:  stanza.ChatMessage,
		Stamp: "yesterday",
	})
	h.drain()
	assert.Equal(t, "[alice] bad stamp", h.last("bob"))
}

func TestStoppedMembersReceiveNothing(t *testing.T) {
	h := newHarness(t, nil)
	h.start("alice", "bob")

	h.say("bob", "-stop 1h")
	h.reset()

	h.say("alice", "anyone?")
	assert.Empty(t, h.received("bob"))

	h.say("bob", "I'm back")
	assert.Contains(t, h.received("bob"), "Your stop has been cancelled.")
	assert.Equal(t, []string{"[bob] I'm back"}, h.received("alice"))
}

func TestNonMemberIsAskedToSubscribe(t *testing.T) {
	h := newHarness(t, nil)
	h.start("alice")

	h.say("mallory", "hi")

	assert.Equal(t, []string{"You are currently not joined in this group, message ignored.\nPlease accept the subscription request to join."}, h.received("mallory"))
	assert.Len(t, h.presencesTo(addr("mallory"), stanza.SubscribePresence), 1)
	assert.Empty(t, h.received("alice"))
}

func TestMutualContactIsEnrolled(t *testing.T) {
	h := newHarness(t, nil)
	h.start("alice")

	h.bot.HandleRosterPush(roster.Item{
		JID:          jid.MustParse(addr("carol")),
		Name:         "Carol",
		Subscription: roster.SubscriptionBoth,
	})
	h.say("carol", "hi all")

	got := h.received("carol")
	require.Len(t, got, 2)
	assert.Equal(t, "Welcome to join this group!", got[0])
	assert.Equal(t, `Your nick is default to "Carol", you can use "-nick new_nick" to choose another.`, got[1])
	assert.Equal(t, []string{"[Carol] hi all"}, h.received("alice"))
	assert.Equal(t, "Carol", h.user("carol").Nick)
}

func TestBannedMutualContactIsNotEnrolled(t *testing.T) {
	h := newHarness(t, func(cfg *config.GroupConfig) { cfg.Banned = []string{addr("carol")} })
	h.start("alice")

	h.bot.HandleRosterPush(roster.Item{
		JID:          jid.MustParse(addr("carol")),
		Subscription: roster.SubscriptionBoth,
	})
	h.say("carol", "hi all")

	assert.Equal(t, []string{"You are not allowed to send messages to this group until invited."}, h.received("carol"))
	assert.Empty(t, h.received("alice"))
	_, err := h.repo.FindUser(h.ctx, addr("carol"))
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestRosterRemovePush(t *testing.T) {
	h := newHarness(t, nil)
	h.start("alice")

	h.bot.HandleRosterPush(roster.Item{
		JID:          jid.MustParse(addr("alice")),
		Subscription: roster.SubscriptionRemove,
	})
	h.drain()
	assert.False(t, h.bot.roster.IsMutual(jid.MustParse(addr("alice"))))
	assert.Equal(t, 0, h.bot.roster.Count())
}

func TestBacklogReplayedAfterSettle(t *testing.T) {
	h := newHarness(t, nil)
	h.addUsers("alice", "bob")

	h.post("alice", "early bird")
	h.drain()
	h.online("bob", "phone")

	h.bot.HandleRoster(rosterItems("alice", "bob"))
	h.drain()
	assert.Empty(t, h.received("bob"), "held until the roster settles")
	assert.Equal(t, 1, h.clock.Pending())

	h.advance(h.bot.cfg.SettleDelay)
	assert.Equal(t, []string{"[alice] early bird"}, h.received("bob"))

	h.say("alice", "later")
	assert.Equal(t, "[alice] later", h.last("bob"))
}

func TestRestartStopsTheLoop(t *testing.T) {
	h := newHarness(t, nil)
	h.start("root", "alice")

	h.post("root", "-restart")
	h.post("alice", "still there?")

	err := h.bot.drain(h.ctx)
	var exit *ExitError
	require.ErrorAs(t, err, &exit)
	assert.Equal(t, ExitRestart, exit.Code)
	assert.Equal(t, addr("root"), exit.By)
	assert.Equal(t, "Restarting...", h.last("root"))
	assert.NotContains(t, h.received("root"), "[alice] still there?")

	// the rest of the queue survives
	h.drain()
	assert.Equal(t, "[alice] still there?", h.last("root"))
}

func TestShutdown(t *testing.T) {
	h := newHarness(t, nil)
	h.start("root", "alice")

	h.post("root", "-shutdown")
	err := h.bot.drain(h.ctx)
	var exit *ExitError
	require.ErrorAs(t, err, &exit)
	assert.Equal(t, ExitQuit, exit.Code)
	assert.Equal(t, "Shutting down by root...", h.last("alice"))
}

func TestRunStopsOnContext(t *testing.T) {
	h := newHarness(t, nil)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- h.bot.Run(ctx) }()

	ran := make(chan struct{})
	h.bot.Post(func(context.Context) error {
		close(ran)
		return nil
	})
	<-ran
	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}

func TestExitCodeString(t *testing.T) {
	assert.Equal(t, "quit", ExitQuit.String())
	assert.Equal(t, "restart", ExitRestart.String())
	assert.True(t, strings.HasPrefix(ExitCode(9).String(), "exit("))
}

func TestDisconnectHoldsMessages(t *testing.T) {
	h := newHarness(t, nil)
	h.start("alice", "bob")

	h.bot.HandleDisconnect(nil)
	h.drain()
	assert.Empty(t, h.bot.presence.OnlineAddresses())

	h.say("alice", "anyone?")
	h.bot.HandleRoster(rosterItems("alice", "bob"))
	h.drain()
	h.online("bob", "phone")
	assert.Empty(t, h.received("bob"))

	h.advance(h.bot.cfg.SettleDelay)
	assert.Equal(t, []string{"[alice] anyone?"}, h.received("bob"))
}
