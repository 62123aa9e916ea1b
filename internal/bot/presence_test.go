package bot

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"mellium.im/xmpp/jid"
	"mellium.im/xmpp/stanza"

	"github.com/lilydjwg/xmpptalk/internal/config"
	"github.com/lilydjwg/xmpptalk/internal/storage"
	"github.com/lilydjwg/xmpptalk/internal/textutil"
	"github.com/lilydjwg/xmpptalk/internal/xmpp"
)

func TestSubscribeJoinsWithProfileTimeout(t *testing.T) {
	h := newHarness(t, nil)
	h.start("alice")

	h.presence(addr("dave"), stanza.SubscribePresence)

	assert.Len(t, h.presencesTo(addr("dave"), stanza.SubscribedPresence), 1)
	assert.Len(t, h.presencesTo(addr("dave"), stanza.SubscribePresence), 1)
	assert.Equal(t, []string{"Welcome to join this group!"}, h.received("dave"))
	assert.Len(t, h.tr.profiles, 1)
	assert.Equal(t, "", h.user("dave").Nick, "no nick until the profile resolves")

	h.advance(h.bot.cfg.ProfileTimeout)

	hashed := textutil.HashAddress(addr("dave"), "pepper", 12)
	assert.Equal(t, hashed, h.user("dave").Nick)
	assert.Contains(t, h.last("dave"), `Your nick is default to "`+hashed+`"`)
	assert.Equal(t, hashed, h.tr.rosterSet[addr("dave")])
	assert.Empty(t, h.bot.profiles)
}

func TestSubscribeJoinsWithProfile(t *testing.T) {
	h := newHarness(t, nil)
	h.start("alice")
	taken := "Dave"
	_, err := h.repo.UpdateUser(h.ctx, addr("alice"), storage.UserUpdate{Nick: &taken})
	require.NoError(t, err)

	h.presence(addr("dave"), stanza.SubscribePresence)
	require.Len(t, h.tr.profiles, 1)
	var id string
	for k := range h.tr.profiles {
		id = k
	}

	h.bot.HandleProfile(id, xmpp.Profile{FullName: "Dave"}, nil)
	h.drain()
	assert.Equal(t, "Dave_", h.user("dave").Nick, "taken nicks get an underscore")

	// the timeout no longer fires
	assert.Equal(t, 0, h.clock.Pending())
	h.advance(h.bot.cfg.ProfileTimeout)
	assert.Equal(t, "Dave_", h.user("dave").Nick)
}

func TestProfileFamilyName(t *testing.T) {
	h := newHarness(t, nil)
	h.start()

	h.presence(addr("erin"), stanza.SubscribePresence)
	var id string
	for k := range h.tr.profiles {
		id = k
	}
	h.bot.HandleProfile(id, xmpp.Profile{Family: "Smith"}, nil)
	h.drain()
	assert.Equal(t, "Smith", h.user("erin").Nick)
}

func TestDuplicateSubscribeDropped(t *testing.T) {
	h := newHarness(t, nil)
	h.start()

	h.presence(addr("dave"), stanza.SubscribePresence)
	h.presence(addr("dave")+"/laptop", stanza.SubscribePresence)
	assert.Len(t, h.presencesTo(addr("dave"), stanza.SubscribedPresence), 1)

	h.advance(6 * time.Second)
	h.presence(addr("dave"), stanza.SubscribePresence)
	assert.Len(t, h.presencesTo(addr("dave"), stanza.SubscribedPresence), 2)
}

func TestSubscribedSharesDedupWindow(t *testing.T) {
	h := newHarness(t, nil)
	h.start()

	h.presence(addr("frank"), stanza.SubscribedPresence)
	_, err := h.repo.FindUser(h.ctx, addr("frank"))
	require.NoError(t, err)

	h.presence(addr("frank"), stanza.SubscribePresence)
	assert.Empty(t, h.presencesTo(addr("frank"), stanza.SubscribedPresence))

	h.advance(6 * time.Second)
	h.presence(addr("frank"), stanza.SubscribePresence)
	assert.Len(t, h.presencesTo(addr("frank"), stanza.SubscribedPresence), 1)
}

func TestPrivateRoomDeniesUninvited(t *testing.T) {
	h := newHarness(t, func(cfg *config.GroupConfig) { cfg.Private = true })
	h.start("root")

	h.presence(addr("eve"), stanza.SubscribePresence)
	assert.Len(t, h.presencesTo(addr("eve"), stanza.UnsubscribedPresence), 1)
	assert.Empty(t, h.presencesTo(addr("eve"), stanza.SubscribedPresence))
	_, err := h.repo.FindUser(h.ctx, addr("eve"))
	assert.ErrorIs(t, err, storage.ErrNotFound)

	h.say("eve", "let me in")
	assert.Equal(t, "You are not allowed to send messages to this group until invited.", h.last("eve"))

	h.say("root", "-invite "+addr("eve"))
	assert.Equal(t, "Invitation sent, please wait for approval.", h.last("root"))
	assert.Len(t, h.presencesTo(addr("eve"), stanza.SubscribePresence), 1)

	h.advance(6 * time.Second)
	h.presence(addr("eve"), stanza.SubscribePresence)
	assert.Len(t, h.presencesTo(addr("eve"), stanza.SubscribedPresence), 1)
	assert.Equal(t, addr("eve"), h.user("eve").Address)
}

func TestBannedDomain(t *testing.T) {
	h := newHarness(t, func(cfg *config.GroupConfig) {
		cfg.Banned = []string{"@spam.example", "troll@example.org"}
	})
	h.start()

	h.presence("bot@spam.example", stanza.SubscribePresence)
	h.presence(addr("troll"), stanza.SubscribePresence)
	h.presence(addr("friend"), stanza.SubscribePresence)

	assert.Len(t, h.presencesTo("bot@spam.example", stanza.UnsubscribedPresence), 1)
	assert.Len(t, h.presencesTo(addr("troll"), stanza.UnsubscribedPresence), 1)
	assert.Len(t, h.presencesTo(addr("friend"), stanza.SubscribedPresence), 1)
}

func TestRootGetsAllPermissions(t *testing.T) {
	h := newHarness(t, nil)
	h.start()

	h.presence(addr("root"), stanza.SubscribePresence)
	assert.Equal(t, storage.PermAll, h.user("root").Flags)
}

func TestAvailableIsIdempotent(t *testing.T) {
	h := newHarness(t, nil)
	h.start("alice")

	h.online("alice", "phone")
	h.online("alice", "laptop")
	assert.Empty(t, h.presencesTo(addr("alice"), stanza.AvailablePresence), "already online")

	h.offline("alice", "phone")
	assert.True(t, h.user("alice").LastSeen.IsZero(), "laptop is still connected")

	h.clock.Advance(time.Minute)
	h.offline("alice", "laptop")
	assert.Equal(t, t0.Add(time.Minute), h.user("alice").LastSeen)

	h.online("alice", "phone")
	assert.Len(t, h.presencesTo(addr("alice"), stanza.AvailablePresence), 1)
}

func TestReplayMissed(t *testing.T) {
	h := newHarness(t, nil)
	h.start("alice", "bob")

	h.offline("bob", "phone")
	h.clock.Advance(time.Minute)
	h.say("alice", "while you were away")
	assert.Empty(t, h.received("bob"))

	h.online("bob", "phone")
	assert.Equal(t, "Messages while you lost the connection:\n12:01:00 [alice] while you were away", h.last("bob"))
}

func TestUnsubscribeLeaves(t *testing.T) {
	h := newHarness(t, nil)
	h.start("alice", "bob")

	h.presence(addr("bob"), stanza.UnsubscribePresence)

	_, err := h.repo.FindUser(h.ctx, addr("bob"))
	assert.ErrorIs(t, err, storage.ErrNotFound)
	assert.Len(t, h.presencesTo(addr("bob"), stanza.UnsubscribedPresence), 1)
	assert.Len(t, h.presencesTo(addr("bob"), stanza.UnsubscribePresence), 1)
	assert.Equal(t, []string{"bob left the group."}, h.received("alice"))
	assert.False(t, h.bot.presence.IsOnline(jid.MustParse(addr("bob"))))

	// a second unsubscribed for a removed member is harmless
	h.presence(addr("bob"), stanza.UnsubscribedPresence)
	assert.Len(t, h.received("alice"), 1)
}

func TestQuietLeave(t *testing.T) {
	h := newHarness(t, func(cfg *config.GroupConfig) { cfg.NotifyLeave = false })
	h.start("alice", "bob")

	h.say("bob", "-quit")
	assert.Equal(t, []string{"See you!"}, h.received("bob"))
	assert.Empty(t, h.received("alice"))
}
