package bot

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"mellium.im/xmpp/stanza"
)

func (h *harness) lastStatus(nick string) string {
	h.t.Helper()
	ps := h.presencesTo(addr(nick), stanza.AvailablePresence)
	require.NotEmpty(h.t, ps)
	return ps[len(ps)-1].Status
}

func TestStatusRefresher(t *testing.T) {
	h := newHarness(t, nil)
	h.start("root", "alice")

	h.say("root", "-mute alice 5m")
	assert.Equal(t, "(muted until 03-01 12:05:00) talking", h.lastStatus("alice"))

	h.say("alice", "-stop 10m")
	assert.Equal(t, "(muted until 03-01 12:05:00) (stopped until 03-01 12:10:00) talking", h.lastStatus("alice"))
	require.Contains(t, h.bot.statuses, addr("alice"))
	assert.Equal(t, t0.Add(5*time.Minute), h.bot.statuses[addr("alice")].at, "the earliest expiry comes first")

	h.advance(5 * time.Minute)
	assert.Equal(t, "(stopped until 03-01 12:10:00) talking", h.lastStatus("alice"))
	assert.Equal(t, t0.Add(10*time.Minute), h.bot.statuses[addr("alice")].at)

	h.advance(5 * time.Minute)
	assert.Equal(t, "talking", h.lastStatus("alice"))
	assert.Empty(t, h.bot.statuses)
	assert.Equal(t, 0, h.clock.Pending())
}

func TestStatusRefreshIsIdempotent(t *testing.T) {
	h := newHarness(t, nil)
	h.start("alice")

	h.say("alice", "-stop 10m")
	for i := 0; i < 3; i++ {
		h.bot.updateStatus(h.ctx, addr("alice"))
	}
	assert.Equal(t, 1, h.clock.Pending(), "one timer per member")

	h.advance(10 * time.Minute)
	assert.Equal(t, "talking", h.lastStatus("alice"))
	assert.Equal(t, 0, h.clock.Pending())
}

func TestStatusCancelledOnLeave(t *testing.T) {
	h := newHarness(t, nil)
	h.start("alice")

	h.say("alice", "-stop 10m")
	require.Equal(t, 1, h.clock.Pending())

	h.say("alice", "-quit")
	assert.Empty(t, h.bot.statuses)
	assert.Equal(t, 0, h.clock.Pending())
}

func TestGroupStatusRefreshesAnnotatedMembers(t *testing.T) {
	h := newHarness(t, nil)
	h.start("root", "alice")

	h.say("alice", "-stop 1h")
	h.say("root", "-setstatus quiet hours")

	assert.Equal(t, "(stopped until 03-01 13:00:00) quiet hours", h.lastStatus("alice"))
}
