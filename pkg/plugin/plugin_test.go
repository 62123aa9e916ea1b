package plugin

import (
	"context"
	"errors"
	"net"
	"net/rpc"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type upper struct {
	block chan struct{}
}

func (upper) Name() string    { return "upper" }
func (upper) Version() string { return "1.0" }

func (u upper) Filter(req Request) (Response, error) {
	if u.block != nil {
		<-u.block
	}
	switch req.Body {
	case "secret":
		return Response{Consumed: true, Reply: "no secrets, " + req.Nick}, nil
	case "boom":
		return Response{}, errors.New("boom")
	}
	return Response{Body: strings.ToUpper(req.Body)}, nil
}

func connect(t *testing.T, impl Plugin) *RPCClient {
	t.Helper()

	server := rpc.NewServer()
	require.NoError(t, server.RegisterName("Plugin", &RPCServer{Impl: impl}))

	hostSide, pluginSide := net.Pipe()
	go server.ServeConn(pluginSide)

	client := rpc.NewClient(hostSide)
	t.Cleanup(func() { client.Close() })
	return NewRPCClient(client)
}

func TestRPCFilter(t *testing.T) {
	c := connect(t, upper{})
	ctx := context.Background()

	assert.Equal(t, "upper", c.Name())
	assert.Equal(t, "1.0", c.Version())

	resp, err := c.Filter(ctx, Request{From: "alice@example.org", Nick: "alice", Body: "hi"})
	require.NoError(t, err)
	assert.Equal(t, Response{Body: "HI"}, resp)

	resp, err = c.Filter(ctx, Request{Nick: "alice", Body: "secret"})
	require.NoError(t, err)
	assert.True(t, resp.Consumed)
	assert.Equal(t, "no secrets, alice", resp.Reply)

	_, err = c.Filter(ctx, Request{Body: "boom"})
	assert.EqualError(t, err, "boom")
}

func TestLoadedPluginTimeout(t *testing.T) {
	block := make(chan struct{})
	defer close(block)

	h := NewHost("")
	h.add(&LoadedPlugin{
		Metadata: Metadata{Name: "slow"},
		rpc:      connect(t, upper{block: block}),
		timeout:  20 * time.Millisecond,
	})

	lp := h.Get("slow")
	require.NotNil(t, lp)
	_, err := lp.Filter(context.Background(), Request{Body: "hi"})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Nil(t, h.Get("missing"))
	assert.Len(t, h.List(), 1)
}

func TestLoadEnabledWithoutDirectory(t *testing.T) {
	h := NewHost(t.TempDir() + "/missing")
	assert.NoError(t, h.LoadEnabled([]string{"autoreply"}))
	assert.Empty(t, h.List())
}
