// Package plugin runs message filters as separate processes. A filter
// sees every message that survived the built-in pipeline stages and may
// rewrite it, answer the sender or swallow it.
package plugin

import (
	"context"
	"net/rpc"

	"github.com/hashicorp/go-plugin"
)

// Plugin is the interface that all filter plugins must implement
type Plugin interface {
	// Name returns the plugin name
	Name() string

	// Version returns the plugin version
	Version() string

	// Filter inspects one message
	Filter(req Request) (Response, error)
}

// Request is a message on its way to the group
type Request struct {
	From string
	Nick string
	Body string
}

// Response tells the host what to do with a message. An empty Body
// leaves the text unchanged.
type Response struct {
	Consumed bool
	Body     string
	Reply    string
}

// Metadata describes a loaded plugin
type Metadata struct {
	Name    string
	Version string
	Path    string
}

// Handshake is the plugin handshake config
var Handshake = plugin.HandshakeConfig{
	ProtocolVersion:  1,
	MagicCookieKey:   "XMPPTALK_PLUGIN",
	MagicCookieValue: "filter",
}

// PluginMap is the plugin type map
var PluginMap = map[string]plugin.Plugin{
	"filter": &FilterPlugin{},
}

// Serve is called from a plugin's main function
func Serve(impl Plugin) {
	plugin.Serve(&plugin.ServeConfig{
		HandshakeConfig: Handshake,
		Plugins: map[string]plugin.Plugin{
			"filter": &FilterPlugin{Impl: impl},
		},
	})
}

// FilterPlugin carries a Plugin over net/rpc
type FilterPlugin struct {
	Impl Plugin
}

// Server returns the RPC server side
func (p *FilterPlugin) Server(*plugin.MuxBroker) (interface{}, error) {
	return &RPCServer{Impl: p.Impl}, nil
}

// Client returns the RPC client side
func (p *FilterPlugin) Client(_ *plugin.MuxBroker, c *rpc.Client) (interface{}, error) {
	return &RPCClient{client: c}, nil
}

// RPCServer runs inside the plugin process
type RPCServer struct {
	Impl Plugin
}

func (s *RPCServer) Name(_ interface{}, resp *string) error {
	*resp = s.Impl.Name()
	return nil
}

func (s *RPCServer) Version(_ interface{}, resp *string) error {
	*resp = s.Impl.Version()
	return nil
}

func (s *RPCServer) Filter(req Request, resp *Response) error {
	r, err := s.Impl.Filter(req)
	if err != nil {
		return err
	}
	*resp = r
	return nil
}

// RPCClient runs in the host
type RPCClient struct {
	client *rpc.Client
}

// NewRPCClient wraps an established connection to a plugin
func NewRPCClient(c *rpc.Client) *RPCClient {
	return &RPCClient{client: c}
}

func (c *RPCClient) Name() string {
	var resp string
	if err := c.client.Call("Plugin.Name", new(interface{}), &resp); err != nil {
		return ""
	}
	return resp
}

func (c *RPCClient) Version() string {
	var resp string
	if err := c.client.Call("Plugin.Version", new(interface{}), &resp); err != nil {
		return ""
	}
	return resp
}

// Filter calls the plugin, giving up when ctx is done
func (c *RPCClient) Filter(ctx context.Context, req Request) (Response, error) {
	var resp Response
	call := c.client.Go("Plugin.Filter", req, &resp, make(chan *rpc.Call, 1))
	select {
	case <-ctx.Done():
		return Response{}, ctx.Err()
	case <-call.Done:
		return resp, call.Error
	}
}
