package plugin

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"time"

	"github.com/hashicorp/go-plugin"

	"github.com/lilydjwg/xmpptalk/internal/logging"
)

// DefaultTimeout bounds a single Filter call
const DefaultTimeout = 3 * time.Second

// Host manages plugin lifecycle
type Host struct {
	mu        sync.RWMutex
	plugins   []*LoadedPlugin
	pluginDir string
	timeout   time.Duration
}

// LoadedPlugin represents a loaded plugin
type LoadedPlugin struct {
	Metadata
	rpc     *RPCClient
	client  *plugin.Client
	timeout time.Duration
}

// Name returns the plugin name
func (lp *LoadedPlugin) Name() string {
	return lp.Metadata.Name
}

// Filter forwards a message to the plugin process
func (lp *LoadedPlugin) Filter(ctx context.Context, req Request) (Response, error) {
	if lp.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, lp.timeout)
		defer cancel()
	}
	return lp.rpc.Filter(ctx, req)
}

// NewHost creates a new plugin host
func NewHost(pluginDir string) *Host {
	return &Host{
		pluginDir: pluginDir,
		timeout:   DefaultTimeout,
	}
}

// LoadEnabled loads the named plugins from the plugin directory, in
// order. A plugin that fails to start is logged and skipped.
func (h *Host) LoadEnabled(names []string) error {
	if h.pluginDir == "" || len(names) == 0 {
		return nil
	}
	if _, err := os.Stat(h.pluginDir); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	log := logging.With("plugin")
	for _, name := range names {
		path := filepath.Join(h.pluginDir, name)
		if err := h.Load(path); err != nil {
			log.Error().Err(err).Str("plugin", name).Msg("failed to load plugin")
			continue
		}
		log.Info().Str("plugin", name).Msg("plugin loaded")
	}
	return nil
}

// Load starts a single plugin binary
func (h *Host) Load(path string) error {
	client := plugin.NewClient(&plugin.ClientConfig{
		HandshakeConfig: Handshake,
		Plugins:         PluginMap,
		Cmd:             exec.Command(path),
		AllowedProtocols: []plugin.Protocol{
			plugin.ProtocolNetRPC,
		},
	})

	rpcClient, err := client.Client()
	if err != nil {
		client.Kill()
		return fmt.Errorf("failed to connect to plugin: %w", err)
	}

	raw, err := rpcClient.Dispense("filter")
	if err != nil {
		client.Kill()
		return fmt.Errorf("failed to dispense plugin: %w", err)
	}

	rc, ok := raw.(*RPCClient)
	if !ok {
		client.Kill()
		return fmt.Errorf("unexpected plugin type %T", raw)
	}
	h.add(&LoadedPlugin{
		Metadata: Metadata{Name: rc.Name(), Version: rc.Version(), Path: path},
		rpc:      rc,
		client:   client,
	})
	return nil
}

func (h *Host) add(lp *LoadedPlugin) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if lp.timeout == 0 {
		lp.timeout = h.timeout
	}
	h.plugins = append(h.plugins, lp)
}

// UnloadAll stops every plugin process
func (h *Host) UnloadAll() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for _, lp := range h.plugins {
		if lp.client != nil {
			lp.client.Kill()
		}
	}
	h.plugins = nil
}

// List returns the loaded plugins in load order
func (h *Host) List() []*LoadedPlugin {
	h.mu.RLock()
	defer h.mu.RUnlock()

	result := make([]*LoadedPlugin, len(h.plugins))
	copy(result, h.plugins)
	return result
}

// Get returns a specific plugin
func (h *Host) Get(name string) *LoadedPlugin {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, lp := range h.plugins {
		if lp.Name() == name {
			return lp
		}
	}
	return nil
}
