package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/caarlos0/env/v10"
	"github.com/joho/godotenv"
)

// EnvPrefix prefixes every environment override, e.g. XMPPTALK_XMPP_PASSWORD
const EnvPrefix = "XMPPTALK_"

// Config represents the main application configuration
type Config struct {
	XMPP    XMPPConfig    `toml:"xmpp" envPrefix:"XMPP_"`
	Group   GroupConfig   `toml:"group" envPrefix:"GROUP_"`
	Storage StorageConfig `toml:"storage" envPrefix:"STORAGE_"`
	Dedup   DedupConfig   `toml:"dedup" envPrefix:"DEDUP_"`
	Plugins PluginsConfig `toml:"plugins" envPrefix:"PLUGINS_"`
	Logging LoggingConfig `toml:"logging" envPrefix:"LOGGING_"`
}

// XMPPConfig contains the bot account settings
type XMPPConfig struct {
	JID      string `toml:"jid" env:"JID"`
	Password string `toml:"password" env:"PASSWORD"`
	Server   string `toml:"server" env:"SERVER"`
	Port     int    `toml:"port" env:"PORT"`
	Resource string `toml:"resource" env:"RESOURCE"`
	Priority int    `toml:"priority" env:"PRIORITY"`
}

// GroupConfig contains the room policy
type GroupConfig struct {
	// Private rooms only admit invited addresses and the root
	Private bool   `toml:"private" env:"PRIVATE"`
	Root    string `toml:"root" env:"ROOT"`

	// Prefix introduces a command, e.g. "-nick foo"
	Prefix    string `toml:"prefix" env:"PREFIX"`
	HelpRegex string `toml:"help_regex" env:"HELP_REGEX"`

	NickMaxWidth       int           `toml:"nick_max_width" env:"NICK_MAX_WIDTH"`
	NickAllowedSymbols string        `toml:"nick_allowed_symbols" env:"NICK_ALLOWED_SYMBOLS"`
	NickChangeInterval time.Duration `toml:"nick_change_interval" env:"NICK_CHANGE_INTERVAL"`

	// Salt is mixed into hashed display addresses
	Salt     string `toml:"salt" env:"SALT"`
	Timezone string `toml:"timezone" env:"TIMEZONE"`

	Welcome string `toml:"welcome" env:"WELCOME"`
	Status  string `toml:"status" env:"STATUS"`

	NotifyLeave  bool     `toml:"notify_leave" env:"NOTIFY_LEAVE"`
	ReplayMissed bool     `toml:"replay_missed" env:"REPLAY_MISSED"`
	Banned       []string `toml:"banned" env:"BANNED" envSeparator:","`

	MaxMessageLength int `toml:"max_message_length" env:"MAX_MESSAGE_LENGTH"`
	MaxMessageLines  int `toml:"max_message_lines" env:"MAX_MESSAGE_LINES"`

	SettleDelay    time.Duration `toml:"settle_delay" env:"SETTLE_DELAY"`
	ProfileTimeout time.Duration `toml:"profile_timeout" env:"PROFILE_TIMEOUT"`
}

// StorageConfig selects and configures the repository
type StorageConfig struct {
	// Driver is one of sqlite, postgres or memory
	Driver  string `toml:"driver" env:"DRIVER"`
	DataDir string `toml:"data_dir" env:"DATA_DIR"`
	DSN     string `toml:"dsn" env:"DSN"`

	// LogCapacity bounds the message log; oldest entries are evicted
	LogCapacity int `toml:"log_capacity" env:"LOG_CAPACITY"`
}

// DedupConfig configures the subscribe de-duplication window
type DedupConfig struct {
	Backend       string        `toml:"backend" env:"BACKEND"`
	TTL           time.Duration `toml:"ttl" env:"TTL"`
	RedisAddr     string        `toml:"redis_addr" env:"REDIS_ADDR"`
	RedisPassword string        `toml:"redis_password" env:"REDIS_PASSWORD"`
	RedisDB       int           `toml:"redis_db" env:"REDIS_DB"`
}

// PluginsConfig contains plugin settings
type PluginsConfig struct {
	Enabled   []string `toml:"enabled" env:"ENABLED" envSeparator:","`
	PluginDir string   `toml:"plugin_dir" env:"DIR"`
}

// LoggingConfig contains logging settings
type LoggingConfig struct {
	Level   string `toml:"level" env:"LEVEL"`
	File    string `toml:"file" env:"FILE"`
	Console bool   `toml:"console" env:"CONSOLE"`
}

// Paths holds the XDG-compliant paths for the application
type Paths struct {
	ConfigDir string
	DataDir   string
}

// DefaultConfig returns the default configuration
func DefaultConfig() *Config {
	return &Config{
		XMPP: XMPPConfig{
			Port:     5222,
			Resource: "bot",
			Priority: 30,
		},
		Group: GroupConfig{
			Prefix:             "-",
			HelpRegex:          `^(?i)(help|\?|帮助)$`,
			NickMaxWidth:       12,
			NickAllowedSymbols: "_-.[]",
			Timezone:           "UTC",
			Welcome:            "Welcome to join this group!",
			NotifyLeave:        true,
			ReplayMissed:       true,
			MaxMessageLength:   500,
			MaxMessageLines:    6,
			SettleDelay:        2 * time.Second,
			ProfileTimeout:     10 * time.Second,
		},
		Storage: StorageConfig{
			Driver:      "sqlite",
			LogCapacity: 10000,
		},
		Dedup: DedupConfig{
			Backend: "memory",
			TTL:     5 * time.Second,
		},
		Plugins: PluginsConfig{
			Enabled: []string{},
		},
		Logging: LoggingConfig{
			Level:   "info",
			Console: true,
		},
	}
}

// GetPaths returns XDG-compliant paths for the application
func GetPaths() (*Paths, error) {
	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get home directory: %w", err)
		}
		configDir = filepath.Join(home, ".config")
	}

	dataDir := os.Getenv("XDG_DATA_HOME")
	if dataDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get home directory: %w", err)
		}
		dataDir = filepath.Join(home, ".local", "share")
	}

	return &Paths{
		ConfigDir: filepath.Join(configDir, "xmpptalk"),
		DataDir:   filepath.Join(dataDir, "xmpptalk"),
	}, nil
}

// Load reads the configuration. An empty path means config.toml in the
// XDG config directory; a missing default file is not an error.
func Load(path string) (*Config, error) {
	paths, err := GetPaths()
	if err != nil {
		return nil, err
	}

	cfg := DefaultConfig()

	explicit := path != ""
	if !explicit {
		path = filepath.Join(paths.ConfigDir, "config.toml")
	}

	if _, err := os.Stat(path); err == nil {
		if _, err := toml.DecodeFile(path, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	} else if explicit || !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := applyEnv(cfg); err != nil {
		return nil, err
	}

	if cfg.Storage.DataDir == "" {
		cfg.Storage.DataDir = paths.DataDir
	} else {
		cfg.Storage.DataDir = expandPath(cfg.Storage.DataDir)
	}
	if cfg.Plugins.PluginDir == "" {
		cfg.Plugins.PluginDir = filepath.Join(cfg.Storage.DataDir, "plugins")
	} else {
		cfg.Plugins.PluginDir = expandPath(cfg.Plugins.PluginDir)
	}
	if cfg.Logging.File != "" {
		cfg.Logging.File = expandPath(cfg.Logging.File)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv loads an optional .env file and applies XMPPTALK_* overrides
func applyEnv(cfg *Config) error {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to load .env: %w", err)
	}

	if err := env.ParseWithOptions(cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return fmt.Errorf("failed to apply environment: %w", err)
	}
	return nil
}

// Validate checks settings that would otherwise fail at first use
func (c *Config) Validate() error {
	if c.XMPP.JID == "" {
		return errors.New("xmpp.jid is required")
	}
	if c.Group.Prefix == "" {
		return errors.New("group.prefix must not be empty")
	}
	if c.Group.NickMaxWidth <= 0 {
		return errors.New("group.nick_max_width must be positive")
	}
	if _, err := regexp.Compile(c.Group.HelpRegex); err != nil {
		return fmt.Errorf("group.help_regex: %w", err)
	}
	if _, err := c.Group.Location(); err != nil {
		return fmt.Errorf("group.timezone: %w", err)
	}
	switch c.Storage.Driver {
	case "sqlite", "memory":
	case "postgres":
		if c.Storage.DSN == "" {
			return errors.New("storage.dsn is required for postgres")
		}
	default:
		return fmt.Errorf("unknown storage driver %q", c.Storage.Driver)
	}
	switch c.Dedup.Backend {
	case "memory":
	case "redis":
		if c.Dedup.RedisAddr == "" {
			return errors.New("dedup.redis_addr is required for redis")
		}
	default:
		return fmt.Errorf("unknown dedup backend %q", c.Dedup.Backend)
	}
	return nil
}

// Location returns the time zone used to display times to members
func (g GroupConfig) Location() (*time.Location, error) {
	return time.LoadLocation(g.Timezone)
}

// Save writes the configuration as TOML, creating parent directories
func Save(cfg *Config, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return fmt.Errorf("failed to create config file: %w", err)
	}
	defer f.Close()

	encoder := toml.NewEncoder(f)
	if err := encoder.Encode(cfg); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}

	return nil
}

// DefaultPath is where Load looks when no path is given
func DefaultPath() (string, error) {
	paths, err := GetPaths()
	if err != nil {
		return "", err
	}
	return filepath.Join(paths.ConfigDir, "config.toml"), nil
}

// expandPath expands ~ to home directory
func expandPath(path string) string {
	if len(path) > 0 && path[0] == '~' {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, path[1:])
	}
	return path
}
