package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"mellium.im/xmpp/jid"

	"github.com/lilydjwg/xmpptalk/internal/bot"
	"github.com/lilydjwg/xmpptalk/internal/clock"
	"github.com/lilydjwg/xmpptalk/internal/config"
	"github.com/lilydjwg/xmpptalk/internal/expiring"
	"github.com/lilydjwg/xmpptalk/internal/logging"
	"github.com/lilydjwg/xmpptalk/internal/storage"
	"github.com/lilydjwg/xmpptalk/internal/storage/memory"
	"github.com/lilydjwg/xmpptalk/internal/storage/postgres"
	"github.com/lilydjwg/xmpptalk/internal/storage/sqlite"
	"github.com/lilydjwg/xmpptalk/internal/xmpp"
	"github.com/lilydjwg/xmpptalk/pkg/plugin"
)

// version is set at build time
var version = "dev"

const (
	disconnectGrace = 3 * time.Second
	reconnectDelay  = 10 * time.Second
)

func main() {
	configPath := pflag.StringP("config", "c", "", "path to config.toml")
	showVersion := pflag.BoolP("version", "v", false, "print version and exit")
	initConfig := pflag.Bool("init", false, "write a default config file and exit")
	pflag.Parse()

	if *showVersion {
		fmt.Println("xmpptalk", version)
		return
	}
	if *initConfig {
		if err := writeDefaultConfig(*configPath); err != nil {
			fmt.Fprintf(os.Stderr, "xmpptalk: %v\n", err)
			os.Exit(1)
		}
		return
	}

	code, err := run(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "xmpptalk: %v\n", err)
		os.Exit(1)
	}
	if code == bot.ExitRestart {
		restart()
	}
}

func run(configPath string) (bot.ExitCode, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return 0, err
	}
	if err := logging.Init(logging.Config{
		Level:   cfg.Logging.Level,
		File:    cfg.Logging.File,
		Console: cfg.Logging.Console,
	}); err != nil {
		return 0, fmt.Errorf("failed to initialize logging: %w", err)
	}
	defer logging.Close()
	log := logging.With("main")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	repo, err := openStorage(ctx, cfg.Storage)
	if err != nil {
		return 0, fmt.Errorf("failed to open storage: %w", err)
	}
	defer repo.Close()

	clk := clock.Real()
	dedup, err := openDedup(ctx, cfg.Dedup, clk)
	if err != nil {
		return 0, fmt.Errorf("failed to set up subscribe dedup: %w", err)
	}

	host := plugin.NewHost(cfg.Plugins.PluginDir)
	if err := host.LoadEnabled(cfg.Plugins.Enabled); err != nil {
		log.Error().Err(err).Msg("failed to load plugins")
	}
	defer host.UnloadAll()
	var filters []bot.Filter
	for _, p := range host.List() {
		filters = append(filters, p)
	}

	client, err := xmpp.NewClient(xmpp.ClientConfig{
		JID:      cfg.XMPP.JID,
		Password: cfg.XMPP.Password,
		Server:   cfg.XMPP.Server,
		Port:     cfg.XMPP.Port,
		Resource: cfg.XMPP.Resource,
		Priority: cfg.XMPP.Priority,
	})
	if err != nil {
		return 0, err
	}

	bot.Version = version
	b, err := bot.New(cfg.Group, bot.Deps{
		Repo:      repo,
		Transport: client,
		Clock:     clk,
		Dedup:     dedup,
		Filters:   filters,
	})
	if err != nil {
		return 0, err
	}

	client.SetMessageHandler(b.HandleMessage)
	client.SetPresenceHandler(b.HandlePresence)
	client.SetRosterHandler(b.HandleRoster)
	client.SetRosterPushHandler(b.HandleRosterPush)
	client.SetProfileHandler(b.HandleProfile)
	client.SetErrorHandler(func(err error) {
		log.Error().Err(err).Msg("xmpp error")
	})
	client.SetConnectHandler(func(j jid.JID) {
		log.Info().Str("jid", j.String()).Msg("connected")
	})
	client.SetDisconnectHandler(func(err error) {
		if err == nil {
			return
		}
		b.HandleDisconnect(err)
		go reconnect(ctx, client)
	})

	if err := client.Connect(); err != nil {
		return 0, err
	}

	err = b.Run(ctx)
	if derr := client.Disconnect(disconnectGrace); derr != nil {
		log.Warn().Err(derr).Msg("disconnect")
	}

	var exit *bot.ExitError
	switch {
	case errors.As(err, &exit):
		log.Info().Str("by", exit.By).Str("action", exit.Code.String()).Msg("exiting")
		return exit.Code, nil
	case errors.Is(err, context.Canceled):
		log.Info().Msg("interrupted")
		return bot.ExitQuit, nil
	default:
		return 0, err
	}
}

func writeDefaultConfig(path string) error {
	if path == "" {
		var err error
		if path, err = config.DefaultPath(); err != nil {
			return err
		}
	}
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("%s already exists", path)
	}
	if err := config.Save(config.DefaultConfig(), path); err != nil {
		return err
	}
	fmt.Println("wrote", path)
	return nil
}

func openStorage(ctx context.Context, cfg config.StorageConfig) (storage.Repository, error) {
	switch cfg.Driver {
	case "postgres":
		return postgres.Open(ctx, cfg.DSN, cfg.LogCapacity)
	case "memory":
		return memory.New(cfg.LogCapacity), nil
	default:
		return sqlite.New(cfg.DataDir, cfg.LogCapacity)
	}
}

func openDedup(ctx context.Context, cfg config.DedupConfig, clk clock.Clock) (expiring.Set, error) {
	if cfg.Backend != "redis" {
		return expiring.NewMemory(clk, cfg.TTL), nil
	}
	rdb, err := expiring.NewRedisClient(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
	if err != nil {
		return nil, err
	}
	return expiring.NewRedis(rdb, "xmpptalk:subscribe:", cfg.TTL), nil
}

// reconnect retries until the session is back or ctx is done
func reconnect(ctx context.Context, client *xmpp.Client) {
	log := logging.With("main")
	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(reconnectDelay):
		}
		if client.IsConnected() {
			return
		}
		if err := client.Connect(); err != nil {
			log.Warn().Err(err).Msg("reconnect failed")
			continue
		}
		return
	}
}

// restart replaces the process with a fresh copy of itself
func restart() {
	exe, err := os.Executable()
	if err != nil {
		fmt.Fprintf(os.Stderr, "xmpptalk: cannot restart: %v\n", err)
		os.Exit(1)
	}
	if err := syscall.Exec(exe, os.Args, os.Environ()); err != nil {
		fmt.Fprintf(os.Stderr, "xmpptalk: cannot restart: %v\n", err)
		os.Exit(1)
	}
}
