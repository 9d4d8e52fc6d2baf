package main

import (
	"context"
	"fmt"
	"os"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/coworkhub/chatsync/internal/api"
	"github.com/coworkhub/chatsync/internal/cache"
	"github.com/coworkhub/chatsync/internal/config"
	"github.com/coworkhub/chatsync/internal/engine"
	"github.com/coworkhub/chatsync/internal/logging"
	"github.com/coworkhub/chatsync/internal/messaging"
)

var (
	// Version information (set via ldflags during build)
	Version = "dev"
	Commit  = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "chatsync",
	Short: "Real-time messaging sync core for the coworking site",
	Long: `chatsync keeps a local, deduplicated view of the channels a member has
joined, along with presence, typing indicators and unread counts, and exposes
it to UI processes over a local WebSocket bridge.`,
	Version:      Version,
	SilenceUsage: true,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf("chatsync version %s\nCommit: %s\n", Version, Commit))
	rootCmd.PersistentFlags().String("config", "", "config file (default: ./chatsync.{yaml,toml,json})")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(tailCmd)
	rootCmd.AddCommand(sendCmd)
}

// app is a fully wired engine plus the resources it owns.
type app struct {
	cfg    config.Config
	engine *engine.Engine
	cache  cache.Store
	log    zerolog.Logger
}

func setup(cmd *cobra.Command) (*app, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	logging.Init(cfg.Log)
	log := logging.WithComponent("main")

	store, err := cache.Open(cfg.Cache.Backend, cfg.Cache.RedisAddr, cfg.Cache.BoltPath, cfg.Participant.ID)
	if err != nil {
		return nil, fmt.Errorf("open cache: %w", err)
	}

	log.Info().
		Str("participant", cfg.Participant.ID).
		Str("api", cfg.API.BaseURL).
		Str("nats", cfg.NATS.URL).
		Str("cache", cfg.Cache.Backend).
		Msg("chatsync starting")

	e := engine.New(engine.Config{
		Self:             cfg.Participant,
		Transport:        messaging.NewNATSClient(cfg.NATS, logging.WithComponent("nats")),
		Backend:          api.New(cfg.API, logging.WithComponent("api")),
		Cache:            store,
		HistoryPageSize:  cfg.HistoryPageSize,
		PresenceSchedule: cfg.PresenceSchedule,
		Logger:           logging.Logger,
	})
	return &app{cfg: cfg, engine: e, cache: store, log: log}, nil
}

// start restores cached state, loads channel metadata and connects.
func (a *app) start(ctx context.Context) error {
	a.engine.Restore(ctx)
	if err := a.engine.RefreshChannels(ctx); err != nil {
		a.log.Warn().Err(err).Msg("channel metadata unavailable")
	}
	return a.engine.Connect(ctx)
}

func (a *app) close(ctx context.Context) {
	a.engine.Close(ctx)
	if err := a.cache.Close(); err != nil {
		a.log.Warn().Err(err).Msg("cache close failed")
	}
}
