// Package config loads chatsync settings from defaults, an optional
// chatsync.{yaml,toml,json} file, a .env file and CHATSYNC_* environment
// variables, in increasing order of precedence.
package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/coworkhub/chatsync/internal/api"
	"github.com/coworkhub/chatsync/internal/cache"
	"github.com/coworkhub/chatsync/internal/chat"
	"github.com/coworkhub/chatsync/internal/logging"
	"github.com/coworkhub/chatsync/internal/messaging"
	"github.com/coworkhub/chatsync/internal/presence"
)

// EnvPrefix prefixes every environment override, e.g. CHATSYNC_NATS_URL.
const EnvPrefix = "CHATSYNC"

// CacheConfig selects the durable cache backend.
type CacheConfig struct {
	Backend   string // memory | redis | bolt
	RedisAddr string
	BoltPath  string
}

// Config is the full runtime configuration.
type Config struct {
	Participant      chat.Participant
	API              api.Config
	NATS             messaging.NATSConfig
	Cache            CacheConfig
	HistoryPageSize  int
	PresenceSchedule string
	BridgeAddr       string
	Log              logging.Config
}

func setDefaults(v *viper.Viper) {
	apiDefaults := api.DefaultConfig()
	natsDefaults := messaging.DefaultNATSConfig()

	v.SetDefault("participant.id", "")
	v.SetDefault("participant.name", "")
	v.SetDefault("participant.role", "member")

	v.SetDefault("api.base_url", apiDefaults.BaseURL)
	v.SetDefault("api.token", "")
	v.SetDefault("api.timeout", apiDefaults.Timeout)

	v.SetDefault("nats.url", natsDefaults.URL)
	v.SetDefault("nats.name", natsDefaults.Name)
	v.SetDefault("nats.token", "")
	v.SetDefault("nats.reconnect_wait", natsDefaults.ReconnectWait)
	v.SetDefault("nats.max_reconnects", natsDefaults.MaxReconnects)
	v.SetDefault("nats.ready_timeout", natsDefaults.ReadyTimeout)
	v.SetDefault("nats.snapshot_timeout", natsDefaults.SnapshotTimeout)

	v.SetDefault("cache.backend", cache.BackendBolt)
	v.SetDefault("cache.redis_addr", "localhost:6379")
	v.SetDefault("cache.bolt_path", "chatsync.db")

	v.SetDefault("history.page_size", 50)
	v.SetDefault("presence.poll_schedule", presence.DefaultPollSchedule)
	v.SetDefault("bridge.addr", "127.0.0.1:7420")

	v.SetDefault("log.level", string(logging.InfoLevel))
	v.SetDefault("log.json", false)
}

// Load reads the configuration. path names an explicit config file; when
// empty, chatsync.* is looked up in the working directory and its parent and
// may be absent.
func Load(path string) (Config, error) {
	_ = godotenv.Load(".env")

	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("chatsync")
		v.AddConfigPath(".")
		v.AddConfigPath("..")
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return Config{}, fmt.Errorf("config: read: %w", err)
		}
	}

	cfg := Config{
		Participant: chat.Participant{
			ID:   v.GetString("participant.id"),
			Name: v.GetString("participant.name"),
			Role: v.GetString("participant.role"),
		},
		API: api.Config{
			BaseURL: strings.TrimRight(v.GetString("api.base_url"), "/"),
			Token:   v.GetString("api.token"),
			Timeout: v.GetDuration("api.timeout"),
		},
		NATS: messaging.NATSConfig{
			URL:             v.GetString("nats.url"),
			Name:            v.GetString("nats.name"),
			Token:           v.GetString("nats.token"),
			ReconnectWait:   v.GetDuration("nats.reconnect_wait"),
			MaxReconnects:   v.GetInt("nats.max_reconnects"),
			ReadyTimeout:    v.GetDuration("nats.ready_timeout"),
			SnapshotTimeout: v.GetDuration("nats.snapshot_timeout"),
		},
		Cache: CacheConfig{
			Backend:   strings.ToLower(v.GetString("cache.backend")),
			RedisAddr: v.GetString("cache.redis_addr"),
			BoltPath:  v.GetString("cache.bolt_path"),
		},
		HistoryPageSize:  v.GetInt("history.page_size"),
		PresenceSchedule: v.GetString("presence.poll_schedule"),
		BridgeAddr:       v.GetString("bridge.addr"),
		Log: logging.Config{
			Level:      logging.Level(strings.ToLower(v.GetString("log.level"))),
			JSONOutput: v.GetBool("log.json"),
		},
	}
	if cfg.Participant.Name == "" {
		cfg.Participant.Name = cfg.Participant.ID
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks settings that have no usable default.
func (c Config) Validate() error {
	if c.Participant.ID == "" {
		return errors.New("config: participant.id is required")
	}
	switch c.Cache.Backend {
	case cache.BackendMemory, cache.BackendRedis, cache.BackendBolt:
	default:
		return fmt.Errorf("config: unknown cache.backend %q", c.Cache.Backend)
	}
	if c.HistoryPageSize <= 0 {
		return fmt.Errorf("config: history.page_size must be positive, got %d", c.HistoryPageSize)
	}
	return nil
}
