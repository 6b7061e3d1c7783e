// Package config loads settings from defaults, TOML files, a .env file, the
// environment and command line flags, in that order of precedence.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/DoyleJ11/roomsync-backend/internal/catalog/postgres"
	"github.com/DoyleJ11/roomsync-backend/internal/catalog/sqlite"
	"github.com/DoyleJ11/roomsync-backend/internal/client"
	"github.com/DoyleJ11/roomsync-backend/internal/engine"
	"github.com/DoyleJ11/roomsync-backend/internal/logging"
	"github.com/DoyleJ11/roomsync-backend/internal/store/mem"
	"github.com/DoyleJ11/roomsync-backend/internal/store/redis"
	"github.com/joho/godotenv"
	"github.com/knadh/koanf"
	"github.com/knadh/koanf/parsers/toml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/posflag"
	flag "github.com/spf13/pflag"
)

const EnvPrefix = "ROOMSYNC_"

type App struct {
	Address         string        `koanf:"address"`
	RoomTimeout     time.Duration `koanf:"room_timeout"`
	InboxSize       int           `koanf:"inbox_size"`
	OutboxSize      int           `koanf:"outbox_size"`
	PingInterval    time.Duration `koanf:"ping_interval"`
	WriteTimeout    time.Duration `koanf:"write_timeout"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`
	OriginPatterns  []string      `koanf:"origin_patterns"`
}

type SeedTrack struct {
	ID       string  `koanf:"id"`
	Title    string  `koanf:"title"`
	Artist   string  `koanf:"artist"`
	FileURL  string  `koanf:"file_url"`
	Duration float64 `koanf:"duration"`
}

type Catalog struct {
	Type     string          `koanf:"type"` // memory | postgres | sqlite
	Cache    bool            `koanf:"cache"`
	Tracks   []SeedTrack     `koanf:"tracks"`
	Postgres postgres.Config `koanf:"postgres"`
	SQLite   sqlite.Config   `koanf:"sqlite"`
}

type Store struct {
	Type   string       `koanf:"type"` // memory | redis
	Memory mem.Config   `koanf:"memory"`
	Redis  redis.Config `koanf:"redis"`
}

type Config struct {
	App     App            `koanf:"app"`
	Log     logging.Config `koanf:"log"`
	Catalog Catalog        `koanf:"catalog"`
	Store   Store          `koanf:"store"`
	Client  client.Config  `koanf:"client"`
}

var defaults = map[string]any{
	"app.address":          ":8080",
	"app.room_timeout":     "30m",
	"app.inbox_size":       64,
	"app.outbox_size":      16,
	"app.ping_interval":    "5s",
	"app.write_timeout":    "3s",
	"app.shutdown_timeout": "10s",

	"log.level": "info",
	"log.dev":   false,

	"catalog.type":                       "memory",
	"catalog.cache":                      true,
	"catalog.postgres.max_open_conns":    10,
	"catalog.postgres.max_idle_conns":    5,
	"catalog.postgres.conn_max_lifetime": "30m",
	"catalog.sqlite.path":                "data/catalog.db",

	"store.type":                 "memory",
	"store.memory.ttl":           "24h",
	"store.redis.address":        "localhost:6379",
	"store.redis.pool_size":      10,
	"store.redis.timeout":        "3s",
	"store.redis.ttl":            "24h",
	"store.redis.prefix_state":   "roomsync:state:%s",
	"store.redis.prefix_channel": "roomsync:room:%s",

	"client.url":             "ws://localhost:8080/ws",
	"client.sync_timeout":    "3s",
	"client.sync_retries":    2,
	"client.drift_tolerance": 1.0,
	"client.ping_interval":   "5s",
	"client.write_timeout":   "3s",
	"client.reconnect":       "2s",
}

// Flags returns the flag set understood by Load. Dotted flag names override
// the matching config keys.
func Flags(name string) *flag.FlagSet {
	f := flag.NewFlagSet(name, flag.ContinueOnError)
	f.StringSlice("config", []string{}, "Path to one or more TOML config files to load in order")
	f.String("env-file", ".env", "Path to a .env file merged into the environment")
	f.Bool("version", false, "Show build version")
	f.String("app.address", ":8080", "Address to listen on")
	f.String("log.level", "info", "Log level")
	f.String("client.url", "ws://localhost:8080/ws", "WebSocket endpoint to join")
	f.String("client.room", "", "Room to join")
	f.String("client.user", "", "User id to join as")
	return f
}

// Load parses args with f and builds the configuration.
func Load(f *flag.FlagSet, args []string) (Config, *koanf.Koanf, error) {
	var cfg Config
	if err := f.Parse(args); err != nil {
		return cfg, nil, err
	}

	ko := koanf.New(".")
	if err := ko.Load(confmap.Provider(defaults, "."), nil); err != nil {
		return cfg, nil, fmt.Errorf("error loading defaults: %w", err)
	}

	// Read the config files.
	files, _ := f.GetStringSlice("config")
	for _, path := range files {
		if err := ko.Load(file.Provider(path), toml.Parser()); err != nil {
			return cfg, nil, fmt.Errorf("error reading config %s: %w", path, err)
		}
	}

	// A missing .env is fine; a broken one is not.
	if path, _ := f.GetString("env-file"); path != "" {
		if err := godotenv.Load(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return cfg, nil, fmt.Errorf("error reading %s: %w", path, err)
		}
	}

	// Merge env flags into config. ROOMSYNC_APP__ROOM_TIMEOUT -> app.room_timeout
	if err := ko.Load(env.Provider(EnvPrefix, ".", func(s string) string {
		return strings.ReplaceAll(strings.ToLower(
			strings.TrimPrefix(s, EnvPrefix)), "__", ".")
	}), nil); err != nil {
		return cfg, nil, fmt.Errorf("error loading env config: %w", err)
	}

	// Merge command line flags into config.
	if err := ko.Load(posflag.Provider(f, ".", ko), nil); err != nil {
		return cfg, nil, fmt.Errorf("error loading flags: %w", err)
	}

	if err := ko.Unmarshal("", &cfg); err != nil {
		return cfg, nil, fmt.Errorf("error unmarshalling config: %w", err)
	}
	return cfg, ko, cfg.validate()
}

func (c Config) validate() error {
	switch c.Catalog.Type {
	case "memory", "postgres", "sqlite":
	default:
		return fmt.Errorf("unknown catalog.type %q", c.Catalog.Type)
	}
	switch c.Store.Type {
	case "memory", "redis":
	default:
		return fmt.Errorf("unknown store.type %q", c.Store.Type)
	}
	if c.Client.DriftTolerance < 0 {
		return errors.New("drift_tolerance must not be negative")
	}
	return nil
}

// SeedTracks converts the configured seed tracks for the catalog.
func (c Catalog) SeedTracks() []engine.Track {
	out := make([]engine.Track, 0, len(c.Tracks))
	for _, t := range c.Tracks {
		out = append(out, engine.Track{
			ID:       t.ID,
			Title:    t.Title,
			Artist:   t.Artist,
			FileURL:  t.FileURL,
			Duration: t.Duration,
		})
	}
	return out
}
