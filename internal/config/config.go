package config

import (
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"
)

type Config struct {
	General     GeneralConfig     `toml:"general"`
	Chat        ChatConfig        `toml:"chat"`
	Marketplace MarketplaceConfig `toml:"marketplace"`
	GuildSync   GuildSyncConfig   `toml:"guild_sync"`
	Logging     LoggingConfig     `toml:"logging"`
	Servers     []ServerConfig    `toml:"server"`
}

type GeneralConfig struct {
	Language         string `toml:"language"`      // message catalog suffix, e.g. "en"
	RegistryPath     string `toml:"registry_path"` // sqlite file owned by this process
	SnapshotPath     string `toml:"snapshot_path"` // JSON presence snapshot for external consumers
	ClusterChannelID string `toml:"cluster_channel_id"`
	ScriptsDir       string `toml:"scripts_dir"` // lua custom command scripts, empty = disabled
	MessagesDir      string `toml:"messages_dir"`
}

type ChatConfig struct {
	Token            string  `toml:"token"`
	BaseURL          string  `toml:"base_url"`
	RegisteredRoleID string  `toml:"registered_role_id"`
	WebhookAddr      string  `toml:"webhook_addr"` // inbound command listener, empty = disabled
	WebhookSecret    string  `toml:"webhook_secret"`
	OperatorIDs      []int64 `toml:"operator_ids"` // chat ids allowed to run /grant
}

type MarketplaceConfig struct {
	Enabled        bool          `toml:"enabled"`
	CurrencyItemID int32         `toml:"currency_item_id"`
	CurrencyName   string        `toml:"currency_name"`
	SyncWait       time.Duration `toml:"sync_wait"` // game-DB catch-up delay between steps
	SpawnPollTries int           `toml:"spawn_poll_tries"`
	SpawnPollDelay time.Duration `toml:"spawn_poll_delay"`
}

type GuildSyncConfig struct {
	Enabled  bool             `toml:"enabled"`
	Interval time.Duration    `toml:"interval"`
	Roles    map[string]int64 `toml:"roles"` // chat role ID → game guild id
}

type LoggingConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"` // "json" or "console"
}

// ServerConfig describes one game server the plane operates on.
type ServerConfig struct {
	Name          string `toml:"name"`
	Alias         string `toml:"alias"`
	Enabled       bool   `toml:"enabled"`
	Host          string `toml:"host"`
	RconPort      int    `toml:"rcon_port"`
	RconPassword  string `toml:"rcon_password"`
	ChatChannelID string `toml:"chat_channel_id"`
	GameDBPath    string `toml:"game_db_path"`
	LogPath       string `toml:"log_path"`
	LogEncoding   string `toml:"log_encoding"`   // "utf-8" (default), "utf-16le", "windows-1252"
	LegacyDBPath  string `toml:"legacy_db_path"` // optional per-server registry to fold in at boot

	Rewards       RewardsConfig       `toml:"rewards"`
	Warps         WarpsConfig         `toml:"warps"`
	Killfeed      KillfeedConfig      `toml:"killfeed"`
	Announcements AnnouncementsConfig `toml:"announcements"`
	Buildings     BuildingsConfig     `toml:"buildings"`
	Inactivity    InactivityConfig    `toml:"inactivity"`
}

func (s *ServerConfig) RconAddr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.RconPort)
}

type RewardsConfig struct {
	Enabled bool `toml:"enabled"`
	// Minutes of playtime between grants, keyed by entitlement level.
	// Key "0" is the default for unentitled players.
	IntervalsMinutes map[string]int `toml:"intervals_minutes"`
	ItemID           int32          `toml:"item_id"`
	Quantity         int            `toml:"quantity"`
}

type WarpsConfig struct {
	Enabled         bool                    `toml:"enabled"`
	CooldownMinutes int                     `toml:"cooldown_minutes"`
	Locations       map[string]WarpLocation `toml:"locations"`
}

type WarpLocation struct {
	X float64 `toml:"x"`
	Y float64 `toml:"y"`
	Z float64 `toml:"z"`
}

type KillfeedConfig struct {
	Enabled   bool   `toml:"enabled"`
	ChannelID string `toml:"channel_id"`
}

type AnnouncementsConfig struct {
	Enabled  bool           `toml:"enabled"`
	Messages []Announcement `toml:"messages"`
}

// Announcement is a cron-scheduled broadcast. Target "chat" posts to the
// server channel, "game" goes out over RCON.
type Announcement struct {
	Schedule string `toml:"schedule"`
	Target   string `toml:"target"`
	Text     string `toml:"text"`
}

type BuildingsConfig struct {
	Enabled    bool   `toml:"enabled"`
	QueryPath  string `toml:"query_path"` // SQL file run against the game DB
	BuildLimit int    `toml:"build_limit"`
	ChannelID  string `toml:"channel_id"`
}

type InactivityConfig struct {
	Enabled   bool   `toml:"enabled"`
	QueryPath string `toml:"query_path"`
	Days      int    `toml:"days"`
	ChannelID string `toml:"channel_id"`
}

func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	cfg := defaults()
	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks the loaded configuration. The process refuses to boot on
// the first fatal problem rather than limp along with a half-wired fleet.
func (c *Config) Validate() error {
	if len(c.Servers) == 0 {
		return fmt.Errorf("no [[server]] blocks configured")
	}
	if c.Chat.Token == "" {
		return fmt.Errorf("chat.token is required")
	}
	if c.Chat.WebhookAddr != "" && c.Chat.WebhookSecret == "" {
		return fmt.Errorf("chat.webhook_secret is required when chat.webhook_addr is set")
	}
	seen := make(map[string]bool, len(c.Servers))
	for i := range c.Servers {
		s := &c.Servers[i]
		if s.Name == "" {
			return fmt.Errorf("server[%d]: name is required", i)
		}
		if seen[s.Name] {
			return fmt.Errorf("server %q: duplicate name", s.Name)
		}
		seen[s.Name] = true
		if !s.Enabled {
			continue
		}
		if s.Host == "" {
			return fmt.Errorf("server %q: host is required", s.Name)
		}
		if s.RconPort <= 0 || s.RconPort > 65535 {
			return fmt.Errorf("server %q: rcon_port %d out of range", s.Name, s.RconPort)
		}
		if s.RconPassword == "" {
			return fmt.Errorf("server %q: rcon_password is required", s.Name)
		}
		if s.Buildings.Enabled && s.Buildings.QueryPath == "" {
			return fmt.Errorf("server %q: buildings.query_path is required", s.Name)
		}
		if s.Inactivity.Enabled && s.Inactivity.QueryPath == "" {
			return fmt.Errorf("server %q: inactivity.query_path is required", s.Name)
		}
		for _, a := range s.Announcements.Messages {
			if a.Schedule == "" || a.Text == "" {
				return fmt.Errorf("server %q: announcement needs schedule and text", s.Name)
			}
		}
	}
	if c.Marketplace.Enabled && c.Marketplace.CurrencyItemID == 0 {
		return fmt.Errorf("marketplace.currency_item_id is required when marketplace is enabled")
	}
	return nil
}

// Server returns the config block for a server name, or nil.
func (c *Config) Server(name string) *ServerConfig {
	for i := range c.Servers {
		if c.Servers[i].Name == name {
			return &c.Servers[i]
		}
	}
	return nil
}

// EnabledServers returns the servers the plane should operate on.
func (c *Config) EnabledServers() []*ServerConfig {
	var out []*ServerConfig
	for i := range c.Servers {
		if c.Servers[i].Enabled {
			out = append(out, &c.Servers[i])
		}
	}
	return out
}

func defaults() *Config {
	return &Config{
		General: GeneralConfig{
			Language:     "en",
			RegistryPath: "data/registry.db",
			SnapshotPath: "data/presence.json",
			MessagesDir:  "data/messages",
		},
		Marketplace: MarketplaceConfig{
			CurrencyName:   "coin",
			SyncWait:       4 * time.Second,
			SpawnPollTries: 5,
			SpawnPollDelay: 3 * time.Second,
		},
		GuildSync: GuildSyncConfig{
			Interval: 10 * time.Minute,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
		},
	}
}
