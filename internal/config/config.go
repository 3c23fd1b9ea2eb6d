package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/john/multichat/internal/message"
)

// Kick connection modes
const (
	KickModeBridge = "bridge"
	KickModeDirect = "direct"
)

// Config holds the application configuration
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Log      LogConfig      `yaml:"log"`
	Twitch   TwitchConfig   `yaml:"twitch"`
	Kick     KickConfig     `yaml:"kick"`
	TikTok   TikTokConfig   `yaml:"tiktok"`
	YouTube  YouTubeConfig  `yaml:"youtube"`
	Avatar   AvatarConfig   `yaml:"avatar"`
	Backoff  BackoffConfig  `yaml:"backoff"`
	Watchdog WatchdogConfig `yaml:"watchdog"`
}

// ServerConfig holds the HTTP/WebSocket listener configuration
type ServerConfig struct {
	Addr            string        `yaml:"addr"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	ClientBuffer    int           `yaml:"client_buffer"` // per-client send queue length
	AllowedOrigins  []string      `yaml:"allowed_origins"`
}

// LogConfig holds logging configuration
type LogConfig struct {
	Level string `yaml:"level"`
	File  string `yaml:"file"` // optional rotating JSON log
}

// TwitchConfig holds Twitch-specific configuration
type TwitchConfig struct {
	Channels       []string      `yaml:"channels"`
	Username       string        `yaml:"username"` // empty means anonymous read-only login
	OAuth          string        `yaml:"oauth"`
	ResolveAvatars *bool         `yaml:"resolve_avatars"`
	IdleTimeout    time.Duration `yaml:"idle_timeout"`
}

// KickConfig holds Kick-specific configuration
type KickConfig struct {
	Channel     string        `yaml:"channel"`
	ChatroomID  int64         `yaml:"chatroom_id"` // 0 means resolve via API or wait for the operator endpoint
	Mode        string        `yaml:"mode"`
	PusherURL   string        `yaml:"pusher_url"` // empty uses the public Kick Pusher app
	IdleTimeout time.Duration `yaml:"idle_timeout"`
}

// TikTokConfig holds TikTok-specific configuration
type TikTokConfig struct {
	Username    string        `yaml:"username"`
	RelayURL    string        `yaml:"relay_url"` // websocket URL template containing {username}
	IdleTimeout time.Duration `yaml:"idle_timeout"`
}

// YouTubeConfig holds YouTube-specific configuration
type YouTubeConfig struct {
	Channel         string        `yaml:"channel"` // channel id, @handle or free text
	APIKey          string        `yaml:"api_key"`
	MinPollInterval time.Duration `yaml:"min_poll_interval"`
	ErrorRetry      time.Duration `yaml:"error_retry"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
}

// AvatarConfig holds avatar cache configuration
type AvatarConfig struct {
	Timeout    time.Duration `yaml:"timeout"`
	MaxEntries int           `yaml:"max_entries"`
}

// BackoffConfig holds the reconnect delay per failure class
type BackoffConfig struct {
	Disconnect  time.Duration `yaml:"disconnect"`
	Transport   time.Duration `yaml:"transport"`
	Generic     time.Duration `yaml:"generic"`
	NotLive     time.Duration `yaml:"not_live"`
	RateLimited time.Duration `yaml:"rate_limited"`
	Blocked     time.Duration `yaml:"blocked"`
}

// WatchdogConfig holds the idle-liveness check cadence
type WatchdogConfig struct {
	Interval time.Duration `yaml:"interval"`
}

// Load loads configuration from a file. A missing file is not an error when
// optional is true; settings then come from the environment alone.
func Load(path string, optional bool) (*Config, error) {
	var cfg Config

	// Read YAML file
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse config file: %w", err)
		}
	case optional && errors.Is(err, fs.ErrNotExist):
	default:
		return nil, fmt.Errorf("read config file: %w", err)
	}

	if err := applyEnv(&cfg); err != nil {
		return nil, err
	}
	applyDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyEnv applies environment variable overrides
func applyEnv(cfg *Config) error {
	if port := os.Getenv("PORT"); port != "" {
		cfg.Server.Addr = ":" + strings.TrimPrefix(port, ":")
	}
	if level := os.Getenv("LOG_LEVEL"); level != "" {
		cfg.Log.Level = level
	}
	if channels := os.Getenv("TWITCH_CHANNEL"); channels != "" {
		cfg.Twitch.Channels = splitList(channels)
	}
	if username := os.Getenv("TWITCH_USERNAME"); username != "" {
		cfg.Twitch.Username = username
	}
	if oauth := os.Getenv("TWITCH_OAUTH"); oauth != "" {
		cfg.Twitch.OAuth = oauth
	}
	if channel := os.Getenv("KICK_CHANNEL"); channel != "" {
		cfg.Kick.Channel = channel
	}
	if id := os.Getenv("KICK_CHANNEL_ID"); id != "" {
		n, err := strconv.ParseInt(id, 10, 64)
		if err != nil {
			return fmt.Errorf("KICK_CHANNEL_ID must be numeric: %w", err)
		}
		cfg.Kick.ChatroomID = n
	}
	if mode := os.Getenv("KICK_MODE"); mode != "" {
		cfg.Kick.Mode = mode
	}
	if username := os.Getenv("TIKTOK_USERNAME"); username != "" {
		cfg.TikTok.Username = username
	}
	if relay := os.Getenv("TIKTOK_RELAY_URL"); relay != "" {
		cfg.TikTok.RelayURL = relay
	}
	if channel := os.Getenv("YOUTUBE_CHANNEL"); channel != "" {
		cfg.YouTube.Channel = channel
	}
	if key := os.Getenv("YOUTUBE_API_KEY"); key != "" {
		cfg.YouTube.APIKey = key
	}
	return nil
}

// applyDefaults fills every unset field
func applyDefaults(cfg *Config) {
	if cfg.Server.Addr == "" {
		cfg.Server.Addr = ":3000"
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = 30 * time.Second
	}
	if cfg.Server.ClientBuffer == 0 {
		cfg.Server.ClientBuffer = 256
	}
	if len(cfg.Server.AllowedOrigins) == 0 {
		cfg.Server.AllowedOrigins = []string{"*"}
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}

	if cfg.Twitch.ResolveAvatars == nil {
		on := true
		cfg.Twitch.ResolveAvatars = &on
	}
	if cfg.Twitch.IdleTimeout == 0 {
		cfg.Twitch.IdleTimeout = 3 * time.Minute
	}

	cfg.Kick.Channel = strings.ToLower(strings.TrimSpace(cfg.Kick.Channel))
	if cfg.Kick.Mode == "" {
		cfg.Kick.Mode = KickModeBridge
	}
	if cfg.Kick.IdleTimeout == 0 {
		cfg.Kick.IdleTimeout = 2 * time.Minute
	}

	cfg.TikTok.Username = strings.TrimPrefix(strings.TrimSpace(cfg.TikTok.Username), "@")
	if cfg.TikTok.IdleTimeout == 0 {
		cfg.TikTok.IdleTimeout = 3 * time.Minute
	}

	if cfg.YouTube.MinPollInterval == 0 {
		cfg.YouTube.MinPollInterval = 3 * time.Second
	}
	if cfg.YouTube.ErrorRetry == 0 {
		cfg.YouTube.ErrorRetry = 5 * time.Second
	}
	if cfg.YouTube.IdleTimeout == 0 {
		cfg.YouTube.IdleTimeout = 3 * time.Minute
	}

	if cfg.Avatar.Timeout == 0 {
		cfg.Avatar.Timeout = 8 * time.Second
	}
	if cfg.Avatar.MaxEntries == 0 {
		cfg.Avatar.MaxEntries = 10000
	}

	if cfg.Backoff.Disconnect == 0 {
		cfg.Backoff.Disconnect = 5 * time.Second
	}
	if cfg.Backoff.Transport == 0 {
		cfg.Backoff.Transport = 10 * time.Second
	}
	if cfg.Backoff.Generic == 0 {
		cfg.Backoff.Generic = 15 * time.Second
	}
	if cfg.Backoff.NotLive == 0 {
		cfg.Backoff.NotLive = 60 * time.Second
	}
	if cfg.Backoff.RateLimited == 0 {
		cfg.Backoff.RateLimited = 120 * time.Second
	}
	if cfg.Backoff.Blocked == 0 {
		cfg.Backoff.Blocked = 300 * time.Second
	}

	if cfg.Watchdog.Interval == 0 {
		cfg.Watchdog.Interval = 60 * time.Second
	}
}

// Validate checks cross-field constraints. Unconfigured platforms are not
// errors: they simply never start.
func (c *Config) Validate() error {
	if c.Kick.Mode != KickModeBridge && c.Kick.Mode != KickModeDirect {
		return fmt.Errorf("kick.mode must be %q or %q, got %q", KickModeBridge, KickModeDirect, c.Kick.Mode)
	}
	if c.Twitch.OAuth != "" && c.Twitch.Username == "" {
		return fmt.Errorf("twitch.username is required when twitch.oauth is set")
	}
	if c.YouTube.Channel != "" && c.YouTube.APIKey == "" {
		return fmt.Errorf("youtube.api_key is required when youtube.channel is set (or set YOUTUBE_API_KEY env var)")
	}
	if c.TikTok.Username != "" && !strings.Contains(c.TikTok.RelayURL, "{username}") {
		return fmt.Errorf("tiktok.relay_url must contain {username} when tiktok.username is set")
	}
	if c.Kick.ChatroomID < 0 {
		return fmt.Errorf("kick.chatroom_id must not be negative")
	}

	durations := map[string]time.Duration{
		"twitch.idle_timeout":       c.Twitch.IdleTimeout,
		"kick.idle_timeout":         c.Kick.IdleTimeout,
		"tiktok.idle_timeout":       c.TikTok.IdleTimeout,
		"youtube.idle_timeout":      c.YouTube.IdleTimeout,
		"youtube.min_poll_interval": c.YouTube.MinPollInterval,
		"avatar.timeout":            c.Avatar.Timeout,
		"watchdog.interval":         c.Watchdog.Interval,
	}
	for name, d := range durations {
		if d < 0 {
			return fmt.Errorf("%s must not be negative", name)
		}
	}
	return nil
}

// Channels returns the configured channel identifier per platform, as shown
// in status snapshots
func (c *Config) Channels() map[message.Platform]string {
	return map[message.Platform]string{
		message.Twitch:  strings.Join(c.Twitch.Channels, ","),
		message.Kick:    c.Kick.Channel,
		message.TikTok:  c.TikTok.Username,
		message.YouTube: c.YouTube.Channel,
	}
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
