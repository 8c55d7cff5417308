// Package config loads application settings from environment variables.
//
// A .env file in the working directory is read first (joho/godotenv); real
// environment variables always win over it. Every setting has a default so
// the client core can run with an empty environment, except JWT_SECRET which
// the relay binary requires.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config is the root of all settings.
type Config struct {
	Server    ServerConfig
	JWT       JWTConfig
	Transport TransportConfig
	Cache     CacheConfig
	LiveKit   LiveKitConfig
	Chat      ChatConfig
	Locale    LocaleConfig
}

// ServerConfig is the dev relay's listen address.
type ServerConfig struct {
	Host string
	Port int
}

// JWTConfig signs and validates relay access tokens.
type JWTConfig struct {
	Secret            string
	AccessTokenExpiry int // minutes
}

// TransportConfig drives the client connection sessions.
type TransportConfig struct {
	URL   string // relay base URL, e.g. ws://localhost:9090
	Token string // access token presented on connect

	// RetryBudget is the number of consecutive failed reconnect attempts
	// after which a session gives up and closes.
	RetryBudget       int
	BackoffInitial    time.Duration
	BackoffMax        time.Duration
	BackoffMultiplier float64
	BackoffJitter     float64 // 0..1, fraction of the delay randomized
	SendQueueSize     int     // frames buffered while not open
	HeartbeatInterval time.Duration
	DialTimeout       time.Duration
}

// CacheConfig points at the local SQLite message cache. Empty path disables it.
type CacheConfig struct {
	Path         string
	HydrateLimit int
}

// LiveKitConfig is used by the relay to mint call tokens.
type LiveKitConfig struct {
	URL       string
	APIKey    string
	APISecret string
}

// ChatConfig holds message limits shared by client and relay.
type ChatConfig struct {
	MaxMessages    int           // per window
	Window         time.Duration // rate-limit window
	Cooldown       time.Duration // penalty after exceeding the window
	ReplaySize     int           // relay: messages replayed to a connecting client
	ReplayTTL      time.Duration // relay: how long the replay tail is kept
	MaxMessageSize int           // bytes
}

// LocaleConfig selects the language of user-facing banners.
type LocaleConfig struct {
	Lang string
}

// Default returns the configuration used when nothing is set.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host: "0.0.0.0",
			Port: 9090,
		},
		JWT: JWTConfig{
			AccessTokenExpiry: 60,
		},
		Transport: TransportConfig{
			URL:               "ws://localhost:9090",
			RetryBudget:       8,
			BackoffInitial:    500 * time.Millisecond,
			BackoffMax:        30 * time.Second,
			BackoffMultiplier: 2,
			BackoffJitter:     0.3,
			SendQueueSize:     256,
			HeartbeatInterval: 30 * time.Second,
			DialTimeout:       10 * time.Second,
		},
		Cache: CacheConfig{
			HydrateLimit: 100,
		},
		LiveKit: LiveKitConfig{
			URL: "ws://localhost:7880",
		},
		Chat: ChatConfig{
			MaxMessages:    5,
			Window:         5 * time.Second,
			Cooldown:       10 * time.Second,
			ReplaySize:     50,
			ReplayTTL:      10 * time.Minute,
			MaxMessageSize: 4000,
		},
		Locale: LocaleConfig{
			Lang: "ko",
		},
	}
}

// Load reads .env (if present) and the environment on top of Default.
func Load() (*Config, error) {
	// Missing .env is fine; production sets real env vars.
	_ = godotenv.Load()

	cfg := Default()
	var err error

	if cfg.Server.Port, err = getEnvInt("SERVER_PORT", cfg.Server.Port); err != nil {
		return nil, err
	}
	cfg.Server.Host = getEnv("SERVER_HOST", cfg.Server.Host)

	cfg.JWT.Secret = getEnv("JWT_SECRET", "")
	if cfg.JWT.AccessTokenExpiry, err = getEnvInt("JWT_ACCESS_EXPIRY_MINUTES", cfg.JWT.AccessTokenExpiry); err != nil {
		return nil, err
	}

	t := &cfg.Transport
	t.URL = getEnv("TRANSPORT_URL", t.URL)
	t.Token = getEnv("TRANSPORT_TOKEN", "")
	if t.RetryBudget, err = getEnvInt("TRANSPORT_RETRY_BUDGET", t.RetryBudget); err != nil {
		return nil, err
	}
	if t.RetryBudget < 0 {
		return nil, fmt.Errorf("invalid TRANSPORT_RETRY_BUDGET: must not be negative")
	}
	if t.BackoffInitial, err = getEnvDuration("TRANSPORT_BACKOFF_INITIAL", t.BackoffInitial); err != nil {
		return nil, err
	}
	if t.BackoffMax, err = getEnvDuration("TRANSPORT_BACKOFF_MAX", t.BackoffMax); err != nil {
		return nil, err
	}
	if t.BackoffMultiplier, err = getEnvFloat("TRANSPORT_BACKOFF_MULTIPLIER", t.BackoffMultiplier); err != nil {
		return nil, err
	}
	if t.BackoffJitter, err = getEnvFloat("TRANSPORT_BACKOFF_JITTER", t.BackoffJitter); err != nil {
		return nil, err
	}
	if t.BackoffJitter < 0 || t.BackoffJitter > 1 {
		return nil, fmt.Errorf("invalid TRANSPORT_BACKOFF_JITTER: must be between 0 and 1")
	}
	if t.SendQueueSize, err = getEnvInt("TRANSPORT_SEND_QUEUE_SIZE", t.SendQueueSize); err != nil {
		return nil, err
	}
	if t.HeartbeatInterval, err = getEnvDuration("TRANSPORT_HEARTBEAT_INTERVAL", t.HeartbeatInterval); err != nil {
		return nil, err
	}
	if t.DialTimeout, err = getEnvDuration("TRANSPORT_DIAL_TIMEOUT", t.DialTimeout); err != nil {
		return nil, err
	}

	cfg.Cache.Path = getEnv("CACHE_PATH", "")
	if cfg.Cache.HydrateLimit, err = getEnvInt("CACHE_HYDRATE_LIMIT", cfg.Cache.HydrateLimit); err != nil {
		return nil, err
	}

	cfg.LiveKit = LiveKitConfig{
		URL:       getEnv("LIVEKIT_URL", cfg.LiveKit.URL),
		APIKey:    getEnv("LIVEKIT_API_KEY", ""),
		APISecret: getEnv("LIVEKIT_API_SECRET", ""),
	}

	c := &cfg.Chat
	if c.MaxMessages, err = getEnvInt("CHAT_RATE_MAX_MESSAGES", c.MaxMessages); err != nil {
		return nil, err
	}
	if c.Window, err = getEnvDuration("CHAT_RATE_WINDOW", c.Window); err != nil {
		return nil, err
	}
	if c.Cooldown, err = getEnvDuration("CHAT_RATE_COOLDOWN", c.Cooldown); err != nil {
		return nil, err
	}
	if c.ReplaySize, err = getEnvInt("CHAT_REPLAY_SIZE", c.ReplaySize); err != nil {
		return nil, err
	}
	if c.ReplayTTL, err = getEnvDuration("CHAT_REPLAY_TTL", c.ReplayTTL); err != nil {
		return nil, err
	}
	if c.MaxMessageSize, err = getEnvInt("CHAT_MAX_MESSAGE_SIZE", c.MaxMessageSize); err != nil {
		return nil, err
	}

	cfg.Locale.Lang = getEnv("LOCALE", cfg.Locale.Lang)

	return cfg, nil
}

// Addr returns the "host:port" listen address.
func (c *ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

func getEnv(key, fallback string) string {
	if val, ok := os.LookupEnv(key); ok {
		return val
	}
	return fallback
}

func getEnvInt(key string, fallback int) (int, error) {
	raw, ok := os.LookupEnv(key)
	if !ok {
		return fallback, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return v, nil
}

func getEnvFloat(key string, fallback float64) (float64, error) {
	raw, ok := os.LookupEnv(key)
	if !ok {
		return fallback, nil
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return v, nil
}

func getEnvDuration(key string, fallback time.Duration) (time.Duration, error) {
	raw, ok := os.LookupEnv(key)
	if !ok {
		return fallback, nil
	}
	v, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return v, nil
}
