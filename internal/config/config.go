package config

import (
	"fmt"
	"log"
	"net/url"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Config holds all environment-based configuration for chatsync.
type Config struct {
	// WebSocket endpoint of the chat broker, e.g. wss://chat.example.com/ws.
	ServerURL string `env:"CHAT_SERVER_URL"`

	// Access token sent as a Bearer Authorization header on CONNECT.
	AccessToken string `env:"CHAT_ACCESS_TOKEN"`

	// User this client subscribes as. When empty, the last persisted
	// user ID is used; subscription is deferred until one is known.
	UserID string `env:"CHAT_USER_ID"`

	// Reconnect policy. The delay is constant between attempts.
	AutoReconnect  bool          `env:"CHAT_AUTO_RECONNECT" envDefault:"true"`
	ReconnectDelay time.Duration `env:"CHAT_RECONNECT_DELAY" envDefault:"5s"`

	// Upper bound for dial plus STOMP handshake.
	HandshakeTimeout time.Duration `env:"CHAT_HANDSHAKE_TIMEOUT" envDefault:"10s"`

	// Path of the bbolt state database. Defaults to ~/.chatsync/state.db.
	StatePath string `env:"CHAT_STATE_PATH"`

	// Environment controls log format
	Environment string `env:"ENVIRONMENT" envDefault:"development"`
	LogLevel    string `env:"LOG_LEVEL"`
}

// warnInsecureEnvFile checks whether the .env file (if present) has
// overly permissive permissions. The access token lives there.
func warnInsecureEnvFile() {
	if runtime.GOOS == "windows" {
		return
	}

	info, err := os.Stat(".env")
	if err != nil {
		return
	}

	mode := info.Mode().Perm()
	if mode&0o077 != 0 {
		log.Printf("WARNING: .env file has insecure permissions %04o; recommended 0600", mode)
	}
}

// Load reads configuration from environment variables.
// It first attempts to load a .env file if present, then parses env vars.
func Load() (*Config, error) {
	_ = godotenv.Load()

	warnInsecureEnvFile()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	if cfg.StatePath != "" {
		abs, err := filepath.Abs(cfg.StatePath)
		if err != nil {
			return nil, fmt.Errorf("resolving state path to absolute path: %w", err)
		}

		cfg.StatePath = abs
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if c.ServerURL == "" {
		return fmt.Errorf("CHAT_SERVER_URL is required")
	}

	u, err := url.Parse(c.ServerURL)
	if err != nil {
		return fmt.Errorf("CHAT_SERVER_URL is not a valid URL: %w", err)
	}

	switch u.Scheme {
	case "ws", "wss", "http", "https":
	default:
		return fmt.Errorf("CHAT_SERVER_URL must use ws, wss, http or https, got %q", u.Scheme)
	}

	if c.AutoReconnect && c.ReconnectDelay <= 0 {
		return fmt.Errorf("CHAT_RECONNECT_DELAY must be positive when CHAT_AUTO_RECONNECT is true")
	}

	if c.HandshakeTimeout <= 0 {
		return fmt.Errorf("CHAT_HANDSHAKE_TIMEOUT must be positive")
	}

	return nil
}

// IsProduction returns true when the environment is set to production.
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

// ConnectHeaders returns the STOMP CONNECT headers derived from the config.
func (c *Config) ConnectHeaders() map[string]string {
	headers := make(map[string]string)
	if c.AccessToken != "" {
		headers["Authorization"] = "Bearer " + c.AccessToken
	}

	return headers
}

// EffectiveReconnectDelay returns the delay to hand the connection manager:
// zero disables automatic reconnects.
func (c *Config) EffectiveReconnectDelay() time.Duration {
	if !c.AutoReconnect {
		return 0
	}

	return c.ReconnectDelay
}
