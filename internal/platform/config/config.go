// Package config loads process configuration from the environment.
package config

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/joho/godotenv"
	"go-simpler.org/env"
)

// Config holds settings for both the lobby server and the admin client.
// Each binary validates only the fields it actually needs.
type Config struct {
	AppEnv    string `env:"APP_ENV" default:"development"`
	Port      string `env:"PORT" default:"8080"`
	LogLevel  string `env:"LOG_LEVEL" default:"info"`
	LogFormat string `env:"LOG_FORMAT" default:"text"`

	// Server side
	AppURL             string `env:"APP_URL"`
	MaxClientsPerLobby int    `env:"MAX_CLIENTS_PER_LOBBY" default:"16"`

	// Twitch chat ingestion (anonymous read-only IRC)
	TwitchIRCAddr string `env:"TWITCH_IRC_ADDR" default:"irc.chat.twitch.tv:6697"`
	TwitchEnabled bool   `env:"TWITCH_ENABLED" default:"false"`

	// Admin side
	ServerURL      string        `env:"SERVER_URL"`
	RedisURL       string        `env:"REDIS_URL"`
	GameTypeID     string        `env:"GAME_TYPE_ID" default:"echo"`
	TwitchChannel  string        `env:"TWITCH_CHANNEL"`
	BrowserCommand string        `env:"BROWSER_COMMAND" default:"chromium"`
	StreamViewURL  string        `env:"STREAM_VIEW_URL"`
	ConfirmWait    time.Duration `env:"STREAM_CONFIRM_WAIT" default:"10s"`

	// Session liveness
	HeartbeatInterval    time.Duration `env:"HEARTBEAT_INTERVAL" default:"15s"`
	ReconnectBaseDelay   time.Duration `env:"RECONNECT_BASE_DELAY" default:"1s"`
	ReconnectMaxDelay    time.Duration `env:"RECONNECT_MAX_DELAY" default:"30s"`
	ReconnectMaxAttempts int           `env:"RECONNECT_MAX_ATTEMPTS" default:"8"`
}

// Load reads the environment (and an optional .env file) into a Config.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, using environment variables")
	}

	var cfg Config
	if err := env.Load(&cfg, nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}
	return &cfg, nil
}

// ValidateServer checks the fields the lobby server requires.
func (c *Config) ValidateServer() error {
	if c.Port == "" {
		return fmt.Errorf("PORT is required")
	}
	if c.MaxClientsPerLobby < 1 {
		return fmt.Errorf("MAX_CLIENTS_PER_LOBBY must be at least 1, got %d", c.MaxClientsPerLobby)
	}
	return nil
}

// ValidateAdmin checks the fields the admin client requires.
func (c *Config) ValidateAdmin() error {
	required := map[string]string{
		"SERVER_URL":      c.ServerURL,
		"REDIS_URL":       c.RedisURL,
		"STREAM_VIEW_URL": c.StreamViewURL,
	}
	for name, value := range required {
		if value == "" {
			return fmt.Errorf("%s is required", name)
		}
	}
	if c.ReconnectMaxAttempts < 1 {
		return fmt.Errorf("RECONNECT_MAX_ATTEMPTS must be at least 1, got %d", c.ReconnectMaxAttempts)
	}
	if c.HeartbeatInterval <= 0 {
		return fmt.Errorf("HEARTBEAT_INTERVAL must be positive, got %v", c.HeartbeatInterval)
	}
	return nil
}
