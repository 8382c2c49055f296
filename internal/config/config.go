// Package config loads the client configuration from the environment,
// with an optional .env file for local development.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Transport selects the operation-tracking strategy.
type Transport string

const (
	TransportPoll Transport = "poll"
	TransportPush Transport = "push"
)

// Defaults.
const (
	DefaultAPIURL       = "http://127.0.0.1:8080"
	DefaultPollInterval = 5 * time.Second
)

// Config is the resolved client configuration.
type Config struct {
	// APIURL is the REST base URL.
	APIURL string
	// SocketURL is the push channel endpoint; derived from APIURL when
	// unset.
	SocketURL string
	// Token authenticates both transports.
	Token string
	// Transport picks the tracking strategy.
	Transport Transport
	// PollInterval spaces status fetches in the poll strategy.
	PollInterval time.Duration
	// DataDir holds the client database; defaults under the user
	// config dir.
	DataDir string
	// LogLevel is a zerolog level name ("debug", "info", ...).
	LogLevel string
}

// Load reads configuration from the environment. A .env file in the
// working directory is merged in first when present; real environment
// variables win.
func Load() (*Config, error) {
	// Ignore a missing .env; it is a development convenience.
	_ = godotenv.Load()

	cfg := &Config{
		APIURL:       getenv("S2V_API_URL", DefaultAPIURL),
		SocketURL:    os.Getenv("S2V_SOCKET_URL"),
		Token:        os.Getenv("S2V_TOKEN"),
		Transport:    Transport(getenv("S2V_TRANSPORT", string(TransportPoll))),
		PollInterval: DefaultPollInterval,
		DataDir:      os.Getenv("S2V_DATA_DIR"),
		LogLevel:     getenv("S2V_LOG_LEVEL", "warn"),
	}

	if raw := os.Getenv("S2V_POLL_INTERVAL"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil {
			return nil, fmt.Errorf("parse S2V_POLL_INTERVAL: %w", err)
		}
		cfg.PollInterval = d
	}

	switch cfg.Transport {
	case TransportPoll, TransportPush:
	default:
		return nil, fmt.Errorf("unknown S2V_TRANSPORT %q (want poll or push)", cfg.Transport)
	}

	if cfg.SocketURL == "" {
		cfg.SocketURL = deriveSocketURL(cfg.APIURL)
	}

	if cfg.DataDir == "" {
		base, err := os.UserConfigDir()
		if err != nil {
			base = "."
		}
		cfg.DataDir = filepath.Join(base, "storyctl")
	}

	return cfg, nil
}

// DatabasePath is where the SQLite client state lives.
func (c *Config) DatabasePath() string {
	return filepath.Join(c.DataDir, "client.db")
}

// deriveSocketURL maps the REST base URL onto the push endpoint.
func deriveSocketURL(apiURL string) string {
	ws := apiURL
	switch {
	case strings.HasPrefix(ws, "https://"):
		ws = "wss://" + strings.TrimPrefix(ws, "https://")
	case strings.HasPrefix(ws, "http://"):
		ws = "ws://" + strings.TrimPrefix(ws, "http://")
	}
	return strings.TrimSuffix(ws, "/") + "/v1/stream"
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
