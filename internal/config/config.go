// Package config loads service configuration from a YAML file with
// environment overrides for deployment-specific values.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	yaml "gopkg.in/yaml.v3"
)

type Config struct {
	ListenAddr string `yaml:"listen_addr"`
	LogLevel   string `yaml:"log_level"`
	// RedisURL enables cross-instance fan-out when set.
	RedisURL string `yaml:"redis_url"`

	Auth       Auth       `yaml:"auth"`
	Broker     Broker     `yaml:"broker"`
	ChangeFeed ChangeFeed `yaml:"changefeed"`
	Ingest     Ingest     `yaml:"ingest"`
}

type Auth struct {
	// Mode is "hmac" (HS256) or "dev" (token format userId:role:email).
	Mode       string `yaml:"mode"`
	HMACSecret string `yaml:"hmac_secret"`
}

type Broker struct {
	URL  string `yaml:"url"`
	Name string `yaml:"name"`
	// Topics use slash separators; the bridge maps them to broker subjects.
	Topics []string `yaml:"topics"`
	// Required controls whether a bridge that never reaches connected within
	// ConnectTimeout keeps retrying (true) or disables itself (false).
	Required       bool          `yaml:"required"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
	LogWindow      time.Duration `yaml:"log_window"`
}

type ChangeFeed struct {
	URL         string        `yaml:"url"`
	Channels    []string      `yaml:"channels"`
	BaseDelay   time.Duration `yaml:"base_delay"`
	MaxDelay    time.Duration `yaml:"max_delay"`
	MaxAttempts int           `yaml:"max_attempts"`
}

type Ingest struct {
	RatePerSec float64 `yaml:"rate_per_sec"`
	Burst      int     `yaml:"burst"`
}

// Default returns the built-in configuration. Timing values mirror the
// constants the service has always shipped with.
func Default() Config {
	return Config{
		ListenAddr: ":8080",
		LogLevel:   "info",
		Auth:       Auth{Mode: "dev"},
		Broker: Broker{
			Name:           "syncgate-bridge",
			Topics:         []string{"projects/+/deliverables/create", "projects/+/qa/metrics", "projects/+/qa/coverage"},
			ConnectTimeout: 5 * time.Second,
			LogWindow:      10 * time.Second,
		},
		ChangeFeed: ChangeFeed{
			Channels:    []string{"table_changes", "role_changes", "user_presence"},
			BaseDelay:   5 * time.Second,
			MaxDelay:    5 * time.Minute,
			MaxAttempts: 10,
		},
		Ingest: Ingest{RatePerSec: 50, Burst: 100},
	}
}

// Load reads the YAML file at path (skipped when empty or missing) and then
// applies environment overrides.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return cfg, fmt.Errorf("read config: %w", err)
			}
		} else if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config: %w", err)
		}
	}
	cfg.applyEnv()
	return cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv("PORT"); v != "" {
		c.ListenAddr = ":" + v
	}
	c.ListenAddr = envOr("SYNCGATE_LISTEN_ADDR", c.ListenAddr)
	c.LogLevel = envOr("SYNCGATE_LOG_LEVEL", c.LogLevel)
	c.RedisURL = envOr("REDIS_URL", c.RedisURL)
	c.Auth.Mode = envOr("AUTH_MODE", c.Auth.Mode)
	c.Auth.HMACSecret = envOr("AUTH_HMAC_SECRET", c.Auth.HMACSecret)
	c.Broker.URL = envOr("NATS_URL", c.Broker.URL)
	c.ChangeFeed.URL = envOr("DATABASE_URL", c.ChangeFeed.URL)
	if v := os.Getenv("SYNCGATE_BROKER_TOPICS"); v != "" {
		c.Broker.Topics = splitList(v)
	}
	if v := os.Getenv("SYNCGATE_CHANGEFEED_CHANNELS"); v != "" {
		c.ChangeFeed.Channels = splitList(v)
	}
}

func envOr(k, d string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return d
}

func splitList(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
