// Package config loads posterhub configuration from a YAML file with
// environment-variable overrides for secrets and deployment knobs.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/pysugar/strava-poster-hub/internal/ratelimit"
)

const (
	defaultListenAddr      = ":8080"
	defaultDBPath          = "posterhub.db"
	defaultPosterDir       = "./posters"
	defaultRefreshMargin   = 60 * time.Second
	defaultSessionTTL      = 24 * time.Hour
	defaultStateTTL        = 10 * time.Minute
	defaultQueueWorkers    = 2
	defaultQueueDepth      = 32
	defaultQueueRetention  = 24 * time.Hour
	defaultJanitorInterval = time.Minute
)

type ServerConfig struct {
	ListenAddr string `yaml:"listen_addr"`
	PublicURL  string `yaml:"public_url"`
}

type DatabaseConfig struct {
	Path string `yaml:"path"`
}

type StravaConfig struct {
	ClientID     string `yaml:"client_id"`
	ClientSecret string `yaml:"client_secret"`
	RedirectURL  string `yaml:"redirect_url"`
}

type VaultConfig struct {
	Secret        string `yaml:"secret"`
	KeyVersion    int    `yaml:"key_version"`
	RefreshMargin string `yaml:"refresh_margin"`
}

type WindowConfig struct {
	Name     string `yaml:"name"`
	Duration string `yaml:"duration"`
	Limit    int    `yaml:"limit"`
}

type QueueConfig struct {
	Workers         int    `yaml:"workers"`
	Depth           int    `yaml:"depth"`
	Retention       string `yaml:"retention"`
	JanitorInterval string `yaml:"janitor_interval"`
}

type PosterConfig struct {
	Dir string `yaml:"dir"`
}

type AuthConfig struct {
	StateTTL   string `yaml:"state_ttl"`
	SessionTTL string `yaml:"session_ttl"`
}

type Config struct {
	Server     ServerConfig   `yaml:"server"`
	Database   DatabaseConfig `yaml:"database"`
	Strava     StravaConfig   `yaml:"strava"`
	Vault      VaultConfig    `yaml:"vault"`
	RateLimits []WindowConfig `yaml:"rate_limits"`
	Queue      QueueConfig    `yaml:"queue"`
	Poster     PosterConfig   `yaml:"poster"`
	Auth       AuthConfig     `yaml:"auth"`
}

// Load reads the YAML file at path (optional, "" skips the file),
// applies environment overrides, fills defaults, and validates.
func Load(path string) (*Config, error) {
	cfg := &Config{}

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %q: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %q: %w", path, err)
		}
	}

	cfg.applyEnv()
	cfg.applyDefaults()

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	setString(&c.Server.ListenAddr, "POSTERHUB_LISTEN_ADDR")
	setString(&c.Server.PublicURL, "POSTERHUB_PUBLIC_URL")
	setString(&c.Database.Path, "POSTERHUB_DB_PATH")
	setString(&c.Strava.ClientID, "STRAVA_CLIENT_ID")
	setString(&c.Strava.ClientSecret, "STRAVA_CLIENT_SECRET")
	setString(&c.Strava.RedirectURL, "STRAVA_REDIRECT_URL")
	setString(&c.Vault.Secret, "POSTERHUB_VAULT_SECRET")
	setString(&c.Poster.Dir, "POSTERHUB_POSTER_DIR")
	setInt(&c.Queue.Workers, "POSTERHUB_QUEUE_WORKERS")
	setInt(&c.Queue.Depth, "POSTERHUB_QUEUE_DEPTH")
}

func (c *Config) applyDefaults() {
	if c.Server.ListenAddr == "" {
		c.Server.ListenAddr = defaultListenAddr
	}
	if c.Database.Path == "" {
		c.Database.Path = defaultDBPath
	}
	if c.Poster.Dir == "" {
		c.Poster.Dir = defaultPosterDir
	}
	if c.Vault.KeyVersion <= 0 {
		c.Vault.KeyVersion = 1
	}
	if c.Queue.Workers <= 0 {
		c.Queue.Workers = defaultQueueWorkers
	}
	if c.Queue.Depth <= 0 {
		c.Queue.Depth = defaultQueueDepth
	}
}

func (c *Config) validate() error {
	if c.Strava.ClientID == "" || c.Strava.ClientSecret == "" {
		return fmt.Errorf("strava client_id and client_secret are required (STRAVA_CLIENT_ID / STRAVA_CLIENT_SECRET)")
	}
	if c.Strava.RedirectURL == "" {
		return fmt.Errorf("strava redirect_url is required (STRAVA_REDIRECT_URL)")
	}
	if c.Vault.Secret == "" {
		return fmt.Errorf("vault secret is required (POSTERHUB_VAULT_SECRET)")
	}
	return nil
}

// RefreshMargin returns the proactive refresh margin.
func (c *Config) RefreshMargin() time.Duration {
	return parseDurationOr(c.Vault.RefreshMargin, defaultRefreshMargin)
}

// StateTTL returns the OAuth state lifetime.
func (c *Config) StateTTL() time.Duration {
	return parseDurationOr(c.Auth.StateTTL, defaultStateTTL)
}

// SessionTTL returns the browser session lifetime.
func (c *Config) SessionTTL() time.Duration {
	return parseDurationOr(c.Auth.SessionTTL, defaultSessionTTL)
}

// QueueRetention returns how long finished jobs are kept.
func (c *Config) QueueRetention() time.Duration {
	return parseDurationOr(c.Queue.Retention, defaultQueueRetention)
}

// JanitorInterval returns the eviction sweep interval.
func (c *Config) JanitorInterval() time.Duration {
	return parseDurationOr(c.Queue.JanitorInterval, defaultJanitorInterval)
}

// Windows maps the configured rate limit windows, falling back to the
// provider defaults when none are declared.
func (c *Config) Windows() []ratelimit.Window {
	if len(c.RateLimits) == 0 {
		return ratelimit.DefaultWindows()
	}
	windows := make([]ratelimit.Window, 0, len(c.RateLimits))
	for _, w := range c.RateLimits {
		d := parseDurationOr(w.Duration, 0)
		if d <= 0 || w.Limit <= 0 {
			continue
		}
		windows = append(windows, ratelimit.Window{Name: w.Name, Duration: d, Limit: w.Limit})
	}
	if len(windows) == 0 {
		return ratelimit.DefaultWindows()
	}
	return windows
}

func parseDurationOr(raw string, fallback time.Duration) time.Duration {
	if raw = strings.TrimSpace(raw); raw != "" {
		if parsed, err := time.ParseDuration(raw); err == nil && parsed > 0 {
			return parsed
		}
	}
	return fallback
}

func setString(dst *string, env string) {
	if v := strings.TrimSpace(os.Getenv(env)); v != "" {
		*dst = v
	}
}

func setInt(dst *int, env string) {
	if v := strings.TrimSpace(os.Getenv(env)); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil && parsed > 0 {
			*dst = parsed
		}
	}
}
