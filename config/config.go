// ABOUTME: Client configuration stored at XDG paths
// ABOUTME: Handles defaults, .env loading, environment overrides and device id generation
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/adrg/xdg"
	"github.com/joho/godotenv"
	"github.com/oklog/ulid/v2"
)

const (
	AppName        = "calclient"
	ConfigFileName = "config.json"

	DefaultServer         = "http://localhost:8080"
	DefaultRequestTimeout = 30 * time.Second
	DefaultRenewalMargin  = 60 * time.Second
	DefaultMaxConcurrent  = 4
	DefaultLogLevel       = "warn"
	DefaultLogFormat      = "console"
)

// Config holds client settings.
type Config struct {
	// Server is the base URL of the calendar server.
	Server string `json:"server"`

	// DeviceID identifies this installation in the User-Agent.
	DeviceID string `json:"device_id"`

	// CookieDB is the SQLite file holding the refresh token cookie.
	CookieDB string `json:"cookie_db,omitempty"`

	// DevMode stores the refresh cookie without the Secure attribute.
	DevMode bool `json:"dev_mode"`

	// Timezone is the IANA zone used for wire timestamps. Empty means the system zone.
	Timezone string `json:"timezone,omitempty"`

	RequestTimeout       time.Duration `json:"request_timeout,omitempty"`
	RenewalMargin        time.Duration `json:"renewal_margin,omitempty"`
	MaxConcurrentFetches int           `json:"max_concurrent_fetches,omitempty"`

	LogLevel  string `json:"log_level,omitempty"`
	LogFormat string `json:"log_format,omitempty"`
}

// DefaultConfig returns a new config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Server:               DefaultServer,
		CookieDB:             defaultCookieDB(),
		RequestTimeout:       DefaultRequestTimeout,
		RenewalMargin:        DefaultRenewalMargin,
		MaxConcurrentFetches: DefaultMaxConcurrent,
		LogLevel:             DefaultLogLevel,
		LogFormat:            DefaultLogFormat,
	}
}

// Dir returns the XDG config directory for the client.
func Dir() string {
	return filepath.Join(xdg.ConfigHome, AppName)
}

// Path returns the config file location.
func Path() string {
	return filepath.Join(Dir(), ConfigFileName)
}

func defaultCookieDB() string {
	return filepath.Join(xdg.DataHome, AppName, "cookies.db")
}

// LoadConfig reads the config file, falling back to defaults when it does not exist.
// A .env file in the working directory or the config directory is loaded first;
// variables already set in the environment win. Environment overrides:
// - CALCLIENT_SERVER
// - CALCLIENT_DEVICE_ID
// - CALCLIENT_COOKIE_DB
// - CALCLIENT_DEV
// - CALCLIENT_TIMEZONE
// - CALCLIENT_LOG_LEVEL
// - CALCLIENT_LOG_FORMAT
// - CALCLIENT_MAX_CONCURRENT
// - CALCLIENT_RENEW_MARGIN (Go duration, e.g. 90s).
func LoadConfig() (*Config, error) {
	if err := loadDotEnv(); err != nil {
		return nil, err
	}

	cfg := DefaultConfig()

	data, err := os.ReadFile(Path())
	switch {
	case errors.Is(err, os.ErrNotExist):
	case err != nil:
		return nil, fmt.Errorf("failed to read config file: %w", err)
	default:
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to decode config file: %w", err)
		}
	}

	if err := applyEnvOverrides(cfg); err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	return cfg, nil
}

func loadDotEnv() error {
	for _, path := range []string{".env", filepath.Join(Dir(), ".env")} {
		if _, err := os.Stat(path); err != nil {
			continue
		}
		if err := godotenv.Load(path); err != nil {
			return fmt.Errorf("failed to load %s: %w", path, err)
		}
	}
	return nil
}

func applyEnvOverrides(cfg *Config) error {
	if v := os.Getenv("CALCLIENT_SERVER"); v != "" {
		cfg.Server = v
	}
	if v := os.Getenv("CALCLIENT_DEVICE_ID"); v != "" {
		cfg.DeviceID = v
	}
	if v := os.Getenv("CALCLIENT_COOKIE_DB"); v != "" {
		cfg.CookieDB = v
	}
	if v := os.Getenv("CALCLIENT_DEV"); v != "" {
		cfg.DevMode = v == "true" || v == "1"
	}
	if v := os.Getenv("CALCLIENT_TIMEZONE"); v != "" {
		cfg.Timezone = v
	}
	if v := os.Getenv("CALCLIENT_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("CALCLIENT_LOG_FORMAT"); v != "" {
		cfg.LogFormat = v
	}
	if v := os.Getenv("CALCLIENT_MAX_CONCURRENT"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return fmt.Errorf("invalid CALCLIENT_MAX_CONCURRENT %q", v)
		}
		cfg.MaxConcurrentFetches = n
	}
	if v := os.Getenv("CALCLIENT_RENEW_MARGIN"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d < 0 {
			return fmt.Errorf("invalid CALCLIENT_RENEW_MARGIN %q", v)
		}
		cfg.RenewalMargin = d
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.Server == "" {
		c.Server = DefaultServer
	}
	c.Server = strings.TrimRight(c.Server, "/")
	if c.CookieDB == "" {
		c.CookieDB = defaultCookieDB()
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = DefaultRequestTimeout
	}
	if c.RenewalMargin <= 0 {
		c.RenewalMargin = DefaultRenewalMargin
	}
	if c.MaxConcurrentFetches <= 0 {
		c.MaxConcurrentFetches = DefaultMaxConcurrent
	}
	if c.LogLevel == "" {
		c.LogLevel = DefaultLogLevel
	}
	if c.LogFormat == "" {
		c.LogFormat = DefaultLogFormat
	}
}

// Save persists the config to disk with owner-only permissions.
func (c *Config) Save() error {
	if err := os.MkdirAll(Dir(), 0700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	if err := os.WriteFile(Path(), data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// EnsureDeviceID generates and saves a device id if none is set.
func (c *Config) EnsureDeviceID() (string, error) {
	if c.DeviceID != "" {
		return c.DeviceID, nil
	}
	c.DeviceID = GenerateDeviceID()
	if err := c.Save(); err != nil {
		return "", err
	}
	return c.DeviceID, nil
}

// Location resolves Timezone, defaulting to the system zone.
func (c *Config) Location() (*time.Location, error) {
	if c.Timezone == "" {
		return time.Local, nil
	}
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return nil, fmt.Errorf("failed to load timezone %q: %w", c.Timezone, err)
	}
	return loc, nil
}

// SecureCookies reports whether the refresh cookie must carry the Secure attribute.
func (c *Config) SecureCookies() bool {
	return !c.DevMode
}

// GenerateDeviceID generates a new ULID for device identification.
func GenerateDeviceID() string {
	entropy := ulid.Monotonic(rand.New(rand.NewSource(time.Now().UnixNano())), 0)
	return ulid.MustNew(ulid.Timestamp(time.Now()), entropy).String()
}
