// ABOUTME: Configuration loading and parsing for assistant-relay
// ABOUTME: Supports YAML or TOML files with environment variable expansion and duration parsing

package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// Defaults applied when a field is left empty.
const (
	DefaultHTTPAddr          = "0.0.0.0:3000"
	DefaultInactivityTimeout = 30 * time.Minute
	DefaultMaxDuration       = 90 * time.Minute
	DefaultSweepInterval     = time.Minute
	DefaultDrainTimeout      = 30 * time.Second
	DefaultNotifyTimeout     = 15 * time.Second
	DefaultGeoTimeout        = 5 * time.Second
	DefaultGeoCacheTTL       = 24 * time.Hour
	DefaultGeoCacheSize      = 4096
	DefaultTimezone          = "Europe/Paris"
	DefaultSubject           = "Chat transcript"
	DefaultSMTPPort          = 587
	DefaultMetricsPath       = "/metrics"
)

// Config represents the complete assistant-relay configuration
type Config struct {
	Server    ServerConfig    `yaml:"server" toml:"server"`
	Tailscale TailscaleConfig `yaml:"tailscale" toml:"tailscale"`
	Session   SessionConfig   `yaml:"session" toml:"session"`
	Assistant AssistantConfig `yaml:"assistant" toml:"assistant"`
	Notify    NotifyConfig    `yaml:"notify" toml:"notify"`
	Geo       GeoConfig       `yaml:"geo" toml:"geo"`
	Internal  InternalConfig  `yaml:"internal" toml:"internal"`
	RateLimit RateLimitConfig `yaml:"ratelimit" toml:"ratelimit"`
	Logging   LoggingConfig   `yaml:"logging" toml:"logging"`
	Metrics   MetricsConfig   `yaml:"metrics" toml:"metrics"`
}

// ServerConfig holds the HTTP listener and browser-facing settings
type ServerConfig struct {
	HTTPAddr       string   `yaml:"http_addr" toml:"http_addr"`
	AllowedOrigins []string `yaml:"allowed_origins" toml:"allowed_origins"`
}

// TailscaleConfig holds Tailscale tsnet configuration
type TailscaleConfig struct {
	Enabled   bool   `yaml:"enabled" toml:"enabled"`
	Hostname  string `yaml:"hostname" toml:"hostname"`
	AuthKey   string `yaml:"auth_key" toml:"auth_key"`
	StateDir  string `yaml:"state_dir" toml:"state_dir"`
	Ephemeral bool   `yaml:"ephemeral" toml:"ephemeral"`
	Funnel    bool   `yaml:"funnel" toml:"funnel"` // public Funnel, implies HTTPS on :443
}

// SessionConfig holds conversation lifecycle timing
type SessionConfig struct {
	InactivityTimeout time.Duration `yaml:"-" toml:"-"`
	MaxDuration       time.Duration `yaml:"-" toml:"-"`
	SweepInterval     time.Duration `yaml:"-" toml:"-"`
	DrainTimeout      time.Duration `yaml:"-" toml:"-"`

	// SweepSchedule is a cron expression; when set it replaces SweepInterval.
	SweepSchedule string `yaml:"sweep_schedule" toml:"sweep_schedule"`

	// Raw string values for unmarshaling
	InactivityTimeoutRaw string `yaml:"inactivity_timeout" toml:"inactivity_timeout"`
	MaxDurationRaw       string `yaml:"max_duration" toml:"max_duration"`
	SweepIntervalRaw     string `yaml:"sweep_interval" toml:"sweep_interval"`
	DrainTimeoutRaw      string `yaml:"drain_timeout" toml:"drain_timeout"`
}

// AssistantConfig holds upstream assistant credentials. An empty APIKey
// selects the offline echo backend.
type AssistantConfig struct {
	APIKey      string `yaml:"api_key" toml:"api_key"`
	AssistantID string `yaml:"assistant_id" toml:"assistant_id"`
	BaseURL     string `yaml:"base_url" toml:"base_url"`

	PollInterval    time.Duration `yaml:"-" toml:"-"`
	PollIntervalRaw string        `yaml:"poll_interval" toml:"poll_interval"`
}

// NotifyConfig holds transcript notification settings
type NotifyConfig struct {
	Recipient string     `yaml:"recipient" toml:"recipient"`
	From      string     `yaml:"from" toml:"from"`
	Subject   string     `yaml:"subject" toml:"subject"`
	Timezone  string     `yaml:"timezone" toml:"timezone"`
	HTML      bool       `yaml:"html" toml:"html"`
	SMTP      SMTPConfig `yaml:"smtp" toml:"smtp"`

	// Timeout bounds one notification, lookup and delivery included.
	// It must fit inside session.drain_timeout.
	Timeout    time.Duration `yaml:"-" toml:"-"`
	TimeoutRaw string        `yaml:"timeout" toml:"timeout"`

	// Location is Timezone resolved at load time.
	Location *time.Location `yaml:"-" toml:"-"`
}

// SMTPConfig holds the outgoing mail relay. An empty Host logs notifications instead.
type SMTPConfig struct {
	Host     string `yaml:"host" toml:"host"`
	Port     int    `yaml:"port" toml:"port"`
	Username string `yaml:"username" toml:"username"`
	Password string `yaml:"password" toml:"password"`
}

// GeoConfig holds IP geolocation settings
type GeoConfig struct {
	Endpoint  string `yaml:"endpoint" toml:"endpoint"`
	CacheSize int    `yaml:"cache_size" toml:"cache_size"`

	// RedisAddr shares the location cache between instances when set.
	RedisAddr     string `yaml:"redis_addr" toml:"redis_addr"`
	RedisPassword string `yaml:"redis_password" toml:"redis_password"`
	RedisDB       int    `yaml:"redis_db" toml:"redis_db"`

	Timeout  time.Duration `yaml:"-" toml:"-"`
	CacheTTL time.Duration `yaml:"-" toml:"-"`

	TimeoutRaw  string `yaml:"timeout" toml:"timeout"`
	CacheTTLRaw string `yaml:"cache_ttl" toml:"cache_ttl"`
}

// InternalConfig protects operator endpoints
type InternalConfig struct {
	TokenSecret string `yaml:"token_secret" toml:"token_secret"`
}

// RateLimitConfig limits chat requests per client IP. Zero disables limiting.
type RateLimitConfig struct {
	RequestsPerSecond float64 `yaml:"requests_per_second" toml:"requests_per_second"`
	Burst             int     `yaml:"burst" toml:"burst"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"`
}

// MetricsConfig holds metrics endpoint configuration
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled" toml:"enabled"`
	Path    string `yaml:"path" toml:"path"`
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Files ending in .toml are parsed as TOML, anything else as YAML.
// Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	return Parse(expandEnvVars(string(data)), formatOf(path))
}

// Format is a configuration file syntax.
type Format int

const (
	FormatYAML Format = iota
	FormatTOML
)

func formatOf(path string) Format {
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		return FormatTOML
	}
	return FormatYAML
}

// Parse decodes already-expanded configuration text, applies defaults and validates.
func Parse(text string, format Format) (*Config, error) {
	var cfg Config
	switch format {
	case FormatTOML:
		if _, err := toml.Decode(text, &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	default:
		if err := yaml.Unmarshal([]byte(text), &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	applyDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// Default returns a validated configuration with every default applied.
func Default() *Config {
	var cfg Config
	applyDefaults(&cfg)
	cfg.Notify.Location, _ = loadLocation(cfg.Notify.Timezone)
	return &cfg
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		return os.Getenv(envVarPattern.FindStringSubmatch(match)[1])
	})
}

func applyDefaults(cfg *Config) {
	if cfg.Server.HTTPAddr == "" && !cfg.Tailscale.Enabled {
		cfg.Server.HTTPAddr = DefaultHTTPAddr
	}
	if cfg.Session.InactivityTimeoutRaw == "" {
		cfg.Session.InactivityTimeout = DefaultInactivityTimeout
	}
	if cfg.Session.MaxDurationRaw == "" {
		cfg.Session.MaxDuration = DefaultMaxDuration
	}
	if cfg.Session.SweepIntervalRaw == "" {
		cfg.Session.SweepInterval = DefaultSweepInterval
	}
	if cfg.Session.DrainTimeoutRaw == "" {
		cfg.Session.DrainTimeout = DefaultDrainTimeout
	}
	if cfg.Notify.TimeoutRaw == "" {
		cfg.Notify.Timeout = min(DefaultNotifyTimeout, cfg.Session.DrainTimeout/2)
	}
	if cfg.Notify.Timezone == "" {
		cfg.Notify.Timezone = DefaultTimezone
	}
	if cfg.Notify.Subject == "" {
		cfg.Notify.Subject = DefaultSubject
	}
	if cfg.Notify.SMTP.Port == 0 {
		cfg.Notify.SMTP.Port = DefaultSMTPPort
	}
	if cfg.Notify.From == "" {
		cfg.Notify.From = cfg.Notify.SMTP.Username
	}
	if cfg.Geo.TimeoutRaw == "" {
		cfg.Geo.Timeout = DefaultGeoTimeout
	}
	if cfg.Geo.CacheTTLRaw == "" {
		cfg.Geo.CacheTTL = DefaultGeoCacheTTL
	}
	if cfg.Geo.CacheSize == 0 {
		cfg.Geo.CacheSize = DefaultGeoCacheSize
	}
	if cfg.Metrics.Path == "" {
		cfg.Metrics.Path = DefaultMetricsPath
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
// It also resolves Notify.Location.
func (c *Config) Validate() error {
	if !c.Tailscale.Enabled && c.Server.HTTPAddr == "" {
		return errors.New("server.http_addr is required (or enable tailscale)")
	}
	if c.Tailscale.Enabled && c.Tailscale.Hostname == "" {
		return errors.New("tailscale.hostname is required when tailscale is enabled")
	}

	if c.Session.InactivityTimeout <= 0 {
		return errors.New("session.inactivity_timeout must be positive")
	}
	if c.Session.MaxDuration < 0 {
		return errors.New("session.max_duration must not be negative")
	}
	if c.Session.SweepSchedule == "" && c.Session.SweepInterval <= 0 {
		return errors.New("session.sweep_interval must be positive (or set session.sweep_schedule)")
	}
	if c.Session.DrainTimeout <= 0 {
		return errors.New("session.drain_timeout must be positive")
	}

	if c.Assistant.APIKey != "" && c.Assistant.AssistantID == "" {
		return errors.New("assistant.assistant_id is required when assistant.api_key is set")
	}

	if c.Notify.Timeout <= 0 {
		return errors.New("notify.timeout must be positive")
	}
	if c.Notify.Timeout >= c.Session.DrainTimeout {
		return fmt.Errorf("notify.timeout (%s) must be shorter than session.drain_timeout (%s)",
			c.Notify.Timeout, c.Session.DrainTimeout)
	}

	if c.Notify.SMTP.Host != "" {
		if c.Notify.Recipient == "" {
			return errors.New("notify.recipient is required when notify.smtp.host is set")
		}
		if c.Notify.From == "" {
			return errors.New("notify.from is required when notify.smtp.host is set")
		}
	}
	loc, err := loadLocation(c.Notify.Timezone)
	if err != nil {
		return fmt.Errorf("notify.timezone: %w", err)
	}
	c.Notify.Location = loc

	if c.RateLimit.RequestsPerSecond < 0 || c.RateLimit.Burst < 0 {
		return errors.New("ratelimit values must not be negative")
	}
	if !strings.HasPrefix(c.Metrics.Path, "/") {
		return fmt.Errorf("metrics.path %q must start with /", c.Metrics.Path)
	}

	return nil
}

// loadLocation resolves name, falling back to UTC when the tz database is
// missing on the host. Unknown zone names are still an error.
func loadLocation(name string) (*time.Location, error) {
	loc, err := time.LoadLocation(name)
	if err == nil {
		return loc, nil
	}
	if name == DefaultTimezone {
		return time.UTC, nil
	}
	return nil, err
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	fields := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"session.inactivity_timeout", cfg.Session.InactivityTimeoutRaw, &cfg.Session.InactivityTimeout},
		{"session.max_duration", cfg.Session.MaxDurationRaw, &cfg.Session.MaxDuration},
		{"session.sweep_interval", cfg.Session.SweepIntervalRaw, &cfg.Session.SweepInterval},
		{"session.drain_timeout", cfg.Session.DrainTimeoutRaw, &cfg.Session.DrainTimeout},
		{"notify.timeout", cfg.Notify.TimeoutRaw, &cfg.Notify.Timeout},
		{"assistant.poll_interval", cfg.Assistant.PollIntervalRaw, &cfg.Assistant.PollInterval},
		{"geo.timeout", cfg.Geo.TimeoutRaw, &cfg.Geo.Timeout},
		{"geo.cache_ttl", cfg.Geo.CacheTTLRaw, &cfg.Geo.CacheTTL},
	}

	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", f.name, f.raw, err)
		}
		*f.dst = d
	}
	return nil
}
