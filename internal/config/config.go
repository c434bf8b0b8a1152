// Package config loads and validates the ListingRelay YAML configuration.
// Secrets may be supplied through the environment instead of the file.
package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"

	"github.com/njoerd114/listingrelay/internal/model"
	"github.com/njoerd114/listingrelay/internal/source"
)

// Config holds the full application configuration loaded from YAML.
type Config struct {
	// BackfillDate (YYYY-MM-DD) seeds the change cursor of a source that has
	// never been synced.
	BackfillDate string `yaml:"backfill_date"`

	// PollInterval separates change-feed ticks of a healthy source.
	// Minimum 30s, maximum 6h. Defaults to 5m if unset.
	PollInterval time.Duration `yaml:"poll_interval"`

	// DegradedInterval separates ticks while a source's provider is failing.
	// Must not be shorter than PollInterval. Defaults to 15m.
	DegradedInterval time.Duration `yaml:"degraded_interval"`

	// FiltersInterval separates taxonomy refreshes. Minimum and default 1h.
	FiltersInterval time.Duration `yaml:"filters_interval"`

	// HTTPTimeout bounds each provider request. Defaults to 30s.
	HTTPTimeout time.Duration `yaml:"http_timeout"`

	// WriteTimeout bounds each catalogue or cursor write. Defaults to 10s.
	WriteTimeout time.Duration `yaml:"write_timeout"`

	// ShutdownGrace bounds how long an in-flight batch keeps applying after
	// a shutdown signal. Defaults to 30s.
	ShutdownGrace time.Duration `yaml:"shutdown_grace"`

	Retry RetryConfig `yaml:"retry"`

	// Sources configures the providers, keyed by source name (encar,
	// che168, dongchedi).
	Sources map[string]SourceConfig `yaml:"sources"`

	Catalog CatalogConfig `yaml:"catalog"`

	// StateDB is the SQLite file holding cursors and run history.
	// Defaults to ~/.local/share/listingrelay/state.db.
	StateDB string `yaml:"state_db"`

	Publish PublishConfig `yaml:"publish"`

	// Admin enables the HTTP admin API. Omit to disable it.
	Admin *AdminConfig `yaml:"admin,omitempty"`

	// Telemetry configures optional OpenTelemetry export via OTLP gRPC.
	// Omit the block entirely to disable telemetry.
	Telemetry *TelemetryConfig `yaml:"telemetry,omitempty"`
}

// RetryConfig bounds retries of provider calls and store writes.
type RetryConfig struct {
	// Attempts per call, 1–10. Defaults to 5.
	Attempts int `yaml:"attempts"`

	BaseDelay time.Duration `yaml:"base_delay"`
	MaxDelay  time.Duration `yaml:"max_delay"`
}

// SourceConfig configures one provider feed.
type SourceConfig struct {
	Enabled bool `yaml:"enabled"`

	// BaseURL overrides the provider's default feed root.
	BaseURL string `yaml:"base_url"`

	// APIKey authenticates with the provider. Required when enabled; may be
	// set through <SOURCE>_API_KEY.
	APIKey string `yaml:"api_key"`

	// RateLimit is the sustained requests per second. Defaults to 5.
	RateLimit float64 `yaml:"rate_limit"`
	Burst     int     `yaml:"burst"`

	// MaxPages bounds one drain of the change feed. Defaults to 200.
	MaxPages int `yaml:"max_pages"`

	// ImageHosts extends the image CDN allow-list with glob patterns.
	ImageHosts []string `yaml:"image_hosts"`
}

// CatalogConfig points at the Postgres vehicle catalogue.
type CatalogConfig struct {
	// DSN is a Postgres connection string. May be set through
	// LISTINGRELAY_CATALOG_DSN.
	DSN string `yaml:"dsn"`

	// Schema holds the vehicles table. Defaults to the search path.
	Schema string `yaml:"schema"`

	// MaxConns sizes the connection pool. Defaults to 4.
	MaxConns int32 `yaml:"max_conns"`
}

// PublishConfig configures where merged taxonomies go. The state database
// always keeps the latest snapshot; Redis is optional.
type PublishConfig struct {
	Redis *RedisConfig `yaml:"redis,omitempty"`
}

// RedisConfig configures the Redis publisher.
type RedisConfig struct {
	Addr string `yaml:"addr"`

	// Password may be set through LISTINGRELAY_REDIS_PASSWORD.
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`

	// Key receives the snapshot document. Defaults to "listingrelay:filters".
	Key string `yaml:"key"`

	// Channel, when set, is notified after every publish.
	Channel string `yaml:"channel"`
}

// AdminConfig configures the admin HTTP API.
type AdminConfig struct {
	// Listen is the host:port to bind, e.g. "127.0.0.1:8080".
	Listen string `yaml:"listen"`
}

// TelemetryConfig holds optional OpenTelemetry settings.
type TelemetryConfig struct {
	// OTLPEndpoint is the gRPC host:port of the OTLP collector (e.g. "localhost:4317").
	OTLPEndpoint string `yaml:"otlp_endpoint"`

	// Insecure disables TLS for the collector connection. Use for local collectors.
	Insecure bool `yaml:"insecure"`

	// ServiceName overrides the OTel service.name attribute. Defaults to "listingrelay".
	ServiceName string `yaml:"service_name"`

	// Headers contains key-value pairs sent as gRPC metadata on every OTLP
	// request. Equivalent to the OTEL_EXPORTER_OTLP_HEADERS environment
	// variable. Use this for authentication tokens, e.g.:
	//   Authorization: "Bearer <token>"
	Headers map[string]string `yaml:"headers,omitempty"`
}

// secrets are the environment variables that override file values.
type secrets struct {
	EncarAPIKey     string `env:"ENCAR_API_KEY"`
	Che168APIKey    string `env:"CHE168_API_KEY"`
	DongchediAPIKey string `env:"DONGCHEDI_API_KEY"`
	CatalogDSN      string `env:"LISTINGRELAY_CATALOG_DSN"`
	RedisPassword   string `env:"LISTINGRELAY_REDIS_PASSWORD"`
}

// DefaultPath returns the default config file path: ~/.config/listingrelay/config.yaml.
func DefaultPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolving home directory: %w", err)
	}
	return filepath.Join(home, ".config", "listingrelay", "config.yaml"), nil
}

// Load reads the configuration file at the given path, applies environment
// overrides and validates the result.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening config file %q: %w", path, err)
	}
	defer f.Close()

	var cfg Config
	dec := yaml.NewDecoder(f)
	dec.KnownFields(true) // reject unknown keys to catch typos early
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("parsing config file %q: %w", path, err)
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &cfg, nil
}

// applyEnv overlays secrets from the environment onto file values.
func (c *Config) applyEnv() error {
	var s secrets
	if err := env.Parse(&s); err != nil {
		return fmt.Errorf("parsing environment: %w", err)
	}

	keys := map[model.Source]string{
		model.SourceEncar:     s.EncarAPIKey,
		model.SourceChe168:    s.Che168APIKey,
		model.SourceDongchedi: s.DongchediAPIKey,
	}
	for src, key := range keys {
		if key == "" {
			continue
		}
		sc, ok := c.Sources[string(src)]
		if !ok {
			continue
		}
		sc.APIKey = key
		c.Sources[string(src)] = sc
	}

	if s.CatalogDSN != "" {
		c.Catalog.DSN = s.CatalogDSN
	}
	if s.RedisPassword != "" && c.Publish.Redis != nil {
		c.Publish.Redis.Password = s.RedisPassword
	}
	return nil
}

// validate checks that all required fields are present and well-formed, and
// fills in defaults.
func (c *Config) validate() error {
	if c.BackfillDate == "" {
		return fmt.Errorf("backfill_date is required")
	}
	if err := source.ValidateDate(c.BackfillDate); err != nil {
		return fmt.Errorf("backfill_date: %w", err)
	}

	if c.PollInterval == 0 {
		c.PollInterval = 5 * time.Minute
	}
	if c.PollInterval < 30*time.Second {
		return fmt.Errorf("poll_interval %v is too short (minimum 30s)", c.PollInterval)
	}
	if c.PollInterval > 6*time.Hour {
		return fmt.Errorf("poll_interval %v is too long (maximum 6h)", c.PollInterval)
	}

	if c.DegradedInterval == 0 {
		c.DegradedInterval = max(15*time.Minute, c.PollInterval)
	}
	if c.DegradedInterval < c.PollInterval {
		return fmt.Errorf("degraded_interval %v must not be shorter than poll_interval %v", c.DegradedInterval, c.PollInterval)
	}

	if c.FiltersInterval == 0 {
		c.FiltersInterval = time.Hour
	}
	if c.FiltersInterval < time.Hour {
		return fmt.Errorf("filters_interval %v is too short (minimum 1h)", c.FiltersInterval)
	}

	if c.HTTPTimeout == 0 {
		c.HTTPTimeout = 30 * time.Second
	}
	if c.WriteTimeout == 0 {
		c.WriteTimeout = 10 * time.Second
	}
	if c.ShutdownGrace == 0 {
		c.ShutdownGrace = 30 * time.Second
	}
	if c.HTTPTimeout < 0 || c.WriteTimeout < 0 || c.ShutdownGrace < 0 {
		return fmt.Errorf("http_timeout, write_timeout and shutdown_grace must be positive")
	}

	if c.Retry.Attempts == 0 {
		c.Retry.Attempts = 5
	}
	if c.Retry.Attempts < 1 || c.Retry.Attempts > 10 {
		return fmt.Errorf("retry.attempts %d out of range (1–10)", c.Retry.Attempts)
	}
	if c.Retry.BaseDelay == 0 {
		c.Retry.BaseDelay = time.Second
	}
	if c.Retry.MaxDelay == 0 {
		c.Retry.MaxDelay = 30 * time.Second
	}
	if c.Retry.MaxDelay < c.Retry.BaseDelay {
		return fmt.Errorf("retry.max_delay %v is shorter than retry.base_delay %v", c.Retry.MaxDelay, c.Retry.BaseDelay)
	}

	if err := c.validateSources(); err != nil {
		return err
	}

	if c.Catalog.DSN == "" {
		return fmt.Errorf("catalog.dsn is required (or set LISTINGRELAY_CATALOG_DSN)")
	}
	if c.Catalog.MaxConns == 0 {
		c.Catalog.MaxConns = 4
	}
	if c.Catalog.MaxConns < 1 {
		return fmt.Errorf("catalog.max_conns must be positive")
	}

	if c.StateDB == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return fmt.Errorf("resolving home directory: %w", err)
		}
		c.StateDB = filepath.Join(home, ".local", "share", "listingrelay", "state.db")
	}

	if r := c.Publish.Redis; r != nil {
		if r.Addr == "" {
			return fmt.Errorf("publish.redis.addr is required when publish.redis is configured")
		}
		if r.Key == "" {
			r.Key = "listingrelay:filters"
		}
	}

	if c.Admin != nil && c.Admin.Listen == "" {
		return fmt.Errorf("admin.listen is required when admin is configured")
	}

	if c.Telemetry != nil {
		if c.Telemetry.OTLPEndpoint == "" {
			return fmt.Errorf("telemetry.otlp_endpoint is required when telemetry is configured")
		}
	}

	return nil
}

func (c *Config) validateSources() error {
	if len(c.Sources) == 0 {
		return fmt.Errorf("sources must contain at least one entry")
	}
	enabled := 0
	for name, sc := range c.Sources {
		src, err := model.ParseSource(name)
		if err != nil {
			return fmt.Errorf("sources: %w", err)
		}
		if !sc.Enabled {
			continue
		}
		enabled++
		if sc.APIKey == "" {
			return fmt.Errorf("sources.%s.api_key is required (or set %s)", src, apiKeyEnv(src))
		}
		if sc.BaseURL != "" {
			u, err := url.ParseRequestURI(sc.BaseURL)
			if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
				return fmt.Errorf("sources.%s.base_url %q must be a valid http or https URL", src, sc.BaseURL)
			}
		}
		if sc.RateLimit == 0 {
			sc.RateLimit = 5
		}
		if sc.Burst == 0 {
			sc.Burst = 5
		}
		if sc.MaxPages == 0 {
			sc.MaxPages = 200
		}
		if sc.RateLimit < 0 || sc.Burst < 0 || sc.MaxPages < 0 {
			return fmt.Errorf("sources.%s: rate_limit, burst and max_pages must be positive", src)
		}
		c.Sources[name] = sc
	}
	if enabled == 0 {
		return fmt.Errorf("at least one source must be enabled")
	}
	return nil
}

// EnabledSources returns the enabled sources in sorted order.
func (c *Config) EnabledSources() []model.Source {
	var out []model.Source
	for name, sc := range c.Sources {
		if sc.Enabled {
			out = append(out, model.Source(name))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func apiKeyEnv(src model.Source) string {
	switch src {
	case model.SourceEncar:
		return "ENCAR_API_KEY"
	case model.SourceChe168:
		return "CHE168_API_KEY"
	default:
		return "DONGCHEDI_API_KEY"
	}
}
