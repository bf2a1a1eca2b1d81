package config

import (
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"

	"stable-sync-backend/internal/eventutil"
	"stable-sync-backend/internal/logger"
)

// EnvPrefix prefixes every environment override, e.g. SYNC_DATABASE_DSN.
const EnvPrefix = "SYNC"

// Config represents the overall application configuration.
type Config struct {
	Server     ServerConfig     `yaml:"server" envconfig:"server"`
	Database   DatabaseConfig   `yaml:"database" envconfig:"database"`
	Feed       FeedConfig       `yaml:"feed" envconfig:"feed"`
	Sync       SyncConfig       `yaml:"sync" envconfig:"sync"`
	Importer   ImporterConfig   `yaml:"importer" envconfig:"importer"`
	Push       PushConfig       `yaml:"push" envconfig:"push"`
	WorkerPool WorkerPoolConfig `yaml:"worker_pool" envconfig:"worker_pool"`
	Log        logger.Config    `yaml:"log" envconfig:"log"`
}

// WorkerPoolConfig holds the configuration for the alert worker pool.
type WorkerPoolConfig struct {
	Size int `yaml:"size" envconfig:"size"`
}

// PushConfig holds the VAPID keys for web push notifications.
type PushConfig struct {
	PublicKey  string `yaml:"vapid_public_key" envconfig:"vapid_public_key"`
	PrivateKey string `yaml:"vapid_private_key" envconfig:"vapid_private_key"`
	Subject    string `yaml:"subject" envconfig:"subject"`
	TTL        int    `yaml:"ttl" envconfig:"ttl"`
}

// ServerConfig holds the server-related configuration.
type ServerConfig struct {
	Port            int     `yaml:"port" envconfig:"port"`
	RequestIPHeader string  `yaml:"request_ip_header" envconfig:"request_ip_header"`
	RateLimitPerSec float64 `yaml:"rate_limit_per_sec" envconfig:"rate_limit_per_sec"`
	RateLimitBurst  int     `yaml:"rate_limit_burst" envconfig:"rate_limit_burst"`
	CacheTTLSeconds int     `yaml:"cache_ttl_seconds" envconfig:"cache_ttl_seconds"`
}

// DatabaseConfig holds the database connection configuration.
type DatabaseConfig struct {
	Driver                 string `yaml:"driver" envconfig:"driver"`
	DSN                    string `yaml:"dsn" envconfig:"dsn"`
	MaxOpenConns           int    `yaml:"max_open_conns" envconfig:"max_open_conns"`
	MaxIdleConns           int    `yaml:"max_idle_conns" envconfig:"max_idle_conns"`
	ConnMaxLifetimeMinutes int    `yaml:"conn_max_lifetime_minutes" envconfig:"conn_max_lifetime_minutes"`
	// ExcludeOverlaps installs a Postgres exclusion constraint that refuses
	// overlapping ACTIVE bookings on the same unit.
	ExcludeOverlaps bool `yaml:"exclude_overlaps" envconfig:"exclude_overlaps"`
	LogSQL          bool `yaml:"log_sql" envconfig:"log_sql"`
}

// FeedConfig selects the change-feed transport and its reconnect budget.
type FeedConfig struct {
	Driver         string  `yaml:"driver" envconfig:"driver"`
	NatsURL        string  `yaml:"nats_url" envconfig:"nats_url"`
	SubjectPrefix  string  `yaml:"subject_prefix" envconfig:"subject_prefix"`
	BufferSize     int     `yaml:"buffer_size" envconfig:"buffer_size"`
	MaxRetries     int     `yaml:"max_retries" envconfig:"max_retries"`
	InitialDelayMS int     `yaml:"initial_delay_ms" envconfig:"initial_delay_ms"`
	Multiplier     float64 `yaml:"multiplier" envconfig:"multiplier"`
	MaxDelayMS     int     `yaml:"max_delay_ms" envconfig:"max_delay_ms"`
}

// Backoff converts the retry settings.
func (c FeedConfig) Backoff() eventutil.Backoff {
	return eventutil.Backoff{
		MaxRetries:   c.MaxRetries,
		InitialDelay: time.Duration(c.InitialDelayMS) * time.Millisecond,
		Multiplier:   c.Multiplier,
		MaxDelay:     time.Duration(c.MaxDelayMS) * time.Millisecond,
	}
}

// ImporterConfig describes the upstream listing feed that seeds rentals and units.
type ImporterConfig struct {
	Enabled         bool              `yaml:"enabled" envconfig:"enabled"`
	IntervalSeconds int               `yaml:"interval_seconds" envconfig:"interval_seconds"`
	Interval        time.Duration     `yaml:"-" ignored:"true"`
	HTTPProxy       string            `yaml:"http_proxy" envconfig:"http_proxy"`
	URL             string            `yaml:"url" envconfig:"url"`
	Headers         map[string]string `yaml:"headers" envconfig:"headers"`
	PageSize        int               `yaml:"page_size" envconfig:"page_size"`
	PagesPerSecond  float64           `yaml:"pages_per_second" envconfig:"pages_per_second"`
}

// SyncConfig controls the entity views and optimistic writes.
type SyncConfig struct {
	RefreshPolicy       string        `yaml:"refresh_policy" envconfig:"refresh_policy"`
	PollIntervalSeconds int           `yaml:"poll_interval_seconds" envconfig:"poll_interval_seconds"`
	PollInterval        time.Duration `yaml:"-" ignored:"true"`
	WriteTimeoutMS      int           `yaml:"write_timeout_ms" envconfig:"write_timeout_ms"`
	WriteTimeout        time.Duration `yaml:"-" ignored:"true"`
	ReconcileTimeoutMS  int           `yaml:"reconcile_timeout_ms" envconfig:"reconcile_timeout_ms"`
	ReconcileTimeout    time.Duration `yaml:"-" ignored:"true"`
	RejectConflicts     bool          `yaml:"reject_conflicts" envconfig:"reject_conflicts"`
	// AlertMinSeverity is the lowest conflict severity pushed to owners.
	AlertMinSeverity string `yaml:"alert_min_severity" envconfig:"alert_min_severity"`
	// AlertDebounceMS and EventCoalesceMS take a negative value to turn the delay off.
	AlertDebounceMS int           `yaml:"alert_debounce_ms" envconfig:"alert_debounce_ms"`
	AlertDebounce   time.Duration `yaml:"-" ignored:"true"`
	EventCoalesceMS int           `yaml:"event_coalesce_ms" envconfig:"event_coalesce_ms"`
	EventCoalesce   time.Duration `yaml:"-" ignored:"true"`
}

// Load reads the configuration from the given path, then applies SYNC_* environment
// overrides and defaults. A missing file is fine when the environment carries everything.
func Load(path string) (*Config, error) {
	var cfg Config

	f, err := os.Open(path)
	switch {
	case err == nil:
		defer f.Close()
		decoder := yaml.NewDecoder(f)
		if err := decoder.Decode(&cfg); err != nil {
			return nil, fmt.Errorf("failed to parse %s: %w", path, err)
		}
	case os.IsNotExist(err):
		log.Printf("config file %s not found; using environment and defaults", path)
	default:
		return nil, err
	}

	if err := envconfig.Process(EnvPrefix, &cfg); err != nil {
		return nil, fmt.Errorf("failed to read environment: %w", err)
	}

	if err := cfg.applyDefaults(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (cfg *Config) applyDefaults() error {
	if cfg.Server.Port <= 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.RateLimitPerSec <= 0 {
		cfg.Server.RateLimitPerSec = 10
	}
	if cfg.Server.RateLimitBurst <= 0 {
		cfg.Server.RateLimitBurst = 5
	}
	if cfg.Server.CacheTTLSeconds <= 0 {
		cfg.Server.CacheTTLSeconds = 5
	}

	cfg.Database.Driver = strings.ToLower(cfg.Database.Driver)
	switch cfg.Database.Driver {
	case "":
		cfg.Database.Driver = "postgres"
	case "postgres", "sqlite":
	default:
		return fmt.Errorf("unknown database driver %q", cfg.Database.Driver)
	}
	if cfg.Database.MaxOpenConns <= 0 {
		cfg.Database.MaxOpenConns = 10
	}
	if cfg.Database.MaxIdleConns <= 0 {
		cfg.Database.MaxIdleConns = 5
	}
	if cfg.Database.ConnMaxLifetimeMinutes <= 0 {
		cfg.Database.ConnMaxLifetimeMinutes = 30
	}

	cfg.Feed.Driver = strings.ToLower(cfg.Feed.Driver)
	switch cfg.Feed.Driver {
	case "":
		cfg.Feed.Driver = "memory"
	case "memory", "nats":
	default:
		return fmt.Errorf("unknown feed driver %q", cfg.Feed.Driver)
	}
	if cfg.Feed.SubjectPrefix == "" {
		cfg.Feed.SubjectPrefix = "sync"
	}
	if cfg.Feed.BufferSize <= 0 {
		cfg.Feed.BufferSize = 256
	}
	if cfg.Feed.MaxRetries <= 0 {
		cfg.Feed.MaxRetries = 5
	}
	if cfg.Feed.InitialDelayMS <= 0 {
		cfg.Feed.InitialDelayMS = 500
	}
	if cfg.Feed.Multiplier < 1 {
		cfg.Feed.Multiplier = 2
	}
	if cfg.Feed.MaxDelayMS <= 0 {
		cfg.Feed.MaxDelayMS = 30000
	}

	cfg.Sync.RefreshPolicy = strings.ToLower(cfg.Sync.RefreshPolicy)
	switch cfg.Sync.RefreshPolicy {
	case "":
		cfg.Sync.RefreshPolicy = "event"
	case "event", "poll":
	default:
		return fmt.Errorf("unknown refresh policy %q", cfg.Sync.RefreshPolicy)
	}
	if cfg.Sync.PollIntervalSeconds <= 0 {
		cfg.Sync.PollIntervalSeconds = 30
	}
	cfg.Sync.PollInterval = time.Duration(cfg.Sync.PollIntervalSeconds) * time.Second
	if cfg.Sync.WriteTimeoutMS <= 0 {
		cfg.Sync.WriteTimeoutMS = 10000
	}
	cfg.Sync.WriteTimeout = time.Duration(cfg.Sync.WriteTimeoutMS) * time.Millisecond
	if cfg.Sync.ReconcileTimeoutMS <= 0 {
		cfg.Sync.ReconcileTimeoutMS = 5000
	}
	cfg.Sync.ReconcileTimeout = time.Duration(cfg.Sync.ReconcileTimeoutMS) * time.Millisecond
	if cfg.Sync.AlertMinSeverity == "" {
		cfg.Sync.AlertMinSeverity = "critical"
	}
	cfg.Sync.AlertDebounce = optionalDelay(cfg.Sync.AlertDebounceMS, 250)
	cfg.Sync.EventCoalesce = optionalDelay(cfg.Sync.EventCoalesceMS, 20)

	if cfg.Importer.IntervalSeconds <= 0 {
		cfg.Importer.IntervalSeconds = 300
	}
	cfg.Importer.Interval = time.Duration(cfg.Importer.IntervalSeconds) * time.Second
	if cfg.Importer.PageSize <= 0 {
		cfg.Importer.PageSize = 50
	}
	if cfg.Importer.PagesPerSecond <= 0 {
		cfg.Importer.PagesPerSecond = 2
	}
	if cfg.Importer.Enabled && cfg.Importer.URL == "" {
		return fmt.Errorf("importer.url is required when the importer is enabled")
	}

	if cfg.Push.TTL <= 0 {
		cfg.Push.TTL = 3600
	}

	if cfg.WorkerPool.Size <= 0 {
		log.Printf("worker_pool.size is not set or invalid; defaulting to 1")
		cfg.WorkerPool.Size = 1
	}

	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	return nil
}

// optionalDelay maps a millisecond setting to a duration: zero takes the default and a
// negative value disables the delay.
func optionalDelay(ms, defaultMS int) time.Duration {
	switch {
	case ms < 0:
		return 0
	case ms == 0:
		ms = defaultMS
	}
	return time.Duration(ms) * time.Millisecond
}
