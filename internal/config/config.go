package config

import (
	"bytes"
	"fmt"
	"os"

	"github.com/spf13/viper"

	"github.com/taskinen/wrm-systems/internal/storage"
)

// Config holds all configuration for the service.
type Config struct {
	API     APIConfig     `mapstructure:"api"`
	Sync    SyncConfig    `mapstructure:"sync"`
	Storage StorageConfig `mapstructure:"storage"`
	Server  ServerConfig  `mapstructure:"server"`
	Logging LoggingConfig `mapstructure:"logging"`
}

type APIConfig struct {
	BaseURL        string `mapstructure:"base_url"`
	Token          string `mapstructure:"token"`
	TimeoutSeconds int    `mapstructure:"timeout_seconds"`
}

type SyncConfig struct {
	// PollIntervalSeconds is how often a sync cycle runs. Bounded to keep
	// the upstream API happy and the data reasonably fresh.
	PollIntervalSeconds int `mapstructure:"poll_interval_seconds"`

	// MaxDataAgeHours is the lookback window for the average hourly rate
	// and the staleness threshold exposed to consumers.
	MaxDataAgeHours int `mapstructure:"max_data_age_hours"`

	// HistoricalDays is the retention window and first-run fetch depth.
	// -1 means unlimited.
	HistoricalDays int `mapstructure:"historical_days"`

	// BackfillDays is the window re-fetched by force refresh.
	BackfillDays int `mapstructure:"backfill_days"`

	// Timezone for local day/month usage boundaries, e.g. "Europe/Helsinki".
	Timezone string `mapstructure:"timezone"`
}

type StorageConfig struct {
	// Backend selects "file" or "postgres".
	Backend  string         `mapstructure:"backend"`
	Path     string         `mapstructure:"path"`
	SourceID string         `mapstructure:"source_id"`
	Postgres PostgresConfig `mapstructure:"postgres"`
}

type PostgresConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Name     string `mapstructure:"name"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	SSLMode  string `mapstructure:"ssl_mode"`
}

type ServerConfig struct {
	Host           string  `mapstructure:"host"`
	Port           int     `mapstructure:"port"`
	RateLimit      float64 `mapstructure:"rate_limit"`
	RateLimitBurst int     `mapstructure:"rate_limit_burst"`
	CacheSize      int     `mapstructure:"cache_size"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Load reads configuration from a YAML file, expanding $VAR references
// from the environment before decoding.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	expanded := os.ExpandEnv(string(data))

	v := viper.New()
	v.SetConfigType("yaml")
	setDefaults(v)
	if err := v.ReadConfig(bytes.NewBufferString(expanded)); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("api.timeout_seconds", 30)

	v.SetDefault("sync.poll_interval_seconds", 3600)
	v.SetDefault("sync.max_data_age_hours", 48)
	v.SetDefault("sync.historical_days", 365)
	v.SetDefault("sync.backfill_days", 7)
	v.SetDefault("sync.timezone", "UTC")

	v.SetDefault("storage.backend", "file")
	v.SetDefault("storage.path", "data/readings.json")
	v.SetDefault("storage.source_id", "default")
	v.SetDefault("storage.postgres.port", 5432)
	v.SetDefault("storage.postgres.ssl_mode", "disable")

	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.rate_limit", 5.0)
	v.SetDefault("server.rate_limit_burst", 10)
	v.SetDefault("server.cache_size", 1000)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
}

// Validate enforces the documented bounds on the sync surface.
func (c *Config) Validate() error {
	if c.API.Token == "" {
		return fmt.Errorf("api.token is required")
	}
	if c.Sync.PollIntervalSeconds < 300 || c.Sync.PollIntervalSeconds > 86400 {
		return fmt.Errorf("sync.poll_interval_seconds must be between 300 and 86400, got %d", c.Sync.PollIntervalSeconds)
	}
	if c.Sync.MaxDataAgeHours < 6 || c.Sync.MaxDataAgeHours > 168 {
		return fmt.Errorf("sync.max_data_age_hours must be between 6 and 168, got %d", c.Sync.MaxDataAgeHours)
	}
	if c.Sync.HistoricalDays != storage.RetentionUnlimited &&
		(c.Sync.HistoricalDays < 1 || c.Sync.HistoricalDays > 3650) {
		return fmt.Errorf("sync.historical_days must be -1 or between 1 and 3650, got %d", c.Sync.HistoricalDays)
	}
	if c.Sync.BackfillDays < 1 || c.Sync.BackfillDays > 90 {
		return fmt.Errorf("sync.backfill_days must be between 1 and 90, got %d", c.Sync.BackfillDays)
	}
	switch c.Storage.Backend {
	case "file", "postgres":
	default:
		return fmt.Errorf("storage.backend must be \"file\" or \"postgres\", got %q", c.Storage.Backend)
	}
	return nil
}

// ConnString assembles the lib/pq connection string for the postgres
// backend.
func (p PostgresConfig) ConnString() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		p.Host, p.Port, p.User, p.Password, p.Name, p.SSLMode,
	)
}
