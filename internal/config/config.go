// Package config loads and validates crawler configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Store backends for raw crawl data.
const (
	StoreCSV      = "csv"
	StoreSQLite   = "sqlite"
	StorePostgres = "postgres"
)

// Config captures all crawler configuration knobs loaded via Viper.
type Config struct {
	Crawler   CrawlerConfig   `mapstructure:"crawler"`
	HTTP      HTTPConfig      `mapstructure:"http"`
	Directory DirectoryConfig `mapstructure:"directory"`
	Store     StoreConfig     `mapstructure:"store"`
	Output    OutputConfig    `mapstructure:"output"`
	API       APIConfig       `mapstructure:"api"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// CrawlerConfig governs scheduler and adapter behavior.
type CrawlerConfig struct {
	Concurrency int     `mapstructure:"concurrency"`
	BatchSize   int     `mapstructure:"batch_size"`
	HostRPS     float64 `mapstructure:"host_rps"`
	HostBurst   int     `mapstructure:"host_burst"`
	SampleSize  int     `mapstructure:"sample_size"`
}

// HTTPConfig configures the fetch executor.
type HTTPConfig struct {
	TimeoutSeconds int    `mapstructure:"timeout_seconds"`
	UserAgent      string `mapstructure:"user_agent"`
}

// DirectoryConfig points at the instance directory used for seeds.
type DirectoryConfig struct {
	Host string `mapstructure:"host"`
}

// StoreConfig selects the raw store backend.
type StoreConfig struct {
	Backend     string `mapstructure:"backend"`
	PostgresDSN string `mapstructure:"postgres_dsn"`
}

// OutputConfig sets where run artifacts land.
type OutputConfig struct {
	Dir     string `mapstructure:"dir"`
	Parquet bool   `mapstructure:"parquet"`
}

// APIConfig controls the optional progress/metrics HTTP server.
type APIConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Addr    string `mapstructure:"addr"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("FEDIGRAPH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("crawler.concurrency", 32)
	v.SetDefault("crawler.batch_size", 0)
	v.SetDefault("crawler.host_rps", 5)
	v.SetDefault("crawler.host_burst", 5)
	v.SetDefault("crawler.sample_size", 10)
	v.SetDefault("http.timeout_seconds", 30)
	v.SetDefault("http.user_agent", "fedigraph/0.1 (graph research crawler)")
	v.SetDefault("directory.host", "api.fediverse.observer")
	v.SetDefault("store.backend", StoreCSV)
	v.SetDefault("output.dir", "output")
	v.SetDefault("output.parquet", true)
	v.SetDefault("api.enabled", false)
	v.SetDefault("api.addr", ":8080")
	v.SetDefault("logging.development", true)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Crawler.Concurrency <= 0 {
		return fmt.Errorf("crawler.concurrency must be > 0")
	}
	if c.Crawler.HostRPS <= 0 {
		return fmt.Errorf("crawler.host_rps must be > 0")
	}
	if c.HTTP.TimeoutSeconds <= 0 {
		return fmt.Errorf("http.timeout_seconds must be > 0")
	}
	switch c.Store.Backend {
	case StoreCSV, StoreSQLite:
	case StorePostgres:
		if c.Store.PostgresDSN == "" {
			return fmt.Errorf("store.postgres_dsn must be set for the postgres backend")
		}
	default:
		return fmt.Errorf("store.backend must be one of csv, sqlite, postgres")
	}
	if c.Output.Dir == "" {
		return fmt.Errorf("output.dir must be set")
	}
	if c.API.Enabled && c.API.Addr == "" {
		return fmt.Errorf("api.addr must be set when the api is enabled")
	}
	return nil
}

// RequestTimeout converts the HTTP timeout config into a duration.
func (c Config) RequestTimeout() time.Duration {
	return time.Duration(c.HTTP.TimeoutSeconds) * time.Second
}
