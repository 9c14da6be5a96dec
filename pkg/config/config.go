package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	// DefaultLogLevel is the default logging level.
	DefaultLogLevel = "info"

	// DefaultListen is the default API listen address.
	DefaultListen = ":30000"

	// DefaultDatabasePath is the default sqlite database location.
	DefaultDatabasePath = "./test-observer.db"

	// DefaultPromotionInterval is how often the promotion engine runs
	// when no interval is configured.
	DefaultPromotionInterval = 10 * time.Minute

	// DefaultSnapcraftBaseURL is the snap store info API.
	DefaultSnapcraftBaseURL = "https://api.snapcraft.io"

	// DefaultArchiveBaseURL is the Ubuntu archive used for non-arm
	// architectures.
	DefaultArchiveBaseURL = "http://us.archive.ubuntu.com/ubuntu/dists"

	// DefaultArchivePortsURL is the Ubuntu ports archive used for arm
	// architectures.
	DefaultArchivePortsURL = "http://ports.ubuntu.com/ubuntu-ports/dists"
)

// Config is the root configuration for test-observer.
type Config struct {
	LogLevel  string          `yaml:"log_level"`
	Database  DatabaseConfig  `yaml:"database"`
	Server    ServerConfig    `yaml:"server"`
	Promotion PromotionConfig `yaml:"promotion"`
}

// DatabaseConfig contains database connection settings.
type DatabaseConfig struct {
	Driver   string         `yaml:"driver"`
	SQLite   SQLiteConfig   `yaml:"sqlite,omitempty"`
	Postgres PostgresConfig `yaml:"postgres,omitempty"`
}

// SQLiteConfig contains SQLite-specific settings.
type SQLiteConfig struct {
	Path string `yaml:"path"`
}

// PostgresConfig contains PostgreSQL connection settings.
type PostgresConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Database string `yaml:"database"`
	SSLMode  string `yaml:"ssl_mode"`
}

// ServerConfig contains HTTP server settings.
type ServerConfig struct {
	Listen      string          `yaml:"listen"`
	CORSOrigins []string        `yaml:"cors_origins,omitempty"`
	RateLimit   RateLimitConfig `yaml:"rate_limit,omitempty"`
}

// RateLimitConfig configures per-IP rate limiting.
type RateLimitConfig struct {
	Enabled           bool `yaml:"enabled"`
	RequestsPerMinute int  `yaml:"requests_per_minute"`
}

// PromotionConfig configures the background promotion engine.
type PromotionConfig struct {
	Enabled   bool            `yaml:"enabled"`
	Interval  string          `yaml:"interval,omitempty"`
	Families  []string        `yaml:"families,omitempty"`
	Snapcraft SnapcraftConfig `yaml:"snapcraft,omitempty"`
	Archive   ArchiveConfig   `yaml:"archive,omitempty"`
}

// SnapcraftConfig contains snap store client settings.
type SnapcraftConfig struct {
	BaseURL string `yaml:"base_url,omitempty"`
}

// ArchiveConfig contains apt archive client settings.
type ArchiveConfig struct {
	BaseURL  string `yaml:"base_url,omitempty"`
	PortsURL string `yaml:"ports_url,omitempty"`
}

// Load reads and parses a configuration file from the given path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	cfg.applyDefaults()

	return &cfg, nil
}

// applyDefaults sets default values for unspecified configuration options.
func (c *Config) applyDefaults() {
	if c.LogLevel == "" {
		c.LogLevel = DefaultLogLevel
	}

	if c.Database.Driver == "" {
		c.Database.Driver = "sqlite"
	}

	if c.Database.SQLite.Path == "" {
		c.Database.SQLite.Path = DefaultDatabasePath
	}

	if c.Database.Postgres.SSLMode == "" {
		c.Database.Postgres.SSLMode = "disable"
	}

	if c.Server.Listen == "" {
		c.Server.Listen = DefaultListen
	}

	if c.Promotion.Interval == "" {
		c.Promotion.Interval = DefaultPromotionInterval.String()
	}

	if c.Promotion.Snapcraft.BaseURL == "" {
		c.Promotion.Snapcraft.BaseURL = DefaultSnapcraftBaseURL
	}

	if c.Promotion.Archive.BaseURL == "" {
		c.Promotion.Archive.BaseURL = DefaultArchiveBaseURL
	}

	if c.Promotion.Archive.PortsURL == "" {
		c.Promotion.Archive.PortsURL = DefaultArchivePortsURL
	}
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("unsupported database driver: %s", c.Database.Driver)
	}

	if c.Database.Driver == "postgres" {
		if c.Database.Postgres.Host == "" {
			return fmt.Errorf("postgres host is required")
		}

		if c.Database.Postgres.Database == "" {
			return fmt.Errorf("postgres database is required")
		}
	}

	if _, err := time.ParseDuration(c.Promotion.Interval); err != nil {
		return fmt.Errorf("parsing promotion interval: %w", err)
	}

	if c.Server.RateLimit.Enabled &&
		c.Server.RateLimit.RequestsPerMinute <= 0 {
		return fmt.Errorf("rate limit requires requests_per_minute > 0")
	}

	return nil
}

// PromotionInterval returns the parsed promotion interval.
func (c *Config) PromotionInterval() time.Duration {
	d, err := time.ParseDuration(c.Promotion.Interval)
	if err != nil {
		return DefaultPromotionInterval
	}

	return d
}
