// Package config provides configuration loading and management for the
// tender sync service.
package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Defaults applied when the corresponding field is absent from the file.
const (
	defaultPageSize         = 50
	defaultMaxPagesPerBatch = 20
	defaultMinInterval      = 1500 * time.Millisecond
	defaultRetryAttempts    = 3
	defaultRecordDelay      = 500 * time.Millisecond
	defaultOverlapWindow    = 10 * time.Minute
	defaultStaleAfter       = 30 * time.Minute
	defaultRecheckAfter     = 7 * 24 * time.Hour
)

// Option defines the interface for configuration options
type Option func(*loaderConfig) error

// loaderConfig defines the configuration for loading a configuration
type loaderConfig struct {
	path string
}

// WithConfigPath loads configuration from a YAML file
func WithConfigPath(path string) Option {
	return func(cfg *loaderConfig) error {
		if path == "" {
			return fmt.Errorf("path is required")
		}

		// Resolve symlinks to prevent symlink attacks.
		// Note that this calls filepath.Clean internally.
		realPath, err := filepath.EvalSymlinks(path)
		if err != nil {
			return fmt.Errorf("failed to evaluate symlinks: %w", err)
		}

		if !filepath.IsAbs(realPath) {
			if !filepath.IsLocal(realPath) {
				return fmt.Errorf("path is not local or contains invalid traversal: %s", path)
			}
		}

		cfg.path = realPath
		return nil
	}
}

// Config represents the root configuration structure
type Config struct {
	// ServiceName identifies this instance in logs and job notes
	ServiceName string `yaml:"serviceName,omitempty"`

	Feed       FeedConfig       `yaml:"feed"`
	Enrichment EnrichmentConfig `yaml:"enrichment"`
	Jobs       JobsConfig       `yaml:"jobs,omitempty"`
	Database   *DatabaseConfig  `yaml:"database,omitempty"`
}

// FeedConfig defines the upstream OCDS release feed settings
type FeedConfig struct {
	// BaseURL is the feed endpoint without query parameters
	BaseURL string `yaml:"baseURL"`

	// PageSize is the number of releases requested per page
	PageSize int `yaml:"pageSize,omitempty"`

	// MaxPagesPerBatch caps how many pages one sync run walks before
	// returning a partial result; 0 means use the default
	MaxPagesPerBatch int `yaml:"maxPagesPerBatch,omitempty"`

	// RequestTimeout is the per-request timeout (Go duration string)
	RequestTimeout string `yaml:"requestTimeout,omitempty"`

	// Schedule enables periodic incremental sync when set (Go duration
	// string, e.g. "15m"); empty disables scheduled sync
	Schedule string `yaml:"schedule,omitempty"`
}

// EnrichmentConfig defines the tender detail source settings
type EnrichmentConfig struct {
	// BaseURL is the detail endpoint; the tender OCID is appended
	BaseURL string `yaml:"baseURL"`

	// MinIntervalMs is the minimum spacing between detail requests
	MinIntervalMs int `yaml:"minIntervalMs,omitempty"`

	// RetryAttempts is the number of attempts per detail fetch
	RetryAttempts int `yaml:"retryAttempts,omitempty"`

	// DelayMs is the default pause between records in a backfill pass
	DelayMs int `yaml:"delayMs,omitempty"`

	// RecheckAfter controls when a tender whose detail source reported
	// "no data" becomes selectable again (Go duration string)
	RecheckAfter string `yaml:"recheckAfter,omitempty"`

	// RequestTimeout is the per-request timeout (Go duration string)
	RequestTimeout string `yaml:"requestTimeout,omitempty"`
}

// JobsConfig defines job ledger behavior
type JobsConfig struct {
	// OverlapWindow is how recently a RUNNING job of the same type must
	// have started to reject a new trigger (Go duration string)
	OverlapWindow string `yaml:"overlapWindow,omitempty"`

	// StaleAfter is the age past which a RUNNING job with no finish time
	// is considered abandoned and reaped (Go duration string)
	StaleAfter string `yaml:"staleAfter,omitempty"`
}

// DatabaseConfig defines database connection settings
type DatabaseConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Database string `yaml:"database"`
	SSLMode  string `yaml:"sslMode,omitempty"`

	// PasswordFile is a path to a file containing the password; takes
	// priority over the PROTENDERS_DATABASE_PASSWORD environment variable
	PasswordFile string `yaml:"passwordFile,omitempty"`

	MaxConns int `yaml:"maxConns,omitempty"`
}

// GetPassword returns the database password using the following priority:
// 1. PasswordFile contents, 2. PROTENDERS_DATABASE_PASSWORD environment
// variable.
func (d *DatabaseConfig) GetPassword() (string, error) {
	if d.PasswordFile != "" {
		data, err := os.ReadFile(d.PasswordFile)
		if err != nil {
			return "", fmt.Errorf("failed to read password from file %s: %w", d.PasswordFile, err)
		}
		// Trim whitespace (including newlines) from file content
		return strings.TrimSpace(string(data)), nil
	}

	if envPassword := os.Getenv("PROTENDERS_DATABASE_PASSWORD"); envPassword != "" {
		return envPassword, nil
	}

	return "", fmt.Errorf(
		"no database password configured: set passwordFile or PROTENDERS_DATABASE_PASSWORD environment variable",
	)
}

// GetConnectionString builds a PostgreSQL connection string with proper
// password handling. The password is URL-escaped to handle special
// characters safely.
func (d *DatabaseConfig) GetConnectionString() (string, error) {
	password, err := d.GetPassword()
	if err != nil {
		return "", err
	}

	sslMode := d.SSLMode
	if sslMode == "" {
		sslMode = "require"
	}

	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		d.User,
		url.QueryEscape(password),
		d.Host,
		d.Port,
		d.Database,
		sslMode,
	), nil
}

// LoadConfig loads and parses configuration from a YAML file
func LoadConfig(opts ...Option) (*Config, error) {
	loaderCfg := &loaderConfig{}
	for _, opt := range opts {
		if err := opt(loaderCfg); err != nil {
			return nil, err
		}
	}

	if loaderCfg.path == "" {
		return nil, fmt.Errorf("path is required")
	}

	data, err := os.ReadFile(loaderCfg.path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse YAML config: %w", err)
	}

	config.applyDefaults()

	if err := config.validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &config, nil
}

// GetServiceName returns the service name, using "protenders" if not specified
func (c *Config) GetServiceName() string {
	if c.ServiceName == "" {
		return "protenders"
	}
	return c.ServiceName
}

func (c *Config) applyDefaults() {
	if c.Feed.PageSize == 0 {
		c.Feed.PageSize = defaultPageSize
	}
	if c.Feed.MaxPagesPerBatch == 0 {
		c.Feed.MaxPagesPerBatch = defaultMaxPagesPerBatch
	}
	if c.Enrichment.MinIntervalMs == 0 {
		c.Enrichment.MinIntervalMs = int(defaultMinInterval / time.Millisecond)
	}
	if c.Enrichment.RetryAttempts == 0 {
		c.Enrichment.RetryAttempts = defaultRetryAttempts
	}
	if c.Enrichment.DelayMs == 0 {
		c.Enrichment.DelayMs = int(defaultRecordDelay / time.Millisecond)
	}
}

func (c *Config) validate() error {
	if c == nil {
		return fmt.Errorf("config cannot be nil")
	}

	if err := validateEndpoint(c.Feed.BaseURL, "feed.baseURL"); err != nil {
		return err
	}
	if err := validateEndpoint(c.Enrichment.BaseURL, "enrichment.baseURL"); err != nil {
		return err
	}

	if c.Feed.PageSize < 1 || c.Feed.PageSize > 1000 {
		return fmt.Errorf("feed.pageSize must be between 1 and 1000, got %d", c.Feed.PageSize)
	}
	if c.Feed.MaxPagesPerBatch < 1 {
		return fmt.Errorf("feed.maxPagesPerBatch must be positive, got %d", c.Feed.MaxPagesPerBatch)
	}
	// Negative values survive applyDefaults (which only fills zeros) and
	// would wrap when converted to uint retry counts
	if c.Enrichment.RetryAttempts < 1 {
		return fmt.Errorf("enrichment.retryAttempts must be positive, got %d", c.Enrichment.RetryAttempts)
	}
	if c.Enrichment.MinIntervalMs < 0 {
		return fmt.Errorf("enrichment.minIntervalMs must not be negative, got %d", c.Enrichment.MinIntervalMs)
	}
	if c.Enrichment.DelayMs < 0 {
		return fmt.Errorf("enrichment.delayMs must not be negative, got %d", c.Enrichment.DelayMs)
	}

	for _, d := range []struct {
		field string
		value string
	}{
		{"feed.requestTimeout", c.Feed.RequestTimeout},
		{"feed.schedule", c.Feed.Schedule},
		{"enrichment.recheckAfter", c.Enrichment.RecheckAfter},
		{"enrichment.requestTimeout", c.Enrichment.RequestTimeout},
		{"jobs.overlapWindow", c.Jobs.OverlapWindow},
		{"jobs.staleAfter", c.Jobs.StaleAfter},
	} {
		if d.value == "" {
			continue
		}
		if _, err := time.ParseDuration(d.value); err != nil {
			return fmt.Errorf("%s: invalid duration %q", d.field, d.value)
		}
	}

	if c.Database != nil {
		if c.Database.Host == "" {
			return fmt.Errorf("database.host is required")
		}
		if c.Database.Port < 1 || c.Database.Port > 65535 {
			return fmt.Errorf("database.port must be between 1 and 65535, got %d", c.Database.Port)
		}
		if c.Database.User == "" {
			return fmt.Errorf("database.user is required")
		}
		if c.Database.Database == "" {
			return fmt.Errorf("database.database is required")
		}
	}

	return nil
}

func validateEndpoint(raw, field string) error {
	if raw == "" {
		return fmt.Errorf("%s is required", field)
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%s: invalid URL: %w", field, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("%s: URL scheme must be http or https, got %q", field, u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("%s: URL host is required", field)
	}
	return nil
}

// durationOr parses a Go duration string, falling back to def when the
// string is empty or invalid. Validation rejects invalid strings at load
// time, so the fallback only matters for zero-value configs in tests.
func durationOr(s string, def time.Duration) time.Duration {
	if s == "" {
		return def
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return def
	}
	return d
}

// GetOverlapWindow returns the configured job overlap window
func (c *Config) GetOverlapWindow() time.Duration {
	return durationOr(c.Jobs.OverlapWindow, defaultOverlapWindow)
}

// GetStaleAfter returns the configured stale job threshold
func (c *Config) GetStaleAfter() time.Duration {
	return durationOr(c.Jobs.StaleAfter, defaultStaleAfter)
}

// GetRecheckAfter returns how long a "no data" tender stays excluded from
// enrichment selection
func (c *Config) GetRecheckAfter() time.Duration {
	return durationOr(c.Enrichment.RecheckAfter, defaultRecheckAfter)
}

// GetMinInterval returns the minimum spacing between detail requests
func (c *Config) GetMinInterval() time.Duration {
	return time.Duration(c.Enrichment.MinIntervalMs) * time.Millisecond
}

// GetRecordDelay returns the default inter-record delay for backfill passes
func (c *Config) GetRecordDelay() time.Duration {
	return time.Duration(c.Enrichment.DelayMs) * time.Millisecond
}

// GetFeedTimeout returns the feed request timeout (0 means client default)
func (c *Config) GetFeedTimeout() time.Duration {
	return durationOr(c.Feed.RequestTimeout, 0)
}

// GetEnrichmentTimeout returns the detail request timeout (0 means client default)
func (c *Config) GetEnrichmentTimeout() time.Duration {
	return durationOr(c.Enrichment.RequestTimeout, 0)
}

// GetSyncSchedule returns the scheduled sync interval, or 0 when scheduled
// sync is disabled
func (c *Config) GetSyncSchedule() time.Duration {
	return durationOr(c.Feed.Schedule, 0)
}
