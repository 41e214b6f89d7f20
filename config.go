package ispdb

import (
	"fmt"
	"math"
	"os"
	"path/filepath"
	"time"

	"github.com/caarlos0/env/v9"
	"go.uber.org/zap"
)

// Config contains configuration options for a Reader. The exported fields
// can be populated from the environment with LoadConfig.
type Config struct {
	RefreshDays        int           `env:"ISPDB_REFRESH_DAYS" envDefault:"14"`
	CacheDir           string        `env:"ISPDB_CACHE_DIR"` // default: <os temp dir>/ispdb
	ASOrganizationsURL string        `env:"ISPDB_AS_ORG_URL" envDefault:"http://thyme.apnic.net/current/data-used-autnums"`
	PrefixASNURL       string        `env:"ISPDB_PREFIX_ASN_URL" envDefault:"http://thyme.apnic.net/current/data-raw-table"`
	FetchTimeout       time.Duration `env:"ISPDB_FETCH_TIMEOUT" envDefault:"2m"`
	KeepSnapshots      int           `env:"ISPDB_KEEP_SNAPSHOTS" envDefault:"2"` // 0 keeps every snapshot
	ServeStale         bool          `env:"ISPDB_SERVE_STALE" envDefault:"false"`

	logger  *zap.Logger
	fetcher Fetcher
	now     func() time.Time
}

// maxRefreshDays is the longest refresh interval a time.Duration can hold.
const maxRefreshDays = math.MaxInt64 / int64(24*time.Hour)

// Option is a functional option for configuring a Reader.
type Option func(*Config)

// defaultConfig returns the default configuration.
func defaultConfig() *Config {
	return &Config{
		RefreshDays:        14,
		ASOrganizationsURL: DefaultASOrganizationsURL,
		PrefixASNURL:       DefaultPrefixASNURL,
		FetchTimeout:       2 * time.Minute,
		KeepSnapshots:      2,
	}
}

// LoadConfig loads configuration from ISPDB_* environment variables.
func LoadConfig() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parsing ispdb config: %w", err)
	}
	return cfg, nil
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if c.RefreshDays <= 0 {
		return fmt.Errorf("refresh interval must be at least 1 day, got %d", c.RefreshDays)
	}
	if int64(c.RefreshDays) > maxRefreshDays {
		return fmt.Errorf("refresh interval must be at most %d days, got %d", maxRefreshDays, c.RefreshDays)
	}
	if c.ASOrganizationsURL == "" {
		return fmt.Errorf("AS organization dataset URL is required")
	}
	if c.PrefixASNURL == "" {
		return fmt.Errorf("prefix dataset URL is required")
	}
	if c.KeepSnapshots < 0 {
		return fmt.Errorf("snapshot retention must not be negative, got %d", c.KeepSnapshots)
	}
	if c.FetchTimeout < 0 {
		return fmt.Errorf("fetch timeout must not be negative, got %s", c.FetchTimeout)
	}
	return nil
}

// TTL returns the maximum age of the data before it must be refreshed.
// Only meaningful for a validated Config.
func (c *Config) TTL() time.Duration {
	return time.Duration(c.ttlSeconds()) * time.Second
}

func (c *Config) ttlSeconds() int64 {
	return int64(c.RefreshDays) * 24 * 60 * 60
}

// cacheDir returns the snapshot directory, falling back to a process-wide
// temp location.
func (c *Config) cacheDir() string {
	if c.CacheDir != "" {
		return c.CacheDir
	}
	return filepath.Join(os.TempDir(), "ispdb")
}

// WithConfig replaces every exported setting with the ones in cfg.
// Logger, fetcher and clock set by other options are kept.
func WithConfig(cfg Config) Option {
	return func(c *Config) {
		c.RefreshDays = cfg.RefreshDays
		c.CacheDir = cfg.CacheDir
		c.ASOrganizationsURL = cfg.ASOrganizationsURL
		c.PrefixASNURL = cfg.PrefixASNURL
		c.FetchTimeout = cfg.FetchTimeout
		c.KeepSnapshots = cfg.KeepSnapshots
		c.ServeStale = cfg.ServeStale
	}
}

// WithRefreshDays sets how many days fetched data stays fresh.
func WithRefreshDays(days int) Option {
	return func(c *Config) {
		c.RefreshDays = days
	}
}

// WithCacheDir sets the directory for snapshot files.
func WithCacheDir(dir string) Option {
	return func(c *Config) {
		c.CacheDir = dir
	}
}

// WithURLs overrides the dataset download locations.
func WithURLs(asOrganizations, prefixASN string) Option {
	return func(c *Config) {
		c.ASOrganizationsURL = asOrganizations
		c.PrefixASNURL = prefixASN
	}
}

// WithFetchTimeout bounds each dataset download. Ignored when WithFetcher
// is used.
func WithFetchTimeout(d time.Duration) Option {
	return func(c *Config) {
		c.FetchTimeout = d
	}
}

// WithKeepSnapshots sets how many snapshot pairs are kept on disk.
// Zero keeps all of them.
func WithKeepSnapshots(n int) Option {
	return func(c *Config) {
		c.KeepSnapshots = n
	}
}

// WithServeStale makes lookups answer from the previous index, with a
// logged warning, when a refresh fails. By default the lookup fails.
func WithServeStale(enabled bool) Option {
	return func(c *Config) {
		c.ServeStale = enabled
	}
}

// WithLogger sets the logger. The default discards everything.
func WithLogger(l *zap.Logger) Option {
	return func(c *Config) {
		c.logger = l
	}
}

// WithFetcher replaces the HTTP transport used to download datasets.
func WithFetcher(f Fetcher) Option {
	return func(c *Config) {
		c.fetcher = f
	}
}

// WithClock replaces time.Now for staleness checks and snapshot timestamps.
func WithClock(now func() time.Time) Option {
	return func(c *Config) {
		c.now = now
	}
}
