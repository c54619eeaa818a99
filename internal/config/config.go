// Package config loads the uploadguard server configuration.
//
// Values come from built-in defaults, then an optional YAML file, then the
// environment (a .env file is loaded first when present). The result is
// validated eagerly so misconfiguration fails at startup.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Categories used by the server routes.
const (
	CategoryUploads = "uploads-per-minute"
	CategoryReads   = "reads-per-minute"
)

// ErrInvalid is returned when the loaded configuration fails validation.
var ErrInvalid = errors.New("config: invalid configuration")

// Limit is one named rate limit category.
type Limit struct {
	Category      string `yaml:"category" validate:"required,excludes=:"`
	Limit         int64  `yaml:"limit" validate:"gte=0"`
	WindowSeconds int    `yaml:"window_seconds" validate:"gt=0"`
}

// Window returns the limit window as a duration.
func (l Limit) Window() time.Duration {
	return time.Duration(l.WindowSeconds) * time.Second
}

// Quota holds the upload quota settings.
type Quota struct {
	DailyMB        int64  `yaml:"daily_mb" validate:"gt=0"`
	MonthlyMB      int64  `yaml:"monthly_mb" validate:"gt=0,gtefield=DailyMB"`
	MaxUploadBytes int64  `yaml:"max_upload_bytes" validate:"gte=0"`
	Timezone       string `yaml:"timezone" validate:"required,timezone"`
}

// Store holds the counter store settings.
type Store struct {
	Backend          string        `yaml:"backend" validate:"oneof=memory redis"`
	RedisAddr        string        `yaml:"redis_addr" validate:"required_if=Backend redis"`
	RedisPassword    string        `yaml:"-"`
	RedisDB          int           `yaml:"redis_db" validate:"gte=0"`
	RedisPrefix      string        `yaml:"redis_prefix"`
	OperationTimeout time.Duration `yaml:"operation_timeout" validate:"gt=0"`
	SweepInterval    time.Duration `yaml:"sweep_interval" validate:"gt=0"`

	// Socket timeouts of the Redis client. Zero keeps the client default.
	RedisDialTimeout  time.Duration `yaml:"redis_dial_timeout" validate:"gte=0"`
	RedisReadTimeout  time.Duration `yaml:"redis_read_timeout" validate:"gte=0"`
	RedisWriteTimeout time.Duration `yaml:"redis_write_timeout" validate:"gte=0"`
}

// Config is the complete server configuration.
type Config struct {
	Addr            string        `yaml:"addr" validate:"required"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" validate:"gt=0"`
	LogLevel        string        `yaml:"log_level" validate:"oneof=debug info warn error"`
	LogFormat       string        `yaml:"log_format" validate:"oneof=json console"`

	IdentityHeader string `yaml:"identity_header" validate:"required"`
	TrustProxy     bool   `yaml:"trust_proxy"`
	AdminAPIKey    string `yaml:"-"`

	Store  Store   `yaml:"store"`
	Quota  Quota   `yaml:"quota"`
	Limits []Limit `yaml:"limits" validate:"dive"`
}

// Options selects the files Load reads. Empty paths are skipped; a missing
// EnvFile is not an error, a missing ConfigFile is.
type Options struct {
	EnvFile    string
	ConfigFile string
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Addr:            ":8080",
		ShutdownTimeout: 15 * time.Second,
		LogLevel:        "info",
		LogFormat:       "json",
		IdentityHeader:  "X-User-ID",
		Store: Store{
			Backend:           "memory",
			RedisPrefix:       "uploadguard:",
			OperationTimeout:  250 * time.Millisecond,
			SweepInterval:     time.Minute,
			RedisDialTimeout:  time.Second,
			RedisReadTimeout:  time.Second,
			RedisWriteTimeout: time.Second,
		},
		Quota: Quota{
			DailyMB:        1024,
			MonthlyMB:      10240,
			MaxUploadBytes: 100 << 20,
			Timezone:       "UTC",
		},
		Limits: []Limit{
			{Category: CategoryUploads, Limit: 10, WindowSeconds: 60},
			{Category: CategoryReads, Limit: 120, WindowSeconds: 60},
		},
	}
}

// Load builds the configuration from defaults, opts.ConfigFile and the environment.
func Load(opts Options) (*Config, error) {
	if opts.EnvFile != "" {
		if err := godotenv.Load(opts.EnvFile); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("load env file %s: %w", opts.EnvFile, err)
		}
	}

	cfg := Default()

	if opts.ConfigFile != "" {
		if err := cfg.loadFile(opts.ConfigFile); err != nil {
			return nil, err
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}

	// Categories in the file are merged into the defaults by name.
	defaults := c.Limits
	c.Limits = nil
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	c.Limits = mergeLimits(defaults, c.Limits)
	return nil
}

func mergeLimits(base, override []Limit) []Limit {
	out := append([]Limit(nil), base...)
	for _, o := range override {
		replaced := false
		for i := range out {
			if out[i].Category == o.Category {
				out[i] = o
				replaced = true
				break
			}
		}
		if !replaced {
			out = append(out, o)
		}
	}
	return out
}

func (c *Config) applyEnv() error {
	var errs []error

	c.Addr = getString("ADDR", c.Addr)
	c.ShutdownTimeout = getDuration("SHUTDOWN_TIMEOUT", c.ShutdownTimeout, &errs)
	c.LogLevel = strings.ToLower(getString("LOG_LEVEL", c.LogLevel))
	c.LogFormat = strings.ToLower(getString("LOG_FORMAT", c.LogFormat))

	c.IdentityHeader = getString("IDENTITY_HEADER", c.IdentityHeader)
	c.TrustProxy = getBool("TRUST_PROXY", c.TrustProxy, &errs)
	c.AdminAPIKey = getString("ADMIN_API_KEY", c.AdminAPIKey)

	c.Store.Backend = strings.ToLower(getString("STORE_BACKEND", c.Store.Backend))
	c.Store.RedisAddr = getString("REDIS_ADDR", c.Store.RedisAddr)
	c.Store.RedisPassword = getString("REDIS_PASSWORD", c.Store.RedisPassword)
	c.Store.RedisDB = int(getInt64("REDIS_DB", int64(c.Store.RedisDB), &errs))
	c.Store.RedisPrefix = getString("REDIS_PREFIX", c.Store.RedisPrefix)
	c.Store.OperationTimeout = getDuration("STORE_OPERATION_TIMEOUT", c.Store.OperationTimeout, &errs)
	c.Store.SweepInterval = getDuration("STORE_SWEEP_INTERVAL", c.Store.SweepInterval, &errs)
	c.Store.RedisDialTimeout = getDuration("REDIS_DIAL_TIMEOUT", c.Store.RedisDialTimeout, &errs)
	c.Store.RedisReadTimeout = getDuration("REDIS_READ_TIMEOUT", c.Store.RedisReadTimeout, &errs)
	c.Store.RedisWriteTimeout = getDuration("REDIS_WRITE_TIMEOUT", c.Store.RedisWriteTimeout, &errs)

	c.Quota.DailyMB = getInt64("QUOTA_DAILY_MB", c.Quota.DailyMB, &errs)
	c.Quota.MonthlyMB = getInt64("QUOTA_MONTHLY_MB", c.Quota.MonthlyMB, &errs)
	c.Quota.MaxUploadBytes = getInt64("QUOTA_MAX_UPLOAD_BYTES", c.Quota.MaxUploadBytes, &errs)
	c.Quota.Timezone = getString("QUOTA_TIMEZONE", c.Quota.Timezone)

	for i := range c.Limits {
		prefix := "RATE_LIMIT_" + envName(c.Limits[i].Category)
		c.Limits[i].Limit = getInt64(prefix+"_LIMIT", c.Limits[i].Limit, &errs)
		c.Limits[i].WindowSeconds = int(getInt64(prefix+"_WINDOW_SECONDS", int64(c.Limits[i].WindowSeconds), &errs))
	}

	return errors.Join(errs...)
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	v := validator.New(validator.WithRequiredStructEnabled())
	if err := v.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, len(verrs))
			for i, e := range verrs {
				msgs[i] = fmt.Sprintf("%s failed %q", e.Namespace(), e.Tag())
			}
			return fmt.Errorf("%w: %s", ErrInvalid, strings.Join(msgs, "; "))
		}
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}

	seen := make(map[string]bool, len(c.Limits))
	for _, l := range c.Limits {
		if seen[l.Category] {
			return fmt.Errorf("%w: duplicate limit category %q", ErrInvalid, l.Category)
		}
		seen[l.Category] = true
	}
	return nil
}

// Limit returns the limit configured for category.
func (c *Config) Limit(category string) (Limit, bool) {
	for _, l := range c.Limits {
		if l.Category == category {
			return l, true
		}
	}
	return Limit{}, false
}

// Location returns the quota time zone.
func (c *Config) Location() (*time.Location, error) {
	return time.LoadLocation(c.Quota.Timezone)
}

// envName maps "uploads-per-minute" to "UPLOADS_PER_MINUTE".
func envName(category string) string {
	return strings.ToUpper(strings.NewReplacer("-", "_", ".", "_").Replace(category))
}

func getString(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func getInt64(key string, def int64, errs *[]error) int64 {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("%s: %w", key, err))
		return def
	}
	return n
}

func getBool(key string, def bool, errs *[]error) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("%s: %w", key, err))
		return def
	}
	return b
}

func getDuration(key string, def time.Duration, errs *[]error) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("%s: %w", key, err))
		return def
	}
	return d
}
