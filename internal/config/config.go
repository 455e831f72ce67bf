package config

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/hatemosphere/pkgdepot/internal/gc"
)

// Store backends.
const (
	StoreSQLite = "sqlite"
	StoreMemory = "memory"
	StoreRedis  = "redis"
)

// Config holds all server configuration.
type Config struct {
	Addr string // listen address, e.g. ":8080"

	// Nonce store.
	Store             string // sqlite, memory or redis
	DBPath            string // SQLite database file
	CompressThreshold int    // gzip nonce data above this many bytes (-1 = never)
	RedisAddr         string
	RedisPassword     string
	RedisDB           int
	RedisRetention    time.Duration // how long past expiry Redis keeps a key

	// Nonce argument handling: reject bad expiry/data instead of defaulting.
	StrictArgs bool

	// Signed requests.
	CredentialsPath     string // credentials.yaml
	CredentialCacheSize int
	CredentialCacheTTL  time.Duration
	MaxSkew             time.Duration // replay window

	// Expired nonce sweeps. Schedule wins over Interval.
	GCInterval time.Duration
	GCSchedule string
	GCTimeout  time.Duration

	// Logging.
	LogFormat string // "json" (default) or "text"
	AuditLogs bool
}

// Parse reads flags from the command line with PKGDEPOT_* env overrides and
// exits on invalid input.
func Parse() *Config {
	c, err := Load(flag.CommandLine, os.Args[1:], os.Getenv)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(2)
	}
	return c
}

// Load registers flags on fs, parses args, applies env overrides from getenv
// and validates the result.
func Load(fs *flag.FlagSet, args []string, getenv func(string) string) (*Config, error) {
	c := &Config{}
	fs.StringVar(&c.Addr, "addr", ":8080", "listen address")

	fs.StringVar(&c.Store, "store", StoreSQLite, "nonce store: sqlite, memory or redis")
	fs.StringVar(&c.DBPath, "db", "pkgdepot.db", "SQLite database path")
	fs.IntVar(&c.CompressThreshold, "compress-threshold", 4096, "gzip nonce data larger than this many bytes (-1 = never)")
	fs.StringVar(&c.RedisAddr, "redis-addr", "localhost:6379", "Redis address")
	fs.StringVar(&c.RedisPassword, "redis-password", "", "Redis password")
	fs.IntVar(&c.RedisDB, "redis-db", 0, "Redis database number")
	fs.DurationVar(&c.RedisRetention, "redis-retention", 24*time.Hour, "how long Redis keeps a key past its expiry")

	fs.BoolVar(&c.StrictArgs, "strict-args", false, "reject negative expiry and non-JSON nonce data instead of defaulting")

	fs.StringVar(&c.CredentialsPath, "credentials", "credentials.yaml", "API key credentials file")
	fs.IntVar(&c.CredentialCacheSize, "credential-cache-size", 1024, "LRU cache size for resolved API key secrets")
	fs.DurationVar(&c.CredentialCacheTTL, "credential-cache-ttl", 5*time.Minute, "API key secret cache TTL")
	fs.DurationVar(&c.MaxSkew, "max-skew", 5*time.Minute, "max clock skew accepted on signed requests")

	fs.DurationVar(&c.GCInterval, "gc-interval", 10*time.Minute, "expired nonce sweep interval (0 = disabled)")
	fs.StringVar(&c.GCSchedule, "gc-schedule", "", "cron schedule for expired nonce sweeps (overrides -gc-interval)")
	fs.DurationVar(&c.GCTimeout, "gc-timeout", time.Minute, "timeout for a single sweep")

	fs.StringVar(&c.LogFormat, "log-format", "json", "log format: json or text")
	fs.BoolVar(&c.AuditLogs, "audit-logs", true, "enable structured audit logging")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	// Allow env overrides.
	str := func(name string, dst *string) {
		if v := getenv(name); v != "" {
			*dst = v
		}
	}
	var errs []error
	num := func(name string, dst *int) {
		if v := getenv(name); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", name, err))
				return
			}
			*dst = n
		}
	}
	dur := func(name string, dst *time.Duration) {
		if v := getenv(name); v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", name, err))
				return
			}
			*dst = d
		}
	}
	boolean := func(name string, dst *bool) {
		if v := getenv(name); v != "" {
			b, err := strconv.ParseBool(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", name, err))
				return
			}
			*dst = b
		}
	}

	str("PKGDEPOT_ADDR", &c.Addr)
	str("PKGDEPOT_STORE", &c.Store)
	str("PKGDEPOT_DB", &c.DBPath)
	num("PKGDEPOT_COMPRESS_THRESHOLD", &c.CompressThreshold)
	str("PKGDEPOT_REDIS_ADDR", &c.RedisAddr)
	str("PKGDEPOT_REDIS_PASSWORD", &c.RedisPassword)
	num("PKGDEPOT_REDIS_DB", &c.RedisDB)
	dur("PKGDEPOT_REDIS_RETENTION", &c.RedisRetention)
	boolean("PKGDEPOT_STRICT_ARGS", &c.StrictArgs)
	str("PKGDEPOT_CREDENTIALS", &c.CredentialsPath)
	num("PKGDEPOT_CREDENTIAL_CACHE_SIZE", &c.CredentialCacheSize)
	dur("PKGDEPOT_CREDENTIAL_CACHE_TTL", &c.CredentialCacheTTL)
	dur("PKGDEPOT_MAX_SKEW", &c.MaxSkew)
	dur("PKGDEPOT_GC_INTERVAL", &c.GCInterval)
	str("PKGDEPOT_GC_SCHEDULE", &c.GCSchedule)
	dur("PKGDEPOT_GC_TIMEOUT", &c.GCTimeout)
	str("PKGDEPOT_LOG_FORMAT", &c.LogFormat)
	boolean("PKGDEPOT_AUDIT_LOGS", &c.AuditLogs)

	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// Validate reports invalid settings and combinations.
func (c *Config) Validate() error {
	var errs []error
	switch c.Store {
	case StoreSQLite:
		if c.DBPath == "" {
			errs = append(errs, errors.New("-db is required for the sqlite store"))
		}
	case StoreRedis:
		if c.RedisAddr == "" {
			errs = append(errs, errors.New("-redis-addr is required for the redis store"))
		}
		if c.RedisRetention < 0 {
			errs = append(errs, errors.New("-redis-retention must not be negative"))
		}
	case StoreMemory:
	default:
		errs = append(errs, fmt.Errorf("unknown store %q (want sqlite, memory or redis)", c.Store))
	}
	if c.CompressThreshold < -1 {
		errs = append(errs, errors.New("-compress-threshold must be -1 or greater"))
	}
	if c.CredentialsPath == "" {
		errs = append(errs, errors.New("-credentials is required"))
	}
	if c.CredentialCacheSize < 0 {
		errs = append(errs, errors.New("-credential-cache-size must not be negative"))
	}
	if c.MaxSkew < 0 {
		errs = append(errs, errors.New("-max-skew must not be negative"))
	}
	if c.GCInterval < 0 {
		errs = append(errs, errors.New("-gc-interval must not be negative"))
	}
	if c.GCSchedule != "" {
		if _, err := gc.ParseSchedule(c.GCSchedule); err != nil {
			errs = append(errs, err)
		}
	}
	if c.LogFormat != "json" && c.LogFormat != "text" {
		errs = append(errs, fmt.Errorf("unknown log format %q (want json or text)", c.LogFormat))
	}
	return errors.Join(errs...)
}

// MaxSkewSeconds is the replay window in whole seconds.
func (c *Config) MaxSkewSeconds() int64 {
	return int64(c.MaxSkew / time.Second)
}
