// Package config loads server configuration. Precedence is environment
// variables over an optional YAML file (path in OPENLRS_CONFIG) over
// built-in defaults, so containers can override single knobs without
// templating the file.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration accepts time.ParseDuration strings ("90s", "5m") in YAML and
// environment values.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	dur, err := time.ParseDuration(node.Value)
	if err != nil {
		return fmt.Errorf("bad duration %q: %w", node.Value, err)
	}
	*d = Duration(dur)
	return nil
}

// Std converts to the standard library type.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Blob selects the attachment binary backend: fs, s3, or gcs.
type Blob struct {
	Backend    string `yaml:"backend"`
	Dir        string `yaml:"dir"`
	S3Bucket   string `yaml:"s3_bucket"`
	S3Region   string `yaml:"s3_region"`
	S3Endpoint string `yaml:"s3_endpoint"`
	S3Prefix   string `yaml:"s3_prefix"`
	GCSBucket  string `yaml:"gcs_bucket"`
	GCSPrefix  string `yaml:"gcs_prefix"`
}

// RateLimit tunes per-client throttling; zero RPS disables it.
type RateLimit struct {
	RPS           float64 `yaml:"rps"`
	Burst         int     `yaml:"burst"`
	RedisAddr     string  `yaml:"redis_addr"`
	RedisPassword string  `yaml:"redis_password"`
	RedisDB       int     `yaml:"redis_db"`
}

// Auth selects authenticated or legacy (open) operation.
type Auth struct {
	Enabled bool `yaml:"enabled"`
	// Authority is the JSON agent stamped on statements in legacy mode.
	Authority string   `yaml:"authority"`
	CacheSize int      `yaml:"cache_size"`
	CacheTTL  Duration `yaml:"cache_ttl"`
}

// Config is the full server configuration.
type Config struct {
	Addr     string `yaml:"addr"`
	BasePath string `yaml:"base_path"`
	// BaseURL is the externally visible URL of the xAPI root; it becomes
	// the authority account homePage.
	BaseURL string `yaml:"base_url"`

	// DatabaseURL: postgres:// selects PostgreSQL, anything else is a
	// SQLite path (optionally prefixed sqlite://).
	DatabaseURL string   `yaml:"database_url"`
	PoolMaxOpen int      `yaml:"pool_max_open"`
	PoolMaxIdle int      `yaml:"pool_max_idle"`
	DBTimeout   Duration `yaml:"db_timeout"`

	MaxBodyBytes int64 `yaml:"max_body_bytes"`
	MaxPartBytes int64 `yaml:"max_part_bytes"`
	PageSize     int   `yaml:"page_size"`
	MaxPageSize  int   `yaml:"max_page_size"`

	Blob        Blob     `yaml:"blob"`
	SpoolDir    string   `yaml:"spool_dir"`
	SpoolMaxAge Duration `yaml:"spool_max_age"`

	RateLimit RateLimit `yaml:"rate_limit"`
	Auth      Auth      `yaml:"auth"`

	CORSOrigins []string `yaml:"cors_origins"`

	OTLPEndpoint string `yaml:"otlp_endpoint"`
	OTLPInsecure bool   `yaml:"otlp_insecure"`

	LogLevel string `yaml:"log_level"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Addr:         ":8080",
		BasePath:     "/xapi",
		BaseURL:      "http://localhost:8080/xapi",
		DatabaseURL:  "openlrs.db",
		PoolMaxOpen:  16,
		PoolMaxIdle:  4,
		DBTimeout:    Duration(10 * time.Second),
		MaxBodyBytes: 8 << 20,
		MaxPartBytes: 64 << 20,
		PageSize:     50,
		MaxPageSize:  500,
		Blob:         Blob{Backend: "fs", Dir: "data/blobs"},
		SpoolDir:     os.TempDir(),
		SpoolMaxAge:  Duration(time.Hour),
		RateLimit:    RateLimit{RPS: 0, Burst: 0},
		Auth:         Auth{Enabled: true, CacheSize: 1024, CacheTTL: Duration(5 * time.Minute)},
		LogLevel:     "info",
	}
}

// Load resolves the configuration: defaults, then the YAML file named by
// OPENLRS_CONFIG (when set), then environment overrides.
func Load() (*Config, error) {
	cfg := Default()

	if path := os.Getenv("OPENLRS_CONFIG"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	cfg.normalize()
	return cfg, nil
}

func (c *Config) applyEnv() error {
	envStr(&c.Addr, "OPENLRS_ADDR")
	envStr(&c.BasePath, "OPENLRS_BASE_PATH")
	envStr(&c.BaseURL, "OPENLRS_BASE_URL")
	envStr(&c.DatabaseURL, "OPENLRS_DATABASE_URL")
	envStr(&c.Blob.Backend, "OPENLRS_BLOB_BACKEND")
	envStr(&c.Blob.Dir, "OPENLRS_BLOB_DIR")
	envStr(&c.Blob.S3Bucket, "OPENLRS_S3_BUCKET")
	envStr(&c.Blob.S3Region, "OPENLRS_S3_REGION")
	envStr(&c.Blob.S3Endpoint, "OPENLRS_S3_ENDPOINT")
	envStr(&c.Blob.S3Prefix, "OPENLRS_S3_PREFIX")
	envStr(&c.Blob.GCSBucket, "OPENLRS_GCS_BUCKET")
	envStr(&c.Blob.GCSPrefix, "OPENLRS_GCS_PREFIX")
	envStr(&c.SpoolDir, "OPENLRS_SPOOL_DIR")
	envStr(&c.RateLimit.RedisAddr, "OPENLRS_REDIS_ADDR")
	envStr(&c.RateLimit.RedisPassword, "OPENLRS_REDIS_PASSWORD")
	envStr(&c.Auth.Authority, "OPENLRS_AUTHORITY")
	envStr(&c.OTLPEndpoint, "OPENLRS_OTLP_ENDPOINT")
	envStr(&c.LogLevel, "OPENLRS_LOG_LEVEL")

	var err error
	err = firstErr(err, envInt(&c.PoolMaxOpen, "OPENLRS_POOL_MAX_OPEN"))
	err = firstErr(err, envInt(&c.PoolMaxIdle, "OPENLRS_POOL_MAX_IDLE"))
	err = firstErr(err, envInt(&c.PageSize, "OPENLRS_PAGE_SIZE"))
	err = firstErr(err, envInt(&c.MaxPageSize, "OPENLRS_MAX_PAGE_SIZE"))
	err = firstErr(err, envInt(&c.RateLimit.Burst, "OPENLRS_RATE_BURST"))
	err = firstErr(err, envInt(&c.RateLimit.RedisDB, "OPENLRS_REDIS_DB"))
	err = firstErr(err, envInt(&c.Auth.CacheSize, "OPENLRS_AUTH_CACHE_SIZE"))
	err = firstErr(err, envInt64(&c.MaxBodyBytes, "OPENLRS_MAX_BODY_BYTES"))
	err = firstErr(err, envInt64(&c.MaxPartBytes, "OPENLRS_MAX_PART_BYTES"))
	err = firstErr(err, envFloat(&c.RateLimit.RPS, "OPENLRS_RATE_RPS"))
	err = firstErr(err, envBool(&c.Auth.Enabled, "OPENLRS_AUTH_ENABLED"))
	err = firstErr(err, envBool(&c.OTLPInsecure, "OPENLRS_OTLP_INSECURE"))
	err = firstErr(err, envDur(&c.DBTimeout, "OPENLRS_DB_TIMEOUT"))
	err = firstErr(err, envDur(&c.SpoolMaxAge, "OPENLRS_SPOOL_MAX_AGE"))
	err = firstErr(err, envDur(&c.Auth.CacheTTL, "OPENLRS_AUTH_CACHE_TTL"))
	if err != nil {
		return err
	}

	if v := os.Getenv("OPENLRS_CORS_ORIGINS"); v != "" {
		parts := strings.Split(v, ",")
		origins := make([]string, 0, len(parts))
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				origins = append(origins, p)
			}
		}
		c.CORSOrigins = origins
	}
	return nil
}

// normalize fixes shapes that are annoying to get exactly right by hand.
func (c *Config) normalize() {
	if c.BasePath == "" || c.BasePath == "/" {
		c.BasePath = "/xapi"
	}
	if !strings.HasPrefix(c.BasePath, "/") {
		c.BasePath = "/" + c.BasePath
	}
	c.BasePath = strings.TrimSuffix(c.BasePath, "/")
	c.BaseURL = strings.TrimSuffix(c.BaseURL, "/")
	if c.PageSize > c.MaxPageSize {
		c.PageSize = c.MaxPageSize
	}
}

// SlogLevel maps the configured level name; unknown names mean info.
func (c *Config) SlogLevel() slog.Level {
	switch strings.ToLower(c.LogLevel) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Logger builds the process logger: JSON to stdout at the configured
// level.
func (c *Config) Logger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: c.SlogLevel()}))
}

func envStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func envInt(dst *int, key string) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*dst = n
	return nil
}

func envInt64(dst *int64, key string) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*dst = n
	return nil
}

func envFloat(dst *float64, key string) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*dst = f
	return nil
}

func envBool(dst *bool, key string) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*dst = b
	return nil
}

func envDur(dst *Duration, key string) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*dst = Duration(d)
	return nil
}

func firstErr(a, b error) error {
	if a != nil {
		return a
	}
	return b
}
