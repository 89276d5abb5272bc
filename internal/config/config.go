// Package config loads gateway configuration from the environment, optionally
// seeded from a .env file.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Storage drivers.
const (
	StorageMinio = "minio"
	StorageS3    = "s3"
)

// Ledger drivers.
const (
	LedgerNone     = "none"
	LedgerSQLite   = "sqlite"
	LedgerPostgres = "postgres"
)

// Config holds all runtime configuration for the gateway.
type Config struct {
	// Object store
	StorageDriver string
	Endpoint      string
	PublicURL     string // no trailing slash
	AccessKey     string
	SecretKey     string
	Region        string
	Bucket        string
	SkipTLSVerify bool

	// HTTP
	Port               string
	MaxUploadBytes     int64
	PresignPutTTL      time.Duration
	PresignGetTTL      time.Duration
	RateLimitPerMinute int
	CORSAllowedOrigins []string

	// Ledger
	LedgerDriver string
	LedgerDSN    string

	// Reconciler
	ReconcileInterval      time.Duration
	ReconcileGrace         time.Duration
	ReconcileDeleteOrphans bool

	// Logging
	LogLevel  string
	LogFormat string
	AppEnv    string
}

// Load reads a .env file if present, then the environment, and validates the
// result. The returned error lists every problem found.
func Load() (*Config, error) {
	_ = godotenv.Load()
	return FromEnv()
}

// FromEnv builds a Config from the current environment only.
func FromEnv() (*Config, error) {
	v := NewValidator()
	e := env{v: v}

	endpoint := strings.TrimSpace(os.Getenv("S3_ENDPOINT_URL"))
	cfg := &Config{
		StorageDriver: strings.ToLower(getEnv("STORAGE_DRIVER", StorageMinio)),
		Endpoint:      endpoint,
		PublicURL:     strings.TrimRight(getEnv("PUBLIC_S3_URL", endpoint), "/"),
		AccessKey:     os.Getenv("AWS_ACCESS_KEY_ID"),
		SecretKey:     os.Getenv("AWS_SECRET_ACCESS_KEY"),
		Region:        getEnv("AWS_REGION", "us-east-1"),
		Bucket:        getEnv("S3_BUCKET_NAME", "uploads"),
		SkipTLSVerify: e.getBool("S3_SKIP_TLS_VERIFY", false),

		Port:               getEnv("PORT", getEnv("FLASK_PORT", "5000")),
		MaxUploadBytes:     e.getInt64("MAX_UPLOAD_BYTES", 0),
		PresignPutTTL:      e.getDuration("PRESIGN_PUT_TTL", 15*time.Minute),
		PresignGetTTL:      e.getDuration("PRESIGN_GET_TTL", 5*time.Minute),
		RateLimitPerMinute: int(e.getInt64("RATE_LIMIT_PER_MINUTE", 0)),
		CORSAllowedOrigins: getCSV("CORS_ALLOWED_ORIGINS", []string{"*"}),

		LedgerDriver: strings.ToLower(getEnv("LEDGER_DRIVER", LedgerNone)),

		ReconcileInterval:      e.getDuration("RECONCILE_INTERVAL", 0),
		ReconcileGrace:         e.getDuration("RECONCILE_GRACE", time.Hour),
		ReconcileDeleteOrphans: e.getBool("RECONCILE_DELETE_ORPHANS", false),

		LogLevel:  strings.ToLower(getEnv("LOG_LEVEL", "info")),
		LogFormat: strings.ToLower(getEnv("LOG_FORMAT", "text")),
		AppEnv:    getEnv("APP_ENV", "development"),
	}

	switch cfg.LedgerDriver {
	case LedgerSQLite:
		cfg.LedgerDSN = getEnv("LEDGER_DSN", "files.db")
	case LedgerPostgres:
		cfg.LedgerDSN = getEnv("LEDGER_DSN", os.Getenv("DATABASE_URL"))
	}

	cfg.validate(v)
	if err := v.Err(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate(v *Validator) {
	v.Required("S3_ENDPOINT_URL", c.Endpoint)
	v.Endpoint("S3_ENDPOINT_URL", c.Endpoint)
	// A defaulted public URL is the endpoint itself, already checked above.
	if c.PublicURL != strings.TrimRight(c.Endpoint, "/") {
		v.URL("PUBLIC_S3_URL", c.PublicURL)
	}
	v.Required("AWS_ACCESS_KEY_ID", c.AccessKey)
	v.Required("AWS_SECRET_ACCESS_KEY", c.SecretKey)
	v.Required("AWS_REGION", c.Region)
	v.Required("S3_BUCKET_NAME", c.Bucket)
	v.Enum("STORAGE_DRIVER", c.StorageDriver, []string{StorageMinio, StorageS3})

	v.Port("PORT", c.Port)
	v.NonNegative("MAX_UPLOAD_BYTES", c.MaxUploadBytes)
	if c.PresignPutTTL <= 0 {
		v.AddError("PRESIGN_PUT_TTL", "must be positive")
	}
	if c.PresignGetTTL <= 0 {
		v.AddError("PRESIGN_GET_TTL", "must be positive")
	}
	v.NonNegative("RATE_LIMIT_PER_MINUTE", int64(c.RateLimitPerMinute))

	v.Enum("LEDGER_DRIVER", c.LedgerDriver, []string{LedgerNone, LedgerSQLite, LedgerPostgres})
	if c.LedgerDriver == LedgerSQLite || c.LedgerDriver == LedgerPostgres {
		v.Required("LEDGER_DSN", c.LedgerDSN)
	}

	v.NonNegative("RECONCILE_INTERVAL", int64(c.ReconcileInterval))
	v.NonNegative("RECONCILE_GRACE", int64(c.ReconcileGrace))

	v.Enum("LOG_LEVEL", c.LogLevel, []string{"debug", "info", "warn", "error"})
	v.Enum("LOG_FORMAT", c.LogFormat, []string{"text", "json"})
}

// LedgerEnabled reports whether the ledger-backed variant is configured.
func (c *Config) LedgerEnabled() bool {
	return c.LedgerDriver != "" && c.LedgerDriver != LedgerNone
}

// IsProduction returns true when the app is running in production mode.
func (c *Config) IsProduction() bool {
	return c.AppEnv == "production"
}

// Addr is the listen address for the HTTP server.
func (c *Config) Addr() string {
	return ":" + strings.TrimPrefix(c.Port, ":")
}

func getEnv(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func getCSV(key string, fallback []string) []string {
	raw := os.Getenv(key)
	if strings.TrimSpace(raw) == "" {
		return fallback
	}
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return fallback
	}
	return out
}

// env parses typed values and records malformed ones on the validator.
type env struct {
	v *Validator
}

func (e env) getInt64(key string, fallback int64) int64 {
	raw := getEnv(key, "")
	if raw == "" {
		return fallback
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		e.v.AddError(key, "must be a valid integer")
		return fallback
	}
	return n
}

func (e env) getBool(key string, fallback bool) bool {
	raw := getEnv(key, "")
	if raw == "" {
		return fallback
	}
	b, err := strconv.ParseBool(raw)
	if err != nil {
		e.v.AddError(key, "must be true or false")
		return fallback
	}
	return b
}

// getDuration accepts Go durations ("15m") or a bare number of seconds.
func (e env) getDuration(key string, fallback time.Duration) time.Duration {
	raw := getEnv(key, "")
	if raw == "" {
		return fallback
	}
	if secs, err := strconv.Atoi(raw); err == nil {
		return time.Duration(secs) * time.Second
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		e.v.AddError(key, "must be a valid duration (e.g. 15m, 900)")
		return fallback
	}
	return d
}
