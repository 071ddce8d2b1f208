// Package config loads the bridge's runtime settings from environment
// variables. Load validates everything up front so a misconfigured process
// refuses to start instead of failing mid-request.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"
)

// ErrInvalid wraps every configuration failure so main can map it to the
// configuration exit code.
var ErrInvalid = errors.New("config: invalid")

// Config holds server configuration.
type Config struct {
	Port     string
	LogLevel string

	// Policy and data locations.
	PolicyFile string
	AuditDir   string
	EventDir   string
	MemoryDB   string

	// DatabaseURL switches the execution history store to Postgres when set.
	DatabaseURL string
	// RedisAddr switches the idempotency cache to Redis when set.
	RedisAddr string

	// Signing.
	SignerBackend string
	KMSEndpoint   string
	KMSKeyID      string

	// Verification.
	TrustedKeys   string
	ClockSkew     time.Duration
	PlanTTLLow    time.Duration
	PlanTTLMedium time.Duration
	PlanTTLHigh   time.Duration

	// Ingress.
	ChannelJWTSecret string
	ChannelJWTIssuer string
	RateLimitRPS     int
	RateLimitBurst   int
	IdempotencyTTL   time.Duration

	// Telemetry.
	OTLPEndpoint     string
	TelemetryEnabled bool

	// Archival.
	ArchiveBucket   string
	ArchiveRegion   string
	ArchiveEndpoint string
	ArchivePrefix   string
}

// Load reads and validates the environment.
func Load() (*Config, error) {
	cfg := &Config{
		Port:             envOr("PORT", "8080"),
		LogLevel:         envOr("LOG_LEVEL", "INFO"),
		PolicyFile:       envOr("POLICY_FILE", "policy.yaml"),
		AuditDir:         envOr("AUDIT_DIR", "data/audit"),
		EventDir:         envOr("EVENT_DIR", "data/events"),
		MemoryDB:         envOr("MEMORY_DB", "data/history.db"),
		DatabaseURL:      os.Getenv("DATABASE_URL"),
		RedisAddr:        os.Getenv("REDIS_ADDR"),
		SignerBackend:    envOr("SIGNER_BACKEND", "local"),
		KMSEndpoint:      os.Getenv("KMS_ENDPOINT"),
		KMSKeyID:         os.Getenv("KMS_KEY_ID"),
		TrustedKeys:      os.Getenv("TRUSTED_PUBLIC_KEYS"),
		ChannelJWTSecret: os.Getenv("CHANNEL_JWT_SECRET"),
		ChannelJWTIssuer: envOr("CHANNEL_JWT_ISSUER", "aureus-sentinel"),
		OTLPEndpoint:     envOr("OTLP_ENDPOINT", "localhost:4317"),
		TelemetryEnabled: os.Getenv("TELEMETRY_ENABLED") == "true",
		ArchiveBucket:    os.Getenv("ARCHIVE_BUCKET"),
		ArchiveRegion:    envOr("ARCHIVE_REGION", "us-east-1"),
		ArchiveEndpoint:  os.Getenv("ARCHIVE_ENDPOINT"),
		ArchivePrefix:    envOr("ARCHIVE_PREFIX", "bundles/"),
	}

	var err error
	if cfg.ClockSkew, err = envSeconds("ALLOW_CLOCK_SKEW_SEC", 30); err != nil {
		return nil, err
	}
	if cfg.PlanTTLLow, err = envSeconds("PLAN_TTL_LOW_SEC", 600); err != nil {
		return nil, err
	}
	if cfg.PlanTTLMedium, err = envSeconds("PLAN_TTL_MEDIUM_SEC", 300); err != nil {
		return nil, err
	}
	if cfg.PlanTTLHigh, err = envSeconds("PLAN_TTL_HIGH_SEC", 60); err != nil {
		return nil, err
	}
	if cfg.IdempotencyTTL, err = envSeconds("IDEMPOTENCY_TTL_SEC", 86400); err != nil {
		return nil, err
	}
	if cfg.RateLimitRPS, err = envInt("RATE_LIMIT_RPS", 10); err != nil {
		return nil, err
	}
	if cfg.RateLimitBurst, err = envInt("RATE_LIMIT_BURST", 20); err != nil {
		return nil, err
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	switch c.SignerBackend {
	case "local", "kms":
	default:
		return fmt.Errorf("%w: SIGNER_BACKEND must be local or kms, got %q", ErrInvalid, c.SignerBackend)
	}
	if c.SignerBackend == "kms" {
		if c.KMSEndpoint == "" {
			return fmt.Errorf("%w: SIGNER_BACKEND=kms requires KMS_ENDPOINT", ErrInvalid)
		}
		if c.KMSKeyID == "" {
			return fmt.Errorf("%w: SIGNER_BACKEND=kms requires KMS_KEY_ID", ErrInvalid)
		}
	}
	if c.ClockSkew < 0 {
		return fmt.Errorf("%w: ALLOW_CLOCK_SKEW_SEC must not be negative", ErrInvalid)
	}
	for name, ttl := range map[string]time.Duration{
		"PLAN_TTL_LOW_SEC":    c.PlanTTLLow,
		"PLAN_TTL_MEDIUM_SEC": c.PlanTTLMedium,
		"PLAN_TTL_HIGH_SEC":   c.PlanTTLHigh,
	} {
		if ttl <= 0 {
			return fmt.Errorf("%w: %s must be positive", ErrInvalid, name)
		}
	}
	if c.RateLimitRPS <= 0 {
		return fmt.Errorf("%w: RATE_LIMIT_RPS must be positive", ErrInvalid)
	}
	if c.RateLimitBurst <= 0 {
		return fmt.Errorf("%w: RATE_LIMIT_BURST must be positive", ErrInvalid)
	}
	return nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envSeconds(key string, fallback int64) (time.Duration, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return time.Duration(fallback) * time.Second, nil
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %s must be an integer number of seconds, got %q", ErrInvalid, key, raw)
	}
	return time.Duration(n) * time.Second, nil
}

func envInt(key string, fallback int) (int, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("%w: %s must be an integer, got %q", ErrInvalid, key, raw)
	}
	return n, nil
}
