// Package config loads platform settings from environment variables with
// sensible defaults, optionally layered over a YAML settings file named by
// AEGISPAY_CONFIG. Jurisdiction profiles live in separate profile_*.yaml
// files loaded on demand (see profiles.go).
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration so YAML files can use human-readable
// values like "5m" or "168h".
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses human readable duration strings.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value == nil {
		return nil
	}
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("duration must be a string")
	}
	if value.Value == "" {
		d.Duration = 0
		return nil
	}
	parsed, err := time.ParseDuration(value.Value)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", value.Value, err)
	}
	d.Duration = parsed
	return nil
}

// Settings holds the full runtime configuration. Fields map 1:1 to
// environment variables; the YAML file uses the yaml tags below.
type Settings struct {
	Port int    `yaml:"port"`
	Env  string `yaml:"env"`

	LogLevel      string `yaml:"log_level"`
	LogFormat     string `yaml:"log_format"` // "json" | "text"
	LogFile       string `yaml:"log_file"`   // empty disables rotation, stdout only
	LogMaxSizeMB  int    `yaml:"log_max_size_mb"`
	LogMaxBackups int    `yaml:"log_max_backups"`
	LogMaxAgeDays int    `yaml:"log_max_age_days"`

	DatabaseURL string `yaml:"database_url"`
	RedisURL    string `yaml:"redis_url"`

	// Verification.
	CanonMode        string   `yaml:"canon_mode"` // "pipe" | "jcs"
	AllowedDomains   []string `yaml:"allowed_domains"`
	RequireAllProofs bool     `yaml:"require_all_proofs"`

	// Velocity limits (requests per window, per agent).
	VelocityPerMinute int `yaml:"velocity_per_minute"`
	VelocityPerHour   int `yaml:"velocity_per_hour"`
	VelocityPerDay    int `yaml:"velocity_per_day"`

	// Treasury origination caps in minor units; zero means unlimited.
	TreasuryMaxPerPaymentMinor int64 `yaml:"treasury_max_per_payment_minor"`
	TreasuryMaxDailyMinor      int64 `yaml:"treasury_max_daily_minor"`

	// WebhookMasterSecret derives per-provider webhook signing secrets.
	// Empty disables webhook signature verification (development only).
	WebhookMasterSecret string `yaml:"webhook_master_secret"`

	// Anchoring and evidence export.
	AnchorInterval Duration `yaml:"anchor_interval"`
	EvidenceBucket string   `yaml:"evidence_bucket"`

	// Telemetry.
	TelemetryEnabled    bool    `yaml:"telemetry_enabled"`
	OTLPEndpoint        string  `yaml:"otlp_endpoint"`
	TelemetrySampleRate float64 `yaml:"telemetry_sample_rate"`

	// WorkerPoolSize bounds CPU-bound signature and Merkle work.
	// Zero sizes the pool to GOMAXPROCS.
	WorkerPoolSize int `yaml:"worker_pool_size"`

	// Jurisdiction selects the active profile from ProfilesDir.
	ProfilesDir  string `yaml:"profiles_dir"`
	Jurisdiction string `yaml:"jurisdiction"`

	IdempotencyTTL Duration `yaml:"idempotency_ttl"`
}

// Defaults returns the platform defaults applied before the YAML file and
// environment are consulted.
func Defaults() Settings {
	return Settings{
		Port:      8080,
		Env:       "development",
		LogLevel:  "INFO",
		LogFormat: "json",

		LogMaxSizeMB:  100,
		LogMaxBackups: 5,
		LogMaxAgeDays: 28,

		DatabaseURL: "postgres://aegispay@localhost:5432/aegispay?sslmode=disable",

		CanonMode: "pipe",

		VelocityPerMinute: 10,
		VelocityPerHour:   100,
		VelocityPerDay:    500,

		AnchorInterval: Duration{5 * time.Minute},

		TelemetrySampleRate: 1.0,

		Jurisdiction: "us",

		IdempotencyTTL: Duration{7 * 24 * time.Hour},
	}
}

// Load builds Settings from defaults, then the YAML file named by
// AEGISPAY_CONFIG (when set), then environment variables. The environment
// always wins.
func Load() (Settings, error) {
	s := Defaults()

	if path := os.Getenv("AEGISPAY_CONFIG"); path != "" {
		if err := s.applyFile(path); err != nil {
			return Settings{}, err
		}
	}
	if err := s.applyEnv(); err != nil {
		return Settings{}, err
	}
	if err := s.Validate(); err != nil {
		return Settings{}, err
	}
	return s, nil
}

func (s *Settings) applyFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, s); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

func (s *Settings) applyEnv() error {
	var err error

	s.Port, err = envInt("PORT", s.Port, err)
	s.Env = envStr("ENV", s.Env)

	s.LogLevel = envStr("LOG_LEVEL", s.LogLevel)
	s.LogFormat = envStr("LOG_FORMAT", s.LogFormat)
	s.LogFile = envStr("LOG_FILE", s.LogFile)
	s.LogMaxSizeMB, err = envInt("LOG_MAX_SIZE_MB", s.LogMaxSizeMB, err)
	s.LogMaxBackups, err = envInt("LOG_MAX_BACKUPS", s.LogMaxBackups, err)
	s.LogMaxAgeDays, err = envInt("LOG_MAX_AGE_DAYS", s.LogMaxAgeDays, err)

	s.DatabaseURL = envStr("DATABASE_URL", s.DatabaseURL)
	s.RedisURL = envStr("REDIS_URL", s.RedisURL)

	s.CanonMode = envStr("CANON_MODE", s.CanonMode)
	if v := os.Getenv("ALLOWED_DOMAINS"); v != "" {
		s.AllowedDomains = splitList(v)
	}
	s.RequireAllProofs, err = envBool("REQUIRE_ALL_PROOFS", s.RequireAllProofs, err)

	s.VelocityPerMinute, err = envInt("VELOCITY_PER_MINUTE", s.VelocityPerMinute, err)
	s.VelocityPerHour, err = envInt("VELOCITY_PER_HOUR", s.VelocityPerHour, err)
	s.VelocityPerDay, err = envInt("VELOCITY_PER_DAY", s.VelocityPerDay, err)

	s.TreasuryMaxPerPaymentMinor, err = envInt64("TREASURY_MAX_PER_PAYMENT_MINOR", s.TreasuryMaxPerPaymentMinor, err)
	s.TreasuryMaxDailyMinor, err = envInt64("TREASURY_MAX_DAILY_MINOR", s.TreasuryMaxDailyMinor, err)
	s.WebhookMasterSecret = envStr("WEBHOOK_MASTER_SECRET", s.WebhookMasterSecret)

	s.AnchorInterval.Duration, err = envDuration("ANCHOR_INTERVAL", s.AnchorInterval.Duration, err)
	s.EvidenceBucket = envStr("EVIDENCE_BUCKET", s.EvidenceBucket)

	s.TelemetryEnabled, err = envBool("TELEMETRY_ENABLED", s.TelemetryEnabled, err)
	s.OTLPEndpoint = envStr("OTLP_ENDPOINT", s.OTLPEndpoint)
	s.TelemetrySampleRate, err = envFloat("TELEMETRY_SAMPLE_RATE", s.TelemetrySampleRate, err)

	s.WorkerPoolSize, err = envInt("WORKER_POOL_SIZE", s.WorkerPoolSize, err)

	s.ProfilesDir = envStr("PROFILES_DIR", s.ProfilesDir)
	s.Jurisdiction = envStr("JURISDICTION", s.Jurisdiction)

	s.IdempotencyTTL.Duration, err = envDuration("IDEMPOTENCY_TTL", s.IdempotencyTTL.Duration, err)

	return err
}

// Validate rejects settings the service cannot start with.
func (s *Settings) Validate() error {
	if s.Port <= 0 || s.Port > 65535 {
		return fmt.Errorf("config: port %d out of range", s.Port)
	}
	switch strings.ToLower(s.CanonMode) {
	case "pipe", "jcs":
	default:
		return fmt.Errorf("config: unknown canon mode %q", s.CanonMode)
	}
	switch strings.ToLower(s.LogFormat) {
	case "json", "text":
	default:
		return fmt.Errorf("config: unknown log format %q", s.LogFormat)
	}
	if s.TelemetrySampleRate < 0 || s.TelemetrySampleRate > 1 {
		return fmt.Errorf("config: telemetry sample rate %v outside [0, 1]", s.TelemetrySampleRate)
	}
	if s.AnchorInterval.Duration <= 0 {
		return fmt.Errorf("config: anchor interval must be positive, got %s", s.AnchorInterval)
	}
	if s.IdempotencyTTL.Duration <= 0 {
		return fmt.Errorf("config: idempotency TTL must be positive, got %s", s.IdempotencyTTL)
	}
	if s.VelocityPerMinute <= 0 || s.VelocityPerHour <= 0 || s.VelocityPerDay <= 0 {
		return fmt.Errorf("config: velocity limits must be positive")
	}
	if s.WorkerPoolSize < 0 {
		return fmt.Errorf("config: worker pool size must not be negative")
	}
	return nil
}

// IsProduction reports whether the service runs with production hardening.
func (s *Settings) IsProduction() bool {
	return strings.EqualFold(s.Env, "production")
}

func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int, prev error) (int, error) {
	if prev != nil {
		return fallback, prev
	}
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback, fmt.Errorf("config: %s=%q is not an integer", key, v)
	}
	return n, nil
}

func envInt64(key string, fallback int64, prev error) (int64, error) {
	if prev != nil {
		return fallback, prev
	}
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return fallback, fmt.Errorf("config: %s=%q is not an integer", key, v)
	}
	return n, nil
}

func envFloat(key string, fallback float64, prev error) (float64, error) {
	if prev != nil {
		return fallback, prev
	}
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return fallback, fmt.Errorf("config: %s=%q is not a number", key, v)
	}
	return f, nil
}

func envBool(key string, fallback bool, prev error) (bool, error) {
	if prev != nil {
		return fallback, prev
	}
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback, fmt.Errorf("config: %s=%q is not a boolean", key, v)
	}
	return b, nil
}

func envDuration(key string, fallback time.Duration, prev error) (time.Duration, error) {
	if prev != nil {
		return fallback, prev
	}
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback, fmt.Errorf("config: %s=%q is not a duration", key, v)
	}
	return d, nil
}

func splitList(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
