// Package config loads server settings from the environment.
package config

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Config holds every tunable of the server. Durations use Go syntax ("90s").
type Config struct {
	Addr      string `env:"SAFETRAIL_ADDR"       envDefault:":8080"`
	DBPath    string `env:"SAFETRAIL_DB_PATH"    envDefault:"safetrail.db"`
	Env       string `env:"SAFETRAIL_ENV"        envDefault:"development"`
	LogLevel  string `env:"SAFETRAIL_LOG_LEVEL"  envDefault:"info"`
	LogFormat string `env:"SAFETRAIL_LOG_FORMAT" envDefault:"text"`
	CSRFKey   string `env:"SAFETRAIL_CSRF_KEY"`
	TokenKey  string `env:"SAFETRAIL_TOKEN_KEY"`
	Timezone  string `env:"SAFETRAIL_TIMEZONE"   envDefault:"Local"`
	BaseURL   string `env:"SAFETRAIL_BASE_URL"`

	TickInterval         time.Duration `env:"SAFETRAIL_TICK_INTERVAL"          envDefault:"1s"`
	PromptWindow         time.Duration `env:"SAFETRAIL_PROMPT_WINDOW"          envDefault:"60s"`
	GuardianPollInterval time.Duration `env:"SAFETRAIL_GUARDIAN_POLL_INTERVAL" envDefault:"5s"`
	VoiceRestartDelay    time.Duration `env:"SAFETRAIL_VOICE_RESTART_DELAY"    envDefault:"1s"`
	KeywordsFile         string        `env:"SAFETRAIL_KEYWORDS_FILE"`
	LocationTimeout      time.Duration `env:"SAFETRAIL_LOCATION_TIMEOUT"       envDefault:"5s"`
	LocationMaxAge       time.Duration `env:"SAFETRAIL_LOCATION_MAX_AGE"       envDefault:"10m"`
	AudioCaptureDuration time.Duration `env:"SAFETRAIL_AUDIO_CAPTURE_DURATION" envDefault:"30s"`
	EvidenceDir          string        `env:"SAFETRAIL_EVIDENCE_DIR"           envDefault:"evidence"`
	DeviceTokenTTL       time.Duration `env:"SAFETRAIL_DEVICE_TOKEN_TTL"       envDefault:"12h"`
	OutboxInterval       time.Duration `env:"SAFETRAIL_OUTBOX_INTERVAL"        envDefault:"15s"`
	SlowQueryMs          int           `env:"SAFETRAIL_SLOW_QUERY_MS"          envDefault:"50"`
	RateLimitPerSecond   float64       `env:"SAFETRAIL_RATE_LIMIT"             envDefault:"10"`

	ResendAPIKey string `env:"SAFETRAIL_RESEND_API_KEY"`
	EmailFrom    string `env:"SAFETRAIL_EMAIL_FROM" envDefault:"SafeTrail <alerts@safetrail.app>"`
}

var (
	ErrMissingCSRFKey  = errors.New("SAFETRAIL_CSRF_KEY is required in production")
	ErrMissingTokenKey = errors.New("SAFETRAIL_TOKEN_KEY is required in production")
	ErrInvalidKey      = errors.New("keys must be 64 hex characters (32 bytes)")
	ErrInvalidDuration = errors.New("tick, prompt and poll intervals must be positive")
)

// Load reads a .env file when present, then the process environment.
// Variables already set in the environment win over the file.
func Load() (Config, error) {
	_ = godotenv.Load()
	return Parse()
}

// Parse reads the process environment only.
func Parse() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks cross-field rules.
func (c Config) Validate() error {
	if c.TickInterval <= 0 || c.PromptWindow <= 0 || c.GuardianPollInterval <= 0 {
		return ErrInvalidDuration
	}
	if c.IsProduction() {
		if c.CSRFKey == "" {
			return ErrMissingCSRFKey
		}
		if c.TokenKey == "" {
			return ErrMissingTokenKey
		}
	}
	for _, k := range []string{c.CSRFKey, c.TokenKey} {
		if k == "" {
			continue
		}
		if b, err := hex.DecodeString(k); err != nil || len(b) != 32 {
			return ErrInvalidKey
		}
	}
	if _, err := time.LoadLocation(c.Timezone); err != nil {
		return fmt.Errorf("invalid SAFETRAIL_TIMEZONE %q: %w", c.Timezone, err)
	}
	return nil
}

// IsProduction reports whether secure defaults must be enforced.
func (c Config) IsProduction() bool {
	return strings.EqualFold(c.Env, "production")
}

// Location returns the zone used for night mode and safety hours.
func (c Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return time.Local
	}
	return loc
}

// SlowQueryThreshold converts SlowQueryMs to a duration.
func (c Config) SlowQueryThreshold() time.Duration {
	return time.Duration(c.SlowQueryMs) * time.Millisecond
}

// DecodedKey returns a 32-byte key from hex, or nil when unset.
func DecodedKey(hexKey string) []byte {
	if hexKey == "" {
		return nil
	}
	b, err := hex.DecodeString(hexKey)
	if err != nil || len(b) != 32 {
		return nil
	}
	return b
}
