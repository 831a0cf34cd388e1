// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/mbd888/aurawatch/internal/consequences"
	"github.com/mbd888/aurawatch/internal/detection"
	"github.com/mbd888/aurawatch/internal/llm"
	"github.com/mbd888/aurawatch/internal/notify"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port      string
	Env       string // "development", "staging", "production"
	LogLevel  string
	LogFormat string // "text" or "json"

	// Database
	DatabaseURL string // PostgreSQL connection string (optional, uses in-memory if not set)

	// Tracing
	OTLPEndpoint string

	// Detection loop
	PollInterval        time.Duration
	ConfidenceThreshold float64
	AlertCooldown       time.Duration
	SameAppSkip         time.Duration
	MaxFlagsPerDay      int
	SelfPackage         string
	LogCapacity         int
	ForegroundTimeout   time.Duration
	ForegroundStale     time.Duration
	DailyResetEnabled   bool
	Timezone            string
	RiskRegistryFile    string

	// Consequences
	PenaltyAmount int64
	NotifyTimeout time.Duration

	// Tier-2 model
	LLMBaseURL     string
	LLMAPIKey      string
	LLMModel       string
	ArbiterTimeout time.Duration

	// SMS provider
	SMSAPIURL     string
	SMSAccountSID string
	SMSAuthToken  string
	SMSFrom       string

	// Foreground reports per child per minute
	ForegroundRateLimit int

	// API requests per client IP per minute; 0 disables
	APIRateLimit int

	// Parent dashboard origins; empty allows any
	AllowedOrigins []string

	// API keys. AuthRequired defaults to true in production.
	AuthRequired bool
	AdminAPIKey  string
}

// Defaults
const (
	DefaultPort                = "8080"
	DefaultEnv                 = "development"
	DefaultLogLevel            = "info"
	DefaultLogFormat           = "text"
	DefaultPollInterval        = 10 * time.Second
	DefaultConfidenceThreshold = 0.6
	DefaultAlertCooldown       = 15 * time.Minute
	DefaultSameAppSkip         = 30 * time.Second
	DefaultMaxFlagsPerDay      = 10
	DefaultSelfPackage         = "com.aura.app"
	DefaultLogCapacity         = 50
	DefaultForegroundTimeout   = 5 * time.Second
	DefaultForegroundStale     = 30 * time.Second
	DefaultPenaltyAmount       = 50
	DefaultNotifyTimeout       = 10 * time.Second
	DefaultArbiterTimeout      = 15 * time.Second
	DefaultLLMModel            = "gpt-4o-mini"
	DefaultForegroundRateLimit = 30
	DefaultAPIRateLimit        = 60
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	cfg := &Config{
		Port:         getEnv("PORT", DefaultPort),
		Env:          getEnv("ENV", DefaultEnv),
		LogLevel:     getEnv("LOG_LEVEL", DefaultLogLevel),
		LogFormat:    getEnv("LOG_FORMAT", DefaultLogFormat),
		DatabaseURL:  os.Getenv("DATABASE_URL"), // Optional, uses in-memory if not set
		OTLPEndpoint: os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),

		PollInterval:        getEnvMillis("POLL_INTERVAL_MS", DefaultPollInterval),
		ConfidenceThreshold: getEnvFloat("CONFIDENCE_THRESHOLD", DefaultConfidenceThreshold),
		AlertCooldown:       getEnvMillis("ALERT_COOLDOWN_MS", DefaultAlertCooldown),
		SameAppSkip:         getEnvMillis("SAME_APP_SKIP_MS", DefaultSameAppSkip),
		MaxFlagsPerDay:      int(getEnvInt64("MAX_FLAGS_PER_DAY", DefaultMaxFlagsPerDay)),
		SelfPackage:         getEnv("SELF_PACKAGE", DefaultSelfPackage),
		LogCapacity:         int(getEnvInt64("DETECTION_LOG_CAPACITY", DefaultLogCapacity)),
		ForegroundTimeout:   getEnvMillis("FOREGROUND_QUERY_TIMEOUT_MS", DefaultForegroundTimeout),
		ForegroundStale:     getEnvMillis("FOREGROUND_STALE_MS", DefaultForegroundStale),
		DailyResetEnabled:   getEnvBool("DAILY_RESET_ENABLED", true),
		Timezone:            os.Getenv("TIMEZONE"),
		RiskRegistryFile:    os.Getenv("RISK_REGISTRY_FILE"),

		PenaltyAmount: getEnvInt64("PENALTY_AMOUNT", DefaultPenaltyAmount),
		NotifyTimeout: getEnvMillis("NOTIFY_TIMEOUT_MS", DefaultNotifyTimeout),

		LLMBaseURL:     os.Getenv("LLM_BASE_URL"),
		LLMAPIKey:      os.Getenv("LLM_API_KEY"),
		LLMModel:       getEnv("LLM_MODEL", DefaultLLMModel),
		ArbiterTimeout: getEnvMillis("ARBITER_TIMEOUT_MS", DefaultArbiterTimeout),

		SMSAPIURL:     os.Getenv("SMS_API_URL"),
		SMSAccountSID: os.Getenv("SMS_ACCOUNT_SID"),
		SMSAuthToken:  os.Getenv("SMS_AUTH_TOKEN"),
		SMSFrom:       os.Getenv("SMS_FROM"),

		ForegroundRateLimit: int(getEnvInt64("FOREGROUND_RATE_LIMIT_PER_MIN", DefaultForegroundRateLimit)),
		APIRateLimit:        int(getEnvInt64("API_RATE_LIMIT_PER_MIN", DefaultAPIRateLimit)),
		AllowedOrigins:      getEnvList("CORS_ALLOWED_ORIGINS"),
		AdminAPIKey:         os.Getenv("ADMIN_API_KEY"),
	}
	cfg.AuthRequired = getEnvBool("AUTH_REQUIRED", cfg.IsProduction())

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks value ranges
func (c *Config) Validate() error {
	if c.PollInterval < 100*time.Millisecond {
		return fmt.Errorf("POLL_INTERVAL_MS must be at least 100")
	}
	if c.ConfidenceThreshold < 0 || c.ConfidenceThreshold > 1 {
		return fmt.Errorf("CONFIDENCE_THRESHOLD must be between 0 and 1")
	}
	if c.AlertCooldown < 0 || c.SameAppSkip < 0 {
		return fmt.Errorf("ALERT_COOLDOWN_MS and SAME_APP_SKIP_MS must not be negative")
	}
	if c.MaxFlagsPerDay <= 0 {
		return fmt.Errorf("MAX_FLAGS_PER_DAY must be positive")
	}
	if c.PenaltyAmount <= 0 {
		return fmt.Errorf("PENALTY_AMOUNT must be positive")
	}
	if c.LogCapacity <= 0 {
		return fmt.Errorf("DETECTION_LOG_CAPACITY must be positive")
	}
	if c.ForegroundRateLimit < 0 || c.APIRateLimit < 0 {
		return fmt.Errorf("rate limits must not be negative")
	}
	switch strings.ToLower(c.LogFormat) {
	case "text", "json":
	default:
		return fmt.Errorf("LOG_FORMAT must be text or json")
	}
	if _, err := c.Location(); err != nil {
		return err
	}
	if c.AuthRequired && len(c.AdminAPIKey) < 32 {
		return fmt.Errorf("ADMIN_API_KEY of at least 32 characters is required when AUTH_REQUIRED is set")
	}
	if c.LLMAPIKey != "" && c.LLMModel == "" {
		return fmt.Errorf("LLM_MODEL is required when LLM_API_KEY is set")
	}
	return nil
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction returns true if running in production mode
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Location is the zone for time-of-day context and the midnight reset.
func (c *Config) Location() (*time.Location, error) {
	if c.Timezone == "" {
		return time.Local, nil
	}
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return nil, fmt.Errorf("TIMEZONE: %w", err)
	}
	return loc, nil
}

// Detection projects the loop tunables.
func (c *Config) Detection() detection.Config {
	loc, err := c.Location()
	if err != nil {
		loc = time.Local
	}
	cfg := detection.DefaultConfig()
	cfg.PollInterval = c.PollInterval
	cfg.ConfidenceThreshold = c.ConfidenceThreshold
	cfg.AlertCooldown = c.AlertCooldown
	cfg.SameAppSkip = c.SameAppSkip
	cfg.MaxFlagsPerDay = c.MaxFlagsPerDay
	cfg.SelfPackage = c.SelfPackage
	cfg.LogCapacity = c.LogCapacity
	cfg.ForegroundTimeout = c.ForegroundTimeout
	cfg.Location = loc
	return cfg
}

// Dispatch projects the consequence tunables.
func (c *Config) Dispatch() consequences.Config {
	cfg := consequences.DefaultConfig()
	cfg.PenaltyAmount = c.PenaltyAmount
	cfg.NotifyTimeout = c.NotifyTimeout
	return cfg
}

// LLMEnabled reports whether a model is configured.
func (c *Config) LLMEnabled() bool {
	return c.LLMAPIKey != ""
}

// LLM projects the model client settings.
func (c *Config) LLM() llm.Config {
	return llm.Config{
		BaseURL: c.LLMBaseURL,
		APIKey:  c.LLMAPIKey,
		Model:   c.LLMModel,
	}
}

// SMS projects the SMS provider settings.
func (c *Config) SMS() notify.SMSConfig {
	return notify.SMSConfig{
		BaseURL:    c.SMSAPIURL,
		AccountSID: c.SMSAccountSID,
		AuthToken:  c.SMSAuthToken,
		From:       c.SMSFrom,
	}
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.ParseInt(value, 10, 64); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvList(key string) []string {
	var out []string
	for _, v := range strings.Split(os.Getenv(key), ",") {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}

// getEnvMillis reads a whole number of milliseconds.
func getEnvMillis(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if ms, err := strconv.ParseInt(value, 10, 64); err == nil {
			return time.Duration(ms) * time.Millisecond
		}
	}
	return defaultValue
}
