// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/mbd888/sentinel/internal/alerts"
	"github.com/mbd888/sentinel/internal/escalation"
	"github.com/mbd888/sentinel/internal/pattern"
	"github.com/mbd888/sentinel/internal/policy"
	"github.com/mbd888/sentinel/internal/risk"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port      string
	Env       string // "development", "staging", "production"
	LogLevel  string
	LogFormat string // "text" or "json"

	// Storage
	DatabaseURL string // PostgreSQL connection string (optional, uses in-memory if not set)
	RedisURL    string // Redis statistics store (optional, takes precedence for statistics)

	OTLPEndpoint     string
	TraceSampleRatio float64

	// Policies
	PolicyFile string
	Policies   policy.Set

	// Escalation
	AutoBlockEnabled   bool
	AutoBlockThreshold int
	HardBlockDuration  time.Duration

	// Alerts
	AlertWarnThreshold   int
	AlertDangerThreshold int

	// Risk bands
	RiskHigh   int
	RiskMedium int
	RiskLow    int

	// Pattern analysis
	SuspiciousDetection bool
	BurstThreshold      int
	AnalysisWorkers     int

	// Housekeeping
	StoreTimeout  time.Duration
	SweepInterval time.Duration
	IdleTTL       time.Duration
	RetentionDays int

	AdminSecret string
	CORSOrigins []string
}

// Defaults
const (
	DefaultPort           = "8080"
	DefaultEnv            = "development"
	DefaultLogLevel       = "info"
	DefaultLogFormat      = "text"
	DefaultStoreTimeout   = 250 * time.Millisecond
	DefaultSweepInterval  = 5 * time.Minute
	DefaultIdleTTL        = 24 * time.Hour
	DefaultRetentionDays  = 30
	DefaultAnalysisWorker = 64
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	riskDefaults := risk.DefaultConfig()

	cfg := &Config{
		Port:                 getEnv("PORT", DefaultPort),
		Env:                  getEnv("ENV", DefaultEnv),
		LogLevel:             getEnv("LOG_LEVEL", DefaultLogLevel),
		LogFormat:            getEnv("LOG_FORMAT", DefaultLogFormat),
		DatabaseURL:          os.Getenv("DATABASE_URL"),
		RedisURL:             os.Getenv("REDIS_URL"),
		OTLPEndpoint:         os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		TraceSampleRatio:     getEnvFloat("OTEL_TRACES_SAMPLE_RATIO", 1.0),
		PolicyFile:           os.Getenv("POLICY_FILE"),
		AutoBlockEnabled:     getEnvBool("AUTO_BLOCK_ENABLED", true),
		AutoBlockThreshold:   getEnvInt("AUTO_BLOCK_THRESHOLD", escalation.DefaultAutoBlockThreshold),
		HardBlockDuration:    getEnvDuration("HARD_BLOCK_DURATION", escalation.DefaultHardBlockDuration),
		AlertWarnThreshold:   getEnvInt("ALERT_WARN_THRESHOLD", alerts.DefaultWarnThreshold),
		AlertDangerThreshold: getEnvInt("ALERT_DANGER_THRESHOLD", alerts.DefaultDangerThreshold),
		RiskHigh:             getEnvInt("RISK_HIGH", riskDefaults.High),
		RiskMedium:           getEnvInt("RISK_MEDIUM", riskDefaults.Medium),
		RiskLow:              getEnvInt("RISK_LOW", riskDefaults.Low),
		SuspiciousDetection:  getEnvBool("SUSPICIOUS_DETECTION", true),
		BurstThreshold:       getEnvInt("BURST_THRESHOLD", pattern.DefaultBurstThreshold),
		AnalysisWorkers:      getEnvInt("ANALYSIS_WORKERS", DefaultAnalysisWorker),
		StoreTimeout:         getEnvDuration("STORE_TIMEOUT", DefaultStoreTimeout),
		SweepInterval:        getEnvDuration("SWEEP_INTERVAL", DefaultSweepInterval),
		IdleTTL:              getEnvDuration("IDLE_TTL", DefaultIdleTTL),
		RetentionDays:        getEnvInt("RETENTION_DAYS", DefaultRetentionDays),
		AdminSecret:          os.Getenv("ADMIN_SECRET"),
		CORSOrigins:          getEnvList("CORS_ALLOWED_ORIGINS"),
	}

	if cfg.PolicyFile != "" {
		set, err := policy.LoadFile(cfg.PolicyFile)
		if err != nil {
			return nil, fmt.Errorf("POLICY_FILE: %w", err)
		}
		cfg.Policies = set
	} else {
		cfg.Policies = policy.Defaults()
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that the configuration is usable
func (c *Config) Validate() error {
	if c.Policies.Len() == 0 {
		return fmt.Errorf("at least one operation policy is required")
	}
	if err := c.RiskConfig().Validate(); err != nil {
		return fmt.Errorf("RISK_HIGH/RISK_MEDIUM/RISK_LOW: %w", err)
	}
	if err := c.EscalationPolicy().Validate(); err != nil {
		return fmt.Errorf("AUTO_BLOCK_THRESHOLD/HARD_BLOCK_DURATION: %w", err)
	}
	if c.AlertWarnThreshold < 0 || c.AlertDangerThreshold < 0 {
		return fmt.Errorf("alert thresholds must not be negative")
	}
	if c.AlertWarnThreshold > 0 && c.AlertDangerThreshold > 0 && c.AlertWarnThreshold >= c.AlertDangerThreshold {
		return fmt.Errorf("ALERT_WARN_THRESHOLD must be below ALERT_DANGER_THRESHOLD")
	}
	if c.BurstThreshold <= 0 {
		return fmt.Errorf("BURST_THRESHOLD must be positive")
	}
	if c.AnalysisWorkers <= 0 {
		return fmt.Errorf("ANALYSIS_WORKERS must be positive")
	}
	if c.StoreTimeout <= 0 {
		return fmt.Errorf("STORE_TIMEOUT must be positive")
	}
	if c.SweepInterval <= 0 || c.IdleTTL <= 0 {
		return fmt.Errorf("SWEEP_INTERVAL and IDLE_TTL must be positive")
	}
	if c.TraceSampleRatio < 0 || c.TraceSampleRatio > 1 {
		return fmt.Errorf("OTEL_TRACES_SAMPLE_RATIO must be within [0, 1]")
	}
	if c.RetentionDays <= 0 {
		return fmt.Errorf("RETENTION_DAYS must be positive")
	}
	if c.IsProduction() && c.AdminSecret == "" {
		return fmt.Errorf("ADMIN_SECRET is required in production")
	}
	return nil
}

// RiskConfig returns the scorer configuration with the configured bands.
func (c *Config) RiskConfig() risk.Config {
	rc := risk.DefaultConfig()
	rc.High = c.RiskHigh
	rc.Medium = c.RiskMedium
	rc.Low = c.RiskLow
	return rc
}

// EscalationPolicy returns the configured escalation knobs.
func (c *Config) EscalationPolicy() escalation.Policy {
	return escalation.Policy{
		AutoBlockEnabled:   c.AutoBlockEnabled,
		AutoBlockThreshold: c.AutoBlockThreshold,
		HardBlockDuration:  c.HardBlockDuration,
	}
}

// Retention is how long resolved alerts and block-log rows are kept.
func (c *Config) Retention() time.Duration {
	return time.Duration(c.RetentionDays) * 24 * time.Hour
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction returns true if running in production mode
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
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

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
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
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
