// Package config holds the creditd runtime settings.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/MarkoPoloResearchLab/resumeledger/internal/billing"
)

const (
	StoreGorm = "gorm"
	StorePgx  = "pgx"

	AuthModeHeader  = "header"
	AuthModeSession = "session"

	LLMProviderOpenAI = "openai"
	LLMProviderGemini = "gemini"
)

const (
	defaultListenAddr       = ":8080"
	defaultDatabaseURL      = "sqlite:///tmp/resumeledger.db"
	defaultAllowedOrigin    = "http://localhost:8000"
	defaultAccountHeader    = "Account-ID"
	defaultSessionIssuer    = "tauth"
	defaultSessionCookie    = "app_session"
	defaultActionCost       = 1
	defaultRequestTimeout   = 3 * time.Second
	defaultTailorTimeout    = 2 * time.Minute
	defaultOpenAIModel      = "gpt-4o-mini"
	defaultGeminiModel      = "gemini-2.0-flash"
	defaultLLMMaxConcurrent = 5
	defaultLLMMaxAttempts   = 3
	defaultLLMBackoff       = time.Second
	defaultVerifyLimit      = 30
	defaultVerifyWindow     = time.Minute
	defaultAMQPExchange     = "notifications"
)

// ErrInvalidConfig reports a setting that cannot be used.
var ErrInvalidConfig = errors.New("invalid config")

// Config aggregates runtime settings for creditd.
type Config struct {
	ListenAddr     string
	DatabaseURL    string
	Store          string
	AllowedOrigins []string
	RequestTimeout time.Duration
	TailorTimeout  time.Duration
	Dev            bool

	AuthMode          string
	AccountHeader     string
	SessionSigningKey string
	SessionIssuer     string
	SessionCookieName string

	StarterGrant int64
	ActionCost   int64

	StripeSecretKey     string
	StripeWebhookSecret string
	StripeAPIBaseURL    string
	CreditPackages      string
	CheckoutSuccessURL  string
	CheckoutCancelURL   string
	Packages            []billing.CreditPackage

	LLMProvider      string
	LLMAPIKey        string
	LLMModel         string
	LLMBaseURL       string
	LLMMaxConcurrent int
	LLMMaxAttempts   int
	LLMBackoff       time.Duration

	RedisAddr     string
	RedisPassword string
	RedisDB       int
	VerifyLimit   int
	VerifyWindow  time.Duration

	AMQPURL      string
	AMQPExchange string
}

// Validate fills defaults and ensures the configuration contains sane values.
func (cfg *Config) Validate() error {
	cfg.ListenAddr = defaultIfEmpty(cfg.ListenAddr, defaultListenAddr)
	cfg.DatabaseURL = defaultIfEmpty(cfg.DatabaseURL, defaultDatabaseURL)
	cfg.Store = strings.ToLower(defaultIfEmpty(cfg.Store, StoreGorm))
	if len(cfg.AllowedOrigins) == 0 {
		cfg.AllowedOrigins = []string{defaultAllowedOrigin}
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = defaultRequestTimeout
	}
	if cfg.TailorTimeout <= 0 {
		cfg.TailorTimeout = defaultTailorTimeout
	}
	switch cfg.Store {
	case StoreGorm:
	case StorePgx:
		if !isPostgresURL(cfg.DatabaseURL) {
			return fmt.Errorf("%w: store %s requires a postgres database url", ErrInvalidConfig, StorePgx)
		}
	default:
		return fmt.Errorf("%w: unknown store %q", ErrInvalidConfig, cfg.Store)
	}

	if err := cfg.validateAuth(); err != nil {
		return err
	}

	if cfg.StarterGrant < 0 {
		return fmt.Errorf("%w: starter grant must not be negative", ErrInvalidConfig)
	}
	if cfg.ActionCost <= 0 {
		cfg.ActionCost = defaultActionCost
	}

	if err := cfg.validateStripe(); err != nil {
		return err
	}
	if err := cfg.validateLLM(); err != nil {
		return err
	}

	if cfg.VerifyLimit <= 0 {
		cfg.VerifyLimit = defaultVerifyLimit
	}
	if cfg.VerifyWindow <= 0 {
		cfg.VerifyWindow = defaultVerifyWindow
	}
	if cfg.RedisDB < 0 {
		return fmt.Errorf("%w: redis db must not be negative", ErrInvalidConfig)
	}
	cfg.AMQPExchange = defaultIfEmpty(cfg.AMQPExchange, defaultAMQPExchange)
	return nil
}

// PaymentsEnabled reports whether a payment provider is configured.
func (cfg Config) PaymentsEnabled() bool {
	return strings.TrimSpace(cfg.StripeSecretKey) != ""
}

// TailorEnabled reports whether an LLM provider is configured.
func (cfg Config) TailorEnabled() bool {
	return cfg.LLMProvider != ""
}

func (cfg *Config) validateAuth() error {
	cfg.AuthMode = strings.ToLower(defaultIfEmpty(cfg.AuthMode, AuthModeHeader))
	cfg.AccountHeader = defaultIfEmpty(cfg.AccountHeader, defaultAccountHeader)
	cfg.SessionIssuer = defaultIfEmpty(cfg.SessionIssuer, defaultSessionIssuer)
	cfg.SessionCookieName = defaultIfEmpty(cfg.SessionCookieName, defaultSessionCookie)
	switch cfg.AuthMode {
	case AuthModeHeader:
		return nil
	case AuthModeSession:
		if len(cfg.SessionSigningKey) == 0 {
			return fmt.Errorf("%w: jwt signing key is required for session auth", ErrInvalidConfig)
		}
		return nil
	default:
		return fmt.Errorf("%w: unknown auth mode %q", ErrInvalidConfig, cfg.AuthMode)
	}
}

func (cfg *Config) validateStripe() error {
	if !cfg.PaymentsEnabled() {
		return nil
	}
	if strings.TrimSpace(cfg.StripeWebhookSecret) == "" {
		return fmt.Errorf("%w: stripe webhook secret is required", ErrInvalidConfig)
	}
	packages, err := billing.ParseCreditPackages(cfg.CreditPackages)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	cfg.Packages = packages
	return nil
}

func (cfg *Config) validateLLM() error {
	cfg.LLMProvider = strings.ToLower(strings.TrimSpace(cfg.LLMProvider))
	switch cfg.LLMProvider {
	case "":
		return nil
	case LLMProviderOpenAI:
		cfg.LLMModel = defaultIfEmpty(cfg.LLMModel, defaultOpenAIModel)
	case LLMProviderGemini:
		cfg.LLMModel = defaultIfEmpty(cfg.LLMModel, defaultGeminiModel)
	default:
		return fmt.Errorf("%w: unknown llm provider %q", ErrInvalidConfig, cfg.LLMProvider)
	}
	if strings.TrimSpace(cfg.LLMAPIKey) == "" {
		return fmt.Errorf("%w: llm api key is required for %s", ErrInvalidConfig, cfg.LLMProvider)
	}
	if cfg.LLMMaxConcurrent <= 0 {
		cfg.LLMMaxConcurrent = defaultLLMMaxConcurrent
	}
	if cfg.LLMMaxAttempts <= 0 {
		cfg.LLMMaxAttempts = defaultLLMMaxAttempts
	}
	if cfg.LLMBackoff <= 0 {
		cfg.LLMBackoff = defaultLLMBackoff
	}
	return nil
}

func defaultIfEmpty(value string, fallback string) string {
	if strings.TrimSpace(value) == "" {
		return fallback
	}
	return strings.TrimSpace(value)
}

func isPostgresURL(dsn string) bool {
	return strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://")
}

// ParseAllowedOrigins splits comma-delimited origins into a slice.
func ParseAllowedOrigins(raw string) []string {
	if strings.TrimSpace(raw) == "" {
		return []string{}
	}
	parts := strings.Split(raw, ",")
	normalized := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			normalized = append(normalized, trimmed)
		}
	}
	return normalized
}
