package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/MarkoPoloResearchLab/resumeledger/internal/billing"
	"github.com/MarkoPoloResearchLab/resumeledger/internal/billing/stripeprovider"
	"github.com/MarkoPoloResearchLab/resumeledger/internal/config"
	"github.com/MarkoPoloResearchLab/resumeledger/internal/httpapi"
	"github.com/MarkoPoloResearchLab/resumeledger/internal/llm"
	"github.com/MarkoPoloResearchLab/resumeledger/internal/notify"
	"github.com/MarkoPoloResearchLab/resumeledger/internal/observability"
	"github.com/MarkoPoloResearchLab/resumeledger/internal/ratelimit"
	"github.com/MarkoPoloResearchLab/resumeledger/internal/retry"
	"github.com/MarkoPoloResearchLab/resumeledger/internal/tailor"
	"github.com/MarkoPoloResearchLab/resumeledger/pkg/ledger"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"github.com/tyemirov/tauth/pkg/sessionvalidator"
	"go.uber.org/zap"
)

const (
	flagListenAddr          = "listen-addr"
	flagDatabaseURL         = "database-url"
	flagStore               = "store"
	flagAllowedOrigins      = "allowed-origins"
	flagRequestTimeout      = "request-timeout"
	flagTailorTimeout       = "tailor-timeout"
	flagDev                 = "dev"
	flagAuthMode            = "auth-mode"
	flagAccountHeader       = "account-header"
	flagJWTSigningKey       = "jwt-signing-key"
	flagJWTIssuer           = "jwt-issuer"
	flagJWTCookieName       = "jwt-cookie-name"
	flagStarterGrant        = "starter-grant"
	flagActionCost          = "action-cost"
	flagStripeSecretKey     = "stripe-secret-key"
	flagStripeWebhookSecret = "stripe-webhook-secret"
	flagStripeAPIBaseURL    = "stripe-api-base-url"
	flagCreditPackages      = "credit-packages"
	flagCheckoutSuccessURL  = "checkout-success-url"
	flagCheckoutCancelURL   = "checkout-cancel-url"
	flagLLMProvider         = "llm-provider"
	flagLLMAPIKey           = "llm-api-key"
	flagLLMModel            = "llm-model"
	flagLLMBaseURL          = "llm-base-url"
	flagLLMMaxConcurrent    = "llm-max-concurrent"
	flagLLMMaxAttempts      = "llm-max-attempts"
	flagLLMBackoff          = "llm-backoff"
	flagRedisAddr           = "redis-addr"
	flagRedisPassword       = "redis-password"
	flagRedisDB             = "redis-db"
	flagVerifyLimit         = "verify-limit"
	flagVerifyWindow        = "verify-window"
	flagAMQPURL             = "amqp-url"
	flagAMQPExchange        = "amqp-exchange"
	envPrefix               = "CREDITD"
)

func main() {
	cmd := newRootCommand()
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "creditd: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cfg := &config.Config{}
	cmd := &cobra.Command{
		Use:           "creditd",
		Short:         "Credit ledger and entitlement HTTP server",
		SilenceUsage:  true,
		SilenceErrors: true,
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return loadConfig(cmd, cfg)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runServer(ctx, *cfg)
		},
	}

	flags := cmd.Flags()
	flags.String(flagListenAddr, ":8080", "HTTP listen address")
	flags.String(flagDatabaseURL, "sqlite:///tmp/resumeledger.db", "postgres:// or sqlite:// connection string")
	flags.String(flagStore, config.StoreGorm, "ledger store implementation (gorm or pgx)")
	flags.String(flagAllowedOrigins, "http://localhost:8000", "comma-separated list of allowed CORS origins")
	flags.Duration(flagRequestTimeout, 3*time.Second, "ledger request timeout")
	flags.Duration(flagTailorTimeout, 2*time.Minute, "resume tailoring timeout")
	flags.Bool(flagDev, false, "development logging")
	flags.String(flagAuthMode, config.AuthModeHeader, "account identity source (header or session)")
	flags.String(flagAccountHeader, "Account-ID", "header carrying the account id in header mode")
	flags.String(flagJWTSigningKey, "", "TAuth JWT signing key (session mode)")
	flags.String(flagJWTIssuer, "tauth", "expected JWT issuer")
	flags.String(flagJWTCookieName, "app_session", "JWT cookie name")
	flags.Int64(flagStarterGrant, 1, "credits granted to a new account")
	flags.Int64(flagActionCost, 1, "credits charged per paid action")
	flags.String(flagStripeSecretKey, "", "Stripe secret key (enables payments)")
	flags.String(flagStripeWebhookSecret, "", "Stripe webhook signing secret")
	flags.String(flagStripeAPIBaseURL, "", "override for the Stripe API host")
	flags.String(flagCreditPackages, "", "credit packages as id:price_id:credits, comma separated")
	flags.String(flagCheckoutSuccessURL, "", "checkout success redirect URL")
	flags.String(flagCheckoutCancelURL, "", "checkout cancel redirect URL")
	flags.String(flagLLMProvider, "", "LLM provider (openai or gemini, empty disables tailoring)")
	flags.String(flagLLMAPIKey, "", "LLM API key")
	flags.String(flagLLMModel, "", "LLM model name")
	flags.String(flagLLMBaseURL, "", "override for the LLM API base URL")
	flags.Int(flagLLMMaxConcurrent, llm.DefaultMaxConcurrent, "maximum in-flight LLM calls")
	flags.Int(flagLLMMaxAttempts, llm.DefaultMaxAttempts, "LLM attempts per request")
	flags.Duration(flagLLMBackoff, llm.DefaultBackoffUnit, "linear LLM backoff unit")
	flags.String(flagRedisAddr, "", "Redis address for verify-session rate limiting (empty uses memory)")
	flags.String(flagRedisPassword, "", "Redis password")
	flags.Int(flagRedisDB, 0, "Redis database")
	flags.Int(flagVerifyLimit, 30, "verify-session calls allowed per account per window")
	flags.Duration(flagVerifyWindow, time.Minute, "verify-session rate limit window")
	flags.String(flagAMQPURL, "", "AMQP broker URL for notifications (empty logs only)")
	flags.String(flagAMQPExchange, "notifications", "AMQP topic exchange")

	return cmd
}

func loadConfig(cmd *cobra.Command, cfg *config.Config) error {
	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	if err := v.BindEnv(flagDatabaseURL, envPrefix+"_DATABASE_URL", "DATABASE_URL"); err != nil {
		return err
	}
	var bindErr error
	cmd.Flags().VisitAll(func(flag *pflag.Flag) {
		if bindErr == nil {
			bindErr = v.BindPFlag(flag.Name, flag)
		}
	})
	if bindErr != nil {
		return bindErr
	}

	cfg.ListenAddr = strings.TrimSpace(v.GetString(flagListenAddr))
	cfg.DatabaseURL = strings.TrimSpace(v.GetString(flagDatabaseURL))
	cfg.Store = v.GetString(flagStore)
	cfg.AllowedOrigins = config.ParseAllowedOrigins(v.GetString(flagAllowedOrigins))
	cfg.RequestTimeout = v.GetDuration(flagRequestTimeout)
	cfg.TailorTimeout = v.GetDuration(flagTailorTimeout)
	cfg.Dev = v.GetBool(flagDev)
	cfg.AuthMode = v.GetString(flagAuthMode)
	cfg.AccountHeader = v.GetString(flagAccountHeader)
	cfg.SessionSigningKey = v.GetString(flagJWTSigningKey)
	cfg.SessionIssuer = v.GetString(flagJWTIssuer)
	cfg.SessionCookieName = v.GetString(flagJWTCookieName)
	cfg.StarterGrant = v.GetInt64(flagStarterGrant)
	cfg.ActionCost = v.GetInt64(flagActionCost)
	cfg.StripeSecretKey = v.GetString(flagStripeSecretKey)
	cfg.StripeWebhookSecret = v.GetString(flagStripeWebhookSecret)
	cfg.StripeAPIBaseURL = strings.TrimSpace(v.GetString(flagStripeAPIBaseURL))
	cfg.CreditPackages = v.GetString(flagCreditPackages)
	cfg.CheckoutSuccessURL = strings.TrimSpace(v.GetString(flagCheckoutSuccessURL))
	cfg.CheckoutCancelURL = strings.TrimSpace(v.GetString(flagCheckoutCancelURL))
	cfg.LLMProvider = v.GetString(flagLLMProvider)
	cfg.LLMAPIKey = v.GetString(flagLLMAPIKey)
	cfg.LLMModel = strings.TrimSpace(v.GetString(flagLLMModel))
	cfg.LLMBaseURL = strings.TrimSpace(v.GetString(flagLLMBaseURL))
	cfg.LLMMaxConcurrent = v.GetInt(flagLLMMaxConcurrent)
	cfg.LLMMaxAttempts = v.GetInt(flagLLMMaxAttempts)
	cfg.LLMBackoff = v.GetDuration(flagLLMBackoff)
	cfg.RedisAddr = strings.TrimSpace(v.GetString(flagRedisAddr))
	cfg.RedisPassword = v.GetString(flagRedisPassword)
	cfg.RedisDB = v.GetInt(flagRedisDB)
	cfg.VerifyLimit = v.GetInt(flagVerifyLimit)
	cfg.VerifyWindow = v.GetDuration(flagVerifyWindow)
	cfg.AMQPURL = strings.TrimSpace(v.GetString(flagAMQPURL))
	cfg.AMQPExchange = v.GetString(flagAMQPExchange)

	return cfg.Validate()
}

func newLogger(dev bool) (*zap.Logger, error) {
	if dev {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

func runServer(ctx context.Context, cfg config.Config) error {
	logger, err := newLogger(cfg.Dev)
	if err != nil {
		return fmt.Errorf("logger init: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics, err := observability.NewMetrics(registry)
	if err != nil {
		return fmt.Errorf("metrics init: %w", err)
	}
	operationLogger := observability.OperationLoggers{
		observability.NewZapOperationLogger(logger.Named("ledger")),
		observability.NewMetricsOperationLogger(metrics),
	}

	store, closeStore, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() { _ = closeStore() }()

	clock := func() int64 { return time.Now().UTC().Unix() }
	ledgerService, err := ledger.NewService(store, clock,
		ledger.WithOperationLogger(operationLogger),
		ledger.WithStarterGrant(ledger.Credits(cfg.StarterGrant)),
	)
	if err != nil {
		return fmt.Errorf("ledger service init: %w", err)
	}

	deps := httpapi.Dependencies{
		Ledger:   ledgerService,
		Gatherer: registry,
		Logger:   logger.Named("http"),
	}

	tailorService, err := buildTailor(ctx, cfg, ledgerService, operationLogger, metrics, logger)
	if err != nil {
		return err
	}
	if tailorService != nil {
		deps.Tailor = tailorService
	}

	notifier, closeNotifier, err := buildNotifier(cfg, logger)
	if err != nil {
		return err
	}
	defer closeNotifier()

	billingService, err := buildBilling(cfg, ledgerService, notifier, metrics, logger)
	if err != nil {
		return err
	}
	if billingService != nil {
		defer billingService.Wait()
		deps.Billing = billingService
	}

	limiter, closeLimiter, err := buildLimiter(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeLimiter()
	deps.Limiter = limiter

	if cfg.AuthMode == config.AuthModeSession {
		validator, err := sessionvalidator.New(sessionvalidator.Config{
			SigningKey: []byte(cfg.SessionSigningKey),
			Issuer:     cfg.SessionIssuer,
			CookieName: cfg.SessionCookieName,
		})
		if err != nil {
			return fmt.Errorf("session validator: %w", err)
		}
		deps.Validator = validator
	}

	router, err := httpapi.NewRouter(httpapi.Config{
		AllowedOrigins: cfg.AllowedOrigins,
		AuthMode:       cfg.AuthMode,
		AccountHeader:  cfg.AccountHeader,
		SpendCost:      ledger.PositiveCredits(cfg.ActionCost),
		RequestTimeout: cfg.RequestTimeout,
		TailorTimeout:  cfg.TailorTimeout,
	}, deps)
	if err != nil {
		return fmt.Errorf("router init: %w", err)
	}

	logger.Info("creditd configured",
		zap.String("store", cfg.Store),
		zap.String("auth_mode", cfg.AuthMode),
		zap.Bool("payments", cfg.PaymentsEnabled()),
		zap.String("llm_provider", cfg.LLMProvider),
		zap.Bool("redis_rate_limit", cfg.RedisAddr != ""),
		zap.Bool("amqp_notifications", cfg.AMQPURL != ""),
	)
	return httpapi.Serve(ctx, cfg.ListenAddr, router, logger)
}

func buildTailor(ctx context.Context, cfg config.Config, entitlements ledger.Entitlements, operationLogger ledger.OperationLogger, metrics *observability.Metrics, logger *zap.Logger) (*tailor.Service, error) {
	if !cfg.TailorEnabled() {
		return nil, nil
	}
	var base llm.Provider
	switch cfg.LLMProvider {
	case config.LLMProviderOpenAI:
		provider, err := llm.NewOpenAIProvider(llm.OpenAIConfig{APIKey: cfg.LLMAPIKey, BaseURL: cfg.LLMBaseURL, Model: cfg.LLMModel})
		if err != nil {
			return nil, err
		}
		base = provider
	case config.LLMProviderGemini:
		provider, err := llm.NewGeminiProvider(ctx, llm.GeminiConfig{APIKey: cfg.LLMAPIKey, BaseURL: cfg.LLMBaseURL, Model: cfg.LLMModel})
		if err != nil {
			return nil, err
		}
		base = provider
	default:
		return nil, fmt.Errorf("%w: unknown llm provider %q", config.ErrInvalidConfig, cfg.LLMProvider)
	}
	// The admission window wraps the retry loop so at most LLMMaxConcurrent requests are in flight, retries included.
	policy := retry.Policy{MaxAttempts: cfg.LLMMaxAttempts, Backoff: retry.Linear(cfg.LLMBackoff)}
	provider := llm.NewLimited(
		llm.NewRetrying(llm.NewObserved(base, cfg.LLMProvider, metrics), policy, logger.Named("llm")),
		cfg.LLMMaxConcurrent,
	)

	gate, err := ledger.NewGate(entitlements, ledger.WithGateLogger(operationLogger))
	if err != nil {
		return nil, fmt.Errorf("gate init: %w", err)
	}
	reason, err := ledger.NewReason(tailor.ActionReason)
	if err != nil {
		return nil, err
	}
	action, err := ledger.NewPaidAction(reason, ledger.PositiveCredits(cfg.ActionCost))
	if err != nil {
		return nil, err
	}
	return tailor.NewService(gate, provider, action)
}

func buildNotifier(cfg config.Config, logger *zap.Logger) (notify.Notifier, func(), error) {
	logNotifier := notify.NewLogNotifier(logger.Named("notify"))
	if cfg.AMQPURL == "" {
		return logNotifier, func() {}, nil
	}
	publisher, err := notify.DialAMQP(notify.AMQPConfig{URL: cfg.AMQPURL, Exchange: cfg.AMQPExchange})
	if err != nil {
		return nil, nil, fmt.Errorf("amqp notifier: %w", err)
	}
	closeFn := func() {
		if err := publisher.Close(); err != nil {
			logger.Warn("amqp close failed", zap.Error(err))
		}
	}
	return notify.Fanout{logNotifier, publisher}, closeFn, nil
}

func buildBilling(cfg config.Config, ledgerService billing.Ledger, notifier notify.Notifier, metrics *observability.Metrics, logger *zap.Logger) (*billing.Service, error) {
	if !cfg.PaymentsEnabled() {
		return nil, nil
	}
	provider, err := stripeprovider.New(stripeprovider.Config{
		SecretKey:     cfg.StripeSecretKey,
		WebhookSecret: cfg.StripeWebhookSecret,
		APIBaseURL:    cfg.StripeAPIBaseURL,
	})
	if err != nil {
		return nil, fmt.Errorf("stripe provider: %w", err)
	}
	return billing.NewService(provider, ledgerService,
		billing.WithPackages(cfg.Packages),
		billing.WithRedirectURLs(cfg.CheckoutSuccessURL, cfg.CheckoutCancelURL),
		billing.WithNotifier(notifier),
		billing.WithObserver(metrics),
		billing.WithLogger(logger.Named("billing")),
	)
}

func buildLimiter(ctx context.Context, cfg config.Config) (ratelimit.Limiter, func(), error) {
	if cfg.RedisAddr == "" {
		return ratelimit.NewMemoryLimiter(cfg.VerifyLimit, cfg.VerifyWindow), func() {}, nil
	}
	limiter, err := ratelimit.NewRedisLimiter(ctx, ratelimit.RedisConfig{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	}, cfg.VerifyLimit, cfg.VerifyWindow)
	if err != nil {
		return nil, nil, fmt.Errorf("redis limiter: %w", err)
	}
	return limiter, func() { _ = limiter.Close() }, nil
}
