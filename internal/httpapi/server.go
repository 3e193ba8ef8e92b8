// Package httpapi exposes the credit ledger over HTTP with gin.
package httpapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/MarkoPoloResearchLab/resumeledger/internal/billing"
	"github.com/MarkoPoloResearchLab/resumeledger/internal/ratelimit"
	"github.com/MarkoPoloResearchLab/resumeledger/internal/tailor"
	"github.com/MarkoPoloResearchLab/resumeledger/pkg/ledger"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/tyemirov/tauth/pkg/sessionvalidator"
	"go.uber.org/zap"
)

// Authentication modes.
const (
	AuthModeHeader  = "header"
	AuthModeSession = "session"
)

const (
	claimsContextKey  = "auth_claims"
	accountContextKey = "account_id"
	emailContextKey   = "account_email"

	defaultRequestTimeout = 3 * time.Second
	defaultTailorTimeout  = 2 * time.Minute
	shutdownTimeout       = 5 * time.Second
)

var errInvalidConfig = errors.New("invalid http config")

// Config controls routing and authentication.
type Config struct {
	AllowedOrigins []string
	AuthMode       string
	AccountHeader  string
	SpendCost      ledger.PositiveCredits
	RequestTimeout time.Duration
	TailorTimeout  time.Duration
}

// AccountLedger is the ledger surface the handlers use. *ledger.Service implements it.
type AccountLedger interface {
	Balance(ctx context.Context, accountID ledger.AccountID) (ledger.Credits, error)
	Debit(ctx context.Context, accountID ledger.AccountID, action ledger.PaidAction, metadata ledger.MetadataJSON) (ledger.DebitReceipt, error)
	ListEntries(ctx context.Context, accountID ledger.AccountID, beforeUnixUTC int64, limit int) ([]ledger.Entry, error)
}

// Billing is the payment surface. *billing.Service implements it.
type Billing interface {
	HandleWebhook(ctx context.Context, payload []byte, signatureHeader string) (billing.WebhookResult, error)
	VerifySession(ctx context.Context, accountID ledger.AccountID, sessionID string) (billing.VerifyResult, error)
	StartCheckout(ctx context.Context, accountID ledger.AccountID, customerEmail string, packageID string) (billing.CheckoutResult, error)
}

// Tailor runs the paid resume action. *tailor.Service implements it.
type Tailor interface {
	Tailor(ctx context.Context, accountID ledger.AccountID, input tailor.Input) (tailor.Result, error)
}

// Dependencies are the collaborators behind the routes.
// Billing, Tailor, Limiter, Validator and Gatherer are optional.
type Dependencies struct {
	Ledger    AccountLedger
	Billing   Billing
	Tailor    Tailor
	Limiter   ratelimit.Limiter
	Validator *sessionvalidator.Validator
	Gatherer  prometheus.Gatherer
	Logger    *zap.Logger
}

// NewRouter builds the gin engine.
func NewRouter(cfg Config, deps Dependencies) (*gin.Engine, error) {
	if deps.Ledger == nil {
		return nil, fmt.Errorf("%w: ledger is nil", errInvalidConfig)
	}
	if cfg.AuthMode == "" {
		cfg.AuthMode = AuthModeHeader
	}
	if cfg.AccountHeader == "" {
		cfg.AccountHeader = "Account-ID"
	}
	if cfg.SpendCost <= 0 {
		cfg.SpendCost = 1
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = defaultRequestTimeout
	}
	if cfg.TailorTimeout <= 0 {
		cfg.TailorTimeout = defaultTailorTimeout
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	authenticate, err := newAuthenticator(cfg, deps.Validator)
	if err != nil {
		return nil, err
	}
	handler := &httpHandler{
		cfg:     cfg,
		logger:  logger,
		ledger:  deps.Ledger,
		billing: deps.Billing,
		tailor:  deps.Tailor,
		limiter: deps.Limiter,
	}
	return setupRouter(cfg, handler, authenticate, deps.Gatherer), nil
}

func setupRouter(cfg Config, handler *httpHandler, authenticate []gin.HandlerFunc, gatherer prometheus.Gatherer) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins:     cfg.AllowedOrigins,
		AllowMethods:     []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:     []string{"Content-Type", "Origin", "Accept", cfg.AccountHeader},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}))

	router.GET("/healthz", func(ctx *gin.Context) {
		ctx.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	if gatherer != nil {
		router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))
	}
	router.POST("/webhooks/payment", handler.handleWebhook)

	account := router.Group("/")
	account.Use(authenticate...)
	account.POST("/credits/spend", handler.handleSpend)
	account.POST("/credits/verify-session", handler.handleVerifySession)
	account.POST("/credits/checkout", handler.handleCheckout)
	account.GET("/account/balance", handler.handleBalance)
	account.GET("/account/entries", handler.handleEntries)
	account.POST("/resumes/tailor", handler.handleTailor)

	return router
}

// Serve runs router on addr until ctx ends, then shuts down gracefully.
func Serve(ctx context.Context, addr string, router http.Handler, logger *zap.Logger) error {
	server := &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("creditd listening", zap.String("addr", addr))
		errCh <- server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if shutdownErr := server.Shutdown(shutdownCtx); shutdownErr != nil {
			logger.Warn("server shutdown error", zap.Error(shutdownErr))
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func newAuthenticator(cfg Config, validator *sessionvalidator.Validator) ([]gin.HandlerFunc, error) {
	switch cfg.AuthMode {
	case AuthModeHeader:
		header := cfg.AccountHeader
		return []gin.HandlerFunc{func(ctx *gin.Context) {
			accountID, err := ledger.NewAccountID(ctx.GetHeader(header))
			if err != nil {
				ctx.AbortWithStatusJSON(http.StatusUnauthorized, errorResponse("unauthorized", "missing account identity"))
				return
			}
			ctx.Set(accountContextKey, accountID)
			ctx.Next()
		}}, nil
	case AuthModeSession:
		if validator == nil {
			return nil, fmt.Errorf("%w: session auth requires a validator", errInvalidConfig)
		}
		return []gin.HandlerFunc{
			validator.GinMiddleware(claimsContextKey),
			func(ctx *gin.Context) {
				claims := getClaims(ctx)
				if claims == nil {
					ctx.AbortWithStatusJSON(http.StatusUnauthorized, errorResponse("unauthorized", "missing session"))
					return
				}
				accountID, err := ledger.NewAccountID(claims.GetUserID())
				if err != nil {
					ctx.AbortWithStatusJSON(http.StatusUnauthorized, errorResponse("unauthorized", "session has no user"))
					return
				}
				ctx.Set(accountContextKey, accountID)
				ctx.Set(emailContextKey, strings.TrimSpace(claims.GetUserEmail()))
				ctx.Next()
			},
		}, nil
	default:
		return nil, fmt.Errorf("%w: unknown auth mode %q", errInvalidConfig, cfg.AuthMode)
	}
}

func getClaims(ctx *gin.Context) *sessionvalidator.Claims {
	claimsValue, ok := ctx.Get(claimsContextKey)
	if !ok {
		return nil
	}
	claims, _ := claimsValue.(*sessionvalidator.Claims)
	return claims
}

func accountFromContext(ctx *gin.Context) (ledger.AccountID, bool) {
	value, ok := ctx.Get(accountContextKey)
	if !ok {
		return ledger.AccountID{}, false
	}
	accountID, ok := value.(ledger.AccountID)
	return accountID, ok && !accountID.IsZero()
}
