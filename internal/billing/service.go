package billing

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/MarkoPoloResearchLab/resumeledger/internal/notify"
	"github.com/MarkoPoloResearchLab/resumeledger/internal/retry"
	"github.com/MarkoPoloResearchLab/resumeledger/pkg/ledger"
	"go.uber.org/zap"
)

const (
	defaultLookupAttempts = 3
	defaultLookupBackoff  = 500 * time.Millisecond
	notifyTimeout         = 10 * time.Second
)

// DefaultLookupPolicy retries transient provider lookups three times.
func DefaultLookupPolicy() retry.Policy {
	return retry.Policy{MaxAttempts: defaultLookupAttempts, Backoff: retry.Linear(defaultLookupBackoff)}
}

// WebhookResult describes what a webhook did to the ledger.
type WebhookResult struct {
	EventType string
	SessionID string
	Handled   bool
	Applied   bool
	Balance   ledger.Credits
}

// VerifyResult is returned to the client that asked for verification.
type VerifyResult struct {
	Credited bool
	Paid     bool
	Balance  ledger.Credits
}

// CheckoutResult points the client at the hosted payment page.
type CheckoutResult struct {
	SessionID string
	URL       string
}

// Option configures a Service.
type Option func(*Service)

// WithNotifier sends a notification after each newly applied credit.
func WithNotifier(notifier notify.Notifier) Option {
	return func(service *Service) {
		service.notifier = notifier
	}
}

// WithLogger sets the service logger.
func WithLogger(logger *zap.Logger) Option {
	return func(service *Service) {
		if logger != nil {
			service.logger = logger
		}
	}
}

// WithPackages sets the purchasable credit packages.
func WithPackages(packages []CreditPackage) Option {
	return func(service *Service) {
		service.packages = make(map[string]CreditPackage, len(packages))
		for _, creditPackage := range packages {
			service.packages[creditPackage.ID] = creditPackage
		}
	}
}

// WithRedirectURLs sets where the provider sends the customer after checkout.
func WithRedirectURLs(successURL string, cancelURL string) Option {
	return func(service *Service) {
		service.successURL = successURL
		service.cancelURL = cancelURL
	}
}

// WithLookupPolicy overrides the retry policy for provider session lookups.
func WithLookupPolicy(policy retry.Policy) Option {
	return func(service *Service) {
		service.lookupPolicy = policy
	}
}

// WithObserver reports outcomes to observer.
func WithObserver(observer Observer) Option {
	return func(service *Service) {
		service.observer = observer
	}
}

// Service credits accounts from provider webhooks and client verification requests.
// Both paths go through ledger.Service.Credit, so they are safe to race.
type Service struct {
	provider     PaymentProvider
	ledger       Ledger
	notifier     notify.Notifier
	logger       *zap.Logger
	observer     Observer
	packages     map[string]CreditPackage
	successURL   string
	cancelURL    string
	lookupPolicy retry.Policy
	pending      sync.WaitGroup
}

// NewService wires a Service.
func NewService(provider PaymentProvider, ledgerService Ledger, options ...Option) (*Service, error) {
	if provider == nil {
		return nil, fmt.Errorf("%w: payment provider is nil", ErrInvalidConfig)
	}
	if ledgerService == nil {
		return nil, fmt.Errorf("%w: ledger is nil", ErrInvalidConfig)
	}
	service := &Service{
		provider:     provider,
		ledger:       ledgerService,
		logger:       zap.NewNop(),
		packages:     map[string]CreditPackage{},
		lookupPolicy: DefaultLookupPolicy(),
	}
	for _, option := range options {
		if option != nil {
			option(service)
		}
	}
	return service, nil
}

// HandleWebhook verifies and applies a provider event.
//
// A bad signature returns ErrProviderUnverifiable and touches nothing. A replayed
// session is acknowledged without a second credit or notification. Ledger errors
// are returned for logging only; verify-session recovers the credit.
func (service *Service) HandleWebhook(ctx context.Context, payload []byte, signatureHeader string) (WebhookResult, error) {
	event, err := service.provider.ParseWebhook(payload, signatureHeader)
	if err != nil {
		service.observeWebhook(OutcomeRejected)
		service.logger.Warn("webhook rejected", zap.Error(err))
		if errors.Is(err, ErrProviderUnverifiable) {
			return WebhookResult{}, err
		}
		return WebhookResult{}, fmt.Errorf("%w: %w", ErrProviderUnverifiable, err)
	}
	result := WebhookResult{EventType: event.Type}
	if event.Type != EventCheckoutCompleted && event.Type != EventAsyncPaymentSucceeded {
		service.observeWebhook(OutcomeIgnored)
		return result, nil
	}
	if event.Session == nil {
		service.observeWebhook(OutcomeRejected)
		return result, fmt.Errorf("%w: event %s has no session", ErrMalformedSession, event.ID)
	}
	session := *event.Session
	result.SessionID = session.ID
	if session.Status != StatusPaid {
		service.observeWebhook(OutcomeUnpaid)
		service.logger.Info("webhook session not paid yet", zap.String("session_id", session.ID), zap.String("status", string(session.Status)))
		return result, nil
	}
	accountID, err := ledger.NewAccountID(session.AccountID)
	if err != nil {
		service.observeWebhook(OutcomeRejected)
		return result, fmt.Errorf("%w: %w", ErrMalformedSession, err)
	}
	credit, err := service.applyCredit(ctx, accountID, session, ledger.MetadataFrom(map[string]any{
		metadataKeySource:  sourceWebhook,
		metadataKeyEvent:   event.ID,
		metadataKeyPackage: session.PackageID,
	}))
	if err != nil {
		if errors.Is(err, ErrMalformedSession) {
			service.observeWebhook(OutcomeRejected)
		} else {
			service.observeWebhook(OutcomeFailed)
		}
		return result, err
	}
	result.Handled = true
	result.Applied = credit.Applied
	result.Balance = credit.Balance
	if credit.Applied {
		service.observeWebhook(OutcomeCredited)
	} else {
		service.observeWebhook(OutcomeDuplicate)
	}
	return result, nil
}

// VerifySession asks the provider for the live session state and credits it if
// paid with a positive amount. Credited is true only when this call applied the credit.
func (service *Service) VerifySession(ctx context.Context, accountID ledger.AccountID, sessionID string) (VerifyResult, error) {
	trimmedSessionID := strings.TrimSpace(sessionID)
	if trimmedSessionID == "" {
		return VerifyResult{}, fmt.Errorf("%w: empty value", ledger.ErrInvalidSessionID)
	}
	session, err := service.retrieveSession(ctx, trimmedSessionID)
	if err != nil {
		service.observeVerify(OutcomeFailed)
		return VerifyResult{}, err
	}
	if strings.TrimSpace(session.AccountID) != accountID.String() {
		service.observeVerify(OutcomeMismatch)
		service.logger.Warn("verify session account mismatch",
			zap.String("session_id", trimmedSessionID),
			zap.String("account_id", accountID.String()),
		)
		return VerifyResult{}, fmt.Errorf("%w: %s", ErrSessionAccountMismatch, trimmedSessionID)
	}
	paid := session.Status == StatusPaid
	if !paid || session.CreditAmount <= 0 {
		balance, err := service.ledger.Balance(ctx, accountID)
		if err != nil {
			service.observeVerify(OutcomeFailed)
			return VerifyResult{}, err
		}
		if paid {
			service.observeVerify(OutcomeIgnored)
			service.logger.Warn("paid session carries no credits",
				zap.String("session_id", trimmedSessionID),
				zap.String("account_id", accountID.String()),
			)
		} else {
			service.observeVerify(OutcomeUnpaid)
		}
		return VerifyResult{Paid: paid, Balance: balance}, nil
	}
	credit, err := service.applyCredit(ctx, accountID, session, ledger.MetadataFrom(map[string]any{
		metadataKeySource:  sourceVerify,
		metadataKeyPackage: session.PackageID,
	}))
	if err != nil {
		service.observeVerify(OutcomeFailed)
		return VerifyResult{}, err
	}
	if credit.Applied {
		service.observeVerify(OutcomeCredited)
	} else {
		service.observeVerify(OutcomeDuplicate)
	}
	return VerifyResult{Credited: credit.Applied, Paid: true, Balance: credit.Balance}, nil
}

// StartCheckout creates a provider checkout for one of the configured packages.
func (service *Service) StartCheckout(ctx context.Context, accountID ledger.AccountID, customerEmail string, packageID string) (CheckoutResult, error) {
	creditPackage, ok := service.packages[strings.TrimSpace(packageID)]
	if !ok {
		return CheckoutResult{}, fmt.Errorf("%w: %s", ErrUnknownPackage, packageID)
	}
	session, err := service.provider.CreateCheckoutSession(ctx, CheckoutRequest{
		AccountID:     accountID.String(),
		CustomerEmail: customerEmail,
		Package:       creditPackage,
		SuccessURL:    service.successURL,
		CancelURL:     service.cancelURL,
	})
	if err != nil {
		return CheckoutResult{}, err
	}
	service.logger.Info("checkout started",
		zap.String("account_id", accountID.String()),
		zap.String("session_id", session.ID),
		zap.String("package_id", creditPackage.ID),
	)
	return CheckoutResult{SessionID: session.ID, URL: session.URL}, nil
}

// Packages lists the configured credit packages.
func (service *Service) Packages() []CreditPackage {
	packages := make([]CreditPackage, 0, len(service.packages))
	for _, creditPackage := range service.packages {
		packages = append(packages, creditPackage)
	}
	return packages
}

// Wait blocks until in-flight notifications finish.
func (service *Service) Wait() {
	service.pending.Wait()
}

func (service *Service) retrieveSession(ctx context.Context, sessionID string) (PaymentSession, error) {
	var session PaymentSession
	err := retry.Do(ctx, service.lookupPolicy, func(ctx context.Context, attempt int) error {
		retrieved, err := service.provider.RetrieveSession(ctx, sessionID)
		if err == nil {
			session = retrieved
			return nil
		}
		if !errors.Is(err, ErrProviderTransient) {
			return retry.Permanent(err)
		}
		service.logger.Warn("session lookup failed", zap.String("session_id", sessionID), zap.Int("attempt", attempt), zap.Error(err))
		return err
	})
	return session, err
}

func (service *Service) applyCredit(ctx context.Context, accountID ledger.AccountID, session PaymentSession, metadata ledger.MetadataJSON) (ledger.CreditResult, error) {
	sessionID, err := ledger.NewPaymentSessionID(session.ID)
	if err != nil {
		return ledger.CreditResult{}, fmt.Errorf("%w: %w", ErrMalformedSession, err)
	}
	amount, err := ledger.NewPositiveCredits(session.CreditAmount)
	if err != nil {
		return ledger.CreditResult{}, fmt.Errorf("%w: %w", ErrMalformedSession, err)
	}
	result, err := service.ledger.Credit(ctx, accountID, sessionID, amount, metadata)
	if err != nil {
		return ledger.CreditResult{}, err
	}
	if result.Applied {
		service.notifyCredited(ctx, accountID, session, result.Balance)
	}
	return result, nil
}

func (service *Service) notifyCredited(ctx context.Context, accountID ledger.AccountID, session PaymentSession, balance ledger.Credits) {
	if service.notifier == nil {
		return
	}
	notification := notify.Notification{
		Kind:      notify.KindCreditsAdded,
		AccountID: accountID.String(),
		Email:     session.CustomerEmail,
		SessionID: session.ID,
		Credits:   session.CreditAmount,
		Balance:   balance.Int64(),
	}
	notifyCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), notifyTimeout)
	service.pending.Add(1)
	go func() {
		defer service.pending.Done()
		defer cancel()
		if err := service.notifier.Send(notifyCtx, notification); err != nil {
			service.logger.Warn("notification failed",
				zap.String("account_id", notification.AccountID),
				zap.String("session_id", notification.SessionID),
				zap.Error(err),
			)
		}
	}()
}

func (service *Service) observeWebhook(outcome string) {
	if service.observer != nil {
		service.observer.ObserveWebhook(outcome)
	}
}

func (service *Service) observeVerify(outcome string) {
	if service.observer != nil {
		service.observer.ObserveVerify(outcome)
	}
}
