// Package billing turns payment provider sessions into ledger credits.
package billing

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/MarkoPoloResearchLab/resumeledger/pkg/ledger"
)

var (
	ErrProviderUnverifiable   = errors.New("payment provider event unverifiable")
	ErrProviderTransient      = errors.New("payment provider temporarily unavailable")
	ErrSessionNotFound        = errors.New("payment session not found")
	ErrSessionAccountMismatch = errors.New("payment session belongs to another account")
	ErrUnknownPackage         = errors.New("unknown credit package")
	ErrMalformedSession       = errors.New("malformed payment session")
	ErrInvalidConfig          = errors.New("invalid billing config")
)

// Event types that credit an account.
const (
	EventCheckoutCompleted     = "checkout.session.completed"
	EventAsyncPaymentSucceeded = "checkout.session.async_payment_succeeded"

	packageFieldCount     = 3
	packageFieldDelimiter = ":"
	packageListDelimiter  = ","

	metadataKeySource  = "source"
	metadataKeyPackage = "package_id"
	metadataKeyEvent   = "event_id"
	sourceWebhook      = "webhook"
	sourceVerify       = "verify_session"
)

// SessionStatus is the provider-reported payment state.
type SessionStatus string

const (
	StatusPending SessionStatus = "pending"
	StatusPaid    SessionStatus = "paid"
	StatusUnknown SessionStatus = "unknown"
)

// PaymentSession is the provider's view of one checkout.
type PaymentSession struct {
	ID            string
	AccountID     string
	CreditAmount  int64
	PackageID     string
	Status        SessionStatus
	CustomerEmail string
	URL           string
}

// WebhookEvent is a verified provider event. Session is nil for events that carry no checkout session.
type WebhookEvent struct {
	ID      string
	Type    string
	Session *PaymentSession
}

// CheckoutRequest asks the provider for a hosted checkout page.
type CheckoutRequest struct {
	AccountID     string
	CustomerEmail string
	Package       CreditPackage
	SuccessURL    string
	CancelURL     string
}

// PaymentProvider is the payment service the billing flows depend on.
type PaymentProvider interface {
	CreateCheckoutSession(ctx context.Context, request CheckoutRequest) (PaymentSession, error)
	RetrieveSession(ctx context.Context, sessionID string) (PaymentSession, error)
	ParseWebhook(payload []byte, signatureHeader string) (WebhookEvent, error)
}

// Ledger is the part of ledger.Service used for crediting.
type Ledger interface {
	Credit(ctx context.Context, accountID ledger.AccountID, sessionID ledger.PaymentSessionID, amount ledger.PositiveCredits, metadata ledger.MetadataJSON) (ledger.CreditResult, error)
	Balance(ctx context.Context, accountID ledger.AccountID) (ledger.Credits, error)
}

// Observer counts webhook and verification outcomes.
type Observer interface {
	ObserveWebhook(outcome string)
	ObserveVerify(outcome string)
}

// Outcome labels passed to Observer.
const (
	OutcomeCredited  = "credited"
	OutcomeDuplicate = "duplicate"
	OutcomeUnpaid    = "unpaid"
	OutcomeIgnored   = "ignored"
	OutcomeRejected  = "rejected"
	OutcomeMismatch  = "mismatch"
	OutcomeFailed    = "error"
)

// CreditPackage is a purchasable bundle of credits.
type CreditPackage struct {
	ID      string
	PriceID string
	Credits int64
}

// ParseCreditPackages reads "id:price_id:credits" entries separated by commas.
func ParseCreditPackages(raw string) ([]CreditPackage, error) {
	var packages []CreditPackage
	seen := make(map[string]struct{})
	for _, item := range strings.Split(raw, packageListDelimiter) {
		trimmed := strings.TrimSpace(item)
		if trimmed == "" {
			continue
		}
		fields := strings.Split(trimmed, packageFieldDelimiter)
		if len(fields) != packageFieldCount {
			return nil, fmt.Errorf("%w: package %q must be id:price_id:credits", ErrInvalidConfig, trimmed)
		}
		packageID := strings.TrimSpace(fields[0])
		priceID := strings.TrimSpace(fields[1])
		credits, err := strconv.ParseInt(strings.TrimSpace(fields[2]), 10, 64)
		if packageID == "" || priceID == "" || err != nil || credits <= 0 {
			return nil, fmt.Errorf("%w: package %q is invalid", ErrInvalidConfig, trimmed)
		}
		if _, duplicate := seen[packageID]; duplicate {
			return nil, fmt.Errorf("%w: package %q listed twice", ErrInvalidConfig, packageID)
		}
		seen[packageID] = struct{}{}
		packages = append(packages, CreditPackage{ID: packageID, PriceID: priceID, Credits: credits})
	}
	return packages, nil
}
