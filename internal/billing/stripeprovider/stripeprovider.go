// Package stripeprovider implements billing.PaymentProvider with Stripe Checkout.
package stripeprovider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/MarkoPoloResearchLab/resumeledger/internal/billing"
	"github.com/stripe/stripe-go/v82"
	checkoutsession "github.com/stripe/stripe-go/v82/checkout/session"
	"github.com/stripe/stripe-go/v82/webhook"
)

const (
	metadataAccountID    = "account_id"
	metadataCreditAmount = "credit_amount"
	metadataPackageID    = "package_id"

	defaultWebhookTolerance = 5 * time.Minute
)

// Config holds Stripe credentials.
type Config struct {
	SecretKey        string
	WebhookSecret    string
	APIBaseURL       string
	WebhookTolerance time.Duration
}

// Provider talks to Stripe Checkout.
type Provider struct {
	sessions      checkoutsession.Client
	webhookSecret string
	tolerance     time.Duration
}

// New validates cfg and builds a Provider. APIBaseURL overrides the Stripe API host.
func New(cfg Config) (*Provider, error) {
	if strings.TrimSpace(cfg.SecretKey) == "" {
		return nil, fmt.Errorf("%w: stripe secret key is required", billing.ErrInvalidConfig)
	}
	if strings.TrimSpace(cfg.WebhookSecret) == "" {
		return nil, fmt.Errorf("%w: stripe webhook secret is required", billing.ErrInvalidConfig)
	}
	backend := stripe.GetBackend(stripe.APIBackend)
	if strings.TrimSpace(cfg.APIBaseURL) != "" {
		backend = stripe.GetBackendWithConfig(stripe.APIBackend, &stripe.BackendConfig{
			URL:               stripe.String(cfg.APIBaseURL),
			MaxNetworkRetries: stripe.Int64(0),
		})
	}
	tolerance := cfg.WebhookTolerance
	if tolerance <= 0 {
		tolerance = defaultWebhookTolerance
	}
	return &Provider{
		sessions:      checkoutsession.Client{B: backend, Key: cfg.SecretKey},
		webhookSecret: cfg.WebhookSecret,
		tolerance:     tolerance,
	}, nil
}

// CreateCheckoutSession opens a one-off payment for a credit package.
func (provider *Provider) CreateCheckoutSession(ctx context.Context, request billing.CheckoutRequest) (billing.PaymentSession, error) {
	params := &stripe.CheckoutSessionParams{
		Mode:              stripe.String(string(stripe.CheckoutSessionModePayment)),
		SuccessURL:        stripe.String(request.SuccessURL),
		CancelURL:         stripe.String(request.CancelURL),
		ClientReferenceID: stripe.String(request.AccountID),
		LineItems: []*stripe.CheckoutSessionLineItemParams{
			{
				Price:    stripe.String(request.Package.PriceID),
				Quantity: stripe.Int64(1),
			},
		},
		Metadata: map[string]string{
			metadataAccountID:    request.AccountID,
			metadataCreditAmount: strconv.FormatInt(request.Package.Credits, 10),
			metadataPackageID:    request.Package.ID,
		},
	}
	if request.CustomerEmail != "" {
		params.CustomerEmail = stripe.String(request.CustomerEmail)
	}
	params.Context = ctx
	session, err := provider.sessions.New(params)
	if err != nil {
		return billing.PaymentSession{}, classifyStripeError(err)
	}
	return mapSession(session), nil
}

// RetrieveSession reads the live session state.
func (provider *Provider) RetrieveSession(ctx context.Context, sessionID string) (billing.PaymentSession, error) {
	params := &stripe.CheckoutSessionParams{}
	params.Context = ctx
	session, err := provider.sessions.Get(sessionID, params)
	if err != nil {
		return billing.PaymentSession{}, classifyStripeError(err)
	}
	return mapSession(session), nil
}

// ParseWebhook checks the Stripe-Signature header and decodes checkout session events.
func (provider *Provider) ParseWebhook(payload []byte, signatureHeader string) (billing.WebhookEvent, error) {
	event, err := webhook.ConstructEventWithOptions(payload, signatureHeader, provider.webhookSecret, webhook.ConstructEventOptions{
		Tolerance:                provider.tolerance,
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		return billing.WebhookEvent{}, fmt.Errorf("%w: %w", billing.ErrProviderUnverifiable, err)
	}
	result := billing.WebhookEvent{ID: event.ID, Type: string(event.Type)}
	if !strings.HasPrefix(result.Type, "checkout.session.") || event.Data == nil {
		return result, nil
	}
	var session stripe.CheckoutSession
	if err := json.Unmarshal(event.Data.Raw, &session); err != nil {
		return billing.WebhookEvent{}, fmt.Errorf("%w: %w", billing.ErrMalformedSession, err)
	}
	mapped := mapSession(&session)
	result.Session = &mapped
	return result, nil
}

func mapSession(session *stripe.CheckoutSession) billing.PaymentSession {
	accountID := strings.TrimSpace(session.Metadata[metadataAccountID])
	if accountID == "" {
		accountID = strings.TrimSpace(session.ClientReferenceID)
	}
	creditAmount, err := strconv.ParseInt(strings.TrimSpace(session.Metadata[metadataCreditAmount]), 10, 64)
	if err != nil {
		creditAmount = 0
	}
	email := session.CustomerEmail
	if session.CustomerDetails != nil && session.CustomerDetails.Email != "" {
		email = session.CustomerDetails.Email
	}
	return billing.PaymentSession{
		ID:            session.ID,
		AccountID:     accountID,
		CreditAmount:  creditAmount,
		PackageID:     session.Metadata[metadataPackageID],
		Status:        mapStatus(session.PaymentStatus),
		CustomerEmail: email,
		URL:           session.URL,
	}
}

func mapStatus(status stripe.CheckoutSessionPaymentStatus) billing.SessionStatus {
	switch status {
	case stripe.CheckoutSessionPaymentStatusPaid, stripe.CheckoutSessionPaymentStatusNoPaymentRequired:
		return billing.StatusPaid
	case stripe.CheckoutSessionPaymentStatusUnpaid:
		return billing.StatusPending
	default:
		return billing.StatusUnknown
	}
}

func classifyStripeError(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var stripeErr *stripe.Error
	if errors.As(err, &stripeErr) {
		switch {
		case stripeErr.HTTPStatusCode == http.StatusNotFound || stripeErr.Code == stripe.ErrorCodeResourceMissing:
			return fmt.Errorf("%w: %w", billing.ErrSessionNotFound, err)
		case stripeErr.HTTPStatusCode == http.StatusTooManyRequests || stripeErr.HTTPStatusCode >= http.StatusInternalServerError:
			return fmt.Errorf("%w: %w", billing.ErrProviderTransient, err)
		default:
			return err
		}
	}
	return fmt.Errorf("%w: %w", billing.ErrProviderTransient, err)
}
