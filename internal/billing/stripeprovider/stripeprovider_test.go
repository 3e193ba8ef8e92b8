package stripeprovider

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/MarkoPoloResearchLab/resumeledger/internal/billing"
	"github.com/stripe/stripe-go/v82"
)

const (
	testWebhookSecret = "whsec_test_secret"
	testSecretKey     = "sk_test_123"
)

func signPayload(payload []byte, secret string, timestamp time.Time) string {
	signedPayload := fmt.Sprintf("%d.%s", timestamp.Unix(), payload)
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(signedPayload))
	return fmt.Sprintf("t=%d,v1=%s", timestamp.Unix(), hex.EncodeToString(mac.Sum(nil)))
}

func newTestProvider(test *testing.T, apiBaseURL string) *Provider {
	test.Helper()
	provider, err := New(Config{SecretKey: testSecretKey, WebhookSecret: testWebhookSecret, APIBaseURL: apiBaseURL})
	if err != nil {
		test.Fatalf("provider: %v", err)
	}
	return provider
}

const completedEvent = `{
  "id": "evt_1",
  "object": "event",
  "type": "checkout.session.completed",
  "data": {
    "object": {
      "id": "sess_1",
      "object": "checkout.session",
      "payment_status": "paid",
      "client_reference_id": "user-1",
      "customer_details": {"email": "buyer@example.com"},
      "metadata": {"account_id": "user-1", "credit_amount": "10", "package_id": "starter"}
    }
  }
}`

func TestParseWebhook(test *testing.T) {
	test.Parallel()
	provider := newTestProvider(test, "")
	payload := []byte(completedEvent)
	testCases := []struct {
		name      string
		header    string
		wantErr   error
		wantEvent bool
	}{
		{name: "valid signature", header: signPayload(payload, testWebhookSecret, time.Now()), wantEvent: true},
		{name: "wrong secret", header: signPayload(payload, "whsec_other", time.Now()), wantErr: billing.ErrProviderUnverifiable},
		{name: "expired timestamp", header: signPayload(payload, testWebhookSecret, time.Now().Add(-time.Hour)), wantErr: billing.ErrProviderUnverifiable},
		{name: "missing header", header: "", wantErr: billing.ErrProviderUnverifiable},
	}
	for _, testCase := range testCases {
		testCase := testCase
		test.Run(testCase.name, func(test *testing.T) {
			test.Parallel()
			event, err := provider.ParseWebhook(payload, testCase.header)
			if testCase.wantErr != nil {
				if !errors.Is(err, testCase.wantErr) {
					test.Fatalf("expected %v, got %v", testCase.wantErr, err)
				}
				return
			}
			if err != nil {
				test.Fatalf("parse: %v", err)
			}
			if event.Type != billing.EventCheckoutCompleted || event.Session == nil {
				test.Fatalf("unexpected event %+v", event)
			}
			want := billing.PaymentSession{
				ID:            "sess_1",
				AccountID:     "user-1",
				CreditAmount:  10,
				PackageID:     "starter",
				Status:        billing.StatusPaid,
				CustomerEmail: "buyer@example.com",
			}
			if *event.Session != want {
				test.Fatalf("expected %+v, got %+v", want, *event.Session)
			}
		})
	}
}

func TestParseWebhookIgnoresOtherObjects(test *testing.T) {
	test.Parallel()
	provider := newTestProvider(test, "")
	payload := []byte(`{"id":"evt_2","object":"event","type":"invoice.paid","data":{"object":{"id":"in_1","object":"invoice"}}}`)
	event, err := provider.ParseWebhook(payload, signPayload(payload, testWebhookSecret, time.Now()))
	if err != nil {
		test.Fatalf("parse: %v", err)
	}
	if event.Type != "invoice.paid" || event.Session != nil {
		test.Fatalf("unexpected event %+v", event)
	}
}

func TestMapSession(test *testing.T) {
	test.Parallel()
	testCases := []struct {
		name    string
		session stripe.CheckoutSession
		want    billing.PaymentSession
	}{
		{
			name: "client reference fallback",
			session: stripe.CheckoutSession{
				ID:                "sess_2",
				ClientReferenceID: "user-2",
				PaymentStatus:     stripe.CheckoutSessionPaymentStatusUnpaid,
				Metadata:          map[string]string{"credit_amount": "5"},
				CustomerEmail:     "fallback@example.com",
			},
			want: billing.PaymentSession{ID: "sess_2", AccountID: "user-2", CreditAmount: 5, Status: billing.StatusPending, CustomerEmail: "fallback@example.com"},
		},
		{
			name: "garbled amount",
			session: stripe.CheckoutSession{
				ID:            "sess_3",
				PaymentStatus: stripe.CheckoutSessionPaymentStatusPaid,
				Metadata:      map[string]string{"account_id": "user-3", "credit_amount": "ten"},
			},
			want: billing.PaymentSession{ID: "sess_3", AccountID: "user-3", Status: billing.StatusPaid},
		},
		{
			name:    "unknown status",
			session: stripe.CheckoutSession{ID: "sess_4"},
			want:    billing.PaymentSession{ID: "sess_4", Status: billing.StatusUnknown},
		},
	}
	for _, testCase := range testCases {
		testCase := testCase
		test.Run(testCase.name, func(test *testing.T) {
			test.Parallel()
			if got := mapSession(&testCase.session); got != testCase.want {
				test.Fatalf("expected %+v, got %+v", testCase.want, got)
			}
		})
	}
}

func TestClassifyStripeError(test *testing.T) {
	test.Parallel()
	testCases := []struct {
		name string
		err  error
		want error
	}{
		{name: "missing session", err: &stripe.Error{HTTPStatusCode: http.StatusNotFound, Code: stripe.ErrorCodeResourceMissing}, want: billing.ErrSessionNotFound},
		{name: "rate limited", err: &stripe.Error{HTTPStatusCode: http.StatusTooManyRequests}, want: billing.ErrProviderTransient},
		{name: "server error", err: &stripe.Error{HTTPStatusCode: http.StatusBadGateway}, want: billing.ErrProviderTransient},
		{name: "network", err: errors.New("connection refused"), want: billing.ErrProviderTransient},
		{name: "cancelled", err: context.Canceled, want: context.Canceled},
	}
	for _, testCase := range testCases {
		testCase := testCase
		test.Run(testCase.name, func(test *testing.T) {
			test.Parallel()
			if got := classifyStripeError(testCase.err); !errors.Is(got, testCase.want) {
				test.Fatalf("expected %v, got %v", testCase.want, got)
			}
		})
	}
}

func TestProviderAgainstStubAPI(test *testing.T) {
	test.Parallel()
	var mutex sync.Mutex
	var createdForm map[string]string
	server := httptest.NewServer(http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		writer.Header().Set("Content-Type", "application/json")
		switch {
		case request.Method == http.MethodPost && request.URL.Path == "/v1/checkout/sessions":
			if err := request.ParseForm(); err != nil {
				writer.WriteHeader(http.StatusBadRequest)
				return
			}
			mutex.Lock()
			createdForm = map[string]string{
				"mode":                    request.PostForm.Get("mode"),
				"client_reference_id":     request.PostForm.Get("client_reference_id"),
				"line_items[0][price]":    request.PostForm.Get("line_items[0][price]"),
				"metadata[credit_amount]": request.PostForm.Get("metadata[credit_amount]"),
			}
			mutex.Unlock()
			_, _ = writer.Write([]byte(`{"id":"cs_new","object":"checkout.session","url":"https://checkout.example/cs_new","payment_status":"unpaid","metadata":{"account_id":"user-1","credit_amount":"50"}}`))
		case request.URL.Path == "/v1/checkout/sessions/sess_paid":
			_, _ = writer.Write([]byte(`{"id":"sess_paid","object":"checkout.session","payment_status":"paid","metadata":{"account_id":"user-1","credit_amount":"10"}}`))
		default:
			writer.WriteHeader(http.StatusNotFound)
			_, _ = writer.Write([]byte(`{"error":{"type":"invalid_request_error","code":"resource_missing","message":"No such checkout.session"}}`))
		}
	}))
	test.Cleanup(server.Close)
	provider := newTestProvider(test, server.URL)

	created, err := provider.CreateCheckoutSession(context.Background(), billing.CheckoutRequest{
		AccountID:  "user-1",
		Package:    billing.CreditPackage{ID: "pro", PriceID: "price_pro", Credits: 50},
		SuccessURL: "https://app.example/success",
		CancelURL:  "https://app.example/cancel",
	})
	if err != nil {
		test.Fatalf("create: %v", err)
	}
	if created.ID != "cs_new" || created.URL != "https://checkout.example/cs_new" || created.Status != billing.StatusPending {
		test.Fatalf("unexpected session %+v", created)
	}
	mutex.Lock()
	form := createdForm
	mutex.Unlock()
	if form["mode"] != "payment" || form["client_reference_id"] != "user-1" || form["line_items[0][price]"] != "price_pro" || form["metadata[credit_amount]"] != "50" {
		test.Fatalf("unexpected checkout form %v", form)
	}

	paid, err := provider.RetrieveSession(context.Background(), "sess_paid")
	if err != nil || paid.Status != billing.StatusPaid || paid.CreditAmount != 10 {
		test.Fatalf("unexpected retrieve %+v (%v)", paid, err)
	}
	if _, err := provider.RetrieveSession(context.Background(), "sess_missing"); !errors.Is(err, billing.ErrSessionNotFound) {
		test.Fatalf("expected ErrSessionNotFound, got %v", err)
	}
}

func TestNewValidatesConfig(test *testing.T) {
	test.Parallel()
	if _, err := New(Config{WebhookSecret: testWebhookSecret}); !errors.Is(err, billing.ErrInvalidConfig) {
		test.Fatalf("expected ErrInvalidConfig, got %v", err)
	}
	if _, err := New(Config{SecretKey: testSecretKey}); !errors.Is(err, billing.ErrInvalidConfig) {
		test.Fatalf("expected ErrInvalidConfig, got %v", err)
	}
}
