package creditclient

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func newStubServer(test *testing.T) *httptest.Server {
	test.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/account/balance", func(writer http.ResponseWriter, request *http.Request) {
		writer.Header().Set("Content-Type", "application/json")
		cookie, _ := request.Cookie("app_session")
		if request.Header.Get("Account-ID") != "user-1" && (cookie == nil || cookie.Value != "token") {
			writer.WriteHeader(http.StatusUnauthorized)
			_, _ = writer.Write([]byte(`{"error":{"code":"unauthorized","message":"missing account identity"}}`))
			return
		}
		_, _ = writer.Write([]byte(`{"balance":7}`))
	})
	mux.HandleFunc("/credits/verify-session", func(writer http.ResponseWriter, request *http.Request) {
		var payload map[string]string
		_ = json.NewDecoder(request.Body).Decode(&payload)
		writer.Header().Set("Content-Type", "application/json")
		if payload["sessionId"] != "sess_1" {
			writer.WriteHeader(http.StatusForbidden)
			_, _ = writer.Write([]byte(`{"error":{"code":"session_account_mismatch","message":"nope"}}`))
			return
		}
		_, _ = writer.Write([]byte(`{"credited":true,"paid":true,"balance":17}`))
	})
	server := httptest.NewServer(mux)
	test.Cleanup(server.Close)
	return server
}

func TestClientBalanceAndVerify(test *testing.T) {
	test.Parallel()
	server := newStubServer(test)
	client, err := New(Config{BaseURL: server.URL + "/", AccountID: "user-1"})
	if err != nil {
		test.Fatalf("new client: %v", err)
	}
	balance, err := client.Balance(context.Background())
	if err != nil || balance != 7 {
		test.Fatalf("expected balance 7, got %d (%v)", balance, err)
	}
	result, err := client.VerifySession(context.Background(), "sess_1")
	if err != nil || !result.Credited || result.Balance != 17 {
		test.Fatalf("unexpected verify result %+v (%v)", result, err)
	}
	_, err = client.VerifySession(context.Background(), "sess_other")
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.StatusCode != http.StatusForbidden || apiErr.Code != "session_account_mismatch" {
		test.Fatalf("expected mismatch API error, got %v", err)
	}
}

func TestClientSessionCookie(test *testing.T) {
	test.Parallel()
	server := newStubServer(test)
	client, err := New(Config{BaseURL: server.URL, CookieName: "app_session", SessionCookie: "token"})
	if err != nil {
		test.Fatalf("new client: %v", err)
	}
	if balance, err := client.Balance(context.Background()); err != nil || balance != 7 {
		test.Fatalf("expected cookie auth to work, got %d (%v)", balance, err)
	}

	anonymous, err := New(Config{BaseURL: server.URL, AccountID: "someone-else"})
	if err != nil {
		test.Fatalf("new client: %v", err)
	}
	_, err = anonymous.Balance(context.Background())
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.Code != "unauthorized" {
		test.Fatalf("expected unauthorized, got %v", err)
	}
}

func TestNewValidatesConfig(test *testing.T) {
	test.Parallel()
	testCases := []struct {
		name string
		cfg  Config
	}{
		{name: "missing base url", cfg: Config{AccountID: "a"}},
		{name: "missing identity", cfg: Config{BaseURL: "http://x"}},
		{name: "cookie without name", cfg: Config{BaseURL: "http://x", SessionCookie: "t"}},
	}
	for _, testCase := range testCases {
		testCase := testCase
		test.Run(testCase.name, func(test *testing.T) {
			test.Parallel()
			if _, err := New(testCase.cfg); !errors.Is(err, ErrInvalidConfig) {
				test.Fatalf("expected ErrInvalidConfig, got %v", err)
			}
		})
	}
}
