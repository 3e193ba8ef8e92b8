// Package creditclient calls the creditd HTTP API.
package creditclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const (
	defaultAccountHeader = "Account-ID"
	defaultTimeout       = 10 * time.Second
	maxResponseBytes     = 1 << 20
)

var ErrInvalidConfig = errors.New("invalid credit client config")

// APIError is a non-2xx response from creditd.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
}

func (apiErr *APIError) Error() string {
	return fmt.Sprintf("creditd %d %s: %s", apiErr.StatusCode, apiErr.Code, apiErr.Message)
}

// Config locates creditd and identifies the caller.
// AccountID is sent in AccountHeader; SessionCookie, when set, is sent as CookieName.
type Config struct {
	BaseURL       string
	AccountID     string
	AccountHeader string
	CookieName    string
	SessionCookie string
	HTTPClient    *http.Client
}

// VerifyResult mirrors the verify-session response.
type VerifyResult struct {
	Credited bool  `json:"credited"`
	Paid     bool  `json:"paid"`
	Balance  int64 `json:"balance"`
}

// Client is a small creditd API client.
type Client struct {
	cfg        Config
	httpClient *http.Client
}

// New validates cfg.
func New(cfg Config) (*Client, error) {
	cfg.BaseURL = strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("%w: base url is required", ErrInvalidConfig)
	}
	if strings.TrimSpace(cfg.AccountID) == "" && strings.TrimSpace(cfg.SessionCookie) == "" {
		return nil, fmt.Errorf("%w: account id or session cookie is required", ErrInvalidConfig)
	}
	if cfg.AccountHeader == "" {
		cfg.AccountHeader = defaultAccountHeader
	}
	if cfg.SessionCookie != "" && cfg.CookieName == "" {
		return nil, fmt.Errorf("%w: cookie name is required with a session cookie", ErrInvalidConfig)
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultTimeout}
	}
	return &Client{cfg: cfg, httpClient: httpClient}, nil
}

// Balance returns the caller's balance.
func (client *Client) Balance(ctx context.Context) (int64, error) {
	var response struct {
		Balance int64 `json:"balance"`
	}
	if err := client.do(ctx, http.MethodGet, "/account/balance", nil, &response); err != nil {
		return 0, err
	}
	return response.Balance, nil
}

// VerifySession asks creditd to check a payment session with the provider.
func (client *Client) VerifySession(ctx context.Context, sessionID string) (VerifyResult, error) {
	var result VerifyResult
	err := client.do(ctx, http.MethodPost, "/credits/verify-session", map[string]string{"sessionId": sessionID}, &result)
	return result, err
}

func (client *Client) do(ctx context.Context, method string, path string, payload any, target any) error {
	var body io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		body = bytes.NewReader(raw)
	}
	request, err := http.NewRequestWithContext(ctx, method, client.cfg.BaseURL+path, body)
	if err != nil {
		return err
	}
	request.Header.Set("Accept", "application/json")
	if payload != nil {
		request.Header.Set("Content-Type", "application/json")
	}
	if client.cfg.AccountID != "" {
		request.Header.Set(client.cfg.AccountHeader, client.cfg.AccountID)
	}
	if client.cfg.SessionCookie != "" {
		request.AddCookie(&http.Cookie{Name: client.cfg.CookieName, Value: client.cfg.SessionCookie})
	}

	response, err := client.httpClient.Do(request)
	if err != nil {
		return err
	}
	defer response.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(response.Body, maxResponseBytes))
	if err != nil {
		return err
	}
	if response.StatusCode < 200 || response.StatusCode > 299 {
		return decodeAPIError(response.StatusCode, raw)
	}
	if err := json.Unmarshal(raw, target); err != nil {
		return fmt.Errorf("decode %s response: %w", path, err)
	}
	return nil
}

func decodeAPIError(statusCode int, raw []byte) error {
	var envelope struct {
		Error struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	apiErr := &APIError{StatusCode: statusCode}
	if err := json.Unmarshal(raw, &envelope); err == nil {
		apiErr.Code = envelope.Error.Code
		apiErr.Message = envelope.Error.Message
	}
	if apiErr.Code == "" {
		apiErr.Code = http.StatusText(statusCode)
	}
	return apiErr
}
