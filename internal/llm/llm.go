// Package llm wraps third-party text generation APIs behind a single Provider contract.
package llm

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// Failure classes. Adapters wrap provider errors with exactly one of these.
var (
	ErrQuotaExceeded = errors.New("llm quota exceeded")
	ErrTransient     = errors.New("llm transient failure")
	ErrRejected      = errors.New("llm request rejected")
	ErrEmptyResponse = errors.New("llm returned no content")
	ErrInvalidConfig = errors.New("invalid llm config")
)

// Request is one completion call.
type Request struct {
	System          string
	Prompt          string
	MaxOutputTokens int
}

// Response is the generated text.
type Response struct {
	Text  string
	Model string
}

// Provider generates text. Implementations must be safe for concurrent use.
type Provider interface {
	Complete(ctx context.Context, request Request) (Response, error)
}

// Observer receives one callback per completed provider call.
type Observer interface {
	ObserveLLMCall(provider string, outcome string, duration time.Duration)
}

// Outcome labels used with Observer.
const (
	OutcomeOK        = "ok"
	OutcomeQuota     = "quota"
	OutcomeTransient = "transient"
	OutcomeRejected  = "rejected"
)

// OutcomeOf maps an error to an Observer outcome label.
func OutcomeOf(err error) string {
	switch {
	case err == nil:
		return OutcomeOK
	case errors.Is(err, ErrQuotaExceeded):
		return OutcomeQuota
	case errors.Is(err, ErrRejected), errors.Is(err, ErrEmptyResponse):
		return OutcomeRejected
	default:
		return OutcomeTransient
	}
}

// classifyStatus turns an HTTP status and provider error code into a failure class.
func classifyStatus(status int, code string, message string, cause error) error {
	normalizedCode := strings.ToLower(code)
	normalizedMessage := strings.ToLower(message)
	switch {
	case normalizedCode == "insufficient_quota" || status == http.StatusPaymentRequired:
		return fmt.Errorf("%w: %w", ErrQuotaExceeded, cause)
	case status == http.StatusTooManyRequests && strings.Contains(normalizedMessage, "quota"):
		return fmt.Errorf("%w: %w", ErrQuotaExceeded, cause)
	case status == http.StatusTooManyRequests || status == http.StatusRequestTimeout || status >= http.StatusInternalServerError:
		return fmt.Errorf("%w: %w", ErrTransient, cause)
	case status >= http.StatusBadRequest:
		return fmt.Errorf("%w: %w", ErrRejected, cause)
	default:
		return fmt.Errorf("%w: %w", ErrTransient, cause)
	}
}
