package llm

import (
	"context"
	"errors"
	"time"

	"github.com/MarkoPoloResearchLab/resumeledger/internal/retry"
	"go.uber.org/zap"
)

const (
	DefaultMaxAttempts = 3
	DefaultBackoffUnit = time.Second
)

// DefaultRetryPolicy is three attempts with a linear 1s, 2s backoff.
// The 3x step would follow the last attempt, so it is never slept.
func DefaultRetryPolicy() retry.Policy {
	return retry.Policy{MaxAttempts: DefaultMaxAttempts, Backoff: retry.Linear(DefaultBackoffUnit)}
}

type retryingProvider struct {
	inner  Provider
	policy retry.Policy
	logger *zap.Logger
}

// NewRetrying retries transient failures of inner. Quota and rejected requests fail immediately.
func NewRetrying(inner Provider, policy retry.Policy, logger *zap.Logger) Provider {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &retryingProvider{inner: inner, policy: policy, logger: logger}
}

func (retrying *retryingProvider) Complete(ctx context.Context, request Request) (Response, error) {
	var response Response
	err := retry.Do(ctx, retrying.policy, func(ctx context.Context, attempt int) error {
		result, err := retrying.inner.Complete(ctx, request)
		if err == nil {
			response = result
			return nil
		}
		if isPermanent(err) {
			return retry.Permanent(err)
		}
		retrying.logger.Warn("llm call failed", zap.Int("attempt", attempt), zap.Error(err))
		return err
	})
	return response, err
}

func isPermanent(err error) bool {
	return errors.Is(err, ErrQuotaExceeded) ||
		errors.Is(err, ErrRejected) ||
		errors.Is(err, ErrEmptyResponse) ||
		errors.Is(err, context.Canceled)
}

type observedProvider struct {
	inner    Provider
	name     string
	observer Observer
	now      func() time.Time
}

// NewObserved reports every call's outcome and latency to observer.
func NewObserved(inner Provider, name string, observer Observer) Provider {
	if observer == nil {
		return inner
	}
	return &observedProvider{inner: inner, name: name, observer: observer, now: time.Now}
}

func (observed *observedProvider) Complete(ctx context.Context, request Request) (Response, error) {
	started := observed.now()
	response, err := observed.inner.Complete(ctx, request)
	observed.observer.ObserveLLMCall(observed.name, OutcomeOf(err), observed.now().Sub(started))
	return response, err
}
