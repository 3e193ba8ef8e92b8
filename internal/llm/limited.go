package llm

import "context"

// DefaultMaxConcurrent is the admission window for outbound LLM calls.
const DefaultMaxConcurrent = 5

type limitedProvider struct {
	inner Provider
	sem   chan struct{}
}

// NewLimited admits at most maxConcurrent in-flight calls to inner.
// Waiting callers give up when their context ends.
func NewLimited(inner Provider, maxConcurrent int) Provider {
	if maxConcurrent <= 0 {
		return inner
	}
	return &limitedProvider{
		inner: inner,
		sem:   make(chan struct{}, maxConcurrent),
	}
}

func (limited *limitedProvider) Complete(ctx context.Context, request Request) (Response, error) {
	select {
	case limited.sem <- struct{}{}:
	case <-ctx.Done():
		return Response{}, ctx.Err()
	}
	defer func() { <-limited.sem }()
	return limited.inner.Complete(ctx, request)
}
