package retry

import (
	"context"
	"errors"
	"testing"
	"time"
)

var errFlaky = errors.New("flaky")

type recordedSleeps struct {
	waits []time.Duration
}

func (recorded *recordedSleeps) sleep(_ context.Context, d time.Duration) error {
	recorded.waits = append(recorded.waits, d)
	return nil
}

func TestDoRetriesWithLinearBackoff(test *testing.T) {
	test.Parallel()
	recorded := &recordedSleeps{}
	calls := 0
	err := Do(context.Background(), Policy{MaxAttempts: 3, Backoff: Linear(time.Second), Sleep: recorded.sleep}, func(ctx context.Context, attempt int) error {
		calls++
		return errFlaky
	})
	if !errors.Is(err, ErrAttemptsExhausted) || !errors.Is(err, errFlaky) {
		test.Fatalf("expected exhausted flaky error, got %v", err)
	}
	if calls != 3 {
		test.Fatalf("expected 3 calls, got %d", calls)
	}
	want := []time.Duration{time.Second, 2 * time.Second}
	if len(recorded.waits) != len(want) {
		test.Fatalf("expected waits %v, got %v", want, recorded.waits)
	}
	for index := range want {
		if recorded.waits[index] != want[index] {
			test.Fatalf("expected waits %v, got %v", want, recorded.waits)
		}
	}
}

func TestDoStopsOnSuccess(test *testing.T) {
	test.Parallel()
	recorded := &recordedSleeps{}
	err := Do(context.Background(), Policy{MaxAttempts: 5, Backoff: Constant(time.Second), Sleep: recorded.sleep}, func(ctx context.Context, attempt int) error {
		if attempt < 2 {
			return errFlaky
		}
		return nil
	})
	if err != nil {
		test.Fatalf("unexpected error: %v", err)
	}
	if len(recorded.waits) != 1 {
		test.Fatalf("expected one wait, got %v", recorded.waits)
	}
}

func TestDoAbortsOnPermanentError(test *testing.T) {
	test.Parallel()
	calls := 0
	quota := errors.New("quota exceeded")
	err := Do(context.Background(), Policy{MaxAttempts: 3, Backoff: Linear(time.Second), Sleep: (&recordedSleeps{}).sleep}, func(ctx context.Context, attempt int) error {
		calls++
		return Permanent(quota)
	})
	if err != quota {
		test.Fatalf("expected the unwrapped permanent error, got %v", err)
	}
	if calls != 1 {
		test.Fatalf("expected a single call, got %d", calls)
	}
	if IsPermanent(err) {
		test.Fatalf("returned error must be unwrapped")
	}
}

func TestDoHonoursContextCancellation(test *testing.T) {
	test.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	err := Do(ctx, Policy{MaxAttempts: 3, Backoff: Constant(time.Hour)}, func(ctx context.Context, attempt int) error {
		cancel()
		return errFlaky
	})
	if !errors.Is(err, context.Canceled) || !errors.Is(err, errFlaky) {
		test.Fatalf("expected cancellation wrapping the last error, got %v", err)
	}
}

func TestPermanentNil(test *testing.T) {
	test.Parallel()
	if Permanent(nil) != nil {
		test.Fatalf("expected nil")
	}
}
