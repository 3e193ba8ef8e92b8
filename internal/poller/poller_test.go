package poller

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

type fakeClock struct {
	mutex   sync.Mutex
	elapsed time.Duration
}

func (clock *fakeClock) sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	clock.mutex.Lock()
	defer clock.mutex.Unlock()
	clock.elapsed += d
	return nil
}

func (clock *fakeClock) now() time.Duration {
	clock.mutex.Lock()
	defer clock.mutex.Unlock()
	return clock.elapsed
}

func TestPollerResolvesWhenWebhookLands(test *testing.T) {
	test.Parallel()
	clock := &fakeClock{}
	webhookAt := 4 * time.Second
	reader := BalanceReaderFunc(func(ctx context.Context) (int64, error) {
		if clock.now() >= webhookAt {
			return 13, nil
		}
		return 3, nil
	})
	poller, err := New(reader, Config{Sleep: clock.sleep})
	if err != nil {
		test.Fatalf("poller: %v", err)
	}
	if poller.State() != StateIdle {
		test.Fatalf("expected idle, got %s", poller.State())
	}
	outcome := poller.Run(context.Background(), 3)
	if outcome.State != StateResolved || outcome.Balance != 13 {
		test.Fatalf("expected resolved at 13, got %+v", outcome)
	}
	if outcome.Attempts != 4 || clock.now() != webhookAt {
		test.Fatalf("expected to stop at the first read after the webhook, got %d attempts at %v", outcome.Attempts, clock.now())
	}
	if outcome.Message() != MessageCredited || poller.State() != StateResolved {
		test.Fatalf("unexpected final state %s / %q", poller.State(), outcome.Message())
	}
}

func TestPollerGivesUpAfterMaxAttempts(test *testing.T) {
	test.Parallel()
	clock := &fakeClock{}
	reads := 0
	reader := BalanceReaderFunc(func(ctx context.Context) (int64, error) {
		reads++
		if reads%2 == 0 {
			return 0, errors.New("temporary network error")
		}
		return 3, nil
	})
	poller, err := New(reader, Config{Sleep: clock.sleep})
	if err != nil {
		test.Fatalf("poller: %v", err)
	}
	outcome := poller.Run(context.Background(), 3)
	if outcome.State != StateGaveUp || outcome.Attempts != DefaultMaxAttempts || reads != DefaultMaxAttempts {
		test.Fatalf("expected to give up after %d reads, got %+v (reads=%d)", DefaultMaxAttempts, outcome, reads)
	}
	if clock.now() != time.Duration(DefaultMaxAttempts)*DefaultInterval {
		test.Fatalf("expected a %v ceiling, got %v", time.Duration(DefaultMaxAttempts)*DefaultInterval, clock.now())
	}
	if outcome.Message() != MessagePending {
		test.Fatalf("unexpected message %q", outcome.Message())
	}
}

func TestPollerStopsWhenContextEnds(test *testing.T) {
	test.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	reads := 0
	reader := BalanceReaderFunc(func(ctx context.Context) (int64, error) {
		reads++
		cancel()
		return 0, ctx.Err()
	})
	poller, err := New(reader, Config{Interval: time.Millisecond})
	if err != nil {
		test.Fatalf("poller: %v", err)
	}
	outcome := poller.Run(ctx, 5)
	if outcome.State != StateGaveUp || reads != 1 {
		test.Fatalf("expected to give up after one read, got %+v (reads=%d)", outcome, reads)
	}
}

func TestNewRejectsNilReader(test *testing.T) {
	test.Parallel()
	if _, err := New(nil, Config{}); err == nil {
		test.Fatalf("expected error for nil reader")
	}
}
