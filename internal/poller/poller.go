// Package poller waits for a balance increase after a payment redirect.
//
// It only shortens perceived latency. Crediting correctness belongs to the
// webhook and verify-session paths.
package poller

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/MarkoPoloResearchLab/resumeledger/internal/retry"
	"go.uber.org/zap"
)

const (
	DefaultInterval    = time.Second
	DefaultMaxAttempts = 10

	MessageCredited = "credited"
	MessagePending  = "will appear shortly, reload if not"
)

var errBalanceUnchanged = errors.New("balance unchanged")

// State is the poller lifecycle.
type State string

const (
	StateIdle     State = "idle"
	StatePolling  State = "polling"
	StateResolved State = "resolved"
	StateGaveUp   State = "gave_up"
)

// BalanceReader returns the account's current balance.
type BalanceReader interface {
	ReadBalance(ctx context.Context) (int64, error)
}

// BalanceReaderFunc adapts a function to BalanceReader.
type BalanceReaderFunc func(ctx context.Context) (int64, error)

func (fn BalanceReaderFunc) ReadBalance(ctx context.Context) (int64, error) {
	return fn(ctx)
}

// Config bounds the polling loop.
type Config struct {
	Interval    time.Duration
	MaxAttempts int
	Sleep       retry.SleepFunc
	Logger      *zap.Logger
}

// Outcome is the final poller state.
type Outcome struct {
	State    State
	Before   int64
	Balance  int64
	Attempts int
}

// Message is the text shown to the user once polling ends.
func (outcome Outcome) Message() string {
	if outcome.State == StateResolved {
		return MessageCredited
	}
	return MessagePending
}

// Poller reads the balance at a fixed interval until it rises above a baseline.
type Poller struct {
	reader BalanceReader
	policy retry.Policy
	logger *zap.Logger

	mutex sync.Mutex
	state State
}

// New builds a Poller. Zero config fields fall back to a 1s interval and 10 attempts.
func New(reader BalanceReader, cfg Config) (*Poller, error) {
	if reader == nil {
		return nil, fmt.Errorf("poller: balance reader is nil")
	}
	interval := cfg.Interval
	if interval <= 0 {
		interval = DefaultInterval
	}
	maxAttempts := cfg.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	sleep := cfg.Sleep
	if sleep == nil {
		sleep = retry.SleepContext
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Poller{
		reader: reader,
		policy: retry.Policy{MaxAttempts: maxAttempts, Backoff: retry.Constant(interval), Sleep: sleep},
		logger: logger,
		state:  StateIdle,
	}, nil
}

// State reports the current lifecycle state.
func (poller *Poller) State() State {
	poller.mutex.Lock()
	defer poller.mutex.Unlock()
	return poller.state
}

// Run polls until the balance exceeds before, attempts run out, or ctx ends.
// The first read happens one interval after the call. Read errors count as attempts.
func (poller *Poller) Run(ctx context.Context, before int64) Outcome {
	poller.setState(StatePolling)
	outcome := Outcome{Before: before, Balance: before}
	err := poller.policy.Sleep(ctx, poller.policy.Backoff(0))
	if err == nil {
		err = retry.Do(ctx, poller.policy, func(ctx context.Context, attempt int) error {
			outcome.Attempts = attempt
			balance, err := poller.reader.ReadBalance(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return retry.Permanent(ctx.Err())
				}
				poller.logger.Warn("balance read failed", zap.Int("attempt", attempt), zap.Error(err))
				return err
			}
			outcome.Balance = balance
			if balance > before {
				return nil
			}
			return errBalanceUnchanged
		})
	}
	if err == nil {
		outcome.State = StateResolved
	} else {
		outcome.State = StateGaveUp
	}
	poller.setState(outcome.State)
	return outcome
}

func (poller *Poller) setState(state State) {
	poller.mutex.Lock()
	defer poller.mutex.Unlock()
	poller.state = state
}
