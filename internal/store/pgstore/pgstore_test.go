package pgstore

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/MarkoPoloResearchLab/resumeledger/pkg/ledger"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

const envTestDatabaseURL = "LEDGER_TEST_DATABASE_URL"

func newPostgresStore(test *testing.T) *Store {
	test.Helper()
	databaseURL := os.Getenv(envTestDatabaseURL)
	if databaseURL == "" {
		test.Skipf("%s not set", envTestDatabaseURL)
	}
	pool, err := pgxpool.New(context.Background(), databaseURL)
	if err != nil {
		test.Fatalf("pool: %v", err)
	}
	test.Cleanup(pool.Close)
	store := New(pool)
	if err := store.Migrate(context.Background()); err != nil {
		test.Fatalf("migrate: %v", err)
	}
	return store
}

func uniqueAccountID(test *testing.T) ledger.AccountID {
	test.Helper()
	accountID, err := ledger.NewAccountID("acct-" + uuid.NewString())
	if err != nil {
		test.Fatalf("account id: %v", err)
	}
	return accountID
}

func TestIsIdempotencyConflictIgnoresOtherErrors(test *testing.T) {
	test.Parallel()
	if isIdempotencyConflict(nil) {
		test.Fatalf("nil must not be a conflict")
	}
	if isIdempotencyConflict(errors.New("boom")) {
		test.Fatalf("plain errors must not be conflicts")
	}
}

func TestPostgresConcurrentDebitAndCredit(test *testing.T) {
	test.Parallel()
	store := newPostgresStore(test)
	service, err := ledger.NewService(store, func() int64 { return time.Now().UTC().Unix() }, ledger.WithStarterGrant(2))
	if err != nil {
		test.Fatalf("service: %v", err)
	}
	accountID := uniqueAccountID(test)
	reason, _ := ledger.NewReason("tailor")
	action, _ := ledger.NewPaidAction(reason, 1)
	sessionID, _ := ledger.NewPaymentSessionID("sess_" + uuid.NewString())

	var (
		waitGroup sync.WaitGroup
		mutex     sync.Mutex
		debits    int
		applied   int
	)
	for range 6 {
		waitGroup.Add(2)
		go func() {
			defer waitGroup.Done()
			if _, err := service.Debit(context.Background(), accountID, action, ledger.EmptyMetadata()); err == nil {
				mutex.Lock()
				debits++
				mutex.Unlock()
			} else if !errors.Is(err, ledger.ErrInsufficientFunds) {
				test.Errorf("debit: %v", err)
			}
		}()
		go func() {
			defer waitGroup.Done()
			result, err := service.Credit(context.Background(), accountID, sessionID, 10, ledger.EmptyMetadata())
			if err != nil {
				test.Errorf("credit: %v", err)
				return
			}
			if result.Applied {
				mutex.Lock()
				applied++
				mutex.Unlock()
			}
		}()
	}
	waitGroup.Wait()

	if applied != 1 {
		test.Fatalf("expected one applied credit, got %d", applied)
	}
	balance, err := service.Balance(context.Background(), accountID)
	if err != nil {
		test.Fatalf("balance: %v", err)
	}
	if want := ledger.Credits(2 + 10 - debits); balance != want {
		test.Fatalf("expected balance %d, got %d", want, balance)
	}
}
