package ledger

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"testing"
)

const (
	accountIDValue       = "account-1"
	sessionIDValue       = "sess_1"
	metadataValue        = `{"source":"test"}`
	errorMismatchMessage = "expected %v, got %v"
)

type memoryState struct {
	balances map[string]int64
	sessions map[string]string
	entries  []Entry
	keys     map[string]struct{}
	sequence int
}

func (state *memoryState) clone() *memoryState {
	copied := &memoryState{
		balances: make(map[string]int64, len(state.balances)),
		sessions: make(map[string]string, len(state.sessions)),
		entries:  append([]Entry(nil), state.entries...),
		keys:     make(map[string]struct{}, len(state.keys)),
		sequence: state.sequence,
	}
	for key, value := range state.balances {
		copied.balances[key] = value
	}
	for key, value := range state.sessions {
		copied.sessions[key] = value
	}
	for key := range state.keys {
		copied.keys[key] = struct{}{}
	}
	return copied
}

type stubFailures struct {
	ensureError      error
	balanceError     error
	debitError       error
	creditError      error
	refundError      error
	insertEntryError error
	listEntriesError error
}

// memoryStore is an in-process Store with transactional rollback.
type memoryStore struct {
	mu       *sync.Mutex
	state    **memoryState
	failures *stubFailures
	inTx     bool
}

func newMemoryStore(test *testing.T) *memoryStore {
	test.Helper()
	state := &memoryState{
		balances: map[string]int64{},
		sessions: map[string]string{},
		keys:     map[string]struct{}{},
	}
	return &memoryStore{mu: &sync.Mutex{}, state: &state, failures: &stubFailures{}}
}

func (store *memoryStore) locked(fn func(state *memoryState) error) error {
	if store.inTx {
		return fn(*store.state)
	}
	store.mu.Lock()
	defer store.mu.Unlock()
	return fn(*store.state)
}

func (store *memoryStore) WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error {
	if store.inTx {
		return fn(ctx, store)
	}
	store.mu.Lock()
	defer store.mu.Unlock()
	snapshot := (*store.state).clone()
	transactionStore := &memoryStore{mu: store.mu, state: store.state, failures: store.failures, inTx: true}
	if err := fn(ctx, transactionStore); err != nil {
		*store.state = snapshot
		return err
	}
	return nil
}

func (store *memoryStore) EnsureAccount(_ context.Context, accountID AccountID, starterGrant Credits) (bool, error) {
	if store.failures.ensureError != nil {
		return false, store.failures.ensureError
	}
	created := false
	err := store.locked(func(state *memoryState) error {
		if _, ok := state.balances[accountID.String()]; ok {
			return nil
		}
		state.balances[accountID.String()] = starterGrant.Int64()
		created = true
		return nil
	})
	return created, err
}

func (store *memoryStore) Balance(_ context.Context, accountID AccountID) (Credits, error) {
	if store.failures.balanceError != nil {
		return 0, store.failures.balanceError
	}
	var balance Credits
	err := store.locked(func(state *memoryState) error {
		value, ok := state.balances[accountID.String()]
		if !ok {
			return ErrUnknownAccount
		}
		balance = Credits(value)
		return nil
	})
	return balance, err
}

func (store *memoryStore) TryDebit(_ context.Context, accountID AccountID, amount PositiveCredits) (Credits, error) {
	if store.failures.debitError != nil {
		return 0, store.failures.debitError
	}
	var balance Credits
	err := store.locked(func(state *memoryState) error {
		value, ok := state.balances[accountID.String()]
		if !ok {
			return ErrUnknownAccount
		}
		if value < amount.Int64() {
			return ErrInsufficientFunds
		}
		state.balances[accountID.String()] = value - amount.Int64()
		balance = Credits(value - amount.Int64())
		return nil
	})
	return balance, err
}

func (store *memoryStore) TryCredit(_ context.Context, accountID AccountID, sessionID PaymentSessionID, amount PositiveCredits) (CreditResult, error) {
	if store.failures.creditError != nil {
		return CreditResult{}, store.failures.creditError
	}
	var result CreditResult
	err := store.locked(func(state *memoryState) error {
		value, ok := state.balances[accountID.String()]
		if !ok {
			return ErrUnknownAccount
		}
		if _, processed := state.sessions[sessionID.String()]; processed {
			result = CreditResult{Balance: Credits(value)}
			return nil
		}
		state.sessions[sessionID.String()] = accountID.String()
		state.balances[accountID.String()] = value + amount.Int64()
		result = CreditResult{Balance: Credits(value + amount.Int64()), Applied: true}
		return nil
	})
	return result, err
}

func (store *memoryStore) Refund(_ context.Context, accountID AccountID, amount PositiveCredits) (Credits, error) {
	if store.failures.refundError != nil {
		return 0, store.failures.refundError
	}
	var balance Credits
	err := store.locked(func(state *memoryState) error {
		value, ok := state.balances[accountID.String()]
		if !ok {
			return ErrUnknownAccount
		}
		state.balances[accountID.String()] = value + amount.Int64()
		balance = Credits(value + amount.Int64())
		return nil
	})
	return balance, err
}

func (store *memoryStore) InsertEntry(_ context.Context, entry Entry) error {
	if store.failures.insertEntryError != nil {
		return store.failures.insertEntryError
	}
	return store.locked(func(state *memoryState) error {
		uniqueKey := entry.AccountID.String() + "|" + entry.IdempotencyKey.String()
		if _, exists := state.keys[uniqueKey]; exists {
			return WrapError("store", "entry", "duplicate", ErrDuplicateIdempotencyKey)
		}
		state.keys[uniqueKey] = struct{}{}
		state.sequence++
		entryID, err := NewEntryID(fmt.Sprintf("entry-%d", state.sequence))
		if err != nil {
			return err
		}
		entry.EntryID = entryID
		state.entries = append(state.entries, entry)
		return nil
	})
}

func (store *memoryStore) ListEntries(_ context.Context, accountID AccountID, beforeUnixUTC int64, limit int) ([]Entry, error) {
	if store.failures.listEntriesError != nil {
		return nil, store.failures.listEntriesError
	}
	var entries []Entry
	err := store.locked(func(state *memoryState) error {
		for _, entry := range state.entries {
			if entry.AccountID == accountID && entry.CreatedUnixUTC < beforeUnixUTC {
				entries = append(entries, entry)
			}
		}
		return nil
	})
	sort.SliceStable(entries, func(left, right int) bool {
		return entries[left].CreatedUnixUTC > entries[right].CreatedUnixUTC
	})
	if len(entries) > limit {
		entries = entries[:limit]
	}
	return entries, err
}

func (store *memoryStore) setBalance(test *testing.T, accountID AccountID, balance int64) {
	test.Helper()
	store.mu.Lock()
	defer store.mu.Unlock()
	(*store.state).balances[accountID.String()] = balance
}

func (store *memoryStore) entriesOfType(entryType EntryType) []Entry {
	store.mu.Lock()
	defer store.mu.Unlock()
	var matched []Entry
	for _, entry := range (*store.state).entries {
		if entry.Type == entryType {
			matched = append(matched, entry)
		}
	}
	return matched
}

func mustNewService(test *testing.T, store Store, options ...ServiceOption) *Service {
	test.Helper()
	service, err := NewService(store, func() int64 { return 1700000000 }, options...)
	if err != nil {
		test.Fatalf("service init failed: %v", err)
	}
	return service
}

func mustAccountID(test *testing.T, raw string) AccountID {
	test.Helper()
	accountID, err := NewAccountID(raw)
	if err != nil {
		test.Fatalf("account id: %v", err)
	}
	return accountID
}

func mustSessionID(test *testing.T, raw string) PaymentSessionID {
	test.Helper()
	sessionID, err := NewPaymentSessionID(raw)
	if err != nil {
		test.Fatalf("session id: %v", err)
	}
	return sessionID
}

func mustPositiveCredits(test *testing.T, raw int64) PositiveCredits {
	test.Helper()
	amount, err := NewPositiveCredits(raw)
	if err != nil {
		test.Fatalf("positive credits: %v", err)
	}
	return amount
}

func mustMetadata(test *testing.T, raw string) MetadataJSON {
	test.Helper()
	metadata, err := NewMetadataJSON(raw)
	if err != nil {
		test.Fatalf("metadata: %v", err)
	}
	return metadata
}

func mustPaidAction(test *testing.T, reason string, cost int64) PaidAction {
	test.Helper()
	parsedReason, err := NewReason(reason)
	if err != nil {
		test.Fatalf("reason: %v", err)
	}
	action, err := NewPaidAction(parsedReason, mustPositiveCredits(test, cost))
	if err != nil {
		test.Fatalf("paid action: %v", err)
	}
	return action
}
