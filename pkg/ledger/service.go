package ledger

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// Service contains the domain logic over a Store.
type Service struct {
	store        Store
	nowFn        func() int64
	logger       OperationLogger
	starterGrant Credits
	newKey       func() string
}

// NewService wires a Service.
func NewService(store Store, now func() int64, options ...ServiceOption) (*Service, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: store dependency is nil", ErrInvalidServiceConfig)
	}
	if now == nil {
		return nil, fmt.Errorf("%w: clock dependency is nil", ErrInvalidServiceConfig)
	}
	service := &Service{
		store:        store,
		nowFn:        now,
		starterGrant: defaultStarterGrant,
		newKey:       uuid.NewString,
	}
	for _, option := range options {
		if option != nil {
			option(service)
		}
	}
	return service, nil
}

// Balance returns the current balance, creating the account on first touch.
func (service *Service) Balance(ctx context.Context, accountID AccountID) (Credits, error) {
	var balance Credits
	err := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		if err := service.ensureAccount(ctx, transactionStore, accountID); err != nil {
			return err
		}
		current, err := transactionStore.Balance(ctx, accountID)
		if err != nil {
			return err
		}
		balance = current
		return nil
	})
	return balance, err
}

// Debit takes the action's cost from the balance or fails with ErrInsufficientFunds.
func (service *Service) Debit(ctx context.Context, accountID AccountID, action PaidAction, metadata MetadataJSON) (DebitReceipt, error) {
	var receipt DebitReceipt
	idempotencyKey, keyErr := NewIdempotencyKey(idempotencyPrefixDebit + idempotencyKeyDelimiter + action.Reason().String() + idempotencyKeyDelimiter + service.newKey())
	operationError := keyErr
	if operationError == nil {
		operationError = service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
			if err := service.ensureAccount(ctx, transactionStore, accountID); err != nil {
				return err
			}
			balance, err := transactionStore.TryDebit(ctx, accountID, action.Cost())
			if err != nil {
				return err
			}
			if err := transactionStore.InsertEntry(ctx, Entry{
				AccountID:      accountID,
				Type:           EntryDebit,
				Amount:         action.Cost().ToCredits().Negated(),
				BalanceAfter:   balance,
				IdempotencyKey: idempotencyKey,
				Metadata:       metadata,
				CreatedUnixUTC: service.nowFn(),
			}); err != nil {
				return err
			}
			receipt = DebitReceipt{
				AccountID:      accountID,
				Reason:         action.Reason(),
				Amount:         action.Cost(),
				IdempotencyKey: idempotencyKey,
				Balance:        balance,
			}
			return nil
		})
	}
	service.logOperation(ctx, OperationLog{
		Operation:      OperationDebit,
		AccountID:      accountID,
		Reason:         action.Reason(),
		Amount:         action.Cost().ToCredits(),
		Balance:        receipt.Balance,
		IdempotencyKey: idempotencyKey,
		Metadata:       metadata,
		Error:          operationError,
	})
	if operationError != nil {
		return DebitReceipt{}, operationError
	}
	return receipt, nil
}

// Credit adds a paid session's credits at most once per session id.
// A replayed session is not an error: Applied is false and Balance is current.
func (service *Service) Credit(ctx context.Context, accountID AccountID, sessionID PaymentSessionID, amount PositiveCredits, metadata MetadataJSON) (CreditResult, error) {
	var result CreditResult
	idempotencyKey, keyErr := NewIdempotencyKey(idempotencyPrefixCredit + idempotencyKeyDelimiter + sessionID.String())
	operationError := keyErr
	if operationError == nil {
		operationError = service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
			if err := service.ensureAccount(ctx, transactionStore, accountID); err != nil {
				return err
			}
			creditResult, err := transactionStore.TryCredit(ctx, accountID, sessionID, amount)
			if err != nil {
				return err
			}
			result = creditResult
			if !creditResult.Applied {
				return nil
			}
			return transactionStore.InsertEntry(ctx, Entry{
				AccountID:      accountID,
				Type:           EntryCredit,
				Amount:         amount.ToCredits(),
				BalanceAfter:   creditResult.Balance,
				IdempotencyKey: idempotencyKey,
				Metadata:       metadata,
				CreatedUnixUTC: service.nowFn(),
			})
		})
	}
	status := ""
	if operationError == nil && !result.Applied {
		status = operationStatusDuplicate
	}
	service.logOperation(ctx, OperationLog{
		Operation:      OperationCredit,
		AccountID:      accountID,
		SessionID:      sessionID,
		Amount:         amount.ToCredits(),
		Balance:        result.Balance,
		IdempotencyKey: idempotencyKey,
		Metadata:       metadata,
		Status:         status,
		Error:          operationError,
	})
	if operationError != nil {
		return CreditResult{}, operationError
	}
	return result, nil
}

// Refund returns a debit's amount to the account. A second refund of the same
// receipt fails with ErrAlreadyRefunded and leaves the balance untouched.
func (service *Service) Refund(ctx context.Context, receipt DebitReceipt, metadata MetadataJSON) (Credits, error) {
	var balance Credits
	refundKey, keyErr := deriveIdempotencyKey(receipt.IdempotencyKey, idempotencySuffixRefund)
	operationError := keyErr
	if operationError == nil {
		operationError = service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
			refunded, err := transactionStore.Refund(ctx, receipt.AccountID, receipt.Amount)
			if err != nil {
				return err
			}
			if err := transactionStore.InsertEntry(ctx, Entry{
				AccountID:      receipt.AccountID,
				Type:           EntryRefund,
				Amount:         receipt.Amount.ToCredits(),
				BalanceAfter:   refunded,
				IdempotencyKey: refundKey,
				Metadata:       metadata,
				CreatedUnixUTC: service.nowFn(),
			}); err != nil {
				if errors.Is(err, ErrDuplicateIdempotencyKey) {
					return fmt.Errorf("%w: %s", ErrAlreadyRefunded, receipt.IdempotencyKey.String())
				}
				return err
			}
			balance = refunded
			return nil
		})
	}
	service.logOperation(ctx, OperationLog{
		Operation:      OperationRefund,
		AccountID:      receipt.AccountID,
		Reason:         receipt.Reason,
		Amount:         receipt.Amount.ToCredits(),
		Balance:        balance,
		IdempotencyKey: refundKey,
		Metadata:       metadata,
		Error:          operationError,
	})
	if operationError != nil {
		return 0, operationError
	}
	return balance, nil
}

// ListEntries lists journal entries for an account before a cutoff time, newest first.
func (service *Service) ListEntries(ctx context.Context, accountID AccountID, beforeUnixUTC int64, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}
	if beforeUnixUTC <= 0 {
		beforeUnixUTC = service.nowFn() + 1
	}
	return service.store.ListEntries(ctx, accountID, beforeUnixUTC, limit)
}

func (service *Service) ensureAccount(ctx context.Context, transactionStore Store, accountID AccountID) error {
	if accountID.IsZero() {
		return fmt.Errorf("%w: empty value", ErrInvalidAccountID)
	}
	created, err := transactionStore.EnsureAccount(ctx, accountID, service.starterGrant)
	if err != nil {
		return err
	}
	if !created || service.starterGrant <= 0 {
		return nil
	}
	grantKey, err := NewIdempotencyKey(idempotencyPrefixGrant + idempotencyKeyDelimiter + starterGrantKey)
	if err != nil {
		return err
	}
	if err := transactionStore.InsertEntry(ctx, Entry{
		AccountID:      accountID,
		Type:           EntryGrant,
		Amount:         service.starterGrant,
		BalanceAfter:   service.starterGrant,
		IdempotencyKey: grantKey,
		Metadata:       EmptyMetadata(),
		CreatedUnixUTC: service.nowFn(),
	}); err != nil {
		return err
	}
	service.logOperation(ctx, OperationLog{
		Operation:      OperationGrant,
		AccountID:      accountID,
		Amount:         service.starterGrant,
		Balance:        service.starterGrant,
		IdempotencyKey: grantKey,
	})
	return nil
}

func (service *Service) logOperation(ctx context.Context, entry OperationLog) {
	if service.logger == nil {
		return
	}
	if entry.Status == "" {
		if entry.Error != nil {
			entry.Status = operationStatusError
		} else {
			entry.Status = operationStatusOK
		}
	}
	service.logger.LogOperation(ctx, entry)
}

func deriveIdempotencyKey(baseKey IdempotencyKey, suffix string) (IdempotencyKey, error) {
	combined := baseKey.String() + idempotencyKeyDelimiter + suffix
	return NewIdempotencyKey(combined)
}
