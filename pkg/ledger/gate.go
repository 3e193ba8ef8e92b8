package ledger

import (
	"context"
	"fmt"
)

// Entitlements is the debit/refund pair the Gate needs. *Service implements it.
type Entitlements interface {
	Debit(ctx context.Context, accountID AccountID, action PaidAction, metadata MetadataJSON) (DebitReceipt, error)
	Refund(ctx context.Context, receipt DebitReceipt, metadata MetadataJSON) (Credits, error)
}

// GateOption configures a Gate.
type GateOption func(*Gate)

// WithGateLogger reports refund drift to logger.
func WithGateLogger(logger OperationLogger) GateOption {
	return func(gate *Gate) {
		gate.logger = logger
	}
}

// Gate charges for a paid action before running it and refunds when the work fails.
type Gate struct {
	entitlements Entitlements
	logger       OperationLogger
}

// NewGate wires a Gate.
func NewGate(entitlements Entitlements, options ...GateOption) (*Gate, error) {
	if entitlements == nil {
		return nil, fmt.Errorf("%w: entitlements dependency is nil", ErrInvalidServiceConfig)
	}
	gate := &Gate{entitlements: entitlements}
	for _, option := range options {
		if option != nil {
			option(gate)
		}
	}
	return gate, nil
}

// Performed carries the work result and the balance after the debit.
type Performed[T any] struct {
	Value   T
	Balance Credits
}

// Perform debits action's cost, runs work, and refunds the debit if work fails.
//
// A rejected debit returns ErrInsufficientFunds and work is never invoked.
// A work failure returns *WorkFailedError. The refund runs on a context that
// ignores request cancellation so an abandoned request still gets its credit back.
func Perform[T any](ctx context.Context, gate *Gate, accountID AccountID, action PaidAction, work func(ctx context.Context) (T, error)) (Performed[T], error) {
	var zero Performed[T]
	metadata := MetadataFrom(map[string]any{"reason": action.Reason().String()})
	receipt, err := gate.entitlements.Debit(ctx, accountID, action, metadata)
	if err != nil {
		return zero, err
	}
	value, workErr := work(ctx)
	if workErr == nil {
		return Performed[T]{Value: value, Balance: receipt.Balance}, nil
	}
	refundMetadata := MetadataFrom(map[string]any{
		"reason": action.Reason().String(),
		"debit":  receipt.IdempotencyKey.String(),
		"cause":  workErr.Error(),
	})
	balance, refundErr := gate.entitlements.Refund(context.WithoutCancel(ctx), receipt, refundMetadata)
	if refundErr != nil {
		gate.reportDrift(ctx, receipt, refundMetadata, refundErr)
		balance = receipt.Balance
	}
	return zero, &WorkFailedError{
		Reason:    action.Reason(),
		Err:       workErr,
		RefundErr: refundErr,
		Balance:   balance,
	}
}

func (gate *Gate) reportDrift(ctx context.Context, receipt DebitReceipt, metadata MetadataJSON, refundErr error) {
	if gate.logger == nil {
		return
	}
	gate.logger.LogOperation(ctx, OperationLog{
		Operation:      OperationRefundDrift,
		AccountID:      receipt.AccountID,
		Reason:         receipt.Reason,
		Amount:         receipt.Amount.ToCredits(),
		Balance:        receipt.Balance,
		IdempotencyKey: receipt.IdempotencyKey,
		Metadata:       metadata,
		Status:         operationStatusError,
		Error:          refundErr,
	})
}
