package ledger

import (
	"errors"
	"fmt"
)

// Domain-level error values returned by the ledger service.
var (
	ErrInsufficientFunds       = errors.New("insufficient funds")
	ErrUnknownAccount          = errors.New("unknown account")
	ErrDuplicateIdempotencyKey = errors.New("duplicate idempotency key")
	ErrAlreadyRefunded         = errors.New("debit already refunded")
	ErrWorkFailed              = errors.New("paid action work failed")
	ErrInvalidAccountID        = errors.New("invalid account id")
	ErrInvalidEntryID          = errors.New("invalid entry id")
	ErrInvalidSessionID        = errors.New("invalid payment session id")
	ErrInvalidIdempotencyKey   = errors.New("invalid idempotency key")
	ErrInvalidReason           = errors.New("invalid action reason")
	ErrInvalidCredits          = errors.New("invalid credits")
	ErrInvalidEntryType        = errors.New("invalid entry type")
	ErrInvalidMetadataJSON     = errors.New("invalid metadata json")
	ErrInvalidServiceConfig    = errors.New("invalid service config")
	ErrInvalidBalance          = errors.New("invalid balance")
)

// OperationError wraps a failure with a stable operation code.
type OperationError struct {
	operation string
	subject   string
	code      string
	err       error
}

// Error returns the formatted error message.
func (operationError OperationError) Error() string {
	return fmt.Sprintf("%s.%s.%s: %v", operationError.operation, operationError.subject, operationError.code, operationError.err)
}

// Unwrap returns the underlying error.
func (operationError OperationError) Unwrap() error {
	return operationError.err
}

// Operation returns the operation segment.
func (operationError OperationError) Operation() string {
	return operationError.operation
}

// Subject returns the subject segment.
func (operationError OperationError) Subject() string {
	return operationError.subject
}

// Code returns the stable error code segment.
func (operationError OperationError) Code() string {
	return operationError.code
}

// WrapError wraps an error with operation, subject, and code metadata.
func WrapError(operation string, subject string, code string, err error) error {
	if err == nil {
		return nil
	}
	return OperationError{
		operation: operation,
		subject:   subject,
		code:      code,
		err:       err,
	}
}

// WorkFailedError reports a paid action whose work failed after the debit was taken.
// Unwrap yields the work error so callers can classify it.
type WorkFailedError struct {
	Reason    Reason
	Err       error
	RefundErr error
	Balance   Credits
}

func (workError *WorkFailedError) Error() string {
	if workError.RefundErr != nil {
		return fmt.Sprintf("%s: %v (refund failed: %v)", ErrWorkFailed, workError.Err, workError.RefundErr)
	}
	return fmt.Sprintf("%s: %v", ErrWorkFailed, workError.Err)
}

func (workError *WorkFailedError) Unwrap() error {
	return workError.Err
}

// Is matches ErrWorkFailed.
func (workError *WorkFailedError) Is(target error) bool {
	return target == ErrWorkFailed
}

// Refunded reports whether the debit was returned to the account.
func (workError *WorkFailedError) Refunded() bool {
	return workError.RefundErr == nil
}
