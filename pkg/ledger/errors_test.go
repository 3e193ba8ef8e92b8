package ledger

import (
	"errors"
	"testing"
)

const (
	operationName    = "ledger"
	subjectName      = "entry"
	codeName         = "invalid"
	baseErrorMessage = "base error"
)

func TestOperationErrorFormatting(test *testing.T) {
	test.Parallel()
	baseError := errors.New(baseErrorMessage)
	wrappedError := WrapError(operationName, subjectName, codeName, baseError)
	if wrappedError == nil {
		test.Fatalf("expected wrapped error")
	}
	expected := operationName + "." + subjectName + "." + codeName + ": " + baseErrorMessage
	if wrappedError.Error() != expected {
		test.Fatalf("expected %q, got %q", expected, wrappedError.Error())
	}
}

func TestWrapErrorNil(test *testing.T) {
	test.Parallel()
	if WrapError(operationName, subjectName, codeName, nil) != nil {
		test.Fatalf("expected nil wrapped error")
	}
}

func TestWorkFailedErrorMatchesSentinelAndCause(test *testing.T) {
	test.Parallel()
	cause := errors.New(baseErrorMessage)
	workError := error(&WorkFailedError{Err: cause})
	if !errors.Is(workError, ErrWorkFailed) {
		test.Fatalf("expected ErrWorkFailed match")
	}
	if !errors.Is(workError, cause) {
		test.Fatalf("expected cause match")
	}
	if errors.Is(workError, ErrInsufficientFunds) {
		test.Fatalf("unexpected ErrInsufficientFunds match")
	}
}
