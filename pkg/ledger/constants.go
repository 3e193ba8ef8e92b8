package ledger

// Operation names reported to OperationLogger.
const (
	OperationGrant       = "grant"
	OperationDebit       = "debit"
	OperationCredit      = "credit"
	OperationRefund      = "refund"
	OperationRefundDrift = "refund_drift"

	operationStatusOK        = "ok"
	operationStatusError     = "error"
	operationStatusDuplicate = "duplicate"

	idempotencyKeyDelimiter = ":"
	idempotencyPrefixDebit  = "debit"
	idempotencyPrefixCredit = "credit"
	idempotencyPrefixGrant  = "grant"
	idempotencySuffixRefund = "refund"
	starterGrantKey         = "starter"

	defaultStarterGrant = 1
	defaultListLimit    = 50
	maxListLimit        = 500
)
