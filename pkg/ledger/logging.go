package ledger

import "context"

// ServiceOption configures a Service instance.
type ServiceOption func(*Service)

// OperationLogger records domain-level events emitted by Service and Gate operations.
type OperationLogger interface {
	LogOperation(ctx context.Context, entry OperationLog)
}

// OperationLog describes a state-changing ledger operation.
type OperationLog struct {
	Operation      string
	AccountID      AccountID
	SessionID      PaymentSessionID
	Reason         Reason
	Amount         Credits
	Balance        Credits
	IdempotencyKey IdempotencyKey
	Metadata       MetadataJSON
	Status         string
	Error          error
}

// WithOperationLogger wires a logger that receives callbacks for every operation.
func WithOperationLogger(logger OperationLogger) ServiceOption {
	return func(service *Service) {
		service.logger = logger
	}
}

// WithStarterGrant sets the credits granted when an account is first touched.
// Zero disables the grant.
func WithStarterGrant(credits Credits) ServiceOption {
	return func(service *Service) {
		if credits >= 0 {
			service.starterGrant = credits
		}
	}
}

// WithKeyGenerator overrides how debit idempotency keys are minted.
func WithKeyGenerator(generate func() string) ServiceOption {
	return func(service *Service) {
		if generate != nil {
			service.newKey = generate
		}
	}
}
