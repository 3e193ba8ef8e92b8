package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
)

const maxReasonLength = 64

var reasonPattern = regexp.MustCompile(`^[a-z0-9][a-z0-9_\-]*$`)

// Credits is a signed count of credits.
type Credits int64

// Int64 returns the raw value.
func (credits Credits) Int64() int64 {
	return int64(credits)
}

// Negated flips the sign.
func (credits Credits) Negated() Credits {
	return -credits
}

// NewBalance validates a stored balance.
func NewBalance(raw int64) (Credits, error) {
	if raw < 0 {
		return 0, fmt.Errorf("%w: must be non-negative", ErrInvalidBalance)
	}
	return Credits(raw), nil
}

// PositiveCredits is a strictly positive amount of credits.
type PositiveCredits int64

// NewPositiveCredits validates an amount and ensures it is strictly positive.
func NewPositiveCredits(raw int64) (PositiveCredits, error) {
	if raw <= 0 {
		return 0, fmt.Errorf("%w: must be greater than zero", ErrInvalidCredits)
	}
	return PositiveCredits(raw), nil
}

// Int64 returns the raw value.
func (credits PositiveCredits) Int64() int64 {
	return int64(credits)
}

// ToCredits widens to the signed type.
func (credits PositiveCredits) ToCredits() Credits {
	return Credits(credits)
}

// AccountID identifies a credit account.
type AccountID struct {
	value string
}

// NewAccountID validates and normalizes an account id.
func NewAccountID(raw string) (AccountID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return AccountID{}, fmt.Errorf("%w: empty value", ErrInvalidAccountID)
	}
	return AccountID{value: trimmed}, nil
}

// String returns the normalized identifier.
func (id AccountID) String() string {
	return id.value
}

// IsZero reports whether the id was never set.
func (id AccountID) IsZero() bool {
	return id.value == ""
}

// PaymentSessionID identifies a payment provider checkout session.
type PaymentSessionID struct {
	value string
}

// NewPaymentSessionID validates and normalizes a session id.
func NewPaymentSessionID(raw string) (PaymentSessionID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return PaymentSessionID{}, fmt.Errorf("%w: empty value", ErrInvalidSessionID)
	}
	return PaymentSessionID{value: trimmed}, nil
}

// String returns the normalized identifier.
func (id PaymentSessionID) String() string {
	return id.value
}

// EntryID identifies a journal entry.
type EntryID struct {
	value string
}

// NewEntryID validates and normalizes an entry id.
func NewEntryID(raw string) (EntryID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return EntryID{}, fmt.Errorf("%w: empty value", ErrInvalidEntryID)
	}
	return EntryID{value: trimmed}, nil
}

// String returns the normalized identifier.
func (id EntryID) String() string {
	return id.value
}

// IdempotencyKey scopes duplicate detection within an account.
type IdempotencyKey struct {
	value string
}

// NewIdempotencyKey validates and normalizes an idempotency key.
func NewIdempotencyKey(raw string) (IdempotencyKey, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return IdempotencyKey{}, fmt.Errorf("%w: empty value", ErrInvalidIdempotencyKey)
	}
	return IdempotencyKey{value: trimmed}, nil
}

// String returns the normalized key.
func (key IdempotencyKey) String() string {
	return key.value
}

// MetadataJSON stores arbitrary request metadata.
type MetadataJSON struct {
	value string
}

// NewMetadataJSON validates metadata string (defaulting to "{}" for empty inputs).
func NewMetadataJSON(raw string) (MetadataJSON, error) {
	normalized := strings.TrimSpace(raw)
	if normalized == "" {
		normalized = "{}"
	}
	if !json.Valid([]byte(normalized)) {
		return MetadataJSON{}, fmt.Errorf("%w: must be valid json", ErrInvalidMetadataJSON)
	}
	return MetadataJSON{value: normalized}, nil
}

// EmptyMetadata returns the "{}" metadata value.
func EmptyMetadata() MetadataJSON {
	return MetadataJSON{value: "{}"}
}

// MetadataFrom marshals a map into metadata, falling back to "{}".
func MetadataFrom(values map[string]any) MetadataJSON {
	if len(values) == 0 {
		return EmptyMetadata()
	}
	raw, err := json.Marshal(values)
	if err != nil {
		return EmptyMetadata()
	}
	return MetadataJSON{value: string(raw)}
}

// String returns the normalized JSON blob.
func (metadata MetadataJSON) String() string {
	if metadata.value == "" {
		return "{}"
	}
	return metadata.value
}

// Reason names what a paid action was for (tailor, export, ...).
type Reason struct {
	value string
}

// NewReason validates a lowercase action reason.
func NewReason(raw string) (Reason, error) {
	normalized := strings.ToLower(strings.TrimSpace(raw))
	if normalized == "" {
		return Reason{}, fmt.Errorf("%w: empty value", ErrInvalidReason)
	}
	if len(normalized) > maxReasonLength || !reasonPattern.MatchString(normalized) {
		return Reason{}, fmt.Errorf("%w: %q", ErrInvalidReason, raw)
	}
	return Reason{value: normalized}, nil
}

// String returns the normalized reason.
func (reason Reason) String() string {
	return reason.value
}

// PaidAction is a user operation that costs credits.
type PaidAction struct {
	reason Reason
	cost   PositiveCredits
}

// NewPaidAction binds a reason to a fixed cost.
func NewPaidAction(reason Reason, cost PositiveCredits) (PaidAction, error) {
	if reason.value == "" {
		return PaidAction{}, fmt.Errorf("%w: empty value", ErrInvalidReason)
	}
	if cost <= 0 {
		return PaidAction{}, fmt.Errorf("%w: cost must be greater than zero", ErrInvalidCredits)
	}
	return PaidAction{reason: reason, cost: cost}, nil
}

// Reason returns the action reason.
func (action PaidAction) Reason() Reason {
	return action.reason
}

// Cost returns the action cost.
func (action PaidAction) Cost() PositiveCredits {
	return action.cost
}

// EntryType enumerates journal entry kinds.
type EntryType string

const (
	EntryGrant  EntryType = "grant"
	EntryDebit  EntryType = "debit"
	EntryCredit EntryType = "credit"
	EntryRefund EntryType = "refund"
)

// ParseEntryType validates a stored entry type.
func ParseEntryType(raw string) (EntryType, error) {
	switch EntryType(strings.TrimSpace(raw)) {
	case EntryGrant, EntryDebit, EntryCredit, EntryRefund:
		return EntryType(strings.TrimSpace(raw)), nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidEntryType, raw)
	}
}

// String returns the stored representation.
func (entryType EntryType) String() string {
	return string(entryType)
}

// Entry is a single immutable line in the journal.
// The journal records balance changes; the account row is the source of truth.
type Entry struct {
	EntryID        EntryID
	AccountID      AccountID
	Type           EntryType
	Amount         Credits
	BalanceAfter   Credits
	IdempotencyKey IdempotencyKey
	Metadata       MetadataJSON
	CreatedUnixUTC int64
}

// CreditResult reports the outcome of an idempotent credit.
type CreditResult struct {
	Balance Credits
	Applied bool
}

// DebitReceipt identifies a successful debit so it can be refunded exactly once.
type DebitReceipt struct {
	AccountID      AccountID
	Reason         Reason
	Amount         PositiveCredits
	IdempotencyKey IdempotencyKey
	Balance        Credits
}

// Store is the persistence contract used by Service.
// TryDebit and TryCredit must each be a single atomic conditional write.
type Store interface {
	WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error
	EnsureAccount(ctx context.Context, accountID AccountID, starterGrant Credits) (bool, error)
	Balance(ctx context.Context, accountID AccountID) (Credits, error)
	TryDebit(ctx context.Context, accountID AccountID, amount PositiveCredits) (Credits, error)
	TryCredit(ctx context.Context, accountID AccountID, sessionID PaymentSessionID, amount PositiveCredits) (CreditResult, error)
	Refund(ctx context.Context, accountID AccountID, amount PositiveCredits) (Credits, error)
	InsertEntry(ctx context.Context, entry Entry) error
	ListEntries(ctx context.Context, accountID AccountID, beforeUnixUTC int64, limit int) ([]Entry, error)
}
