package gormstore

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Account represents the accounts table. Balance is the source of truth.
type Account struct {
	AccountID string    `gorm:"primaryKey"`
	Balance   int64     `gorm:"not null;default:0;check:chk_accounts_balance_non_negative,balance >= 0"`
	CreatedAt time.Time `gorm:"not null"`
	UpdatedAt time.Time `gorm:"not null"`
}

func (Account) TableName() string { return "accounts" }

// ProcessedPaymentSession records a payment session id that has already credited an account.
type ProcessedPaymentSession struct {
	SessionID    string    `gorm:"primaryKey"`
	AccountID    string    `gorm:"not null;index"`
	CreditAmount int64     `gorm:"not null"`
	CreatedAt    time.Time `gorm:"not null"`
}

func (ProcessedPaymentSession) TableName() string { return "processed_payment_sessions" }

// LedgerEntry mirrors the ledger_entries journal table.
type LedgerEntry struct {
	EntryID        string         `gorm:"primaryKey"`
	AccountID      string         `gorm:"not null;uniqueIndex:ledger_entries_account_id_idempotency_key_key,priority:1;index:idx_ledger_account_created,priority:1"`
	Type           string         `gorm:"not null"`
	Amount         int64          `gorm:"not null"`
	BalanceAfter   int64          `gorm:"not null"`
	IdempotencyKey string         `gorm:"not null;uniqueIndex:ledger_entries_account_id_idempotency_key_key,priority:2"`
	Metadata       datatypes.JSON `gorm:"not null"`
	CreatedAt      time.Time      `gorm:"not null;index:idx_ledger_account_created,priority:2"`
}

func (LedgerEntry) TableName() string { return "ledger_entries" }

func (entry *LedgerEntry) BeforeCreate(tx *gorm.DB) error {
	if entry.EntryID == "" {
		entry.EntryID = uuid.NewString()
	}
	return nil
}

// Models lists every table for AutoMigrate.
func Models() []any {
	return []any{&Account{}, &ProcessedPaymentSession{}, &LedgerEntry{}}
}
