package gormstore

import (
	"context"
	"errors"
	"time"

	"github.com/MarkoPoloResearchLab/resumeledger/pkg/ledger"
	gosqlite "github.com/glebarez/go-sqlite"
	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	constraintAccountIdempotencyKey = "ledger_entries_account_id_idempotency_key_key"
	defaultMetadataJSON             = "{}"
	pgUniqueViolationCode           = "23505"
	sqliteConstraintCode            = 19
	errorOperationStore             = "store"
	errorSubjectAccount             = "account"
	errorSubjectBalance             = "balance"
	errorSubjectEntry               = "entry"
	errorSubjectSession             = "session"
	errorCodeCreate                 = "create"
	errorCodeDebit                  = "debit"
	errorCodeCredit                 = "credit"
	errorCodeRefund                 = "refund"
	errorCodeDuplicate              = "duplicate"
	errorCodeGet                    = "get"
	errorCodeInsert                 = "insert"
	errorCodeInvalid                = "invalid"
	errorCodeList                   = "list"
	errorCodeMissing                = "missing"
)

// Store implements ledger.Store using GORM.
type Store struct {
	db *gorm.DB
}

// New returns a Store backed by gorm.DB.
func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

// Migrate creates or updates the ledger tables.
func Migrate(ctx context.Context, db *gorm.DB) error {
	return db.WithContext(ctx).AutoMigrate(Models()...)
}

// WithTx executes fn within a transaction.
func (store *Store) WithTx(ctx context.Context, fn func(ctx context.Context, txStore ledger.Store) error) error {
	return store.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		return fn(ctx, &Store{db: transaction})
	})
}

func (store *Store) EnsureAccount(ctx context.Context, accountID ledger.AccountID, starterGrant ledger.Credits) (bool, error) {
	now := time.Now().UTC()
	result := store.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "account_id"}}, DoNothing: true}).
		Create(&Account{AccountID: accountID.String(), Balance: starterGrant.Int64(), CreatedAt: now, UpdatedAt: now})
	if result.Error != nil {
		return false, wrapStoreError(errorSubjectAccount, errorCodeCreate, result.Error)
	}
	return result.RowsAffected == 1, nil
}

func (store *Store) Balance(ctx context.Context, accountID ledger.AccountID) (ledger.Credits, error) {
	var account Account
	err := store.db.WithContext(ctx).
		Select("balance").
		Where("account_id = ?", accountID.String()).
		Take(&account).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return 0, wrapStoreError(errorSubjectBalance, errorCodeMissing, ledger.ErrUnknownAccount)
		}
		return 0, wrapStoreError(errorSubjectBalance, errorCodeGet, err)
	}
	balance, err := ledger.NewBalance(account.Balance)
	if err != nil {
		return 0, wrapStoreError(errorSubjectBalance, errorCodeInvalid, err)
	}
	return balance, nil
}

// TryDebit decrements only when the balance covers amount.
func (store *Store) TryDebit(ctx context.Context, accountID ledger.AccountID, amount ledger.PositiveCredits) (ledger.Credits, error) {
	result := store.db.WithContext(ctx).
		Model(&Account{}).
		Where("account_id = ? AND balance >= ?", accountID.String(), amount.Int64()).
		Updates(map[string]any{
			"balance":    gorm.Expr("balance - ?", amount.Int64()),
			"updated_at": time.Now().UTC(),
		})
	if result.Error != nil {
		return 0, wrapStoreError(errorSubjectBalance, errorCodeDebit, result.Error)
	}
	if result.RowsAffected == 0 {
		if _, err := store.Balance(ctx, accountID); err != nil {
			return 0, err
		}
		return 0, wrapStoreError(errorSubjectBalance, errorCodeDebit, ledger.ErrInsufficientFunds)
	}
	return store.Balance(ctx, accountID)
}

// TryCredit marks sessionID processed and increments the balance in one transaction.
// A session id that is already recorded leaves the balance untouched.
func (store *Store) TryCredit(ctx context.Context, accountID ledger.AccountID, sessionID ledger.PaymentSessionID, amount ledger.PositiveCredits) (ledger.CreditResult, error) {
	var result ledger.CreditResult
	err := store.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		inserted := transaction.
			Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "session_id"}}, DoNothing: true}).
			Create(&ProcessedPaymentSession{
				SessionID:    sessionID.String(),
				AccountID:    accountID.String(),
				CreditAmount: amount.Int64(),
				CreatedAt:    time.Now().UTC(),
			})
		if inserted.Error != nil {
			return wrapStoreError(errorSubjectSession, errorCodeInsert, inserted.Error)
		}
		transactionStore := &Store{db: transaction}
		if inserted.RowsAffected == 0 {
			balance, err := transactionStore.Balance(ctx, accountID)
			if err != nil {
				return err
			}
			result = ledger.CreditResult{Balance: balance}
			return nil
		}
		updated := transaction.
			Model(&Account{}).
			Where("account_id = ?", accountID.String()).
			Updates(map[string]any{
				"balance":    gorm.Expr("balance + ?", amount.Int64()),
				"updated_at": time.Now().UTC(),
			})
		if updated.Error != nil {
			return wrapStoreError(errorSubjectBalance, errorCodeCredit, updated.Error)
		}
		if updated.RowsAffected == 0 {
			return wrapStoreError(errorSubjectBalance, errorCodeCredit, ledger.ErrUnknownAccount)
		}
		balance, err := transactionStore.Balance(ctx, accountID)
		if err != nil {
			return err
		}
		result = ledger.CreditResult{Balance: balance, Applied: true}
		return nil
	})
	if err != nil {
		return ledger.CreditResult{}, err
	}
	return result, nil
}

func (store *Store) Refund(ctx context.Context, accountID ledger.AccountID, amount ledger.PositiveCredits) (ledger.Credits, error) {
	updated := store.db.WithContext(ctx).
		Model(&Account{}).
		Where("account_id = ?", accountID.String()).
		Updates(map[string]any{
			"balance":    gorm.Expr("balance + ?", amount.Int64()),
			"updated_at": time.Now().UTC(),
		})
	if updated.Error != nil {
		return 0, wrapStoreError(errorSubjectBalance, errorCodeRefund, updated.Error)
	}
	if updated.RowsAffected == 0 {
		return 0, wrapStoreError(errorSubjectBalance, errorCodeRefund, ledger.ErrUnknownAccount)
	}
	return store.Balance(ctx, accountID)
}

func (store *Store) InsertEntry(ctx context.Context, entry ledger.Entry) error {
	row := LedgerEntry{
		EntryID:        entry.EntryID.String(),
		AccountID:      entry.AccountID.String(),
		Type:           entry.Type.String(),
		Amount:         entry.Amount.Int64(),
		BalanceAfter:   entry.BalanceAfter.Int64(),
		IdempotencyKey: entry.IdempotencyKey.String(),
		Metadata:       datatypesJSON(entry.Metadata.String()),
		CreatedAt:      time.Unix(entry.CreatedUnixUTC, 0).UTC(),
	}
	if entry.CreatedUnixUTC == 0 {
		row.CreatedAt = time.Now().UTC()
	}
	err := store.db.WithContext(ctx).Create(&row).Error
	if isIdempotencyConflict(err) {
		return wrapStoreError(errorSubjectEntry, errorCodeDuplicate, ledger.ErrDuplicateIdempotencyKey)
	}
	if err != nil {
		return wrapStoreError(errorSubjectEntry, errorCodeInsert, err)
	}
	return nil
}

func (store *Store) ListEntries(ctx context.Context, accountID ledger.AccountID, beforeUnixUTC int64, limit int) ([]ledger.Entry, error) {
	before := time.Unix(beforeUnixUTC, 0).UTC()
	if beforeUnixUTC == 0 {
		before = time.Now().UTC().Add(time.Second)
	}

	var rows []LedgerEntry
	err := store.db.WithContext(ctx).
		Where("account_id = ? AND created_at < ?", accountID.String(), before).
		Order("created_at DESC").
		Order("entry_id DESC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectEntry, errorCodeList, err)
	}

	entries := make([]ledger.Entry, 0, len(rows))
	for _, row := range rows {
		entry, err := mapLedgerEntry(row)
		if err != nil {
			return nil, wrapStoreError(errorSubjectEntry, errorCodeInvalid, err)
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

func wrapStoreError(subject string, code string, err error) error {
	return ledger.WrapError(errorOperationStore, subject, code, err)
}

func mapLedgerEntry(row LedgerEntry) (ledger.Entry, error) {
	entryID, err := ledger.NewEntryID(row.EntryID)
	if err != nil {
		return ledger.Entry{}, err
	}
	accountID, err := ledger.NewAccountID(row.AccountID)
	if err != nil {
		return ledger.Entry{}, err
	}
	entryType, err := ledger.ParseEntryType(row.Type)
	if err != nil {
		return ledger.Entry{}, err
	}
	balanceAfter, err := ledger.NewBalance(row.BalanceAfter)
	if err != nil {
		return ledger.Entry{}, err
	}
	idempotencyKey, err := ledger.NewIdempotencyKey(row.IdempotencyKey)
	if err != nil {
		return ledger.Entry{}, err
	}
	metadata, err := ledger.NewMetadataJSON(string(row.Metadata))
	if err != nil {
		return ledger.Entry{}, err
	}
	return ledger.Entry{
		EntryID:        entryID,
		AccountID:      accountID,
		Type:           entryType,
		Amount:         ledger.Credits(row.Amount),
		BalanceAfter:   balanceAfter,
		IdempotencyKey: idempotencyKey,
		Metadata:       metadata,
		CreatedUnixUTC: row.CreatedAt.Unix(),
	}, nil
}

func datatypesJSON(raw string) datatypes.JSON {
	if raw == "" {
		return datatypes.JSON([]byte(defaultMetadataJSON))
	}
	return datatypes.JSON([]byte(raw))
}

func isIdempotencyConflict(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolationCode && pgErr.ConstraintName == constraintAccountIdempotencyKey
	}
	var sqliteErr *gosqlite.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code()&0xFF == sqliteConstraintCode
	}
	return false
}
