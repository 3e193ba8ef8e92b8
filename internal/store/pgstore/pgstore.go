package pgstore

import (
	"context"
	"errors"

	"github.com/MarkoPoloResearchLab/resumeledger/pkg/ledger"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	constraintAccountIdempotencyKey = "ledger_entries_account_id_idempotency_key_key"
	pgUniqueViolationCode           = "23505"
	errorOperationStore             = "store"
	errorSubjectAccount             = "account"
	errorSubjectBalance             = "balance"
	errorSubjectEntry               = "entry"
	errorSubjectSchema              = "schema"
	errorSubjectTransaction         = "transaction"
	errorCodeBegin                  = "begin"
	errorCodeCommit                 = "commit"
	errorCodeCreate                 = "create"
	errorCodeCredit                 = "credit"
	errorCodeDebit                  = "debit"
	errorCodeDuplicate              = "duplicate"
	errorCodeGet                    = "get"
	errorCodeInsert                 = "insert"
	errorCodeInvalid                = "invalid"
	errorCodeList                   = "list"
	errorCodeMigrate                = "migrate"
	errorCodeMissing                = "missing"
	errorCodeRefund                 = "refund"

	// SchemaSQL creates the ledger tables. It is idempotent.
	SchemaSQL = `
		create table if not exists accounts (
			account_id text primary key,
			balance bigint not null default 0 constraint chk_accounts_balance_non_negative check (balance >= 0),
			created_at timestamptz not null default now(),
			updated_at timestamptz not null default now()
		);
		create table if not exists processed_payment_sessions (
			session_id text primary key,
			account_id text not null references accounts(account_id),
			credit_amount bigint not null,
			created_at timestamptz not null default now()
		);
		create index if not exists idx_processed_payment_sessions_account_id on processed_payment_sessions(account_id);
		create table if not exists ledger_entries (
			entry_id uuid primary key default gen_random_uuid(),
			account_id text not null references accounts(account_id),
			type text not null,
			amount bigint not null,
			balance_after bigint not null,
			idempotency_key text not null,
			metadata jsonb not null default '{}'::jsonb,
			created_at timestamptz not null default now(),
			constraint ledger_entries_account_id_idempotency_key_key unique (account_id, idempotency_key)
		);
		create index if not exists idx_ledger_account_created on ledger_entries(account_id, created_at);
	`

	sqlEnsureAccount = `
		insert into accounts(account_id, balance) values($1, $2)
		on conflict (account_id) do nothing
	`

	sqlSelectBalance = `select balance from accounts where account_id = $1`

	sqlTryDebit = `
		update accounts set balance = balance - $2, updated_at = now()
		where account_id = $1 and balance >= $2
		returning balance
	`

	sqlTryCredit = `
		with inserted as (
			insert into processed_payment_sessions(session_id, account_id, credit_amount)
			values ($2, $1, $3)
			on conflict (session_id) do nothing
			returning session_id
		)
		update accounts set balance = balance + $3, updated_at = now()
		where account_id = $1 and exists (select 1 from inserted)
		returning balance
	`

	sqlRefund = `
		update accounts set balance = balance + $2, updated_at = now()
		where account_id = $1
		returning balance
	`

	sqlInsertEntry = `
		insert into ledger_entries(
			entry_id, account_id, type, amount, balance_after, idempotency_key, metadata, created_at
		)
		values(
			coalesce(nullif($1,'')::uuid, gen_random_uuid()), $2, $3, $4, $5, $6,
			coalesce(nullif($7,''),'{}')::jsonb,
			to_timestamp($8)
		)
	`

	sqlListEntriesBefore = `
		select
			entry_id::text,
			account_id,
			type,
			amount,
			balance_after,
			idempotency_key,
			coalesce(metadata::text,'{}'),
			extract(epoch from created_at)::bigint
		from ledger_entries
		where account_id = $1 and created_at < to_timestamp($2)
		order by created_at desc, entry_id desc
		limit $3
	`
)

// executor is satisfied by both *pgxpool.Pool and pgx.Tx.
type executor interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Store implements ledger.Store using a pgx connection pool.
type Store struct {
	pool *pgxpool.Pool
	db   executor
}

// New returns a Store backed by a pgx pool.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool, db: pool}
}

// Migrate applies SchemaSQL.
func (store *Store) Migrate(ctx context.Context) error {
	if _, err := store.db.Exec(ctx, SchemaSQL); err != nil {
		return wrapStoreError(errorSubjectSchema, errorCodeMigrate, err)
	}
	return nil
}

// WithTx executes fn within a transaction. Nested calls reuse the open transaction.
func (store *Store) WithTx(ctx context.Context, fn func(ctx context.Context, txStore ledger.Store) error) error {
	if store.pool == nil {
		return fn(ctx, store)
	}
	tx, err := store.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return wrapStoreError(errorSubjectTransaction, errorCodeBegin, err)
	}
	transactionStore := &Store{db: tx}
	if err := fn(ctx, transactionStore); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return wrapStoreError(errorSubjectTransaction, errorCodeCommit, err)
	}
	return nil
}

func (store *Store) EnsureAccount(ctx context.Context, accountID ledger.AccountID, starterGrant ledger.Credits) (bool, error) {
	tag, err := store.db.Exec(ctx, sqlEnsureAccount, accountID.String(), starterGrant.Int64())
	if err != nil {
		return false, wrapStoreError(errorSubjectAccount, errorCodeCreate, err)
	}
	return tag.RowsAffected() == 1, nil
}

func (store *Store) Balance(ctx context.Context, accountID ledger.AccountID) (ledger.Credits, error) {
	var value int64
	err := store.db.QueryRow(ctx, sqlSelectBalance, accountID.String()).Scan(&value)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, wrapStoreError(errorSubjectBalance, errorCodeMissing, ledger.ErrUnknownAccount)
		}
		return 0, wrapStoreError(errorSubjectBalance, errorCodeGet, err)
	}
	balance, err := ledger.NewBalance(value)
	if err != nil {
		return 0, wrapStoreError(errorSubjectBalance, errorCodeInvalid, err)
	}
	return balance, nil
}

// TryDebit is a single conditional UPDATE; no row back means the balance did not cover amount.
func (store *Store) TryDebit(ctx context.Context, accountID ledger.AccountID, amount ledger.PositiveCredits) (ledger.Credits, error) {
	var value int64
	err := store.db.QueryRow(ctx, sqlTryDebit, accountID.String(), amount.Int64()).Scan(&value)
	if errors.Is(err, pgx.ErrNoRows) {
		if _, lookupErr := store.Balance(ctx, accountID); lookupErr != nil {
			return 0, lookupErr
		}
		return 0, wrapStoreError(errorSubjectBalance, errorCodeDebit, ledger.ErrInsufficientFunds)
	}
	if err != nil {
		return 0, wrapStoreError(errorSubjectBalance, errorCodeDebit, err)
	}
	return ledger.Credits(value), nil
}

// TryCredit records the session and increments the balance in one statement.
func (store *Store) TryCredit(ctx context.Context, accountID ledger.AccountID, sessionID ledger.PaymentSessionID, amount ledger.PositiveCredits) (ledger.CreditResult, error) {
	var value int64
	err := store.db.QueryRow(ctx, sqlTryCredit, accountID.String(), sessionID.String(), amount.Int64()).Scan(&value)
	if errors.Is(err, pgx.ErrNoRows) {
		balance, lookupErr := store.Balance(ctx, accountID)
		if lookupErr != nil {
			return ledger.CreditResult{}, lookupErr
		}
		return ledger.CreditResult{Balance: balance}, nil
	}
	if err != nil {
		return ledger.CreditResult{}, wrapStoreError(errorSubjectBalance, errorCodeCredit, err)
	}
	return ledger.CreditResult{Balance: ledger.Credits(value), Applied: true}, nil
}

func (store *Store) Refund(ctx context.Context, accountID ledger.AccountID, amount ledger.PositiveCredits) (ledger.Credits, error) {
	var value int64
	err := store.db.QueryRow(ctx, sqlRefund, accountID.String(), amount.Int64()).Scan(&value)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, wrapStoreError(errorSubjectBalance, errorCodeRefund, ledger.ErrUnknownAccount)
	}
	if err != nil {
		return 0, wrapStoreError(errorSubjectBalance, errorCodeRefund, err)
	}
	return ledger.Credits(value), nil
}

func (store *Store) InsertEntry(ctx context.Context, entry ledger.Entry) error {
	_, err := store.db.Exec(ctx, sqlInsertEntry,
		entry.EntryID.String(),
		entry.AccountID.String(),
		entry.Type.String(),
		entry.Amount.Int64(),
		entry.BalanceAfter.Int64(),
		entry.IdempotencyKey.String(),
		entry.Metadata.String(),
		entry.CreatedUnixUTC,
	)
	if isIdempotencyConflict(err) {
		return wrapStoreError(errorSubjectEntry, errorCodeDuplicate, ledger.ErrDuplicateIdempotencyKey)
	}
	if err != nil {
		return wrapStoreError(errorSubjectEntry, errorCodeInsert, err)
	}
	return nil
}

func (store *Store) ListEntries(ctx context.Context, accountID ledger.AccountID, beforeUnixUTC int64, limit int) ([]ledger.Entry, error) {
	rows, err := store.db.Query(ctx, sqlListEntriesBefore, accountID.String(), beforeUnixUTC, limit)
	if err != nil {
		return nil, wrapStoreError(errorSubjectEntry, errorCodeList, err)
	}
	defer rows.Close()
	entries, err := scanEntries(rows)
	if err != nil {
		return nil, wrapStoreError(errorSubjectEntry, errorCodeInvalid, err)
	}
	return entries, nil
}

func scanEntries(rows pgx.Rows) ([]ledger.Entry, error) {
	var entries []ledger.Entry
	for rows.Next() {
		var (
			entryIDValue   string
			accountIDValue string
			typeValue      string
			amountValue    int64
			balanceValue   int64
			keyValue       string
			metadataValue  string
			createdUnixUTC int64
		)
		if err := rows.Scan(&entryIDValue, &accountIDValue, &typeValue, &amountValue, &balanceValue, &keyValue, &metadataValue, &createdUnixUTC); err != nil {
			return nil, err
		}
		entryID, err := ledger.NewEntryID(entryIDValue)
		if err != nil {
			return nil, err
		}
		accountID, err := ledger.NewAccountID(accountIDValue)
		if err != nil {
			return nil, err
		}
		entryType, err := ledger.ParseEntryType(typeValue)
		if err != nil {
			return nil, err
		}
		balanceAfter, err := ledger.NewBalance(balanceValue)
		if err != nil {
			return nil, err
		}
		idempotencyKey, err := ledger.NewIdempotencyKey(keyValue)
		if err != nil {
			return nil, err
		}
		metadata, err := ledger.NewMetadataJSON(metadataValue)
		if err != nil {
			return nil, err
		}
		entries = append(entries, ledger.Entry{
			EntryID:        entryID,
			AccountID:      accountID,
			Type:           entryType,
			Amount:         ledger.Credits(amountValue),
			BalanceAfter:   balanceAfter,
			IdempotencyKey: idempotencyKey,
			Metadata:       metadata,
			CreatedUnixUTC: createdUnixUTC,
		})
	}
	return entries, rows.Err()
}

func wrapStoreError(subject string, code string, err error) error {
	return ledger.WrapError(errorOperationStore, subject, code, err)
}

func isIdempotencyConflict(err error) bool {
	if err == nil {
		return false
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolationCode && pgErr.ConstraintName == constraintAccountIdempotencyKey
	}
	return false
}
