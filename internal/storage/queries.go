package storage

import (
	"context"
	"database/sql"
	"time"
)

// DBTX is satisfied by *sql.DB and *sql.Tx.
type DBTX interface {
	ExecContext(context.Context, string, ...interface{}) (sql.Result, error)
	QueryContext(context.Context, string, ...interface{}) (*sql.Rows, error)
	QueryRowContext(context.Context, string, ...interface{}) *sql.Row
}

func New(db DBTX) *Queries {
	return &Queries{db: db}
}

type Queries struct {
	db DBTX
}

func (q *Queries) WithTx(tx *sql.Tx) *Queries {
	return &Queries{db: tx}
}

type BalanceJournal struct {
	Key       string
	LedgerRow int64
	Leg       string
	Currency  string
	Instance  string
	Amount    string
	Status    string
	Message   string
	Retryable bool
	CreatedAt time.Time
	UpdatedAt time.Time
}

const getJournalStatus = `-- name: GetJournalStatus :one
SELECT status FROM balance_journal WHERE key = ?
`

func (q *Queries) GetJournalStatus(ctx context.Context, key string) (string, error) {
	row := q.db.QueryRowContext(ctx, getJournalStatus, key)
	var status string
	err := row.Scan(&status)
	return status, err
}

const upsertJournalEntry = `-- name: UpsertJournalEntry :exec
INSERT INTO balance_journal (key, ledger_row, leg, currency, instance, amount, status, message, retryable, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(key) DO UPDATE SET
    status = excluded.status,
    message = excluded.message,
    retryable = excluded.retryable,
    amount = excluded.amount,
    updated_at = excluded.updated_at
WHERE balance_journal.status <> 'applied'
  AND NOT (balance_journal.status = 'value_applied' AND excluded.status = 'failed')
`

type UpsertJournalEntryParams struct {
	Key       string
	LedgerRow int64
	Leg       string
	Currency  string
	Instance  string
	Amount    string
	Status    string
	Message   string
	Retryable bool
	CreatedAt time.Time
	UpdatedAt time.Time
}

func (q *Queries) UpsertJournalEntry(ctx context.Context, arg UpsertJournalEntryParams) error {
	_, err := q.db.ExecContext(ctx, upsertJournalEntry,
		arg.Key,
		arg.LedgerRow,
		arg.Leg,
		arg.Currency,
		arg.Instance,
		arg.Amount,
		arg.Status,
		arg.Message,
		arg.Retryable,
		arg.CreatedAt,
		arg.UpdatedAt,
	)
	return err
}

const listRecentJournal = `-- name: ListRecentJournal :many
SELECT key, ledger_row, leg, currency, instance, amount, status, message, retryable, created_at, updated_at
FROM balance_journal
ORDER BY updated_at DESC, key
LIMIT ?
`

func (q *Queries) ListRecentJournal(ctx context.Context, limit int64) ([]BalanceJournal, error) {
	rows, err := q.db.QueryContext(ctx, listRecentJournal, limit)
	if err != nil {
		return nil, err
	}
	return scanJournal(rows)
}

const listJournalByRow = `-- name: ListJournalByRow :many
SELECT key, ledger_row, leg, currency, instance, amount, status, message, retryable, created_at, updated_at
FROM balance_journal
WHERE ledger_row = ?
ORDER BY created_at, key
`

func (q *Queries) ListJournalByRow(ctx context.Context, ledgerRow int64) ([]BalanceJournal, error) {
	rows, err := q.db.QueryContext(ctx, listJournalByRow, ledgerRow)
	if err != nil {
		return nil, err
	}
	return scanJournal(rows)
}

const listRetryableJournal = `-- name: ListRetryableJournal :many
SELECT key, ledger_row, leg, currency, instance, amount, status, message, retryable, created_at, updated_at
FROM balance_journal
WHERE status IN ('failed', 'value_applied') AND retryable = 1
ORDER BY created_at, key
LIMIT ?
`

func (q *Queries) ListRetryableJournal(ctx context.Context, limit int64) ([]BalanceJournal, error) {
	rows, err := q.db.QueryContext(ctx, listRetryableJournal, limit)
	if err != nil {
		return nil, err
	}
	return scanJournal(rows)
}

func scanJournal(rows *sql.Rows) ([]BalanceJournal, error) {
	defer rows.Close()
	var items []BalanceJournal
	for rows.Next() {
		var i BalanceJournal
		if err := rows.Scan(
			&i.Key,
			&i.LedgerRow,
			&i.Leg,
			&i.Currency,
			&i.Instance,
			&i.Amount,
			&i.Status,
			&i.Message,
			&i.Retryable,
			&i.CreatedAt,
			&i.UpdatedAt,
		); err != nil {
			return nil, err
		}
		items = append(items, i)
	}
	if err := rows.Close(); err != nil {
		return nil, err
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return items, nil
}
