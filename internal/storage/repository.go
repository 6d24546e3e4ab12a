package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/shopspring/decimal"

	"tgledger/internal/core"
	"tgledger/internal/log"

	_ "modernc.org/sqlite"
)

// JournalRepository stores leg applications in SQLite so a redelivered
// balance message skips legs that were already applied.
type JournalRepository struct {
	db      *sql.DB
	queries *Queries
	logger  *log.Logger
	now     func() time.Time
}

func NewJournalRepository(dbPath string, logger *log.Logger) (*JournalRepository, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}
	// A single connection avoids SQLITE_BUSY between the server and worker goroutines.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	if err := RunMigrations(dbPath); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	if logger == nil {
		logger = log.Default(log.ComponentStorage)
	}
	return &JournalRepository{
		db:      db,
		queries: New(db),
		logger:  logger.WithComponent(log.ComponentStorage),
		now:     time.Now,
	}, nil
}

func (r *JournalRepository) Close() error {
	if r.db != nil {
		return r.db.Close()
	}
	return nil
}

// Ping reports whether the database is reachable.
func (r *JournalRepository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

// Status returns the journaled status of the leg under key, or "" when the
// leg was never attempted.
func (r *JournalRepository) Status(ctx context.Context, key string) (core.JournalStatus, error) {
	status, err := r.queries.GetJournalStatus(ctx, key)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("get journal status: %w", err)
	}
	return core.JournalStatus(status), nil
}

// Record stores the result of one leg application. An applied entry is
// never overwritten and a value_applied entry never goes back to failed.
func (r *JournalRepository) Record(ctx context.Context, e core.JournalEntry) error {
	if e.Key == "" {
		return errors.New("journal entry without key")
	}
	now := r.now().UTC()
	created := e.CreatedAt
	if created.IsZero() {
		created = now
	}
	err := r.queries.UpsertJournalEntry(ctx, UpsertJournalEntryParams{
		Key:       e.Key,
		LedgerRow: int64(e.LedgerRow),
		Leg:       string(e.Leg),
		Currency:  e.Currency,
		Instance:  e.Instance,
		Amount:    e.Amount.String(),
		Status:    string(e.Status),
		Message:   e.Message,
		Retryable: e.Retryable,
		CreatedAt: created.UTC(),
		UpdatedAt: now,
	})
	if err != nil {
		return fmt.Errorf("record journal entry: %w", err)
	}

	r.logger.DebugContext(ctx, "Journal entry recorded",
		"key", e.Key,
		log.FieldRow, e.LedgerRow,
		log.FieldLeg, string(e.Leg),
		"status", string(e.Status))
	return nil
}

// ListRecent returns up to limit entries, most recently updated first.
func (r *JournalRepository) ListRecent(ctx context.Context, limit int) ([]core.JournalEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.queries.ListRecentJournal(ctx, int64(limit))
	if err != nil {
		return nil, fmt.Errorf("list journal: %w", err)
	}
	return toEntries(rows), nil
}

// ListByRow returns the entries recorded for one ledger row.
func (r *JournalRepository) ListByRow(ctx context.Context, row int) ([]core.JournalEntry, error) {
	rows, err := r.queries.ListJournalByRow(ctx, int64(row))
	if err != nil {
		return nil, fmt.Errorf("list journal for row %d: %w", row, err)
	}
	return toEntries(rows), nil
}

// ListRetryable returns failed entries that may succeed on another attempt,
// oldest first.
func (r *JournalRepository) ListRetryable(ctx context.Context, limit int) ([]core.JournalEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.queries.ListRetryableJournal(ctx, int64(limit))
	if err != nil {
		return nil, fmt.Errorf("list retryable journal: %w", err)
	}
	return toEntries(rows), nil
}

func toEntries(rows []BalanceJournal) []core.JournalEntry {
	out := make([]core.JournalEntry, 0, len(rows))
	for _, j := range rows {
		amount, err := decimal.NewFromString(j.Amount)
		if err != nil {
			amount = decimal.Zero
		}
		out = append(out, core.JournalEntry{
			Key:       j.Key,
			LedgerRow: int(j.LedgerRow),
			Leg:       core.LegKind(j.Leg),
			Currency:  j.Currency,
			Instance:  j.Instance,
			Amount:    amount,
			Status:    core.JournalStatus(j.Status),
			Message:   j.Message,
			Retryable: j.Retryable,
			CreatedAt: j.CreatedAt,
		})
	}
	return out
}
