package services

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"tgledger/internal/core"
	"tgledger/internal/log"
)

// LegStatus is the fate of one leg in an ApplyLegs run.
type LegStatus string

const (
	LegApplied LegStatus = "applied"
	LegFailed  LegStatus = "failed"
	// LegSkipped means the journal already had the leg as applied.
	LegSkipped LegStatus = "skipped"
)

// LegResult describes one leg application.
type LegResult struct {
	Kind     core.LegKind        `json:"kind"`
	Instance string              `json:"instance"`
	Currency string              `json:"currency"`
	Amount   decimal.Decimal     `json:"amount"`
	Status   LegStatus           `json:"status"`
	Message  string              `json:"message"`
	Outcome  core.BalanceOutcome `json:"outcome"`
	Err      error               `json:"-"`
}

// ApplyReport collects the leg results of one ledger row.
type ApplyReport struct {
	Legs    []LegResult
	Marked  bool
	MarkErr error
}

// AllApplied reports whether no leg failed.
func (r ApplyReport) AllApplied() bool {
	for _, l := range r.Legs {
		if l.Status == LegFailed {
			return false
		}
	}
	return true
}

// Retryable reports whether running the same legs again could make progress.
func (r ApplyReport) Retryable() bool {
	return r.transient() != nil
}

func (r ApplyReport) transient() error {
	for _, l := range r.Legs {
		if l.Status == LegFailed && !core.IsPermanent(l.Err) {
			return l.Err
		}
	}
	if r.MarkErr != nil && !core.IsPermanent(r.MarkErr) {
		return r.MarkErr
	}
	return nil
}

// Err returns the first transient failure, or the first failure when all
// of them are permanent, or nil.
func (r ApplyReport) Err() error {
	if err := r.transient(); err != nil {
		return err
	}
	for _, l := range r.Legs {
		if l.Status == LegFailed {
			return l.Err
		}
	}
	return r.MarkErr
}

// Messages returns one user-facing line per leg.
func (r ApplyReport) Messages() []string {
	out := make([]string, 0, len(r.Legs)+1)
	for _, l := range r.Legs {
		out = append(out, l.Message)
	}
	if r.MarkErr != nil {
		out = append(out, fmt.Sprintf("⚠️ Отметка баланса не поставлена: %v", r.MarkErr))
	}
	return out
}

// ApplyLegs folds legs into the balances sheet in order. Legs already
// journaled as applied under id are skipped, one leg's failure never stops
// the next, and the row's balance flag is set only when no leg failed.
// Calls with the same id run one at a time.
func (s *TransactionService) ApplyLegs(ctx context.Context, id string, row int, legs []core.Leg) ApplyReport {
	unlock := s.inflight.Lock(id)
	defer unlock()

	var report ApplyReport
	for _, leg := range legs {
		report.Legs = append(report.Legs, s.applyLeg(ctx, id, row, leg))
	}

	if !report.AllApplied() {
		s.logger.WarnContext(ctx, "Balance flag not set, some legs failed",
			log.FieldMessageID, id, log.FieldRow, row)
		return report
	}
	if err := s.ledger.MarkFlag(ctx, row, core.FlagBalance); err != nil {
		report.MarkErr = err
		s.logger.ErrorContext(ctx, "Failed to mark balance flag", log.FieldRow, row, log.FieldError, err)
		return report
	}
	report.Marked = true
	return report
}

func (s *TransactionService) applyLeg(ctx context.Context, id string, row int, leg core.Leg) LegResult {
	tx := leg.Transaction
	res := LegResult{Kind: leg.Kind, Instance: tx.Instance, Currency: tx.Currency, Amount: tx.Amount}
	key := core.JournalKey(id, leg.Kind)

	status, err := s.journal.Status(ctx, key)
	if err != nil {
		res.Status = LegFailed
		res.Err = fmt.Errorf("journal lookup %s: %w", key, err)
		res.Message = core.Report(core.BalanceOutcome{Transaction: tx}, res.Err)
		return res
	}

	var outcome core.BalanceOutcome
	switch status {
	case core.JournalApplied:
		res.Status = LegSkipped
		res.Message = fmt.Sprintf("⏭ Баланс %s/%s уже обновлен", tx.Instance, tx.Currency)
		s.logger.InfoContext(ctx, "Leg already applied", "key", key)
		return res
	case core.JournalValueApplied:
		s.logger.InfoContext(ctx, "Resuming leg at totals", "key", key)
		outcome, err = s.balance.RefreshTotals(ctx, tx)
	default:
		outcome, err = s.balance.ApplyTransaction(ctx, tx)
	}

	res.Outcome = outcome
	res.Message = core.Report(outcome, err)
	entry := core.JournalEntry{
		Key:       key,
		LedgerRow: row,
		Leg:       leg.Kind,
		Currency:  tx.Currency,
		Instance:  tx.Instance,
		Amount:    tx.Amount,
		Status:    core.JournalApplied,
		Message:   res.Message,
	}
	switch {
	case err == nil:
		res.Status = LegApplied
		if status == core.JournalValueApplied {
			res.Message = fmt.Sprintf("✅ Итог %s пересчитан", tx.Currency)
			entry.Message = res.Message
		}
	case outcome.Value != nil || status == core.JournalValueApplied:
		// The cell holds the new balance; only the totals are owed.
		res.Status, res.Err = LegFailed, err
		entry.Status = core.JournalValueApplied
		entry.Retryable = !core.IsPermanent(err)
	default:
		res.Status, res.Err = LegFailed, err
		entry.Status = core.JournalFailed
		entry.Retryable = !core.IsPermanent(err)
	}

	if jerr := s.journal.Record(ctx, entry); jerr != nil {
		// The balance cell already moved; a redelivery may apply this leg again.
		s.logger.ErrorContext(ctx, "Failed to journal leg", "key", key, log.FieldError, jerr)
	}
	return res
}

// keyedMutex serializes work per key. Entries are dropped once unused.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*refMutex
}

type refMutex struct {
	sync.Mutex
	refs int
}

// Lock blocks until key is free and returns its unlock function.
func (k *keyedMutex) Lock(key string) func() {
	k.mu.Lock()
	if k.locks == nil {
		k.locks = make(map[string]*refMutex)
	}
	m, ok := k.locks[key]
	if !ok {
		m = &refMutex{}
		k.locks[key] = m
	}
	m.refs++
	k.mu.Unlock()

	m.Lock()
	return func() {
		m.Unlock()
		k.mu.Lock()
		m.refs--
		if m.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}

// MemoryJournal is a Journal for a single process without a database.
type MemoryJournal struct {
	mu      sync.Mutex
	entries map[string]core.JournalEntry
	now     func() time.Time
}

var _ Journal = (*MemoryJournal)(nil)

func NewMemoryJournal() *MemoryJournal {
	return &MemoryJournal{entries: make(map[string]core.JournalEntry), now: time.Now}
}

func (j *MemoryJournal) Status(_ context.Context, key string) (core.JournalStatus, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.entries[key].Status, nil
}

func (j *MemoryJournal) Record(_ context.Context, e core.JournalEntry) error {
	if e.Key == "" {
		return errors.New("journal entry without key")
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	switch j.entries[e.Key].Status {
	case core.JournalApplied:
		return nil
	case core.JournalValueApplied:
		if e.Status == core.JournalFailed {
			return nil
		}
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = j.now()
	}
	j.entries[e.Key] = e
	return nil
}

// ListRetryable returns unfinished entries that may succeed on another
// attempt, oldest first.
func (j *MemoryJournal) ListRetryable(ctx context.Context, limit int) ([]core.JournalEntry, error) {
	all, _ := j.ListRecent(ctx, 0)
	var out []core.JournalEntry
	for i := len(all) - 1; i >= 0; i-- {
		if all[i].Status != core.JournalApplied && all[i].Retryable {
			out = append(out, all[i])
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// ListRecent returns up to limit entries, newest first.
func (j *MemoryJournal) ListRecent(_ context.Context, limit int) ([]core.JournalEntry, error) {
	j.mu.Lock()
	out := make([]core.JournalEntry, 0, len(j.entries))
	for _, e := range j.entries {
		out = append(out, e)
	}
	j.mu.Unlock()
	sort.Slice(out, func(a, b int) bool {
		if !out[a].CreatedAt.Equal(out[b].CreatedAt) {
			return out[a].CreatedAt.After(out[b].CreatedAt)
		}
		return out[a].Key < out[b].Key
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// ListByRow returns the entries recorded for one ledger row.
func (j *MemoryJournal) ListByRow(ctx context.Context, row int) ([]core.JournalEntry, error) {
	all, _ := j.ListRecent(ctx, 0)
	out := []core.JournalEntry{}
	for _, e := range all {
		if e.LedgerRow == row {
			out = append(out, e)
		}
	}
	return out, nil
}
