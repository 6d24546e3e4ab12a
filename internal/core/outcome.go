package core

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Step names a phase of a balance application.
type Step string

const (
	StepCurrency Step = "currency"
	StepInstance Step = "instance"
	StepBalance  Step = "balance"
	StepTotals   Step = "totals"
)

var (
	// ErrLayoutNotFound means the balances sheet has no instance header cell.
	ErrLayoutNotFound = errors.New("balance layout not found")
	// ErrSchemaMismatch means a column or row was inserted but could not be found afterwards.
	ErrSchemaMismatch = errors.New("schema mismatch after insert")
	// ErrTotalsRowAbsent is reported when the totals row is missing. It is never returned.
	ErrTotalsRowAbsent = errors.New("totals row absent")
)

// StepError reports which phase of an application failed.
type StepError struct {
	Step Step
	Err  error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("%s step: %v", e.Step, e.Err)
}

func (e *StepError) Unwrap() error { return e.Err }

// RemoteCallError wraps a failure of a spreadsheet call.
type RemoteCallError struct {
	Op  string
	Err error
}

func (e *RemoteCallError) Error() string {
	return fmt.Sprintf("remote %s: %v", e.Op, e.Err)
}

func (e *RemoteCallError) Unwrap() error { return e.Err }

// Remote wraps err as a RemoteCallError for op, or returns nil.
func Remote(op string, err error) error {
	if err == nil {
		return nil
	}
	return &RemoteCallError{Op: op, Err: err}
}

// IsPermanent reports whether retrying the same application cannot succeed.
func IsPermanent(err error) bool {
	switch {
	case err == nil:
		return false
	case errors.Is(err, ErrLayoutNotFound),
		errors.Is(err, ErrSchemaMismatch),
		errors.Is(err, ErrEmptyCurrency),
		errors.Is(err, ErrEmptyInstance),
		errors.Is(err, ErrInvalidAmount):
		return true
	}
	return false
}

type StructuralKind string

const (
	ColumnInserted StructuralKind = "column"
	RowInserted    StructuralKind = "row"
)

type (
	// StructuralChange records a column or row inserted into the balances sheet.
	StructuralChange struct {
		Kind  StructuralKind `json:"kind"`
		Index int            `json:"index"`
		Label string         `json:"label"`
	}

	// ValueChange records the balance cell update.
	ValueChange struct {
		Cell string          `json:"cell"`
		Old  decimal.Decimal `json:"old"`
		New  decimal.Decimal `json:"new"`
	}

	TotalsChange struct {
		Cell  string `json:"cell"`
		Value string `json:"value"`
	}

	// BalanceOutcome is what an application did, filled in as far as it got.
	BalanceOutcome struct {
		Transaction   Transaction        `json:"-"`
		Structural    []StructuralChange `json:"structural,omitempty"`
		Value         *ValueChange       `json:"value,omitempty"`
		Totals        *TotalsChange      `json:"totals,omitempty"`
		TotalsSkipped bool               `json:"totals_skipped,omitempty"`
	}
)

// Report renders the confirmation or failure text for an application.
func Report(o BalanceOutcome, err error) string {
	tx := o.Transaction
	if err != nil {
		var se *StepError
		if errors.As(err, &se) {
			return fmt.Sprintf("❌ Ошибка обновления баланса %s/%s на шаге %s: %v", tx.Instance, tx.Currency, se.Step, se.Err)
		}
		return fmt.Sprintf("❌ Ошибка обновления баланса %s/%s: %v", tx.Instance, tx.Currency, err)
	}

	var b strings.Builder
	for _, sc := range o.Structural {
		switch sc.Kind {
		case ColumnInserted:
			fmt.Fprintf(&b, "➕ Добавлена валюта %s\n", sc.Label)
		case RowInserted:
			fmt.Fprintf(&b, "➕ Добавлен инстанс %s\n", sc.Label)
		}
	}
	if o.Value != nil {
		fmt.Fprintf(&b, "✅ Обновлен баланс\n %s: %s → %s %s",
			tx.Instance, o.Value.Old.String(), o.Value.New.String(), tx.Currency)
	}
	if o.TotalsSkipped {
		fmt.Fprintf(&b, "\n⚠️ %s", ErrTotalsRowAbsent)
	}
	return b.String()
}

// JournalStatus is the result of one leg application as stored in the journal.
type JournalStatus string

const (
	JournalApplied JournalStatus = "applied"
	JournalFailed  JournalStatus = "failed"
	// JournalValueApplied means the balance cell was written but the totals
	// row was not. Only the totals are recomputed on the next attempt.
	JournalValueApplied JournalStatus = "value_applied"
)

// JournalEntry is the persisted record of one leg application.
type JournalEntry struct {
	Key       string          `json:"key"`
	LedgerRow int             `json:"ledger_row"`
	Leg       LegKind         `json:"leg"`
	Currency  string          `json:"currency"`
	Instance  string          `json:"instance"`
	Amount    decimal.Decimal `json:"amount"`
	Status    JournalStatus   `json:"status"`
	Message   string          `json:"message"`
	Retryable bool            `json:"retryable"`
	CreatedAt time.Time       `json:"created_at"`
}

// JournalKey identifies a leg of a ledger record across redeliveries.
func JournalKey(id string, kind LegKind) string {
	return id + ":" + string(kind)
}
