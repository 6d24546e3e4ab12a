package sheets

import (
	"context"
	"errors"

	"tgledger/internal/core"
)

var (
	ErrCellNotFound      = errors.New("cell not found")
	ErrWorksheetNotFound = errors.New("worksheet not found")
	ErrAuth              = errors.New("spreadsheet authorization failed")
)

// Cell is a located cell. Row and Col are 1-based.
type Cell struct {
	Row   int
	Col   int
	Value string
}

// Ports for outbound adapters.
type (
	// Worksheet is a handle on one worksheet of a spreadsheet. Rows and
	// columns are 1-based; reads trim trailing empty cells.
	Worksheet interface {
		Title() string
		// FindCell returns the first cell, row by row, whose trimmed text equals text.
		FindCell(ctx context.Context, text string) (Cell, error)
		ReadRow(ctx context.Context, row int) ([]string, error)
		ReadColumn(ctx context.Context, col int) ([]string, error)
		ReadCell(ctx context.Context, ref string) (string, error)
		ReadAll(ctx context.Context) ([][]string, error)
		// WriteCell stores value as if a user typed it.
		WriteCell(ctx context.Context, ref string, value any) error
		WriteRange(ctx context.Context, rangeRef string, values [][]any) error
		// InsertRow shifts rows at index and below down and fills the new row with values.
		InsertRow(ctx context.Context, index int, values []any) error
		// InsertColumn shifts columns at index and right of it to the right.
		InsertColumn(ctx context.Context, index int) error
		SetColumnNumberFormat(ctx context.Context, col int, pattern string) error
	}

	Opener interface {
		OpenWorksheet(ctx context.Context, name string) (Worksheet, error)
	}

	// LedgerWriter appends transaction records and marks their follow-ups.
	LedgerWriter interface {
		AppendTransaction(ctx context.Context, rec *core.Record) (row int, err error)
		MarkFlag(ctx context.Context, row int, flag core.Flag) error
	}

	// LedgerReader exposes ledger contents for form helpers.
	LedgerReader interface {
		Headers(ctx context.Context) ([]string, error)
		ReadColumns(ctx context.Context, names []string) (map[string][]string, error)
		Suggestions(ctx context.Context) (map[string][]string, error)
	}

	// BalanceApplier folds a transaction into the balances sheet.
	BalanceApplier interface {
		ApplyTransaction(ctx context.Context, tx core.Transaction) (core.BalanceOutcome, error)
		// RefreshTotals recomputes the total of tx.Currency without touching
		// any balance cell.
		RefreshTotals(ctx context.Context, tx core.Transaction) (core.BalanceOutcome, error)
	}
)
