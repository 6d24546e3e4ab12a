package balance

import (
	"context"
	"errors"
	"strings"
	"sync"

	"github.com/shopspring/decimal"

	"tgledger/internal/core"
	"tgledger/internal/log"
	ports "tgledger/internal/sheets"
)

const (
	DefaultSheet        = "Balances"
	DefaultNumberFormat = "#,##0.00"
)

// Config configures an Engine.
type Config struct {
	Sheet        string
	Labels       Labels
	NumberFormat string
}

// Engine applies transactions to one balances worksheet. Calls are
// serialized; the worksheet is opened and its layout detected on first use.
type Engine struct {
	mu     sync.Mutex
	opener ports.Opener
	cfg    Config
	logger *log.Logger

	ws      ports.Worksheet
	layout  Layout
	ready   bool
	initErr error
}

var _ ports.BalanceApplier = (*Engine)(nil)

func NewEngine(opener ports.Opener, cfg Config, logger *log.Logger) *Engine {
	if cfg.Labels.Instance == "" || cfg.Labels.Total == "" {
		def := DefaultLabels()
		if cfg.Labels.Instance == "" {
			cfg.Labels.Instance = def.Instance
		}
		if cfg.Labels.Total == "" {
			cfg.Labels.Total = def.Total
		}
	}
	if cfg.Sheet == "" {
		cfg.Sheet = DefaultSheet
	}
	if cfg.NumberFormat == "" {
		cfg.NumberFormat = DefaultNumberFormat
	}
	if logger == nil {
		logger = log.Default(log.ComponentBalance)
	}
	return &Engine{opener: opener, cfg: cfg, logger: logger.WithComponent(log.ComponentBalance)}
}

// Layout returns the detected layout, detecting it if needed.
func (e *Engine) Layout(ctx context.Context) (Layout, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.init(ctx); err != nil {
		return Layout{}, err
	}
	return e.layout, nil
}

// init opens the worksheet and detects the layout. A missing layout is
// remembered and returned on every later call; remote failures are retried
// on the next call. Callers hold mu.
func (e *Engine) init(ctx context.Context) error {
	if e.initErr != nil {
		return e.initErr
	}
	if e.ready {
		return nil
	}
	if e.ws == nil {
		ws, err := e.opener.OpenWorksheet(ctx, e.cfg.Sheet)
		if err != nil {
			return core.Remote("open worksheet "+e.cfg.Sheet, err)
		}
		e.ws = ws
	}
	layout, err := DetectLayout(ctx, e.ws, e.cfg.Labels)
	if errors.Is(err, core.ErrLayoutNotFound) {
		e.initErr = err
		e.logger.ErrorContext(ctx, "Balance layout not found", log.FieldOperation, log.OpDetect, log.FieldSheet, e.cfg.Sheet, log.FieldError, err)
		return err
	}
	if err != nil {
		return err
	}
	e.layout = layout
	e.ready = true
	e.logger.InfoContext(ctx, "Balance layout detected",
		log.FieldOperation, log.OpDetect,
		log.FieldSheet, e.cfg.Sheet,
		"instance_column", layout.InstanceColumn,
		"currency_row", layout.CurrencyHeaderRow,
		"first_data_row", layout.FirstDataRow,
		"totals_row", layout.TotalsRow)
	return nil
}

// ApplyTransaction adds tx.Amount to the (instance, currency) cell, creating
// the currency column and the instance row when missing, then recomputes the
// currency total. On failure the outcome holds what was already done.
func (e *Engine) ApplyTransaction(ctx context.Context, tx core.Transaction) (core.BalanceOutcome, error) {
	tx = tx.Normalized()
	out := core.BalanceOutcome{Transaction: tx}
	if err := tx.Validate(); err != nil {
		return out, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.init(ctx); err != nil {
		return out, err
	}

	col, err := e.ensureCurrency(ctx, tx.Currency, &out)
	if err != nil {
		return out, e.fail(ctx, tx, core.StepCurrency, err)
	}
	row, err := e.ensureInstance(ctx, tx.Instance, &out)
	if err != nil {
		return out, e.fail(ctx, tx, core.StepInstance, err)
	}

	ref := ports.CellRef(col, row)
	raw, err := e.ws.ReadCell(ctx, ref)
	if err != nil {
		return out, e.fail(ctx, tx, core.StepBalance, core.Remote("read "+ref, err))
	}
	old := core.Normalize(raw)
	updated := old.Add(tx.Amount)
	if err := e.ws.WriteCell(ctx, ref, updated); err != nil {
		return out, e.fail(ctx, tx, core.StepBalance, core.Remote("write "+ref, err))
	}
	out.Value = &core.ValueChange{Cell: ref, Old: old, New: updated}

	if err := e.updateTotals(ctx, col, &out); err != nil {
		return out, e.fail(ctx, tx, core.StepTotals, err)
	}

	e.logger.InfoContext(ctx, "Balance updated",
		log.FieldOperation, log.OpApply,
		log.FieldCell, ref,
		log.FieldCurrency, tx.Currency,
		log.FieldInstance, tx.Instance,
		log.FieldAmount, tx.Amount.String(),
		"old", old.String(),
		"new", updated.String(),
		"totals_skipped", out.TotalsSkipped)
	return out, nil
}

// RefreshTotals recomputes the total of tx.Currency. It is the resume path
// for a transaction whose balance cell was written but whose totals write
// failed.
func (e *Engine) RefreshTotals(ctx context.Context, tx core.Transaction) (core.BalanceOutcome, error) {
	tx = tx.Normalized()
	out := core.BalanceOutcome{Transaction: tx}
	if tx.Currency == "" {
		return out, core.ErrEmptyCurrency
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.init(ctx); err != nil {
		return out, err
	}
	header, err := e.ws.ReadRow(ctx, e.layout.CurrencyHeaderRow)
	if err != nil {
		return out, e.fail(ctx, tx, core.StepTotals, core.Remote("read currency header", err))
	}
	col := e.currencyColumn(header, tx.Currency)
	if col == 0 {
		return out, e.fail(ctx, tx, core.StepTotals, core.ErrSchemaMismatch)
	}
	if err := e.updateTotals(ctx, col, &out); err != nil {
		return out, e.fail(ctx, tx, core.StepTotals, err)
	}
	e.logger.InfoContext(ctx, "Totals refreshed",
		log.FieldOperation, log.OpApply,
		log.FieldCurrency, tx.Currency,
		"totals_skipped", out.TotalsSkipped)
	return out, nil
}

func (e *Engine) fail(ctx context.Context, tx core.Transaction, step core.Step, err error) error {
	e.logger.ErrorContext(ctx, "Balance update failed",
		log.FieldOperation, log.OpApply,
		log.FieldStep, string(step),
		log.FieldCurrency, tx.Currency,
		log.FieldInstance, tx.Instance,
		log.FieldError, err)
	return &core.StepError{Step: step, Err: err}
}

// currencyColumn returns the column of code in the currency header row, or 0.
// Only columns right of the instance column are considered.
func (e *Engine) currencyColumn(header []string, code string) int {
	for i := e.layout.InstanceHeaderCol; i < len(header); i++ {
		if strings.TrimSpace(header[i]) == code {
			return i + 1
		}
	}
	return 0
}

func (e *Engine) ensureCurrency(ctx context.Context, code string, out *core.BalanceOutcome) (int, error) {
	l := e.layout
	header, err := e.ws.ReadRow(ctx, l.CurrencyHeaderRow)
	if err != nil {
		return 0, core.Remote("read currency header", err)
	}
	if col := e.currencyColumn(header, code); col > 0 {
		return col, nil
	}

	// New currencies go right after the first one, or right of the instance
	// column when there is none yet.
	at := l.InstanceHeaderCol + 1
	if len(header) > l.InstanceHeaderCol {
		at = l.InstanceHeaderCol + 2
	}
	if err := e.ws.InsertColumn(ctx, at); err != nil {
		return 0, core.Remote("insert column", err)
	}
	out.Structural = append(out.Structural, core.StructuralChange{Kind: core.ColumnInserted, Index: at, Label: code})
	if err := e.ws.WriteCell(ctx, ports.CellRef(at, l.CurrencyHeaderRow), code); err != nil {
		return 0, core.Remote("write currency header", err)
	}
	if err := e.ws.SetColumnNumberFormat(ctx, at, e.cfg.NumberFormat); err != nil {
		return 0, core.Remote("format column", err)
	}
	e.logger.InfoContext(ctx, "Currency column added", log.FieldCurrency, code, "column", ports.ColumnLetter(at))

	header, err = e.ws.ReadRow(ctx, l.CurrencyHeaderRow)
	if err != nil {
		return 0, core.Remote("read currency header", err)
	}
	col := e.currencyColumn(header, code)
	if col == 0 {
		return 0, core.ErrSchemaMismatch
	}
	return col, nil
}

// instanceRow returns the row of name in the instance column, or 0. The scan
// starts at the first data row and skips the totals row.
func (e *Engine) instanceRow(column []string, name string) int {
	for i := e.layout.FirstDataRow - 1; i < len(column); i++ {
		if i+1 == e.layout.TotalsRow {
			continue
		}
		if strings.TrimSpace(column[i]) == name {
			return i + 1
		}
	}
	return 0
}

func (e *Engine) ensureInstance(ctx context.Context, name string, out *core.BalanceOutcome) (int, error) {
	column, err := e.ws.ReadColumn(ctx, e.layout.InstanceHeaderCol)
	if err != nil {
		return 0, core.Remote("read instance column", err)
	}
	if row := e.instanceRow(column, name); row > 0 {
		return row, nil
	}

	at := e.layout.FirstDataRow
	values := make([]any, e.layout.InstanceHeaderCol)
	for i := range values {
		values[i] = ""
	}
	values[len(values)-1] = name
	if err := e.ws.InsertRow(ctx, at, values); err != nil {
		return 0, core.Remote("insert row", err)
	}
	out.Structural = append(out.Structural, core.StructuralChange{Kind: core.RowInserted, Index: at, Label: name})
	e.logger.InfoContext(ctx, "Instance row added", log.FieldInstance, name, log.FieldRow, at)

	totals, err := locateTotalsRow(ctx, e.ws, e.layout, e.cfg.Labels.Total)
	if err != nil {
		return 0, err
	}
	e.layout = e.layout.WithTotalsRow(totals)

	column, err = e.ws.ReadColumn(ctx, e.layout.InstanceHeaderCol)
	if err != nil {
		return 0, core.Remote("read instance column", err)
	}
	row := e.instanceRow(column, name)
	if row == 0 {
		return 0, core.ErrSchemaMismatch
	}
	return row, nil
}

// updateTotals writes the sum of every parseable data cell of col into the
// totals row. Cells below the totals row are summed as well.
func (e *Engine) updateTotals(ctx context.Context, col int, out *core.BalanceOutcome) error {
	if !e.layout.HasTotals() {
		out.TotalsSkipped = true
		e.logger.WarnContext(ctx, "Totals not updated", log.FieldSheet, e.cfg.Sheet, log.FieldError, core.ErrTotalsRowAbsent)
		return nil
	}
	values, err := e.ws.ReadColumn(ctx, col)
	if err != nil {
		return core.Remote("read currency column", err)
	}
	sum := decimal.Zero
	for i := e.layout.FirstDataRow - 1; i < len(values); i++ {
		if i+1 == e.layout.TotalsRow {
			continue
		}
		if v, ok := core.ParseCell(values[i]); ok {
			sum = sum.Add(v)
		}
	}
	ref := ports.CellRef(col, e.layout.TotalsRow)
	text := core.FormatTotal(sum)
	if err := e.ws.WriteCell(ctx, ref, text); err != nil {
		return core.Remote("write "+ref, err)
	}
	out.Totals = &core.TotalsChange{Cell: ref, Value: text}
	return nil
}
