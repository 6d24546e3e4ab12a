// Package balance keeps the balances worksheet in step with the ledger: a
// matrix of instances (rows) by currencies (columns) with a totals row.
//
// Nothing about the table is fixed. Its position is discovered from the
// instance header cell, currencies and instances are added on first use and
// the totals row is found again after every row insertion.
package balance

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"tgledger/internal/core"
	ports "tgledger/internal/sheets"
)

// Labels are the cell texts that anchor the table.
type Labels struct {
	Instance string
	Total    string
}

func DefaultLabels() Labels {
	return Labels{Instance: "Инстанс", Total: "Всего"}
}

// Layout is the position of the table. The currency header row sits right
// below the instance header and data rows start below it. TotalsRow is 0 when
// the sheet has no totals row.
type Layout struct {
	InstanceColumn    string
	InstanceHeaderRow int
	InstanceHeaderCol int
	CurrencyHeaderRow int
	FirstDataRow      int
	TotalsRow         int
}

func (l Layout) HasTotals() bool { return l.TotalsRow > 0 }

// WithTotalsRow returns a copy of l with a new totals row.
func (l Layout) WithTotalsRow(row int) Layout {
	l.TotalsRow = row
	return l
}

// DetectLayout finds the instance header and the totals row. A missing
// instance header is ErrLayoutNotFound; a missing totals row is not an error.
func DetectLayout(ctx context.Context, ws ports.Worksheet, labels Labels) (Layout, error) {
	cell, err := ws.FindCell(ctx, labels.Instance)
	if errors.Is(err, ports.ErrCellNotFound) {
		return Layout{}, fmt.Errorf("%s: no %q cell: %w", ws.Title(), labels.Instance, core.ErrLayoutNotFound)
	}
	if err != nil {
		return Layout{}, core.Remote("find instance header", err)
	}

	l := Layout{
		InstanceColumn:    ports.ColumnLetter(cell.Col),
		InstanceHeaderRow: cell.Row,
		InstanceHeaderCol: cell.Col,
		CurrencyHeaderRow: cell.Row + 1,
		FirstDataRow:      cell.Row + 2,
	}
	row, err := locateTotalsRow(ctx, ws, l, labels.Total)
	if err != nil {
		return Layout{}, err
	}
	return l.WithTotalsRow(row), nil
}

// locateTotalsRow searches the totals label. A label above the data rows
// does not count; when the first match is one, the rows from the first data
// row down are scanned instead.
func locateTotalsRow(ctx context.Context, ws ports.Worksheet, l Layout, label string) (int, error) {
	cell, err := ws.FindCell(ctx, label)
	if errors.Is(err, ports.ErrCellNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, core.Remote("find totals row", err)
	}
	if cell.Row >= l.FirstDataRow {
		return cell.Row, nil
	}

	rows, err := ws.ReadAll(ctx)
	if err != nil {
		return 0, core.Remote("read balances", err)
	}
	for i := l.FirstDataRow - 1; i < len(rows); i++ {
		for _, v := range rows[i] {
			if strings.TrimSpace(v) == label {
				return i + 1, nil
			}
		}
	}
	return 0, nil
}
