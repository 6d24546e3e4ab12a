package memory

import (
	"context"
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"tgledger/internal/core"
	ports "tgledger/internal/sheets"
)

// Operation names accepted by FailNext and Calls.
const (
	OpFind         = "find"
	OpReadRow      = "read_row"
	OpReadColumn   = "read_column"
	OpReadCell     = "read_cell"
	OpReadAll      = "read_all"
	OpWriteCell    = "write_cell"
	OpWriteRange   = "write_range"
	OpInsertRow    = "insert_row"
	OpInsertColumn = "insert_column"
	OpSetFormat    = "set_format"
)

// Sheet is an in-memory worksheet. Values are stored as the text a
// spreadsheet would display for them.
type Sheet struct {
	mu      sync.Mutex
	title   string
	rows    [][]string
	formats map[int]string
	calls   map[string]int
	fail    map[string]error
	later   map[string]laterFailure
}

type laterFailure struct {
	skip int
	err  error
}

var _ ports.Worksheet = (*Sheet)(nil)

func NewSheet(title string, rows [][]string) *Sheet {
	cp := make([][]string, len(rows))
	for i, r := range rows {
		cp[i] = append([]string(nil), r...)
	}
	return &Sheet{
		title:   title,
		rows:    cp,
		formats: map[int]string{},
		calls:   map[string]int{},
		fail:    map[string]error{},
		later:   map[string]laterFailure{},
	}
}

func (s *Sheet) Title() string { return s.title }

// FailNext makes the next call of op return err.
func (s *Sheet) FailNext(op string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fail[op] = err
}

// FailAfter lets skip more calls of op succeed, then fails the next one with err.
func (s *Sheet) FailAfter(op string, skip int, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.later[op] = laterFailure{skip: skip, err: err}
}

// Calls reports how many times op was invoked.
func (s *Sheet) Calls(op string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[op]
}

// Rows returns a copy of the grid.
func (s *Sheet) Rows() [][]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([][]string, len(s.rows))
	for i, r := range s.rows {
		out[i] = trimRight(r)
	}
	return out
}

// Format returns the number format applied to col, if any.
func (s *Sheet) Format(col int) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.formats[col]
}

// Value returns the text at ref, "" when out of range.
func (s *Sheet) Value(ref string) string {
	col, row, err := ports.ParseCellRef(ref)
	if err != nil {
		return ""
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.get(row, col)
}

// begin counts the call and returns an injected failure. Callers hold mu.
func (s *Sheet) begin(op string) error {
	s.calls[op]++
	if err, ok := s.fail[op]; ok {
		delete(s.fail, op)
		return err
	}
	if f, ok := s.later[op]; ok {
		if f.skip == 0 {
			delete(s.later, op)
			return f.err
		}
		f.skip--
		s.later[op] = f
	}
	return nil
}

func (s *Sheet) get(row, col int) string {
	if row < 1 || row > len(s.rows) || col < 1 || col > len(s.rows[row-1]) {
		return ""
	}
	return s.rows[row-1][col-1]
}

func (s *Sheet) set(row, col int, v string) {
	for len(s.rows) < row {
		s.rows = append(s.rows, nil)
	}
	r := s.rows[row-1]
	for len(r) < col {
		r = append(r, "")
	}
	r[col-1] = v
	s.rows[row-1] = r
}

func (s *Sheet) FindCell(ctx context.Context, text string) (ports.Cell, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.begin(OpFind); err != nil {
		return ports.Cell{}, err
	}
	want := strings.TrimSpace(text)
	for i, r := range s.rows {
		for j, v := range r {
			if strings.TrimSpace(v) == want {
				return ports.Cell{Row: i + 1, Col: j + 1, Value: v}, nil
			}
		}
	}
	return ports.Cell{}, fmt.Errorf("%q: %w", text, ports.ErrCellNotFound)
}

func (s *Sheet) ReadRow(ctx context.Context, row int) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.begin(OpReadRow); err != nil {
		return nil, err
	}
	if row < 1 || row > len(s.rows) {
		return nil, nil
	}
	return trimRight(s.rows[row-1]), nil
}

func (s *Sheet) ReadColumn(ctx context.Context, col int) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.begin(OpReadColumn); err != nil {
		return nil, err
	}
	out := make([]string, len(s.rows))
	for i := range s.rows {
		out[i] = s.get(i+1, col)
	}
	return trimRight(out), nil
}

func (s *Sheet) ReadCell(ctx context.Context, ref string) (string, error) {
	col, row, err := ports.ParseCellRef(ref)
	if err != nil {
		return "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.begin(OpReadCell); err != nil {
		return "", err
	}
	return s.get(row, col), nil
}

func (s *Sheet) ReadAll(ctx context.Context) ([][]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.begin(OpReadAll); err != nil {
		return nil, err
	}
	out := make([][]string, 0, len(s.rows))
	for _, r := range s.rows {
		out = append(out, trimRight(r))
	}
	for len(out) > 0 && len(out[len(out)-1]) == 0 {
		out = out[:len(out)-1]
	}
	return out, nil
}

func (s *Sheet) WriteCell(ctx context.Context, ref string, value any) error {
	col, row, err := ports.ParseCellRef(ref)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.begin(OpWriteCell); err != nil {
		return err
	}
	s.set(row, col, core.ValueString(value))
	return nil
}

func (s *Sheet) WriteRange(ctx context.Context, rangeRef string, values [][]any) error {
	col1, row1, col2, row2, err := ports.ParseRange(rangeRef)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.begin(OpWriteRange); err != nil {
		return err
	}
	if len(values) > row2-row1+1 {
		return fmt.Errorf("range %s holds %d rows, got %d", rangeRef, row2-row1+1, len(values))
	}
	for i, r := range values {
		if len(r) > col2-col1+1 {
			return fmt.Errorf("range %s holds %d columns, got %d", rangeRef, col2-col1+1, len(r))
		}
		for j, v := range r {
			s.set(row1+i, col1+j, core.ValueString(v))
		}
	}
	return nil
}

func (s *Sheet) InsertRow(ctx context.Context, index int, values []any) error {
	if index < 1 {
		return fmt.Errorf("invalid row index %d", index)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.begin(OpInsertRow); err != nil {
		return err
	}
	row := make([]string, len(values))
	for i, v := range values {
		row[i] = core.ValueString(v)
	}
	for len(s.rows) < index-1 {
		s.rows = append(s.rows, nil)
	}
	s.rows = append(s.rows, nil)
	copy(s.rows[index:], s.rows[index-1:])
	s.rows[index-1] = row
	return nil
}

// InsertColumn shifts cells and number formats right. The new column
// inherits the format of the column before it.
func (s *Sheet) InsertColumn(ctx context.Context, index int) error {
	if index < 1 {
		return fmt.Errorf("invalid column index %d", index)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.begin(OpInsertColumn); err != nil {
		return err
	}
	for i, r := range s.rows {
		if len(r) < index {
			continue
		}
		r = append(r, "")
		copy(r[index:], r[index-1:])
		r[index-1] = ""
		s.rows[i] = r
	}
	shifted := make(map[int]string, len(s.formats)+1)
	for col, f := range s.formats {
		if col >= index {
			shifted[col+1] = f
		} else {
			shifted[col] = f
		}
	}
	if f, ok := s.formats[index-1]; ok {
		shifted[index] = f
	}
	s.formats = shifted
	return nil
}

func (s *Sheet) SetColumnNumberFormat(ctx context.Context, col int, pattern string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.begin(OpSetFormat); err != nil {
		return err
	}
	s.formats[col] = pattern
	return nil
}

// Book is an in-memory spreadsheet: a set of named sheets.
type Book struct {
	mu     sync.Mutex
	sheets map[string]*Sheet
}

var _ ports.Opener = (*Book)(nil)

func NewBook() *Book {
	return &Book{sheets: map[string]*Sheet{}}
}

// Add stores a sheet under title, replacing any sheet with that title.
func (b *Book) Add(title string, rows [][]string) *Sheet {
	b.mu.Lock()
	defer b.mu.Unlock()
	sh := NewSheet(title, rows)
	b.sheets[title] = sh
	return sh
}

// Sheet returns the sheet named title, or nil.
func (b *Book) Sheet(title string) *Sheet {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.sheets[title]
}

func (b *Book) OpenWorksheet(ctx context.Context, name string) (ports.Worksheet, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	sh, ok := b.sheets[name]
	if !ok {
		return nil, fmt.Errorf("%q: %w", name, ports.ErrWorksheetNotFound)
	}
	return sh, nil
}

// NewBookFromFiles seeds a ledger and a balances sheet from <base>/<name>.csv.
// A missing or unreadable file falls back to a small built-in table.
func NewBookFromFiles(base, ledgerName, balancesName string) *Book {
	b := NewBook()
	ledger := readCSV(filepath.Join(base, ledgerName+".csv"))
	if len(ledger) == 0 {
		ledger = DefaultLedger()
	}
	balances := readCSV(filepath.Join(base, balancesName+".csv"))
	if len(balances) == 0 {
		balances = DefaultBalances()
	}
	b.Add(ledgerName, ledger)
	b.Add(balancesName, balances)
	return b
}

// DefaultLedger is a ledger with headers only. The chat and balance flag
// columns are L and M.
func DefaultLedger() [][]string {
	return [][]string{{
		core.FieldDate, core.FieldAmount, core.FieldCurrency, core.FieldFrom, core.FieldTo,
		"Категория", "Подкатегория", "Комментарий", "Эквивалент У.Е", "USD / RUB",
		"Автор", "В чат", "Баланс",
	}}
}

// DefaultBalances is a balances table with two currencies and two instances.
func DefaultBalances() [][]string {
	return [][]string{
		{"Балансы"},
		{"", "Инстанс"},
		{"", "", "RUB", "USD"},
		{"", "Наличные", "0", "0"},
		{"", "Карта", "0", "0"},
		{"", "Всего", "0,00", "0,00"},
	}
}

func readCSV(path string) [][]string {
	f, err := os.Open(path)
	if err != nil {
		return nil
	}
	defer f.Close()
	r := csv.NewReader(f)
	r.FieldsPerRecord = -1
	rows, err := r.ReadAll()
	if err != nil {
		return nil
	}
	return rows
}

func trimRight(r []string) []string {
	n := len(r)
	for n > 0 && r[n-1] == "" {
		n--
	}
	return append([]string(nil), r[:n]...)
}
