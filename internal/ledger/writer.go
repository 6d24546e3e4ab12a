// Package ledger writes transaction records into the ledger worksheet, one
// row per record, with columns mapped by the header row.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"tgledger/internal/cache"
	"tgledger/internal/core"
	"tgledger/internal/log"
	ports "tgledger/internal/sheets"
)

var ErrNoHeaders = errors.New("ledger has no header row")

const suggestionsKey = "suggestions"

// Config configures a Writer. Flag columns are A1 letters.
type Config struct {
	Sheet             string
	BalanceFlagColumn string
	BalanceFlagText   string
	ChatFlagColumn    string
	ChatFlagText      string
	SuggestionsTTL    time.Duration
}

func DefaultConfig() Config {
	return Config{
		Sheet:             "Ledger",
		BalanceFlagColumn: "M",
		BalanceFlagText:   "✓ баланс, web",
		ChatFlagColumn:    "L",
		ChatFlagText:      "✓ в чат, web",
		SuggestionsTTL:    5 * time.Minute,
	}
}

// Columns whose values are never offered as suggestions.
var noSuggestions = map[string]bool{
	core.FieldDate:     true,
	core.FieldAmount:   true,
	"Эквивалент У.Е": true,
	"USD / RUB":       true,
}

// Writer appends records to the ledger worksheet. The header row is read on
// first use and kept for the life of the Writer.
type Writer struct {
	mu     sync.Mutex
	opener ports.Opener
	cfg    Config
	logger *log.Logger

	ws      ports.Worksheet
	headers []string

	suggestions *cache.Loading[map[string][]string]
	lru         *cache.LRUCache[map[string][]string]
}

var (
	_ ports.LedgerWriter = (*Writer)(nil)
	_ ports.LedgerReader = (*Writer)(nil)
)

func NewWriter(opener ports.Opener, cfg Config, logger *log.Logger) *Writer {
	def := DefaultConfig()
	if cfg.Sheet == "" {
		cfg.Sheet = def.Sheet
	}
	if cfg.BalanceFlagColumn == "" {
		cfg.BalanceFlagColumn = def.BalanceFlagColumn
	}
	if cfg.BalanceFlagText == "" {
		cfg.BalanceFlagText = def.BalanceFlagText
	}
	if cfg.ChatFlagColumn == "" {
		cfg.ChatFlagColumn = def.ChatFlagColumn
	}
	if cfg.ChatFlagText == "" {
		cfg.ChatFlagText = def.ChatFlagText
	}
	if cfg.SuggestionsTTL <= 0 {
		cfg.SuggestionsTTL = def.SuggestionsTTL
	}
	if logger == nil {
		logger = log.Default(log.ComponentLedger)
	}
	lru := cache.NewLRUCache[map[string][]string](1, cfg.SuggestionsTTL)
	return &Writer{
		opener:      opener,
		cfg:         cfg,
		logger:      logger.WithComponent(log.ComponentLedger),
		lru:         lru,
		suggestions: cache.NewLoading[map[string][]string](lru),
	}
}

// Cache exposes the suggestions cache for periodic cleanup.
func (w *Writer) Cache() cache.Cleaner { return w.lru }

// worksheet opens the sheet and reads the headers. Callers hold mu.
func (w *Writer) worksheet(ctx context.Context) (ports.Worksheet, error) {
	if w.ws == nil {
		ws, err := w.opener.OpenWorksheet(ctx, w.cfg.Sheet)
		if err != nil {
			return nil, core.Remote("open worksheet "+w.cfg.Sheet, err)
		}
		w.ws = ws
	}
	if len(w.headers) == 0 {
		headers, err := w.ws.ReadRow(ctx, 1)
		if err != nil {
			return nil, core.Remote("read ledger headers", err)
		}
		if len(headers) == 0 {
			return nil, fmt.Errorf("%s: %w", w.cfg.Sheet, ErrNoHeaders)
		}
		w.headers = headers
	}
	return w.ws, nil
}

// Headers returns the ledger header row.
func (w *Writer) Headers(ctx context.Context) ([]string, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, err := w.worksheet(ctx); err != nil {
		return nil, err
	}
	return append([]string(nil), w.headers...), nil
}

// AppendTransaction writes rec into the first blank row below the headers
// and returns that row. Fields without a matching header are dropped; headers
// without a field stay blank.
func (w *Writer) AppendTransaction(ctx context.Context, rec *core.Record) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	ws, err := w.worksheet(ctx)
	if err != nil {
		return 0, err
	}

	prepared := rec.Clone()
	prepared.PrepareLedgerValues()
	values := make([]any, len(w.headers))
	for i, h := range w.headers {
		v, ok := prepared.Get(h)
		if !ok {
			v, ok = prepared.Get(strings.TrimSpace(h))
		}
		if !ok || v == nil {
			v = ""
		}
		values[i] = v
	}

	rows, err := ws.ReadAll(ctx)
	if err != nil {
		return 0, core.Remote("read ledger", err)
	}
	row := nextEmptyRow(rows)
	rng := fmt.Sprintf("A%d:%s%d", row, ports.ColumnLetter(len(values)), row)
	if err := ws.WriteRange(ctx, rng, [][]any{values}); err != nil {
		return 0, core.Remote("write "+rng, err)
	}
	w.suggestions.Invalidate(suggestionsKey)

	w.logger.InfoContext(ctx, "Ledger row appended",
		log.FieldOperation, log.OpAppend,
		log.FieldSheet, w.cfg.Sheet,
		log.FieldRow, row,
		"fields", rec.Len())
	return row, nil
}

// nextEmptyRow returns the first entirely blank row, or the row after the last.
func nextEmptyRow(rows [][]string) int {
	for i, r := range rows {
		blank := true
		for _, v := range r {
			if strings.TrimSpace(v) != "" {
				blank = false
				break
			}
		}
		if blank {
			return i + 1
		}
	}
	return len(rows) + 1
}

// MarkFlag writes the follow-up marker of flag into row.
func (w *Writer) MarkFlag(ctx context.Context, row int, flag core.Flag) error {
	var column, text string
	switch flag {
	case core.FlagBalance:
		column, text = w.cfg.BalanceFlagColumn, w.cfg.BalanceFlagText
	case core.FlagChat:
		column, text = w.cfg.ChatFlagColumn, w.cfg.ChatFlagText
	default:
		return fmt.Errorf("%q: %w", flag, core.ErrUnknownFlag)
	}
	if row < 2 {
		return fmt.Errorf("%d: %w", row, core.ErrInvalidRow)
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	ws, err := w.worksheet(ctx)
	if err != nil {
		return err
	}
	ref := fmt.Sprintf("%s%d", column, row)
	if err := ws.WriteCell(ctx, ref, text); err != nil {
		return core.Remote("write "+ref, err)
	}
	w.logger.InfoContext(ctx, "Ledger row marked", log.FieldOperation, log.OpMark, log.FieldRow, row, "flag", string(flag))
	return nil
}

// ReadColumns returns the values below the header of each named column.
// Unknown names map to an empty list.
func (w *Writer) ReadColumns(ctx context.Context, names []string) (map[string][]string, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	ws, err := w.worksheet(ctx)
	if err != nil {
		return nil, err
	}
	out := make(map[string][]string, len(names))
	for _, name := range names {
		idx := indexOf(w.headers, name)
		if idx < 0 {
			out[name] = []string{}
			continue
		}
		values, err := ws.ReadColumn(ctx, idx+1)
		if err != nil {
			return nil, core.Remote("read column "+name, err)
		}
		if len(values) > 1 {
			out[name] = values[1:]
		} else {
			out[name] = []string{}
		}
	}
	return out, nil
}

// Suggestions returns, per header, the distinct sorted values seen so far.
// Source and destination share one list; dates, amounts and rates get none.
func (w *Writer) Suggestions(ctx context.Context) (map[string][]string, error) {
	return w.suggestions.GetOrLoad(ctx, suggestionsKey, w.loadSuggestions)
}

// RefreshSuggestions drops the cached suggestions and reads them again.
func (w *Writer) RefreshSuggestions(ctx context.Context) (map[string][]string, error) {
	w.suggestions.Invalidate(suggestionsKey)
	return w.Suggestions(ctx)
}

func (w *Writer) loadSuggestions(ctx context.Context) (map[string][]string, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	ws, err := w.worksheet(ctx)
	if err != nil {
		return nil, err
	}
	rows, err := ws.ReadAll(ctx)
	if err != nil {
		return nil, core.Remote("read ledger", err)
	}

	column := func(i int) []string {
		var vals []string
		for _, r := range rows[1:] {
			if i < len(r) {
				if v := strings.TrimSpace(r[i]); v != "" {
					vals = append(vals, v)
				}
			}
		}
		return vals
	}

	out := map[string][]string{}
	var places []string
	hasPlaces := false
	for i, h := range w.headers {
		h = strings.TrimSpace(h)
		switch {
		case h == "":
		case h == core.FieldTo || h == core.FieldFrom:
			hasPlaces = true
			if len(rows) > 1 {
				places = append(places, column(i)...)
			}
		case noSuggestions[h]:
			out[h] = []string{}
		default:
			if len(rows) > 1 {
				out[h] = distinctSorted(column(i))
			} else {
				out[h] = []string{}
			}
		}
	}
	if hasPlaces {
		merged := distinctSorted(places)
		out[core.FieldTo] = merged
		out[core.FieldFrom] = merged
	}
	return out, nil
}

func distinctSorted(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, v := range in {
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}

func indexOf(list []string, v string) int {
	for i, s := range list {
		if s == v {
			return i
		}
	}
	return -1
}
