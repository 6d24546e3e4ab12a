package google

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/avast/retry-go"
	"github.com/shopspring/decimal"
	"golang.org/x/oauth2"
	googleoauth "golang.org/x/oauth2/google"
	"google.golang.org/api/googleapi"
	goption "google.golang.org/api/option"
	gsheet "google.golang.org/api/sheets/v4"

	"tgledger/internal/log"
	ports "tgledger/internal/sheets"
)

const userEntered = "USER_ENTERED"

// Config selects the spreadsheet and how to authenticate against it.
type Config struct {
	SpreadsheetID string
	// CredentialsJSON or CredentialsFile hold a service account key. When
	// both are empty Application Default Credentials are used.
	CredentialsJSON string
	CredentialsFile string
	// RateLimitAttempts bounds how often a call answered with 429 is tried.
	// Values below 2 disable retrying.
	RateLimitAttempts uint
	RateLimitDelay    time.Duration
}

// Client opens worksheets of one spreadsheet through the Sheets v4 API.
type Client struct {
	svc           *gsheet.Service
	spreadsheetID string
	attempts      uint
	delay         time.Duration
	logger        *log.Logger

	mu       sync.Mutex
	sheetIDs map[string]int64
}

var _ ports.Opener = (*Client)(nil)

// New creates a Sheets client. Passing opts replaces the credential
// options derived from cfg.
func New(ctx context.Context, cfg Config, logger *log.Logger, opts ...goption.ClientOption) (*Client, error) {
	if strings.TrimSpace(cfg.SpreadsheetID) == "" {
		return nil, errors.New("missing spreadsheet id")
	}
	if logger == nil {
		logger = log.Default(log.ComponentSheets)
	}
	logger = logger.WithComponent(log.ComponentSheets)

	if len(opts) == 0 {
		auth, err := credentialOptions(ctx, cfg, logger)
		if err != nil {
			return nil, err
		}
		opts = auth
	}
	svc, err := gsheet.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create sheets service: %w", err)
	}

	attempts := cfg.RateLimitAttempts
	if attempts == 0 {
		attempts = 1
	}
	delay := cfg.RateLimitDelay
	if delay <= 0 {
		delay = 2 * time.Second
	}
	return &Client{
		svc:           svc,
		spreadsheetID: cfg.SpreadsheetID,
		attempts:      attempts,
		delay:         delay,
		logger:        logger,
		sheetIDs:      make(map[string]int64),
	}, nil
}

// credentialOptions builds a service-account token source over a pooled
// HTTP client, or falls back to Application Default Credentials.
func credentialOptions(ctx context.Context, cfg Config, logger *log.Logger) ([]goption.ClientOption, error) {
	var key []byte
	switch {
	case strings.TrimSpace(cfg.CredentialsJSON) != "":
		logger.InfoContext(ctx, "Using inline service account credentials")
		key = []byte(cfg.CredentialsJSON)
	case strings.TrimSpace(cfg.CredentialsFile) != "":
		logger.InfoContext(ctx, "Reading service account credentials", "path", cfg.CredentialsFile)
		b, err := os.ReadFile(cfg.CredentialsFile)
		if err != nil {
			return nil, fmt.Errorf("read service account file: %w", err)
		}
		key = b
	default:
		logger.InfoContext(ctx, "Using application default credentials")
		return []goption.ClientOption{goption.WithScopes(gsheet.SpreadsheetsScope)}, nil
	}

	jwt, err := googleoauth.JWTConfigFromJSON(key, gsheet.SpreadsheetsScope)
	if err != nil {
		return nil, fmt.Errorf("parse service account key: %w", err)
	}
	base := context.WithValue(ctx, oauth2.HTTPClient, newHTTPClientWithPooling())
	return []goption.ClientOption{goption.WithHTTPClient(jwt.Client(base))}, nil
}

// newHTTPClientWithPooling creates an HTTP client tuned for the Sheets API.
func newHTTPClientWithPooling() *http.Client {
	dialer := &net.Dialer{
		Timeout:   30 * time.Second,
		KeepAlive: 30 * time.Second,
	}
	transport := &http.Transport{
		DialContext:           dialer.DialContext,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   10,
		MaxConnsPerHost:       50,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: 30 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		ForceAttemptHTTP2:     true,
	}
	return &http.Client{
		Transport: transport,
		Timeout:   60 * time.Second,
	}
}

// OpenWorksheet resolves name to a worksheet of the spreadsheet.
func (c *Client) OpenWorksheet(ctx context.Context, name string) (ports.Worksheet, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if id, ok := c.sheetIDs[name]; ok {
		return &Worksheet{client: c, title: name, sheetID: id}, nil
	}

	var ss *gsheet.Spreadsheet
	err := c.call(ctx, func() error {
		var err error
		ss, err = c.svc.Spreadsheets.Get(c.spreadsheetID).Fields("sheets.properties").Context(ctx).Do()
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("open spreadsheet: %w", classify(err))
	}
	for _, sh := range ss.Sheets {
		if sh.Properties == nil {
			continue
		}
		c.sheetIDs[sh.Properties.Title] = sh.Properties.SheetId
	}
	id, ok := c.sheetIDs[name]
	if !ok {
		return nil, fmt.Errorf("%q: %w", name, ports.ErrWorksheetNotFound)
	}
	c.logger.InfoContext(ctx, "Worksheet opened", log.FieldSheet, name, "sheet_id", id)
	return &Worksheet{client: c, title: name, sheetID: id}, nil
}

// call runs fn, retrying 429 responses up to the configured attempts.
func (c *Client) call(ctx context.Context, fn func() error) error {
	if c.attempts < 2 {
		return fn()
	}
	return retry.Do(fn,
		retry.Context(ctx),
		retry.RetryIf(isRateLimited),
		retry.Attempts(c.attempts),
		retry.Delay(c.delay),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			c.logger.WarnContext(ctx, "Rate limited, will retry", "attempt", n+1, log.FieldError, err)
		}),
	)
}

func isRateLimited(err error) bool {
	var apiErr *googleapi.Error
	return errors.As(err, &apiErr) && apiErr.Code == http.StatusTooManyRequests
}

// classify maps authorization failures to ports.ErrAuth and a missing
// spreadsheet to ports.ErrWorksheetNotFound.
func classify(err error) error {
	var apiErr *googleapi.Error
	if !errors.As(err, &apiErr) {
		return err
	}
	switch apiErr.Code {
	case http.StatusUnauthorized, http.StatusForbidden:
		return fmt.Errorf("%w: %v", ports.ErrAuth, err)
	case http.StatusNotFound:
		return fmt.Errorf("%w: %v", ports.ErrWorksheetNotFound, err)
	}
	return err
}

// Worksheet is one tab of the spreadsheet.
type Worksheet struct {
	client  *Client
	title   string
	sheetID int64
}

var _ ports.Worksheet = (*Worksheet)(nil)

func (w *Worksheet) Title() string { return w.title }

func (w *Worksheet) a1(ref string) string {
	return quoteSheet(w.title) + "!" + ref
}

func (w *Worksheet) get(ctx context.Context, rng, major string) ([][]any, error) {
	var resp *gsheet.ValueRange
	err := w.client.call(ctx, func() error {
		call := w.client.svc.Spreadsheets.Values.Get(w.client.spreadsheetID, rng).Context(ctx)
		if major != "" {
			call = call.MajorDimension(major)
		}
		var err error
		resp, err = call.Do()
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", rng, classify(err))
	}
	return resp.Values, nil
}

func (w *Worksheet) FindCell(ctx context.Context, text string) (ports.Cell, error) {
	rows, err := w.ReadAll(ctx)
	if err != nil {
		return ports.Cell{}, err
	}
	want := strings.TrimSpace(text)
	for r, row := range rows {
		for c, v := range row {
			if strings.TrimSpace(v) == want {
				return ports.Cell{Row: r + 1, Col: c + 1, Value: v}, nil
			}
		}
	}
	return ports.Cell{}, fmt.Errorf("%q in %s: %w", text, w.title, ports.ErrCellNotFound)
}

func (w *Worksheet) ReadRow(ctx context.Context, row int) ([]string, error) {
	values, err := w.get(ctx, w.a1(fmt.Sprintf("%d:%d", row, row)), "")
	if err != nil || len(values) == 0 {
		return nil, err
	}
	return toStrings(values[0]), nil
}

func (w *Worksheet) ReadColumn(ctx context.Context, col int) ([]string, error) {
	letter := ports.ColumnLetter(col)
	values, err := w.get(ctx, w.a1(letter+":"+letter), "COLUMNS")
	if err != nil || len(values) == 0 {
		return nil, err
	}
	return toStrings(values[0]), nil
}

func (w *Worksheet) ReadCell(ctx context.Context, ref string) (string, error) {
	values, err := w.get(ctx, w.a1(ref), "")
	if err != nil || len(values) == 0 || len(values[0]) == 0 {
		return "", err
	}
	return fmt.Sprint(values[0][0]), nil
}

func (w *Worksheet) ReadAll(ctx context.Context) ([][]string, error) {
	values, err := w.get(ctx, quoteSheet(w.title), "")
	if err != nil {
		return nil, err
	}
	out := make([][]string, len(values))
	for i, row := range values {
		out[i] = toStrings(row)
	}
	return out, nil
}

func (w *Worksheet) WriteCell(ctx context.Context, ref string, value any) error {
	return w.WriteRange(ctx, ref, [][]any{{value}})
}

func (w *Worksheet) WriteRange(ctx context.Context, rangeRef string, values [][]any) error {
	rows := make([][]any, len(values))
	for i, row := range values {
		rows[i] = make([]any, len(row))
		for j, v := range row {
			rows[i][j] = cellValue(v)
		}
	}
	rng := w.a1(rangeRef)
	err := w.client.call(ctx, func() error {
		_, err := w.client.svc.Spreadsheets.Values.Update(w.client.spreadsheetID, rng, &gsheet.ValueRange{Values: rows}).
			ValueInputOption(userEntered).Context(ctx).Do()
		return err
	})
	if err != nil {
		return fmt.Errorf("write %s: %w", rng, classify(err))
	}
	return nil
}

func (w *Worksheet) InsertRow(ctx context.Context, index int, values []any) error {
	if err := w.insertDimension(ctx, "ROWS", index); err != nil {
		return err
	}
	if len(values) == 0 {
		return nil
	}
	rng := fmt.Sprintf("A%d:%s%d", index, ports.ColumnLetter(len(values)), index)
	return w.WriteRange(ctx, rng, [][]any{values})
}

func (w *Worksheet) InsertColumn(ctx context.Context, index int) error {
	return w.insertDimension(ctx, "COLUMNS", index)
}

// insertDimension inserts one row or column. New rows take the formatting of
// the row they push down; new columns that of the column on their left.
func (w *Worksheet) insertDimension(ctx context.Context, dimension string, index int) error {
	if index < 1 {
		return fmt.Errorf("insert %s at %d: index must be positive", strings.ToLower(dimension), index)
	}
	req := &gsheet.Request{
		InsertDimension: &gsheet.InsertDimensionRequest{
			Range: &gsheet.DimensionRange{
				SheetId:         w.sheetID,
				Dimension:       dimension,
				StartIndex:      int64(index - 1),
				EndIndex:        int64(index),
				ForceSendFields: []string{"SheetId", "StartIndex"},
			},
			InheritFromBefore: dimension == "COLUMNS" && index > 1,
		},
	}
	return w.batch(ctx, "insert "+strings.ToLower(dimension), req)
}

func (w *Worksheet) SetColumnNumberFormat(ctx context.Context, col int, pattern string) error {
	req := &gsheet.Request{
		RepeatCell: &gsheet.RepeatCellRequest{
			Range: &gsheet.GridRange{
				SheetId:          w.sheetID,
				StartColumnIndex: int64(col - 1),
				EndColumnIndex:   int64(col),
				ForceSendFields:  []string{"SheetId", "StartColumnIndex"},
			},
			Cell: &gsheet.CellData{
				UserEnteredFormat: &gsheet.CellFormat{
					NumberFormat: &gsheet.NumberFormat{
						Type:    "NUMBER",
						Pattern: pattern,
					},
				},
			},
			Fields: "userEnteredFormat.numberFormat",
		},
	}
	return w.batch(ctx, "format column "+ports.ColumnLetter(col), req)
}

func (w *Worksheet) batch(ctx context.Context, op string, reqs ...*gsheet.Request) error {
	err := w.client.call(ctx, func() error {
		_, err := w.client.svc.Spreadsheets.BatchUpdate(w.client.spreadsheetID,
			&gsheet.BatchUpdateSpreadsheetRequest{Requests: reqs}).Context(ctx).Do()
		return err
	})
	if err != nil {
		return fmt.Errorf("%s in %s: %w", op, w.title, classify(err))
	}
	return nil
}

// cellValue converts domain values to what the API serializes as numbers.
func cellValue(v any) any {
	switch t := v.(type) {
	case nil:
		return ""
	case decimal.Decimal:
		return t.InexactFloat64()
	default:
		return v
	}
}

func quoteSheet(title string) string {
	return "'" + strings.ReplaceAll(title, "'", "''") + "'"
}

func toStrings(in []any) []string {
	out := make([]string, len(in))
	for i, v := range in {
		out[i] = fmt.Sprint(v)
	}
	n := len(out)
	for n > 0 && strings.TrimSpace(out[n-1]) == "" {
		n--
	}
	return out[:n]
}
