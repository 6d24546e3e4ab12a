package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"tgledger/internal/balance"
	"tgledger/internal/core"
	"tgledger/internal/ledger"
	"tgledger/internal/log"
	"tgledger/internal/services"
	"tgledger/internal/sheets/memory"
)

type fakeSender struct {
	mu    sync.Mutex
	texts []string
	err   error
}

func (f *fakeSender) Send(_ context.Context, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.texts = append(f.texts, text)
	return nil
}

type testEnv struct {
	srv      *Server
	ledger   *memory.Sheet
	balances *memory.Sheet
	sender   *fakeSender
	journal  *services.MemoryJournal
}

func newTestEnv(t *testing.T, balances [][]string, mutate func(*Deps)) *testEnv {
	t.Helper()
	book := memory.NewBook()
	env := &testEnv{
		ledger:   book.Add("Ledger", memory.DefaultLedger()),
		balances: book.Add("Balances", balances),
		sender:   &fakeSender{},
		journal:  services.NewMemoryJournal(),
	}
	w := ledger.NewWriter(book, ledger.Config{Sheet: "Ledger"}, log.Discard())
	e := balance.NewEngine(book, balance.Config{Sheet: "Balances"}, log.Discard())
	svc := services.NewTransactionService(w, e, env.sender, env.journal, nil,
		services.Options{Mode: services.ModeSync, Author: "Alex"}, log.Discard())

	deps := Deps{Service: svc, Ledger: w, Balances: e, Journal: env.journal}
	if mutate != nil {
		mutate(&deps)
	}
	env.srv = NewServer(":0", deps, log.Discard())
	t.Cleanup(func() { _ = env.srv.Shutdown(context.Background()) })
	return env
}

func (env *testEnv) do(method, target, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, target, nil)
	}
	rr := httptest.NewRecorder()
	env.srv.Handler.ServeHTTP(rr, req)
	return rr
}

func decode[T any](t *testing.T, rr *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(rr.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode %q: %v", rr.Body.String(), err)
	}
	return v
}

const transfer = `{"Дата":"2026-10-01","Сумма":"1 500,50","Валюта":"RUB","Откуда":"Карта","Куда":"Наличные"}`

func TestRootAndHealth(t *testing.T) {
	env := newTestEnv(t, memory.DefaultBalances(), nil)

	rr := env.do(http.MethodGet, "/", "")
	if rr.Code != http.StatusOK || decode[map[string]string](t, rr)["message"] != "Привет" {
		t.Fatalf("root: %d %s", rr.Code, rr.Body.String())
	}

	rr = env.do(http.MethodGet, "/healthz", "")
	if rr.Code != http.StatusOK || decode[map[string]any](t, rr)["status"] != "ok" {
		t.Fatalf("healthz: %d %s", rr.Code, rr.Body.String())
	}
	if rr.Header().Get("X-Request-ID") == "" {
		t.Fatal("responses should carry a request id")
	}

	if rr := env.do(http.MethodGet, "/nope", ""); rr.Code != http.StatusNotFound {
		t.Fatalf("unknown path status = %d", rr.Code)
	}
}

func TestReady(t *testing.T) {
	env := newTestEnv(t, memory.DefaultBalances(), func(d *Deps) {
		d.Checks = []Check{{Name: "journal", Probe: func(context.Context) error { return nil }}}
	})
	rr := env.do(http.MethodGet, "/readyz", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("readyz status = %d, body %s", rr.Code, rr.Body.String())
	}
	checks := decode[map[string]any](t, rr)["checks"].(map[string]any)
	if checks["journal"] != "ok" {
		t.Fatalf("unexpected checks %v", checks)
	}

	broken := newTestEnv(t, [][]string{{"no table here"}}, func(d *Deps) {
		d.Checks = []Check{{Name: "broker", Probe: func(context.Context) error { return errors.New("connection refused") }}}
	})
	rr = broken.do(http.MethodGet, "/readyz", "")
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("readyz status = %d", rr.Code)
	}
	body := rr.Body.String()
	if !strings.Contains(body, "balance layout not found") || !strings.Contains(body, "connection refused") {
		t.Fatalf("unexpected body %s", body)
	}
}

func TestAddToSheet(t *testing.T) {
	env := newTestEnv(t, memory.DefaultBalances(), nil)

	rr := env.do(http.MethodPost, "/api/add-to-sheet", transfer)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rr.Code, rr.Body.String())
	}
	res := decode[services.AddResult](t, rr)
	if res.Status != services.StatusSuccess || res.Row != 2 || len(res.BalanceUpdate) != 2 {
		t.Fatalf("unexpected result %+v", res)
	}
	if got := env.balances.Value("C4"); got != "1500.5" {
		t.Fatalf("C4 = %q", got)
	}
	if got := env.ledger.Value("B2"); got != "1500.5" {
		t.Fatalf("ledger amount = %q", got)
	}

	rr = env.do(http.MethodGet, "/api/journal?limit=10", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("journal status = %d", rr.Code)
	}
	if entries := decode[[]core.JournalEntry](t, rr); len(entries) != 2 {
		t.Fatalf("expected 2 journal entries, got %d", len(entries))
	}

	rr = env.do(http.MethodGet, "/api/journal?row=2", "")
	if entries := decode[[]core.JournalEntry](t, rr); len(entries) != 2 || entries[0].LedgerRow != 2 {
		t.Fatalf("unexpected row entries %+v", entries)
	}
	rr = env.do(http.MethodGet, "/api/journal?row=3", "")
	if entries := decode[[]core.JournalEntry](t, rr); len(entries) != 0 {
		t.Fatalf("row 3 has no entries, got %+v", entries)
	}
}

func TestAddToSheetErrors(t *testing.T) {
	env := newTestEnv(t, memory.DefaultBalances(), nil)

	tests := []struct {
		name   string
		body   string
		setup  func()
		status int
		prefix string
	}{
		{"not json", "{", nil, http.StatusBadRequest, "invalid request body"},
		{"array body", "[1,2]", nil, http.StatusBadRequest, "invalid request body"},
		{
			"ledger failure", transfer,
			func() { env.ledger.FailNext(memory.OpReadAll, errors.New("quota exceeded")) },
			http.StatusBadGateway, "Ledger error:",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.setup != nil {
				tt.setup()
			}
			rr := env.do(http.MethodPost, "/api/add-to-sheet", tt.body)
			if rr.Code != tt.status {
				t.Fatalf("status = %d, want %d (%s)", rr.Code, tt.status, rr.Body.String())
			}
			res := decode[errorResponse](t, rr)
			if res.Status != "error" || !strings.HasPrefix(res.Message, tt.prefix) {
				t.Fatalf("unexpected body %+v", res)
			}
		})
	}
	if env.balances.Calls(memory.OpFind) != 0 {
		t.Fatal("balances must not be touched when the ledger write fails")
	}
}

func TestAddToSheetWrongMethod(t *testing.T) {
	env := newTestEnv(t, memory.DefaultBalances(), nil)
	if rr := env.do(http.MethodGet, "/api/add-to-sheet", ""); rr.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", rr.Code)
	}
}

func TestUpdateSheet(t *testing.T) {
	tests := []struct {
		name     string
		balances [][]string
		body     string
		status   int
		contains string
	}{
		{"applied", memory.DefaultBalances(), `{"Валюта":"USD","Инстанс":"Карта","Сумма":"10"}`, http.StatusOK, "Карта: 0 → 10 USD"},
		{"empty currency", memory.DefaultBalances(), `{"Валюта":"","Инстанс":"Карта","Сумма":"10"}`, http.StatusBadRequest, "empty currency"},
		{"no layout", [][]string{{"Балансы"}}, `{"Валюта":"USD","Инстанс":"Карта","Сумма":"10"}`, http.StatusUnprocessableEntity, "❌"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t, tt.balances, nil)
			rr := env.do(http.MethodPost, "/api/update-sheet", tt.body)
			if rr.Code != tt.status {
				t.Fatalf("status = %d, want %d (%s)", rr.Code, tt.status, rr.Body.String())
			}
			if !strings.Contains(rr.Body.String(), tt.contains) {
				t.Fatalf("body %s does not contain %q", rr.Body.String(), tt.contains)
			}
		})
	}
}

func TestSendToChat(t *testing.T) {
	env := newTestEnv(t, memory.DefaultBalances(), nil)
	if rr := env.do(http.MethodPost, "/api/add-to-sheet", transfer); rr.Code != http.StatusOK {
		t.Fatalf("seed row: %d", rr.Code)
	}

	rr := env.do(http.MethodPost, "/api/send-to-chat", `{"Сумма":"1500.5","Валюта":"RUB","номер строки":2}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rr.Code, rr.Body.String())
	}
	res := decode[services.ChatResult](t, rr)
	if !res.Success || !res.Marked || res.Message != "Данные отправлены в чат" {
		t.Fatalf("unexpected result %+v", res)
	}
	if len(env.sender.texts) != 1 || env.ledger.Value("L2") != "✓ в чат, web" {
		t.Fatalf("message not sent or row not marked: %v %q", env.sender.texts, env.ledger.Value("L2"))
	}

	env.sender.err = errors.New("bot was blocked")
	rr = env.do(http.MethodPost, "/api/send-to-chat", `{"Сумма":"1"}`)
	if rr.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d", rr.Code)
	}
	if msg := decode[errorResponse](t, rr).Message; !strings.HasPrefix(msg, "Ошибка: ") {
		t.Fatalf("unexpected message %q", msg)
	}
}

func TestReadEndpoints(t *testing.T) {
	env := newTestEnv(t, memory.DefaultBalances(), nil)
	if rr := env.do(http.MethodPost, "/api/add-to-sheet", transfer); rr.Code != http.StatusOK {
		t.Fatalf("seed row: %d", rr.Code)
	}

	rr := env.do(http.MethodGet, "/api/read_column_GoogleTable/?columns=Валюта&columns=Нет", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("read columns status = %d", rr.Code)
	}
	cols := decode[map[string][]string](t, rr)
	if len(cols["Валюта"]) != 1 || cols["Валюта"][0] != "RUB" || len(cols["Нет"]) != 0 {
		t.Fatalf("unexpected columns %v", cols)
	}

	if rr := env.do(http.MethodGet, "/api/read_column_GoogleTable/", ""); rr.Code != http.StatusBadRequest {
		t.Fatalf("missing columns status = %d", rr.Code)
	}

	for _, path := range []string{"/api/read_GoogleTable/", "/api/table-structure"} {
		rr := env.do(http.MethodGet, path, "")
		if rr.Code != http.StatusOK {
			t.Fatalf("%s status = %d", path, rr.Code)
		}
		if rr.Header().Get("Cache-Control") != "no-store" {
			t.Fatalf("%s should not be cacheable", path)
		}
		s := decode[map[string][]string](t, rr)
		if _, ok := s["Категория"]; !ok {
			t.Fatalf("%s missing header key: %v", path, s)
		}
	}
}

func TestReadTableRemoteFailure(t *testing.T) {
	env := newTestEnv(t, memory.DefaultBalances(), nil)
	env.ledger.FailNext(memory.OpReadRow, errors.New("403 forbidden"))
	if rr := env.do(http.MethodGet, "/api/table-structure", ""); rr.Code != http.StatusBadGateway {
		t.Fatalf("status = %d", rr.Code)
	}
}

func TestJournal(t *testing.T) {
	env := newTestEnv(t, memory.DefaultBalances(), nil)
	rr := env.do(http.MethodGet, "/api/journal", "")
	if rr.Code != http.StatusOK || strings.TrimSpace(rr.Body.String()) != "[]" {
		t.Fatalf("empty journal: %d %s", rr.Code, rr.Body.String())
	}
	for _, q := range []string{"limit=zero", "row=1", "row=x"} {
		if rr := env.do(http.MethodGet, "/api/journal?"+q, ""); rr.Code != http.StatusBadRequest {
			t.Fatalf("%s status = %d", q, rr.Code)
		}
	}

	none := newTestEnv(t, memory.DefaultBalances(), func(d *Deps) { d.Journal = nil })
	if rr := none.do(http.MethodGet, "/api/journal", ""); rr.Code != http.StatusNotFound {
		t.Fatalf("unconfigured journal status = %d", rr.Code)
	}
}

func TestRateLimitOnPost(t *testing.T) {
	env := newTestEnv(t, memory.DefaultBalances(), func(d *Deps) { d.RequestsPerMinute = 1 })

	if rr := env.do(http.MethodPost, "/api/update-sheet", `{"Валюта":"USD","Инстанс":"Карта","Сумма":"1"}`); rr.Code != http.StatusOK {
		t.Fatalf("first POST status = %d", rr.Code)
	}
	rr := env.do(http.MethodPost, "/api/update-sheet", `{"Валюта":"USD","Инстанс":"Карта","Сумма":"1"}`)
	if rr.Code != http.StatusTooManyRequests {
		t.Fatalf("second POST status = %d", rr.Code)
	}
	if rr := env.do(http.MethodGet, "/healthz", ""); rr.Code != http.StatusOK {
		t.Fatalf("GET should not be limited, got %d", rr.Code)
	}
}

func TestMetrics(t *testing.T) {
	env := newTestEnv(t, memory.DefaultBalances(), nil)
	env.do(http.MethodPost, "/api/add-to-sheet", transfer)

	rr := env.do(http.MethodGet, "/metrics", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	body := rr.Body.String()
	for _, want := range []string{"ledger_rows_total 1", "http_requests_total 2", "# TYPE rate_limit_clients gauge"} {
		if !strings.Contains(body, want) {
			t.Errorf("metrics missing %q", want)
		}
	}
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{core.ErrInvalidAmount, http.StatusBadRequest},
		{&core.StepError{Step: core.StepCurrency, Err: core.ErrSchemaMismatch}, http.StatusUnprocessableEntity},
		{core.Remote("write", errors.New("boom")), http.StatusBadGateway},
		{context.DeadlineExceeded, http.StatusGatewayTimeout},
		{errors.New("other"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		if got := statusFor(tt.err); got != tt.want {
			t.Errorf("statusFor(%v) = %d, want %d", tt.err, got, tt.want)
		}
	}
}
