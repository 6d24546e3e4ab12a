package services

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"tgledger/internal/amqp"
	"tgledger/internal/balance"
	"tgledger/internal/core"
	"tgledger/internal/ledger"
	"tgledger/internal/log"
	ports "tgledger/internal/sheets"
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

type fakePublisher struct {
	msgs []*amqp.BalanceApplyMessage
	err  error
}

func (f *fakePublisher) PublishBalanceApply(_ context.Context, msg *amqp.BalanceApplyMessage) error {
	if f.err != nil {
		return f.err
	}
	f.msgs = append(f.msgs, msg)
	return nil
}

type brokenJournal struct{}

func (brokenJournal) Status(context.Context, string) (core.JournalStatus, error) {
	return "", errors.New("database is locked")
}

func (brokenJournal) Record(context.Context, core.JournalEntry) error { return nil }

type fixture struct {
	svc      *TransactionService
	ledger   *memory.Sheet
	balances *memory.Sheet
	sender   *fakeSender
	journal  *MemoryJournal
}

func newFixture(t *testing.T, balances [][]string, publisher Publisher, mode Mode) *fixture {
	t.Helper()
	book := memory.NewBook()
	f := &fixture{
		ledger:   book.Add("Ledger", memory.DefaultLedger()),
		balances: book.Add("Balances", balances),
		sender:   &fakeSender{},
		journal:  NewMemoryJournal(),
	}
	w := ledger.NewWriter(book, ledger.Config{Sheet: "Ledger"}, log.Discard())
	e := balance.NewEngine(book, balance.Config{Sheet: "Balances"}, log.Discard())
	f.svc = NewTransactionService(w, e, f.sender, f.journal, publisher, Options{Mode: mode, Author: "Alex"}, log.Discard())
	return f
}

func record(t *testing.T, js string) *core.Record {
	t.Helper()
	var rec core.Record
	if err := json.Unmarshal([]byte(js), &rec); err != nil {
		t.Fatalf("record: %v", err)
	}
	return &rec
}

const transfer = `{"Дата":"2026-10-01","Сумма":100,"Валюта":"USD","Откуда":"Карта","Куда":"Наличные"}`

func TestAddToSheetSync(t *testing.T) {
	f := newFixture(t, memory.DefaultBalances(), nil, ModeSync)

	res, err := f.svc.AddToSheet(context.Background(), record(t, transfer))
	if err != nil {
		t.Fatalf("AddToSheet() error = %v", err)
	}
	if res.Status != StatusSuccess || res.Row != 2 {
		t.Fatalf("unexpected result %+v", res)
	}
	if res.Message != "✅ Данные успешно добавлены в строку 2" {
		t.Fatalf("unexpected message %q", res.Message)
	}
	if len(res.Legs) != 2 || res.Legs[0].Status != LegApplied || res.Legs[1].Status != LegApplied {
		t.Fatalf("unexpected legs %+v", res.Legs)
	}
	if got := f.balances.Value("D4"); got != "100" {
		t.Fatalf("D4 = %q", got)
	}
	if got := f.balances.Value("D5"); got != "-100" {
		t.Fatalf("D5 = %q", got)
	}
	if got := f.balances.Value("D6"); got != "0,00" {
		t.Fatalf("D6 = %q", got)
	}
	if got := f.ledger.Value("M2"); got != "✓ баланс, web" {
		t.Fatalf("balance flag = %q", got)
	}
	if !strings.Contains(res.BalanceUpdate[0], "Наличные: 0 → 100 USD") {
		t.Fatalf("unexpected balance message %q", res.BalanceUpdate[0])
	}
}

func TestAddToSheetWithoutLegs(t *testing.T) {
	f := newFixture(t, memory.DefaultBalances(), nil, ModeSync)

	res, err := f.svc.AddToSheet(context.Background(), record(t, `{"Дата":"2026-10-01","Сумма":5,"Валюта":"USD"}`))
	if err != nil {
		t.Fatalf("AddToSheet() error = %v", err)
	}
	if res.Status != StatusSuccess || len(res.Legs) != 0 {
		t.Fatalf("unexpected result %+v", res)
	}
	if f.balances.Calls(memory.OpFind) != 0 {
		t.Fatal("balances should not be touched")
	}
	if f.ledger.Value("M2") != "" {
		t.Fatal("balance flag should stay empty")
	}
}

func TestAddToSheetInvalidLegs(t *testing.T) {
	f := newFixture(t, memory.DefaultBalances(), nil, ModeSync)

	res, err := f.svc.AddToSheet(context.Background(), record(t, `{"Сумма":5,"Валюта":"","Куда":"Наличные"}`))
	if err != nil {
		t.Fatalf("AddToSheet() error = %v", err)
	}
	if res.Status != StatusPartial || len(res.BalanceUpdate) != 1 || !strings.HasPrefix(res.BalanceUpdate[0], "❌") {
		t.Fatalf("unexpected result %+v", res)
	}
}

func TestAddToSheetLedgerFailure(t *testing.T) {
	f := newFixture(t, memory.DefaultBalances(), nil, ModeSync)
	f.ledger.FailNext(memory.OpReadRow, errors.New("quota exceeded"))

	if _, err := f.svc.AddToSheet(context.Background(), record(t, transfer)); err == nil {
		t.Fatal("expected ledger error")
	}
	if f.balances.Calls(memory.OpFind) != 0 {
		t.Fatal("balances must not be touched after a ledger failure")
	}
}

func TestAddToSheetAsync(t *testing.T) {
	pub := &fakePublisher{}
	f := newFixture(t, memory.DefaultBalances(), pub, ModeAsync)

	res, err := f.svc.AddToSheet(context.Background(), record(t, transfer))
	if err != nil {
		t.Fatalf("AddToSheet() error = %v", err)
	}
	if res.Status != StatusQueued || len(pub.msgs) != 1 {
		t.Fatalf("unexpected result %+v, published %d", res, len(pub.msgs))
	}
	msg := pub.msgs[0]
	if msg.ID != res.MessageID || msg.LedgerRow != 2 || len(msg.Legs) != 2 {
		t.Fatalf("unexpected message %+v", msg)
	}
	if f.balances.Value("D4") != "0" {
		t.Fatal("async mode must not touch balances inline")
	}
}

func TestAddToSheetAsyncFallsBackToSync(t *testing.T) {
	pub := &fakePublisher{err: errors.New("circuit breaker is open")}
	f := newFixture(t, memory.DefaultBalances(), pub, ModeAsync)

	res, err := f.svc.AddToSheet(context.Background(), record(t, transfer))
	if err != nil {
		t.Fatalf("AddToSheet() error = %v", err)
	}
	if res.Status != StatusSuccess || f.balances.Value("D4") != "100" {
		t.Fatalf("expected inline application, got %+v", res)
	}
}

func TestAsyncWithoutPublisherIsSync(t *testing.T) {
	f := newFixture(t, memory.DefaultBalances(), nil, ModeAsync)
	if f.svc.Mode() != ModeSync {
		t.Fatalf("mode = %s", f.svc.Mode())
	}
}

func transferLegs(t *testing.T) []core.Leg {
	t.Helper()
	legs, err := core.LegsFromRecord(record(t, transfer))
	if err != nil {
		t.Fatalf("legs: %v", err)
	}
	return legs
}

func TestApplyLegsSkipsJournaledLegs(t *testing.T) {
	f := newFixture(t, memory.DefaultBalances(), nil, ModeSync)
	ctx := context.Background()
	legs := transferLegs(t)

	first := f.svc.ApplyLegs(ctx, "m1", 2, legs)
	if !first.AllApplied() || !first.Marked {
		t.Fatalf("first run: %+v", first)
	}
	second := f.svc.ApplyLegs(ctx, "m1", 2, legs)
	for _, l := range second.Legs {
		if l.Status != LegSkipped {
			t.Fatalf("expected skipped leg, got %+v", l)
		}
	}
	if f.balances.Value("D4") != "100" || f.balances.Value("D5") != "-100" {
		t.Fatalf("legs applied twice: D4=%q D5=%q", f.balances.Value("D4"), f.balances.Value("D5"))
	}
	if !second.Marked {
		t.Fatal("flag should be set again on a fully skipped run")
	}
}

func TestApplyLegsResumesAfterTransientFailure(t *testing.T) {
	f := newFixture(t, memory.DefaultBalances(), nil, ModeSync)
	ctx := context.Background()
	legs := transferLegs(t)
	f.balances.FailNext(memory.OpWriteCell, errors.New("503 backend error"))

	report := f.svc.ApplyLegs(ctx, "m2", 2, legs)
	if report.AllApplied() || report.Marked || !report.Retryable() {
		t.Fatalf("unexpected report %+v", report)
	}
	if report.Legs[0].Status != LegFailed || report.Legs[1].Status != LegApplied {
		t.Fatalf("one leg's failure must not stop the next: %+v", report.Legs)
	}
	var se *core.StepError
	if !errors.As(report.Err(), &se) || se.Step != core.StepBalance {
		t.Fatalf("expected balance step error, got %v", report.Err())
	}
	if f.ledger.Value("M2") != "" {
		t.Fatal("flag must not be set when a leg failed")
	}

	retry := f.svc.ApplyLegs(ctx, "m2", 2, legs)
	if retry.Legs[0].Status != LegApplied || retry.Legs[1].Status != LegSkipped || !retry.Marked {
		t.Fatalf("unexpected retry %+v", retry)
	}
	if f.balances.Value("D4") != "100" || f.balances.Value("D5") != "-100" || f.balances.Value("D6") != "0,00" {
		t.Fatalf("unexpected balances D4=%q D5=%q D6=%q", f.balances.Value("D4"), f.balances.Value("D5"), f.balances.Value("D6"))
	}
}

// gatedBalance holds its first ApplyTransaction call until release is closed.
type gatedBalance struct {
	ports.BalanceApplier
	entered chan struct{}
	release chan struct{}
	calls   atomic.Int32
}

func (g *gatedBalance) ApplyTransaction(ctx context.Context, tx core.Transaction) (core.BalanceOutcome, error) {
	if g.calls.Add(1) == 1 {
		close(g.entered)
		<-g.release
	}
	return g.BalanceApplier.ApplyTransaction(ctx, tx)
}

func TestApplyLegsSameIDRunsOnce(t *testing.T) {
	f := newFixture(t, memory.DefaultBalances(), nil, ModeSync)
	gate := &gatedBalance{BalanceApplier: f.svc.balance, entered: make(chan struct{}), release: make(chan struct{})}
	f.svc.balance = gate
	ctx := context.Background()
	legs := transferLegs(t)

	reports := make([]ApplyReport, 2)
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		reports[0] = f.svc.ApplyLegs(ctx, "m5", 2, legs)
	}()
	<-gate.entered
	go func() {
		defer wg.Done()
		reports[1] = f.svc.ApplyLegs(ctx, "m5", 2, legs)
	}()
	time.Sleep(20 * time.Millisecond)
	close(gate.release)
	wg.Wait()

	if got := gate.calls.Load(); got != 2 {
		t.Fatalf("ApplyTransaction called %d times, want 2", got)
	}
	if f.balances.Value("D4") != "100" || f.balances.Value("D5") != "-100" {
		t.Fatalf("legs applied twice: D4=%q D5=%q", f.balances.Value("D4"), f.balances.Value("D5"))
	}
	for _, l := range reports[1].Legs {
		if l.Status != LegSkipped {
			t.Fatalf("second run should skip, got %+v", l)
		}
	}
	if len(f.svc.inflight.locks) != 0 {
		t.Fatalf("locks not released: %d", len(f.svc.inflight.locks))
	}
}

func TestApplyLegsResumesAtTotals(t *testing.T) {
	f := newFixture(t, memory.DefaultBalances(), nil, ModeSync)
	ctx := context.Background()
	legs := transferLegs(t)[:1]
	f.balances.FailAfter(memory.OpWriteCell, 1, errors.New("503 backend error"))

	report := f.svc.ApplyLegs(ctx, "m6", 2, legs)
	if report.AllApplied() || !report.Retryable() || report.Legs[0].Outcome.Value == nil {
		t.Fatalf("unexpected report %+v", report)
	}
	if status, _ := f.journal.Status(ctx, core.JournalKey("m6", legs[0].Kind)); status != core.JournalValueApplied {
		t.Fatalf("journal status = %q", status)
	}

	retry := f.svc.ApplyLegs(ctx, "m6", 2, legs)
	if retry.Legs[0].Status != LegApplied || !retry.Marked || retry.Legs[0].Outcome.Value != nil {
		t.Fatalf("unexpected retry %+v", retry)
	}
	if f.balances.Value("D4") != "100" || f.balances.Value("D6") != "100,00" {
		t.Fatalf("unexpected balances D4=%q D6=%q", f.balances.Value("D4"), f.balances.Value("D6"))
	}
	if status, _ := f.journal.Status(ctx, core.JournalKey("m6", legs[0].Kind)); status != core.JournalApplied {
		t.Fatalf("journal status after resume = %q", status)
	}
}

func TestApplyLegsPermanentFailure(t *testing.T) {
	f := newFixture(t, [][]string{{"no layout here"}}, nil, ModeSync)

	report := f.svc.ApplyLegs(context.Background(), "m3", 2, transferLegs(t))
	if report.AllApplied() || report.Retryable() {
		t.Fatalf("unexpected report %+v", report)
	}
	if !errors.Is(report.Err(), core.ErrLayoutNotFound) || !core.IsPermanent(report.Err()) {
		t.Fatalf("expected layout not found, got %v", report.Err())
	}
	entries, _ := f.journal.ListRecent(context.Background(), 0)
	if len(entries) != 2 || entries[0].Status != core.JournalFailed {
		t.Fatalf("failures should be journaled: %+v", entries)
	}
}

func TestApplyLegsJournalUnavailable(t *testing.T) {
	f := newFixture(t, memory.DefaultBalances(), nil, ModeSync)
	f.svc.journal = brokenJournal{}

	report := f.svc.ApplyLegs(context.Background(), "m4", 2, transferLegs(t))
	if !report.Retryable() || report.Marked {
		t.Fatalf("unexpected report %+v", report)
	}
	if f.balances.Value("D4") != "0" {
		t.Fatal("nothing should be applied without the journal")
	}
}

func TestUpdateBalance(t *testing.T) {
	f := newFixture(t, memory.DefaultBalances(), nil, ModeSync)
	ctx := context.Background()

	res, err := f.svc.UpdateBalance(ctx, record(t, `{"Валюта":"RUB","Инстанс":"Карта","Сумма":"1 500,50"}`))
	if err != nil {
		t.Fatalf("UpdateBalance() error = %v", err)
	}
	if res.Status != StatusSuccess || f.balances.Value("C5") != "1500.5" || f.balances.Value("C6") != "1 500,50" {
		t.Fatalf("unexpected result %+v C5=%q C6=%q", res, f.balances.Value("C5"), f.balances.Value("C6"))
	}

	if _, err := f.svc.UpdateBalance(ctx, record(t, `{"Валюта":"RUB","Сумма":"1"}`)); !errors.Is(err, core.ErrEmptyInstance) {
		t.Fatalf("expected ErrEmptyInstance, got %v", err)
	}
}

func TestSendToChat(t *testing.T) {
	f := newFixture(t, memory.DefaultBalances(), nil, ModeSync)
	ctx := context.Background()
	if _, err := f.svc.AddToSheet(ctx, record(t, transfer)); err != nil {
		t.Fatalf("AddToSheet() error = %v", err)
	}

	res, err := f.svc.SendToChat(ctx, record(t, `{"Куда":"Наличные","Сумма":100,"номер строки":2}`))
	if err != nil {
		t.Fatalf("SendToChat() error = %v", err)
	}
	if !res.Success || !res.Marked {
		t.Fatalf("unexpected result %+v", res)
	}
	if len(f.sender.texts) != 1 || !strings.HasPrefix(f.sender.texts[0], "✅ 📋 Сообщение от Alex:") {
		t.Fatalf("unexpected chat messages %q", f.sender.texts)
	}
	if got := f.ledger.Value("L2"); got != "✓ в чат, web" {
		t.Fatalf("chat flag = %q", got)
	}
}

func TestSendToChatFailures(t *testing.T) {
	f := newFixture(t, memory.DefaultBalances(), nil, ModeSync)
	ctx := context.Background()
	f.sender.err = errors.New("bot blocked")

	if _, err := f.svc.SendToChat(ctx, record(t, `{"Куда":"Наличные","номер строки":2}`)); err == nil {
		t.Fatal("expected send error")
	}
	if f.ledger.Calls(memory.OpWriteCell) != 0 {
		t.Fatal("row must not be marked when sending failed")
	}

	f.sender.err = nil
	res, err := f.svc.SendToChat(ctx, record(t, `{"Куда":"Наличные"}`))
	if err != nil || res.Marked {
		t.Fatalf("message without row number: %+v, %v", res, err)
	}

	noChat := NewTransactionService(nil, nil, nil, nil, nil, Options{}, log.Discard())
	if _, err := noChat.SendToChat(ctx, record(t, `{}`)); err == nil {
		t.Fatal("expected error without sender")
	}
}
