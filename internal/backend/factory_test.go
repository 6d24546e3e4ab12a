package backend

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"

	"tgledger/internal/config"
	"tgledger/internal/core"
	"tgledger/internal/log"
	"tgledger/internal/notify"
	"tgledger/internal/services"
	"tgledger/internal/sheets/memory"
	"tgledger/internal/storage"
)

func memoryConfig(t *testing.T) Config {
	t.Helper()
	return Config{
		Type:          MemoryBackend,
		DataDirectory: t.TempDir(),
		JournalPath:   filepath.Join(t.TempDir(), "journal.db"),
		Mode:          services.ModeSync,
		Author:        "Alex",
	}
}

func TestCreateBackend_Memory(t *testing.T) {
	ctx := context.Background()
	b, err := NewFactory(log.Discard()).CreateBackend(ctx, memoryConfig(t))
	if err != nil {
		t.Fatalf("CreateBackend() error = %v", err)
	}
	defer b.Close()

	if _, ok := b.Journal.(*storage.JournalRepository); !ok {
		t.Fatalf("expected SQLite journal, got %T", b.Journal)
	}
	if _, ok := b.Sender.(*notify.LogSender); !ok {
		t.Fatalf("expected log sender without token, got %T", b.Sender)
	}
	if b.AMQP != nil {
		t.Fatal("no broker configured")
	}

	rec := core.NewRecord()
	if err := json.Unmarshal([]byte(`{"Дата":"2026-10-01","Сумма":25,"Валюта":"RUB","Откуда":"Карта","Куда":"Наличные"}`), rec); err != nil {
		t.Fatalf("decode record: %v", err)
	}
	res, err := b.Service.AddToSheet(ctx, rec)
	if err != nil || res.Status != services.StatusSuccess {
		t.Fatalf("AddToSheet() = %+v, %v", res, err)
	}

	balances := b.Opener.(*memory.Book).Sheet("Balances")
	if balances.Value("C4") != "25" || balances.Value("C5") != "-25" {
		t.Fatalf("unexpected balances C4=%q C5=%q", balances.Value("C4"), balances.Value("C5"))
	}
	entries, err := b.Journal.ListRecent(ctx, 10)
	if err != nil || len(entries) != 2 {
		t.Fatalf("ListRecent() = %d entries, %v", len(entries), err)
	}
}

func TestCreateBackend_InMemoryJournal(t *testing.T) {
	cfg := memoryConfig(t)
	cfg.JournalPath = ""
	b, err := NewFactory(nil).CreateBackend(context.Background(), cfg)
	if err != nil {
		t.Fatalf("CreateBackend() error = %v", err)
	}
	defer b.Close()
	if _, ok := b.Journal.(*services.MemoryJournal); !ok {
		t.Fatalf("expected memory journal, got %T", b.Journal)
	}
}

func TestCreateBackend_AsyncWithoutBrokerFallsBackToSync(t *testing.T) {
	cfg := memoryConfig(t)
	cfg.Mode = services.ModeAsync
	b, err := NewFactory(log.Discard()).CreateBackend(context.Background(), cfg)
	if err != nil {
		t.Fatalf("CreateBackend() error = %v", err)
	}
	defer b.Close()
	if b.Service.Mode() != services.ModeSync {
		t.Fatalf("Mode() = %s, want sync", b.Service.Mode())
	}
}

func TestCreateBackend_UnreachableTelegramUsesLog(t *testing.T) {
	cfg := memoryConfig(t)
	cfg.TelegramToken = "123:abc"
	cfg.TelegramChatID = 1
	cfg.TelegramEndpoint = "http://127.0.0.1:1/bot%s/%s"
	b, err := NewFactory(log.Discard()).CreateBackend(context.Background(), cfg)
	if err != nil {
		t.Fatalf("CreateBackend() error = %v", err)
	}
	defer b.Close()
	if _, ok := b.Sender.(*notify.LogSender); !ok {
		t.Fatalf("expected log sender fallback, got %T", b.Sender)
	}
}

func TestCreateBackend_Invalid(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
	}{
		{"unknown type", Config{Type: "sqlite"}},
		{"sheets without id", Config{Type: SheetsBackend}},
		{"bad mode", Config{Type: MemoryBackend, Mode: "later"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := NewFactory(log.Discard()).CreateBackend(context.Background(), tt.cfg); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}

func TestFromAppConfig(t *testing.T) {
	if _, err := FromAppConfig(nil); err == nil {
		t.Fatal("expected error for nil config")
	}

	app := &config.Config{
		DataBackend:             "sheets",
		GoogleSpreadsheetID:     "sid",
		SheetsRateLimitAttempts: 3,
		LedgerSheet:             "Журнал",
		BalancesSheet:           "Балансы",
		BalanceFlagColumn:       "N",
		ChatFlagColumn:          "O",
		BalanceMode:             "async",
		SQLiteDBPath:            "/tmp/j.db",
		TelegramChatID:          42,
	}
	cfg, err := FromAppConfig(app)
	if err != nil {
		t.Fatalf("FromAppConfig() error = %v", err)
	}
	if cfg.Type != SheetsBackend || cfg.Google.SpreadsheetID != "sid" || cfg.Google.RateLimitAttempts != 3 {
		t.Errorf("unexpected sheets config %+v", cfg.Google)
	}
	if cfg.Ledger.Sheet != "Журнал" || cfg.Ledger.BalanceFlagColumn != "N" || cfg.Balance.Sheet != "Балансы" {
		t.Errorf("unexpected sheet config %+v / %+v", cfg.Ledger, cfg.Balance)
	}
	if cfg.Mode != services.ModeAsync || cfg.JournalPath != "/tmp/j.db" || cfg.TelegramChatID != 42 {
		t.Errorf("unexpected config %+v", cfg)
	}

	app.DataBackend = "postgres"
	if _, err := FromAppConfig(app); err == nil {
		t.Fatal("expected error for unknown backend")
	}
}
