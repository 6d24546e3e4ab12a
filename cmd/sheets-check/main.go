// Command sheets-check opens the configured spreadsheet and prints the
// ledger headers and the detected balances layout. It writes nothing.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"tgledger/internal/backend"
	"tgledger/internal/cli"
	"tgledger/internal/log"
)

type report struct {
	Backend       string              `json:"backend"`
	LedgerSheet   string              `json:"ledger_sheet"`
	LedgerHeaders []string            `json:"ledger_headers"`
	BalanceSheet  string              `json:"balance_sheet"`
	Layout        map[string]any      `json:"layout,omitempty"`
	Suggestions   map[string][]string `json:"suggestions,omitempty"`
	Errors        []string            `json:"errors,omitempty"`
}

func main() {
	cli.LoadEnvFile()
	logger := cli.SetupLogger("warn")
	cfg := cli.LoadAndValidateConfig(logger)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	backendCfg, err := backend.FromAppConfig(cfg)
	if err != nil {
		logger.ErrorContext(ctx, "Invalid backend configuration", log.FieldError, err)
		os.Exit(1)
	}
	// The check never needs the broker or the chat.
	backendCfg.AMQPURL = ""
	backendCfg.TelegramToken = ""

	b, err := backend.NewFactory(logger).CreateBackend(ctx, backendCfg)
	if err != nil {
		logger.ErrorContext(ctx, "Failed to create backend", log.FieldError, err)
		os.Exit(1)
	}
	defer b.Close()

	r := report{Backend: cfg.DataBackend, LedgerSheet: cfg.LedgerSheet, BalanceSheet: cfg.BalancesSheet}

	if headers, err := b.Ledger.Headers(ctx); err != nil {
		r.Errors = append(r.Errors, fmt.Sprintf("ledger: %v", err))
	} else {
		r.LedgerHeaders = headers
		if s, err := b.Ledger.Suggestions(ctx); err != nil {
			r.Errors = append(r.Errors, fmt.Sprintf("suggestions: %v", err))
		} else {
			r.Suggestions = s
		}
	}

	if l, err := b.Balance.Layout(ctx); err != nil {
		r.Errors = append(r.Errors, fmt.Sprintf("balances: %v", err))
	} else {
		r.Layout = map[string]any{
			"instance_column":     l.InstanceColumn,
			"instance_header_row": l.InstanceHeaderRow,
			"currency_header_row": l.CurrencyHeaderRow,
			"first_data_row":      l.FirstDataRow,
			"totals_row":          l.TotalsRow,
		}
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	enc.SetEscapeHTML(false)
	_ = enc.Encode(r)

	if len(r.Errors) > 0 {
		os.Exit(2)
	}
}
