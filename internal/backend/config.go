package backend

import (
	"fmt"

	"tgledger/internal/balance"
	"tgledger/internal/config"
	"tgledger/internal/ledger"
	"tgledger/internal/services"
	gsheet "tgledger/internal/sheets/google"
)

// Config holds configuration for backend creation
type Config struct {
	Type Type

	// Memory backend seeds its sheets from <DataDirectory>/<sheet>.csv.
	DataDirectory string
	Google        gsheet.Config

	Ledger  ledger.Config
	Balance balance.Config

	// JournalPath is the SQLite file; empty keeps the journal in memory.
	JournalPath string

	AMQPURL      string
	AMQPExchange string
	AMQPQueue    string

	Mode   services.Mode
	Author string

	TelegramToken    string
	TelegramEndpoint string
	TelegramChatID   int64
}

// FromAppConfig converts the application config to backend config
func FromAppConfig(appConfig *config.Config) (Config, error) {
	if appConfig == nil {
		return Config{}, fmt.Errorf("app config is nil")
	}

	backendType := Type(appConfig.DataBackend)
	if !backendType.IsValid() {
		return Config{}, fmt.Errorf("invalid backend type in config: %s", appConfig.DataBackend)
	}

	return Config{
		Type:          backendType,
		DataDirectory: appConfig.DataDirectory,
		Google: gsheet.Config{
			SpreadsheetID:     appConfig.GoogleSpreadsheetID,
			CredentialsJSON:   appConfig.GoogleCredentialsJSON,
			CredentialsFile:   appConfig.GoogleCredentialsFile,
			RateLimitAttempts: uint(appConfig.SheetsRateLimitAttempts),
			RateLimitDelay:    appConfig.SheetsRateLimitDelay,
		},
		Ledger: ledger.Config{
			Sheet:             appConfig.LedgerSheet,
			BalanceFlagColumn: appConfig.BalanceFlagColumn,
			BalanceFlagText:   appConfig.BalanceFlagText,
			ChatFlagColumn:    appConfig.ChatFlagColumn,
			ChatFlagText:      appConfig.ChatFlagText,
		},
		Balance: balance.Config{
			Sheet:        appConfig.BalancesSheet,
			NumberFormat: appConfig.NumberFormat,
		},
		JournalPath:      appConfig.SQLiteDBPath,
		AMQPURL:          appConfig.AMQPURL,
		AMQPExchange:     appConfig.AMQPExchange,
		AMQPQueue:        appConfig.AMQPQueue,
		Mode:             services.Mode(appConfig.BalanceMode),
		Author:           appConfig.ChatAuthor,
		TelegramToken:    appConfig.TelegramToken,
		TelegramEndpoint: appConfig.TelegramEndpoint,
		TelegramChatID:   appConfig.TelegramChatID,
	}, nil
}

// Validate validates the backend configuration
func (c Config) Validate() error {
	if !c.Type.IsValid() {
		return fmt.Errorf("invalid backend type: %s", c.Type)
	}

	switch c.Type {
	case SheetsBackend:
		if c.Google.SpreadsheetID == "" {
			return fmt.Errorf("Google Spreadsheet ID is required for sheets backend")
		}
	case MemoryBackend:
		// DataDirectory defaults to "data".
	}

	if c.Mode != "" && c.Mode != services.ModeSync && c.Mode != services.ModeAsync {
		return fmt.Errorf("invalid balance mode: %s", c.Mode)
	}
	if c.Ledger.Sheet != "" && c.Ledger.Sheet == c.Balance.Sheet {
		return fmt.Errorf("ledger and balances sheets must differ")
	}
	return nil
}

// GetBackendTypes returns all valid backend types
func GetBackendTypes() []Type {
	return []Type{SheetsBackend, MemoryBackend}
}
