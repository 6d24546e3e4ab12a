package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	// HTTP Server
	Port     string
	LogLevel string

	// Database
	SQLiteDBPath string

	// AMQP
	AMQPURL      string
	AMQPExchange string
	AMQPQueue    string

	// Balance application
	BalanceMode   string
	RetryInterval time.Duration
	RetryBatch    int

	// Google Sheets
	GoogleSpreadsheetID     string
	GoogleCredentialsFile   string
	GoogleCredentialsJSON   string
	SheetsRateLimitAttempts int
	SheetsRateLimitDelay    time.Duration

	// Worksheets
	LedgerSheet       string
	BalancesSheet     string
	BalanceFlagColumn string
	BalanceFlagText   string
	ChatFlagColumn    string
	ChatFlagText      string
	NumberFormat      string

	// Telegram
	TelegramToken    string
	TelegramChatID   int64
	TelegramEndpoint string
	ChatAuthor       string

	// Backend selection
	DataBackend   string
	DataDirectory string
}

func Load() *Config {
	cfg := &Config{
		Port:     getEnv("PORT", "8081"),
		LogLevel: getEnv("LOG_LEVEL", "info"),

		SQLiteDBPath: getEnv("SQLITE_DB_PATH", "./data/journal.db"),

		AMQPURL:      getEnv("AMQP_URL", ""),
		AMQPExchange: getEnv("AMQP_EXCHANGE", "tgledger"),
		AMQPQueue:    getEnv("AMQP_QUEUE", "balance_apply"),

		BalanceMode:   getEnv("BALANCE_MODE", "sync"),
		RetryInterval: getEnvDuration("RETRY_INTERVAL", time.Minute),
		RetryBatch:    getEnvInt("RETRY_BATCH_SIZE", 20),

		GoogleSpreadsheetID:     getEnv("GOOGLE_SPREADSHEET_ID", ""),
		GoogleCredentialsFile:   getEnv("GOOGLE_CREDENTIALS_FILE", ""),
		GoogleCredentialsJSON:   getEnv("GOOGLE_CREDENTIALS_JSON", ""),
		SheetsRateLimitAttempts: getEnvInt("SHEETS_RATE_LIMIT_ATTEMPTS", 1),
		SheetsRateLimitDelay:    getEnvDuration("SHEETS_RATE_LIMIT_DELAY", 2*time.Second),

		LedgerSheet:       getEnv("LEDGER_SHEET", "Ledger"),
		BalancesSheet:     getEnv("BALANCES_SHEET", "Balances"),
		BalanceFlagColumn: getEnv("BALANCE_FLAG_COLUMN", "M"),
		BalanceFlagText:   getEnv("BALANCE_FLAG_TEXT", "✓ баланс, web"),
		ChatFlagColumn:    getEnv("CHAT_FLAG_COLUMN", "L"),
		ChatFlagText:      getEnv("CHAT_FLAG_TEXT", "✓ в чат, web"),
		NumberFormat:      getEnv("NUMBER_FORMAT", "#,##0.00"),

		TelegramToken:    getEnv("TELEGRAM_TOKEN", ""),
		TelegramChatID:   getEnvInt64("TELEGRAM_CHAT_ID", 0),
		TelegramEndpoint: getEnv("TELEGRAM_ENDPOINT", ""),
		ChatAuthor:       getEnv("CHAT_AUTHOR", "Alex"),

		DataBackend:   getEnv("DATA_BACKEND", "memory"),
		DataDirectory: getEnv("DATA_DIRECTORY", "data"),
	}

	return cfg
}

var columnLetters = regexp.MustCompile(`^[A-Z]{1,3}$`)

// Validate validates the configuration and returns an error if invalid
func (c *Config) Validate() error {
	var errors []string

	// Validate port
	if port, err := strconv.Atoi(c.Port); err != nil {
		errors = append(errors, fmt.Sprintf("invalid port '%s': must be a number", c.Port))
	} else if port < 1 || port > 65535 {
		errors = append(errors, fmt.Sprintf("invalid port %d: must be between 1 and 65535", port))
	}

	validBackends := []string{"memory", "sheets"}
	if !oneOf(validBackends, c.DataBackend) {
		errors = append(errors, fmt.Sprintf("invalid data backend '%s': must be one of %v", c.DataBackend, validBackends))
	}

	validModes := []string{"sync", "async"}
	if !oneOf(validModes, c.BalanceMode) {
		errors = append(errors, fmt.Sprintf("invalid balance mode '%s': must be one of %v", c.BalanceMode, validModes))
	}
	if c.BalanceMode == "async" && c.AMQPURL == "" {
		errors = append(errors, "AMQP URL is required when balance mode is async")
	}

	// The journal directory is created up front so the repository can open the file.
	if c.SQLiteDBPath != "" {
		dir := filepath.Dir(c.SQLiteDBPath)
		if dir != "." && dir != "" {
			if _, err := os.Stat(dir); os.IsNotExist(err) {
				if err := os.MkdirAll(dir, 0755); err != nil {
					errors = append(errors, fmt.Sprintf("cannot create SQLite database directory '%s': %v", dir, err))
				}
			}
		}
	}

	// Validate AMQP URL if provided
	if c.AMQPURL != "" {
		if parsedURL, err := url.Parse(c.AMQPURL); err != nil {
			errors = append(errors, fmt.Sprintf("invalid AMQP URL '%s': %v", c.AMQPURL, err))
		} else if parsedURL.Scheme != "amqp" && parsedURL.Scheme != "amqps" {
			errors = append(errors, fmt.Sprintf("invalid AMQP URL scheme '%s': must be 'amqp' or 'amqps'", parsedURL.Scheme))
		}
		if c.AMQPExchange == "" {
			errors = append(errors, "AMQP exchange name cannot be empty when AMQP URL is provided")
		}
		if c.AMQPQueue == "" {
			errors = append(errors, "AMQP queue name cannot be empty when AMQP URL is provided")
		}
	}

	if c.DataBackend == "sheets" {
		if c.GoogleSpreadsheetID == "" {
			errors = append(errors, "Google Spreadsheet ID is required when using sheets backend")
		}
		if c.GoogleCredentialsFile != "" {
			if _, err := os.Stat(c.GoogleCredentialsFile); os.IsNotExist(err) {
				errors = append(errors, fmt.Sprintf("Google credentials file does not exist: %s", c.GoogleCredentialsFile))
			}
		}
	}
	if c.SheetsRateLimitAttempts < 1 || c.SheetsRateLimitAttempts > 10 {
		errors = append(errors, fmt.Sprintf("invalid sheets rate limit attempts %d: must be between 1 and 10", c.SheetsRateLimitAttempts))
	}

	if c.LedgerSheet == "" || c.BalancesSheet == "" {
		errors = append(errors, "ledger and balances sheet names cannot be empty")
	} else if c.LedgerSheet == c.BalancesSheet {
		errors = append(errors, fmt.Sprintf("ledger and balances sheets must differ, both are '%s'", c.LedgerSheet))
	}
	for name, col := range map[string]string{"balance flag": c.BalanceFlagColumn, "chat flag": c.ChatFlagColumn} {
		if !columnLetters.MatchString(col) {
			errors = append(errors, fmt.Sprintf("invalid %s column '%s': must be A1 column letters", name, col))
		}
	}
	if c.BalanceFlagColumn == c.ChatFlagColumn {
		errors = append(errors, fmt.Sprintf("balance and chat flags cannot share column '%s'", c.BalanceFlagColumn))
	}

	if c.TelegramToken != "" && c.TelegramChatID == 0 {
		errors = append(errors, "TELEGRAM_CHAT_ID is required when TELEGRAM_TOKEN is set")
	}

	if c.RetryBatch < 1 || c.RetryBatch > 1000 {
		errors = append(errors, fmt.Sprintf("invalid retry batch size %d: must be between 1 and 1000", c.RetryBatch))
	}
	// Zero disables the retry loop.
	if c.RetryInterval != 0 && (c.RetryInterval < time.Second || c.RetryInterval > 24*time.Hour) {
		errors = append(errors, fmt.Sprintf("invalid retry interval %v: must be 0 or between 1 second and 24 hours", c.RetryInterval))
	}

	// Return combined errors
	if len(errors) > 0 {
		return fmt.Errorf("configuration validation failed:\n- %s", strings.Join(errors, "\n- "))
	}

	return nil
}

func oneOf(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.ParseInt(value, 10, 64); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
