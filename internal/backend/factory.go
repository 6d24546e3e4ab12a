package backend

import (
	"context"
	"fmt"

	"tgledger/internal/amqp"
	"tgledger/internal/balance"
	"tgledger/internal/ledger"
	"tgledger/internal/log"
	"tgledger/internal/notify"
	"tgledger/internal/services"
	ports "tgledger/internal/sheets"
	gsheet "tgledger/internal/sheets/google"
	"tgledger/internal/sheets/memory"
	"tgledger/internal/storage"
)

// DefaultFactory implements the Factory interface
type DefaultFactory struct {
	logger *log.Logger
}

// NewFactory creates a new backend factory
func NewFactory(logger *log.Logger) Factory {
	if logger == nil {
		logger = log.Default(log.ComponentBackend)
	}
	return &DefaultFactory{
		logger: logger.WithComponent(log.ComponentBackend),
	}
}

// CreateBackend opens the spreadsheet, the journal, the broker and the chat
// and wires the transaction service over them. Broker and chat problems are
// logged and degrade to sync mode and log-only chat.
func (f *DefaultFactory) CreateBackend(ctx context.Context, config Config) (*Backend, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}

	b := &Backend{Type: config.Type}
	opener, err := f.createOpener(ctx, config)
	if err != nil {
		return nil, err
	}
	b.Opener = opener

	if config.JournalPath != "" {
		repo, err := storage.NewJournalRepository(config.JournalPath, f.logger)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize journal: %w", err)
		}
		b.Journal = repo
		b.cleanups = append(b.cleanups, repo.Close)
		f.logger.InfoContext(ctx, "Initialized SQLite journal", "db_path", config.JournalPath)
	} else {
		b.Journal = services.NewMemoryJournal()
		f.logger.InfoContext(ctx, "Using in-memory journal")
	}

	var publisher services.Publisher
	if config.AMQPURL != "" {
		client, err := amqp.NewClient(config.AMQPURL, config.AMQPExchange, config.AMQPQueue, f.logger)
		if err != nil {
			f.logger.WarnContext(ctx, "Failed to initialize AMQP client, continuing without queue",
				log.FieldError, err)
		} else {
			b.AMQP = client
			b.cleanups = append(b.cleanups, client.Close)
			publisher = client
			f.logger.InfoContext(ctx, "Initialized AMQP client",
				"exchange", config.AMQPExchange,
				"queue", config.AMQPQueue)
		}
	}

	b.Sender = f.createSender(ctx, config)
	b.Ledger = ledger.NewWriter(opener, config.Ledger, f.logger)
	b.Balance = balance.NewEngine(opener, config.Balance, f.logger)
	b.Service = services.NewTransactionService(b.Ledger, b.Balance, b.Sender, b.Journal, publisher,
		services.Options{Mode: config.Mode, Author: config.Author}, f.logger)

	if config.Mode == services.ModeAsync && b.Service.Mode() != services.ModeAsync {
		f.logger.WarnContext(ctx, "Async balance mode requested without a broker, applying balances inline")
	}
	f.logger.InfoContext(ctx, "Backend ready",
		"backend", config.Type,
		"mode", b.Service.Mode(),
		"amqp_enabled", b.AMQP != nil)
	return b, nil
}

func (f *DefaultFactory) createOpener(ctx context.Context, config Config) (ports.Opener, error) {
	switch config.Type {
	case SheetsBackend:
		cli, err := gsheet.New(ctx, config.Google, f.logger)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize Google Sheets client: %w", err)
		}
		f.logger.InfoContext(ctx, "Initialized Google Sheets backend")
		return cli, nil
	case MemoryBackend:
		dataDir := config.DataDirectory
		if dataDir == "" {
			dataDir = "data"
		}
		ledgerSheet := config.Ledger.Sheet
		if ledgerSheet == "" {
			ledgerSheet = ledger.DefaultConfig().Sheet
		}
		balancesSheet := config.Balance.Sheet
		if balancesSheet == "" {
			balancesSheet = balance.DefaultSheet
		}
		f.logger.InfoContext(ctx, "Initialized memory backend", "data_directory", dataDir)
		return memory.NewBookFromFiles(dataDir, ledgerSheet, balancesSheet), nil
	default:
		return nil, fmt.Errorf("unsupported backend type: %s", config.Type)
	}
}

func (f *DefaultFactory) createSender(ctx context.Context, config Config) notify.Sender {
	if config.TelegramToken == "" {
		f.logger.InfoContext(ctx, "No telegram token, chat messages go to the log")
		return notify.NewLogSender(f.logger)
	}
	sender, err := notify.NewTelegramSender(config.TelegramToken, config.TelegramEndpoint, nil, config.TelegramChatID, f.logger)
	if err != nil {
		f.logger.WarnContext(ctx, "Failed to initialize Telegram sender, chat messages go to the log",
			log.FieldError, err)
		return notify.NewLogSender(f.logger)
	}
	return sender
}
