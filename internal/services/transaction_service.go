package services

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"tgledger/internal/amqp"
	"tgledger/internal/core"
	"tgledger/internal/log"
	"tgledger/internal/notify"
	ports "tgledger/internal/sheets"
)

// Mode selects how the balance legs of a new ledger row are applied.
type Mode string

const (
	// ModeSync applies legs inside the request.
	ModeSync Mode = "sync"
	// ModeAsync publishes legs to the balance worker.
	ModeAsync Mode = "async"
)

// Result statuses.
const (
	StatusSuccess = "success"
	StatusPartial = "partial"
	StatusQueued  = "queued"
	StatusError   = "error"
)

type (
	// Journal remembers how far each leg got. Status returns "" for a leg
	// that was never attempted.
	Journal interface {
		Status(ctx context.Context, key string) (core.JournalStatus, error)
		Record(ctx context.Context, e core.JournalEntry) error
	}

	// Publisher hands balance legs to the worker.
	Publisher interface {
		PublishBalanceApply(ctx context.Context, msg *amqp.BalanceApplyMessage) error
	}
)

// Options configures a TransactionService.
type Options struct {
	Mode   Mode
	Author string
}

// TransactionService ties the ledger, balances and chat together.
type TransactionService struct {
	ledger    ports.LedgerWriter
	balance   ports.BalanceApplier
	sender    notify.Sender
	journal   Journal
	publisher Publisher
	opts      Options
	logger    *log.Logger

	inflight keyedMutex
}

// NewTransactionService wires the collaborators. A nil journal keeps entries
// in memory; a nil publisher forces sync mode.
func NewTransactionService(ledger ports.LedgerWriter, balance ports.BalanceApplier, sender notify.Sender, journal Journal, publisher Publisher, opts Options, logger *log.Logger) *TransactionService {
	if journal == nil {
		journal = NewMemoryJournal()
	}
	if opts.Mode == "" {
		opts.Mode = ModeSync
	}
	if opts.Mode == ModeAsync && publisher == nil {
		opts.Mode = ModeSync
	}
	if logger == nil {
		logger = log.Default(log.ComponentService)
	}
	return &TransactionService{
		ledger:    ledger,
		balance:   balance,
		sender:    sender,
		journal:   journal,
		publisher: publisher,
		opts:      opts,
		logger:    logger.WithComponent(log.ComponentService),
	}
}

func (s *TransactionService) Mode() Mode { return s.opts.Mode }

// AddResult is the response to a new ledger row.
type AddResult struct {
	Status        string       `json:"status"`
	Message       string       `json:"message"`
	Row           int          `json:"row"`
	BalanceUpdate []string     `json:"balance_update,omitempty"`
	Legs          []LegResult  `json:"legs,omitempty"`
	MessageID     string       `json:"message_id,omitempty"`
	AddedData     *core.Record `json:"added_data"`
}

// AddToSheet appends rec to the ledger and applies its balance legs. A
// ledger failure is returned as an error and nothing else is attempted;
// balance failures only degrade the status to partial.
func (s *TransactionService) AddToSheet(ctx context.Context, rec *core.Record) (AddResult, error) {
	row, err := s.ledger.AppendTransaction(ctx, rec)
	if err != nil {
		s.logger.ErrorContext(ctx, "Ledger append failed", log.FieldOperation, log.OpAppend, log.FieldError, err)
		return AddResult{}, fmt.Errorf("ledger: %w", err)
	}
	res := AddResult{
		Status:    StatusSuccess,
		Message:   fmt.Sprintf("✅ Данные успешно добавлены в строку %d", row),
		Row:       row,
		AddedData: rec,
	}

	legs, err := core.LegsFromRecord(rec)
	if err != nil {
		res.Status = StatusPartial
		res.BalanceUpdate = []string{fmt.Sprintf("❌ Баланс не обновлен: %v", err)}
		s.logger.WarnContext(ctx, "Record has no usable legs", log.FieldRow, row, log.FieldError, err)
		return res, nil
	}
	if len(legs) == 0 {
		return res, nil
	}

	msg := amqp.NewBalanceApplyMessage(row, legs)
	res.MessageID = msg.ID
	if s.opts.Mode == ModeAsync {
		err := s.publisher.PublishBalanceApply(ctx, msg)
		if err == nil {
			res.Status = StatusQueued
			res.BalanceUpdate = []string{"⏳ Баланс будет обновлен"}
			return res, nil
		}
		s.logger.WarnContext(ctx, "Publish failed, applying balance inline",
			log.FieldMessageID, msg.ID, log.FieldRow, row, log.FieldError, err)
	}

	report := s.ApplyLegs(ctx, msg.ID, row, legs)
	res.Legs = report.Legs
	res.BalanceUpdate = report.Messages()
	if !report.AllApplied() {
		res.Status = StatusPartial
	}
	return res, nil
}

// UpdateResult is the response to a direct balance update.
type UpdateResult struct {
	Status  string              `json:"status"`
	Message string              `json:"message"`
	Outcome core.BalanceOutcome `json:"outcome"`
}

// UpdateBalance applies the single transaction described by rec ("Валюта",
// "Инстанс", "Сумма").
func (s *TransactionService) UpdateBalance(ctx context.Context, rec *core.Record) (UpdateResult, error) {
	tx, err := core.TransactionFromRecord(rec, core.FieldInstance)
	if err != nil {
		return UpdateResult{}, err
	}
	outcome, err := s.balance.ApplyTransaction(ctx, tx)
	res := UpdateResult{Status: StatusSuccess, Message: core.Report(outcome, err), Outcome: outcome}
	if err != nil {
		res.Status = StatusError
		return res, err
	}
	return res, nil
}

// ChatResult is the response to a chat notification.
type ChatResult struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	Marked  bool   `json:"marked"`
}

// SendToChat posts rec to the chat and marks its ledger row. A failed mark
// is reported but does not fail the call since the message is already out.
func (s *TransactionService) SendToChat(ctx context.Context, rec *core.Record) (ChatResult, error) {
	if s.sender == nil {
		return ChatResult{}, errors.New("chat is not configured")
	}
	if err := s.sender.Send(ctx, notify.FormatMessage(s.opts.Author, rec)); err != nil {
		return ChatResult{}, fmt.Errorf("send to chat: %w", err)
	}
	res := ChatResult{Success: true, Message: "Данные отправлены в чат"}

	row, ok := rowNumber(rec)
	if !ok {
		s.logger.WarnContext(ctx, "Chat message without row number, not marking")
		return res, nil
	}
	if err := s.ledger.MarkFlag(ctx, row, core.FlagChat); err != nil {
		s.logger.ErrorContext(ctx, "Failed to mark chat flag", log.FieldRow, row, log.FieldError, err)
		res.Message += fmt.Sprintf(" (отметка в строке %d не поставлена: %v)", row, err)
		return res, nil
	}
	res.Marked = true
	return res, nil
}

func rowNumber(rec *core.Record) (int, bool) {
	for _, key := range rec.Keys() {
		if !strings.Contains(strings.ToLower(key), core.FieldRowNumber) {
			continue
		}
		v, _ := rec.Get(key)
		d, err := core.ParseAmount(v)
		if err != nil || !d.IsInteger() || d.IntPart() < 2 {
			return 0, false
		}
		return int(d.IntPart()), true
	}
	return 0, false
}
