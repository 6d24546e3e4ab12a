package core

import (
	"errors"
	"strings"

	"github.com/shopspring/decimal"
)

// Ledger column names the client sends and the sheets use as headers.
const (
	FieldCurrency  = "Валюта"
	FieldAmount    = "Сумма"
	FieldTo        = "Куда"
	FieldFrom      = "Откуда"
	FieldDate      = "Дата"
	FieldRowNumber = "номер строки"
	FieldInstance  = "Инстанс"
)

// NumericLedgerFields are converted from text to numbers before they reach the ledger sheet.
var NumericLedgerFields = []string{FieldAmount, "Эквивалент У.Е", "USD / RUB"}

const (
	LegTo   LegKind = "to"
	LegFrom LegKind = "from"
)

const (
	FlagBalance Flag = "balance"
	FlagChat    Flag = "chat"
)

type (
	LegKind string

	// Flag names one of the follow-up marker columns of a ledger row.
	Flag string

	// Transaction is a signed amount to fold into one instance/currency balance cell.
	// Debits carry a negative Amount.
	Transaction struct {
		Currency string
		Instance string
		Amount   decimal.Decimal
	}

	// Leg is one balance application derived from a ledger record.
	Leg struct {
		Kind        LegKind
		Transaction Transaction
	}
)

var (
	ErrEmptyCurrency = errors.New("empty currency")
	ErrEmptyInstance = errors.New("empty instance")
	ErrInvalidAmount = errors.New("invalid amount")
	ErrUnknownFlag   = errors.New("unknown flag")
	ErrInvalidRow    = errors.New("invalid row number")
)

func (t Transaction) Validate() error {
	if strings.TrimSpace(t.Currency) == "" {
		return ErrEmptyCurrency
	}
	if strings.TrimSpace(t.Instance) == "" {
		return ErrEmptyInstance
	}
	return nil
}

// Normalized returns a copy with surrounding whitespace removed from the names.
func (t Transaction) Normalized() Transaction {
	return Transaction{
		Currency: strings.TrimSpace(t.Currency),
		Instance: strings.TrimSpace(t.Instance),
		Amount:   t.Amount,
	}
}

// TransactionFromRecord reads a single-leg transaction keyed by currency, instance and amount.
func TransactionFromRecord(rec *Record, instanceField string) (Transaction, error) {
	v, _ := rec.Get(FieldAmount)
	amount, err := ParseAmount(v)
	if err != nil {
		return Transaction{}, err
	}
	tx := Transaction{
		Currency: rec.String(FieldCurrency),
		Instance: rec.String(instanceField),
		Amount:   amount,
	}.Normalized()
	if err := tx.Validate(); err != nil {
		return Transaction{}, err
	}
	return tx, nil
}

// LegsFromRecord derives the balance legs of a ledger record: the destination
// instance receives the amount, the source instance is debited by it.
// A record without source and destination yields no legs.
func LegsFromRecord(rec *Record) ([]Leg, error) {
	to := strings.TrimSpace(rec.String(FieldTo))
	from := strings.TrimSpace(rec.String(FieldFrom))
	if to == "" && from == "" {
		return nil, nil
	}

	currency := strings.TrimSpace(rec.String(FieldCurrency))
	if currency == "" {
		return nil, ErrEmptyCurrency
	}
	v, _ := rec.Get(FieldAmount)
	amount, err := ParseAmount(v)
	if err != nil {
		return nil, err
	}

	legs := make([]Leg, 0, 2)
	if to != "" {
		legs = append(legs, Leg{Kind: LegTo, Transaction: Transaction{Currency: currency, Instance: to, Amount: amount}})
	}
	if from != "" {
		legs = append(legs, Leg{Kind: LegFrom, Transaction: Transaction{Currency: currency, Instance: from, Amount: amount.Neg()}})
	}
	return legs, nil
}
