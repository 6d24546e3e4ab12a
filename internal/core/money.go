// Package core provides the domain types shared by the ledger and balance
// sheets, and the numeric conventions used to read and write cell text.
//
// Cells in the balances sheet are edited by people and written by programs, so
// their text comes in several shapes ("1 234,56", "1,234.56", "-30", "70,00").
// Normalize maps all of them onto a decimal value; FormatTotal produces the one
// canonical on-sheet rendering.
package core

import (
	"encoding/json"
	"strings"

	"github.com/shopspring/decimal"
)

// Normalize converts cell text into a decimal. Empty or unparseable text is zero.
func Normalize(s string) decimal.Decimal {
	d, _ := ParseCell(s)
	return d
}

// ParseCell is Normalize that also reports whether the text held a number.
//
// Every rune that is not a digit, sign, dot or comma is dropped. When both a
// dot and a comma remain the comma is a thousands separator; otherwise a
// comma is the decimal separator.
func ParseCell(s string) (decimal.Decimal, bool) {
	cleaned := strings.Map(func(r rune) rune {
		switch {
		case r >= '0' && r <= '9', r == '+', r == '-', r == '.', r == ',':
			return r
		}
		return -1
	}, s)
	cleaned = applySeparators(cleaned)
	if cleaned == "" {
		return decimal.Zero, false
	}
	d, err := decimal.NewFromString(cleaned)
	if err != nil {
		return decimal.Zero, false
	}
	return d, true
}

func applySeparators(s string) string {
	if strings.Contains(s, ".") && strings.Contains(s, ",") {
		return strings.ReplaceAll(s, ",", "")
	}
	return strings.ReplaceAll(s, ",", ".")
}

// FormatTotal renders d with two fraction digits, a space between thousands
// and a decimal comma: -1234.5 becomes "-1 234,50".
func FormatTotal(d decimal.Decimal) string {
	return formatGrouped(d, " ", ",")
}

// FormatChatAmount renders d the way chat messages show amounts: "1,234.50".
func FormatChatAmount(d decimal.Decimal) string {
	return formatGrouped(d, ",", ".")
}

func formatGrouped(d decimal.Decimal, thousands, point string) string {
	fixed := d.StringFixed(2)
	sign := ""
	if strings.HasPrefix(fixed, "-") {
		sign = "-"
		fixed = fixed[1:]
	}
	intPart, frac, _ := strings.Cut(fixed, ".")

	var b strings.Builder
	b.WriteString(sign)
	for i, r := range intPart {
		if i > 0 && (len(intPart)-i)%3 == 0 {
			b.WriteString(thousands)
		}
		b.WriteRune(r)
	}
	b.WriteString(point)
	b.WriteString(frac)
	return b.String()
}

// ParseAmount reads a transaction amount from a decoded JSON value. Text
// amounts may use spaces between thousands and either decimal separator.
func ParseAmount(v any) (decimal.Decimal, error) {
	switch t := v.(type) {
	case decimal.Decimal:
		return t, nil
	case json.Number:
		d, err := decimal.NewFromString(t.String())
		if err != nil {
			return decimal.Zero, ErrInvalidAmount
		}
		return d, nil
	case float64:
		return decimal.NewFromFloat(t), nil
	case int:
		return decimal.NewFromInt(int64(t)), nil
	case int64:
		return decimal.NewFromInt(t), nil
	case string:
		s := strings.Join(strings.Fields(t), "")
		if s == "" {
			return decimal.Zero, ErrInvalidAmount
		}
		d, err := decimal.NewFromString(applySeparators(s))
		if err != nil {
			return decimal.Zero, ErrInvalidAmount
		}
		return d, nil
	default:
		return decimal.Zero, ErrInvalidAmount
	}
}
