package amqp

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"tgledger/internal/core"
)

// LegPayload is one balance leg on the wire.
type LegPayload struct {
	Kind     core.LegKind    `json:"kind"`
	Currency string          `json:"currency"`
	Instance string          `json:"instance"`
	Amount   decimal.Decimal `json:"amount"`
}

// BalanceApplyMessage asks the worker to apply the legs of one ledger row.
// ID stays the same across redeliveries and keys the application journal.
type BalanceApplyMessage struct {
	ID        string       `json:"id"`
	LedgerRow int          `json:"ledger_row"`
	Legs      []LegPayload `json:"legs"`
	Timestamp time.Time    `json:"timestamp"`
}

func NewBalanceApplyMessage(row int, legs []core.Leg) *BalanceApplyMessage {
	payload := make([]LegPayload, 0, len(legs))
	for _, l := range legs {
		payload = append(payload, LegPayload{
			Kind:     l.Kind,
			Currency: l.Transaction.Currency,
			Instance: l.Transaction.Instance,
			Amount:   l.Transaction.Amount,
		})
	}
	return &BalanceApplyMessage{
		ID:        uuid.NewString(),
		LedgerRow: row,
		Legs:      payload,
		Timestamp: time.Now(),
	}
}

// CoreLegs converts the payload back to domain legs.
func (m *BalanceApplyMessage) CoreLegs() []core.Leg {
	legs := make([]core.Leg, 0, len(m.Legs))
	for _, p := range m.Legs {
		legs = append(legs, core.Leg{
			Kind:        p.Kind,
			Transaction: core.Transaction{Currency: p.Currency, Instance: p.Instance, Amount: p.Amount},
		})
	}
	return legs
}

// ToJSON converts the message to JSON bytes
func (m *BalanceApplyMessage) ToJSON() ([]byte, error) {
	return json.Marshal(m)
}

// BalanceApplyMessageFromJSON decodes a message. A message without id or
// legs is rejected.
func BalanceApplyMessageFromJSON(data []byte) (*BalanceApplyMessage, error) {
	var msg BalanceApplyMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, err
	}
	if msg.ID == "" {
		return nil, errors.New("message without id")
	}
	if len(msg.Legs) == 0 {
		return nil, errors.New("message without legs")
	}
	return &msg, nil
}
