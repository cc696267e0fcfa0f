// README: Common money value object used across modules.
package types

import "fmt"

const DefaultCurrency = "ZMW"

type Money struct {
	Amount   int64  `json:"amount"`
	Currency string `json:"currency"`
}

func NewMoney(amount int64) Money {
	return Money{Amount: amount, Currency: DefaultCurrency}
}

func (m Money) IsPositive() bool { return m.Amount > 0 }

func (m Money) SameCurrency(o Money) bool { return m.Currency == o.Currency }

func (m Money) String() string {
	return fmt.Sprintf("%d %s", m.Amount, m.Currency)
}

// MoneyPtr returns a copy of m that callers can keep as an optional field.
func MoneyPtr(m Money) *Money { return &m }
