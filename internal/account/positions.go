package account

import (
	json "github.com/goccy/go-json"
	"github.com/shopspring/decimal"
)

// Position is an open margin position as reported by the backend.
type Position struct {
	Pair              string           `json:"pair"`
	Status            string           `json:"status"`
	Amount            decimal.Decimal  `json:"amount"`
	BasePrice         decimal.Decimal  `json:"base_price"`
	MarginFunding     decimal.Decimal  `json:"margin_funding"`
	MarginFundingType int64            `json:"margin_funding_type"`
	PL                *decimal.Decimal `json:"pl"`
	PLPerc            *decimal.Decimal `json:"pl_perc"`
	PriceLiq          *decimal.Decimal `json:"price_liq"`
	Leverage          *decimal.Decimal `json:"leverage"`
}

// MarshalJSON encodes the position as
// [symbol, status, amount, base_price, margin_funding, margin_funding_type, pl, pl_perc, price_liq, leverage].
func (p Position) MarshalJSON() ([]byte, error) {
	return json.Marshal([]any{
		ClientSymbol(p.Pair),
		p.Status,
		num(p.Amount),
		num(p.BasePrice),
		num(p.MarginFunding),
		p.MarginFundingType,
		optNum(p.PL),
		optNum(p.PLPerc),
		optNum(p.PriceLiq),
		optNum(p.Leverage),
	})
}

// ParsePositions decodes the backend position list.
func ParsePositions(raw json.RawMessage) ([]Position, error) {
	return decodeList[Position](raw, "positions")
}
