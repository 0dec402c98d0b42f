package account

import (
	json "github.com/goccy/go-json"
	"github.com/shopspring/decimal"
)

// Wallet is one balance entry; encoded as [type, currency, balance, unsettled_interest, balance_available].
type Wallet struct {
	Type              string           `json:"type"`
	Currency          string           `json:"currency"`
	Balance           decimal.Decimal  `json:"balance"`
	UnsettledInterest decimal.Decimal  `json:"unsettled_interest"`
	BalanceAvailable  *decimal.Decimal `json:"balance_available"`
}

// MarshalJSON encodes the wallet as a client array record.
func (w Wallet) MarshalJSON() ([]byte, error) {
	return json.Marshal([]any{
		w.Type,
		w.Currency,
		num(w.Balance),
		num(w.UnsettledInterest),
		optNum(w.BalanceAvailable),
	})
}

// ParseWallets decodes the backend wallet list.
func ParseWallets(raw json.RawMessage) ([]Wallet, error) {
	return decodeList[Wallet](raw, "wallets")
}
