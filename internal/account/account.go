// Package account reshapes backend wallet, order and position payloads into the client-facing
// array records, and formats client order requests into the backend order schema.
package account

import (
	"fmt"
	"sort"
	"strings"

	json "github.com/goccy/go-json"
	"github.com/shopspring/decimal"
)

// Bundle is the raw account payload returned by the backend for one user.
type Bundle struct {
	Wallets   json.RawMessage            `json:"wallets"`
	Orders    map[string]json.RawMessage `json:"orders"`
	Positions json.RawMessage            `json:"positions"`
}

// Projections are the parsed account views pushed to an authenticated connection.
type Projections struct {
	Wallets   []Wallet
	Orders    []Order
	Positions []Position
}

// Parse reshapes every part of the bundle.
func Parse(b *Bundle) (Projections, error) {
	if b == nil {
		return Projections{}, fmt.Errorf("account: nil bundle")
	}
	wallets, err := ParseWallets(b.Wallets)
	if err != nil {
		return Projections{}, err
	}
	orders, err := ParseOrders(b.Orders)
	if err != nil {
		return Projections{}, err
	}
	positions, err := ParsePositions(b.Positions)
	if err != nil {
		return Projections{}, err
	}
	return Projections{Wallets: wallets, Orders: orders, Positions: positions}, nil
}

// ClientSymbol maps a backend pair to the trading symbol exposed to clients.
func ClientSymbol(pair string) string {
	pair = strings.TrimSpace(pair)
	if pair == "" || strings.HasPrefix(pair, "t") {
		return pair
	}
	return "t" + pair
}

// BackendPair maps a client trading symbol to the backend pair name.
func BackendPair(symbol string) string {
	symbol = strings.TrimSpace(symbol)
	if len(symbol) > 1 && symbol[0] == 't' && symbol[1] >= 'A' && symbol[1] <= 'Z' {
		return symbol[1:]
	}
	return symbol
}

// num renders a decimal as a JSON number.
func num(d decimal.Decimal) json.Number {
	return json.Number(d.String())
}

// optNum renders an optional decimal as a JSON number or null.
func optNum(d *decimal.Decimal) any {
	if d == nil {
		return nil
	}
	return num(*d)
}

func optString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func decodeList[T any](raw json.RawMessage, what string) ([]T, error) {
	out := make([]T, 0)
	if len(raw) == 0 || string(raw) == "null" {
		return out, nil
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("account: decode %s: %w", what, err)
	}
	return out, nil
}

func sortedKeys(m map[string]json.RawMessage) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
