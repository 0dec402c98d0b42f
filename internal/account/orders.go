package account

import (
	json "github.com/goccy/go-json"
	"github.com/shopspring/decimal"
)

// OrderFieldCount is the fixed width of a client order record.
const OrderFieldCount = 32

// Order is an open order as reported by the backend.
type Order struct {
	ID            int64            `json:"id"`
	GID           *int64           `json:"gid"`
	CID           int64            `json:"cid"`
	Pair          string           `json:"pair"`
	MTSCreate     int64            `json:"mts_create"`
	MTSUpdate     int64            `json:"mts_update"`
	Amount        decimal.Decimal  `json:"amount"`
	AmountOrig    decimal.Decimal  `json:"amount_orig"`
	Type          string           `json:"type"`
	TypePrev      string           `json:"type_prev"`
	Flags         int64            `json:"flags"`
	Status        string           `json:"status"`
	Price         decimal.Decimal  `json:"price"`
	PriceAvg      decimal.Decimal  `json:"price_avg"`
	PriceTrailing decimal.Decimal  `json:"price_trailing"`
	PriceAuxLimit decimal.Decimal  `json:"price_aux_limit"`
	Hidden        int64            `json:"hidden"`
	PlacedID      *int64           `json:"placed_id"`
	Meta          *json.RawMessage `json:"meta,omitempty"`
}

// Record returns the fixed-width client array for the order.
func (o Order) Record() []any {
	rec := make([]any, OrderFieldCount)
	rec[0] = o.ID
	if o.GID != nil {
		rec[1] = *o.GID
	}
	rec[2] = o.CID
	rec[3] = ClientSymbol(o.Pair)
	rec[4] = o.MTSCreate
	rec[5] = o.MTSUpdate
	rec[6] = num(o.Amount)
	rec[7] = num(o.AmountOrig)
	rec[8] = o.Type
	rec[9] = optString(o.TypePrev)
	rec[12] = o.Flags
	rec[13] = o.Status
	rec[16] = num(o.Price)
	rec[17] = num(o.PriceAvg)
	rec[18] = num(o.PriceTrailing)
	rec[19] = num(o.PriceAuxLimit)
	rec[23] = o.Hidden
	if o.PlacedID != nil {
		rec[24] = *o.PlacedID
	}
	if o.Meta != nil {
		rec[31] = *o.Meta
	}
	return rec
}

// MarshalJSON encodes the order as its client array record.
func (o Order) MarshalJSON() ([]byte, error) {
	return json.Marshal(o.Record())
}

// ParseOrders decodes every order list in the backend map and flattens them in key order.
func ParseOrders(lists map[string]json.RawMessage) ([]Order, error) {
	out := make([]Order, 0)
	for _, key := range sortedKeys(lists) {
		orders, err := decodeList[Order](lists[key], "orders["+key+"]")
		if err != nil {
			return nil, err
		}
		out = append(out, orders...)
	}
	return out, nil
}
