package account

import (
	"fmt"
	"strings"

	json "github.com/goccy/go-json"
	"github.com/shopspring/decimal"

	"github.com/coachpo/hiveproxy/errs"
)

var orderTypes = map[string]struct{}{
	"LIMIT":                  {},
	"MARKET":                 {},
	"STOP":                   {},
	"STOP LIMIT":             {},
	"TRAILING STOP":          {},
	"FOK":                    {},
	"IOC":                    {},
	"EXCHANGE LIMIT":         {},
	"EXCHANGE MARKET":        {},
	"EXCHANGE STOP":          {},
	"EXCHANGE STOP LIMIT":    {},
	"EXCHANGE TRAILING STOP": {},
	"EXCHANGE FOK":           {},
	"EXCHANGE IOC":           {},
}

// ClientOrder is the order payload a client submits with an "on" command.
type ClientOrder struct {
	GID           *int64           `json:"gid,omitempty"`
	CID           int64            `json:"cid"`
	Type          string           `json:"type"`
	Symbol        string           `json:"symbol"`
	Amount        decimal.Decimal  `json:"amount"`
	Price         *decimal.Decimal `json:"price,omitempty"`
	PriceTrailing *decimal.Decimal `json:"price_trailing,omitempty"`
	PriceAuxLimit *decimal.Decimal `json:"price_aux_limit,omitempty"`
	Hidden        bool             `json:"hidden,omitempty"`
	Flags         int64            `json:"flags,omitempty"`
}

// BackendOrder is the order schema accepted by the backend insert_order method.
type BackendOrder struct {
	UserID        int64            `json:"user_id"`
	Pair          string           `json:"v_pair"`
	Type          string           `json:"type"`
	Amount        decimal.Decimal  `json:"amount"`
	Price         *decimal.Decimal `json:"price,omitempty"`
	PriceTrailing *decimal.Decimal `json:"price_trailing,omitempty"`
	PriceAuxLimit *decimal.Decimal `json:"price_aux_limit,omitempty"`
	CID           int64            `json:"cid"`
	GID           *int64           `json:"gid,omitempty"`
	Flags         int64            `json:"flags"`
	Hidden        bool             `json:"hidden"`
}

// DecodeClientOrder parses a raw order payload.
func DecodeClientOrder(raw json.RawMessage) (ClientOrder, error) {
	var o ClientOrder
	if len(raw) == 0 || string(raw) == "null" {
		return o, invalid("decode", "missing order payload")
	}
	if err := json.Unmarshal(raw, &o); err != nil {
		return o, errs.New("account/decode", errs.CodeInvalid,
			errs.WithMessage("malformed order payload"),
			errs.WithCanonicalCode(errs.CanonicalInvalidOrder),
			errs.WithCause(err))
	}
	return o, nil
}

// FormatOrder validates a client order and reshapes it into the backend schema for userID.
func FormatOrder(userID int64, o ClientOrder) (BackendOrder, error) {
	typ := strings.ToUpper(strings.TrimSpace(o.Type))
	if _, ok := orderTypes[typ]; !ok {
		return BackendOrder{}, invalid("format", fmt.Sprintf("unsupported order type %q", o.Type))
	}
	pair := BackendPair(o.Symbol)
	if pair == "" {
		return BackendOrder{}, invalid("format", "symbol required")
	}
	if o.Amount.IsZero() {
		return BackendOrder{}, invalid("format", "amount must be non-zero")
	}
	if strings.Contains(typ, "LIMIT") && (o.Price == nil || !o.Price.IsPositive()) {
		return BackendOrder{}, invalid("format", "limit orders require a positive price")
	}
	if o.Price != nil && o.Price.IsNegative() {
		return BackendOrder{}, invalid("format", "price must not be negative")
	}
	return BackendOrder{
		UserID:        userID,
		Pair:          pair,
		Type:          typ,
		Amount:        o.Amount,
		Price:         o.Price,
		PriceTrailing: o.PriceTrailing,
		PriceAuxLimit: o.PriceAuxLimit,
		CID:           o.CID,
		GID:           o.GID,
		Flags:         o.Flags,
		Hidden:        o.Hidden,
	}, nil
}

// CancelRequest is the payload of an "oc" command.
type CancelRequest struct {
	ID     int64  `json:"id"`
	Pair   string `json:"pair,omitempty"`
	Symbol string `json:"symbol,omitempty"`
}

// BackendPair returns the backend pair targeted by the cancel request.
func (c CancelRequest) BackendPair() string {
	if c.Pair != "" {
		return BackendPair(c.Pair)
	}
	return BackendPair(c.Symbol)
}

// DecodeCancel parses and validates a raw cancel payload.
func DecodeCancel(raw json.RawMessage) (CancelRequest, error) {
	var c CancelRequest
	if len(raw) == 0 || string(raw) == "null" {
		return c, invalid("cancel", "missing cancel payload")
	}
	if err := json.Unmarshal(raw, &c); err != nil {
		return c, errs.New("account/cancel", errs.CodeInvalid,
			errs.WithMessage("malformed cancel payload"),
			errs.WithCanonicalCode(errs.CanonicalInvalidOrder),
			errs.WithCause(err))
	}
	if c.ID <= 0 {
		return c, invalid("cancel", "order id must be positive")
	}
	return c, nil
}

func invalid(op, msg string) error {
	return errs.New("account/"+op, errs.CodeInvalid,
		errs.WithMessage(msg),
		errs.WithCanonicalCode(errs.CanonicalInvalidOrder))
}
