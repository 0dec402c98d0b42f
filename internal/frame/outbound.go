// Package frame defines the client-facing wire frames. Every outbound frame is a tagged Go type with
// a fixed schema that encodes itself into the array or object shape clients expect.
package frame

import (
	"fmt"
	"time"

	json "github.com/goccy/go-json"

	"github.com/coachpo/hiveproxy/internal/account"
	"github.com/coachpo/hiveproxy/internal/book"
)

// Type tags an outbound frame for logging and metrics.
type Type string

const (
	TypeSubscribed   Type = "subscribed"
	TypeBook         Type = "book"
	TypeWallets      Type = "ws"
	TypeOrders       Type = "os"
	TypePositions    Type = "ps"
	TypeError        Type = "error"
	TypeTradeAck     Type = "te"
	TypeCancelNotice Type = "n"
)

// BookChannel is the only subscribable channel name.
const BookChannel = "book"

// Outbound is implemented by every frame the gateway sends to a client.
type Outbound interface {
	json.Marshaler
	Type() Type
}

// Encode serialises an outbound frame.
func Encode(f Outbound) ([]byte, error) {
	if f == nil {
		return nil, fmt.Errorf("frame: nil outbound frame")
	}
	data, err := f.MarshalJSON()
	if err != nil {
		return nil, fmt.Errorf("frame: encode %s: %w", f.Type(), err)
	}
	return data, nil
}

// Subscribed confirms a book subscription.
type Subscribed struct {
	Channel string
	Symbol  string
}

func (Subscribed) Type() Type { return TypeSubscribed }

func (f Subscribed) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Event   string `json:"event"`
		Channel string `json:"channel"`
		ChanID  string `json:"chanId"`
		Symbol  string `json:"symbol"`
	}{Event: "subscribed", Channel: f.Channel, ChanID: f.Symbol, Symbol: f.Symbol})
}

// Book carries the full book state of a channel: [symbol, levels].
type Book struct {
	Symbol   string
	Snapshot book.Snapshot
}

func (Book) Type() Type { return TypeBook }

func (f Book) MarshalJSON() ([]byte, error) {
	snap := f.Snapshot
	if snap == nil {
		snap = book.Snapshot{}
	}
	return json.Marshal([]any{f.Symbol, snap})
}

// Wallets is the wallet push: [0, "ws", wallets].
type Wallets []account.Wallet

func (Wallets) Type() Type { return TypeWallets }

func (f Wallets) MarshalJSON() ([]byte, error) {
	return accountPush(TypeWallets, nonNil([]account.Wallet(f)))
}

// Orders is the open orders push: [0, "os", orders].
type Orders []account.Order

func (Orders) Type() Type { return TypeOrders }

func (f Orders) MarshalJSON() ([]byte, error) {
	return accountPush(TypeOrders, nonNil([]account.Order(f)))
}

// Positions is the positions push: [0, "ps", positions].
type Positions []account.Position

func (Positions) Type() Type { return TypePositions }

func (f Positions) MarshalJSON() ([]byte, error) {
	return accountPush(TypePositions, nonNil([]account.Position(f)))
}

func accountPush(tag Type, payload any) ([]byte, error) {
	return json.Marshal([]any{0, string(tag), payload})
}

func nonNil[T any](in []T) []T {
	if in == nil {
		return []T{}
	}
	return in
}

// Error reports a failure to the client. A nil Code encodes as null.
type Error struct {
	Msg  string
	Code *int
}

// NewError builds an error frame with a numeric code.
func NewError(msg string, code int) Error {
	return Error{Msg: msg, Code: &code}
}

func (Error) Type() Type { return TypeError }

func (f Error) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Event string `json:"event"`
		Msg   string `json:"msg"`
		Code  *int   `json:"code"`
	}{Event: "error", Msg: f.Msg, Code: f.Code})
}

// TradeAck is the trade execution placeholder: [0, "te", []].
type TradeAck struct{}

func (TradeAck) Type() Type { return TypeTradeAck }

func (TradeAck) MarshalJSON() ([]byte, error) {
	return []byte(`[0,"te",[]]`), nil
}

// CancelNoticeMessage is the text carried by every cancel acknowledgement.
const CancelNoticeMessage = "Submitted for cancellation; waiting for confirmation (ID: unknown)."

// CancelNotice acknowledges a submitted cancellation:
// [0, "n", [mts, "oc-req", null, null, order, null, "SUCCESS", message]].
type CancelNotice struct {
	At      time.Time
	OrderID int64
}

func (CancelNotice) Type() Type { return TypeCancelNotice }

func (f CancelNotice) MarshalJSON() ([]byte, error) {
	inner := make([]any, account.OrderFieldCount)
	inner[0] = f.OrderID
	inner[18] = 0
	inner[19] = 0
	inner[23] = 0
	record := []any{
		f.At.UnixMilli(),
		"oc-req",
		nil,
		nil,
		inner,
		nil,
		"SUCCESS",
		CancelNoticeMessage,
	}
	return json.Marshal([]any{0, string(TypeCancelNotice), record})
}
