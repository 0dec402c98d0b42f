package account

import (
	"testing"

	json "github.com/goccy/go-json"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/coachpo/hiveproxy/errs"
)

const sampleBundle = `{
  "wallets": [
    {"type":"exchange","currency":"USD","balance":"1000.5","unsettled_interest":"0","balance_available":"900"},
    {"type":"margin","currency":"BTC","balance":"2","unsettled_interest":"0.1","balance_available":null}
  ],
  "orders": {
    "b": [{"id":3,"cid":30,"pair":"ETHUSD","mts_create":1,"mts_update":2,"amount":"-1","amount_orig":"-1",
           "type":"EXCHANGE LIMIT","flags":0,"status":"ACTIVE","price":"200","price_avg":"0",
           "price_trailing":"0","price_aux_limit":"0","hidden":0}],
    "a": [{"id":1,"gid":7,"cid":10,"pair":"BTCUSD","mts_create":1,"mts_update":2,"amount":"0.5","amount_orig":"1",
           "type":"LIMIT","type_prev":"MARKET","flags":64,"status":"PARTIALLY FILLED","price":"100.25","price_avg":"100",
           "price_trailing":"0","price_aux_limit":"0","hidden":1,"placed_id":99},
          {"id":2,"cid":20,"pair":"BTCUSD","mts_create":3,"mts_update":4,"amount":"1","amount_orig":"1",
           "type":"MARKET","flags":0,"status":"ACTIVE","price":"0","price_avg":"0",
           "price_trailing":"0","price_aux_limit":"0","hidden":0}]
  },
  "positions": [
    {"pair":"BTCUSD","status":"ACTIVE","amount":"0.1","base_price":"9000","margin_funding":"0",
     "margin_funding_type":0,"pl":"12.5","pl_perc":"1.2","price_liq":null,"leverage":null}
  ]
}`

func decodeBundle(t *testing.T) *Bundle {
	t.Helper()
	var b Bundle
	require.NoError(t, json.Unmarshal([]byte(sampleBundle), &b))
	return &b
}

func TestParseWallets(t *testing.T) {
	p, err := Parse(decodeBundle(t))
	require.NoError(t, err)
	require.Len(t, p.Wallets, 2)

	data, err := json.Marshal(p.Wallets)
	require.NoError(t, err)
	require.JSONEq(t, `[["exchange","USD",1000.5,0,900],["margin","BTC",2,0.1,null]]`, string(data))
}

func TestParseOrdersFlattensSubKeysInOrder(t *testing.T) {
	p, err := Parse(decodeBundle(t))
	require.NoError(t, err)
	require.Len(t, p.Orders, 3)
	require.Equal(t, []int64{1, 2, 3}, []int64{p.Orders[0].ID, p.Orders[1].ID, p.Orders[2].ID})

	rec := p.Orders[0].Record()
	require.Len(t, rec, OrderFieldCount)
	require.Equal(t, int64(1), rec[0])
	require.Equal(t, int64(7), rec[1])
	require.Equal(t, "tBTCUSD", rec[3])
	require.Equal(t, json.Number("0.5"), rec[6])
	require.Equal(t, "MARKET", rec[9])
	require.Equal(t, int64(64), rec[12])
	require.Equal(t, json.Number("100.25"), rec[16])
	require.Equal(t, int64(1), rec[23])
	require.Equal(t, int64(99), rec[24])
	require.Nil(t, rec[10])
	require.Nil(t, rec[30])

	second := p.Orders[1].Record()
	require.Nil(t, second[1])
	require.Nil(t, second[9])
	require.Nil(t, second[24])
}

func TestParsePositions(t *testing.T) {
	p, err := Parse(decodeBundle(t))
	require.NoError(t, err)
	require.Len(t, p.Positions, 1)

	data, err := json.Marshal(p.Positions[0])
	require.NoError(t, err)
	require.JSONEq(t, `["tBTCUSD","ACTIVE",0.1,9000,0,0,12.5,1.2,null,null]`, string(data))
}

func TestParseEmptyBundleYieldsEmptyLists(t *testing.T) {
	p, err := Parse(&Bundle{})
	require.NoError(t, err)
	require.NotNil(t, p.Wallets)
	require.NotNil(t, p.Orders)
	require.NotNil(t, p.Positions)

	data, err := json.Marshal(p.Orders)
	require.NoError(t, err)
	require.JSONEq(t, `[]`, string(data))
}

func TestParseRejectsNilAndMalformed(t *testing.T) {
	_, err := Parse(nil)
	require.Error(t, err)

	_, err = ParseWallets(json.RawMessage(`{"not":"a list"}`))
	require.Error(t, err)
}

func TestSymbolMapping(t *testing.T) {
	require.Equal(t, "BTCUSD", BackendPair("tBTCUSD"))
	require.Equal(t, "BTCUSD", BackendPair("BTCUSD"))
	require.Equal(t, "tBTCUSD", ClientSymbol("BTCUSD"))
	require.Equal(t, "tBTCUSD", ClientSymbol("tBTCUSD"))
	require.Equal(t, "", ClientSymbol(" "))
}

func TestFormatOrder(t *testing.T) {
	price := decimal.RequireFromString("101.5")
	got, err := FormatOrder(42, ClientOrder{
		CID:    5,
		Type:   "exchange limit",
		Symbol: "tBTCUSD",
		Amount: decimal.RequireFromString("-0.3"),
		Price:  &price,
		Hidden: true,
	})
	require.NoError(t, err)
	require.Equal(t, int64(42), got.UserID)
	require.Equal(t, "BTCUSD", got.Pair)
	require.Equal(t, "EXCHANGE LIMIT", got.Type)
	require.True(t, got.Amount.Equal(decimal.RequireFromString("-0.3")))
	require.True(t, got.Hidden)

	data, err := json.Marshal(got)
	require.NoError(t, err)
	var decoded map[string]any
	require.NoError(t, json.Unmarshal(data, &decoded))
	require.Equal(t, "BTCUSD", decoded["v_pair"])
	require.Equal(t, float64(42), decoded["user_id"])
}

func TestFormatOrderValidation(t *testing.T) {
	price := decimal.RequireFromString("10")
	cases := []struct {
		name  string
		order ClientOrder
	}{
		{"unknown type", ClientOrder{Type: "MOON", Symbol: "tBTCUSD", Amount: decimal.NewFromInt(1)}},
		{"missing symbol", ClientOrder{Type: "MARKET", Amount: decimal.NewFromInt(1)}},
		{"zero amount", ClientOrder{Type: "MARKET", Symbol: "tBTCUSD", Amount: decimal.Zero}},
		{"limit without price", ClientOrder{Type: "LIMIT", Symbol: "tBTCUSD", Amount: decimal.NewFromInt(1)}},
		{"negative price", ClientOrder{Type: "STOP", Symbol: "tBTCUSD", Amount: decimal.NewFromInt(1), Price: ptr(price.Neg())}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := FormatOrder(1, tc.order)
			require.Error(t, err)
			require.Equal(t, errs.CanonicalInvalidOrder, errs.CanonicalOf(err))
		})
	}
}

func TestDecodeClientOrder(t *testing.T) {
	o, err := DecodeClientOrder(json.RawMessage(`{"cid":1,"type":"LIMIT","symbol":"tETHUSD","amount":"2","price":"150"}`))
	require.NoError(t, err)
	require.Equal(t, "tETHUSD", o.Symbol)
	require.NotNil(t, o.Price)

	_, err = DecodeClientOrder(json.RawMessage(`[1,2]`))
	require.Error(t, err)
	_, err = DecodeClientOrder(nil)
	require.Error(t, err)
}

func TestDecodeCancel(t *testing.T) {
	c, err := DecodeCancel(json.RawMessage(`{"id":123,"symbol":"tBTCUSD"}`))
	require.NoError(t, err)
	require.Equal(t, int64(123), c.ID)
	require.Equal(t, "BTCUSD", c.BackendPair())

	c, err = DecodeCancel(json.RawMessage(`{"id":5,"pair":"ETHUSD"}`))
	require.NoError(t, err)
	require.Equal(t, "ETHUSD", c.BackendPair())

	_, err = DecodeCancel(json.RawMessage(`{"id":0}`))
	require.Error(t, err)
	require.Equal(t, errs.CanonicalInvalidOrder, errs.CanonicalOf(err))
}

func ptr[T any](v T) *T { return &v }
