package backend

import (
	"context"
	"errors"
	"testing"

	json "github.com/goccy/go-json"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/coachpo/hiveproxy/errs"
	"github.com/coachpo/hiveproxy/internal/account"
	"github.com/coachpo/hiveproxy/internal/transport"
)

type call struct {
	id      string
	channel string
	payload []any
}

type fakeCorrelator struct {
	calls  []call
	result json.RawMessage
	err    error
}

func (f *fakeCorrelator) Request(_ context.Context, id, channel string, payload []any) (json.RawMessage, error) {
	f.calls = append(f.calls, call{id: id, channel: channel, payload: payload})
	return f.result, f.err
}

func (f *fakeCorrelator) Close() error { return nil }

func fixedID() string { return "corr-1" }

func TestBookDepth(t *testing.T) {
	fc := &fakeCorrelator{result: json.RawMessage(`[[[100,1,2],[101,1,-1]]]`)}
	c := New(fc, WithIDGenerator(fixedID))

	snap, err := c.BookDepth(context.Background(), "tBTCUSD")
	require.NoError(t, err)
	require.Len(t, snap, 2)
	require.Equal(t, "ask", snap[1].Side())

	require.Len(t, fc.calls, 1)
	require.Equal(t, "corr-1", fc.calls[0].id)
	require.Equal(t, transport.DefaultChannel, fc.calls[0].channel)
	require.Equal(t, []any{MethodBookDepth, "tBTCUSD"}, fc.calls[0].payload)
}

func TestBookDepthEmptyResult(t *testing.T) {
	c := New(&fakeCorrelator{result: json.RawMessage(`[]`)})
	snap, err := c.BookDepth(context.Background(), "tBTCUSD")
	require.NoError(t, err)
	require.NotNil(t, snap)
	require.Empty(t, snap)
}

func TestUserData(t *testing.T) {
	fc := &fakeCorrelator{result: json.RawMessage(`[{"wallets":[],"orders":{"a":[]},"positions":[]}]`)}
	c := New(fc, WithChannel("user0"))

	bundle, err := c.UserData(context.Background(), 7)
	require.NoError(t, err)
	require.NotNil(t, bundle)
	require.Contains(t, bundle.Orders, "a")
	require.Equal(t, "user0", fc.calls[0].channel)
	require.Equal(t, []any{MethodUserData, []int64{7}}, fc.calls[0].payload)

	fc.result = json.RawMessage(`[null]`)
	bundle, err = c.UserData(context.Background(), 7)
	require.NoError(t, err)
	require.Nil(t, bundle)
}

func TestInsertOrderClassifiesInsufficientBalance(t *testing.T) {
	fc := &fakeCorrelator{err: &transport.BackendError{Message: "ERR_BAL"}}
	c := New(fc)

	err := c.InsertOrder(context.Background(), account.BackendOrder{UserID: 1, Pair: "BTCUSD", Type: "MARKET", Amount: decimal.NewFromInt(1)})
	require.Error(t, err)
	require.Equal(t, errs.CanonicalInsufficientBalance, errs.CanonicalOf(err))
	require.True(t, errs.IsCode(err, errs.CodeExchange))

	var envelope *errs.E
	require.True(t, errors.As(err, &envelope))
	require.Equal(t, "ERR_BAL", envelope.RawMsg)
}

func TestCancelOrderPayloadAndGenericFailure(t *testing.T) {
	fc := &fakeCorrelator{err: &transport.BackendError{Message: "order not found"}}
	c := New(fc)

	err := c.CancelOrder(context.Background(), 55, "BTCUSD")
	require.Error(t, err)
	require.Equal(t, errs.CanonicalUnknown, errs.CanonicalOf(err))

	data, merr := json.Marshal(fc.calls[0].payload)
	require.NoError(t, merr)
	require.JSONEq(t, `["cancel_order",{"id":55,"v_pair":"BTCUSD"}]`, string(data))
}

func TestTransportFailurePassesThrough(t *testing.T) {
	netErr := errors.New("socket closed")
	c := New(&fakeCorrelator{err: netErr})
	_, err := c.BookDepth(context.Background(), "tBTCUSD")
	require.ErrorIs(t, err, netErr)

	var backendErr *transport.BackendError
	require.False(t, errors.As(err, &backendErr))
}
