package channel

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	json "github.com/goccy/go-json"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/coachpo/hiveproxy/errs"
	"github.com/coachpo/hiveproxy/internal/book"
	"github.com/coachpo/hiveproxy/internal/frame"
	"github.com/coachpo/hiveproxy/internal/scheduler"
)

type sessionSet struct {
	mu  sync.Mutex
	ids map[string]bool
}

func newSessionSet(ids ...string) *sessionSet {
	s := &sessionSet{ids: map[string]bool{}}
	for _, id := range ids {
		s.ids[id] = true
	}
	return s
}

func (s *sessionSet) Has(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ids[id]
}

type sent struct {
	connID string
	data   string
}

type recordingOutbox struct {
	mu     sync.Mutex
	frames []sent
	fail   map[string]bool
}

func (o *recordingOutbox) Send(ctx context.Context, connID string, f frame.Outbound) error {
	data, err := frame.Encode(f)
	if err != nil {
		return err
	}
	return o.SendEncoded(ctx, connID, f.Type(), data)
}

func (o *recordingOutbox) SendEncoded(_ context.Context, connID string, _ frame.Type, data []byte) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.fail[connID] {
		return errors.New("write failed")
	}
	o.frames = append(o.frames, sent{connID: connID, data: string(data)})
	return nil
}

func (o *recordingOutbox) For(connID string) []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	var out []string
	for _, s := range o.frames {
		if s.connID == connID {
			out = append(out, s.data)
		}
	}
	return out
}

func (o *recordingOutbox) Count() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.frames)
}

func snapshot(levels ...string) book.Snapshot {
	var snap book.Snapshot
	if err := json.Unmarshal([]byte("["+strings.Join(levels, ",")+"]"), &snap); err != nil {
		panic(err)
	}
	return snap
}

func newRegistry(t *testing.T, sessions *sessionSet, out *recordingOutbox) *Registry {
	t.Helper()
	r, err := NewRegistry([]string{"tBTCUSD", "tETHUSD"}, sessions, out, WithWorkers(2))
	require.NoError(t, err)
	return r
}

func TestSubscribeSendsConfirmationAndState(t *testing.T) {
	out := &recordingOutbox{}
	r := newRegistry(t, newSessionSet(), out)

	require.NoError(t, r.Subscribe(context.Background(), "c1", "book", "tBTCUSD"))

	frames := out.For("c1")
	require.Len(t, frames, 2)
	require.JSONEq(t, `{"event":"subscribed","channel":"book","chanId":"tBTCUSD","symbol":"tBTCUSD"}`, frames[0])
	require.JSONEq(t, `["tBTCUSD",[]]`, frames[1])
}

func TestSubscribeTwiceIsNoop(t *testing.T) {
	out := &recordingOutbox{}
	r := newRegistry(t, newSessionSet(), out)

	require.NoError(t, r.Subscribe(context.Background(), "c1", "book", "tBTCUSD"))
	require.NoError(t, r.Subscribe(context.Background(), "c1", "book", "tBTCUSD"))

	ch, _ := r.Channel("tBTCUSD")
	require.Equal(t, []string{"c1"}, ch.Subscribers())
	require.Len(t, out.For("c1"), 2)
}

func TestSubscribeUnknownTarget(t *testing.T) {
	out := &recordingOutbox{}
	r := newRegistry(t, newSessionSet(), out)

	err := r.Subscribe(context.Background(), "c1", "book", "tXRPUSD")
	require.Equal(t, errs.CanonicalUnknownChannel, errs.CanonicalOf(err))
	err = r.Subscribe(context.Background(), "c1", "trades", "tBTCUSD")
	require.Equal(t, errs.CanonicalUnknownChannel, errs.CanonicalOf(err))
	require.Zero(t, out.Count())
}

func TestRefreshUnchangedSnapshotBroadcastsNothing(t *testing.T) {
	out := &recordingOutbox{}
	r := newRegistry(t, newSessionSet("c1"), out)
	ctx := context.Background()

	require.NoError(t, r.Subscribe(ctx, "c1", "book", "tBTCUSD"))
	n, err := r.OnRefresh(ctx, "tBTCUSD", snapshot(`[100,1,2]`))
	require.NoError(t, err)
	require.Equal(t, 1, n)
	before := out.Count()

	n, err = r.OnRefresh(ctx, "tBTCUSD", snapshot(`["100.0",1,"2.0"]`))
	require.NoError(t, err)
	require.Zero(t, n)
	require.Equal(t, before, out.Count())
}

func TestRefreshChangedSnapshotBroadcastsFullStateOnce(t *testing.T) {
	out := &recordingOutbox{}
	r := newRegistry(t, newSessionSet("c1", "c2"), out)
	ctx := context.Background()

	require.NoError(t, r.Subscribe(ctx, "c1", "book", "tBTCUSD"))
	require.NoError(t, r.Subscribe(ctx, "c2", "book", "tBTCUSD"))
	require.NoError(t, r.Subscribe(ctx, "c3", "book", "tETHUSD"))

	n, err := r.OnRefresh(ctx, "tBTCUSD", snapshot(`[100,1,2]`, `[101,3,-1]`))
	require.NoError(t, err)
	require.Equal(t, 2, n)

	for _, id := range []string{"c1", "c2"} {
		frames := out.For(id)
		require.Len(t, frames, 3)
		require.JSONEq(t, `["tBTCUSD",[[100,1,2],[101,3,-1]]]`, frames[2])
	}
	require.Len(t, out.For("c3"), 2)

	ch, _ := r.Channel("tBTCUSD")
	require.Len(t, ch.State(), 2)
}

func TestBroadcastPrunesSubscribersWithoutSession(t *testing.T) {
	out := &recordingOutbox{}
	sessions := newSessionSet("authed")
	r := newRegistry(t, sessions, out)
	ctx := context.Background()

	require.NoError(t, r.Subscribe(ctx, "authed", "book", "tBTCUSD"))
	require.NoError(t, r.Subscribe(ctx, "anon", "book", "tBTCUSD"))

	n, err := r.OnRefresh(ctx, "tBTCUSD", snapshot(`[100,1,2]`))
	require.NoError(t, err)
	require.Equal(t, 1, n)

	ch, _ := r.Channel("tBTCUSD")
	require.Equal(t, []string{"authed"}, ch.Subscribers())
	require.Len(t, out.For("anon"), 2)

	// An unchanged refresh never runs a broadcast pass, so nothing is pruned.
	require.NoError(t, r.Subscribe(ctx, "late", "book", "tBTCUSD"))
	_, err = r.OnRefresh(ctx, "tBTCUSD", snapshot(`[100,1,2]`))
	require.NoError(t, err)
	require.Equal(t, []string{"authed", "late"}, ch.Subscribers())
}

func TestBroadcastDeliveryFailureDoesNotStopOthers(t *testing.T) {
	out := &recordingOutbox{fail: map[string]bool{}}
	r := newRegistry(t, newSessionSet("c1", "c2"), out)
	ctx := context.Background()

	require.NoError(t, r.Subscribe(ctx, "c1", "book", "tBTCUSD"))
	require.NoError(t, r.Subscribe(ctx, "c2", "book", "tBTCUSD"))
	out.mu.Lock()
	out.fail["c1"] = true
	out.mu.Unlock()

	n, err := r.OnRefresh(ctx, "tBTCUSD", snapshot(`[1,1,1]`))
	require.NoError(t, err)
	require.Equal(t, 1, n)
	require.Len(t, out.For("c2"), 3)
}

func TestNewRegistryValidatesSymbols(t *testing.T) {
	_, err := NewRegistry([]string{"tBTCUSD", "tBTCUSD"}, newSessionSet(), &recordingOutbox{})
	require.Error(t, err)
	_, err = NewRegistry([]string{" "}, newSessionSet(), &recordingOutbox{})
	require.Error(t, err)
	_, err = NewRegistry([]string{"tBTCUSD"}, nil, &recordingOutbox{})
	require.Error(t, err)
}

type countingFetcher struct {
	calls atomic.Int32
}

func (f *countingFetcher) BookDepth(_ context.Context, symbol string) (book.Snapshot, error) {
	n := f.calls.Add(1)
	return book.Snapshot{{Price: decimal.NewFromInt(int64(n)), Count: 1, Amount: decimal.NewFromInt(1)}}, nil
}

func TestStartRefreshDrivesBroadcasts(t *testing.T) {
	out := &recordingOutbox{}
	r := newRegistry(t, newSessionSet("c1"), out)
	require.NoError(t, r.Subscribe(context.Background(), "c1", "book", "tETHUSD"))

	s := scheduler.New("book")
	defer s.Close()
	fetcher := &countingFetcher{}
	require.NoError(t, r.StartRefresh(s, 5*time.Millisecond, fetcher))
	require.Equal(t, 2, s.Len())

	require.Eventually(t, func() bool { return len(out.For("c1")) >= 4 }, 2*time.Second, 5*time.Millisecond)
}
