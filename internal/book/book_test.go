package book

import (
	"testing"

	json "github.com/goccy/go-json"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

func lvl(price string, count int64, amount string) Level {
	return Level{Price: decimal.RequireFromString(price), Count: count, Amount: decimal.RequireFromString(amount)}
}

func TestEmptyBookState(t *testing.T) {
	b := New("tBTCUSD")
	require.Equal(t, "tBTCUSD", b.Pair())

	data, err := json.Marshal(b.State())
	require.NoError(t, err)
	require.JSONEq(t, `[]`, string(data))
}

func TestDiffDetectsAddedUpdatedRemoved(t *testing.T) {
	b := New("tBTCUSD")
	b.Update(Snapshot{lvl("100", 1, "2"), lvl("101", 2, "-1.5")})

	changes := b.Diff(Snapshot{lvl("100", 1, "3"), lvl("102", 1, "-0.5")})
	require.Len(t, changes, 3)

	kinds := map[ChangeKind]int{}
	for _, c := range changes {
		kinds[c.Kind]++
	}
	require.Equal(t, 1, kinds[Added])
	require.Equal(t, 1, kinds[Updated])
	require.Equal(t, 1, kinds[Removed])
}

func TestDiffIgnoresEquivalentDecimals(t *testing.T) {
	b := New("tETHUSD")
	b.Update(Snapshot{lvl("100.0", 1, "2.50")})

	require.Empty(t, b.Diff(Snapshot{lvl("100", 1, "2.5")}))
}

func TestDiffDoesNotMutateState(t *testing.T) {
	b := New("tBTCUSD")
	initial := Snapshot{lvl("100", 1, "2")}
	b.Update(initial)

	_ = b.Diff(Snapshot{lvl("105", 1, "1")})
	require.Equal(t, initial, b.State())
}

func TestLevelJSONRoundTripAcceptsStrings(t *testing.T) {
	var snap Snapshot
	require.NoError(t, json.Unmarshal([]byte(`[["100.5", 2, "-0.25"],[99, "1", 3]]`), &snap))
	require.Len(t, snap, 2)
	require.Equal(t, "ask", snap[0].Side())
	require.Equal(t, "bid", snap[1].Side())

	out, err := json.Marshal(snap)
	require.NoError(t, err)
	require.JSONEq(t, `[[100.5,2,-0.25],[99,1,3]]`, string(out))
}

func TestLevelRejectsWrongArity(t *testing.T) {
	var l Level
	require.Error(t, json.Unmarshal([]byte(`[1,2]`), &l))
}
