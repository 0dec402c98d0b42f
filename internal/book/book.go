// Package book holds the last known order book state of one market-data channel and reports
// level changes between successive full snapshots.
package book

import (
	"bytes"
	"fmt"
	"sort"
	"strconv"
	"sync"

	json "github.com/goccy/go-json"
	"github.com/shopspring/decimal"
)

// Level is a single aggregated price level encoded on the wire as [price, count, amount].
// A positive amount is a bid, a negative amount an ask.
type Level struct {
	Price  decimal.Decimal
	Count  int64
	Amount decimal.Decimal
}

// Side returns "bid" or "ask" based on the sign of the amount.
func (l Level) Side() string {
	if l.Amount.IsNegative() {
		return "ask"
	}
	return "bid"
}

func (l Level) key() string {
	return l.Side() + ":" + l.Price.String()
}

func (l Level) equal(other Level) bool {
	return l.Count == other.Count && l.Price.Equal(other.Price) && l.Amount.Equal(other.Amount)
}

// MarshalJSON encodes the level as a numeric triple.
func (l Level) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('[')
	buf.WriteString(l.Price.String())
	buf.WriteByte(',')
	buf.WriteString(strconv.FormatInt(l.Count, 10))
	buf.WriteByte(',')
	buf.WriteString(l.Amount.String())
	buf.WriteByte(']')
	return buf.Bytes(), nil
}

// UnmarshalJSON accepts [price, count, amount] with numeric or string members.
func (l *Level) UnmarshalJSON(data []byte) error {
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("book level: %w", err)
	}
	if len(raw) != 3 {
		return fmt.Errorf("book level: expected 3 members, got %d", len(raw))
	}
	if err := l.Price.UnmarshalJSON(raw[0]); err != nil {
		return fmt.Errorf("book level price: %w", err)
	}
	var count decimal.Decimal
	if err := count.UnmarshalJSON(raw[1]); err != nil {
		return fmt.Errorf("book level count: %w", err)
	}
	l.Count = count.IntPart()
	if err := l.Amount.UnmarshalJSON(raw[2]); err != nil {
		return fmt.Errorf("book level amount: %w", err)
	}
	return nil
}

// Snapshot is a full order book state as received from the backend.
type Snapshot []Level

// MarshalJSON keeps empty snapshots encoded as [] rather than null.
func (s Snapshot) MarshalJSON() ([]byte, error) {
	if s == nil {
		return []byte("[]"), nil
	}
	return json.Marshal([]Level(s))
}

// Clone returns an independent copy of the snapshot.
func (s Snapshot) Clone() Snapshot {
	out := make(Snapshot, len(s))
	copy(out, s)
	return out
}

// ChangeKind classifies a level change.
type ChangeKind string

const (
	// Added marks a level present only in the new snapshot.
	Added ChangeKind = "added"
	// Removed marks a level present only in the stored snapshot.
	Removed ChangeKind = "removed"
	// Updated marks a level whose count or amount changed.
	Updated ChangeKind = "updated"
)

// Change describes one level difference between two snapshots.
type Change struct {
	Kind  ChangeKind
	Level Level
}

// Book stores the last known snapshot for a single pair.
type Book struct {
	pair string

	mu     sync.RWMutex
	state  Snapshot
	levels map[string]Level
}

// New constructs an empty book for pair.
func New(pair string) *Book {
	return &Book{
		pair:   pair,
		state:  Snapshot{},
		levels: make(map[string]Level),
	}
}

// Pair returns the pair this book tracks.
func (b *Book) Pair() string {
	return b.pair
}

// Diff reports the level changes between the stored state and next. An empty result means no difference.
func (b *Book) Diff(next Snapshot) []Change {
	incoming := indexLevels(next)

	b.mu.RLock()
	defer b.mu.RUnlock()

	var changes []Change
	for key, lvl := range incoming {
		prev, ok := b.levels[key]
		switch {
		case !ok:
			changes = append(changes, Change{Kind: Added, Level: lvl})
		case !prev.equal(lvl):
			changes = append(changes, Change{Kind: Updated, Level: lvl})
		}
	}
	for key, lvl := range b.levels {
		if _, ok := incoming[key]; !ok {
			changes = append(changes, Change{Kind: Removed, Level: lvl})
		}
	}
	sort.Slice(changes, func(i, j int) bool {
		return changes[i].Level.key() < changes[j].Level.key()
	})
	return changes
}

// Update replaces the stored state with next.
func (b *Book) Update(next Snapshot) {
	levels := indexLevels(next)
	state := next.Clone()

	b.mu.Lock()
	b.state = state
	b.levels = levels
	b.mu.Unlock()
}

// State returns a copy of the stored snapshot.
func (b *Book) State() Snapshot {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.state.Clone()
}

func indexLevels(s Snapshot) map[string]Level {
	out := make(map[string]Level, len(s))
	for _, lvl := range s {
		out[lvl.key()] = lvl
	}
	return out
}
