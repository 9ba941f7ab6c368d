package marketdata

import (
	"sort"
	"sync"

	"github.com/atlas-desktop/breakout-engine/pkg/types"
	"github.com/shopspring/decimal"
)

// BookManager holds the latest full L2 snapshot per symbol and applies incremental deltas,
// per spec §4.2.
type BookManager struct {
	mu        sync.RWMutex
	snapshots map[string]types.BookSnapshot
}

// NewBookManager constructs an empty book manager.
func NewBookManager() *BookManager {
	return &BookManager{snapshots: make(map[string]types.BookSnapshot)}
}

// SetSnapshot installs a full snapshot for a symbol (e.g. the first message after subscribe).
func (m *BookManager) SetSnapshot(snap types.BookSnapshot) {
	sortBook(&snap)
	snap.Stale = !snap.Consistent()
	m.mu.Lock()
	m.snapshots[snap.Symbol] = snap
	m.mu.Unlock()
}

// ApplyDelta merges price/size updates into the existing snapshot: a size of zero removes the
// level. The snapshot is re-sorted and re-validated; an inconsistent top-of-book marks it stale
// and the caller is expected to request a resnapshot.
func (m *BookManager) ApplyDelta(symbol string, bidUpdates, askUpdates []types.BookLevel, timestampMs int64, sequence int64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	snap, ok := m.snapshots[symbol]
	if !ok {
		snap = types.BookSnapshot{Symbol: symbol}
	}
	snap.Bids = applyLevels(snap.Bids, bidUpdates)
	snap.Asks = applyLevels(snap.Asks, askUpdates)
	snap.TimestampMs = timestampMs
	snap.Sequence = sequence
	sortBook(&snap)
	snap.Stale = !snap.Consistent()
	m.snapshots[symbol] = snap
}

func applyLevels(existing, updates []types.BookLevel) []types.BookLevel {
	byPrice := make(map[string]decimal.Decimal, len(existing))
	order := make([]string, 0, len(existing))
	for _, l := range existing {
		key := l.Price.String()
		if _, ok := byPrice[key]; !ok {
			order = append(order, key)
		}
		byPrice[key] = l.Size
	}
	priceByKey := make(map[string]decimal.Decimal, len(existing))
	for _, l := range existing {
		priceByKey[l.Price.String()] = l.Price
	}
	for _, u := range updates {
		key := u.Price.String()
		if u.Size.IsZero() {
			delete(byPrice, key)
			continue
		}
		if _, ok := byPrice[key]; !ok {
			order = append(order, key)
		}
		byPrice[key] = u.Size
		priceByKey[key] = u.Price
	}
	out := make([]types.BookLevel, 0, len(byPrice))
	for _, key := range order {
		size, ok := byPrice[key]
		if !ok {
			continue
		}
		out = append(out, types.BookLevel{Price: priceByKey[key], Size: size})
	}
	return out
}

func sortBook(snap *types.BookSnapshot) {
	sort.Slice(snap.Bids, func(i, j int) bool { return snap.Bids[i].Price.GreaterThan(snap.Bids[j].Price) })
	sort.Slice(snap.Asks, func(i, j int) bool { return snap.Asks[i].Price.LessThan(snap.Asks[j].Price) })
}

// Snapshot returns the latest snapshot for symbol.
func (m *BookManager) Snapshot(symbol string) (types.BookSnapshot, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	snap, ok := m.snapshots[symbol]
	return snap, ok
}

// BestBidAsk returns the top of book for symbol.
func (m *BookManager) BestBidAsk(symbol string) (bid, ask types.BookLevel, ok bool) {
	snap, found := m.Snapshot(symbol)
	if !found {
		return types.BookLevel{}, types.BookLevel{}, false
	}
	return snap.BestBidAsk()
}

// MidPrice returns the top-of-book midpoint for symbol.
func (m *BookManager) MidPrice(symbol string) (decimal.Decimal, bool) {
	snap, ok := m.Snapshot(symbol)
	if !ok {
		return decimal.Zero, false
	}
	return snap.MidPrice()
}

// SpreadBps returns the bid/ask spread in basis points for symbol.
func (m *BookManager) SpreadBps(symbol string) (decimal.Decimal, bool) {
	snap, ok := m.Snapshot(symbol)
	if !ok {
		return decimal.Zero, false
	}
	return snap.SpreadBps()
}

// Side selects which side of the book to aggregate.
type Side = types.Side

// AggregatedDepth sums size*price within mid*(1 ± rangeBps/10000) on the requested side.
func (m *BookManager) AggregatedDepth(symbol string, side types.Side, rangeBps float64) (decimal.Decimal, bool) {
	snap, ok := m.Snapshot(symbol)
	if !ok || snap.Stale {
		return decimal.Zero, false
	}
	mid, ok := snap.MidPrice()
	if !ok {
		return decimal.Zero, false
	}
	frac := decimal.NewFromFloat(rangeBps / 10000.0)
	lowerBound := mid.Mul(decimal.NewFromInt(1).Sub(frac))
	upperBound := mid.Mul(decimal.NewFromInt(1).Add(frac))

	levels := snap.Bids
	if side == types.SideSell {
		levels = snap.Asks
	}
	total := decimal.Zero
	for _, l := range levels {
		if l.Price.GreaterThanOrEqual(lowerBound) && l.Price.LessThanOrEqual(upperBound) {
			total = total.Add(l.Size.Mul(l.Price))
		}
	}
	return total, true
}

// Imbalance returns (bid_depth - ask_depth) / (bid_depth + ask_depth) within rangeBps, in [-1, 1].
func (m *BookManager) Imbalance(symbol string, rangeBps float64) (float64, bool) {
	bidDepth, ok1 := m.AggregatedDepth(symbol, types.SideBuy, rangeBps)
	askDepth, ok2 := m.AggregatedDepth(symbol, types.SideSell, rangeBps)
	if !ok1 || !ok2 {
		return 0, false
	}
	total := bidDepth.Add(askDepth)
	if total.IsZero() {
		return 0, true
	}
	v, _ := bidDepth.Sub(askDepth).Div(total).Float64()
	return v, true
}

// Bucket is one merged bucket of a bucketed book side.
type Bucket struct {
	Center    decimal.Decimal
	TotalSize decimal.Decimal
}

// BucketedBook merges adjacent levels into buckets of bucketTicks price ticks per side.
// tickSize is the exchange's minimum price increment for the symbol.
func (m *BookManager) BucketedBook(symbol string, bucketTicks int, tickSize decimal.Decimal) (bids, asks []Bucket, ok bool) {
	snap, found := m.Snapshot(symbol)
	if !found || tickSize.IsZero() || bucketTicks <= 0 {
		return nil, nil, false
	}
	bucketSize := tickSize.Mul(decimal.NewFromInt(int64(bucketTicks)))
	return bucketSide(snap.Bids, bucketSize), bucketSide(snap.Asks, bucketSize), true
}

func bucketSide(levels []types.BookLevel, bucketSize decimal.Decimal) []Bucket {
	buckets := make(map[string]*Bucket)
	order := make([]string, 0)
	for _, l := range levels {
		idx := l.Price.Div(bucketSize).Floor()
		center := idx.Mul(bucketSize).Add(bucketSize.Div(decimal.NewFromInt(2)))
		key := center.String()
		b, ok := buckets[key]
		if !ok {
			b = &Bucket{Center: center}
			buckets[key] = b
			order = append(order, key)
		}
		b.TotalSize = b.TotalSize.Add(l.Size)
	}
	out := make([]Bucket, 0, len(order))
	for _, key := range order {
		out = append(out, *buckets[key])
	}
	return out
}
