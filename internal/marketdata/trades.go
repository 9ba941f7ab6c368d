// Package marketdata implements the trades aggregator (C2) and order-book manager (C3): the
// per-symbol rolling state that sits directly on top of the exchange adapter's event stream.
package marketdata

import (
	"sync"

	"github.com/atlas-desktop/breakout-engine/pkg/types"
	"github.com/shopspring/decimal"
)

const epsilon = 1e-9

// windowSpec is one of the three rolling windows the aggregator maintains per symbol.
type windowSpec struct {
	seconds int64
}

var windows = map[string]windowSpec{
	"10s":  {seconds: 10},
	"60s":  {seconds: 60},
	"300s": {seconds: 300},
}

// maxTradesPerWindow bounds memory regardless of trade rate, per spec §4.1.
const maxTradesPerWindow = 100000

type symbolTrades struct {
	mu     sync.RWMutex
	byWin  map[string][]types.Trade
	lastTs int64
}

// TradesAggregator maintains rolling 10s/60s/300s trade windows per symbol, exposing TPM, TPS,
// signed volume delta, and buy/sell ratio (spec §4.1).
type TradesAggregator struct {
	mu      sync.RWMutex
	symbols map[string]*symbolTrades

	outOfOrderDropped int64
}

// NewTradesAggregator constructs an empty aggregator.
func NewTradesAggregator() *TradesAggregator {
	return &TradesAggregator{symbols: make(map[string]*symbolTrades)}
}

// Subscribe registers a symbol so it can later be queried without error.
func (a *TradesAggregator) Subscribe(symbol string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.symbols[symbol]; !ok {
		a.symbols[symbol] = &symbolTrades{byWin: make(map[string][]types.Trade)}
	}
}

// OnTrade appends a trade to all rolling windows for its symbol, evicting expired and
// over-capacity entries. Out-of-order trades (timestamp before the window's tail) are dropped
// and counted, per spec §5's ordering guarantee.
func (a *TradesAggregator) OnTrade(t types.Trade) {
	a.mu.RLock()
	st, ok := a.symbols[t.Symbol]
	a.mu.RUnlock()
	if !ok {
		return
	}

	st.mu.Lock()
	defer st.mu.Unlock()

	if t.TimestampMs < st.lastTs {
		a.mu.Lock()
		a.outOfOrderDropped++
		a.mu.Unlock()
		return
	}
	st.lastTs = t.TimestampMs

	for name, spec := range windows {
		cutoff := t.TimestampMs - spec.seconds*1000
		list := append(st.byWin[name], t)
		start := 0
		for start < len(list) && list[start].TimestampMs < cutoff {
			start++
		}
		list = list[start:]
		if len(list) > maxTradesPerWindow {
			list = list[len(list)-maxTradesPerWindow:]
		}
		st.byWin[name] = list
	}
}

// OutOfOrderDropped returns the diagnostic counter of trades dropped for arriving out of order.
func (a *TradesAggregator) OutOfOrderDropped() int64 {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.outOfOrderDropped
}

func (a *TradesAggregator) window(symbol, name string) ([]types.Trade, bool) {
	a.mu.RLock()
	st, ok := a.symbols[symbol]
	a.mu.RUnlock()
	if !ok {
		return nil, false
	}
	st.mu.RLock()
	defer st.mu.RUnlock()
	return st.byWin[name], true
}

// TPM returns trades-per-minute over the named window ("10s", "60s", "300s").
func (a *TradesAggregator) TPM(symbol, window string) (float64, error) {
	trades, ok := a.window(symbol, window)
	if !ok {
		return 0, types.ErrNotSubscribed
	}
	spec := windows[window]
	return float64(len(trades)) / (float64(spec.seconds) / 60.0), nil
}

// TPS returns trades-per-second over the named window.
func (a *TradesAggregator) TPS(symbol, window string) (float64, error) {
	trades, ok := a.window(symbol, window)
	if !ok {
		return 0, types.ErrNotSubscribed
	}
	spec := windows[window]
	return float64(len(trades)) / float64(spec.seconds), nil
}

// VolumeDelta returns the signed buy-minus-sell volume over the named window.
func (a *TradesAggregator) VolumeDelta(symbol, window string) (decimal.Decimal, error) {
	trades, ok := a.window(symbol, window)
	if !ok {
		return decimal.Zero, types.ErrNotSubscribed
	}
	delta := decimal.Zero
	for _, t := range trades {
		if t.Side == types.SideBuy {
			delta = delta.Add(t.Amount)
		} else {
			delta = delta.Sub(t.Amount)
		}
	}
	return delta, nil
}

// BuySellRatio returns sum(buy)/max(sum(sell), epsilon) over the named window.
func (a *TradesAggregator) BuySellRatio(symbol, window string) (float64, error) {
	trades, ok := a.window(symbol, window)
	if !ok {
		return 0, types.ErrNotSubscribed
	}
	buy, sell := decimal.Zero, decimal.Zero
	for _, t := range trades {
		if t.Side == types.SideBuy {
			buy = buy.Add(t.Amount)
		} else {
			sell = sell.Add(t.Amount)
		}
	}
	sellF, _ := sell.Float64()
	if sellF < epsilon {
		sellF = epsilon
	}
	buyF, _ := buy.Float64()
	return buyF / sellF, nil
}
