// Package types provides the shared data model for the breakout engine: candles, trades,
// order-book levels, densities, trading levels, signals, position sizing, and positions.
// All monetary and price quantities use decimal.Decimal; ratios and scores use float64.
package types

import (
	"time"

	"github.com/shopspring/decimal"
)

// Side is a trade or signal direction.
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// PositionSide is long or short.
type PositionSide string

const (
	PositionSideLong  PositionSide = "long"
	PositionSideShort PositionSide = "short"
)

// Timeframe is a candle interval.
type Timeframe string

const (
	Timeframe1m  Timeframe = "1m"
	Timeframe5m  Timeframe = "5m"
	Timeframe15m Timeframe = "15m"
	Timeframe1h  Timeframe = "1h"
	Timeframe4h  Timeframe = "4h"
	Timeframe1d  Timeframe = "1d"
)

// MarketType distinguishes spot from futures/perpetual symbols.
type MarketType string

const (
	MarketTypeSpot    MarketType = "spot"
	MarketTypeFutures MarketType = "futures"
)

// VolatilityRegime buckets recent ATR-relative volatility.
type VolatilityRegime string

const (
	VolatilityLow    VolatilityRegime = "low"
	VolatilityNormal VolatilityRegime = "normal"
	VolatilityHigh   VolatilityRegime = "high"
)

// Candle is an immutable OHLCV bar. Invariant: low <= {open,close} <= high, volume >= 0.
type Candle struct {
	Symbol    string          `json:"symbol"`
	Timeframe Timeframe       `json:"timeframe"`
	TimestampMs int64         `json:"timestamp_ms"`
	Open      decimal.Decimal `json:"open"`
	High      decimal.Decimal `json:"high"`
	Low       decimal.Decimal `json:"low"`
	Close     decimal.Decimal `json:"close"`
	Volume    decimal.Decimal `json:"volume"`
}

// Valid reports whether the candle satisfies the OHLC consistency invariant.
func (c Candle) Valid() bool {
	if c.Volume.IsNegative() {
		return false
	}
	if c.Low.GreaterThan(c.Open) || c.Low.GreaterThan(c.Close) || c.Low.GreaterThan(c.High) {
		return false
	}
	if c.High.LessThan(c.Open) || c.High.LessThan(c.Close) {
		return false
	}
	return true
}

// Trade is one executed trade on the public tape. Immutable.
type Trade struct {
	ID          string          `json:"id,omitempty"`
	Symbol      string          `json:"symbol"`
	TimestampMs int64           `json:"timestamp_ms"`
	Price       decimal.Decimal `json:"price"`
	Amount      decimal.Decimal `json:"amount"`
	Side        Side            `json:"side"`
}

// Valid reports whether the trade satisfies its invariants.
func (t Trade) Valid() bool {
	return t.Price.IsPositive() && t.Amount.IsPositive()
}

// BookLevel is a single price/size level in an order book.
type BookLevel struct {
	Price decimal.Decimal `json:"price"`
	Size  decimal.Decimal `json:"size"`
}

// BookSnapshot is a full L2 order-book snapshot for a symbol. Bids are sorted descending by
// price, asks ascending. Invariant: best_bid.Price < best_ask.Price when both are non-empty.
type BookSnapshot struct {
	Symbol      string      `json:"symbol"`
	TimestampMs int64       `json:"timestamp_ms"`
	Sequence    int64       `json:"sequence,omitempty"`
	Bids        []BookLevel `json:"bids"`
	Asks        []BookLevel `json:"asks"`
	Stale       bool        `json:"stale"`
}

// BestBidAsk returns the top of book. ok is false if either side is empty.
func (b BookSnapshot) BestBidAsk() (bid, ask BookLevel, ok bool) {
	if len(b.Bids) == 0 || len(b.Asks) == 0 {
		return BookLevel{}, BookLevel{}, false
	}
	return b.Bids[0], b.Asks[0], true
}

// MidPrice returns the midpoint of the top of book.
func (b BookSnapshot) MidPrice() (decimal.Decimal, bool) {
	bid, ask, ok := b.BestBidAsk()
	if !ok {
		return decimal.Zero, false
	}
	return bid.Price.Add(ask.Price).Div(decimal.NewFromInt(2)), true
}

// SpreadBps returns the bid/ask spread in basis points: 10000*(ask-bid)/mid.
func (b BookSnapshot) SpreadBps() (decimal.Decimal, bool) {
	bid, ask, ok := b.BestBidAsk()
	if !ok {
		return decimal.Zero, false
	}
	mid, _ := b.MidPrice()
	if mid.IsZero() {
		return decimal.Zero, false
	}
	return ask.Price.Sub(bid.Price).Div(mid).Mul(decimal.NewFromInt(10000)), true
}

// Consistent reports whether best_bid < best_ask, the invariant that marks a snapshot usable.
func (b BookSnapshot) Consistent() bool {
	bid, ask, ok := b.BestBidAsk()
	if !ok {
		return true // empty book is not inconsistent, just unusable
	}
	return bid.Price.LessThan(ask.Price)
}

// DensitySide is which side of the book a density sits on.
type DensitySide string

const (
	DensityBid DensitySide = "bid"
	DensityAsk DensitySide = "ask"
)

// DensityEventKind is the lifecycle event a density detector emits.
type DensityEventKind string

const (
	DensityDetected DensityEventKind = "detected"
	DensityEaten    DensityEventKind = "eaten"
	DensityRemoved  DensityEventKind = "removed"
)

// Density is a detected liquidity wall in the order book.
type Density struct {
	Symbol       string          `json:"symbol"`
	Side         DensitySide     `json:"side"`
	Price        decimal.Decimal `json:"price"`
	InitialSize  decimal.Decimal `json:"initial_size"`
	CurrentSize  decimal.Decimal `json:"current_size"`
	Strength     float64         `json:"strength"` // initial_size / median_bucket_size
	FirstSeenMs  int64           `json:"first_seen_ms"`
	EatenRatio   float64         `json:"eaten_ratio"`
	EatenEventFired bool         `json:"-"`
}

// LevelKind is support or resistance.
type LevelKind string

const (
	LevelSupport    LevelKind = "support"
	LevelResistance LevelKind = "resistance"
)

// TradingLevel is a horizontal support/resistance price level.
type TradingLevel struct {
	Price           decimal.Decimal `json:"price"`
	Kind            LevelKind       `json:"kind"`
	TouchCount      int             `json:"touch_count"`
	Strength        float64         `json:"strength"`
	FirstTouchMs    int64           `json:"first_touch_ms"`
	LastTouchMs     int64           `json:"last_touch_ms"`
	RoundNumberBonus float64        `json:"round_number_bonus"`
	CascadeBonus     float64        `json:"cascade_bonus"`
}

// MarketMetrics is the per-symbol scanner input snapshot computed at scan time.
type MarketMetrics struct {
	Symbol           string
	Price            decimal.Decimal
	ATR              decimal.Decimal
	BBWidth          float64
	VolSurge1h       float64
	VolSurge5m       float64
	OIDelta24h       *float64
	TradesPerMinute  float64
	SpreadBps        float64
	Depth05PctUSD    decimal.Decimal
	Depth03PctUSD    decimal.Decimal
	BTCCorrelation   *float64
	VolatilityRegime VolatilityRegime
	MarketType       MarketType
	Volume24hUSD     decimal.Decimal
}

// SetupKind is the sum type of signal generation strategies. Per design, there is no runtime
// registry: the signal generator switches on this tag directly.
type SetupKind string

const (
	SetupMomentum SetupKind = "momentum"
	SetupRetest   SetupKind = "retest"
)

// TPLevel is one entry of a position's take-profit schedule.
type TPLevel struct {
	RewardMultiple float64         `json:"reward_multiple"`
	SizePct        float64         `json:"size_pct"`
	PlacementMode  string          `json:"placement_mode"` // "fixed" | "smart"
	Price          decimal.Decimal `json:"price"`
	OriginalPrice  decimal.Decimal `json:"original_price"`
	Hit            bool            `json:"hit"`
}

// SignalMeta is the small, explicitly typed metadata bag attached to a signal. Open-ended
// free-form data is constrained to scalar values, per the no-dict-bags design rule.
type SignalMeta map[string]string

// Signal is a candidate trade produced by the signal generator.
type Signal struct {
	ID              string          `json:"id"`
	CorrelationID   string          `json:"correlation_id"`
	Symbol          string          `json:"symbol"`
	Side            PositionSide    `json:"side"`
	Strategy        SetupKind       `json:"strategy"`
	Entry           decimal.Decimal `json:"entry"`
	StopLoss        decimal.Decimal `json:"stop_loss"`
	TPSchedule      []TPLevel       `json:"tp_schedule"`
	Confidence      float64         `json:"confidence"`
	CreatedTs       int64           `json:"created_ts"`
	LevelReference  *TradingLevel   `json:"level_reference,omitempty"`
	Meta            SignalMeta      `json:"meta"`
}

// ValidOrdering reports whether the signal's price ladder respects side direction:
// for Long, stop_loss < entry < tp1 < tp2 < ...; reverse for Short.
func (s Signal) ValidOrdering() bool {
	if len(s.TPSchedule) == 0 {
		return false
	}
	if s.Side == PositionSideLong {
		if !s.StopLoss.LessThan(s.Entry) {
			return false
		}
		prev := s.Entry
		for _, tp := range s.TPSchedule {
			if !tp.Price.GreaterThan(prev) {
				return false
			}
			prev = tp.Price
		}
		return true
	}
	if !s.StopLoss.GreaterThan(s.Entry) {
		return false
	}
	prev := s.Entry
	for _, tp := range s.TPSchedule {
		if !tp.Price.LessThan(prev) {
			return false
		}
		prev = tp.Price
	}
	return true
}

// PositionSize is the output of the risk manager's sizing calculation.
type PositionSize struct {
	Quantity     decimal.Decimal `json:"quantity"`
	NotionalUSD  decimal.Decimal `json:"notional_usd"`
	RiskUSD      decimal.Decimal `json:"risk_usd"`
	RiskR        float64         `json:"risk_r"`
	StopDistance decimal.Decimal `json:"stop_distance"`
	IsValid      bool            `json:"is_valid"`
	RejectReason string          `json:"reject_reason,omitempty"`
}

// PositionFSMState is a per-position lifecycle state.
type PositionFSMState string

const (
	PositionEntryConfirmation PositionFSMState = "entry_confirmation"
	PositionRunning           PositionFSMState = "running"
	PositionBreakeven         PositionFSMState = "breakeven"
	PositionTrailing          PositionFSMState = "trailing"
	PositionPartialClosed     PositionFSMState = "partial_closed"
	PositionClosed            PositionFSMState = "closed"
)

// Position is an open trade, exclusively owned and mutated by the position manager (C11).
type Position struct {
	ID                     string           `json:"id"`
	CorrelationID          string           `json:"correlation_id"`
	Symbol                 string           `json:"symbol"`
	Side                   PositionSide     `json:"side"`
	EntryPrice             decimal.Decimal  `json:"entry_price"`
	QuantityInitial        decimal.Decimal  `json:"quantity_initial"`
	QuantityRemaining      decimal.Decimal  `json:"quantity_remaining"`
	StopLossCurrent        decimal.Decimal  `json:"stop_loss_current"`
	OriginalStopLoss       decimal.Decimal  `json:"original_stop_loss"`
	OpenedTs               int64            `json:"opened_ts"`
	FSMState               PositionFSMState `json:"fsm_state"`
	TPSchedule             []TPLevel        `json:"tp_schedule"`
	BreakevenMoved         bool             `json:"breakeven_moved"`
	TrailingActive         bool             `json:"trailing_active"`
	HighestFavorablePrice  decimal.Decimal  `json:"highest_favorable_price"`
	LowestFavorablePrice   decimal.Decimal  `json:"lowest_favorable_price"`
	BarsSinceEntry         int              `json:"bars_since_entry"`
	AvgVolumeBeforeEntry   decimal.Decimal  `json:"avg_volume_before_entry"`
	AvgMomentumBeforeEntry float64          `json:"avg_momentum_before_entry"`
}

// FilledSizePct returns the fraction of initial quantity closed via TP hits plus the
// remaining fraction, which must sum to 1.0 within 1e-6 per the engine's invariant.
func (p Position) FilledSizePct() (hit, remaining float64) {
	if p.QuantityInitial.IsZero() {
		return 0, 0
	}
	closed := p.QuantityInitial.Sub(p.QuantityRemaining)
	hit, _ = closed.Div(p.QuantityInitial).Float64()
	remaining, _ = p.QuantityRemaining.Div(p.QuantityInitial).Float64()
	return hit, remaining
}

// StateTransition is an append-only record of an FSM state change, for a position or globally.
type StateTransition struct {
	FromState   string            `json:"from_state"`
	ToState     string            `json:"to_state"`
	TimestampMs int64             `json:"timestamp_ms"`
	Reason      string            `json:"reason"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// FilterResult records the outcome of one scanner filter predicate for diagnostics.
type FilterResult struct {
	Name      string  `json:"name"`
	Passed    bool    `json:"passed"`
	Value     float64 `json:"value"`
	Threshold float64 `json:"threshold"`
	Reason    string  `json:"reason,omitempty"`
}

// ScanResult is one ranked scanner candidate.
type ScanResult struct {
	Symbol        string          `json:"symbol"`
	Score         float64         `json:"score"`
	Metrics       MarketMetrics   `json:"metrics"`
	Levels        []TradingLevel  `json:"levels"`
	FilterResults []FilterResult  `json:"filter_results"`
}

// ExitUrgency ranks how quickly an exit rule must be actioned.
type ExitUrgency string

const (
	ExitUrgencyImmediate ExitUrgency = "immediate"
	ExitUrgencyNormal    ExitUrgency = "normal"
	ExitUrgencyLow       ExitUrgency = "low"
)

// ExitSignal is produced by an exit rule firing against an open position.
type ExitSignal struct {
	RuleName   string            `json:"rule_name"`
	Reason     string            `json:"reason"`
	Urgency    ExitUrgency       `json:"urgency"`
	Confidence float64           `json:"confidence"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

// ExecutedTrade is the reconciled result of an execution slicer run, reported back to C11.
type ExecutedTrade struct {
	Symbol        string          `json:"symbol"`
	Side          Side            `json:"side"`
	Quantity      decimal.Decimal `json:"quantity"`
	AvgPrice      decimal.Decimal `json:"avg_price"`
	SlicesFilled  int             `json:"slices_filled"`
	SlicesFailed  int             `json:"slices_failed"`
	CorrelationID string          `json:"correlation_id"`
}

// EngineStatus is the snapshot returned by every orchestrator command-interface call.
type EngineStatus struct {
	Phase         string    `json:"phase"`
	Preset        string    `json:"preset"`
	Mode          string    `json:"mode"` // "live" | "paper"
	PositionsOpen int       `json:"positions_open"`
	SignalsRecent int       `json:"signals_recent"`
	Equity        decimal.Decimal `json:"equity"`
	UptimeMs      int64     `json:"uptime_ms"`
	LastError     string    `json:"last_error,omitempty"`
}

// NowMs is the canonical millisecond timestamp helper used across the engine.
func NowMs(t time.Time) int64 { return t.UnixNano() / int64(time.Millisecond) }
