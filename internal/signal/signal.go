// Package signal implements the signal generator (C8): momentum and retest setup evaluation
// against a candidate level, per spec §4.7. There is no runtime strategy registry — SetupKind
// is a closed sum type and the generator switches on it directly.
package signal

import (
	"fmt"

	"github.com/atlas-desktop/breakout-engine/internal/config"
	"github.com/atlas-desktop/breakout-engine/internal/levels"
	"github.com/atlas-desktop/breakout-engine/internal/position"
	"github.com/atlas-desktop/breakout-engine/pkg/types"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// MicrostructureInput carries the density/trade-flow/book/activity readings the generator's
// gates need; the generator never reaches into C2-C5 directly.
type MicrostructureInput struct {
	BestDensityEatenRatio float64
	BestDensityEatenSpeed float64
	HasDensity            bool
	TPM60s                float64
	AvgTPM1h              float64
	Imbalance             float64
	VWAP                  decimal.Decimal
	BBWidth               float64
	SpreadBps             float64
	ActivityIndex         float64
}

// RejectReason is returned alongside a nil signal when evaluation fails.
type RejectReason string

// Evaluate checks both setup kinds for symbol against level and returns the first accepted
// signal, or a rejection reason. candles must end with the most recently closed bar.
func Evaluate(symbol string, side types.PositionSide, level types.TradingLevel, candles []types.Candle,
	atr decimal.Decimal, micro MicrostructureInput, cfg config.SignalConfig, levelsCfg levels.Config,
	tpLevels []config.TPLevelConfig, correlationID string, nowMs int64) (*types.Signal, RejectReason) {

	if len(candles) == 0 {
		return nil, "no candles"
	}
	last := candles[len(candles)-1]
	price := last.Close

	if reason := marketQualityReject(atr, price, micro, cfg.MarketQuality); reason != "" {
		return nil, reason
	}

	if sig, ok := evaluateMomentum(symbol, side, level, candles, atr, micro, cfg, levelsCfg, tpLevels, correlationID, nowMs); ok {
		return sig, ""
	}
	if sig, ok := evaluateRetest(symbol, side, level, candles, atr, micro, cfg, tpLevels, correlationID, nowMs); ok {
		return sig, ""
	}
	return nil, "no setup matched"
}

// marketQualityReject applies the quality gates ahead of any setup evaluation: flat-market
// detection (ATR or Bollinger width), max spread, and minimum activity index. A zero threshold
// disables its gate, so presets only pay for the gates they configure.
func marketQualityReject(atr, price decimal.Decimal, micro MicrostructureInput, mq config.MarketQualityConfig) RejectReason {
	if price.IsZero() {
		return "zero price"
	}
	atrPct, _ := atr.Div(price).Float64()
	if atrPct < mq.MinATRPct {
		return "flat market: atr below min_atr_pct"
	}
	if mq.MinBBWidthPct > 0 && micro.BBWidth < mq.MinBBWidthPct {
		return "flat market: bb width below min_bb_width_pct"
	}
	if mq.MaxSpreadBps > 0 && micro.SpreadBps > mq.MaxSpreadBps {
		return "spread above max_spread_bps"
	}
	if mq.MinActivityIndex != 0 && micro.ActivityIndex < mq.MinActivityIndex {
		return "activity index below min_activity_index"
	}
	return ""
}

func evaluateMomentum(symbol string, side types.PositionSide, level types.TradingLevel, candles []types.Candle,
	atr decimal.Decimal, micro MicrostructureInput, cfg config.SignalConfig, levelsCfg levels.Config,
	tpLevels []config.TPLevelConfig, correlationID string, nowMs int64) (*types.Signal, bool) {

	r := cfg.EntryRules
	last := candles[len(candles)-1]

	bufferBps := decimal.NewFromFloat(r.BreakoutBufferBps)
	buffer := level.Price.Mul(bufferBps).Div(decimal.NewFromInt(10000))
	brokeOut := false
	if side == types.PositionSideLong {
		brokeOut = last.Close.GreaterThan(level.Price.Add(buffer))
	} else {
		brokeOut = last.Close.LessThan(level.Price.Sub(buffer))
	}
	if !brokeOut {
		return nil, false
	}

	if levels.BodyRatio(last) < r.MomentumBodyRatioMin {
		return nil, false
	}

	avgVol := levels.AvgVolume(candles, 20)
	if avgVol.IsZero() || !last.Volume.GreaterThanOrEqual(avgVol.Mul(decimal.NewFromFloat(r.MomentumVolumeMultiplier))) {
		return nil, false
	}

	if !micro.HasDensity || micro.BestDensityEatenRatio < r.EnterOnDensityEatRatio || micro.BestDensityEatenSpeed < r.EatenSpeedMin {
		return nil, false
	}

	if !levels.ApproachQuality(candles, level.Price, levelsCfg, levelsCfg.PrebreakoutConsolidationMinBars+levelsCfg.SwingWindow) {
		return nil, false
	}

	entry := resolveEntry(last.Close, level.Price, side, r)
	stopLoss := resolveStopLoss(entry, side, atr, candles, r)
	return buildSignal(symbol, side, types.SetupMomentum, entry, stopLoss, &level, tpLevels, correlationID, nowMs), true
}

func evaluateRetest(symbol string, side types.PositionSide, level types.TradingLevel, candles []types.Candle,
	atr decimal.Decimal, micro MicrostructureInput, cfg config.SignalConfig, tpLevels []config.TPLevelConfig,
	correlationID string, nowMs int64) (*types.Signal, bool) {

	r := cfg.EntryRules
	last := candles[len(candles)-1]

	var pierce decimal.Decimal
	if side == types.PositionSideLong {
		pierce = level.Price.Sub(last.Low)
	} else {
		pierce = last.High.Sub(level.Price)
	}
	if pierce.IsNegative() {
		pierce = decimal.Zero
	}
	maxPierce := atr.Mul(decimal.NewFromFloat(r.RetestMaxPierceATR))
	if pierce.GreaterThan(maxPierce) {
		return nil, false
	}

	if micro.TPM60s < r.TPMOnTouchFrac*micro.AvgTPM1h {
		return nil, false
	}

	imbalanceOk := micro.Imbalance >= r.L2ImbalanceThreshold
	if side == types.PositionSideShort {
		imbalanceOk = micro.Imbalance <= -r.L2ImbalanceThreshold
	}
	if !imbalanceOk {
		return nil, false
	}

	if !atr.IsZero() {
		gap := last.Close.Sub(micro.VWAP).Abs().Div(atr)
		gapF, _ := gap.Float64()
		if gapF > r.VWAPGapMaxATR {
			return nil, false
		}
	}

	entry := resolveEntry(last.Close, level.Price, side, r)
	stopLoss := resolveStopLoss(entry, side, atr, candles, r)
	return buildSignal(symbol, side, types.SetupRetest, entry, stopLoss, &level, tpLevels, correlationID, nowMs), true
}

func resolveEntry(marketPrice, levelPrice decimal.Decimal, side types.PositionSide, r config.EntryRulesConfig) decimal.Decimal {
	if !r.PrelevelEntryEnabled {
		return marketPrice
	}
	offset := levelPrice.Mul(decimal.NewFromFloat(r.PrelevelLimitOffsetBps)).Div(decimal.NewFromInt(10000))
	if side == types.PositionSideLong {
		return levelPrice.Add(offset)
	}
	return levelPrice.Sub(offset)
}

func resolveStopLoss(entry decimal.Decimal, side types.PositionSide, atr decimal.Decimal, candles []types.Candle, r config.EntryRulesConfig) decimal.Decimal {
	switch r.SLType {
	case "swing":
		return lastOppositeSwing(candles, side, entry)
	case "fixed_pct":
		pct := decimal.NewFromFloat(r.SLFixedPct)
		if side == types.PositionSideLong {
			return entry.Mul(decimal.NewFromInt(1).Sub(pct))
		}
		return entry.Mul(decimal.NewFromInt(1).Add(pct))
	default: // "atr"
		offset := atr.Mul(decimal.NewFromFloat(r.SLATRMultiplier))
		if side == types.PositionSideLong {
			return entry.Sub(offset)
		}
		return entry.Add(offset)
	}
}

func lastOppositeSwing(candles []types.Candle, side types.PositionSide, fallback decimal.Decimal) decimal.Decimal {
	if len(candles) == 0 {
		return fallback
	}
	if side == types.PositionSideLong {
		low := candles[len(candles)-1].Low
		for _, c := range candles {
			if c.Low.LessThan(low) {
				low = c.Low
			}
		}
		return low
	}
	high := candles[len(candles)-1].High
	for _, c := range candles {
		if c.High.GreaterThan(high) {
			high = c.High
		}
	}
	return high
}

func buildSignal(symbol string, side types.PositionSide, strategy types.SetupKind, entry, stopLoss decimal.Decimal,
	level *types.TradingLevel, tpLevels []config.TPLevelConfig, correlationID string, nowMs int64) *types.Signal {
	return &types.Signal{
		ID: uuid.New().String(), CorrelationID: correlationID, Symbol: symbol, Side: side,
		Strategy: strategy, Entry: entry, StopLoss: stopLoss, CreatedTs: nowMs,
		LevelReference: level, TPSchedule: nominalTPSchedule(entry, stopLoss, side, tpLevels),
		Meta: types.SignalMeta{"setup": string(strategy)},
	}
}

// nominalTPSchedule attaches the un-optimized reward-multiple TP ladder so every emitted signal
// satisfies its own ValidOrdering() invariant; C11 re-derives the smart-placement-adjusted
// schedule once the position is actually open and the real fill price is known.
func nominalTPSchedule(entry, stopLoss decimal.Decimal, side types.PositionSide, tpLevels []config.TPLevelConfig) []types.TPLevel {
	stopDistance := entry.Sub(stopLoss).Abs()
	schedule := make([]types.TPLevel, len(tpLevels))
	for i, tc := range tpLevels {
		price := position.NominalTPPrice(entry, stopDistance, side, tc.RewardMultiple)
		schedule[i] = types.TPLevel{
			RewardMultiple: tc.RewardMultiple, SizePct: tc.SizePct, PlacementMode: tc.PlacementMode,
			Price: price, OriginalPrice: price,
		}
	}
	return schedule
}

// RejectError wraps a RejectReason as an error for callers that expect one.
func (r RejectReason) RejectError() error {
	if r == "" {
		return nil
	}
	return fmt.Errorf("signal rejected: %s", string(r))
}
