package levels

import (
	"sort"

	"github.com/atlas-desktop/breakout-engine/pkg/types"
	"github.com/shopspring/decimal"
)

// Config controls swing clustering, round-number, and cascade scoring, mirroring the preset's
// levels_rules block.
type Config struct {
	SwingWindow               int
	ClusterATRMultiplier      float64
	MinTouches                int
	RoundStepCandidates       []decimal.Decimal
	RoundMaxDistanceBps       float64
	CascadeRadiusBps          float64
	CascadeMinLevels          int
	ApproachSlopeMaxPctPerBar float64
	PrebreakoutConsolidationMinBars int
	ConsolidationToleranceBps float64
}

// DefaultConfig matches the spec's documented defaults.
func DefaultConfig() Config {
	return Config{
		SwingWindow: 3, ClusterATRMultiplier: 0.5, MinTouches: 2,
		RoundStepCandidates: []decimal.Decimal{decimal.NewFromInt(100), decimal.NewFromInt(1000)},
		RoundMaxDistanceBps: 15, CascadeRadiusBps: 50, CascadeMinLevels: 2,
		ApproachSlopeMaxPctPerBar: 3.0, PrebreakoutConsolidationMinBars: 3,
		ConsolidationToleranceBps: 20,
	}
}

type swing struct {
	price  decimal.Decimal
	volume decimal.Decimal
	kind   types.LevelKind
	ts     int64
}

// Detect builds TradingLevels from a candle series: swing extraction, clustering, validation,
// and round-number/cascade scoring, per spec §4.5.
func Detect(candles []types.Candle, cfg Config, atr decimal.Decimal) []types.TradingLevel {
	swings := extractSwings(candles, cfg.SwingWindow)
	clusters := cluster(swings, cfg, atr)

	valid := make([]types.TradingLevel, 0, len(clusters))
	for _, lvl := range clusters {
		if lvl.TouchCount < cfg.MinTouches {
			continue
		}
		valid = append(valid, lvl)
	}

	for i := range valid {
		valid[i].RoundNumberBonus = roundNumberBonus(valid[i].Price, cfg)
	}
	for i := range valid {
		valid[i].CascadeBonus = cascadeBonus(valid, i, cfg)
	}
	for i := range valid {
		base := valid[i].Strength
		final := base * valid[i].RoundNumberBonus * valid[i].CascadeBonus
		if final > 1 {
			final = 1
		}
		if final < 0 {
			final = 0
		}
		valid[i].Strength = final
	}
	return valid
}

func extractSwings(candles []types.Candle, window int) []swing {
	var out []swing
	for i := window; i < len(candles)-window; i++ {
		if isSwingHigh(candles, i, window) {
			out = append(out, swing{price: candles[i].High, volume: candles[i].Volume, kind: types.LevelResistance, ts: candles[i].TimestampMs})
		}
		if isSwingLow(candles, i, window) {
			out = append(out, swing{price: candles[i].Low, volume: candles[i].Volume, kind: types.LevelSupport, ts: candles[i].TimestampMs})
		}
	}
	return out
}

func isSwingHigh(candles []types.Candle, i, w int) bool {
	for j := i - w; j <= i+w; j++ {
		if j == i {
			continue
		}
		if candles[j].High.GreaterThan(candles[i].High) {
			return false
		}
	}
	return true
}

func isSwingLow(candles []types.Candle, i, w int) bool {
	for j := i - w; j <= i+w; j++ {
		if j == i {
			continue
		}
		if candles[j].Low.LessThan(candles[i].Low) {
			return false
		}
	}
	return true
}

// cluster groups raw swings by price proximity (<= clusterATRMultiplier*ATR) within each kind,
// representing each cluster by its volume-weighted mean price.
func cluster(swings []swing, cfg Config, atr decimal.Decimal) []types.TradingLevel {
	threshold := atr.Mul(decimal.NewFromFloat(cfg.ClusterATRMultiplier))
	byKind := map[types.LevelKind][]swing{}
	for _, s := range swings {
		byKind[s.kind] = append(byKind[s.kind], s)
	}

	var levels []types.TradingLevel
	for kind, list := range byKind {
		sort.Slice(list, func(i, j int) bool { return list[i].price.LessThan(list[j].price) })
		var current []swing
		flush := func() {
			if len(current) == 0 {
				return
			}
			levels = append(levels, buildLevel(current, kind))
			current = nil
		}
		for _, s := range list {
			if len(current) > 0 && s.price.Sub(current[len(current)-1].price).Abs().GreaterThan(threshold) {
				flush()
			}
			current = append(current, s)
		}
		flush()
	}
	return levels
}

func buildLevel(members []swing, kind types.LevelKind) types.TradingLevel {
	priceVolSum := decimal.Zero
	volSum := decimal.Zero
	first, last := members[0].ts, members[0].ts
	for _, m := range members {
		priceVolSum = priceVolSum.Add(m.price.Mul(m.volume))
		volSum = volSum.Add(m.volume)
		if m.ts < first {
			first = m.ts
		}
		if m.ts > last {
			last = m.ts
		}
	}
	price := members[0].price
	if !volSum.IsZero() {
		price = priceVolSum.Div(volSum)
	}
	// Base strength scales with touch count, capped at 1 once it reaches a well-touched cluster.
	base := float64(len(members)) / 5.0
	if base > 1 {
		base = 1
	}
	return types.TradingLevel{
		Price: price, Kind: kind, TouchCount: len(members), Strength: base,
		FirstTouchMs: first, LastTouchMs: last,
	}
}

func roundNumberBonus(price decimal.Decimal, cfg Config) float64 {
	best := 0.0
	for _, step := range cfg.RoundStepCandidates {
		if step.IsZero() {
			continue
		}
		nearest := price.Div(step).Round(0).Mul(step)
		distBps := price.Sub(nearest).Abs().Div(price).Mul(decimal.NewFromInt(10000))
		distF, _ := distBps.Float64()
		if distF <= cfg.RoundMaxDistanceBps {
			bonus := 1.0 + (1.0-distF/cfg.RoundMaxDistanceBps)*0.5
			if bonus > best {
				best = bonus
			}
		}
	}
	if best == 0 {
		return 1.0
	}
	return best
}

func cascadeBonus(levels []types.TradingLevel, idx int, cfg Config) float64 {
	target := levels[idx]
	count := 0
	for i, other := range levels {
		if i == idx {
			continue
		}
		distBps := target.Price.Sub(other.Price).Abs().Div(target.Price).Mul(decimal.NewFromInt(10000))
		distF, _ := distBps.Float64()
		if distF <= cfg.CascadeRadiusBps {
			count++
		}
	}
	if count >= cfg.CascadeMinLevels {
		return 1.0 + float64(count)*0.1
	}
	return 1.0
}

// ApproachQuality validates that the lookbackBars preceding a breakout show no excessive
// per-bar slope and sufficient consolidation near levelPrice, per spec §4.5.6.
func ApproachQuality(candles []types.Candle, levelPrice decimal.Decimal, cfg Config, lookbackBars int) bool {
	if len(candles) < lookbackBars {
		return false
	}
	window := candles[len(candles)-lookbackBars:]
	slopes := ApproachSlopePct(window)
	for _, s := range slopes {
		if s > cfg.ApproachSlopeMaxPctPerBar {
			return false
		}
	}
	consolidationBars := 0
	for _, c := range window {
		distBps := c.Close.Sub(levelPrice).Abs().Div(levelPrice).Mul(decimal.NewFromInt(10000))
		distF, _ := distBps.Float64()
		if distF <= cfg.ConsolidationToleranceBps {
			consolidationBars++
		}
	}
	return consolidationBars >= cfg.PrebreakoutConsolidationMinBars
}
