// Package scanner implements the scanner (C7): filter chain, median-based volume-surge scoring,
// and candidate ranking, per spec §4.6.
package scanner

import (
	"sort"

	"github.com/atlas-desktop/breakout-engine/internal/config"
	"github.com/atlas-desktop/breakout-engine/pkg/types"
)

// Weights controls the per-metric scoring contribution, mirroring the preset's score_weights.
type Weights struct {
	VolumeSurge      float64
	Volatility       float64
	Liquidity        float64
	ProximityToLevel float64
}

// Scan applies the filter chain to each symbol's metrics, scores survivors, and returns a
// ranked list of ScanResult, top maxCandidates first. levelsBySymbol supplies each symbol's
// validated levels; the proximity-to-level score is computed from them (closer to a stronger
// level scores higher).
func Scan(metricsBySymbol map[string]types.MarketMetrics, levelsBySymbol map[string][]types.TradingLevel,
	liquidity config.LiquidityFilters, volatility config.VolatilityFilters, correlationLimit float64,
	weights Weights, maxCandidates int) []types.ScanResult {

	var results []types.ScanResult
	for symbol, m := range metricsBySymbol {
		filterResults := applyFilters(m, liquidity, volatility, correlationLimit)
		if !allPassed(filterResults) {
			continue
		}
		score := scoreMetric(m, weights, levelsBySymbol[symbol])
		results = append(results, types.ScanResult{
			Symbol: symbol, Score: score, Metrics: m,
			Levels: levelsBySymbol[symbol], FilterResults: filterResults,
		})
	}

	sort.Slice(results, func(i, j int) bool { return results[i].Score > results[j].Score })
	if len(results) > maxCandidates {
		results = results[:maxCandidates]
	}
	return results
}

func allPassed(results []types.FilterResult) bool {
	for _, r := range results {
		if !r.Passed {
			return false
		}
	}
	return true
}

func applyFilters(m types.MarketMetrics, liq config.LiquidityFilters, vol config.VolatilityFilters, correlationLimit float64) []types.FilterResult {
	var out []types.FilterResult

	vol24, _ := m.Volume24hUSD.Float64()
	minVol24, _ := liq.Min24hVolumeUSD.Float64()
	out = append(out, filterResult("min_24h_volume_usd", vol24 >= minVol24, vol24, minVol24))
	out = append(out, filterResult("max_spread_bps", m.SpreadBps <= liq.MaxSpreadBps, m.SpreadBps, liq.MaxSpreadBps))
	depth05, _ := m.Depth05PctUSD.Float64()
	minDepth05, _ := liq.MinDepthUSD05Pct.Float64()
	out = append(out, filterResult("min_depth_usd_0_5pct", depth05 >= minDepth05, depth05, minDepth05))
	depth03, _ := m.Depth03PctUSD.Float64()
	minDepth03, _ := liq.MinDepthUSD03Pct.Float64()
	out = append(out, filterResult("min_depth_usd_0_3pct", depth03 >= minDepth03, depth03, minDepth03))
	out = append(out, filterResult("min_trades_per_minute", m.TradesPerMinute >= liq.MinTradesPerMinute, m.TradesPerMinute, liq.MinTradesPerMinute))

	atrPrice := 0.0
	if !m.Price.IsZero() {
		ratio, _ := m.ATR.Div(m.Price).Float64()
		atrPrice = ratio
	}
	atrOk := atrPrice >= vol.ATRRangeMin && atrPrice <= vol.ATRRangeMax
	out = append(out, types.FilterResult{Name: "atr_range", Passed: atrOk, Value: atrPrice, Threshold: vol.ATRRangeMax})
	out = append(out, filterResult("bb_width_percentile_max", m.BBWidth <= vol.BBWidthPercentileMax, m.BBWidth, vol.BBWidthPercentileMax))
	// volume_surge_1h is the ratio of the recent window's MEDIAN volume to an older window's
	// MEDIAN volume — outlier-robust by design; the ratio itself is computed upstream by the
	// caller (levels/marketdata layer) and passed through MarketMetrics.VolSurge1h.
	out = append(out, filterResult("volume_surge_1h_min", m.VolSurge1h >= vol.VolumeSurge1hMin, m.VolSurge1h, vol.VolumeSurge1hMin))

	if m.BTCCorrelation != nil {
		corr := *m.BTCCorrelation
		abs := corr
		if abs < 0 {
			abs = -abs
		}
		out = append(out, filterResult("correlation_limit", abs <= correlationLimit, abs, correlationLimit))
	}

	if m.MarketType == types.MarketTypeFutures && m.OIDelta24h != nil {
		oi := *m.OIDelta24h
		out = append(out, filterResult("oi_delta_24h_min", oi >= vol.OIDelta24hMin, oi, vol.OIDelta24hMin))
	}

	return out
}

func filterResult(name string, passed bool, value, threshold float64) types.FilterResult {
	r := types.FilterResult{Name: name, Passed: passed, Value: value, Threshold: threshold}
	if !passed {
		r.Reason = name + " out of range"
	}
	return r
}

func scoreMetric(m types.MarketMetrics, w Weights, levels []types.TradingLevel) float64 {
	proximity := 0.0
	if len(levels) > 0 {
		priceF, _ := m.Price.Float64()
		best := 0.0
		for _, lvl := range levels {
			lvlF, _ := lvl.Price.Float64()
			if lvlF == 0 {
				continue
			}
			distPct := (priceF - lvlF) / lvlF
			if distPct < 0 {
				distPct = -distPct
			}
			score := 1.0 - distPct*100.0
			if score < 0 {
				score = 0
			}
			score *= lvl.Strength
			if score > best {
				best = score
			}
		}
		proximity = best
	}

	return w.VolumeSurge*m.VolSurge1h + w.Volatility*m.BBWidth + w.Liquidity*normalizedLiquidity(m) + w.ProximityToLevel*proximity
}

func normalizedLiquidity(m types.MarketMetrics) float64 {
	vol, _ := m.Volume24hUSD.Float64()
	if vol <= 0 {
		return 0
	}
	// log-scaled so liquidity score doesn't dwarf the other weighted terms for mega-cap symbols.
	score := 0.0
	for v := vol; v > 1; v /= 10 {
		score += 1
	}
	return score
}

// MedianVolumeSurge computes recent_median/older_median over two candle windows, the
// outlier-robust volume_surge_1h contract of spec §4.6.
func MedianVolumeSurge(recent, older []float64) float64 {
	recentMed := median(recent)
	olderMed := median(older)
	if olderMed == 0 {
		return 0
	}
	return recentMed / olderMed
}

func median(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)
	mid := len(sorted) / 2
	if len(sorted)%2 == 1 {
		return sorted[mid]
	}
	return (sorted[mid-1] + sorted[mid]) / 2
}
