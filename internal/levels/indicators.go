// Package levels implements the indicator library and level detector (C6): ATR, Bollinger
// width, VWAP, Donchian, Chandelier, swing highs/lows, and round-number/cascade scoring,
// per spec §4.5.
package levels

import (
	"math"

	"github.com/atlas-desktop/breakout-engine/pkg/types"
	"github.com/atlas-desktop/breakout-engine/pkg/utils"
	talib "github.com/markcheno/go-talib"
	"github.com/shopspring/decimal"
)

// ATR computes the Average True Range over period, grounded on markcheno/go-talib's Atr, which
// the pack's raykavin-backnrun repo uses for the same purpose.
func ATR(candles []types.Candle, period int) decimal.Decimal {
	if len(candles) < period+1 {
		return decimal.Zero
	}
	highs, lows, closes := toFloatSeries(candles)
	out := talib.Atr(highs, lows, closes, period)
	return decimal.NewFromFloat(out[len(out)-1])
}

// BollingerWidth returns the normalized Bollinger Band width (upper-lower)/middle for the last bar.
func BollingerWidth(candles []types.Candle, period int, numStdDev float64) float64 {
	if len(candles) < period {
		return 0
	}
	closes := closeSeries(candles)
	upper, middle, lower := talib.BBands(closes, period, numStdDev, numStdDev, talib.SMA)
	i := len(middle) - 1
	if middle[i] == 0 {
		return 0
	}
	return (upper[i] - lower[i]) / middle[i]
}

// VWAP computes the volume-weighted average price over the given candles (typically the
// current session).
func VWAP(candles []types.Candle) decimal.Decimal {
	if len(candles) == 0 {
		return decimal.Zero
	}
	pv := decimal.Zero
	vol := decimal.Zero
	for _, c := range candles {
		typicalPrice := c.High.Add(c.Low).Add(c.Close).Div(decimal.NewFromInt(3))
		pv = pv.Add(typicalPrice.Mul(c.Volume))
		vol = vol.Add(c.Volume)
	}
	if vol.IsZero() {
		return decimal.Zero
	}
	return pv.Div(vol)
}

// Donchian returns the highest high and lowest low over period bars, the channel boundaries
// used by breakout and retest evaluation.
func Donchian(candles []types.Candle, period int) (high, low decimal.Decimal) {
	if len(candles) == 0 {
		return decimal.Zero, decimal.Zero
	}
	start := 0
	if len(candles) > period {
		start = len(candles) - period
	}
	high, low = candles[start].High, candles[start].Low
	for _, c := range candles[start:] {
		if c.High.GreaterThan(high) {
			high = c.High
		}
		if c.Low.LessThan(low) {
			low = c.Low
		}
	}
	return high, low
}

// ChandelierStop returns the trailing-stop price: highestHigh - atrMultiplier*ATR for longs,
// lowestLow + atrMultiplier*ATR for shorts.
func ChandelierStop(side types.PositionSide, extremePrice, atr decimal.Decimal, atrMultiplier float64) decimal.Decimal {
	offset := atr.Mul(decimal.NewFromFloat(atrMultiplier))
	if side == types.PositionSideLong {
		return extremePrice.Sub(offset)
	}
	return extremePrice.Add(offset)
}

func toFloatSeries(candles []types.Candle) (highs, lows, closes []float64) {
	highs = make([]float64, len(candles))
	lows = make([]float64, len(candles))
	closes = make([]float64, len(candles))
	for i, c := range candles {
		highs[i], _ = c.High.Float64()
		lows[i], _ = c.Low.Float64()
		closes[i], _ = c.Close.Float64()
	}
	return
}

func closeSeries(candles []types.Candle) []float64 {
	out := make([]float64, len(candles))
	for i, c := range candles {
		out[i], _ = c.Close.Float64()
	}
	return out
}

// BodyRatio returns |close-open|/(high-low) for a single candle, 0 if the candle has no range.
func BodyRatio(c types.Candle) float64 {
	rng := c.High.Sub(c.Low)
	if rng.IsZero() {
		return 0
	}
	body := c.Close.Sub(c.Open).Abs()
	v, _ := body.Div(rng).Float64()
	return v
}

// AvgVolume returns the mean volume of the last n candles (or all if fewer).
func AvgVolume(candles []types.Candle, n int) decimal.Decimal {
	if len(candles) == 0 {
		return decimal.Zero
	}
	start := 0
	if len(candles) > n {
		start = len(candles) - n
	}
	slice := candles[start:]
	volumes := make([]decimal.Decimal, len(slice))
	for i, c := range slice {
		volumes[i] = c.Volume
	}
	return utils.CalculateMean(volumes)
}

// ApproachSlopePct returns the absolute per-bar percentage close-to-close change, used by approach-quality
// validation (spec §4.5.6).
func ApproachSlopePct(candles []types.Candle) []float64 {
	out := make([]float64, 0, len(candles))
	for i := 1; i < len(candles); i++ {
		prev, _ := candles[i-1].Close.Float64()
		cur, _ := candles[i].Close.Float64()
		if prev == 0 {
			out = append(out, 0)
			continue
		}
		out = append(out, math.Abs((cur-prev)/prev)*100.0)
	}
	return out
}
