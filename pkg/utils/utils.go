// Package utils provides the shared decimal helpers the engine's components agree on:
// exchange-precision rounding (always truncating toward zero), symbol normalization, and the
// trade-history statistics the ledger reports. Monetary values stay decimal end to end; the
// statistics convert to float series once and hand the math to gonum/stat, returning decimal
// only at the boundary.
package utils

import (
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"gonum.org/v1/gonum/stat"
)

// FormatSymbol normalizes an exchange symbol to BASE/QUOTE form: trims, uppercases, and
// rewrites dash/underscore separators. A concatenated symbol is split on a known quote asset.
func FormatSymbol(symbol string) string {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	symbol = strings.ReplaceAll(symbol, "-", "/")
	symbol = strings.ReplaceAll(symbol, "_", "/")

	if !strings.Contains(symbol, "/") {
		for _, quote := range []string{"USDT", "USDC", "USD", "BTC", "ETH", "BNB"} {
			if strings.HasSuffix(symbol, quote) && len(symbol) > len(quote) {
				return strings.TrimSuffix(symbol, quote) + "/" + quote
			}
		}
	}
	return symbol
}

// ParseSymbol splits BASE/QUOTE; quote is empty when the symbol carries no separator.
func ParseSymbol(symbol string) (base, quote string) {
	if i := strings.IndexByte(symbol, '/'); i >= 0 {
		return symbol[:i], symbol[i+1:]
	}
	return symbol, ""
}

// RoundToTickSize truncates a price down to the exchange's price tick by stripping the
// remainder past the last whole tick. Zero tick is a no-op.
func RoundToTickSize(price, tickSize decimal.Decimal) decimal.Decimal {
	if tickSize.IsZero() {
		return price
	}
	return price.Sub(price.Mod(tickSize))
}

// RoundToStepSize truncates a quantity down to the exchange's quantity step. Sizing must never
// round up: a rounded-up quantity would risk more than the preset allows. Zero step is a no-op.
func RoundToStepSize(qty, stepSize decimal.Decimal) decimal.Decimal {
	if stepSize.IsZero() {
		return qty
	}
	return qty.Sub(qty.Mod(stepSize))
}

// toFloats converts a decimal series to the float form the statistics run on.
func toFloats(values []decimal.Decimal) []float64 {
	out := make([]float64, len(values))
	for i, v := range values {
		out[i] = v.InexactFloat64()
	}
	return out
}

// CalculateMean averages the values; zero for an empty slice.
func CalculateMean(values []decimal.Decimal) decimal.Decimal {
	if len(values) == 0 {
		return decimal.Zero
	}
	return decimal.NewFromFloat(stat.Mean(toFloats(values), nil))
}

// CalculateStdDev computes the sample standard deviation; zero below two samples.
func CalculateStdDev(values []decimal.Decimal) decimal.Decimal {
	if len(values) < 2 {
		return decimal.Zero
	}
	return decimal.NewFromFloat(stat.StdDev(toFloats(values), nil))
}

// CalculateSharpeRatio annualizes mean excess return over its standard deviation.
func CalculateSharpeRatio(returns []decimal.Decimal, riskFreeRate decimal.Decimal, periodsPerYear int) decimal.Decimal {
	if len(returns) < 2 {
		return decimal.Zero
	}
	mean, std := stat.MeanStdDev(toFloats(returns), nil)
	if std == 0 {
		return decimal.Zero
	}
	rf := riskFreeRate.InexactFloat64()
	excess := mean - rf/float64(periodsPerYear)
	return decimal.NewFromFloat(excess / std * math.Sqrt(float64(periodsPerYear)))
}

// CalculateMaxDrawdown returns the largest peak-to-trough fraction over an equity curve.
func CalculateMaxDrawdown(equity []decimal.Decimal) decimal.Decimal {
	if len(equity) < 2 {
		return decimal.Zero
	}
	curve := toFloats(equity)
	peak, worst := curve[0], 0.0
	for _, v := range curve[1:] {
		if v > peak {
			peak = v
			continue
		}
		if peak > 0 {
			if dd := (peak - v) / peak; dd > worst {
				worst = dd
			}
		}
	}
	return decimal.NewFromFloat(worst)
}

// CalculateWinRate is the fraction of strictly positive PnLs.
func CalculateWinRate(pnls []decimal.Decimal) decimal.Decimal {
	if len(pnls) == 0 {
		return decimal.Zero
	}
	wins := 0.0
	for _, pnl := range toFloats(pnls) {
		if pnl > 0 {
			wins++
		}
	}
	return decimal.NewFromFloat(wins / float64(len(pnls)))
}

// CalculateProfitFactor is gross profit over gross loss, capped at 100 when there are no losses.
func CalculateProfitFactor(pnls []decimal.Decimal) decimal.Decimal {
	var profit, loss float64
	for _, pnl := range toFloats(pnls) {
		if pnl > 0 {
			profit += pnl
		} else {
			loss -= pnl
		}
	}
	if loss == 0 {
		return decimal.NewFromInt(100)
	}
	return decimal.NewFromFloat(profit / loss)
}

// FormatDuration renders a duration as whole days/hours/minutes for status output.
func FormatDuration(d time.Duration) string {
	d = d.Truncate(time.Minute)
	days := d / (24 * time.Hour)
	d -= days * 24 * time.Hour
	hours := d / time.Hour
	minutes := (d - hours*time.Hour) / time.Minute
	switch {
	case days > 0:
		return fmt.Sprintf("%dd %dh %dm", days, hours, minutes)
	case hours > 0:
		return fmt.Sprintf("%dh %dm", hours, minutes)
	default:
		return fmt.Sprintf("%dm", minutes)
	}
}

// FormatMoney renders a decimal with the conventional precision for the currency.
func FormatMoney(d decimal.Decimal, currency string) string {
	switch strings.ToUpper(currency) {
	case "USD", "USDT", "USDC":
		return "$" + d.StringFixed(2)
	case "EUR":
		return "€" + d.StringFixed(2)
	case "BTC":
		return d.StringFixed(8) + " BTC"
	case "ETH":
		return d.StringFixed(6) + " ETH"
	default:
		return d.String() + " " + currency
	}
}

// MinDecimal returns the smaller of a and b.
func MinDecimal(a, b decimal.Decimal) decimal.Decimal {
	if a.LessThan(b) {
		return a
	}
	return b
}

// MaxDecimal returns the larger of a and b.
func MaxDecimal(a, b decimal.Decimal) decimal.Decimal {
	if a.GreaterThan(b) {
		return a
	}
	return b
}
