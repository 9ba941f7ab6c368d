package utils_test

import (
	"testing"
	"time"

	"github.com/atlas-desktop/breakout-engine/pkg/utils"
	"github.com/shopspring/decimal"
)

func dec(f float64) decimal.Decimal { return decimal.NewFromFloat(f) }

func TestFormatSymbolNormalizesSeparatorsAndCase(t *testing.T) {
	if got := utils.FormatSymbol(" btc-usdt "); got != "BTC/USDT" {
		t.Fatalf("expected BTC/USDT, got %q", got)
	}
	if got := utils.FormatSymbol("ethusdc"); got != "ETH/USDC" {
		t.Fatalf("expected ETH/USDC, got %q", got)
	}
}

func TestParseSymbolSplitsBaseAndQuote(t *testing.T) {
	base, quote := utils.ParseSymbol("BTC/USDT")
	if base != "BTC" || quote != "USDT" {
		t.Fatalf("expected BTC, USDT, got %s, %s", base, quote)
	}
}

func TestRoundToStepSizeTruncatesDown(t *testing.T) {
	got := utils.RoundToStepSize(dec(1.27), dec(0.1))
	if !got.Equal(dec(1.2)) {
		t.Fatalf("expected 1.2, got %s", got)
	}
}

func TestRoundToStepSizeZeroStepIsNoop(t *testing.T) {
	got := utils.RoundToStepSize(dec(1.27), decimal.Zero)
	if !got.Equal(dec(1.27)) {
		t.Fatalf("expected a zero step to leave the value unchanged, got %s", got)
	}
}

func TestRoundToTickSizeTruncatesDown(t *testing.T) {
	got := utils.RoundToTickSize(dec(100.37), dec(0.25))
	if !got.Equal(dec(100.25)) {
		t.Fatalf("expected 100.25, got %s", got)
	}
}

func TestCalculateMean(t *testing.T) {
	got := utils.CalculateMean([]decimal.Decimal{dec(1), dec(2), dec(3)})
	if !got.Equal(dec(2)) {
		t.Fatalf("expected mean 2, got %s", got)
	}
}

func TestCalculateStdDevOfConstantSeriesIsZero(t *testing.T) {
	got := utils.CalculateStdDev([]decimal.Decimal{dec(5), dec(5), dec(5)})
	if !got.IsZero() {
		t.Fatalf("expected zero std dev for a constant series, got %s", got)
	}
}

func TestCalculateSharpeRatioOfConstantReturnsIsZero(t *testing.T) {
	// Zero variance means the annualized excess-return-over-stddev ratio is undefined; the
	// helper returns zero rather than dividing by zero.
	got := utils.CalculateSharpeRatio([]decimal.Decimal{dec(0.01), dec(0.01), dec(0.01)}, decimal.Zero, 365)
	if !got.IsZero() {
		t.Fatalf("expected a zero Sharpe ratio for constant returns, got %s", got)
	}
}

func TestCalculateSharpeRatioRewardsHigherMeanReturn(t *testing.T) {
	volatile := []decimal.Decimal{dec(0.02), dec(-0.01), dec(0.03), dec(-0.01)}
	better := []decimal.Decimal{dec(0.04), dec(0.01), dec(0.05), dec(0.01)}
	lo := utils.CalculateSharpeRatio(volatile, decimal.Zero, 365)
	hi := utils.CalculateSharpeRatio(better, decimal.Zero, 365)
	if !hi.GreaterThan(lo) {
		t.Fatalf("expected the higher-mean-return series to score a higher Sharpe ratio, got hi=%s lo=%s", hi, lo)
	}
}

func TestCalculateMaxDrawdown(t *testing.T) {
	equity := []decimal.Decimal{dec(100), dec(120), dec(90), dec(110)}
	got := utils.CalculateMaxDrawdown(equity)
	// Peak 120, trough 90: drawdown = 30/120 = 0.25
	if !got.Equal(dec(0.25)) {
		t.Fatalf("expected max drawdown 0.25, got %s", got)
	}
}

func TestCalculateWinRate(t *testing.T) {
	pnls := []decimal.Decimal{dec(10), dec(-5), dec(3), dec(-1)}
	got := utils.CalculateWinRate(pnls)
	if !got.Equal(dec(0.5)) {
		t.Fatalf("expected win rate 0.5, got %s", got)
	}
}

func TestCalculateProfitFactor(t *testing.T) {
	pnls := []decimal.Decimal{dec(10), dec(-5)}
	got := utils.CalculateProfitFactor(pnls)
	if !got.Equal(dec(2)) {
		t.Fatalf("expected profit factor 2, got %s", got)
	}
}

func TestCalculateProfitFactorZeroLossIsCapped(t *testing.T) {
	got := utils.CalculateProfitFactor([]decimal.Decimal{dec(10), dec(5)})
	if !got.Equal(dec(100)) {
		t.Fatalf("expected profit factor capped at 100 with zero losses, got %s", got)
	}
}

func TestMinMaxDecimal(t *testing.T) {
	if !utils.MinDecimal(dec(3), dec(5)).Equal(dec(3)) {
		t.Fatalf("expected MinDecimal(3,5)=3")
	}
	if !utils.MaxDecimal(dec(3), dec(5)).Equal(dec(5)) {
		t.Fatalf("expected MaxDecimal(3,5)=5")
	}
}

func TestFormatDuration(t *testing.T) {
	if got := utils.FormatDuration(26*time.Hour + 5*time.Minute); got != "1d 2h 5m" {
		t.Fatalf("expected 1d 2h 5m, got %q", got)
	}
	if got := utils.FormatDuration(90 * time.Minute); got != "1h 30m" {
		t.Fatalf("expected 1h 30m, got %q", got)
	}
}

func TestFormatMoneyUSD(t *testing.T) {
	if got := utils.FormatMoney(dec(12.5), "USD"); got != "$12.50" {
		t.Fatalf("expected $12.50, got %s", got)
	}
}
