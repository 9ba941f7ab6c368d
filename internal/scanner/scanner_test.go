package scanner_test

import (
	"testing"

	"github.com/atlas-desktop/breakout-engine/internal/config"
	"github.com/atlas-desktop/breakout-engine/internal/scanner"
	"github.com/atlas-desktop/breakout-engine/pkg/types"
	"github.com/shopspring/decimal"
)

func dec(f float64) decimal.Decimal { return decimal.NewFromFloat(f) }

func baseLiquidity() config.LiquidityFilters {
	return config.LiquidityFilters{
		Min24hVolumeUSD: dec(1_000_000), MaxSpreadBps: 10,
		MinDepthUSD05Pct: dec(50_000), MinDepthUSD03Pct: dec(20_000), MinTradesPerMinute: 5,
	}
}

func baseVolatility() config.VolatilityFilters {
	return config.VolatilityFilters{
		ATRRangeMin: 0.001, ATRRangeMax: 0.1, BBWidthPercentileMax: 0.5,
		VolumeSurge1hMin: 1.0, VolumeSurge5mMin: 1.0, OIDelta24hMin: 0,
	}
}

func passingMetrics(symbol string, price float64) types.MarketMetrics {
	return types.MarketMetrics{
		Symbol: symbol, Price: dec(price), ATR: dec(price * 0.01), BBWidth: 0.1,
		VolSurge1h: 2.0, VolSurge5m: 1.5, TradesPerMinute: 20, SpreadBps: 2,
		Depth05PctUSD: dec(100_000), Depth03PctUSD: dec(50_000),
		Volume24hUSD: dec(10_000_000), MarketType: types.MarketTypeSpot,
	}
}

func TestScanFiltersOutIlliquidSymbols(t *testing.T) {
	metrics := map[string]types.MarketMetrics{
		"BTCUSDT": passingMetrics("BTCUSDT", 50000),
		"SHITUSDT": {
			Symbol: "SHITUSDT", Price: dec(0.001), ATR: dec(0.00001), BBWidth: 0.1,
			VolSurge1h: 2.0, TradesPerMinute: 1, SpreadBps: 200,
			Depth05PctUSD: dec(10), Depth03PctUSD: dec(5), Volume24hUSD: dec(100),
			MarketType: types.MarketTypeSpot,
		},
	}
	results := scanner.Scan(metrics, nil, baseLiquidity(), baseVolatility(), 0.7, scanner.Weights{VolumeSurge: 1}, 10)

	for _, r := range results {
		if r.Symbol == "SHITUSDT" {
			t.Fatalf("expected the illiquid symbol to be filtered out, got %+v", results)
		}
	}
	if len(results) != 1 || results[0].Symbol != "BTCUSDT" {
		t.Fatalf("expected only BTCUSDT to survive filtering, got %+v", results)
	}
}

func TestScanRespectsMaxCandidates(t *testing.T) {
	metrics := map[string]types.MarketMetrics{
		"AAAUSDT": passingMetrics("AAAUSDT", 10),
		"BBBUSDT": passingMetrics("BBBUSDT", 20),
		"CCCUSDT": passingMetrics("CCCUSDT", 30),
	}
	results := scanner.Scan(metrics, nil, baseLiquidity(), baseVolatility(), 0.7, scanner.Weights{VolumeSurge: 1}, 2)
	if len(results) != 2 {
		t.Fatalf("expected exactly 2 candidates per max_candidates, got %d", len(results))
	}
}

func TestScanRanksByScoreDescending(t *testing.T) {
	low := passingMetrics("LOWUSDT", 10)
	low.VolSurge1h = 1.0
	high := passingMetrics("HIGHUSDT", 10)
	high.VolSurge1h = 5.0

	metrics := map[string]types.MarketMetrics{"LOWUSDT": low, "HIGHUSDT": high}
	results := scanner.Scan(metrics, nil, baseLiquidity(), baseVolatility(), 0.7, scanner.Weights{VolumeSurge: 1}, 10)

	if len(results) != 2 || results[0].Symbol != "HIGHUSDT" {
		t.Fatalf("expected HIGHUSDT ranked first by volume-surge score, got %+v", results)
	}
}

func TestScanRejectsCorrelationOverLimit(t *testing.T) {
	corr := 0.95
	m := passingMetrics("ALTUSDT", 10)
	m.BTCCorrelation = &corr
	metrics := map[string]types.MarketMetrics{"ALTUSDT": m}

	results := scanner.Scan(metrics, nil, baseLiquidity(), baseVolatility(), 0.7, scanner.Weights{VolumeSurge: 1}, 10)
	if len(results) != 0 {
		t.Fatalf("expected correlation-limit breach to reject the symbol, got %+v", results)
	}
}

func TestMedianVolumeSurge(t *testing.T) {
	recent := []float64{10, 20, 30}
	older := []float64{5, 10, 15}
	surge := scanner.MedianVolumeSurge(recent, older)
	if surge != 2.0 {
		t.Fatalf("expected median surge of 2.0 (20/10), got %f", surge)
	}
}

func TestMedianVolumeSurgeZeroOlder(t *testing.T) {
	if surge := scanner.MedianVolumeSurge([]float64{10}, nil); surge != 0 {
		t.Fatalf("expected 0 surge when the older window is empty, got %f", surge)
	}
}

// A single 100x spike in an otherwise flat window should barely move the median-based
// surge ratio, unlike a mean-based ratio which a single outlier would dominate.
func TestMedianVolumeSurgeIsRobustToASingleOutlier(t *testing.T) {
	recent := []float64{10, 10, 10, 10, 10000}
	older := []float64{10, 10, 10, 10, 10}
	surge := scanner.MedianVolumeSurge(recent, older)
	if surge < 0.9 || surge > 1.1 {
		t.Fatalf("expected the outlier to leave the median surge near 1.0, got %f", surge)
	}
}

func TestScanRejectsFuturesSymbolBelowOIDeltaFloor(t *testing.T) {
	oi := -0.5
	m := passingMetrics("PERPUSDT", 10)
	m.MarketType = types.MarketTypeFutures
	m.OIDelta24h = &oi
	metrics := map[string]types.MarketMetrics{"PERPUSDT": m}

	results := scanner.Scan(metrics, nil, baseLiquidity(), baseVolatility(), 0.7, scanner.Weights{VolumeSurge: 1}, 10)
	if len(results) != 0 {
		t.Fatalf("expected a futures symbol below the OI-delta floor to be rejected, got %+v", results)
	}
}

func TestScanNeverAppliesOIFilterToSpotSymbols(t *testing.T) {
	oi := -0.5 // well below the floor, but MarketTypeSpot should bypass the OI check entirely.
	m := passingMetrics("SPOTUSDT", 10)
	m.OIDelta24h = &oi
	metrics := map[string]types.MarketMetrics{"SPOTUSDT": m}

	results := scanner.Scan(metrics, nil, baseLiquidity(), baseVolatility(), 0.7, scanner.Weights{VolumeSurge: 1}, 10)
	if len(results) != 1 || results[0].Symbol != "SPOTUSDT" {
		t.Fatalf("expected a spot symbol to never be rejected by OI filters, got %+v", results)
	}
}
