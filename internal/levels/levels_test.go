package levels_test

import (
	"testing"

	"github.com/atlas-desktop/breakout-engine/internal/levels"
	"github.com/atlas-desktop/breakout-engine/pkg/types"
	"github.com/shopspring/decimal"
)

func d(f float64) decimal.Decimal { return decimal.NewFromFloat(f) }

func candle(ts int64, o, h, l, c, v float64) types.Candle {
	return types.Candle{TimestampMs: ts, Open: d(o), High: d(h), Low: d(l), Close: d(c), Volume: d(v)}
}

// buildDoubleTopCandles produces two touches of resistance around 110 separated by a pullback,
// enough to form a two-touch cluster with the default MinTouches of 2.
func buildDoubleTopCandles() []types.Candle {
	var out []types.Candle
	prices := []float64{100, 103, 106, 110, 107, 104, 101, 98, 101, 104, 107, 110, 106, 103, 100}
	for i, p := range prices {
		out = append(out, candle(int64(i)*60000, p-1, p+0.5, p-1.5, p, 1000))
	}
	return out
}

func TestDetectFindsResistanceLevel(t *testing.T) {
	cfg := levels.DefaultConfig()
	lvls := levels.Detect(buildDoubleTopCandles(), cfg, d(1.0))

	foundResistance := false
	for _, l := range lvls {
		if l.Kind == types.LevelResistance {
			foundResistance = true
			if l.TouchCount < cfg.MinTouches {
				t.Fatalf("a returned level must satisfy min_touches, got %d", l.TouchCount)
			}
		}
	}
	if !foundResistance {
		t.Fatalf("expected at least one resistance level from a double-top pattern, got %+v", lvls)
	}
}

func TestDetectDropsClustersBelowMinTouches(t *testing.T) {
	cfg := levels.DefaultConfig()
	cfg.MinTouches = 10 // impossible to satisfy with this short series
	lvls := levels.Detect(buildDoubleTopCandles(), cfg, d(1.0))
	if len(lvls) != 0 {
		t.Fatalf("expected no levels once min_touches exceeds any cluster size, got %d", len(lvls))
	}
}

func TestDetectEmptyCandlesReturnsNoLevelsNoError(t *testing.T) {
	lvls := levels.Detect(nil, levels.DefaultConfig(), d(1.0))
	if len(lvls) != 0 {
		t.Fatalf("expected an empty candle series to produce zero candidate levels, got %+v", lvls)
	}
}

func TestDetectStrengthIsBounded(t *testing.T) {
	cfg := levels.DefaultConfig()
	lvls := levels.Detect(buildDoubleTopCandles(), cfg, d(1.0))
	for _, l := range lvls {
		if l.Strength < 0 || l.Strength > 1 {
			t.Fatalf("level strength must be clamped to [0,1], got %f", l.Strength)
		}
	}
}

func TestApproachQualityRejectsSteepSlope(t *testing.T) {
	cfg := levels.DefaultConfig()
	cfg.ApproachSlopeMaxPctPerBar = 1.0
	var steep []types.Candle
	price := 100.0
	for i := 0; i < 10; i++ {
		price *= 1.10 // 10%/bar, well above the 1% cap
		steep = append(steep, candle(int64(i)*60000, price, price, price, price, 1000))
	}
	if levels.ApproachQuality(steep, d(price), cfg, 10) {
		t.Fatalf("expected ApproachQuality to reject a steep pre-breakout run")
	}
}

func TestApproachQualityAcceptsConsolidation(t *testing.T) {
	cfg := levels.DefaultConfig()
	var flat []types.Candle
	for i := 0; i < 10; i++ {
		flat = append(flat, candle(int64(i)*60000, 100, 100.1, 99.9, 100, 1000))
	}
	if !levels.ApproachQuality(flat, d(100), cfg, 10) {
		t.Fatalf("expected ApproachQuality to accept flat consolidation near the level price")
	}
}

func TestApproachQualityInsufficientHistory(t *testing.T) {
	cfg := levels.DefaultConfig()
	short := []types.Candle{candle(0, 100, 100, 100, 100, 1000)}
	if levels.ApproachQuality(short, d(100), cfg, 10) {
		t.Fatalf("expected ApproachQuality to reject when fewer candles than lookbackBars are given")
	}
}
