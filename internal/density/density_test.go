package density_test

import (
	"testing"

	"github.com/atlas-desktop/breakout-engine/internal/density"
	"github.com/atlas-desktop/breakout-engine/internal/marketdata"
	"github.com/atlas-desktop/breakout-engine/pkg/types"
	"github.com/shopspring/decimal"
)

func dec(f float64) decimal.Decimal { return decimal.NewFromFloat(f) }

func TestRefreshDetectsDensityAboveThreshold(t *testing.T) {
	d := density.New(density.Config{KDensity: 3.0, BucketTicks: 5, EnterOnEatenRatio: 0.75, RemoveEatenRatio: 1.0})

	bids := []marketdata.Bucket{
		{Center: dec(100), TotalSize: dec(10)},
		{Center: dec(99), TotalSize: dec(10)},
		{Center: dec(98), TotalSize: dec(50)}, // 5x the others, qualifies as a density
	}
	asks := []marketdata.Bucket{
		{Center: dec(101), TotalSize: dec(10)},
		{Center: dec(102), TotalSize: dec(10)},
	}

	events := d.Refresh("BTCUSDT", bids, asks, dec(100.5), 1000)

	found := false
	for _, ev := range events {
		if ev.Kind == types.DensityDetected && ev.Density.Price.Equal(dec(98)) {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected a Detected event for the 98 bucket, got %+v", events)
	}

	active := d.Active("BTCUSDT")
	if len(active) != 1 {
		t.Fatalf("expected exactly one tracked density, got %d", len(active))
	}
}

func TestRefreshFiresEatenThenRemoved(t *testing.T) {
	d := density.New(density.Config{KDensity: 3.0, BucketTicks: 5, EnterOnEatenRatio: 0.75, RemoveEatenRatio: 1.0})

	initial := []marketdata.Bucket{
		{Center: dec(100), TotalSize: dec(10)},
		{Center: dec(98), TotalSize: dec(50)},
	}
	d.Refresh("ETHUSDT", initial, []marketdata.Bucket{{Center: dec(101), TotalSize: dec(10)}, {Center: dec(102), TotalSize: dec(10)}}, dec(100), 1000)

	// 80% eaten: current size drops to 10, crossing the 0.75 enter_on_eaten_ratio threshold.
	eaten := []marketdata.Bucket{
		{Center: dec(100), TotalSize: dec(10)},
		{Center: dec(98), TotalSize: dec(10)},
	}
	events := d.Refresh("ETHUSDT", eaten, nil, dec(100), 2000)

	sawEaten := false
	for _, ev := range events {
		if ev.Kind == types.DensityEaten {
			sawEaten = true
		}
	}
	if !sawEaten {
		t.Fatalf("expected an Eaten event once eaten_ratio crosses 0.75, got %+v", events)
	}

	// Fully consumed: current size drops to 0, the bucket disappears from the book entirely.
	gone := []marketdata.Bucket{
		{Center: dec(100), TotalSize: dec(10)},
	}
	events = d.Refresh("ETHUSDT", gone, nil, dec(100), 3000)

	sawRemoved := false
	for _, ev := range events {
		if ev.Kind == types.DensityRemoved {
			sawRemoved = true
		}
	}
	if !sawRemoved {
		t.Fatalf("expected a Removed event once the density bucket vanishes, got %+v", events)
	}
	if len(d.Active("ETHUSDT")) != 0 {
		t.Fatalf("expected no tracked densities after removal")
	}
}

func TestEatenRatioIsMonotonic(t *testing.T) {
	d := density.New(density.Config{KDensity: 3.0, BucketTicks: 5, EnterOnEatenRatio: 0.99, RemoveEatenRatio: 1.0})

	buckets := []marketdata.Bucket{
		{Center: dec(98), TotalSize: dec(50)},
		{Center: dec(100), TotalSize: dec(10)},
	}
	d.Refresh("XRPUSDT", buckets, []marketdata.Bucket{{Center: dec(101), TotalSize: dec(10)}, {Center: dec(102), TotalSize: dec(10)}}, dec(100), 1000)

	// Size shrinks from 50 to 30 and then to 20; eaten_ratio must not fall between the two reads.
	recovered := []marketdata.Bucket{
		{Center: dec(98), TotalSize: dec(30)},
		{Center: dec(100), TotalSize: dec(10)},
	}
	d.Refresh("XRPUSDT", recovered, nil, dec(100), 2000)
	afterRecover := d.Active("XRPUSDT")[0].EatenRatio

	furtherEaten := []marketdata.Bucket{
		{Center: dec(98), TotalSize: dec(20)},
		{Center: dec(100), TotalSize: dec(10)},
	}
	d.Refresh("XRPUSDT", furtherEaten, nil, dec(100), 3000)
	afterFurther := d.Active("XRPUSDT")[0].EatenRatio

	if afterFurther < afterRecover {
		t.Fatalf("eaten_ratio must be monotonically non-decreasing: %f then %f", afterRecover, afterFurther)
	}
}

func TestEatingSpeed(t *testing.T) {
	speed := density.EatingSpeed(dec(100), dec(80), dec(60), 1000, 3000)
	// (80-60)/100 = 0.2 consumed over 2 seconds = 0.1/sec
	if speed < 0.099 || speed > 0.101 {
		t.Fatalf("expected eating speed ~0.1/sec, got %f", speed)
	}
}

func TestEatingSpeedZeroInitialSize(t *testing.T) {
	if speed := density.EatingSpeed(decimal.Zero, dec(80), dec(60), 1000, 2000); speed != 0 {
		t.Fatalf("expected 0 speed for zero initial size, got %f", speed)
	}
}
