// Package density implements the density detector (C4): liquidity "walls" in the order book
// and their consumption over time, per spec §4.3.
package density

import (
	"sort"
	"sync"

	"github.com/atlas-desktop/breakout-engine/internal/marketdata"
	"github.com/atlas-desktop/breakout-engine/pkg/types"
	"github.com/shopspring/decimal"
)

// Config controls density detection thresholds, mirroring the preset's density_config block.
type Config struct {
	KDensity          float64 // bucket_size / median_bucket_size threshold to qualify as a density
	BucketTicks       int
	EnterOnEatenRatio float64 // eaten_ratio at which an Eaten event fires
	RemoveEatenRatio  float64 // 1 - this is the current_size fraction below which a density is removed
}

// DefaultConfig matches the spec's documented defaults.
func DefaultConfig() Config {
	return Config{KDensity: 3.0, BucketTicks: 5, EnterOnEatenRatio: 0.75, RemoveEatenRatio: 1.0}
}

// Event is one lifecycle transition emitted by the detector.
type Event struct {
	Kind    types.DensityEventKind
	Density types.Density
}

type key struct {
	symbol string
	side   types.DensitySide
	center string
}

// Detector tracks densities per symbol/side/bucket-center across successive book refreshes.
type Detector struct {
	cfg Config
	mu  sync.Mutex
	byKey map[key]*types.Density
}

// New constructs a density detector.
func New(cfg Config) *Detector {
	return &Detector{cfg: cfg, byKey: make(map[key]*types.Density)}
}

// Refresh recomputes densities for a symbol from its current bucketed book, comparing against
// previously tracked densities and returning the lifecycle events fired this call.
func (d *Detector) Refresh(symbol string, bids, asks []marketdata.Bucket, midPrice decimal.Decimal, nowMs int64) []Event {
	d.mu.Lock()
	defer d.mu.Unlock()

	var events []Event
	median := medianBucketSize(bids, asks)
	if median.IsZero() {
		return events
	}

	seen := make(map[key]bool)
	events = append(events, d.scanSide(symbol, types.DensityBid, bids, median, midPrice, nowMs, seen)...)
	events = append(events, d.scanSide(symbol, types.DensityAsk, asks, median, midPrice, nowMs, seen)...)

	// Remove any previously tracked density for this symbol not observed this refresh (price moved
	// through it and the bucket disappeared from the book entirely).
	for k, dens := range d.byKey {
		if k.symbol != symbol || seen[k] {
			continue
		}
		events = append(events, Event{Kind: types.DensityRemoved, Density: *dens})
		delete(d.byKey, k)
	}

	return events
}

func (d *Detector) scanSide(symbol string, side types.DensitySide, buckets []marketdata.Bucket, median decimal.Decimal, midPrice decimal.Decimal, nowMs int64, seen map[key]bool) []Event {
	var events []Event
	medianF, _ := median.Float64()
	for _, b := range buckets {
		k := key{symbol: symbol, side: side, center: b.Center.String()}
		strength := 0.0
		if medianF > 0 {
			sizeF, _ := b.TotalSize.Float64()
			strength = sizeF / medianF
		}
		existing, tracked := d.byKey[k]
		if !tracked && strength < d.cfg.KDensity {
			continue
		}
		seen[k] = true

		if !tracked {
			dens := &types.Density{
				Symbol: symbol, Side: side, Price: b.Center,
				InitialSize: b.TotalSize, CurrentSize: b.TotalSize,
				Strength: strength, FirstSeenMs: nowMs,
			}
			d.byKey[k] = dens
			events = append(events, Event{Kind: types.DensityDetected, Density: *dens})
			continue
		}

		existing.CurrentSize = b.TotalSize
		eaten := 1.0
		if !existing.InitialSize.IsZero() {
			remFrac, _ := existing.CurrentSize.Div(existing.InitialSize).Float64()
			eaten = 1.0 - remFrac
		}
		if eaten < 0 {
			eaten = 0
		}
		if eaten > 1 {
			eaten = 1
		}
		// Eaten ratio is monotonically non-decreasing while tracked, per spec testable property #11.
		if eaten < existing.EatenRatio {
			eaten = existing.EatenRatio
		}
		existing.EatenRatio = eaten

		if !existing.EatenEventFired && existing.EatenRatio >= d.cfg.EnterOnEatenRatio {
			existing.EatenEventFired = true
			events = append(events, Event{Kind: types.DensityEaten, Density: *existing})
		}

		if existing.EatenRatio >= d.cfg.RemoveEatenRatio {
			events = append(events, Event{Kind: types.DensityRemoved, Density: *existing})
			delete(d.byKey, k)
			continue
		}
	}
	return events
}

// medianBucketSize computes the median TotalSize across both book sides' buckets, the baseline
// against which density strength is measured.
func medianBucketSize(bids, asks []marketdata.Bucket) decimal.Decimal {
	sizes := make([]decimal.Decimal, 0, len(bids)+len(asks))
	for _, b := range bids {
		sizes = append(sizes, b.TotalSize)
	}
	for _, a := range asks {
		sizes = append(sizes, a.TotalSize)
	}
	if len(sizes) == 0 {
		return decimal.Zero
	}
	sort.Slice(sizes, func(i, j int) bool { return sizes[i].LessThan(sizes[j]) })
	mid := len(sizes) / 2
	if len(sizes)%2 == 1 {
		return sizes[mid]
	}
	return sizes[mid-1].Add(sizes[mid]).Div(decimal.NewFromInt(2))
}

// Active returns all currently tracked densities for a symbol, unordered.
func (d *Detector) Active(symbol string) []types.Density {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]types.Density, 0)
	for k, dens := range d.byKey {
		if k.symbol == symbol {
			out = append(out, *dens)
		}
	}
	return out
}

// EatingSpeed returns the fraction-per-second at which a density's current_size has shrunk,
// measured between two observations (prevSize at prevMs, density.CurrentSize now).
func EatingSpeed(initialSize, prevSize, currentSize decimal.Decimal, prevMs, nowMs int64) float64 {
	if initialSize.IsZero() || nowMs <= prevMs {
		return 0
	}
	deltaFrac, _ := prevSize.Sub(currentSize).Div(initialSize).Float64()
	deltaSec := float64(nowMs-prevMs) / 1000.0
	if deltaSec <= 0 {
		return 0
	}
	return deltaFrac / deltaSec
}
