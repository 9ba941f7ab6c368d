package position

import (
	"sort"

	"github.com/atlas-desktop/breakout-engine/internal/config"
	"github.com/atlas-desktop/breakout-engine/pkg/types"
	"github.com/shopspring/decimal"
)

// DensityLookup resolves the highest-strength density within range of a candidate price.
type DensityLookup func(symbol string, side types.DensitySide, price decimal.Decimal, rangeBps float64) (types.Density, bool)

// LevelLookup resolves validated S/R levels near a candidate price.
type LevelLookup func(symbol string, price decimal.Decimal, rangeBps float64) (types.TradingLevel, bool)

// BuildTPSchedule constructs the take-profit ladder at position-open time, applying the smart
// placement optimizer per spec §4.11. Returns nil and false if the optimized schedule fails
// monotonicity or size-sum validation.
func BuildTPSchedule(symbol string, side types.PositionSide, entry, stopDistance decimal.Decimal,
	cfg []config.TPLevelConfig, smart config.TPSmartPlacementConfig,
	densities DensityLookup, levelsLookup LevelLookup) ([]types.TPLevel, bool) {

	schedule := make([]types.TPLevel, len(cfg))
	for i, tc := range cfg {
		nominal := NominalTPPrice(entry, stopDistance, side, tc.RewardMultiple)
		price := nominal
		if tc.PlacementMode == "smart" {
			price = optimizePlacement(symbol, side, nominal, smart, densities, levelsLookup)
		}
		schedule[i] = types.TPLevel{
			RewardMultiple: tc.RewardMultiple, SizePct: tc.SizePct, PlacementMode: tc.PlacementMode,
			Price: price, OriginalPrice: nominal,
		}
	}

	if !monotone(schedule, side) {
		return nil, false
	}
	sum := 0.0
	for _, tp := range schedule {
		sum += tp.SizePct
	}
	if sum < 0.95 || sum > 1.05 {
		return nil, false
	}
	return schedule, true
}

// NominalTPPrice computes the un-adjusted reward-multiple TP price for one ladder rung, before
// any smart-placement nudging. Exported so the signal generator (C8) can attach a schedule that
// satisfies Signal.ValidOrdering() at emission time, ahead of the smart-placement pass C11 runs
// once the position is actually open.
func NominalTPPrice(entry, stopDistance decimal.Decimal, side types.PositionSide, rewardMultiple float64) decimal.Decimal {
	offset := stopDistance.Mul(decimal.NewFromFloat(rewardMultiple))
	if side == types.PositionSideLong {
		return entry.Add(offset)
	}
	return entry.Sub(offset)
}

type candidate struct {
	price    decimal.Decimal
	priority int
	source   string
}

// optimizePlacement nudges a nominal TP price to avoid densities, round numbers, and S/R
// levels, picking the highest-priority applicable adjustment.
func optimizePlacement(symbol string, side types.PositionSide, nominal decimal.Decimal,
	smart config.TPSmartPlacementConfig, densities DensityLookup, levelsLookup LevelLookup) decimal.Decimal {

	var candidates []candidate

	densSide := types.DensityAsk
	if side == types.PositionSideShort {
		densSide = types.DensityBid
	}
	if dens, ok := densities(symbol, densSide, nominal, smart.SRLevelBufferBps); ok {
		shifted := shiftInward(dens.Price, smart.DensityZoneBufferBps, side)
		candidates = append(candidates, candidate{price: shifted, priority: smart.DensityPriority, source: "density"})
	}

	if lvl, ok := levelsLookup(symbol, nominal, smart.SRLevelBufferBps); ok {
		shifted := shiftInward(lvl.Price, smart.SRLevelBufferBps, side)
		candidates = append(candidates, candidate{price: shifted, priority: smart.SRLevelPriority, source: "sr_level"})
	}

	if rn, ok := nearestRoundNumber(nominal, smart.RoundStepCandidates, smart.MaxAdjustmentBps); ok {
		shifted := shiftBeforeRoundNumber(rn, side)
		candidates = append(candidates, candidate{price: shifted, priority: smart.RoundNumberPriority, source: "round_number"})
	}

	if len(candidates) == 0 {
		return nominal
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].priority > candidates[j].priority })
	return candidates[0].price
}

func shiftInward(edge decimal.Decimal, bufferBps float64, side types.PositionSide) decimal.Decimal {
	offset := edge.Mul(decimal.NewFromFloat(bufferBps)).Div(decimal.NewFromInt(10000))
	if side == types.PositionSideLong {
		return edge.Sub(offset)
	}
	return edge.Add(offset)
}

func shiftBeforeRoundNumber(roundPrice decimal.Decimal, side types.PositionSide) decimal.Decimal {
	epsilon := roundPrice.Mul(decimal.NewFromFloat(0.0005))
	if side == types.PositionSideLong {
		return roundPrice.Sub(epsilon)
	}
	return roundPrice.Add(epsilon)
}

func nearestRoundNumber(price decimal.Decimal, steps []float64, maxDistanceBps float64) (decimal.Decimal, bool) {
	best := decimal.Zero
	bestDist := -1.0
	for _, stepF := range steps {
		step := decimal.NewFromFloat(stepF)
		if step.IsZero() {
			continue
		}
		nearest := price.Div(step).Round(0).Mul(step)
		distBps := price.Sub(nearest).Abs().Div(price).Mul(decimal.NewFromInt(10000))
		distF, _ := distBps.Float64()
		if distF > maxDistanceBps {
			continue
		}
		if bestDist < 0 || distF < bestDist {
			bestDist = distF
			best = nearest
		}
	}
	return best, bestDist >= 0
}

func monotone(schedule []types.TPLevel, side types.PositionSide) bool {
	for i := 1; i < len(schedule); i++ {
		if side == types.PositionSideLong {
			if !schedule[i].Price.GreaterThan(schedule[i-1].Price) {
				return false
			}
		} else if !schedule[i].Price.LessThan(schedule[i-1].Price) {
			return false
		}
	}
	return true
}
