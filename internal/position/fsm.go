// Package position implements the position manager and per-position FSM (C11): TP schedule
// construction, breakeven/trailing promotion, and exit-rule evaluation, per spec §4.11.
package position

import (
	"github.com/atlas-desktop/breakout-engine/internal/config"
	"github.com/atlas-desktop/breakout-engine/internal/levels"
	"github.com/atlas-desktop/breakout-engine/pkg/types"
	"github.com/shopspring/decimal"
)

// MarketState is the read-only snapshot the FSM evaluates against each update. The FSM never
// mutates this; it only returns a transition and, optionally, an exit signal.
type MarketState struct {
	Price       decimal.Decimal
	ATR         decimal.Decimal
	NowMs       int64
	IsDropping  bool // from the activity tracker (C5)
}

// Transition is the FSM's output for one update: the new state (if changed), any reduce-position
// action from a TP hit, and at most one fired exit signal.
type Transition struct {
	NewState     types.PositionFSMState
	Changed      bool
	TPHitIndex   int // -1 if no TP hit this update
	ExitSignal   *types.ExitSignal
	NewStopLoss  decimal.Decimal
	StopChanged  bool
}

// FSM drives one position's lifecycle. It holds no market-state of its own beyond what the
// Position struct itself records, per spec §5's "FSM stores its own state" rule.
type FSM struct {
	cfg config.PositionConfig
}

// New constructs a position FSM bound to a preset's position_config.
func New(cfg config.PositionConfig) *FSM { return &FSM{cfg: cfg} }

// Update evaluates pos against state and returns the resulting transition. Deterministic with
// respect to (pos, state): replaying the same input sequence reproduces the same transitions.
func (f *FSM) Update(pos types.Position, state MarketState) Transition {
	t := Transition{NewState: pos.FSMState, TPHitIndex: -1}

	if exit := f.evaluateExitRules(pos, state); exit != nil {
		t.ExitSignal = exit
		if exit.Urgency == types.ExitUrgencyImmediate {
			t.NewState = types.PositionClosed
			t.Changed = t.NewState != pos.FSMState
			return t
		}
	}

	if hitIdx := firstUnhitTPTouched(pos, state.Price); hitIdx >= 0 {
		t.TPHitIndex = hitIdx
		t.NewState = types.PositionPartialClosed
		t.Changed = true
	}

	switch pos.FSMState {
	case types.PositionEntryConfirmation:
		if pos.BarsSinceEntry >= f.cfg.EntryConfirmationBars {
			t.NewState = types.PositionRunning
			t.Changed = true
		}
	case types.PositionRunning, types.PositionPartialClosed:
		r := excursionR(pos, state.Price)
		if r >= f.cfg.BreakevenTriggerR && !pos.BreakevenMoved {
			t.NewState = types.PositionBreakeven
			t.Changed = true
			t.NewStopLoss = breakevenStop(pos, f.cfg.BreakevenOffsetBps)
			t.StopChanged = true
		}
	case types.PositionBreakeven:
		r := excursionR(pos, state.Price)
		if r >= f.cfg.TrailingActivationR {
			t.NewState = types.PositionTrailing
			t.Changed = true
		}
	case types.PositionTrailing:
		extreme := pos.HighestFavorablePrice
		if pos.Side == types.PositionSideShort {
			extreme = pos.LowestFavorablePrice
		}
		t.NewStopLoss = levels.ChandelierStop(pos.Side, extreme, state.ATR, f.cfg.ChandelierATRMult)
		t.StopChanged = true
	}

	if pos.QuantityRemaining.IsZero() {
		t.NewState = types.PositionClosed
		t.Changed = true
	}

	return t
}

// breakevenStop moves the stop to entry plus a small offset in the favorable direction, per
// spec §4.11, so the breakeven move still locks in a few bps rather than landing exactly on the
// fill price.
func breakevenStop(pos types.Position, offsetBps float64) decimal.Decimal {
	offset := pos.EntryPrice.Mul(decimal.NewFromFloat(offsetBps)).Div(decimal.NewFromInt(10000))
	if pos.Side == types.PositionSideLong {
		return pos.EntryPrice.Add(offset)
	}
	return pos.EntryPrice.Sub(offset)
}

func excursionR(pos types.Position, price decimal.Decimal) float64 {
	stopDistance := pos.EntryPrice.Sub(pos.OriginalStopLoss).Abs()
	if stopDistance.IsZero() {
		return 0
	}
	var favorable decimal.Decimal
	if pos.Side == types.PositionSideLong {
		favorable = price.Sub(pos.EntryPrice)
	} else {
		favorable = pos.EntryPrice.Sub(price)
	}
	r, _ := favorable.Div(stopDistance).Float64()
	return r
}

func firstUnhitTPTouched(pos types.Position, price decimal.Decimal) int {
	for i, tp := range pos.TPSchedule {
		if tp.Hit {
			continue
		}
		if pos.Side == types.PositionSideLong && price.GreaterThanOrEqual(tp.Price) {
			return i
		}
		if pos.Side == types.PositionSideShort && price.LessThanOrEqual(tp.Price) {
			return i
		}
		break // TP schedule is monotone; the first unhit level gates the rest
	}
	return -1
}

// evaluateExitRules checks all exit rules in priority order and returns the highest-urgency
// signal (ties broken by confidence), or nil if none fired, per spec §4.11.
func (f *FSM) evaluateExitRules(pos types.Position, state MarketState) *types.ExitSignal {
	var fired []types.ExitSignal
	r := f.cfg.ExitRules
	elapsedS := float64(state.NowMs-pos.OpenedTs) / 1000.0

	favorableBps := favorableMoveBps(pos, state.Price)
	if elapsedS >= r.FailedBreakoutTimeoutS && favorableBps < r.MinFavorableMoveBps {
		fired = append(fired, types.ExitSignal{RuleName: "FailedBreakout", Reason: "failed breakout timeout with insufficient favorable move", Urgency: types.ExitUrgencyImmediate, Confidence: 0.9})
	}

	if state.IsDropping {
		fired = append(fired, types.ExitSignal{RuleName: "ActivityDrop", Reason: "activity index dropping", Urgency: types.ExitUrgencyNormal, Confidence: 0.6})
	}

	adverseBps := adverseMoveBps(pos, state.Price)
	if adverseBps >= r.PanicSpikeThresholdBps {
		fired = append(fired, types.ExitSignal{RuleName: "PanicSpike", Reason: "adverse excursion exceeds panic threshold", Urgency: types.ExitUrgencyImmediate, Confidence: 0.95})
	}

	if pos.FSMState == types.PositionBreakeven || pos.FSMState == types.PositionTrailing {
		currentR := excursionR(pos, state.Price)
		if elapsedS >= r.WeakImpulseTimeoutS && currentR < r.WeakImpulseMinR {
			fired = append(fired, types.ExitSignal{RuleName: "WeakImpulse", Reason: "weak impulse past breakeven", Urgency: types.ExitUrgencyLow, Confidence: 0.5})
		}
	}

	if elapsedS >= f.cfg.MaxHoldTimeHours*3600 {
		fired = append(fired, types.ExitSignal{RuleName: "TimeStop", Reason: "max hold time reached", Urgency: types.ExitUrgencyNormal, Confidence: 0.7})
	}

	return highestUrgency(fired)
}

func highestUrgency(signals []types.ExitSignal) *types.ExitSignal {
	if len(signals) == 0 {
		return nil
	}
	rank := map[types.ExitUrgency]int{types.ExitUrgencyImmediate: 2, types.ExitUrgencyNormal: 1, types.ExitUrgencyLow: 0}
	best := signals[0]
	for _, s := range signals[1:] {
		if rank[s.Urgency] > rank[best.Urgency] || (rank[s.Urgency] == rank[best.Urgency] && s.Confidence > best.Confidence) {
			best = s
		}
	}
	return &best
}

func favorableMoveBps(pos types.Position, price decimal.Decimal) float64 {
	var delta decimal.Decimal
	if pos.Side == types.PositionSideLong {
		delta = price.Sub(pos.EntryPrice)
	} else {
		delta = pos.EntryPrice.Sub(price)
	}
	if delta.IsNegative() {
		delta = decimal.Zero
	}
	bps, _ := delta.Div(pos.EntryPrice).Mul(decimal.NewFromInt(10000)).Float64()
	return bps
}

func adverseMoveBps(pos types.Position, price decimal.Decimal) float64 {
	var delta decimal.Decimal
	if pos.Side == types.PositionSideLong {
		delta = pos.EntryPrice.Sub(price)
	} else {
		delta = price.Sub(pos.EntryPrice)
	}
	if delta.IsNegative() {
		delta = decimal.Zero
	}
	bps, _ := delta.Div(pos.EntryPrice).Mul(decimal.NewFromInt(10000)).Float64()
	return bps
}
