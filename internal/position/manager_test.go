package position_test

import (
	"testing"

	"github.com/atlas-desktop/breakout-engine/internal/position"
	"github.com/atlas-desktop/breakout-engine/pkg/types"
	"go.uber.org/zap"
)

func newManager() *position.Manager {
	return position.NewManager(zap.NewNop(), position.New(baseCfg()))
}

func longSignal() types.Signal {
	return types.Signal{
		ID: "sig-1", CorrelationID: "corr-1", Symbol: "BTCUSDT", Side: types.PositionSideLong,
		Entry: dec(100), StopLoss: dec(95),
	}
}

func longFill() types.ExecutedTrade {
	return types.ExecutedTrade{Symbol: "BTCUSDT", Side: types.SideBuy, Quantity: dec(1), AvgPrice: dec(100), SlicesFilled: 1, CorrelationID: "corr-1"}
}

func twoTPSchedule() []types.TPLevel {
	return []types.TPLevel{
		{RewardMultiple: 2, SizePct: 0.5, Price: dec(110), OriginalPrice: dec(110)},
		{RewardMultiple: 4, SizePct: 0.5, Price: dec(120), OriginalPrice: dec(120)},
	}
}

func TestOpenCreatesPositionInEntryConfirmation(t *testing.T) {
	m := newManager()
	pos, err := m.Open(longSignal(), longFill(), twoTPSchedule(), 1000)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if pos.FSMState != types.PositionEntryConfirmation {
		t.Fatalf("expected a new position to start in entry_confirmation, got %s", pos.FSMState)
	}
	if pos.CorrelationID != "corr-1" {
		t.Fatalf("expected the signal's correlation ID on the position, got %q", pos.CorrelationID)
	}
	if m.OpenCount() != 1 {
		t.Fatalf("expected 1 open position, got %d", m.OpenCount())
	}
}

func TestOpenRejectsZeroFill(t *testing.T) {
	m := newManager()
	fill := longFill()
	fill.Quantity = dec(0)
	if _, err := m.Open(longSignal(), fill, twoTPSchedule(), 1000); err == nil {
		t.Fatalf("expected a zero-quantity fill to be a contract violation")
	}
}

func TestOpenRejectsNonMonotoneSchedule(t *testing.T) {
	m := newManager()
	bad := twoTPSchedule()
	bad[1].Price = dec(105) // below tp1 on a long
	if _, err := m.Open(longSignal(), longFill(), bad, 1000); err == nil {
		t.Fatalf("expected a non-monotone TP ladder to be rejected")
	}
}

func TestTPHitReducesQuantityAndEmitsLimitAction(t *testing.T) {
	m := newManager()
	if _, err := m.Open(longSignal(), longFill(), twoTPSchedule(), 0); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// Price touches tp1 at 110: half the position comes off as a limit order.
	actions := m.Update("BTCUSDT", position.MarketState{Price: dec(110), NowMs: 60000}, true)
	if len(actions) != 1 {
		t.Fatalf("expected exactly one reduce action, got %d", len(actions))
	}
	a := actions[0]
	if a.Side != types.SideSell || a.OrderType != "limit" || !a.Quantity.Equal(dec(0.5)) {
		t.Fatalf("expected a sell-limit for 0.5, got side=%s type=%s qty=%s", a.Side, a.OrderType, a.Quantity)
	}
	if a.CorrelationID != "corr-1" {
		t.Fatalf("expected the correlation ID to ride the reduce action, got %q", a.CorrelationID)
	}

	positions := m.OpenPositions()
	if len(positions) != 1 {
		t.Fatalf("expected the position to stay open after a partial, got %d", len(positions))
	}
	hit, remaining := positions[0].FilledSizePct()
	if sum := hit + remaining; sum < 0.999999 || sum > 1.000001 {
		t.Fatalf("expected hit+remaining to sum to 1, got %f", sum)
	}
}

func TestImmediateExitClosesEntirePositionAtMarket(t *testing.T) {
	m := newManager()
	if _, err := m.Open(longSignal(), longFill(), twoTPSchedule(), 0); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// Past the failed-breakout timeout with no favorable move: immediate market exit.
	actions := m.Update("BTCUSDT", position.MarketState{Price: dec(100), NowMs: 301_000}, false)
	if len(actions) != 1 {
		t.Fatalf("expected one exit action, got %d", len(actions))
	}
	if actions[0].OrderType != "market" || actions[0].Urgency != types.ExitUrgencyImmediate {
		t.Fatalf("expected an immediate market exit, got type=%s urgency=%s", actions[0].OrderType, actions[0].Urgency)
	}
	if m.OpenCount() != 0 {
		t.Fatalf("expected the position to be closed and removed, got %d open", m.OpenCount())
	}
}

func TestUpdateIgnoresOtherSymbols(t *testing.T) {
	m := newManager()
	if _, err := m.Open(longSignal(), longFill(), twoTPSchedule(), 0); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if actions := m.Update("ETHUSDT", position.MarketState{Price: dec(110), NowMs: 60000}, true); len(actions) != 0 {
		t.Fatalf("expected no actions for an unrelated symbol, got %d", len(actions))
	}
}

func TestOperatorCloseEmitsMarketActionAndRemovesPosition(t *testing.T) {
	m := newManager()
	pos, err := m.Open(longSignal(), longFill(), twoTPSchedule(), 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	a, err := m.Close(pos.ID, 1, 5000)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if a.OrderType != "market" || !a.Quantity.Equal(dec(1)) {
		t.Fatalf("expected a full market close, got type=%s qty=%s", a.OrderType, a.Quantity)
	}
	if m.OpenCount() != 0 {
		t.Fatalf("expected the table to be empty after a full close, got %d", m.OpenCount())
	}
}

func TestTransitionHistoryIsAppendOnlyAndOrdered(t *testing.T) {
	m := newManager()
	pos, err := m.Open(longSignal(), longFill(), twoTPSchedule(), 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// Two confirmation bars, then a favorable run to breakeven territory.
	m.Update("BTCUSDT", position.MarketState{Price: dec(101), NowMs: 60_000}, true)
	m.Update("BTCUSDT", position.MarketState{Price: dec(101), NowMs: 120_000}, true)
	m.Update("BTCUSDT", position.MarketState{Price: dec(106), NowMs: 180_000}, false)

	trs := m.Transitions(pos.ID)
	if len(trs) < 3 {
		t.Fatalf("expected open + confirmation + breakeven transitions, got %d: %+v", len(trs), trs)
	}
	for i := 1; i < len(trs); i++ {
		if trs[i].TimestampMs < trs[i-1].TimestampMs {
			t.Fatalf("expected transition history ordered by time")
		}
	}
}

func TestSnapshotIsACopy(t *testing.T) {
	m := newManager()
	pos, err := m.Open(longSignal(), longFill(), twoTPSchedule(), 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	snap, ok := m.Snapshot(pos.ID)
	if !ok {
		t.Fatalf("expected the position to be snapshottable")
	}
	snap.TPSchedule[0].Hit = true
	again, _ := m.Snapshot(pos.ID)
	if again.TPSchedule[0].Hit {
		t.Fatalf("expected snapshot mutation to not leak back into the owned record")
	}
}
