package types_test

import (
	"testing"

	"github.com/atlas-desktop/breakout-engine/pkg/types"
	"github.com/shopspring/decimal"
)

func dec(f float64) decimal.Decimal { return decimal.NewFromFloat(f) }

func TestCandleValidRejectsNegativeVolume(t *testing.T) {
	c := types.Candle{Open: dec(1), High: dec(2), Low: dec(1), Close: dec(1.5), Volume: dec(-1)}
	if c.Valid() {
		t.Fatalf("expected negative volume to be invalid")
	}
}

func TestCandleValidRejectsInvertedRange(t *testing.T) {
	c := types.Candle{Open: dec(1), High: dec(0.5), Low: dec(1), Close: dec(1.5), Volume: dec(1)}
	if c.Valid() {
		t.Fatalf("expected high < low to be invalid")
	}
}

func TestCandleValidAcceptsConsistentOHLC(t *testing.T) {
	c := types.Candle{Open: dec(1), High: dec(2), Low: dec(0.5), Close: dec(1.5), Volume: dec(1)}
	if !c.Valid() {
		t.Fatalf("expected a consistent OHLC candle to be valid")
	}
}

func TestTradeValidRequiresPositivePriceAndAmount(t *testing.T) {
	if (types.Trade{Price: dec(0), Amount: dec(1)}).Valid() {
		t.Fatalf("expected a zero price to be invalid")
	}
	if !(types.Trade{Price: dec(1), Amount: dec(1)}).Valid() {
		t.Fatalf("expected a positive price/amount to be valid")
	}
}

func TestBookSnapshotBestBidAskEmptySide(t *testing.T) {
	snap := types.BookSnapshot{Bids: []types.BookLevel{{Price: dec(100), Size: dec(1)}}}
	if _, _, ok := snap.BestBidAsk(); ok {
		t.Fatalf("expected an empty ask side to make best bid/ask unavailable")
	}
}

func TestBookSnapshotMidPriceAndSpreadBps(t *testing.T) {
	snap := types.BookSnapshot{
		Bids: []types.BookLevel{{Price: dec(100), Size: dec(1)}},
		Asks: []types.BookLevel{{Price: dec(102), Size: dec(1)}},
	}
	mid, ok := snap.MidPrice()
	if !ok || !mid.Equal(dec(101)) {
		t.Fatalf("expected mid price 101, got %s", mid)
	}
	spread, ok := snap.SpreadBps()
	if !ok {
		t.Fatalf("expected spread to be computable")
	}
	// (102-100)/101 * 10000 ~= 198.02
	if spread.LessThan(dec(195)) || spread.GreaterThan(dec(200)) {
		t.Fatalf("unexpected spread bps: %s", spread)
	}
}

func TestBookSnapshotConsistentRejectsCrossedBook(t *testing.T) {
	snap := types.BookSnapshot{
		Bids: []types.BookLevel{{Price: dec(102), Size: dec(1)}},
		Asks: []types.BookLevel{{Price: dec(100), Size: dec(1)}},
	}
	if snap.Consistent() {
		t.Fatalf("expected a crossed book (bid > ask) to be inconsistent")
	}
}

func TestBookSnapshotConsistentEmptyBookIsConsistent(t *testing.T) {
	if !(types.BookSnapshot{}).Consistent() {
		t.Fatalf("expected an empty book to be considered consistent (unusable, not invalid)")
	}
}

func TestSignalValidOrderingLong(t *testing.T) {
	sig := types.Signal{
		Side: types.PositionSideLong, Entry: dec(100), StopLoss: dec(95),
		TPSchedule: []types.TPLevel{{Price: dec(105)}, {Price: dec(110)}},
	}
	if !sig.ValidOrdering() {
		t.Fatalf("expected a correctly ordered long signal to validate")
	}
}

func TestSignalValidOrderingRejectsStopAboveEntryOnLong(t *testing.T) {
	sig := types.Signal{
		Side: types.PositionSideLong, Entry: dec(100), StopLoss: dec(105),
		TPSchedule: []types.TPLevel{{Price: dec(110)}},
	}
	if sig.ValidOrdering() {
		t.Fatalf("expected a long signal with stop above entry to be rejected")
	}
}

func TestSignalValidOrderingShort(t *testing.T) {
	sig := types.Signal{
		Side: types.PositionSideShort, Entry: dec(100), StopLoss: dec(105),
		TPSchedule: []types.TPLevel{{Price: dec(95)}, {Price: dec(90)}},
	}
	if !sig.ValidOrdering() {
		t.Fatalf("expected a correctly ordered short signal to validate")
	}
}

func TestSignalValidOrderingRejectsEmptyTPSchedule(t *testing.T) {
	sig := types.Signal{Side: types.PositionSideLong, Entry: dec(100), StopLoss: dec(95)}
	if sig.ValidOrdering() {
		t.Fatalf("expected an empty TP schedule to be rejected")
	}
}

func TestPositionFilledSizePct(t *testing.T) {
	pos := types.Position{QuantityInitial: dec(10), QuantityRemaining: dec(4)}
	hit, remaining := pos.FilledSizePct()
	if hit != 0.6 || remaining != 0.4 {
		t.Fatalf("expected hit=0.6 remaining=0.4, got hit=%f remaining=%f", hit, remaining)
	}
}

func TestPositionFilledSizePctZeroInitialIsZero(t *testing.T) {
	pos := types.Position{}
	hit, remaining := pos.FilledSizePct()
	if hit != 0 || remaining != 0 {
		t.Fatalf("expected zero/zero for a zero initial quantity, got hit=%f remaining=%f", hit, remaining)
	}
}
