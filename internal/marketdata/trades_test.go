package marketdata_test

import (
	"testing"

	"github.com/atlas-desktop/breakout-engine/internal/marketdata"
	"github.com/atlas-desktop/breakout-engine/pkg/types"
	"github.com/shopspring/decimal"
)

func dec(f float64) decimal.Decimal { return decimal.NewFromFloat(f) }

func trade(ts int64, side types.Side, amount float64) types.Trade {
	return types.Trade{Symbol: "BTCUSDT", TimestampMs: ts, Price: dec(100), Amount: dec(amount), Side: side}
}

func TestTPMCountsTradesInWindow(t *testing.T) {
	a := marketdata.NewTradesAggregator()
	a.Subscribe("BTCUSDT")
	for i := int64(0); i < 10; i++ {
		a.OnTrade(trade(i*1000, types.SideBuy, 1))
	}
	tpm, err := a.TPM("BTCUSDT", "10s")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	// 10 trades over a 10s window = 60 trades/minute
	if tpm < 59 || tpm > 61 {
		t.Fatalf("expected tpm ~60, got %f", tpm)
	}
}

func TestTPMWithNoTradesIsZeroNotError(t *testing.T) {
	a := marketdata.NewTradesAggregator()
	a.Subscribe("BTCUSDT")
	tpm, err := a.TPM("BTCUSDT", "10s")
	if err != nil {
		t.Fatalf("expected a subscribed symbol with no trades to not error, got %v", err)
	}
	if tpm != 0 {
		t.Fatalf("expected tpm 0 for an empty trade window, got %f", tpm)
	}
}

func TestOnTradeEvictsExpiredEntries(t *testing.T) {
	a := marketdata.NewTradesAggregator()
	a.Subscribe("BTCUSDT")
	a.OnTrade(trade(0, types.SideBuy, 1))
	a.OnTrade(trade(20000, types.SideBuy, 1)) // 20s later, outside the 10s window

	tpm, _ := a.TPM("BTCUSDT", "10s")
	// Only the second trade should remain in the 10s window.
	if tpm < 5 || tpm > 7 {
		t.Fatalf("expected only the most recent trade within the 10s window, got tpm=%f", tpm)
	}
}

func TestOnTradeDropsOutOfOrder(t *testing.T) {
	a := marketdata.NewTradesAggregator()
	a.Subscribe("BTCUSDT")
	a.OnTrade(trade(5000, types.SideBuy, 1))
	a.OnTrade(trade(1000, types.SideBuy, 1)) // arrives out of order

	if a.OutOfOrderDropped() != 1 {
		t.Fatalf("expected 1 out-of-order trade dropped, got %d", a.OutOfOrderDropped())
	}
}

func TestVolumeDeltaSigned(t *testing.T) {
	a := marketdata.NewTradesAggregator()
	a.Subscribe("BTCUSDT")
	a.OnTrade(trade(0, types.SideBuy, 10))
	a.OnTrade(trade(1000, types.SideSell, 4))

	delta, err := a.VolumeDelta("BTCUSDT", "60s")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !delta.Equal(dec(6)) {
		t.Fatalf("expected volume delta 6 (10 buy - 4 sell), got %s", delta)
	}
}

func TestBuySellRatioAvoidsDivideByZero(t *testing.T) {
	a := marketdata.NewTradesAggregator()
	a.Subscribe("BTCUSDT")
	a.OnTrade(trade(0, types.SideBuy, 5))

	ratio, err := a.BuySellRatio("BTCUSDT", "60s")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ratio <= 0 {
		t.Fatalf("expected a large finite positive ratio with zero sell volume, got %f", ratio)
	}
}

func TestQueryUnsubscribedSymbolReturnsError(t *testing.T) {
	a := marketdata.NewTradesAggregator()
	if _, err := a.TPM("UNKNOWN", "60s"); err != types.ErrNotSubscribed {
		t.Fatalf("expected ErrNotSubscribed for an unknown symbol, got %v", err)
	}
}
