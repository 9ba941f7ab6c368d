package ledger_test

import (
	"testing"

	"github.com/atlas-desktop/breakout-engine/internal/ledger"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

func dec(f float64) decimal.Decimal { return decimal.NewFromFloat(f) }

func TestAccountStateReflectsStartingBalance(t *testing.T) {
	l := ledger.New(zap.NewNop(), dec(10000))
	st := l.AccountState()
	if !st.Equity.Equal(dec(10000)) || !st.PeakEquity.Equal(dec(10000)) || !st.StartOfDayEquity.Equal(dec(10000)) {
		t.Fatalf("expected a fresh ledger's equity/peak/start-of-day to all equal the starting balance, got %+v", st)
	}
}

func TestRecordFillUpdatesEquityAndConsecutiveLosses(t *testing.T) {
	l := ledger.New(zap.NewNop(), dec(10000))
	l.OpenPosition(dec(1000))
	l.RecordFill(dec(-100), dec(1000))

	st := l.AccountState()
	if !st.Equity.Equal(dec(9900)) {
		t.Fatalf("expected equity 9900 after a -100 fill, got %s", st.Equity)
	}
	if st.ConsecutiveLosses != 1 {
		t.Fatalf("expected one consecutive loss, got %d", st.ConsecutiveLosses)
	}
	if st.OpenPositions != 0 {
		t.Fatalf("expected the open position to be closed out, got %d open", st.OpenPositions)
	}
	if !st.RealizedLossToday.Equal(dec(100)) {
		t.Fatalf("expected realized loss today of 100, got %s", st.RealizedLossToday)
	}
}

func TestRecordFillWinResetsConsecutiveLosses(t *testing.T) {
	l := ledger.New(zap.NewNop(), dec(10000))
	l.RecordFill(dec(-50), decimal.Zero)
	l.RecordFill(dec(200), decimal.Zero)

	st := l.AccountState()
	if st.ConsecutiveLosses != 0 {
		t.Fatalf("expected a winning fill to reset the consecutive-loss counter, got %d", st.ConsecutiveLosses)
	}
}

func TestPeakEquityNeverDecreasesOnALosingFill(t *testing.T) {
	l := ledger.New(zap.NewNop(), dec(10000))
	l.RecordFill(dec(500), decimal.Zero)
	l.RecordFill(dec(-200), decimal.Zero)

	st := l.AccountState()
	if !st.PeakEquity.Equal(dec(10500)) {
		t.Fatalf("expected peak equity to stay at the post-win high of 10500, got %s", st.PeakEquity)
	}
}

func TestResetDayClearsRealizedLossAndRebasesStartOfDay(t *testing.T) {
	l := ledger.New(zap.NewNop(), dec(10000))
	l.RecordFill(dec(-300), decimal.Zero)
	l.ResetDay()

	st := l.AccountState()
	if !st.RealizedLossToday.IsZero() {
		t.Fatalf("expected ResetDay to clear today's realized loss, got %s", st.RealizedLossToday)
	}
	if !st.StartOfDayEquity.Equal(dec(9700)) {
		t.Fatalf("expected start-of-day equity to rebase to the current balance 9700, got %s", st.StartOfDayEquity)
	}
}

func TestEngageKillSwitchPropagatesToAccountState(t *testing.T) {
	l := ledger.New(zap.NewNop(), dec(10000))
	l.EngageKillSwitch()
	if !l.AccountState().KillSwitchEngaged {
		t.Fatalf("expected the kill switch to be reflected in the account state")
	}
}

func TestStatsComputesWinRateAndProfitFactor(t *testing.T) {
	l := ledger.New(zap.NewNop(), dec(10000))
	l.RecordFill(dec(100), decimal.Zero)
	l.RecordFill(dec(-50), decimal.Zero)
	l.RecordFill(dec(50), decimal.Zero)

	s := l.Stats()
	if s.TradeCount != 3 {
		t.Fatalf("expected 3 closed trades, got %d", s.TradeCount)
	}
	if !s.WinRate.Equal(decimal.NewFromFloat(2.0 / 3.0)) {
		t.Fatalf("expected a 2/3 win rate, got %s", s.WinRate)
	}
	if !s.ProfitFactor.Equal(dec(3)) {
		t.Fatalf("expected profit factor 150/50=3, got %s", s.ProfitFactor)
	}
}

func TestStatsOnEmptyHistoryIsAllZero(t *testing.T) {
	l := ledger.New(zap.NewNop(), dec(10000))
	s := l.Stats()
	if s.TradeCount != 0 || !s.WinRate.IsZero() || !s.SharpeRatio.IsZero() {
		t.Fatalf("expected an all-zero stats report with no closed trades, got %+v", s)
	}
}
