// Package ledger tracks realized PnL, the equity curve, and the consecutive-loss/drawdown state
// the risk manager (C9) needs on every cycle, grounded on the teacher's backtester.Portfolio
// equity-curve bookkeeping, narrowed from a simulated portfolio to a live/paper account tracker
// that also exposes the reporting statistics the teacher's backtester computed from its own
// equity curve.
package ledger

import (
	"sync"

	"github.com/atlas-desktop/breakout-engine/internal/risk"
	"github.com/atlas-desktop/breakout-engine/pkg/utils"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Ledger accumulates realized fills into an equity curve and the account-state snapshot the
// risk manager evaluates against each cycle.
type Ledger struct {
	logger *zap.Logger
	mu     sync.Mutex

	cash              decimal.Decimal
	startOfDayEquity  decimal.Decimal
	peakEquity        decimal.Decimal
	realizedLossToday decimal.Decimal
	consecutiveLosses int
	openPositions     int
	correlatedUSD     decimal.Decimal
	killSwitchEngaged bool

	equityCurve []decimal.Decimal
	closedPnL   []decimal.Decimal
}

// New constructs a ledger seeded with startingCash, mirroring the teacher's NewPortfolio.
func New(logger *zap.Logger, startingCash decimal.Decimal) *Ledger {
	return &Ledger{
		logger: logger.Named("ledger"), cash: startingCash, startOfDayEquity: startingCash,
		peakEquity: startingCash, equityCurve: []decimal.Decimal{startingCash},
	}
}

// OpenPosition records one more concurrently open position against the correlation budget.
func (l *Ledger) OpenPosition(notionalUSD decimal.Decimal) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.openPositions++
	l.correlatedUSD = l.correlatedUSD.Add(notionalUSD)
}

// RecordFill settles a closed position's realized PnL, updating cash, the equity curve, the
// consecutive-loss counter, and the drawdown peak, the way the teacher's Portfolio.Sell does.
func (l *Ledger) RecordFill(pnl, notionalUSD decimal.Decimal) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.cash = l.cash.Add(pnl)
	l.closedPnL = append(l.closedPnL, pnl)
	l.equityCurve = append(l.equityCurve, l.cash)
	l.peakEquity = utils.MaxDecimal(l.peakEquity, l.cash)

	if l.openPositions > 0 {
		l.openPositions--
	}
	l.correlatedUSD = utils.MaxDecimal(decimal.Zero, l.correlatedUSD.Sub(notionalUSD))

	if pnl.IsNegative() {
		l.realizedLossToday = l.realizedLossToday.Add(pnl.Abs())
		l.consecutiveLosses++
	} else {
		l.consecutiveLosses = 0
	}

	l.logger.Info("fill recorded", zap.String("pnl", utils.FormatMoney(pnl, "USD")),
		zap.String("equity", utils.FormatMoney(l.cash, "USD")), zap.Int("consecutive_losses", l.consecutiveLosses))
}

// ResetDay rolls the start-of-day equity forward and clears today's realized loss counter.
func (l *Ledger) ResetDay() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.startOfDayEquity = l.cash
	l.realizedLossToday = decimal.Zero
}

// EngageKillSwitch latches the externally-engaged kill switch (operator command or
// panic-close-all), independent of the risk manager's own internal latch.
func (l *Ledger) EngageKillSwitch() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.killSwitchEngaged = true
}

// AccountState snapshots the ledger into the risk manager's evaluation input.
func (l *Ledger) AccountState() risk.AccountState {
	l.mu.Lock()
	defer l.mu.Unlock()
	return risk.AccountState{
		Equity: l.cash, PeakEquity: l.peakEquity, RealizedLossToday: l.realizedLossToday,
		StartOfDayEquity: l.startOfDayEquity, ConsecutiveLosses: l.consecutiveLosses,
		OpenPositions: l.openPositions, CorrelatedNotionalUSD: l.correlatedUSD,
		KillSwitchEngaged: l.killSwitchEngaged,
	}
}

// Equity returns the current cash/equity balance.
func (l *Ledger) Equity() decimal.Decimal {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.cash
}

// Stats is a point-in-time performance report derived from the closed-trade PnL history,
// grounded on the teacher's backtester reporting surface (Sharpe/win-rate/profit-factor/
// max-drawdown over an equity curve), now computed from the live/paper trading history instead
// of a simulated one.
type Stats struct {
	TradeCount   int
	MeanPnL      decimal.Decimal
	PnLStdDev    decimal.Decimal
	SharpeRatio  decimal.Decimal
	WinRate      decimal.Decimal
	ProfitFactor decimal.Decimal
	MaxDrawdown  decimal.Decimal
}

// Stats computes the current performance report and logs it at info level.
func (l *Ledger) Stats() Stats {
	l.mu.Lock()
	pnls := append([]decimal.Decimal(nil), l.closedPnL...)
	curve := append([]decimal.Decimal(nil), l.equityCurve...)
	l.mu.Unlock()

	s := Stats{
		TradeCount:   len(pnls),
		MeanPnL:      utils.CalculateMean(pnls),
		PnLStdDev:    utils.CalculateStdDev(pnls),
		SharpeRatio:  utils.CalculateSharpeRatio(pnls, decimal.Zero, 365),
		WinRate:      utils.CalculateWinRate(pnls),
		ProfitFactor: utils.CalculateProfitFactor(pnls),
		MaxDrawdown:  utils.CalculateMaxDrawdown(curve),
	}
	l.logger.Info("performance snapshot", zap.Int("trades", s.TradeCount),
		zap.String("win_rate", s.WinRate.String()), zap.String("profit_factor", s.ProfitFactor.String()),
		zap.String("sharpe", s.SharpeRatio.String()), zap.String("max_drawdown", s.MaxDrawdown.String()))
	return s
}
