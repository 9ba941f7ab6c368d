// Package risk implements the risk manager (C9): signal validity checks, R-multiple position
// sizing, and the full chain of account-level protective limits, per spec §4.8.
package risk

import (
	"github.com/atlas-desktop/breakout-engine/internal/config"
	"github.com/atlas-desktop/breakout-engine/pkg/types"
	"github.com/atlas-desktop/breakout-engine/pkg/utils"
	"github.com/shopspring/decimal"
)

// AccountState is the subset of portfolio/account state the risk manager needs to evaluate a
// signal; the risk manager never mutates it.
type AccountState struct {
	Equity                decimal.Decimal
	PeakEquity            decimal.Decimal
	RealizedLossToday     decimal.Decimal
	StartOfDayEquity      decimal.Decimal
	ConsecutiveLosses     int
	OpenPositions         int
	CorrelatedNotionalUSD decimal.Decimal // sum of notional for currently open positions correlated to the candidate symbol
	KillSwitchEngaged     bool
}

// Manager evaluates signals against a preset's risk_config, holding no state of its own beyond
// the kill switch latch (which, once tripped, remains armed until an explicit reset).
type Manager struct {
	cfg             config.RiskConfig
	killSwitchArmed bool
}

// New constructs a risk manager bound to a preset's risk configuration.
func New(cfg config.RiskConfig) *Manager {
	return &Manager{cfg: cfg}
}

// Reset clears a previously tripped consecutive-loss kill switch. Operator-driven only.
func (m *Manager) Reset() { m.killSwitchArmed = false }

// Evaluate implements the full §4.8 evaluation chain and returns the resulting PositionSize.
// stepSize is the symbol's exchange quantity step, used to round the sized quantity down.
func (m *Manager) Evaluate(signal types.Signal, currentPrice decimal.Decimal, account AccountState, stepSize decimal.Decimal) types.PositionSize {
	if reject := m.validityChecks(signal, currentPrice, account); reject != "" {
		return types.PositionSize{IsValid: false, RejectReason: reject}
	}

	stopDistance := signal.Entry.Sub(signal.StopLoss).Abs()
	riskUSD := account.Equity.Mul(decimal.NewFromFloat(m.cfg.RiskPerTrade))
	quantity := riskUSD.Div(stopDistance)
	if !stepSize.IsZero() {
		quantity = utils.RoundToStepSize(quantity, stepSize)
	}
	notionalUSD := quantity.Mul(signal.Entry)

	if m.cfg.MaxPositionNotionalUSD != nil && notionalUSD.GreaterThan(*m.cfg.MaxPositionNotionalUSD) {
		quantity = m.cfg.MaxPositionNotionalUSD.Div(signal.Entry)
		if !stepSize.IsZero() {
			quantity = utils.RoundToStepSize(quantity, stepSize)
		}
		notionalUSD = quantity.Mul(signal.Entry)
	}

	if reject := m.limitsChecks(account); reject != "" {
		return types.PositionSize{IsValid: false, RejectReason: reject}
	}

	actualRiskUSD := quantity.Mul(stopDistance)
	riskR := 1.0
	if !riskUSD.IsZero() {
		riskR, _ = actualRiskUSD.Div(riskUSD).Float64()
	}

	return types.PositionSize{
		Quantity: quantity, NotionalUSD: notionalUSD, RiskUSD: actualRiskUSD,
		RiskR: riskR, StopDistance: stopDistance, IsValid: true,
	}
}

func (m *Manager) validityChecks(signal types.Signal, currentPrice decimal.Decimal, account AccountState) string {
	if !account.Equity.IsPositive() {
		return "account equity must be positive"
	}
	if !signal.Entry.IsPositive() || !signal.StopLoss.IsPositive() || !currentPrice.IsPositive() {
		return "entry, stop_loss, and current_price must be finite and positive"
	}
	if signal.Entry.Sub(signal.StopLoss).Abs().IsZero() {
		return "stop_distance must be greater than zero"
	}
	return ""
}

func (m *Manager) limitsChecks(account AccountState) string {
	if account.KillSwitchEngaged || m.killSwitchArmed {
		return "kill switch engaged"
	}

	if !account.StartOfDayEquity.IsZero() {
		limit := account.StartOfDayEquity.Mul(decimal.NewFromFloat(m.cfg.DailyRiskLimit))
		if account.RealizedLossToday.GreaterThanOrEqual(limit) {
			return "daily risk limit reached"
		}
	}

	if account.ConsecutiveLosses >= m.cfg.MaxConsecutiveLosses {
		m.killSwitchArmed = true
		return "consecutive-loss kill switch tripped"
	}

	if !account.CorrelatedNotionalUSD.IsZero() {
		budget := account.Equity.Mul(decimal.NewFromFloat(m.cfg.CorrelationBudget))
		if account.CorrelatedNotionalUSD.GreaterThan(budget) {
			return "correlation budget exceeded"
		}
	}

	if account.OpenPositions >= m.cfg.MaxConcurrentPositions {
		return "max concurrent positions reached"
	}

	if !account.PeakEquity.IsZero() {
		drawdown := utils.CalculateMaxDrawdown([]decimal.Decimal{account.PeakEquity, account.Equity})
		drawdownF, _ := drawdown.Float64()
		if drawdownF >= m.cfg.KillSwitchLossLimit {
			m.killSwitchArmed = true
			return "kill switch loss limit reached"
		}
	}

	return ""
}

// KillSwitchArmed reports whether the consecutive-loss or drawdown kill switch has tripped.
func (m *Manager) KillSwitchArmed() bool { return m.killSwitchArmed }
