package position

import (
	"fmt"
	"sync"

	"github.com/atlas-desktop/breakout-engine/pkg/types"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Action is an instruction the manager hands back to the execution layer: reduce or close a
// position. Side is already flipped to the closing order's direction.
type Action struct {
	PositionID    string
	CorrelationID string
	Symbol        string
	Side          types.Side
	Quantity      decimal.Decimal
	Price         decimal.Decimal // limit price for limit closes; zero means "at market"
	EntryPrice    decimal.Decimal // the position's entry, for realized-PnL settlement
	OrderType     string          // "market" | "limit"
	Reason        string
	Urgency       types.ExitUrgency
}

// Manager exclusively owns the open-position table. All mutation happens here, driven by the
// per-position FSM; every other component only ever sees copied snapshots.
type Manager struct {
	logger *zap.Logger
	fsm    *FSM

	mu          sync.Mutex
	open        map[string]*types.Position
	transitions map[string][]types.StateTransition
	history     []types.StateTransition
}

// NewManager constructs the position table around a configured FSM.
func NewManager(logger *zap.Logger, fsm *FSM) *Manager {
	return &Manager{
		logger:      logger.Named("position.manager"),
		fsm:         fsm,
		open:        map[string]*types.Position{},
		transitions: map[string][]types.StateTransition{},
	}
}

// Open creates a position from a filled execution. The TP schedule must already be validated
// (monotone, sizes summing to ~1.0); a violating schedule is a contract violation here, not a
// soft rejection, because sizing approved it upstream.
func (m *Manager) Open(sig types.Signal, fill types.ExecutedTrade, schedule []types.TPLevel, nowMs int64) (types.Position, error) {
	if fill.Quantity.IsZero() {
		return types.Position{}, types.NewContractError("position_open", "zero filled quantity")
	}
	if !monotone(schedule, sig.Side) {
		return types.Position{}, types.NewContractError("tp_schedule_monotone", "take-profit ladder not monotone in the favorable direction")
	}

	pos := &types.Position{
		ID:                    uuid.New().String(),
		CorrelationID:         sig.CorrelationID,
		Symbol:                sig.Symbol,
		Side:                  sig.Side,
		EntryPrice:            fill.AvgPrice,
		QuantityInitial:       fill.Quantity,
		QuantityRemaining:     fill.Quantity,
		StopLossCurrent:       sig.StopLoss,
		OriginalStopLoss:      sig.StopLoss,
		OpenedTs:              nowMs,
		FSMState:              types.PositionEntryConfirmation,
		TPSchedule:            append([]types.TPLevel(nil), schedule...),
		HighestFavorablePrice: fill.AvgPrice,
		LowestFavorablePrice:  fill.AvgPrice,
	}

	m.mu.Lock()
	m.open[pos.ID] = pos
	m.record(pos.ID, "", string(pos.FSMState), nowMs, "position opened", nil)
	m.mu.Unlock()

	m.logger.Info("position opened", zap.String("id", pos.ID), zap.String("symbol", pos.Symbol),
		zap.String("side", string(pos.Side)), zap.String("entry", pos.EntryPrice.String()),
		zap.String("quantity", pos.QuantityInitial.String()), zap.String("correlation_id", pos.CorrelationID))
	return *pos, nil
}

// Update runs one FSM step for every open position on the given symbol and returns the
// resulting reduce/close actions. OnBar counters and favorable extremes are advanced first so
// the FSM evaluates against current values.
func (m *Manager) Update(symbol string, state MarketState, barClosed bool) []Action {
	m.mu.Lock()
	defer m.mu.Unlock()

	var actions []Action
	for _, pos := range m.open {
		if pos.Symbol != symbol {
			continue
		}
		if barClosed {
			pos.BarsSinceEntry++
		}
		advanceExtremes(pos, state.Price)

		t := m.fsm.Update(*pos, state)
		actions = append(actions, m.apply(pos, t, state)...)
	}
	for id, pos := range m.open {
		if pos.FSMState == types.PositionClosed {
			delete(m.open, id)
		}
	}
	return actions
}

// apply mutates pos per the transition and collects any resulting execution actions.
// Caller holds m.mu.
func (m *Manager) apply(pos *types.Position, t Transition, state MarketState) []Action {
	var actions []Action

	if t.StopChanged && !t.NewStopLoss.IsZero() {
		pos.StopLossCurrent = t.NewStopLoss
		if t.NewState == types.PositionBreakeven {
			pos.BreakevenMoved = true
		}
	}

	if t.TPHitIndex >= 0 && t.TPHitIndex < len(pos.TPSchedule) {
		tp := &pos.TPSchedule[t.TPHitIndex]
		tp.Hit = true
		reduceQty := pos.QuantityInitial.Mul(decimal.NewFromFloat(tp.SizePct))
		reduceQty = decimal.Min(reduceQty, pos.QuantityRemaining)
		pos.QuantityRemaining = pos.QuantityRemaining.Sub(reduceQty)
		actions = append(actions, Action{
			PositionID: pos.ID, CorrelationID: pos.CorrelationID, Symbol: pos.Symbol,
			Side: closingSide(pos.Side), Quantity: reduceQty, Price: tp.Price,
			EntryPrice: pos.EntryPrice, OrderType: "limit",
			Reason:  fmt.Sprintf("tp%d hit at %s", t.TPHitIndex+1, tp.Price.String()),
			Urgency: types.ExitUrgencyNormal,
		})
	}

	// An exit hands the whole remaining quantity to the execution layer exactly once: market
	// for immediate urgency, limit for a graceful close. The caller reports the fill back via
	// the ledger, not via this table.
	if t.ExitSignal != nil && !pos.QuantityRemaining.IsZero() {
		orderType := "limit"
		if t.ExitSignal.Urgency == types.ExitUrgencyImmediate {
			orderType = "market"
		}
		actions = append(actions, Action{
			PositionID: pos.ID, CorrelationID: pos.CorrelationID, Symbol: pos.Symbol,
			Side: closingSide(pos.Side), Quantity: pos.QuantityRemaining, EntryPrice: pos.EntryPrice,
			OrderType: orderType,
			Reason:    t.ExitSignal.RuleName + ": " + t.ExitSignal.Reason, Urgency: t.ExitSignal.Urgency,
		})
		pos.QuantityRemaining = decimal.Zero
	}

	newState := t.NewState
	if pos.QuantityRemaining.IsZero() {
		newState = types.PositionClosed
	}
	if newState != pos.FSMState {
		m.record(pos.ID, string(pos.FSMState), string(newState), state.NowMs, transitionReason(t), nil)
		if newState == types.PositionTrailing {
			pos.TrailingActive = true
		}
		pos.FSMState = newState
	}
	return actions
}

func transitionReason(t Transition) string {
	switch {
	case t.ExitSignal != nil:
		return t.ExitSignal.RuleName
	case t.TPHitIndex >= 0:
		return fmt.Sprintf("tp%d hit", t.TPHitIndex+1)
	default:
		return "fsm update"
	}
}

// Close force-closes fraction (0 < fraction <= 1, 0 meaning all) of a position, for the
// operator's close_position command. Returns the resulting market-order action.
func (m *Manager) Close(id string, fraction float64, nowMs int64) (Action, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	pos, ok := m.open[id]
	if !ok {
		return Action{}, fmt.Errorf("position %s not found", id)
	}
	if fraction <= 0 || fraction > 1 {
		fraction = 1
	}
	qty := pos.QuantityRemaining.Mul(decimal.NewFromFloat(fraction))
	pos.QuantityRemaining = pos.QuantityRemaining.Sub(qty)
	if pos.QuantityRemaining.IsZero() {
		m.record(id, string(pos.FSMState), string(types.PositionClosed), nowMs, "operator close", nil)
		pos.FSMState = types.PositionClosed
		delete(m.open, id)
	}
	return Action{
		PositionID: id, CorrelationID: pos.CorrelationID, Symbol: pos.Symbol,
		Side: closingSide(pos.Side), Quantity: qty, EntryPrice: pos.EntryPrice, OrderType: "market",
		Reason: "operator close_position", Urgency: types.ExitUrgencyImmediate,
	}, nil
}

// CloseAll force-closes every open position at market, for panic_close_all_on_kill.
func (m *Manager) CloseAll(nowMs int64) []Action {
	m.mu.Lock()
	ids := make([]string, 0, len(m.open))
	for id := range m.open {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	var actions []Action
	for _, id := range ids {
		a, err := m.Close(id, 1, nowMs)
		if err == nil {
			actions = append(actions, a)
		}
	}
	return actions
}

// Snapshot returns a copy of one position.
func (m *Manager) Snapshot(id string) (types.Position, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	pos, ok := m.open[id]
	if !ok {
		return types.Position{}, false
	}
	return clonePosition(pos), true
}

// OpenPositions returns copies of every open position.
func (m *Manager) OpenPositions() []types.Position {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]types.Position, 0, len(m.open))
	for _, pos := range m.open {
		out = append(out, clonePosition(pos))
	}
	return out
}

// OpenCount reports the number of open positions.
func (m *Manager) OpenCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.open)
}

// Transitions returns the append-only transition history for one position.
func (m *Manager) Transitions(id string) []types.StateTransition {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]types.StateTransition(nil), m.transitions[id]...)
}

// record appends to both the per-position and global transition histories. Caller holds m.mu.
func (m *Manager) record(id, from, to string, nowMs int64, reason string, meta map[string]string) {
	tr := types.StateTransition{FromState: from, ToState: to, TimestampMs: nowMs, Reason: reason, Metadata: meta}
	m.transitions[id] = append(m.transitions[id], tr)
	m.history = append(m.history, tr)
}

func advanceExtremes(pos *types.Position, price decimal.Decimal) {
	if price.IsZero() {
		return
	}
	if price.GreaterThan(pos.HighestFavorablePrice) {
		pos.HighestFavorablePrice = price
	}
	if price.LessThan(pos.LowestFavorablePrice) || pos.LowestFavorablePrice.IsZero() {
		pos.LowestFavorablePrice = price
	}
}

func closingSide(side types.PositionSide) types.Side {
	if side == types.PositionSideLong {
		return types.SideSell
	}
	return types.SideBuy
}

func clonePosition(pos *types.Position) types.Position {
	cp := *pos
	cp.TPSchedule = append([]types.TPLevel(nil), pos.TPSchedule...)
	return cp
}
