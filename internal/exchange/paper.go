package exchange

import (
	"context"
	"fmt"
	"sync"

	"github.com/atlas-desktop/breakout-engine/pkg/types"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// PaperConfig configures the simulated exchange's fill model.
type PaperConfig struct {
	StartingBalanceUSD decimal.Decimal
	SlippageBps        decimal.Decimal // applied against the touch in the adverse direction
	CommissionRate     decimal.Decimal // fraction of notional, e.g. 0.001 = 0.1%
}

// DefaultPaperConfig mirrors the teacher's simulateExecution constants (0.1% commission, 2 bps
// of slippage applied in full as a deterministic adverse offset from the touch).
func DefaultPaperConfig(startingBalance decimal.Decimal) PaperConfig {
	return PaperConfig{
		StartingBalanceUSD: startingBalance,
		SlippageBps:        decimal.NewFromFloat(2),
		CommissionRate:     decimal.NewFromFloat(0.001),
	}
}

type paperOrder struct {
	state OrderState
}

// PaperExchange implements Adapter with synthesized fills, per spec §6's simulated exchange
// contract: same capability set as live, fills at the touch with deterministic slippage, no
// real orders sent, client_order_ids always returned.
type PaperExchange struct {
	logger *zap.Logger
	cfg    PaperConfig

	mu       sync.RWMutex
	balances map[string]decimal.Decimal
	books    map[string]types.BookSnapshot
	orders   map[string]*paperOrder
	connected bool
}

// NewPaperExchange constructs a simulated exchange whose starting cash balance is read from the
// preset's paper_starting_balance, never zero, per spec §4.8's paper-mode initialization contract.
func NewPaperExchange(logger *zap.Logger, cfg PaperConfig) *PaperExchange {
	return &PaperExchange{
		logger:   logger.Named("exchange.paper"),
		cfg:      cfg,
		balances: map[string]decimal.Decimal{"USD": cfg.StartingBalanceUSD},
		books:    make(map[string]types.BookSnapshot),
		orders:   make(map[string]*paperOrder),
	}
}

func (p *PaperExchange) Name() string { return "paper" }

func (p *PaperExchange) Connect(ctx context.Context) error {
	p.mu.Lock()
	p.connected = true
	p.mu.Unlock()
	return nil
}

func (p *PaperExchange) Disconnect() error {
	p.mu.Lock()
	p.connected = false
	p.mu.Unlock()
	return nil
}

func (p *PaperExchange) IsConnected() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.connected
}

// UpdateBook feeds the paper exchange the latest known book for a symbol, so it can synthesize
// fills against a realistic touch. Called by the market-data layer on every refresh.
func (p *PaperExchange) UpdateBook(snap types.BookSnapshot) {
	p.mu.Lock()
	p.books[snap.Symbol] = snap
	p.mu.Unlock()
}

func (p *PaperExchange) FetchMarkets(ctx context.Context) ([]Market, error) {
	return nil, fmt.Errorf("%w: paper exchange has no market catalog; configure markets statically", types.ErrPermanentExchange)
}

func (p *PaperExchange) FetchOHLCV(ctx context.Context, symbol string, tf types.Timeframe, limit int) ([]types.Candle, error) {
	return nil, fmt.Errorf("%w: paper exchange serves OHLCV from the live adapter's cache only", types.ErrPermanentExchange)
}

func (p *PaperExchange) FetchTicker(ctx context.Context, symbol string) (types.BookSnapshot, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	snap, ok := p.books[symbol]
	if !ok {
		return types.BookSnapshot{}, fmt.Errorf("%w: no cached book for %s", types.ErrDataQuality, symbol)
	}
	return snap, nil
}

func (p *PaperExchange) SubscribeTrades(ctx context.Context, symbol string, cb TradeCallback) error {
	return nil
}

func (p *PaperExchange) SubscribeBook(ctx context.Context, symbol string, depth int, cb BookCallback) error {
	return nil
}

// CreateOrder synthesizes an immediate fill at the touch, offset by the configured slippage in
// the adverse direction, plus a flat commission — the deterministic fill model spec §6 requires.
func (p *PaperExchange) CreateOrder(ctx context.Context, req OrderRequest) (OrderAck, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	snap, ok := p.books[req.Symbol]
	if !ok {
		return OrderAck{}, fmt.Errorf("%w: no book to fill against for %s", types.ErrDataQuality, req.Symbol)
	}
	bid, ask, ok := snap.BestBidAsk()
	if !ok {
		return OrderAck{}, fmt.Errorf("%w: empty book for %s", types.ErrDataQuality, req.Symbol)
	}

	touch := ask.Price
	if req.Side == types.SideSell {
		touch = bid.Price
	}
	slipFrac := p.cfg.SlippageBps.Div(decimal.NewFromInt(10000))
	adverse := touch.Mul(slipFrac)
	fillPrice := touch.Add(adverse)
	if req.Side == types.SideSell {
		fillPrice = touch.Sub(adverse)
	}
	if req.Type != OrderTypeMarket && !req.Price.IsZero() {
		fillPrice = req.Price
	}

	orderID := uuid.New().String()
	clientID := req.ClientOrderID
	if clientID == "" {
		clientID = orderID
	}
	p.orders[orderID] = &paperOrder{state: OrderState{
		OrderID: orderID, ClientOrderID: clientID, Symbol: req.Symbol,
		Status: OrderStatusFilled, FilledQty: req.Quantity, AvgPrice: fillPrice,
	}}

	notional := req.Quantity.Mul(fillPrice)
	commission := notional.Mul(p.cfg.CommissionRate)
	delta := notional.Add(commission)
	if req.Side == types.SideBuy {
		p.balances["USD"] = p.balances["USD"].Sub(delta)
	} else {
		p.balances["USD"] = p.balances["USD"].Add(notional.Sub(commission))
	}

	p.logger.Debug("paper fill",
		zap.String("symbol", req.Symbol), zap.String("side", string(req.Side)),
		zap.String("price", fillPrice.String()), zap.String("qty", req.Quantity.String()))

	return OrderAck{OrderID: orderID, ClientOrderID: clientID}, nil
}

func (p *PaperExchange) CancelOrder(ctx context.Context, orderID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	o, ok := p.orders[orderID]
	if !ok {
		return fmt.Errorf("%w: unknown order %s", types.ErrPermanentExchange, orderID)
	}
	if o.state.Status == OrderStatusFilled {
		return nil
	}
	o.state.Status = OrderStatusCanceled
	return nil
}

func (p *PaperExchange) FetchOrder(ctx context.Context, orderID string) (OrderState, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	o, ok := p.orders[orderID]
	if !ok {
		return OrderState{}, fmt.Errorf("%w: unknown order %s", types.ErrPermanentExchange, orderID)
	}
	return o.state, nil
}

func (p *PaperExchange) FetchBalance(ctx context.Context, asset string) (decimal.Decimal, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.balances[asset], nil
}

var _ Adapter = (*PaperExchange)(nil)
