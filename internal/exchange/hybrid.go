package exchange

import (
	"context"

	"github.com/atlas-desktop/breakout-engine/pkg/types"
	"github.com/shopspring/decimal"
)

// Hybrid routes market-data calls to one adapter and order calls to another. Paper mode runs
// live exchange data against the simulated fill engine this way; both sides still satisfy the
// full Adapter contract on their own.
type Hybrid struct {
	Data   Adapter
	Orders Adapter
}

// NewHybrid composes a market-data adapter with an order-execution adapter.
func NewHybrid(data, orders Adapter) *Hybrid {
	return &Hybrid{Data: data, Orders: orders}
}

func (h *Hybrid) Name() string { return h.Data.Name() + "+" + h.Orders.Name() }

func (h *Hybrid) Connect(ctx context.Context) error {
	if err := h.Data.Connect(ctx); err != nil {
		return err
	}
	return h.Orders.Connect(ctx)
}

func (h *Hybrid) Disconnect() error {
	dataErr := h.Data.Disconnect()
	if err := h.Orders.Disconnect(); err != nil {
		return err
	}
	return dataErr
}

func (h *Hybrid) IsConnected() bool { return h.Data.IsConnected() && h.Orders.IsConnected() }

func (h *Hybrid) FetchMarkets(ctx context.Context) ([]Market, error) {
	return h.Data.FetchMarkets(ctx)
}

func (h *Hybrid) FetchOHLCV(ctx context.Context, symbol string, tf types.Timeframe, limit int) ([]types.Candle, error) {
	return h.Data.FetchOHLCV(ctx, symbol, tf, limit)
}

func (h *Hybrid) FetchTicker(ctx context.Context, symbol string) (types.BookSnapshot, error) {
	return h.Data.FetchTicker(ctx, symbol)
}

func (h *Hybrid) SubscribeTrades(ctx context.Context, symbol string, cb TradeCallback) error {
	return h.Data.SubscribeTrades(ctx, symbol, cb)
}

func (h *Hybrid) SubscribeBook(ctx context.Context, symbol string, depth int, cb BookCallback) error {
	return h.Data.SubscribeBook(ctx, symbol, depth, cb)
}

func (h *Hybrid) CreateOrder(ctx context.Context, req OrderRequest) (OrderAck, error) {
	return h.Orders.CreateOrder(ctx, req)
}

func (h *Hybrid) CancelOrder(ctx context.Context, orderID string) error {
	return h.Orders.CancelOrder(ctx, orderID)
}

func (h *Hybrid) FetchOrder(ctx context.Context, orderID string) (OrderState, error) {
	return h.Orders.FetchOrder(ctx, orderID)
}

func (h *Hybrid) FetchBalance(ctx context.Context, asset string) (decimal.Decimal, error) {
	return h.Orders.FetchBalance(ctx, asset)
}

// UpdateBook forwards a book refresh to the order side when it synthesizes fills from a cached
// book (the paper exchange does).
func (h *Hybrid) UpdateBook(snap types.BookSnapshot) {
	if feeder, ok := h.Orders.(interface{ UpdateBook(types.BookSnapshot) }); ok {
		feeder.UpdateBook(snap)
	}
}

var _ Adapter = (*Hybrid)(nil)
