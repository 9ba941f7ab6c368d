// Package exchange implements the unified exchange connector abstraction (C1): market data
// plus order placement against one exchange, either live or simulated/"paper". Rate-limiting,
// reconnect, and client-order-id idempotency live here so every other component depends only
// on the Adapter interface, never on a vendor SDK.
package exchange

import (
	"context"

	"github.com/atlas-desktop/breakout-engine/pkg/types"
	"github.com/shopspring/decimal"
)

// Market describes one tradable symbol's exchange metadata.
type Market struct {
	Symbol      string
	Base        string
	Quote       string
	PriceTick   decimal.Decimal
	QtyStep     decimal.Decimal
	MinNotional decimal.Decimal
	MarketType  types.MarketType
}

// OrderType is the order placement style, per spec §6.
type OrderType string

const (
	OrderTypeMarket   OrderType = "market"
	OrderTypeLimit    OrderType = "limit"
	OrderTypePostOnly OrderType = "post_only"
)

// OrderRequest is the input to CreateOrder.
type OrderRequest struct {
	Symbol        string
	Side          types.Side
	Type          OrderType
	Quantity      decimal.Decimal
	Price         decimal.Decimal // zero for market orders
	ClientOrderID string
}

// OrderAck is the exchange's acknowledgement of an accepted order.
type OrderAck struct {
	OrderID       string
	ClientOrderID string
}

// OrderStatus mirrors the exchange's view of an order's fill state.
type OrderStatus string

const (
	OrderStatusOpen     OrderStatus = "open"
	OrderStatusFilled   OrderStatus = "filled"
	OrderStatusPartial  OrderStatus = "partial"
	OrderStatusCanceled OrderStatus = "canceled"
	OrderStatusRejected OrderStatus = "rejected"
)

// OrderState is the reconciliation view returned by FetchOrder.
type OrderState struct {
	OrderID      string
	ClientOrderID string
	Symbol       string
	Status       OrderStatus
	FilledQty    decimal.Decimal
	AvgPrice     decimal.Decimal
}

// TradeCallback and BookCallback are the event-driven subscription callbacks. The adapter
// pushes one value per event; callers must not block inside the callback for long (the
// marketdata package only enqueues into its own bounded channels).
type TradeCallback func(types.Trade)
type BookCallback func(types.BookSnapshot)

// Adapter is the capability set the core depends on, per spec §6. Neither the live Binance
// adapter nor the paper adapter exposes anything beyond this surface.
type Adapter interface {
	Name() string
	Connect(ctx context.Context) error
	Disconnect() error
	IsConnected() bool

	FetchMarkets(ctx context.Context) ([]Market, error)
	FetchOHLCV(ctx context.Context, symbol string, tf types.Timeframe, limit int) ([]types.Candle, error)
	FetchTicker(ctx context.Context, symbol string) (types.BookSnapshot, error)

	SubscribeTrades(ctx context.Context, symbol string, cb TradeCallback) error
	SubscribeBook(ctx context.Context, symbol string, depth int, cb BookCallback) error

	CreateOrder(ctx context.Context, req OrderRequest) (OrderAck, error)
	CancelOrder(ctx context.Context, orderID string) error
	FetchOrder(ctx context.Context, orderID string) (OrderState, error)

	FetchBalance(ctx context.Context, asset string) (decimal.Decimal, error)
}
