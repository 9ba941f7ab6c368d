package exchange_test

import (
	"context"
	"testing"

	"github.com/atlas-desktop/breakout-engine/internal/exchange"
	"github.com/atlas-desktop/breakout-engine/pkg/types"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

func TestHybridRoutesOrdersToPaperSide(t *testing.T) {
	data := exchange.NewPaperExchange(zap.NewNop(), exchange.DefaultPaperConfig(decimal.NewFromInt(1)))
	orders := exchange.NewPaperExchange(zap.NewNop(), exchange.DefaultPaperConfig(decimal.NewFromInt(100000)))
	h := exchange.NewHybrid(data, orders)

	ctx := context.Background()
	if err := h.Connect(ctx); err != nil {
		t.Fatalf("unexpected connect error: %v", err)
	}
	if !h.IsConnected() {
		t.Fatalf("expected both sides connected")
	}

	// Balance comes from the order side, not the data side.
	bal, err := h.FetchBalance(ctx, "USD")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !bal.Equal(decimal.NewFromInt(100000)) {
		t.Fatalf("expected the order side's balance, got %s", bal)
	}
}

func TestHybridUpdateBookReachesOrderSide(t *testing.T) {
	data := exchange.NewPaperExchange(zap.NewNop(), exchange.DefaultPaperConfig(decimal.NewFromInt(1)))
	orders := exchange.NewPaperExchange(zap.NewNop(), exchange.DefaultPaperConfig(decimal.NewFromInt(100000)))
	h := exchange.NewHybrid(data, orders)
	ctx := context.Background()
	if err := h.Connect(ctx); err != nil {
		t.Fatalf("unexpected connect error: %v", err)
	}

	snap := types.BookSnapshot{
		Symbol: "ETH/USDT", TimestampMs: 1,
		Bids: []types.BookLevel{{Price: decimal.NewFromInt(99), Size: decimal.NewFromInt(10)}},
		Asks: []types.BookLevel{{Price: decimal.NewFromInt(101), Size: decimal.NewFromInt(10)}},
	}
	h.UpdateBook(snap)

	// A market buy against the fed book must fill: the order side saw the snapshot.
	ack, err := h.CreateOrder(ctx, exchange.OrderRequest{
		Symbol: "ETH/USDT", Side: types.SideBuy, Type: exchange.OrderTypeMarket,
		Quantity: decimal.NewFromInt(1), ClientOrderID: "hybrid-test-1",
	})
	if err != nil {
		t.Fatalf("unexpected order error: %v", err)
	}
	state, err := h.FetchOrder(ctx, ack.OrderID)
	if err != nil {
		t.Fatalf("unexpected fetch error: %v", err)
	}
	if state.Status != exchange.OrderStatusFilled {
		t.Fatalf("expected a fill against the fed book, got %s", state.Status)
	}
}
