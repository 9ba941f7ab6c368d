package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/atlas-desktop/breakout-engine/pkg/types"
	"github.com/gorilla/websocket"
	"github.com/jpillora/backoff"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// BinanceConfig configures the live Binance adapter.
type BinanceConfig struct {
	WSBaseURL string
	RESTBaseURL string
}

// DefaultBinanceConfig returns production endpoint defaults.
func DefaultBinanceConfig() BinanceConfig {
	return BinanceConfig{
		WSBaseURL:   "wss://stream.binance.com:9443/ws",
		RESTBaseURL: "https://api.binance.com",
	}
}

// BinanceAdapter is the live exchange adapter. It satisfies Adapter by streaming trades and
// book updates over a single logical WebSocket connection with exponential-backoff reconnect
// (5s floor, 60s cap per spec §5), gated by a per-endpoint-class rate limiter.
type BinanceAdapter struct {
	logger  *zap.Logger
	cfg     BinanceConfig
	limiter *RateLimiter

	mu        sync.RWMutex
	conn      *websocket.Conn
	connected bool
	tradeCB   map[string]TradeCallback
	bookCB    map[string]BookCallback

	stopCh chan struct{}
}

// NewBinanceAdapter builds a live adapter bound to a single logical connection.
func NewBinanceAdapter(logger *zap.Logger, cfg BinanceConfig) *BinanceAdapter {
	return &BinanceAdapter{
		logger:  logger.Named("exchange.binance"),
		cfg:     cfg,
		limiter: NewRateLimiter(),
		tradeCB: make(map[string]TradeCallback),
		bookCB:  make(map[string]BookCallback),
		stopCh:  make(chan struct{}),
	}
}

func (b *BinanceAdapter) Name() string { return "binance" }

func (b *BinanceAdapter) Connect(ctx context.Context) error {
	if err := b.dial(ctx); err != nil {
		return fmt.Errorf("%w: %v", types.ErrTransientExchange, err)
	}
	go b.readLoop()
	go b.reconnectMonitor(ctx)
	return nil
}

func (b *BinanceAdapter) dial(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, b.cfg.WSBaseURL, nil)
	if err != nil {
		return err
	}
	b.mu.Lock()
	b.conn = conn
	b.connected = true
	b.mu.Unlock()
	return nil
}

// reconnectMonitor watches the connection and redials with exponential backoff from 5s up to a
// 60s cap, per spec §5. This replaces the teacher's flat 5-second retry loop.
func (b *BinanceAdapter) reconnectMonitor(ctx context.Context) {
	bo := &backoff.Backoff{Min: 5 * time.Second, Max: 60 * time.Second, Factor: 2, Jitter: true}
	ticker := time.NewTicker(1 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-b.stopCh:
			return
		case <-ticker.C:
			if b.IsConnected() {
				bo.Reset()
				continue
			}
			d := bo.Duration()
			b.logger.Warn("reconnecting", zap.Duration("backoff", d))
			time.Sleep(d)
			if err := b.dial(ctx); err != nil {
				b.logger.Warn("reconnect failed", zap.Error(err))
				continue
			}
			go b.readLoop()
			b.resubscribeAll()
		}
	}
}

func (b *BinanceAdapter) resubscribeAll() {
	b.mu.RLock()
	symbols := make([]string, 0, len(b.tradeCB)+len(b.bookCB))
	for s := range b.tradeCB {
		symbols = append(symbols, s)
	}
	b.mu.RUnlock()
	for _, s := range symbols {
		b.sendSubscribe(s)
	}
}

func (b *BinanceAdapter) readLoop() {
	for {
		b.mu.RLock()
		conn := b.conn
		b.mu.RUnlock()
		if conn == nil {
			return
		}
		_, msg, err := conn.ReadMessage()
		if err != nil {
			b.mu.Lock()
			b.connected = false
			b.mu.Unlock()
			return
		}
		b.handleMessage(msg)
	}
}

func (b *BinanceAdapter) handleMessage(msg []byte) {
	var generic map[string]any
	if err := json.Unmarshal(msg, &generic); err != nil {
		return
	}
	eventType, _ := generic["e"].(string)
	switch eventType {
	case "trade":
		b.handleTrade(generic)
	case "depthUpdate":
		b.handleDepth(generic)
	}
}

func (b *BinanceAdapter) handleTrade(m map[string]any) {
	symbol, _ := m["s"].(string)
	price, _ := decimal.NewFromString(fmt.Sprint(m["p"]))
	qty, _ := decimal.NewFromString(fmt.Sprint(m["q"]))
	ts, _ := m["T"].(float64)
	isBuyerMaker, _ := m["m"].(bool)
	side := types.SideBuy
	if isBuyerMaker {
		side = types.SideSell
	}
	trade := types.Trade{Symbol: symbol, TimestampMs: int64(ts), Price: price, Amount: qty, Side: side}

	b.mu.RLock()
	cb := b.tradeCB[strings.ToUpper(symbol)]
	b.mu.RUnlock()
	if cb != nil {
		cb(trade)
	}
}

func (b *BinanceAdapter) handleDepth(m map[string]any) {
	symbol, _ := m["s"].(string)
	bids := parseLevels(m["b"])
	asks := parseLevels(m["a"])
	snap := types.BookSnapshot{Symbol: symbol, TimestampMs: time.Now().UnixMilli(), Bids: bids, Asks: asks}
	snap.Stale = !snap.Consistent()

	b.mu.RLock()
	cb := b.bookCB[strings.ToUpper(symbol)]
	b.mu.RUnlock()
	if cb != nil {
		cb(snap)
	}
}

func parseLevels(raw any) []types.BookLevel {
	arr, ok := raw.([]any)
	if !ok {
		return nil
	}
	levels := make([]types.BookLevel, 0, len(arr))
	for _, item := range arr {
		pair, ok := item.([]any)
		if !ok || len(pair) < 2 {
			continue
		}
		price, _ := decimal.NewFromString(fmt.Sprint(pair[0]))
		size, _ := decimal.NewFromString(fmt.Sprint(pair[1]))
		levels = append(levels, types.BookLevel{Price: price, Size: size})
	}
	return levels
}

func (b *BinanceAdapter) sendSubscribe(symbol string) {
	b.mu.RLock()
	conn := b.conn
	b.mu.RUnlock()
	if conn == nil {
		return
	}
	streams := []string{
		strings.ToLower(symbol) + "@trade",
		strings.ToLower(symbol) + "@depth20@100ms",
	}
	req := map[string]any{"method": "SUBSCRIBE", "params": streams, "id": time.Now().UnixNano()}
	_ = conn.WriteJSON(req)
}

func (b *BinanceAdapter) Disconnect() error {
	close(b.stopCh)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.connected = false
	if b.conn != nil {
		return b.conn.Close()
	}
	return nil
}

func (b *BinanceAdapter) IsConnected() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.connected
}

func (b *BinanceAdapter) FetchMarkets(ctx context.Context) ([]Market, error) {
	if err := b.limiter.Wait(ctx, ClassMarketData); err != nil {
		return nil, err
	}
	// No market metadata is fetched or held: FetchMarkets always returns ErrPermanentExchange.
	return nil, fmt.Errorf("%w: FetchMarkets requires exchangeInfo integration", types.ErrPermanentExchange)
}

func (b *BinanceAdapter) FetchOHLCV(ctx context.Context, symbol string, tf types.Timeframe, limit int) ([]types.Candle, error) {
	if err := b.limiter.Wait(ctx, ClassMarketData); err != nil {
		return nil, err
	}
	return nil, fmt.Errorf("%w: FetchOHLCV requires REST kline integration", types.ErrPermanentExchange)
}

func (b *BinanceAdapter) FetchTicker(ctx context.Context, symbol string) (types.BookSnapshot, error) {
	if err := b.limiter.Wait(ctx, ClassMarketData); err != nil {
		return types.BookSnapshot{}, err
	}
	return types.BookSnapshot{}, fmt.Errorf("%w: FetchTicker requires REST bookTicker integration", types.ErrPermanentExchange)
}

func (b *BinanceAdapter) SubscribeTrades(ctx context.Context, symbol string, cb TradeCallback) error {
	b.mu.Lock()
	b.tradeCB[strings.ToUpper(symbol)] = cb
	b.mu.Unlock()
	b.sendSubscribe(symbol)
	return nil
}

func (b *BinanceAdapter) SubscribeBook(ctx context.Context, symbol string, depth int, cb BookCallback) error {
	b.mu.Lock()
	b.bookCB[strings.ToUpper(symbol)] = cb
	b.mu.Unlock()
	b.sendSubscribe(symbol)
	return nil
}

func (b *BinanceAdapter) CreateOrder(ctx context.Context, req OrderRequest) (OrderAck, error) {
	if err := b.limiter.Wait(ctx, ClassOrder); err != nil {
		return OrderAck{}, err
	}
	return OrderAck{}, fmt.Errorf("%w: live order placement requires signed REST integration", types.ErrPermanentExchange)
}

func (b *BinanceAdapter) CancelOrder(ctx context.Context, orderID string) error {
	if err := b.limiter.Wait(ctx, ClassOrder); err != nil {
		return err
	}
	return fmt.Errorf("%w: live cancel requires signed REST integration", types.ErrPermanentExchange)
}

func (b *BinanceAdapter) FetchOrder(ctx context.Context, orderID string) (OrderState, error) {
	if err := b.limiter.Wait(ctx, ClassAccount); err != nil {
		return OrderState{}, err
	}
	return OrderState{}, fmt.Errorf("%w: live order fetch requires signed REST integration", types.ErrPermanentExchange)
}

func (b *BinanceAdapter) FetchBalance(ctx context.Context, asset string) (decimal.Decimal, error) {
	if err := b.limiter.Wait(ctx, ClassAccount); err != nil {
		return decimal.Zero, err
	}
	return decimal.Zero, fmt.Errorf("%w: live balance fetch requires signed REST integration", types.ErrPermanentExchange)
}
