// Package execution implements the execution slicer (C10): depth guard, TWAP slicing,
// placement, and reconciliation, per spec §4.9. Slices are placed concurrently through the
// teacher's bounded worker pool rather than a hand-rolled goroutine fan-out.
package execution

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/atlas-desktop/breakout-engine/internal/exchange"
	"github.com/atlas-desktop/breakout-engine/internal/workers"
	"github.com/atlas-desktop/breakout-engine/pkg/types"
	"github.com/atlas-desktop/breakout-engine/pkg/utils"
	"github.com/google/uuid"
	"github.com/jpillora/backoff"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// DepthProvider is the subset of the order-book manager the slicer needs for its depth guard.
type DepthProvider interface {
	AggregatedDepth(symbol string, side types.Side, rangeBps float64) (decimal.Decimal, bool)
}

// Config mirrors the preset's execution_config block.
type Config struct {
	MaxSlices               int
	ExecutionWindowMs       int64
	MaxSliceNotionalUSD     decimal.Decimal
	MaxDepthFraction        float64
	MaxSlippageBps          float64
	ExecutionOrderType      string
	InsufficientDepthPolicy string
	MaxRetries              int // per-slice retry budget for transient exchange errors
}

const defaultMaxRetries = 3

// Slicer executes a sized order against the exchange in TWAP slices with a pre-flight depth
// guard and post-execution VWAP reconciliation.
type Slicer struct {
	logger *zap.Logger
	cfg    Config
	depth  DepthProvider
	pool   *workers.Pool
}

// New constructs an execution slicer backed by a bounded worker pool for concurrent slice
// placement, grounded on the teacher's internal/workers pool.
func New(logger *zap.Logger, cfg Config, depth DepthProvider) *Slicer {
	poolCfg := workers.DefaultPoolConfig("execution-slicer")
	pool := workers.NewPool(logger, poolCfg)
	pool.Start()
	return &Slicer{logger: logger.Named("execution.slicer"), cfg: cfg, depth: depth, pool: pool}
}

// Close drains and stops the underlying worker pool.
func (s *Slicer) Close() error { return s.pool.Stop() }

type sliceResult struct {
	filled bool
	qty    decimal.Decimal
	price  decimal.Decimal
}

// Execute places the sized side-qty trade for symbol via adapter, respecting the depth guard
// and TWAP slicing schedule, and returns the reconciled ExecutedTrade. tickSize rounds the
// limit price placed on each slice down to the exchange's price precision; pass decimal.Zero
// for order types that don't carry a price (plain market orders).
func (s *Slicer) Execute(ctx context.Context, adapter exchange.Adapter, symbol string, side types.Side,
	quantity, price, tickSize decimal.Decimal, correlationID string) (types.ExecutedTrade, error) {
	return s.execute(ctx, adapter, symbol, side, quantity, price, tickSize, correlationID, s.orderType())
}

// ExecuteTyped is Execute with an explicit order type overriding the preset's
// execution_order_type: exit rules dictate market for panic/stop closes and limit for graceful
// profit-taking.
func (s *Slicer) ExecuteTyped(ctx context.Context, adapter exchange.Adapter, symbol string, side types.Side,
	quantity, price, tickSize decimal.Decimal, correlationID string, orderType exchange.OrderType) (types.ExecutedTrade, error) {
	return s.execute(ctx, adapter, symbol, side, quantity, price, tickSize, correlationID, orderType)
}

func (s *Slicer) execute(ctx context.Context, adapter exchange.Adapter, symbol string, side types.Side,
	quantity, price, tickSize decimal.Decimal, correlationID string, orderType exchange.OrderType) (types.ExecutedTrade, error) {

	available, ok := s.depth.AggregatedDepth(symbol, side, s.cfg.MaxSlippageBps)
	if ok {
		maxByDepth := available.Mul(decimal.NewFromFloat(s.cfg.MaxDepthFraction)).Div(price)
		if quantity.GreaterThan(maxByDepth) && s.cfg.InsufficientDepthPolicy == "reject" {
			return types.ExecutedTrade{}, fmt.Errorf("%w: insufficient_depth for %s", types.ErrInsufficientResources, symbol)
		}
		quantity = utils.MinDecimal(quantity, maxByDepth)
	}

	price = utils.RoundToTickSize(price, tickSize)
	slices := s.buildSlices(quantity, price)

	// A permanent failure on any slice aborts the rest of the schedule: slices still waiting
	// out their jitter observe the cancellation and never place.
	sliceCtx, abort := context.WithCancel(ctx)
	defer abort()

	var mu sync.Mutex
	results := make([]sliceResult, len(slices))
	var wg sync.WaitGroup
	for i, sliceQty := range slices {
		i, sliceQty := i, sliceQty
		wg.Add(1)
		err := s.pool.SubmitFunc(func() error {
			defer wg.Done()
			req := exchange.OrderRequest{
				Symbol: symbol, Side: side, Type: orderType,
				Quantity: sliceQty, Price: price,
				ClientOrderID: fmt.Sprintf("%s-slice-%d", correlationID, i),
			}
			res, err := s.placeSlice(sliceCtx, adapter, req)
			if err != nil {
				if !errors.Is(err, types.ErrTransientExchange) && !errors.Is(err, context.Canceled) {
					s.logger.Warn("permanent slice failure, aborting remaining slices",
						zap.String("symbol", symbol), zap.Int("slice", i), zap.Error(err))
					abort()
				}
				return err
			}
			mu.Lock()
			results[i] = res
			mu.Unlock()
			return nil
		})
		if err != nil {
			wg.Done()
			s.logger.Warn("slice submit failed", zap.Error(err))
		}
	}
	wg.Wait()

	return s.reconcile(symbol, side, correlationID, results), nil
}

// placeSlice waits out its TWAP jitter, then places and reconciles one slice. Transient
// exchange errors retry with exponential backoff up to the configured budget; everything else
// is permanent per the error taxonomy and returns immediately. The client order ID is reused
// across retries so a retried placement stays idempotent.
func (s *Slicer) placeSlice(ctx context.Context, adapter exchange.Adapter, req exchange.OrderRequest) (sliceResult, error) {
	jitter := time.Duration(rand.Int63n(int64(s.cfg.ExecutionWindowMs)+1)) * time.Millisecond
	select {
	case <-ctx.Done():
		return sliceResult{}, ctx.Err()
	case <-time.After(jitter):
	}

	maxRetries := s.cfg.MaxRetries
	if maxRetries <= 0 {
		maxRetries = defaultMaxRetries
	}
	b := &backoff.Backoff{Min: 100 * time.Millisecond, Max: 2 * time.Second, Jitter: true}

	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		ack, err := adapter.CreateOrder(ctx, req)
		if err == nil {
			var state exchange.OrderState
			state, err = adapter.FetchOrder(ctx, ack.OrderID)
			if err == nil {
				return sliceResult{filled: state.Status == exchange.OrderStatusFilled, qty: state.FilledQty, price: state.AvgPrice}, nil
			}
		}
		lastErr = err
		if !errors.Is(err, types.ErrTransientExchange) {
			return sliceResult{}, err
		}
		if attempt == maxRetries {
			break
		}
		s.logger.Warn("transient slice failure, retrying",
			zap.String("client_order_id", req.ClientOrderID), zap.Int("attempt", attempt+1), zap.Error(err))
		select {
		case <-ctx.Done():
			return sliceResult{}, ctx.Err()
		case <-time.After(b.Duration()):
		}
	}
	return sliceResult{}, fmt.Errorf("slice retries exhausted: %w", lastErr)
}

func (s *Slicer) orderType() exchange.OrderType {
	if s.cfg.ExecutionOrderType == "post_only" {
		return exchange.OrderTypePostOnly
	}
	return exchange.OrderTypeMarket
}

// buildSlices splits quantity into equal pieces (the last takes any remainder), as many as
// MaxSliceNotionalUSD needs but never more than MaxSlices; when MaxSlices is the binding limit,
// a piece can exceed MaxSliceNotionalUSD.
func (s *Slicer) buildSlices(quantity, price decimal.Decimal) []decimal.Decimal {
	maxSlices := s.cfg.MaxSlices
	if maxSlices <= 0 {
		maxSlices = 1
	}
	notional := quantity.Mul(price)
	neededByNotional := 1
	if !s.cfg.MaxSliceNotionalUSD.IsZero() {
		n, _ := notional.Div(s.cfg.MaxSliceNotionalUSD).Float64()
		neededByNotional = int(n) + 1
	}
	n := neededByNotional
	if n > maxSlices {
		n = maxSlices
	}
	if n < 1 {
		n = 1
	}

	perSlice := quantity.Div(decimal.NewFromInt(int64(n)))
	slices := make([]decimal.Decimal, n)
	remaining := quantity
	for i := 0; i < n-1; i++ {
		slices[i] = perSlice
		remaining = remaining.Sub(perSlice)
	}
	slices[n-1] = remaining
	return slices
}

func (s *Slicer) reconcile(symbol string, side types.Side, correlationID string, results []sliceResult) types.ExecutedTrade {
	filledQty := decimal.Zero
	notional := decimal.Zero
	slicesFilled, slicesFailed := 0, 0
	for _, r := range results {
		if !r.filled || r.qty.IsZero() {
			slicesFailed++
			continue
		}
		slicesFilled++
		filledQty = filledQty.Add(r.qty)
		notional = notional.Add(r.qty.Mul(r.price))
	}
	avgPrice := decimal.Zero
	if !filledQty.IsZero() {
		avgPrice = notional.Div(filledQty)
	}
	return types.ExecutedTrade{
		Symbol: symbol, Side: side, Quantity: filledQty, AvgPrice: avgPrice,
		SlicesFilled: slicesFilled, SlicesFailed: slicesFailed, CorrelationID: correlationID,
	}
}

// NewIntentID generates a random UUID idempotency key for a slice placement.
func NewIntentID() string { return uuid.New().String() }
