package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/atlas-desktop/breakout-engine/internal/activity"
	"github.com/atlas-desktop/breakout-engine/internal/config"
	"github.com/atlas-desktop/breakout-engine/internal/density"
	"github.com/atlas-desktop/breakout-engine/internal/diagnostics"
	"github.com/atlas-desktop/breakout-engine/internal/exchange"
	"github.com/atlas-desktop/breakout-engine/internal/execution"
	"github.com/atlas-desktop/breakout-engine/internal/ledger"
	"github.com/atlas-desktop/breakout-engine/internal/levels"
	"github.com/atlas-desktop/breakout-engine/internal/marketdata"
	"github.com/atlas-desktop/breakout-engine/internal/position"
	"github.com/atlas-desktop/breakout-engine/internal/risk"
	"github.com/atlas-desktop/breakout-engine/internal/scanner"
	"github.com/atlas-desktop/breakout-engine/internal/signal"
	"github.com/atlas-desktop/breakout-engine/pkg/types"
	"github.com/atlas-desktop/breakout-engine/pkg/utils"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gonum.org/v1/gonum/stat"
)

const (
	scanTimeframe     = types.Timeframe5m
	scanCandleLimit   = 300
	atrPeriod         = 14
	bbPeriod          = 20
	depthRange05Bps   = 50.0
	depthRange03Bps   = 30.0
	imbalanceRangeBps = 100.0
	surgeWindowBars   = 12 // 1h of 5m bars
	btcSymbol         = "BTC/USDT"
)

// Components bundles one instance of every subsystem the orchestrator drives. Construction
// happens in cmd/engine; the engine only coordinates.
type Components struct {
	Adapter   exchange.Adapter
	Trades    *marketdata.TradesAggregator
	Books     *marketdata.BookManager
	Density   *density.Detector
	Activity  *activity.Tracker
	Risk      *risk.Manager
	Slicer    *execution.Slicer
	Positions *position.Manager
	Ledger    *ledger.Ledger
	Tracer    *diagnostics.Tracer
	Metrics   *diagnostics.Metrics
	Quality   *diagnostics.QualityCounters
}

// bookFeeder is the optional capability of an adapter that synthesizes fills against a cached
// book (the paper exchange). The engine mirrors every book refresh into it.
type bookFeeder interface {
	UpdateBook(types.BookSnapshot)
}

// symbolContext is the per-symbol working set one scan cycle produces and later phases consume.
type symbolContext struct {
	candles   []types.Candle
	atr       decimal.Decimal
	lastBarTs int64
}

// Engine is the orchestrator (C12): it owns the phase FSM, drives every component through the
// scan → level → signal → sizing → execution → managing cycle, and serves the operator command
// interface. All cross-goroutine state is guarded by mu; phase handlers run on the single
// orchestrator timeline.
type Engine struct {
	logger *zap.Logger
	preset *config.Preset
	mode   string
	c      Components

	levelsCfg levels.Config
	cadence   time.Duration

	mu            sync.Mutex
	runCtx        context.Context // set once by Run; outlives phase timeouts for subscriptions
	phase         Phase
	lastError     string
	paused        bool
	startedAt     time.Time
	signalsRecent int
	stopOnce      sync.Once
	stopCh        chan struct{}

	markets        map[string]exchange.Market
	subscribed     map[string]bool
	symbols        map[string]*symbolContext
	btcReturns     []float64
	outOfOrderSeen int64

	candidates      []types.ScanResult
	cycleCorrID     string
	pendingSignal   *types.Signal
	pendingSize     types.PositionSize
	signalWaitSince time.Time
}

// NewEngine wires the components under one orchestrator.
func NewEngine(logger *zap.Logger, preset *config.Preset, mode string, c Components) *Engine {
	cadence := time.Duration(preset.ScannerConfig.ScanIntervalSeconds * float64(time.Second))
	if cadence <= 0 {
		cadence = 2 * time.Second
	}
	return &Engine{
		logger:     logger.Named("orchestrator"),
		preset:     preset,
		mode:       mode,
		c:          c,
		levelsCfg:  levelsConfigFromRules(preset.LevelsRules),
		cadence:    cadence,
		phase:      PhaseInitializing,
		stopCh:     make(chan struct{}),
		markets:    map[string]exchange.Market{},
		subscribed: map[string]bool{},
		symbols:    map[string]*symbolContext{},
	}
}

func levelsConfigFromRules(r config.LevelsRules) levels.Config {
	cfg := levels.DefaultConfig()
	if r.SwingWindow > 0 {
		cfg.SwingWindow = r.SwingWindow
	}
	if r.ClusterATRMultiplier > 0 {
		cfg.ClusterATRMultiplier = r.ClusterATRMultiplier
	}
	cfg.MinTouches = r.MinTouches
	if len(r.RoundStepCandidates) > 0 {
		steps := make([]decimal.Decimal, len(r.RoundStepCandidates))
		for i, s := range r.RoundStepCandidates {
			steps[i] = decimal.NewFromFloat(s)
		}
		cfg.RoundStepCandidates = steps
	}
	if r.MaxDistanceBps > 0 {
		cfg.RoundMaxDistanceBps = r.MaxDistanceBps
	}
	if r.CascadeRadiusBps > 0 {
		cfg.CascadeRadiusBps = r.CascadeRadiusBps
	}
	if r.CascadeMinLevels > 0 {
		cfg.CascadeMinLevels = r.CascadeMinLevels
	}
	if r.ApproachSlopeMaxPctPerBar > 0 {
		cfg.ApproachSlopeMaxPctPerBar = r.ApproachSlopeMaxPctPerBar
	}
	if r.PrebreakoutConsolidationMinBars > 0 {
		cfg.PrebreakoutConsolidationMinBars = r.PrebreakoutConsolidationMinBars
	}
	if r.ConsolidationToleranceBps > 0 {
		cfg.ConsolidationToleranceBps = r.ConsolidationToleranceBps
	}
	return cfg
}

// Run drives the phase FSM until the context is cancelled or the engine reaches STOPPED. The
// cadence delay applies only to iterations whose phase did not change; fast transitions run
// back to back.
func (e *Engine) Run(ctx context.Context) {
	e.mu.Lock()
	e.startedAt = time.Now()
	e.runCtx = ctx
	e.mu.Unlock()

	for {
		select {
		case <-ctx.Done():
			e.setPhase(PhaseStopped, "context cancelled")
			return
		case <-e.stopCh:
			return
		default:
		}

		if e.Phase() == PhaseStopped {
			return
		}
		if e.isPaused() {
			e.sleep(ctx, e.cadence)
			continue
		}

		result := e.iterate(ctx)
		if !result.Changed {
			e.sleep(ctx, e.cadence)
		}
	}
}

func (e *Engine) sleep(ctx context.Context, d time.Duration) {
	select {
	case <-ctx.Done():
	case <-e.stopCh:
	case <-time.After(d):
	}
}

// cycleFlags is one iteration's outcome, feeding NextPhase.
type cycleFlags struct {
	scanFound          bool
	levelsBuilt        bool
	signalAccepted     bool
	signalWaitTimedOut bool
	riskApproved       bool
	anyFill            bool
	totalRejection     bool
	unrecoverable      bool
}

func (e *Engine) iterate(ctx context.Context) StepResult {
	phase := e.Phase()
	timeout, ok := Timeouts[phase]
	if !ok {
		timeout = 30 * time.Second
	}
	pctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	var flags cycleFlags
	var err error

	switch phase {
	case PhaseInitializing:
		err = e.initialize(pctx)
	case PhaseScanning:
		err = e.runScan(pctx, &flags)
	case PhaseLevelBuilding:
		err = e.buildLevels(pctx, &flags)
	case PhaseSignalWait:
		err = e.awaitSignal(pctx, &flags)
	case PhaseSizing:
		err = e.size(pctx, &flags)
	case PhaseExecution:
		err = e.executePending(pctx, &flags)
	case PhaseManaging:
		err = e.manage(pctx, &flags)
	case PhaseError, PhaseStopped:
		// ERROR waits for an operator retry; STOPPED is terminal. Nothing to run.
		return StepResult{NextPhase: phase}
	}
	e.c.Metrics.PhaseDuration.WithLabelValues(string(phase)).Observe(time.Since(start).Seconds())

	if errors.Is(pctx.Err(), context.DeadlineExceeded) {
		err = fmt.Errorf("phase %s exceeded its %s timeout", phase, timeout)
		flags.unrecoverable = true
	}
	if err != nil {
		if isUnrecoverable(err) {
			flags.unrecoverable = true
		}
		e.setLastError(err.Error())
		e.logger.Error("phase handler failed", zap.String("phase", string(phase)), zap.Error(err))
	}

	result := NextPhase(phase, flags.scanFound, flags.levelsBuilt, flags.signalAccepted,
		flags.signalWaitTimedOut, flags.riskApproved, flags.anyFill, flags.totalRejection, flags.unrecoverable)
	if result.Changed {
		e.trace(e.cycleCorrID, "orchestrator", string(phase)+" -> "+string(result.NextPhase))
		e.logger.Debug("phase transition", zap.String("from", string(phase)), zap.String("to", string(result.NextPhase)))
		if result.NextPhase == PhaseSignalWait {
			e.mu.Lock()
			e.signalWaitSince = time.Now()
			e.mu.Unlock()
		}
	}
	e.setPhase(result.NextPhase, result.Reason)
	return result
}

// isUnrecoverable classifies an error per the propagation design: contract violations,
// permanent exchange failures, and a tripped kill switch escalate to ERROR; resource and
// data-quality rejections do not.
func isUnrecoverable(err error) bool {
	return errors.Is(err, types.ErrContractViolation) ||
		errors.Is(err, types.ErrPermanentExchange) ||
		errors.Is(err, types.ErrKillSwitch)
}

func (e *Engine) initialize(ctx context.Context) error {
	if !e.c.Adapter.IsConnected() {
		if err := e.c.Adapter.Connect(ctx); err != nil {
			return fmt.Errorf("connecting exchange adapter: %w", err)
		}
	}
	markets, err := e.c.Adapter.FetchMarkets(ctx)
	if err != nil {
		// The paper exchange carries no market catalog; run against statically seeded markets.
		e.logger.Warn("market catalog unavailable", zap.Error(err))
	}
	e.mu.Lock()
	for _, m := range markets {
		m.Symbol = utils.FormatSymbol(m.Symbol)
		e.markets[m.Symbol] = m
	}
	e.mu.Unlock()
	e.logger.Info("engine initialized", zap.String("mode", e.mode), zap.Int("markets", len(markets)))
	return nil
}

// SeedMarket registers exchange metadata for a symbol directly, for paper mode and tests where
// the adapter serves no market catalog.
func (e *Engine) SeedMarket(m exchange.Market) {
	e.mu.Lock()
	defer e.mu.Unlock()
	m.Symbol = utils.FormatSymbol(m.Symbol)
	e.markets[m.Symbol] = m
}

func (e *Engine) runScan(ctx context.Context, flags *cycleFlags) error {
	// Managing runs in parallel with the next scan cycle: open positions are driven through
	// their FSMs on every scan iteration, not only when the global phase is MANAGING.
	if e.c.Positions.OpenCount() > 0 {
		if err := e.manage(ctx, flags); err != nil {
			return err
		}
	}

	corrID := uuid.New().String()
	e.mu.Lock()
	e.cycleCorrID = corrID
	universe := make([]exchange.Market, 0, len(e.markets))
	for _, m := range e.markets {
		universe = append(universe, m)
	}
	e.mu.Unlock()

	if len(universe) == 0 {
		return nil
	}
	if top := e.preset.ScannerConfig.TopNByVolume; top > 0 && len(universe) > top {
		universe = universe[:top]
	}

	e.refreshBTCReturns(ctx)

	metricsBySymbol := map[string]types.MarketMetrics{}
	for _, m := range universe {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		candles, err := e.c.Adapter.FetchOHLCV(ctx, m.Symbol, scanTimeframe, scanCandleLimit)
		if err != nil || len(candles) == 0 {
			if err != nil {
				e.c.Quality.RecordGap()
				e.c.Metrics.DataQualityEvents.WithLabelValues("ohlcv_fetch").Inc()
			}
			continue
		}
		e.auditCandles(candles)
		sctx := e.updateSymbolContext(m.Symbol, candles)
		metricsBySymbol[m.Symbol] = e.computeMetrics(ctx, m, sctx)
	}

	weights := scanner.Weights{
		VolumeSurge:      e.preset.ScannerConfig.ScoreWeights.VolumeSurge,
		Volatility:       e.preset.ScannerConfig.ScoreWeights.Volatility,
		Liquidity:        e.preset.ScannerConfig.ScoreWeights.Liquidity,
		ProximityToLevel: e.preset.ScannerConfig.ScoreWeights.ProximityToLevel,
	}
	candidates := scanner.Scan(metricsBySymbol, nil, e.preset.LiquidityFilters,
		e.preset.VolatilityFilters, e.preset.RiskConfig.CorrelationLimit, weights,
		e.preset.ScannerConfig.MaxCandidates)

	e.mu.Lock()
	e.candidates = candidates
	e.mu.Unlock()

	for _, cand := range candidates {
		if err := e.subscribeSymbol(ctx, cand.Symbol); err != nil {
			e.logger.Warn("candidate subscription failed", zap.String("symbol", cand.Symbol), zap.Error(err))
		}
	}

	flags.scanFound = len(candidates) > 0
	e.trace(corrID, "scanner", fmt.Sprintf("%d candidates from %d symbols", len(candidates), len(metricsBySymbol)))
	return nil
}

// auditCandles feeds the data-quality counters: OHLC consistency, duplicate bars, and series
// gaps. Violations never abort the scan; downstream consumers observe the counters.
func (e *Engine) auditCandles(candles []types.Candle) {
	var expectedStep int64
	if len(candles) >= 2 {
		expectedStep = candles[1].TimestampMs - candles[0].TimestampMs
	}
	for i, c := range candles {
		if !c.Valid() {
			e.c.Quality.RecordOHLCViolation()
			e.c.Metrics.DataQualityEvents.WithLabelValues("ohlc_violation").Inc()
		}
		if i == 0 {
			continue
		}
		step := c.TimestampMs - candles[i-1].TimestampMs
		switch {
		case step == 0:
			e.c.Quality.RecordDuplicate()
			e.c.Metrics.DataQualityEvents.WithLabelValues("duplicate_bar").Inc()
		case expectedStep > 0 && step > expectedStep:
			e.c.Quality.RecordGap()
			e.c.Metrics.DataQualityEvents.WithLabelValues("ohlcv_gap").Inc()
		}
	}
	// Out-of-order trades are counted where they are dropped; mirror the aggregate here so one
	// snapshot carries every data-quality dimension.
	for dropped := e.c.Trades.OutOfOrderDropped(); dropped > e.outOfOrderSeen; e.outOfOrderSeen++ {
		e.c.Quality.RecordOutOfOrderDropped()
		e.c.Metrics.DataQualityEvents.WithLabelValues("out_of_order_trade").Inc()
	}
}

func (e *Engine) updateSymbolContext(symbol string, candles []types.Candle) *symbolContext {
	e.mu.Lock()
	defer e.mu.Unlock()
	sctx, ok := e.symbols[symbol]
	if !ok {
		sctx = &symbolContext{}
		e.symbols[symbol] = sctx
	}
	sctx.candles = candles
	sctx.atr = levels.ATR(candles, atrPeriod)
	sctx.lastBarTs = candles[len(candles)-1].TimestampMs
	return sctx
}

// refreshBTCReturns caches BTC's close-to-close returns once per scan, for the correlation gate.
func (e *Engine) refreshBTCReturns(ctx context.Context) {
	candles, err := e.c.Adapter.FetchOHLCV(ctx, btcSymbol, scanTimeframe, scanCandleLimit)
	if err != nil || len(candles) < 2 {
		return
	}
	e.mu.Lock()
	e.btcReturns = closeReturns(candles)
	e.mu.Unlock()
}

func closeReturns(candles []types.Candle) []float64 {
	if len(candles) < 2 {
		return nil
	}
	out := make([]float64, 0, len(candles)-1)
	for i := 1; i < len(candles); i++ {
		prev, _ := candles[i-1].Close.Float64()
		cur, _ := candles[i].Close.Float64()
		if prev == 0 {
			out = append(out, 0)
			continue
		}
		out = append(out, cur/prev-1)
	}
	return out
}

func (e *Engine) computeMetrics(ctx context.Context, m exchange.Market, sctx *symbolContext) types.MarketMetrics {
	candles := sctx.candles
	last := candles[len(candles)-1]

	vols := make([]float64, len(candles))
	notional24h := decimal.Zero
	for i, c := range candles {
		v, _ := c.Volume.Float64()
		vols[i] = v
		notional24h = notional24h.Add(c.Volume.Mul(c.Close))
	}
	surge1h := 1.0
	if len(vols) >= surgeWindowBars*2 {
		surge1h = scanner.MedianVolumeSurge(vols[len(vols)-surgeWindowBars:], vols[len(vols)-surgeWindowBars*2:len(vols)-surgeWindowBars])
	}
	surge5m := 1.0
	if len(vols) >= 6 {
		surge5m = scanner.MedianVolumeSurge(vols[len(vols)-1:], vols[len(vols)-6:len(vols)-1])
	}

	metrics := types.MarketMetrics{
		Symbol:       m.Symbol,
		Price:        last.Close,
		ATR:          sctx.atr,
		BBWidth:      levels.BollingerWidth(candles, bbPeriod, 2),
		VolSurge1h:   surge1h,
		VolSurge5m:   surge5m,
		MarketType:   m.MarketType,
		Volume24hUSD: notional24h,
	}

	if tpm, err := e.c.Trades.TPM(m.Symbol, "60s"); err == nil {
		metrics.TradesPerMinute = tpm
	}
	if spread, ok := e.c.Books.SpreadBps(m.Symbol); ok {
		metrics.SpreadBps, _ = spread.Float64()
	} else if snap, err := e.c.Adapter.FetchTicker(ctx, m.Symbol); err == nil {
		e.feedBook(snap)
		if spread, ok := snap.SpreadBps(); ok {
			metrics.SpreadBps, _ = spread.Float64()
		}
	}
	metrics.Depth05PctUSD = e.bothSidesDepth(m.Symbol, depthRange05Bps)
	metrics.Depth03PctUSD = e.bothSidesDepth(m.Symbol, depthRange03Bps)

	if m.Symbol != btcSymbol {
		e.mu.Lock()
		btc := e.btcReturns
		e.mu.Unlock()
		own := closeReturns(candles)
		if n := min(len(btc), len(own)); n >= surgeWindowBars {
			corr := stat.Correlation(own[len(own)-n:], btc[len(btc)-n:], nil)
			if !math.IsNaN(corr) {
				metrics.BTCCorrelation = &corr
			}
		}
	}

	atrPct := 0.0
	if !last.Close.IsZero() {
		atrPct, _ = sctx.atr.Div(last.Close).Float64()
	}
	switch {
	case atrPct < e.preset.VolatilityFilters.ATRRangeMin:
		metrics.VolatilityRegime = types.VolatilityLow
	case atrPct > e.preset.VolatilityFilters.ATRRangeMax:
		metrics.VolatilityRegime = types.VolatilityHigh
	default:
		metrics.VolatilityRegime = types.VolatilityNormal
	}
	return metrics
}

func (e *Engine) bothSidesDepth(symbol string, rangeBps float64) decimal.Decimal {
	total := decimal.Zero
	if d, ok := e.c.Books.AggregatedDepth(symbol, types.SideBuy, rangeBps); ok {
		total = total.Add(d)
	}
	if d, ok := e.c.Books.AggregatedDepth(symbol, types.SideSell, rangeBps); ok {
		total = total.Add(d)
	}
	return total
}

func (e *Engine) feedBook(snap types.BookSnapshot) {
	e.c.Books.SetSnapshot(snap)
	if feeder, ok := e.c.Adapter.(bookFeeder); ok {
		feeder.UpdateBook(snap)
	}
}

func (e *Engine) subscribeSymbol(ctx context.Context, symbol string) error {
	e.mu.Lock()
	if e.subscribed[symbol] {
		e.mu.Unlock()
		return nil
	}
	e.subscribed[symbol] = true
	// Subscriptions must outlive the scanning phase's timeout context.
	if e.runCtx != nil {
		ctx = e.runCtx
	}
	e.mu.Unlock()

	e.c.Trades.Subscribe(symbol)
	if err := e.c.Adapter.SubscribeTrades(ctx, symbol, func(t types.Trade) {
		e.c.Trades.OnTrade(t)
	}); err != nil {
		return err
	}
	return e.c.Adapter.SubscribeBook(ctx, symbol, 20, func(snap types.BookSnapshot) {
		e.feedBook(snap)
	})
}

func (e *Engine) buildLevels(ctx context.Context, flags *cycleFlags) error {
	e.mu.Lock()
	candidates := e.candidates
	e.mu.Unlock()

	for i := range candidates {
		sctx, ok := e.symbolContext(candidates[i].Symbol)
		if !ok {
			continue
		}
		candidates[i].Levels = levels.Detect(sctx.candles, e.levelsCfg, sctx.atr)
	}

	e.mu.Lock()
	e.candidates = candidates
	e.mu.Unlock()

	flags.levelsBuilt = true
	e.trace(e.cycleCorrID, "levels", fmt.Sprintf("levels built for %d candidates", len(candidates)))
	return nil
}

func (e *Engine) symbolContext(symbol string) (*symbolContext, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	sctx, ok := e.symbols[symbol]
	return sctx, ok
}

func (e *Engine) awaitSignal(ctx context.Context, flags *cycleFlags) error {
	e.mu.Lock()
	candidates := e.candidates
	corrID := e.cycleCorrID
	waitSince := e.signalWaitSince
	e.mu.Unlock()

	nowMs := types.NowMs(time.Now())
	for _, cand := range candidates {
		sctx, ok := e.symbolContext(cand.Symbol)
		if !ok {
			continue
		}
		e.refreshDensities(cand.Symbol, nowMs)
		for _, level := range cand.Levels {
			side := types.PositionSideLong
			if level.Kind == types.LevelSupport {
				side = types.PositionSideShort
			}
			micro := e.microstructure(cand.Symbol, side, sctx)
			sig, reject := signal.Evaluate(cand.Symbol, side, level, sctx.candles, sctx.atr, micro,
				e.preset.SignalConfig, e.levelsCfg, e.preset.PositionConfig.TPLevels, corrID, nowMs)
			if sig == nil {
				e.c.Metrics.SignalsRejected.WithLabelValues(string(reject)).Inc()
				continue
			}
			if !sig.ValidOrdering() {
				return types.NewContractError("signal_ordering", fmt.Sprintf("signal %s has an invalid price ladder", sig.ID))
			}
			e.mu.Lock()
			e.pendingSignal = sig
			e.signalsRecent++
			e.mu.Unlock()
			e.c.Metrics.SignalsGenerated.Inc()
			e.trace(corrID, "signal", fmt.Sprintf("%s %s %s accepted at %s", sig.Symbol, sig.Side, sig.Strategy, sig.Entry))
			flags.signalAccepted = true
			return nil
		}
	}

	if time.Since(waitSince) >= Timeouts[PhaseSignalWait] {
		flags.signalWaitTimedOut = true
	}
	return nil
}

// refreshDensities drives the density detector from the current bucketed book.
func (e *Engine) refreshDensities(symbol string, nowMs int64) {
	market, ok := e.market(symbol)
	if !ok || market.PriceTick.IsZero() {
		return
	}
	mid, ok := e.c.Books.MidPrice(symbol)
	if !ok {
		return
	}
	bids, asks, ok := e.c.Books.BucketedBook(symbol, e.preset.DensityConfig.BucketTicks, market.PriceTick)
	if !ok {
		return
	}
	for _, ev := range e.c.Density.Refresh(symbol, bids, asks, mid, nowMs) {
		e.trace(e.cycleCorrID, "density", fmt.Sprintf("%s %s %s at %s", symbol, ev.Kind, ev.Density.Side, ev.Density.Price))
	}
}

func (e *Engine) market(symbol string) (exchange.Market, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	m, ok := e.markets[symbol]
	return m, ok
}

// microstructure assembles the generator's gate inputs from C2-C5 state, including the
// market-quality readings (Bollinger width, spread, activity index) the reject gates check.
func (e *Engine) microstructure(symbol string, side types.PositionSide, sctx *symbolContext) signal.MicrostructureInput {
	micro := signal.MicrostructureInput{
		VWAP:          levels.VWAP(sctx.candles),
		BBWidth:       levels.BollingerWidth(sctx.candles, bbPeriod, 2),
		ActivityIndex: e.sampleActivity(symbol).ActivityIndex,
	}
	if spread, ok := e.c.Books.SpreadBps(symbol); ok {
		micro.SpreadBps, _ = spread.Float64()
	}

	targetSide := types.DensityAsk
	if side == types.PositionSideShort {
		targetSide = types.DensityBid
	}
	nowMs := types.NowMs(time.Now())
	for _, d := range e.c.Density.Active(symbol) {
		if d.Side != targetSide || d.EatenRatio < micro.BestDensityEatenRatio {
			continue
		}
		micro.HasDensity = true
		micro.BestDensityEatenRatio = d.EatenRatio
		if elapsed := float64(nowMs-d.FirstSeenMs) / 1000.0; elapsed > 0 {
			micro.BestDensityEatenSpeed = d.EatenRatio / elapsed
		}
	}

	if tpm, err := e.c.Trades.TPM(symbol, "60s"); err == nil {
		micro.TPM60s = tpm
	}
	// The 300s window is the longest the aggregator keeps; it stands in for the 1h average.
	if tpm, err := e.c.Trades.TPM(symbol, "300s"); err == nil {
		micro.AvgTPM1h = tpm
	}
	if imb, ok := e.c.Books.Imbalance(symbol, imbalanceRangeBps); ok {
		micro.Imbalance = imb
	}
	return micro
}

func (e *Engine) size(ctx context.Context, flags *cycleFlags) error {
	e.mu.Lock()
	sig := e.pendingSignal
	e.mu.Unlock()
	if sig == nil {
		return types.NewContractError("sizing_input", "entered SIZING with no pending signal")
	}

	currentPrice := sig.Entry
	if mid, ok := e.c.Books.MidPrice(sig.Symbol); ok {
		currentPrice = mid
	}
	stepSize := decimal.Zero
	if m, ok := e.market(sig.Symbol); ok {
		stepSize = m.QtyStep
	}

	ps := e.c.Risk.Evaluate(*sig, currentPrice, e.c.Ledger.AccountState(), stepSize)
	e.mu.Lock()
	e.pendingSize = ps
	e.mu.Unlock()

	if !ps.IsValid {
		// Never a silent drop: the rejection reason is traced and counted.
		e.c.Metrics.SignalsRejected.WithLabelValues("risk:" + ps.RejectReason).Inc()
		e.trace(sig.CorrelationID, "risk", "rejected: "+ps.RejectReason)
		e.clearPending()
		if e.c.Risk.KillSwitchArmed() {
			// A tripped kill switch halts the engine until an operator reset, not just this signal.
			return fmt.Errorf("%w: %s", types.ErrKillSwitch, ps.RejectReason)
		}
		return nil
	}
	flags.riskApproved = true
	e.trace(sig.CorrelationID, "risk", fmt.Sprintf("approved qty=%s notional=%s risk_r=%.2f", ps.Quantity, ps.NotionalUSD, ps.RiskR))
	return nil
}

func (e *Engine) executePending(ctx context.Context, flags *cycleFlags) error {
	e.mu.Lock()
	sig := e.pendingSignal
	ps := e.pendingSize
	e.mu.Unlock()
	if sig == nil || !ps.IsValid {
		return types.NewContractError("execution_input", "entered EXECUTION without an approved signal")
	}
	defer e.clearPending()

	orderSide := types.SideBuy
	if sig.Side == types.PositionSideShort {
		orderSide = types.SideSell
	}
	tickSize := decimal.Zero
	if m, ok := e.market(sig.Symbol); ok {
		tickSize = m.PriceTick
	}

	started := time.Now()
	trade, err := e.c.Slicer.Execute(ctx, e.c.Adapter, sig.Symbol, orderSide, ps.Quantity, sig.Entry, tickSize, sig.CorrelationID)
	e.c.Metrics.OrderLatency.Observe(time.Since(started).Seconds())
	if err != nil {
		e.trace(sig.CorrelationID, "execution", "rejected: "+err.Error())
		flags.totalRejection = true
		if isUnrecoverable(err) {
			return err
		}
		return nil
	}
	if trade.Quantity.IsZero() {
		e.trace(sig.CorrelationID, "execution", "no slices filled")
		flags.totalRejection = true
		return nil
	}

	schedule, ok := position.BuildTPSchedule(sig.Symbol, sig.Side, trade.AvgPrice,
		trade.AvgPrice.Sub(sig.StopLoss).Abs(), e.preset.PositionConfig.TPLevels,
		e.preset.PositionConfig.TPSmartPlacement, e.densityLookup(), e.levelLookup())
	if !ok {
		// The optimizer produced an invalid ladder: unwind the fill rather than carry an
		// unmanageable position.
		e.trace(sig.CorrelationID, "position", "tp schedule rejected; unwinding fill")
		_, unwindErr := e.c.Slicer.ExecuteTyped(ctx, e.c.Adapter, sig.Symbol, opposite(orderSide),
			trade.Quantity, trade.AvgPrice, tickSize, sig.CorrelationID, exchange.OrderTypeMarket)
		if unwindErr != nil {
			return fmt.Errorf("unwinding fill after tp-schedule rejection: %w", unwindErr)
		}
		flags.totalRejection = true
		return nil
	}

	pos, err := e.c.Positions.Open(*sig, trade, schedule, types.NowMs(time.Now()))
	if err != nil {
		return err
	}
	e.c.Ledger.OpenPosition(ps.NotionalUSD)
	e.c.Metrics.PositionsOpened.Inc()
	e.trace(sig.CorrelationID, "position", fmt.Sprintf("opened %s %s qty=%s avg=%s", pos.Symbol, pos.Side, pos.QuantityInitial, pos.EntryPrice))
	flags.anyFill = true
	return nil
}

func opposite(side types.Side) types.Side {
	if side == types.SideBuy {
		return types.SideSell
	}
	return types.SideBuy
}

func (e *Engine) densityLookup() position.DensityLookup {
	return func(symbol string, side types.DensitySide, price decimal.Decimal, rangeBps float64) (types.Density, bool) {
		var best types.Density
		found := false
		for _, d := range e.c.Density.Active(symbol) {
			if d.Side != side || !withinBps(d.Price, price, rangeBps) {
				continue
			}
			if !found || d.Strength > best.Strength {
				best = d
				found = true
			}
		}
		return best, found
	}
}

func (e *Engine) levelLookup() position.LevelLookup {
	return func(symbol string, price decimal.Decimal, rangeBps float64) (types.TradingLevel, bool) {
		e.mu.Lock()
		candidates := e.candidates
		e.mu.Unlock()
		for _, cand := range candidates {
			if cand.Symbol != symbol {
				continue
			}
			for _, lvl := range cand.Levels {
				if withinBps(lvl.Price, price, rangeBps) {
					return lvl, true
				}
			}
		}
		return types.TradingLevel{}, false
	}
}

func withinBps(a, b decimal.Decimal, rangeBps float64) bool {
	if b.IsZero() {
		return false
	}
	dist, _ := a.Sub(b).Abs().Div(b).Mul(decimal.NewFromInt(10000)).Float64()
	return dist <= rangeBps
}

func (e *Engine) manage(ctx context.Context, flags *cycleFlags) error {
	nowMs := types.NowMs(time.Now())
	for _, pos := range e.c.Positions.OpenPositions() {
		sctx, ok := e.symbolContext(pos.Symbol)
		if !ok {
			continue
		}

		barClosed := false
		if candles, err := e.c.Adapter.FetchOHLCV(ctx, pos.Symbol, scanTimeframe, 2); err == nil && len(candles) > 0 {
			latest := candles[len(candles)-1]
			if latest.TimestampMs > sctx.lastBarTs {
				barClosed = true
				merged := append(append([]types.Candle(nil), sctx.candles...), latest)
				if len(merged) > scanCandleLimit {
					merged = merged[len(merged)-scanCandleLimit:]
				}
				sctx = e.updateSymbolContext(pos.Symbol, merged)
			}
		}

		price := sctx.candles[len(sctx.candles)-1].Close
		if mid, ok := e.c.Books.MidPrice(pos.Symbol); ok {
			price = mid
		}
		state := position.MarketState{
			Price: price, ATR: sctx.atr, NowMs: nowMs,
			IsDropping: e.sampleActivity(pos.Symbol).IsDropping,
		}

		for _, action := range e.c.Positions.Update(pos.Symbol, state, barClosed) {
			if err := e.executeAction(ctx, action); err != nil {
				e.logger.Error("exit action failed", zap.String("position", action.PositionID), zap.Error(err))
				if isUnrecoverable(err) {
					return err
				}
			}
		}
	}
	return nil
}

// sampleActivity feeds the tracker one observation and returns the composite reading.
func (e *Engine) sampleActivity(symbol string) activity.Result {
	tpm, err := e.c.Trades.TPM(symbol, "60s")
	if err != nil {
		return activity.Result{}
	}
	tps, _ := e.c.Trades.TPS(symbol, "10s")
	delta, _ := e.c.Trades.VolumeDelta(symbol, "60s")
	deltaF, _ := delta.Abs().Float64()
	return e.c.Activity.Sample(symbol, tpm, tps, deltaF)
}

// executeAction routes a reduce/close instruction through the slicer and settles realized PnL
// into the ledger.
func (e *Engine) executeAction(ctx context.Context, action position.Action) error {
	orderType := exchange.OrderTypeMarket
	if action.OrderType == "limit" {
		orderType = exchange.OrderTypeLimit
	}
	price := action.Price
	if price.IsZero() {
		if mid, ok := e.c.Books.MidPrice(action.Symbol); ok {
			price = mid
		} else {
			price = action.EntryPrice
		}
	}
	tickSize := decimal.Zero
	if m, ok := e.market(action.Symbol); ok {
		tickSize = m.PriceTick
	}

	trade, err := e.c.Slicer.ExecuteTyped(ctx, e.c.Adapter, action.Symbol, action.Side,
		action.Quantity, price, tickSize, action.CorrelationID, orderType)
	if err != nil {
		return err
	}
	if trade.Quantity.IsZero() {
		return fmt.Errorf("%w: close order for %s filled nothing", types.ErrInsufficientResources, action.PositionID)
	}

	pnl := trade.AvgPrice.Sub(action.EntryPrice).Mul(trade.Quantity)
	if action.Side == types.SideBuy { // closing a short
		pnl = pnl.Neg()
	}
	e.c.Ledger.RecordFill(pnl, action.EntryPrice.Mul(trade.Quantity))
	e.c.Metrics.PositionsClosed.WithLabelValues(ruleLabel(action.Reason)).Inc()
	e.trace(action.CorrelationID, "position", fmt.Sprintf("closed %s of %s (%s): pnl=%s",
		trade.Quantity, action.Symbol, action.Reason, pnl))
	return nil
}

func ruleLabel(reason string) string {
	if i := strings.IndexByte(reason, ':'); i > 0 {
		return reason[:i]
	}
	return reason
}

func (e *Engine) clearPending() {
	e.mu.Lock()
	e.pendingSignal = nil
	e.pendingSize = types.PositionSize{}
	e.mu.Unlock()
}

func (e *Engine) trace(corrID, component, message string) {
	e.c.Tracer.Record(diagnostics.TraceEvent{
		CorrelationID: corrID, Component: component, Message: message,
		TimestampMs: types.NowMs(time.Now()),
	})
}

// Phase returns the current orchestrator phase.
func (e *Engine) Phase() Phase {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.phase
}

func (e *Engine) setPhase(p Phase, reason string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.phase = p
	if p == PhaseError && reason != "" {
		e.lastError = reason
	}
}

func (e *Engine) setLastError(msg string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.lastError = msg
}

func (e *Engine) isPaused() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.paused
}

// Stop honors the operator stop command: the engine transitions to STOPPED and the run loop
// exits. In-flight phase work finishes via context cancellation upstream; no new orders are
// placed afterward.
func (e *Engine) Stop() types.EngineStatus {
	e.setPhase(OnStopCommand(e.Phase()), "operator stop")
	e.stopOnce.Do(func() { close(e.stopCh) })
	return e.Status()
}

// Pause suspends phase iteration without losing state.
func (e *Engine) Pause() types.EngineStatus {
	e.mu.Lock()
	e.paused = true
	e.mu.Unlock()
	return e.Status()
}

// Resume lifts a pause.
func (e *Engine) Resume() types.EngineStatus {
	e.mu.Lock()
	e.paused = false
	e.mu.Unlock()
	return e.Status()
}

// KillSwitch latches the ledger's kill switch, optionally flats every position at market per
// the preset's panic_close_all_on_kill, and stops the engine. Requires an operator reset to
// re-arm, which this engine does not automate.
func (e *Engine) KillSwitch(ctx context.Context, reason string) types.EngineStatus {
	e.logger.Warn("kill switch engaged", zap.String("reason", reason))
	e.c.Ledger.EngageKillSwitch()
	if e.preset.RiskConfig.PanicCloseAllOnKill {
		for _, action := range e.c.Positions.CloseAll(types.NowMs(time.Now())) {
			if err := e.executeAction(ctx, action); err != nil {
				e.logger.Error("panic close failed", zap.String("position", action.PositionID), zap.Error(err))
			}
		}
	}
	e.setLastError("kill switch: " + reason)
	e.setPhase(OnKillSwitch(e.Phase()), reason)
	e.stopOnce.Do(func() { close(e.stopCh) })
	return e.Status()
}

// Retry honors the operator retry command: ERROR returns to SCANNING; any other phase is
// unchanged.
func (e *Engine) Retry() types.EngineStatus {
	e.setPhase(OnRetryCommand(e.Phase()), "operator retry")
	return e.Status()
}

// ClosePosition force-closes fraction of one position at market.
func (e *Engine) ClosePosition(ctx context.Context, id string, fraction float64) (types.EngineStatus, error) {
	action, err := e.c.Positions.Close(id, fraction, types.NowMs(time.Now()))
	if err != nil {
		return e.Status(), err
	}
	if err := e.executeAction(ctx, action); err != nil {
		return e.Status(), err
	}
	return e.Status(), nil
}

// Status snapshots the engine for the command interface.
func (e *Engine) Status() types.EngineStatus {
	e.mu.Lock()
	phase := e.phase
	lastError := e.lastError
	signalsRecent := e.signalsRecent
	startedAt := e.startedAt
	e.mu.Unlock()

	uptime := time.Duration(0)
	if !startedAt.IsZero() {
		uptime = time.Since(startedAt)
	}
	status := types.EngineStatus{
		Phase: string(phase), Preset: e.preset.Name, Mode: e.mode,
		PositionsOpen: e.c.Positions.OpenCount(), SignalsRecent: signalsRecent,
		Equity: e.c.Ledger.Equity(), UptimeMs: uptime.Milliseconds(), LastError: lastError,
	}
	e.logger.Debug("status", zap.String("phase", status.Phase), zap.String("uptime", utils.FormatDuration(uptime)))
	return status
}
