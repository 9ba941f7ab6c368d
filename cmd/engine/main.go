// Package main provides the entry point for the breakout-trading engine: a scanner,
// level/signal pipeline, risk manager, execution slicer, and per-position FSM running against
// either a live exchange or a simulated paper exchange.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/atlas-desktop/breakout-engine/internal/activity"
	"github.com/atlas-desktop/breakout-engine/internal/config"
	"github.com/atlas-desktop/breakout-engine/internal/density"
	"github.com/atlas-desktop/breakout-engine/internal/diagnostics"
	"github.com/atlas-desktop/breakout-engine/internal/exchange"
	"github.com/atlas-desktop/breakout-engine/internal/execution"
	"github.com/atlas-desktop/breakout-engine/internal/ledger"
	"github.com/atlas-desktop/breakout-engine/internal/marketdata"
	"github.com/atlas-desktop/breakout-engine/internal/orchestrator"
	"github.com/atlas-desktop/breakout-engine/internal/position"
	"github.com/atlas-desktop/breakout-engine/internal/risk"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func main() {
	presetPath := flag.String("preset", "", "Path to the preset JSON document")
	mode := flag.String("mode", "paper", "Execution mode: paper or live")
	logLevel := flag.String("log-level", "info", "Log level (debug, info, warn, error)")
	flag.Parse()

	v := viper.New()
	v.SetEnvPrefix("BREAKOUT_ENGINE")
	v.AutomaticEnv()
	v.SetDefault("mode", *mode)
	modeSet := false
	flag.Visit(func(f *flag.Flag) { modeSet = modeSet || f.Name == "mode" })
	if !modeSet {
		*mode = v.GetString("mode")
	}

	logger := setupLogger(*logLevel)
	defer logger.Sync()

	if *presetPath == "" {
		logger.Fatal("preset path is required (-preset)")
	}
	preset, err := config.Load(*presetPath)
	if err != nil {
		logger.Fatal("failed to load preset", zap.Error(err))
	}
	logger.Info("preset loaded", zap.String("name", preset.Name), zap.String("mode", *mode))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	registry := prometheus.NewRegistry()

	// Paper mode streams live market data into the simulated fill engine; live mode routes
	// both data and orders to the exchange.
	live := exchange.NewBinanceAdapter(logger, exchange.DefaultBinanceConfig())
	var adapter exchange.Adapter = live
	startingBalance := preset.RiskConfig.EffectivePaperStartingBalance()
	if *mode != "live" {
		paper := exchange.NewPaperExchange(logger, exchange.DefaultPaperConfig(startingBalance))
		adapter = exchange.NewHybrid(live, paper)
	}
	if err := adapter.Connect(ctx); err != nil {
		logger.Fatal("failed to connect to exchange", zap.Error(err))
	}

	books := marketdata.NewBookManager()
	slicer := execution.New(logger, execution.Config{
		MaxSlices: preset.ExecutionConfig.MaxSlices, ExecutionWindowMs: preset.ExecutionConfig.ExecutionWindowMs,
		MaxSliceNotionalUSD: preset.ExecutionConfig.MaxSliceNotionalUSD, MaxDepthFraction: preset.ExecutionConfig.MaxDepthFraction,
		MaxSlippageBps: preset.ExecutionConfig.MaxSlippageBps, ExecutionOrderType: preset.ExecutionConfig.ExecutionOrderType,
		InsufficientDepthPolicy: preset.ExecutionConfig.InsufficientDepthPolicy,
		MaxRetries:              preset.ExecutionConfig.MaxRetries,
	}, books)
	defer slicer.Close()

	eng := orchestrator.NewEngine(logger, preset, *mode, orchestrator.Components{
		Adapter: adapter,
		Trades:  marketdata.NewTradesAggregator(),
		Books:   books,
		Density: density.New(density.Config{
			KDensity: preset.DensityConfig.KDensity, BucketTicks: preset.DensityConfig.BucketTicks,
			EnterOnEatenRatio: preset.DensityConfig.EnterOnDensityEatRatio, RemoveEatenRatio: preset.DensityConfig.EatenRemoveRatio,
		}),
		Activity:  activity.New(activity.DefaultConfig()),
		Risk:      risk.New(preset.RiskConfig),
		Slicer:    slicer,
		Positions: position.NewManager(logger, position.New(preset.PositionConfig)),
		Ledger:    ledger.New(logger, startingBalance),
		Tracer:    diagnostics.NewTracer(10000),
		Metrics:   diagnostics.NewMetrics(registry),
		Quality:   &diagnostics.QualityCounters{},
	})

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go eng.Run(ctx)

	<-sigCh
	logger.Info("shutdown signal received")
	status := eng.Stop()
	cancel()

	if err := adapter.Disconnect(); err != nil {
		logger.Error("error disconnecting from exchange", zap.Error(err))
	}
	logger.Info("engine stopped", zap.String("phase", status.Phase),
		zap.Int64("uptime_ms", status.UptimeMs), zap.String("equity", status.Equity.String()))
}

func setupLogger(level string) *zap.Logger {
	var zapLevel zapcore.Level
	switch level {
	case "debug":
		zapLevel = zapcore.DebugLevel
	case "info":
		zapLevel = zapcore.InfoLevel
	case "warn":
		zapLevel = zapcore.WarnLevel
	case "error":
		zapLevel = zapcore.ErrorLevel
	default:
		zapLevel = zapcore.InfoLevel
	}

	cfg := zap.Config{
		Level:       zap.NewAtomicLevelAt(zapLevel),
		Development: false,
		Encoding:    "console",
		EncoderConfig: zapcore.EncoderConfig{
			TimeKey:        "time",
			LevelKey:       "level",
			NameKey:        "logger",
			CallerKey:      "caller",
			MessageKey:     "msg",
			StacktraceKey:  "stacktrace",
			LineEnding:     zapcore.DefaultLineEnding,
			EncodeLevel:    zapcore.CapitalColorLevelEncoder,
			EncodeTime:     zapcore.ISO8601TimeEncoder,
			EncodeDuration: zapcore.SecondsDurationEncoder,
			EncodeCaller:   zapcore.ShortCallerEncoder,
		},
		OutputPaths:      []string{"stdout"},
		ErrorOutputPaths: []string{"stderr"},
	}

	logger, err := cfg.Build()
	if err != nil {
		panic(err)
	}
	return logger
}
