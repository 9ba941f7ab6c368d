package config

import "github.com/shopspring/decimal"

// ConservativePreset returns the named preset used throughout the integration scenarios
// (spec §8, S1–S6): conservative risk sizing, a standard two-leg TP schedule, and default
// microstructure gates. Modeled on the teacher's Default*Config() factory-function idiom.
func ConservativePreset() *Preset {
	paperBalance := decimal.NewFromInt(100000)
	maxNotional := decimal.NewFromInt(50000)

	return &Preset{
		Name:        "conservative",
		Description: "Conservative R-sizing with a two-leg take-profit schedule.",
		RiskConfig: RiskConfig{
			RiskPerTrade:           0.01,
			MaxConcurrentPositions: 3,
			DailyRiskLimit:         0.03,
			KillSwitchLossLimit:    0.05,
			CorrelationLimit:       0.7,
			CorrelationBudget:      0.15,
			MaxConsecutiveLosses:   5,
			MaxPositionNotionalUSD: &maxNotional,
			PaperStartingBalance:   &paperBalance,
			PanicCloseAllOnKill:    false,
		},
		LiquidityFilters: LiquidityFilters{
			Min24hVolumeUSD:    decimal.NewFromInt(5_000_000),
			MaxSpreadBps:       15,
			MinDepthUSD05Pct:   decimal.NewFromInt(20000),
			MinDepthUSD03Pct:   decimal.NewFromInt(10000),
			MinTradesPerMinute: 5,
		},
		VolatilityFilters: VolatilityFilters{
			ATRRangeMin:          0.005,
			ATRRangeMax:          0.08,
			BBWidthPercentileMax: 0.9,
			VolumeSurge1hMin:     1.5,
			VolumeSurge5mMin:     1.2,
		},
		SignalConfig: SignalConfig{
			EntryRules: EntryRulesConfig{
				BreakoutBufferBps:        5,
				MomentumBodyRatioMin:     0.6,
				MomentumVolumeMultiplier: 1.5,
				EnterOnDensityEatRatio:   0.75,
				EatenSpeedMin:            0.01,
				RetestMaxPierceATR:       0.25,
				TPMOnTouchFrac:           0.7,
				L2ImbalanceThreshold:     0.15,
				VWAPGapMaxATR:            1.0,
				PrelevelEntryEnabled:     false,
				PrelevelLimitOffsetBps:   5,
				SLType:                   "atr",
				SLATRMultiplier:          1.5,
				SLFixedPct:               0.02,
			},
			MarketQuality: MarketQualityConfig{
				MinATRPct:        0.002,
				MinBBWidthPct:    0.001,
				MaxSpreadBps:     30,
				MinActivityIndex: -2.0,
			},
		},
		PositionConfig: PositionConfig{
			TPLevels: []TPLevelConfig{
				{RewardMultiple: 2, SizePct: 0.5, PlacementMode: "fixed"},
				{RewardMultiple: 4, SizePct: 0.5, PlacementMode: "fixed"},
			},
			TPSmartPlacement: TPSmartPlacementConfig{
				SRLevelBufferBps:     10,
				DensityZoneBufferBps: 8,
				MaxAdjustmentBps:     20,
				RoundStepCandidates:  []float64{100, 500, 1000},
				DensityPriority:      3,
				RoundNumberPriority:  2,
				SRLevelPriority:      1,
			},
			SLType:                "atr",
			SLATRMultiplier:        1.5,
			BreakevenTriggerR:      1.0,
			BreakevenOffsetBps:     5,
			TrailingActivationR:    2.0,
			ChandelierATRMult:      3.0,
			ExitRules: ExitRulesConfig{
				FailedBreakoutTimeoutS: 60,
				MinFavorableMoveBps:    5,
				PanicSpikeThresholdBps: 150,
				WeakImpulseTimeoutS:    300,
				WeakImpulseMinR:        0.3,
			},
			MaxHoldTimeHours:      24,
			EntryConfirmationBars: 2,
			FSMEnabled:            true,
		},
		LevelsRules: LevelsRules{
			MinTouches:                      2,
			PreferRoundNumbers:               true,
			RoundStepCandidates:               []float64{100, 500, 1000, 5000},
			MaxDistanceBps:                    15,
			CascadeMinLevels:                  2,
			CascadeRadiusBps:                  50,
			ApproachSlopeMaxPctPerBar:         0.03,
			PrebreakoutConsolidationMinBars:   3,
			ConsolidationToleranceBps:         40,
			ClusterATRMultiplier:              0.5,
			SwingWindow:                       3,
		},
		DensityConfig: DensityConfig{
			KDensity:               3.0,
			BucketTicks:            10,
			LookbackWindowS:        300,
			EnterOnDensityEatRatio: 0.75,
			EatenRemoveRatio:       1.0,
		},
		ScannerConfig: ScannerConfig{
			MaxCandidates:       20,
			ScanIntervalSeconds: 30,
			TopNByVolume:        50,
			ScoreWeights: ScoreWeights{
				VolumeSurge:      0.3,
				Volatility:       0.2,
				Liquidity:        0.2,
				ProximityToLevel: 0.3,
			},
		},
		ExecutionConfig: ExecutionConfig{
			MaxSlices:               5,
			ExecutionWindowMs:       10000,
			MaxSliceNotionalUSD:     decimal.NewFromInt(10000),
			MaxDepthFraction:        0.2,
			MaxSlippageBps:          30,
			ExecutionOrderType:      "market",
			InsufficientDepthPolicy: "reduce",
			MaxRetries:              3,
		},
	}
}
