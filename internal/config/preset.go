// Package config loads and validates preset documents (C14): the JSON configuration format
// that supplies every threshold used by the scanner, signal generator, risk manager, execution
// slicer, and position manager. No thresholds are hard-coded elsewhere in the engine.
package config

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/shopspring/decimal"
)

// RiskConfig is §6 risk_config.
type RiskConfig struct {
	RiskPerTrade          float64          `json:"risk_per_trade"`
	MaxConcurrentPositions int             `json:"max_concurrent_positions"`
	DailyRiskLimit        float64          `json:"daily_risk_limit"`
	KillSwitchLossLimit   float64          `json:"kill_switch_loss_limit"`
	CorrelationLimit      float64          `json:"correlation_limit"`
	CorrelationBudget     float64          `json:"correlation_budget"`
	MaxConsecutiveLosses  int              `json:"max_consecutive_losses"`
	MaxPositionNotionalUSD *decimal.Decimal `json:"max_position_notional_usd,omitempty"`
	PaperStartingBalance  *decimal.Decimal `json:"paper_starting_balance,omitempty"`
	PanicCloseAllOnKill   bool             `json:"panic_close_all_on_kill"`
}

// LiquidityFilters is §6 liquidity_filters.
type LiquidityFilters struct {
	Min24hVolumeUSD    decimal.Decimal `json:"min_24h_volume_usd"`
	MaxSpreadBps       float64         `json:"max_spread_bps"`
	MinDepthUSD05Pct   decimal.Decimal `json:"min_depth_usd_0_5pct"`
	MinDepthUSD03Pct   decimal.Decimal `json:"min_depth_usd_0_3pct"`
	MinTradesPerMinute float64         `json:"min_trades_per_minute"`
}

// VolatilityFilters is §6 volatility_filters.
type VolatilityFilters struct {
	ATRRangeMin           float64 `json:"atr_range_min"`
	ATRRangeMax           float64 `json:"atr_range_max"`
	BBWidthPercentileMax  float64 `json:"bb_width_percentile_max"`
	VolumeSurge1hMin      float64 `json:"volume_surge_1h_min"`
	VolumeSurge5mMin      float64 `json:"volume_surge_5m_min"`
	OIDelta24hMin         float64 `json:"oi_delta_24h_min"`
}

// EntryRulesConfig carries the momentum/retest numeric thresholds enumerated in spec §4.7.
type EntryRulesConfig struct {
	BreakoutBufferBps         float64 `json:"breakout_buffer_bps"`
	MomentumBodyRatioMin      float64 `json:"momentum_body_ratio_min"`
	MomentumVolumeMultiplier  float64 `json:"momentum_volume_multiplier"`
	EnterOnDensityEatRatio    float64 `json:"enter_on_density_eat_ratio"`
	EatenSpeedMin             float64 `json:"eaten_speed_min"`
	RetestMaxPierceATR        float64 `json:"retest_max_pierce_atr"`
	TPMOnTouchFrac            float64 `json:"tpm_on_touch_frac"`
	L2ImbalanceThreshold      float64 `json:"l2_imbalance_threshold"`
	VWAPGapMaxATR             float64 `json:"vwap_gap_max_atr"`
	PrelevelEntryEnabled      bool    `json:"prelevel_entry_enabled"`
	PrelevelLimitOffsetBps    float64 `json:"prelevel_limit_offset_bps"`
	SLType                    string  `json:"sl_type"` // "atr" | "swing" | "fixed_pct"
	SLATRMultiplier           float64 `json:"sl_atr_multiplier"`
	SLFixedPct                float64 `json:"sl_fixed_pct"`
}

// MarketQualityConfig gates signal generation on a healthy, non-flat market. A zero threshold
// disables that gate (min_atr_pct aside: a zero ATR floor already passes everything).
type MarketQualityConfig struct {
	MinATRPct        float64 `json:"min_atr_pct"`
	MinBBWidthPct    float64 `json:"min_bb_width_pct"`
	MaxSpreadBps     float64 `json:"max_spread_bps"`
	MinActivityIndex float64 `json:"min_activity_index"`
}

// SignalConfig is §6 signal_config.
type SignalConfig struct {
	EntryRules    EntryRulesConfig    `json:"entry_rules"`
	MarketQuality MarketQualityConfig `json:"market_quality"`
}

// TPLevelConfig is one entry of position_config.tp_levels.
type TPLevelConfig struct {
	RewardMultiple float64 `json:"reward_multiple"`
	SizePct        float64 `json:"size_pct"`
	PlacementMode  string  `json:"placement_mode"`
}

// TPSmartPlacementConfig is position_config.tp_smart_placement.
type TPSmartPlacementConfig struct {
	SRLevelBufferBps     float64 `json:"sr_level_buffer_bps"`
	DensityZoneBufferBps float64 `json:"density_zone_buffer_bps"`
	MaxAdjustmentBps     float64 `json:"max_adjustment_bps"`
	RoundStepCandidates  []float64 `json:"round_step_candidates"`
	DensityPriority      int     `json:"density_priority"`
	RoundNumberPriority  int     `json:"round_number_priority"`
	SRLevelPriority      int     `json:"sr_level_priority"`
}

// ExitRulesConfig is position_config.exit_rules. Per Design Notes §9, this is the sole
// authority for exit rules; any rule not enumerated here is unsupported.
type ExitRulesConfig struct {
	FailedBreakoutTimeoutS  float64 `json:"failed_breakout_timeout_s"`
	MinFavorableMoveBps     float64 `json:"min_favorable_move_bps"`
	PanicSpikeThresholdBps  float64 `json:"panic_spike_threshold_bps"`
	WeakImpulseTimeoutS     float64 `json:"weak_impulse_timeout_s"`
	WeakImpulseMinR         float64 `json:"weak_impulse_min_r"`
}

// PositionConfig is §6 position_config.
type PositionConfig struct {
	TPLevels               []TPLevelConfig        `json:"tp_levels"`
	TPSmartPlacement       TPSmartPlacementConfig `json:"tp_smart_placement"`
	SLType                 string                 `json:"sl_type"`
	SLATRMultiplier        float64                `json:"sl_atr_multiplier"`
	BreakevenTriggerR      float64                `json:"breakeven_trigger_r"`
	BreakevenOffsetBps     float64                `json:"breakeven_offset_bps"`
	TrailingActivationR    float64                `json:"trailing_activation_r"`
	ChandelierATRMult      float64                `json:"chandelier_atr_mult"`
	ExitRules              ExitRulesConfig        `json:"exit_rules"`
	MaxHoldTimeHours       float64                `json:"max_hold_time_hours"`
	EntryConfirmationBars  int                    `json:"entry_confirmation_bars"`
	FSMEnabled             bool                   `json:"fsm_enabled"`
}

// LevelsRules is §6 levels_rules.
type LevelsRules struct {
	MinTouches                      int       `json:"min_touches"`
	PreferRoundNumbers               bool      `json:"prefer_round_numbers"`
	RoundStepCandidates               []float64 `json:"round_step_candidates"`
	MaxDistanceBps                    float64   `json:"max_distance_bps"`
	CascadeMinLevels                  int       `json:"cascade_min_levels"`
	CascadeRadiusBps                  float64   `json:"cascade_radius_bps"`
	ApproachSlopeMaxPctPerBar         float64   `json:"approach_slope_max_pct_per_bar"`
	PrebreakoutConsolidationMinBars   int       `json:"prebreakout_consolidation_min_bars"`
	ConsolidationToleranceBps         float64   `json:"consolidation_tolerance_bps"`
	ClusterATRMultiplier              float64   `json:"cluster_atr_multiplier"`
	SwingWindow                       int       `json:"swing_window"`
}

// DensityConfig is §6 density_config.
type DensityConfig struct {
	KDensity           float64 `json:"k_density"`
	BucketTicks        int     `json:"bucket_ticks"`
	LookbackWindowS    float64 `json:"lookback_window_s"`
	EnterOnDensityEatRatio float64 `json:"enter_on_density_eat_ratio"`
	EatenRemoveRatio   float64 `json:"eaten_remove_ratio"`
}

// ScoreWeights is scanner_config.score_weights.
type ScoreWeights struct {
	VolumeSurge       float64 `json:"volume_surge"`
	Volatility        float64 `json:"volatility"`
	Liquidity         float64 `json:"liquidity"`
	ProximityToLevel  float64 `json:"proximity_to_level"`
}

// ScannerConfig is §6 scanner_config.
type ScannerConfig struct {
	MaxCandidates     int          `json:"max_candidates"`
	ScanIntervalSeconds float64    `json:"scan_interval_seconds"`
	TopNByVolume      int          `json:"top_n_by_volume"`
	ScoreWeights      ScoreWeights `json:"score_weights"`
}

// ExecutionConfig is §6 execution_config.
type ExecutionConfig struct {
	MaxSlices             int     `json:"max_slices"`
	ExecutionWindowMs     int64   `json:"execution_window_ms"`
	MaxSliceNotionalUSD   decimal.Decimal `json:"max_slice_notional_usd"`
	MaxDepthFraction      float64 `json:"max_depth_fraction"`
	MaxSlippageBps        float64 `json:"max_slippage_bps"`
	ExecutionOrderType    string  `json:"execution_order_type"` // "market" | "post_only"
	InsufficientDepthPolicy string `json:"insufficient_depth_policy"` // "reduce" | "reject"
	MaxRetries            int     `json:"max_retries"` // per-slice transient-error retry budget
}

// Preset is the full §6 preset document.
type Preset struct {
	Name              string            `json:"name"`
	Description       string            `json:"description"`
	RiskConfig        RiskConfig        `json:"risk_config"`
	LiquidityFilters  LiquidityFilters  `json:"liquidity_filters"`
	VolatilityFilters VolatilityFilters `json:"volatility_filters"`
	SignalConfig      SignalConfig      `json:"signal_config"`
	PositionConfig    PositionConfig    `json:"position_config"`
	LevelsRules       LevelsRules       `json:"levels_rules"`
	DensityConfig     DensityConfig     `json:"density_config"`
	ScannerConfig     ScannerConfig     `json:"scanner_config"`
	ExecutionConfig   ExecutionConfig   `json:"execution_config"`
}

// ValidationError points at the offending field, per spec §6's requirement that an invalid
// preset fail loading with a structured error.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("preset validation: field %q: %s", e.Field, e.Reason)
}

// Load reads and validates a preset document from path.
func Load(path string) (*Preset, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading preset %s: %w", path, err)
	}
	return Parse(data)
}

// Parse decodes and validates a preset document from raw JSON bytes.
func Parse(data []byte) (*Preset, error) {
	var p Preset
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("decoding preset: %w", err)
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return &p, nil
}

// Validate enforces the bounds and cross-field consistency rules spec §6 requires.
func (p *Preset) Validate() error {
	if p.Name == "" {
		return &ValidationError{Field: "name", Reason: "required"}
	}
	if p.RiskConfig.RiskPerTrade <= 0 || p.RiskConfig.RiskPerTrade >= 1 {
		return &ValidationError{Field: "risk_config.risk_per_trade", Reason: "must be in (0, 1)"}
	}
	if p.RiskConfig.MaxConcurrentPositions <= 0 {
		return &ValidationError{Field: "risk_config.max_concurrent_positions", Reason: "must be positive"}
	}
	if p.RiskConfig.KillSwitchLossLimit <= 0 {
		return &ValidationError{Field: "risk_config.kill_switch_loss_limit", Reason: "must be positive"}
	}
	if p.RiskConfig.MaxConsecutiveLosses <= 0 {
		return &ValidationError{Field: "risk_config.max_consecutive_losses", Reason: "must be positive"}
	}

	if p.LiquidityFilters.Min24hVolumeUSD.IsNegative() {
		return &ValidationError{Field: "liquidity_filters.min_24h_volume_usd", Reason: "must be non-negative"}
	}
	if p.LiquidityFilters.MaxSpreadBps <= 0 {
		return &ValidationError{Field: "liquidity_filters.max_spread_bps", Reason: "must be positive"}
	}

	if p.VolatilityFilters.ATRRangeMin < 0 || p.VolatilityFilters.ATRRangeMax <= p.VolatilityFilters.ATRRangeMin {
		return &ValidationError{Field: "volatility_filters.atr_range_max", Reason: "must exceed atr_range_min"}
	}

	if len(p.PositionConfig.TPLevels) < 2 || len(p.PositionConfig.TPLevels) > 6 {
		return &ValidationError{Field: "position_config.tp_levels", Reason: "must contain between 2 and 6 levels"}
	}
	sum := 0.0
	prevMultiple := 0.0
	for i, tp := range p.PositionConfig.TPLevels {
		sum += tp.SizePct
		if tp.RewardMultiple <= prevMultiple {
			return &ValidationError{Field: fmt.Sprintf("position_config.tp_levels[%d].reward_multiple", i), Reason: "must be strictly increasing"}
		}
		prevMultiple = tp.RewardMultiple
		if tp.PlacementMode != "fixed" && tp.PlacementMode != "smart" {
			return &ValidationError{Field: fmt.Sprintf("position_config.tp_levels[%d].placement_mode", i), Reason: "must be fixed or smart"}
		}
	}
	if sum < 0.95 || sum > 1.05 {
		return &ValidationError{Field: "position_config.tp_levels", Reason: "sum of size_pct must be within [0.95, 1.05]"}
	}

	if p.LevelsRules.MinTouches <= 0 {
		return &ValidationError{Field: "levels_rules.min_touches", Reason: "must be positive"}
	}

	if p.DensityConfig.KDensity <= 0 {
		return &ValidationError{Field: "density_config.k_density", Reason: "must be positive"}
	}

	if p.ScannerConfig.MaxCandidates <= 0 {
		return &ValidationError{Field: "scanner_config.max_candidates", Reason: "must be positive"}
	}

	if p.ExecutionConfig.MaxSlices <= 0 {
		return &ValidationError{Field: "execution_config.max_slices", Reason: "must be positive"}
	}
	if p.ExecutionConfig.MaxDepthFraction <= 0 || p.ExecutionConfig.MaxDepthFraction > 1 {
		return &ValidationError{Field: "execution_config.max_depth_fraction", Reason: "must be in (0, 1]"}
	}
	if p.ExecutionConfig.ExecutionOrderType != "market" && p.ExecutionConfig.ExecutionOrderType != "post_only" {
		return &ValidationError{Field: "execution_config.execution_order_type", Reason: "must be market or post_only"}
	}
	if p.ExecutionConfig.InsufficientDepthPolicy == "" {
		p.ExecutionConfig.InsufficientDepthPolicy = "reduce"
	}

	return nil
}

// EffectivePaperStartingBalance returns the configured paper-trading starting equity, defaulting
// to 100000 USD per spec §6. Zero is never returned: paper mode must never initialize equity to 0.
func (r RiskConfig) EffectivePaperStartingBalance() decimal.Decimal {
	if r.PaperStartingBalance == nil || !r.PaperStartingBalance.IsPositive() {
		return decimal.NewFromInt(100000)
	}
	return *r.PaperStartingBalance
}
