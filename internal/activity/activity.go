// Package activity implements the activity tracker (C5): a composite Z-score of trade flow and
// its drop detector, per spec §4.4.
package activity

import (
	"sync"

	"gonum.org/v1/gonum/stat"
)

// Config controls the tracker's lookback and drop sensitivity.
type Config struct {
	LookbackPeriods int
	DropThreshold   float64 // fractional drop from rolling max that trips is_dropping
}

// DefaultConfig matches the spec's documented defaults.
func DefaultConfig() Config {
	return Config{LookbackPeriods: 60, DropThreshold: 0.4}
}

type sample struct {
	tpm60s     float64
	tps10s     float64
	volDelta60 float64
}

type symbolHistory struct {
	samples   []sample
	rollingMax float64
	haveMax    bool
}

// Tracker maintains per-symbol activity-index history and drop state, sampled at the
// orchestrator cadence.
type Tracker struct {
	cfg Config
	mu  sync.Mutex
	bySymbol map[string]*symbolHistory
}

// New constructs an activity tracker.
func New(cfg Config) *Tracker {
	return &Tracker{cfg: cfg, bySymbol: make(map[string]*symbolHistory)}
}

// Result is one symbol's activity reading after a sample is recorded.
type Result struct {
	ActivityIndex float64
	IsDropping    bool
}

// Sample records a new (tpm_60s, tps_10s, |volume_delta_60s|) observation for symbol and
// returns the recomputed activity index and drop state. The index is the sum of each input's
// Z-score over the trailing lookback window, computed via gonum/stat.
func (t *Tracker) Sample(symbol string, tpm60s, tps10s, absVolDelta60s float64) Result {
	t.mu.Lock()
	defer t.mu.Unlock()

	h, ok := t.bySymbol[symbol]
	if !ok {
		h = &symbolHistory{}
		t.bySymbol[symbol] = h
	}
	h.samples = append(h.samples, sample{tpm60s: tpm60s, tps10s: tps10s, volDelta60: absVolDelta60s})
	if len(h.samples) > t.cfg.LookbackPeriods {
		h.samples = h.samples[len(h.samples)-t.cfg.LookbackPeriods:]
	}

	if len(h.samples) < 2 {
		return Result{ActivityIndex: 0, IsDropping: false}
	}

	tpmSeries := make([]float64, len(h.samples))
	tpsSeries := make([]float64, len(h.samples))
	volSeries := make([]float64, len(h.samples))
	for i, s := range h.samples {
		tpmSeries[i] = s.tpm60s
		tpsSeries[i] = s.tps10s
		volSeries[i] = s.volDelta60
	}

	index := zscore(tpmSeries) + zscore(tpsSeries) + zscore(volSeries)

	isDropping := false
	if !h.haveMax || index > h.rollingMax {
		h.rollingMax = index
		h.haveMax = true
	} else if h.rollingMax != 0 {
		drop := (index - h.rollingMax) / absFloat(h.rollingMax)
		isDropping = drop <= -t.cfg.DropThreshold
	}

	return Result{ActivityIndex: index, IsDropping: isDropping}
}

// zscore returns the Z-score of the series' final element against the series' own mean/stddev.
func zscore(series []float64) float64 {
	mean, std := stat.MeanStdDev(series, nil)
	if std == 0 {
		return 0
	}
	last := series[len(series)-1]
	return (last - mean) / std
}

func absFloat(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}
